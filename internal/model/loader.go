package model

import (
	"fmt"
	"path/filepath"

	"github.com/samcharles93/kiln/internal/errs"
	"github.com/samcharles93/kiln/internal/safetensors"
	"github.com/samcharles93/kiln/internal/tensor"
)

// ScaleSuffix names the companion tensor holding per-block scales of a
// quantized weight.
const ScaleSuffix = ".qb"

type tensorSource interface {
	Tensor(name string) (safetensors.TensorInfo, bool)
	ReadTensor(name string) ([]byte, safetensors.TensorInfo, error)
	ReadTensorF32(name string) ([]float32, safetensors.TensorInfo, error)
}

// Tensor names of the Hugging Face llama layout.
const (
	nameEmbed  = "model.embed_tokens.weight"
	nameNorm   = "model.norm.weight"
	nameOutput = "lm_head.weight"
)

func layerName(i int, suffix string) string {
	return fmt.Sprintf("model.layers.%d.%s", i, suffix)
}

// Load reads config.json and the safetensors weights in dir. Tensors stay
// memory-mapped until Close.
func Load(dir string) (*Weights, error) {
	cfg, err := LoadConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}
	set, err := safetensors.OpenDir(dir)
	if err != nil {
		return nil, errs.Wrap(errs.ErrLoad, "model.Load", err)
	}
	w, err := LoadFromSource(cfg, set)
	if err != nil {
		_ = set.Close()
		return nil, err
	}
	w.closer = set
	return w, nil
}

// LoadFromSource builds weights for cfg from an open tensor set. Every
// tensor is checked against the architecture before anything is returned.
func LoadFromSource(cfg Config, src tensorSource) (*Weights, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := cfg.HiddenSize

	embed, err := loadMat(src, nameEmbed, cfg.VocabSize, d)
	if err != nil {
		return nil, err
	}
	norm, err := loadVec(src, nameNorm, d)
	if err != nil {
		return nil, err
	}
	output := embed
	if _, ok := src.Tensor(nameOutput); ok && !cfg.TieWordEmbeddings {
		if output, err = loadMat(src, nameOutput, cfg.VocabSize, d); err != nil {
			return nil, err
		}
	}

	layers := make([]Layer, cfg.NumLayers)
	for i := range layers {
		if err := loadLayer(src, cfg, i, &layers[i]); err != nil {
			return nil, err
		}
	}

	return newWeights(cfg, embed, layers, norm, output), nil
}

func loadLayer(src tensorSource, cfg Config, i int, l *Layer) error {
	d, ff := cfg.HiddenSize, cfg.IntermediateSize
	qDim, kvDim := cfg.QDim(), cfg.KVDim()

	mats := []struct {
		dst        **tensor.Mat
		name       string
		rows, cols int
	}{
		{&l.Wq, "self_attn.q_proj.weight", qDim, d},
		{&l.Wk, "self_attn.k_proj.weight", kvDim, d},
		{&l.Wv, "self_attn.v_proj.weight", kvDim, d},
		{&l.Wo, "self_attn.o_proj.weight", d, qDim},
		{&l.Gate, "mlp.gate_proj.weight", ff, d},
		{&l.Up, "mlp.up_proj.weight", ff, d},
		{&l.Down, "mlp.down_proj.weight", d, ff},
	}
	for _, m := range mats {
		mat, err := loadMat(src, layerName(i, m.name), m.rows, m.cols)
		if err != nil {
			return err
		}
		*m.dst = mat
	}

	var err error
	if l.AttnNorm, err = loadVec(src, layerName(i, "input_layernorm.weight"), d); err != nil {
		return err
	}
	if l.FFNNorm, err = loadVec(src, layerName(i, "post_attention_layernorm.weight"), d); err != nil {
		return err
	}

	biases := []struct {
		dst  *[]float32
		name string
		n    int
	}{
		{&l.Bq, "self_attn.q_proj.bias", qDim},
		{&l.Bk, "self_attn.k_proj.bias", kvDim},
		{&l.Bv, "self_attn.v_proj.bias", kvDim},
	}
	for _, b := range biases {
		name := layerName(i, b.name)
		if _, ok := src.Tensor(name); !ok {
			if cfg.AttentionBias {
				return errs.Load("model.Load", "layer %d: attention_bias set but %s missing", i, name)
			}
			continue
		}
		if *b.dst, err = loadVec(src, name, b.n); err != nil {
			return err
		}
	}
	return nil
}

func loadMat(src tensorSource, name string, rows, cols int) (*tensor.Mat, error) {
	const op = "model.Load"
	info, ok := src.Tensor(name)
	if !ok {
		return nil, errs.Load(op, "missing tensor %s", name)
	}
	if len(info.Shape) != 2 || info.Shape[0] != rows || info.Shape[1] != cols {
		return nil, errs.Load(op, "tensor %s has shape %v, want [%d %d]", name, info.Shape, rows, cols)
	}
	dt, err := tensor.ParseDType(info.DType)
	if err != nil {
		return nil, errs.Wrap(errs.ErrLoad, op, fmt.Errorf("tensor %s: %w", name, err))
	}
	raw, _, err := src.ReadTensor(name)
	if err != nil {
		return nil, errs.Wrap(errs.ErrLoad, op, err)
	}

	if !dt.Quantized() {
		m, err := tensor.NewMatFromRaw(rows, cols, dt, raw)
		if err != nil {
			return nil, errs.Wrap(errs.ErrLoad, op, fmt.Errorf("tensor %s: %w", name, err))
		}
		return m, nil
	}

	scaleName := name + ScaleSuffix
	sinfo, ok := src.Tensor(scaleName)
	if !ok {
		return nil, errs.Load(op, "quantized tensor %s has no %s scales", name, scaleName)
	}
	if len(sinfo.Shape) != 2 || sinfo.Shape[0] != rows || sinfo.Shape[1] <= 0 || cols%sinfo.Shape[1] != 0 {
		return nil, errs.Load(op, "scale tensor %s has shape %v for [%d %d] weights", scaleName, sinfo.Shape, rows, cols)
	}
	scales, _, err := src.ReadTensorF32(scaleName)
	if err != nil {
		return nil, errs.Wrap(errs.ErrLoad, op, err)
	}
	m, err := tensor.NewQuantMat(rows, cols, dt, cols/sinfo.Shape[1], raw, scales)
	if err != nil {
		return nil, errs.Wrap(errs.ErrLoad, op, fmt.Errorf("tensor %s: %w", name, err))
	}
	return m, nil
}

func loadVec(src tensorSource, name string, n int) ([]float32, error) {
	const op = "model.Load"
	info, ok := src.Tensor(name)
	if !ok {
		return nil, errs.Load(op, "missing tensor %s", name)
	}
	if info.Elements() != n || len(info.Shape) != 1 {
		return nil, errs.Load(op, "tensor %s has shape %v, want [%d]", name, info.Shape, n)
	}
	v, _, err := src.ReadTensorF32(name)
	if err != nil {
		return nil, errs.Wrap(errs.ErrLoad, op, err)
	}
	return v, nil
}

// Close releases the mapped weight files. Weights must not be used
// afterwards.
func (w *Weights) Close() error {
	if w == nil || w.closer == nil {
		return nil
	}
	c := w.closer
	w.closer = nil
	return c.Close()
}
