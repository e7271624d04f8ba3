package model

import (
	"fmt"
	"io"
	"math"

	"github.com/samcharles93/kiln/internal/safetensors"
	"github.com/samcharles93/kiln/internal/tensor"
)

// Layer holds the weights of one transformer block.
type Layer struct {
	AttnNorm []float32
	Wq       *tensor.Mat
	Wk       *tensor.Mat
	Wv       *tensor.Mat
	Wo       *tensor.Mat
	Bq       []float32
	Bk       []float32
	Bv       []float32

	FFNNorm []float32
	Gate    *tensor.Mat
	Up      *tensor.Mat
	Down    *tensor.Mat
}

// Weights is a loaded model. It is immutable after construction and safe
// for concurrent use by any number of sessions.
type Weights struct {
	Config Config
	Embed  *tensor.Mat
	Layers []Layer
	Norm   []float32
	Output *tensor.Mat

	Rope       *RopeScaling
	invFreq    []float64
	ropeMScale float64
	closer     io.Closer
}

func newWeights(cfg Config, embed *tensor.Mat, layers []Layer, norm []float32, output *tensor.Mat) *Weights {
	rs := resolveRopeScaling(cfg.MaxPosition, cfg.RopeScaling)
	invFreq, mscale := ropeFrequencies(cfg.HeadDim, cfg.RopeTheta, rs)
	return &Weights{
		Config:     cfg,
		Embed:      embed,
		Layers:     layers,
		Norm:       norm,
		Output:     output,
		Rope:       rs,
		invFreq:    invFreq,
		ropeMScale: mscale,
	}
}

// TiedOutput reports whether the output projection shares the embedding.
func (w *Weights) TiedOutput() bool { return w.Output == w.Embed }

// Bytes returns the resident size of all weight tensors.
func (w *Weights) Bytes() int64 {
	total := int64(w.Embed.Bytes()) + int64(len(w.Norm))*4
	if !w.TiedOutput() {
		total += int64(w.Output.Bytes())
	}
	for _, l := range w.Layers {
		for _, m := range l.mats() {
			total += int64(m.Bytes())
		}
		total += int64(len(l.AttnNorm)+len(l.FFNNorm)+len(l.Bq)+len(l.Bk)+len(l.Bv)) * 4
	}
	return total
}

func (l *Layer) mats() []*tensor.Mat {
	return []*tensor.Mat{l.Wq, l.Wk, l.Wv, l.Wo, l.Gate, l.Up, l.Down}
}

// Convert returns a copy of w with every layer projection re-encoded as
// dt. The embedding and output head are converted only when embeddings is
// set. Norms and biases stay f32.
func (w *Weights) Convert(dt tensor.DType, blockSize int, embeddings bool) (*Weights, error) {
	out := *w
	out.closer = nil
	out.Layers = make([]Layer, len(w.Layers))
	for i, l := range w.Layers {
		nl := l
		dsts := []**tensor.Mat{&nl.Wq, &nl.Wk, &nl.Wv, &nl.Wo, &nl.Gate, &nl.Up, &nl.Down}
		for j, m := range l.mats() {
			c, err := tensor.Convert(m, dt, blockSize)
			if err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
			*dsts[j] = c
		}
		out.Layers[i] = nl
	}
	if embeddings {
		e, err := tensor.Convert(w.Embed, dt, blockSize)
		if err != nil {
			return nil, fmt.Errorf("embeddings: %w", err)
		}
		out.Embed = e
		out.Output = e
		if !w.TiedOutput() {
			if out.Output, err = tensor.Convert(w.Output, dt, blockSize); err != nil {
				return nil, fmt.Errorf("output: %w", err)
			}
		}
	}
	return &out, nil
}

// Tensors returns the weights in the safetensors layout read by Load.
// Quantized matrices are written with their ".qb" scale companions.
func (w *Weights) Tensors() []safetensors.Tensor {
	var out []safetensors.Tensor
	addMat := func(name string, m *tensor.Mat) {
		out = append(out, safetensors.Tensor{
			Name:  name,
			DType: fileDType(m.DType),
			Shape: []int{m.R, m.C},
			Data:  m.Encode(),
		})
		if m.DType.Quantized() {
			out = append(out, safetensors.Tensor{
				Name:  name + ScaleSuffix,
				DType: "F32",
				Shape: []int{m.R, m.C / m.BlockSize},
				Data:  tensor.EncodeF32(m.Scales),
			})
		}
	}
	addVec := func(name string, v []float32) {
		if v == nil {
			return
		}
		out = append(out, safetensors.Tensor{Name: name, DType: "F32", Shape: []int{len(v)}, Data: tensor.EncodeF32(v)})
	}

	addMat(nameEmbed, w.Embed)
	addVec(nameNorm, w.Norm)
	if !w.TiedOutput() {
		addMat(nameOutput, w.Output)
	}
	for i, l := range w.Layers {
		addVec(layerName(i, "input_layernorm.weight"), l.AttnNorm)
		addVec(layerName(i, "post_attention_layernorm.weight"), l.FFNNorm)
		addMat(layerName(i, "self_attn.q_proj.weight"), l.Wq)
		addMat(layerName(i, "self_attn.k_proj.weight"), l.Wk)
		addMat(layerName(i, "self_attn.v_proj.weight"), l.Wv)
		addMat(layerName(i, "self_attn.o_proj.weight"), l.Wo)
		addVec(layerName(i, "self_attn.q_proj.bias"), l.Bq)
		addVec(layerName(i, "self_attn.k_proj.bias"), l.Bk)
		addVec(layerName(i, "self_attn.v_proj.bias"), l.Bv)
		addMat(layerName(i, "mlp.gate_proj.weight"), l.Gate)
		addMat(layerName(i, "mlp.up_proj.weight"), l.Up)
		addMat(layerName(i, "mlp.down_proj.weight"), l.Down)
	}
	return out
}

// fileDType maps a storage format to its safetensors dtype string. Q8
// payloads are plain int8 codes on disk.
func fileDType(dt tensor.DType) string {
	if dt == tensor.Q8 {
		return "I8"
	}
	return dt.String()
}

// RandomWeights builds a reproducible model for cfg with small random
// weights. Intended for tests and benchmarks.
func RandomWeights(cfg Config, seed uint64) (*Weights, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, ff := cfg.HiddenSize, cfg.IntermediateSize
	next := func() uint64 { seed++; return seed }
	scale := func(fanIn int) float32 { return float32(1 / math.Sqrt(float64(fanIn))) }
	ones := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = 1
		}
		return v
	}

	embed := tensor.RandomMat(cfg.VocabSize, d, next(), 1)
	output := embed
	if !cfg.TieWordEmbeddings {
		output = tensor.RandomMat(cfg.VocabSize, d, next(), scale(d))
	}
	layers := make([]Layer, cfg.NumLayers)
	for i := range layers {
		l := Layer{
			AttnNorm: ones(d),
			FFNNorm:  ones(d),
			Wq:       tensor.RandomMat(cfg.QDim(), d, next(), scale(d)),
			Wk:       tensor.RandomMat(cfg.KVDim(), d, next(), scale(d)),
			Wv:       tensor.RandomMat(cfg.KVDim(), d, next(), scale(d)),
			Wo:       tensor.RandomMat(d, cfg.QDim(), next(), scale(cfg.QDim())),
			Gate:     tensor.RandomMat(ff, d, next(), scale(d)),
			Up:       tensor.RandomMat(ff, d, next(), scale(d)),
			Down:     tensor.RandomMat(d, ff, next(), scale(ff)),
		}
		if cfg.AttentionBias {
			l.Bq = tensor.RandomMat(1, cfg.QDim(), next(), 0.1).Data
			l.Bk = tensor.RandomMat(1, cfg.KVDim(), next(), 0.1).Data
			l.Bv = tensor.RandomMat(1, cfg.KVDim(), next(), 0.1).Data
		}
		layers[i] = l
	}
	return newWeights(cfg, embed, layers, ones(d), output), nil
}
