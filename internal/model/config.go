package model

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kiln/internal/errs"
)

// Config is the subset of a Hugging Face config.json that describes a
// llama-style decoder.
type Config struct {
	ModelType         string       `json:"model_type"`
	Architectures     []string     `json:"architectures,omitempty"`
	HiddenSize        int          `json:"hidden_size"`
	IntermediateSize  int          `json:"intermediate_size"`
	NumLayers         int          `json:"num_hidden_layers"`
	NumHeads          int          `json:"num_attention_heads"`
	NumKVHeads        int          `json:"num_key_value_heads"`
	HeadDim           int          `json:"head_dim,omitempty"`
	VocabSize         int          `json:"vocab_size"`
	MaxPosition       int          `json:"max_position_embeddings"`
	RMSNormEps        float64      `json:"rms_norm_eps"`
	RopeTheta         float64      `json:"rope_theta"`
	RopeScaling       *RopeParams  `json:"rope_scaling,omitempty"`
	HiddenAct         string       `json:"hidden_act"`
	TieWordEmbeddings bool         `json:"tie_word_embeddings"`
	AttentionBias     bool         `json:"attention_bias"`
	BOSTokenID        *int         `json:"bos_token_id,omitempty"`
	EOSTokenIDs       TokenIDs     `json:"eos_token_id,omitempty"`
}

// RopeParams is the raw rope_scaling object.
type RopeParams struct {
	Type                          string  `json:"type,omitempty"`
	RopeType                      string  `json:"rope_type,omitempty"`
	Factor                        float64 `json:"factor,omitempty"`
	OriginalMaxPositionEmbeddings int     `json:"original_max_position_embeddings,omitempty"`
	LowFreqFactor                 float64 `json:"low_freq_factor,omitempty"`
	HighFreqFactor                float64 `json:"high_freq_factor,omitempty"`
	AttentionFactor               float64 `json:"attention_factor,omitempty"`
	BetaFast                      float64 `json:"beta_fast,omitempty"`
	BetaSlow                      float64 `json:"beta_slow,omitempty"`
	MScale                        float64 `json:"mscale,omitempty"`
	MScaleAllDim                  float64 `json:"mscale_all_dim,omitempty"`
	Truncate                      *bool   `json:"truncate,omitempty"`
}

// TokenIDs decodes a token id field that may be a scalar, a list or null.
type TokenIDs []int

func (t *TokenIDs) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = nil
		return nil
	}
	if b[0] == '[' {
		var ids []int
		if err := json.Unmarshal(b, &ids); err != nil {
			return err
		}
		*t = ids
		return nil
	}
	var id int
	if err := json.Unmarshal(b, &id); err != nil {
		return err
	}
	*t = TokenIDs{id}
	return nil
}

// Activations accepted in hidden_act.
const (
	ActSilu     = "silu"
	ActGelu     = "gelu"
	ActGeluTanh = "gelu_pytorch_tanh"
	ActGeluNew  = "gelu_new"
)

// LoadConfig reads and validates config.json.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errs.Wrap(errs.ErrLoad, "model.LoadConfig", err)
	}
	return ParseConfig(raw)
}

// ParseConfig decodes config.json bytes, fills defaults and validates.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errs.Wrap(errs.ErrLoad, "model.ParseConfig", fmt.Errorf("parse config.json: %w", err))
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.NumKVHeads == 0 {
		c.NumKVHeads = c.NumHeads
	}
	if c.HeadDim == 0 && c.NumHeads > 0 {
		c.HeadDim = c.HiddenSize / c.NumHeads
	}
	if c.RMSNormEps == 0 {
		c.RMSNormEps = 1e-5
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10_000
	}
	c.HiddenAct = strings.ToLower(strings.TrimSpace(c.HiddenAct))
	if c.HiddenAct == "" {
		c.HiddenAct = ActSilu
	}
}

// Validate checks that the dimensions describe a runnable model.
func (c Config) Validate() error {
	const op = "model.Config"
	switch {
	case c.HiddenSize <= 0:
		return errs.Load(op, "hidden_size must be positive, got %d", c.HiddenSize)
	case c.IntermediateSize <= 0:
		return errs.Load(op, "intermediate_size must be positive, got %d", c.IntermediateSize)
	case c.NumLayers <= 0:
		return errs.Load(op, "num_hidden_layers must be positive, got %d", c.NumLayers)
	case c.NumHeads <= 0:
		return errs.Load(op, "num_attention_heads must be positive, got %d", c.NumHeads)
	case c.NumKVHeads <= 0 || c.NumHeads%c.NumKVHeads != 0:
		return errs.Load(op, "num_key_value_heads %d must divide num_attention_heads %d", c.NumKVHeads, c.NumHeads)
	case c.HeadDim <= 0 || c.HeadDim%2 != 0:
		return errs.Load(op, "head_dim must be positive and even, got %d", c.HeadDim)
	case c.VocabSize <= 0:
		return errs.Load(op, "vocab_size must be positive, got %d", c.VocabSize)
	case c.MaxPosition <= 0:
		return errs.Load(op, "max_position_embeddings must be positive, got %d", c.MaxPosition)
	case c.RMSNormEps < 0:
		return errs.Load(op, "rms_norm_eps must be non-negative, got %g", c.RMSNormEps)
	}
	switch c.HiddenAct {
	case ActSilu, ActGelu, ActGeluTanh, ActGeluNew:
	default:
		return errs.Load(op, "unsupported hidden_act %q", c.HiddenAct)
	}
	for _, id := range c.EOSTokenIDs {
		if id < 0 || id >= c.VocabSize {
			return errs.Load(op, "eos_token_id %d outside vocab of %d", id, c.VocabSize)
		}
	}
	return nil
}

// QDim is the width of the concatenated query heads.
func (c Config) QDim() int { return c.NumHeads * c.HeadDim }

// KVDim is the per-token width of the key (or value) cache entry.
func (c Config) KVDim() int { return c.NumKVHeads * c.HeadDim }

// GroupSize is the number of query heads sharing one key/value head.
func (c Config) GroupSize() int { return c.NumHeads / c.NumKVHeads }

// EOS returns the end-of-sequence ids declared by the model.
func (c Config) EOS() []int { return []int(c.EOSTokenIDs) }
