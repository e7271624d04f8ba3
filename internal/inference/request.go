package inference

import "github.com/samcharles93/kiln/internal/logits"

// SamplingOptions holds caller overrides. Nil fields fall back to the
// model's generation defaults and then to greedy decoding.
type SamplingOptions struct {
	Temperature   *float64
	TopK          *int
	TopP          *float64
	MinP          *float64
	RepeatPenalty *float64
	RepeatLastN   *int
	N             *int
	Seed          *uint64
}

// ResolveSampling merges opts over defaults. The result is not validated;
// Generate rejects out-of-range values.
func ResolveSampling(opts SamplingOptions, defaults GenDefaults) logits.Config {
	cfg := logits.Config{
		N:           1,
		TopP:        1,
		RepeatLastN: 64,
	}

	if defaults.Temperature != nil && *defaults.Temperature >= 0 {
		cfg.Temperature = float32(*defaults.Temperature)
	}
	if defaults.TopK != nil && *defaults.TopK > 0 {
		cfg.TopK = *defaults.TopK
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		cfg.TopP = float32(*defaults.TopP)
	}
	if defaults.RepetitionPenalty != nil && *defaults.RepetitionPenalty > 0 {
		cfg.RepeatPenalty = float32(*defaults.RepetitionPenalty)
	}

	if opts.Temperature != nil {
		cfg.Temperature = float32(*opts.Temperature)
	}
	if opts.TopK != nil {
		cfg.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		cfg.TopP = float32(*opts.TopP)
	}
	if opts.MinP != nil {
		cfg.MinP = float32(*opts.MinP)
	}
	if opts.RepeatPenalty != nil {
		cfg.RepeatPenalty = float32(*opts.RepeatPenalty)
	}
	if opts.RepeatLastN != nil {
		cfg.RepeatLastN = *opts.RepeatLastN
	}
	if opts.N != nil {
		cfg.N = *opts.N
	}
	if opts.Seed != nil {
		cfg.Seed = *opts.Seed
	}
	return cfg
}
