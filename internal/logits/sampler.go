// Package logits turns model logits into token choices.
package logits

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/samcharles93/kiln/internal/errs"
)

// Config configures sampling for one generation call. The zero value
// apart from N is greedy decoding.
type Config struct {
	// Temperature scales logits before the softmax. 0 selects the arg-max.
	Temperature float32
	// N is the number of independent candidates to draw.
	N    int
	Seed uint64
	// TopK keeps the k most likely tokens. 0 keeps the whole vocabulary.
	TopK int
	// TopP keeps the smallest prefix whose probability reaches TopP. 0 or 1
	// disables nucleus truncation.
	TopP float32
	// MinP drops tokens less likely than MinP times the best token.
	MinP float32
	// RepeatPenalty above 1 damps tokens seen in the last RepeatLastN ids.
	RepeatPenalty float32
	RepeatLastN   int
}

// Validate reports configuration errors as errs.ErrInvalidConfig.
func (c Config) Validate() error {
	const op = "sampler"
	switch {
	case c.N < 1:
		return errs.Invalid(op, "n must be >= 1, got %d", c.N)
	case c.Temperature < 0 || math.IsNaN(float64(c.Temperature)):
		return errs.Invalid(op, "temperature must be >= 0, got %g", c.Temperature)
	case c.TopK < 0:
		return errs.Invalid(op, "top_k must be >= 0, got %d", c.TopK)
	case c.TopP < 0 || c.TopP > 1:
		return errs.Invalid(op, "top_p must be in [0,1], got %g", c.TopP)
	case c.MinP < 0 || c.MinP > 1:
		return errs.Invalid(op, "min_p must be in [0,1], got %g", c.MinP)
	case c.RepeatPenalty < 0:
		return errs.Invalid(op, "repeat_penalty must be >= 0, got %g", c.RepeatPenalty)
	}
	return nil
}

// Greedy reports whether sampling is a deterministic arg-max.
func (c Config) Greedy() bool { return c.Temperature == 0 }

// Sampler draws tokens for one candidate stream. It is not safe for
// concurrent use; each candidate owns its own Sampler.
type Sampler struct {
	cfg Config
	rng *rand.Rand

	idx       []int
	prob      []float64
	seenMark  []uint32
	seenEpoch uint32
	seenList  []int
}

// New validates cfg and returns the sampler for candidate 0.
func New(cfg Config) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TopP == 0 {
		cfg.TopP = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return newSampler(cfg, 0), nil
}

func newSampler(cfg Config, candidate int) *Sampler {
	return &Sampler{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, uint64(candidate))),
	}
}

// Config returns the normalised configuration.
func (s *Sampler) Config() Config { return s.cfg }

// ForCandidate returns an independent sampler for candidate i. Streams for
// different i never share random state, and the same (seed, i) always
// yields the same draws.
func (s *Sampler) ForCandidate(i int) *Sampler {
	return newSampler(s.cfg, i)
}

// Sample picks the next token from logits. recent holds previously
// generated ids for the repeat penalty. logits may be modified in place.
func (s *Sampler) Sample(logits []float32, recent []int) int {
	if len(logits) == 0 {
		panic("sample: empty logits")
	}
	s.applyRepeatPenalty(logits, recent)

	if s.cfg.Greedy() || s.cfg.TopK == 1 {
		return Argmax(logits)
	}

	idx := s.candidates(logits)
	invTemp := 1 / float64(s.cfg.Temperature)

	maxv := math.Inf(-1)
	for _, i := range idx {
		maxv = math.Max(maxv, float64(logits[i])*invTemp)
	}
	if cap(s.prob) < len(idx) {
		s.prob = make([]float64, len(idx))
	}
	prob := s.prob[:len(idx)]
	var sum float64
	for j, i := range idx {
		prob[j] = math.Exp(float64(logits[i])*invTemp - maxv)
		sum += prob[j]
	}
	if sum == 0 || math.IsNaN(sum) {
		return Argmax(logits)
	}

	total := sum
	if s.cfg.MinP > 0 {
		best := slices.Max(prob)
		threshold := best * float64(s.cfg.MinP)
		n := 0
		total = 0
		for j := range prob {
			if prob[j] >= threshold {
				prob[n], idx[n] = prob[j], idx[j]
				total += prob[n]
				n++
			}
		}
		prob, idx = prob[:n], idx[:n]
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for j := range prob {
			c += prob[j]
			if c >= float64(s.cfg.TopP)*total {
				cut = j + 1
				break
			}
		}
		total = 0
		for j := range cut {
			total += prob[j]
		}
	}

	r := s.rng.Float64() * total
	var c float64
	for j := range cut {
		c += prob[j]
		if r < c {
			return idx[j]
		}
	}
	return idx[cut-1]
}

// candidates returns the token ids eligible for sampling. When top-k,
// top-p or min-p are active they are sorted by descending logit with ties
// broken by lower id.
func (s *Sampler) candidates(logits []float32) []int {
	n := len(logits)
	if cap(s.idx) < n {
		s.idx = make([]int, n)
	}
	idx := s.idx[:n]
	for i := range idx {
		idx[i] = i
	}
	k := s.cfg.TopK
	if (k == 0 || k >= n) && s.cfg.TopP >= 1 && s.cfg.MinP == 0 {
		return idx
	}
	slices.SortFunc(idx, func(a, b int) int {
		if c := cmp.Compare(logits[b], logits[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	if k > 0 && k < n {
		idx = idx[:k]
	}
	return idx
}

func (s *Sampler) applyRepeatPenalty(logits []float32, recent []int) {
	penalty := s.cfg.RepeatPenalty
	if penalty <= 1 || len(recent) == 0 {
		return
	}
	window := recent[max(len(recent)-s.cfg.RepeatLastN, 0):]

	if len(s.seenMark) < len(logits) {
		s.seenMark = make([]uint32, len(logits))
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	s.seenList = s.seenList[:0]
	for _, id := range window {
		if id >= 0 && id < len(logits) && s.seenMark[id] != s.seenEpoch {
			s.seenMark[id] = s.seenEpoch
			s.seenList = append(s.seenList, id)
		}
	}
	for _, id := range s.seenList {
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}

// Argmax returns the index of the largest value. The lowest index wins
// ties.
func Argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
