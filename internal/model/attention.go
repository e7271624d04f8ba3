package model

import (
	"math"

	"github.com/samcharles93/kiln/internal/tensor"
)

// attend computes causal attention for the query q at position pos of
// layer, reading keys and values 0..=pos from the session cache, and
// writes the concatenated head outputs to out.
func (e *Executor) attend(s *State, layer, pos int, q, out []float32) error {
	cfg := &e.w.Config
	keys, values, err := s.Cache.Read(layer, pos)
	if err != nil {
		return err
	}

	nHead, headDim := cfg.NumHeads, cfg.HeadDim
	kvDim := cfg.KVDim()
	group := cfg.GroupSize()
	scale := float32(1 / math.Sqrt(float64(headDim)))
	n := pos + 1
	scores := s.scoreBuf(nHead, n)

	tensor.ParallelFor(nHead, 1, func(hs, he int) {
		for h := hs; h < he; h++ {
			kvHead := h / group
			qh := q[h*headDim : (h+1)*headDim]
			sc := scores[h*n : (h+1)*n]
			for t := range n {
				off := t*kvDim + kvHead*headDim
				sc[t] = tensor.Dot(qh, keys[off:off+headDim]) * scale
			}
			tensor.Softmax(sc)

			oh := out[h*headDim : (h+1)*headDim]
			clear(oh)
			for t := range n {
				off := t*kvDim + kvHead*headDim
				tensor.Axpy(oh, sc[t], values[off:off+headDim])
			}
		}
	})
	return nil
}

// scoreBuf returns per-head score scratch for n positions.
func (s *State) scoreBuf(nHead, n int) []float32 {
	need := nHead * n
	if cap(s.scores) < need {
		s.scores = make([]float32, need, max(need, 2*cap(s.scores)))
	}
	return s.scores[:need]
}
