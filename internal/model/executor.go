package model

import (
	"github.com/samcharles93/kiln/internal/errs"
	"github.com/samcharles93/kiln/internal/kvcache"
	"github.com/samcharles93/kiln/internal/tensor"
)

// prefillChunk bounds the positions projected together during prefill.
const prefillChunk = 64

// Executor runs forward passes of shared Weights against per-session
// State. It holds no per-session data and is safe for concurrent use.
type Executor struct {
	w    *Weights
	pool *kvcache.Pool
	act  func(float32) float32
}

// NewExecutor returns an executor whose sessions may hold up to
// maxContext positions. A non-positive maxContext, or one above the
// model's limit, selects the model's max_position_embeddings.
func NewExecutor(w *Weights, maxContext int) (*Executor, error) {
	cfg := w.Config
	if maxContext <= 0 || maxContext > cfg.MaxPosition {
		maxContext = cfg.MaxPosition
	}
	pool, err := kvcache.NewPool(cfg.NumLayers, cfg.KVDim(), maxContext)
	if err != nil {
		return nil, err
	}
	e := &Executor{w: w, pool: pool}
	switch cfg.HiddenAct {
	case ActGelu:
		e.act = tensor.Gelu
	case ActGeluTanh, ActGeluNew:
		e.act = tensor.GeluTanh
	default:
		e.act = tensor.Silu
	}
	return e, nil
}

func (e *Executor) Weights() *Weights { return e.w }

func (e *Executor) Config() Config { return e.w.Config }

func (e *Executor) CachePool() *kvcache.Pool { return e.pool }

// MaxContext returns the per-session position limit.
func (e *Executor) MaxContext() int { return e.pool.MaxSeq() }

// State is one session's cache and scratch space. It is owned by a single
// goroutine and must not be shared.
type State struct {
	Cache *kvcache.Cache

	one    *batch
	scores []float32
	logits []float32
}

// NewState allocates a session with cache storage pre-sized for reserve
// positions.
func (e *Executor) NewState(reserve int) *State {
	return e.newState(e.pool.New(reserve))
}

func (e *Executor) newState(c *kvcache.Cache) *State {
	cfg := &e.w.Config
	return &State{
		Cache:  c,
		one:    newBatch(cfg, 1),
		logits: make([]float32, cfg.VocabSize),
	}
}

// Fork returns a new state whose cache is an independent copy of s.
func (e *Executor) Fork(s *State) (*State, error) {
	c, err := s.Cache.Fork()
	if err != nil {
		return nil, err
	}
	return e.newState(c), nil
}

// Len returns the number of positions processed.
func (s *State) Len() int { return s.Cache.Len() }

// Close releases the session cache. It is safe to call more than once.
func (s *State) Close() { s.Cache.Evict() }

// batch holds activations for n positions projected together. cos and sin
// hold each row's rotary angles, shared by every layer.
type batch struct {
	x, xb, q, k, v, att, proj, gate, up [][]float32
	cos, sin                            [][]float32
}

func newBatch(cfg *Config, n int) *batch {
	rows := func(width int) [][]float32 {
		buf := make([]float32, n*width)
		out := make([][]float32, n)
		for i := range out {
			out[i] = buf[i*width : (i+1)*width : (i+1)*width]
		}
		return out
	}
	d := cfg.HiddenSize
	return &batch{
		x:    rows(d),
		xb:   rows(d),
		q:    rows(cfg.QDim()),
		k:    rows(cfg.KVDim()),
		v:    rows(cfg.KVDim()),
		att:  rows(cfg.QDim()),
		proj: rows(d),
		gate: rows(cfg.IntermediateSize),
		up:   rows(cfg.IntermediateSize),
		cos:  rows(cfg.HeadDim / 2),
		sin:  rows(cfg.HeadDim / 2),
	}
}

func (b *batch) slice(n int) *batch {
	return &batch{
		x: b.x[:n], xb: b.xb[:n], q: b.q[:n], k: b.k[:n], v: b.v[:n],
		att: b.att[:n], proj: b.proj[:n], gate: b.gate[:n], up: b.up[:n],
		cos: b.cos[:n], sin: b.sin[:n],
	}
}

// Prefill runs the prompt tokens through the model at the next positions
// of s and returns the logits of the last token. The returned slice is
// owned by s and valid until its next call.
func (e *Executor) Prefill(s *State, tokens []int) ([]float32, error) {
	const op = "model.Prefill"
	if len(tokens) == 0 {
		return nil, errs.Shape(op, "empty prompt")
	}
	for _, t := range tokens {
		if t < 0 || t >= e.w.Config.VocabSize {
			return nil, errs.Shape(op, "token %d outside vocab of %d", t, e.w.Config.VocabSize)
		}
	}
	return e.run(s, len(tokens), func(i int, dst []float32) {
		e.w.Embed.RowTo(dst, tokens[i])
	})
}

// PrefillEmbeddings is Prefill for callers that supply input embeddings
// directly. Each row must have hidden_size elements.
func (e *Executor) PrefillEmbeddings(s *State, embeddings [][]float32) ([]float32, error) {
	const op = "model.PrefillEmbeddings"
	if len(embeddings) == 0 {
		return nil, errs.Shape(op, "no embeddings")
	}
	for i, row := range embeddings {
		if len(row) != e.w.Config.HiddenSize {
			return nil, errs.Shape(op, "embedding %d has width %d, want %d", i, len(row), e.w.Config.HiddenSize)
		}
	}
	return e.run(s, len(embeddings), func(i int, dst []float32) {
		copy(dst, embeddings[i])
	})
}

// Decode runs one token at the next position of s and returns its logits.
func (e *Executor) Decode(s *State, token int) ([]float32, error) {
	if token < 0 || token >= e.w.Config.VocabSize {
		return nil, errs.Shape("model.Decode", "token %d outside vocab of %d", token, e.w.Config.VocabSize)
	}
	return e.run(s, 1, func(_ int, dst []float32) {
		e.w.Embed.RowTo(dst, token)
	})
}

// run processes n inputs in chunks. Capacity for all n positions is
// checked before any layer is touched.
func (e *Executor) run(s *State, n int, embed func(i int, dst []float32)) ([]float32, error) {
	if s == nil || s.Cache == nil {
		return nil, errs.State("model.forward", "session has no cache")
	}
	if err := s.Cache.Reserve(n); err != nil {
		return nil, err
	}

	full := s.one
	if n > 1 {
		full = newBatch(&e.w.Config, min(n, prefillChunk))
	}
	var last []float32
	for start := 0; start < n; start += len(full.x) {
		b := full.slice(min(len(full.x), n-start))
		for i := range b.x {
			embed(start+i, b.x[i])
		}
		if err := e.forward(s, b, s.Cache.Len()); err != nil {
			return nil, err
		}
		last = b.x[len(b.x)-1]
	}

	cfg := &e.w.Config
	xn := full.xb[0]
	tensor.RMSNorm(xn, last, e.w.Norm, float32(cfg.RMSNormEps))
	tensor.MatVec(s.logits, e.w.Output, xn)
	return s.logits, nil
}

// ropeRows fills the rotary angles of each row in b once per chunk.
func (e *Executor) ropeRows(b *batch, pos0 int) {
	for i := range b.x {
		tensor.RopeAngles(b.cos[i], b.sin[i], pos0+i, e.w.invFreq, e.w.ropeMScale)
	}
}

// forward advances every layer over the positions in b, which start at
// absolute position pos0.
func (e *Executor) forward(s *State, b *batch, pos0 int) error {
	cfg := &e.w.Config
	eps := float32(cfg.RMSNormEps)
	e.ropeRows(b, pos0)

	for li := range e.w.Layers {
		l := &e.w.Layers[li]

		for i := range b.x {
			tensor.RMSNorm(b.xb[i], b.x[i], l.AttnNorm, eps)
		}
		tensor.MatVecBatch(b.q, l.Wq, b.xb)
		tensor.MatVecBatch(b.k, l.Wk, b.xb)
		tensor.MatVecBatch(b.v, l.Wv, b.xb)

		for i := range b.x {
			pos := pos0 + i
			if l.Bq != nil {
				tensor.Add(b.q[i], l.Bq)
			}
			if l.Bk != nil {
				tensor.Add(b.k[i], l.Bk)
			}
			if l.Bv != nil {
				tensor.Add(b.v[i], l.Bv)
			}
			tensor.ApplyRoPE(b.q[i], cfg.NumHeads, cfg.HeadDim, b.cos[i], b.sin[i])
			tensor.ApplyRoPE(b.k[i], cfg.NumKVHeads, cfg.HeadDim, b.cos[i], b.sin[i])
			if err := s.Cache.Append(li, pos, b.k[i], b.v[i]); err != nil {
				return err
			}
		}
		for i := range b.x {
			if err := e.attend(s, li, pos0+i, b.q[i], b.att[i]); err != nil {
				return err
			}
		}
		tensor.MatVecBatch(b.proj, l.Wo, b.att)
		for i := range b.x {
			tensor.Add(b.x[i], b.proj[i])
			tensor.RMSNorm(b.xb[i], b.x[i], l.FFNNorm, eps)
		}

		tensor.MatVecBatch(b.gate, l.Gate, b.xb)
		tensor.MatVecBatch(b.up, l.Up, b.xb)
		for i := range b.x {
			g, u := b.gate[i], b.up[i]
			for j := range g {
				g[j] = e.act(g[j]) * u[j]
			}
		}
		tensor.MatVecBatch(b.proj, l.Down, b.gate)
		for i := range b.x {
			tensor.Add(b.x[i], b.proj[i])
		}
	}
	return nil
}
