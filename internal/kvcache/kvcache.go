// Package kvcache stores per-session attention keys and values.
//
// A Cache belongs to exactly one session and is not safe for concurrent
// use. Each layer holds two flat sequences of kvDim-wide vectors indexed by
// absolute position. Storage grows geometrically up to the model's
// maximum context length.
package kvcache

import (
	"sync/atomic"

	"github.com/samcharles93/kiln/internal/errs"
	"github.com/samcharles93/kiln/internal/metrics"
)

// Pool creates caches for one model shape and accounts for their memory.
type Pool struct {
	layers int
	kvDim  int
	maxSeq int

	active atomic.Int64
	bytes  atomic.Int64
}

// NewPool returns a pool for models with the given layer count, per-token
// key/value width and maximum context length.
func NewPool(layers, kvDim, maxSeq int) (*Pool, error) {
	if layers <= 0 || kvDim <= 0 || maxSeq <= 0 {
		return nil, errs.Invalid("kvcache.NewPool", "layers=%d kvDim=%d maxSeq=%d must be positive", layers, kvDim, maxSeq)
	}
	return &Pool{layers: layers, kvDim: kvDim, maxSeq: maxSeq}, nil
}

func (p *Pool) Layers() int { return p.layers }
func (p *Pool) KVDim() int  { return p.kvDim }
func (p *Pool) MaxSeq() int { return p.maxSeq }

// Active returns the number of live caches.
func (p *Pool) Active() int { return int(p.active.Load()) }

// InUseBytes returns the bytes held by live caches.
func (p *Pool) InUseBytes() int64 { return p.bytes.Load() }

// New allocates an empty cache with room for reserve tokens per layer.
// reserve is clamped to the maximum context length.
func (p *Pool) New(reserve int) *Cache {
	reserve = min(max(reserve, 0), p.maxSeq)
	c := &Cache{
		pool:  p,
		kvDim: p.kvDim,
		k:     make([][]float32, p.layers),
		v:     make([][]float32, p.layers),
		n:     make([]int, p.layers),
	}
	for l := range p.layers {
		c.k[l] = make([]float32, 0, reserve*p.kvDim)
		c.v[l] = make([]float32, 0, reserve*p.kvDim)
	}
	c.account(c.capBytes())
	p.active.Add(1)
	metrics.KVCachesActive.Inc()
	return c
}

// Cache is one session's key/value history.
type Cache struct {
	pool    *Pool
	kvDim   int
	k, v    [][]float32
	n       []int
	bytes   int64
	evicted bool
}

func (c *Cache) capBytes() int64 {
	var total int64
	for l := range c.k {
		total += int64(cap(c.k[l])+cap(c.v[l])) * 4
	}
	return total
}

func (c *Cache) account(delta int64) {
	c.bytes += delta
	c.pool.bytes.Add(delta)
	metrics.KVCacheBytes.Add(float64(delta))
}

// Layers returns the number of layers.
func (c *Cache) Layers() int { return len(c.n) }

// KVDim returns the per-token vector width.
func (c *Cache) KVDim() int { return c.kvDim }

// MaxSeq returns the maximum number of positions.
func (c *Cache) MaxSeq() int { return c.pool.maxSeq }

// Len returns the number of positions committed in every layer.
func (c *Cache) Len() int {
	if c.evicted || len(c.n) == 0 {
		return 0
	}
	return c.n[len(c.n)-1]
}

// LayerLen returns the number of positions stored for one layer.
func (c *Cache) LayerLen(layer int) int {
	if c.evicted || layer < 0 || layer >= len(c.n) {
		return 0
	}
	return c.n[layer]
}

// Evicted reports whether the cache storage has been released.
func (c *Cache) Evicted() bool { return c.evicted }

// Bytes returns the storage currently allocated by the cache.
func (c *Cache) Bytes() int64 { return c.bytes }

// Reserve checks that n more positions fit within the context limit and
// grows storage so that appending them does not reallocate. On error the
// cache is unchanged.
func (c *Cache) Reserve(n int) error {
	const op = "kvcache.Reserve"
	if c.evicted {
		return errs.State(op, "cache evicted")
	}
	if n < 0 {
		return errs.Invalid(op, "negative reservation %d", n)
	}
	need := c.Len() + n
	if need > c.pool.maxSeq {
		return errs.Capacity(op, "%d positions requested, cache holds %d of %d", n, c.Len(), c.pool.maxSeq)
	}
	for l := range c.k {
		c.grow(l, need*c.kvDim)
	}
	return nil
}

func (c *Cache) grow(layer, want int) {
	if cap(c.k[layer]) >= want {
		return
	}
	limit := c.pool.maxSeq * c.kvDim
	newCap := min(max(2*cap(c.k[layer]), want, 16*c.kvDim), limit)
	before := int64(cap(c.k[layer])+cap(c.v[layer])) * 4

	nk := make([]float32, len(c.k[layer]), newCap)
	copy(nk, c.k[layer])
	nv := make([]float32, len(c.v[layer]), newCap)
	copy(nv, c.v[layer])
	c.k[layer], c.v[layer] = nk, nv

	c.account(int64(2*newCap)*4 - before)
}

// Append stores the key and value for position pos of layer. pos must be
// the layer's next position. On error nothing is written.
func (c *Cache) Append(layer, pos int, k, v []float32) error {
	const op = "kvcache.Append"
	if c.evicted {
		return errs.State(op, "cache evicted")
	}
	if layer < 0 || layer >= len(c.n) {
		return errs.State(op, "layer %d out of range [0,%d)", layer, len(c.n))
	}
	if len(k) != c.kvDim || len(v) != c.kvDim {
		return errs.Shape(op, "key/value width %d/%d, want %d", len(k), len(v), c.kvDim)
	}
	if pos >= c.pool.maxSeq {
		return errs.Capacity(op, "position %d exceeds max context %d", pos, c.pool.maxSeq)
	}
	if pos != c.n[layer] {
		return errs.State(op, "layer %d: append at position %d, next is %d", layer, pos, c.n[layer])
	}
	c.grow(layer, (pos+1)*c.kvDim)
	c.k[layer] = append(c.k[layer], k...)
	c.v[layer] = append(c.v[layer], v...)
	c.n[layer]++
	return nil
}

// Read returns the keys and values of layer for positions 0..=pos as flat
// slices of (pos+1)*KVDim() floats. The slices alias cache storage and are
// valid until the next Append or Evict.
func (c *Cache) Read(layer, pos int) (keys, values []float32, err error) {
	const op = "kvcache.Read"
	if c.evicted {
		return nil, nil, errs.State(op, "cache evicted")
	}
	if layer < 0 || layer >= len(c.n) {
		return nil, nil, errs.State(op, "layer %d out of range [0,%d)", layer, len(c.n))
	}
	if pos < 0 || pos >= c.n[layer] {
		return nil, nil, errs.State(op, "layer %d: position %d not cached (len %d)", layer, pos, c.n[layer])
	}
	end := (pos + 1) * c.kvDim
	return c.k[layer][:end:end], c.v[layer][:end:end], nil
}

// Fork returns an independent copy of the committed positions. The copy
// has the same capacity so the two caches can advance separately without
// regrowing.
func (c *Cache) Fork() (*Cache, error) {
	if c.evicted {
		return nil, errs.State("kvcache.Fork", "cache evicted")
	}
	f := &Cache{
		pool:  c.pool,
		kvDim: c.kvDim,
		k:     make([][]float32, len(c.k)),
		v:     make([][]float32, len(c.v)),
		n:     make([]int, len(c.n)),
	}
	copy(f.n, c.n)
	for l := range c.k {
		f.k[l] = make([]float32, len(c.k[l]), cap(c.k[l]))
		copy(f.k[l], c.k[l])
		f.v[l] = make([]float32, len(c.v[l]), cap(c.v[l]))
		copy(f.v[l], c.v[l])
	}
	f.account(f.capBytes())
	c.pool.active.Add(1)
	metrics.KVCachesActive.Inc()
	metrics.KVCacheForks.Inc()
	return f, nil
}

// Evict releases all storage. It is safe to call more than once.
func (c *Cache) Evict() {
	if c.evicted {
		return
	}
	c.evicted = true
	c.account(-c.bytes)
	c.k, c.v = nil, nil
	for i := range c.n {
		c.n[i] = 0
	}
	c.pool.active.Add(-1)
	metrics.KVCachesActive.Dec()
	metrics.KVCacheEvictions.Inc()
}
