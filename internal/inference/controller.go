// Package inference runs generation sessions against a loaded model.
package inference

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/kiln/internal/errs"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/logits"
	"github.com/samcharles93/kiln/internal/metrics"
	"github.com/samcharles93/kiln/internal/model"
)

// Options configures a Controller.
type Options struct {
	// MaxSessions bounds concurrently executing sessions. Zero selects
	// GOMAXPROCS.
	MaxSessions int
	// StopTokens are added to the model's end-of-sequence ids.
	StopTokens []int
	Logger     logger.Logger
}

// Controller owns generation sessions over one shared executor.
type Controller struct {
	exec *model.Executor
	dec  Decoder
	stop []int
	sem  *semaphore.Weighted
	log  logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// NewController returns a controller. dec may be nil, in which case step
// results carry token ids but no text.
func NewController(exec *model.Executor, dec Decoder, opts Options) *Controller {
	n := opts.MaxSessions
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	stop := slices.Concat(exec.Config().EOS(), opts.StopTokens)
	slices.Sort(stop)
	return &Controller{
		exec:     exec,
		dec:      dec,
		stop:     slices.Compact(stop),
		sem:      semaphore.NewWeighted(int64(n)),
		log:      logger.Component(log, "inference"),
		sessions: make(map[string]*session),
	}
}

// Executor returns the executor sessions run on.
func (c *Controller) Executor() *model.Executor { return c.exec }

// Generate runs one generation call to completion, calling fn once per
// generated token. With Sampling.N > 1 the candidates share the prefill
// and then decode on independent caches, so fn may see their results
// interleaved; each candidate's results are in order.
//
// Cancelling ctx, or calling Cancel with the session id, stops generation
// between steps. The returned error then matches both errs.ErrCancelled
// and the context error.
func (c *Controller) Generate(ctx context.Context, req Request, fn StepFunc) (*Result, error) {
	const op = "inference.Generate"
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess, err := c.register(req.SessionID, req.Sampling.N, cancel)
	if err != nil {
		return nil, err
	}
	defer c.unregister(sess)
	log := c.log.With("session", sess.id)

	if err := c.sem.Acquire(sctx, 1); err != nil {
		_ = sess.transition(StateCancelled)
		metrics.RecordSession(metrics.OutcomeCancelled)
		log.Debug("cancelled while waiting for a slot")
		return nil, errs.Wrap(errs.ErrCancelled, op, err)
	}
	defer c.sem.Release(1)

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()
	log.Debug("session started", "prompt_tokens", len(req.Prompt), "n", req.Sampling.N, "max_tokens", req.MaxTokens)

	res, err := c.run(sctx, sess, req, fn)
	switch {
	case err == nil:
		_ = sess.transition(StateCompleted)
		metrics.RecordSession(metrics.OutcomeCompleted)
		log.Info("session completed",
			"generated", res.Stats.GeneratedTokens,
			"prefill", res.Stats.Prefill,
			"decode", res.Stats.Decode,
			"tps", fmt.Sprintf("%.2f", res.Stats.TPS))
		return res, nil
	case sctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		_ = sess.transition(StateCancelled)
		metrics.RecordSession(metrics.OutcomeCancelled)
		log.Info("session cancelled", "cause", err)
		return nil, errs.Wrap(errs.ErrCancelled, op, err)
	default:
		_ = sess.transition(StateFailed)
		metrics.RecordSession(metrics.OutcomeFailed)
		log.Error("session failed", "error", err)
		return nil, err
	}
}

func (c *Controller) run(ctx context.Context, sess *session, req Request, fn StepFunc) (*Result, error) {
	sampler, err := logits.New(req.Sampling)
	if err != nil {
		return nil, err
	}
	if err := sess.transition(StatePrefilling); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := req.Sampling.N
	states := make([]*model.State, 0, n)
	defer func() {
		for _, st := range states {
			st.Close()
		}
	}()

	start := time.Now()
	base := c.exec.NewState(len(req.Prompt) + req.MaxTokens)
	states = append(states, base)
	var prefill []float32
	err = recoverStep("prefill", func() error {
		var err error
		prefill, err = c.exec.Prefill(base, req.Prompt)
		return err
	})
	if err != nil {
		return nil, err
	}
	// base.logits is overwritten by candidate 0's first Decode.
	prefill = slices.Clone(prefill)
	prefillDur := time.Since(start)
	metrics.RecordPrefill(len(req.Prompt), prefillDur)
	for i := range n {
		sess.lens[i].Store(int64(base.Len()))
	}

	for range n - 1 {
		st, err := c.exec.Fork(base)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := sess.transition(StateDecoding); err != nil {
		return nil, err
	}

	stop := make(map[int]bool, len(c.stop)+len(req.StopTokens))
	for _, id := range slices.Concat(c.stop, req.StopTokens) {
		stop[id] = true
	}

	decodeStart := time.Now()
	cands := make([]CandidateResult, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		cand := &candidate{
			c:       c,
			sess:    sess,
			req:     &req,
			fn:      fn,
			stop:    stop,
			state:   states[i],
			sampler: sampler.ForCandidate(i),
			text:    newTextStream(c.dec, req.StopStrings),
			out:     &cands[i],
		}
		cand.out.Index = i
		logits0 := slices.Clone(prefill)
		g.Go(func() error {
			return recoverStep("decode", func() error { return cand.run(gctx, logits0) })
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		SessionID:  sess.id,
		Candidates: cands,
		Stats: Stats{
			PromptTokens: len(req.Prompt),
			Prefill:      prefillDur,
			Decode:       time.Since(decodeStart),
		},
	}
	for _, cr := range cands {
		res.Stats.GeneratedTokens += len(cr.Tokens)
	}
	if secs := res.Stats.Decode.Seconds(); secs > 0 {
		res.Stats.TPS = float64(res.Stats.GeneratedTokens) / secs
	}
	return res, nil
}

// candidate is one independent decode stream within a session.
type candidate struct {
	c       *Controller
	sess    *session
	req     *Request
	fn      StepFunc
	stop    map[int]bool
	state   *model.State
	sampler *logits.Sampler
	text    *textStream
	out     *CandidateResult
}

// run samples, appends and emits until a stop condition. The cache is
// released as soon as the candidate observes cancellation or fails.
func (cd *candidate) run(ctx context.Context, lg []float32) (err error) {
	defer func() {
		if err != nil {
			cd.state.Close()
		}
	}()
	idx := cd.out.Index
	var sb strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t0 := time.Now()
		tok := cd.sampler.Sample(lg, cd.out.Tokens)

		if cd.stop[tok] {
			frag := cd.text.flush()
			sb.WriteString(frag)
			cd.finish(&sb, FinishStop)
			return cd.sess.emit(ctx, cd.fn, StepResult{
				SessionID:    cd.sess.id,
				Candidate:    idx,
				TokenID:      tok,
				Text:         frag,
				Elapsed:      time.Since(t0),
				Done:         true,
				CacheLen:     cd.state.Len(),
				FinishReason: FinishStop,
			})
		}

		lg, err = cd.c.exec.Decode(cd.state, tok)
		if err != nil {
			return err
		}
		cd.out.Tokens = append(cd.out.Tokens, tok)
		cd.sess.lens[idx].Store(int64(cd.state.Len()))

		frag, stopped, err := cd.text.push(tok)
		if err != nil {
			return fmt.Errorf("decode text: %w", err)
		}
		var reason FinishReason
		switch {
		case stopped:
			reason = FinishStop
		case len(cd.out.Tokens) >= cd.req.MaxTokens:
			reason = FinishLength
			frag += cd.text.flush()
		}
		sb.WriteString(frag)
		elapsed := time.Since(t0)
		metrics.RecordDecodeStep(elapsed)

		done := reason != ""
		if done {
			cd.finish(&sb, reason)
		}
		if err := cd.sess.emit(ctx, cd.fn, StepResult{
			SessionID:    cd.sess.id,
			Candidate:    idx,
			TokenID:      tok,
			Text:         frag,
			Elapsed:      elapsed,
			Done:         done,
			CacheLen:     cd.state.Len(),
			FinishReason: reason,
		}); err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (cd *candidate) finish(sb *strings.Builder, reason FinishReason) {
	cd.out.Text = sb.String()
	cd.out.FinishReason = reason
	cd.out.CacheLen = cd.state.Len()
}

// ErrPanic marks session failures caused by a recovered panic. They keep
// the StateError kind but are internal faults, not caller conflicts.
var ErrPanic = errors.New("panic")

// recoverStep turns a panic in fn into a StateError wrapping ErrPanic.
func recoverStep(op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.Wrap(errs.ErrState, "inference."+op, fmt.Errorf("%w: %v", ErrPanic, rec))
		}
	}()
	return fn()
}

// Stream runs Generate in the background and delivers its step results on
// a channel. Callers must drain C or cancel ctx.
func (c *Controller) Stream(ctx context.Context, req Request) *Stream {
	ch := make(chan StepResult, 16)
	s := &Stream{C: ch, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer close(ch)
		s.res, s.err = c.Generate(ctx, req, func(r StepResult) {
			select {
			case ch <- r:
			case <-ctx.Done():
			}
		})
	}()
	return s
}

// Stream is an in-flight generation delivering results on C.
type Stream struct {
	C <-chan StepResult

	done chan struct{}
	res  *Result
	err  error
}

// Wait blocks until the generation finishes and C is closed.
func (s *Stream) Wait() (*Result, error) {
	<-s.done
	return s.res, s.err
}

func (c *Controller) register(id string, candidates int, cancel context.CancelFunc) (*session, error) {
	const op = "inference.Generate"
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errs.State(op, "controller is closed")
	}
	if _, ok := c.sessions[id]; ok {
		return nil, errs.State(op, "session %q is already active", id)
	}
	s := newSession(id, candidates, cancel)
	c.sessions[id] = s
	c.wg.Add(1)
	return s, nil
}

func (c *Controller) unregister(s *session) {
	c.mu.Lock()
	delete(c.sessions, s.id)
	c.mu.Unlock()
	c.wg.Done()
}

// Cancel stops the named session. It reports whether the session was
// active. No step result for the session is delivered after Cancel
// returns, except one whose callback was already running.
func (c *Controller) Cancel(id string) bool {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	s.cancel()
	c.log.Debug("cancel requested", "session", id)
	return true
}

// Sessions lists active sessions sorted by start time.
func (c *Controller) Sessions() []SessionInfo {
	c.mu.Lock()
	list := slices.Collect(maps.Values(c.sessions))
	c.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Close cancels every session, waits for them to finish and rejects new
// ones.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, s := range c.sessions {
		s.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
