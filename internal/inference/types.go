package inference

import (
	"time"

	"github.com/samcharles93/kiln/internal/errs"
	"github.com/samcharles93/kiln/internal/logits"
)

// Decoder renders generated token ids as text.
type Decoder interface {
	Decode(ids []int) (string, error)
}

// StepFunc receives step results in order. Calls for one session never
// overlap, and none happen after the session is cancelled.
type StepFunc func(StepResult)

// Request is one generation call over pre-tokenised prompt ids.
type Request struct {
	// SessionID names the session. Empty selects a random id.
	SessionID string
	Prompt    []int
	Sampling  logits.Config
	// MaxTokens bounds the tokens generated per candidate.
	MaxTokens int
	// StopTokens are added to the model's end-of-sequence ids.
	StopTokens  []int
	StopStrings []string
}

func (r *Request) validate() error {
	const op = "inference.Request"
	if len(r.Prompt) == 0 {
		return errs.Invalid(op, "prompt is empty")
	}
	if r.MaxTokens < 1 {
		return errs.Invalid(op, "max_tokens must be >= 1, got %d", r.MaxTokens)
	}
	for _, s := range r.StopStrings {
		if s == "" {
			return errs.Invalid(op, "empty stop string")
		}
	}
	return r.Sampling.Validate()
}

// FinishReason says why a candidate stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
)

// StepResult is emitted once per generated token.
type StepResult struct {
	SessionID string
	Candidate int
	TokenID   int
	// Text is the displayable fragment produced by this step. It may be
	// empty while a multi-byte rune or a possible stop string is pending.
	Text    string
	Elapsed time.Duration
	// Done marks the last result of the candidate.
	Done         bool
	CacheLen     int
	FinishReason FinishReason
}

// CandidateResult is the full output of one candidate.
type CandidateResult struct {
	Index        int
	Tokens       []int
	Text         string
	FinishReason FinishReason
	CacheLen     int
}

// Stats reports timings for one generation call.
type Stats struct {
	PromptTokens    int
	GeneratedTokens int
	Prefill         time.Duration
	Decode          time.Duration
	TPS             float64
}

// Result is returned by a completed generation call.
type Result struct {
	SessionID  string
	Candidates []CandidateResult
	Stats      Stats
}

// SessionInfo describes an active session.
type SessionInfo struct {
	ID         string
	State      State
	Started    time.Time
	Candidates int
	CacheLen   []int
}
