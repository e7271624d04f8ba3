package api

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// CompletionRequest is the body of POST /v1/completions. Exactly one of
// Prompt and Tokens must be set.
type CompletionRequest struct {
	Prompt        string   `json:"prompt,omitempty"`
	Tokens        []int    `json:"tokens,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	MinP          *float64 `json:"min_p,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	N             *int     `json:"n,omitempty"`
	Seed          *uint64  `json:"seed,omitempty"`
	Stop          StopList `json:"stop,omitempty"`
	StopTokens    []int    `json:"stop_tokens,omitempty"`
	Stream        bool     `json:"stream,omitempty"`
}

// StopList accepts either a single string or an array of strings.
type StopList []string

func (s *StopList) UnmarshalJSON(raw []byte) error {
	if string(raw) == "null" {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return errors.New("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

type CompletionResponse struct {
	ID        string             `json:"id"`
	Object    string             `json:"object"`
	Created   int64              `json:"created"`
	Model     string             `json:"model"`
	SessionID string             `json:"session_id"`
	Choices   []CompletionChoice `json:"choices"`
	Usage     Usage              `json:"usage"`
}

type CompletionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	Tokens       []int  `json:"tokens"`
	FinishReason string `json:"finish_reason"`
	CacheLen     int    `json:"cache_len"`
}

type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	PrefillMS        float64 `json:"prefill_ms"`
	DecodeMS         float64 `json:"decode_ms"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
}

// CompletionChunk is one SSE event of a streamed completion.
type CompletionChunk struct {
	ID           string  `json:"id"`
	Object       string  `json:"object"`
	SessionID    string  `json:"session_id"`
	Index        int     `json:"index"`
	TokenID      int     `json:"token_id"`
	Text         string  `json:"text"`
	ElapsedMS    float64 `json:"elapsed_ms"`
	CacheLen     int     `json:"cache_len"`
	Done         bool    `json:"done"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
}

type SessionResponse struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	Started    time.Time `json:"started"`
	Candidates int       `json:"candidates"`
	CacheLen   []int     `json:"cache_len"`
}

type SessionList struct {
	Object string            `json:"object"`
	Data   []SessionResponse `json:"data"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
