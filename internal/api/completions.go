package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kiln/internal/inference"
)

// HeaderSessionID carries the session id of a completion so clients can
// cancel it through DELETE /v1/sessions/:id while it streams.
const HeaderSessionID = "X-Session-ID"

func (s *Server) createCompletion(c *echo.Context) error {
	req, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	inferReq, err := s.buildRequest(&req)
	if err != nil {
		return writeEngineError(c, err)
	}
	c.Response().Header().Set(HeaderSessionID, inferReq.SessionID)

	if req.Stream {
		return s.streamCompletion(c, inferReq)
	}

	res, err := s.ctrl.Generate(c.Request().Context(), inferReq, nil)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, s.completionResponse(newCompletionID(), res))
}

func (s *Server) buildRequest(req *CompletionRequest) (inference.Request, error) {
	var prompt []int
	switch {
	case len(req.Tokens) > 0 && req.Prompt != "":
		return inference.Request{}, newInvalidRequest("prompt and tokens are mutually exclusive")
	case len(req.Tokens) > 0:
		prompt = req.Tokens
	case req.Prompt == "":
		return inference.Request{}, newInvalidRequest("prompt or tokens is required")
	case s.tok == nil:
		return inference.Request{}, newInvalidRequest("text prompts need a tokenizer; send tokens instead")
	default:
		ids, err := s.tok.Encode(req.Prompt)
		if err != nil {
			return inference.Request{}, newInvalidRequest(fmt.Sprintf("encode prompt: %v", err))
		}
		prompt = ids
	}

	vocab := s.ctrl.Executor().Config().VocabSize
	for _, id := range prompt {
		if id < 0 || id >= vocab {
			return inference.Request{}, newInvalidRequest(fmt.Sprintf("token %d outside vocabulary [0, %d)", id, vocab))
		}
	}

	maxTokens := s.maxTokens
	if req.MaxTokens != nil {
		if *req.MaxTokens < 1 {
			return inference.Request{}, newInvalidRequest("max_tokens must be >= 1")
		}
		maxTokens = *req.MaxTokens
	}

	sampling := inference.ResolveSampling(inference.SamplingOptions{
		Temperature:   req.Temperature,
		TopK:          req.TopK,
		TopP:          req.TopP,
		MinP:          req.MinP,
		RepeatPenalty: req.RepeatPenalty,
		N:             req.N,
		Seed:          req.Seed,
	}, s.defaults)
	if err := sampling.Validate(); err != nil {
		return inference.Request{}, err
	}
	for _, stop := range req.Stop {
		if stop == "" {
			return inference.Request{}, newInvalidRequest("stop strings must not be empty")
		}
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	return inference.Request{
		SessionID:   id,
		Prompt:      prompt,
		Sampling:    sampling,
		MaxTokens:   maxTokens,
		StopTokens:  req.StopTokens,
		StopStrings: req.Stop,
	}, nil
}

func (s *Server) streamCompletion(c *echo.Context, req inference.Request) error {
	sse, err := newSSEWriter(c)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	id := newCompletionID()
	var writeErr error
	res, err := s.ctrl.Generate(ctx, req, func(r inference.StepResult) {
		if writeErr != nil {
			return
		}
		chunk := CompletionChunk{
			ID:           id,
			Object:       "completion.chunk",
			SessionID:    r.SessionID,
			Index:        r.Candidate,
			TokenID:      r.TokenID,
			Text:         r.Text,
			ElapsedMS:    millis(r.Elapsed),
			CacheLen:     r.CacheLen,
			Done:         r.Done,
			FinishReason: string(r.FinishReason),
		}
		if writeErr = sse.send(chunk); writeErr != nil {
			cancel()
		}
	})
	if writeErr != nil {
		s.log.Debug("stream client went away", "session", req.SessionID, "error", writeErr)
		return nil
	}
	if err != nil {
		if sendErr := sse.send(errorChunk(err)); sendErr != nil {
			return nil
		}
		return sse.done()
	}

	usage := usageFor(res)
	if err := sse.send(CompletionChunk{
		ID:        id,
		Object:    "completion.usage",
		SessionID: res.SessionID,
		Index:     -1,
		TokenID:   -1,
		Done:      true,
		Usage:     &usage,
	}); err != nil {
		return nil
	}
	return sse.done()
}

func (s *Server) completionResponse(id string, res *inference.Result) CompletionResponse {
	choices := make([]CompletionChoice, 0, len(res.Candidates))
	for _, cand := range res.Candidates {
		tokens := cand.Tokens
		if tokens == nil {
			tokens = []int{}
		}
		choices = append(choices, CompletionChoice{
			Index:        cand.Index,
			Text:         cand.Text,
			Tokens:       tokens,
			FinishReason: string(cand.FinishReason),
			CacheLen:     cand.CacheLen,
		})
	}
	return CompletionResponse{
		ID:        id,
		Object:    "text_completion",
		Created:   s.clock().Unix(),
		Model:     s.model,
		SessionID: res.SessionID,
		Choices:   choices,
		Usage:     usageFor(res),
	}
}

func usageFor(res *inference.Result) Usage {
	st := res.Stats
	return Usage{
		PromptTokens:     st.PromptTokens,
		CompletionTokens: st.GeneratedTokens,
		TotalTokens:      st.PromptTokens + st.GeneratedTokens,
		PrefillMS:        millis(st.Prefill),
		DecodeMS:         millis(st.Decode),
		TokensPerSecond:  st.TPS,
	}
}
