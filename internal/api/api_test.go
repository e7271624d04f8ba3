package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kiln/internal/errs"
	"github.com/samcharles93/kiln/internal/inference"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/logits"
	"github.com/samcharles93/kiln/internal/model"
)

// letterTokenizer maps 'a'..'z' to ids 1..26 and renders ids as "<id>".
type letterTokenizer struct{}

func (letterTokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		if r < 'a' || r > 'z' {
			return nil, fmt.Errorf("unsupported rune %q", r)
		}
		ids = append(ids, int(r-'a')+1)
	}
	return ids, nil
}

func (letterTokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "<%d>", id)
	}
	return b.String(), nil
}

func newTestController(t *testing.T, maxContext int) *inference.Controller {
	t.Helper()
	cfg := model.Config{
		ModelType:        "llama",
		HiddenSize:       32,
		IntermediateSize: 48,
		NumLayers:        2,
		NumHeads:         4,
		NumKVHeads:       2,
		VocabSize:        40,
		MaxPosition:      32,
		RMSNormEps:       1e-5,
	}
	w, err := model.RandomWeights(cfg, 7)
	if err != nil {
		t.Fatalf("RandomWeights: %v", err)
	}
	exec, err := model.NewExecutor(w, maxContext)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	ctrl := inference.NewController(exec, letterTokenizer{}, inference.Options{Logger: logger.Discard()})
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl
}

func newTestEcho(t *testing.T, maxContext int) (*echo.Echo, *inference.Controller) {
	t.Helper()
	ctrl := newTestController(t, maxContext)
	server := NewServer(Config{
		Controller: ctrl,
		Tokenizer:  letterTokenizer{},
		Model:      "tiny",
		Logger:     logger.Discard(),
	})
	e := echo.New()
	server.Register(e)
	return e, ctrl
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCompletionFromTokens(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, 0)
	rec := doJSON(t, e, http.MethodPost, "/v1/completions",
		`{"tokens":[1,7,9],"max_tokens":3,"temperature":0,"session_id":"s1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(HeaderSessionID); got != "s1" {
		t.Fatalf("session header %q", got)
	}

	resp := decodeBody[CompletionResponse](t, rec)
	if resp.SessionID != "s1" || resp.Model != "tiny" || !strings.HasPrefix(resp.ID, "cmpl-") {
		t.Fatalf("response header fields %+v", resp)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices %d", len(resp.Choices))
	}
	ch := resp.Choices[0]
	if len(ch.Tokens) != 3 || ch.CacheLen != 6 || ch.FinishReason != "length" {
		t.Fatalf("choice %+v", ch)
	}
	var want strings.Builder
	for _, id := range ch.Tokens {
		fmt.Fprintf(&want, "<%d>", id)
	}
	if ch.Text != want.String() {
		t.Fatalf("text %q want %q", ch.Text, want.String())
	}
	if resp.Usage.PromptTokens != 3 || resp.Usage.CompletionTokens != 3 || resp.Usage.TotalTokens != 6 {
		t.Fatalf("usage %+v", resp.Usage)
	}
}

func TestCompletionTextPromptMatchesTokens(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, 0)
	fromText := decodeBody[CompletionResponse](t, doJSON(t, e, http.MethodPost, "/v1/completions",
		`{"prompt":"agi","max_tokens":4}`))
	fromTokens := decodeBody[CompletionResponse](t, doJSON(t, e, http.MethodPost, "/v1/completions",
		`{"tokens":[1,7,9],"max_tokens":4}`))
	if fromText.Choices[0].Text != fromTokens.Choices[0].Text {
		t.Fatalf("text prompt %q, token prompt %q", fromText.Choices[0].Text, fromTokens.Choices[0].Text)
	}
	if fromText.SessionID == "" || fromText.SessionID == fromTokens.SessionID {
		t.Fatalf("session ids %q %q", fromText.SessionID, fromTokens.SessionID)
	}
}

func TestCompletionMultipleCandidates(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, 0)
	rec := doJSON(t, e, http.MethodPost, "/v1/completions",
		`{"tokens":[3,4],"max_tokens":5,"temperature":0.9,"n":2,"seed":11}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[CompletionResponse](t, rec)
	if len(resp.Choices) != 2 {
		t.Fatalf("choices %d", len(resp.Choices))
	}
	for i, ch := range resp.Choices {
		if ch.Index != i || len(ch.Tokens) != 5 || ch.CacheLen != 7 {
			t.Fatalf("choice %d: %+v", i, ch)
		}
	}
}

func TestCompletionRejectsBadRequests(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, 0)
	cases := map[string]string{
		"malformed json":  `{"tokens":`,
		"unknown field":   `{"tokens":[1],"bogus":1}`,
		"no prompt":       `{"max_tokens":3}`,
		"both prompts":    `{"prompt":"a","tokens":[1]}`,
		"negative temp":   `{"tokens":[1],"temperature":-1}`,
		"zero n":          `{"tokens":[1],"n":0}`,
		"zero max tokens": `{"tokens":[1],"max_tokens":0}`,
		"token too large": `{"tokens":[1,40]}`,
		"negative token":  `{"tokens":[-1]}`,
		"empty stop":      `{"tokens":[1],"stop":""}`,
		"bad stop type":   `{"tokens":[1],"stop":5}`,
		"unencodable":     `{"prompt":"ABC"}`,
	}
	for name, body := range cases {
		rec := doJSON(t, e, http.MethodPost, "/v1/completions", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d body=%s", name, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "invalid_request_error") {
			t.Fatalf("%s: body %s", name, rec.Body.String())
		}
	}
}

func TestCompletionCapacityExceeded(t *testing.T) {
	t.Parallel()

	e, ctrl := newTestEcho(t, 4)
	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"tokens":[1,2,3,4,5],"max_tokens":1}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if n := ctrl.Executor().CachePool().Active(); n != 0 {
		t.Fatalf("%d caches still active", n)
	}
}

func TestCompletionStream(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, 0)
	rec := doJSON(t, e, http.MethodPost, "/v1/completions",
		`{"tokens":[1,7,9],"max_tokens":3,"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	var (
		chunks []CompletionChunk
		sawEnd bool
	)
	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			t.Fatalf("unexpected line %q", line)
		}
		if payload == "[DONE]" {
			sawEnd = true
			continue
		}
		var chunk CompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("decode chunk %q: %v", payload, err)
		}
		chunks = append(chunks, chunk)
	}
	if !sawEnd {
		t.Fatal("missing [DONE]")
	}
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	for i, want := range []struct {
		cacheLen int
		done     bool
	}{{4, false}, {5, false}, {6, true}} {
		ch := chunks[i]
		if ch.CacheLen != want.cacheLen || ch.Done != want.done || ch.Text != fmt.Sprintf("<%d>", ch.TokenID) {
			t.Fatalf("chunk %d: %+v", i, ch)
		}
	}
	if chunks[2].FinishReason != "length" {
		t.Fatalf("finish reason %q", chunks[2].FinishReason)
	}
	usage := chunks[3]
	if usage.Object != "completion.usage" || usage.Usage == nil || usage.Usage.CompletionTokens != 3 {
		t.Fatalf("usage chunk %+v", usage)
	}
}

func TestCompletionStreamReportsErrors(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, 8)
	rec := doJSON(t, e, http.MethodPost, "/v1/completions",
		`{"tokens":[1,2,3,4,5,6],"max_tokens":5,"stream":true}`)
	body := rec.Body.String()
	if !strings.Contains(body, "context_length_exceeded") || !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("body %s", body)
	}
}

func TestSessionsListAndCancel(t *testing.T) {
	t.Parallel()

	e, ctrl := newTestEcho(t, 0)

	var (
		once    sync.Once
		started = make(chan struct{})
		release = make(chan struct{})
		errc    = make(chan error, 1)
	)
	go func() {
		_, err := ctrl.Generate(context.Background(), inference.Request{
			SessionID: "busy",
			Prompt:    []int{1, 2},
			Sampling:  logits.Config{N: 1},
			MaxTokens: 8,
		}, func(inference.StepResult) {
			once.Do(func() { close(started) })
			<-release
		})
		errc <- err
	}()
	<-started

	list := decodeBody[SessionList](t, doJSON(t, e, http.MethodGet, "/v1/sessions", ""))
	if len(list.Data) != 1 || list.Data[0].ID != "busy" || list.Data[0].State != "decoding" {
		t.Fatalf("sessions %+v", list)
	}

	dup := doJSON(t, e, http.MethodPost, "/v1/completions", `{"tokens":[1],"session_id":"busy"}`)
	if dup.Code != http.StatusConflict {
		t.Fatalf("duplicate session status %d body=%s", dup.Code, dup.Body.String())
	}

	if rec := doJSON(t, e, http.MethodDelete, "/v1/sessions/busy", ""); rec.Code != http.StatusOK {
		t.Fatalf("cancel status %d body=%s", rec.Code, rec.Body.String())
	}
	close(release)
	if err := <-errc; !errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}

	if rec := doJSON(t, e, http.MethodDelete, "/v1/sessions/busy", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second cancel status %d", rec.Code)
	}
	list = decodeBody[SessionList](t, doJSON(t, e, http.MethodGet, "/v1/sessions", ""))
	if len(list.Data) != 0 {
		t.Fatalf("sessions after cancel %+v", list)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, 0)
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("health %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "kiln_sessions_active") {
		t.Fatalf("metrics %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{errs.Invalid("op", "bad"), http.StatusBadRequest},
		{newInvalidRequest("bad"), http.StatusBadRequest},
		{errs.State("op", "busy"), http.StatusConflict},
		{errs.Capacity("op", "full"), http.StatusUnprocessableEntity},
		{errs.Wrap(errs.ErrCancelled, "op", context.Canceled), StatusClientClosedRequest},
		{errors.New("boom"), http.StatusInternalServerError},
		{errs.Wrap(errs.ErrState, "op", fmt.Errorf("%w: boom", inference.ErrPanic)), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: status %d want %d", tc.err, got, tc.want)
		}
	}
}

func TestStopListAcceptsStringOrArray(t *testing.T) {
	t.Parallel()

	var req CompletionRequest
	if err := json.Unmarshal([]byte(`{"stop":"\n"}`), &req); err != nil || len(req.Stop) != 1 || req.Stop[0] != "\n" {
		t.Fatalf("single: %v %q", err, req.Stop)
	}
	req = CompletionRequest{}
	if err := json.Unmarshal([]byte(`{"stop":["a","b"]}`), &req); err != nil || len(req.Stop) != 2 {
		t.Fatalf("array: %v %q", err, req.Stop)
	}
}
