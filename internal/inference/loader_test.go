package inference

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/safetensors"
)

const loaderTokenizerJSON = `{
	"model": {
		"type": "BPE",
		"vocab": {"h": 0, "e": 1, "l": 2, "o": 3, "Ġ": 4, "he": 5, "ll": 6, "hell": 7},
		"merges": ["h e", "l l", "he ll"]
	},
	"added_tokens": [{"id": 8, "content": "</s>", "special": true}]
}`

func writeTestModel(t *testing.T) string {
	t.Helper()
	cfg := testConfig()
	cfg.EOSTokenIDs = model.TokenIDs{2}
	w, err := model.RandomWeights(cfg, 4)
	if err != nil {
		t.Fatalf("RandomWeights: %v", err)
	}
	dir := t.TempDir()
	raw, err := json.Marshal(w.Config)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	files := map[string]string{
		"config.json":            string(raw),
		"tokenizer.json":         loaderTokenizerJSON,
		"tokenizer_config.json":  `{"eos_token": "</s>"}`,
		"generation_config.json": `{"temperature": 0.7, "top_p": 0.9, "top_k": 20}`,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := safetensors.WriteFile(filepath.Join(dir, "model.safetensors"), w.Tensors(), nil); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	return dir
}

func TestLoaderLoadsModelAndTokenizer(t *testing.T) {
	t.Parallel()

	dir := writeTestModel(t)
	res, err := Loader{MaxContext: 16, Logger: logger.Discard()}.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer func() { _ = res.Close() }()

	if res.Executor.MaxContext() != 16 {
		t.Fatalf("max context %d", res.Executor.MaxContext())
	}
	if !slices.Equal(res.StopTokens, []int{2, 8}) {
		t.Fatalf("stop tokens %v", res.StopTokens)
	}
	gd := res.GenerationDefaults
	if gd.Temperature == nil || *gd.Temperature != 0.7 || gd.TopK == nil || *gd.TopK != 20 {
		t.Fatalf("generation defaults %+v", gd)
	}

	ids, err := res.Tokenizer.Encode("hello")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Random weights can sample ids past the tokenizer's vocabulary, so
	// generate without text.
	c := NewController(res.Executor, nil, Options{StopTokens: res.StopTokens, Logger: logger.Discard()})
	defer func() { _ = c.Close() }()
	out, err := c.Generate(context.Background(), Request{Prompt: ids, Sampling: greedy(), MaxTokens: 3}, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := len(out.Candidates[0].Tokens); got > 3 {
		t.Fatalf("generated %d tokens", got)
	}
}

func TestLoaderRejectsMissingTokenizer(t *testing.T) {
	t.Parallel()

	dir := writeTestModel(t)
	if err := os.Remove(filepath.Join(dir, "tokenizer.json")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := (Loader{Logger: logger.Discard()}).Load(dir); err == nil {
		t.Fatal("expected error without tokenizer.json")
	}
	if _, err := (Loader{}).Load(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestResolveSampling(t *testing.T) {
	t.Parallel()

	temp, topK := 0.7, 20
	defaults := GenDefaults{Temperature: &temp, TopK: &topK}

	cfg := ResolveSampling(SamplingOptions{}, defaults)
	if cfg.Temperature != 0.7 || cfg.TopK != 20 || cfg.TopP != 1 || cfg.N != 1 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	zero, n, seed := 0.0, 3, uint64(5)
	cfg = ResolveSampling(SamplingOptions{Temperature: &zero, N: &n, Seed: &seed}, defaults)
	if cfg.Temperature != 0 || cfg.N != 3 || cfg.Seed != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("resolved config invalid: %v", err)
	}

	if got := ResolveSampling(SamplingOptions{}, GenDefaults{}); !got.Greedy() {
		t.Fatalf("empty defaults should be greedy: %+v", got)
	}
}
