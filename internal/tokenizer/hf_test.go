package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/samcharles93/kiln/internal/errs"
)

const testTokenizerJSON = `{
	"model": {
		"type": "BPE",
		"vocab": {"h": 0, "e": 1, "l": 2, "o": 3, "Ġ": 4, "he": 5, "ll": 6, "hell": 7, "Ã": 9, "©": 10},
		"merges": ["h e", "l l", ["he", "ll"]],
		"unk_token": ""
	},
	"added_tokens": [
		{"id": 8, "content": "<|end|>", "special": true},
		{"id": 11, "content": "</s>", "special": true},
		{"id": 12, "content": "<|begin|>", "special": true}
	]
}`

func testTokenizer(t *testing.T, cfg string) *HFTokenizer {
	t.Helper()
	var raw []byte
	if cfg != "" {
		raw = []byte(cfg)
	}
	tok, err := LoadHFTokenizerBytes([]byte(testTokenizerJSON), raw)
	if err != nil {
		t.Fatalf("load tokenizer: %v", err)
	}
	return tok
}

func TestEncodeAppliesMergesInRankOrder(t *testing.T) {
	t.Parallel()

	tok := testTokenizer(t, "")
	ids, err := tok.Encode("hello hello")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []int{7, 3, 4, 7, 3}
	if !slices.Equal(ids, want) {
		t.Fatalf("ids %v want %v", ids, want)
	}
	text, err := tok.Decode(ids)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if text != "hello hello" {
		t.Fatalf("round trip %q", text)
	}
}

func TestEncodeSpecialTokens(t *testing.T) {
	t.Parallel()

	tok := testTokenizer(t, "")
	ids, err := tok.Encode("hello</s><|end|>")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if want := []int{7, 3, 11, 8}; !slices.Equal(ids, want) {
		t.Fatalf("ids %v want %v", ids, want)
	}
	text, _ := tok.Decode(ids)
	if text != "hello</s><|end|>" {
		t.Fatalf("decode %q", text)
	}
}

func TestTokenizerConfigBOSAndEOS(t *testing.T) {
	t.Parallel()

	tok := testTokenizer(t, `{
		"add_bos_token": true,
		"bos_token": {"content": "<|begin|>", "lstrip": false},
		"eos_token": "</s>"
	}`)
	if tok.BOSID() != 12 || tok.EOSID() != 11 || !tok.AddBOS() {
		t.Fatalf("bos %d eos %d add %v", tok.BOSID(), tok.EOSID(), tok.AddBOS())
	}
	ids, err := tok.Encode("he")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if want := []int{12, 5}; !slices.Equal(ids, want) {
		t.Fatalf("ids %v want %v", ids, want)
	}
}

func TestDecodeSplitsMultiByteRunes(t *testing.T) {
	t.Parallel()

	tok := testTokenizer(t, "")
	ids, err := tok.Encode("é")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if want := []int{9, 10}; !slices.Equal(ids, want) {
		t.Fatalf("ids %v want %v", ids, want)
	}
	head, _ := tok.Decode(ids[:1])
	if head != "\xc3" {
		t.Fatalf("partial decode %q", head)
	}
	full, _ := tok.Decode(ids)
	if full != "é" {
		t.Fatalf("full decode %q", full)
	}
}

func TestEncodeUnknownTokenFails(t *testing.T) {
	t.Parallel()

	tok := testTokenizer(t, "")
	if _, err := tok.Encode("xyz"); err == nil {
		t.Fatal("expected unknown token error")
	}
	if _, err := tok.Decode([]int{99}); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestRejectsUnsupportedModel(t *testing.T) {
	t.Parallel()

	_, err := LoadHFTokenizerBytes([]byte(`{"model":{"type":"WordPiece","vocab":{},"merges":[]}}`), nil)
	if !errors.Is(err, errs.ErrLoad) {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestLoadFromDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(testTokenizerJSON), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tok, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tok.VocabSize() != 13 {
		t.Fatalf("vocab size %d", tok.VocabSize())
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for missing tokenizer.json")
	}
}

func TestEncodeConcurrent(t *testing.T) {
	t.Parallel()

	tok := testTokenizer(t, "")
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 50 {
				ids, err := tok.Encode("hello hello")
				if err != nil || len(ids) != 5 {
					t.Errorf("encode: %v %v", ids, err)
					return
				}
			}
		})
	}
	wg.Wait()
}

func TestApplyMergesRepeatedPair(t *testing.T) {
	t.Parallel()

	ranks := map[mergeKey]int{{"a", "a"}: 0, {"aa", "aa"}: 1}
	if got := applyMerges("aaaaa", ranks); !slices.Equal(got, []string{"aaaa", "a"}) {
		t.Fatalf("got %q", got)
	}
	if got := applyMerges("xyz", ranks); !slices.Equal(got, []string{"x", "y", "z"}) {
		t.Fatalf("got %q", got)
	}
}

func TestSegmentTextPrefersLongestSpecial(t *testing.T) {
	t.Parallel()

	specials := specialsLongestFirst([]string{"<|im|>", "<|im|>x", "plain"}, map[string]bool{"<|im|>x": true})
	got := segmentText("a<|im|>xb<|im|>", specials)
	want := []segment{
		{text: "a"},
		{text: "<|im|>x", special: true},
		{text: "b"},
		{text: "<|im|>", special: true},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestByteAlphabetRoundTrip(t *testing.T) {
	t.Parallel()

	enc, dec := byteAlphabet()
	if enc[' '] != "Ġ" || enc['a'] != "a" {
		t.Fatalf("space=%q a=%q", enc[' '], enc['a'])
	}
	for b := range 256 {
		r := []rune(enc[b])[0]
		if dec[r] != byte(b) {
			t.Fatalf("byte %d decodes to %d", b, dec[r])
		}
	}
}
