package tokenizer

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kiln/internal/errs"
)

// HFTokenizer is a byte-level BPE tokenizer read from a HuggingFace
// tokenizer.json. It is safe for concurrent use.
type HFTokenizer struct {
	vocab        map[string]int
	pieces       []string
	ranks        map[mergeKey]int
	byteEnc      [256]string
	byteDec      map[rune]byte
	split        *regexp.Regexp
	specials     []string
	specialSet   map[string]bool
	ignoreMerges bool

	bos, eos, unk  int
	addBOS, addEOS bool

	mu    sync.Mutex
	cache map[string][]string
}

// tokenizerFile is the subset of tokenizer.json kiln understands.
type tokenizerFile struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer struct {
		Type          string `json:"type"`
		Pretokenizers []struct {
			Type    string `json:"type"`
			Pattern struct {
				Regex string `json:"Regex"`
			} `json:"pattern"`
		} `json:"pretokenizers"`
	} `json:"pre_tokenizer"`
	PostProcessor struct {
		Processors []struct {
			Type          string `json:"type"`
			SpecialTokens map[string]struct {
				IDs []int `json:"ids"`
			} `json:"special_tokens"`
		} `json:"processors"`
	} `json:"post_processor"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// tokenizerConfig is the subset of tokenizer_config.json kiln understands.
type tokenizerConfig struct {
	AddBOS bool       `json:"add_bos_token"`
	AddEOS bool       `json:"add_eos_token"`
	BOS    tokenField `json:"bos_token"`
	EOS    tokenField `json:"eos_token"`
}

// tokenField accepts both "bos_token": "<s>" and the object form
// {"content": "<s>", ...}.
type tokenField string

func (f *tokenField) UnmarshalJSON(raw []byte) error {
	if len(raw) > 0 && raw[0] == '{' {
		var obj struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return err
		}
		*f = tokenField(obj.Content)
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	*f = tokenField(s)
	return nil
}

const (
	gpt2Split = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
	// llama3Split approximates the cl100k pattern without lookahead.
	llama3Split = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`
)

// LoadHFTokenizerBytes builds a tokenizer from tokenizer.json and the
// optional tokenizer_config.json contents.
func LoadHFTokenizerBytes(tokJSON []byte, tokConfig []byte) (*HFTokenizer, error) {
	const op = "tokenizer.Load"

	var f tokenizerFile
	if err := json.Unmarshal(tokJSON, &f); err != nil {
		return nil, errs.Wrap(errs.ErrLoad, op, fmt.Errorf("parse %s: %w", jsonFileName, err))
	}
	if !strings.EqualFold(f.Model.Type, "BPE") {
		return nil, errs.Load(op, "unsupported tokenizer model %q", f.Model.Type)
	}
	var cfg tokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &cfg); err != nil {
			return nil, errs.Wrap(errs.ErrLoad, op, fmt.Errorf("parse %s: %w", configFileName, err))
		}
	}
	split, err := compileSplit(&f)
	if err != nil {
		return nil, errs.Wrap(errs.ErrLoad, op, err)
	}

	t := &HFTokenizer{
		split:        split,
		ranks:        mergeRanks(f.Model.Merges),
		ignoreMerges: f.Model.IgnoreMerges,
		addBOS:       cfg.AddBOS,
		addEOS:       cfg.AddEOS,
		cache:        make(map[string][]string),
	}
	t.byteEnc, t.byteDec = byteAlphabet()
	t.buildVocab(&f)
	t.bos = t.lookup(string(cfg.BOS))
	t.eos = t.lookup(string(cfg.EOS))
	t.unk = t.lookup(f.Model.UnkToken)

	// A TemplateProcessing post-processor that prepends a token implies BOS.
	for _, proc := range f.PostProcessor.Processors {
		if proc.Type != "TemplateProcessing" {
			continue
		}
		for _, st := range proc.SpecialTokens {
			if len(st.IDs) > 0 {
				t.bos, t.addBOS = st.IDs[0], true
				break
			}
		}
	}
	return t, nil
}

func (t *HFTokenizer) buildVocab(f *tokenizerFile) {
	t.vocab = make(map[string]int, len(f.Model.Vocab)+len(f.AddedTokens))
	t.specialSet = make(map[string]bool)
	size := 0
	for tok, id := range f.Model.Vocab {
		t.vocab[tok] = id
		size = max(size, id+1)
	}
	for _, at := range f.AddedTokens {
		t.vocab[at.Content] = at.ID
		size = max(size, at.ID+1)
		if at.Special {
			t.specialSet[at.Content] = true
		}
	}
	t.pieces = make([]string, size)
	for tok, id := range t.vocab {
		t.pieces[id] = tok
	}
	t.specials = specialsLongestFirst(t.pieces, t.specialSet)
}

// lookup returns the id of tok, or -1 when tok is empty or unknown.
func (t *HFTokenizer) lookup(tok string) int {
	if tok == "" {
		return -1
	}
	if id, ok := t.vocab[tok]; ok {
		return id
	}
	return -1
}

// mergeRanks reads merges in either the "a b" string form or the ["a", "b"]
// pair form. The first occurrence of a pair sets its rank.
func mergeRanks(merges []any) map[mergeKey]int {
	ranks := make(map[mergeKey]int, len(merges))
	for _, m := range merges {
		var left, right string
		switch v := m.(type) {
		case string:
			line := strings.TrimSpace(v)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			var ok bool
			if left, right, ok = strings.Cut(line, " "); !ok || strings.Contains(right, " ") {
				continue
			}
		case []any:
			if len(v) != 2 {
				continue
			}
			a, aok := v[0].(string)
			b, bok := v[1].(string)
			if !aok || !bok {
				continue
			}
			left, right = a, b
		default:
			continue
		}
		key := mergeKey{left, right}
		if _, seen := ranks[key]; !seen {
			ranks[key] = len(ranks)
		}
	}
	return ranks
}

// compileSplit picks the pre-tokenizer regex. RE2 has no lookahead, so
// llama3-style patterns fall back to an equivalent without it.
func compileSplit(f *tokenizerFile) (*regexp.Regexp, error) {
	pat := gpt2Split
	if f.PreTokenizer.Type == "Sequence" {
		for _, p := range f.PreTokenizer.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	if strings.Contains(pat, `(?!\S)`) || strings.Contains(pat, "(?i:") {
		pat = llama3Split
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, fmt.Errorf("pre-tokenizer pattern: %w", err)
	}
	return re, nil
}

func (t *HFTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS && t.bos >= 0 {
		ids = append(ids, t.bos)
	}
	for _, seg := range segmentText(text, t.specials) {
		if seg.special {
			ids = append(ids, t.vocab[seg.text])
			continue
		}
		for _, word := range t.split.FindAllString(seg.text, -1) {
			for _, piece := range t.pieceize(word) {
				id, ok := t.vocab[piece]
				switch {
				case ok:
					ids = append(ids, id)
				case t.unk >= 0:
					ids = append(ids, t.unk)
				default:
					return nil, fmt.Errorf("unknown token %q", piece)
				}
			}
		}
	}
	if t.addEOS && t.eos >= 0 {
		ids = append(ids, t.eos)
	}
	return ids, nil
}

// Decode maps ids back to bytes. A partial multi-byte sequence at the end
// is returned as is; callers streaming text hold it back until complete.
func (t *HFTokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.pieces) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		piece := t.pieces[id]
		if t.specialSet[piece] || looksSpecial(piece) {
			b.WriteString(piece)
			continue
		}
		for _, r := range piece {
			if by, ok := t.byteDec[r]; ok {
				b.WriteByte(by)
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String(), nil
}

func (t *HFTokenizer) BOSID() int     { return t.bos }
func (t *HFTokenizer) EOSID() int     { return t.eos }
func (t *HFTokenizer) AddBOS() bool   { return t.addBOS }
func (t *HFTokenizer) VocabSize() int { return len(t.pieces) }

// pieceize byte-encodes a pre-tokenized word and runs the merges, caching
// the result per word.
func (t *HFTokenizer) pieceize(word string) []string {
	t.mu.Lock()
	pieces, ok := t.cache[word]
	t.mu.Unlock()
	if ok {
		return pieces
	}

	var enc strings.Builder
	for i := 0; i < len(word); i++ {
		enc.WriteString(t.byteEnc[word[i]])
	}
	token := enc.String()
	if _, whole := t.vocab[token]; t.ignoreMerges && whole {
		pieces = []string{token}
	} else {
		pieces = applyMerges(token, t.ranks)
	}

	t.mu.Lock()
	t.cache[word] = pieces
	t.mu.Unlock()
	return pieces
}
