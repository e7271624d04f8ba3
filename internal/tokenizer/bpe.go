package tokenizer

import (
	"slices"
	"strings"
	"unicode/utf8"
)

// mergeKey is one entry of the merge table: two adjacent symbols that fuse
// into one.
type mergeKey struct {
	left, right string
}

// segment is a span of input text. Special spans map to a single id and
// bypass pre-tokenization and merges.
type segment struct {
	text    string
	special bool
}

// applyMerges repeatedly fuses the adjacent pair with the lowest rank until
// no ranked pair remains.
func applyMerges(token string, ranks map[mergeKey]int) []string {
	word := make([]string, 0, utf8.RuneCountInString(token))
	for _, r := range token {
		word = append(word, string(r))
	}
	for len(word) > 1 {
		best, bestRank := -1, 0
		for i := 0; i+1 < len(word); i++ {
			rank, ok := ranks[mergeKey{word[i], word[i+1]}]
			if ok && (best < 0 || rank < bestRank) {
				best, bestRank = i, rank
			}
		}
		if best < 0 {
			break
		}
		word = fuse(word, mergeKey{word[best], word[best+1]}, best)
	}
	return word
}

// fuse merges every occurrence of key at or after index from, in place.
func fuse(word []string, key mergeKey, from int) []string {
	out := word[:from]
	for i := from; i < len(word); i++ {
		if i+1 < len(word) && word[i] == key.left && word[i+1] == key.right {
			out = append(out, key.left+key.right)
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

// specialsLongestFirst returns the vocabulary entries matched verbatim
// before BPE. Longer entries come first so "<|im_end|>" wins over a prefix.
func specialsLongestFirst(vocab []string, added map[string]bool) []string {
	var out []string
	for _, tok := range vocab {
		if tok != "" && (added[tok] || looksSpecial(tok)) {
			out = append(out, tok)
		}
	}
	slices.SortStableFunc(out, func(a, b string) int { return len(b) - len(a) })
	return out
}

// looksSpecial reports whether tok uses the "<|name|>" control token form.
func looksSpecial(tok string) bool {
	return len(tok) >= 4 && strings.HasPrefix(tok, "<|") && strings.HasSuffix(tok, "|>")
}

// segmentText cuts text around occurrences of the special tokens.
func segmentText(text string, specials []string) []segment {
	var out []segment
	for text != "" {
		at, match := -1, ""
		for _, sp := range specials {
			i := strings.Index(text, sp)
			if i >= 0 && (at < 0 || i < at) {
				at, match = i, sp
			}
		}
		if at < 0 {
			out = append(out, segment{text: text})
			break
		}
		if at > 0 {
			out = append(out, segment{text: text[:at]})
		}
		out = append(out, segment{text: match, special: true})
		text = text[at+len(match):]
	}
	return out
}

// byteAlphabet builds the byte-level BPE mapping: printable Latin-1 bytes map
// to themselves and the rest are shifted above U+0100 so every byte has a
// visible rune.
func byteAlphabet() ([256]string, map[rune]byte) {
	var enc [256]string
	dec := make(map[rune]byte, 256)
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	shifted := 0
	for b := range 256 {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + shifted)
			shifted++
		}
		enc[b] = string(r)
		dec[r] = byte(b)
	}
	return enc, dec
}
