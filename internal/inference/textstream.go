package inference

import (
	"strings"
	"unicode/utf8"
)

// textStream turns a growing token sequence into displayable fragments.
// Bytes of an incomplete rune and any tail that could start a stop string
// are held back until they resolve.
type textStream struct {
	dec   Decoder
	stops []string

	pending  []int
	rendered int
	held     string
}

func newTextStream(dec Decoder, stops []string) *textStream {
	return &textStream{dec: dec, stops: stops}
}

// push adds one token and returns the text that is now safe to emit.
// stopped is true when a stop string was matched; the returned text then
// ends just before it.
func (t *textStream) push(id int) (text string, stopped bool, err error) {
	if t.dec == nil {
		return "", false, nil
	}
	t.pending = append(t.pending, id)
	s, err := t.dec.Decode(t.pending)
	if err != nil {
		return "", false, err
	}
	n := completePrefix(s)
	fresh := s[min(t.rendered, n):n]
	if n == len(s) {
		t.pending = t.pending[:0]
		t.rendered = 0
	} else {
		t.rendered = n
	}

	buf := t.held + fresh
	if i := t.matchStop(buf); i >= 0 {
		t.held = ""
		return buf[:i], true, nil
	}
	keep := t.stopPrefixLen(buf)
	t.held = buf[len(buf)-keep:]
	return buf[:len(buf)-keep], false, nil
}

// flush returns everything held back. Incomplete bytes are replaced with
// U+FFFD.
func (t *textStream) flush() string {
	out := t.held
	t.held = ""
	if len(t.pending) > 0 && t.dec != nil {
		if s, err := t.dec.Decode(t.pending); err == nil && t.rendered < len(s) {
			out += s[t.rendered:]
		}
		t.pending = t.pending[:0]
		t.rendered = 0
	}
	return strings.ToValidUTF8(out, "\uFFFD")
}

func (t *textStream) matchStop(s string) int {
	best := -1
	for _, stop := range t.stops {
		if i := strings.Index(s, stop); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// stopPrefixLen returns the length of the longest suffix of s that is a
// proper prefix of some stop string.
func (t *textStream) stopPrefixLen(s string) int {
	keep := 0
	for _, stop := range t.stops {
		for k := min(len(stop)-1, len(s)); k > keep; k-- {
			if strings.HasSuffix(s, stop[:k]) {
				keep = k
				break
			}
		}
	}
	return keep
}

// completePrefix returns the length of s without a trailing incomplete
// UTF-8 sequence.
func completePrefix(s string) int {
	for i := len(s) - 1; i >= 0 && i >= len(s)-utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			if !utf8.FullRuneInString(s[i:]) {
				return i
			}
			return len(s)
		}
	}
	return len(s)
}
