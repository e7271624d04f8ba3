package inference

import (
	"errors"
	"testing"
)

type mapDecoder map[int]string

func (m mapDecoder) Decode(ids []int) (string, error) {
	var out string
	for _, id := range ids {
		s, ok := m[id]
		if !ok {
			return "", errors.New("unknown id")
		}
		out += s
	}
	return out, nil
}

func pushAll(t *testing.T, ts *textStream, ids ...int) []string {
	t.Helper()
	var out []string
	for _, id := range ids {
		s, _, err := ts.push(id)
		if err != nil {
			t.Fatalf("push %d: %v", id, err)
		}
		out = append(out, s)
	}
	return out
}

func TestTextStreamHoldsIncompleteRunes(t *testing.T) {
	t.Parallel()

	ts := newTextStream(mapDecoder{1: "\xc3", 2: "\xa9", 3: "a", 4: "\xe2\x82", 5: "\xac!"}, nil)
	got := pushAll(t, ts, 3, 1, 2, 4, 5)
	want := []string{"a", "", "é", "", "€!"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d: %q want %q", i, got[i], want[i])
		}
	}
	if rest := ts.flush(); rest != "" {
		t.Fatalf("flush %q", rest)
	}
}

func TestTextStreamFlushReplacesDanglingBytes(t *testing.T) {
	t.Parallel()

	ts := newTextStream(mapDecoder{1: "\xc3", 3: "a"}, nil)
	pushAll(t, ts, 3, 1)
	if rest := ts.flush(); rest != "\uFFFD" {
		t.Fatalf("flush %q", rest)
	}
}

func TestTextStreamStopStringAcrossTokens(t *testing.T) {
	t.Parallel()

	dec := mapDecoder{4: "xx ST", 5: "OP yy", 6: "Sx"}

	ts := newTextStream(dec, []string{"STOP"})
	if got := pushAll(t, ts, 4); got[0] != "xx " {
		t.Fatalf("first fragment %q", got[0])
	}
	text, stopped, err := ts.push(5)
	if err != nil || !stopped || text != "" {
		t.Fatalf("push: %q %v %v", text, stopped, err)
	}

	ts = newTextStream(dec, []string{"STOP"})
	got := pushAll(t, ts, 4, 6)
	if got[0] != "xx " || got[1] != "STSx" {
		t.Fatalf("false alarm fragments %q", got)
	}

	ts = newTextStream(dec, []string{"STOP"})
	pushAll(t, ts, 4)
	if rest := ts.flush(); rest != "ST" {
		t.Fatalf("flush %q", rest)
	}
}

func TestTextStreamEarliestStopWins(t *testing.T) {
	t.Parallel()

	ts := newTextStream(mapDecoder{1: "one, two. three"}, []string{".", ","})
	text, stopped, err := ts.push(1)
	if err != nil || !stopped || text != "one" {
		t.Fatalf("push: %q %v %v", text, stopped, err)
	}
}

func TestTextStreamDecoderError(t *testing.T) {
	t.Parallel()

	ts := newTextStream(mapDecoder{}, nil)
	if _, _, err := ts.push(9); err == nil {
		t.Fatal("expected decode error")
	}
	if text, stopped, err := newTextStream(nil, nil).push(9); text != "" || stopped || err != nil {
		t.Fatalf("nil decoder: %q %v %v", text, stopped, err)
	}
}
