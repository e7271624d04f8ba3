package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPrefill(t *testing.T) {
	before := testutil.ToFloat64(PromptTokens)
	RecordPrefill(7, 3*time.Millisecond)
	if got := testutil.ToFloat64(PromptTokens) - before; got != 7 {
		t.Fatalf("prompt tokens delta %v, want 7", got)
	}
}

func TestRecordDecodeStep(t *testing.T) {
	before := testutil.ToFloat64(TokensGenerated)
	RecordDecodeStep(time.Millisecond)
	RecordDecodeStep(2 * time.Millisecond)
	if got := testutil.ToFloat64(TokensGenerated) - before; got != 2 {
		t.Fatalf("tokens delta %v, want 2", got)
	}
}

func TestRecordSessionOutcomes(t *testing.T) {
	c := SessionsTotal.WithLabelValues(OutcomeCancelled)
	before := testutil.ToFloat64(c)
	RecordSession(OutcomeCancelled)
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Fatalf("cancelled delta %v, want 1", got)
	}
}

func TestCollectorsRegistered(t *testing.T) {
	if n := testutil.CollectAndCount(KVCacheForks); n != 1 {
		t.Fatalf("forks collector yields %d metrics, want 1", n)
	}
	if n := testutil.CollectAndCount(DecodeStep, "kiln_decode_step_seconds"); n != 1 {
		t.Fatalf("decode histogram yields %d metrics, want 1", n)
	}
}
