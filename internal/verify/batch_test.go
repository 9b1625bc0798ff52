package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/attestlabs/voicegate/internal/audio"
)

func TestVerifyBatchIsolatesCandidateFailures(t *testing.T) {
	e, root := pipelineEngine(t)
	writeTone(t, filepath.Join(root, "ref.wav"), 440, 1.0)
	writeTone(t, filepath.Join(root, "good.wav"), 440, 1.0)
	if err := os.WriteFile(filepath.Join(root, "bad.wav"), []byte("not audio"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	outcome, err := e.VerifyBatch(context.Background(),
		audio.FromPath("ref.wav"),
		[]audio.Input{audio.FromPath("good.wav"), audio.FromPath("bad.wav")},
		nil)
	if err != nil {
		t.Fatalf("a candidate failure must not fail the batch: %v", err)
	}

	if outcome.Total != 2 || len(outcome.Items) != 2 {
		t.Fatalf("expected 2 results, got %+v", outcome)
	}
	if outcome.SuccessCount != 1 || outcome.ErrorCount != 1 {
		t.Fatalf("expected 1 success and 1 error, got %+v", outcome)
	}

	good := outcome.Items[0]
	if good.Result == nil || good.Error != "" {
		t.Fatalf("expected first slot to succeed, got %+v", good)
	}
	if !good.Result.Verified {
		t.Fatalf("identical audio must verify, got %+v", good.Result)
	}

	bad := outcome.Items[1]
	if bad.Result != nil || bad.Error == "" {
		t.Fatalf("expected second slot to carry the error, got %+v", bad)
	}
}

func TestVerifyBatchPreservesOrder(t *testing.T) {
	e, root := pipelineEngine(t)
	writeTone(t, filepath.Join(root, "ref.wav"), 440, 1.0)
	freqs := []float64{220, 330, 440, 550, 660}
	candidates := make([]audio.Input, len(freqs))
	for i, f := range freqs {
		name := filepath.Join(root, "c"+string(rune('0'+i))+".wav")
		writeTone(t, name, f, 1.0)
		candidates[i] = audio.FromPath(filepath.Base(name))
	}

	outcome, err := e.VerifyBatch(context.Background(), audio.FromPath("ref.wav"), candidates, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.Items) != len(freqs) {
		t.Fatalf("expected %d results, got %d", len(freqs), len(outcome.Items))
	}
	for i, item := range outcome.Items {
		if item.Index != i {
			t.Fatalf("results out of order: slot %d has index %d", i, item.Index)
		}
		if item.Result == nil {
			t.Fatalf("slot %d failed: %s", i, item.Error)
		}
	}
	// candidate 2 is the same tone as the reference
	if !outcome.Items[2].Result.Verified {
		t.Fatal("matching candidate must verify")
	}
}

func TestVerifyBatchReferenceFailureIsFatal(t *testing.T) {
	e, root := pipelineEngine(t)
	writeTone(t, filepath.Join(root, "good.wav"), 440, 1.0)

	_, err := e.VerifyBatch(context.Background(),
		audio.FromPath("missing.wav"),
		[]audio.Input{audio.FromPath("good.wav")},
		nil)
	if err == nil {
		t.Fatal("a reference failure must fail the whole batch")
	}
}
