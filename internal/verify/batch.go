package verify

import (
	"context"
	"sync"

	"github.com/attestlabs/voicegate/internal/audio"
)

// BatchItem is the outcome for one candidate. Exactly one of Result or
// Error is meaningful; a candidate failure never aborts its siblings.
type BatchItem struct {
	Index  int     `json:"index"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// BatchOutcome aggregates a reference-versus-many comparison.
type BatchOutcome struct {
	Items        []BatchItem `json:"results"`
	Total        int         `json:"total"`
	SuccessCount int         `json:"success_count"`
	ErrorCount   int         `json:"error_count"`
}

// VerifyBatch embeds the reference once and compares every candidate
// against it with bounded concurrency. Reference failures are fatal;
// candidate failures are recorded in their slot.
func (e *Engine) VerifyBatch(ctx context.Context, reference audio.Input, candidates []audio.Input, threshold *float64) (BatchOutcome, error) {
	refVec, err := e.Extract(ctx, reference)
	if err != nil {
		return BatchOutcome{}, err
	}

	items := make([]BatchItem, len(candidates))
	sem := make(chan struct{}, e.cfg.BatchConcurrency)
	var wg sync.WaitGroup

	for i, candidate := range candidates {
		wg.Add(1)
		go func(i int, candidate audio.Input) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			items[i] = e.verifyCandidate(ctx, refVec.Vector, candidate, threshold, i)
		}(i, candidate)
	}
	wg.Wait()

	out := BatchOutcome{Items: items, Total: len(items)}
	for _, item := range items {
		if item.Error == "" {
			out.SuccessCount++
		} else {
			out.ErrorCount++
		}
	}
	return out, nil
}

func (e *Engine) verifyCandidate(ctx context.Context, refVec []float32, candidate audio.Input, threshold *float64, index int) BatchItem {
	item := BatchItem{Index: index}

	candVec, err := e.Extract(ctx, candidate)
	if err != nil {
		e.log.Warn("batch candidate failed", "index", index, "source", candidate.Source(), "error", err)
		item.Error = err.Error()
		return item
	}
	result, err := e.Compare(refVec, candVec.Vector, threshold)
	if err != nil {
		item.Error = err.Error()
		return item
	}
	item.Result = &result
	return item
}
