// Package verify turns embeddings into accept/reject decisions. The
// engine owns the full request pipeline for one utterance: resolve the
// input to a local file, normalize it, embed it, and score the result
// against a reference.
package verify

import (
	"context"
	"log/slog"
	"math"

	"github.com/attestlabs/voicegate/internal/audio"
	"github.com/attestlabs/voicegate/internal/config"
	"github.com/attestlabs/voicegate/internal/fault"
)

// Embedder is the slice of the model lifecycle the engine needs.
type Embedder interface {
	Embed(ctx context.Context, sample audio.Normalized) ([]float32, error)
}

// Result is one verification decision.
type Result struct {
	Verified   bool    `json:"verified"`
	Score      float64 `json:"score"`
	Threshold  float64 `json:"threshold"`
	Confidence string  `json:"confidence"`
}

// Embedding is the outcome of a standalone extraction.
type Embedding struct {
	Vector    []float32 `json:"embedding"`
	Dimension int       `json:"dimension"`
	Duration  float64   `json:"duration_seconds"`
}

type Engine struct {
	resolver   *audio.Resolver
	normalizer *audio.Normalizer
	embedder   Embedder
	settings   *config.Store
	cfg        config.VerifyConfig
	log        *slog.Logger
}

func NewEngine(resolver *audio.Resolver, normalizer *audio.Normalizer, embedder Embedder, settings *config.Store, cfg config.VerifyConfig, log *slog.Logger) *Engine {
	return &Engine{
		resolver:   resolver,
		normalizer: normalizer,
		embedder:   embedder,
		settings:   settings,
		cfg:        cfg,
		log:        log.With("component", "verify"),
	}
}

// Extract runs the pipeline for one input and returns its embedding.
func (e *Engine) Extract(ctx context.Context, in audio.Input) (Embedding, error) {
	sample, err := e.prepare(ctx, in)
	if err != nil {
		return Embedding{}, err
	}
	vec, err := e.embedder.Embed(ctx, sample)
	if err != nil {
		return Embedding{}, err
	}
	return Embedding{Vector: vec, Dimension: len(vec), Duration: sample.Duration()}, nil
}

// Verify embeds both utterances and scores them. A nil threshold uses
// the current stored threshold; an override applies to this request
// only.
func (e *Engine) Verify(ctx context.Context, reference, probe audio.Input, threshold *float64) (Result, error) {
	refVec, err := e.Extract(ctx, reference)
	if err != nil {
		return Result{}, err
	}
	probeVec, err := e.Extract(ctx, probe)
	if err != nil {
		return Result{}, err
	}
	return e.Compare(refVec.Vector, probeVec.Vector, threshold)
}

// Compare scores two embeddings directly, without touching audio.
func (e *Engine) Compare(a, b []float32, threshold *float64) (Result, error) {
	score, err := cosine(a, b)
	if err != nil {
		return Result{}, err
	}
	th := e.threshold(threshold)
	return Result{
		Verified:   score > th,
		Score:      score,
		Threshold:  th,
		Confidence: e.confidence(score, th),
	}, nil
}

// Threshold reports the value a nil override would resolve to.
func (e *Engine) Threshold() float64 {
	return e.threshold(nil)
}

func (e *Engine) prepare(ctx context.Context, in audio.Input) (audio.Normalized, error) {
	path, cleanup, err := e.resolver.Resolve(ctx, in)
	if err != nil {
		return audio.Normalized{}, err
	}
	defer cleanup()
	return e.normalizer.Normalize(path)
}

func (e *Engine) threshold(override *float64) float64 {
	if override != nil {
		return *override
	}
	return e.settings.Get().Threshold
}

// confidence buckets the decision by its distance from the threshold.
// A score hugging the threshold is a coin flip no matter which side it
// lands on.
func (e *Engine) confidence(score, threshold float64) string {
	margin := math.Abs(score - threshold)
	switch {
	case margin < e.cfg.NarrowBand:
		return "low"
	case margin < e.cfg.WideBand:
		return "medium"
	default:
		return "high"
	}
}

// cosine computes cosine similarity in float64 to avoid accumulation
// error on long vectors.
func cosine(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fault.New(fault.KindInvalidInput, "embedding must not be empty")
	}
	if len(a) != len(b) {
		return 0, fault.New(fault.KindDimensionMismatch,
			"embedding dimensions do not match: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, fault.New(fault.KindInvalidInput, "embedding must not be all zeros")
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
