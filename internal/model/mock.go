package model

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/attestlabs/voicegate/internal/audio"
	"github.com/attestlabs/voicegate/internal/config"
)

// MockProvider is a deterministic in-process backend for development
// and tests. The embedding is derived from the audio content, so the
// same clip always maps to the same vector and different clips almost
// never collide.
type MockProvider struct {
	dimension int
	modelPath string
	log       *slog.Logger
}

func NewMockProvider(ctx context.Context, cfg config.ModelConfig, modelPath string, log *slog.Logger) (*MockProvider, error) {
	if delay := cfg.MockLoadDelayMS; delay > 0 {
		select {
		case <-time.After(time.Duration(delay) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	dim := cfg.MockDimension
	if dim <= 0 {
		dim = 192
	}
	p := &MockProvider{
		dimension: dim,
		modelPath: modelPath,
		log:       log.With("component", "model.mock"),
	}
	p.log.Info("mock model ready", "dimension", dim, "model_path", modelPath)
	return p, nil
}

func (p *MockProvider) Embed(ctx context.Context, sample audio.Normalized) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New64a()
	var scratch [4]byte
	for _, s := range sample.Samples {
		binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(s))
		h.Write(scratch[:])
	}

	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	vec := make([]float32, p.dimension)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] /= float32(norm)
		}
	}
	return vec, nil
}

func (p *MockProvider) Dimension() int { return p.dimension }

func (p *MockProvider) Close() error { return nil }
