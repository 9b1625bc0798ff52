// Package model hosts the embedding backends and the lifecycle manager
// that loads them. Backends implement Provider; the rest of the service
// only ever talks to the Lifecycle, which owns loading, retry, and
// inference admission.
package model

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/attestlabs/voicegate/internal/audio"
	"github.com/attestlabs/voicegate/internal/config"
)

// Provider produces speaker embeddings from normalized audio.
type Provider interface {
	// Embed returns the embedding vector for one utterance.
	Embed(ctx context.Context, sample audio.Normalized) ([]float32, error)

	// Dimension reports the embedding size, or 0 if not yet known.
	// Remote backends learn it from their first successful inference.
	Dimension() int

	Close() error
}

// Factory constructs a Provider. The lifecycle invokes it on every
// (re)load, so it must read mutable settings at call time rather than
// capture them.
type Factory func(ctx context.Context) (Provider, error)

// NewFactory builds the Factory for the configured backend mode. The
// model path and device come from the settings store so a runtime
// config update takes effect on the next reload.
func NewFactory(cfg config.ModelConfig, settings *config.Store, log *slog.Logger) (Factory, error) {
	switch cfg.Mode {
	case "mock":
		return func(ctx context.Context) (Provider, error) {
			s := settings.Get()
			return NewMockProvider(ctx, cfg, s.ModelPath, log)
		}, nil
	case "exec":
		return func(ctx context.Context) (Provider, error) {
			s := settings.Get()
			return NewExecProvider(cfg, s.ModelPath, s.Device, log)
		}, nil
	case "http":
		return func(ctx context.Context) (Provider, error) {
			s := settings.Get()
			return NewHTTPProvider(ctx, cfg, s.ModelPath, log)
		}, nil
	default:
		return nil, fmt.Errorf("unknown model mode: %s", cfg.Mode)
	}
}
