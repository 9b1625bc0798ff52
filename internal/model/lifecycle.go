package model

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/attestlabs/voicegate/internal/audio"
	"github.com/attestlabs/voicegate/internal/config"
	"github.com/attestlabs/voicegate/internal/fault"
)

// State tracks where the backing model is in its load cycle.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Lifecycle owns the Provider and serializes its loading. Any number of
// requests may arrive while the model is cold; exactly one load runs
// and the rest wait on it. A failed load leaves the lifecycle in
// StateFailed, and the next request triggers a fresh attempt rather
// than reusing the stale error forever.
//
// Inference admission is a separate concern from loading: once ready,
// at most InferenceSlots embeddings run concurrently.
type Lifecycle struct {
	factory      Factory
	attempts     uint
	loadBackoff  time.Duration
	embedTimeout time.Duration
	slots        chan struct{}
	log          *slog.Logger

	mu           sync.Mutex
	state        State
	provider     Provider
	loadDone     chan struct{}
	lastErr      error
	resetPending bool
	loadedAt     time.Time
}

func NewLifecycle(cfg config.ModelConfig, factory Factory, log *slog.Logger) *Lifecycle {
	return &Lifecycle{
		factory:      factory,
		attempts:     uint(cfg.LoadAttempts),
		loadBackoff:  time.Duration(cfg.LoadBackoffMS) * time.Millisecond,
		embedTimeout: time.Duration(cfg.EmbedTimeoutMS) * time.Millisecond,
		slots:        make(chan struct{}, cfg.InferenceSlots),
		log:          log.With("component", "model.lifecycle"),
		state:        StateUnloaded,
	}
}

// Acquire returns the ready Provider, kicking off a load first if
// needed. Callers blocked on an in-flight load are released together
// when it settles.
func (l *Lifecycle) Acquire(ctx context.Context) (Provider, error) {
	l.mu.Lock()
	switch l.state {
	case StateReady:
		p := l.provider
		l.mu.Unlock()
		return p, nil
	case StateUnloaded, StateFailed:
		done := make(chan struct{})
		l.state = StateLoading
		l.loadDone = done
		go l.load(done)
	case StateLoading:
		// join the in-flight load
	}
	done := l.loadDone
	l.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateReady {
		return l.provider, nil
	}
	return nil, fault.Wrap(fault.KindServiceUnavailable, l.lastErr, "model is not available")
}

// load runs detached from any request context: a caller giving up must
// not cancel the load that other callers are waiting on.
func (l *Lifecycle) load(done chan struct{}) {
	started := time.Now()
	l.log.Info("loading model", "attempts", l.attempts)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.loadBackoff

	provider, err := backoff.Retry(context.Background(),
		func() (Provider, error) {
			p, err := l.factory(context.Background())
			if err != nil {
				l.log.Warn("model load attempt failed", "error", err)
			}
			return p, err
		},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(l.attempts),
	)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.resetPending {
		// A reset arrived mid-load; discard whatever we got.
		l.resetPending = false
		if provider != nil {
			provider.Close()
		}
		l.state = StateUnloaded
		l.provider = nil
		l.lastErr = nil
		l.log.Info("model load discarded by reset")
		close(done)
		return
	}

	if err != nil {
		l.state = StateFailed
		l.provider = nil
		l.lastErr = err
		l.log.Error("model load failed", "error", err, "elapsed", time.Since(started))
	} else {
		l.state = StateReady
		l.provider = provider
		l.lastErr = nil
		l.loadedAt = time.Now()
		l.log.Info("model ready", "elapsed", time.Since(started), "dimension", provider.Dimension())
	}
	close(done)
}

// Embed runs one inference through the admission gate. Inference
// failures are request-scoped and never transition the lifecycle out
// of StateReady.
func (l *Lifecycle) Embed(ctx context.Context, sample audio.Normalized) ([]float32, error) {
	provider, err := l.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-l.slots }()

	if l.embedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.embedTimeout)
		defer cancel()
	}

	vec, err := provider.Embed(ctx, sample)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fault.Wrap(fault.KindModelInference, err, "embedding timed out")
		}
		if fault.KindOf(err) != fault.KindUnknown {
			return nil, err
		}
		return nil, fault.Wrap(fault.KindModelInference, err, "embedding failed")
	}
	return vec, nil
}

// Reset discards the current provider so the next request loads a
// fresh one. Settings changes like a new model path take effect here.
func (l *Lifecycle) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateLoading:
		l.resetPending = true
	case StateReady, StateFailed:
		if l.provider != nil {
			l.provider.Close()
		}
		l.provider = nil
		l.state = StateUnloaded
		l.lastErr = nil
		l.log.Info("model reset")
	}
}

// Status reports the current state, the load error if any, and the
// embedding dimension when the model is ready.
func (l *Lifecycle) Status() (State, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dim := 0
	if l.provider != nil {
		dim = l.provider.Dimension()
	}
	return l.state, dim, l.lastErr
}

// LoadedAt returns when the current provider became ready, zero if it
// is not loaded.
func (l *Lifecycle) LoadedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateReady {
		return time.Time{}
	}
	return l.loadedAt
}

// Close shuts the provider down. Safe to call once at shutdown.
func (l *Lifecycle) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.provider != nil {
		err := l.provider.Close()
		l.provider = nil
		l.state = StateUnloaded
		return err
	}
	return nil
}
