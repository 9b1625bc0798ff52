package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"github.com/attestlabs/voicegate/internal/audio"
	"github.com/attestlabs/voicegate/internal/config"
	"github.com/attestlabs/voicegate/internal/fault"
)

// HTTPProvider delegates inference to an embedding sidecar. The sidecar
// accepts a WAV body on POST /embed and answers with a JSON vector. A
// health probe at load time surfaces a dead sidecar as a load failure
// instead of a per-request one.
type HTTPProvider struct {
	endpoint  string
	modelPath string
	client    *http.Client
	dimension atomic.Int64
	log       *slog.Logger
}

type httpEmbedding struct {
	Embedding []float32 `json:"embedding"`
	Dimension int       `json:"dimension"`
	Error     string    `json:"error"`
}

func NewHTTPProvider(ctx context.Context, cfg config.ModelConfig, modelPath string, log *slog.Logger) (*HTTPProvider, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "parse model endpoint")
	}
	p := &HTTPProvider{
		endpoint:  endpoint,
		modelPath: modelPath,
		client:    &http.Client{},
		log:       log.With("component", "model.http"),
	}
	if err := p.ping(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *HTTPProvider) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health probe: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding sidecar unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("embedding sidecar unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (p *HTTPProvider) Embed(ctx context.Context, sample audio.Normalized) ([]float32, error) {
	wavPath, err := writeTempWAV(sample)
	if err != nil {
		return nil, err
	}
	defer os.Remove(wavPath)

	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, fmt.Errorf("read staged wav: %w", err)
	}

	target := p.endpoint + "/embed"
	if p.modelPath != "" {
		target += "?model=" + url.QueryEscape(p.modelPath)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindModelInference, err, "embedding sidecar request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindModelInference, err, "read embedding response")
	}

	var out httpEmbedding
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fault.Wrap(fault.KindModelInference, err, "decode embedding response")
	}
	if resp.StatusCode != http.StatusOK {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fault.New(fault.KindModelInference, "embedding sidecar rejected request: %s", msg)
	}
	if len(out.Embedding) == 0 {
		return nil, fault.New(fault.KindModelInference, "embedding sidecar returned an empty vector")
	}
	p.dimension.Store(int64(len(out.Embedding)))
	return out.Embedding, nil
}

func (p *HTTPProvider) Dimension() int { return int(p.dimension.Load()) }

func (p *HTTPProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
