package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/attestlabs/voicegate/internal/audio"
	"github.com/attestlabs/voicegate/internal/config"
	"github.com/attestlabs/voicegate/internal/model"
	"github.com/attestlabs/voicegate/internal/monitor"
	"github.com/attestlabs/voicegate/internal/verify"
)

type testGateway struct {
	handler   http.Handler
	monitor   *monitor.Monitor
	lifecycle *model.Lifecycle
	localRoot string
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Audio.LocalRoot = t.TempDir()
	cfg.Audio.StageDir = t.TempDir()
	cfg.Model.LoadBackoffMS = 1

	settings := config.NewStore(config.Settings{
		ModelPath:   cfg.Model.Path,
		Device:      cfg.Model.Device,
		Threshold:   cfg.Verify.Threshold,
		MaxFileSize: cfg.Audio.MaxFileSize,
		AllowedExts: cfg.Audio.AllowedExts,
	})

	factory, err := model.NewFactory(cfg.Model, settings, log)
	if err != nil {
		t.Fatalf("build factory: %v", err)
	}
	lifecycle := model.NewLifecycle(cfg.Model, factory, log)
	t.Cleanup(func() { _ = lifecycle.Close() })

	resolver := audio.NewResolver(cfg.Audio, settings, log)
	normalizer := audio.NewNormalizer(cfg.Audio)
	engine := verify.NewEngine(resolver, normalizer, lifecycle, settings, cfg.Verify, log)
	mon := monitor.New(cfg.Monitor.HistorySize, nil, log)

	srv := New(cfg, settings, engine, lifecycle, mon, nil, log)
	return &testGateway{
		handler:   srv.Handler(),
		monitor:   mon,
		lifecycle: lifecycle,
		localRoot: cfg.Audio.LocalRoot,
	}
}

func wavBytes(t *testing.T, freq, seconds float64) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	writeWAVFile(t, path, freq, seconds)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func writeWAVFile(t *testing.T, path string, freq, seconds float64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	rate := 16000
	frames := int(seconds * float64(rate))
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: rate},
		SourceBitDepth: 16,
		Data:           make([]int, frames),
	}
	for i := range buf.Data {
		buf.Data[i] = int(0.4 * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
}

func multipartBody(t *testing.T, files map[string][]byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for name, data := range files {
		part, err := w.CreateFormFile(name, name+".wav")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		part.Write(data)
	}
	for name, value := range fields {
		w.WriteField(name, value)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return body, w.FormDataContentType()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	gw := newTestGateway(t)
	rec := doJSON(t, gw.handler, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp healthResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "healthy" {
		t.Fatalf("unexpected status: %s", resp.Status)
	}
	if resp.ModelLoaded {
		t.Fatal("model must not be loaded before the first request")
	}
}

func TestVerifyMultipartIdenticalAudio(t *testing.T) {
	gw := newTestGateway(t)
	clip := wavBytes(t, 440, 1.0)

	body, contentType := multipartBody(t, map[string][]byte{"audio1": clip, "audio2": clip}, nil)
	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp verifyResponse
	decodeBody(t, rec, &resp)
	if !resp.Success || !resp.IsSameSpeaker {
		t.Fatalf("identical audio must verify: %+v", resp)
	}
	if math.Abs(resp.Score-1.0) > 1e-4 {
		t.Fatalf("expected score ~1, got %v", resp.Score)
	}
	if resp.Threshold != 0.5 {
		t.Fatalf("expected stored threshold reported, got %v", resp.Threshold)
	}
}

func TestVerifyShortAudioRejected(t *testing.T) {
	gw := newTestGateway(t)
	clip := wavBytes(t, 440, 0.3)

	body, contentType := multipartBody(t, map[string][]byte{"audio1": clip, "audio2": clip}, nil)
	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp errorResponse
	decodeBody(t, rec, &resp)
	if resp.Success || resp.Error == "" {
		t.Fatalf("expected error envelope, got %+v", resp)
	}

	stats := gw.monitor.Stats()
	if stats.ErrorRequests != 1 {
		t.Fatalf("rejected request must count as error, got %+v", stats)
	}
}

func TestVerifyModelUnavailable(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Audio.LocalRoot = t.TempDir()
	cfg.Audio.StageDir = t.TempDir()
	cfg.Model.LoadAttempts = 1
	cfg.Model.LoadBackoffMS = 1

	settings := config.NewStore(config.Settings{
		ModelPath:   cfg.Model.Path,
		Device:      cfg.Model.Device,
		Threshold:   cfg.Verify.Threshold,
		MaxFileSize: cfg.Audio.MaxFileSize,
		AllowedExts: cfg.Audio.AllowedExts,
	})

	factory := model.Factory(func(ctx context.Context) (model.Provider, error) {
		return nil, errors.New("model weights missing")
	})
	lifecycle := model.NewLifecycle(cfg.Model, factory, log)
	t.Cleanup(func() { _ = lifecycle.Close() })

	resolver := audio.NewResolver(cfg.Audio, settings, log)
	normalizer := audio.NewNormalizer(cfg.Audio)
	engine := verify.NewEngine(resolver, normalizer, lifecycle, settings, cfg.Verify, log)
	mon := monitor.New(cfg.Monitor.HistorySize, nil, log)
	handler := New(cfg, settings, engine, lifecycle, mon, nil, log).Handler()

	clip := wavBytes(t, 440, 1.0)
	body, contentType := multipartBody(t, map[string][]byte{"audio1": clip, "audio2": clip}, nil)
	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp errorResponse
	decodeBody(t, rec, &resp)
	if resp.Success || resp.Error == "" {
		t.Fatalf("expected error envelope, got %+v", resp)
	}

	stats := mon.Stats()
	if stats.ErrorRequests != 1 {
		t.Fatalf("failed load must count as error, got %+v", stats)
	}
}

func TestVerifyThresholdOverride(t *testing.T) {
	gw := newTestGateway(t)
	clip := wavBytes(t, 440, 1.0)

	body, contentType := multipartBody(t,
		map[string][]byte{"audio1": clip, "audio2": clip},
		map[string]string{"threshold": "0.9"})
	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)

	var resp verifyResponse
	decodeBody(t, rec, &resp)
	if resp.Threshold != 0.9 {
		t.Fatalf("expected override threshold in response, got %v", resp.Threshold)
	}

	// invalid override is rejected before any audio work
	body, contentType = multipartBody(t,
		map[string][]byte{"audio1": clip, "audio2": clip},
		map[string]string{"threshold": "1.7"})
	req = httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range threshold, got %d", rec.Code)
	}
}

func TestVerifyBatchJSON(t *testing.T) {
	gw := newTestGateway(t)
	writeWAVFile(t, filepath.Join(gw.localRoot, "ref.wav"), 440, 1.0)
	writeWAVFile(t, filepath.Join(gw.localRoot, "match.wav"), 440, 1.0)
	if err := os.WriteFile(filepath.Join(gw.localRoot, "broken.wav"), []byte("junk"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	rec := doJSON(t, gw.handler, http.MethodPost, "/verify_batch", map[string]any{
		"reference": map[string]string{"path": "ref.wav"},
		"candidates": []map[string]string{
			{"path": "match.wav"},
			{"path": "broken.wav"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp batchResponse
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.Total != 2 || resp.SuccessCount != 1 || resp.ErrorCount != 1 {
		t.Fatalf("unexpected batch response: %+v", resp)
	}
	if resp.Results[0].Result == nil || !resp.Results[0].Result.IsSameSpeaker {
		t.Fatalf("matching candidate must verify: %+v", resp.Results[0])
	}
	if resp.Results[1].Error == "" || resp.Results[1].Result != nil {
		t.Fatalf("broken candidate must carry its error: %+v", resp.Results[1])
	}
}

func TestExtractAndCompareEmbeddings(t *testing.T) {
	gw := newTestGateway(t)
	clip := wavBytes(t, 440, 1.0)

	body, contentType := multipartBody(t, map[string][]byte{"audio": clip}, nil)
	req := httptest.NewRequest(http.MethodPost, "/extract_embedding", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var extracted extractResponse
	decodeBody(t, rec, &extracted)
	if !extracted.Success || extracted.Dimension != 192 || len(extracted.Embedding) != 192 {
		t.Fatalf("unexpected extraction: dim=%d len=%d", extracted.Dimension, len(extracted.Embedding))
	}

	cmp := doJSON(t, gw.handler, http.MethodPost, "/compare_embeddings", map[string]any{
		"embedding1": extracted.Embedding,
		"embedding2": extracted.Embedding,
	})
	if cmp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", cmp.Code, cmp.Body.String())
	}
	var compared compareResponse
	decodeBody(t, cmp, &compared)
	if !compared.IsSameSpeaker || math.Abs(compared.Similarity-1.0) > 1e-4 {
		t.Fatalf("identical embeddings must match: %+v", compared)
	}

	mismatch := doJSON(t, gw.handler, http.MethodPost, "/compare_embeddings", map[string]any{
		"embedding1": []float32{1, 0},
		"embedding2": []float32{1, 0, 0},
	})
	if mismatch.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for dimension mismatch, got %d", mismatch.Code)
	}
}

func TestConfigEndpoints(t *testing.T) {
	gw := newTestGateway(t)

	rec := doJSON(t, gw.handler, http.MethodGet, "/config", nil)
	var got struct {
		Success bool            `json:"success"`
		Config  config.Settings `json:"config"`
	}
	decodeBody(t, rec, &got)
	if !got.Success || got.Config.Threshold != 0.5 {
		t.Fatalf("unexpected config: %+v", got)
	}

	rec = doJSON(t, gw.handler, http.MethodPost, "/config", map[string]any{"threshold": 0.7})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &got)
	if got.Config.Threshold != 0.7 {
		t.Fatalf("expected updated threshold, got %+v", got.Config)
	}

	rec = doJSON(t, gw.handler, http.MethodPost, "/config", map[string]any{"threshold": 1.7})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid threshold, got %d", rec.Code)
	}
	rec = doJSON(t, gw.handler, http.MethodGet, "/config", nil)
	decodeBody(t, rec, &got)
	if got.Config.Threshold != 0.7 {
		t.Fatalf("rejected update must not change settings, got %+v", got.Config)
	}
}

func TestConfigModelPathChangeResetsLifecycle(t *testing.T) {
	gw := newTestGateway(t)
	clip := wavBytes(t, 440, 1.0)

	// load the model with one request
	body, contentType := multipartBody(t, map[string][]byte{"audio": clip}, nil)
	req := httptest.NewRequest(http.MethodPost, "/extract_embedding", body)
	req.Header.Set("Content-Type", contentType)
	gw.handler.ServeHTTP(httptest.NewRecorder(), req)

	state, _, _ := gw.lifecycle.Status()
	if state != model.StateReady {
		t.Fatalf("expected ready model, got %v", state)
	}

	rec := doJSON(t, gw.handler, http.MethodPost, "/config", map[string]any{
		"model_path": "speechbrain/spkrec-xvect-voxceleb",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	state, _, _ = gw.lifecycle.Status()
	if state != model.StateUnloaded {
		t.Fatalf("model path change must reset the lifecycle, got %v", state)
	}
}

func TestIndexAndModels(t *testing.T) {
	gw := newTestGateway(t)

	rec := doJSON(t, gw.handler, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var banner bannerResponse
	decodeBody(t, rec, &banner)
	if banner.Service == "" || len(banner.Endpoints) == 0 {
		t.Fatalf("unexpected banner: %+v", banner)
	}

	rec = doJSON(t, gw.handler, http.MethodGet, "/models", nil)
	var models modelsResponse
	decodeBody(t, rec, &models)
	if !models.Success || len(models.AvailableModels) == 0 {
		t.Fatalf("unexpected models response: %+v", models)
	}
}

func TestUnknownRouteCountsAsError(t *testing.T) {
	gw := newTestGateway(t)
	rec := doJSON(t, gw.handler, http.MethodGet, "/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if stats := gw.monitor.Stats(); stats.ErrorRequests != 1 {
		t.Fatalf("404 must count as error, got %+v", stats)
	}
}
