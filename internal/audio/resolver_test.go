package audio

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/attestlabs/voicegate/internal/config"
	"github.com/attestlabs/voicegate/internal/fault"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore() *config.Store {
	return config.NewStore(config.Settings{
		ModelPath:   "test-model",
		Device:      "cpu",
		Threshold:   0.5,
		MaxFileSize: 1 << 20,
		AllowedExts: []string{"wav", "flac"},
	})
}

func newTestResolver(t *testing.T) (*Resolver, config.AudioConfig) {
	t.Helper()
	cfg := testAudioConfig(t)
	return NewResolver(cfg, testStore(), testLogger()), cfg
}

func TestResolveUploadStagesFile(t *testing.T) {
	r, cfg := newTestResolver(t)

	payload := []byte("fake wav bytes")
	path, cleanup, err := r.Resolve(context.Background(), FromUpload("clip.wav", bytes.NewReader(payload)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Dir(path) != cfg.StageDir {
		t.Fatalf("expected staged file under %s, got %s", cfg.StageDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(data, payload) {
		t.Fatalf("staged file mismatch: %v", err)
	}

	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("cleanup must remove the staged file")
	}
}

func TestResolveUploadRejectsExtension(t *testing.T) {
	r, _ := newTestResolver(t)
	_, _, err := r.Resolve(context.Background(), FromUpload("notes.txt", bytes.NewReader([]byte("x"))))
	if !fault.IsKind(err, fault.KindUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
	_, _, err = r.Resolve(context.Background(), FromUpload("noext", bytes.NewReader([]byte("x"))))
	if !fault.IsKind(err, fault.KindUnsupportedFormat) {
		t.Fatalf("expected unsupported format for missing extension, got %v", err)
	}
}

func TestResolveUploadEnforcesSizeCap(t *testing.T) {
	cfg := testAudioConfig(t)
	store := config.NewStore(config.Settings{
		MaxFileSize: 16,
		AllowedExts: []string{"wav"},
		ModelPath:   "m",
		Threshold:   0.5,
	})
	r := NewResolver(cfg, store, testLogger())

	big := bytes.Repeat([]byte("a"), 64)
	_, _, err := r.Resolve(context.Background(), FromUpload("big.wav", bytes.NewReader(big)))
	if !fault.IsKind(err, fault.KindFileTooLarge) {
		t.Fatalf("expected file too large, got %v", err)
	}

	entries, err := os.ReadDir(cfg.StageDir)
	if err != nil {
		t.Fatalf("read stage dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("oversized payload must not leave a staged file, found %d", len(entries))
	}
}

func TestResolveInputValidation(t *testing.T) {
	r, _ := newTestResolver(t)

	if _, _, err := r.Resolve(context.Background(), Input{}); !fault.IsKind(err, fault.KindInvalidInput) {
		t.Fatalf("expected invalid input for empty source, got %v", err)
	}
	both := Input{URL: "http://example.com/a.wav", Path: "a.wav"}
	if _, _, err := r.Resolve(context.Background(), both); !fault.IsKind(err, fault.KindInvalidInput) {
		t.Fatalf("expected invalid input for ambiguous source, got %v", err)
	}
}

func TestResolveLocalPath(t *testing.T) {
	r, cfg := newTestResolver(t)

	name := filepath.Join(cfg.LocalRoot, "ref.wav")
	if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	path, cleanup, err := r.Resolve(context.Background(), FromPath("ref.wav"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cleanup()
	if path != name {
		t.Fatalf("expected %s, got %s", name, path)
	}
	// local files are served in place, cleanup must not delete them
	if _, err := os.Stat(name); err != nil {
		t.Fatalf("local file must survive cleanup: %v", err)
	}
}

func TestResolveLocalPathTraversal(t *testing.T) {
	r, _ := newTestResolver(t)
	_, _, err := r.Resolve(context.Background(), FromPath("../../etc/passwd"))
	if !fault.IsKind(err, fault.KindPathTraversal) {
		t.Fatalf("expected path traversal, got %v", err)
	}
}

func TestResolveLocalPathMissing(t *testing.T) {
	r, _ := newTestResolver(t)
	_, _, err := r.Resolve(context.Background(), FromPath("absent.wav"))
	if !fault.IsKind(err, fault.KindInvalidInput) {
		t.Fatalf("expected invalid input for missing file, got %v", err)
	}
}

func TestResolveRemoteFetch(t *testing.T) {
	payload := []byte("remote wav bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	r, _ := newTestResolver(t)
	path, cleanup, err := r.Resolve(context.Background(), FromURL(srv.URL+"/clip.wav"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()

	data, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(data, payload) {
		t.Fatalf("fetched payload mismatch: %v", err)
	}
}

func TestResolveRemoteFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.NotFound(w, req)
	}))
	defer srv.Close()

	r, _ := newTestResolver(t)

	if _, _, err := r.Resolve(context.Background(), FromURL(srv.URL+"/gone.wav")); !fault.IsKind(err, fault.KindRemoteFetch) {
		t.Fatalf("expected remote fetch error, got %v", err)
	}
	if _, _, err := r.Resolve(context.Background(), FromURL("ftp://example.com/a.wav")); !fault.IsKind(err, fault.KindInvalidInput) {
		t.Fatalf("expected invalid input for bad scheme, got %v", err)
	}
}

func TestResolveRemoteFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := testAudioConfig(t)
	cfg.FetchTimeoutMS = 50
	r := NewResolver(cfg, testStore(), testLogger())

	start := time.Now()
	_, _, err := r.Resolve(context.Background(), FromURL(srv.URL+"/slow.wav"))
	if !fault.IsKind(err, fault.KindRemoteFetch) {
		t.Fatalf("expected remote fetch error, got %v", err)
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Fatal("fetch did not respect the configured timeout")
	}
}
