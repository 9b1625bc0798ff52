package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/attestlabs/voicegate/internal/config"
	"github.com/attestlabs/voicegate/internal/fault"
)

// Resolver stages an Input as a local file. Uploaded bytes and remote
// URLs are written into the stage directory and must be released via
// the returned cleanup func; local paths are served in place after a
// traversal check against the allow-listed root.
type Resolver struct {
	cfg      config.AudioConfig
	settings *config.Store
	client   *http.Client
	log      *slog.Logger
}

func NewResolver(cfg config.AudioConfig, settings *config.Store, log *slog.Logger) *Resolver {
	return &Resolver{
		cfg:      cfg,
		settings: settings,
		client: &http.Client{
			Timeout: time.Duration(cfg.FetchTimeoutMS) * time.Millisecond,
		},
		log: log.With(slog.String("component", "audio-resolver")),
	}
}

var noopCleanup = func() {}

// Resolve returns a local file path for the input plus a cleanup func
// that is always non-nil and safe to call on every exit path.
func (r *Resolver) Resolve(ctx context.Context, in Input) (string, func(), error) {
	if err := in.validate(); err != nil {
		return "", noopCleanup, err
	}

	switch {
	case in.Upload != nil:
		return r.stageUpload(in.Upload)
	case in.URL != "":
		return r.fetchRemote(ctx, in.URL)
	default:
		return r.checkLocal(in.Path)
	}
}

func (r *Resolver) stageUpload(up *Upload) (string, func(), error) {
	limits := r.settings.Get()
	if err := r.checkExtension(up.Filename, limits.AllowedExts); err != nil {
		return "", noopCleanup, err
	}
	return r.stage(up.Data, filepath.Ext(up.Filename), limits.MaxFileSize, fault.KindInvalidInput)
}

func (r *Resolver) fetchRemote(ctx context.Context, rawURL string) (string, func(), error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", noopCleanup, fault.New(fault.KindInvalidInput, "audio URL must be http or https: %q", rawURL)
	}

	limits := r.settings.Get()
	if ext := filepath.Ext(parsed.Path); ext != "" {
		if err := r.checkExtension(parsed.Path, limits.AllowedExts); err != nil {
			return "", noopCleanup, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", noopCleanup, fault.Wrap(fault.KindRemoteFetch, err, "build fetch request for %q", rawURL)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", noopCleanup, fault.Wrap(fault.KindRemoteFetch, err, "fetch audio from %q", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", noopCleanup, fault.New(fault.KindRemoteFetch, "fetch audio from %q: status %s", rawURL, resp.Status)
	}

	ext := filepath.Ext(parsed.Path)
	if ext == "" {
		ext = ".audio"
	}
	return r.stage(resp.Body, ext, limits.MaxFileSize, fault.KindRemoteFetch)
}

func (r *Resolver) checkLocal(path string) (string, func(), error) {
	root, err := filepath.Abs(r.cfg.LocalRoot)
	if err != nil {
		return "", noopCleanup, fmt.Errorf("resolve local root: %w", err)
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", noopCleanup, fault.Wrap(fault.KindInvalidInput, err, "resolve audio path %q", path)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", noopCleanup, fault.New(fault.KindPathTraversal, "audio path %q escapes the allowed root", path)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", noopCleanup, fault.Wrap(fault.KindInvalidInput, err, "audio file not found: %q", path)
	}
	return abs, noopCleanup, nil
}

// stage copies src into the stage directory, enforcing the size cap
// while buffering so oversized payloads are rejected before they land.
func (r *Resolver) stage(src io.Reader, ext string, maxSize int64, copyKind fault.Kind) (string, func(), error) {
	if err := os.MkdirAll(r.cfg.StageDir, 0o755); err != nil {
		return "", noopCleanup, fmt.Errorf("create stage dir: %w", err)
	}
	path := filepath.Join(r.cfg.StageDir, fmt.Sprintf("voicegate_%s%s", uuid.NewString(), ext))
	out, err := os.Create(path)
	if err != nil {
		return "", noopCleanup, fmt.Errorf("create staged file: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("failed to remove staged audio", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	written, err := io.Copy(out, io.LimitReader(src, maxSize+1))
	closeErr := out.Close()
	if err != nil {
		cleanup()
		return "", noopCleanup, fault.Wrap(copyKind, err, "buffer audio payload")
	}
	if closeErr != nil {
		cleanup()
		return "", noopCleanup, fmt.Errorf("close staged file: %w", closeErr)
	}
	if written > maxSize {
		cleanup()
		return "", noopCleanup, fault.New(fault.KindFileTooLarge, "audio payload exceeds %d bytes", maxSize)
	}
	return path, cleanup, nil
}

func (r *Resolver) checkExtension(name string, allowed []string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return fault.New(fault.KindUnsupportedFormat, "file %q has no extension", name)
	}
	for _, a := range allowed {
		if ext == strings.ToLower(a) {
			return nil
		}
	}
	return fault.New(fault.KindUnsupportedFormat, "file type %q not allowed (allowed: %s)", ext, strings.Join(allowed, ", "))
}
