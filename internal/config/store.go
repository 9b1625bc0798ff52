package config

import (
	"strings"
	"sync/atomic"

	"github.com/attestlabs/voicegate/internal/fault"
)

// Settings is the runtime-mutable slice of configuration. Readers get
// an immutable snapshot; updates replace the whole snapshot at once so
// no reader ever observes a half-applied change.
type Settings struct {
	ModelPath   string   `json:"model_path"`
	Device      string   `json:"device"`
	Threshold   float64  `json:"threshold"`
	MaxFileSize int64    `json:"max_file_size"`
	AllowedExts []string `json:"allowed_extensions"`
}

// Patch carries an administrative update. Nil fields are left as-is.
type Patch struct {
	Threshold   *float64 `json:"threshold,omitempty"`
	ModelPath   *string  `json:"model_path,omitempty"`
	Device      *string  `json:"device,omitempty"`
	MaxFileSize *int64   `json:"max_file_size,omitempty"`
	AllowedExts []string `json:"allowed_extensions,omitempty"`
}

// Store holds the current Settings snapshot behind an atomic pointer.
type Store struct {
	current atomic.Pointer[Settings]
}

func NewStore(initial Settings) *Store {
	s := &Store{}
	snap := initial.clone()
	s.current.Store(&snap)
	return s
}

// Get returns a copy of the current snapshot.
func (s *Store) Get() Settings {
	return s.current.Load().clone()
}

// Update validates the patch and atomically swaps in a new snapshot.
// On validation failure the previous snapshot stays in effect.
func (s *Store) Update(p Patch) (Settings, error) {
	if err := p.validate(); err != nil {
		return s.Get(), err
	}
	for {
		old := s.current.Load()
		next := old.clone()
		if p.Threshold != nil {
			next.Threshold = *p.Threshold
		}
		if p.ModelPath != nil {
			next.ModelPath = *p.ModelPath
		}
		if p.Device != nil {
			next.Device = *p.Device
		}
		if p.MaxFileSize != nil {
			next.MaxFileSize = *p.MaxFileSize
		}
		if len(p.AllowedExts) > 0 {
			next.AllowedExts = normalizeExts(p.AllowedExts)
		}
		if s.current.CompareAndSwap(old, &next) {
			return next.clone(), nil
		}
	}
}

func (p Patch) validate() error {
	if p.Threshold != nil && (*p.Threshold < 0 || *p.Threshold > 1) {
		return fault.New(fault.KindValidation, "threshold must be within [0,1], got %v", *p.Threshold)
	}
	if p.ModelPath != nil && strings.TrimSpace(*p.ModelPath) == "" {
		return fault.New(fault.KindValidation, "model_path must not be empty")
	}
	if p.MaxFileSize != nil && *p.MaxFileSize <= 0 {
		return fault.New(fault.KindValidation, "max_file_size must be positive, got %d", *p.MaxFileSize)
	}
	for _, ext := range p.AllowedExts {
		if strings.TrimSpace(ext) == "" {
			return fault.New(fault.KindValidation, "allowed_extensions must not contain empty entries")
		}
	}
	return nil
}

func (s *Settings) clone() Settings {
	out := *s
	out.AllowedExts = append([]string(nil), s.AllowedExts...)
	return out
}

func normalizeExts(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		out = append(out, strings.TrimPrefix(ext, "."))
	}
	return out
}
