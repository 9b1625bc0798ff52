package model

import (
	"fmt"
	"os"
	"path/filepath"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/attestlabs/voicegate/internal/audio"
)

// writeTempWAV serializes normalized audio to a 16-bit mono WAV in the
// OS temp dir. The caller removes the file when done.
func writeTempWAV(sample audio.Normalized) (string, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("voicegate_embed_%s.wav", uuid.NewString()))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create temp wav: %w", err)
	}

	enc := wav.NewEncoder(f, sample.SampleRate, 16, 1, 1)
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: sample.SampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(sample.Samples)),
	}
	for i, s := range sample.Samples {
		v := s
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		buf.Data[i] = int(v * 32767)
	}

	if err := enc.Write(buf); err != nil {
		enc.Close()
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("encode temp wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("finalize temp wav: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close temp wav: %w", err)
	}
	return path, nil
}
