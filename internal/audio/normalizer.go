package audio

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"
	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/attestlabs/voicegate/internal/config"
	"github.com/attestlabs/voicegate/internal/fault"
)

// Normalized is mono audio at the target sample rate, owned by the
// request that produced it.
type Normalized struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the audio length in seconds.
func (n Normalized) Duration() float64 {
	if n.SampleRate == 0 {
		return 0
	}
	return float64(len(n.Samples)) / float64(n.SampleRate)
}

// Normalizer decodes audio files, downmixes to mono, resamples to the
// target rate, and enforces duration bounds. It is a stateless
// transform: a malformed input will not become valid on retry, so
// there is no retry logic here.
type Normalizer struct {
	cfg config.AudioConfig
}

func NewNormalizer(cfg config.AudioConfig) *Normalizer {
	return &Normalizer{cfg: cfg}
}

func (n *Normalizer) Normalize(path string) (Normalized, error) {
	file, err := os.Open(path)
	if err != nil {
		return Normalized{}, fault.Wrap(fault.KindDecode, err, "open audio file")
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return Normalized{}, fault.New(fault.KindDecode, "payload is not a decodable WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Normalized{}, fault.Wrap(fault.KindDecode, err, "decode WAV payload")
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return Normalized{}, fault.New(fault.KindDecode, "WAV payload has no usable format header")
	}

	mono := downmix(buf.Data, buf.Format.NumChannels, int(dec.BitDepth))

	duration := float64(len(mono)) / float64(buf.Format.SampleRate)
	if duration < n.cfg.MinDurationSec {
		return Normalized{}, fault.New(fault.KindDurationOutOfRange,
			"audio too short: %.2fs (min: %.2gs)", duration, n.cfg.MinDurationSec)
	}
	if duration > n.cfg.MaxDurationSec {
		return Normalized{}, fault.New(fault.KindDurationOutOfRange,
			"audio too long: %.2fs (max: %.2gs)", duration, n.cfg.MaxDurationSec)
	}

	samples, err := n.resample(mono, buf.Format.SampleRate)
	if err != nil {
		return Normalized{}, err
	}

	return Normalized{Samples: samples, SampleRate: n.cfg.SampleRate}, nil
}

// downmix averages interleaved channels into mono float64 samples
// scaled to [-1, 1].
func downmix(data []int, channels, bitDepth int) []float64 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))
	frames := len(data) / channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(data[i*channels+c])
		}
		mono[i] = sum / float64(channels) / scale
	}
	return mono
}

func (n *Normalizer) resample(mono []float64, srcRate int) ([]float32, error) {
	if srcRate == n.cfg.SampleRate {
		return toFloat32(mono), nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(n.cfg.SampleRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	out, err := rs.Process(mono)
	if err != nil {
		return nil, fault.Wrap(fault.KindDecode, err, "resample %d Hz to %d Hz", srcRate, n.cfg.SampleRate)
	}
	return toFloat32(out), nil
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		out[i] = float32(v)
	}
	return out
}
