// Package audio turns caller-supplied audio references into normalized
// sample buffers ready for embedding extraction.
package audio

import (
	"io"

	"github.com/attestlabs/voicegate/internal/fault"
)

// Upload is an in-flight uploaded file.
type Upload struct {
	Filename string
	Data     io.Reader
}

// Input is a tagged union over the three ways a caller can hand us
// audio. Exactly one variant must be set.
type Input struct {
	Upload *Upload
	URL    string
	Path   string
}

func FromUpload(filename string, data io.Reader) Input {
	return Input{Upload: &Upload{Filename: filename, Data: data}}
}

func FromURL(url string) Input {
	return Input{URL: url}
}

func FromPath(path string) Input {
	return Input{Path: path}
}

// Source returns a caller-facing label for the input, used to echo
// candidates back in batch results.
func (in Input) Source() string {
	switch {
	case in.Upload != nil:
		return in.Upload.Filename
	case in.URL != "":
		return in.URL
	default:
		return in.Path
	}
}

func (in Input) validate() error {
	variants := 0
	if in.Upload != nil {
		variants++
	}
	if in.URL != "" {
		variants++
	}
	if in.Path != "" {
		variants++
	}
	switch variants {
	case 1:
		return nil
	case 0:
		return fault.New(fault.KindInvalidInput, "missing audio source: provide an upload, a URL, or a path")
	default:
		return fault.New(fault.KindInvalidInput, "ambiguous audio source: provide exactly one of upload, URL, or path")
	}
}
