// Package fault defines the error taxonomy shared by the request
// pipeline. Every failure a handler can surface maps to a Kind, and
// every Kind maps to an HTTP status, so classification happens once
// at the boundary instead of ad hoc in each handler.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// KindUnknown covers wrapped errors that carry no taxonomy kind.
	KindUnknown Kind = iota
	KindInvalidInput
	KindUnsupportedFormat
	KindFileTooLarge
	KindPathTraversal
	KindRemoteFetch
	KindDecode
	KindDurationOutOfRange
	KindDimensionMismatch
	KindModelInference
	KindServiceUnavailable
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindFileTooLarge:
		return "file_too_large"
	case KindPathTraversal:
		return "path_traversal"
	case KindRemoteFetch:
		return "remote_fetch_error"
	case KindDecode:
		return "decode_error"
	case KindDurationOutOfRange:
		return "duration_out_of_range"
	case KindDimensionMismatch:
		return "dimension_mismatch"
	case KindModelInference:
		return "model_inference_error"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindValidation:
		return "validation_error"
	default:
		return "unknown"
	}
}

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// KindOf extracts the taxonomy kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a classified error to the response status the
// handlers emit. Unclassified errors are treated as internal.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput, KindUnsupportedFormat, KindPathTraversal,
		KindRemoteFetch, KindDecode, KindDurationOutOfRange,
		KindDimensionMismatch, KindValidation:
		return http.StatusBadRequest
	case KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
