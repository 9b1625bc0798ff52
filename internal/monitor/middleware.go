package monitor

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"
)

// statusRecorder captures the response status and the head of the body
// so error responses can carry their message into the request history.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
	head   bytes.Buffer
}

const bodyCaptureLimit = 512

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.wrote = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	if r.head.Len() < bodyCaptureLimit {
		n := bodyCaptureLimit - r.head.Len()
		if n > len(b) {
			n = len(b)
		}
		r.head.Write(b[:n])
	}
	return r.ResponseWriter.Write(b)
}

// Middleware wraps the handler tree and records every request exactly
// once, whichever way the handler exits. A panicking handler still
// gets a 500 envelope and a history entry.
func (m *Monitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				m.log.Error("handler panicked", "endpoint", r.URL.Path, "panic", p)
				rec.status = http.StatusInternalServerError
				if !rec.wrote {
					rec.Header().Set("Content-Type", "application/json")
					rec.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(rec).Encode(map[string]any{
						"success": false,
						"error":   "internal server error",
					})
				}
			}
			record := Record{
				Timestamp: start,
				Endpoint:  r.URL.Path,
				Method:    r.Method,
				Status:    rec.status,
				Success:   rec.status < http.StatusBadRequest,
				ClientIP:  clientIP(r),
				Duration:  float64(time.Since(start).Microseconds()) / 1000.0,
			}
			if !record.Success {
				record.Error = errorMessage(rec.head.Bytes())
			}
			m.Observe(r.Context(), record)
		}()

		next.ServeHTTP(rec, r)
	})
}

// errorMessage pulls the error string out of a JSON error envelope,
// falling back to the raw head of the body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(string(body))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx != -1 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
