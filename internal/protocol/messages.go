// Package protocol defines the event subjects and payloads published
// on the bus when event emission is enabled.
package protocol

import "time"

const (
	// SubjectVerificationCompleted carries one VerificationEvent per
	// finished verification, batch items included.
	SubjectVerificationCompleted = "voicegate.verification.completed"
)

// VerificationEvent is the bus payload for a completed verification.
// It carries the decision, never the audio.
type VerificationEvent struct {
	RequestID  string    `json:"request_id"`
	Endpoint   string    `json:"endpoint"`
	Verified   bool      `json:"verified"`
	Score      float64   `json:"score"`
	Threshold  float64   `json:"threshold"`
	Confidence string    `json:"confidence"`
	OccurredAt time.Time `json:"occurred_at"`
}
