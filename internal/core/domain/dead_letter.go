package domain

import (
	"encoding/json"
	"time"
)

// DLQEntry represents an operation that exhausted its retries.
type DLQEntry struct {
	ID            string            `json:"id"`
	PrincipalID   string            `json:"principal_id"`
	SubjectID     string            `json:"subject_id"`
	OperationType OperationType     `json:"operation_type"`
	Payload       json.RawMessage   `json:"payload"`
	Error         ErrorSnapshot     `json:"error"`
	AttemptCount  int               `json:"attempt_count"`
	Status        DLQStatus         `json:"status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Result        json.RawMessage   `json:"result,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

type DLQStatus string

const (
	DLQStatusPending   DLQStatus = "PENDING"
	DLQStatusRetrying  DLQStatus = "RETRYING"
	DLQStatusCompleted DLQStatus = "COMPLETED"
	DLQStatusFailed    DLQStatus = "FAILED"
	DLQStatusCancelled DLQStatus = "CANCELLED"
)

// AllDLQStatuses lists statuses in lifecycle order.
var AllDLQStatuses = []DLQStatus{
	DLQStatusPending,
	DLQStatusRetrying,
	DLQStatusCompleted,
	DLQStatusFailed,
	DLQStatusCancelled,
}

// Terminal reports whether an entry in this status may be auto-deleted.
func (s DLQStatus) Terminal() bool {
	return s == DLQStatusCompleted || s == DLQStatusCancelled
}

// ErrorSnapshot captures a failure at the time it was recorded.
type ErrorSnapshot struct {
	Message    string    `json:"message"`
	Category   Category  `json:"category"`
	Code       string    `json:"code,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Retryable  bool      `json:"retryable"`
	Elapsed    string    `json:"elapsed,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
