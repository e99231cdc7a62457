// Package model defines the durable work-buffer's core entities, the
// way the teacher's internal/messages/models.go defines the SMS domain
// entities.
package model

import (
	"time"

	"github.com/google/uuid"
)

// State is one of the terminal or transient lifecycle states a Message
// moves through.
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateDLQ        State = "DLQ"
	StateTimeout    State = "TIMEOUT"
)

// Priority orders pending messages; lower value wins.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// ParsePriority normalizes an arbitrary producer-supplied priority value
// (an int in {0..3} or a case-insensitive name) to a Priority, defaulting
// unknown names to NORMAL per the admission rules.
func ParsePriority(v any) Priority {
	switch x := v.(type) {
	case nil:
		return PriorityNormal
	case Priority:
		return normalizeInt(int(x))
	case int:
		return normalizeInt(x)
	case int64:
		return normalizeInt(int(x))
	case float64:
		return normalizeInt(int(x))
	case string:
		switch upper(x) {
		case "CRITICAL":
			return PriorityCritical
		case "HIGH":
			return PriorityHigh
		case "NORMAL":
			return PriorityNormal
		case "LOW":
			return PriorityLow
		default:
			return PriorityNormal
		}
	default:
		return PriorityNormal
	}
}

func normalizeInt(n int) Priority {
	switch n {
	case 0, 1, 2, 3:
		return Priority(n)
	default:
		return PriorityNormal
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

// ErrorEntry is one recorded failure in a Message's error history.
type ErrorEntry struct {
	Message       string    `json:"message"`
	Code          string    `json:"code"`
	Stack         string    `json:"stack,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	AttemptNumber int       `json:"attemptNumber"`
}

// Metadata carries the well-known correlation fields plus a free-form
// bag for caller-supplied extras.
type Metadata struct {
	CorrelationID string         `json:"correlationId,omitempty"`
	Source        string         `json:"source,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	TenantID      string         `json:"tenantId"`
	TraceID       string         `json:"traceId,omitempty"`
	Custom        map[string]any `json:"custom,omitempty"`
}

// Message is the unit of durable work, mirroring the data model's
// Message entity.
type Message struct {
	ID                  uuid.UUID      `json:"messageId"`
	Type                string         `json:"type"`
	Priority            Priority       `json:"priority"`
	State               State          `json:"state"`
	Payload             map[string]any `json:"payload"`
	Metadata            Metadata       `json:"metadata"`
	AttemptCount        int            `json:"attemptCount"`
	MaxRetries          int            `json:"maxRetries"`
	VisibleAt           time.Time      `json:"visibleAt"`
	ProcessingStartedAt *time.Time     `json:"processingStartedAt,omitempty"`
	LastProcessedAt     *time.Time     `json:"lastProcessedAt,omitempty"`
	CompletedAt         *time.Time     `json:"completedAt,omitempty"`
	WorkerID            string         `json:"workerId,omitempty"`
	Errors              []ErrorEntry   `json:"errors"`
	LastError           *ErrorEntry    `json:"lastError,omitempty"`
	IdempotencyKey      string         `json:"idempotencyKey,omitempty"`
	Result              map[string]any `json:"result,omitempty"`
	ExpiresAt           *time.Time     `json:"expiresAt,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// Stats is the aggregate snapshot returned by Store.GetStats.
type Stats struct {
	Pending          int64
	Processing       int64
	Completed        int64
	Failed           int64
	DLQ              int64
	Total            int64
	OldestPendingAge time.Duration
}

// CreateRequest is the Store.Create input, mirroring §4.1's enumerated
// fields.
type CreateRequest struct {
	Type              string
	Payload           map[string]any
	Priority          Priority
	Metadata          Metadata
	IdempotencyKey    string
	MaxRetries        int
	VisibilityDelayMs int64
}

// DLQRetryOptions parametrizes the DLQ Retry/RetryBatch/RetryByType
// management operations.
type DLQRetryOptions struct {
	ResetAttempts     bool
	MaxRetries        *int
	VisibilityDelayMs int64
}

// ErrorPattern summarizes one recurring DLQ failure signature.
type ErrorPattern struct {
	ErrorCode        string
	ErrorMessage     string
	Count            int
	SampleMessageIDs []uuid.UUID
}

// DLQStats is the aggregate snapshot returned by the management
// interface's GetStats.
type DLQStats struct {
	Total            int64
	ByType           map[string]int64
	OldestMessageAge time.Duration
}
