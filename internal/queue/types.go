package queue

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusHandling  Status = "handling"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no worker will ever claim the event again.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Outcome is the result of a single callback attempt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeError     Outcome = "error"
	OutcomeTimeout   Outcome = "timeout"
)

// Event is a row of scheduled_events.
type Event struct {
	ID          int64
	WebhookURL  string
	WebhookAuth string
	ExecuteAt   time.Time
	Status      Status
	Retries     int
	ClaimedBy   *string
	ClaimedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Claimed is the projection of an event handed to a worker by Claim.
type Claimed struct {
	ID          int64
	WebhookURL  string
	WebhookAuth string
	Retries     int
	ExecuteAt   time.Time
}

// Settlement is the new state of one claimed event plus the audit data for
// the attempt that produced it.
type Settlement struct {
	EventID        int64
	Outcome        Outcome
	Status         Status
	RetryIncrement int
	// ExecuteAt reschedules the event; nil keeps the current value.
	ExecuteAt  *time.Time
	StatusCode int
	Error      string
}

// LogEntry is a row of event_log.
type LogEntry struct {
	ID         int64
	ProcessID  string
	EventID    int64
	Outcome    Outcome
	StatusCode *int
	Error      *string
	CreatedAt  time.Time
}

// EnqueueRequest creates a pending event. A zero ExecuteAt means now.
type EnqueueRequest struct {
	WebhookURL  string
	WebhookAuth string
	ExecuteAt   time.Time
}

// Counts is the number of events per status.
type Counts map[Status]int

var (
	ErrEventNotFound = errors.New("event not found")
	ErrInvalidEvent  = errors.New("invalid event")
)

// ClaimError reports a failed claim. Nothing was mutated.
type ClaimError struct {
	ProcessID string
	Err       error
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("claim events for %s: %v", e.ProcessID, e.Err)
}

func (e *ClaimError) Unwrap() error { return e.Err }
