package models

import "time"

// DeliveryMode selects how matched events reach a subscriber.
type DeliveryMode string

const (
	ModeWebhook DeliveryMode = "webhook"
	ModeStream  DeliveryMode = "stream"
)

// RetryPolicy bounds the webhook retry schedule for one subscription.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// Subscription binds a rule to a delivery target. Mutations are limited to
// enable/disable and retry-policy updates; everything else is fixed at
// creation.
type Subscription struct {
	ID          string       `json:"id"`
	Target      string       `json:"target"`
	Mode        DeliveryMode `json:"mode"`
	Rule        string       `json:"rule"`
	RetryPolicy RetryPolicy  `json:"retry_policy"`
	CreatedAt   time.Time    `json:"created_at"`
	Active      bool         `json:"active"`
}

// AttemptOutcome classifies one delivery try.
type AttemptOutcome string

const (
	OutcomeSuccess          AttemptOutcome = "success"
	OutcomeTransientFailure AttemptOutcome = "transient_failure"
	OutcomePermanentFailure AttemptOutcome = "permanent_failure"
)

// DeliveryAttempt records one dispatch try. Attempts live only in the
// dispatcher's in-flight bookkeeping unless the task dead-letters.
type DeliveryAttempt struct {
	SubscriptionID string         `json:"subscription_id"`
	EventID        string         `json:"event_id"`
	AttemptNumber  int            `json:"attempt_number"`
	Outcome        AttemptOutcome `json:"outcome"`
	Error          string         `json:"error,omitempty"`
	NextRetryAt    time.Time      `json:"next_retry_at,omitempty"`
}

// DeadLetter is the terminal record of a delivery that exhausted its retry
// budget. Retained until purged or replayed.
type DeadLetter struct {
	EventID        string            `json:"event_id"`
	SubscriptionID string            `json:"subscription_id"`
	Event          StoredEvent       `json:"event"`
	Attempts       []DeliveryAttempt `json:"attempts"`
	FinalError     string            `json:"final_error"`
	CreatedAt      time.Time         `json:"created_at"`
}
