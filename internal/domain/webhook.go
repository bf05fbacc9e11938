package domain

import "time"

// WebhookDirection distinguishes deliveries we receive from ones we send.
type WebhookDirection string

const (
	DirectionInbound  WebhookDirection = "inbound"
	DirectionOutbound WebhookDirection = "outbound"
)

// WebhookStatus is the delivery lifecycle of a tracked webhook.
type WebhookStatus string

const (
	WebhookStatusPending   WebhookStatus = "pending"
	WebhookStatusDelivered WebhookStatus = "delivered"
	WebhookStatusFailed    WebhookStatus = "failed"
	WebhookStatusRetrying  WebhookStatus = "retrying"
)

// Terminal reports whether the delivery reached a final outcome.
func (s WebhookStatus) Terminal() bool {
	return s == WebhookStatusDelivered || s == WebhookStatusFailed
}

// FailureCategory classifies why a webhook delivery failed. The category
// decides the retry policy: authentication and payload_validation failures
// are never retried.
type FailureCategory string

const (
	FailureAuthentication    FailureCategory = "authentication"
	FailurePayloadValidation FailureCategory = "payload_validation"
	FailureRateLimit         FailureCategory = "rate_limit"
	FailureServerError       FailureCategory = "server_error"
	FailureNetwork           FailureCategory = "network"
	FailureTimeout           FailureCategory = "timeout"
	FailureUnknown           FailureCategory = "unknown"
)

// Retryable reports whether the policy allows another delivery attempt.
func (c FailureCategory) Retryable() bool {
	return c != FailureAuthentication && c != FailurePayloadValidation
}

// ClassifyStatusCode maps an HTTP response code to a failure category.
// Code 0 means the request never produced a response.
func ClassifyStatusCode(code int) FailureCategory {
	switch {
	case code == 0:
		return FailureNetwork
	case code == 401 || code == 403:
		return FailureAuthentication
	case code == 400 || code == 422:
		return FailurePayloadValidation
	case code == 408:
		return FailureTimeout
	case code == 429:
		return FailureRateLimit
	case code >= 500:
		return FailureServerError
	default:
		return FailureUnknown
	}
}

// WebhookResponse is what the receiving end answered, if anything.
type WebhookResponse struct {
	StatusCode int               `json:"status_code"`
	Body       string            `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Latency    time.Duration     `json:"latency"`
}

// WebhookTiming tracks a delivery through its lifecycle. ProcessedAt is never
// earlier than ReceivedAt.
type WebhookTiming struct {
	SentAt      *time.Time `json:"sent_at,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// WebhookAuth records how the delivery authenticated and whether it passed.
type WebhookAuth struct {
	Method  string   `json:"method,omitempty"`
	Success bool     `json:"success"`
	Errors  []string `json:"errors,omitempty"`
}

// RetryAttempt records one delivery try. Delay is the wait scheduled before
// the next try, zero when none was scheduled.
type RetryAttempt struct {
	Attempt    int           `json:"attempt"`
	Timestamp  time.Time     `json:"timestamp"`
	Reason     string        `json:"reason,omitempty"`
	Success    bool          `json:"success"`
	StatusCode int           `json:"status_code,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"`
}

// WebhookRecord tracks one webhook through reception or delivery, retries and
// final disposition. Payloads are stored sanitized; raw secrets never persist.
type WebhookRecord struct {
	ID                 string           `json:"id"`
	RunID              string           `json:"run_id,omitempty"`
	Source             string           `json:"source"`
	Target             string           `json:"target,omitempty"`
	Direction          WebhookDirection `json:"direction"`
	Event              string           `json:"event,omitempty"`
	Stage              string           `json:"stage,omitempty"`
	Payload            map[string]any   `json:"payload,omitempty"`
	Status             WebhookStatus    `json:"status"`
	Category           FailureCategory  `json:"category,omitempty"`
	Response           *WebhookResponse `json:"response,omitempty"`
	Timing             WebhookTiming    `json:"timing"`
	Auth               *WebhookAuth     `json:"auth,omitempty"`
	Attempts           []RetryAttempt   `json:"attempts,omitempty"`
	MaxAttemptsReached bool             `json:"max_attempts_reached,omitempty"`
	ValidationErrors   []string         `json:"validation_errors,omitempty"`
	Warnings           []string         `json:"warnings,omitempty"`
}

// LastActivity returns the most recent timestamp recorded on the webhook,
// used to detect stalled deliveries.
func (r *WebhookRecord) LastActivity() time.Time {
	last := r.Timing.ReceivedAt
	if r.Timing.SentAt != nil && r.Timing.SentAt.After(last) {
		last = *r.Timing.SentAt
	}
	if r.Timing.ProcessedAt != nil && r.Timing.ProcessedAt.After(last) {
		last = *r.Timing.ProcessedAt
	}
	for _, a := range r.Attempts {
		if a.Timestamp.After(last) {
			last = a.Timestamp
		}
	}
	return last
}
