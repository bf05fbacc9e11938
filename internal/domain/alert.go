package domain

import "time"

// AlertSeverity ranks how urgently an alert needs attention.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus tracks whether anyone has dealt with the alert yet.
type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

// Alert is a standing notification raised by the monitoring services when a
// run fails, times out, or drifts past a performance threshold.
type Alert struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id,omitempty"`
	Severity   AlertSeverity     `json:"severity"`
	Status     AlertStatus       `json:"status"`
	Kind       string            `json:"kind"`
	Message    string            `json:"message"`
	Context    map[string]string `json:"context,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}
