package webhookmon

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/veleda/pipetrack/internal/domain"
)

// TimelineEntry is one event in a webhook's life, oldest first.
type TimelineEntry struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

// ErrorReport is the human-facing diagnosis of a webhook failure: what
// happened when, how bad it is, and what to do about it.
type ErrorReport struct {
	WebhookID          string                 `json:"webhook_id"`
	RunID              string                 `json:"run_id,omitempty"`
	Source             string                 `json:"source"`
	Target             string                 `json:"target,omitempty"`
	Status             domain.WebhookStatus   `json:"status"`
	Category           domain.FailureCategory `json:"category,omitempty"`
	Severity           string                 `json:"severity"`
	Attempts           int                    `json:"attempts"`
	MaxAttemptsReached bool                   `json:"max_attempts_reached"`
	Timeline           []TimelineEntry        `json:"timeline"`
	Suggestions        []string               `json:"suggestions,omitempty"`
}

// ErrorReport builds the diagnosis for one tracked webhook.
func (m *Monitor) ErrorReport(ctx context.Context, id string) (*ErrorReport, error) {
	rec, err := m.webhooks.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &ErrorReport{
		WebhookID:          rec.ID,
		RunID:              rec.RunID,
		Source:             rec.Source,
		Target:             rec.Target,
		Status:             rec.Status,
		Category:           rec.Category,
		Severity:           failureSeverity(rec),
		Attempts:           len(rec.Attempts),
		MaxAttemptsReached: rec.MaxAttemptsReached,
		Timeline:           buildTimeline(rec),
		Suggestions:        suggestionsFor(rec),
	}
	return report, nil
}

func buildTimeline(rec *domain.WebhookRecord) []TimelineEntry {
	var entries []TimelineEntry

	received := "webhook received"
	if rec.Direction == domain.DirectionOutbound {
		received = "delivery requested"
	}
	entries = append(entries, TimelineEntry{At: rec.Timing.ReceivedAt, Event: received, Detail: rec.Source})

	if len(rec.ValidationErrors) > 0 {
		entries = append(entries, TimelineEntry{
			At:     rec.Timing.ReceivedAt,
			Event:  "validation failed",
			Detail: strings.Join(rec.ValidationErrors, "; "),
		})
	}
	if rec.Timing.SentAt != nil {
		entries = append(entries, TimelineEntry{At: *rec.Timing.SentAt, Event: "first attempt sent", Detail: rec.Target})
	}

	for _, att := range rec.Attempts {
		entry := TimelineEntry{At: att.Timestamp}
		switch {
		case att.Success:
			entry.Event = "delivered"
			entry.Detail = fmt.Sprintf("attempt %d answered %d", att.Attempt, att.StatusCode)
		case att.Delay > 0:
			entry.Event = "retry scheduled"
			entry.Detail = fmt.Sprintf("attempt %d failed (%s), next try in %s", att.Attempt, att.Reason, att.Delay)
		default:
			entry.Event = "attempt failed"
			entry.Detail = fmt.Sprintf("attempt %d: %s", att.Attempt, att.Reason)
		}
		entries = append(entries, entry)
	}

	if rec.Timing.ProcessedAt != nil {
		detail := string(rec.Status)
		if rec.MaxAttemptsReached {
			detail = "failed: retry ceiling reached"
		}
		entries = append(entries, TimelineEntry{At: *rec.Timing.ProcessedAt, Event: "resolved", Detail: detail})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
	return entries
}

func failureSeverity(rec *domain.WebhookRecord) string {
	if rec.Status == domain.WebhookStatusDelivered {
		return "none"
	}
	if rec.MaxAttemptsReached {
		return "critical"
	}
	switch rec.Category {
	case domain.FailureAuthentication, domain.FailurePayloadValidation:
		return "high"
	case domain.FailureRateLimit, domain.FailureServerError:
		return "medium"
	case domain.FailureNetwork, domain.FailureTimeout:
		return "medium"
	default:
		return "low"
	}
}

// suggestionsFor maps the failure category to remediation steps, most likely
// fix first.
func suggestionsFor(rec *domain.WebhookRecord) []string {
	if rec.Status == domain.WebhookStatusDelivered {
		return nil
	}
	var out []string
	switch rec.Category {
	case domain.FailureAuthentication:
		out = append(out,
			"verify the shared secret or signing key on both ends",
			"check whether the destination rotated its credentials",
		)
	case domain.FailurePayloadValidation:
		out = append(out,
			"compare the payload against the destination's expected schema",
			"check for required fields missing from the sender",
		)
	case domain.FailureRateLimit:
		out = append(out,
			"implement request throttling on the sender",
			"batch updates or reduce delivery frequency",
		)
	case domain.FailureServerError:
		out = append(out,
			"check the destination service's status and error logs",
			"retry once the destination outage clears",
		)
	case domain.FailureNetwork:
		out = append(out,
			"check DNS resolution and connectivity to the destination",
			"verify TLS certificates on the destination endpoint",
		)
	case domain.FailureTimeout:
		out = append(out,
			"check for slow processing on the destination",
			"raise the delivery timeout if the destination is known to be slow",
		)
	}
	if rec.MaxAttemptsReached {
		out = append(out, "replay the delivery manually once the cause is fixed")
	}
	return out
}
