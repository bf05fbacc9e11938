package webhookmon

import (
	"crypto/subtle"
	"fmt"

	"github.com/veleda/pipetrack/internal/domain"
)

// maxPayloadWarnBytes is the default soft payload ceiling. Oversized payloads
// are recorded with a warning, never rejected.
const maxPayloadWarnBytes = 1 << 20

// validation is the outcome of checking an inbound payload against the
// contract for its source.
type validation struct {
	errors   []string
	warnings []string
	auth     *domain.WebhookAuth
	event    string
}

func (v validation) ok() bool { return len(v.errors) == 0 }

// category maps the validation outcome to a failure category: broken auth
// material wins over shape problems.
func (v validation) category() domain.FailureCategory {
	if v.auth != nil && !v.auth.Success {
		return domain.FailureAuthentication
	}
	return domain.FailurePayloadValidation
}

// validatePayload checks the payload against the per-source contract. Unknown
// sources pass with a warning so new senders are observed, not dropped.
func validatePayload(source string, payload map[string]any, rawSize int64, secret string, sizeLimit int64) validation {
	var v validation
	if sizeLimit <= 0 {
		sizeLimit = maxPayloadWarnBytes
	}
	if rawSize > sizeLimit {
		v.warnings = append(v.warnings, fmt.Sprintf("payload size %d exceeds %d bytes", rawSize, sizeLimit))
	}
	if payload == nil {
		v.errors = append(v.errors, "payload is not a JSON object")
		return v
	}

	switch source {
	case "content-platform":
		validateContentPlatform(&v, payload, secret)
	case "control-plane":
		validateControlPlane(&v, payload)
	case "ci":
		validateCI(&v, payload)
	case "site":
		validateSite(&v, payload)
	default:
		v.warnings = append(v.warnings, fmt.Sprintf("no contract registered for source %q", source))
		v.event, _ = stringField(payload, "event")
	}
	return v
}

// validateContentPlatform checks the campaign-publish shape: a shared token,
// an event name, and the campaign identity under data.
func validateContentPlatform(v *validation, payload map[string]any, secret string) {
	token, _ := stringField(payload, "token")
	auth := &domain.WebhookAuth{Method: "shared_token"}
	switch {
	case token == "":
		auth.Errors = append(auth.Errors, "missing token")
	case secret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1:
		auth.Errors = append(auth.Errors, "token mismatch")
	default:
		auth.Success = true
	}
	v.auth = auth
	if !auth.Success {
		v.errors = append(v.errors, auth.Errors...)
	}

	event, ok := stringField(payload, "event")
	if !ok {
		v.errors = append(v.errors, "missing event")
	}
	v.event = event

	data, ok := payload["data"].(map[string]any)
	if !ok {
		v.errors = append(v.errors, "missing data object")
		return
	}
	campaign, ok := data["campaign"].(map[string]any)
	if !ok {
		v.errors = append(v.errors, "missing data.campaign")
		return
	}
	for _, field := range []string{"id", "name", "subject"} {
		if _, ok := stringField(campaign, field); !ok {
			v.errors = append(v.errors, "missing data.campaign."+field)
		}
	}
}

// validateControlPlane checks the relay envelope: a non-empty events array
// and a signature over the body.
func validateControlPlane(v *validation, payload map[string]any) {
	auth := &domain.WebhookAuth{Method: "signature"}
	if sig, ok := stringField(payload, "signature"); ok && sig != "" {
		auth.Success = true
	} else {
		auth.Errors = append(auth.Errors, "missing signature")
	}
	v.auth = auth
	if !auth.Success {
		v.errors = append(v.errors, auth.Errors...)
	}

	events, ok := payload["events"].([]any)
	if !ok || len(events) == 0 {
		v.errors = append(v.errors, "missing events array")
		return
	}
	if first, ok := events[0].(map[string]any); ok {
		v.event, _ = stringField(first, "type")
	}
}

// validateCI checks the workflow notification shape.
func validateCI(v *validation, payload map[string]any) {
	action, ok := stringField(payload, "action")
	if !ok {
		v.errors = append(v.errors, "missing action")
	}
	v.event = action

	run, ok := payload["workflow_run"].(map[string]any)
	if !ok {
		v.errors = append(v.errors, "missing workflow_run")
		return
	}
	if _, ok := run["id"]; !ok {
		v.errors = append(v.errors, "missing workflow_run.id")
	}
}

// validateSite checks the deployment notification shape.
func validateSite(v *validation, payload map[string]any) {
	status, ok := stringField(payload, "status")
	if !ok {
		v.errors = append(v.errors, "missing status")
	}
	v.event = status
	if _, ok := stringField(payload, "url"); !ok {
		v.warnings = append(v.warnings, "missing url")
	}
}

func stringField(m map[string]any, key string) (string, bool) {
	val, ok := m[key].(string)
	return val, ok && val != ""
}
