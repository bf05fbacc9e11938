package engine

import (
	"context"
	"time"

	"github.com/veleda/pipetrack/internal/domain"
)

// StageTiming is one stage's line in a run report.
type StageTiming struct {
	Name        string             `json:"name"`
	Status      domain.StageStatus `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Duration    time.Duration      `json:"duration"`
	ErrorCount  int                `json:"error_count"`
}

// Report is a read-only snapshot of one run's outcome. Generating it twice
// for the same terminal run yields the same content apart from GeneratedAt.
type Report struct {
	RunID         string                    `json:"run_id"`
	GeneratedAt   time.Time                 `json:"generated_at"`
	Status        domain.RunStatus          `json:"status"`
	Success       bool                      `json:"success"`
	TriggerType   domain.TriggerType        `json:"trigger_type"`
	TriggerSource string                    `json:"trigger_source"`
	StartedAt     time.Time                 `json:"started_at"`
	CompletedAt   *time.Time                `json:"completed_at,omitempty"`
	Duration      time.Duration             `json:"duration"`
	Stages        []StageTiming             `json:"stages"`
	Errors        []domain.ErrorRecord      `json:"errors,omitempty"`
	WebhookCount  int                       `json:"webhook_count"`
	Metrics       domain.PerformanceMetrics `json:"metrics"`
}

// GenerateReport summarizes a run with per-stage timing and its correlated
// webhook count.
func (e *Engine) GenerateReport(ctx context.Context, runID string) (*Report, error) {
	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	stages := make([]StageTiming, 0, len(run.Stages))
	for _, st := range run.Stages {
		stages = append(stages, StageTiming{
			Name:        st.Name,
			Status:      st.Status,
			StartedAt:   st.StartedAt,
			CompletedAt: st.CompletedAt,
			Duration:    st.Duration,
			ErrorCount:  len(st.Errors),
		})
	}

	webhookCount := 0
	if e.webhooks != nil {
		if hooks, err := e.webhooks.ListWebhooksByRun(ctx, runID); err == nil {
			webhookCount = len(hooks)
		} else {
			e.log.Warn("webhook correlation lookup failed", "run_id", runID, "error", err)
		}
	}

	return &Report{
		RunID:         run.ID,
		GeneratedAt:   e.now(),
		Status:        run.Status,
		Success:       run.Success,
		TriggerType:   run.Trigger.Type,
		TriggerSource: run.Trigger.Source,
		StartedAt:     run.StartedAt,
		CompletedAt:   run.CompletedAt,
		Duration:      run.Duration,
		Stages:        stages,
		Errors:        run.Errors,
		WebhookCount:  webhookCount,
		Metrics:       run.Metrics,
	}, nil
}
