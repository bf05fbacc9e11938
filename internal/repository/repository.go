package repository

import (
	"context"
	"time"

	"github.com/veleda/pipetrack/internal/domain"
)

// RunFilter narrows ListRuns results. Zero values mean "no constraint".
type RunFilter struct {
	Status      domain.RunStatus
	TriggerType domain.TriggerType
	Since       time.Time
	Limit       int
	Offset      int
}

// RunRepository persists pipeline runs.
type RunRepository interface {
	SaveRun(ctx context.Context, run *domain.PipelineRun) error
	GetRun(ctx context.Context, id string) (*domain.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.PipelineRun, error)
	CountRuns(ctx context.Context, filter RunFilter) (int, error)
	CleanupRuns(ctx context.Context, keep int) (int, error)
}

// WebhookRepository persists webhook delivery records.
type WebhookRepository interface {
	SaveWebhook(ctx context.Context, rec *domain.WebhookRecord) error
	GetWebhook(ctx context.Context, id string) (*domain.WebhookRecord, error)
	ListWebhooksByRun(ctx context.Context, runID string) ([]domain.WebhookRecord, error)
	ListWebhooks(ctx context.Context, since time.Time, limit int) ([]domain.WebhookRecord, error)
	ListUnresolvedWebhooks(ctx context.Context) ([]domain.WebhookRecord, error)
}

// MetricsRepository stores point-in-time metric snapshots for trend analysis.
type MetricsRepository interface {
	SaveSnapshot(ctx context.Context, snap *domain.MetricsSnapshot) error
	ListSnapshots(ctx context.Context, since time.Time, limit int) ([]domain.MetricsSnapshot, error)
}

// AlertRepository persists alerts raised by the monitoring services.
type AlertRepository interface {
	SaveAlert(ctx context.Context, alert *domain.Alert) error
	GetAlert(ctx context.Context, id string) (*domain.Alert, error)
	ListAlerts(ctx context.Context, status domain.AlertStatus, limit int) ([]domain.Alert, error)
}

// StateRepository is a small key-value store for poller cursors and other
// resumable markers that must survive restarts.
type StateRepository interface {
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
}
