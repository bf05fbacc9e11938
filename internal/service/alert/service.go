package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/veleda/pipetrack/internal/domain"
	"github.com/veleda/pipetrack/internal/repository"
	"github.com/veleda/pipetrack/internal/ws"
)

// Alert kinds raised by the monitoring services.
const (
	KindPipelineFailure = "pipeline_failure"
	KindPipelineTimeout = "pipeline_timeout"
	KindBottleneck      = "bottleneck"
	KindWebhookFailure  = "webhook_failure"
)

// Service persists alerts and pushes them to dashboard observers.
type Service struct {
	alerts repository.AlertRepository
	hub    *ws.Hub
	log    *slog.Logger
	now    func() time.Time
}

// New returns an alert service.
func New(alerts repository.AlertRepository, hub *ws.Hub, log *slog.Logger) Service {
	return Service{
		alerts: alerts,
		hub:    hub,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Raise stores a new active alert and broadcasts it.
func (s Service) Raise(ctx context.Context, kind string, severity domain.AlertSeverity, runID, message string, alertCtx map[string]string) (*domain.Alert, error) {
	a := &domain.Alert{
		ID:        domain.NewAlertID(),
		RunID:     runID,
		Severity:  severity,
		Status:    domain.AlertActive,
		Kind:      kind,
		Message:   message,
		Context:   alertCtx,
		CreatedAt: s.now(),
	}
	if err := s.alerts.SaveAlert(ctx, a); err != nil {
		return nil, err
	}
	s.log.Warn("alert raised", "alert_id", a.ID, "kind", kind, "severity", severity, "run_id", runID)
	if s.hub != nil {
		s.hub.Publish(ws.EventAlert, a)
	}
	return a, nil
}

// Resolve marks an alert as handled.
func (s Service) Resolve(ctx context.Context, id string) (*domain.Alert, error) {
	a, err := s.alerts.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == domain.AlertResolved {
		return a, nil
	}
	now := s.now()
	a.Status = domain.AlertResolved
	a.ResolvedAt = &now
	if err := s.alerts.SaveAlert(ctx, a); err != nil {
		return nil, err
	}
	s.log.Info("alert resolved", "alert_id", id)
	return a, nil
}

// List returns alerts newest first, optionally filtered by status.
func (s Service) List(ctx context.Context, status domain.AlertStatus, limit int) ([]domain.Alert, error) {
	return s.alerts.ListAlerts(ctx, status, limit)
}
