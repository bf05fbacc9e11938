package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veleda/pipetrack/internal/domain"
	"github.com/veleda/pipetrack/internal/repository"
	"github.com/veleda/pipetrack/internal/service/alert"
	"github.com/veleda/pipetrack/internal/ws"
)

// maxActive bounds the in-memory index of running pipelines.
const maxActive = 256

// Engine owns the pipeline-run state machine. All run mutations flow through
// it: reads load the latest persisted state, apply the change, and write back
// under a lock, so concurrent stage updates never lose writes. Terminal runs
// are immutable.
type Engine struct {
	runs     repository.RunRepository
	webhooks repository.WebhookRepository
	metrics  repository.MetricsRepository
	alerts   alert.Service
	hub      *ws.Hub
	log      *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[string]domain.RunSummary
}

// New returns an engine.
func New(runs repository.RunRepository, webhooks repository.WebhookRepository, metrics repository.MetricsRepository, alerts alert.Service, hub *ws.Hub, log *slog.Logger) *Engine {
	return &Engine{
		runs:     runs,
		webhooks: webhooks,
		metrics:  metrics,
		alerts:   alerts,
		hub:      hub,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		active:   make(map[string]domain.RunSummary),
	}
}

// Restore rebuilds the active-run index from the store after a restart.
func (e *Engine) Restore(ctx context.Context) error {
	runs, err := e.runs.ListRuns(ctx, repository.RunFilter{Status: domain.RunStatusRunning, Limit: maxActive})
	if err != nil {
		return fmt.Errorf("restore active runs: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range runs {
		e.active[runs[i].ID] = runs[i].Summary()
	}
	e.log.Info("active runs restored", "count", len(runs))
	return nil
}

// CreatePipelineRun validates the trigger and opens a new tracked run.
func (e *Engine) CreatePipelineRun(ctx context.Context, trigger domain.TriggerEvent) (*domain.PipelineRun, error) {
	if err := validateTrigger(trigger); err != nil {
		return nil, err
	}

	now := e.now()
	run := &domain.PipelineRun{
		ID:        domain.NewRunID(now),
		Trigger:   trigger,
		Status:    domain.RunStatusRunning,
		StartedAt: now,
		Stages:    make([]domain.PipelineStage, 0, 4),
	}
	if err := e.runs.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	e.mu.Lock()
	if len(e.active) >= maxActive {
		e.evictOldestLocked()
	}
	e.active[run.ID] = run.Summary()
	e.mu.Unlock()

	e.log.Info("pipeline run started", "run_id", run.ID, "trigger_type", trigger.Type, "trigger_source", trigger.Source)
	if e.hub != nil {
		e.hub.Publish(ws.EventPipelineStarted, run)
	}
	return run, nil
}

func validateTrigger(trigger domain.TriggerEvent) error {
	if !domain.ValidTriggerType(trigger.Type) {
		return fmt.Errorf("%w: unknown type %q", domain.ErrInvalidTrigger, trigger.Type)
	}
	if strings.TrimSpace(trigger.Source) == "" {
		return fmt.Errorf("%w: empty source", domain.ErrInvalidTrigger)
	}
	if trigger.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", domain.ErrInvalidTrigger)
	}
	return nil
}

// evictOldestLocked drops the oldest entry from the index. The run itself
// stays persisted; it simply falls out of the fast path.
func (e *Engine) evictOldestLocked() {
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, sum := range e.active {
		if oldestID == "" || sum.StartedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = sum.StartedAt
		}
	}
	if oldestID != "" {
		delete(e.active, oldestID)
	}
}

// mutateRun loads the latest persisted run, applies fn, and writes it back.
// The engine lock serializes all run mutations.
func (e *Engine) mutateRun(ctx context.Context, runID string, fn func(*domain.PipelineRun) error) (*domain.PipelineRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
		}
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrRunAlreadyTerminal, runID, run.Status)
	}
	if err := fn(run); err != nil {
		return nil, err
	}
	if err := e.runs.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	if run.Status.Terminal() {
		delete(e.active, run.ID)
	} else {
		e.active[run.ID] = run.Summary()
	}
	return run, nil
}

// UpdatePipelineStage starts or advances the named stage. The first reference
// starts the stage; a terminal status stamps CompletedAt and Duration; data
// keys merge across updates.
func (e *Engine) UpdatePipelineStage(ctx context.Context, runID, name string, status domain.StageStatus, data map[string]any) (*domain.PipelineRun, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("stage name required")
	}

	run, err := e.mutateRun(ctx, runID, func(run *domain.PipelineRun) error {
		now := e.now()
		stage := run.Stage(name)
		if stage == nil {
			run.Stages = append(run.Stages, domain.PipelineStage{
				Name:      name,
				Status:    status,
				StartedAt: now,
			})
			stage = &run.Stages[len(run.Stages)-1]
		} else {
			stage.Status = status
		}

		if len(data) > 0 {
			if stage.Data == nil {
				stage.Data = make(map[string]any, len(data))
			}
			for k, v := range data {
				stage.Data[k] = v
			}
		}

		if status.Terminal() && stage.CompletedAt == nil {
			completed := now
			stage.CompletedAt = &completed
			if d := completed.Sub(stage.StartedAt); d > 0 {
				stage.Duration = d
			} else {
				stage.Duration = 0
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug("stage updated", "run_id", runID, "stage", name, "status", status)
	if e.hub != nil {
		e.hub.Publish(ws.EventStageUpdated, map[string]any{
			"run_id": runID,
			"stage":  run.Stage(name),
		})
	}
	return run, nil
}

// AddError appends an error record to the run and to the named stage when it
// exists. The run status is left untouched.
func (e *Engine) AddError(ctx context.Context, runID, stage, errType, message string, errCtx map[string]string) (*domain.ErrorRecord, error) {
	rec := domain.ErrorRecord{
		ID:        domain.NewErrorID(),
		Stage:     stage,
		Type:      errType,
		Message:   message,
		Context:   errCtx,
		Timestamp: e.now(),
	}
	_, err := e.mutateRun(ctx, runID, func(run *domain.PipelineRun) error {
		run.Errors = append(run.Errors, rec)
		if st := run.Stage(stage); st != nil {
			st.Errors = append(st.Errors, message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Warn("pipeline error recorded", "run_id", runID, "stage", stage, "type", errType, "message", message)
	return &rec, nil
}

// CompletePipelineRun moves a run to its terminal completed/failed status,
// stamps duration, and merges in final metrics.
func (e *Engine) CompletePipelineRun(ctx context.Context, runID string, success bool, metrics domain.PerformanceMetrics) (*domain.PipelineRun, error) {
	status := domain.RunStatusFailed
	if success {
		status = domain.RunStatusCompleted
	}
	return e.finalize(ctx, runID, status, success, metrics, nil)
}

// TimeoutPipelineRun force-terminates a run that exceeded its monitoring
// ceiling, recording the reason as an error.
func (e *Engine) TimeoutPipelineRun(ctx context.Context, runID, reason string) (*domain.PipelineRun, error) {
	rec := &domain.ErrorRecord{
		ID:        domain.NewErrorID(),
		Stage:     "monitoring",
		Type:      "timeout",
		Message:   reason,
		Timestamp: e.now(),
	}
	return e.finalize(ctx, runID, domain.RunStatusTimeout, false, domain.PerformanceMetrics{}, rec)
}

func (e *Engine) finalize(ctx context.Context, runID string, status domain.RunStatus, success bool, metrics domain.PerformanceMetrics, rec *domain.ErrorRecord) (*domain.PipelineRun, error) {
	run, err := e.mutateRun(ctx, runID, func(run *domain.PipelineRun) error {
		now := e.now()
		run.Status = status
		run.Success = success
		run.CompletedAt = &now
		if d := now.Sub(run.StartedAt); d > 0 {
			run.Duration = d
		} else {
			run.Duration = 0
		}
		if rec != nil {
			run.Errors = append(run.Errors, *rec)
		}
		run.Metrics.Merge(metrics)
		run.Metrics.TotalPipelineTime = run.Duration
		if success {
			run.Metrics.SuccessRate = 100
		} else {
			run.Metrics.SuccessRate = 0
			run.Metrics.ErrorRate = 100
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("pipeline run finished", "run_id", runID, "status", status, "success", success, "duration", run.Duration)
	e.snapshotMetrics(ctx, run)
	if e.hub != nil {
		e.hub.Publish(ws.EventPipelineCompleted, run)
	}
	e.raiseTerminalAlert(ctx, run)
	return run, nil
}

func (e *Engine) snapshotMetrics(ctx context.Context, run *domain.PipelineRun) {
	snap := &domain.MetricsSnapshot{
		ID:        domain.NewSnapshotID(),
		RunID:     run.ID,
		Metrics:   run.Metrics,
		CreatedAt: e.now(),
	}
	if err := e.metrics.SaveSnapshot(ctx, snap); err != nil {
		e.log.Warn("metrics snapshot failed", "run_id", run.ID, "error", err)
	}
}

func (e *Engine) raiseTerminalAlert(ctx context.Context, run *domain.PipelineRun) {
	var kind string
	switch run.Status {
	case domain.RunStatusFailed:
		kind = alert.KindPipelineFailure
	case domain.RunStatusTimeout:
		kind = alert.KindPipelineTimeout
	default:
		return
	}
	msg := fmt.Sprintf("pipeline run %s ended %s after %s", run.ID, run.Status, run.Duration.Round(time.Second))
	if _, err := e.alerts.Raise(ctx, kind, domain.SeverityCritical, run.ID, msg, map[string]string{
		"trigger_type":   string(run.Trigger.Type),
		"trigger_source": run.Trigger.Source,
	}); err != nil {
		e.log.Warn("alert raise failed", "run_id", run.ID, "error", err)
	}
}

// GetRun loads one run.
func (e *Engine) GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
		}
		return nil, err
	}
	return run, nil
}

// ActiveRuns lists the currently running pipelines, oldest first.
func (e *Engine) ActiveRuns() []domain.RunSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.RunSummary, 0, len(e.active))
	for _, sum := range e.active {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// RecentRuns returns the most recent runs regardless of status.
func (e *Engine) RecentRuns(ctx context.Context, limit int) ([]domain.PipelineRun, error) {
	return e.runs.ListRuns(ctx, repository.RunFilter{Limit: limit})
}

// ListRuns returns a filtered page of runs plus the total count matching the
// filter without pagination.
func (e *Engine) ListRuns(ctx context.Context, filter repository.RunFilter) ([]domain.PipelineRun, int, error) {
	runs, err := e.runs.ListRuns(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	countFilter := filter
	countFilter.Limit = 0
	countFilter.Offset = 0
	total, err := e.runs.CountRuns(ctx, countFilter)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}
