package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/veleda/pipetrack/internal/domain"
	"github.com/veleda/pipetrack/internal/repository"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "pipetrack.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRun(id string, startedAt time.Time, status domain.RunStatus) *domain.PipelineRun {
	return &domain.PipelineRun{
		ID:     id,
		Status: status,
		Trigger: domain.TriggerEvent{
			Type:      domain.TriggerWebhook,
			Source:    "content-platform",
			Timestamp: startedAt,
		},
		StartedAt: startedAt,
		Stages: []domain.PipelineStage{
			{Name: "webhook_received", Status: domain.StageStatusCompleted, StartedAt: startedAt},
		},
	}
}

func TestRunRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	run := testRun("run_20250601_120000_aabbccdd", started, domain.RunStatusRunning)
	run.Metrics.BuildTime = 90 * time.Second

	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.ID != run.ID || got.Status != domain.RunStatusRunning {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.Metrics.BuildTime != 90*time.Second {
		t.Errorf("metrics not preserved: %v", got.Metrics.BuildTime)
	}
	if len(got.Stages) != 1 || got.Stages[0].Name != "webhook_received" {
		t.Errorf("stages not preserved: %+v", got.Stages)
	}
}

func TestSaveRunUpserts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC()
	run := testRun("run_x", started, domain.RunStatusRunning)
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}

	completed := started.Add(time.Minute)
	run.Status = domain.RunStatusCompleted
	run.Success = true
	run.CompletedAt = &completed
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("update run: %v", err)
	}

	got, err := store.GetRun(ctx, "run_x")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunStatusCompleted || !got.Success {
		t.Errorf("update not applied: %+v", got)
	}

	count, err := store.CountRuns(ctx, repository.RunFilter{})
	if err != nil {
		t.Fatalf("count runs: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 run after upsert, got %d", count)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetRun(context.Background(), "run_missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRunsFilterAndPagination(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		status := domain.RunStatusCompleted
		if i%2 == 0 {
			status = domain.RunStatusFailed
		}
		run := testRun(domain.NewRunID(base.Add(time.Duration(i)*time.Hour)), base.Add(time.Duration(i)*time.Hour), status)
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run %d: %v", i, err)
		}
	}

	failed, err := store.ListRuns(ctx, repository.RunFilter{Status: domain.RunStatusFailed})
	if err != nil {
		t.Fatalf("list failed runs: %v", err)
	}
	if len(failed) != 3 {
		t.Fatalf("expected 3 failed runs, got %d", len(failed))
	}

	page, err := store.ListRuns(ctx, repository.RunFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}
	// Newest first: offset 1 skips the hour-4 run.
	if page[0].StartedAt.UTC() != base.Add(3*time.Hour) {
		t.Errorf("unexpected page ordering, first started at %v", page[0].StartedAt)
	}

	recent, err := store.ListRuns(ctx, repository.RunFilter{Since: base.Add(3 * time.Hour)})
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("expected 2 runs since cutoff, got %d", len(recent))
	}
}

func TestCleanupRunsKeepsMostRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		id := domain.NewRunID(base.Add(time.Duration(i) * time.Minute))
		ids = append(ids, id)
		run := testRun(id, base.Add(time.Duration(i)*time.Minute), domain.RunStatusCompleted)
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run %d: %v", i, err)
		}
		rec := &domain.WebhookRecord{
			ID:        domain.NewWebhookID(),
			RunID:     id,
			Source:    "content-platform",
			Direction: domain.DirectionInbound,
			Status:    domain.WebhookStatusDelivered,
			Timing:    domain.WebhookTiming{ReceivedAt: base.Add(time.Duration(i) * time.Minute)},
		}
		if err := store.SaveWebhook(ctx, rec); err != nil {
			t.Fatalf("save webhook %d: %v", i, err)
		}
	}

	removed, err := store.CleanupRuns(ctx, 2)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 4 {
		t.Errorf("expected 4 removed, got %d", removed)
	}

	if _, err := store.GetRun(ctx, ids[0]); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("oldest run should be gone, got %v", err)
	}
	if _, err := store.GetRun(ctx, ids[5]); err != nil {
		t.Errorf("newest run should survive: %v", err)
	}

	orphans, err := store.ListWebhooksByRun(ctx, ids[0])
	if err != nil {
		t.Fatalf("list webhooks: %v", err)
	}
	if len(orphans) != 0 {
		t.Errorf("webhooks for removed run should be gone, got %d", len(orphans))
	}
}

func TestWebhookRoundTripAndUnresolved(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rec := &domain.WebhookRecord{
		ID:        "wh_1",
		RunID:     "run_1",
		Source:    "ci",
		Direction: domain.DirectionOutbound,
		Event:     "workflow_dispatch",
		Status:    domain.WebhookStatusRetrying,
		Category:  domain.FailureServerError,
		Timing:    domain.WebhookTiming{ReceivedAt: now},
		Attempts: []domain.RetryAttempt{
			{Attempt: 1, Timestamp: now, Delay: time.Second, StatusCode: 503},
		},
	}
	if err := store.SaveWebhook(ctx, rec); err != nil {
		t.Fatalf("save webhook: %v", err)
	}

	got, err := store.GetWebhook(ctx, "wh_1")
	if err != nil {
		t.Fatalf("get webhook: %v", err)
	}
	if got.Category != domain.FailureServerError || len(got.Attempts) != 1 {
		t.Errorf("unexpected record: %+v", got)
	}

	unresolved, err := store.ListUnresolvedWebhooks(ctx)
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	if len(unresolved) != 1 {
		t.Fatalf("expected 1 unresolved, got %d", len(unresolved))
	}

	rec.Status = domain.WebhookStatusDelivered
	if err := store.SaveWebhook(ctx, rec); err != nil {
		t.Fatalf("resolve webhook: %v", err)
	}
	unresolved, err = store.ListUnresolvedWebhooks(ctx)
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	if len(unresolved) != 0 {
		t.Errorf("expected none unresolved, got %d", len(unresolved))
	}
}

func TestSnapshotsSince(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		snap := &domain.MetricsSnapshot{
			ID:        domain.NewSnapshotID(),
			RunID:     "run_1",
			Metrics:   domain.PerformanceMetrics{TotalPipelineTime: time.Duration(i) * time.Minute},
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := store.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("save snapshot %d: %v", i, err)
		}
	}

	snaps, err := store.ListSnapshots(ctx, base.Add(2*time.Hour), 0)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("expected 2 snapshots since cutoff, got %d", len(snaps))
	}
}

func TestAlertsByStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	active := &domain.Alert{ID: "alert_1", Severity: domain.SeverityCritical, Status: domain.AlertActive, Kind: "pipeline_failed", Message: "run failed", CreatedAt: now}
	resolved := &domain.Alert{ID: "alert_2", Severity: domain.SeverityWarning, Status: domain.AlertResolved, Kind: "slow_run", Message: "run exceeded threshold", CreatedAt: now.Add(time.Second)}
	for _, a := range []*domain.Alert{active, resolved} {
		if err := store.SaveAlert(ctx, a); err != nil {
			t.Fatalf("save alert: %v", err)
		}
	}

	got, err := store.ListAlerts(ctx, domain.AlertActive, 10)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(got) != 1 || got[0].ID != "alert_1" {
		t.Errorf("unexpected active alerts: %+v", got)
	}

	all, err := store.ListAlerts(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all alerts: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 alerts, got %d", len(all))
	}
}

func TestStateRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.GetState(ctx, "ci.last_run"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}

	if err := store.SetState(ctx, "ci.last_run", "41"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := store.SetState(ctx, "ci.last_run", "42"); err != nil {
		t.Fatalf("overwrite state: %v", err)
	}

	got, err := store.GetState(ctx, "ci.last_run")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if got != "42" {
		t.Errorf("expected 42, got %q", got)
	}
}
