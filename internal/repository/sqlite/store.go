package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veleda/pipetrack/internal/domain"
	"github.com/veleda/pipetrack/internal/repository"
)

// Store implements the repository interfaces on a single SQLite file. Rows
// carry a full JSON payload plus a handful of indexed columns for filtering,
// so the schema stays stable as domain types grow.
type Store struct {
	db *sql.DB
}

var (
	_ repository.RunRepository     = (*Store)(nil)
	_ repository.WebhookRepository = (*Store)(nil)
	_ repository.MetricsRepository = (*Store)(nil)
	_ repository.AlertRepository   = (*Store)(nil)
	_ repository.StateRepository   = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveRun inserts or replaces a run.
func (s *Store) SaveRun(ctx context.Context, run *domain.PipelineRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	const query = `INSERT INTO runs (id, status, trigger_type, trigger_source, success, started_at, completed_at, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			success = excluded.success,
			completed_at = excluded.completed_at,
			payload = excluded.payload,
			updated_at = excluded.updated_at`

	var completedAt sql.NullTime
	if run.CompletedAt != nil {
		completedAt = sql.NullTime{Time: run.CompletedAt.UTC(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, query,
		run.ID, string(run.Status), string(run.Trigger.Type), run.Trigger.Source,
		run.Success, run.StartedAt.UTC(), completedAt, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun fetches one run by identifier.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	const query = `SELECT payload FROM runs WHERE id = ?`
	var payload string
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	var run domain.PipelineRun
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// ListRuns returns runs matching the filter, most recent first.
func (s *Store) ListRuns(ctx context.Context, filter repository.RunFilter) ([]domain.PipelineRun, error) {
	query := `SELECT payload FROM runs`
	where, args := runFilterClause(filter)
	query += where + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.PipelineRun, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run domain.PipelineRun
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountRuns counts runs matching the filter.
func (s *Store) CountRuns(ctx context.Context, filter repository.RunFilter) (int, error) {
	query := `SELECT COUNT(1) FROM runs`
	where, args := runFilterClause(filter)
	query += where

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return count, nil
}

func runFilterClause(filter repository.RunFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.TriggerType != "" {
		conds = append(conds, "trigger_type = ?")
		args = append(args, string(filter.TriggerType))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}

// CleanupRuns deletes all but the keep most recent runs along with their
// webhook records and metric snapshots. Returns the number of runs removed.
func (s *Store) CleanupRuns(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}
	defer tx.Rollback()

	const keepQuery = `SELECT id FROM runs ORDER BY started_at DESC LIMIT ?`
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id NOT IN (`+keepQuery+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("cleanup runs: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM webhooks WHERE run_id != '' AND run_id NOT IN (SELECT id FROM runs)`); err != nil {
		return 0, fmt.Errorf("cleanup webhooks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM metrics_snapshots WHERE run_id NOT IN (SELECT id FROM runs)`); err != nil {
		return 0, fmt.Errorf("cleanup snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return int(removed), nil
}

// SaveWebhook inserts or replaces a webhook record.
func (s *Store) SaveWebhook(ctx context.Context, rec *domain.WebhookRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}

	const query = `INSERT INTO webhooks (id, run_id, source, direction, status, received_at, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			run_id = excluded.run_id,
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.RunID, rec.Source, string(rec.Direction), string(rec.Status),
		rec.Timing.ReceivedAt.UTC(), string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save webhook: %w", err)
	}
	return nil
}

// GetWebhook fetches one webhook record by identifier.
func (s *Store) GetWebhook(ctx context.Context, id string) (*domain.WebhookRecord, error) {
	const query = `SELECT payload FROM webhooks WHERE id = ?`
	var payload string
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	var rec domain.WebhookRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal webhook: %w", err)
	}
	return &rec, nil
}

// ListWebhooksByRun returns all webhook records correlated to a run in
// arrival order.
func (s *Store) ListWebhooksByRun(ctx context.Context, runID string) ([]domain.WebhookRecord, error) {
	const query = `SELECT payload FROM webhooks WHERE run_id = ? ORDER BY received_at ASC`
	return s.scanWebhooks(ctx, query, runID)
}

// ListWebhooks returns webhook records received at or after since.
func (s *Store) ListWebhooks(ctx context.Context, since time.Time, limit int) ([]domain.WebhookRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT payload FROM webhooks WHERE received_at >= ? ORDER BY received_at DESC LIMIT ?`
	return s.scanWebhooks(ctx, query, since.UTC(), limit)
}

// ListUnresolvedWebhooks returns records still pending or retrying, used by
// the stalled-delivery sweep after restarts.
func (s *Store) ListUnresolvedWebhooks(ctx context.Context) ([]domain.WebhookRecord, error) {
	const query = `SELECT payload FROM webhooks WHERE status IN ('pending', 'retrying') ORDER BY received_at ASC`
	return s.scanWebhooks(ctx, query)
}

func (s *Store) scanWebhooks(ctx context.Context, query string, args ...any) ([]domain.WebhookRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	recs := make([]domain.WebhookRecord, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		var rec domain.WebhookRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal webhook: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SaveSnapshot persists a metrics snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap *domain.MetricsSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	const query = `INSERT INTO metrics_snapshots (id, run_id, created_at, payload) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, snap.ID, snap.RunID, snap.CreatedAt.UTC(), string(payload)); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns snapshots created at or after since, newest first.
func (s *Store) ListSnapshots(ctx context.Context, since time.Time, limit int) ([]domain.MetricsSnapshot, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `SELECT payload FROM metrics_snapshots WHERE created_at >= ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := make([]domain.MetricsSnapshot, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var snap domain.MetricsSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// SaveAlert inserts or replaces an alert.
func (s *Store) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	const query = `INSERT INTO alerts (id, run_id, severity, status, kind, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload`
	_, err = s.db.ExecContext(ctx, query,
		alert.ID, alert.RunID, string(alert.Severity), string(alert.Status), alert.Kind,
		alert.CreatedAt.UTC(), string(payload))
	if err != nil {
		return fmt.Errorf("save alert: %w", err)
	}
	return nil
}

// GetAlert fetches one alert by identifier.
func (s *Store) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	const query = `SELECT payload FROM alerts WHERE id = ?`
	var payload string
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get alert: %w", err)
	}
	var alert domain.Alert
	if err := json.Unmarshal([]byte(payload), &alert); err != nil {
		return nil, fmt.Errorf("unmarshal alert: %w", err)
	}
	return &alert, nil
}

// ListAlerts returns alerts newest first, optionally filtered by status.
func (s *Store) ListAlerts(ctx context.Context, status domain.AlertStatus, limit int) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT payload FROM alerts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]domain.Alert, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		var alert domain.Alert
		if err := json.Unmarshal([]byte(payload), &alert); err != nil {
			return nil, fmt.Errorf("unmarshal alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// GetState reads a persisted marker value.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	const query = `SELECT value FROM state WHERE key = ?`
	var value string
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("get state: %w", err)
	}
	return value, nil
}

// SetState writes a persisted marker value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	const query = `INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}
