package webhookmon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/veleda/pipetrack/internal/config"
	"github.com/veleda/pipetrack/internal/domain"
	"github.com/veleda/pipetrack/internal/repository"
	"github.com/veleda/pipetrack/internal/service/alert"
)

// unknownRun marks webhooks that could not be correlated to a pipeline run.
const unknownRun = "unknown"

const (
	sourceContentPlatform = "content-platform"
	sourceControlPlane    = "control-plane"
	sourceCI              = "ci"
	sourceSite            = "site"
)

const redeliverTimeout = 30 * time.Second

// RunTracker is the slice of the pipeline engine the monitor drives.
type RunTracker interface {
	UpdatePipelineStage(ctx context.Context, runID, name string, status domain.StageStatus, data map[string]any) (*domain.PipelineRun, error)
	AddError(ctx context.Context, runID, stage, errType, message string, errCtx map[string]string) (*domain.ErrorRecord, error)
	ActiveRuns() []domain.RunSummary
}

// RunOpener opens a new pipeline run from an inbound trigger webhook.
type RunOpener interface {
	ProcessWebhookTrigger(ctx context.Context, source string, payload map[string]any, headers map[string]string) (*domain.PipelineRun, error)
}

// DeliveryFunc performs one outbound delivery try and reports what the
// destination answered. A nil response with an error means the request never
// completed.
type DeliveryFunc func(ctx context.Context, rec *domain.WebhookRecord) (*domain.WebhookResponse, error)

// Delivery describes one outbound webhook to send and track.
type Delivery struct {
	RunID   string
	Source  string
	Target  string
	Event   string
	Stage   string
	Payload map[string]any
}

// Monitor tracks every webhook crossing the pipeline: inbound notifications
// are validated, sanitized and correlated to runs; outbound deliveries are
// sent with category-aware retries and swept for stalls.
type Monitor struct {
	webhooks repository.WebhookRepository
	runs     RunTracker
	opener   RunOpener
	alerts   alert.Service
	cfg      config.WebhookConfig
	sched    *retryScheduler
	deliver  DeliveryFunc
	metrics  *monitorMetrics
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New returns a monitor delivering over plain HTTP POST.
func New(webhooks repository.WebhookRepository, runs RunTracker, opener RunOpener, alerts alert.Service, cfg config.WebhookConfig, log *slog.Logger) *Monitor {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 5 * time.Minute
	}
	return &Monitor{
		webhooks: webhooks,
		runs:     runs,
		opener:   opener,
		alerts:   alerts,
		cfg:      cfg,
		sched:    newRetryScheduler(),
		deliver:  httpDeliver(&http.Client{Timeout: redeliverTimeout}),
		metrics:  newMonitorMetrics(),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// httpDeliver posts the sanitized payload as JSON to the record's target.
func httpDeliver(client *http.Client) DeliveryFunc {
	return func(ctx context.Context, rec *domain.WebhookRecord) (*domain.WebhookResponse, error) {
		body, err := json.Marshal(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.Target, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Pipetrack-Delivery", rec.ID)
		if rec.Event != "" {
			req.Header.Set("X-Pipetrack-Event", rec.Event)
		}

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &domain.WebhookResponse{
			StatusCode: resp.StatusCode,
			Body:       string(snippet),
			Latency:    time.Since(start),
		}, nil
	}
}

// TrackInbound records an inbound webhook: validates it against the source
// contract, sanitizes the payload, correlates it to a pipeline run and
// advances the matching stage. Invalid payloads are recorded as failed, never
// dropped. Headers travel to the trigger detector for run metadata only; they
// are not stored on the record.
func (m *Monitor) TrackInbound(ctx context.Context, source string, payload map[string]any, headers map[string]string, rawSize int64) (*domain.WebhookRecord, error) {
	val := validatePayload(source, payload, rawSize, m.cfg.Secret, m.cfg.MaxPayloadBytes)
	rec := &domain.WebhookRecord{
		ID:               domain.NewWebhookID(),
		Source:           source,
		Stage:            stageForSource(source),
		Direction:        domain.DirectionInbound,
		Event:            val.event,
		Payload:          domain.SanitizeMap(payload),
		Status:           domain.WebhookStatusPending,
		Timing:           domain.WebhookTiming{ReceivedAt: m.now()},
		Auth:             val.auth,
		ValidationErrors: val.errors,
		Warnings:         val.warnings,
	}
	for _, w := range val.warnings {
		m.log.Warn("inbound webhook warning", "source", source, "webhook_id", rec.ID, "warning", w)
	}

	if !val.ok() {
		rec.Status = domain.WebhookStatusFailed
		rec.Category = val.category()
		m.correlate(rec)
		processed := m.now()
		rec.Timing.ProcessedAt = &processed
		if err := m.webhooks.SaveWebhook(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist webhook: %w", err)
		}
		m.metrics.recordReceived(source, "rejected")
		m.metrics.recordFailure(source, string(rec.Category))
		m.log.Warn("inbound webhook rejected",
			"source", source, "webhook_id", rec.ID, "category", rec.Category,
			"errors", strings.Join(val.errors, "; "))
		m.noteRunError(ctx, rec, strings.Join(val.errors, "; "))
		return rec, nil
	}

	if source == sourceContentPlatform && m.opener != nil {
		run, err := m.opener.ProcessWebhookTrigger(ctx, source, payload, headers)
		if err != nil {
			m.log.Warn("trigger rejected inbound webhook", "source", source, "webhook_id", rec.ID, "error", err)
			rec.RunID = unknownRun
		} else {
			rec.RunID = run.ID
		}
	} else {
		m.correlate(rec)
	}
	m.applyInboundStage(ctx, rec, payload)

	rec.Status = domain.WebhookStatusDelivered
	processed := m.now()
	rec.Timing.ProcessedAt = &processed
	if err := m.webhooks.SaveWebhook(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist webhook: %w", err)
	}
	m.metrics.recordReceived(source, "accepted")
	m.log.Info("inbound webhook tracked",
		"source", source, "webhook_id", rec.ID, "run_id", rec.RunID, "event", rec.Event)
	return rec, nil
}

// correlate attaches the record to the most recently started active run, or
// marks it unknown.
func (m *Monitor) correlate(rec *domain.WebhookRecord) {
	if rec.RunID != "" {
		return
	}
	rec.RunID = unknownRun
	if m.runs == nil {
		return
	}
	active := m.runs.ActiveRuns()
	if len(active) > 0 {
		rec.RunID = active[len(active)-1].ID
	}
}

func stageForSource(source string) string {
	switch source {
	case sourceContentPlatform:
		return domain.StageWebhookReceived
	case sourceControlPlane:
		return domain.StageWebhookRelay
	case sourceCI:
		return domain.StageCIWorkflow
	case sourceSite:
		return domain.StageDeploy
	default:
		return source + "_webhook"
	}
}

// applyInboundStage advances the pipeline stage matching the source. Site
// deploy notifications carry the stage to its terminal status; CI
// notifications only annotate, the poller owns that stage's lifecycle.
func (m *Monitor) applyInboundStage(ctx context.Context, rec *domain.WebhookRecord, payload map[string]any) {
	if m.runs == nil || rec.RunID == "" || rec.RunID == unknownRun {
		return
	}
	status := domain.StageStatusRunning
	data := map[string]any{"webhook_id": rec.ID}

	switch rec.Source {
	case sourceContentPlatform:
		status = domain.StageStatusCompleted
		if rec.Event != "" {
			data["event"] = rec.Event
		}
		if id, ok := campaignID(payload); ok {
			data["campaign_id"] = id
		}
	case sourceSite:
		deployStatus, _ := stringField(payload, "status")
		data["deploy_status"] = deployStatus
		if url, ok := stringField(payload, "url"); ok {
			data["url"] = url
		}
		switch deployStatus {
		case "ready", "succeeded", "live":
			status = domain.StageStatusCompleted
		case "error", "failed":
			status = domain.StageStatusFailed
		}
	case sourceControlPlane:
		status = domain.StageStatusCompleted
		if events, ok := payload["events"].([]any); ok {
			data["event_count"] = len(events)
		}
	case sourceCI:
		if rec.Event != "" {
			data["action"] = rec.Event
		}
	}

	if _, err := m.runs.UpdatePipelineStage(ctx, rec.RunID, rec.Stage, status, data); err != nil {
		if errors.Is(err, domain.ErrRunAlreadyTerminal) || errors.Is(err, domain.ErrRunNotFound) {
			m.log.Debug("stage update skipped", "run_id", rec.RunID, "stage", rec.Stage, "error", err)
			return
		}
		m.log.Warn("stage update failed", "run_id", rec.RunID, "stage", rec.Stage, "error", err)
		return
	}
	if status == domain.StageStatusFailed {
		m.noteRunError(ctx, rec, fmt.Sprintf("%s reported failure", rec.Source))
	}
}

func campaignID(payload map[string]any) (string, bool) {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return "", false
	}
	campaign, ok := data["campaign"].(map[string]any)
	if !ok {
		return "", false
	}
	return stringField(campaign, "id")
}

// Deliver sends an outbound webhook and tracks it through retries to a
// terminal disposition. The returned record reflects the first attempt;
// retries continue in the background.
func (m *Monitor) Deliver(ctx context.Context, del Delivery) (*domain.WebhookRecord, error) {
	if strings.TrimSpace(del.Target) == "" {
		return nil, errors.New("delivery target required")
	}
	rec := &domain.WebhookRecord{
		ID:        domain.NewWebhookID(),
		RunID:     del.RunID,
		Source:    del.Source,
		Target:    del.Target,
		Direction: domain.DirectionOutbound,
		Event:     del.Event,
		Stage:     del.Stage,
		Payload:   domain.SanitizeMap(del.Payload),
		Status:    domain.WebhookStatusPending,
		Timing:    domain.WebhookTiming{ReceivedAt: m.now()},
	}
	if rec.RunID == "" {
		rec.RunID = unknownRun
	}
	if err := m.webhooks.SaveWebhook(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist webhook: %w", err)
	}
	m.attempt(ctx, rec)
	return rec, nil
}

// attempt performs one delivery try and routes the outcome. Concurrent tries
// for the same webhook collapse to one.
func (m *Monitor) attempt(ctx context.Context, rec *domain.WebhookRecord) {
	if !m.begin(rec.ID) {
		return
	}
	defer m.end(rec.ID)

	tryNum := len(rec.Attempts) + 1
	sent := m.now()
	if rec.Timing.SentAt == nil {
		rec.Timing.SentAt = &sent
	}

	resp, err := m.deliver(ctx, rec)
	rec.Response = resp

	if err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		rec.Attempts = append(rec.Attempts, domain.RetryAttempt{
			Attempt: tryNum, Timestamp: sent, Success: true, StatusCode: resp.StatusCode,
		})
		rec.Status = domain.WebhookStatusDelivered
		rec.Category = ""
		processed := m.now()
		rec.Timing.ProcessedAt = &processed
		if err := m.webhooks.SaveWebhook(ctx, rec); err != nil {
			m.log.Error("persist webhook failed", "webhook_id", rec.ID, "error", err)
		}
		m.metrics.recordSent(rec.Source, "delivered")
		m.log.Info("webhook delivered",
			"webhook_id", rec.ID, "target", rec.Target, "attempts", tryNum, "latency", resp.Latency)
		m.advanceStage(ctx, rec, domain.StageStatusCompleted)
		return
	}

	var (
		category   domain.FailureCategory
		statusCode int
		reason     string
	)
	switch {
	case err != nil && isTimeout(err):
		category, reason = domain.FailureTimeout, "request timed out"
	case err != nil:
		category, reason = domain.FailureNetwork, err.Error()
	default:
		statusCode = resp.StatusCode
		category = domain.ClassifyStatusCode(resp.StatusCode)
		reason = fmt.Sprintf("destination answered %d", resp.StatusCode)
	}
	m.handleFailure(ctx, rec, tryNum, category, statusCode, reason, sent)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// handleFailure records a failed try and either schedules the next retry or
// settles the record as failed. Authentication and payload validation
// failures never retry; everything else retries up to the configured ceiling.
func (m *Monitor) handleFailure(ctx context.Context, rec *domain.WebhookRecord, tryNum int, category domain.FailureCategory, statusCode int, reason string, at time.Time) {
	rec.Category = category
	att := domain.RetryAttempt{
		Attempt:    tryNum,
		Timestamp:  at,
		Reason:     reason,
		StatusCode: statusCode,
	}

	retriesUsed := tryNum - 1
	if category.Retryable() && retriesUsed < m.cfg.MaxRetries {
		delay := retryDelay(category, retriesUsed+1)
		att.Delay = delay
		rec.Attempts = append(rec.Attempts, att)
		rec.Status = domain.WebhookStatusRetrying
		if err := m.webhooks.SaveWebhook(ctx, rec); err != nil {
			m.log.Error("persist webhook failed", "webhook_id", rec.ID, "error", err)
			return
		}
		m.metrics.recordRetry(rec.Source, string(category))
		m.log.Warn("webhook delivery failed, retry scheduled",
			"webhook_id", rec.ID, "category", category, "attempt", tryNum, "delay", delay)
		id := rec.ID
		m.sched.Schedule(id, delay, func() { m.redeliver(id) })
		return
	}

	rec.Attempts = append(rec.Attempts, att)
	rec.Status = domain.WebhookStatusFailed
	rec.MaxAttemptsReached = category.Retryable()
	processed := m.now()
	rec.Timing.ProcessedAt = &processed
	if err := m.webhooks.SaveWebhook(ctx, rec); err != nil {
		m.log.Error("persist webhook failed", "webhook_id", rec.ID, "error", err)
		return
	}
	m.metrics.recordSent(rec.Source, "failed")
	m.metrics.recordFailure(rec.Source, string(category))
	m.log.Error("webhook delivery failed permanently",
		"webhook_id", rec.ID, "category", category, "attempts", tryNum,
		"max_attempts_reached", rec.MaxAttemptsReached, "reason", reason)
	m.advanceStage(ctx, rec, domain.StageStatusFailed)
	m.noteRunError(ctx, rec, reason)
	m.raiseFailureAlert(ctx, rec, reason)
}

// redeliver runs on a retry timer: it reloads the record and tries again
// unless the webhook was resolved in the meantime.
func (m *Monitor) redeliver(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), redeliverTimeout)
	defer cancel()

	rec, err := m.webhooks.GetWebhook(ctx, id)
	if err != nil {
		m.log.Warn("retry lookup failed", "webhook_id", id, "error", err)
		return
	}
	if rec.Status != domain.WebhookStatusRetrying {
		return
	}
	m.attempt(ctx, rec)
}

func (m *Monitor) begin(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[id]; busy {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Monitor) end(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

func (m *Monitor) advanceStage(ctx context.Context, rec *domain.WebhookRecord, status domain.StageStatus) {
	if m.runs == nil || rec.Stage == "" || rec.RunID == "" || rec.RunID == unknownRun {
		return
	}
	data := map[string]any{"webhook_id": rec.ID}
	if rec.Target != "" {
		data["target"] = rec.Target
	}
	if _, err := m.runs.UpdatePipelineStage(ctx, rec.RunID, rec.Stage, status, data); err != nil {
		if errors.Is(err, domain.ErrRunAlreadyTerminal) || errors.Is(err, domain.ErrRunNotFound) {
			m.log.Debug("stage update skipped", "run_id", rec.RunID, "stage", rec.Stage, "error", err)
			return
		}
		m.log.Warn("stage update failed", "run_id", rec.RunID, "stage", rec.Stage, "error", err)
	}
}

func (m *Monitor) noteRunError(ctx context.Context, rec *domain.WebhookRecord, reason string) {
	if m.runs == nil || rec.RunID == "" || rec.RunID == unknownRun {
		return
	}
	_, err := m.runs.AddError(ctx, rec.RunID, rec.Stage, "webhook_delivery", reason, map[string]string{
		"webhook_id": rec.ID,
		"source":     rec.Source,
		"category":   string(rec.Category),
	})
	if err != nil && !errors.Is(err, domain.ErrRunAlreadyTerminal) && !errors.Is(err, domain.ErrRunNotFound) {
		m.log.Warn("run error note failed", "run_id", rec.RunID, "webhook_id", rec.ID, "error", err)
	}
}

func (m *Monitor) raiseFailureAlert(ctx context.Context, rec *domain.WebhookRecord, reason string) {
	severity := domain.SeverityWarning
	if rec.MaxAttemptsReached {
		severity = domain.SeverityCritical
	}
	msg := fmt.Sprintf("webhook %s to %s failed (%s): %s", rec.ID, rec.Target, rec.Category, reason)
	_, err := m.alerts.Raise(ctx, alert.KindWebhookFailure, severity, rec.RunID, msg, map[string]string{
		"webhook_id": rec.ID,
		"source":     rec.Source,
		"category":   string(rec.Category),
	})
	if err != nil {
		m.log.Warn("alert raise failed", "webhook_id", rec.ID, "error", err)
	}
}

// Restore reschedules unresolved outbound deliveries after a restart. Records
// caught mid-flight move back to retrying and get a fresh timer.
func (m *Monitor) Restore(ctx context.Context) error {
	recs, err := m.webhooks.ListUnresolvedWebhooks(ctx)
	if err != nil {
		return fmt.Errorf("restore unresolved webhooks: %w", err)
	}
	restored := 0
	for i := range recs {
		rec := &recs[i]
		if rec.Direction != domain.DirectionOutbound {
			continue
		}
		if rec.Status == domain.WebhookStatusPending {
			rec.Status = domain.WebhookStatusRetrying
			if err := m.webhooks.SaveWebhook(ctx, rec); err != nil {
				m.log.Warn("restore webhook failed", "webhook_id", rec.ID, "error", err)
				continue
			}
		}
		retries := len(rec.Attempts)
		if retries < 1 {
			retries = 1
		}
		id := rec.ID
		m.sched.Schedule(id, retryDelay(rec.Category, retries), func() { m.redeliver(id) })
		restored++
	}
	if restored > 0 {
		m.log.Info("unresolved webhooks rescheduled", "count", restored)
	}
	return nil
}

// Run sweeps for stalled deliveries until the context ends, then cancels all
// pending retry timers.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info("webhook monitor started", "sweep_interval", interval, "stall_timeout", m.cfg.StallTimeout)
	for {
		select {
		case <-ctx.Done():
			m.sched.Close()
			m.log.Info("webhook monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep times out unresolved records with no activity and no pending retry
// inside the stall window.
func (m *Monitor) sweep(ctx context.Context) {
	recs, err := m.webhooks.ListUnresolvedWebhooks(ctx)
	if err != nil {
		m.log.Warn("stall sweep failed", "error", err)
		return
	}
	now := m.now()
	for i := range recs {
		rec := &recs[i]
		if m.sched.Scheduled(rec.ID) {
			continue
		}
		idle := now.Sub(rec.LastActivity())
		if idle < m.cfg.StallTimeout {
			continue
		}
		m.log.Warn("stalled webhook detected",
			"webhook_id", rec.ID, "status", rec.Status, "idle", idle.Round(time.Second))

		if rec.Direction == domain.DirectionOutbound {
			if !m.begin(rec.ID) {
				continue
			}
			m.handleFailure(ctx, rec, len(rec.Attempts)+1, domain.FailureTimeout, 0, "delivery stalled: no response recorded", now)
			m.end(rec.ID)
			continue
		}

		rec.Status = domain.WebhookStatusFailed
		rec.Category = domain.FailureTimeout
		processed := now
		rec.Timing.ProcessedAt = &processed
		if err := m.webhooks.SaveWebhook(ctx, rec); err != nil {
			m.log.Error("persist webhook failed", "webhook_id", rec.ID, "error", err)
			continue
		}
		m.metrics.recordFailure(rec.Source, string(domain.FailureTimeout))
	}
}

// GetWebhook loads one tracked webhook.
func (m *Monitor) GetWebhook(ctx context.Context, id string) (*domain.WebhookRecord, error) {
	return m.webhooks.GetWebhook(ctx, id)
}

// RunWebhooks lists the webhooks correlated to a run in arrival order.
func (m *Monitor) RunWebhooks(ctx context.Context, runID string) ([]domain.WebhookRecord, error) {
	return m.webhooks.ListWebhooksByRun(ctx, runID)
}
