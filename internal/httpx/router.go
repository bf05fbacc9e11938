package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veleda/pipetrack/internal/config"
	"github.com/veleda/pipetrack/internal/domain"
	"github.com/veleda/pipetrack/internal/repository"
	"github.com/veleda/pipetrack/internal/service/alert"
	"github.com/veleda/pipetrack/internal/service/analyzer"
	"github.com/veleda/pipetrack/internal/service/engine"
	"github.com/veleda/pipetrack/internal/service/webhookmon"
	"github.com/veleda/pipetrack/internal/ws"
)

const (
	rateWindowDefault    = time.Minute
	rateLimitRead        = 240
	rateLimitWebhook     = 120
	healthCheckTimeout   = 2 * time.Second
	sseHeartbeatInterval = 25 * time.Second
	maxWebhookBody       = 4 << 20
	defaultMetricsWindow = 24 * time.Hour
	defaultRunPageSize   = 20
	maxRunPageSize       = 100
	defaultAlertPageSize = 50
	maxAlertPageSize     = 200
)

// Router serves the dashboard REST surface, the webhook intake endpoint and
// the live event channels.
type Router struct {
	mux       *chi.Mux
	engine    *engine.Engine
	monitor   *webhookmon.Monitor
	alerts    alert.Service
	perf      *analyzer.Analyzer
	snapshots repository.MetricsRepository
	hub       *ws.Hub
	limiter   RateLimiter
	dbHealth  func(context.Context) error
	cfg       config.ServerConfig
	upgrader  websocket.Upgrader
	log       *slog.Logger
	now       func() time.Time

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter wires the HTTP surface over the tracking services. dbHealth may
// be nil when no store check is available.
func NewRouter(eng *engine.Engine, monitor *webhookmon.Monitor, alerts alert.Service, perf *analyzer.Analyzer, snapshots repository.MetricsRepository, hub *ws.Hub, dbHealth func(context.Context) error, cfg config.ServerConfig, log *slog.Logger) *Router {
	r := &Router{
		engine:    eng,
		monitor:   monitor,
		alerts:    alerts,
		perf:      perf,
		snapshots: snapshots,
		hub:       hub,
		limiter:   NewMemoryRateLimiter(),
		dbHealth:  dbHealth,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
	r.initMetrics()
	r.routes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases router-held resources such as the rate limiter sweeper.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) routes() {
	r.mux = chi.NewRouter()
	r.mux.Use(middleware.Recoverer)
	r.mux.Use(r.audit)
	r.mux.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.mux.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.mux.Get("/healthz", r.handleHealthz)
	r.mux.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.mux.Route("/api", func(api chi.Router) {
		api.Get("/status", r.withRateLimit("status", rateLimitRead, rateWindowDefault, r.handleStatus))
		api.Get("/pipeline-runs", r.withRateLimit("pipeline_runs", rateLimitRead, rateWindowDefault, r.handleListRuns))
		api.Get("/pipeline-runs/{id}", r.withRateLimit("pipeline_run_detail", rateLimitRead, rateWindowDefault, r.handleGetRun))
		api.Get("/metrics", r.withRateLimit("metrics_summary", rateLimitRead, rateWindowDefault, r.handleMetricsSummary))
		api.Get("/alerts", r.withRateLimit("alerts", rateLimitRead, rateWindowDefault, r.handleAlerts))
	})

	r.mux.Post("/webhooks/{source}", r.withRateLimit("webhook_intake", r.webhookLimit(), rateWindowDefault, r.handleWebhookIntake))
	r.mux.Get("/ws", r.handleWebSocket)
	r.mux.Get("/events", r.handleEvents)
}

func (r *Router) webhookLimit() int {
	if r.cfg.RateLimit > 0 {
		return r.cfg.RateLimit
	}
	return rateLimitWebhook
}

// statusRecorder captures the status code and byte count written by the
// wrapped handler for audit logging and request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return hj.Hijack()
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

// audit logs one line per request and feeds the request metrics. Hijacked
// connections (websocket upgrades) log their status as 200 at close.
func (r *Router) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, req)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		route := chi.RouteContext(req.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", rec.bytes,
			"duration_ms", duration.Milliseconds(),
			"ip", clientIP(req),
		}
		if id := req.Header.Get("X-Request-ID"); id != "" {
			fields = append(fields, "request_id", id)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.log.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.log.Warn("http_request", fields...)
		default:
			r.log.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
	})
}

func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

type statusResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Running    bool                       `json:"running"`
	ActiveRuns []domain.RunSummary        `json:"active_runs"`
	Observers  int                        `json:"observers"`
	LastRun    *domain.PipelineRun        `json:"last_run,omitempty"`
	Metrics    *domain.PerformanceMetrics `json:"metrics,omitempty"`
	Trend      analyzer.Trend             `json:"trend"`
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	resp := statusResponse{
		Status:    "ok",
		Timestamp: r.now(),
		Observers: r.hub.ClientCount(),
		Trend:     r.perf.Trends(),
	}
	resp.ActiveRuns = r.engine.ActiveRuns()
	resp.Running = len(resp.ActiveRuns) > 0

	last, err := r.engine.RecentRuns(req.Context(), 1)
	if err != nil {
		r.log.Warn("recent run lookup failed", "error", err)
	} else if len(last) > 0 {
		resp.LastRun = &last[0]
		resp.Metrics = &last[0].Metrics
	}
	writeJSON(w, http.StatusOK, resp)
}

type runListResponse struct {
	Runs   []domain.PipelineRun `json:"runs"`
	Count  int                  `json:"count"`
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

func (r *Router) handleListRuns(w http.ResponseWriter, req *http.Request) {
	limit, err := queryInt(req, "limit", defaultRunPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 || limit > maxRunPageSize {
		limit = maxRunPageSize
	}
	offset, err := queryInt(req, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseRunStatus(req.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, total, err := r.engine.ListRuns(req.Context(), repository.RunFilter{
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		r.log.Error("run listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list pipeline runs")
		return
	}
	if runs == nil {
		runs = []domain.PipelineRun{}
	}
	writeJSON(w, http.StatusOK, runListResponse{
		Runs:   runs,
		Count:  len(runs),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

type runDetail struct {
	Run      *domain.PipelineRun    `json:"run"`
	Webhooks []domain.WebhookRecord `json:"webhooks"`
}

func (r *Router) handleGetRun(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	run, err := r.engine.GetRun(req.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "pipeline run not found")
			return
		}
		r.log.Error("run lookup failed", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "load pipeline run")
		return
	}
	hooks, err := r.monitor.RunWebhooks(req.Context(), id)
	if err != nil {
		r.log.Error("run webhook listing failed", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "load run webhooks")
		return
	}
	if hooks == nil {
		hooks = []domain.WebhookRecord{}
	}
	writeJSON(w, http.StatusOK, runDetail{Run: run, Webhooks: hooks})
}

type metricsSummary struct {
	Window   string                    `json:"window"`
	Since    time.Time                 `json:"since"`
	Samples  int                       `json:"samples"`
	Averages domain.PerformanceMetrics `json:"averages"`
	Trend    analyzer.Trend            `json:"trend"`
}

func (r *Router) handleMetricsSummary(w http.ResponseWriter, req *http.Request) {
	window, err := parseTimeRange(req.URL.Query().Get("timeRange"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	since := r.now().Add(-window)
	snaps, err := r.snapshots.ListSnapshots(req.Context(), since, 0)
	if err != nil {
		r.log.Error("snapshot listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "load metric snapshots")
		return
	}
	writeJSON(w, http.StatusOK, metricsSummary{
		Window:   window.String(),
		Since:    since,
		Samples:  len(snaps),
		Averages: averageMetrics(snaps),
		Trend:    r.perf.Trends(),
	})
}

func averageMetrics(snaps []domain.MetricsSnapshot) domain.PerformanceMetrics {
	var avg domain.PerformanceMetrics
	if len(snaps) == 0 {
		return avg
	}
	for _, s := range snaps {
		avg.WebhookLatency += s.Metrics.WebhookLatency
		avg.BuildTime += s.Metrics.BuildTime
		avg.DeployTime += s.Metrics.DeployTime
		avg.SiteResponseTime += s.Metrics.SiteResponseTime
		avg.TotalPipelineTime += s.Metrics.TotalPipelineTime
		avg.SuccessRate += s.Metrics.SuccessRate
		avg.ErrorRate += s.Metrics.ErrorRate
		avg.Throughput += s.Metrics.Throughput
	}
	n := time.Duration(len(snaps))
	avg.WebhookLatency /= n
	avg.BuildTime /= n
	avg.DeployTime /= n
	avg.SiteResponseTime /= n
	avg.TotalPipelineTime /= n
	avg.SuccessRate /= float64(len(snaps))
	avg.ErrorRate /= float64(len(snaps))
	avg.Throughput /= float64(len(snaps))
	return avg
}

type alertListResponse struct {
	Alerts []domain.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

func (r *Router) handleAlerts(w http.ResponseWriter, req *http.Request) {
	status, err := parseAlertStatus(req.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(req, "limit", defaultAlertPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 || limit > maxAlertPageSize {
		limit = maxAlertPageSize
	}
	alerts, err := r.alerts.List(req.Context(), status, limit)
	if err != nil {
		r.log.Error("alert listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list alerts")
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, alertListResponse{Alerts: alerts, Count: len(alerts)})
}

// handleWebhookIntake records an inbound webhook. Invalid payloads are still
// persisted as failed records; only the HTTP answer differs by category.
func (r *Router) handleWebhookIntake(w http.ResponseWriter, req *http.Request) {
	source := chi.URLParam(req, "source")
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body")
		return
	}
	if len(body) > maxWebhookBody {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = nil
		}
	}
	headers := make(map[string]string, len(req.Header))
	for name, values := range req.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	rec, err := r.monitor.TrackInbound(req.Context(), source, payload, headers, int64(len(body)))
	if err != nil {
		r.log.Error("webhook intake failed", "source", source, "error", err)
		writeError(w, http.StatusInternalServerError, "track webhook")
		return
	}

	if rec.Status == domain.WebhookStatusFailed {
		if rec.Category == domain.FailureAuthentication {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":      "webhook authentication failed",
				"webhook_id": rec.ID,
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "payload validation failed",
			"webhook_id": rec.ID,
			"details":    rec.ValidationErrors,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"webhook_id": rec.ID,
		"run_id":     rec.RunID,
		"event":      rec.Event,
	})
}

// clientCommand is the frame observers send over a live channel.
type clientCommand struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
}

func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", "error", err, "ip", clientIP(req))
		return
	}
	client := ws.NewClient(conn, r.log)
	if err := r.sendAck(client); err != nil {
		client.Close()
		return
	}
	r.hub.Register(client)
	defer r.hub.Unregister(client)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		r.applyClientCommand(client, raw)
	}
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.log)
	if err := r.sendAck(client); err != nil {
		return
	}
	r.hub.Register(client)
	defer r.hub.Unregister(client)
	if raw := strings.TrimSpace(req.URL.Query().Get("events")); raw != "" {
		r.hub.SetFilter(client, splitEvents(raw))
	}

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// sendAck pushes the connection acknowledgment every new observer receives
// before any broadcast.
func (r *Router) sendAck(client ws.Subscriber) error {
	payload, err := json.Marshal(ws.Event{
		Type:      ws.EventConnection,
		Timestamp: r.now(),
		Data:      map[string]string{"message": "connected"},
	})
	if err != nil {
		return err
	}
	return client.Send(payload)
}

func (r *Router) applyClientCommand(client ws.Subscriber, raw []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		r.log.Debug("unreadable client command", "error", err)
		return
	}
	if cmd.Type == "subscribe" {
		r.hub.SetFilter(client, cmd.Events)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	status := http.StatusOK
	health := "ok"
	components := map[string]string{}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			components["store"] = err.Error()
			health = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			components["store"] = "ok"
		}
	}
	writeJSON(w, status, map[string]any{
		"status":     health,
		"components": components,
		"observers":  r.hub.ClientCount(),
		"timestamp":  r.now().Format(time.RFC3339Nano),
	})
}

func queryInt(req *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(req.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s parameter", name)
	}
	return v, nil
}

func parseRunStatus(raw string) (domain.RunStatus, error) {
	switch status := domain.RunStatus(strings.TrimSpace(raw)); status {
	case "", domain.RunStatusRunning, domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusTimeout:
		return status, nil
	default:
		return "", fmt.Errorf("invalid status %q", raw)
	}
}

func parseAlertStatus(raw string) (domain.AlertStatus, error) {
	switch status := domain.AlertStatus(strings.TrimSpace(raw)); status {
	case "", domain.AlertActive, domain.AlertResolved:
		return status, nil
	default:
		return "", fmt.Errorf("invalid status %q", raw)
	}
}

// parseTimeRange accepts Go durations ("90m", "24h"), day counts ("7d") and
// bare hour counts ("24").
func parseTimeRange(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultMetricsWindow, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return 0, errors.New("timeRange must be positive")
		}
		return d, nil
	}
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return time.Duration(n) * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid timeRange %q", raw)
}

func splitEvents(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
