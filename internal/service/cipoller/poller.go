package cipoller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/veleda/pipetrack/internal/config"
	"github.com/veleda/pipetrack/internal/domain"
	"github.com/veleda/pipetrack/internal/repository"
	"github.com/veleda/pipetrack/internal/service/analyzer"
)

// cursorKey is where the last adopted CI run id is persisted.
const cursorKey = "ci.last_run_id"

const listPageSize = 20

// dispatchMatchWindow bounds how long a workflow dispatch stays matchable to
// the CI run it started.
const dispatchMatchWindow = 10 * time.Minute

// ErrMonitorTimeout marks a workflow that stayed active past the ceiling.
var ErrMonitorTimeout = errors.New("workflow monitoring timed out")

// Pipeline is the run state machine the poller drives.
type Pipeline interface {
	CreatePipelineRun(ctx context.Context, trigger domain.TriggerEvent) (*domain.PipelineRun, error)
	UpdatePipelineStage(ctx context.Context, runID, name string, status domain.StageStatus, data map[string]any) (*domain.PipelineRun, error)
	AddError(ctx context.Context, runID, stage, errType, message string, errCtx map[string]string) (*domain.ErrorRecord, error)
	CompletePipelineRun(ctx context.Context, runID string, success bool, metrics domain.PerformanceMetrics) (*domain.PipelineRun, error)
	TimeoutPipelineRun(ctx context.Context, runID, reason string) (*domain.PipelineRun, error)
}

// ReportSink receives completed workflow evidence for scoring.
type ReportSink interface {
	Analyze(ctx context.Context, sample analyzer.WorkflowSample) *analyzer.Report
}

type pendingDispatch struct {
	runID string
	at    time.Time
}

// Poller adopts CI workflow runs into tracked pipeline runs and follows each
// one to a terminal state. One goroutine per watched run; the poll loop only
// lists and adopts.
type Poller struct {
	client *Client
	pipe   Pipeline
	sink   ReportSink
	state  repository.StateRepository
	cfg    config.CIConfig
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	watched map[int64]struct{}
	pending []pendingDispatch
	wg      sync.WaitGroup
}

// New returns a poller.
func New(client *Client, pipe Pipeline, sink ReportSink, state repository.StateRepository, cfg config.CIConfig, log *slog.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MonitorTimeout <= 0 {
		cfg.MonitorTimeout = 30 * time.Minute
	}
	return &Poller{
		client:  client,
		pipe:    pipe,
		sink:    sink,
		state:   state,
		cfg:     cfg,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		watched: make(map[int64]struct{}),
	}
}

// Run polls the CI provider until ctx is cancelled, then waits for in-flight
// run monitors to wind down.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.cfg.PollInterval)
	defer t.Stop()
	p.log.Info("ci poller started", "repo", p.cfg.Owner+"/"+p.cfg.Repo, "interval", p.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.log.Info("ci poller stopped")
			return
		case <-t.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce lists recent workflow runs and adopts every run newer than the
// persisted cursor. Errors are logged; the next tick tries again.
func (p *Poller) pollOnce(ctx context.Context) {
	runs, err := p.client.ListWorkflowRuns(ctx, p.cfg.Ref, listPageSize)
	if err != nil {
		p.log.Warn("workflow listing failed", "error", err)
		return
	}
	if len(runs) == 0 {
		return
	}

	cursor, ok := p.loadCursor(ctx)
	if !ok {
		// First poll after a fresh install: record the horizon so old
		// history is not adopted retroactively.
		p.saveCursor(ctx, runs[0].ID)
		return
	}

	p.expirePending()

	// The listing is newest first; adopt in chronological order.
	newest := cursor
	for i := len(runs) - 1; i >= 0; i-- {
		wf := runs[i]
		if wf.ID <= cursor {
			continue
		}
		if wf.ID > newest {
			newest = wf.ID
		}
		p.adopt(ctx, &wf)
	}
	if newest > cursor {
		p.saveCursor(ctx, newest)
	}
}

// adopt turns one new CI run into a tracked pipeline run. Dispatches issued
// through TriggerWorkflow attach to the run that requested them instead of
// opening a second one.
func (p *Poller) adopt(ctx context.Context, wf *WorkflowRun) {
	if runID, ok := p.matchDispatch(wf); ok {
		p.log.Info("dispatched workflow matched", "run_id", runID, "ci_run_id", wf.ID)
		p.follow(ctx, runID, wf)
		return
	}

	ts := wf.CreatedAt
	if ts.IsZero() {
		ts = p.now()
	}
	trigger := domain.TriggerEvent{
		Type:      domain.TriggerGit,
		Source:    p.cfg.Owner + "/" + p.cfg.Repo,
		Timestamp: ts,
		Metadata: map[string]any{
			"workflow":   wf.Name,
			"event":      wf.Event,
			"branch":     wf.HeadBranch,
			"commit":     wf.HeadSHA,
			"run_number": wf.RunNumber,
		},
	}
	run, err := p.pipe.CreatePipelineRun(ctx, trigger)
	if err != nil {
		p.log.Warn("workflow adoption failed", "ci_run_id", wf.ID, "error", err)
		return
	}
	p.log.Info("workflow adopted", "run_id", run.ID, "ci_run_id", wf.ID, "workflow", wf.Name, "event", wf.Event)
	p.follow(ctx, run.ID, wf)
}

func (p *Poller) follow(ctx context.Context, runID string, wf *WorkflowRun) {
	p.updateStage(ctx, runID, domain.StageCIWorkflow, domain.StageStatusRunning, map[string]any{
		"ci_run_id": wf.ID,
		"workflow":  wf.Name,
		"url":       wf.HTMLURL,
		"status":    wf.Status,
	})
	p.watch(ctx, runID, wf.ID)
}

// watch follows one CI run in its own goroutine until terminal. A run already
// being watched is not watched twice.
func (p *Poller) watch(ctx context.Context, runID string, ciRunID int64) {
	p.mu.Lock()
	if _, dup := p.watched[ciRunID]; dup {
		p.mu.Unlock()
		return
	}
	p.watched[ciRunID] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.watched, ciRunID)
			p.mu.Unlock()
		}()
		p.monitor(ctx, runID, ciRunID)
	}()
}

// monitor polls one workflow until it completes or the ceiling elapses.
func (p *Poller) monitor(ctx context.Context, runID string, ciRunID int64) {
	deadline := p.now().Add(p.cfg.MonitorTimeout)
	t := time.NewTicker(p.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if p.checkOnce(ctx, runID, ciRunID) {
				return
			}
			if p.now().After(deadline) {
				p.expire(ctx, runID, ciRunID)
				return
			}
		}
	}
}

// checkOnce polls the workflow once, mirrors its live status into the stage
// data, and reports whether monitoring is finished.
func (p *Poller) checkOnce(ctx context.Context, runID string, ciRunID int64) bool {
	wf, err := p.client.GetWorkflowRun(ctx, ciRunID)
	if err != nil {
		p.log.Warn("workflow status check failed", "ci_run_id", ciRunID, "error", err)
		return false
	}
	if wf.Status == "completed" {
		p.conclude(ctx, runID, wf)
		return true
	}

	_, err = p.pipe.UpdatePipelineStage(ctx, runID, domain.StageCIWorkflow, domain.StageStatusRunning, map[string]any{
		"status":     wf.Status,
		"conclusion": wf.Conclusion,
		"updated_at": wf.UpdatedAt,
	})
	if errors.Is(err, domain.ErrRunAlreadyTerminal) || errors.Is(err, domain.ErrRunNotFound) {
		p.log.Debug("run closed elsewhere, monitoring stopped", "run_id", runID, "error", err)
		return true
	}
	if err != nil {
		p.log.Warn("stage update failed", "run_id", runID, "error", err)
	}
	return false
}

// conclude settles a completed workflow: job tallies, build and deploy stage
// evidence, failed-job log analysis, performance scoring, run completion.
func (p *Poller) conclude(ctx context.Context, runID string, wf *WorkflowRun) {
	success := wf.Conclusion == "success"

	jobs, err := p.client.ListWorkflowJobs(ctx, wf.ID)
	if err != nil {
		p.log.Warn("job listing failed", "ci_run_id", wf.ID, "error", err)
	}

	var succeeded, failed, skipped, steps int
	for i := range jobs {
		switch jobs[i].Conclusion {
		case "success":
			succeeded++
		case "skipped", "cancelled", "neutral":
			skipped++
		default:
			failed++
		}
		steps += len(jobs[i].Steps)
	}

	stageStatus := domain.StageStatusCompleted
	if !success {
		stageStatus = domain.StageStatusFailed
	}
	p.updateStage(ctx, runID, domain.StageCIWorkflow, stageStatus, map[string]any{
		"status":         wf.Status,
		"conclusion":     wf.Conclusion,
		"duration":       wf.Duration().String(),
		"jobs_total":     len(jobs),
		"jobs_succeeded": succeeded,
		"jobs_failed":    failed,
		"jobs_skipped":   skipped,
		"steps":          steps,
	})

	p.stageFromJobs(ctx, runID, domain.StageBuildProcess, "build", jobs)
	p.stageFromJobs(ctx, runID, domain.StageDeploy, "deploy", jobs)

	for i := range jobs {
		if jobSucceeded(jobs[i].Conclusion) || jobs[i].Conclusion == "" {
			continue
		}
		p.reportJobFailure(ctx, runID, &jobs[i])
	}

	report := p.sink.Analyze(ctx, analyzer.WorkflowSample{
		RunID:       runID,
		CIRunID:     wf.ID,
		Workflow:    wf.Name,
		QueueTime:   wf.QueueTime(),
		Duration:    wf.Duration(),
		Success:     success,
		Jobs:        jobSamples(jobs),
		CompletedAt: wf.UpdatedAt,
	})
	if slow := slowJobs(report.Bottlenecks); len(slow) > 0 {
		p.updateStage(ctx, runID, domain.StageCIWorkflow, stageStatus, map[string]any{"slow_jobs": slow})
	}

	if _, err := p.pipe.CompletePipelineRun(ctx, runID, success, report.Metrics); err != nil && !errors.Is(err, domain.ErrRunAlreadyTerminal) {
		p.log.Warn("run completion failed", "run_id", runID, "error", err)
	}
	p.log.Info("workflow concluded", "run_id", runID, "ci_run_id", wf.ID, "conclusion", wf.Conclusion, "score", report.Score)
}

// stageFromJobs derives a pipeline stage from the jobs of one phase. Runs
// with no jobs in the phase leave the stage untouched.
func (p *Poller) stageFromJobs(ctx context.Context, runID, stage, phase string, jobs []WorkflowJob) {
	var names []string
	var total time.Duration
	ok := true
	for i := range jobs {
		if analyzer.PhaseFor(jobs[i].Name) != phase {
			continue
		}
		names = append(names, jobs[i].Name)
		total += jobs[i].Duration()
		if !jobSucceeded(jobs[i].Conclusion) {
			ok = false
		}
	}
	if len(names) == 0 {
		return
	}
	status := domain.StageStatusCompleted
	if !ok {
		status = domain.StageStatusFailed
	}
	p.updateStage(ctx, runID, stage, status, map[string]any{
		"jobs":     names,
		"duration": total.String(),
	})
}

// reportJobFailure downloads the failed job's log, mines it for the failing
// step and error lines, and attaches an error record to the run.
func (p *Poller) reportJobFailure(ctx context.Context, runID string, job *WorkflowJob) {
	msg := fmt.Sprintf("job %q concluded %s", job.Name, job.Conclusion)
	errCtx := map[string]string{"job": job.Name, "conclusion": job.Conclusion}

	text, err := p.client.JobLogs(ctx, job.ID)
	if err != nil {
		p.log.Warn("job log download failed", "job_id", job.ID, "error", err)
	} else {
		analysis := AnalyzeJobLog(text)
		if s := analysis.Summary(); s != "" {
			msg = s
		}
		if n := len(analysis.Errors); n > 0 {
			errCtx["error_lines"] = strconv.Itoa(n)
		}
		if n := len(analysis.Groups); n > 0 {
			errCtx["last_step"] = analysis.Groups[n-1]
		}
	}

	if _, err := p.pipe.AddError(ctx, runID, domain.StageCIWorkflow, "ci_job_failure", msg, errCtx); err != nil && !errors.Is(err, domain.ErrRunAlreadyTerminal) {
		p.log.Warn("error record failed", "run_id", runID, "error", err)
	}
}

// expire force-terminates a run whose workflow outlived the ceiling.
func (p *Poller) expire(ctx context.Context, runID string, ciRunID int64) {
	reason := fmt.Sprintf("%s: ci run %d still active after %s", ErrMonitorTimeout, ciRunID, p.cfg.MonitorTimeout)
	p.log.Warn("workflow monitoring ceiling reached", "run_id", runID, "ci_run_id", ciRunID, "ceiling", p.cfg.MonitorTimeout)
	p.updateStage(ctx, runID, domain.StageCIWorkflow, domain.StageStatusFailed, map[string]any{"reason": "monitoring timeout"})
	if _, err := p.pipe.TimeoutPipelineRun(ctx, runID, reason); err != nil && !errors.Is(err, domain.ErrRunAlreadyTerminal) {
		p.log.Warn("run timeout failed", "run_id", runID, "error", err)
	}
}

// TriggerWorkflow dispatches the configured CI workflow for a freshly opened
// run. It has the trigger detector's handler shape, so the detector can call
// it directly when a content webhook opens a run.
func (p *Poller) TriggerWorkflow(ctx context.Context, run *domain.PipelineRun, payload map[string]any) {
	if p.cfg.Workflow == "" {
		p.log.Debug("ci dispatch skipped, no workflow configured", "run_id", run.ID)
		return
	}

	inputs := map[string]any{
		"trigger_source": run.Trigger.Source,
		"triggered_at":   run.Trigger.Timestamp.Format(time.RFC3339),
	}
	if campaign, ok := campaignInfo(payload); ok {
		if id, ok := campaign["id"]; ok {
			inputs["campaign_id"] = fmt.Sprint(id)
		}
		if name, ok := campaign["name"]; ok {
			inputs["campaign_name"] = fmt.Sprint(name)
		}
	}

	if err := p.client.DispatchWorkflow(ctx, p.cfg.Workflow, p.cfg.Ref, inputs); err != nil {
		category := domain.FailureNetwork
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			category = domain.ClassifyStatusCode(apiErr.StatusCode)
		}
		p.log.Warn("workflow dispatch failed", "run_id", run.ID, "category", category, "error", err)
		p.updateStage(ctx, run.ID, domain.StageCIWorkflow, domain.StageStatusFailed, map[string]any{
			"workflow": p.cfg.Workflow,
			"category": string(category),
		})
		if _, err := p.pipe.AddError(ctx, run.ID, domain.StageCIWorkflow, "dispatch_failure", err.Error(), map[string]string{
			"workflow": p.cfg.Workflow,
			"category": string(category),
		}); err != nil {
			p.log.Warn("error record failed", "run_id", run.ID, "error", err)
		}
		return
	}

	p.mu.Lock()
	p.pending = append(p.pending, pendingDispatch{runID: run.ID, at: p.now()})
	p.mu.Unlock()

	p.updateStage(ctx, run.ID, domain.StageCIWorkflow, domain.StageStatusPending, map[string]any{
		"workflow": p.cfg.Workflow,
		"ref":      p.cfg.Ref,
	})
	p.log.Info("workflow dispatched", "run_id", run.ID, "workflow", p.cfg.Workflow, "ref", p.cfg.Ref)
}

// matchDispatch pairs a workflow_dispatch run with the pipeline run whose
// dispatch started it. The dispatch endpoint answers 204 with no body, so
// pairing is by event type and time, oldest request first.
func (p *Poller) matchDispatch(wf *WorkflowRun) (string, bool) {
	if wf.Event != "workflow_dispatch" {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pd := range p.pending {
		if wf.CreatedAt.After(pd.at.Add(-30 * time.Second)) {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return pd.runID, true
		}
	}
	return "", false
}

func (p *Poller) expirePending() {
	cutoff := p.now().Add(-dispatchMatchWindow)
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.pending[:0]
	for _, pd := range p.pending {
		if pd.at.After(cutoff) {
			kept = append(kept, pd)
		}
	}
	p.pending = kept
}

func (p *Poller) updateStage(ctx context.Context, runID, stage string, status domain.StageStatus, data map[string]any) {
	if _, err := p.pipe.UpdatePipelineStage(ctx, runID, stage, status, data); err != nil {
		if errors.Is(err, domain.ErrRunAlreadyTerminal) || errors.Is(err, domain.ErrRunNotFound) {
			p.log.Debug("stage update skipped", "run_id", runID, "stage", stage, "error", err)
			return
		}
		p.log.Warn("stage update failed", "run_id", runID, "stage", stage, "error", err)
	}
}

func (p *Poller) loadCursor(ctx context.Context) (int64, bool) {
	raw, err := p.state.GetState(ctx, cursorKey)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			p.log.Warn("cursor load failed", "error", err)
		}
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.log.Warn("cursor unreadable, rebaselining", "value", raw)
		return 0, false
	}
	return id, true
}

func (p *Poller) saveCursor(ctx context.Context, id int64) {
	if err := p.state.SetState(ctx, cursorKey, strconv.FormatInt(id, 10)); err != nil {
		p.log.Warn("cursor save failed", "error", err)
	}
}

func campaignInfo(payload map[string]any) (map[string]any, bool) {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return nil, false
	}
	campaign, ok := data["campaign"].(map[string]any)
	return campaign, ok
}

func jobSucceeded(conclusion string) bool {
	switch conclusion {
	case "success", "skipped", "neutral":
		return true
	}
	return false
}

func jobSamples(jobs []WorkflowJob) []analyzer.JobSample {
	out := make([]analyzer.JobSample, 0, len(jobs))
	for i := range jobs {
		out = append(out, analyzer.JobSample{
			Name:     jobs[i].Name,
			Duration: jobs[i].Duration(),
			Success:  jobSucceeded(jobs[i].Conclusion),
		})
	}
	return out
}

func slowJobs(bottlenecks []analyzer.Bottleneck) []string {
	var out []string
	for _, b := range bottlenecks {
		if b.Kind == "job_duration" {
			out = append(out, b.Subject)
		}
	}
	return out
}
