package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veleda/pipetrack/internal/config"
	"github.com/veleda/pipetrack/internal/domain"
	"github.com/veleda/pipetrack/internal/service/alert"
)

// JobSample is one CI job's outcome and timing.
type JobSample struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
}

// WorkflowSample is the timing evidence collected from one completed CI
// workflow, ready for threshold analysis.
type WorkflowSample struct {
	RunID       string        `json:"run_id"`
	CIRunID     int64         `json:"ci_run_id"`
	Workflow    string        `json:"workflow"`
	QueueTime   time.Duration `json:"queue_time"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	Jobs        []JobSample   `json:"jobs"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Bottleneck names one threshold breach. Severity is high when the actual
// value reaches twice the threshold, medium otherwise.
type Bottleneck struct {
	Kind      string        `json:"kind"`
	Subject   string        `json:"subject"`
	Actual    time.Duration `json:"actual"`
	Threshold time.Duration `json:"threshold"`
	Severity  string        `json:"severity"`
}

// Report is the performance diagnosis for one workflow: score, breaches,
// readable insights and prioritized recommendations.
type Report struct {
	RunID           string                    `json:"run_id"`
	CIRunID         int64                     `json:"ci_run_id"`
	Workflow        string                    `json:"workflow"`
	Success         bool                      `json:"success"`
	Duration        time.Duration             `json:"duration"`
	Score           float64                   `json:"score"`
	Bottlenecks     []Bottleneck              `json:"bottlenecks,omitempty"`
	Insights        []string                  `json:"insights,omitempty"`
	Recommendations []string                  `json:"recommendations,omitempty"`
	Metrics         domain.PerformanceMetrics `json:"metrics"`
	CompletedAt     time.Time                 `json:"completed_at"`
	GeneratedAt     time.Time                 `json:"generated_at"`
}

// Trend compares the last five workflows against the five before them.
type Trend struct {
	Direction   string        `json:"direction"`
	RecentAvg   time.Duration `json:"recent_avg"`
	PriorAvg    time.Duration `json:"prior_avg"`
	RecentScore float64       `json:"recent_score"`
	PriorScore  float64       `json:"prior_score"`
	SampleSize  int           `json:"sample_size"`
}

// Analyzer scores completed workflows against duration thresholds and keeps a
// bounded history for trend detection. Safe for concurrent use.
type Analyzer struct {
	cfg    config.AnalyzerConfig
	alerts alert.Service
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	history []Report
	seen    map[int64]struct{}
}

// New returns an analyzer.
func New(cfg config.AnalyzerConfig, alerts alert.Service, log *slog.Logger) *Analyzer {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return &Analyzer{
		cfg:    cfg,
		alerts: alerts,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		seen:   make(map[int64]struct{}),
	}
}

// Analyze scores the sample, records it in history, and raises alerts for
// high-severity bottlenecks. Re-analyzing the same CI run updates nothing.
func (a *Analyzer) Analyze(ctx context.Context, sample WorkflowSample) *Report {
	report := &Report{
		RunID:       sample.RunID,
		CIRunID:     sample.CIRunID,
		Workflow:    sample.Workflow,
		Success:     sample.Success,
		Duration:    sample.Duration,
		CompletedAt: sample.CompletedAt,
		GeneratedAt: a.now(),
	}

	report.Bottlenecks = a.findBottlenecks(sample)
	phases := phaseDurations(sample.Jobs)

	a.mu.Lock()
	if _, dup := a.seen[sample.CIRunID]; !dup {
		a.seen[sample.CIRunID] = struct{}{}
		a.history = append(a.history, *report)
		if len(a.history) > a.cfg.HistorySize {
			delete(a.seen, a.history[0].CIRunID)
			a.history = a.history[1:]
		}
	}
	successRate := a.successRateLocked()
	throughput := a.throughputLocked()
	a.mu.Unlock()

	report.Score = a.score(sample, report.Bottlenecks, successRate)
	report.Metrics = domain.PerformanceMetrics{
		BuildTime:   phases["build"],
		DeployTime:  phases["deploy"],
		SuccessRate: successRate,
		ErrorRate:   100 - successRate,
		Throughput:  throughput,
	}
	report.Insights = a.insights(sample, report.Bottlenecks, successRate)
	report.Recommendations = recommendations(report.Bottlenecks)

	a.storeScore(sample.CIRunID, report)

	for _, b := range report.Bottlenecks {
		if b.Severity != "high" {
			continue
		}
		msg := fmt.Sprintf("%s %q took %s against a %s budget", b.Kind, b.Subject, b.Actual.Round(time.Second), b.Threshold)
		if _, err := a.alerts.Raise(ctx, alert.KindBottleneck, domain.SeverityWarning, sample.RunID, msg, map[string]string{
			"kind":    b.Kind,
			"subject": b.Subject,
		}); err != nil {
			a.log.Warn("alert raise failed", "run_id", sample.RunID, "error", err)
		}
	}

	a.log.Info("workflow analyzed",
		"run_id", sample.RunID, "ci_run_id", sample.CIRunID,
		"score", report.Score, "bottlenecks", len(report.Bottlenecks))
	return report
}

// storeScore backfills the score and derived fields onto the history copy.
func (a *Analyzer) storeScore(ciRunID int64, report *Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.history {
		if a.history[i].CIRunID == ciRunID {
			a.history[i] = *report
			return
		}
	}
}

func (a *Analyzer) findBottlenecks(sample WorkflowSample) []Bottleneck {
	var out []Bottleneck
	add := func(kind, subject string, actual, threshold time.Duration) {
		if threshold <= 0 || actual <= threshold {
			return
		}
		severity := "medium"
		if actual >= 2*threshold {
			severity = "high"
		}
		out = append(out, Bottleneck{Kind: kind, Subject: subject, Actual: actual, Threshold: threshold, Severity: severity})
	}

	add("workflow_duration", sample.Workflow, sample.Duration, a.cfg.WorkflowThreshold)
	add("queue_time", sample.Workflow, sample.QueueTime, a.cfg.QueueThreshold)
	for _, job := range sample.Jobs {
		add("job_duration", job.Name, job.Duration, a.cfg.JobThreshold)
	}
	for phase, total := range phaseDurations(sample.Jobs) {
		add("phase_duration", phase, total, a.phaseThreshold(phase))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity == "high"
		}
		return out[i].Actual-out[i].Threshold > out[j].Actual-out[j].Threshold
	})
	return out
}

func (a *Analyzer) phaseThreshold(phase string) time.Duration {
	switch phase {
	case "setup":
		return a.cfg.SetupThreshold
	case "build":
		return a.cfg.BuildThreshold
	case "test":
		return a.cfg.TestThreshold
	case "deploy":
		return a.cfg.DeployThreshold
	}
	return 0
}

// PhaseFor buckets a job by name keywords; unknown jobs belong to no phase.
func PhaseFor(name string) string {
	n := strings.ToLower(name)
	switch {
	case containsAny(n, "deploy", "release", "publish"):
		return "deploy"
	case containsAny(n, "build", "compile", "bundle"):
		return "build"
	case containsAny(n, "test", "lint", "check"):
		return "test"
	case containsAny(n, "setup", "checkout", "install", "restore"):
		return "setup"
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func phaseDurations(jobs []JobSample) map[string]time.Duration {
	phases := make(map[string]time.Duration)
	for _, job := range jobs {
		if phase := PhaseFor(job.Name); phase != "" {
			phases[phase] += job.Duration
		}
	}
	return phases
}

// score starts from 100 and charges for the workflow overrun, each
// bottleneck by severity, and the failure share of recent history.
func (a *Analyzer) score(sample WorkflowSample, bottlenecks []Bottleneck, successRate float64) float64 {
	score := 100.0
	if a.cfg.WorkflowThreshold > 0 && sample.Duration > a.cfg.WorkflowThreshold {
		score -= 10
	}
	for _, b := range bottlenecks {
		if b.Severity == "high" {
			score -= 15
		} else {
			score -= 8
		}
	}
	score -= (100 - successRate) * 0.3
	if score < 0 {
		score = 0
	}
	return score
}

func (a *Analyzer) successRateLocked() float64 {
	if len(a.history) == 0 {
		return 100
	}
	var ok int
	for i := range a.history {
		if a.history[i].Success {
			ok++
		}
	}
	return float64(ok) / float64(len(a.history)) * 100
}

func (a *Analyzer) throughputLocked() float64 {
	window := a.cfg.MetricsWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	cutoff := a.now().Add(-window)
	var n int
	for i := range a.history {
		if a.history[i].CompletedAt.After(cutoff) {
			n++
		}
	}
	return float64(n) / window.Hours()
}

func (a *Analyzer) insights(sample WorkflowSample, bottlenecks []Bottleneck, successRate float64) []string {
	var out []string

	if a.cfg.WorkflowThreshold > 0 && sample.Duration > a.cfg.WorkflowThreshold {
		over := sample.Duration - a.cfg.WorkflowThreshold
		out = append(out, fmt.Sprintf("workflow finished in %s, %s over the %s budget",
			sample.Duration.Round(time.Second), over.Round(time.Second), a.cfg.WorkflowThreshold))
	}
	if a.cfg.QueueThreshold > 0 && sample.QueueTime > a.cfg.QueueThreshold {
		out = append(out, fmt.Sprintf("workflow queued for %s before starting, runner capacity may be short",
			sample.QueueTime.Round(time.Second)))
	}

	if longest, share := dominantJob(sample); longest != "" && share >= 0.5 {
		out = append(out, fmt.Sprintf("job %q accounts for %.0f%% of the workflow time", longest, share*100))
	}
	for _, job := range sample.Jobs {
		if !job.Success {
			out = append(out, fmt.Sprintf("job %q failed", job.Name))
		}
	}
	if successRate < 80 {
		out = append(out, fmt.Sprintf("success rate over recent workflows is %.0f%%", successRate))
	}
	if len(bottlenecks) == 0 && sample.Success {
		out = append(out, "workflow finished inside all duration budgets")
	}
	return out
}

func dominantJob(sample WorkflowSample) (string, float64) {
	if sample.Duration <= 0 {
		return "", 0
	}
	var name string
	var longest time.Duration
	for _, job := range sample.Jobs {
		if job.Duration > longest {
			name, longest = job.Name, job.Duration
		}
	}
	return name, float64(longest) / float64(sample.Duration)
}

// recommendations turns breaches into actions, highest severity first. Each
// subject is advised once.
func recommendations(bottlenecks []Bottleneck) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(s string) {
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	for _, b := range bottlenecks {
		switch b.Kind {
		case "queue_time":
			add("add runner capacity or stagger workflow triggers")
		case "workflow_duration":
			add("split independent jobs so they run in parallel")
		case "job_duration":
			add(fmt.Sprintf("profile job %q, it exceeds the per-job budget", b.Subject))
		case "phase_duration":
			switch b.Subject {
			case "setup":
				add("cache dependency installation between runs")
			case "build":
				add("cache build outputs and narrow incremental rebuilds")
			case "test":
				add("shard slow test suites across parallel jobs")
			case "deploy":
				add("upload deploy artifacts incrementally")
			}
		}
	}
	return out
}

// Trends compares the five most recent workflows with the five before them.
// With fewer than two windows of data the direction is stable.
func (a *Analyzer) Trends() Trend {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.history)
	t := Trend{Direction: "stable", SampleSize: n}
	if n < 2 {
		return t
	}

	recentStart := n - 5
	if recentStart < 0 {
		recentStart = 0
	}
	recent := a.history[recentStart:]
	priorStart := recentStart - 5
	if priorStart < 0 {
		priorStart = 0
	}
	prior := a.history[priorStart:recentStart]
	if len(prior) == 0 {
		return t
	}

	t.RecentAvg = avgDuration(recent)
	t.PriorAvg = avgDuration(prior)
	t.RecentScore = avgScore(recent)
	t.PriorScore = avgScore(prior)

	switch {
	case float64(t.RecentAvg) < float64(t.PriorAvg)*0.95:
		t.Direction = "improving"
	case float64(t.RecentAvg) > float64(t.PriorAvg)*1.05:
		t.Direction = "degrading"
	}
	return t
}

// History returns the retained reports, newest first.
func (a *Analyzer) History(limit int) []Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Report, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, a.history[i])
	}
	return out
}

func avgDuration(reports []Report) time.Duration {
	if len(reports) == 0 {
		return 0
	}
	var total time.Duration
	for i := range reports {
		total += reports[i].Duration
	}
	return total / time.Duration(len(reports))
}

func avgScore(reports []Report) float64 {
	if len(reports) == 0 {
		return 0
	}
	var total float64
	for i := range reports {
		total += reports[i].Score
	}
	return total / float64(len(reports))
}
