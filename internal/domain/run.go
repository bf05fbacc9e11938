package domain

import "time"

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimeout   RunStatus = "timeout"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusTimeout
}

// StageStatus represents the state of a single named stage within a run.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

// Terminal reports whether the stage has finished.
func (s StageStatus) Terminal() bool {
	return s == StageStatusCompleted || s == StageStatusFailed
}

// Canonical stage names used across the tracked pipeline. Stages are free-form
// strings; these are the ones the built-in observers write.
const (
	StageWebhookReceived = "webhook_received"
	StageWebhookRelay    = "webhook_relay"
	StageCIWorkflow      = "ci_workflow"
	StageBuildProcess    = "build_process"
	StageDeploy          = "deploy"
)

// TriggerType classifies what kind of external signal opened a run.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerGit       TriggerType = "git"
	TriggerWebhook   TriggerType = "webhook"
	TriggerScheduled TriggerType = "scheduled"
)

// ValidTriggerType reports whether t is one of the known trigger kinds.
func ValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerManual, TriggerGit, TriggerWebhook, TriggerScheduled:
		return true
	}
	return false
}

// TriggerEvent is the originating signal that opened a pipeline run.
type TriggerEvent struct {
	Type      TriggerType    `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PipelineStage is a named, independently timed phase within a run.
// Stages are identified by name; repeated updates merge data instead of
// appending duplicate entries.
type PipelineStage struct {
	Name        string         `json:"name"`
	Status      StageStatus    `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration  `json:"duration"`
	Data        map[string]any `json:"data,omitempty"`
	Errors      []string       `json:"errors,omitempty"`
}

// ErrorRecord captures one failure attached to a run. The run-level list is
// authoritative for reporting; stage error lists are convenience copies.
type ErrorRecord struct {
	ID        string            `json:"id"`
	Stage     string            `json:"stage"`
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// PerformanceMetrics holds the derived timing and throughput figures for a
// run. Zero values mean "not yet measured"; Merge keeps the richer value.
type PerformanceMetrics struct {
	WebhookLatency    time.Duration `json:"webhook_latency"`
	BuildTime         time.Duration `json:"build_time"`
	DeployTime        time.Duration `json:"deploy_time"`
	SiteResponseTime  time.Duration `json:"site_response_time"`
	TotalPipelineTime time.Duration `json:"total_pipeline_time"`
	SuccessRate       float64       `json:"success_rate"`
	ErrorRate         float64       `json:"error_rate"`
	Throughput        float64       `json:"throughput"`
}

// Merge overlays non-zero fields of other onto m, enabling progressive
// refinement as richer CI timing becomes available.
func (m *PerformanceMetrics) Merge(other PerformanceMetrics) {
	if other.WebhookLatency != 0 {
		m.WebhookLatency = other.WebhookLatency
	}
	if other.BuildTime != 0 {
		m.BuildTime = other.BuildTime
	}
	if other.DeployTime != 0 {
		m.DeployTime = other.DeployTime
	}
	if other.SiteResponseTime != 0 {
		m.SiteResponseTime = other.SiteResponseTime
	}
	if other.TotalPipelineTime != 0 {
		m.TotalPipelineTime = other.TotalPipelineTime
	}
	if other.SuccessRate != 0 {
		m.SuccessRate = other.SuccessRate
	}
	if other.ErrorRate != 0 {
		m.ErrorRate = other.ErrorRate
	}
	if other.Throughput != 0 {
		m.Throughput = other.Throughput
	}
}

// PipelineRun is one end-to-end attempt of the publish-build-deploy sequence,
// tracked from trigger to terminal status. Runs are mutated only through the
// engine and become immutable once Status leaves running.
type PipelineRun struct {
	ID          string             `json:"id"`
	Trigger     TriggerEvent       `json:"trigger"`
	Stages      []PipelineStage    `json:"stages"`
	Status      RunStatus          `json:"status"`
	Success     bool               `json:"success"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Duration    time.Duration      `json:"duration"`
	Errors      []ErrorRecord      `json:"errors,omitempty"`
	Metrics     PerformanceMetrics `json:"metrics"`
}

// Stage returns the stage with the given name, or nil.
func (r *PipelineRun) Stage(name string) *PipelineStage {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// RunSummary is the lightweight view kept in the engine's active-run index.
type RunSummary struct {
	ID            string      `json:"id"`
	Status        RunStatus   `json:"status"`
	TriggerType   TriggerType `json:"trigger_type"`
	TriggerSource string      `json:"trigger_source"`
	StartedAt     time.Time   `json:"started_at"`
	StageCount    int         `json:"stage_count"`
}

// Summary derives the index view from a full run.
func (r *PipelineRun) Summary() RunSummary {
	return RunSummary{
		ID:            r.ID,
		Status:        r.Status,
		TriggerType:   r.Trigger.Type,
		TriggerSource: r.Trigger.Source,
		StartedAt:     r.StartedAt,
		StageCount:    len(r.Stages),
	}
}

// MetricsSnapshot is a persisted point-in-time copy of a run's metrics, used
// for windowed aggregation on the dashboard.
type MetricsSnapshot struct {
	ID        string             `json:"id"`
	RunID     string             `json:"run_id"`
	Metrics   PerformanceMetrics `json:"metrics"`
	CreatedAt time.Time          `json:"created_at"`
}
