package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/veleda/pipetrack/internal/config"
	"github.com/veleda/pipetrack/internal/domain"
	"github.com/veleda/pipetrack/internal/repository"
)

// State keys for detection cursors that survive restarts.
const (
	stateKeyRevision = "trigger.git_head"
	stateKeySentinel = "trigger.sentinel_mtime"
)

// RunStarter opens pipeline runs for detected triggers.
type RunStarter interface {
	CreatePipelineRun(ctx context.Context, trigger domain.TriggerEvent) (*domain.PipelineRun, error)
}

// Handler reacts to a webhook-opened run, typically seeding its first stage.
type Handler func(ctx context.Context, run *domain.PipelineRun, payload map[string]any)

// Commit describes the HEAD of the watched repository.
type Commit struct {
	SHA     string
	Author  string
	Message string
	Branch  string
	At      time.Time
}

// Detector turns external signals into pipeline runs: git pushes via HEAD
// polling, manual dispatches via a sentinel file, and registered webhook
// sources. A failed detection tick is logged and retried next tick.
type Detector struct {
	engine   RunStarter
	state    repository.StateRepository
	cfg      config.TriggerConfig
	log      *slog.Logger
	now      func() time.Time
	revision func(ctx context.Context, dir string) (Commit, error)

	mu           sync.RWMutex
	handlers     map[string]Handler
	lastSentinel time.Time

	lastRev string
}

// New returns a detector.
func New(eng RunStarter, state repository.StateRepository, cfg config.TriggerConfig, log *slog.Logger) *Detector {
	return &Detector{
		engine:   eng,
		state:    state,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		revision: gitRevision,
		handlers: make(map[string]Handler),
	}
}

// RegisterSource installs the handler invoked when the named webhook source
// opens a run.
func (d *Detector) RegisterSource(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// ProcessWebhookTrigger synthesizes a webhook trigger from an inbound
// delivery, opens a run, and invokes the source's handler. Payload and headers
// are sanitized before either is attached anywhere.
func (d *Detector) ProcessWebhookTrigger(ctx context.Context, source string, payload map[string]any, headers map[string]string) (*domain.PipelineRun, error) {
	sanitized := domain.SanitizeMap(payload)
	if len(headers) > 0 {
		if sanitized == nil {
			sanitized = make(map[string]any, 1)
		}
		sanitized["headers"] = domain.SanitizeHeaders(headers)
	}
	run, err := d.engine.CreatePipelineRun(ctx, domain.TriggerEvent{
		Type:      domain.TriggerWebhook,
		Source:    source,
		Timestamp: d.now(),
		Metadata:  sanitized,
	})
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	h := d.handlers[source]
	d.mu.RUnlock()
	if h != nil {
		h(ctx, run, sanitized)
	}
	return run, nil
}

// Run drives git polling and the manual-dispatch sentinel watcher until the
// context ends.
func (d *Detector) Run(ctx context.Context) {
	if d.cfg.SentinelPath != "" {
		go d.watchSentinel(ctx)
	}
	if d.cfg.RepoDir == "" {
		<-ctx.Done()
		return
	}

	if rev, err := d.state.GetState(ctx, stateKeyRevision); err == nil {
		d.lastRev = rev
	} else if !errors.Is(err, repository.ErrNotFound) {
		d.log.Warn("load revision cursor failed", "error", err)
	}

	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()

	d.pollGit(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.pollGit(ctx)
		}
	}
}

func (d *Detector) pollGit(ctx context.Context) {
	commit, err := d.revision(ctx, d.cfg.RepoDir)
	if err != nil {
		d.log.Warn("git revision check failed", "dir", d.cfg.RepoDir, "error", err)
		return
	}
	if commit.SHA == "" || commit.SHA == d.lastRev {
		return
	}

	baseline := d.lastRev == ""
	d.lastRev = commit.SHA
	if err := d.state.SetState(ctx, stateKeyRevision, commit.SHA); err != nil {
		d.log.Warn("persist revision cursor failed", "error", err)
	}
	if baseline {
		d.log.Info("git baseline recorded", "revision", shortSHA(commit.SHA), "branch", commit.Branch)
		return
	}

	run, err := d.engine.CreatePipelineRun(ctx, domain.TriggerEvent{
		Type:      domain.TriggerGit,
		Source:    d.cfg.RepoDir,
		Timestamp: d.now(),
		Metadata: map[string]any{
			"revision":     commit.SHA,
			"author":       commit.Author,
			"message":      commit.Message,
			"branch":       commit.Branch,
			"committed_at": commit.At.Format(time.RFC3339),
		},
	})
	if err != nil {
		d.log.Error("git trigger rejected", "revision", shortSHA(commit.SHA), "error", err)
		return
	}
	d.log.Info("git push detected", "run_id", run.ID, "revision", shortSHA(commit.SHA), "author", commit.Author)
}

func (d *Detector) watchSentinel(ctx context.Context) {
	d.loadSentinelBaseline(ctx)

	dir := filepath.Dir(d.cfg.SentinelPath)
	base := filepath.Base(d.cfg.SentinelPath)

	w, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := w.Add(dir); addErr != nil {
			_ = w.Close()
			err = addErr
		}
	}
	if err != nil {
		d.log.Warn("sentinel watch unavailable, polling instead", "path", d.cfg.SentinelPath, "error", err)
		d.pollSentinel(ctx)
		return
	}
	defer w.Close()

	d.log.Info("watching dispatch sentinel", "path", d.cfg.SentinelPath)

	var timer *time.Timer
	fire := func() { d.checkSentinel(ctx) }
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(d.cfg.Debounce, fire)
			} else {
				timer.Stop()
				timer.Reset(d.cfg.Debounce)
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return
			}
			d.log.Warn("sentinel watch error", "error", werr)
		}
	}
}

func (d *Detector) pollSentinel(ctx context.Context) {
	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.checkSentinel(ctx)
		}
	}
}

func (d *Detector) loadSentinelBaseline(ctx context.Context) {
	if raw, err := d.state.GetState(ctx, stateKeySentinel); err == nil {
		if nanos, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			d.mu.Lock()
			d.lastSentinel = time.Unix(0, nanos).UTC()
			d.mu.Unlock()
			return
		}
	}
	if info, err := os.Stat(d.cfg.SentinelPath); err == nil {
		d.mu.Lock()
		d.lastSentinel = info.ModTime().UTC()
		d.mu.Unlock()
	}
}

func (d *Detector) checkSentinel(ctx context.Context) {
	info, err := os.Stat(d.cfg.SentinelPath)
	if err != nil {
		return
	}
	mtime := info.ModTime().UTC()

	d.mu.Lock()
	if !mtime.After(d.lastSentinel) {
		d.mu.Unlock()
		return
	}
	d.lastSentinel = mtime
	d.mu.Unlock()

	if err := d.state.SetState(ctx, stateKeySentinel, strconv.FormatInt(mtime.UnixNano(), 10)); err != nil {
		d.log.Warn("persist sentinel cursor failed", "error", err)
	}

	run, err := d.engine.CreatePipelineRun(ctx, domain.TriggerEvent{
		Type:      domain.TriggerManual,
		Source:    d.cfg.SentinelPath,
		Timestamp: d.now(),
		Metadata: map[string]any{
			"path":        d.cfg.SentinelPath,
			"modified_at": mtime.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		d.log.Error("manual trigger rejected", "path", d.cfg.SentinelPath, "error", err)
		return
	}
	d.log.Info("manual dispatch detected", "run_id", run.ID, "path", d.cfg.SentinelPath)
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// gitRevision reads HEAD via the git CLI.
func gitRevision(ctx context.Context, dir string) (Commit, error) {
	out, err := runGit(ctx, dir, "log", "-1", "--format=%H%n%an%n%ct%n%s")
	if err != nil {
		return Commit{}, err
	}
	lines := strings.SplitN(strings.TrimSpace(out), "\n", 4)
	if len(lines) < 4 {
		return Commit{}, fmt.Errorf("unexpected git log output: %q", out)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(lines[2]), 10, 64)
	if err != nil {
		return Commit{}, fmt.Errorf("parse commit timestamp: %w", err)
	}

	branch, err := runGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return Commit{}, err
	}

	return Commit{
		SHA:     strings.TrimSpace(lines[0]),
		Author:  strings.TrimSpace(lines[1]),
		Message: strings.TrimSpace(lines[3]),
		Branch:  strings.TrimSpace(branch),
		At:      time.Unix(ts, 0).UTC(),
	}, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w: %s", args[0], err, string(output))
	}
	return string(output), nil
}
