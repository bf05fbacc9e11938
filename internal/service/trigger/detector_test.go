package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/veleda/pipetrack/internal/config"
	"github.com/veleda/pipetrack/internal/domain"
	"github.com/veleda/pipetrack/internal/repository"
)

type fakeStarter struct {
	mu       sync.Mutex
	triggers []domain.TriggerEvent
	err      error
}

func (f *fakeStarter) CreatePipelineRun(_ context.Context, trigger domain.TriggerEvent) (*domain.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.triggers = append(f.triggers, trigger)
	return &domain.PipelineRun{
		ID:        domain.NewRunID(time.Now()),
		Trigger:   trigger,
		Status:    domain.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

func (f *fakeStarter) last() domain.TriggerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggers[len(f.triggers)-1]
}

type memStateRepo struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemStateRepo() *memStateRepo {
	return &memStateRepo{values: make(map[string]string)}
}

func (m *memStateRepo) GetState(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", repository.ErrNotFound
	}
	return v, nil
}

func (m *memStateRepo) SetState(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func newTestDetector(starter RunStarter, state repository.StateRepository, cfg config.TriggerConfig) *Detector {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(starter, state, cfg, log)
}

func TestPollGitBaselineThenTrigger(t *testing.T) {
	starter := &fakeStarter{}
	state := newMemStateRepo()
	d := newTestDetector(starter, state, config.TriggerConfig{RepoDir: "/repo"})

	revs := []Commit{
		{SHA: "aaa111", Author: "pat", Message: "initial", Branch: "main", At: time.Now().UTC()},
		{SHA: "aaa111", Author: "pat", Message: "initial", Branch: "main", At: time.Now().UTC()},
		{SHA: "bbb222", Author: "sam", Message: "fix typo", Branch: "main", At: time.Now().UTC()},
	}
	i := 0
	d.revision = func(context.Context, string) (Commit, error) {
		c := revs[i]
		if i < len(revs)-1 {
			i++
		}
		return c, nil
	}

	ctx := context.Background()
	d.pollGit(ctx) // baseline, no run
	if starter.count() != 0 {
		t.Fatalf("baseline tick should not open a run, got %d", starter.count())
	}
	d.pollGit(ctx) // same revision
	if starter.count() != 0 {
		t.Fatalf("unchanged revision should not open a run, got %d", starter.count())
	}
	d.pollGit(ctx) // new revision
	if starter.count() != 1 {
		t.Fatalf("expected one run for new revision, got %d", starter.count())
	}

	trigger := starter.last()
	if trigger.Type != domain.TriggerGit {
		t.Errorf("unexpected trigger type %s", trigger.Type)
	}
	if trigger.Metadata["revision"] != "bbb222" || trigger.Metadata["author"] != "sam" {
		t.Errorf("commit metadata missing: %+v", trigger.Metadata)
	}

	if cursor, err := state.GetState(ctx, stateKeyRevision); err != nil || cursor != "bbb222" {
		t.Errorf("revision cursor not persisted: %q %v", cursor, err)
	}
}

func TestPollGitUsesPersistedCursor(t *testing.T) {
	starter := &fakeStarter{}
	state := newMemStateRepo()
	_ = state.SetState(context.Background(), stateKeyRevision, "aaa111")

	d := newTestDetector(starter, state, config.TriggerConfig{RepoDir: "/repo"})
	d.lastRev = "aaa111" // Run(ctx) loads this from state
	d.revision = func(context.Context, string) (Commit, error) {
		return Commit{SHA: "ccc333", Author: "pat", Message: "pushed while down", Branch: "main", At: time.Now().UTC()}, nil
	}

	d.pollGit(context.Background())
	if starter.count() != 1 {
		t.Fatalf("expected run for revision change across restart, got %d", starter.count())
	}
}

func TestPollGitErrorIsRetriedNextTick(t *testing.T) {
	starter := &fakeStarter{}
	d := newTestDetector(starter, newMemStateRepo(), config.TriggerConfig{RepoDir: "/repo"})

	calls := 0
	d.revision = func(context.Context, string) (Commit, error) {
		calls++
		if calls == 1 {
			return Commit{}, errors.New("git not available")
		}
		return Commit{SHA: "aaa111", Author: "pat", Message: "m", Branch: "main", At: time.Now().UTC()}, nil
	}

	ctx := context.Background()
	d.pollGit(ctx) // error, swallowed
	d.pollGit(ctx) // baseline recorded
	if d.lastRev != "aaa111" {
		t.Errorf("detector did not recover after error, lastRev=%q", d.lastRev)
	}
	if starter.count() != 0 {
		t.Errorf("no runs expected, got %d", starter.count())
	}
}

func TestProcessWebhookTriggerSanitizesAndInvokesHandler(t *testing.T) {
	starter := &fakeStarter{}
	d := newTestDetector(starter, newMemStateRepo(), config.TriggerConfig{})

	var handlerRun *domain.PipelineRun
	var handlerPayload map[string]any
	d.RegisterSource("content-platform", func(_ context.Context, run *domain.PipelineRun, payload map[string]any) {
		handlerRun = run
		handlerPayload = payload
	})

	payload := map[string]any{
		"event":     "content.published",
		"api_token": "tok_abc",
		"data":      map[string]any{"campaign": "launch"},
	}
	headers := map[string]string{
		"Authorization": "Bearer zzz",
		"X-Request-ID":  "req-7",
	}
	run, err := d.ProcessWebhookTrigger(context.Background(), "content-platform", payload, headers)
	if err != nil {
		t.Fatalf("process webhook trigger: %v", err)
	}

	if starter.count() != 1 {
		t.Fatalf("expected one run, got %d", starter.count())
	}
	trigger := starter.last()
	if trigger.Type != domain.TriggerWebhook || trigger.Source != "content-platform" {
		t.Errorf("unexpected trigger %+v", trigger)
	}
	if trigger.Metadata["api_token"] != domain.Redacted {
		t.Errorf("payload not sanitized: %+v", trigger.Metadata)
	}
	meta, ok := trigger.Metadata["headers"].(map[string]string)
	if !ok {
		t.Fatalf("headers missing from trigger metadata: %+v", trigger.Metadata)
	}
	if meta["Authorization"] != domain.Redacted {
		t.Errorf("Authorization header not sanitized: %+v", meta)
	}
	if meta["X-Request-ID"] != "req-7" {
		t.Errorf("benign header altered: %+v", meta)
	}
	if handlerRun == nil || handlerRun.ID != run.ID {
		t.Errorf("handler not invoked with run, got %+v", handlerRun)
	}
	if handlerPayload["api_token"] != domain.Redacted {
		t.Errorf("handler received unsanitized payload: %+v", handlerPayload)
	}
}

func TestProcessWebhookTriggerUnregisteredSource(t *testing.T) {
	starter := &fakeStarter{}
	d := newTestDetector(starter, newMemStateRepo(), config.TriggerConfig{})

	run, err := d.ProcessWebhookTrigger(context.Background(), "mystery-service", map[string]any{"event": "ping"}, nil)
	if err != nil {
		t.Fatalf("unregistered source should still be tracked: %v", err)
	}
	if run == nil || starter.count() != 1 {
		t.Fatalf("expected run for unregistered source")
	}
}

func TestProcessWebhookTriggerPropagatesEngineError(t *testing.T) {
	starter := &fakeStarter{err: domain.ErrInvalidTrigger}
	d := newTestDetector(starter, newMemStateRepo(), config.TriggerConfig{})

	if _, err := d.ProcessWebhookTrigger(context.Background(), "", nil, nil); !errors.Is(err, domain.ErrInvalidTrigger) {
		t.Fatalf("expected ErrInvalidTrigger, got %v", err)
	}
}

func TestCheckSentinelTriggersOnNewerMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.trigger")
	if err := os.WriteFile(path, []byte("go"), 0o644); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	starter := &fakeStarter{}
	state := newMemStateRepo()
	d := newTestDetector(starter, state, config.TriggerConfig{SentinelPath: path})

	ctx := context.Background()
	d.loadSentinelBaseline(ctx)
	d.checkSentinel(ctx)
	if starter.count() != 0 {
		t.Fatalf("existing sentinel must not trigger at baseline, got %d", starter.count())
	}

	newer := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, newer, newer); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	d.checkSentinel(ctx)
	if starter.count() != 1 {
		t.Fatalf("expected one manual run after touch, got %d", starter.count())
	}
	if got := starter.last(); got.Type != domain.TriggerManual || got.Source != path {
		t.Errorf("unexpected trigger %+v", got)
	}

	d.checkSentinel(ctx)
	if starter.count() != 1 {
		t.Errorf("same mtime must not re-trigger, got %d", starter.count())
	}

	if _, err := state.GetState(ctx, stateKeySentinel); err != nil {
		t.Errorf("sentinel cursor not persisted: %v", err)
	}
}

func TestCheckSentinelMissingFile(t *testing.T) {
	starter := &fakeStarter{}
	d := newTestDetector(starter, newMemStateRepo(), config.TriggerConfig{
		SentinelPath: filepath.Join(t.TempDir(), "absent.trigger"),
	})

	d.checkSentinel(context.Background())
	if starter.count() != 0 {
		t.Fatalf("missing sentinel must not trigger, got %d", starter.count())
	}
}
