package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fislearning/fischat/internal/config"
	"github.com/fislearning/fischat/internal/domain"
	"github.com/fislearning/fischat/internal/jobs"
	"github.com/fislearning/fischat/internal/logger"
	"github.com/fislearning/fischat/internal/retry"
)

const sampleText = "Quarterly report: revenue grew twelve percent while operating costs held flat across all regions."

// sampleScript is 60 words and about 375 characters.
var sampleScript = strings.TrimSpace(strings.Repeat("The market grew steadily ", 15))

type stubExtractor struct {
	text  string
	err   error
	panic bool
}

func (s *stubExtractor) ExtractText(context.Context, []byte) (string, error) {
	if s.panic {
		panic("corrupt cross-reference table")
	}
	return s.text, s.err
}

// stubGenerator replays scripted responses, then repeats the last one.
type stubGenerator struct {
	mu        sync.Mutex
	responses []generatorResponse
	calls     int
	lastModel string
}

type generatorResponse struct {
	script string
	err    error
}

func (g *stubGenerator) GenerateScript(_ context.Context, _, _ string, modelID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.lastModel = modelID
	idx := g.calls - 1
	if idx >= len(g.responses) {
		idx = len(g.responses) - 1
	}
	r := g.responses[idx]
	return r.script, r.err
}

func (g *stubGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// stubRenderer returns statuses in order, repeating the last one.
type stubRenderer struct {
	mu        sync.Mutex
	submitErr error
	statuses  []RenderStatus
	pollErr   error
	submitted []domain.AvatarConfig
	polls     int
}

func (r *stubRenderer) Submit(_ context.Context, _ string, avatar domain.AvatarConfig) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitErr != nil {
		return "", r.submitErr
	}
	r.submitted = append(r.submitted, avatar)
	return fmt.Sprintf("render-%d", len(r.submitted)), nil
}

func (r *stubRenderer) PollStatus(context.Context, string) (RenderStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	if r.pollErr != nil {
		return RenderStatus{}, r.pollErr
	}
	idx := r.polls - 1
	if idx >= len(r.statuses) {
		idx = len(r.statuses) - 1
	}
	return r.statuses[idx], nil
}

func (r *stubRenderer) Polls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls
}

func (r *stubRenderer) Submitted() []domain.AvatarConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AvatarConfig(nil), r.submitted...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testAvatars() *AvatarCatalog {
	return NewAvatarCatalog(config.AvatarsConfig{
		DefaultKey: "amy",
		Items: map[string]config.AvatarConfig{
			"amy":     {PresenterID: "amy-presenter", AvatarID: "amy-avatar", SentimentID: "neutral"},
			"william": {PresenterID: "william-presenter", AvatarID: "william-avatar", SentimentID: "friendly"},
		},
	})
}

type pipelineFixture struct {
	store     *jobs.Store
	clock     *testClock
	extractor *stubExtractor
	generator *stubGenerator
	clips     *stubRenderer
	log       *logger.Logger
	pipeline  *Pipeline
}

func newPipelineFixture(t *testing.T, mutate func(*pipelineFixture, *PipelineConfig)) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		clock:     &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		extractor: &stubExtractor{text: sampleText},
		generator: &stubGenerator{responses: []generatorResponse{{script: sampleScript}}},
		clips:     &stubRenderer{statuses: []RenderStatus{{State: RenderDone, ResultURL: "https://cdn.example.com/clip.mp4"}}},
		log:       logger.Discard(),
	}
	f.store = jobs.NewStore(jobs.NopPersister{}, logger.Discard(), &jobs.StoreConfig{
		TTL:                 30 * time.Minute,
		SafetyFlushInterval: -1,
		Now:                 f.clock.Now,
	})
	t.Cleanup(func() { _ = f.store.Close(context.Background()) })

	cfg := PipelineConfig{
		PollInterval: 5 * time.Millisecond,
		MaxPolls:     50,
		StageTimeout: 5 * time.Second,
		Retry:        retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond},
	}
	if mutate != nil {
		mutate(f, &cfg)
	}
	f.pipeline = NewPipeline(f.store, f.extractor, f.generator,
		map[domain.RenderBackend]VideoRenderer{domain.RenderBackendClips: f.clips},
		testAvatars(), nil, f.log, cfg)
	return f
}

func (f *pipelineFixture) start(t *testing.T, params domain.RequestParams) string {
	t.Helper()
	if params.RenderBackend == "" {
		params.RenderBackend = domain.RenderBackendClips
	}
	if params.Category == "" {
		params.Category = domain.CategorySummarize
	}
	id := fmt.Sprintf("job-%d", f.store.Len()+1)
	rec, err := f.store.Create(domain.JobRecord{ID: id, Request: params})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	f.pipeline.Start(context.Background(), rec, []byte("%PDF-1.4"))
	return id
}

func (f *pipelineFixture) waitTerminal(t *testing.T, id string) domain.JobRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := f.store.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if rec.Status.IsTerminal() {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish in time", id)
	return domain.JobRecord{}
}

func (f *pipelineFixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.pipeline.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

func TestPipelineCompletes(t *testing.T) {
	f := newPipelineFixture(t, func(f *pipelineFixture, _ *PipelineConfig) {
		f.clips.statuses = []RenderStatus{
			{State: RenderPending},
			{State: RenderPending},
			{State: RenderDone, ResultURL: "https://cdn.example.com/clip.mp4"},
		}
	})

	id := f.start(t, domain.RequestParams{AvatarKey: "william", ModelID: "model-a"})
	rec := f.waitTerminal(t, id)
	f.drain(t)

	if rec.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed (error %q)", rec.Status, rec.Error)
	}
	if rec.Stage != domain.StageCompleted {
		t.Errorf("stage = %s, want completed", rec.Stage)
	}
	if rec.ResultURL != "https://cdn.example.com/clip.mp4" {
		t.Errorf("result url = %q", rec.ResultURL)
	}
	if rec.CompletedAt == nil || rec.FailedAt != nil {
		t.Errorf("completedAt = %v, failedAt = %v", rec.CompletedAt, rec.FailedAt)
	}
	if rec.Error != "" {
		t.Errorf("error = %q, want empty", rec.Error)
	}
	if rec.Script != sampleScript {
		t.Errorf("script not recorded")
	}
	if rec.ScriptStats == nil || rec.ScriptStats.Words != 60 {
		t.Errorf("script stats = %+v, want 60 words", rec.ScriptStats)
	}
	if rec.RenderJobID != "render-1" {
		t.Errorf("render job id = %q", rec.RenderJobID)
	}
	if got := f.clips.Polls(); got != 3 {
		t.Errorf("polls = %d, want 3", got)
	}
	if got := f.generator.lastModel; got != "model-a" {
		t.Errorf("model = %q, want model-a", got)
	}
	submitted := f.clips.Submitted()
	if len(submitted) != 1 || submitted[0].PresenterID != "william-presenter" {
		t.Errorf("submitted avatars = %+v", submitted)
	}
}

func TestPipelineLogsCarryJobContext(t *testing.T) {
	var buf bytes.Buffer
	f := newPipelineFixture(t, func(f *pipelineFixture, _ *PipelineConfig) {
		f.log = logger.New(&logger.EnvConfig{Level: "debug", Format: "json", Output: &buf, ServiceName: "fischat-test"})
		f.clips.statuses = []RenderStatus{
			{State: RenderPending},
			{State: RenderDone, ResultURL: "https://cdn.example.com/clip.mp4"},
		}
	})

	id := f.start(t, domain.RequestParams{AvatarKey: "william"})
	f.waitTerminal(t, id)
	f.drain(t)

	var completed, polled map[string]interface{}
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var line map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			t.Fatalf("log line is not JSON: %v\n%s", err, raw)
		}
		if line[logger.FieldJobID] != id || line[logger.FieldComponent] != "pipeline" {
			t.Errorf("line %q lacks job context: job_id=%v component=%v",
				line["message"], line[logger.FieldJobID], line[logger.FieldComponent])
		}
		msg, _ := line["message"].(string)
		switch {
		case msg == "Video job completed":
			completed = line
		case strings.HasPrefix(msg, "Render render-1 is pending"):
			polled = line
		}
	}
	if completed == nil {
		t.Fatal("no completion log line")
	}
	if completed[logger.FieldStatus] != "completed" || completed[logger.FieldBackend] != "clips" {
		t.Errorf("completion line = %v, want status completed on clips", completed)
	}
	if polled == nil || polled["level"] != "debug" {
		t.Errorf("pending poll line = %v, want a debug entry", polled)
	}
}

func TestPipelineUsesExpressivesBackend(t *testing.T) {
	expressives := &stubRenderer{statuses: []RenderStatus{{State: RenderDone, ResultURL: "https://cdn.example.com/scene.mp4"}}}
	f := newPipelineFixture(t, nil)
	f.pipeline.renderers[domain.RenderBackendExpressives] = expressives

	id := f.start(t, domain.RequestParams{
		AvatarKey:     "unknown",
		RenderBackend: domain.RenderBackendExpressives,
		Sentiment:     "happy",
	})
	rec := f.waitTerminal(t, id)

	if rec.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s (error %q)", rec.Status, rec.Error)
	}
	if len(f.clips.Submitted()) != 0 {
		t.Errorf("clips renderer was called for an expressives job")
	}
	got := expressives.Submitted()
	if len(got) != 1 {
		t.Fatalf("expressives submissions = %d, want 1", len(got))
	}
	if got[0].AvatarID != "amy-avatar" || got[0].SentimentID != "happy" {
		t.Errorf("avatar = %+v, want default avatar with request sentiment", got[0])
	}
}

func TestPipelineRetriesScriptGeneration(t *testing.T) {
	f := newPipelineFixture(t, func(f *pipelineFixture, _ *PipelineConfig) {
		f.generator.responses = []generatorResponse{
			{err: errors.New("upstream 503")},
			{err: errors.New("upstream 503")},
			{script: sampleScript},
		}
	})

	rec := f.waitTerminal(t, f.start(t, domain.RequestParams{}))
	if rec.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s (error %q)", rec.Status, rec.Error)
	}
	if got := f.generator.Calls(); got != 3 {
		t.Errorf("generator calls = %d, want 3", got)
	}
}

func TestPipelineFailures(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(*pipelineFixture, *PipelineConfig)
		wantPrefix    string
		wantContains  string
		wantGenerator int
		wantSubmitted int
	}{
		{
			name: "extractor error",
			setup: func(f *pipelineFixture, _ *PipelineConfig) {
				f.extractor.err = errors.New("open PDF: malformed header")
			},
			wantPrefix:   "extraction failed: ",
			wantContains: "malformed header",
		},
		{
			name: "image-only document",
			setup: func(f *pipelineFixture, _ *PipelineConfig) {
				f.extractor.text = "  \n\n  "
			},
			wantPrefix:   "validation failed: ",
			wantContains: "no text could be extracted",
		},
		{
			name: "garbled text",
			setup: func(f *pipelineFixture, _ *PipelineConfig) {
				f.extractor.text = strings.Repeat("%$#@!*&^ ", 10)
			},
			wantPrefix:   "validation failed: ",
			wantContains: "garbled",
		},
		{
			name: "retries exhausted keeps last error",
			setup: func(f *pipelineFixture, _ *PipelineConfig) {
				f.generator.responses = []generatorResponse{
					{err: errors.New("attempt one")},
					{err: errors.New("attempt two")},
					{err: errors.New("attempt three")},
				}
			},
			wantPrefix:    "script generation failed: ",
			wantContains:  "attempt three",
			wantGenerator: 3,
		},
		{
			name: "empty script is not retried",
			setup: func(f *pipelineFixture, _ *PipelineConfig) {
				f.generator.responses = []generatorResponse{{script: "   "}}
			},
			wantPrefix:    "script generation failed: ",
			wantContains:  ErrEmptyScript.Error(),
			wantGenerator: 1,
		},
		{
			name: "script too short",
			setup: func(f *pipelineFixture, _ *PipelineConfig) {
				f.generator.responses = []generatorResponse{{script: "Too short to narrate."}}
			},
			wantPrefix:    "validation failed: ",
			wantContains:  "too short",
			wantGenerator: 1,
		},
		{
			name: "script over backend limit",
			setup: func(f *pipelineFixture, cfg *PipelineConfig) {
				cfg.MaxScriptChars = map[domain.RenderBackend]int{domain.RenderBackendClips: 100}
			},
			wantPrefix:    "validation failed: ",
			wantContains:  "backend limit",
			wantGenerator: 1,
		},
		{
			name: "render request rejected",
			setup: func(f *pipelineFixture, _ *PipelineConfig) {
				f.clips.submitErr = errors.New("clips API returned HTTP 400: invalid presenter")
			},
			wantPrefix:    "render request failed: ",
			wantContains:  "invalid presenter",
			wantGenerator: 1,
		},
		{
			name: "single poll failure",
			setup: func(f *pipelineFixture, _ *PipelineConfig) {
				f.clips.pollErr = errors.New("connection reset")
			},
			wantPrefix:    "render status check failed: ",
			wantContains:  "connection reset",
			wantGenerator: 1,
			wantSubmitted: 1,
		},
		{
			name: "renderer reports error",
			setup: func(f *pipelineFixture, _ *PipelineConfig) {
				f.clips.statuses = []RenderStatus{{State: RenderPending}, {State: RenderError, Message: "voice unavailable"}}
			},
			wantPrefix:    "render failed: ",
			wantContains:  "voice unavailable",
			wantGenerator: 1,
			wantSubmitted: 1,
		},
		{
			name: "poll cap reached",
			setup: func(f *pipelineFixture, cfg *PipelineConfig) {
				cfg.MaxPolls = 3
				f.clips.statuses = []RenderStatus{{State: RenderPending}}
			},
			wantPrefix:    "render timed out after ",
			wantContains:  "(3 status checks)",
			wantGenerator: 1,
			wantSubmitted: 1,
		},
		{
			name: "extractor panic",
			setup: func(f *pipelineFixture, _ *PipelineConfig) {
				f.extractor.panic = true
			},
			wantPrefix:   "internal error: ",
			wantContains: "cross-reference",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t, tt.setup)
			rec := f.waitTerminal(t, f.start(t, domain.RequestParams{}))
			f.drain(t)

			if rec.Status != domain.JobStatusFailed {
				t.Fatalf("status = %s, want failed", rec.Status)
			}
			if !strings.HasPrefix(rec.Error, tt.wantPrefix) {
				t.Errorf("error = %q, want prefix %q", rec.Error, tt.wantPrefix)
			}
			if !strings.Contains(rec.Error, tt.wantContains) {
				t.Errorf("error = %q, want it to contain %q", rec.Error, tt.wantContains)
			}
			if rec.FailedAt == nil || rec.CompletedAt != nil || rec.ResultURL != "" {
				t.Errorf("terminal fields: failedAt=%v completedAt=%v resultURL=%q", rec.FailedAt, rec.CompletedAt, rec.ResultURL)
			}
			if got := f.generator.Calls(); got != tt.wantGenerator {
				t.Errorf("generator calls = %d, want %d", got, tt.wantGenerator)
			}
			if got := len(f.clips.Submitted()); got != tt.wantSubmitted {
				t.Errorf("render submissions = %d, want %d", got, tt.wantSubmitted)
			}
		})
	}
}

func TestPipelineStopsWhenRecordEvicted(t *testing.T) {
	f := newPipelineFixture(t, func(f *pipelineFixture, cfg *PipelineConfig) {
		cfg.MaxPolls = 1000
		f.clips.statuses = []RenderStatus{{State: RenderPending}}
	})

	id := f.start(t, domain.RequestParams{})

	deadline := time.Now().Add(3 * time.Second)
	for f.clips.Polls() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("polling never started")
		}
		time.Sleep(2 * time.Millisecond)
	}

	f.clock.Advance(31 * time.Minute)
	if removed := f.store.Sweep(f.clock.Now()); len(removed) != 1 || removed[0] != id {
		t.Fatalf("Sweep() removed %v, want [%s]", removed, id)
	}

	f.drain(t)
	polls := f.clips.Polls()
	time.Sleep(30 * time.Millisecond)
	if got := f.clips.Polls(); got != polls {
		t.Errorf("polling continued after eviction: %d -> %d", polls, got)
	}
	if _, err := f.store.Get(id); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("Get() after eviction error = %v, want ErrNotFound", err)
	}
	if f.store.Len() != 0 {
		t.Errorf("evicted record was written back")
	}
}

func TestPipelineDrainHonoursContext(t *testing.T) {
	f := newPipelineFixture(t, func(f *pipelineFixture, cfg *PipelineConfig) {
		cfg.MaxPolls = 1000
		cfg.PollInterval = 50 * time.Millisecond
		f.clips.statuses = []RenderStatus{{State: RenderPending}}
	})
	f.start(t, domain.RequestParams{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.pipeline.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain() error = %v, want deadline exceeded", err)
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 0, "hello"},
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"مرحبا بالعالم", 5, "مرحبا"},
	}
	for _, tt := range tests {
		if got := truncateRunes(tt.in, tt.max); got != tt.want {
			t.Errorf("truncateRunes(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
