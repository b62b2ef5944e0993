package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fislearning/fischat/internal/domain"
	"github.com/fislearning/fischat/internal/jobs"
	"github.com/fislearning/fischat/internal/logger"
	"github.com/fislearning/fischat/internal/metrics"
	"github.com/fislearning/fischat/internal/prompts"
	"github.com/fislearning/fischat/internal/retry"
	"github.com/fislearning/fischat/internal/validation"
)

const tracerName = "github.com/fislearning/fischat/internal/service"

// errJobGone means the record was evicted while the job was still running.
var errJobGone = errors.New("job record no longer exists")

// stageFailure carries the message written to the record's error field.
type stageFailure struct {
	msg string
}

func (e *stageFailure) Error() string { return e.msg }

func failf(format string, args ...interface{}) error {
	return &stageFailure{msg: fmt.Sprintf(format, args...)}
}

// PipelineConfig holds the orchestration knobs.
type PipelineConfig struct {
	PollInterval   time.Duration
	MaxPolls       int
	StageTimeout   time.Duration // covers everything before polling
	MaxSourceChars int
	MaxScriptChars map[domain.RenderBackend]int
	Retry          retry.Policy
}

// DefaultPipelineConfig polls every 2s for at most 300 checks and retries
// script generation twice.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		PollInterval:   2 * time.Second,
		MaxPolls:       300,
		StageTimeout:   5 * time.Minute,
		MaxSourceChars: 12000,
		Retry:          retry.DefaultPolicy(),
	}
}

// Pipeline drives one video job from uploaded document to rendered video.
// Each job runs detached from the request that created it and is the only
// writer of its record.
type Pipeline struct {
	store     *jobs.Store
	extractor TextExtractor
	generator ScriptGenerator
	renderers map[domain.RenderBackend]VideoRenderer
	avatars   *AvatarCatalog
	metrics   *metrics.Collector
	tracer    trace.Tracer
	log       *logger.Logger
	cfg       PipelineConfig

	wg sync.WaitGroup
}

// NewPipeline wires the orchestrator.
// Parameters:
//   - store: job record store shared with submission and status lookups.
//   - extractor, generator: document and script collaborators.
//   - renderers: configured render backends; missing backends are rejected at submit.
//   - avatars: avatar key resolution.
//   - m: metrics collector, may be nil.
//   - log: base logger, may be nil.
//   - cfg: timing and retry settings; zero fields take the defaults.
// Returns:
//   - *Pipeline: ready orchestrator.
func NewPipeline(
	store *jobs.Store,
	extractor TextExtractor,
	generator ScriptGenerator,
	renderers map[domain.RenderBackend]VideoRenderer,
	avatars *AvatarCatalog,
	m *metrics.Collector,
	log *logger.Logger,
	cfg PipelineConfig,
) *Pipeline {
	def := DefaultPipelineConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = def.MaxPolls
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.MaxSourceChars <= 0 {
		cfg.MaxSourceChars = def.MaxSourceChars
	}
	if log == nil {
		log = logger.GetDefault()
	}
	if renderers == nil {
		renderers = map[domain.RenderBackend]VideoRenderer{}
	}

	return &Pipeline{
		store:     store,
		extractor: extractor,
		generator: generator,
		renderers: renderers,
		avatars:   avatars,
		metrics:   m,
		tracer:    otel.Tracer(tracerName),
		log:       log,
		cfg:       cfg,
	}
}

// HasRenderer reports whether backend can serve jobs.
func (p *Pipeline) HasRenderer(backend domain.RenderBackend) bool {
	_, ok := p.renderers[backend]
	return ok
}

// jobRun is the orchestrator's private state for one job. Its fields are
// touched by one goroutine at a time: the detached run, then each poll tick.
type jobRun struct {
	ctx         context.Context
	span        trace.Span
	id          string
	request     domain.RequestParams
	stage       domain.Stage
	started     time.Time
	renderer    VideoRenderer
	renderJobID string
	polls       int
	finishOnce  sync.Once
}

// Start runs the job for rec in the background and returns immediately.
// The job does not inherit cancellation from ctx, only its values.
func (p *Pipeline) Start(ctx context.Context, rec domain.JobRecord, document []byte) {
	base := context.WithoutCancel(ctx)
	base = p.log.WithField(logger.FieldBackend, string(rec.Request.RenderBackend)).WithContext(base)
	base = logger.SetComponent(logger.SetJobID(base, rec.ID), "pipeline")
	if reqID := logger.GetRequestID(ctx); reqID != "" {
		base = logger.SetRequestID(base, reqID)
	}

	base, span := p.tracer.Start(base, "video_job", trace.WithAttributes(
		attribute.String("job.id", rec.ID),
		attribute.String("job.backend", string(rec.Request.RenderBackend)),
		attribute.String("job.category", string(rec.Request.Category)),
	))

	run := &jobRun{
		ctx:     base,
		span:    span,
		id:      rec.ID,
		request: rec.Request,
		stage:   domain.StageCreated,
		started: time.Now(),
	}

	p.wg.Add(1)
	p.metrics.JobStarted()
	go p.run(run, document)
}

// Drain waits for running jobs until ctx is done.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) run(run *jobRun, document []byte) {
	defer p.recoverInto(run)

	ctx, cancel := context.WithTimeout(run.ctx, p.cfg.StageTimeout)
	defer cancel()

	logger.CtxInfo(ctx, "Video job started")
	if err := p.prepare(ctx, run, document); err != nil {
		p.handleError(run, err)
		return
	}
	p.schedulePoll(run)
}

// prepare runs the sequential stages up to an accepted render request.
func (p *Pipeline) prepare(ctx context.Context, run *jobRun, document []byte) error {
	var text string
	err := p.stage(ctx, run, domain.StageExtractingText, "Extracting text from the document", func(ctx context.Context) error {
		var err error
		text, err = p.extractor.ExtractText(ctx, document)
		if err != nil {
			return failf("extraction failed: %v", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, run, domain.StageValidatingExtraction, "Checking the extracted text", func(context.Context) error {
		if res := validation.ValidateExtraction(text); !res.Valid {
			return failf("validation failed: %s", res.Reason)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var script string
	err = p.stage(ctx, run, domain.StageGeneratingScript, "Writing the narration script", func(ctx context.Context) error {
		var err error
		script, err = p.generateScript(ctx, run, text)
		if err != nil {
			return failf("script generation failed: %v", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, run, domain.StageValidatingScript, "Checking the script", func(context.Context) error {
		res := validation.ValidateScript(script, p.cfg.MaxScriptChars[run.request.RenderBackend])
		if !res.Valid {
			return failf("validation failed: %s", res.Reason)
		}
		stats := res.Stats
		return p.update(run, func(r *domain.JobRecord) {
			r.Script = script
			r.ScriptStats = &stats
		})
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, run, domain.StageRequestingRender, "Sending the script to the video renderer", func(ctx context.Context) error {
		renderer, ok := p.renderers[run.request.RenderBackend]
		if !ok {
			return failf("render request failed: backend %q is not configured", run.request.RenderBackend)
		}
		avatar := p.avatars.Resolve(run.request.AvatarKey, run.request.Sentiment)
		renderJobID, err := renderer.Submit(ctx, script, avatar)
		if err != nil {
			return failf("render request failed: %v", err)
		}
		run.renderer = renderer
		run.renderJobID = renderJobID
		return nil
	})
	if err != nil {
		return err
	}

	return p.advance(run, domain.StagePolling, "Rendering the video", func(r *domain.JobRecord) {
		r.RenderJobID = run.renderJobID
	})
}

func (p *Pipeline) generateScript(ctx context.Context, run *jobRun, text string) (string, error) {
	prompt := prompts.ScriptPrompt(run.request.Category)
	source := truncateRunes(text, p.cfg.MaxSourceChars)

	policy := p.cfg.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.metrics.ScriptRetried()
		logger.With(logger.Fields{logger.FieldAttempt: attempt + 1}).
			WithDuration(delay).
			Warn(ctx, "Script generation failed, retrying: %v", err)
		_ = p.update(run, func(r *domain.JobRecord) {
			r.Progress = fmt.Sprintf("Writing the narration script (retry %d of %d)", attempt+1, policy.MaxRetries)
		})
	}

	return retry.Do(ctx, policy, func(ctx context.Context, _ int) (string, error) {
		out, err := p.generator.GenerateScript(ctx, prompt, source, run.request.ModelID)
		if err != nil {
			return "", err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return "", retry.Permanent(ErrEmptyScript)
		}
		return out, nil
	})
}

// stage records the transition, then runs fn inside a span.
func (p *Pipeline) stage(ctx context.Context, run *jobRun, stage domain.Stage, progress string, fn func(context.Context) error) error {
	if err := p.advance(run, stage, progress, nil); err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "pipeline."+string(stage))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.metrics.StageObserved(string(stage), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) advance(run *jobRun, stage domain.Stage, progress string, mutate func(*domain.JobRecord)) error {
	run.stage = stage
	return p.update(run, func(r *domain.JobRecord) {
		r.Stage = stage
		r.Progress = progress
		if mutate != nil {
			mutate(r)
		}
	})
}

func (p *Pipeline) update(run *jobRun, mutate func(*domain.JobRecord)) error {
	_, err := p.store.Update(run.id, mutate)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jobs.ErrNotFound):
		return errJobGone
	default:
		return fmt.Errorf("update job record: %w", err)
	}
}

func (p *Pipeline) schedulePoll(run *jobRun) {
	time.AfterFunc(p.cfg.PollInterval, func() { p.pollOnce(run) })
}

// pollOnce performs one status check and either finishes the job or arms
// the next tick.
func (p *Pipeline) pollOnce(run *jobRun) {
	defer p.recoverInto(run)

	run.polls++
	backend := string(run.request.RenderBackend)
	ctx, span := p.tracer.Start(run.ctx, "pipeline.poll", trace.WithAttributes(
		attribute.Int("poll.attempt", run.polls),
		attribute.String("render.id", run.renderJobID),
	))
	defer span.End()

	status, err := run.renderer.PollStatus(ctx, run.renderJobID)
	if err != nil {
		p.metrics.RenderPolled(backend, "check_error")
		span.RecordError(err)
		p.fail(run, fmt.Sprintf("render status check failed: %v", err))
		return
	}
	p.metrics.RenderPolled(backend, string(status.State))
	logger.CtxDebug(ctx, "Render %s is %s (check %d)", run.renderJobID, status.State, run.polls)

	switch status.State {
	case RenderDone:
		p.complete(run, status.ResultURL)
		return
	case RenderError:
		msg := status.Message
		if msg == "" {
			msg = "renderer reported an error"
		}
		p.fail(run, "render failed: "+msg)
		return
	}

	if run.polls >= p.cfg.MaxPolls {
		waited := time.Duration(run.polls) * p.cfg.PollInterval
		p.fail(run, fmt.Sprintf("render timed out after %s (%d status checks)", waited, run.polls))
		return
	}

	polls := run.polls
	err = p.update(run, func(r *domain.JobRecord) {
		r.Progress = fmt.Sprintf("Rendering the video (check %d of %d)", polls, p.cfg.MaxPolls)
	})
	if err != nil {
		p.handleError(run, err)
		return
	}
	p.schedulePoll(run)
}

func (p *Pipeline) handleError(run *jobRun, err error) {
	var failure *stageFailure
	switch {
	case errors.Is(err, errJobGone):
		p.abandon(run)
	case errors.As(err, &failure):
		p.fail(run, failure.msg)
	default:
		p.fail(run, err.Error())
	}
}

func (p *Pipeline) complete(run *jobRun, resultURL string) {
	now := p.store.Now()
	_, err := p.store.Update(run.id, func(r *domain.JobRecord) {
		r.MarkCompleted(resultURL, now)
	})
	if err != nil {
		p.terminalWriteFailed(run, err)
		return
	}

	logger.With(logger.Fields{"result_url": resultURL, "polls": run.polls}).
		WithStatus(string(domain.JobStatusCompleted)).
		WithDuration(time.Since(run.started)).
		Info(run.ctx, "Video job completed")
	p.finish(run, domain.JobStatusCompleted)
}

func (p *Pipeline) fail(run *jobRun, msg string) {
	now := p.store.Now()
	_, err := p.store.Update(run.id, func(r *domain.JobRecord) {
		r.MarkFailed(msg, now)
	})
	if err != nil {
		p.terminalWriteFailed(run, err)
		return
	}

	run.span.SetStatus(codes.Error, msg)
	logger.With(logger.Fields{logger.FieldStage: string(run.stage)}).
		WithStatus(string(domain.JobStatusFailed)).
		WithDuration(time.Since(run.started)).
		Warn(run.ctx, "Video job failed: %s", msg)
	p.finish(run, domain.JobStatusFailed)
}

func (p *Pipeline) terminalWriteFailed(run *jobRun, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		p.abandon(run)
		return
	}
	logger.CtxError(run.ctx, "Failed to record terminal job state: %v", err)
	p.release(run, func() { p.metrics.JobAbandoned() })
}

// abandon ends a job whose record was evicted. Nothing is written back.
func (p *Pipeline) abandon(run *jobRun) {
	logger.With(logger.Fields{logger.FieldStage: string(run.stage)}).
		Warn(run.ctx, "Job record evicted before the job finished, dropping its result")
	p.release(run, func() { p.metrics.JobAbandoned() })
}

func (p *Pipeline) finish(run *jobRun, status domain.JobStatus) {
	p.release(run, func() {
		p.metrics.JobFinished(string(run.request.RenderBackend), string(status), string(run.stage), time.Since(run.started))
	})
}

func (p *Pipeline) release(run *jobRun, record func()) {
	run.finishOnce.Do(func() {
		record()
		run.span.End()
		p.wg.Done()
	})
}

// recoverInto converts a panic in a detached job into a failed record.
func (p *Pipeline) recoverInto(run *jobRun) {
	if r := recover(); r != nil {
		logger.CtxError(run.ctx, "Video job panicked: %v\n%s", r, debug.Stack())
		p.fail(run, fmt.Sprintf("internal error: %v", r))
	}
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
