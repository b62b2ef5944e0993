package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/fislearning/fischat/internal/config"
	"github.com/fislearning/fischat/internal/domain"
	"github.com/fislearning/fischat/internal/jobs"
	"github.com/fislearning/fischat/internal/logger"
	"github.com/fislearning/fischat/internal/metrics"
	"github.com/fislearning/fischat/internal/retry"
	"github.com/fislearning/fischat/internal/service"
)

// maxExtractPages bounds how much of a long document is read.
const maxExtractPages = 50

// App is the wired service graph used by the API server.
type App struct {
	Store      *jobs.Store
	Sweeper    *jobs.Sweeper
	Pipeline   *service.Pipeline
	Submission *service.SubmissionService
	Status     *service.StatusService
	Models     *service.ModelCatalog
	Metrics    *metrics.Collector

	closers []CloseFunc
}

// NewApp builds the store, reloads the last snapshot and wires the services.
// Parameters:
//   - ctx: startup context.
//   - cfg: loaded configuration.
//   - log: base logger.
//   - m: metrics collector, may be nil.
// Returns:
//   - *App: ready graph; call Start, then Close on shutdown.
//   - error: non-nil if a backend cannot be initialized.
func NewApp(ctx context.Context, cfg *config.Config, log *logger.Logger, m *metrics.Collector) (*App, error) {
	app := &App{Metrics: m}

	persister, closePersister, err := NewPersister(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closePersister)

	storeCfg := StoreConfig(cfg)
	storeCfg.Metrics = m
	app.Store = jobs.NewStore(persister, log, storeCfg)

	if _, err := app.Store.Load(ctx); err != nil {
		app.Store.Stop()
		_ = app.close()
		return nil, fmt.Errorf("restore job records: %w", err)
	}

	limiter, closeLimiter, err := NewLimiter(ctx, cfg)
	if err != nil {
		_ = app.Store.Close(ctx)
		_ = app.close()
		return nil, err
	}
	app.closers = append(app.closers, closeLimiter)

	avatars := service.NewAvatarCatalog(cfg.Avatars)
	app.Models = service.NewModelCatalog(cfg.Models)

	generator := service.NewScriptService(&service.ScriptServiceConfig{
		BaseURL:     cfg.Script.BaseURL,
		APIKey:      cfg.Script.APIKey,
		Referer:     cfg.Script.Referer,
		Title:       cfg.Script.Title,
		Timeout:     cfg.Script.Timeout,
		MaxTokens:   cfg.Script.MaxTokens,
		Temperature: cfg.Script.Temperature,
	})
	if cfg.Script.APIKey == "" {
		log.Warn("No script API key configured, script generation will fail")
	}

	renderers := NewRenderers(cfg, log)
	app.Pipeline = service.NewPipeline(
		app.Store,
		service.NewPDFTextExtractor(maxExtractPages),
		generator,
		renderers,
		avatars,
		m,
		log,
		service.PipelineConfig{
			PollInterval:   cfg.Render.PollInterval,
			MaxPolls:       cfg.Render.MaxPolls,
			StageTimeout:   cfg.Render.StageTimeout,
			MaxSourceChars: cfg.Script.MaxSourceChars,
			MaxScriptChars: map[domain.RenderBackend]int{
				domain.RenderBackendClips:       cfg.Render.Clips.MaxScriptChars,
				domain.RenderBackendExpressives: cfg.Render.Expressives.MaxScriptChars,
			},
			Retry: retry.Policy{
				MaxRetries: cfg.Script.MaxRetries,
				BaseDelay:  cfg.Script.RetryBaseDelay,
			},
		},
	)

	app.Submission = service.NewSubmissionService(service.SubmissionConfig{
		Store:    app.Store,
		Runner:   app.Pipeline,
		Limiter:  limiter,
		Models:   app.Models,
		Avatars:  avatars,
		Metrics:  m,
		MaxBytes: cfg.Upload.MaxBytes,
	})
	app.Status = service.NewStatusService(app.Store)
	app.Sweeper = jobs.NewSweeper(app.Store, cfg.Store.SweepInterval, log)
	return app, nil
}

// NewRenderers returns the render backends that have credentials.
func NewRenderers(cfg *config.Config, log *logger.Logger) map[domain.RenderBackend]service.VideoRenderer {
	renderers := make(map[domain.RenderBackend]service.VideoRenderer, 2)
	if c := cfg.Render.Clips; c.Configured() {
		renderers[domain.RenderBackendClips] = service.NewClipsRenderer(&service.RendererConfig{
			BaseURL: c.BaseURL, APIKey: c.APIKey, Timeout: c.Timeout,
		})
	}
	if c := cfg.Render.Expressives; c.Configured() {
		renderers[domain.RenderBackendExpressives] = service.NewExpressivesRenderer(&service.RendererConfig{
			BaseURL: c.BaseURL, APIKey: c.APIKey, Timeout: c.Timeout,
		})
	}

	enabled := make([]string, 0, len(renderers))
	for b := range renderers {
		enabled = append(enabled, string(b))
	}
	if len(enabled) == 0 {
		log.Warn("No render backend configured, video submissions will be rejected")
	} else {
		log.WithField("backends", enabled).Info("Render backends configured")
	}
	return renderers
}

// Start launches background maintenance.
func (a *App) Start(ctx context.Context) {
	a.Sweeper.Start(ctx)
}

// Close stops the sweeper, gives running jobs until ctx is done, then flushes
// the store and releases backends. Jobs still running are abandoned as they
// stand in the last snapshot.
func (a *App) Close(ctx context.Context) error {
	a.Sweeper.Stop()

	var errs []error
	if err := a.Pipeline.Drain(ctx); err != nil {
		logger.CtxWarn(ctx, "Abandoning running video jobs: %v", err)
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobs.DefaultFlushTimeout)
	defer cancel()
	if err := a.Store.Close(flushCtx); err != nil {
		errs = append(errs, fmt.Errorf("close job store: %w", err))
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
