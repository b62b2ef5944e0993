package service

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fislearning/fischat/internal/domain"
	"github.com/fislearning/fischat/internal/jobs"
	"github.com/fislearning/fischat/internal/logger"
	"github.com/fislearning/fischat/internal/metrics"
	"github.com/fislearning/fischat/internal/ratelimit"
)

// DefaultMaxUploadBytes is the upload limit when none is configured.
const DefaultMaxUploadBytes int64 = 20 << 20

const pdfContentType = "application/pdf"

// JobRunner starts accepted jobs. Pipeline implements it.
type JobRunner interface {
	HasRenderer(backend domain.RenderBackend) bool
	Start(ctx context.Context, rec domain.JobRecord, document []byte)
}

// SubmitRequest is one upload with its form parameters.
type SubmitRequest struct {
	Document      []byte
	ContentType   string
	FileName      string
	Size          int64
	SourceID      string               `validate:"required,max=256"`
	AvatarKey     string               `validate:"omitempty,max=64"`
	Category      domain.Category      `validate:"omitempty,oneof=summarize explanation"`
	RenderBackend domain.RenderBackend `validate:"omitempty,oneof=clips expressives"`
	Sentiment     string               `validate:"omitempty,max=64"`
	ModelID       string               `validate:"omitempty,max=128"`
}

// SubmitResult is an accepted submission.
type SubmitResult struct {
	Record    domain.JobRecord
	Admission ratelimit.Decision
}

// AdmissionError is returned when the admission window is exhausted.
// It matches domain.ErrAdmissionRejected with errors.Is.
type AdmissionError struct {
	Decision ratelimit.Decision
}

func (e *AdmissionError) Error() string {
	return domain.ErrAdmissionRejected.Error()
}

func (e *AdmissionError) Unwrap() error {
	return domain.ErrAdmissionRejected
}

// SubmissionService accepts uploads and hands them to the pipeline.
type SubmissionService struct {
	store    *jobs.Store
	runner   JobRunner
	limiter  ratelimit.Limiter
	models   *ModelCatalog
	avatars  *AvatarCatalog
	validate *validatorv10.Validate
	metrics  *metrics.Collector
	maxBytes int64
	newID    func() string
}

// SubmissionConfig holds submission collaborators and limits.
type SubmissionConfig struct {
	Store    *jobs.Store
	Runner   JobRunner
	Limiter  ratelimit.Limiter // nil admits everything
	Models   *ModelCatalog
	Avatars  *AvatarCatalog
	Metrics  *metrics.Collector
	MaxBytes int64
}

// NewSubmissionService creates a SubmissionService.
func NewSubmissionService(cfg SubmissionConfig) *SubmissionService {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &SubmissionService{
		store:    cfg.Store,
		runner:   cfg.Runner,
		limiter:  cfg.Limiter,
		models:   cfg.Models,
		avatars:  cfg.Avatars,
		validate: validatorv10.New(),
		metrics:  cfg.Metrics,
		maxBytes: maxBytes,
		newID:    func() string { return uuid.New().String() },
	}
}

// MaxBytes returns the upload size limit.
func (s *SubmissionService) MaxBytes() int64 {
	return s.maxBytes
}

// Submit checks the upload, applies admission control, creates the job
// record and starts the pipeline. It returns before any stage runs.
// Parameters:
//   - ctx: request context; the job itself does not inherit its cancellation.
//   - req: the upload and its parameters.
// Returns:
//   - *SubmitResult: the created record and the admission decision.
//   - error: one of the domain submission errors (wrapped), or a store error.
func (s *SubmissionService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.Size > s.maxBytes || int64(len(req.Document)) > s.maxBytes {
		s.metrics.SubmissionObserved("too_large")
		return nil, fmt.Errorf("%w: %d bytes, limit %d", domain.ErrPayloadTooLarge, max(req.Size, int64(len(req.Document))), s.maxBytes)
	}
	if len(req.Document) == 0 {
		s.metrics.SubmissionObserved("invalid_params")
		return nil, fmt.Errorf("%w: file is required", domain.ErrInvalidParams)
	}
	if !isPDF(req.ContentType, req.Document) {
		s.metrics.SubmissionObserved("bad_content_type")
		return nil, fmt.Errorf("%w: got %q", domain.ErrInvalidContentType, req.ContentType)
	}

	params, err := s.normalize(req)
	if err != nil {
		s.metrics.SubmissionObserved("invalid_params")
		return nil, err
	}
	if !s.runner.HasRenderer(params.RenderBackend) {
		s.metrics.SubmissionObserved("renderer_unavailable")
		return nil, fmt.Errorf("%w: %s", domain.ErrRendererNotConfigured, params.RenderBackend)
	}

	decision, err := s.admit(ctx, params.SourceID)
	if err != nil {
		s.metrics.SubmissionObserved("rate_limited")
		s.metrics.AdmissionRejected()
		return nil, err
	}

	rec, err := s.store.Create(domain.JobRecord{
		ID:       s.newID(),
		Status:   domain.JobStatusProcessing,
		Stage:    domain.StageCreated,
		Progress: "Queued",
		Request:  params,
	})
	if err != nil {
		s.metrics.SubmissionObserved("error")
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.metrics.SubmissionObserved("accepted")
	logger.With(logger.Fields{
		logger.FieldJobID:   rec.ID,
		logger.FieldBackend: string(params.RenderBackend),
		logger.FieldSize:    params.InputSize,
		"category":          string(params.Category),
		"model":             params.ModelID,
	}).Info(ctx, "Video job accepted")

	s.runner.Start(ctx, rec, req.Document)
	return &SubmitResult{Record: rec, Admission: decision}, nil
}

// normalize validates the form fields and fills defaults.
func (s *SubmissionService) normalize(req SubmitRequest) (domain.RequestParams, error) {
	req.AvatarKey = strings.ToLower(strings.TrimSpace(req.AvatarKey))
	req.Category = domain.Category(strings.ToLower(strings.TrimSpace(string(req.Category))))
	req.RenderBackend = domain.RenderBackend(strings.ToLower(strings.TrimSpace(string(req.RenderBackend))))
	req.Sentiment = strings.TrimSpace(req.Sentiment)
	req.ModelID = strings.TrimSpace(req.ModelID)

	if err := s.validate.Struct(req); err != nil {
		return domain.RequestParams{}, fmt.Errorf("%w: %s", domain.ErrInvalidParams, describeValidation(err))
	}

	if req.Category == "" {
		req.Category = domain.CategorySummarize
	}
	if req.RenderBackend == "" {
		req.RenderBackend = domain.RenderBackendClips
	}
	if req.AvatarKey == "" && s.avatars != nil {
		req.AvatarKey = s.avatars.DefaultKey()
	}
	if s.models != nil {
		if req.ModelID == "" {
			req.ModelID = s.models.Default()
		} else if !s.models.Contains(req.ModelID) {
			return domain.RequestParams{}, fmt.Errorf("%w: unknown model %q", domain.ErrInvalidParams, req.ModelID)
		}
	}

	size := req.Size
	if size <= 0 {
		size = int64(len(req.Document))
	}
	return domain.RequestParams{
		AvatarKey:     req.AvatarKey,
		Category:      req.Category,
		RenderBackend: req.RenderBackend,
		Sentiment:     req.Sentiment,
		SourceID:      req.SourceID,
		InputSize:     size,
		ModelID:       req.ModelID,
		FileName:      req.FileName,
	}, nil
}

// admit consults the limiter. Limiter failures admit the request.
func (s *SubmissionService) admit(ctx context.Context, source string) (ratelimit.Decision, error) {
	if s.limiter == nil {
		return ratelimit.Decision{Allowed: true, Remaining: -1}, nil
	}
	decision, err := s.limiter.Allow(ctx, source)
	if err != nil {
		logger.CtxWarn(ctx, "Admission check failed, admitting request: %v", err)
		return ratelimit.Decision{Allowed: true, Remaining: -1}, nil
	}
	if !decision.Allowed {
		logger.With(logger.Fields{logger.FieldSource: source}).
			Warn(ctx, "Video job rejected by admission control, retry after %s", decision.RetryAfter)
		return decision, &AdmissionError{Decision: decision}
	}
	return decision, nil
}

// isPDF accepts an explicit application/pdf type. A missing or generic type
// falls back to sniffing the leading bytes.
func isPDF(contentType string, document []byte) bool {
	mediaType := strings.TrimSpace(contentType)
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	mediaType = strings.ToLower(mediaType)

	switch mediaType {
	case pdfContentType:
		return true
	case "", "application/octet-stream":
		return http.DetectContentType(document) == pdfContentType
	default:
		return false
	}
}

func describeValidation(err error) string {
	var verrs validatorv10.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Tag() == "oneof" {
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
