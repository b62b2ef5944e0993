package handler

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fislearning/fischat/internal/api/middleware"
	"github.com/fislearning/fischat/internal/domain"
	"github.com/fislearning/fischat/internal/service"
)

// multipartOverhead is allowed on top of the file limit for form fields and
// part headers.
const multipartOverhead = 1 << 20

// VideoJobHandler handles document-to-video job endpoints.
type VideoJobHandler struct {
	submission *service.SubmissionService
	status     *service.StatusService
}

// NewVideoJobHandler creates a new video job handler.
// Parameters:
//   - submission: accepts uploads and starts jobs.
//   - status: read-only job lookups.
// Returns:
//   - *VideoJobHandler: initialized handler.
func NewVideoJobHandler(submission *service.SubmissionService, status *service.StatusService) *VideoJobHandler {
	return &VideoJobHandler{submission: submission, status: status}
}

// submitForm holds the non-file multipart fields.
type submitForm struct {
	Avatar        string `form:"avatar" binding:"omitempty,max=64"`
	Category      string `form:"category" binding:"omitempty,max=32"`
	RenderBackend string `form:"render_backend" binding:"omitempty,max=32"`
	Sentiment     string `form:"sentiment" binding:"omitempty,max=64"`
	Model         string `form:"model" binding:"omitempty,max=128"`
}

// SubmitResponse is the body of an accepted submission.
type SubmitResponse struct {
	JobID     string           `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	StatusURL string           `json:"status_url"`
}

// Create handles POST /api/v1/video-jobs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *VideoJobHandler) Create(c *gin.Context) {
	maxBytes := h.submission.MaxBytes()

	// Reject oversized uploads before reading the body.
	if c.Request.ContentLength > maxBytes+multipartOverhead {
		h.abortTooLarge(c, maxBytes)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+multipartOverhead)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		switch {
		case isBodyTooLarge(err):
			h.abortTooLarge(c, maxBytes)
		case errors.Is(err, http.ErrMissingFile):
			c.JSON(http.StatusBadRequest, gin.H{"error": "A PDF file is required in the 'file' field"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form: " + err.Error()})
		}
		return
	}
	if fileHeader.Size > maxBytes {
		h.abortTooLarge(c, maxBytes)
		return
	}

	var form submitForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read uploaded file"})
		return
	}
	defer file.Close()

	document, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read uploaded file"})
		return
	}

	result, err := h.submission.Submit(c.Request.Context(), service.SubmitRequest{
		Document:      document,
		ContentType:   fileHeader.Header.Get("Content-Type"),
		FileName:      fileHeader.Filename,
		Size:          fileHeader.Size,
		SourceID:      c.ClientIP(),
		AvatarKey:     form.Avatar,
		Category:      domain.Category(form.Category),
		RenderBackend: domain.RenderBackend(form.RenderBackend),
		Sentiment:     form.Sentiment,
		ModelID:       form.Model,
	})
	if err != nil {
		h.writeSubmitError(c, err)
		return
	}

	if result.Admission.Remaining >= 0 {
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Admission.Remaining, 10))
	}
	c.JSON(http.StatusAccepted, SubmitResponse{
		JobID:     result.Record.ID,
		Status:    result.Record.Status,
		StatusURL: c.FullPath() + "/" + result.Record.ID,
	})
}

// Get handles GET /api/v1/video-jobs/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *VideoJobHandler) Get(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job ID is required"})
		return
	}

	rec, err := h.status.GetStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		middleware.GetLogger(c).WithError(err).Error("Failed to get job status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job status"})
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (h *VideoJobHandler) writeSubmitError(c *gin.Context, err error) {
	var admission *service.AdmissionError
	switch {
	case errors.As(err, &admission):
		seconds := int(math.Ceil(admission.Decision.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.Header("X-RateLimit-Remaining", "0")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrPayloadTooLarge):
		h.abortTooLarge(c, h.submission.MaxBytes())
	case errors.Is(err, domain.ErrInvalidContentType), errors.Is(err, domain.ErrInvalidParams):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrRendererNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		middleware.GetLogger(c).WithError(err).Error("Failed to submit video job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create video job"})
	}
}

func (h *VideoJobHandler) abortTooLarge(c *gin.Context, maxBytes int64) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"error": fmt.Sprintf("File too large, the limit is %d MB", maxBytes>>20),
	})
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
