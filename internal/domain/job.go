package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JobStatus is the externally visible state of a video job.
// A job starts as JobStatusProcessing and moves exactly once to
// JobStatusCompleted or JobStatusFailed.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	return s == JobStatusProcessing || s.IsTerminal()
}

// Stage is the machine-readable pipeline step a job is in.
type Stage string

const (
	StageCreated              Stage = "created"
	StageExtractingText       Stage = "extracting_text"
	StageValidatingExtraction Stage = "validating_extraction"
	StageGeneratingScript     Stage = "generating_script"
	StageValidatingScript     Stage = "validating_script"
	StageRequestingRender     Stage = "requesting_render"
	StagePolling              Stage = "polling"
	StageCompleted            Stage = "completed"
	StageFailed               Stage = "failed"
)

// Category selects the script prompt.
type Category string

const (
	CategorySummarize   Category = "summarize"
	CategoryExplanation Category = "explanation"
)

// RenderBackend names the external video renderer.
type RenderBackend string

const (
	RenderBackendClips       RenderBackend = "clips"
	RenderBackendExpressives RenderBackend = "expressives"
)

// RequestParams are the submission parameters frozen at creation.
type RequestParams struct {
	AvatarKey     string        `json:"avatar"`
	Category      Category      `json:"category"`
	RenderBackend RenderBackend `json:"render_backend"`
	Sentiment     string        `json:"sentiment,omitempty"`
	SourceID      string        `json:"source"`
	InputSize     int64         `json:"input_size"`
	ModelID       string        `json:"model"`
	FileName      string        `json:"file_name,omitempty"`
}

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded parameters.
//   - error: non-nil if marshaling fails.
func (p RequestParams) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (p *RequestParams) Scan(value interface{}) error {
	return scanJSON(value, p)
}

// ScriptStats describes a validated narration script.
type ScriptStats struct {
	Words            int     `json:"words"`
	Characters       int     `json:"characters"`
	EstimatedSeconds float64 `json:"estimated_seconds"`
}

// Value implements the driver.Valuer interface for database serialization.
func (s ScriptStats) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (s *ScriptStats) Scan(value interface{}) error {
	return scanJSON(value, s)
}

func scanJSON(value interface{}, dst interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("unsupported JSON column type")
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// JobRecord is the unit of state for one document-to-video job.
// CreatedAt never changes and is the basis for eviction.
type JobRecord struct {
	ID          string        `gorm:"type:text;primaryKey" json:"id"`
	Status      JobStatus     `gorm:"type:text;not null;index" json:"status"`
	Stage       Stage         `gorm:"type:text;not null" json:"stage"`
	Progress    string        `gorm:"type:text" json:"progress"`
	Request     RequestParams `gorm:"type:text" json:"request"`
	Script      string        `gorm:"type:text" json:"script,omitempty"`
	ScriptStats *ScriptStats  `gorm:"type:text" json:"script_stats,omitempty"`
	RenderJobID string        `gorm:"type:text" json:"render_job_id,omitempty"`
	ResultURL   string        `gorm:"type:text" json:"result_url,omitempty"`
	Error       string        `gorm:"type:text" json:"error,omitempty"`
	CreatedAt   time.Time     `gorm:"not null;index;autoCreateTime:false" json:"created_at"`
	UpdatedAt   time.Time     `gorm:"autoUpdateTime:false" json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	FailedAt    *time.Time    `json:"failed_at,omitempty"`
}

// TableName returns the database table name for JobRecord.
func (JobRecord) TableName() string {
	return "job_records"
}

// Clone returns a deep copy safe to hand out of the store.
func (r JobRecord) Clone() JobRecord {
	out := r
	if r.ScriptStats != nil {
		stats := *r.ScriptStats
		out.ScriptStats = &stats
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.FailedAt != nil {
		t := *r.FailedAt
		out.FailedAt = &t
	}
	return out
}

// MarkCompleted moves a processing record to completed.
func (r *JobRecord) MarkCompleted(resultURL string, at time.Time) {
	if r.Status.IsTerminal() {
		return
	}
	r.Status = JobStatusCompleted
	r.Stage = StageCompleted
	r.Progress = "Video ready"
	r.ResultURL = resultURL
	r.CompletedAt = &at
}

// MarkFailed moves a processing record to failed, keeping the first cause.
func (r *JobRecord) MarkFailed(msg string, at time.Time) {
	if r.Status.IsTerminal() {
		return
	}
	r.Status = JobStatusFailed
	r.Stage = StageFailed
	r.Progress = "Failed"
	r.Error = msg
	r.FailedAt = &at
}

// Expired reports whether the record has outlived ttl at now.
func (r JobRecord) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.CreatedAt) > ttl
}
