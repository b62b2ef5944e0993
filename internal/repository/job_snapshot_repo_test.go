package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fislearning/fischat/internal/config"
	"github.com/fislearning/fischat/internal/domain"
)

func newTestRepo(t *testing.T) *JobSnapshotRepository {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "jobs.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() { _ = Close(db) })
	return NewJobSnapshotRepository(db)
}

func TestJobSnapshotRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	done := created.Add(3 * time.Minute)
	records := []domain.JobRecord{
		{
			ID:       "older",
			Status:   domain.JobStatusCompleted,
			Stage:    domain.StageCompleted,
			Progress: "Video ready",
			Request: domain.RequestParams{
				AvatarKey:     "amy",
				Category:      domain.CategorySummarize,
				RenderBackend: domain.RenderBackendClips,
				SourceID:      "203.0.113.7",
				InputSize:     5120,
				ModelID:       "model-a",
				FileName:      "report.pdf",
			},
			Script:      "A short narration.",
			ScriptStats: &domain.ScriptStats{Words: 3, Characters: 18, EstimatedSeconds: 1.2},
			RenderJobID: "clp_1",
			ResultURL:   "https://cdn.example.com/clp_1.mp4",
			CreatedAt:   created,
			UpdatedAt:   done,
			CompletedAt: &done,
		},
		{
			ID:        "newer",
			Status:    domain.JobStatusProcessing,
			Stage:     domain.StagePolling,
			Progress:  "Rendering the video",
			Request:   domain.RequestParams{Category: domain.CategoryExplanation, RenderBackend: domain.RenderBackendExpressives},
			CreatedAt: created.Add(time.Minute),
			UpdatedAt: created.Add(2 * time.Minute),
		},
	}

	if err := repo.SaveSnapshot(ctx, records); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	loaded, err := repo.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d records, want 2", len(loaded))
	}
	if loaded[0].ID != "newer" || loaded[1].ID != "older" {
		t.Errorf("order = [%s %s], want newest first", loaded[0].ID, loaded[1].ID)
	}

	got := loaded[1]
	if got.Request != records[0].Request {
		t.Errorf("request = %+v, want %+v", got.Request, records[0].Request)
	}
	if got.ScriptStats == nil || *got.ScriptStats != *records[0].ScriptStats {
		t.Errorf("script stats = %+v", got.ScriptStats)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created at = %v, want %v", got.CreatedAt, created)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("completed at = %v, want %v", got.CompletedAt, done)
	}
	if got.Status != domain.JobStatusCompleted || got.ResultURL != records[0].ResultURL {
		t.Errorf("record = %+v", got)
	}
}

func TestJobSnapshotReplacesPreviousSet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first := []domain.JobRecord{
		{ID: "a", Status: domain.JobStatusProcessing, Stage: domain.StageCreated, CreatedAt: now},
		{ID: "b", Status: domain.JobStatusProcessing, Stage: domain.StageCreated, CreatedAt: now},
	}
	if err := repo.SaveSnapshot(ctx, first); err != nil {
		t.Fatalf("SaveSnapshot(first) error = %v", err)
	}
	if err := repo.SaveSnapshot(ctx, first[1:]); err != nil {
		t.Fatalf("SaveSnapshot(second) error = %v", err)
	}

	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	if err := repo.SaveSnapshot(ctx, nil); err != nil {
		t.Fatalf("SaveSnapshot(nil) error = %v", err)
	}
	loaded, err := repo.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("loaded %d records after empty snapshot, want 0", len(loaded))
	}
}
