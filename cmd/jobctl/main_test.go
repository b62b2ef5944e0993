package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fislearning/fischat/internal/domain"
	"github.com/fislearning/fischat/internal/jobs"
	"github.com/fislearning/fischat/internal/logger"
)

type savingPersister struct {
	mu    sync.Mutex
	saved []domain.JobRecord
	saves int
}

func (p *savingPersister) LoadSnapshot(context.Context) ([]domain.JobRecord, error) {
	return nil, nil
}

func (p *savingPersister) SaveSnapshot(_ context.Context, records []domain.JobRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append([]domain.JobRecord(nil), records...)
	p.saves++
	return nil
}

func (p *savingPersister) snapshot() (map[string]domain.JobRecord, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]domain.JobRecord, len(p.saved))
	for _, rec := range p.saved {
		out[rec.ID] = rec
	}
	return out, p.saves
}

func newTestStore(t *testing.T) (*jobs.Store, *savingPersister) {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := &savingPersister{}
	store := jobs.NewStore(p, logger.Discard(), &jobs.StoreConfig{
		TTL:                 30 * time.Minute,
		FlushDelay:          time.Hour,
		SafetyFlushInterval: -1,
		Now:                 func() time.Time { return now },
	})
	t.Cleanup(func() { store.Stop() })

	seed := []domain.JobRecord{
		{ID: "job-running", Status: domain.JobStatusProcessing, Stage: domain.StagePolling,
			Request: domain.RequestParams{RenderBackend: domain.RenderBackendClips}, CreatedAt: now.Add(-time.Minute)},
		{ID: "job-done", Status: domain.JobStatusCompleted, Stage: domain.StageCompleted,
			ResultURL: "https://cdn.example.com/done.mp4", CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "job-stale", Status: domain.JobStatusProcessing, Stage: domain.StageGeneratingScript,
			CreatedAt: now.Add(-time.Hour)},
	}
	for _, rec := range seed {
		if _, err := store.Create(rec); err != nil {
			t.Fatalf("Create(%s) error = %v", rec.ID, err)
		}
	}
	return store, p
}

func TestRun(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
		check   func(t *testing.T, out string, p *savingPersister)
	}{
		{
			name: "list shows live records only",
			args: []string{"list"},
			check: func(t *testing.T, out string, _ *savingPersister) {
				if !strings.HasPrefix(out, "ID") {
					t.Errorf("missing header:\n%s", out)
				}
				if !strings.Contains(out, "job-running") || !strings.Contains(out, "job-done") {
					t.Errorf("live records missing:\n%s", out)
				}
				if strings.Contains(out, "job-stale") {
					t.Errorf("expired record listed:\n%s", out)
				}
			},
		},
		{
			name: "show prints the record as JSON",
			args: []string{"show", "job-done"},
			check: func(t *testing.T, out string, _ *savingPersister) {
				var rec domain.JobRecord
				if err := json.Unmarshal([]byte(out), &rec); err != nil {
					t.Fatalf("output is not JSON: %v\n%s", err, out)
				}
				if rec.ID != "job-done" || rec.ResultURL != "https://cdn.example.com/done.mp4" {
					t.Errorf("record = %+v", rec)
				}
			},
		},
		{name: "show unknown id", args: []string{"show", "job-missing"}, wantErr: jobs.ErrNotFound.Error()},
		{name: "show without id", args: []string{"show"}, wantErr: "needs a job id"},
		{
			name: "prune drops expired records and flushes",
			args: []string{"prune"},
			check: func(t *testing.T, _ string, p *savingPersister) {
				saved, saves := p.snapshot()
				if saves != 1 {
					t.Errorf("saves = %d, want 1", saves)
				}
				if _, ok := saved["job-stale"]; ok || len(saved) != 2 {
					t.Errorf("saved = %v, want job-running and job-done", saved)
				}
			},
		},
		{
			name: "abandon fails processing records and flushes",
			args: []string{"abandon"},
			check: func(t *testing.T, _ string, p *savingPersister) {
				saved, saves := p.snapshot()
				if saves != 1 {
					t.Errorf("saves = %d, want 1", saves)
				}
				running := saved["job-running"]
				if running.Status != domain.JobStatusFailed || running.Error != "interrupted by a server restart" {
					t.Errorf("job-running = %s %q, want failed by restart", running.Status, running.Error)
				}
				if running.FailedAt == nil {
					t.Error("job-running has no failedAt")
				}
				if done := saved["job-done"]; done.Status != domain.JobStatusCompleted {
					t.Errorf("job-done status = %s, want completed", done.Status)
				}
			},
		},
		{name: "unknown command", args: []string{"resume"}, wantErr: `unknown command "resume"`},
		{name: "no command", args: nil, wantErr: "no command given"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, p := newTestStore(t)
			var out bytes.Buffer

			err := run(context.Background(), store, tt.args, &out)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("run(%v) error = %v, want %q", tt.args, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("run(%v) error = %v", tt.args, err)
			}
			if tt.check != nil {
				tt.check(t, out.String(), p)
			}
		})
	}
}
