package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fislearning/fischat/internal/domain"
)

const snapshotVersion = 1

// DefaultSnapshotKey is the object key used when none is configured.
const DefaultSnapshotKey = "fischat/job-records.json"

// snapshotDocument is the stored layout: one JSON object keyed by job id.
type snapshotDocument struct {
	Version int                         `json:"version"`
	SavedAt time.Time                   `json:"saved_at"`
	Records map[string]domain.JobRecord `json:"records"`
}

// SnapshotStore keeps the job record set as a single object.
// It implements jobs.Persister.
type SnapshotStore struct {
	objects ObjectStore
	key     string
	now     func() time.Time
}

// NewSnapshotStore creates a SnapshotStore writing to key.
func NewSnapshotStore(objects ObjectStore, key string) *SnapshotStore {
	if key == "" {
		key = DefaultSnapshotKey
	}
	return &SnapshotStore{objects: objects, key: key, now: time.Now}
}

// LoadSnapshot reads the stored record set. A missing object is an empty set.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context) ([]domain.JobRecord, error) {
	data, err := s.objects.GetObject(ctx, s.key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot %s: %w", s.key, err)
	}

	var doc snapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", s.key, err)
	}
	if doc.Version > snapshotVersion {
		return nil, fmt.Errorf("snapshot %s has unsupported version %d", s.key, doc.Version)
	}

	records := make([]domain.JobRecord, 0, len(doc.Records))
	for id, rec := range doc.Records {
		rec.ID = id
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// SaveSnapshot overwrites the object with records. An empty set removes
// the object.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, records []domain.JobRecord) error {
	if len(records) == 0 {
		if err := s.objects.DeleteObject(ctx, s.key); err != nil {
			return fmt.Errorf("clear snapshot %s: %w", s.key, err)
		}
		return nil
	}

	doc := snapshotDocument{
		Version: snapshotVersion,
		SavedAt: s.now().UTC(),
		Records: make(map[string]domain.JobRecord, len(records)),
	}
	for _, rec := range records {
		doc.Records[rec.ID] = rec
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.objects.PutObject(ctx, s.key, data, "application/json"); err != nil {
		return fmt.Errorf("save snapshot %s: %w", s.key, err)
	}
	return nil
}
