package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fislearning/fischat/internal/domain"
	"github.com/fislearning/fischat/internal/jobs"
)

// ErrJobNotFound is returned for unknown or evicted job ids.
var ErrJobNotFound = errors.New("job not found")

// StatusService answers read-only job lookups.
type StatusService struct {
	store *jobs.Store
}

func NewStatusService(store *jobs.Store) *StatusService {
	return &StatusService{store: store}
}

// GetStatus returns a snapshot of the job record.
func (s *StatusService) GetStatus(ctx context.Context, id string) (domain.JobRecord, error) {
	rec, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return domain.JobRecord{}, ErrJobNotFound
		}
		return domain.JobRecord{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return rec, nil
}
