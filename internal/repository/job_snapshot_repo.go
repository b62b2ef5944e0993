package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/fislearning/fischat/internal/domain"
)

const snapshotBatchSize = 100

// JobSnapshotRepository persists the job record set as rows of job_records.
// It implements jobs.Persister.
type JobSnapshotRepository struct {
	db *gorm.DB
}

// NewJobSnapshotRepository creates a new JobSnapshotRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobSnapshotRepository: repository instance bound to db.
func NewJobSnapshotRepository(db *gorm.DB) *JobSnapshotRepository {
	return &JobSnapshotRepository{db: db}
}

// LoadSnapshot returns every stored record, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - []domain.JobRecord: stored records.
//   - error: non-nil if the query fails.
func (r *JobSnapshotRepository) LoadSnapshot(ctx context.Context) ([]domain.JobRecord, error) {
	var records []domain.JobRecord
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load job records: %w", err)
	}
	return records, nil
}

// SaveSnapshot replaces the table contents with records in one transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - records: the complete record set.
// Returns:
//   - error: non-nil if the transaction fails; the previous snapshot is kept.
func (r *JobSnapshotRepository) SaveSnapshot(ctx context.Context, records []domain.JobRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.JobRecord{}).Error; err != nil {
			return fmt.Errorf("clear job records: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		rows := make([]domain.JobRecord, len(records))
		copy(rows, records)
		if err := tx.CreateInBatches(&rows, snapshotBatchSize).Error; err != nil {
			return fmt.Errorf("insert job records: %w", err)
		}
		return nil
	})
}

// Count returns the number of stored records.
func (r *JobSnapshotRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.JobRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count job records: %w", err)
	}
	return count, nil
}
