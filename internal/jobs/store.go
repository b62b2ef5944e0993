package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fislearning/fischat/internal/domain"
	"github.com/fislearning/fischat/internal/logger"
	"github.com/fislearning/fischat/internal/metrics"
)

var (
	// ErrNotFound is returned for unknown ids and for records already evicted.
	ErrNotFound = errors.New("job record not found")
	// ErrAlreadyExists is returned when Create reuses an id.
	ErrAlreadyExists = errors.New("job record already exists")
	// ErrTerminal is returned when a completed or failed record is mutated.
	ErrTerminal = errors.New("job record is already terminal")
)

const (
	DefaultTTL                 = 30 * time.Minute
	DefaultFlushDelay          = 500 * time.Millisecond
	DefaultSafetyFlushInterval = 10 * time.Second
	DefaultFlushTimeout        = 30 * time.Second
)

// Persister is the durable layer behind the Store. A snapshot is the whole
// record set; SaveSnapshot replaces what was saved before.
type Persister interface {
	LoadSnapshot(ctx context.Context) ([]domain.JobRecord, error)
	SaveSnapshot(ctx context.Context, records []domain.JobRecord) error
}

// StoreConfig tunes retention and flushing. Zero values take the defaults,
// except SafetyFlushInterval where a negative value disables the periodic flush.
type StoreConfig struct {
	TTL                 time.Duration
	FlushDelay          time.Duration
	SafetyFlushInterval time.Duration
	FlushTimeout        time.Duration
	Metrics             *metrics.Collector
	Now                 func() time.Time
}

// Store holds job records in memory and persists them through a Persister
// after writes go quiet. Reads return copies; the map is never exposed.
type Store struct {
	mu      sync.RWMutex
	records map[string]domain.JobRecord

	ttl          time.Duration
	flushTimeout time.Duration
	now          func() time.Time
	persister    Persister
	metrics      *metrics.Collector
	log          *logger.Logger

	debouncer *Debouncer
	flushMu   sync.Mutex
	dirty     atomic.Bool

	stopSafety chan struct{}
	safetyDone chan struct{}
	stopOnce   sync.Once
	closeOnce  sync.Once
}

// NewStore creates a Store and starts its safety flush loop.
// Parameters:
//   - persister: durable layer; nil keeps records in memory only.
//   - log: logger for flush failures; nil uses the default logger.
//   - cfg: timings; nil uses the defaults.
// Returns:
//   - *Store: ready store. Call Close to stop timers and flush.
func NewStore(persister Persister, log *logger.Logger, cfg *StoreConfig) *Store {
	if cfg == nil {
		cfg = &StoreConfig{}
	}
	if log == nil {
		log = logger.GetDefault()
	}
	if persister == nil {
		persister = NopPersister{}
	}

	s := &Store{
		records:      make(map[string]domain.JobRecord),
		ttl:          orDefault(cfg.TTL, DefaultTTL),
		flushTimeout: orDefault(cfg.FlushTimeout, DefaultFlushTimeout),
		now:          cfg.Now,
		persister:    persister,
		metrics:      cfg.Metrics,
		log:          log.WithField(logger.FieldComponent, "job_store"),
		stopSafety:   make(chan struct{}),
		safetyDone:   make(chan struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.debouncer = NewDebouncer(orDefault(cfg.FlushDelay, DefaultFlushDelay), s.flushInBackground)

	safety := cfg.SafetyFlushInterval
	if safety == 0 {
		safety = DefaultSafetyFlushInterval
	}
	if safety > 0 {
		go s.safetyLoop(safety)
	} else {
		close(s.safetyDone)
	}
	return s
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// TTL returns the retention applied to every record.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Now returns the store clock.
func (s *Store) Now() time.Time {
	return s.now()
}

// Create inserts a new record. Status defaults to processing, stage to
// created and CreatedAt to now.
func (s *Store) Create(rec domain.JobRecord) (domain.JobRecord, error) {
	if rec.ID == "" {
		return domain.JobRecord{}, fmt.Errorf("create job record: empty id")
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = domain.JobStatusProcessing
	}
	if rec.Stage == "" {
		rec.Stage = domain.StageCreated
	}
	rec.UpdatedAt = now

	s.mu.Lock()
	if _, exists := s.records[rec.ID]; exists {
		s.mu.Unlock()
		return domain.JobRecord{}, fmt.Errorf("create job record %s: %w", rec.ID, ErrAlreadyExists)
	}
	s.records[rec.ID] = rec.Clone()
	s.mu.Unlock()

	s.markDirty()
	return rec.Clone(), nil
}

// Get returns a copy of the record. Records past their TTL are reported as
// not found even before the sweep removes them.
func (s *Store) Get(id string) (domain.JobRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()

	if !ok || rec.Expired(s.now(), s.ttl) {
		return domain.JobRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// Update applies mutate to a copy of the record and stores the result.
// The id and CreatedAt are restored after mutate runs, UpdatedAt is stamped,
// and a terminal record cannot be changed.
// Parameters:
//   - id: record to change.
//   - mutate: edits the working copy; it must not retain the pointer.
// Returns:
//   - domain.JobRecord: the stored result.
//   - error: ErrNotFound when unknown or expired, ErrTerminal when already finished.
func (s *Store) Update(id string, mutate func(*domain.JobRecord)) (domain.JobRecord, error) {
	now := s.now()

	s.mu.Lock()
	current, ok := s.records[id]
	if !ok || current.Expired(now, s.ttl) {
		s.mu.Unlock()
		return domain.JobRecord{}, ErrNotFound
	}
	if current.Status.IsTerminal() {
		s.mu.Unlock()
		return current.Clone(), ErrTerminal
	}

	next := current.Clone()
	mutate(&next)
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	if !next.Status.Valid() {
		s.mu.Unlock()
		return current.Clone(), fmt.Errorf("update job record %s: invalid status %q", id, next.Status)
	}
	switch next.Status {
	case domain.JobStatusCompleted:
		if next.CompletedAt == nil {
			next.CompletedAt = &now
		}
	case domain.JobStatusFailed:
		if next.FailedAt == nil {
			next.FailedAt = &now
		}
	}
	next.UpdatedAt = now
	s.records[id] = next
	s.mu.Unlock()

	s.markDirty()
	return next.Clone(), nil
}

// Sweep removes every record older than the TTL, whatever its status, and
// returns the removed ids.
func (s *Store) Sweep(now time.Time) []string {
	var removed []string

	s.mu.Lock()
	for id, rec := range s.records {
		if rec.Expired(now, s.ttl) {
			delete(s.records, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		s.metrics.RecordsEvicted(len(removed))
		s.markDirty()
	}
	return removed
}

// List returns copies of all live records, newest first.
func (s *Store) List() []domain.JobRecord {
	now := s.now()

	s.mu.RLock()
	out := make([]domain.JobRecord, 0, len(s.records))
	for _, rec := range s.records {
		if !rec.Expired(now, s.ttl) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of records held, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Load replaces the in-memory set with the last saved snapshot, skipping
// records that already expired. It returns how many records were loaded.
func (s *Store) Load(ctx context.Context) (int, error) {
	records, err := s.persister.LoadSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load job snapshot: %w", err)
	}

	now := s.now()
	loaded := make(map[string]domain.JobRecord, len(records))
	dropped := 0
	for _, rec := range records {
		if rec.ID == "" || rec.Expired(now, s.ttl) {
			dropped++
			continue
		}
		loaded[rec.ID] = rec.Clone()
	}

	s.mu.Lock()
	s.records = loaded
	s.mu.Unlock()

	if dropped > 0 {
		s.markDirty()
	}
	logger.With(logger.Fields{logger.FieldCount: len(loaded), "dropped": dropped}).
		Info(s.log.WithContext(ctx), "Job snapshot loaded")
	return len(loaded), nil
}

// Flush writes the full record set now.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.dirty.Store(false)
	snapshot := s.snapshot()

	start := time.Now()
	err := s.persister.SaveSnapshot(ctx, snapshot)
	s.metrics.StoreFlushed(err)
	if err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("save job snapshot: %w", err)
	}
	logger.With(logger.Fields{logger.FieldCount: len(snapshot)}).
		WithDuration(time.Since(start)).
		Debug(s.log.WithContext(ctx), "Job snapshot flushed")
	return nil
}

// Dirty reports whether changes are waiting to be flushed.
func (s *Store) Dirty() bool {
	return s.dirty.Load()
}

// Stop halts the debounced and safety flushes without writing anything.
// Use it when the in-memory set must not replace what is persisted, such
// as after a failed Load.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		s.debouncer.Stop()
		select {
		case <-s.safetyDone:
		default:
			close(s.stopSafety)
			<-s.safetyDone
		}
	})
}

// Close stops the timers and performs a final flush.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.Stop()
		err = s.Flush(ctx)
	})
	return err
}

func (s *Store) snapshot() []domain.JobRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.JobRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) markDirty() {
	s.dirty.Store(true)
	s.debouncer.Trigger()
}

func (s *Store) flushInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
	defer cancel()

	if err := s.Flush(ctx); err != nil {
		s.log.WithError(err).Error("Debounced job snapshot flush failed")
	}
}

func (s *Store) safetyLoop(interval time.Duration) {
	defer close(s.safetyDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSafety:
			return
		case <-ticker.C:
			if !s.dirty.Load() {
				continue
			}
			s.flushInBackground()
		}
	}
}

// NopPersister keeps nothing. It backs the memory store driver.
type NopPersister struct{}

func (NopPersister) LoadSnapshot(context.Context) ([]domain.JobRecord, error) { return nil, nil }

func (NopPersister) SaveSnapshot(context.Context, []domain.JobRecord) error { return nil }
