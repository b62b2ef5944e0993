package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/fislearning/fischat/internal/logger"
)

const DefaultSweepInterval = 5 * time.Minute

// Sweeper evicts expired records from a Store on a fixed interval.
type Sweeper struct {
	store    *Store
	interval time.Duration
	log      *logger.Logger

	stop     chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

func NewSweeper(store *Store, interval time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		log:      log.WithField(logger.FieldComponent, "job_sweeper"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately; calling it twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.loop(ctx)
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})

	s.startMu.Lock()
	started := s.started
	s.startMu.Unlock()
	if started {
		<-s.done
	}
}

// RunOnce performs a single sweep and returns the evicted ids.
func (s *Sweeper) RunOnce(ctx context.Context) []string {
	removed := s.store.Sweep(s.store.Now())
	if len(removed) > 0 {
		logger.With(logger.Fields{logger.FieldCount: len(removed)}).
			Info(s.log.WithContext(ctx), "Evicted expired job records")
	}
	return removed
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
