package kernel

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"vodcast-worker/internal/observability/metrics"
)

// Semaphore is a labeled counting semaphore. Acquisition is cancellable via
// context; once an operation holds the semaphore it runs to completion.
type Semaphore struct {
	label   string
	limit   int64
	weights *semaphore.Weighted
	metrics *metrics.Recorder
}

// NewSemaphore builds a semaphore with the given label and limit (minimum 1).
func NewSemaphore(label string, limit int, rec *metrics.Recorder) *Semaphore {
	if limit < 1 {
		limit = 1
	}
	return &Semaphore{
		label:   label,
		limit:   int64(limit),
		weights: semaphore.NewWeighted(int64(limit)),
		metrics: rec,
	}
}

// Label returns the semaphore's label.
func (s *Semaphore) Label() string { return s.label }

// Limit returns the configured capacity.
func (s *Semaphore) Limit() int { return int(s.limit) }

// Acquire blocks until a slot is available or the context is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.metrics.SemaphoreWaiting(s.label)
	start := time.Now()
	if err := s.weights.Acquire(ctx, 1); err != nil {
		s.metrics.SemaphoreAbandoned(s.label)
		return err
	}
	s.metrics.SemaphoreAcquired(s.label, time.Since(start))
	return nil
}

// Release returns a slot. err describes the outcome of the guarded operation
// and only affects metrics.
func (s *Semaphore) Release(err error) {
	s.weights.Release(1)
	s.metrics.SemaphoreReleased(s.label, err)
}

// With runs fn while holding the semaphore. The acquire respects ctx; fn
// itself is never interrupted by the semaphore.
func (s *Semaphore) With(ctx context.Context, fn func(context.Context) error) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	s.Release(err)
	return err
}

// Set holds the four process-wide semaphores.
type Set struct {
	Disk *Semaphore
	IO   *Semaphore
	HTTP *Semaphore
	DB   *Semaphore
}

// SetConfig sizes the process semaphores. Zero values fall back to the
// defaults derived from Cores and GreedyPerJob.
type SetConfig struct {
	Cores        int
	GreedyPerJob bool
	DiskLimit    int
	IOLimit      int
	HTTPLimit    int
	DBLimit      int
}

// NewSet constructs the process semaphores. In greedy-per-job mode the disk
// semaphore is 1 so a single job saturates the CPU during transcode.
func NewSet(cfg SetConfig, rec *metrics.Recorder) *Set {
	cores := cfg.Cores
	if cores < 1 {
		cores = 1
	}
	disk := cfg.DiskLimit
	if disk <= 0 {
		if cfg.GreedyPerJob {
			disk = 1
		} else {
			disk = cores
		}
	}
	io := cfg.IOLimit
	if io <= 0 {
		io = DefaultConcurrency("io", cores)
	}
	httpLimit := cfg.HTTPLimit
	if httpLimit <= 0 {
		httpLimit = DefaultConcurrency("io", cores)
	}
	db := cfg.DBLimit
	if db <= 0 {
		db = DefaultConcurrency("cpu", cores)
	}
	return &Set{
		Disk: NewSemaphore("disk", disk, rec),
		IO:   NewSemaphore("io", io, rec),
		HTTP: NewSemaphore("http", httpLimit, rec),
		DB:   NewSemaphore("db", db, rec),
	}
}
