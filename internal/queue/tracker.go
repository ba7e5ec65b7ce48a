package queue

import (
	"sync"
	"time"

	"vodcast-worker/internal/observability/metrics"
)

// JobTracker bounds the number of concurrently running pipeline invocations.
type JobTracker struct {
	mu            sync.Mutex
	active        map[string]time.Time
	maxConcurrent int
	metrics       *metrics.Recorder
}

// NewJobTracker builds a tracker with the given cap (minimum 1).
func NewJobTracker(maxConcurrent int, rec *metrics.Recorder) *JobTracker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &JobTracker{
		active:        make(map[string]time.Time),
		maxConcurrent: maxConcurrent,
		metrics:       rec,
	}
}

// StartJob registers a job. Returns false at capacity or for a duplicate id.
func (t *JobTracker) StartJob(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.active) >= t.maxConcurrent {
		return false
	}
	if _, exists := t.active[id]; exists {
		return false
	}
	t.active[id] = time.Now()
	t.metrics.SetActiveJobs(len(t.active))
	return true
}

// CompleteJob releases a slot. Unknown ids are ignored.
func (t *JobTracker) CompleteJob(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, id)
	t.metrics.SetActiveJobs(len(t.active))
}

// CanAcceptMoreJobs reports whether a slot is free.
func (t *JobTracker) CanAcceptMoreJobs() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active) < t.maxConcurrent
}

// ActiveCount returns the number of in-flight jobs.
func (t *JobTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
