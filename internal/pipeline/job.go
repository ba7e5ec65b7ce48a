// Package pipeline owns the per-job state machine: metadata fetch, parallel
// download legs, catalog checkpoints, mux, adaptive-bitrate transcode, and
// cleanup. A job lives only in process memory; the catalog row is the durable
// record.
package pipeline

import (
	"sync"
	"time"

	"vodcast-worker/internal/media/ytdlp"
)

// Status is a job's position in the state machine.
type Status string

const (
	StatusPending          Status = "pending"
	StatusFetchingMetadata Status = "fetching-metadata"
	StatusExtractingGuests Status = "extracting-guests"
	StatusDownloading      Status = "downloading"
	StatusMerging          Status = "merging"
	StatusUploading        Status = "uploading"
	StatusTranscoding      Status = "transcoding"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
)

// Terminal reports whether the status is a resting state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Progress is the advisory per-leg download snapshot.
type Progress struct {
	Percent float64 `json:"percent"`
	ETA     string  `json:"eta"`
	Speed   string  `json:"speed"`
	Raw     string  `json:"raw"`
}

// Job is the in-memory work unit. Mutations go through the setters so the
// HTTP surface can snapshot it concurrently.
type Job struct {
	mu sync.Mutex

	id        string
	url       string
	episodeID string
	status    Status
	err       string
	progress  map[string]Progress
	createdAt time.Time
	updatedAt time.Time
}

// Snapshot is an immutable copy of a job for API responses.
type Snapshot struct {
	ID        string              `json:"jobId"`
	URL       string              `json:"url"`
	EpisodeID string              `json:"episodeId,omitempty"`
	Status    Status              `json:"status"`
	Error     string              `json:"error,omitempty"`
	Progress  map[string]Progress `json:"progress,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

func newJob(id, url string) *Job {
	now := time.Now()
	return &Job{
		id:        id,
		url:       url,
		status:    StatusPending,
		progress:  make(map[string]Progress),
		createdAt: now,
		updatedAt: now,
	}
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

func (j *Job) setStatus(s Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = s
	j.updatedAt = time.Now()
}

func (j *Job) setError(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = StatusError
	j.err = msg
	j.updatedAt = time.Now()
}

func (j *Job) setEpisodeID(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.episodeID = id
	j.updatedAt = time.Now()
}

func (j *Job) episode() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.episodeID
}

func (j *Job) recordProgress(event ytdlp.ProgressEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress[event.Stage] = Progress{
		Percent: event.Percent,
		ETA:     event.ETA,
		Speed:   event.Speed,
		Raw:     event.Raw,
	}
	j.updatedAt = time.Now()
}

// Snapshot copies the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	progress := make(map[string]Progress, len(j.progress))
	for stage, p := range j.progress {
		progress[stage] = p
	}
	return Snapshot{
		ID:        j.id,
		URL:       j.url,
		EpisodeID: j.episodeID,
		Status:    j.status,
		Error:     j.err,
		Progress:  progress,
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
	}
}

// JobStore tracks jobs for the lifetime of the process.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewJobStore builds an empty store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*Job)}
}

// Create registers a new pending job. An existing id is replaced; ids are
// unique per process lifetime by construction.
func (s *JobStore) Create(id, url string) *Job {
	job := newJob(id, url)
	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()
	return job
}

// Get returns the job or nil.
func (s *JobStore) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Delete removes a terminal job. Returns false when the job is missing or
// still running.
func (s *JobStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	if !job.Snapshot().Status.Terminal() {
		return false
	}
	delete(s.jobs, id)
	return true
}
