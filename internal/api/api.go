// Package api is the worker's small HTTP surface: ad-hoc submission, job
// inspection, and the health probe. The queue remains the canonical input.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"vodcast-worker/internal/config"
	"vodcast-worker/internal/observability/logging"
	"vodcast-worker/internal/pipeline"
	"vodcast-worker/internal/queue"
)

// ProtectionStatus is what the health probe reports about task protection.
type ProtectionStatus interface {
	Active() bool
}

// Server handles the HTTP routes. Submitted jobs share the tracker and
// lifecycle with queue-driven jobs so the concurrency cap holds globally.
type Server struct {
	pipeline   *pipeline.Pipeline
	tracker    *queue.JobTracker
	lifecycle  queue.Lifecycle
	protection ProtectionStatus
	capacity   config.CapacityMode
	logger     *slog.Logger
	baseCtx    context.Context
}

// NewServer wires the handler set. lifecycle and protection may be nil.
func NewServer(baseCtx context.Context, p *pipeline.Pipeline, tracker *queue.JobTracker, lifecycle queue.Lifecycle, protection ProtectionStatus, capacity config.CapacityMode, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Server{
		pipeline:   p,
		tracker:    tracker,
		lifecycle:  lifecycle,
		protection: protection,
		capacity:   capacity,
		logger:     logging.WithComponent(logger, "api"),
		baseCtx:    baseCtx,
	}
}

// Register mounts the routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/download", s.handleDownload)
	mux.HandleFunc("POST /api/download-video-existing", s.handleDownloadExisting)
	mux.HandleFunc("GET /api/job/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/job/{id}", s.handleDeleteJob)
	mux.HandleFunc("GET /health", s.handleHealth)
}

type downloadRequest struct {
	URL string `json:"url"`
}

type downloadExistingRequest struct {
	EpisodeID string `json:"episodeId"`
	VideoURL  string `json:"videoUrl"`
}

type submitResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, submitResponse{Error: "invalid request body"})
		return
	}
	if !IsYouTubeURL(req.URL) {
		writeJSON(w, http.StatusBadRequest, submitResponse{Error: "url must be a YouTube video URL"})
		return
	}
	jobID := uuid.NewString()
	if !s.startJob(jobID) {
		writeJSON(w, http.StatusServiceUnavailable, submitResponse{Error: "at capacity"})
		return
	}
	job := s.pipeline.Jobs().Create(jobID, req.URL)
	go func() {
		defer s.finishJob(jobID)
		ctx := logging.ContextWithJobID(s.baseCtx, jobID)
		if err := s.pipeline.ProcessDownload(ctx, job, req.URL, nil); err != nil {
			s.logger.Error("submitted job failed", "job_id", jobID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, submitResponse{Success: true, JobID: jobID})
}

func (s *Server) handleDownloadExisting(w http.ResponseWriter, r *http.Request) {
	var req downloadExistingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, submitResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.EpisodeID) == "" || !IsYouTubeURL(req.VideoURL) {
		writeJSON(w, http.StatusBadRequest, submitResponse{Error: "episodeId and a YouTube videoUrl are required"})
		return
	}
	jobID := uuid.NewString()
	if !s.startJob(jobID) {
		writeJSON(w, http.StatusServiceUnavailable, submitResponse{Error: "at capacity"})
		return
	}
	job := s.pipeline.Jobs().Create(jobID, req.VideoURL)
	episodeID := req.EpisodeID
	videoURL := req.VideoURL
	go func() {
		defer s.finishJob(jobID)
		ctx := logging.ContextWithJobID(s.baseCtx, jobID)
		if err := s.pipeline.DownloadVideoForExistingEpisode(ctx, job, episodeID, videoURL); err != nil {
			s.logger.Error("submitted job failed", "job_id", jobID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, submitResponse{Success: true, JobID: jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.pipeline.Jobs().Get(r.PathValue("id"))
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.pipeline.Jobs().Get(id) == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if !s.pipeline.Jobs().Delete(id) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job still running"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status           string `json:"status"`
	CapacityMode     string `json:"capacityMode"`
	ActiveJobs       int    `json:"activeJobs"`
	ProtectionActive bool   `json:"protectionActive"`
}

// handleHealth always reports ok; per-job failures never fail the probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		CapacityMode: string(s.capacity),
	}
	if s.tracker != nil {
		resp.ActiveJobs = s.tracker.ActiveCount()
	}
	if s.protection != nil {
		resp.ProtectionActive = s.protection.Active()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) startJob(jobID string) bool {
	if s.tracker != nil && !s.tracker.StartJob(jobID) {
		return false
	}
	if s.lifecycle != nil {
		s.lifecycle.JobStarted()
	}
	return true
}

func (s *Server) finishJob(jobID string) {
	if s.tracker != nil {
		s.tracker.CompleteJob(jobID)
	}
	if s.lifecycle != nil {
		s.lifecycle.JobFinished()
	}
}

// IsYouTubeURL accepts watch, short, and shorts YouTube links.
func IsYouTubeURL(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
	switch host {
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		return strings.HasPrefix(parsed.Path, "/watch") ||
			strings.HasPrefix(parsed.Path, "/shorts/") ||
			strings.HasPrefix(parsed.Path, "/live/")
	case "youtu.be":
		return len(strings.Trim(parsed.Path, "/")) > 0
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
