package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vodcast-worker/internal/catalog"
	"vodcast-worker/internal/config"
	"vodcast-worker/internal/kernel"
	"vodcast-worker/internal/media/ffmpeg"
	"vodcast-worker/internal/media/ytdlp"
	"vodcast-worker/internal/pipeline"
	"vodcast-worker/internal/queue"
)

type stubTool struct{}

func (stubTool) FetchMetadata(_ context.Context, _ string) (*ytdlp.VideoMetadata, error) {
	return &ytdlp.VideoMetadata{ID: "vid-1", Title: "T", Uploader: "C", Duration: 10, Height: 720}, nil
}

func (stubTool) DownloadAudio(_ context.Context, _, outDir string, _ *ytdlp.VideoMetadata, _ ytdlp.ProgressFunc) (string, error) {
	return writeStub(outDir, "a.mp3")
}

func (stubTool) DownloadVideoNoAudio(_ context.Context, _, outDir string, _ int, _ *ytdlp.VideoMetadata, _ ytdlp.ProgressFunc) (string, error) {
	return writeStub(outDir, "v.mp4")
}

func (stubTool) DownloadVideoWithAudio(_ context.Context, _, outDir string, _ ytdlp.ProgressFunc) (string, error) {
	return writeStub(outDir, "s.mp4")
}

type stubTranscoder struct{}

func (stubTranscoder) Mux(_ context.Context, _, _, outPath string) (string, error) {
	return outPath, os.WriteFile(outPath, []byte("m"), 0o644)
}

func (stubTranscoder) Probe(_ context.Context, _ string) (*ffmpeg.ProbeResult, error) {
	return &ffmpeg.ProbeResult{Height: 720}, nil
}

func (stubTranscoder) TranscodeHLS(_ context.Context, _ string, _ int, outDir string) (*ffmpeg.HLSResult, error) {
	if _, err := writeStub(outDir, "master.m3u8"); err != nil {
		return nil, err
	}
	return &ffmpeg.HLSResult{Dir: outDir}, nil
}

type stubBlob struct{}

func (stubBlob) UploadFile(_ context.Context, _, _, _, _ string) error { return nil }
func (stubBlob) UploadTree(_ context.Context, _, _, _ string, _ int) error { return nil }
func (stubBlob) DownloadFile(_ context.Context, _, _, dst string) error {
	return os.WriteFile(dst, []byte("x"), 0o644)
}
func (stubBlob) PublicURL(bucket, key string) string {
	return fmt.Sprintf("https://%s.s3.us-east-1.amazonaws.com/%s", bucket, key)
}

type stubCatalog struct{}

func (stubCatalog) FindByYoutubeVideoID(_ context.Context, _ string) (*catalog.Episode, error) {
	return nil, nil
}

func (stubCatalog) CreateEpisode(_ context.Context, params catalog.CreateParams) (*catalog.Episode, error) {
	return &catalog.Episode{ID: "ep-1", EpisodeTitle: params.EpisodeTitle}, nil
}

func (stubCatalog) UpdateEpisode(_ context.Context, id string, _ catalog.Patch) (*catalog.Episode, error) {
	return &catalog.Episode{ID: id}, nil
}

func writeStub(dir, name string) (string, error) {
	p := filepath.Join(dir, name)
	return p, os.WriteFile(p, []byte("stub"), 0o644)
}

func testServer(t *testing.T, tracker *queue.JobTracker) (*Server, *http.ServeMux) {
	t.Helper()
	p := pipeline.New(pipeline.Deps{
		Tool:       stubTool{},
		Transcoder: stubTranscoder{},
		Blob:       stubBlob{},
		Catalog:    stubCatalog{},
		Kernel:     kernel.NewSet(kernel.SetConfig{Cores: 2}, nil),
		Settings: pipeline.Settings{
			Bucket:         "artifacts",
			DownloadsDir:   t.TempDir(),
			MaxVideoHeight: 1080,
		},
	}, pipeline.NewJobStore())
	server := NewServer(context.Background(), p, tracker, nil, nil, config.CapacityOnDemand, nil)
	mux := http.NewServeMux()
	server.Register(mux)
	return server, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var payload map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, payload
}

func TestSubmitDownload(t *testing.T) {
	server, mux := testServer(t, queue.NewJobTracker(2, nil))

	rec, payload := doJSON(t, mux, http.MethodPost, "/api/download",
		`{"url":"https://www.youtube.com/watch?v=dQw4w9WgXcQ"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if payload["success"] != true || payload["jobId"] == "" {
		t.Fatalf("payload = %v", payload)
	}

	jobID := payload["jobId"].(string)
	waitForTerminal(t, server, jobID)
	rec, payload = doJSON(t, mux, http.MethodGet, "/api/job/"+jobID, "")
	if rec.Code != http.StatusOK || payload["status"] != "completed" {
		t.Fatalf("job = %v (status %d)", payload, rec.Code)
	}
}

func TestSubmitDownloadRejectsNonYouTubeURL(t *testing.T) {
	_, mux := testServer(t, queue.NewJobTracker(2, nil))
	rec, _ := doJSON(t, mux, http.MethodPost, "/api/download", `{"url":"https://vimeo.com/1234"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubmitDownloadAtCapacity(t *testing.T) {
	tracker := queue.NewJobTracker(1, nil)
	tracker.StartJob("occupied")
	_, mux := testServer(t, tracker)
	rec, _ := doJSON(t, mux, http.MethodPost, "/api/download",
		`{"url":"https://youtu.be/dQw4w9WgXcQ"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDownloadExistingValidation(t *testing.T) {
	_, mux := testServer(t, queue.NewJobTracker(2, nil))
	rec, _ := doJSON(t, mux, http.MethodPost, "/api/download-video-existing",
		`{"episodeId":"","videoUrl":"https://youtu.be/X"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}

	rec, payload := doJSON(t, mux, http.MethodPost, "/api/download-video-existing",
		`{"episodeId":"ep-9","videoUrl":"https://youtu.be/X"}`)
	if rec.Code != http.StatusAccepted || payload["success"] != true {
		t.Fatalf("status = %d payload = %v", rec.Code, payload)
	}
}

func TestGetJobNotFound(t *testing.T) {
	_, mux := testServer(t, queue.NewJobTracker(2, nil))
	rec, _ := doJSON(t, mux, http.MethodGet, "/api/job/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDeleteJobLifecycle(t *testing.T) {
	server, mux := testServer(t, queue.NewJobTracker(2, nil))

	_, payload := doJSON(t, mux, http.MethodPost, "/api/download",
		`{"url":"https://youtu.be/dQw4w9WgXcQ"}`)
	jobID := payload["jobId"].(string)
	waitForTerminal(t, server, jobID)

	rec, _ := doJSON(t, mux, http.MethodDelete, "/api/job/"+jobID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec, _ = doJSON(t, mux, http.MethodGet, "/api/job/"+jobID, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after delete = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	tracker := queue.NewJobTracker(4, nil)
	tracker.StartJob("a")
	_, mux := testServer(t, tracker)

	rec, payload := doJSON(t, mux, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if payload["status"] != "ok" || payload["capacityMode"] != "on_demand" {
		t.Fatalf("payload = %v", payload)
	}
	if payload["activeJobs"].(float64) != 1 {
		t.Fatalf("activeJobs = %v", payload["activeJobs"])
	}
}

func TestIsYouTubeURL(t *testing.T) {
	valid := []string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ",
		"https://m.youtube.com/watch?v=X",
		"https://www.youtube.com/shorts/abc123",
	}
	invalid := []string{
		"", "not a url", "ftp://youtube.com/watch?v=x",
		"https://vimeo.com/123", "https://youtube.com/", "https://youtu.be/",
	}
	for _, u := range valid {
		if !IsYouTubeURL(u) {
			t.Errorf("rejected valid url %q", u)
		}
	}
	for _, u := range invalid {
		if IsYouTubeURL(u) {
			t.Errorf("accepted invalid url %q", u)
		}
	}
}

func waitForTerminal(t *testing.T, server *Server, jobID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job := server.pipeline.Jobs().Get(jobID)
		if job != nil && job.Snapshot().Status.Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
}
