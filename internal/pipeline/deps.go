package pipeline

import (
	"context"
	"log/slog"

	"vodcast-worker/internal/catalog"
	"vodcast-worker/internal/enrich"
	"vodcast-worker/internal/kernel"
	"vodcast-worker/internal/media/ffmpeg"
	"vodcast-worker/internal/media/ytdlp"
	"vodcast-worker/internal/observability/metrics"
)

// Downloader is the downloader-binary adapter the pipeline invokes.
type Downloader interface {
	FetchMetadata(ctx context.Context, url string) (*ytdlp.VideoMetadata, error)
	DownloadAudio(ctx context.Context, url, outDir string, meta *ytdlp.VideoMetadata, onProgress ytdlp.ProgressFunc) (string, error)
	DownloadVideoNoAudio(ctx context.Context, url, outDir string, maxHeight int, meta *ytdlp.VideoMetadata, onProgress ytdlp.ProgressFunc) (string, error)
	DownloadVideoWithAudio(ctx context.Context, url, outDir string, onProgress ytdlp.ProgressFunc) (string, error)
}

// Transcoder muxes, probes, and renders the adaptive-bitrate ladder.
type Transcoder interface {
	Mux(ctx context.Context, videoPath, audioPath, outPath string) (string, error)
	Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error)
	TranscodeHLS(ctx context.Context, src string, topEdition int, outDir string) (*ffmpeg.HLSResult, error)
}

// BlobStore transfers artifacts to and from object storage.
type BlobStore interface {
	UploadFile(ctx context.Context, localPath, bucket, key, contentType string) error
	UploadTree(ctx context.Context, dir, bucket, keyPrefix string, concurrency int) error
	DownloadFile(ctx context.Context, bucket, key, dst string) error
	PublicURL(bucket, key string) string
}

// Catalog is the durable episode store.
type Catalog interface {
	FindByYoutubeVideoID(ctx context.Context, videoID string) (*catalog.Episode, error)
	CreateEpisode(ctx context.Context, params catalog.CreateParams) (*catalog.Episode, error)
	UpdateEpisode(ctx context.Context, id string, patch catalog.Patch) (*catalog.Episode, error)
}

// Enricher derives guests and topics from episode identity.
type Enricher interface {
	Enrich(ctx context.Context, in enrich.Input) (*enrich.Result, error)
}

// Validator audits a completed episode. Failures are reported, never fatal.
type Validator interface {
	ValidateEpisode(ctx context.Context, episodeID string) error
}

// Settings are the pipeline's static knobs, lifted from config at startup.
type Settings struct {
	Bucket         string
	KeyPrefix      string
	DownloadsDir   string
	MaxVideoHeight int // 720 or 1080
	UploadTreeConc int
}

// Deps threads every collaborator into the orchestrator explicitly; there are
// no ambient singletons. Enricher and Validator may be nil.
type Deps struct {
	Tool       Downloader
	Transcoder Transcoder
	Blob       BlobStore
	Catalog    Catalog
	Enricher   Enricher
	Validator  Validator
	Kernel     *kernel.Set
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
	Settings   Settings
}
