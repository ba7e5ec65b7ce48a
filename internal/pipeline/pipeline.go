package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"vodcast-worker/internal/blob"
	"vodcast-worker/internal/catalog"
	"vodcast-worker/internal/enrich"
	"vodcast-worker/internal/kernel"
	"vodcast-worker/internal/media/ffmpeg"
	"vodcast-worker/internal/media/ytdlp"
	"vodcast-worker/internal/observability/logging"
	"vodcast-worker/internal/queue"
)

// Pipeline is the per-job orchestrator. One instance serves all jobs; every
// invocation owns its job and temp arena exclusively.
type Pipeline struct {
	deps   Deps
	jobs   *JobStore
	keys   blob.Keys
	logger *slog.Logger
}

// New wires the orchestrator.
func New(deps Deps, jobs *JobStore) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		deps:   deps,
		jobs:   jobs,
		keys:   blob.Keys{Prefix: deps.Settings.KeyPrefix},
		logger: logging.WithComponent(logger, "pipeline"),
	}
}

// Jobs exposes the job store to the HTTP surface.
func (p *Pipeline) Jobs() *JobStore { return p.jobs }

// Dispatch routes a parsed queue message to the matching pipeline path. It
// implements the poller's Dispatcher contract.
func (p *Pipeline) Dispatch(ctx context.Context, jobID string, msg *queue.Message) error {
	switch msg.Kind {
	case queue.KindExistingEpisode:
		job := p.jobs.Create(jobID, msg.Existing.URL)
		return p.DownloadVideoForExistingEpisode(ctx, job, msg.Existing.ID, msg.Existing.URL)
	case queue.KindNewEntry:
		job := p.jobs.Create(jobID, msg.NewEntry.OriginalURI)
		return p.ProcessDownload(ctx, job, msg.NewEntry.OriginalURI, msg.NewEntry)
	case queue.KindLegacy:
		job := p.jobs.Create(jobID, msg.Legacy.URL)
		return p.ProcessDownload(ctx, job, msg.Legacy.URL, legacyEntry(msg.Legacy))
	default:
		return queue.ErrInvalidMessage
	}
}

// ProcessDownload runs the full ingest state machine for a source URL. entry
// carries caller-supplied episode identity and may be nil (legacy shape).
func (p *Pipeline) ProcessDownload(ctx context.Context, job *Job, url string, entry *queue.NewEntryMessage) error {
	return kernel.Step(ctx, p.deps.Metrics, "pipeline", func(ctx context.Context) error {
		return p.processDownload(ctx, job, url, entry)
	})
}

func (p *Pipeline) processDownload(ctx context.Context, job *Job, url string, entry *queue.NewEntryMessage) error {
	logger := logging.WithContext(ctx, p.logger).With("job_id", job.ID())

	job.setStatus(StatusFetchingMetadata)
	meta, err := p.deps.Tool.FetchMetadata(ctx, url)
	if err != nil {
		return p.fail(ctx, job, logger, "fetch_metadata", err)
	}
	title, channel := episodeIdentity(meta, entry)
	logger = logger.With("video_id", meta.ID)
	logger.Info("metadata fetched", "title", title, "duration_s", meta.Duration)

	// Enrichment runs early so guests and topics are ready for the first
	// catalog write. Failure is never fatal.
	var enrichment *enrich.Result
	if p.deps.Enricher != nil {
		job.setStatus(StatusExtractingGuests)
		enrichment, _ = p.deps.Enricher.Enrich(ctx, enrich.Input{
			Title:       title,
			Description: meta.Description,
			HostName:    hostName(entry),
			ChannelName: channel,
		})
	}

	arena, err := NewTempArena(p.deps.Settings.DownloadsDir, blob.Slug(channel)+"_"+blob.Slug(title))
	if err != nil {
		return p.fail(ctx, job, logger, "temp_arena", err)
	}
	defer func() {
		for _, cleanupErr := range arena.Cleanup() {
			logger.Warn("temp cleanup failed", "error", cleanupErr)
		}
	}()

	job.setStatus(StatusDownloading)
	targetHeight := p.targetHeight(meta)
	var audioPath, audioURL, videoPath string
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := p.deps.Kernel.Disk.With(groupCtx, func(ctx context.Context) error {
			var err error
			audioPath, err = p.deps.Tool.DownloadAudio(ctx, url, arena.Root(), meta, job.recordProgress)
			return err
		})
		if err != nil {
			return fmt.Errorf("audio leg: %w", err)
		}
		audioKey := p.keys.Audio(channel, title, filepath.Ext(audioPath))
		if err := p.deps.Blob.UploadFile(groupCtx, audioPath, p.deps.Settings.Bucket, audioKey, ""); err != nil {
			return fmt.Errorf("audio upload: %w", err)
		}
		audioURL = p.deps.Blob.PublicURL(p.deps.Settings.Bucket, audioKey)
		return nil
	})
	group.Go(func() error {
		err := p.deps.Kernel.Disk.With(groupCtx, func(ctx context.Context) error {
			var err error
			videoPath, err = p.deps.Tool.DownloadVideoNoAudio(ctx, url, arena.Root(), targetHeight, meta, job.recordProgress)
			return err
		})
		if err != nil {
			return fmt.Errorf("video leg: %w", err)
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return p.fail(ctx, job, logger, "download", err)
	}

	existing, err := p.deps.Catalog.FindByYoutubeVideoID(ctx, meta.ID)
	if err != nil {
		return p.fail(ctx, job, logger, "find_episode", err)
	}
	switch {
	case existing != nil && existing.ProcessingDone && existing.VideoLocation() != "" && existing.MasterM3U8() != "":
		job.setEpisodeID(existing.ID)
		job.setStatus(StatusCompleted)
		logger.Info("episode already processed, skipping", "episode_id", existing.ID)
		return nil

	case existing != nil && existing.VideoLocation() != "":
		// Reprocessing: the merged video exists but the stream tree does not.
		// Pull the source back from storage and rejoin at the transcode stage.
		job.setEpisodeID(existing.ID)
		logger.Info("reprocessing episode", "episode_id", existing.ID)
		source, err := p.fetchSourceVideo(ctx, arena, existing.VideoLocation())
		if err != nil {
			return p.fail(ctx, job, logger, "fetch_source", err)
		}
		if err := p.transcodeAndFinalize(ctx, job, logger, arena, existing.ID, channel, title, source); err != nil {
			return err
		}
		p.validateEpisode(ctx, logger, existing.ID)
		job.setStatus(StatusCompleted)
		return nil
	}

	episode, err := p.deps.Catalog.CreateEpisode(ctx, p.createParams(meta, entry, title, channel, audioURL))
	if err != nil {
		return p.fail(ctx, job, logger, "create_episode", err)
	}
	job.setEpisodeID(episode.ID)
	ctx = logging.ContextWithEpisodeID(ctx, episode.ID)
	logger = logger.With("episode_id", episode.ID)
	p.writeEnrichment(ctx, logger, episode.ID, enrichment)

	job.setStatus(StatusMerging)
	mergedPath, err := p.mergedPath(channel, title)
	if err != nil {
		return p.fail(ctx, job, logger, "mux", err)
	}
	arena.Register(filepath.Dir(mergedPath))
	if _, err := p.deps.Transcoder.Mux(ctx, videoPath, audioPath, mergedPath); err != nil {
		return p.fail(ctx, job, logger, "mux", err)
	}
	arena.Remove(videoPath)
	arena.Remove(audioPath)

	job.setStatus(StatusUploading)
	videoKey := p.keys.Video(channel, title, targetHeight, "mp4")
	if err := p.deps.Blob.UploadFile(ctx, mergedPath, p.deps.Settings.Bucket, videoKey, ""); err != nil {
		return p.fail(ctx, job, logger, "video_upload", err)
	}
	videoURL := p.deps.Blob.PublicURL(p.deps.Settings.Bucket, videoKey)
	if _, err := p.deps.Catalog.UpdateEpisode(ctx, episode.ID, catalog.Patch{
		AdditionalData: map[string]any{catalog.KeyVideoLocation: videoURL},
	}); err != nil {
		return p.fail(ctx, job, logger, "video_location_patch", err)
	}

	if err := p.transcodeAndFinalize(ctx, job, logger, arena, episode.ID, channel, title, mergedPath); err != nil {
		return err
	}

	p.validateEpisode(ctx, logger, episode.ID)
	job.setStatus(StatusCompleted)
	logger.Info("pipeline completed")
	return nil
}

// transcodeAndFinalize renders the rendition ladder from source, uploads the
// tree, and marks the episode processed. Shared by the fresh and reprocessing
// paths.
func (p *Pipeline) transcodeAndFinalize(ctx context.Context, job *Job, logger *slog.Logger, arena *TempArena, episodeID, channel, title, source string) error {
	job.setStatus(StatusTranscoding)
	height := p.sourceHeight(ctx, source)
	topEdition := ffmpeg.TopEditionFor(height)

	hlsDir, err := arena.Dir("hls_output")
	if err != nil {
		return p.fail(ctx, job, logger, "hls_transcode", err)
	}
	err = p.deps.Kernel.Disk.With(ctx, func(ctx context.Context) error {
		_, err := p.deps.Transcoder.TranscodeHLS(ctx, source, topEdition, hlsDir)
		return err
	})
	if err != nil {
		return p.fail(ctx, job, logger, "hls_transcode", err)
	}
	arena.Remove(source)

	streamRoot := p.keys.StreamRoot(channel, title)
	if err := p.deps.Blob.UploadTree(ctx, hlsDir, p.deps.Settings.Bucket, streamRoot, p.deps.Settings.UploadTreeConc); err != nil {
		return p.fail(ctx, job, logger, "stream_upload", err)
	}
	arena.Remove(hlsDir)
	masterURL := p.deps.Blob.PublicURL(p.deps.Settings.Bucket, p.keys.Master(channel, title))

	if _, err := p.deps.Catalog.UpdateEpisode(ctx, episodeID, catalog.Patch{
		ProcessingDone: catalog.Bool(true),
		IsSynced:       catalog.Bool(false),
		AdditionalData: map[string]any{catalog.KeyMasterM3U8: masterURL},
	}); err != nil {
		return p.fail(ctx, job, logger, "finalize_patch", err)
	}
	logger.Info("stream tree uploaded", "master", masterURL, "top_edition", topEdition)
	return nil
}

// DownloadVideoForExistingEpisode is the simple path for the {id, url} shape:
// one best-format download, one upload, one catalog patch. The caller owns
// episode creation; a missing row surfaces as a catalog NotFound.
func (p *Pipeline) DownloadVideoForExistingEpisode(ctx context.Context, job *Job, episodeID, url string) error {
	return kernel.Step(ctx, p.deps.Metrics, "pipeline_existing", func(ctx context.Context) error {
		logger := logging.WithContext(ctx, p.logger).With("job_id", job.ID(), "episode_id", episodeID)
		job.setEpisodeID(episodeID)

		job.setStatus(StatusFetchingMetadata)
		meta, err := p.deps.Tool.FetchMetadata(ctx, url)
		if err != nil {
			return p.fail(ctx, job, logger, "fetch_metadata", err)
		}
		title := meta.Title
		channel := meta.ChannelTitle()

		arena, err := NewTempArena(p.deps.Settings.DownloadsDir, blob.Slug(channel)+"_"+blob.Slug(title))
		if err != nil {
			return p.fail(ctx, job, logger, "temp_arena", err)
		}
		defer func() {
			for _, cleanupErr := range arena.Cleanup() {
				logger.Warn("temp cleanup failed", "error", cleanupErr)
			}
		}()

		job.setStatus(StatusDownloading)
		var videoPath string
		err = p.deps.Kernel.Disk.With(ctx, func(ctx context.Context) error {
			var err error
			videoPath, err = p.deps.Tool.DownloadVideoWithAudio(ctx, url, arena.Root(), job.recordProgress)
			return err
		})
		if err != nil {
			return p.fail(ctx, job, logger, "download", err)
		}

		job.setStatus(StatusUploading)
		videoKey := p.keys.Video(channel, title, p.targetHeight(meta), "mp4")
		if err := p.deps.Blob.UploadFile(ctx, videoPath, p.deps.Settings.Bucket, videoKey, ""); err != nil {
			return p.fail(ctx, job, logger, "video_upload", err)
		}
		videoURL := p.deps.Blob.PublicURL(p.deps.Settings.Bucket, videoKey)

		if _, err := p.deps.Catalog.UpdateEpisode(ctx, episodeID, catalog.Patch{
			EpisodeURI: catalog.String(videoURL),
		}); err != nil {
			return p.fail(ctx, job, logger, "episode_uri_patch", err)
		}

		job.setStatus(StatusCompleted)
		logger.Info("existing-episode video attached", "url", videoURL)
		return nil
	})
}

// fail records the terminal error on the job and, when an episode row exists,
// stamps it on the row's additional data. The original error propagates to
// the poller, which deletes the message.
func (p *Pipeline) fail(ctx context.Context, job *Job, logger *slog.Logger, stage string, err error) error {
	job.setError(err.Error())
	logger.Error("pipeline stage failed", "stage", stage, "error", err)
	if episodeID := job.episode(); episodeID != "" && !errors.Is(err, context.Canceled) {
		_, patchErr := p.deps.Catalog.UpdateEpisode(ctx, episodeID, catalog.Patch{
			AdditionalData: map[string]any{catalog.KeyVideoDownloadError: err.Error()},
		})
		if patchErr != nil {
			logger.Warn("failed to record download error on episode", "error", patchErr)
		}
	}
	return fmt.Errorf("%s: %w", stage, err)
}

func (p *Pipeline) validateEpisode(ctx context.Context, logger *slog.Logger, episodeID string) {
	if p.deps.Validator == nil {
		return
	}
	if err := p.deps.Validator.ValidateEpisode(ctx, episodeID); err != nil {
		logger.Warn("post-pipeline validation failed", "episode_id", episodeID, "error", err)
	}
}

func (p *Pipeline) writeEnrichment(ctx context.Context, logger *slog.Logger, episodeID string, result *enrich.Result) {
	if result == nil {
		return
	}
	patch := catalog.Patch{
		Guests:            catalog.Strings(result.GuestNames()),
		GuestDescriptions: catalog.Strings(result.GuestDescriptions()),
		Topics:            catalog.Strings(result.Topics),
		AdditionalData:    map[string]any{},
	}
	if result.GuestProvenance != nil {
		patch.AdditionalData[catalog.KeyGuestEnrichment] = result.GuestProvenance
	}
	if result.TopicProvenance != nil {
		patch.AdditionalData[catalog.KeyTopicEnrichment] = result.TopicProvenance
	}
	if _, err := p.deps.Catalog.UpdateEpisode(ctx, episodeID, patch); err != nil {
		logger.Warn("failed to store enrichment", "error", err)
	}
}

// fetchSourceVideo downloads the previously uploaded merged video into the
// arena for reprocessing.
func (p *Pipeline) fetchSourceVideo(ctx context.Context, arena *TempArena, videoURL string) (string, error) {
	bucket, key, err := blob.ParseURL(videoURL)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(arena.Root(), "source.mp4")
	if err := p.deps.Blob.DownloadFile(ctx, bucket, key, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// targetHeight picks the download ceiling: 1080 only when both the source and
// the configured maximum allow it.
func (p *Pipeline) targetHeight(meta *ytdlp.VideoMetadata) int {
	if meta.Height >= 1080 && p.deps.Settings.MaxVideoHeight >= 1080 {
		return 1080
	}
	return 720
}

// sourceHeight probes the local source, falling back to 720 when the probe
// fails.
func (p *Pipeline) sourceHeight(ctx context.Context, source string) int {
	probe, err := p.deps.Transcoder.Probe(ctx, source)
	if err != nil || probe.Height <= 0 {
		return 720
	}
	return probe.Height
}

func (p *Pipeline) mergedPath(channel, title string) (string, error) {
	episodeSlug := blob.Slug(title)
	dir := filepath.Join(p.deps.Settings.DownloadsDir, blob.Slug(channel), episodeSlug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create merge dir: %w", err)
	}
	return filepath.Join(dir, episodeSlug+".mp4"), nil
}

func (p *Pipeline) createParams(meta *ytdlp.VideoMetadata, entry *queue.NewEntryMessage, title, channel, audioURL string) catalog.CreateParams {
	additional := map[string]any{
		catalog.KeyYoutubeVideoID: meta.ID,
	}
	if meta.Thumbnail != "" {
		additional[catalog.KeyThumbnail] = meta.Thumbnail
	}
	params := catalog.CreateParams{
		EpisodeTitle:       title,
		EpisodeDescription: meta.Description,
		ChannelName:        channel,
		OriginalURI:        meta.WebpageURL,
		PublishedDate:      meta.PublishedAt(),
		ContentType:        catalog.ContentTypeVideo,
		DurationMillis:     meta.DurationMillis(),
		AdditionalData:     additional,
		EpisodeURI:         audioURL,
	}
	if entry != nil {
		params.ChannelID = entry.ChannelID
		params.HostName = entry.HostName
		params.HostDescription = entry.HostDescription
		params.Country = entry.Country
		params.Genre = entry.Genre
		if entry.OriginalURI != "" {
			params.OriginalURI = entry.OriginalURI
		}
		if entry.EpisodeTitle != "" {
			params.EpisodeTitle = entry.EpisodeTitle
		}
		if published := entry.PublishedAt(); published != nil {
			params.PublishedDate = published
		}
		params.AdditionalData = catalog.MergeAdditionalData(entry.AdditionalData, additional)
	}
	if params.ChannelID == "" {
		params.ChannelID = meta.ChannelID
	}
	return params
}

// episodeIdentity resolves the title and channel the artifact keys and the
// catalog row are derived from: caller-supplied identity wins over metadata.
func episodeIdentity(meta *ytdlp.VideoMetadata, entry *queue.NewEntryMessage) (title, channel string) {
	title = meta.Title
	channel = meta.ChannelTitle()
	if entry != nil {
		if strings.TrimSpace(entry.EpisodeTitle) != "" {
			title = entry.EpisodeTitle
		}
		if strings.TrimSpace(entry.ChannelName) != "" {
			channel = entry.ChannelName
		}
	}
	return title, channel
}

func hostName(entry *queue.NewEntryMessage) string {
	if entry == nil {
		return ""
	}
	return entry.HostName
}

// legacyEntry lifts the identity a legacy submission may carry into the
// entry shape the download path consumes. Title and channel still come from
// the fetched metadata.
func legacyEntry(legacy *queue.LegacyMessage) *queue.NewEntryMessage {
	if legacy == nil || (legacy.ChannelID == "" && len(legacy.Metadata) == 0) {
		return nil
	}
	return &queue.NewEntryMessage{
		ChannelID:      legacy.ChannelID,
		AdditionalData: legacy.Metadata,
	}
}
