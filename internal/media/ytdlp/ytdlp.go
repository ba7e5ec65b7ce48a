package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"vodcast-worker/internal/kernel"
	"vodcast-worker/internal/media"
	"vodcast-worker/internal/observability/metrics"
)

// ErrMetadata reports a failed or unparsable metadata fetch.
var ErrMetadata = errors.New("metadata fetch failed")

// ErrFatalSignature reports a stderr pattern with global impact (extractor
// breakage, bot checks). The caller escalates to a controlled drain instead
// of retrying per-job.
var ErrFatalSignature = errors.New("downloader fatal signature")

// ErrUnavailable reports a per-job terminal condition (removed, age-gated, or
// geo-restricted item). Never retried.
var ErrUnavailable = errors.New("video unavailable")

// Stderr substrings that escalate to a worker drain.
var fatalSignatures = []string{
	"Sign in to confirm you're not a bot",
	"Sign in to confirm you’re not a bot",
	"HTTP Error 403",
	"Unable to extract",
}

// Stderr substrings that terminate only the current job.
var unavailableSignatures = []string{
	"Video unavailable",
	"This video is private",
	"age-restricted",
	"not available in your country",
	"has been removed",
}

// Config selects the binary and its ambient options.
type Config struct {
	Binary               string // default "yt-dlp"
	CookiesPath          string
	PluginDir            string
	ExtractorHelperURL   string // base URL passed through extractor args
	PreferredAudioFormat string // mp3|m4a|aac|opus, default mp3
	Connections          int    // parallel fragment connections, default cores
}

// Tool invokes the downloader binary.
type Tool struct {
	cfg     Config
	runner  media.Runner
	metrics *metrics.Recorder
}

// New builds the adapter. A nil runner uses the real binary.
func New(cfg Config, runner media.Runner, rec *metrics.Recorder) *Tool {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.PreferredAudioFormat == "" {
		cfg.PreferredAudioFormat = "mp3"
	}
	if cfg.Connections < 1 {
		cfg.Connections = kernel.DetectEffectiveCores()
	}
	if runner == nil {
		runner = media.ExecRunner{}
	}
	return &Tool{cfg: cfg, runner: runner, metrics: rec}
}

func (t *Tool) baseArgs() []string {
	args := []string{"--no-warnings", "--no-playlist"}
	if t.cfg.CookiesPath != "" {
		args = append(args, "--cookies", t.cfg.CookiesPath)
	}
	if t.cfg.PluginDir != "" {
		args = append(args, "--plugin-dirs", t.cfg.PluginDir)
	}
	if t.cfg.ExtractorHelperURL != "" {
		args = append(args, "--extractor-args",
			"youtubepot-bgutilhttp:base_url="+t.cfg.ExtractorHelperURL)
	}
	return args
}

func (t *Tool) downloadArgs() []string {
	return append(t.baseArgs(),
		"--newline", "--progress",
		"-N", strconv.Itoa(t.cfg.Connections),
	)
}

// FetchMetadata dumps and parses the remote item's descriptor.
func (t *Tool) FetchMetadata(ctx context.Context, url string) (*VideoMetadata, error) {
	var meta *VideoMetadata
	err := kernel.Step(ctx, t.metrics, "metadata_fetch", func(ctx context.Context) error {
		args := append(t.baseArgs(), "--dump-json", url)
		stdout, err := t.runner.Run(ctx, t.cfg.Binary, args, nil)
		if err != nil {
			return classify(fmt.Errorf("%w: %v", ErrMetadata, err))
		}
		meta, err = ParseMetadata(stdout)
		return err
	})
	return meta, err
}

// audioFormatSelector returns the format expression and target extension for
// the preferred audio format, with an m4a fallback chain.
func audioFormatSelector(preferred string) (format, ext string) {
	switch preferred {
	case "m4a", "aac":
		return "bestaudio[ext=m4a]/bestaudio", preferred
	case "opus":
		return "bestaudio[ext=webm]/bestaudio", "opus"
	default:
		return "bestaudio[ext=m4a]/bestaudio", "mp3"
	}
}

// DownloadAudio fetches the audio-only leg into outDir and returns the file
// path. The output name is deterministic per video ID.
func (t *Tool) DownloadAudio(ctx context.Context, url, outDir string, meta *VideoMetadata, onProgress ProgressFunc) (string, error) {
	format, ext := audioFormatSelector(t.cfg.PreferredAudioFormat)
	name := outputName(meta, url, "audio")
	outPath := filepath.Join(outDir, name+"."+ext)
	var result string
	err := kernel.Step(ctx, t.metrics, "download_audio", func(ctx context.Context) error {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("create audio dir: %w", err)
		}
		args := append(t.downloadArgs(),
			"-f", format,
			"--extract-audio", "--audio-format", ext,
			"-o", filepath.Join(outDir, name+".%(ext)s"),
			url,
		)
		_, err := t.runner.Run(ctx, t.cfg.Binary, args, progressSink(StageAudio, onProgress))
		if err != nil {
			return classify(fmt.Errorf("download audio: %w", err))
		}
		found, err := resolveOutput(outPath, outDir, name)
		if err != nil {
			return err
		}
		result = found
		return nil
	})
	return result, err
}

// DownloadVideoNoAudio fetches the video-only leg capped at maxHeight.
func (t *Tool) DownloadVideoNoAudio(ctx context.Context, url, outDir string, maxHeight int, meta *VideoMetadata, onProgress ProgressFunc) (string, error) {
	if maxHeight <= 0 {
		maxHeight = 1080
	}
	format := fmt.Sprintf(
		"bestvideo[height<=%d][ext=mp4]/bestvideo[height<=%d]/best[height<=%d]",
		maxHeight, maxHeight, maxHeight)
	name := outputName(meta, url, "video")
	var result string
	err := kernel.Step(ctx, t.metrics, "download_video", func(ctx context.Context) error {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("create video dir: %w", err)
		}
		args := append(t.downloadArgs(),
			"-f", format,
			"-o", filepath.Join(outDir, name+".%(ext)s"),
			url,
		)
		_, err := t.runner.Run(ctx, t.cfg.Binary, args, progressSink(StageVideo, onProgress))
		if err != nil {
			return classify(fmt.Errorf("download video: %w", err))
		}
		found, err := resolveOutput("", outDir, name)
		if err != nil {
			return err
		}
		result = found
		return nil
	})
	return result, err
}

// DownloadVideoWithAudio fetches a single muxed file, used by the
// existing-episode path where no separate legs are needed.
func (t *Tool) DownloadVideoWithAudio(ctx context.Context, url, outDir string, onProgress ProgressFunc) (string, error) {
	name := outputName(nil, url, "merged")
	var result string
	err := kernel.Step(ctx, t.metrics, "download_video_simple", func(ctx context.Context) error {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("create download dir: %w", err)
		}
		args := append(t.downloadArgs(),
			"-f", "best[ext=mp4]/best",
			"-o", filepath.Join(outDir, name+".%(ext)s"),
			url,
		)
		_, err := t.runner.Run(ctx, t.cfg.Binary, args, progressSink(StageMerged, onProgress))
		if err != nil {
			return classify(fmt.Errorf("download video with audio: %w", err))
		}
		found, err := resolveOutput("", outDir, name)
		if err != nil {
			return err
		}
		result = found
		return nil
	})
	return result, err
}

// classify maps stderr signatures onto the adapter's sentinel errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, sig := range fatalSignatures {
		if strings.Contains(msg, sig) {
			return fmt.Errorf("%w: %v", ErrFatalSignature, err)
		}
	}
	for _, sig := range unavailableSignatures {
		if strings.Contains(msg, sig) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}

// IsFatalSignature reports whether the error carries a global-impact stderr
// signature.
func IsFatalSignature(err error) bool {
	return errors.Is(err, ErrFatalSignature)
}

func progressSink(stage string, onProgress ProgressFunc) func(string) {
	if onProgress == nil {
		return nil
	}
	return func(line string) {
		if event, ok := parseProgressLine(stage, line); ok {
			onProgress(event)
		}
	}
}

func outputName(meta *VideoMetadata, url, leg string) string {
	id := ""
	if meta != nil {
		id = meta.ID
	}
	if id == "" {
		id = shortHashName(url)
	}
	return id + "_" + leg
}

func shortHashName(s string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return fmt.Sprintf("dl%08x", h)
}

// resolveOutput finds the file the binary produced. The expected path wins;
// otherwise any file sharing the deterministic stem is accepted, since the
// binary may pick a different container extension.
func resolveOutput(expected, outDir, stem string) (string, error) {
	if expected != "" {
		if info, err := os.Stat(expected); err == nil && info.Size() > 0 {
			return expected, nil
		}
	}
	matches, err := filepath.Glob(filepath.Join(outDir, stem+".*"))
	if err != nil {
		return "", fmt.Errorf("locate download output: %w", err)
	}
	for _, match := range matches {
		if strings.HasSuffix(match, ".part") || strings.HasSuffix(match, ".ytdl") {
			continue
		}
		if info, err := os.Stat(match); err == nil && info.Size() > 0 {
			return match, nil
		}
	}
	return "", fmt.Errorf("download produced no output under %s for %s", outDir, stem)
}
