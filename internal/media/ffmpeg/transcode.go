package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"vodcast-worker/internal/kernel"
	"vodcast-worker/internal/media"
	"vodcast-worker/internal/observability/metrics"
)

// Config selects the binaries and encode tuning.
type Config struct {
	Binary      string // default "ffmpeg"
	ProbeBinary string // default "ffprobe"
	Threads     int    // 0 lets the encoder decide
}

// Transcoder invokes the transcoder binary.
type Transcoder struct {
	cfg     Config
	runner  media.Runner
	metrics *metrics.Recorder
}

// New builds the adapter. A nil runner uses the real binaries.
func New(cfg Config, runner media.Runner, rec *metrics.Recorder) *Transcoder {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.ProbeBinary == "" {
		cfg.ProbeBinary = "ffprobe"
	}
	if runner == nil {
		runner = media.ExecRunner{}
	}
	return &Transcoder{cfg: cfg, runner: runner, metrics: rec}
}

// HLSResult describes a completed ladder transcode.
type HLSResult struct {
	Dir        string // local tree root, uploaded recursively
	MasterPath string
	Renditions []Rendition
}

// Segment shape shared by every rendition sink: 6-second targets inside one
// fragmented-MP4 media file, addressed by byte range, VOD playlist type.
const (
	segmentSeconds = 6
	x264Keyframes  = "keyint=48:min-keyint=48:scenecut=0"
)

// TranscodeHLS produces the full rendition ladder and master playlist under
// outDir in a single invocation. An audio-encoder assertion in stderr retries
// the whole run with the audio stream copied instead of re-encoded; a missing
// master playlist after a successful run is synthesized from the variants.
func (t *Transcoder) TranscodeHLS(ctx context.Context, src string, topEdition int, outDir string) (*HLSResult, error) {
	ladder := LadderFor(topEdition)
	var result *HLSResult
	err := kernel.Step(ctx, t.metrics, "hls_transcode", func(ctx context.Context) error {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("create hls dir: %w", err)
		}
		for _, rendition := range ladder {
			if err := os.MkdirAll(filepath.Join(outDir, rendition.Name()), 0o755); err != nil {
				return fmt.Errorf("create rendition dir: %w", err)
			}
		}

		args := buildHLSArgs(src, outDir, ladder, t.cfg.Threads, false)
		_, err := t.runner.Run(ctx, t.cfg.Binary, args, nil)
		if err != nil && isAudioEncoderAssertion(err.Error()) {
			args = buildHLSArgs(src, outDir, ladder, t.cfg.Threads, true)
			_, err = t.runner.Run(ctx, t.cfg.Binary, args, nil)
		}
		if err != nil {
			return fmt.Errorf("hls transcode: %w", err)
		}

		masterPath := filepath.Join(outDir, "master.m3u8")
		if _, statErr := os.Stat(masterPath); statErr != nil {
			if err := synthesizeMaster(outDir, ladder); err != nil {
				return err
			}
		}
		result = &HLSResult{Dir: outDir, MasterPath: masterPath, Renditions: ladder}
		return nil
	})
	return result, err
}

// buildHLSArgs renders the single transcoder invocation: a split filter with
// one scaled branch per rendition, H.264 with aligned keyframes, one shared
// AAC stereo 44.1 kHz audio branch (or stream copy on the assertion retry),
// and per-rendition single-file fMP4 sinks plus the variant map.
func buildHLSArgs(src, outDir string, ladder []Rendition, threads int, audioCopy bool) []string {
	args := []string{"-y", "-i", src}
	if threads > 0 {
		args = append(args, "-threads", strconv.Itoa(threads))
	}
	args = append(args, "-filter_complex", buildSplitFilter(ladder))

	for i, rendition := range ladder {
		args = append(args,
			"-map", fmt.Sprintf("[v%dout]", i),
			fmt.Sprintf("-c:v:%d", i), "libx264",
			fmt.Sprintf("-b:v:%d", i), fmt.Sprintf("%dk", rendition.BitrateKbps),
			fmt.Sprintf("-maxrate:v:%d", i), fmt.Sprintf("%dk", rendition.BitrateKbps*11/10),
			fmt.Sprintf("-bufsize:v:%d", i), fmt.Sprintf("%dk", rendition.BitrateKbps*2),
			fmt.Sprintf("-profile:v:%d", i), "main",
		)
	}
	args = append(args, "-x264-params", x264Keyframes)

	for i := range ladder {
		args = append(args, "-map", "0:a:0")
		if audioCopy {
			args = append(args, fmt.Sprintf("-c:a:%d", i), "copy")
		} else {
			args = append(args,
				fmt.Sprintf("-c:a:%d", i), "aac",
				fmt.Sprintf("-b:a:%d", i), fmt.Sprintf("%dk", audioBitrateKbps),
				fmt.Sprintf("-ar:a:%d", i), "44100",
				fmt.Sprintf("-ac:a:%d", i), "2",
			)
		}
	}

	var variantMap []string
	for i, rendition := range ladder {
		variantMap = append(variantMap, fmt.Sprintf("v:%d,a:%d,name:%s", i, i, rendition.Name()))
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_type", "fmp4",
		"-hls_flags", "single_file",
		"-hls_list_size", "0",
		"-master_pl_name", "master.m3u8",
		"-var_stream_map", strings.Join(variantMap, " "),
		"-hls_segment_filename", filepath.Join(outDir, "%v", "%v.mp4"),
		filepath.Join(outDir, "%v", "%v.m3u8"),
	)
	return args
}

func buildSplitFilter(ladder []Rendition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[0:v]split=%d", len(ladder))
	for i := range ladder {
		fmt.Fprintf(&b, "[v%d]", i)
	}
	for i, rendition := range ladder {
		fmt.Fprintf(&b, ";[v%d]scale=-2:%d[v%dout]", i, rendition.Height, i)
	}
	return b.String()
}

// isAudioEncoderAssertion matches the AAC encoder assertion failures that the
// stream-copy retry works around.
func isAudioEncoderAssertion(msg string) bool {
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "assertion") {
		return false
	}
	return strings.Contains(lower, "aac") || strings.Contains(lower, "audio") ||
		strings.Contains(lower, "cbits")
}
