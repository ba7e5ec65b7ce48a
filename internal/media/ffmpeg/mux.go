package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"vodcast-worker/internal/kernel"
)

// Mux combines a video-only and an audio-only file into outPath by stream
// copy, normalizing timestamps. The output is validated non-empty.
func (t *Transcoder) Mux(ctx context.Context, videoPath, audioPath, outPath string) (string, error) {
	err := kernel.Step(ctx, t.metrics, "mux_audio_video", func(ctx context.Context) error {
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return fmt.Errorf("create merge dir: %w", err)
		}
		args := []string{
			"-y",
			"-fflags", "+genpts",
			"-i", videoPath,
			"-i", audioPath,
			"-map", "0:v:0",
			"-map", "1:a:0",
			"-c", "copy",
			"-avoid_negative_ts", "make_zero",
			"-movflags", "+faststart",
			outPath,
		}
		if _, err := t.runner.Run(ctx, t.cfg.Binary, args, nil); err != nil {
			return fmt.Errorf("mux audio+video: %w", err)
		}
		info, err := os.Stat(outPath)
		if err != nil {
			return fmt.Errorf("mux produced no output: %w", err)
		}
		if info.Size() == 0 {
			return fmt.Errorf("mux produced empty output %s", outPath)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return outPath, nil
}
