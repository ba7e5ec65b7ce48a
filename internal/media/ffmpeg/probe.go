package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// ProbeResult is the subset of stream attributes the pipeline needs.
type ProbeResult struct {
	Width           int
	Height          int
	DurationSeconds float64
}

type probePayload struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe inspects a local media file with the probe binary.
func (t *Transcoder) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	}
	stdout, err := t.runner.Run(ctx, t.cfg.ProbeBinary, args, nil)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	return parseProbe(stdout)
}

func parseProbe(raw []byte) (*ProbeResult, error) {
	var payload probePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse probe payload: %w", err)
	}
	var result ProbeResult
	for _, stream := range payload.Streams {
		if stream.CodecType == "video" && stream.Height > result.Height {
			result.Width = stream.Width
			result.Height = stream.Height
		}
	}
	if payload.Format.Duration != "" {
		if seconds, err := strconv.ParseFloat(payload.Format.Duration, 64); err == nil {
			result.DurationSeconds = seconds
		}
	}
	return &result, nil
}
