package ytdlp

import (
	"regexp"
	"strconv"
	"strings"
)

// Stage labels for progress events.
const (
	StageAudio  = "audio"
	StageVideo  = "video"
	StageMerged = "merged"
)

// ProgressEvent is an advisory snapshot of one download leg. It never mutates
// catalog state.
type ProgressEvent struct {
	Stage   string
	Percent float64
	ETA     string
	Speed   string
	Raw     string
}

// ProgressFunc receives progress events. Consumers may be nil.
type ProgressFunc func(ProgressEvent)

// Matches lines like:
//
//	[download]  42.7% of ~  1.05GiB at    5.43MiB/s ETA 02:11
var progressPattern = regexp.MustCompile(
	`\[download\]\s+(\d+(?:\.\d+)?)%(?:\s+of\s+~?\s*\S+)?(?:\s+at\s+(\S+))?(?:\s+ETA\s+(\S+))?`)

// parseProgressLine extracts a progress event from one output line. The
// second return value is false for non-progress lines.
func parseProgressLine(stage, line string) (ProgressEvent, bool) {
	trimmed := strings.TrimSpace(line)
	match := progressPattern.FindStringSubmatch(trimmed)
	if match == nil {
		return ProgressEvent{}, false
	}
	percent, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return ProgressEvent{}, false
	}
	event := ProgressEvent{
		Stage:   stage,
		Percent: percent,
		Raw:     trimmed,
	}
	if match[2] != "" && match[2] != "Unknown" {
		event.Speed = match[2]
	}
	if match[3] != "" && match[3] != "Unknown" {
		event.ETA = match[3]
	}
	return event, true
}
