// Package ffmpeg adapts the transcoder binary: copy-mode muxing, the
// adaptive-bitrate ladder transcode, master-playlist synthesis, and probing.
package ffmpeg

import "fmt"

// Rendition is one rung of the encoding ladder.
type Rendition struct {
	Height      int
	Width       int
	BitrateKbps int
}

// Name returns the rendition label used for directories and playlists.
func (r Rendition) Name() string { return fmt.Sprintf("%dp", r.Height) }

// Bandwidth returns the master-playlist BANDWIDTH value in bits per second,
// video bitrate plus the shared 96 kbps audio branch.
func (r Rendition) Bandwidth() int { return (r.BitrateKbps + audioBitrateKbps) * 1000 }

const audioBitrateKbps = 96

var ladder1080 = []Rendition{
	{Height: 1080, Width: 1920, BitrateKbps: 2500},
	{Height: 720, Width: 1280, BitrateKbps: 1200},
	{Height: 480, Width: 854, BitrateKbps: 700},
	{Height: 360, Width: 640, BitrateKbps: 400},
}

var ladder720 = ladder1080[1:]

// LadderFor returns the rendition ladder for the given top edition. Any
// source below 1080 gets the 720 ladder.
func LadderFor(topEdition int) []Rendition {
	if topEdition >= 1080 {
		return ladder1080
	}
	return ladder720
}

// TopEditionFor maps a source height onto the supported top editions.
func TopEditionFor(sourceHeight int) int {
	if sourceHeight >= 1080 {
		return 1080
	}
	return 720
}
