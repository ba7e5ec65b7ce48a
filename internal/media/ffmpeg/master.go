package ffmpeg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const masterCodecs = `avc1.4d401f,mp4a.40.2`

// synthesizeMaster writes a master playlist listing the variant playlists
// present under outDir. Renditions whose playlist is missing are skipped; at
// least one variant must exist.
func synthesizeMaster(outDir string, ladder []Rendition) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")

	present := 0
	for _, rendition := range ladder {
		name := rendition.Name()
		variant := filepath.Join(outDir, name, name+".m3u8")
		if _, err := os.Stat(variant); err != nil {
			continue
		}
		present++
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s\"\n",
			rendition.Bandwidth(), rendition.Width, rendition.Height, masterCodecs)
		fmt.Fprintf(&b, "%s/%s.m3u8\n", name, name)
	}
	if present == 0 {
		return fmt.Errorf("synthesize master: no variant playlists under %s", outDir)
	}
	if err := os.WriteFile(filepath.Join(outDir, "master.m3u8"), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}
	return nil
}
