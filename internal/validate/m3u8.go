// Package validate audits completed episodes: catalog fields, referenced
// blobs, and manifest durations. It runs per-job after each pipeline
// completion and in batch from the integrity scanner.
package validate

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Variant is one rendition entry of a master playlist.
type Variant struct {
	Bandwidth  int
	Resolution string
	Codecs     string
	URI        string
}

// ParseMaster extracts the variant list from a master playlist.
func ParseMaster(data []byte) ([]Variant, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() || !strings.HasPrefix(strings.TrimSpace(scanner.Text()), "#EXTM3U") {
		return nil, fmt.Errorf("not an m3u8 playlist")
	}
	var variants []Variant
	var pending *Variant
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			v := parseStreamInf(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			pending = &v
		case pending != nil && line != "" && !strings.HasPrefix(line, "#"):
			pending.URI = line
			variants = append(variants, *pending)
			pending = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return variants, nil
}

// parseStreamInf splits the attribute list, honoring quoted values (CODECS
// contains a comma).
func parseStreamInf(attrs string) Variant {
	var v Variant
	for _, attr := range splitAttributes(attrs) {
		key, value, ok := strings.Cut(attr, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "BANDWIDTH":
			v.Bandwidth, _ = strconv.Atoi(value)
		case "RESOLUTION":
			v.Resolution = value
		case "CODECS":
			v.Codecs = value
		}
	}
	return v
}

func splitAttributes(attrs string) []string {
	var parts []string
	var b strings.Builder
	quoted := false
	for _, r := range attrs {
		switch {
		case r == '"':
			quoted = !quoted
			b.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

// SumSegmentDurations totals the #EXTINF durations of a media playlist, in
// seconds.
func SumSegmentDurations(data []byte) (float64, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	var total float64
	found := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "#EXTINF:") {
			continue
		}
		value := strings.TrimPrefix(line, "#EXTINF:")
		if idx := strings.Index(value, ","); idx >= 0 {
			value = value[:idx]
		}
		duration, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, fmt.Errorf("malformed EXTINF %q: %w", line, err)
		}
		total += duration
		found = true
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("playlist has no segments")
	}
	return total, nil
}

// HighestBandwidth returns the variant a player would pick on an unconstrained
// link.
func HighestBandwidth(variants []Variant) (Variant, bool) {
	var best Variant
	found := false
	for _, v := range variants {
		if !found || v.Bandwidth > best.Bandwidth {
			best = v
			found = true
		}
	}
	return best, found
}
