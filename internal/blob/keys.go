// Package blob transfers artifacts to and from object storage and owns the
// deterministic key layout episodes are stored under.
package blob

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	maxSlugLength = 100
	emptySlug     = "untitled"
)

// Slug derives a filesystem- and URL-safe identifier from free text:
// lowercase, Unicode-decomposed with combining marks stripped, runs of
// non-alphanumerics collapsed to a single dash, trimmed, at most 100 runes.
// Empty input yields "untitled".
func Slug(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	lastDash := true
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		r = unicode.ToLower(r)
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLength {
		slug = strings.Trim(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		return emptySlug
	}
	return slug
}

// ArtifactKey is a parsed object-storage key of the form
// {podcastSlug}/{episodeSlug}/original/{kind}/{filename}.
type ArtifactKey struct {
	PodcastSlug string
	EpisodeSlug string
	Kind        string
	Filename    string
}

// Artifact kinds under the original/ segment.
const (
	KindAudio       = "audio"
	KindVideo       = "videos"
	KindVideoStream = "video_stream"
	KindImage       = "image"
)

// Keys derives artifact keys for an episode identity. Prefix, when set, is
// prepended to every key.
type Keys struct {
	Prefix string
}

func (k Keys) join(parts ...string) string {
	key := path.Join(parts...)
	if k.Prefix != "" {
		return path.Join(k.Prefix, key)
	}
	return key
}

// Audio returns the key for the episode's audio artifact.
func (k Keys) Audio(podcast, episode, ext string) string {
	episodeSlug := Slug(episode)
	return k.join(Slug(podcast), episodeSlug, "original", KindAudio, episodeSlug+"."+strings.TrimPrefix(ext, "."))
}

// Video returns the key for the merged video artifact at the given height.
func (k Keys) Video(podcast, episode string, height int, ext string) string {
	name := fmt.Sprintf("%dp.%s", height, strings.TrimPrefix(ext, "."))
	return k.join(Slug(podcast), Slug(episode), "original", KindVideo, name)
}

// StreamRoot returns the key prefix the HLS rendition tree is uploaded under.
func (k Keys) StreamRoot(podcast, episode string) string {
	return k.join(Slug(podcast), Slug(episode), "original", KindVideoStream)
}

// Master returns the key of the adaptive-bitrate master playlist.
func (k Keys) Master(podcast, episode string) string {
	return path.Join(k.StreamRoot(podcast, episode), "master.m3u8")
}

// Image returns the key for the episode thumbnail.
func (k Keys) Image(podcast, episode, ext string) string {
	episodeSlug := Slug(episode)
	return k.join(Slug(podcast), episodeSlug, "original", KindImage, episodeSlug+"."+strings.TrimPrefix(ext, "."))
}

// ParseKey splits a key back into its artifact components. The optional
// prefix is stripped first.
func ParseKey(key, prefix string) (ArtifactKey, bool) {
	trimmed := strings.Trim(key, "/")
	if prefix != "" {
		trimmed = strings.TrimPrefix(trimmed, strings.Trim(prefix, "/"))
		trimmed = strings.Trim(trimmed, "/")
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 5 || parts[2] != "original" {
		return ArtifactKey{}, false
	}
	switch parts[3] {
	case KindAudio, KindVideo, KindVideoStream, KindImage:
	default:
		return ArtifactKey{}, false
	}
	return ArtifactKey{
		PodcastSlug: parts[0],
		EpisodeSlug: parts[1],
		Kind:        parts[3],
		Filename:    path.Join(parts[4:]...),
	}, true
}
