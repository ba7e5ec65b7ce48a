// Package catalog is the durable state authority for episodes. All writes are
// transactional against Postgres; row-level locks with NOWAIT keep concurrent
// pipelines from waiting on the server.
package catalog

import (
	"time"
)

// Canonical keys of the AdditionalData bag. Readers must tolerate missing
// keys; writers merge rather than replace.
const (
	KeyVideoLocation      = "videoLocation"
	KeyMasterM3U8         = "master_m3u8"
	KeyYoutubeVideoID     = "youtubeVideoId"
	KeyThumbnail          = "thumbnail"
	KeyGuestEnrichment    = "guestEnrichment"
	KeyTopicEnrichment    = "topicEnrichment"
	KeyVideoDownloadError = "videoDownloadError"
)

// ContentTypeVideo is the content type every merged episode carries.
const ContentTypeVideo = "Video"

// Episode is the persistent catalog row keyed by ID.
type Episode struct {
	ID                 string
	EpisodeTitle       string
	EpisodeDescription string
	ChannelName        string
	ChannelID          string
	HostName           string
	HostDescription    string
	OriginalURI        string
	PublishedDate      *time.Time
	ContentType        string
	DurationMillis     int64
	EpisodeImages      []string
	Country            string
	Genre              string
	Guests             []string
	GuestDescriptions  []string
	Topics             []string
	ProcessingDone     bool
	IsSynced           bool
	AdditionalData     map[string]any
	EpisodeURI         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// YoutubeVideoID returns the idempotency key stored in the additional-data
// bag, or "" when unset.
func (e *Episode) YoutubeVideoID() string {
	return e.additionalString(KeyYoutubeVideoID)
}

// VideoLocation returns the public URL of the merged video artifact, or "".
func (e *Episode) VideoLocation() string {
	return e.additionalString(KeyVideoLocation)
}

// MasterM3U8 returns the public URL of the adaptive-bitrate master playlist,
// or "".
func (e *Episode) MasterM3U8() string {
	return e.additionalString(KeyMasterM3U8)
}

func (e *Episode) additionalString(key string) string {
	if e == nil || e.AdditionalData == nil {
		return ""
	}
	value, _ := e.AdditionalData[key].(string)
	return value
}

// CreateParams are the fields of a new episode row. The repository allocates
// the ID.
type CreateParams struct {
	EpisodeTitle       string
	EpisodeDescription string
	ChannelName        string
	ChannelID          string
	HostName           string
	HostDescription    string
	OriginalURI        string
	PublishedDate      *time.Time
	ContentType        string
	DurationMillis     int64
	Country            string
	Genre              string
	AdditionalData     map[string]any
	EpisodeURI         string
}

// Patch is a partial update: only non-nil fields are written. AdditionalData
// entries are merged into the existing bag rather than replacing it.
type Patch struct {
	EpisodeTitle       *string
	EpisodeDescription *string
	HostName           *string
	HostDescription    *string
	DurationMillis     *int64
	Guests             *[]string
	GuestDescriptions  *[]string
	Topics             *[]string
	ProcessingDone     *bool
	IsSynced           *bool
	EpisodeURI         *string
	AdditionalData     map[string]any
}

// IsEmpty reports whether the patch would write nothing.
func (p Patch) IsEmpty() bool {
	return p.EpisodeTitle == nil && p.EpisodeDescription == nil &&
		p.HostName == nil && p.HostDescription == nil &&
		p.DurationMillis == nil && p.Guests == nil &&
		p.GuestDescriptions == nil && p.Topics == nil &&
		p.ProcessingDone == nil && p.IsSynced == nil &&
		p.EpisodeURI == nil && len(p.AdditionalData) == 0
}

// String returns a pointer to s, for building patches inline.
func String(s string) *string { return &s }

// Bool returns a pointer to b, for building patches inline.
func Bool(b bool) *bool { return &b }

// Int64 returns a pointer to n, for building patches inline.
func Int64(n int64) *int64 { return &n }

// Strings returns a pointer to the slice, for building patches inline.
func Strings(s []string) *[]string { return &s }

// MergeAdditionalData overlays patch entries onto the existing bag and
// returns the merged copy. Neither input is mutated.
func MergeAdditionalData(existing, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(patch))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
