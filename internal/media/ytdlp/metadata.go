// Package ytdlp adapts the external downloader binary: metadata dumps,
// audio-only and video-only downloads, and progress streaming.
package ytdlp

import (
	"encoding/json"
	"fmt"
	"time"
)

// VideoMetadata is the normalized descriptor of a remote item, immutable once
// fetched. Field names follow the binary's JSON dump payload.
type VideoMetadata struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Uploader    string  `json:"uploader"`
	Channel     string  `json:"channel"`
	ChannelID   string  `json:"channel_id"`
	Description string  `json:"description"`
	Duration    float64 `json:"duration"`
	UploadDate  string  `json:"upload_date"` // YYYYMMDD
	Thumbnail   string  `json:"thumbnail"`
	ViewCount   int64   `json:"view_count"`
	LikeCount   int64   `json:"like_count"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	WebpageURL  string  `json:"webpage_url"`
}

// ParseMetadata decodes a JSON dump payload.
func ParseMetadata(raw []byte) (*VideoMetadata, error) {
	var meta VideoMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadata, err)
	}
	if meta.ID == "" {
		return nil, fmt.Errorf("%w: payload missing id", ErrMetadata)
	}
	return &meta, nil
}

// ChannelTitle returns the best available channel name.
func (m *VideoMetadata) ChannelTitle() string {
	if m.Channel != "" {
		return m.Channel
	}
	return m.Uploader
}

// PublishedAt converts the upload date to a timestamp when present.
func (m *VideoMetadata) PublishedAt() *time.Time {
	if len(m.UploadDate) != 8 {
		return nil
	}
	ts, err := time.Parse("20060102", m.UploadDate)
	if err != nil {
		return nil
	}
	return &ts
}

// DurationMillis returns the source duration in milliseconds.
func (m *VideoMetadata) DurationMillis() int64 {
	return int64(m.Duration * 1000)
}
