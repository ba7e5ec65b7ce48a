// Package queue drains the input queue: message-shape detection, bounded
// job tracking, per-message visibility extension, and the interruption
// drain-and-requeue path.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidMessage reports a body matching none of the known shapes. Such
// messages are poison and deleted without processing.
var ErrInvalidMessage = errors.New("invalid message shape")

// MessageKind discriminates the three queue message shapes.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindExistingEpisode
	KindNewEntry
	KindLegacy
)

func (k MessageKind) String() string {
	switch k {
	case KindExistingEpisode:
		return "existing_episode"
	case KindNewEntry:
		return "new_entry"
	case KindLegacy:
		return "legacy"
	default:
		return "invalid"
	}
}

// ExistingEpisodeMessage routes a video download onto an episode the caller
// already created.
type ExistingEpisodeMessage struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// NewEntryMessage is the full episode identity shape.
type NewEntryMessage struct {
	VideoID         string         `json:"videoId"`
	EpisodeTitle    string         `json:"episodeTitle"`
	ChannelName     string         `json:"channelName"`
	ChannelID       string         `json:"channelId"`
	OriginalURI     string         `json:"originalUri"`
	PublishedDate   string         `json:"publishedDate"`
	ContentType     string         `json:"contentType"`
	HostName        string         `json:"hostName"`
	HostDescription string         `json:"hostDescription"`
	LanguageCode    string         `json:"languageCode"`
	Genre           string         `json:"genre"`
	Country         string         `json:"country"`
	WebsiteLink     string         `json:"websiteLink"`
	AdditionalData  map[string]any `json:"additionalData"`
}

// PublishedAt parses the ISO-8601 published date when present.
func (m *NewEntryMessage) PublishedAt() *time.Time {
	if m.PublishedDate == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, m.PublishedDate)
	if err != nil {
		return nil
	}
	return &ts
}

// LegacyMessage is the original submission shape. ChannelID and Metadata
// feed the catalog row; JobID overrides the generated job identifier.
type LegacyMessage struct {
	URL       string         `json:"url"`
	JobID     string         `json:"jobId"`
	ChannelID string         `json:"channelId"`
	Metadata  map[string]any `json:"metadata"`
}

// Message is the tagged union produced by ParseMessage; exactly one variant
// pointer is set for valid kinds.
type Message struct {
	Kind     MessageKind
	Existing *ExistingEpisodeMessage
	NewEntry *NewEntryMessage
	Legacy   *LegacyMessage
}

// Fields known to each shape; anything else is preserved in AdditionalData.
var newEntryKnownFields = map[string]bool{
	"videoId": true, "episodeTitle": true, "channelName": true,
	"channelId": true, "originalUri": true, "publishedDate": true,
	"contentType": true, "hostName": true, "hostDescription": true,
	"languageCode": true, "genre": true, "country": true,
	"websiteLink": true, "additionalData": true,
}

// ParseMessage detects the message shape with top-down precedence:
// existing-episode (exactly id+url, no new-entry markers), new entry
// (videoId+episodeTitle+originalUri), then legacy (url). Parsing is
// permissive: unknown new-entry fields are folded into AdditionalData.
func ParseMessage(body []byte) (*Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	has := func(key string) bool {
		value, ok := raw[key]
		return ok && string(value) != "null"
	}

	switch {
	case has("id") && has("url") && !has("videoId") && !has("episodeTitle") && !has("originalUri"):
		var msg ExistingEpisodeMessage
		if err := json.Unmarshal(body, &msg); err != nil || msg.ID == "" || msg.URL == "" {
			return nil, fmt.Errorf("%w: malformed existing-episode body", ErrInvalidMessage)
		}
		return &Message{Kind: KindExistingEpisode, Existing: &msg}, nil

	case has("videoId") && has("episodeTitle") && has("originalUri"):
		var msg NewEntryMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("%w: malformed new-entry body", ErrInvalidMessage)
		}
		if msg.VideoID == "" || msg.EpisodeTitle == "" || msg.OriginalURI == "" {
			return nil, fmt.Errorf("%w: new-entry body missing required fields", ErrInvalidMessage)
		}
		if msg.AdditionalData == nil {
			msg.AdditionalData = map[string]any{}
		}
		for key, value := range raw {
			if newEntryKnownFields[key] {
				continue
			}
			var decoded any
			if err := json.Unmarshal(value, &decoded); err == nil {
				msg.AdditionalData[key] = decoded
			}
		}
		return &Message{Kind: KindNewEntry, NewEntry: &msg}, nil

	case has("url"):
		var msg LegacyMessage
		if err := json.Unmarshal(body, &msg); err != nil || msg.URL == "" {
			return nil, fmt.Errorf("%w: malformed legacy body", ErrInvalidMessage)
		}
		return &Message{Kind: KindLegacy, Legacy: &msg}, nil
	}
	return nil, fmt.Errorf("%w: no recognized fields", ErrInvalidMessage)
}

// SourceURL returns the video URL of any valid message.
func (m *Message) SourceURL() string {
	switch m.Kind {
	case KindExistingEpisode:
		return m.Existing.URL
	case KindNewEntry:
		return m.NewEntry.OriginalURI
	case KindLegacy:
		return m.Legacy.URL
	}
	return ""
}

// VideoID returns the caller-supplied video identifier when the shape
// carries one.
func (m *Message) VideoID() string {
	if m.Kind == KindNewEntry {
		return m.NewEntry.VideoID
	}
	return ""
}
