package queue

import (
	"errors"
	"testing"
)

func TestParseMessageExistingEpisode(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"id":"ep-123","url":"https://youtu.be/X"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Kind != KindExistingEpisode {
		t.Fatalf("kind = %v", msg.Kind)
	}
	if msg.Existing.ID != "ep-123" || msg.Existing.URL != "https://youtu.be/X" {
		t.Fatalf("existing = %+v", msg.Existing)
	}
	if msg.SourceURL() != "https://youtu.be/X" {
		t.Fatalf("SourceURL = %q", msg.SourceURL())
	}
}

func TestParseMessageNewEntry(t *testing.T) {
	body := `{
		"videoId":"A","episodeTitle":"T","channelName":"C","channelId":"cid",
		"originalUri":"https://youtu.be/A","publishedDate":"2024-01-15T10:30:00Z",
		"contentType":"Video","hostName":"H","additionalData":{},
		"someFutureField":"kept"
	}`
	msg, err := ParseMessage([]byte(body))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Kind != KindNewEntry {
		t.Fatalf("kind = %v", msg.Kind)
	}
	entry := msg.NewEntry
	if entry.ChannelID != "cid" || entry.HostName != "H" || entry.ContentType != "Video" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.AdditionalData["someFutureField"] != "kept" {
		t.Fatalf("unknown field not preserved: %v", entry.AdditionalData)
	}
	published := entry.PublishedAt()
	if published == nil || published.Year() != 2024 {
		t.Fatalf("PublishedAt = %v", published)
	}
	if msg.VideoID() != "A" {
		t.Fatalf("VideoID = %q", msg.VideoID())
	}
}

func TestParseMessagePrecedence(t *testing.T) {
	// id+url plus videoId markers must not route to the existing path.
	body := `{"id":"x","url":"u","videoId":"A","episodeTitle":"T","originalUri":"u"}`
	msg, err := ParseMessage([]byte(body))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Kind != KindNewEntry {
		t.Fatalf("kind = %v, want new entry", msg.Kind)
	}
}

func TestParseMessageLegacy(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"url":"https://youtu.be/Z","jobId":"job-7","channelId":"c"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Kind != KindLegacy || msg.Legacy.JobID != "job-7" {
		t.Fatalf("legacy = %+v", msg.Legacy)
	}
}

func TestParseMessagePoison(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"foo":"bar"}`,
		`{"id":"only-id"}`,
		`{"videoId":"A","episodeTitle":"T"}`,
		`{"videoId":"","episodeTitle":"T","originalUri":"u"}`,
	} {
		if _, err := ParseMessage([]byte(body)); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("body %q: expected ErrInvalidMessage, got %v", body, err)
		}
	}
}

func TestJobTrackerCap(t *testing.T) {
	tracker := NewJobTracker(2, nil)
	if !tracker.StartJob("a") || !tracker.StartJob("b") {
		t.Fatal("tracker rejected jobs below cap")
	}
	if tracker.StartJob("c") {
		t.Fatal("tracker accepted a job over cap")
	}
	if tracker.CanAcceptMoreJobs() {
		t.Fatal("CanAcceptMoreJobs must be false at cap")
	}
	if tracker.StartJob("a") {
		t.Fatal("duplicate id accepted")
	}
	tracker.CompleteJob("a")
	if !tracker.CanAcceptMoreJobs() || tracker.ActiveCount() != 1 {
		t.Fatal("completion did not free a slot")
	}
	if !tracker.StartJob("c") {
		t.Fatal("freed slot not usable")
	}
}
