package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestSanitizeText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"trims whitespace", "  hello  ", "hello"},
		{"strips control chars", "he\x00llo\x07", "hello"},
		{"keeps newline and tab", "a\n\tb", "a\n\tb"},
		{"nfc normalizes", "Café", "Café"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeText(tc.in); got != tc.want {
				t.Fatalf("SanitizeText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestMergeAdditionalDataPreservesExisting(t *testing.T) {
	existing := map[string]any{KeyYoutubeVideoID: "abc", KeyThumbnail: "t.jpg"}
	patch := map[string]any{KeyVideoLocation: "https://example/video.mp4"}
	merged := MergeAdditionalData(existing, patch)

	if merged[KeyYoutubeVideoID] != "abc" || merged[KeyThumbnail] != "t.jpg" {
		t.Fatalf("existing keys lost: %v", merged)
	}
	if merged[KeyVideoLocation] != "https://example/video.mp4" {
		t.Fatalf("patch key missing: %v", merged)
	}
	if _, ok := existing[KeyVideoLocation]; ok {
		t.Fatal("merge mutated the existing bag")
	}
}

func TestBuildUpdateOnlyWritesPatchedFields(t *testing.T) {
	patch := Patch{
		ProcessingDone: Bool(true),
		IsSynced:       Bool(false),
		AdditionalData: map[string]any{KeyMasterM3U8: "https://example/master.m3u8"},
	}
	merged := map[string]any{KeyMasterM3U8: "https://example/master.m3u8"}
	query, args := buildUpdate("ep-1", patch, merged)

	if !strings.Contains(query, "processing_done = $1") {
		t.Fatalf("missing processing_done set: %s", query)
	}
	if !strings.Contains(query, "is_synced = $2") {
		t.Fatalf("missing is_synced set: %s", query)
	}
	if !strings.Contains(query, "additional_data = $3") {
		t.Fatalf("missing additional_data set: %s", query)
	}
	if strings.Contains(query, "episode_title") || strings.Contains(query, "guests") {
		t.Fatalf("unexpected column in update: %s", query)
	}
	// sets + updated_at + id
	if len(args) != 5 {
		t.Fatalf("expected 5 args, got %d", len(args))
	}
	if args[len(args)-1] != "ep-1" {
		t.Fatalf("last arg should be the id, got %v", args[len(args)-1])
	}
}

func TestBuildUpdateEmptyPatch(t *testing.T) {
	query, args := buildUpdate("ep-1", Patch{}, nil)
	if query != "" || args != nil {
		t.Fatalf("empty patch should produce no statement, got %q", query)
	}
}

func TestPatchMismatches(t *testing.T) {
	ep := &Episode{
		EpisodeTitle:   "Title",
		ProcessingDone: true,
		Guests:         []string{"Jane Doe"},
		AdditionalData: map[string]any{KeyVideoLocation: "https://example/v.mp4"},
	}
	match := Patch{
		EpisodeTitle:   String("Title"),
		ProcessingDone: Bool(true),
		Guests:         Strings([]string{"Jane Doe"}),
		AdditionalData: map[string]any{KeyVideoLocation: "https://example/v.mp4"},
	}
	if got := patchMismatches(ep, match); len(got) != 0 {
		t.Fatalf("expected clean read-back, got mismatches %v", got)
	}

	miss := Patch{
		EpisodeTitle:   String("Other"),
		AdditionalData: map[string]any{KeyMasterM3U8: "https://example/m.m3u8"},
	}
	got := patchMismatches(ep, miss)
	if len(got) != 2 {
		t.Fatalf("expected 2 mismatches, got %v", got)
	}
}

func TestEpisodeAdditionalAccessors(t *testing.T) {
	ep := &Episode{AdditionalData: map[string]any{
		KeyYoutubeVideoID: "dQw4w9WgXcQ",
		KeyVideoLocation:  "https://example/v.mp4",
	}}
	if ep.YoutubeVideoID() != "dQw4w9WgXcQ" {
		t.Fatalf("YoutubeVideoID = %q", ep.YoutubeVideoID())
	}
	if ep.MasterM3U8() != "" {
		t.Fatalf("MasterM3U8 should be empty, got %q", ep.MasterM3U8())
	}
	var nilEp *Episode
	if nilEp.VideoLocation() != "" {
		t.Fatal("nil episode accessor should return empty")
	}
}

func TestErrorClassification(t *testing.T) {
	lock := &pgconn.PgError{Code: "55P03"}
	if !IsLockContention(lock) || !IsRetryable(lock) {
		t.Fatal("NOWAIT lock failure must be retryable contention")
	}
	dup := &pgconn.PgError{Code: "23505"}
	if !IsDuplicate(dup) || IsRetryable(dup) {
		t.Fatal("unique violation must be duplicate and not retryable")
	}
	if IsRetryable(ErrNotFound) {
		t.Fatal("not-found must not be retryable")
	}
	if !IsRetryable(fmt.Errorf("read back: %w", ErrValidationMismatch)) {
		t.Fatal("validation mismatch must be retryable")
	}
	if IsLockContention(errors.New("plain")) {
		t.Fatal("plain errors are not lock contention")
	}
}

func TestCreateRecoversFromDuplicate(t *testing.T) {
	dup := fmt.Errorf("insert episode: %w", &pgconn.PgError{Code: "23505"})
	winner := &Episode{ID: "ep-winner"}

	lookups := 0
	ep, err := createWithRecovery(context.Background(),
		func(context.Context) (*Episode, error) { return nil, dup },
		func(context.Context) (*Episode, error) { lookups++; return winner, nil })
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if ep != winner || lookups != 1 {
		t.Fatalf("ep = %v lookups = %d", ep, lookups)
	}

	// Non-duplicate failures pass through without a lookup.
	boom := errors.New("connection reset")
	_, err = createWithRecovery(context.Background(),
		func(context.Context) (*Episode, error) { return nil, boom },
		func(context.Context) (*Episode, error) {
			t.Fatal("lookup must not run for non-duplicate errors")
			return nil, nil
		})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	// A failed read-back surfaces; the retry driver will not re-drive it.
	_, err = createWithRecovery(context.Background(),
		func(context.Context) (*Episode, error) { return nil, dup },
		func(context.Context) (*Episode, error) { return nil, ErrNotFound })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
