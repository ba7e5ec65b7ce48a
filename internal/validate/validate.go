package validate

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"vodcast-worker/internal/catalog"
	"vodcast-worker/internal/observability/logging"
	"vodcast-worker/internal/observability/metrics"
)

// DefaultDurationTolerance is the allowed drift between the source duration
// and the summed rendition segments, in seconds.
const DefaultDurationTolerance = 2.0

// Catalog is the subset of the episode store the checker reads.
type Catalog interface {
	GetEpisode(ctx context.Context, id string) (*catalog.Episode, error)
	ListRecent(ctx context.Context, cutoff time.Time, limit int) ([]*catalog.Episode, error)
}

// Blob probes and fetches the artifacts a row references.
type Blob interface {
	ObjectExistsByURL(ctx context.Context, rawURL string) (bool, error)
	DownloadBytesByURL(ctx context.Context, rawURL string) ([]byte, error)
}

// Checker audits episodes against the completion invariants.
type Checker struct {
	catalog   Catalog
	blob      Blob
	metrics   *metrics.Recorder
	logger    *slog.Logger
	tolerance float64
}

// NewChecker builds the checker. tolerance <= 0 uses the default.
func NewChecker(cat Catalog, blob Blob, rec *metrics.Recorder, logger *slog.Logger, tolerance float64) *Checker {
	if tolerance <= 0 {
		tolerance = DefaultDurationTolerance
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Checker{
		catalog:   cat,
		blob:      blob,
		metrics:   rec,
		logger:    logging.WithComponent(logger, "validate"),
		tolerance: tolerance,
	}
}

// Result is one episode's audit outcome.
type Result struct {
	EpisodeID string
	Errors    []string
	Warnings  []string
}

// OK reports whether the episode passed with no errors.
func (r Result) OK() bool { return len(r.Errors) == 0 }

func (r *Result) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ValidateEpisode audits one episode by ID and returns an error when any hard
// check fails. Used by the pipeline after completion.
func (c *Checker) ValidateEpisode(ctx context.Context, episodeID string) error {
	episode, err := c.catalog.GetEpisode(ctx, episodeID)
	if err != nil {
		return fmt.Errorf("load episode %s: %w", episodeID, err)
	}
	result := c.Check(ctx, episode)
	for _, warning := range result.Warnings {
		c.logger.Warn("validation warning", "episode_id", episodeID, "warning", warning)
	}
	if !result.OK() {
		return fmt.Errorf("episode %s failed validation: %s", episodeID, strings.Join(result.Errors, "; "))
	}
	return nil
}

// Check runs every per-row check without touching the catalog.
func (c *Checker) Check(ctx context.Context, episode *catalog.Episode) Result {
	result := Result{EpisodeID: episode.ID}

	if !episode.ProcessingDone {
		result.errorf("processingDone is false")
	}
	if episode.ContentType != catalog.ContentTypeVideo {
		result.errorf("contentType = %q, want %q", episode.ContentType, catalog.ContentTypeVideo)
	}
	if episode.DurationMillis <= 0 {
		result.errorf("durationMillis = %d", episode.DurationMillis)
	}

	videoLocation := episode.VideoLocation()
	masterURL := episode.MasterM3U8()
	if masterURL != "" && videoLocation == "" {
		result.errorf("master_m3u8 set without videoLocation")
	}
	if videoLocation == "" {
		result.errorf("additionalData missing %s", catalog.KeyVideoLocation)
	}
	if masterURL == "" {
		result.errorf("additionalData missing %s", catalog.KeyMasterM3U8)
	}
	if !result.OK() {
		return result
	}

	c.checkObject(ctx, &result, catalog.KeyVideoLocation, videoLocation)
	c.checkObject(ctx, &result, catalog.KeyMasterM3U8, masterURL)
	if !result.OK() {
		return result
	}

	c.checkManifest(ctx, &result, masterURL, episode.DurationMillis)
	return result
}

func (c *Checker) checkObject(ctx context.Context, result *Result, key, rawURL string) {
	exists, err := c.blob.ObjectExistsByURL(ctx, rawURL)
	if err != nil {
		result.errorf("%s probe failed: %v", key, err)
		return
	}
	if !exists {
		result.errorf("%s object missing: %s", key, rawURL)
	}
}

// checkManifest fetches the master playlist, requires at least one variant,
// and compares the highest-bandwidth rendition's summed segments to the
// source duration. Playlist fetch problems past the master are warnings: the
// stream may still play.
func (c *Checker) checkManifest(ctx context.Context, result *Result, masterURL string, durationMillis int64) {
	data, err := c.blob.DownloadBytesByURL(ctx, masterURL)
	if err != nil {
		result.errorf("fetch master playlist: %v", err)
		return
	}
	variants, err := ParseMaster(data)
	if err != nil {
		result.errorf("parse master playlist: %v", err)
		return
	}
	if len(variants) == 0 {
		result.errorf("master playlist has no variants")
		return
	}

	best, _ := HighestBandwidth(variants)
	variantURL, err := resolveVariantURL(masterURL, best.URI)
	if err != nil {
		result.warnf("resolve variant %q: %v", best.URI, err)
		return
	}
	playlist, err := c.blob.DownloadBytesByURL(ctx, variantURL)
	if err != nil {
		result.warnf("fetch variant playlist: %v", err)
		return
	}
	sum, err := SumSegmentDurations(playlist)
	if err != nil {
		result.warnf("sum variant segments: %v", err)
		return
	}
	if durationMillis > 0 {
		source := float64(durationMillis) / 1000
		if drift := sum - source; drift > c.tolerance || drift < -c.tolerance {
			result.warnf("variant duration %.1fs drifts %.1fs from source %.1fs", sum, drift, source)
		}
	}
}

// resolveVariantURL joins a relative variant path onto the master's location.
func resolveVariantURL(masterURL, variantURI string) (string, error) {
	if strings.Contains(variantURI, "://") {
		return variantURI, nil
	}
	parsed, err := url.Parse(masterURL)
	if err != nil {
		return "", err
	}
	parsed.Path = path.Join(path.Dir(parsed.Path), variantURI)
	return parsed.String(), nil
}

// Report summarizes a batch scan.
type Report struct {
	Total    int
	Errors   int
	Warnings int
	Failed   []Result
}

// Scan audits every live row created after cutoff (newest first, capped at
// limit) and emits the integrity-scan metrics.
func (c *Checker) Scan(ctx context.Context, cutoff time.Time, limit int) (*Report, error) {
	episodes, err := c.catalog.ListRecent(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	report := &Report{Total: len(episodes)}
	for _, episode := range episodes {
		result := c.Check(ctx, episode)
		report.Errors += len(result.Errors)
		report.Warnings += len(result.Warnings)
		if !result.OK() {
			report.Failed = append(report.Failed, result)
			c.logger.Error("integrity scan failure",
				"episode_id", episode.ID, "errors", strings.Join(result.Errors, "; "))
		}
	}
	c.metrics.IntegrityScan(report.Total, report.Errors, report.Warnings)
	return report, nil
}
