package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodcast-worker/internal/kernel"
	"vodcast-worker/internal/observability/metrics"
)

const episodeColumns = `episode_id, episode_title, episode_description, channel_name,
	channel_id, host_name, host_description, original_uri, published_date,
	content_type, duration_millis, episode_images, country, genre, guests,
	guest_descriptions, topics, processing_done, is_synced, additional_data,
	episode_uri, created_at, updated_at, deleted_at`

// RepositoryConfig tunes the repository's retry and validation behaviour.
type RepositoryConfig struct {
	RetryAttempts           int           // lock-contention retries, default 3
	RetryBaseDelay          time.Duration // default 100ms
	UpdateValidateRetries   int           // default 3
	UpdateValidateBaseDelay time.Duration // default 200ms
}

func (c RepositoryConfig) normalize() RepositoryConfig {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.UpdateValidateRetries <= 0 {
		c.UpdateValidateRetries = 3
	}
	if c.UpdateValidateBaseDelay <= 0 {
		c.UpdateValidateBaseDelay = 200 * time.Millisecond
	}
	return c
}

// Repository is the Postgres-backed episode catalog.
type Repository struct {
	pool    *pgxpool.Pool
	cfg     RepositoryConfig
	db      *kernel.Semaphore
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// NewRepository wraps an open pool. The db semaphore caps in-process write
// contention; it may be nil in tests.
func NewRepository(pool *pgxpool.Pool, cfg RepositoryConfig, db *kernel.Semaphore, rec *metrics.Recorder, logger *slog.Logger) *Repository {
	return &Repository{
		pool:    pool,
		cfg:     cfg.normalize(),
		db:      db,
		metrics: rec,
		logger:  logger,
	}
}

// Open connects a pool with the given DSN and connect timeout and applies the
// schema migration.
func Open(ctx context.Context, dsn string, connectTimeout time.Duration, maxConns int) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse catalog dsn: %w", err)
	}
	if connectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = connectTimeout
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open catalog pool: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (r *Repository) withDB(ctx context.Context, fn func(context.Context) error) error {
	if r.db == nil {
		return fn(ctx)
	}
	return r.db.With(ctx, fn)
}

// executeWithRetry re-drives fn on transient lock errors, deadlocks, and
// serialization failures.
func (r *Repository) executeWithRetry(ctx context.Context, fn func(context.Context) error) error {
	return kernel.Retry(ctx, kernel.RetryOptions{
		Attempts:  r.cfg.RetryAttempts,
		BaseDelay: r.cfg.RetryBaseDelay,
		Retryable: IsRetryable,
	}, fn)
}

// GetEpisode fetches a row by ID. Returns ErrNotFound when absent.
func (r *Repository) GetEpisode(ctx context.Context, id string) (*Episode, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE episode_id = $1`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ep, err
}

// FindByYoutubeVideoID fetches the live row whose additional-data bag carries
// the given youtube video ID. Returns (nil, nil) when absent.
func (r *Repository) FindByYoutubeVideoID(ctx context.Context, videoID string) (*Episode, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		 WHERE additional_data->>'youtubeVideoId' = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`, videoID)
	ep, err := scanEpisode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return ep, err
}

// ListRecent returns live rows created after cutoff, newest first, for the
// batch integrity scan. A zero cutoff lists the newest limit rows.
func (r *Repository) ListRecent(ctx context.Context, cutoff time.Time, limit int) ([]*Episode, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		 WHERE deleted_at IS NULL AND created_at > $1
		 ORDER BY created_at DESC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent episodes: %w", err)
	}
	defer rows.Close()
	var episodes []*Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// CreateEpisode inserts a new row unless a live row already exists for the
// same (episodeTitle, channelId) or youtube video ID, in which case the
// existing row is returned. The locked SELECTs use NOWAIT so a concurrent
// creator never blocks on the server; contention retries at the outer layer.
// A unique violation means a concurrent creator committed first, so the
// surviving row is read back and returned instead of an error.
func (r *Repository) CreateEpisode(ctx context.Context, params CreateParams) (*Episode, error) {
	params = sanitizeCreateParams(params)
	var created *Episode
	err := kernel.Step(ctx, r.metrics, "rds_create_episode", func(ctx context.Context) error {
		return r.withDB(ctx, func(ctx context.Context) error {
			return r.executeWithRetry(ctx, func(ctx context.Context) error {
				ep, err := createWithRecovery(ctx,
					func(ctx context.Context) (*Episode, error) { return r.createEpisodeTx(ctx, params) },
					func(ctx context.Context) (*Episode, error) { return r.findEpisodeByIdentity(ctx, params) })
				if err != nil {
					return err
				}
				created = ep
				return nil
			})
		})
	})
	return created, err
}

// createWithRecovery runs create and, when it loses an insert race to a
// concurrent creator, reads the surviving row back via lookup. The duplicate
// is only raised after the winner committed, so the row is visible.
func createWithRecovery(ctx context.Context, create, lookup func(context.Context) (*Episode, error)) (*Episode, error) {
	ep, err := create(ctx)
	if err == nil {
		return ep, nil
	}
	if !IsDuplicate(err) {
		return nil, err
	}
	existing, lookupErr := lookup(ctx)
	if lookupErr != nil {
		return nil, fmt.Errorf("recover duplicate episode: %w", lookupErr)
	}
	return existing, nil
}

// findEpisodeByIdentity reads the live row a duplicate insert collided with,
// by (episodeTitle, channelId) first and youtube video ID second.
func (r *Repository) findEpisodeByIdentity(ctx context.Context, params CreateParams) (*Episode, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		 WHERE episode_title = $1 AND channel_id = $2 AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		params.EpisodeTitle, params.ChannelID)
	ep, err := scanEpisode(row)
	switch {
	case err == nil:
		return ep, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, err
	}
	if videoID, ok := params.AdditionalData[KeyYoutubeVideoID].(string); ok && videoID != "" {
		ep, err := r.FindByYoutubeVideoID(ctx, videoID)
		if err != nil {
			return nil, err
		}
		if ep != nil {
			return ep, nil
		}
	}
	return nil, ErrNotFound
}

func (r *Repository) createEpisodeTx(ctx context.Context, params CreateParams) (*Episode, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin create episode: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		 WHERE episode_title = $1 AND channel_id = $2 AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT 1 FOR UPDATE NOWAIT`,
		params.EpisodeTitle, params.ChannelID)
	existing, err := scanEpisode(row)
	switch {
	case err == nil:
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, fmt.Errorf("commit create episode: %w", commitErr)
		}
		return existing, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, err
	}

	if videoID, ok := params.AdditionalData[KeyYoutubeVideoID].(string); ok && videoID != "" {
		row := tx.QueryRow(ctx,
			`SELECT `+episodeColumns+` FROM episodes
			 WHERE additional_data->>'youtubeVideoId' = $1 AND deleted_at IS NULL
			 ORDER BY created_at DESC LIMIT 1 FOR UPDATE NOWAIT`, videoID)
		existing, err := scanEpisode(row)
		switch {
		case err == nil:
			if commitErr := tx.Commit(ctx); commitErr != nil {
				return nil, fmt.Errorf("commit create episode: %w", commitErr)
			}
			return existing, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, err
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	if params.AdditionalData == nil {
		params.AdditionalData = map[string]any{}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO episodes (
			episode_id, episode_title, episode_description, channel_name,
			channel_id, host_name, host_description, original_uri,
			published_date, content_type, duration_millis, episode_images,
			country, genre, guests, guest_descriptions, topics,
			processing_done, is_synced, additional_data, episode_uri,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		id, params.EpisodeTitle, params.EpisodeDescription, params.ChannelName,
		params.ChannelID, params.HostName, params.HostDescription, params.OriginalURI,
		params.PublishedDate, params.ContentType, params.DurationMillis, []string{},
		params.Country, params.Genre, []string{}, []string{}, []string{},
		false, false, params.AdditionalData, params.EpisodeURI,
		now, now)
	if err != nil {
		return nil, fmt.Errorf("insert episode: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create episode: %w", err)
	}
	return r.GetEpisode(ctx, id)
}

// UpdateEpisode applies a partial update in a transaction, merging the
// additional-data bag at the application layer, then reads the row back and
// asserts each patched field took. Mismatches retry with backoff.
func (r *Repository) UpdateEpisode(ctx context.Context, id string, patch Patch) (*Episode, error) {
	patch = sanitizePatch(patch)
	var updated *Episode
	err := kernel.Step(ctx, r.metrics, "rds_update_episode", func(ctx context.Context) error {
		return r.withDB(ctx, func(ctx context.Context) error {
			return kernel.Retry(ctx, kernel.RetryOptions{
				Attempts:  r.cfg.UpdateValidateRetries,
				BaseDelay: r.cfg.UpdateValidateBaseDelay,
				Retryable: IsRetryable,
			}, func(ctx context.Context) error {
				ep, err := r.updateEpisodeTx(ctx, id, patch)
				if err != nil {
					return err
				}
				updated = ep
				return nil
			})
		})
	})
	return updated, err
}

func (r *Repository) updateEpisodeTx(ctx context.Context, id string, patch Patch) (*Episode, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin update episode: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE episode_id = $1 FOR UPDATE NOWAIT`, id)
	current, err := scanEpisode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update episode %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	merged := current.AdditionalData
	if len(patch.AdditionalData) > 0 {
		merged = MergeAdditionalData(current.AdditionalData, patch.AdditionalData)
	}
	query, args := buildUpdate(id, patch, merged)
	if query != "" {
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("update episode %s: %w", id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update episode: %w", err)
	}

	readBack, err := r.GetEpisode(ctx, id)
	if err != nil {
		return nil, err
	}
	if mismatched := patchMismatches(readBack, patch); len(mismatched) > 0 {
		if r.logger != nil {
			r.logger.Warn("episode update read-back mismatch",
				"episode_id", id, "fields", strings.Join(mismatched, ","))
		}
		return nil, fmt.Errorf("episode %s fields %v: %w", id, mismatched, ErrValidationMismatch)
	}
	return readBack, nil
}

// buildUpdate renders the dynamic UPDATE for the fields present in the patch.
// mergedData is written whenever the patch carries additional-data entries.
// Returns ("", nil) when there is nothing to write.
func buildUpdate(id string, patch Patch, mergedData map[string]any) (string, []any) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.EpisodeTitle != nil {
		add("episode_title", *patch.EpisodeTitle)
	}
	if patch.EpisodeDescription != nil {
		add("episode_description", *patch.EpisodeDescription)
	}
	if patch.HostName != nil {
		add("host_name", *patch.HostName)
	}
	if patch.HostDescription != nil {
		add("host_description", *patch.HostDescription)
	}
	if patch.DurationMillis != nil {
		add("duration_millis", *patch.DurationMillis)
	}
	if patch.Guests != nil {
		add("guests", *patch.Guests)
	}
	if patch.GuestDescriptions != nil {
		add("guest_descriptions", *patch.GuestDescriptions)
	}
	if patch.Topics != nil {
		add("topics", *patch.Topics)
	}
	if patch.ProcessingDone != nil {
		add("processing_done", *patch.ProcessingDone)
	}
	if patch.IsSynced != nil {
		add("is_synced", *patch.IsSynced)
	}
	if patch.EpisodeURI != nil {
		add("episode_uri", *patch.EpisodeURI)
	}
	if len(patch.AdditionalData) > 0 {
		add("additional_data", mergedData)
	}
	if len(sets) == 0 {
		return "", nil
	}
	add("updated_at", time.Now().UTC())
	args = append(args, id)
	query := fmt.Sprintf("UPDATE episodes SET %s WHERE episode_id = $%d",
		strings.Join(sets, ", "), len(args))
	return query, args
}

// patchMismatches compares a read-back row against the patch and returns the
// names of fields that did not take.
func patchMismatches(ep *Episode, patch Patch) []string {
	var mismatched []string
	check := func(name string, ok bool) {
		if !ok {
			mismatched = append(mismatched, name)
		}
	}
	if patch.EpisodeTitle != nil {
		check("episodeTitle", ep.EpisodeTitle == *patch.EpisodeTitle)
	}
	if patch.EpisodeDescription != nil {
		check("episodeDescription", ep.EpisodeDescription == *patch.EpisodeDescription)
	}
	if patch.HostName != nil {
		check("hostName", ep.HostName == *patch.HostName)
	}
	if patch.HostDescription != nil {
		check("hostDescription", ep.HostDescription == *patch.HostDescription)
	}
	if patch.DurationMillis != nil {
		check("durationMillis", ep.DurationMillis == *patch.DurationMillis)
	}
	if patch.Guests != nil {
		check("guests", equalStrings(ep.Guests, *patch.Guests))
	}
	if patch.GuestDescriptions != nil {
		check("guestDescriptions", equalStrings(ep.GuestDescriptions, *patch.GuestDescriptions))
	}
	if patch.Topics != nil {
		check("topics", equalStrings(ep.Topics, *patch.Topics))
	}
	if patch.ProcessingDone != nil {
		check("processingDone", ep.ProcessingDone == *patch.ProcessingDone)
	}
	if patch.IsSynced != nil {
		check("isSynced", ep.IsSynced == *patch.IsSynced)
	}
	if patch.EpisodeURI != nil {
		check("episodeUri", ep.EpisodeURI == *patch.EpisodeURI)
	}
	for key, want := range patch.AdditionalData {
		got, ok := ep.AdditionalData[key]
		check("additionalData."+key, ok && fmt.Sprint(got) == fmt.Sprint(want))
	}
	return mismatched
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sanitizeCreateParams(p CreateParams) CreateParams {
	p.EpisodeTitle = SanitizeText(p.EpisodeTitle)
	p.EpisodeDescription = SanitizeText(p.EpisodeDescription)
	p.ChannelName = SanitizeText(p.ChannelName)
	p.ChannelID = SanitizeText(p.ChannelID)
	p.HostName = SanitizeText(p.HostName)
	p.HostDescription = SanitizeText(p.HostDescription)
	p.OriginalURI = SanitizeText(p.OriginalURI)
	p.ContentType = SanitizeText(p.ContentType)
	p.Country = SanitizeText(p.Country)
	p.Genre = SanitizeText(p.Genre)
	p.EpisodeURI = SanitizeText(p.EpisodeURI)
	return p
}

func sanitizePatch(p Patch) Patch {
	clean := func(s *string) *string {
		if s == nil {
			return nil
		}
		return String(SanitizeText(*s))
	}
	p.EpisodeTitle = clean(p.EpisodeTitle)
	p.EpisodeDescription = clean(p.EpisodeDescription)
	p.HostName = clean(p.HostName)
	p.HostDescription = clean(p.HostDescription)
	p.EpisodeURI = clean(p.EpisodeURI)
	if p.Guests != nil {
		p.Guests = Strings(SanitizeAll(*p.Guests))
	}
	if p.GuestDescriptions != nil {
		p.GuestDescriptions = Strings(SanitizeAll(*p.GuestDescriptions))
	}
	if p.Topics != nil {
		p.Topics = Strings(SanitizeAll(*p.Topics))
	}
	return p
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (*Episode, error) {
	var ep Episode
	err := row.Scan(
		&ep.ID, &ep.EpisodeTitle, &ep.EpisodeDescription, &ep.ChannelName,
		&ep.ChannelID, &ep.HostName, &ep.HostDescription, &ep.OriginalURI,
		&ep.PublishedDate, &ep.ContentType, &ep.DurationMillis, &ep.EpisodeImages,
		&ep.Country, &ep.Genre, &ep.Guests, &ep.GuestDescriptions, &ep.Topics,
		&ep.ProcessingDone, &ep.IsSynced, &ep.AdditionalData, &ep.EpisodeURI,
		&ep.CreatedAt, &ep.UpdatedAt, &ep.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if ep.AdditionalData == nil {
		ep.AdditionalData = map[string]any{}
	}
	return &ep, nil
}
