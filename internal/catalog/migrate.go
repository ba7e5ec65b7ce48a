package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema statements applied in order. The two partial unique indexes enforce
// the live-row invariants: one live row per (episode_title, channel_id) and
// one live row per youtube video ID.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS episodes (
		episode_id          UUID PRIMARY KEY,
		episode_title       TEXT NOT NULL,
		episode_description TEXT NOT NULL DEFAULT '',
		channel_name        TEXT NOT NULL DEFAULT '',
		channel_id          TEXT NOT NULL DEFAULT '',
		host_name           TEXT NOT NULL DEFAULT '',
		host_description    TEXT NOT NULL DEFAULT '',
		original_uri        TEXT NOT NULL DEFAULT '',
		published_date      TIMESTAMPTZ,
		content_type        TEXT NOT NULL DEFAULT '',
		duration_millis     BIGINT NOT NULL DEFAULT 0,
		episode_images      TEXT[] NOT NULL DEFAULT '{}',
		country             TEXT NOT NULL DEFAULT '',
		genre               TEXT NOT NULL DEFAULT '',
		guests              TEXT[] NOT NULL DEFAULT '{}',
		guest_descriptions  TEXT[] NOT NULL DEFAULT '{}',
		topics              TEXT[] NOT NULL DEFAULT '{}',
		processing_done     BOOLEAN NOT NULL DEFAULT FALSE,
		is_synced           BOOLEAN NOT NULL DEFAULT FALSE,
		additional_data     JSONB NOT NULL DEFAULT '{}'::jsonb,
		episode_uri         TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at          TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS episodes_title_channel_live
		ON episodes (episode_title, channel_id)
		WHERE deleted_at IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS episodes_youtube_video_live
		ON episodes ((additional_data->>'youtubeVideoId'))
		WHERE deleted_at IS NULL AND additional_data ? 'youtubeVideoId'`,
	`CREATE INDEX IF NOT EXISTS episodes_created_at
		ON episodes (created_at DESC)`,
}

// Migrate applies the episodes schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply catalog migration: %w", err)
		}
	}
	return nil
}
