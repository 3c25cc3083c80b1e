package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Println("Creating leaderboard tables...")
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS leaderboards (
					id BIGSERIAL PRIMARY KEY,
					slug TEXT NOT NULL,
					title TEXT NOT NULL DEFAULT '',
					interval_kind TEXT NOT NULL,
					minimum_score DOUBLE PRECISION NOT NULL DEFAULT 0,
					scope TEXT NOT NULL,
					score_kind TEXT NOT NULL,
					UNIQUE (slug, interval_kind)
				)`,
				`CREATE TABLE IF NOT EXISTS leaderboard_entries (
					id BIGSERIAL PRIMARY KEY,
					leaderboard_id BIGINT NOT NULL REFERENCES leaderboards (id) ON DELETE CASCADE,
					interval_identifier TEXT NULL,
					member_id TEXT NULL,
					profile_id TEXT NULL,
					score DOUBLE PRECISION NOT NULL DEFAULT 0,
					baseline_score DOUBLE PRECISION NOT NULL DEFAULT 0,
					is_removed BOOLEAN NOT NULL DEFAULT FALSE,
					partition_tag TEXT NOT NULL DEFAULT '',
					updated_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
					CHECK ((member_id IS NULL) <> (profile_id IS NULL))
				)`,
				// Uniqueness per entry key is added by the unique_entries migration.
				`CREATE INDEX IF NOT EXISTS leaderboard_entries_member_idx
					ON leaderboard_entries (leaderboard_id, interval_identifier, member_id)`,
				`CREATE INDEX IF NOT EXISTS leaderboard_entries_profile_idx
					ON leaderboard_entries (leaderboard_id, interval_identifier, profile_id)`,
				`CREATE INDEX IF NOT EXISTS leaderboard_entries_rank_idx
					ON leaderboard_entries (leaderboard_id, interval_identifier, score DESC, id DESC)`,
				`CREATE TABLE IF NOT EXISTS leaderboard_entities (
					entity_id TEXT PRIMARY KEY,
					display_name TEXT NOT NULL DEFAULT '',
					profile_label TEXT NOT NULL DEFAULT '',
					backing_id TEXT NOT NULL DEFAULT '',
					is_removed BOOLEAN NOT NULL DEFAULT FALSE,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp
				)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		})
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Println("Dropping leaderboard tables...")
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			for _, table := range []string{"leaderboard_entities", "leaderboard_entries", "leaderboards"} {
				if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
					return err
				}
			}
			return nil
		})
	})
}
