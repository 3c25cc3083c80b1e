package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// DeleteDuplicateEntries keeps the oldest row of every logical entry key.
const DeleteDuplicateEntries = `DELETE FROM leaderboard_entries AS e
	USING leaderboard_entries AS k
	WHERE e.leaderboard_id = k.leaderboard_id
	AND e.interval_identifier IS NOT DISTINCT FROM k.interval_identifier
	AND e.member_id IS NOT DISTINCT FROM k.member_id
	AND e.profile_id IS NOT DISTINCT FROM k.profile_id
	AND e.id > k.id`

// UniqueEntryIndexes enforce one row per (leaderboard, interval identifier,
// entity). The current interval has a NULL identifier, so it gets its own
// partial index.
var UniqueEntryIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS leaderboard_entries_member_current_uq
		ON leaderboard_entries (leaderboard_id, member_id)
		WHERE interval_identifier IS NULL AND member_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS leaderboard_entries_member_interval_uq
		ON leaderboard_entries (leaderboard_id, interval_identifier, member_id)
		WHERE interval_identifier IS NOT NULL AND member_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS leaderboard_entries_profile_current_uq
		ON leaderboard_entries (leaderboard_id, profile_id)
		WHERE interval_identifier IS NULL AND profile_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS leaderboard_entries_profile_interval_uq
		ON leaderboard_entries (leaderboard_id, interval_identifier, profile_id)
		WHERE interval_identifier IS NOT NULL AND profile_id IS NOT NULL`,
}

// DropUniqueEntryIndexes reverts UniqueEntryIndexes.
var DropUniqueEntryIndexes = []string{
	`DROP INDEX IF EXISTS leaderboard_entries_member_current_uq`,
	`DROP INDEX IF EXISTS leaderboard_entries_member_interval_uq`,
	`DROP INDEX IF EXISTS leaderboard_entries_profile_current_uq`,
	`DROP INDEX IF EXISTS leaderboard_entries_profile_interval_uq`,
}

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Println("Adding unique entry indexes...")
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.ExecContext(ctx, DeleteDuplicateEntries); err != nil {
				return err
			}
			return execAll(ctx, tx, UniqueEntryIndexes)
		})
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Println("Dropping unique entry indexes...")
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return execAll(ctx, tx, DropUniqueEntryIndexes)
		})
	})
}

func execAll(ctx context.Context, db bun.IDB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
