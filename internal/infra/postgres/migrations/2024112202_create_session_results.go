package migrations

import (
	"context"

	"github.com/uptrace/bun"
)

const createSessionResultsSQL = `
CREATE TABLE IF NOT EXISTS session_results (
	session_id   TEXT PRIMARY KEY,
	deck_id      TEXT NOT NULL,
	total_rounds INTEGER NOT NULL,
	leaderboard  JSONB NOT NULL DEFAULT '[]'::jsonb,
	finished_at  TIMESTAMPTZ NOT NULL
)`

const createSessionResultsIndexSQL = `
CREATE INDEX IF NOT EXISTS session_results_deck_idx ON session_results (deck_id, finished_at DESC)`

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			if _, err := db.ExecContext(ctx, createSessionResultsSQL); err != nil {
				return err
			}
			_, err := db.ExecContext(ctx, createSessionResultsIndexSQL)
			return err
		},
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS session_results`)
			return err
		},
	)
}
