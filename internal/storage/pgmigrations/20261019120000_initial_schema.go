package pgmigrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// The table layout matches databases created by earlier deployments, so
// every statement is IF NOT EXISTS.
func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS tg_chat (
				id   BIGINT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS tg_user (
				id       BIGINT NOT NULL,
				chat_id  BIGINT NOT NULL REFERENCES tg_chat(id) ON DELETE CASCADE,
				username TEXT,
				name     TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (id, chat_id)
			)`,
			`CREATE INDEX IF NOT EXISTS tg_user_chat_id ON tg_user(chat_id)`,
			`CREATE TABLE IF NOT EXISTS message_queue (
				id       SERIAL PRIMARY KEY,
				chats    BIGINT[] NOT NULL DEFAULT '{}',
				message  TEXT NOT NULL,
				images   TEXT[] NOT NULL DEFAULT '{}',
				datetime TEXT NOT NULL
			)`,
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("initial schema: %w", err)
			}
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewRaw(`DROP TABLE IF EXISTS message_queue, tg_user, tg_chat CASCADE`).Exec(ctx)
		return err
	})
}
