package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "chatwarden/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	// pragmas ride on the DSN so every pooled connection gets them
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if cfg.BusyTimeout > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	}
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertGroup(ctx context.Context, g Group) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tg_chat(id, name) VALUES(?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		g.ID, g.Name)
	return err
}

func (s *sqliteStore) GetGroup(ctx context.Context, id int64) (Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM tg_chat WHERE id = ?`, id).Scan(&g.ID, &g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	return g, err
}

func (s *sqliteStore) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM tg_chat ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteGroup(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tg_user WHERE chat_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM tg_chat WHERE id = ?`, id)
		return err
	})
}

func (s *sqliteStore) MigrateGroup(ctx context.Context, oldID, newID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var name string
		err := tx.QueryRowContext(ctx, `SELECT name FROM tg_chat WHERE id = ?`, oldID).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil || oldID == newID {
			return err
		}
		stmts := []struct {
			q    string
			args []any
		}{
			{`DELETE FROM tg_user WHERE chat_id = ?`, []any{newID}},
			{`INSERT INTO tg_chat(id, name) VALUES(?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name`, []any{newID, name}},
			{`UPDATE tg_user SET chat_id = ? WHERE chat_id = ?`, []any{newID, oldID}},
			{`DELETE FROM tg_chat WHERE id = ?`, []any{oldID}},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.q, st.args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) UpsertMember(ctx context.Context, m Member) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tg_user(id, chat_id, username, name)
		 SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM tg_chat WHERE id = ?)
		 ON CONFLICT(id, chat_id) DO UPDATE SET username = excluded.username, name = excluded.name`,
		m.ID, m.GroupID, nullStr(m.Handle), m.Name, m.GroupID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListMembers(ctx context.Context, groupID int64) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, username, name FROM tg_user WHERE chat_id = ? ORDER BY id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		var (
			m      Member
			handle sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.GroupID, &handle, &m.Name); err != nil {
			return nil, err
		}
		if handle.Valid {
			m.Handle = &handle.String
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteMember(ctx context.Context, groupID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tg_user WHERE id = ? AND chat_id = ?`, userID, groupID)
	return err
}

func (s *sqliteStore) EnqueueMessage(ctx context.Context, m QueuedMessage) (int64, error) {
	targets, err := json.Marshal(nonNil(m.Targets))
	if err != nil {
		return 0, err
	}
	images, err := json.Marshal(nonNil(m.Images))
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO message_queue(chats, message, images, datetime) VALUES(?, ?, ?, ?)`,
		string(targets), m.Text, string(images), m.ScheduledAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ListQueue(ctx context.Context) ([]QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chats, message, images, datetime FROM message_queue ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueuedMessage
	for rows.Next() {
		var (
			m               QueuedMessage
			targets, images string
		)
		if err := rows.Scan(&m.ID, &targets, &m.Text, &images, &m.ScheduledAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(targets), &m.Targets); err != nil {
			return nil, fmt.Errorf("queue row %d chats: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(images), &m.Images); err != nil {
			return nil, fmt.Errorf("queue row %d images: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteQueued(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_queue WHERE id = ?`, id)
	return err
}

func nullStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
