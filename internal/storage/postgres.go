package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"chatwarden/internal/storage/pgmigrations"
	logx "chatwarden/pkg/logx"
)

type pgGroup struct {
	bun.BaseModel `bun:"table:tg_chat"`

	ID   int64  `bun:"id,pk"`
	Name string `bun:"name,notnull"`
}

type pgMember struct {
	bun.BaseModel `bun:"table:tg_user"`

	ID      int64   `bun:"id,pk"`
	GroupID int64   `bun:"chat_id,pk"`
	Handle  *string `bun:"username"`
	Name    string  `bun:"name,notnull"`
}

type pgQueued struct {
	bun.BaseModel `bun:"table:message_queue"`

	ID          int64    `bun:"id,pk,autoincrement"`
	Targets     []int64  `bun:"chats,array"`
	Text        string   `bun:"message,notnull"`
	Images      []string `bun:"images,array"`
	ScheduledAt string   `bun:"datetime,notnull"`
}

type postgresStore struct {
	db  *bun.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithApplicationName("chatwarden"),
	))
	sqldb.SetMaxOpenConns(8)
	sqldb.SetMaxIdleConns(4)

	return &postgresStore{db: bun.NewDB(sqldb, pgdialect.New()), log: log}, nil
}

func (s *postgresStore) ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *postgresStore) migrate(ctx context.Context) error {
	migrator := migrate.NewMigrator(s.db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		return err
	}
	group, err := migrator.Migrate(ctx)
	if err != nil {
		return err
	}
	if !group.IsZero() {
		s.log.Info("ran migrations", logx.String("group", group.String()))
	}
	return nil
}

func (s *postgresStore) Close() error { return s.db.Close() }

func (s *postgresStore) UpsertGroup(ctx context.Context, g Group) error {
	_, err := s.db.NewInsert().
		Model(&pgGroup{ID: g.ID, Name: g.Name}).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Exec(ctx)
	return err
}

func (s *postgresStore) GetGroup(ctx context.Context, id int64) (Group, error) {
	var row pgGroup
	err := s.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, err
	}
	return Group{ID: row.ID, Name: row.Name}, nil
}

func (s *postgresStore) ListGroups(ctx context.Context) ([]Group, error) {
	var rows []pgGroup
	if err := s.db.NewSelect().Model(&rows).Order("id").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]Group, 0, len(rows))
	for _, r := range rows {
		out = append(out, Group{ID: r.ID, Name: r.Name})
	}
	return out, nil
}

func (s *postgresStore) DeleteGroup(ctx context.Context, id int64) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*pgMember)(nil)).Where("chat_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*pgGroup)(nil)).Where("id = ?", id).Exec(ctx)
		return err
	})
}

// MigrateGroup copies the chat row to newID, moves the members and drops the
// old row, so it works whether or not tg_user cascades updates.
func (s *postgresStore) MigrateGroup(ctx context.Context, oldID, newID int64) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var old pgGroup
		err := tx.NewSelect().Model(&old).Where("id = ?", oldID).For("UPDATE").Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil || oldID == newID {
			return err
		}
		if _, err := tx.NewDelete().Model((*pgMember)(nil)).Where("chat_id = ?", newID).Exec(ctx); err != nil {
			return err
		}
		_, err = tx.NewInsert().
			Model(&pgGroup{ID: newID, Name: old.Name}).
			On("CONFLICT (id) DO UPDATE").
			Set("name = EXCLUDED.name").
			Exec(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.NewUpdate().Model((*pgMember)(nil)).Set("chat_id = ?", newID).Where("chat_id = ?", oldID).Exec(ctx); err != nil {
			return err
		}
		_, err = tx.NewDelete().Model((*pgGroup)(nil)).Where("id = ?", oldID).Exec(ctx)
		return err
	})
}

func (s *postgresStore) UpsertMember(ctx context.Context, m Member) error {
	res, err := s.db.NewRaw(
		`INSERT INTO tg_user (id, chat_id, username, name)
		 SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM tg_chat WHERE id = ?)
		 ON CONFLICT (id, chat_id) DO UPDATE SET username = EXCLUDED.username, name = EXCLUDED.name`,
		m.ID, m.GroupID, m.Handle, m.Name, m.GroupID,
	).Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ListMembers(ctx context.Context, groupID int64) ([]Member, error) {
	var rows []pgMember
	if err := s.db.NewSelect().Model(&rows).Where("chat_id = ?", groupID).Order("id").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, Member{ID: r.ID, GroupID: r.GroupID, Handle: r.Handle, Name: r.Name})
	}
	return out, nil
}

func (s *postgresStore) DeleteMember(ctx context.Context, groupID, userID int64) error {
	_, err := s.db.NewDelete().Model((*pgMember)(nil)).
		Where("id = ?", userID).
		Where("chat_id = ?", groupID).
		Exec(ctx)
	return err
}

func (s *postgresStore) EnqueueMessage(ctx context.Context, m QueuedMessage) (int64, error) {
	row := &pgQueued{
		Targets:     nonNil(m.Targets),
		Text:        m.Text,
		Images:      nonNil(m.Images),
		ScheduledAt: m.ScheduledAt,
	}
	if _, err := s.db.NewInsert().Model(row).Returning("id").Exec(ctx); err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (s *postgresStore) ListQueue(ctx context.Context) ([]QueuedMessage, error) {
	var rows []pgQueued
	if err := s.db.NewSelect().Model(&rows).Order("id").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]QueuedMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, QueuedMessage{
			ID:          r.ID,
			Targets:     r.Targets,
			Text:        r.Text,
			Images:      r.Images,
			ScheduledAt: r.ScheduledAt,
		})
	}
	return out, nil
}

func (s *postgresStore) DeleteQueued(ctx context.Context, id int64) error {
	_, err := s.db.NewDelete().Model((*pgQueued)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}
