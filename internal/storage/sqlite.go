package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ocrsched/internal/task"
	logx "ocrsched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

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

func (s *sqliteStore) SaveSnapshot(ctx context.Context, groups []*task.Group) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_snapshot`); err != nil {
		return err
	}
	for i, g := range groups {
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		// position preserves the caller's submission order; created_at ties
		// must not perturb it on reload.
		_, err = tx.ExecContext(ctx,
			`INSERT INTO queue_snapshot(group_id, position, priority, created_at, data) VALUES(?,?,?,?,?)`,
			g.ID, i, g.Priority, g.CreatedAt.Format(time.RFC3339Nano), string(data),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadSnapshot(ctx context.Context) ([]*task.Group, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM queue_snapshot ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*task.Group
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		g := &task.Group{}
		if err := json.Unmarshal([]byte(data), g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *sqliteStore) AppendHistory(ctx context.Context, g *task.Group) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	finished := ""
	if g.FinishedAt != nil {
		finished = g.FinishedAt.Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO history(group_id, finished_at, data) VALUES(?,?,?)`,
		g.ID, nullStr(finished), string(data),
	)
	return err
}

func (s *sqliteStore) LoadHistory(ctx context.Context, limit int) ([]*task.Group, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT data FROM history ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*task.Group
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		g := &task.Group{}
		if err := json.Unmarshal([]byte(data), g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
