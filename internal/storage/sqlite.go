package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	logx "outreach/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const defaultBusyTimeout = 5 * time.Second

// DB is the shared SQLite handle used by the queue, conversation and
// notifier dedup stores.
type DB struct {
	*sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}

	db, err := sql.Open("sqlite", dsn(path, busy))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// One connection serializes writers, which is what makes the queue's
	// conditional claim UPDATE race-free across workers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &DB{DB: db, log: log}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	from, to, err := s.migrate(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite ready", logx.String("path", path), logx.Int("schema_from", from), logx.Int("schema", to), logx.Duration("busy_timeout", busy))
	return s, nil
}

// dsn sets pragmas per connection so a reconnect keeps them.
func dsn(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

type migration struct {
	version int
	name    string
}

func migrations() ([]migration, error) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(names))
	for _, n := range names {
		base := filepath.Base(n)
		prefix, _, _ := strings.Cut(base, "_")
		v, err := strconv.Atoi(strings.TrimSuffix(prefix, ".sql"))
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("storage: bad migration name %q", base)
		}
		out = append(out, migration{version: v, name: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// migrate applies every migration above PRAGMA user_version, one
// transaction each, and returns the versions before and after.
func (s *DB) migrate(ctx context.Context) (from, to int, err error) {
	if err := s.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&from); err != nil {
		return 0, 0, fmt.Errorf("storage: read schema version: %w", err)
	}
	all, err := migrations()
	if err != nil {
		return from, from, err
	}
	to = from
	for _, m := range all {
		if m.version <= to {
			continue
		}
		body, err := migrationFS.ReadFile(m.name)
		if err != nil {
			return from, to, err
		}
		if err := s.Tx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters.
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version))
			return err
		}); err != nil {
			return from, to, fmt.Errorf("storage: migration %s: %w", filepath.Base(m.name), err)
		}
		to = m.version
	}
	return from, to, nil
}

// SchemaVersion reports the applied migration level.
func (s *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v)
	return v, err
}

// Tx runs fn in a transaction, committing when fn returns nil.
func (s *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *DB) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// PutDedup suppresses key until the given instant.
func (s *DB) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.DB == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, Millis(until))
	return err
}

func (s *DB) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.DB == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return FromMillis(ms), true, nil
}

// PruneDedup drops suppressions that expired before now.
func (s *DB) PruneDedup(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, ErrDisabled
	}
	res, err := s.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, Millis(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// NullStr maps blank strings to SQL NULL.
func NullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
