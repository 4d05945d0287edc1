package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"outreach/internal/platform"
	"outreach/internal/storage"
)

// SQLiteStore implements Store on the shared SQLite database.
type SQLiteStore struct {
	db  *storage.DB
	now func() time.Time
}

func NewSQLiteStore(db *storage.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

const itemColumns = `id, platform, kind, recipient, text, meta, status, scheduled_at, error, owner, campaign, claimed_at, attempts, created_at, updated_at, due_at, failures`

func (s *SQLiteStore) Enqueue(ctx context.Context, it Item) (Item, error) {
	it, err := Normalize(it, s.now(), uuid.NewString)
	if err != nil {
		return Item{}, err
	}
	var meta any
	if len(it.Payload.Meta) > 0 {
		b, err := json.Marshal(it.Payload.Meta)
		if err != nil {
			return Item{}, fmt.Errorf("queue: encode meta: %w", err)
		}
		meta = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue_items(`+itemColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, string(it.Platform), string(it.Kind), it.Recipient, it.Payload.Text, meta,
		string(it.Status), storage.Millis(it.ScheduledAt), nil, it.Owner, it.Campaign,
		0, 0, storage.Millis(it.CreatedAt), storage.Millis(it.UpdatedAt),
		storage.Millis(it.DueAt), 0,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return Item{}, ErrDuplicateID
		}
		return Item{}, fmt.Errorf("queue: insert: %w", err)
	}
	return it, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

func (s *SQLiteStore) FetchDue(ctx context.Context, p platform.Platform, now time.Time, limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items
		 WHERE platform = ? AND status IN ('ready','approved') AND scheduled_at <= ?
		 ORDER BY due_at ASC, created_at ASC, id ASC
		 LIMIT ?`,
		string(p), storage.Millis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: fetch due: %w", err)
	}
	defer rows.Close()

	out := make([]Item, 0, limit)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	ms := storage.Millis(now)
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = 'processing', claimed_at = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status IN ('ready','approved') AND scheduled_at <= ?`,
		ms, ms, id, ms,
	)
	if err != nil {
		return false, fmt.Errorf("queue: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// finish applies a conditional update on a claimed item.
func (s *SQLiteStore) finish(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("queue: update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotClaimed
}

func (s *SQLiteStore) MarkSent(ctx context.Context, id string, now time.Time) error {
	return s.finish(ctx, id,
		`UPDATE queue_items SET status = 'sent', error = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		storage.Millis(now), id,
	)
}

func (s *SQLiteStore) MarkError(ctx context.Context, id, reason string, now time.Time) error {
	return s.finish(ctx, id,
		`UPDATE queue_items SET status = 'error', error = ?, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		storage.NullStr(reason), storage.Millis(now), id,
	)
}

func (s *SQLiteStore) Reschedule(ctx context.Context, id string, at time.Time, reason string) error {
	return s.finish(ctx, id,
		`UPDATE queue_items SET status = 'ready', scheduled_at = ?, error = ?, claimed_at = 0, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		storage.Millis(at), storage.NullStr(reason), storage.Millis(s.now()), id,
	)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, at time.Time, reason string) error {
	return s.finish(ctx, id,
		`UPDATE queue_items SET status = 'ready', scheduled_at = ?, error = ?, claimed_at = 0,
		 failures = failures + 1, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		storage.Millis(at), storage.NullStr(reason), storage.Millis(s.now()), id,
	)
}

func (s *SQLiteStore) AppendSentLog(ctx context.Context, e SentLogEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_log(queue_item_id, platform, kind, owner, at) VALUES(?,?,?,?,?)`,
		e.QueueItemID, string(e.Platform), string(e.Kind), e.Owner, storage.Millis(e.At),
	)
	if err != nil {
		return fmt.Errorf("queue: append sent log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountSentSince(ctx context.Context, p platform.Platform, kind platform.Kind, since time.Time) (int, error) {
	var (
		n   int
		err error
	)
	if kind == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sent_log WHERE platform = ? AND at >= ?`,
			string(p), storage.Millis(since)).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sent_log WHERE platform = ? AND kind = ? AND at >= ?`,
			string(p), string(kind), storage.Millis(since)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("queue: count sent: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountPending(ctx context.Context, p platform.Platform, kind platform.Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE platform = ? AND kind = ? AND status IN ('ready','approved')`,
		string(p), string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: count pending: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ReleaseStale(ctx context.Context, olderThan, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'ready', error = ?, claimed_at = 0, updated_at = ?
		 WHERE status = 'processing' AND claimed_at < ?`,
		ReasonStaleClaim, storage.Millis(now), storage.Millis(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("queue: release stale: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}
	defer rows.Close()
	out := make(map[Status]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(r scanner) (Item, error) {
	var (
		it                                        Item
		plat, kind, status                        string
		meta, errStr                              sql.NullString
		scheduled, claimed, created, updated, due int64
	)
	err := r.Scan(&it.ID, &plat, &kind, &it.Recipient, &it.Payload.Text, &meta, &status,
		&scheduled, &errStr, &it.Owner, &it.Campaign, &claimed, &it.Attempts, &created, &updated,
		&due, &it.Failures)
	if err != nil {
		return Item{}, err
	}
	it.Platform = platform.Platform(plat)
	it.Kind = platform.Kind(kind)
	it.Status = Status(status)
	it.Error = errStr.String
	it.ScheduledAt = storage.FromMillis(scheduled)
	it.DueAt = storage.FromMillis(due)
	it.ClaimedAt = storage.FromMillis(claimed)
	it.CreatedAt = storage.FromMillis(created)
	it.UpdatedAt = storage.FromMillis(updated)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &it.Payload.Meta); err != nil {
			return Item{}, fmt.Errorf("queue: decode meta for %s: %w", it.ID, err)
		}
	}
	return it, nil
}
