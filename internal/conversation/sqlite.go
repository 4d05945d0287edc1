package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"outreach/internal/platform"
	"outreach/internal/storage"
)

// SQLiteStore persists threads and history on the shared SQLite database.
type SQLiteStore struct {
	db *storage.DB
}

func NewSQLiteStore(db *storage.DB) *SQLiteStore { return &SQLiteStore{db: db} }

func (s *SQLiteStore) GetThread(ctx context.Context, contact string, p platform.Platform) (Thread, bool, error) {
	var (
		th                 Thread
		state, sentiment   string
		path               sql.NullString
		lastEvent, created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT owner, state, sentiment, path, last_event_at, created_at
		 FROM conversation_threads WHERE contact = ? AND platform = ?`,
		contact, string(p),
	).Scan(&th.Owner, &state, &sentiment, &path, &lastEvent, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, false, nil
	}
	if err != nil {
		return Thread{}, false, fmt.Errorf("conversation: get thread: %w", err)
	}
	th.Contact = contact
	th.Platform = p
	th.State = State(state)
	th.Sentiment = Sentiment(sentiment)
	th.Path = Path(path.String)
	th.LastEventAt = storage.FromMillis(lastEvent)
	th.CreatedAt = storage.FromMillis(created)
	return th, true, nil
}

func (s *SQLiteStore) UpsertThread(ctx context.Context, th Thread) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_threads(contact, platform, owner, state, sentiment, path, last_event_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(contact, platform) DO UPDATE SET
		   owner = excluded.owner,
		   state = excluded.state,
		   sentiment = excluded.sentiment,
		   path = excluded.path,
		   last_event_at = excluded.last_event_at`,
		th.Contact, string(th.Platform), th.Owner, string(th.State), string(th.Sentiment),
		storage.NullStr(string(th.Path)), storage.Millis(th.LastEventAt), storage.Millis(th.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("conversation: upsert thread: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_messages(contact, platform, direction, text, state, sentiment, at)
		 VALUES(?,?,?,?,?,?,?)`,
		m.Contact, string(m.Platform), string(m.Direction), m.Text, string(m.State), string(m.Sentiment), storage.Millis(m.At),
	)
	if err != nil {
		return fmt.Errorf("conversation: append message: %w", err)
	}
	return nil
}

const messageColumns = `contact, platform, direction, text, state, sentiment, at`

func (s *SQLiteStore) History(ctx context.Context, contact string, p platform.Platform) ([]Message, error) {
	return s.query(ctx,
		`SELECT `+messageColumns+` FROM conversation_messages
		 WHERE contact = ? AND platform = ? ORDER BY at ASC, id ASC`,
		contact, string(p))
}

func (s *SQLiteStore) MessagesSince(ctx context.Context, since time.Time) ([]Message, error) {
	return s.query(ctx,
		`SELECT `+messageColumns+` FROM conversation_messages WHERE at >= ? ORDER BY at ASC, id ASC`,
		storage.Millis(since))
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation: query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                           Message
			plat, dir, state, sentiment string
			at                          int64
		)
		if err := rows.Scan(&m.Contact, &plat, &dir, &m.Text, &state, &sentiment, &at); err != nil {
			return nil, err
		}
		m.Platform = platform.Platform(plat)
		m.Direction = Direction(dir)
		m.State = State(state)
		m.Sentiment = Sentiment(sentiment)
		m.At = storage.FromMillis(at)
		out = append(out, m)
	}
	return out, rows.Err()
}
