// Package journal persists dispatched gateway events to a local SQLite
// database, backing the activity feed and post-hoc debugging of a gateway
// session. It records events only; chat transcripts live on the gateway.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"clawdeck/internal/domain"
)

const defaultKeepLast = 5000

// Entry is one recorded gateway event.
type Entry struct {
	ID         int64
	Event      string
	Seq        int64
	Payload    []byte
	ReceivedAt time.Time
}

// Store implements domain.EventSink backed by SQLite.
type Store struct {
	db       *sql.DB
	logger   *slog.Logger
	keepLast int
}

var _ domain.EventSink = (*Store)(nil)

// New opens (or creates) the journal database at dbPath and runs migrations.
// keepLast bounds the retained rows; Prune enforces it.
func New(dbPath string, keepLast int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if keepLast <= 0 {
		keepLast = defaultKeepLast
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrJournalStore, err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrJournalStore, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger, keepLast: keepLast}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	event       TEXT NOT NULL,
	seq         INTEGER NOT NULL DEFAULT 0,
	payload     BLOB,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_event ON events(event);
CREATE INDEX IF NOT EXISTS idx_events_received ON events(received_at);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("%w: migrate: %v", domain.ErrJournalStore, err)
	}
	return nil
}

// Record appends one event. Tick heartbeats are skipped; they would dominate
// the journal without adding information.
func (s *Store) Record(ctx context.Context, ev domain.Event) error {
	if ev.Name == domain.EventTick {
		return nil
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event, seq, payload, received_at) VALUES (?, ?, ?, ?)`,
		string(ev.Name), ev.Seq, []byte(ev.Payload), receivedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: insert: %v", domain.ErrJournalStore, err)
	}
	return nil
}

// Recent returns the newest entries, most recent first. An empty event name
// matches all events.
func (s *Store) Recent(ctx context.Context, event string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event, seq, payload, received_at FROM events`
	args := []any{}
	if event != "" {
		query += ` WHERE event = ?`
		args = append(args, event)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", domain.ErrJournalStore, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.ID, &e.Event, &e.Seq, &e.Payload, &ms); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", domain.ErrJournalStore, err)
		}
		e.ReceivedAt = time.UnixMilli(ms)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes everything older than the keepLast newest rows.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)`,
		s.keepLast,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %v", domain.ErrJournalStore, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("journal pruned", "deleted", n, "keep_last", s.keepLast)
	}
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
