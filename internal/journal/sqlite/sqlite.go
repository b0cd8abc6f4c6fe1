package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/sidekick/internal/journal"
)

// Store writes journal records to a SQLite database.
type Store struct {
	db *sql.DB
}

// New opens a SQLite journal.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// an in-memory database lives only as long as its connection
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sidekick_events(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL,
			stream TEXT NOT NULL,
			run_id TEXT NOT NULL,
			type TEXT NOT NULL,
			message TEXT NOT NULL,
			count INTEGER NOT NULL,
			error TEXT NULL,
			raw TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sidekick_events_run ON sidekick_events(run_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, r journal.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sidekick_events(occurred_at, stream, run_id, type, message, count, error, raw)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		r.OccurredAt.UTC(), r.Stream, r.RunID, r.Type, r.Message, r.Count, nullable(r.Error), nullable(r.Raw))
	return err
}

func (s *Store) Recent(ctx context.Context, limit int) ([]journal.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, stream, run_id, type, message, count, error, raw
		FROM sidekick_events ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []journal.Record
	for rows.Next() {
		var (
			r       journal.Record
			errText sql.NullString
			raw     sql.NullString
		)
		if err := rows.Scan(&r.OccurredAt, &r.Stream, &r.RunID, &r.Type, &r.Message, &r.Count, &errText, &raw); err != nil {
			return nil, err
		}
		r.Error = errText.String
		r.Raw = raw.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
