package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/sidekick/internal/journal"
)

// DefaultTable is used when Options.Table is empty.
const DefaultTable = "sidekick_events"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Store writes journal records to ClickHouse using the official client.
type Store struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Store, error) {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if !tableName.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", opts.Table)
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Store{conn: conn, table: opts.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			occurred_at DateTime64(6),
			stream LowCardinality(String),
			run_id String,
			type String,
			message String,
			count Int64,
			error Nullable(String),
			raw Nullable(String)
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, run_id)
	`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, r journal.Record) error {
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, stream, run_id, type, message, count, error, raw) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		r.OccurredAt.UTC(),
		r.Stream,
		r.RunID,
		r.Type,
		r.Message,
		r.Count,
		nullable(r.Error),
		nullable(r.Raw),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]journal.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(ctx, fmt.Sprintf(
		`SELECT occurred_at, stream, run_id, type, message, count, error, raw FROM %s ORDER BY occurred_at DESC LIMIT %d`,
		s.table, limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []journal.Record
	for rows.Next() {
		var (
			r       journal.Record
			errText *string
			raw     *string
		)
		if err := rows.Scan(&r.OccurredAt, &r.Stream, &r.RunID, &r.Type, &r.Message, &r.Count, &errText, &raw); err != nil {
			return nil, err
		}
		r.OccurredAt = r.OccurredAt.UTC()
		if errText != nil {
			r.Error = *errText
		}
		if raw != nil {
			r.Raw = *raw
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
