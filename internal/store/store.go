// Package store persists the last good raw report set so a restarted service
// serves stale data instead of nothing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/wildflower-sightings/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

// ErrNoSnapshot is returned by LoadSnapshot before the first save.
var ErrNoSnapshot = errors.New("no snapshot stored")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS snapshot_meta (
		id INTEGER PRIMARY KEY,
		saved_at TEXT NOT NULL,
		report_count INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS report_snapshot (
		position INTEGER PRIMARY KEY,
		source TEXT NOT NULL,
		report_id TEXT NOT NULL,
		payload TEXT NOT NULL
	)`,
}

// Store is a database/sql backed snapshot store.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and creates the schema if needed.
// SQLite is limited to one connection.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Driver returns the database/sql driver name.
func (s *Store) Driver() string { return s.driver }

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces the stored report set in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, reports []domain.Report, savedAt time.Time) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM report_snapshot`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM snapshot_meta`); err != nil {
		return fmt.Errorf("clear snapshot meta: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO report_snapshot (position, source, report_id, payload) VALUES (?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range reports {
		payload, mErr := json.Marshal(r)
		if mErr != nil {
			err = fmt.Errorf("encode report %s: %w", r.ID, mErr)
			return err
		}
		if _, err = stmt.ExecContext(ctx, i, r.Source, r.ID, string(payload)); err != nil {
			return fmt.Errorf("insert report %s: %w", r.ID, err)
		}
	}

	if _, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO snapshot_meta (id, saved_at, report_count) VALUES (1, ?, ?)`),
		savedAt.UTC().Format(time.RFC3339Nano), len(reports)); err != nil {
		return fmt.Errorf("insert snapshot meta: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored reports in their saved order and the time
// they were saved. It returns ErrNoSnapshot if nothing was saved yet.
func (s *Store) LoadSnapshot(ctx context.Context) ([]domain.Report, time.Time, error) {
	var (
		savedRaw string
		count    int
	)
	err := s.db.QueryRowContext(ctx, `SELECT saved_at, report_count FROM snapshot_meta WHERE id = 1`).
		Scan(&savedRaw, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNoSnapshot
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("query snapshot meta: %w", err)
	}
	savedAt, err := time.Parse(time.RFC3339Nano, savedRaw)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse snapshot time %q: %w", savedRaw, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM report_snapshot ORDER BY position`)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	reports := make([]domain.Report, 0, count)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, time.Time{}, fmt.Errorf("scan snapshot row: %w", err)
		}
		var r domain.Report
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, time.Time{}, fmt.Errorf("decode snapshot row: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("iterate snapshot: %w", err)
	}
	return reports, savedAt, nil
}

// rebind rewrites '?' placeholders to PostgreSQL's $n form for pgx.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
