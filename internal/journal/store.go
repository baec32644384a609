// Package journal records control-plane events (priority adjustments,
// weight updates, status changes, recovery outcomes, sweep summaries) in a
// SQLite database. Writes are asynchronous and never block the caller.
package journal

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

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/Resinat/Ballast/internal/log"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// DBFilename is the journal database inside the journal directory.
const DBFilename = "journal.db"

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Event kinds.
const (
	KindPriority     = "priority_adjustment"
	KindWeight       = "weight_update"
	KindStatusChange = "status_change"
	KindValidation   = "validation"
	KindRecovery     = "recovery"
	KindSweep        = "sweep"
)

// Event is one journal row.
type Event struct {
	ID      string          `json:"id"`
	At      time.Time       `json:"at"`
	Kind    string          `json:"kind"`
	Model   string          `json:"model,omitempty"`
	Group   string          `json:"group,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Filter selects events. Zero values mean "any".
type Filter struct {
	Kind   string
	Model  string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// Page is one page of events, newest first.
type Page struct {
	Items  []Event `json:"items"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Store is the SQLite-backed event table.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens (or creates) the journal database in dir and applies
// pending migrations.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, DBFilename)
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}
	return db, nil
}

func migrateDB(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("journal migrate: init source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		return fmt.Errorf("journal migrate: init db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("journal migrate: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("journal migrate: up: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// InsertBatch writes events in one transaction and returns how many rows
// were inserted. A failing row is skipped.
func (s *Store) InsertBatch(ctx context.Context, events []Event) (int, error) {
	if s.db == nil {
		return 0, errors.New("journal store: closed")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("journal begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO events
		(id, ts_ns, kind, model, group_name, message, data) VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("journal prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range events {
		e := &events[i]
		data := string(e.Data)
		if data == "" {
			data = "{}"
		}
		res, err := stmt.ExecContext(ctx, e.ID, e.At.UnixNano(), e.Kind, e.Model, e.Group, e.Message, data)
		if err != nil {
			log.Warnf("[journal] skip event id=%q: %v", e.ID, err)
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("journal commit: %w", err)
	}
	return inserted, nil
}

// List returns matching events ordered by time descending, then id.
func (s *Store) List(ctx context.Context, f Filter) (Page, error) {
	if s.db == nil {
		return Page{}, errors.New("journal store: closed")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := max(f.Offset, 0)

	where, args := f.where()
	page := Page{Limit: limit, Offset: offset}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("journal count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, ts_ns, kind, model, group_name, message, data FROM events"+where+
			" ORDER BY ts_ns DESC, id ASC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		return Page{}, fmt.Errorf("journal list: %w", err)
	}
	defer rows.Close()

	page.Items = []Event{}
	for rows.Next() {
		var (
			e    Event
			ts   int64
			data string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Model, &e.Group, &e.Message, &data); err != nil {
			return Page{}, fmt.Errorf("journal scan: %w", err)
		}
		e.At = time.Unix(0, ts).UTC()
		if data != "" && data != "{}" {
			e.Data = json.RawMessage(data)
		}
		page.Items = append(page.Items, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("journal rows: %w", err)
	}
	return page, nil
}

func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, f.Model)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts_ns < ?")
		args = append(args, f.Until.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Prune deletes events older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, errors.New("journal store: closed")
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE ts_ns < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("journal prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
