// Package sqlite keeps partial results in a local SQLite database. It suits a
// single host running every service, or the all-in-one run command.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kozaktomas/face-pipeline/internal/store"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Fixed width keeps text timestamps ordered.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is a Partial Result Store backed by a SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and applies migrations.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes every statement issued by this process.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for i, file := range files {
		if i < version {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction for %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

// write starts a transaction whose first statement is a write, so SQLite takes
// the write lock up front and later reads in the same transaction cannot be
// invalidated by another process.
func (s *Store) write(ctx context.Context, workItemID string) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO work_items (id, created_at) VALUES (?, ?)`, workItemID, now()); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("insert work item: %w", err)
	}
	return tx, nil
}

func upsert(ctx context.Context, tx *sql.Tx, workItemID string, field store.Field, payload []byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO partial_results (work_item_id, field, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (work_item_id, field)
		DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		workItemID, string(field), payload, now())
	if err != nil {
		return fmt.Errorf("upsert %s: %w", field, err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, workItemID string, field store.Field, payload []byte) error {
	tx, err := s.write(ctx, workItemID)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsert(ctx, tx, workItemID, field, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, workItemID string, field store.Field) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM partial_results WHERE work_item_id = ? AND field = ?)`,
		workItemID, string(field),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", field, err)
	}
	return exists, nil
}

func (s *Store) Get(ctx context.Context, workItemID string, field store.Field) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM partial_results WHERE work_item_id = ? AND field = ?`,
		workItemID, string(field),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", store.Key(workItemID), field, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", field, err)
	}
	return payload, nil
}

func (s *Store) Complete(ctx context.Context, workItemID string, field store.Field, payload []byte) (bool, error) {
	tx, err := s.write(ctx, workItemID)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT field FROM partial_results WHERE work_item_id = ?`, workItemID)
	if err != nil {
		return false, fmt.Errorf("query present fields: %w", err)
	}
	before := make(map[store.Field]bool, len(store.Fields))
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			rows.Close()
			return false, fmt.Errorf("scan field: %w", err)
		}
		before[store.Field(f)] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate fields: %w", err)
	}

	if err := upsert(ctx, tx, workItemID, field, payload); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit complete: %w", err)
	}
	return store.Joined(field, before), nil
}

// Prune removes work items created before now-olderThan.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM work_items WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired work items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
