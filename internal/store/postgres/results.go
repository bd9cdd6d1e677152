package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-pipeline/internal/store"
)

const (
	insertWorkItemSQL = `INSERT INTO work_items (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`
	lockWorkItemSQL   = `SELECT id FROM work_items WHERE id = $1 FOR UPDATE`
	upsertResultSQL   = `
		INSERT INTO partial_results (work_item_id, field, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (work_item_id, field)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`
)

// Put writes one field inside a transaction that also creates the work item row.
func (s *Store) Put(ctx context.Context, workItemID string, field store.Field, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertWorkItemSQL, workItemID); err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertResultSQL, workItemID, string(field), payload); err != nil {
		return fmt.Errorf("upsert %s: %w", field, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

// Exists checks whether a field row is present.
func (s *Store) Exists(ctx context.Context, workItemID string, field store.Field) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM partial_results WHERE work_item_id = $1 AND field = $2)`,
		workItemID, string(field),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", field, err)
	}
	return exists, nil
}

// Get returns the stored payload of a field.
func (s *Store) Get(ctx context.Context, workItemID string, field store.Field) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM partial_results WHERE work_item_id = $1 AND field = $2`,
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

// Complete locks the work item row, reads which fields are present, then
// writes its own field. Concurrent Complete calls on the same work item
// serialize on the row lock, so only one of them can see the record go from
// incomplete to complete.
func (s *Store) Complete(ctx context.Context, workItemID string, field store.Field, payload []byte) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertWorkItemSQL, workItemID); err != nil {
		return false, fmt.Errorf("insert work item: %w", err)
	}

	var id string
	if err := tx.QueryRowContext(ctx, lockWorkItemSQL, workItemID).Scan(&id); err != nil {
		return false, fmt.Errorf("lock work item: %w", err)
	}

	before, err := presentFields(ctx, tx, workItemID)
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, upsertResultSQL, workItemID, string(field), payload); err != nil {
		return false, fmt.Errorf("upsert %s: %w", field, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit complete: %w", err)
	}
	return store.Joined(field, before), nil
}

func presentFields(ctx context.Context, tx *sql.Tx, workItemID string) (map[store.Field]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT field FROM partial_results WHERE work_item_id = $1`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("query present fields: %w", err)
	}
	defer rows.Close()

	present := make(map[store.Field]bool, len(store.Fields))
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		present[store.Field(f)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}
	return present, nil
}

// Prune removes work items created before now-olderThan along with their
// partial results.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM work_items WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired work items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
