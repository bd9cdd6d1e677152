package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-pipeline/internal/store"
)

const (
	insertWorkItemSQL = `INSERT IGNORE INTO work_items (id) VALUES (?)`
	upsertResultSQL   = `
		INSERT INTO partial_results (work_item_id, field, payload)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = CURRENT_TIMESTAMP(6)`
)

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

func (s *Store) Exists(ctx context.Context, workItemID string, field store.Field) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM partial_results WHERE work_item_id = ? AND field = ?`,
		workItemID, string(field),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", field, err)
	}
	return n > 0, nil
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

// Complete takes an exclusive lock on the work item row before looking at the
// present fields. The field read is a locking read as well so that InnoDB
// returns the latest committed rows instead of a snapshot.
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
	if err := tx.QueryRowContext(ctx, `SELECT id FROM work_items WHERE id = ? FOR UPDATE`, workItemID).Scan(&id); err != nil {
		return false, fmt.Errorf("lock work item: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT field FROM partial_results WHERE work_item_id = ? FOR UPDATE`, workItemID)
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

	if _, err := tx.ExecContext(ctx, upsertResultSQL, workItemID, string(field), payload); err != nil {
		return false, fmt.Errorf("upsert %s: %w", field, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit complete: %w", err)
	}
	return store.Joined(field, before), nil
}

// Prune removes work items created before now-olderThan.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
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
