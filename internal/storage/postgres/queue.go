package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-dispatch/internal/storage"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// Persist inserts one queued call.
func (s *Store) Persist(ctx context.Context, rec types.QueuedCall) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("storage/postgres: marshal %s: %w", rec.TaskID, err)
	}

	id := uuid.NewString()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO queued_calls (store_id, task_id, operation, call)
		VALUES ($1, $2, $3, $4)`,
		id, string(rec.TaskID), rec.Operation, raw,
	)
	if err != nil {
		if isUndefinedTable(err) {
			return "", fmt.Errorf("storage/postgres: persist %s: schema missing, run Migrate: %w", rec.TaskID, err)
		}
		return "", fmt.Errorf("storage/postgres: persist %s: %w", rec.TaskID, err)
	}
	return id, nil
}

// Remove deletes one queued call.
func (s *Store) Remove(ctx context.Context, storeID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queued_calls WHERE store_id = $1`, storeID)
	if err != nil {
		return fmt.Errorf("storage/postgres: remove %s: %w", storeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrRecordNotFound, storeID)
	}
	return nil
}

// ListPending returns queued calls in insertion order.
func (s *Store) ListPending(ctx context.Context) ([]storage.Pending, error) {
	rows, err := s.pool.Query(ctx, `SELECT store_id, call FROM queued_calls ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: list pending: %w", err)
	}
	defer rows.Close()

	var out []storage.Pending
	for rows.Next() {
		var (
			p   storage.Pending
			raw []byte
		)
		if err := rows.Scan(&p.StoreID, &raw); err != nil {
			return nil, fmt.Errorf("storage/postgres: scan pending: %w", err)
		}
		if err := json.Unmarshal(raw, &p.Call); err != nil {
			p.Err = fmt.Errorf("storage/postgres: decode %s: %w", p.StoreID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage/postgres: list pending: %w", err)
	}
	return out, nil
}
