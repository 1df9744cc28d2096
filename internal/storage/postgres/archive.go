package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ChuLiYu/beaver-dispatch/internal/history"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// Archive upserts the record of one finished task.
func (s *Store) Archive(ctx context.Context, rec types.ArchivedCall) error {
	request, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("storage/postgres: marshal request %s: %w", rec.Report.TaskID, err)
	}
	report, err := json.Marshal(rec.Report)
	if err != nil {
		return fmt.Errorf("storage/postgres: marshal report %s: %w", rec.Report.TaskID, err)
	}
	tags := rec.Report.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO archived_calls (
			task_id, job_id, schedule_id, operation, state, tags, request, report, archived_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			schedule_id = EXCLUDED.schedule_id,
			operation = EXCLUDED.operation,
			state = EXCLUDED.state,
			tags = EXCLUDED.tags,
			request = EXCLUDED.request,
			report = EXCLUDED.report,
			archived_at = EXCLUDED.archived_at`,
		string(rec.Report.TaskID), rec.Report.JobID, rec.Report.ScheduleID,
		rec.Report.Operation, string(rec.Report.State), tags,
		request, report, rec.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage/postgres: archive %s: %w", rec.Report.TaskID, err)
	}
	return nil
}

// Get returns the archived record of one task.
func (s *Store) Get(ctx context.Context, id types.TaskID) (types.ArchivedCall, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT request, report, archived_at FROM archived_calls WHERE task_id = $1`,
		string(id),
	)
	rec, err := scanArchived(row)
	if err != nil {
		if isNoRows(err) {
			return types.ArchivedCall{}, fmt.Errorf("%w: %s", history.ErrNotFound, id)
		}
		return types.ArchivedCall{}, fmt.Errorf("storage/postgres: get archived %s: %w", id, err)
	}
	return rec, nil
}

// Find returns matching records, newest first.
func (s *Store) Find(ctx context.Context, c types.Criteria, limit int) ([]types.ArchivedCall, error) {
	query, args := findQuery(c, limit)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: find archived: %w", err)
	}
	defer rows.Close()

	var out []types.ArchivedCall
	for rows.Next() {
		rec, err := scanArchived(rows)
		if err != nil {
			return nil, fmt.Errorf("storage/postgres: scan archived: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage/postgres: find archived: %w", err)
	}
	return out, nil
}

// Purge deletes records archived before the cutoff.
func (s *Store) Purge(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM archived_calls WHERE archived_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("storage/postgres: purge archived: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// findQuery translates criteria into a parameterized query. Every non-zero
// field becomes one predicate.
func findQuery(c types.Criteria, limit int) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(predicate string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(predicate, len(args)))
	}

	if len(c.TaskIDs) > 0 {
		ids := make([]string, 0, len(c.TaskIDs))
		for _, id := range c.TaskIDs {
			ids = append(ids, string(id))
		}
		add("task_id = ANY($%d)", ids)
	}
	if c.JobID != "" {
		add("job_id = $%d", c.JobID)
	}
	if c.ScheduleID != "" {
		add("schedule_id = $%d", c.ScheduleID)
	}
	if c.Operation != "" {
		add("operation = $%d", c.Operation)
	}
	if len(c.States) > 0 {
		states := make([]string, 0, len(c.States))
		for _, st := range c.States {
			states = append(states, string(st))
		}
		add("state = ANY($%d)", states)
	}
	if len(c.Tags) > 0 {
		add("tags @> $%d", c.Tags)
	}

	var b strings.Builder
	b.WriteString(`SELECT request, report, archived_at FROM archived_calls`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY archived_at DESC")
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

func scanArchived(row pgx.Row) (types.ArchivedCall, error) {
	var (
		rec             types.ArchivedCall
		request, report []byte
	)
	if err := row.Scan(&request, &report, &rec.ArchivedAt); err != nil {
		return rec, err
	}
	if err := json.Unmarshal(request, &rec.Request); err != nil {
		return rec, fmt.Errorf("decode request: %w", err)
	}
	if err := json.Unmarshal(report, &rec.Report); err != nil {
		return rec, fmt.Errorf("decode report: %w", err)
	}
	return rec, nil
}
