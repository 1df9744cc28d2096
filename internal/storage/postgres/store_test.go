package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-dispatch/internal/history"
	"github.com/ChuLiYu/beaver-dispatch/internal/storage"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

func TestFindQuery(t *testing.T) {
	tests := []struct {
		name     string
		criteria types.Criteria
		limit    int
		query    string
		args     []any
	}{
		{
			name:  "no criteria",
			query: "SELECT request, report, archived_at FROM archived_calls ORDER BY archived_at DESC",
		},
		{
			name:     "job and limit",
			criteria: types.Criteria{JobID: "g1"},
			limit:    10,
			query:    "SELECT request, report, archived_at FROM archived_calls WHERE job_id = $1 ORDER BY archived_at DESC LIMIT $2",
			args:     []any{"g1", 10},
		},
		{
			name: "every field",
			criteria: types.Criteria{
				TaskIDs:    []types.TaskID{"a", "b"},
				JobID:      "g1",
				ScheduleID: "s1",
				Operation:  "repo.sync",
				States:     []types.CallState{types.StateFinished, types.StateError},
				Tags:       []string{"repo:r1"},
			},
			query: "SELECT request, report, archived_at FROM archived_calls WHERE task_id = ANY($1) AND job_id = $2 AND schedule_id = $3 AND operation = $4 AND state = ANY($5) AND tags @> $6 ORDER BY archived_at DESC",
			args: []any{
				[]string{"a", "b"}, "g1", "s1", "repo.sync",
				[]string{string(types.StateFinished), string(types.StateError)},
				[]string{"repo:r1"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := findQuery(tt.criteria, tt.limit)
			assert.Equal(t, tt.query, query)
			assert.Equal(t, tt.args, args)
		})
	}
}

// newTestStore connects to DISPATCH_TEST_POSTGRES_DSN, migrates, and empties
// both tables.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DISPATCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Migrate(ctx))
	// Migrate is idempotent.
	require.NoError(t, s.Migrate(ctx))

	_, err = s.Pool().Exec(ctx, `TRUNCATE queued_calls, archived_calls`)
	require.NoError(t, err)
	return s
}

func TestQueueStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, id := range []string{"a", "b", "c"} {
		storeID, err := s.Persist(ctx, types.QueuedCall{
			TaskID:     types.TaskID(id),
			Operation:  "repo.sync",
			Args:       json.RawMessage(`["` + id + `"]`),
			EnqueuedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		ids = append(ids, storeID)
	}
	require.NoError(t, s.Remove(ctx, ids[0]))
	assert.ErrorIs(t, s.Remove(ctx, ids[0]), storage.ErrRecordNotFound)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, types.TaskID("b"), pending[0].Call.TaskID)
	assert.Equal(t, types.TaskID("c"), pending[1].Call.TaskID)
	assert.NoError(t, pending[0].Err)
}

func archived(id, job string, state types.CallState, tags []string, at time.Time) types.ArchivedCall {
	return types.ArchivedCall{
		Request: types.QueuedCall{TaskID: types.TaskID(id), Operation: "repo.sync", JobID: job},
		Report: types.CallReport{
			TaskID:    types.TaskID(id),
			JobID:     job,
			Operation: "repo.sync",
			State:     state,
			Tags:      tags,
			Result:    "ok",
		},
		ArchivedAt: at,
	}
}

func TestArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.Archive(ctx, archived("a", "g1", types.StateFinished, []string{"x", "y"}, base.Add(-2*time.Hour))))
	require.NoError(t, s.Archive(ctx, archived("b", "g1", types.StateError, []string{"x"}, base.Add(-time.Hour))))
	require.NoError(t, s.Archive(ctx, archived("c", "", types.StateFinished, nil, base)))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StateFinished, got.Report.State)
	assert.Equal(t, "ok", got.Report.Result)
	assert.True(t, got.ArchivedAt.Equal(base.Add(-2*time.Hour)))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, history.ErrNotFound)

	all, err := s.Find(ctx, types.Criteria{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, types.TaskID("c"), all[0].Report.TaskID, "newest first")

	tagged, err := s.Find(ctx, types.Criteria{Tags: []string{"x", "y"}}, 0)
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, types.TaskID("a"), tagged[0].Report.TaskID)

	group, err := s.Find(ctx, types.Criteria{JobID: "g1"}, 1)
	require.NoError(t, err)
	require.Len(t, group, 1)
	assert.Equal(t, types.TaskID("b"), group[0].Report.TaskID)

	// Archiving the same task again replaces the record.
	require.NoError(t, s.Archive(ctx, archived("b", "g1", types.StateCanceled, []string{"x"}, base)))
	got, err = s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, types.StateCanceled, got.Report.State)

	n, err := s.Purge(ctx, base.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, history.ErrNotFound)
}
