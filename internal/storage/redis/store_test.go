package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-dispatch/internal/storage"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// newTestStore connects to DISPATCH_TEST_REDIS_ADDR and isolates the test
// under a random key prefix.
func newTestStore(t *testing.T) (*Store, *goredis.Client) {
	t.Helper()
	addr := os.Getenv("DISPATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DISPATCH_TEST_REDIS_ADDR not set")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	prefix := "beaver-test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return New(client, WithKeyPrefix(prefix)), client
}

func queued(id string) types.QueuedCall {
	return types.QueuedCall{
		TaskID:     types.TaskID(id),
		Operation:  "repo.sync",
		Kwargs:     json.RawMessage(`{"repo":"` + id + `"}`),
		Weight:     1,
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestPersistAndList(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	var ids []string
	for _, id := range []string{"a", "b", "c"} {
		storeID, err := s.Persist(ctx, queued(id))
		require.NoError(t, err)
		ids = append(ids, storeID)
	}
	require.NoError(t, s.Remove(ctx, ids[1]))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].StoreID)
	assert.Equal(t, types.TaskID("a"), pending[0].Call.TaskID)
	assert.JSONEq(t, `{"repo":"a"}`, string(pending[0].Call.Kwargs))
	assert.Equal(t, types.TaskID("c"), pending[1].Call.TaskID)
}

func TestRemoveUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Remove(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)
}

func TestListPendingReportsBrokenRecords(t *testing.T) {
	s, client := newTestStore(t)
	ctx := context.Background()

	goodID, err := s.Persist(ctx, queued("good"))
	require.NoError(t, err)
	badID, err := s.Persist(ctx, queued("bad"))
	require.NoError(t, err)
	goneID, err := s.Persist(ctx, queued("gone"))
	require.NoError(t, err)

	require.NoError(t, client.HSet(ctx, s.recordKey(badID), "call", "{not json").Err())
	require.NoError(t, client.Del(ctx, s.recordKey(goneID)).Err())

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, goodID, pending[0].StoreID)
	assert.NoError(t, pending[0].Err)
	assert.Error(t, pending[1].Err)
	assert.Error(t, pending[2].Err)

	// An index entry without a body can still be removed.
	require.NoError(t, s.Remove(ctx, goneID))
}
