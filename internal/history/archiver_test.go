package history_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/internal/history"
	"github.com/ChuLiYu/beaver-dispatch/internal/metrics"
	"github.com/ChuLiYu/beaver-dispatch/internal/storage/memory"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

func newRequest(t *testing.T, id types.TaskID, opts ...call.Option) *call.CallRequest {
	t.Helper()
	reg := call.NewRegistry()
	reg.MustRegister("repo.sync", func(context.Context, *call.Invocation) (any, error) { return nil, nil })
	opts = append([]call.Option{call.WithID(id), call.WithArchive(), call.WithKwargs(map[string]any{"repo": "r1"})}, opts...)
	req, err := call.NewCallRequest(reg, "repo.sync", opts...)
	require.NoError(t, err)
	return req
}

func finished(id types.TaskID) types.CallReport {
	return types.CallReport{TaskID: id, Operation: "repo.sync", State: types.StateFinished, Result: "ok"}
}

// stubArchive delegates to an in-memory archive after write returns nil.
type stubArchive struct {
	mem   *memory.Archive
	write func(ctx context.Context) error
}

func newStub(write func(ctx context.Context) error) *stubArchive {
	return &stubArchive{mem: memory.NewArchive(), write: write}
}

func (s *stubArchive) Archive(ctx context.Context, rec types.ArchivedCall) error {
	if err := s.write(ctx); err != nil {
		return err
	}
	return s.mem.Archive(ctx, rec)
}

func (s *stubArchive) Get(ctx context.Context, id types.TaskID) (types.ArchivedCall, error) {
	return s.mem.Get(ctx, id)
}

func (s *stubArchive) Find(ctx context.Context, c types.Criteria, limit int) ([]types.ArchivedCall, error) {
	return s.mem.Find(ctx, c, limit)
}

func (s *stubArchive) Purge(ctx context.Context, before time.Time) (int, error) {
	return s.mem.Purge(ctx, before)
}

func (s *stubArchive) Close() error { return nil }

// gated returns a stub whose writes wait for the returned release func.
func gated() (*stubArchive, func()) {
	ch := make(chan struct{})
	var once sync.Once
	stub := newStub(func(ctx context.Context) error {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return stub, func() { once.Do(func() { close(ch) }) }
}

func newCollector(t *testing.T) (*metrics.Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	return metrics.NewCollector(), reg
}

func archiveFailures(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "dispatch_archive_failures_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestArchiverWritesRecord(t *testing.T) {
	store := memory.NewArchive()
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	a := history.NewArchiver(store, history.ArchiverConfig{Workers: 1}, history.WithArchiverClock(func() time.Time { return at }))
	require.NoError(t, a.Start())

	a.Archive(newRequest(t, "t1"), finished("t1"))
	a.Stop()

	rec, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, types.StateFinished, rec.Report.State)
	assert.Equal(t, "repo.sync", rec.Request.Operation)
	assert.JSONEq(t, `{"repo":"r1"}`, string(rec.Request.Kwargs))
	assert.True(t, at.Equal(rec.ArchivedAt))
}

func TestArchiverCountsFailures(t *testing.T) {
	collector, reg := newCollector(t)
	failing := newStub(func(context.Context) error { return errors.New("disk full") })
	a := history.NewArchiver(failing, history.ArchiverConfig{Workers: 1}, history.WithArchiverMetrics(collector))
	require.NoError(t, a.Start())

	a.Archive(newRequest(t, "t1"), finished("t1"))
	a.Archive(newRequest(t, "t2"), finished("t2"))
	a.Stop()

	assert.Equal(t, 2.0, archiveFailures(t, reg))
}

func TestArchiverDropsWhenFull(t *testing.T) {
	collector, reg := newCollector(t)
	store, release := gated()
	a := history.NewArchiver(store, history.ArchiverConfig{Workers: 1, Buffer: 1}, history.WithArchiverMetrics(collector))
	require.NoError(t, a.Start())
	defer release()

	// the first write occupies the worker, the second fills the buffer
	a.Archive(newRequest(t, "t1"), finished("t1"))
	require.Eventually(t, func() bool {
		a.Archive(newRequest(t, "probe"), finished("probe"))
		return archiveFailures(t, reg) > 0
	}, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		a.Archive(newRequest(t, "t3"), finished("t3"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Archive blocked on a full buffer")
	}

	release()
	a.Stop()

	_, err := store.Get(context.Background(), "t1")
	assert.NoError(t, err)
}

func TestArchiverTimeout(t *testing.T) {
	collector, reg := newCollector(t)
	store, release := gated()
	defer release()
	a := history.NewArchiver(store, history.ArchiverConfig{Workers: 1, Timeout: 10 * time.Millisecond},
		history.WithArchiverMetrics(collector))
	require.NoError(t, a.Start())

	a.Archive(newRequest(t, "t1"), finished("t1"))
	a.Stop()

	assert.Equal(t, 1.0, archiveFailures(t, reg))
	_, err := store.Get(context.Background(), "t1")
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestArchiverBeforeStartAndAfterStop(t *testing.T) {
	collector, reg := newCollector(t)
	store := memory.NewArchive()
	a := history.NewArchiver(store, history.ArchiverConfig{}, history.WithArchiverMetrics(collector))

	a.Archive(newRequest(t, "early"), finished("early"))
	require.NoError(t, a.Start())
	a.Stop()
	a.Stop()
	a.Archive(newRequest(t, "late"), finished("late"))

	assert.Equal(t, 2.0, archiveFailures(t, reg))
	found, err := store.Find(context.Background(), types.Criteria{}, 0)
	require.NoError(t, err)
	assert.Empty(t, found)
}
