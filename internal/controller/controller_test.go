package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/internal/config"
	"github.com/ChuLiYu/beaver-dispatch/internal/metrics"
	"github.com/ChuLiYu/beaver-dispatch/internal/middleware"
	"github.com/ChuLiYu/beaver-dispatch/internal/storage/memory"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// testConfig returns a fast-ticking in-memory configuration
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Dispatch.MaxRunning = 2
	cfg.Dispatch.DispatchInterval = 10 * time.Millisecond
	cfg.Dispatch.CompletedRetention = time.Minute
	return cfg
}

// gates hands out one release channel per task id
type gates struct {
	mu sync.Mutex
	ch map[types.TaskID]chan struct{}
}

func (g *gates) get(id types.TaskID) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil {
		g.ch = make(map[types.TaskID]chan struct{})
	}
	ch, ok := g.ch[id]
	if !ok {
		ch = make(chan struct{})
		g.ch[id] = ch
	}
	return ch
}

func (g *gates) open(id types.TaskID) {
	ch := g.get(id)
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (g *gates) openAll() {
	g.mu.Lock()
	ids := make([]types.TaskID, 0, len(g.ch))
	for id := range g.ch {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		g.open(id)
	}
}

// newRegistry registers "repo.sync" (returns immediately), "repo.block"
// (waits on its gate) and "repo.panic".
func newRegistry(t *testing.T, g *gates) *call.Registry {
	t.Helper()
	reg := call.NewRegistry()
	reg.MustRegister("repo.sync", func(_ context.Context, inv *call.Invocation) (any, error) {
		return "synced " + string(inv.TaskID), nil
	})
	reg.MustRegister("repo.block", func(ctx context.Context, inv *call.Invocation) (any, error) {
		select {
		case <-g.get(inv.TaskID):
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	reg.MustRegister("repo.panic", func(context.Context, *call.Invocation) (any, error) {
		panic("corrupt repository index")
	})
	return reg
}

// startController creates and starts a Controller, stopping it on cleanup
func startController(t *testing.T, cfg config.Config, reg *call.Registry, opts ...Option) *Controller {
	t.Helper()
	ctrl, err := New(context.Background(), cfg, reg, opts...)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ctrl.Stop(ctx)
	})
	return ctrl
}

func submit(t *testing.T, ctrl *Controller, op, id string, opts ...call.Option) types.CallReport {
	t.Helper()
	req, err := call.NewCallRequest(ctrl.Registry(), op, append([]call.Option{call.WithID(types.TaskID(id))}, opts...)...)
	require.NoError(t, err)
	report, err := ctrl.Coordinator().Submit(context.Background(), req)
	require.NoError(t, err)
	return report
}

// waitForState polls until the task reaches want
func waitForState(t *testing.T, ctrl *Controller, id string, want types.CallState) types.CallReport {
	t.Helper()
	var report types.CallReport
	require.Eventually(t, func() bool {
		r, err := ctrl.Coordinator().Get(context.Background(), types.TaskID(id))
		report = r
		return err == nil && r.State == want
	}, 3*time.Second, 10*time.Millisecond, "task %s never reached %s (last %s)", id, want, report.State)
	return report
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewController tests Controller initialization with defaults
func TestNewController(t *testing.T) {
	ctrl, err := New(context.Background(), testConfig(), newRegistry(t, &gates{}))
	require.NoError(t, err)
	defer ctrl.Stop(context.Background())

	assert.NotNil(t, ctrl.Coordinator())
	assert.NotNil(t, ctrl.Queue())
	assert.IsType(t, &memory.Store{}, ctrl.Store())
	assert.Nil(t, ctrl.Archive(), "history driver none")
	assert.Equal(t, 2, ctrl.Stats().MaxRunning)
}

// TestNewControllerErrors tests driver errors surface at construction
func TestNewControllerErrors(t *testing.T) {
	reg := newRegistry(t, &gates{})

	cfg := testConfig()
	cfg.Store.Driver = "etcd"
	_, err := New(context.Background(), cfg, reg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.History.Driver = "s3"
	_, err = New(context.Background(), cfg, reg)
	assert.Error(t, err)

	// a regular file where the WAL directory should be
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	cfg = testConfig()
	cfg.Store.Driver = config.StoreWAL
	cfg.Store.WAL.Dir = filepath.Join(blocker, "queue")
	_, err = New(context.Background(), cfg, reg)
	assert.Error(t, err)
}

// TestStartStop tests lifecycle transitions
func TestStartStop(t *testing.T) {
	ctrl, err := New(context.Background(), testConfig(), newRegistry(t, &gates{}))
	require.NoError(t, err)

	require.NoError(t, ctrl.Start(context.Background()))
	assert.ErrorIs(t, ctrl.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, ctrl.Stop(context.Background()))
	require.NoError(t, ctrl.Stop(context.Background()), "second Stop is a no-op")
	assert.ErrorIs(t, ctrl.Start(context.Background()), ErrStopped)
}

// TestStopWithoutStart tests stopping a never-started controller
func TestStopWithoutStart(t *testing.T) {
	ctrl, err := New(context.Background(), testConfig(), newRegistry(t, &gates{}))
	require.NoError(t, err)
	assert.NoError(t, ctrl.Stop(context.Background()))
}

// ============================================================================
// Workflow Tests
// ============================================================================

// TestBasicWorkflow tests submit → run → finished
func TestBasicWorkflow(t *testing.T) {
	ctrl := startController(t, testConfig(), newRegistry(t, &gates{}))

	report := submit(t, ctrl, "repo.sync", "sync-1")
	assert.Equal(t, types.ResponseAccepted, report.Response)

	done := waitForState(t, ctrl, "sync-1", types.StateFinished)
	assert.Equal(t, "synced sync-1", done.Result)
	assert.NotNil(t, done.StartTime)
	assert.NotNil(t, done.FinishTime)
}

// TestPanicBecomesError tests the Recover middleware is installed
func TestPanicBecomesError(t *testing.T) {
	ctrl := startController(t, testConfig(), newRegistry(t, &gates{}))

	submit(t, ctrl, "repo.panic", "boom")
	report := waitForState(t, ctrl, "boom", types.StateError)
	assert.Contains(t, report.Exception, "corrupt repository index")
	assert.NotEmpty(t, report.Traceback)
}

// TestExtraMiddleware tests WithMiddleware runs inside the built-in chain
func TestExtraMiddleware(t *testing.T) {
	var mu sync.Mutex
	var seen []types.TaskID
	mw := middleware.Middleware(func(ctx context.Context, inv *call.Invocation, next middleware.Handler) (any, error) {
		mu.Lock()
		seen = append(seen, inv.TaskID)
		mu.Unlock()
		return next(ctx)
	})

	ctrl := startController(t, testConfig(), newRegistry(t, &gates{}), WithMiddleware(mw))
	submit(t, ctrl, "repo.sync", "observed")
	waitForState(t, ctrl, "observed", types.StateFinished)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.TaskID{"observed"}, seen)
}

// TestMetricsWired tests the collector sees admissions
func TestMetricsWired(t *testing.T) {
	reg := prometheus.NewRegistry()
	prev := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	t.Cleanup(func() { prometheus.DefaultRegisterer = prev })
	collector := metrics.NewCollector()

	ctrl := startController(t, testConfig(), newRegistry(t, &gates{}), WithMetrics(collector))
	submit(t, ctrl, "repo.sync", "counted")
	waitForState(t, ctrl, "counted", types.StateFinished)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["dispatch_tasks_submitted_total"])
	assert.True(t, names["dispatch_tasks_completed_total"])
}

// ============================================================================
// History Tests
// ============================================================================

// TestArchiveAfterCull tests archived calls stay queryable after culling
func TestArchiveAfterCull(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.CompletedRetention = 30 * time.Millisecond
	cfg.History.Driver = config.HistoryMemory
	ctrl := startController(t, cfg, newRegistry(t, &gates{}))

	submit(t, ctrl, "repo.sync", "kept", call.WithArchive(), call.WithTags("action:sync"))
	submit(t, ctrl, "repo.sync", "dropped")

	// 清出佇列後只剩有 archive 旗標的任務可查
	require.Eventually(t, func() bool {
		return ctrl.Stats().Completed == 0 && ctrl.Stats().Waiting == 0 && ctrl.Stats().Running == 0
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		r, err := ctrl.Coordinator().Get(context.Background(), "kept")
		return err == nil && r.State == types.StateFinished
	}, 3*time.Second, 10*time.Millisecond)

	_, err := ctrl.Coordinator().Get(context.Background(), "dropped")
	assert.Error(t, err)

	found, err := ctrl.Archive().Find(context.Background(), types.Criteria{Tags: []string{"action:sync"}}, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "repo.sync", found[0].Request.Operation)
}

// TestPurgeHistory tests retention-based purging
func TestPurgeHistory(t *testing.T) {
	archive := memory.NewArchive()
	old := types.ArchivedCall{Report: types.CallReport{TaskID: "old"}, ArchivedAt: time.Now().Add(-2 * time.Hour)}
	fresh := types.ArchivedCall{Report: types.CallReport{TaskID: "fresh"}, ArchivedAt: time.Now()}
	require.NoError(t, archive.Archive(context.Background(), old))
	require.NoError(t, archive.Archive(context.Background(), fresh))

	cfg := testConfig()
	ctrl, err := New(context.Background(), cfg, newRegistry(t, &gates{}), WithArchive(archive))
	require.NoError(t, err)
	defer ctrl.Stop(context.Background())

	n, err := ctrl.PurgeHistory(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "no retention configured")

	ctrl.cfg.History.Retention = time.Hour
	n, err = ctrl.PurgeHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = archive.Get(context.Background(), "fresh")
	assert.NoError(t, err)
}

// ============================================================================
// Crash Recovery Tests
// ============================================================================

// TestCrashRecovery tests queued calls survive a restart on the WAL store
func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Dispatch.MaxRunning = 1
	cfg.Store.Driver = config.StoreWAL
	cfg.Store.WAL.Dir = dir

	g := &gates{}
	t.Cleanup(g.openAll)

	// 第一次啟動：一個執行中、兩個等待中
	first, err := New(context.Background(), cfg, newRegistry(t, g))
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))

	submit(t, first, "repo.block", "a", call.UpdatesResource("repository", "zoo"))
	waitForState(t, first, "a", types.StateRunning)
	submit(t, first, "repo.block", "b", call.UpdatesResource("repository", "zoo"))
	submit(t, first, "repo.sync", "c")
	waitForState(t, first, "c", types.StateFinished)

	// "a" never finishes before shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	err = first.Stop(ctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 第二次啟動：未完成的 a、b 被還原，已完成的 c 不會重跑
	second := startController(t, cfg, newRegistry(t, g))
	stats := second.Stats()
	assert.Equal(t, 2, stats.Waiting+stats.Running)

	_, err = second.Coordinator().Get(context.Background(), "c")
	assert.Error(t, err)

	g.open("a")
	waitForState(t, second, "a", types.StateFinished)
	g.open("b")
	waitForState(t, second, "b", types.StateFinished)
}

// TestRecoverySkipsUnknownOperations tests records whose operation is gone
func TestRecoverySkipsUnknownOperations(t *testing.T) {
	store := memory.New()
	_, err := store.Persist(context.Background(), types.QueuedCall{
		TaskID:     "legacy",
		Operation:  "repo.retired",
		EnqueuedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = store.Persist(context.Background(), types.QueuedCall{
		TaskID:     "current",
		Operation:  "repo.sync",
		Weight:     1,
		EnqueuedAt: time.Now(),
	})
	require.NoError(t, err)

	ctrl := startController(t, testConfig(), newRegistry(t, &gates{}), WithStore(store))
	waitForState(t, ctrl, "current", types.StateFinished)

	_, err = ctrl.Coordinator().Get(context.Background(), "legacy")
	assert.Error(t, err)
	// the unrestorable record stays for an operator to inspect
	assert.Equal(t, 1, store.Len())
}

// ============================================================================
// Shutdown Tests
// ============================================================================

// TestStopWaitsForRunning tests Stop drains running tasks
func TestStopWaitsForRunning(t *testing.T) {
	g := &gates{}
	ctrl, err := New(context.Background(), testConfig(), newRegistry(t, g))
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))

	submit(t, ctrl, "repo.block", "slow")
	waitForState(t, ctrl, "slow", types.StateRunning)

	go func() {
		time.Sleep(30 * time.Millisecond)
		g.open("slow")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ctrl.Stop(ctx))

	report, err := ctrl.Queue().Get("slow")
	require.NoError(t, err)
	assert.Equal(t, types.StateFinished, report.State)
}

// TestStopTimeout tests Stop gives up when ctx ends
func TestStopTimeout(t *testing.T) {
	g := &gates{}
	t.Cleanup(g.openAll)
	ctrl, err := New(context.Background(), testConfig(), newRegistry(t, g))
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))

	submit(t, ctrl, "repo.block", "stuck")
	waitForState(t, ctrl, "stuck", types.StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = ctrl.Stop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
