// ============================================================================
// Beaver-Dispatch DispatchQueue - 調度佇列
// ============================================================================
//
// Package: internal/taskqueue
// 文件: queue.go
// 功能: 持有 waiting / running / completed 任務，執行調度循環
//
// 數據結構設計:
//   waiting   []*task.Task - 保持入隊順序（FIFO 公平性）
//   running   []*task.Task - 執行中任務
//   completed []*task.Task - 依 finish_time 遞增，保留 CompletedRetention
//   index     map          - 所有仍在記憶體中的任務（查詢用）
//   canceling map          - 待重試的取消請求與嘗試次數
//   runningWeight          - 執行中任務的 weight 總和，永不超過 MaxRunning
//
// 調度循環（每個 DispatchInterval 或狀態變更時喚醒）:
//   1. 找出 ready 任務：沒有剩餘依賴，且 weight 不超過剩餘額度
//      （會繼續掃描整個 waiting，因為 weight 0 的任務永遠放得下）
//   2. 依 FIFO 順序啟動
//   3. 重試待處理的取消
//   4. 超時任務走相同的取消流程
//   5. 清除超過保留時間的已完成任務
//
// 持久化:
//   入隊時 Persist（失敗則拒絕入隊），移除或完成時 Remove（失敗只記錄）。
//   所有 store 呼叫都在 dispatcher 鎖內、依序進行。
//
// 故障語義:
//   調度循環本身的 panic 代表排程器的 bug：循環停止，錯誤送到 Fatal()。
//
// ============================================================================

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/internal/metrics"
	"github.com/ChuLiYu/beaver-dispatch/internal/middleware"
	"github.com/ChuLiYu/beaver-dispatch/internal/storage"
	"github.com/ChuLiYu/beaver-dispatch/internal/task"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrTaskNotFound 任務不在佇列中（可能已被清除）
	ErrTaskNotFound = errors.New("taskqueue: task not found")
	// ErrTaskExists 相同識別碼的任務已在佇列中
	ErrTaskExists = errors.New("taskqueue: task already queued")
	// ErrDuplicateTask unique 入隊時已有相同操作與參數的未完成任務
	ErrDuplicateTask = errors.New("taskqueue: duplicate task")
	// ErrNotWaiting 任務已離開 WAITING
	ErrNotWaiting = errors.New("taskqueue: task is not waiting")
	// ErrNotRunning 任務不在執行中
	ErrNotRunning = errors.New("taskqueue: task is not running")
	// ErrWeightExceedsBudget 任務 weight 大於 MaxRunning，永遠無法執行
	ErrWeightExceedsBudget = errors.New("taskqueue: task weight exceeds concurrency budget")
	// ErrAlreadyStarted 調度循環已啟動
	ErrAlreadyStarted = errors.New("taskqueue: already started")
	// ErrSchedulerPanic 調度循環內部錯誤
	ErrSchedulerPanic = errors.New("taskqueue: dispatcher panicked")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config DispatchQueue 配置
type Config struct {
	MaxRunning         int           // 併發額度（running 任務 weight 總和上限）
	DispatchInterval   time.Duration // 調度循環輪詢間隔
	CompletedRetention time.Duration // 已完成任務在記憶體中的保留時間
	StoreTimeout       time.Duration // 單次 store 呼叫的超時
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		MaxRunning:         4,
		DispatchInterval:   500 * time.Millisecond,
		CompletedRetention: 20 * time.Second,
		StoreTimeout:       5 * time.Second,
	}
}

// Stats 佇列統計
type Stats struct {
	Waiting       int `json:"waiting"`
	Running       int `json:"running"`
	Completed     int `json:"completed"`
	Canceling     int `json:"canceling"`
	RunningWeight int `json:"running_weight"`
	MaxRunning    int `json:"max_running"`
}

// Option 設定 Queue
type Option func(*Queue)

// WithStore 設定持久化 store
func WithStore(store storage.QueueStore) Option {
	return func(q *Queue) { q.store = store }
}

// WithArchiver 設定歸檔回呼
func WithArchiver(fn task.ArchiveFunc) Option {
	return func(q *Queue) { q.archive = fn }
}

// WithMiddleware 設定工作單元的 middleware（第一個在最外層）
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(q *Queue) { q.mw = middleware.Chain(mws...) }
}

// WithMetrics 設定監控指標
func WithMetrics(c *metrics.Collector) Option {
	return func(q *Queue) { q.metrics = c }
}

// WithClock 替換時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue 調度佇列
type Queue struct {
	mu  sync.Mutex
	cfg Config

	store   storage.QueueStore
	archive task.ArchiveFunc
	mw      middleware.Middleware
	metrics *metrics.Collector
	now     func() time.Time

	waiting       []*task.Task
	running       []*task.Task
	completed     []*task.Task
	index         map[types.TaskID]*task.Task
	storeIDs      map[types.TaskID]string
	canceling     map[types.TaskID]int
	timedOut      map[types.TaskID]bool
	runningWeight int

	baseCtx context.Context
	wake    chan struct{}
	stopCh  chan struct{}
	fatal   chan error
	loopWg  sync.WaitGroup
	started bool
	stopped bool
}

// New 建立調度佇列
func New(cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxRunning <= 0 {
		cfg.MaxRunning = def.MaxRunning
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = def.DispatchInterval
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = def.CompletedRetention
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}

	q := &Queue{
		cfg:       cfg,
		mw:        middleware.Chain(),
		now:       time.Now,
		index:     make(map[types.TaskID]*task.Task),
		storeIDs:  make(map[types.TaskID]string),
		canceling: make(map[types.TaskID]int),
		timedOut:  make(map[types.TaskID]bool),
		baseCtx:   context.Background(),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		fatal:     make(chan error, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config 回傳生效的配置
func (q *Queue) Config() Config {
	return q.cfg
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動調度循環
//
// 任務的執行 context 繼承 ctx 的值但不繼承取消：
// ctx 結束只停止調度，不會中斷執行中的工作單元。
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrAlreadyStarted
	}
	q.started = true
	q.baseCtx = context.WithoutCancel(ctx)
	q.mu.Unlock()

	q.loopWg.Add(1)
	go q.loop(ctx)

	log.Info("Dispatch queue started",
		"max_running", q.cfg.MaxRunning,
		"dispatch_interval", q.cfg.DispatchInterval)
	return nil
}

// Stop 停止調度循環；執行中的任務不受影響
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.stopCh)
	q.loopWg.Wait()
	log.Info("Dispatch queue stopped")
}

// Fatal 調度循環因內部錯誤停止時送出錯誤
func (q *Queue) Fatal() <-chan error {
	return q.fatal
}

func (q *Queue) loop(ctx context.Context) {
	defer q.loopWg.Done()
	ticker := time.NewTicker(q.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			log.Info("Dispatch loop stopped")
			return
		case <-ctx.Done():
			log.Info("Dispatch loop stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
		case <-q.wake:
		}

		if err := q.DispatchOnce(); err != nil {
			log.Error("Dispatch loop crashed", "error", err)
			select {
			case q.fatal <- err:
			default:
			}
			return
		}
	}
}

// signal 喚醒調度循環（不阻塞）
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// DispatchOnce 執行一次調度週期；內部 panic 轉成 ErrSchedulerPanic
func (q *Queue) DispatchOnce() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrSchedulerPanic, r, debug.Stack())
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.readyTasks() {
		q.start(t)
	}
	q.processCancellations()
	q.processTimeouts()
	q.cull()
	q.updateGauges()
	return nil
}

// ============================================================================
// 調度週期（呼叫者持有鎖）
// ============================================================================

// readyTasks 在剩餘額度內找出沒有剩餘依賴的任務
func (q *Queue) readyTasks() []*task.Task {
	available := q.cfg.MaxRunning - q.runningWeight
	var ready []*task.Task
	for _, t := range q.waiting {
		if len(t.Request().Dependencies()) > 0 {
			continue
		}
		if t.Weight() > available {
			continue
		}
		available -= t.Weight()
		ready = append(ready, t)
	}
	return ready
}

func (q *Queue) start(t *task.Task) {
	q.waiting = deleteTask(q.waiting, t)
	q.running = append(q.running, t)
	q.runningWeight += t.Weight()
	q.metrics.RecordStart()
	t.Run(q.baseCtx, q, q.mw)
	log.Debug("Task started", "task_id", t.ID(), "operation", t.Request().Operation())
}

func (q *Queue) processCancellations() {
	for id, attempts := range q.canceling {
		t, ok := q.index[id]
		if !ok || t.State().IsTerminal() {
			delete(q.canceling, id)
			continue
		}

		_, err := t.Cancel()
		switch {
		case err == nil:
			delete(q.canceling, id)
		case errors.Is(err, task.ErrCancelRefused):
			q.canceling[id] = attempts + 1
			q.metrics.RecordCancelRefused()
			log.Warn("Cancellation refused, will retry",
				"task_id", id,
				"attempts", attempts+1,
				"error", err)
		default:
			delete(q.canceling, id)
			q.metrics.RecordCancelRefused()
			log.Error("Cancellation abandoned", "task_id", id, "error", err)
		}
	}
}

func (q *Queue) processTimeouts() {
	now := q.now()
	for _, t := range slices.Clone(q.running) {
		if q.timedOut[t.ID()] || !t.TimedOut(now) {
			continue
		}
		q.timedOut[t.ID()] = true
		log.Warn("Task timed out",
			"task_id", t.ID(),
			"operation", t.Request().Operation(),
			"timeout", t.Request().Timeout())

		_, err := t.Cancel()
		switch {
		case err == nil:
		case errors.Is(err, task.ErrCancelRefused):
			q.canceling[t.ID()] = 1
			q.metrics.RecordCancelRefused()
		default:
			q.metrics.RecordCancelRefused()
			log.Error("Timed out task cannot be cancelled", "task_id", t.ID(), "error", err)
		}
	}
}

// cull 清除過期的已完成任務（completed 依 finish_time 遞增）
func (q *Queue) cull() {
	cutoff := q.now().Add(-q.cfg.CompletedRetention)
	n := 0
	for n < len(q.completed) {
		finish := q.completed[n].Report().FinishTime
		if finish != nil && finish.After(cutoff) {
			break
		}
		delete(q.index, q.completed[n].ID())
		n++
	}
	if n > 0 {
		q.completed = slices.Delete(q.completed, 0, n)
		log.Debug("Culled completed tasks", "count", n)
	}
}

func (q *Queue) updateGauges() {
	q.metrics.UpdateQueueStats(len(q.waiting), len(q.running), len(q.completed), q.runningWeight)
}

// ============================================================================
// 入隊 / 出隊（呼叫者持有鎖）
// ============================================================================

func (q *Queue) enqueueLocked(t *task.Task, unique bool) error {
	id := t.ID()
	if _, exists := q.index[id]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, id)
	}
	if t.State() != types.StateWaiting {
		return fmt.Errorf("%w: %s is %s", ErrNotWaiting, id, t.State())
	}
	if t.Weight() > q.cfg.MaxRunning {
		return fmt.Errorf("%w: weight %d > %d", ErrWeightExceedsBudget, t.Weight(), q.cfg.MaxRunning)
	}
	req := t.Request()
	if unique {
		sig := req.Signature()
		for _, other := range q.activeLocked() {
			if other.Request().Signature() == sig {
				return fmt.Errorf("%w: %s matches %s", ErrDuplicateTask, req, other.ID())
			}
		}
	}

	// 只能被仍在佇列中（waiting/running）的任務阻塞
	for _, blocker := range req.BlockingTaskIDs() {
		if other, ok := q.index[blocker]; !ok || other.State().IsTerminal() {
			if err := req.RemoveDependency(blocker); err != nil {
				return err
			}
		}
	}

	req.MarkEnqueued(q.now())
	if q.store != nil {
		rec, err := req.Serialize()
		if err != nil {
			return fmt.Errorf("taskqueue: serialize %s: %w", id, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.StoreTimeout)
		storeID, err := q.store.Persist(ctx, rec)
		cancel()
		if err != nil {
			return fmt.Errorf("taskqueue: persist %s: %w", id, err)
		}
		q.storeIDs[id] = storeID
	}

	t.OnComplete(q.taskCompleted)
	t.SetArchiver(q.archive)
	q.waiting = append(q.waiting, t)
	q.index[id] = t
	t.FireHooks(types.HookEnqueue)
	q.signal()
	return nil
}

func (q *Queue) dequeueLocked(id types.TaskID) error {
	t, ok := q.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.State() != types.StateWaiting {
		return fmt.Errorf("%w: %s is %s", ErrNotWaiting, id, t.State())
	}
	q.remove(t, "")
	delete(q.index, id)
	q.signal()
	return nil
}

// remove 將任務移出 waiting/running，刪除持久化記錄，解除依賴並觸發 DEQUEUE hooks
func (q *Queue) remove(t *task.Task, exit types.CallState) {
	q.waiting = deleteTask(q.waiting, t)
	q.running = deleteTask(q.running, t)

	if storeID, ok := q.storeIDs[t.ID()]; ok {
		delete(q.storeIDs, t.ID())
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.StoreTimeout)
		if err := q.store.Remove(ctx, storeID); err != nil {
			log.Error("Failed to remove queued call from store",
				"task_id", t.ID(),
				"store_id", storeID,
				"error", err)
		}
		cancel()
	}

	q.unblock(t, exit)
	t.FireHooks(types.HookDequeue)
}

// unblock 處理以 done 為依賴的 waiting 任務
//
// exit 為空表示 done 未執行就被移除，依賴直接解除；
// 否則結束狀態不在可接受集合內的任務會被 SKIPPED。
func (q *Queue) unblock(done *task.Task, exit types.CallState) {
	for _, w := range slices.Clone(q.waiting) {
		// 連鎖 SKIP 可能已讓後面的任務結束
		if w.State() != types.StateWaiting {
			continue
		}
		states, ok := w.Request().Dependencies()[done.ID()]
		if !ok {
			continue
		}
		if exit == "" || slices.Contains(states, exit) {
			if err := w.Request().RemoveDependency(done.ID()); err != nil {
				log.Error("Failed to unblock task", "task_id", w.ID(), "error", err)
			}
			continue
		}
		log.Info("Skipping task whose dependency failed",
			"task_id", w.ID(),
			"blocker", done.ID(),
			"expected", states,
			"actual", exit)
		w.Skip(map[types.TaskID]types.DependencyFailure{
			done.ID(): {Expected: states, Actual: exit},
		})
	}
}

// taskCompleted Task 的完成回呼；此時 t.State() 仍是完成前的狀態
func (q *Queue) taskCompleted(t *task.Task) {
	exit := t.ExitState()
	if t.State() == types.StateRunning {
		q.runningWeight -= t.Weight()
	}
	delete(q.canceling, t.ID())
	delete(q.timedOut, t.ID())

	q.remove(t, exit)
	q.completed = append(q.completed, t)

	var elapsed time.Duration
	if r := t.Report(); r.StartTime != nil && r.FinishTime != nil {
		elapsed = r.FinishTime.Sub(*r.StartTime)
	}
	q.metrics.RecordComplete(string(exit), elapsed)
	log.Debug("Task completed", "task_id", t.ID(), "state", exit, "elapsed", elapsed)
	q.signal()
}

func (q *Queue) activeLocked() []*task.Task {
	active := make([]*task.Task, 0, len(q.running)+len(q.waiting))
	active = append(active, q.running...)
	return append(active, q.waiting...)
}

func deleteTask(list []*task.Task, t *task.Task) []*task.Task {
	if i := slices.Index(list, t); i >= 0 {
		return slices.Delete(list, i, i+1)
	}
	return list
}

// ============================================================================
// 公開操作
// ============================================================================

// Enqueue 加入任務；unique 時拒絕與未完成任務相同操作與參數的請求
func (q *Queue) Enqueue(t *task.Task, unique bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(t, unique)
}

// Dequeue 移除尚未執行的任務
func (q *Queue) Dequeue(id types.TaskID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked(id)
}

// Cancel 取消任務
//
// 已終止的任務是 no-op；執行中且沒有 cancel 控制 hook 時回傳 task.ErrCancelNotSupported；
// 控制 hook 暫時拒絕時加入待重試集合並回傳 nil。
func (q *Queue) Cancel(id types.TaskID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	_, err := t.Cancel()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, task.ErrCancelRefused):
		q.canceling[id]++
		q.metrics.RecordCancelRefused()
		log.Warn("Cancellation refused, queued for retry", "task_id", id, "error", err)
		q.signal()
		return nil
	default:
		q.metrics.RecordCancelRefused()
		return err
	}
}

// CompleteSuccess 外部事件完成非同步任務
func (q *Queue) CompleteSuccess(id types.TaskID, result any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, err := q.runningAsync(id)
	if err != nil {
		return err
	}
	t.Succeed(result)
	return nil
}

// CompleteFailure 外部事件使非同步任務失敗
func (q *Queue) CompleteFailure(id types.TaskID, failure error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, err := q.runningAsync(id)
	if err != nil {
		return err
	}
	t.Fail(failure)
	return nil
}

// ReportProgress 外部更新執行中任務的進度
func (q *Queue) ReportProgress(id types.TaskID, v any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !t.SetProgress(v) {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, t.State())
	}
	return nil
}

func (q *Queue) runningAsync(id types.TaskID) (*task.Task, error) {
	t, ok := q.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !t.Async() {
		return nil, fmt.Errorf("%w: %s", call.ErrNotAsync, t.Request().Operation())
	}
	if t.State() != types.StateRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, t.State())
	}
	return t, nil
}

// ============================================================================
// task.Completer（由 worker goroutine 呼叫）
// ============================================================================

// Succeed 實作 task.Completer
func (q *Queue) Succeed(t *task.Task, result any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.Succeed(result)
}

// Fail 實作 task.Completer
func (q *Queue) Fail(t *task.Task, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.Fail(err)
}

// Progress 實作 task.Completer
func (q *Queue) Progress(t *task.Task, v any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.SetProgress(v)
}

var _ task.Completer = (*Queue)(nil)

// ============================================================================
// 查詢
// ============================================================================

// Get 依識別碼取得報告
func (q *Queue) Get(id types.TaskID) (types.CallReport, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.index[id]
	if !ok {
		return types.CallReport{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Snapshot(), nil
}

// Find 依序搜尋 completed、running、waiting
func (q *Queue) Find(c types.Criteria) []types.CallReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []types.CallReport
	for _, list := range [][]*task.Task{q.completed, q.running, q.waiting} {
		for _, t := range list {
			if c.Match(t.Report()) {
				out = append(out, t.Snapshot())
			}
		}
	}
	return out
}

// WaitingTasks 等待中任務的報告（入隊順序）
func (q *Queue) WaitingTasks() []types.CallReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	return snapshots(q.waiting)
}

// RunningTasks 執行中任務的報告
func (q *Queue) RunningTasks() []types.CallReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	return snapshots(q.running)
}

// CompletedTasks 保留中的已完成任務（finish_time 遞增）
func (q *Queue) CompletedTasks() []types.CallReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	return snapshots(q.completed)
}

// AllTasks 所有任務：completed、running、waiting
func (q *Queue) AllTasks() []types.CallReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := snapshots(q.completed)
	out = append(out, snapshots(q.running)...)
	return append(out, snapshots(q.waiting)...)
}

// Stats 佇列統計
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:       len(q.waiting),
		Running:       len(q.running),
		Completed:     len(q.completed),
		Canceling:     len(q.canceling),
		RunningWeight: q.runningWeight,
		MaxRunning:    q.cfg.MaxRunning,
	}
}

func snapshots(list []*task.Task) []types.CallReport {
	out := make([]types.CallReport, 0, len(list))
	for _, t := range list {
		out = append(out, t.Snapshot())
	}
	return out
}
