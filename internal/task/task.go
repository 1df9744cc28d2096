// ============================================================================
// Beaver-Dispatch Task - 呼叫狀態機
// ============================================================================
//
// Package: internal/task
// 文件: task.go
// 功能: 綁定一個 CallRequest 與其 CallReport，並獨佔報告的狀態轉換
//
// 狀態轉換 (State Machine):
//   WAITING ──Run()──────────> RUNNING
//   RUNNING ──Succeed()──────> FINISHED
//   RUNNING ──Fail()─────────> ERROR
//   WAITING ──Skip()─────────> SKIPPED
//   WAITING ──Cancel()───────> CANCELED（不需要控制 hook）
//   RUNNING ──Cancel()───────> CANCELED（需要 cancel 控制 hook，否則 ErrCancelNotSupported）
//
// 同步 / 非同步:
//   同步任務：工作單元回傳即完成（error -> ERROR，否則 FINISHED）
//   非同步任務：回傳值不代表完成，必須透過 Invocation.Succeed / Fail
//   或 Coordinator.CompleteSuccess / CompleteFailure 觸發；永不觸發則維持 RUNNING
//
// 完成流程 complete():
//   1. 記錄結束狀態與 finish_time
//   2. 呼叫完成回呼（DispatchQueue 釋放併發額度、解除依賴阻塞）
//   3. 設定終止狀態
//   4. COMPLETE hooks
//   5. 歸檔（fire-and-forget）
//
// 並發約定:
//   除了 Run 啟動的 worker goroutine 之外，所有方法都必須在 dispatcher 鎖內呼叫。
//   worker goroutine 只透過 Completer 回報結果，由 Completer 取得鎖。
//
// ============================================================================

package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/internal/middleware"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrCancelNotSupported 執行中的任務沒有 cancel 控制 hook
	ErrCancelNotSupported = errors.New("task: cancel not supported by running operation")
	// ErrCancelRefused cancel 控制 hook 回傳錯誤，可在之後重試
	ErrCancelRefused = errors.New("task: cancel refused")
)

// Completer 接收 worker goroutine 回報的結果
//
// 實作者（DispatchQueue）必須先取得 dispatcher 鎖，再呼叫 Task 的對應方法。
type Completer interface {
	Succeed(t *Task, result any)
	Fail(t *Task, err error)
	Progress(t *Task, v any)
}

// ArchiveFunc 歸檔回呼，不可阻塞
type ArchiveFunc func(req *call.CallRequest, report types.CallReport)

// Task 一個請求的執行包裝
type Task struct {
	req    *call.CallRequest
	report types.CallReport
	async  bool

	onComplete func(*Task)
	archive    ArchiveFunc

	exitState types.CallState
	ctx       context.Context
	cancel    context.CancelFunc
}

// New 建立 WAITING 狀態的任務
func New(req *call.CallRequest) *Task {
	return &Task{
		req:   req,
		async: req.Async(),
		report: types.CallReport{
			TaskID:        req.ID(),
			CallRequestID: req.ID(),
			JobID:         req.JobID(),
			ScheduleID:    req.ScheduleID(),
			Operation:     req.Operation(),
			Principal:     req.Principal(),
			Tags:          req.Tags(),
			State:         types.StateWaiting,
			Response:      types.ResponseAccepted,
		},
	}
}

func (t *Task) ID() types.TaskID { return t.req.ID() }
func (t *Task) Request() *call.CallRequest { return t.req }
func (t *Task) Async() bool { return t.async }
func (t *Task) State() types.CallState { return t.report.State }
func (t *Task) Weight() int { return t.req.Weight() }

// Report 回傳可在鎖內修改的報告（Coordinator 設定 response / reasons）
func (t *Task) Report() *types.CallReport {
	return &t.report
}

// Snapshot 回傳報告的拷貝，可安全交給鎖外使用
func (t *Task) Snapshot() types.CallReport {
	return t.report.Clone()
}

// ExitState 完成回呼執行時的結束狀態（此時 State() 尚未更新）
func (t *Task) ExitState() types.CallState {
	return t.exitState
}

// OnComplete 設定完成回呼，在終止狀態寫入之前呼叫
func (t *Task) OnComplete(fn func(*Task)) {
	t.onComplete = fn
}

// SetArchiver 設定歸檔回呼，只在請求帶有 archive 旗標時使用
func (t *Task) SetArchiver(fn ArchiveFunc) {
	t.archive = fn
}

// SyncJobID 重新讀取請求的群組識別碼（AssignJob 之後呼叫）
func (t *Task) SyncJobID() {
	t.report.JobID = t.req.JobID()
}

// TimedOut 執行時間是否超過請求的 timeout
func (t *Task) TimedOut(now time.Time) bool {
	timeout := t.req.Timeout()
	if timeout <= 0 || t.report.State != types.StateRunning || t.report.StartTime == nil {
		return false
	}
	return now.Sub(*t.report.StartTime) > timeout
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Run WAITING -> RUNNING，並在獨立 goroutine 執行工作單元
func (t *Task) Run(parent context.Context, done Completer, mw middleware.Middleware) {
	if t.report.State != types.StateWaiting {
		log.Warn("Run called on non-waiting task", "task_id", t.ID(), "state", t.report.State)
		return
	}

	now := time.Now()
	t.report.State = types.StateRunning
	t.report.StartTime = &now
	t.req.Freeze()

	ctx := call.WithTask(parent, t.ID(), t.req.JobID(), t.req.Principal())
	t.ctx, t.cancel = context.WithCancel(ctx)

	t.FireHooks(types.HookRun)

	inv := call.NewInvocation(t.req, call.Callbacks{
		Progress: func(v any) { done.Progress(t, v) },
		Succeed:  func(result any) { done.Succeed(t, result) },
		Fail:     func(err error) { done.Fail(t, err) },
	})
	handler := func(ctx context.Context) (any, error) {
		return t.req.Definition().Func(ctx, inv)
	}
	if mw == nil {
		mw = middleware.Chain()
	}

	go t.execute(t.ctx, inv, done, mw, handler)
}

func (t *Task) execute(ctx context.Context, inv *call.Invocation, done Completer, mw middleware.Middleware, h middleware.Handler) {
	result, err := func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &call.PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return mw(ctx, inv, h)
	}()

	switch {
	case err != nil:
		done.Fail(t, err)
	case !t.async:
		done.Succeed(t, result)
	}
}

// Succeed RUNNING -> FINISHED；任務已不在執行中時忽略（例如已被取消）
func (t *Task) Succeed(result any) bool {
	if t.report.State != types.StateRunning {
		log.Debug("Ignoring success of non-running task", "task_id", t.ID(), "state", t.report.State)
		return false
	}
	t.report.Result = result
	t.FireHooks(types.HookSuccess)
	t.complete(types.StateFinished)
	return true
}

// Fail RUNNING -> ERROR
func (t *Task) Fail(err error) bool {
	if t.report.State != types.StateRunning {
		log.Debug("Ignoring failure of non-running task", "task_id", t.ID(), "state", t.report.State)
		return false
	}
	if err == nil {
		err = errors.New("unknown failure")
	}
	t.report.Exception = err.Error()
	var tb interface{ Traceback() string }
	if errors.As(err, &tb) {
		t.report.Traceback = tb.Traceback()
	}
	t.FireHooks(types.HookFailure)
	t.complete(types.StateError)
	return true
}

// SetProgress 更新進度，只在執行中有效
//
// 進度經過一次 JSON 往返後才寫入報告，工作單元之後再修改原值不會影響報告；
// 無法編碼的進度會被丟棄，報告保留上一次的進度。
func (t *Task) SetProgress(v any) bool {
	if t.report.State != types.StateRunning {
		return false
	}
	progress, err := copyProgress(v)
	if err != nil {
		log.Warn("Dropping unencodable progress", "task_id", t.ID(), "error", err)
		return true
	}
	t.report.Progress = progress
	return true
}

func copyProgress(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Skip WAITING -> SKIPPED，記錄失敗的依賴
func (t *Task) Skip(failures map[types.TaskID]types.DependencyFailure) bool {
	if t.report.State != types.StateWaiting {
		return false
	}
	if len(failures) > 0 {
		if t.report.DependencyFailures == nil {
			t.report.DependencyFailures = make(map[types.TaskID]types.DependencyFailure, len(failures))
		}
		for id, f := range failures {
			f.Expected = slices.Clone(f.Expected)
			t.report.DependencyFailures[id] = f
		}
	}
	t.req.Freeze()
	t.complete(types.StateSkipped)
	return true
}

// Cancel 取消任務
//
// 返回值：
//   - true, nil: 已取消
//   - false, nil: 任務已在終止狀態，不做任何事
//   - false, ErrCancelNotSupported: 執行中且沒有 cancel 控制 hook，狀態不變
//   - false, ErrCancelRefused: 控制 hook 回傳錯誤，狀態不變
func (t *Task) Cancel() (bool, error) {
	switch t.report.State {
	case types.StateWaiting:
	case types.StateRunning:
		hook := t.req.ControlHook(types.ControlCancel)
		if hook == nil {
			return false, ErrCancelNotSupported
		}
		if err := t.runControl(hook); err != nil {
			return false, fmt.Errorf("%w: %v", ErrCancelRefused, err)
		}
	default:
		return false, nil
	}

	if t.cancel != nil {
		t.cancel()
	}
	t.req.Freeze()
	t.FireHooks(types.HookCancel)
	t.complete(types.StateCanceled)
	return true, nil
}

func (t *Task) runControl(hook call.ControlFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cancel hook panicked: %v", r)
		}
	}()
	return hook(t.req, &t.report)
}

func (t *Task) complete(state types.CallState) {
	t.exitState = state
	now := time.Now()
	t.report.FinishTime = &now

	if t.onComplete != nil {
		t.onComplete(t)
	}

	t.report.State = state
	t.FireHooks(types.HookComplete)

	if t.req.Archive() && t.archive != nil {
		t.archive(t.req, t.report.Clone())
	}
	if t.cancel != nil {
		t.cancel()
	}
}

// FireHooks 依序執行某事件的 hook；hook 的 panic 只記錄，不影響狀態
func (t *Task) FireHooks(event types.HookEvent) {
	for _, hook := range t.req.Hooks(event) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("Lifecycle hook panicked",
						"task_id", t.ID(),
						"event", event,
						"panic", r)
				}
			}()
			hook(t.req, &t.report)
		}()
	}
}

func (t *Task) String() string {
	return fmt.Sprintf("Task(%s, %s, %s)", t.ID(), t.req, t.report.State)
}
