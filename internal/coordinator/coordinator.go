// ============================================================================
// Beaver-Dispatch Coordinator - 准入控制
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 在提交時比對資源宣告，決定 accepted / postponed / rejected，並入隊
//
// 准入流程（全程持有 dispatcher 鎖，比對與入隊是同一個原子步驟）:
//   1. 與所有 WAITING / RUNNING 任務的資源宣告比對（見 conflict.go）
//   2. rejected：不建立任務，回報衝突的資源與任務
//   3. postponed：衝突任務加入依賴（保留請求原本可能更嚴格的狀態集合）
//   4. accepted / postponed：入隊
//
// 群組:
//   SubmitGroup 指派新的群組識別碼，依群組內依賴做拓撲排序；
//   群組內任一請求被拒絕，整個群組都被拒絕。
//   每個成員也與排在前面、已准入的成員比對，衝突時同樣 postponed 或 rejected。
//   依賴在整個群組准入後才寫入請求；被拒絕或入隊失敗時請求保持原狀。
//
// 非同步任務:
//   CompleteSuccess / CompleteFailure / ReportProgress 由外部事件以任務識別碼觸發。
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/internal/history"
	"github.com/ChuLiYu/beaver-dispatch/internal/metrics"
	"github.com/ChuLiYu/beaver-dispatch/internal/storage"
	"github.com/ChuLiYu/beaver-dispatch/internal/task"
	"github.com/ChuLiYu/beaver-dispatch/internal/taskqueue"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrRejected 資源衝突，請求不會被執行
	ErrRejected = errors.New("coordinator: call rejected")
	// ErrDependencyCycle 群組內的依賴形成環
	ErrDependencyCycle = errors.New("coordinator: dependency cycle in call group")
	// ErrDuplicateCall 群組內有相同識別碼的請求
	ErrDuplicateCall = errors.New("coordinator: duplicate call in group")
	// ErrEmptyGroup 群組沒有任何請求
	ErrEmptyGroup = errors.New("coordinator: empty call group")
)

// DefaultPollInterval SubmitAndWait 查詢任務狀態的間隔
const DefaultPollInterval = 100 * time.Millisecond

// Option 設定 Coordinator
type Option func(*Coordinator)

// WithStore 設定重啟還原用的 queue store（應與 DispatchQueue 使用同一個）
func WithStore(store storage.QueueStore) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithHistory 設定歷史歸檔；Get 在佇列中找不到任務時改查歸檔
func WithHistory(archive history.Archive) Option {
	return func(c *Coordinator) { c.history = archive }
}

// WithMetrics 設定監控指標
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithPollInterval 設定 SubmitAndWait 的輪詢間隔
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.poll = d
		}
	}
}

// Coordinator 准入控制與任務查詢的入口
type Coordinator struct {
	reg     *call.Registry
	queue   *taskqueue.Queue
	store   storage.QueueStore
	history history.Archive
	metrics *metrics.Collector
	poll    time.Duration
}

// New 建立 Coordinator
func New(reg *call.Registry, queue *taskqueue.Queue, opts ...Option) *Coordinator {
	c := &Coordinator{
		reg:   reg,
		queue: queue,
		poll:  DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry 回傳操作註冊表
func (c *Coordinator) Registry() *call.Registry {
	return c.reg
}

// Queue 回傳底層調度佇列
func (c *Coordinator) Queue() *taskqueue.Queue {
	return c.queue
}

// ============================================================================
// 提交
// ============================================================================

// Submit 執行准入控制並入隊
//
// 被拒絕時回傳帶有 reasons 的報告與 ErrRejected。
func (c *Coordinator) Submit(ctx context.Context, req *call.CallRequest) (types.CallReport, error) {
	return c.submitOne(ctx, req, false)
}

// SubmitUnique 同 Submit，但已有相同操作與參數的未完成任務時回傳 taskqueue.ErrDuplicateTask
func (c *Coordinator) SubmitUnique(ctx context.Context, req *call.CallRequest) (types.CallReport, error) {
	return c.submitOne(ctx, req, true)
}

func (c *Coordinator) submitOne(ctx context.Context, req *call.CallRequest, unique bool) (types.CallReport, error) {
	if err := ctx.Err(); err != nil {
		return types.CallReport{}, err
	}
	reports, err := c.admit([]*task.Task{task.New(req)}, unique)
	if len(reports) == 0 {
		return types.CallReport{}, err
	}
	return reports[0], err
}

// SubmitGroup 以新的群組識別碼提交一組請求
func (c *Coordinator) SubmitGroup(ctx context.Context, reqs []*call.CallRequest) ([]types.CallReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.submitGroup(reqs, uuid.NewString())
}

func (c *Coordinator) submitGroup(reqs []*call.CallRequest, jobID string) ([]types.CallReport, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyGroup
	}
	sorted, err := sortGroup(reqs)
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(sorted))
	for _, req := range sorted {
		if err := req.AssignJob(jobID); err != nil {
			return nil, fmt.Errorf("coordinator: %s: %w", req.ID(), err)
		}
		tasks = append(tasks, task.New(req))
	}
	return c.admit(tasks, false)
}

// admit 在 dispatcher 鎖內比對衝突並入隊；任一被拒絕則全部拒絕
func (c *Coordinator) admit(tasks []*task.Task, unique bool) ([]types.CallReport, error) {
	var admitErr error
	err := c.queue.Atomic(func(tx *taskqueue.Tx) error {
		// 群組成員也要和先前准入的成員比對；拓撲排序保證依賴只指向前面的成員
		active := slices.Clone(tx.Active())
		added := make([][]types.TaskID, len(tasks))
		rejected := false
		for i, t := range tasks {
			req := t.Request()
			response, blockers, reasons := conflicts(active, req.Resources())
			report := t.Report()
			report.Response = response
			report.Reasons = reasons
			if response == types.ResponseRejected {
				rejected = true
				continue
			}
			existing := req.Dependencies()
			for _, id := range blockers {
				if _, ok := existing[id]; !ok {
					added[i] = append(added[i], id)
				}
			}
			active = append(active, t)
		}

		if rejected {
			for _, t := range tasks {
				t.Report().Response = types.ResponseRejected
			}
			admitErr = ErrRejected
			return nil
		}

		// 整個群組准入後才寫入依賴，失敗時全部撤回
		release := func() {
			for i, t := range tasks {
				for _, id := range added[i] {
					if err := t.Request().RemoveDependency(id); err != nil {
						log.Error("Failed to release admission dependency", "task_id", t.ID(), "blocker", id, "error", err)
					}
				}
			}
		}
		for i, t := range tasks {
			for _, id := range added[i] {
				if err := t.Request().AddDependency(id); err != nil {
					release()
					return err
				}
			}
		}

		for i, t := range tasks {
			if err := tx.Enqueue(t, unique); err != nil {
				// 群組是全有或全無
				for _, done := range tasks[:i] {
					if derr := tx.Dequeue(done.ID()); derr != nil {
						log.Error("Failed to roll back group member", "task_id", done.ID(), "error", derr)
					}
				}
				release()
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	reports := make([]types.CallReport, 0, len(tasks))
	for _, t := range tasks {
		r := t.Snapshot()
		c.metrics.RecordSubmit(string(r.Response))
		if r.Response != types.ResponseAccepted {
			log.Info("Call admission",
				"task_id", r.TaskID,
				"operation", r.Operation,
				"response", r.Response,
				"reasons", len(r.Reasons))
		}
		reports = append(reports, r)
	}
	return reports, admitErr
}

// SubmitAndWait 提交後等待任務結束
//
// ctx 在任務開始前結束時，任務會被移出佇列並回傳 ctx.Err()；
// 已開始的任務不受影響，回傳最後一次看到的報告與 ctx.Err()。
func (c *Coordinator) SubmitAndWait(ctx context.Context, req *call.CallRequest) (types.CallReport, error) {
	report, err := c.Submit(ctx, req)
	if err != nil {
		return report, err
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		current, err := c.queue.Get(report.TaskID)
		if err != nil {
			return report, err
		}
		report = current
		if report.State.IsTerminal() {
			return report, nil
		}

		select {
		case <-ctx.Done():
			if report.State == types.StateWaiting {
				if err := c.queue.Dequeue(report.TaskID); err == nil {
					log.Info("Call abandoned before start", "task_id", report.TaskID)
				}
			}
			return report, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ============================================================================
// 查詢
// ============================================================================

// Get 依識別碼取得報告；已清出佇列的任務改查歷史歸檔
func (c *Coordinator) Get(ctx context.Context, id types.TaskID) (types.CallReport, error) {
	report, err := c.queue.Get(id)
	if err == nil || c.history == nil || !errors.Is(err, taskqueue.ErrTaskNotFound) {
		return report, err
	}
	archived, herr := c.history.Get(ctx, id)
	if herr != nil {
		if errors.Is(herr, history.ErrNotFound) {
			return types.CallReport{}, err
		}
		return types.CallReport{}, herr
	}
	return archived.Report, nil
}

// Find 依條件查詢佇列中的任務（completed、running、waiting 順序）
func (c *Coordinator) Find(criteria types.Criteria) []types.CallReport {
	return c.queue.Find(criteria)
}

// ============================================================================
// 控制
// ============================================================================

// Cancel 取消任務
//
// 已終止的任務是 no-op；執行中且不支援取消時回傳 task.ErrCancelNotSupported。
func (c *Coordinator) Cancel(id types.TaskID) error {
	return c.queue.Cancel(id)
}

// CancelGroup 取消群組內所有任務，回傳每個任務的結果
func (c *Coordinator) CancelGroup(jobID string) map[types.TaskID]error {
	results := make(map[types.TaskID]error)
	for _, r := range c.queue.Find(types.Criteria{JobID: jobID}) {
		results[r.TaskID] = c.queue.Cancel(r.TaskID)
	}
	return results
}

// CompleteSuccess 外部事件完成非同步任務
func (c *Coordinator) CompleteSuccess(id types.TaskID, result any) error {
	return c.queue.CompleteSuccess(id, result)
}

// CompleteFailure 外部事件使非同步任務失敗
func (c *Coordinator) CompleteFailure(id types.TaskID, failure error) error {
	return c.queue.CompleteFailure(id, failure)
}

// ReportProgress 更新執行中任務的進度
func (c *Coordinator) ReportProgress(id types.TaskID, progress any) error {
	return c.queue.ReportProgress(id, progress)
}

// Stats 回傳調度佇列統計
func (c *Coordinator) Stats() taskqueue.Stats {
	return c.queue.Stats()
}
