// Package types 定義了 beaver-dispatch 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"slices"
	"time"
)

// TaskID 任務唯一識別碼（同時作為 CallRequest 的識別碼，用於依賴引用）
type TaskID string

// CallState 呼叫狀態
type CallState string

// 定義呼叫狀態常數
const (
	StateWaiting  CallState = "waiting"  // 等待中：已入隊，尚未被調度
	StateRunning  CallState = "running"  // 執行中：已被調度到獨立 goroutine
	StateFinished CallState = "finished" // 成功完成
	StateError    CallState = "error"    // 執行失敗
	StateCanceled CallState = "canceled" // 已取消
	StateSkipped  CallState = "skipped"  // 已跳過：前置條件永遠無法滿足
)

// CompleteStates 所有終止狀態
var CompleteStates = []CallState{StateFinished, StateError, StateCanceled, StateSkipped}

// IsTerminal 判斷狀態是否為終止狀態
func (s CallState) IsTerminal() bool {
	return slices.Contains(CompleteStates, s)
}

// Response 准入結果（由 Coordinator 設定）
type Response string

const (
	ResponseAccepted  Response = "accepted"
	ResponsePostponed Response = "postponed"
	ResponseRejected  Response = "rejected"
)

// Operation 對資源執行的操作
type Operation string

const (
	OpCreate  Operation = "create"
	OpRead    Operation = "read"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
	OpExecute Operation = "execute"
)

// Resources 資源宣告：resource type -> resource id -> 操作集合
type Resources map[string]map[string][]Operation

// Add 加入一筆資源宣告（重複的操作會被忽略）
func (r Resources) Add(resourceType, resourceID string, op Operation) {
	ids, ok := r[resourceType]
	if !ok {
		ids = make(map[string][]Operation)
		r[resourceType] = ids
	}
	if slices.Contains(ids[resourceID], op) {
		return
	}
	ids[resourceID] = append(ids[resourceID], op)
}

// Clone 深拷貝資源宣告
func (r Resources) Clone() Resources {
	if r == nil {
		return nil
	}
	out := make(Resources, len(r))
	for typ, ids := range r {
		out[typ] = make(map[string][]Operation, len(ids))
		for id, ops := range ids {
			out[typ][id] = slices.Clone(ops)
		}
	}
	return out
}

// HookEvent 生命週期事件
type HookEvent string

const (
	HookEnqueue  HookEvent = "enqueue"
	HookDequeue  HookEvent = "dequeue"
	HookRun      HookEvent = "run"
	HookSuccess  HookEvent = "success"
	HookFailure  HookEvent = "failure"
	HookCancel   HookEvent = "cancel"
	HookComplete HookEvent = "complete"
)

// HookEvents 所有合法的生命週期事件
var HookEvents = []HookEvent{HookEnqueue, HookDequeue, HookRun, HookSuccess, HookFailure, HookCancel, HookComplete}

// ControlKind 控制操作種類（目前只有 cancel）
type ControlKind string

const ControlCancel ControlKind = "cancel"

// Reason 延後或拒絕的原因：衝突的資源、操作與任務
type Reason struct {
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Operation    Operation `json:"operation"`
	TaskID       TaskID    `json:"task_id"`
}

// DependencyFailure 依賴任務以不可接受的狀態結束
type DependencyFailure struct {
	Expected []CallState `json:"expected"`
	Actual   CallState   `json:"actual"`
}

// CallReport 呼叫報告，Task 的公開可查詢視圖
type CallReport struct {
	// 識別
	TaskID        TaskID   `json:"task_id"`
	CallRequestID TaskID   `json:"call_request_id"`
	JobID         string   `json:"job_id,omitempty"`      // 群組識別碼
	ScheduleID    string   `json:"schedule_id,omitempty"` // 排程識別碼
	Operation     string   `json:"operation"`
	Principal     string   `json:"principal_login,omitempty"`
	Tags          []string `json:"tags"`

	// 准入
	State              CallState                    `json:"state"`
	Response           Response                     `json:"response"`
	Reasons            []Reason                     `json:"reasons,omitempty"`
	DependencyFailures map[TaskID]DependencyFailure `json:"dependency_failures,omitempty"`

	// 執行結果
	Progress  any    `json:"progress,omitempty"`
	Result    any    `json:"result,omitempty"`
	Exception string `json:"exception,omitempty"`
	Traceback string `json:"traceback,omitempty"`

	// 時間（由 Task 設定）
	StartTime  *time.Time `json:"start_time,omitempty"`
	FinishTime *time.Time `json:"finish_time,omitempty"`
}

// Clone 回傳可安全交給外部的拷貝
func (r *CallReport) Clone() CallReport {
	out := *r
	out.Tags = slices.Clone(r.Tags)
	out.Reasons = slices.Clone(r.Reasons)
	if r.DependencyFailures != nil {
		out.DependencyFailures = make(map[TaskID]DependencyFailure, len(r.DependencyFailures))
		for id, f := range r.DependencyFailures {
			f.Expected = slices.Clone(f.Expected)
			out.DependencyFailures[id] = f
		}
	}
	if r.StartTime != nil {
		t := *r.StartTime
		out.StartTime = &t
	}
	if r.FinishTime != nil {
		t := *r.FinishTime
		out.FinishTime = &t
	}
	return out
}

// QueuedCall 可持久化的 CallRequest 記錄
//
// 只保存操作名稱與可序列化的參數，從不保存閉包。
type QueuedCall struct {
	TaskID        TaskID                 `json:"task_id"`
	Operation     string                 `json:"operation"`
	Args          json.RawMessage        `json:"args,omitempty"`
	Kwargs        json.RawMessage        `json:"kwargs,omitempty"`
	Resources     Resources              `json:"resources,omitempty"`
	Weight        int                    `json:"weight"`
	Tags          []string               `json:"tags,omitempty"`
	Archive       bool                   `json:"archive"`
	Principal     string                 `json:"principal,omitempty"`
	JobID         string                 `json:"job_id,omitempty"`
	ScheduleID    string                 `json:"schedule_id,omitempty"`
	TimeoutMs     int64                  `json:"timeout_ms,omitempty"`
	ObfuscateArgs bool                   `json:"obfuscate_args,omitempty"`
	Dependencies  map[TaskID][]CallState `json:"dependencies,omitempty"`
	Hooks         map[HookEvent][]string `json:"hooks,omitempty"`
	ControlHooks  map[ControlKind]string `json:"control_hooks,omitempty"`
	EnqueuedAt    time.Time              `json:"enqueued_at"`
}

// ArchivedCall 歷史歸檔記錄
type ArchivedCall struct {
	Request    QueuedCall `json:"request"`
	Report     CallReport `json:"report"`
	ArchivedAt time.Time  `json:"archived_at"`
}

// Criteria 查詢條件（零值欄位不參與比對）
type Criteria struct {
	TaskIDs    []TaskID    `json:"task_ids,omitempty"`
	JobID      string      `json:"job_id,omitempty"`
	ScheduleID string      `json:"schedule_id,omitempty"`
	States     []CallState `json:"states,omitempty"`
	Operation  string      `json:"operation,omitempty"`
	Tags       []string    `json:"tags,omitempty"` // 報告的標籤必須是其超集
}

// Match 判斷報告是否符合查詢條件
func (c Criteria) Match(r *CallReport) bool {
	if len(c.TaskIDs) > 0 && !slices.Contains(c.TaskIDs, r.TaskID) {
		return false
	}
	if c.JobID != "" && c.JobID != r.JobID {
		return false
	}
	if c.ScheduleID != "" && c.ScheduleID != r.ScheduleID {
		return false
	}
	if len(c.States) > 0 && !slices.Contains(c.States, r.State) {
		return false
	}
	if c.Operation != "" && c.Operation != r.Operation {
		return false
	}
	for _, tag := range c.Tags {
		if !slices.Contains(r.Tags, tag) {
			return false
		}
	}
	return true
}
