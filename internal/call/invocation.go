package call

import (
	"context"

	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// Invocation 傳給工作單元的執行參數
//
// Progress 可在執行期間多次呼叫；Succeed / Fail 只對非同步操作有效，
// 且只有第一次呼叫會生效。
type Invocation struct {
	TaskID    types.TaskID
	JobID     string
	Principal string
	Operation string
	Args      []any
	Kwargs    map[string]any

	progress func(any)
	succeed  func(any)
	fail     func(error)
}

// Callbacks Task 提供給 Invocation 的回呼
type Callbacks struct {
	Progress func(any)
	Succeed  func(any)
	Fail     func(error)
}

// NewInvocation 由請求建立 Invocation；參數是拷貝，工作單元可自由修改
func NewInvocation(req *CallRequest, cb Callbacks) *Invocation {
	inv := &Invocation{
		TaskID:    req.ID(),
		JobID:     req.JobID(),
		Principal: req.Principal(),
		Operation: req.Operation(),
		Args:      req.Args(),
		Kwargs:    req.Kwargs(),
		progress:  cb.Progress,
	}
	if req.Async() {
		inv.succeed = cb.Succeed
		inv.fail = cb.Fail
	}
	return inv
}

// Progress 回報進度，內容會複製到 CallReport.Progress
func (inv *Invocation) Progress(v any) {
	if inv.progress != nil {
		inv.progress(v)
	}
}

// Succeed 非同步操作的成功完成訊號
func (inv *Invocation) Succeed(result any) error {
	if inv.succeed == nil {
		return ErrNotAsync
	}
	inv.succeed(result)
	return nil
}

// Fail 非同步操作的失敗完成訊號
func (inv *Invocation) Fail(err error) error {
	if inv.fail == nil {
		return ErrNotAsync
	}
	inv.fail(err)
	return nil
}

// ============================================================================
// 執行 context：讓巢狀操作得知自己在哪個 task / job 之下
// ============================================================================

type ctxKey int

const (
	taskIDKey ctxKey = iota
	jobIDKey
	principalKey
)

// WithTask 將任務身分放入 context
func WithTask(ctx context.Context, taskID types.TaskID, jobID, principal string) context.Context {
	ctx = context.WithValue(ctx, taskIDKey, taskID)
	ctx = context.WithValue(ctx, jobIDKey, jobID)
	return context.WithValue(ctx, principalKey, principal)
}

// TaskIDFromContext 取得目前執行中的任務識別碼
func TaskIDFromContext(ctx context.Context) (types.TaskID, bool) {
	id, ok := ctx.Value(taskIDKey).(types.TaskID)
	return id, ok
}

// JobIDFromContext 取得目前執行中的群組識別碼
func JobIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(jobIDKey).(string)
	return id, ok && id != ""
}

// PrincipalFromContext 取得發起者
func PrincipalFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey).(string)
	return p, ok && p != ""
}
