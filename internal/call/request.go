// ============================================================================
// Beaver-Dispatch CallRequest - 工作單元描述
// ============================================================================
//
// Package: internal/call
// 文件: request.go
// 功能: 描述一個待執行的操作：操作名稱、參數、資源宣告、生命週期 hook、排程屬性
//
// 不可變性:
//   resources / tags / weight / archive 建立後永不改變。
//   hook 與依賴只能在所屬 Task 離開 WAITING 之前追加（Freeze 之後回傳 ErrRequestFrozen）。
//
// 參數正規化:
//   args / kwargs 在建立時經過一次 JSON 往返，確保請求一定能被持久化，
//   且 Serialize -> Deserialize 後與原請求相等。
//
// ============================================================================

package call

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

type namedHook struct {
	name string
	fn   HookFunc
}

type namedControl struct {
	name string
	fn   ControlFunc
}

// CallRequest 一個操作的描述
type CallRequest struct {
	id         types.TaskID
	def        *Definition
	registry   *Registry
	args       []any
	kwargs     map[string]any
	resources  types.Resources
	weight     int
	tags       []string
	archive    bool
	principal  string
	jobID      string
	scheduleID string
	timeout    time.Duration
	obfuscate  bool

	dependencies map[types.TaskID][]types.CallState
	hooks        map[types.HookEvent][]namedHook
	controls     map[types.ControlKind]namedControl

	frozen     bool
	enqueuedAt time.Time
}

// builder 收集 Option 設定，由 NewCallRequest 統一驗證
type builder struct {
	req       *CallRequest
	hookNames map[types.HookEvent][]string
	controls  map[types.ControlKind]string
}

// Option 設定 CallRequest
type Option func(*builder)

// WithID 預先指定識別碼（群組內的依賴引用需要）
func WithID(id types.TaskID) Option {
	return func(b *builder) { b.req.id = id }
}

// WithArgs 設定位置參數
func WithArgs(args ...any) Option {
	return func(b *builder) { b.req.args = args }
}

// WithKwargs 設定關鍵字參數
func WithKwargs(kwargs map[string]any) Option {
	return func(b *builder) { b.req.kwargs = kwargs }
}

// WithResource 宣告對資源的操作
func WithResource(resourceType, resourceID string, op types.Operation) Option {
	return func(b *builder) { b.req.resources.Add(resourceType, resourceID, op) }
}

func CreatesResource(resourceType, resourceID string) Option {
	return WithResource(resourceType, resourceID, types.OpCreate)
}

func ReadsResource(resourceType, resourceID string) Option {
	return WithResource(resourceType, resourceID, types.OpRead)
}

func UpdatesResource(resourceType, resourceID string) Option {
	return WithResource(resourceType, resourceID, types.OpUpdate)
}

func DeletesResource(resourceType, resourceID string) Option {
	return WithResource(resourceType, resourceID, types.OpDelete)
}

func ExecutesResource(resourceType, resourceID string) Option {
	return WithResource(resourceType, resourceID, types.OpExecute)
}

// WithWeight 設定並發預算成本（預設 1，可為 0）
func WithWeight(weight int) Option {
	return func(b *builder) { b.req.weight = weight }
}

// WithTags 追加標籤
func WithTags(tags ...string) Option {
	return func(b *builder) { b.req.tags = append(b.req.tags, tags...) }
}

// WithArchive 完成後寫入歷史
func WithArchive() Option {
	return func(b *builder) { b.req.archive = true }
}

// WithPrincipal 設定發起者
func WithPrincipal(login string) Option {
	return func(b *builder) { b.req.principal = login }
}

// WithTimeout 執行超時，超時後走取消流程（0 表示不限）
func WithTimeout(d time.Duration) Option {
	return func(b *builder) { b.req.timeout = d }
}

// WithObfuscatedArgs 對外顯示時遮蔽參數
func WithObfuscatedArgs() Option {
	return func(b *builder) { b.req.obfuscate = true }
}

// WithScheduleID 記錄觸發此請求的排程
func WithScheduleID(id string) Option {
	return func(b *builder) { b.req.scheduleID = id }
}

// DependsOn 宣告阻塞任務；blocker 以 states 以外的狀態結束時，本任務會被 SKIPPED
// 未指定 states 時接受任何終止狀態。
func DependsOn(id types.TaskID, states ...types.CallState) Option {
	return func(b *builder) { b.req.setDependency(id, states) }
}

// WithHook 掛上已註冊的生命週期 hook
func WithHook(event types.HookEvent, name string) Option {
	return func(b *builder) { b.hookNames[event] = append(b.hookNames[event], name) }
}

// WithControlHook 設定已註冊的控制 hook
func WithControlHook(kind types.ControlKind, name string) Option {
	return func(b *builder) { b.controls[kind] = name }
}

// NewCallRequest 建立請求並驗證
func NewCallRequest(reg *Registry, operation string, opts ...Option) (*CallRequest, error) {
	def, ok := reg.Lookup(operation)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}

	b := &builder{
		req: &CallRequest{
			def:          def,
			registry:     reg,
			resources:    make(types.Resources),
			weight:       1,
			dependencies: make(map[types.TaskID][]types.CallState),
			hooks:        make(map[types.HookEvent][]namedHook),
			controls:     make(map[types.ControlKind]namedControl),
		},
		hookNames: make(map[types.HookEvent][]string),
		controls:  make(map[types.ControlKind]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	req := b.req

	if req.weight < 0 {
		return nil, fmt.Errorf("%w: negative weight %d", ErrInvalidRequest, req.weight)
	}
	if req.timeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout %s", ErrInvalidRequest, req.timeout)
	}
	if err := validateResources(req.resources); err != nil {
		return nil, err
	}
	if err := req.normalizeArgs(); err != nil {
		return nil, err
	}
	if def.Validate != nil {
		if err := def.Validate(req.args, req.kwargs); err != nil {
			return nil, fmt.Errorf("%s: %w", operation, err)
		}
	}

	for event := range b.hookNames {
		if !slices.Contains(types.HookEvents, event) {
			return nil, fmt.Errorf("%w: hook event %q", ErrInvalidRequest, event)
		}
	}
	for _, event := range types.HookEvents {
		for _, name := range b.hookNames[event] {
			if err := req.AddHook(event, name); err != nil {
				return nil, err
			}
		}
	}
	for kind, name := range b.controls {
		if err := req.SetControlHook(kind, name); err != nil {
			return nil, err
		}
	}

	if req.id == "" {
		req.id = types.TaskID(uuid.NewString())
	}
	return req, nil
}

func validateResources(resources types.Resources) error {
	for typ, ids := range resources {
		for id, ops := range ids {
			for _, op := range ops {
				switch op {
				case types.OpCreate, types.OpRead, types.OpUpdate, types.OpDelete, types.OpExecute:
				default:
					return fmt.Errorf("%w: operation %q on %s:%s", ErrInvalidRequest, op, typ, id)
				}
			}
		}
	}
	return nil
}

// normalizeArgs 將參數經過一次 JSON 往返
func (r *CallRequest) normalizeArgs() error {
	var fields []string
	var firstErr error

	if r.args == nil {
		r.args = []any{}
	}
	raw, err := json.Marshal(r.args)
	if err == nil {
		normalized := []any{}
		err = json.Unmarshal(raw, &normalized)
		r.args = normalized
	}
	if err != nil {
		fields = append(fields, "args")
		firstErr = err
	}

	if r.kwargs == nil {
		r.kwargs = map[string]any{}
	}
	raw, err = json.Marshal(r.kwargs)
	if err == nil {
		normalized := map[string]any{}
		err = json.Unmarshal(raw, &normalized)
		r.kwargs = normalized
	}
	if err != nil {
		fields = append(fields, "kwargs")
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(fields) > 0 {
		return &SerializationError{Fields: fields, Err: firstErr}
	}
	return nil
}

func (r *CallRequest) setDependency(id types.TaskID, states []types.CallState) {
	if len(states) == 0 {
		states = types.CompleteStates
	}
	r.dependencies[id] = slices.Clone(states)
}

// ============================================================================
// 唯讀存取
// ============================================================================

func (r *CallRequest) ID() types.TaskID { return r.id }
func (r *CallRequest) Operation() string { return r.def.Name }
func (r *CallRequest) Definition() *Definition { return r.def }
func (r *CallRequest) Async() bool { return r.def.Async }
func (r *CallRequest) Weight() int { return r.weight }
func (r *CallRequest) Archive() bool { return r.archive }
func (r *CallRequest) Principal() string { return r.principal }
func (r *CallRequest) JobID() string { return r.jobID }
func (r *CallRequest) ScheduleID() string { return r.scheduleID }
func (r *CallRequest) Timeout() time.Duration { return r.timeout }
func (r *CallRequest) ObfuscateArgs() bool { return r.obfuscate }
func (r *CallRequest) EnqueuedAt() time.Time { return r.enqueuedAt }
func (r *CallRequest) Frozen() bool { return r.frozen }
func (r *CallRequest) Tags() []string { return slices.Clone(r.tags) }
func (r *CallRequest) Resources() types.Resources { return r.resources.Clone() }

// Args 回傳位置參數的拷貝
func (r *CallRequest) Args() []any {
	return slices.Clone(r.args)
}

// Kwargs 回傳關鍵字參數的拷貝
func (r *CallRequest) Kwargs() map[string]any {
	out := make(map[string]any, len(r.kwargs))
	for k, v := range r.kwargs {
		out[k] = v
	}
	return out
}

// Dependencies 回傳阻塞任務與可接受的結束狀態
func (r *CallRequest) Dependencies() map[types.TaskID][]types.CallState {
	out := make(map[types.TaskID][]types.CallState, len(r.dependencies))
	for id, states := range r.dependencies {
		out[id] = slices.Clone(states)
	}
	return out
}

// BlockingTaskIDs 回傳阻塞任務識別碼（排序）
func (r *CallRequest) BlockingTaskIDs() []types.TaskID {
	ids := make([]types.TaskID, 0, len(r.dependencies))
	for id := range r.dependencies {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Hooks 回傳某事件的 hook 函式（依加入順序）
func (r *CallRequest) Hooks(event types.HookEvent) []HookFunc {
	fns := make([]HookFunc, 0, len(r.hooks[event]))
	for _, h := range r.hooks[event] {
		fns = append(fns, h.fn)
	}
	return fns
}

// HookNames 回傳所有 hook 名稱
func (r *CallRequest) HookNames() map[types.HookEvent][]string {
	out := make(map[types.HookEvent][]string, len(r.hooks))
	for event, hooks := range r.hooks {
		for _, h := range hooks {
			out[event] = append(out[event], h.name)
		}
	}
	return out
}

// ControlHook 回傳控制 hook，未設定時為 nil
func (r *CallRequest) ControlHook(kind types.ControlKind) ControlFunc {
	return r.controls[kind].fn
}

// Signature 唯一性比對用的身分：操作名稱 + args + kwargs
func (r *CallRequest) Signature() string {
	args, _ := json.Marshal(r.args)
	kwargs, _ := json.Marshal(r.kwargs) // map key 已排序
	return r.def.Name + "|" + string(args) + "|" + string(kwargs)
}

func (r *CallRequest) String() string {
	if r.obfuscate {
		return fmt.Sprintf("%s(****, ****)", r.def.Name)
	}
	args, _ := json.Marshal(r.args)
	kwargs, _ := json.Marshal(r.kwargs)
	return fmt.Sprintf("%s(%s, %s)", r.def.Name, strings.Trim(string(args), "[]"), string(kwargs))
}

// ============================================================================
// 受限的修改（只允許在 WAITING 期間）
// ============================================================================

// AddHook 追加已註冊的生命週期 hook
func (r *CallRequest) AddHook(event types.HookEvent, name string) error {
	if r.frozen {
		return ErrRequestFrozen
	}
	if !slices.Contains(types.HookEvents, event) {
		return fmt.Errorf("%w: hook event %q", ErrInvalidRequest, event)
	}
	fn, ok := r.registry.Hook(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHook, name)
	}
	r.hooks[event] = append(r.hooks[event], namedHook{name: name, fn: fn})
	return nil
}

// SetControlHook 設定已註冊的控制 hook（每種控制最多一個）
func (r *CallRequest) SetControlHook(kind types.ControlKind, name string) error {
	if r.frozen {
		return ErrRequestFrozen
	}
	if kind != types.ControlCancel {
		return fmt.Errorf("%w: control %q", ErrInvalidRequest, kind)
	}
	fn, ok := r.registry.ControlHook(name)
	if !ok {
		return fmt.Errorf("%w: control %s", ErrUnknownHook, name)
	}
	r.controls[kind] = namedControl{name: name, fn: fn}
	return nil
}

// AddDependency 加入阻塞任務；已宣告的依賴保留原本（可能更嚴格）的狀態集合
func (r *CallRequest) AddDependency(id types.TaskID, states ...types.CallState) error {
	if r.frozen {
		return ErrRequestFrozen
	}
	if _, exists := r.dependencies[id]; exists {
		return nil
	}
	r.setDependency(id, states)
	return nil
}

// RemoveDependency 移除阻塞任務（blocker 已以可接受的狀態結束，或不在佇列中）
func (r *CallRequest) RemoveDependency(id types.TaskID) error {
	if r.frozen {
		return ErrRequestFrozen
	}
	delete(r.dependencies, id)
	return nil
}

// AssignJob 設定群組識別碼
func (r *CallRequest) AssignJob(jobID string) error {
	if r.frozen {
		return ErrRequestFrozen
	}
	r.jobID = jobID
	return nil
}

// MarkEnqueued 記錄首次入隊時間（已設定時保留原值，重建時沿用持久化的時間）
func (r *CallRequest) MarkEnqueued(t time.Time) {
	if r.enqueuedAt.IsZero() {
		r.enqueuedAt = t
	}
}

// Freeze 由 Task 在離開 WAITING 時呼叫
func (r *CallRequest) Freeze() {
	r.frozen = true
}
