package call

// ============================================================================
// 序列化
// 職責：
// 1. CallRequest -> types.QueuedCall（操作名稱 + JSON 參數 + hook 名稱）
// 2. types.QueuedCall -> CallRequest（透過 Registry 重建可執行的請求）
// 3. 任何無法編碼/解碼的欄位都以 SerializationError 回報，不默默丟棄
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// Serialize 產生可持久化的記錄
func (r *CallRequest) Serialize() (types.QueuedCall, error) {
	var fields []string
	var errs []error

	args, err := json.Marshal(r.args)
	if err != nil {
		fields = append(fields, "args")
		errs = append(errs, err)
	}
	kwargs, err := json.Marshal(r.kwargs)
	if err != nil {
		fields = append(fields, "kwargs")
		errs = append(errs, err)
	}
	if len(fields) > 0 {
		return types.QueuedCall{}, &SerializationError{Fields: fields, Err: errors.Join(errs...)}
	}

	rec := types.QueuedCall{
		TaskID:        r.id,
		Operation:     r.def.Name,
		Args:          args,
		Kwargs:        kwargs,
		Resources:     r.resources.Clone(),
		Weight:        r.weight,
		Tags:          r.Tags(),
		Archive:       r.archive,
		Principal:     r.principal,
		JobID:         r.jobID,
		ScheduleID:    r.scheduleID,
		TimeoutMs:     r.timeout.Milliseconds(),
		ObfuscateArgs: r.obfuscate,
		EnqueuedAt:    r.enqueuedAt,
	}
	if len(r.dependencies) > 0 {
		rec.Dependencies = r.Dependencies()
	}
	if hooks := r.HookNames(); len(hooks) > 0 {
		rec.Hooks = hooks
	}
	if len(r.controls) > 0 {
		rec.ControlHooks = make(map[types.ControlKind]string, len(r.controls))
		for kind, c := range r.controls {
			rec.ControlHooks[kind] = c.name
		}
	}
	return rec, nil
}

// Deserialize 由記錄重建請求，是 Serialize 的逆運算
func Deserialize(reg *Registry, rec types.QueuedCall) (*CallRequest, error) {
	var fields []string
	var errs []error
	fail := func(field string, err error) {
		fields = append(fields, field)
		errs = append(errs, err)
	}

	def, ok := reg.Lookup(rec.Operation)
	if !ok {
		fail("operation", fmt.Errorf("%w: %s", ErrUnknownOperation, rec.Operation))
	}

	args := []any{}
	if len(rec.Args) > 0 {
		if err := json.Unmarshal(rec.Args, &args); err != nil {
			fail("args", err)
		}
	}
	kwargs := map[string]any{}
	if len(rec.Kwargs) > 0 {
		if err := json.Unmarshal(rec.Kwargs, &kwargs); err != nil {
			fail("kwargs", err)
		}
	}

	req := &CallRequest{
		id:           rec.TaskID,
		def:          def,
		registry:     reg,
		args:         args,
		kwargs:       kwargs,
		resources:    rec.Resources.Clone(),
		weight:       rec.Weight,
		tags:         append([]string(nil), rec.Tags...),
		archive:      rec.Archive,
		principal:    rec.Principal,
		jobID:        rec.JobID,
		scheduleID:   rec.ScheduleID,
		timeout:      time.Duration(rec.TimeoutMs) * time.Millisecond,
		obfuscate:    rec.ObfuscateArgs,
		dependencies: make(map[types.TaskID][]types.CallState),
		hooks:        make(map[types.HookEvent][]namedHook),
		controls:     make(map[types.ControlKind]namedControl),
		enqueuedAt:   rec.EnqueuedAt,
	}
	if req.resources == nil {
		req.resources = make(types.Resources)
	}
	for id, states := range rec.Dependencies {
		req.setDependency(id, states)
	}
	for event := range rec.Hooks {
		if !slices.Contains(types.HookEvents, event) {
			fail(fmt.Sprintf("hooks.%s", event), ErrInvalidRequest)
		}
	}
	for _, event := range types.HookEvents {
		for _, name := range rec.Hooks[event] {
			if err := req.AddHook(event, name); err != nil {
				fail(fmt.Sprintf("hooks.%s", event), err)
			}
		}
	}
	for kind, name := range rec.ControlHooks {
		if err := req.SetControlHook(kind, name); err != nil {
			fail(fmt.Sprintf("control_hooks.%s", kind), err)
		}
	}
	if rec.TaskID == "" {
		fail("task_id", errors.New("empty task id"))
	}

	if len(fields) > 0 {
		return nil, &SerializationError{Fields: fields, Err: errors.Join(errs...)}
	}
	return req, nil
}
