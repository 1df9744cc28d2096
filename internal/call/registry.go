// ============================================================================
// Beaver-Dispatch 操作註冊表
// ============================================================================
//
// Package: internal/call
// 文件: registry.go
// 功能: 以穩定的操作名稱對應工作單元函式、生命週期 hook 與控制 hook
//
// 設計理念:
//   持久化的記錄只保存名稱與可序列化的參數，重啟後透過註冊表重建可執行的請求。
//   註冊表由呼叫端建立並注入，不存在套件層級的全域實例。
//
// 名稱空間:
//   - operations: 操作名稱 -> Definition（函式、是否非同步、參數驗證器）
//   - hooks:      hook 名稱 -> HookFunc（enqueue/dequeue/run/success/failure/cancel/complete）
//   - controls:   控制 hook 名稱 -> ControlFunc（目前只有 cancel）
//
// ============================================================================

package call

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// ContextCancelHook 內建的取消控制 hook：只依賴任務 context 的取消
const ContextCancelHook = "dispatch.context_cancel"

// Func 工作單元
//
// 同步操作以回傳值作為完成訊號；非同步操作回傳後仍保持 RUNNING，
// 直到 inv.Succeed 或 inv.Fail 被呼叫。
type Func func(ctx context.Context, inv *Invocation) (any, error)

// HookFunc 生命週期 hook，在 dispatcher 鎖內執行，不可回呼 dispatcher
type HookFunc func(req *CallRequest, report *types.CallReport)

// ControlFunc 控制 hook，要求執行中的操作協作式中斷
type ControlFunc func(req *CallRequest, report *types.CallReport) error

// Validator 建立請求時檢查參數
type Validator func(args []any, kwargs map[string]any) error

// Definition 已註冊的操作
type Definition struct {
	Name     string
	Func     Func
	Async    bool
	Validate Validator
}

// DefinitionOption 設定 Definition
type DefinitionOption func(*Definition)

// Async 標記操作為非同步（由外部事件完成）
func Async() DefinitionOption {
	return func(d *Definition) { d.Async = true }
}

// WithValidator 加入參數驗證器；多個驗證器依加入順序執行，第一個錯誤即返回
func WithValidator(v Validator) DefinitionOption {
	return func(d *Definition) {
		prev := d.Validate
		if prev == nil {
			d.Validate = v
			return
		}
		d.Validate = func(args []any, kwargs map[string]any) error {
			if err := prev(args, kwargs); err != nil {
				return err
			}
			return v(args, kwargs)
		}
	}
}

// Registry 操作、hook 與控制 hook 的名稱註冊表
type Registry struct {
	mu       sync.RWMutex
	ops      map[string]*Definition
	hooks    map[string]HookFunc
	controls map[string]ControlFunc
}

// NewRegistry 建立註冊表，並預先註冊 ContextCancelHook
func NewRegistry() *Registry {
	r := &Registry{
		ops:      make(map[string]*Definition),
		hooks:    make(map[string]HookFunc),
		controls: make(map[string]ControlFunc),
	}
	r.controls[ContextCancelHook] = func(*CallRequest, *types.CallReport) error { return nil }
	return r
}

// Register 註冊操作
func (r *Registry) Register(name string, fn Func, opts ...DefinitionOption) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: operation needs a name and a func", ErrInvalidRequest)
	}

	def := &Definition{Name: name, Func: fn}
	for _, opt := range opts {
		opt(def)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, name)
	}
	r.ops[name] = def
	return nil
}

// MustRegister 同 Register，失敗時 panic（用於程式啟動時的靜態註冊）
func (r *Registry) MustRegister(name string, fn Func, opts ...DefinitionOption) {
	if err := r.Register(name, fn, opts...); err != nil {
		panic(err)
	}
}

// RegisterTyped 註冊以 T 作為關鍵字參數結構的操作
//
// kwargs 透過 JSON 解碼成 T；建立請求時若 kwargs 含有 T 不認識的欄位或型別不符即拒絕。
func RegisterTyped[T any](r *Registry, name string, fn func(ctx context.Context, inv *Invocation, in T) (any, error), opts ...DefinitionOption) error {
	wrapped := func(ctx context.Context, inv *Invocation) (any, error) {
		in, err := decodeKwargs[T](inv.Kwargs)
		if err != nil {
			return nil, err
		}
		return fn(ctx, inv, in)
	}
	validate := func(_ []any, kwargs map[string]any) error {
		_, err := decodeKwargs[T](kwargs)
		return err
	}
	return r.Register(name, wrapped, append([]DefinitionOption{WithValidator(validate)}, opts...)...)
}

func decodeKwargs[T any](kwargs map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(kwargs)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return out, nil
}

// Lookup 取得已註冊的操作
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.ops[name]
	return def, ok
}

// Operations 回傳所有已註冊的操作名稱（排序）
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// RegisterHook 註冊生命週期 hook
func (r *Registry) RegisterHook(name string, fn HookFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: hook needs a name and a func", ErrInvalidRequest)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[name]; exists {
		return fmt.Errorf("%w: hook %s", ErrDuplicateOperation, name)
	}
	r.hooks[name] = fn
	return nil
}

// RegisterControlHook 註冊控制 hook
func (r *Registry) RegisterControlHook(name string, fn ControlFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: control hook needs a name and a func", ErrInvalidRequest)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.controls[name]; exists {
		return fmt.Errorf("%w: control hook %s", ErrDuplicateOperation, name)
	}
	r.controls[name] = fn
	return nil
}

// Hook 取得生命週期 hook
func (r *Registry) Hook(name string) (HookFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.hooks[name]
	return fn, ok
}

// ControlHook 取得控制 hook
func (r *Registry) ControlHook(name string) (ControlFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.controls[name]
	return fn, ok
}
