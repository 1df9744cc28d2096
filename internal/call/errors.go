package call

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownOperation 操作名稱未註冊
	ErrUnknownOperation = errors.New("call: unknown operation")
	// ErrDuplicateOperation 操作名稱重複註冊
	ErrDuplicateOperation = errors.New("call: operation already registered")
	// ErrUnknownHook 生命週期 hook 或控制 hook 名稱未註冊
	ErrUnknownHook = errors.New("call: unknown hook")
	// ErrInvalidArguments 參數與操作宣告不符
	ErrInvalidArguments = errors.New("call: invalid arguments")
	// ErrInvalidRequest 請求欄位不合法（weight、資源操作、hook 事件）
	ErrInvalidRequest = errors.New("call: invalid request")
	// ErrRequestFrozen 任務已離開 WAITING，不能再修改 hook 或依賴
	ErrRequestFrozen = errors.New("call: request is frozen")
	// ErrNotAsync 同步操作不能透過外部事件完成
	ErrNotAsync = errors.New("call: operation is not asynchronous")
)

// SerializationError 無法編碼或解碼的欄位清單
type SerializationError struct {
	Fields []string
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("call: cannot serialize fields [%s]: %v", strings.Join(e.Fields, ", "), e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// PanicError 工作單元發生 panic 時的錯誤，保留堆疊
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Traceback 回傳 panic 當下的 goroutine 堆疊
func (e *PanicError) Traceback() string {
	return string(e.Stack)
}
