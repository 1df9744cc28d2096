package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL WAL 中有無法解析的行（通常是崩潰時寫到一半的尾端）
	ErrCorruptedWAL = errors.New("wal: corrupted log")
	// ErrChecksumMismatch 事件的 checksum 不符
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	// ErrWALClosed WAL 已關閉
	ErrWALClosed = errors.New("wal: closed")
)

// ChecksumError 指出哪個事件 checksum 不符
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq %d: expected %08x, got %08x", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError 指出第幾行無法解析
type CorruptionError struct {
	Line int
	Err  error
}

func (e *CorruptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("wal: corrupted log at line %d", e.Line)
	}
	return fmt.Sprintf("wal: corrupted log at line %d: %v", e.Line, e.Err)
}

func (e *CorruptionError) Unwrap() error { return ErrCorruptedWAL }

// IsDamaged 判斷 Replay 的錯誤是否來自日誌內容本身（而不是 I/O 或 handler）
func IsDamaged(err error) bool {
	return errors.Is(err, ErrCorruptedWAL) || errors.Is(err, ErrChecksumMismatch)
}
