// ============================================================================
// Beaver-Dispatch Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和工作分發
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發工作
//   3. 通過結果 channel 收集執行結果
//
// 架構組件:
//   ┌─────────────┐
//   │  Archiver   │ --Submit()/TrySubmit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(ctx, task) / TrySubmit(task) - 提交工作
//   4. ReceiveResult(ctx) - 讀取結果
//   5. Stop() - 不再接受新工作，等待已排入的工作全部完成
//
// 並發控制:
//   - Submit 在讀鎖內送出，Stop 先關閉 stopCh 喚醒阻塞中的 Submit，
//     再取得寫鎖關閉 taskCh，因此不會向已關閉的 channel 送資料
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新工作
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交工作
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull 表示任務緩衝已滿（只有 TrySubmit 會回傳）
	ErrPoolFull = errors.New("worker pool is full")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker      // 所有啟動的 Worker
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	stopCh   chan struct{}  // 停止訊號
	wg       sync.WaitGroup // 等待所有 Worker 完成
	started  bool
	stopped  bool
	mu       sync.RWMutex // 保護 started / stopped 與 taskCh 的關閉
	stopOnce sync.Once
	dropped  atomic.Int64 // 因結果通道已滿而丟棄的結果數
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, &p.dropped)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交工作，緩衝已滿時阻塞直到有空位、ctx 結束或 Pool 關閉
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 提交工作，緩衝已滿時立即回傳 ErrPoolFull
func (p *Pool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// ReceiveResult 從結果通道接收執行結果
//
// Stop 之後仍可讀出剩餘的結果，讀完後回傳 ErrPoolClosed。
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 關閉 stopCh，喚醒阻塞中的 Submit
//  2. 取得寫鎖，標記 stopped 並關閉 taskCh
//  3. Worker 處理完緩衝中的工作後退出
//  4. 關閉 resultCh
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		p.stopped = true
		started := p.started
		close(p.taskCh)
		p.mu.Unlock()

		if started {
			p.wg.Wait()
		}
		close(p.resultCh)
	})
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Pending 返回緩衝中尚未被 Worker 取走的工作數
func (p *Pool) Pending() int {
	return len(p.taskCh)
}

// Dropped 返回因結果通道已滿而丟棄的結果數
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}
