package taskqueue

import (
	"github.com/ChuLiYu/beaver-dispatch/internal/task"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// Tx 在 dispatcher 鎖內操作佇列，讓准入判斷與入隊成為一個原子步驟
//
// Tx 只在 Atomic 的回呼期間有效，不可保存。
type Tx struct {
	q *Queue
}

// Atomic 持有 dispatcher 鎖執行 fn
func (q *Queue) Atomic(fn func(tx *Tx) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fn(&Tx{q: q})
}

// Active 回傳所有未完成任務：先 running，再依入隊順序的 waiting
func (tx *Tx) Active() []*task.Task {
	return tx.q.activeLocked()
}

// Lookup 取得仍在記憶體中的任務
func (tx *Tx) Lookup(id types.TaskID) (*task.Task, bool) {
	t, ok := tx.q.index[id]
	return t, ok
}

// Enqueue 同 Queue.Enqueue
func (tx *Tx) Enqueue(t *task.Task, unique bool) error {
	return tx.q.enqueueLocked(t, unique)
}

// Dequeue 同 Queue.Dequeue
func (tx *Tx) Dequeue(id types.TaskID) error {
	return tx.q.dequeueLocked(id)
}
