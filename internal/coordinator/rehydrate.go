package coordinator

// ============================================================================
// 重啟還原
// 職責：
// 1. 從 queue store 讀出上次未完成的記錄，依入隊時間排序
// 2. 無法還原的記錄記錄後跳過，不中斷啟動（記錄留在 store 中）
// 3. 沒有群組的請求逐一提交；同群組的請求以原群組識別碼一起提交
// 4. 重新入隊會寫入新記錄，成功後才刪除舊記錄
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/internal/storage"
)

// RehydrateResult 還原統計
type RehydrateResult struct {
	Restored int
	Rejected int
	Skipped  int
	Elapsed  time.Duration
}

// Rehydrate 還原上次未完成的請求，必須在調度循環啟動前呼叫
func (c *Coordinator) Rehydrate(ctx context.Context) (RehydrateResult, error) {
	var result RehydrateResult
	if c.store == nil {
		return result, nil
	}
	start := time.Now()

	pending, err := c.store.ListPending(ctx)
	if err != nil {
		return result, fmt.Errorf("coordinator: list pending calls: %w", err)
	}
	slices.SortStableFunc(pending, func(a, b storage.Pending) int {
		return a.Call.EnqueuedAt.Compare(b.Call.EnqueuedAt)
	})

	type restorable struct {
		storeID string
		req     *call.CallRequest
	}
	var calls []restorable
	for _, p := range pending {
		if p.Err != nil {
			result.Skipped++
			log.Error("Skipping unreadable queued call", "store_id", p.StoreID, "error", p.Err)
			continue
		}
		req, err := call.Deserialize(c.reg, p.Call)
		if err != nil {
			result.Skipped++
			log.Error("Skipping queued call that cannot be restored",
				"store_id", p.StoreID,
				"task_id", p.Call.TaskID,
				"operation", p.Call.Operation,
				"error", err)
			continue
		}
		calls = append(calls, restorable{storeID: p.StoreID, req: req})
	}

	for len(calls) > 0 {
		head := calls[0]
		jobID := head.req.JobID()

		var batch []restorable
		if jobID == "" {
			batch, calls = calls[:1], calls[1:]
		} else {
			for _, rc := range calls {
				if rc.req.JobID() == jobID {
					batch = append(batch, rc)
				}
			}
			calls = slices.DeleteFunc(calls, func(rc restorable) bool { return rc.req.JobID() == jobID })
		}

		reqs := make([]*call.CallRequest, 0, len(batch))
		for _, rc := range batch {
			reqs = append(reqs, rc.req)
		}

		var err error
		if jobID == "" {
			_, err = c.submitOne(ctx, reqs[0], false)
		} else {
			_, err = c.submitGroup(reqs, jobID)
		}

		switch {
		case err == nil:
			result.Restored += len(batch)
		case errors.Is(err, ErrRejected):
			result.Rejected += len(batch)
			log.Warn("Restored call rejected", "task_id", head.req.ID(), "job_id", jobID)
		default:
			result.Skipped += len(batch)
			log.Error("Cannot restore queued call", "task_id", head.req.ID(), "job_id", jobID, "error", err)
			continue
		}

		// 成功入隊的請求已有新記錄；被拒絕的請求永遠不會執行
		for _, rc := range batch {
			if err := c.store.Remove(ctx, rc.storeID); err != nil {
				log.Error("Failed to remove restored queued call", "store_id", rc.storeID, "error", err)
			}
		}
	}

	result.Elapsed = time.Since(start)
	c.metrics.RecordRehydrate(result.Elapsed, result.Skipped)
	log.Info("Rehydration complete",
		"restored", result.Restored,
		"rejected", result.Rejected,
		"skipped", result.Skipped,
		"elapsed", result.Elapsed)
	return result, nil
}
