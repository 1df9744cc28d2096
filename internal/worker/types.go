package worker

import (
	"context"
	"time"
)

// Task 代表要執行的工作
type Task struct {
	ID      string                          // 工作識別碼（記錄與結果對應用）
	Run     func(ctx context.Context) error // 實際執行的函式
	Timeout time.Duration                   // 執行超時時間；<= 0 表示不限
}

// Result 代表工作執行結果
type Result struct {
	ID       string        // 工作識別碼
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
