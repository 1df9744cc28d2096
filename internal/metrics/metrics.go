// ============================================================================
// Beaver-Dispatch Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 dispatcher 運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - dispatch_tasks_submitted_total{response}: 准入結果（accepted/postponed/rejected）
//      - dispatch_tasks_started_total: 進入 RUNNING 的任務數
//      - dispatch_tasks_completed_total{state}: 終止狀態分佈
//      - dispatch_cancel_refused_total: 取消被拒（無控制 hook 或 hook 回傳錯誤）
//      - dispatch_archive_failures_total: 歸檔失敗
//      - dispatch_rehydrate_skipped_total: 重啟時無法還原的記錄
//
//   2. 性能指標 (Histogram)：
//      - dispatch_task_duration_seconds: start_time -> finish_time
//
//   3. 狀態指標 (Gauge)：
//      - dispatch_tasks_waiting / dispatch_tasks_running / dispatch_tasks_retained
//      - dispatch_running_weight: 已使用的併發額度
//      - dispatch_rehydrate_seconds: 最近一次重啟還原耗時
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   sum(rate(dispatch_tasks_completed_total[1m]))
//
//   # 95 分位執行時間
//   histogram_quantile(0.95, dispatch_task_duration_seconds_bucket)
//
//   # 延後比例
//   rate(dispatch_tasks_submitted_total{response="postponed"}[5m])
//
// 所有 Record* 方法對 nil *Collector 安全，未啟用監控時直接傳 nil。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	tasksSubmitted *prometheus.CounterVec
	tasksStarted   prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	cancelRefused  prometheus.Counter
	archiveFailed  prometheus.Counter
	rehydrateSkip  prometheus.Counter

	// 效能指標
	taskDuration  prometheus.Histogram
	rehydrateTime prometheus.Gauge

	// 狀態指標
	tasksWaiting  prometheus.Gauge
	tasksRunning  prometheus.Gauge
	tasksRetained prometheus.Gauge
	runningWeight prometheus.Gauge
}

// NewCollector 創建新的指標收集器，並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tasks_submitted_total",
			Help: "Total number of submitted call requests by admission response",
		}, []string{"response"}),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_tasks_started_total",
			Help: "Total number of tasks promoted to running",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal state",
		}, []string{"state"}),
		cancelRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_cancel_refused_total",
			Help: "Total number of refused cancellation attempts",
		}),
		archiveFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_archive_failures_total",
			Help: "Total number of failed history archive writes",
		}),
		rehydrateSkip: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_rehydrate_skipped_total",
			Help: "Total number of queued records skipped during rehydration",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_task_duration_seconds",
			Help:    "Task execution time from start to finish in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		rehydrateTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_rehydrate_seconds",
			Help: "Time taken to rehydrate the waiting set at startup in seconds",
		}),
		tasksWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_tasks_waiting",
			Help: "Current number of waiting tasks",
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_tasks_running",
			Help: "Current number of running tasks",
		}),
		tasksRetained: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_tasks_retained",
			Help: "Current number of completed tasks kept in the live set",
		}),
		runningWeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_running_weight",
			Help: "Sum of the weights of running tasks",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.tasksSubmitted)
	prometheus.MustRegister(c.tasksStarted)
	prometheus.MustRegister(c.tasksCompleted)
	prometheus.MustRegister(c.cancelRefused)
	prometheus.MustRegister(c.archiveFailed)
	prometheus.MustRegister(c.rehydrateSkip)
	prometheus.MustRegister(c.taskDuration)
	prometheus.MustRegister(c.rehydrateTime)
	prometheus.MustRegister(c.tasksWaiting)
	prometheus.MustRegister(c.tasksRunning)
	prometheus.MustRegister(c.tasksRetained)
	prometheus.MustRegister(c.runningWeight)

	return c
}

// RecordSubmit 記錄准入結果
func (c *Collector) RecordSubmit(response string) {
	if c == nil {
		return
	}
	c.tasksSubmitted.WithLabelValues(response).Inc()
}

// RecordStart 記錄任務開始執行
func (c *Collector) RecordStart() {
	if c == nil {
		return
	}
	c.tasksStarted.Inc()
}

// RecordComplete 記錄任務終止；duration 為 0 表示從未執行（取消或跳過）
func (c *Collector) RecordComplete(state string, duration time.Duration) {
	if c == nil {
		return
	}
	c.tasksCompleted.WithLabelValues(state).Inc()
	if duration > 0 {
		c.taskDuration.Observe(duration.Seconds())
	}
}

// RecordCancelRefused 記錄被拒絕的取消
func (c *Collector) RecordCancelRefused() {
	if c == nil {
		return
	}
	c.cancelRefused.Inc()
}

// RecordArchiveFailure 記錄歸檔失敗
func (c *Collector) RecordArchiveFailure() {
	if c == nil {
		return
	}
	c.archiveFailed.Inc()
}

// RecordRehydrate 記錄重啟還原
func (c *Collector) RecordRehydrate(duration time.Duration, skipped int) {
	if c == nil {
		return
	}
	c.rehydrateTime.Set(duration.Seconds())
	c.rehydrateSkip.Add(float64(skipped))
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(waiting, running, retained, weight int) {
	if c == nil {
		return
	}
	c.tasksWaiting.Set(float64(waiting))
	c.tasksRunning.Set(float64(running))
	c.tasksRetained.Set(float64(retained))
	c.runningWeight.Set(float64(weight))
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - ctx: 生命週期
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤（正常關閉回傳 nil）
func StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
