// ============================================================================
// Beaver-Dispatch 控制器 - 系統組裝與生命週期
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依配置組裝所有模組，負責重啟還原與有序關閉
//
// 架構設計:
//   Controller 是整個系統的"接線板"，負責建立並串接以下組件：
//   - QueueStore: 持久化等待中的請求（memory / wal / redis / postgres）
//   - Archive + Archiver: 歷史歸檔（none / memory / postgres / mongo），非同步寫入
//   - DispatchQueue: 調度佇列，套用 Recover → Logging → Tracing middleware
//   - Coordinator: 准入控制、查詢、取消的入口
//
// 啟動流程 (Start):
//   1. 啟動 Archiver 的 Worker Pool
//   2. Rehydrate() - 從 QueueStore 還原上次未完成的請求
//   3. 啟動調度循環
//   4. 監看調度循環的致命錯誤，轉交給 Fatal()
//   5. 設定了保留期限時，定期清理歷史歸檔
//
// 關閉流程 (Stop):
//   1. 停止調度循環（不再啟動新任務）
//   2. 等待執行中的任務結束，直到 ctx 結束
//   3. 停止 Archiver，等待已排入的歸檔寫入完成
//   4. 依建立的相反順序關閉 store / archive 連線
//
// 所有權:
//   - 由配置建立的連線由 Controller 關閉
//   - 透過 WithStore / WithArchive 傳入的實例由呼叫者關閉
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/internal/config"
	"github.com/ChuLiYu/beaver-dispatch/internal/coordinator"
	"github.com/ChuLiYu/beaver-dispatch/internal/history"
	"github.com/ChuLiYu/beaver-dispatch/internal/history/mongo"
	"github.com/ChuLiYu/beaver-dispatch/internal/metrics"
	"github.com/ChuLiYu/beaver-dispatch/internal/middleware"
	"github.com/ChuLiYu/beaver-dispatch/internal/storage"
	"github.com/ChuLiYu/beaver-dispatch/internal/storage/memory"
	"github.com/ChuLiYu/beaver-dispatch/internal/storage/postgres"
	"github.com/ChuLiYu/beaver-dispatch/internal/storage/redis"
	"github.com/ChuLiYu/beaver-dispatch/internal/storage/wal"
	"github.com/ChuLiYu/beaver-dispatch/internal/taskqueue"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAlreadyStarted Controller 已啟動
	ErrAlreadyStarted = errors.New("controller: already started")
	// ErrStopped Controller 已關閉，不能再啟動
	ErrStopped = errors.New("controller: stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Option 設定 Controller
type Option func(*Controller)

// WithMetrics 設定監控指標
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithStore 使用外部建立的 queue store，忽略 store.driver
func WithStore(s storage.QueueStore) Option {
	return func(c *Controller) { c.store = s }
}

// WithArchive 使用外部建立的歷史歸檔，忽略 history.driver
func WithArchive(a history.Archive) Option {
	return func(c *Controller) { c.archive = a }
}

// WithMiddleware 在內建 middleware（Recover、Logging、Tracing）之內再包一層
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Controller) { c.extraMW = append(c.extraMW, mws...) }
}

// WithLogger 設定 store、歸檔與 middleware 使用的 logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller 核心控制器
type Controller struct {
	cfg     config.Config
	reg     *call.Registry
	logger  *slog.Logger
	metrics *metrics.Collector
	extraMW []middleware.Middleware

	store    storage.QueueStore
	archive  history.Archive // nil 表示不歸檔
	archiver *history.Archiver
	queue    *taskqueue.Queue
	coord    *coordinator.Coordinator

	closers []func() error // 由 Controller 建立的連線，依建立順序

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	fatal     chan error
	loopWg    sync.WaitGroup
}

// ============================================================================
// 組裝
// ============================================================================

// New 依配置建立 Controller
//
// 參數：
//   - ctx: 只用於建立連線與資料表遷移
//   - cfg: 系統配置
//   - reg: 已註冊所有操作與 hook 的註冊表
//
// 返回值：
//   - *Controller: 尚未啟動的 Controller
//   - error: 連線或遷移失敗（已建立的連線會被關閉）
func New(ctx context.Context, cfg config.Config, reg *call.Registry, opts ...Option) (*Controller, error) {
	c := &Controller{
		cfg:    cfg,
		reg:    reg,
		logger: slog.Default(),
		stopCh: make(chan struct{}),
		fatal:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.build(ctx); err != nil {
		c.closeAll()
		return nil, err
	}
	return c, nil
}

func (c *Controller) build(ctx context.Context) error {
	if c.store == nil {
		store, err := c.openStore(ctx)
		if err != nil {
			return err
		}
		c.store = store
	}
	if c.archive == nil {
		archive, err := c.openArchive(ctx)
		if err != nil {
			return err
		}
		c.archive = archive
	}

	queueOpts := []taskqueue.Option{
		taskqueue.WithStore(c.store),
		taskqueue.WithMetrics(c.metrics),
		taskqueue.WithMiddleware(append([]middleware.Middleware{
			middleware.Recover(c.logger),
			middleware.Logging(c.logger),
			middleware.Tracing(),
		}, c.extraMW...)...),
	}
	coordOpts := []coordinator.Option{
		coordinator.WithStore(c.store),
		coordinator.WithMetrics(c.metrics),
	}
	if c.archive != nil {
		c.archiver = history.NewArchiver(c.archive, history.ArchiverConfig{
			Workers: c.cfg.History.Workers,
			Buffer:  c.cfg.History.Buffer,
			Timeout: c.cfg.History.Timeout,
		}, history.WithArchiverLogger(c.logger), history.WithArchiverMetrics(c.metrics))
		queueOpts = append(queueOpts, taskqueue.WithArchiver(c.archiver.Archive))
		coordOpts = append(coordOpts, coordinator.WithHistory(c.archive))
	}

	c.queue = taskqueue.New(taskqueue.Config{
		MaxRunning:         c.cfg.Dispatch.MaxRunning,
		DispatchInterval:   c.cfg.Dispatch.DispatchInterval,
		CompletedRetention: c.cfg.Dispatch.CompletedRetention,
	}, queueOpts...)
	c.coord = coordinator.New(c.reg, c.queue, coordOpts...)
	return nil
}

// openStore 依 store.driver 建立 queue store
func (c *Controller) openStore(ctx context.Context) (storage.QueueStore, error) {
	sc := c.cfg.Store
	switch sc.Driver {
	case config.StoreMemory, "":
		return memory.New(), nil

	case config.StoreWAL:
		store, err := wal.Open(sc.WAL.Dir,
			wal.WithSyncOnAppend(sc.WAL.SyncOnAppend),
			wal.WithCompactEvery(sc.WAL.CompactEvery),
			wal.WithLogger(c.logger))
		if err != nil {
			return nil, fmt.Errorf("controller: open wal store: %w", err)
		}
		c.closers = append(c.closers, store.Close)
		return store, nil

	case config.StoreRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		c.closers = append(c.closers, client.Close)
		store := redis.New(client, redis.WithKeyPrefix(sc.Redis.KeyPrefix), redis.WithLogger(c.logger))
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("controller: connect redis store: %w", err)
		}
		return store, nil

	case config.StorePostgres:
		store, err := c.openPostgres(ctx, sc.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("controller: unknown store driver %q", sc.Driver)
	}
}

// openArchive 依 history.driver 建立歷史歸檔；none 回傳 nil
func (c *Controller) openArchive(ctx context.Context) (history.Archive, error) {
	hc := c.cfg.History
	switch hc.Driver {
	case config.HistoryNone, "":
		return nil, nil

	case config.HistoryMemory:
		return memory.NewArchive(), nil

	case config.HistoryPostgres:
		dsn := c.cfg.HistoryPostgresDSN()
		// 與 queue store 共用同一個資料庫時共用連線池
		if pg, ok := c.store.(*postgres.Store); ok && dsn == c.cfg.Store.Postgres.DSN {
			return pg, nil
		}
		return c.openPostgres(ctx, dsn)

	case config.HistoryMongo:
		archive, err := mongo.Connect(ctx, hc.Mongo.URI, hc.Mongo.Database,
			mongo.WithCollection(hc.Mongo.Collection),
			mongo.WithLogger(c.logger))
		if err != nil {
			return nil, fmt.Errorf("controller: connect mongo archive: %w", err)
		}
		c.closers = append(c.closers, archive.Close)
		if err := archive.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("controller: migrate mongo archive: %w", err)
		}
		return archive, nil

	default:
		return nil, fmt.Errorf("controller: unknown history driver %q", hc.Driver)
	}
}

func (c *Controller) openPostgres(ctx context.Context, dsn string) (*postgres.Store, error) {
	store, err := postgres.New(ctx, dsn, postgres.WithLogger(c.logger))
	if err != nil {
		return nil, fmt.Errorf("controller: connect postgres: %w", err)
	}
	c.closers = append(c.closers, store.Close)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("controller: migrate postgres: %w", err)
	}
	return store, nil
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 還原上次未完成的請求並啟動調度
//
// ctx 結束時調度循環停止；執行中的工作單元不受影響。
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = time.Now()

	// 1. 歸檔 Worker Pool（還原期間就可能有任務結束）
	if c.archiver != nil {
		if err := c.archiver.Start(); err != nil {
			return fmt.Errorf("controller: start archiver: %w", err)
		}
	}

	// 2. 恢復階段
	log.Info("Starting recovery...")
	result, err := c.coord.Rehydrate(ctx)
	if err != nil {
		return fmt.Errorf("controller: rehydrate: %w", err)
	}

	// 3. 啟動調度循環
	if err := c.queue.Start(ctx); err != nil {
		return fmt.Errorf("controller: start queue: %w", err)
	}
	c.started = true

	// 4. 監看致命錯誤與歷史清理
	c.loopWg.Add(1)
	go c.watchFatal()
	if c.archive != nil && c.cfg.History.Retention > 0 {
		c.loopWg.Add(1)
		go c.purgeLoop(ctx)
	}

	log.Info("Controller started",
		"store", c.cfg.Store.Driver,
		"history", c.cfg.History.Driver,
		"max_running", c.cfg.Dispatch.MaxRunning,
		"restored", result.Restored,
		"rejected", result.Rejected,
		"skipped", result.Skipped,
		"recovery_time", result.Elapsed)
	return nil
}

// watchFatal 調度循環內部錯誤時記錄並轉交給 Fatal()
func (c *Controller) watchFatal() {
	defer c.loopWg.Done()
	select {
	case err := <-c.queue.Fatal():
		log.Error("Dispatch loop stopped", "error", err)
		select {
		case c.fatal <- err:
		default:
		}
	case <-c.stopCh:
	}
}

// purgeLoop 定期刪除超過保留期限的歸檔
func (c *Controller) purgeLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.History.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.PurgeHistory(ctx); err != nil {
				log.Warn("History purge failed", "error", err)
			}
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		}
	}
}

// PurgeHistory 刪除早於保留期限的歸檔；沒有歸檔或未設定保留期限時回傳 0
func (c *Controller) PurgeHistory(ctx context.Context) (int, error) {
	if c.archive == nil || c.cfg.History.Retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-c.cfg.History.Retention)
	n, err := c.archive.Purge(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("controller: purge history: %w", err)
	}
	if n > 0 {
		log.Info("Purged archived calls", "count", n, "before", cutoff)
	}
	return n, nil
}

// Fatal 調度循環因內部錯誤停止時送出錯誤；呼叫者應隨即 Stop
func (c *Controller) Fatal() <-chan error {
	return c.fatal
}

// Stop 有序關閉 Controller
//
// 關閉流程：
//  1. 停止調度循環
//  2. 等待執行中的任務結束，直到 ctx 結束
//  3. 停止 Archiver（已排入的寫入會完成）
//  4. 關閉由 Controller 建立的連線
//
// 返回值：
//   - error: ctx 在任務結束前到期，或關閉連線失敗
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	log.Info("Stopping controller...")
	close(c.stopCh)

	var errs []error
	if started {
		c.queue.Stop()
		c.loopWg.Wait()
		if err := c.drainRunning(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.archiver != nil {
		c.archiver.Stop()
	}
	if err := c.closeAll(); err != nil {
		errs = append(errs, err)
	}

	if started {
		log.Info("Controller stopped", "uptime", time.Since(c.startTime))
	}
	return errors.Join(errs...)
}

// drainRunning 輪詢直到沒有執行中的任務
func (c *Controller) drainRunning(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		running := c.queue.Stats().Running
		if running == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			log.Warn("Shutdown with tasks still running", "running", running)
			return fmt.Errorf("controller: %d tasks still running: %w", running, ctx.Err())
		case <-ticker.C:
		}
	}
}

// closeAll 依建立的相反順序關閉連線
func (c *Controller) closeAll() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// ============================================================================
// 存取
// ============================================================================

// Coordinator 回傳准入控制入口
func (c *Controller) Coordinator() *coordinator.Coordinator {
	return c.coord
}

// Queue 回傳調度佇列
func (c *Controller) Queue() *taskqueue.Queue {
	return c.queue
}

// Registry 回傳操作註冊表
func (c *Controller) Registry() *call.Registry {
	return c.reg
}

// Store 回傳 queue store
func (c *Controller) Store() storage.QueueStore {
	return c.store
}

// Archive 回傳歷史歸檔；未啟用時為 nil
func (c *Controller) Archive() history.Archive {
	return c.archive
}

// Stats 回傳佇列統計
func (c *Controller) Stats() taskqueue.Stats {
	return c.queue.Stats()
}
