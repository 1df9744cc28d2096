package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/internal/metrics"
	"github.com/ChuLiYu/beaver-dispatch/internal/worker"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// ArchiverConfig sizes the archiver's worker pool.
type ArchiverConfig struct {
	Workers int           // concurrent archive writes
	Buffer  int           // queued writes before new ones are dropped
	Timeout time.Duration // per-write deadline; zero means none
}

// DefaultArchiverConfig returns the configuration used when none is given.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{Workers: 2, Buffer: 256, Timeout: 10 * time.Second}
}

// ArchiverOption configures an Archiver.
type ArchiverOption func(*Archiver)

// WithArchiverLogger sets the logger.
func WithArchiverLogger(l *slog.Logger) ArchiverOption {
	return func(a *Archiver) { a.logger = l }
}

// WithArchiverMetrics counts failed and dropped writes.
func WithArchiverMetrics(c *metrics.Collector) ArchiverOption {
	return func(a *Archiver) { a.metrics = c }
}

// WithArchiverClock overrides the time source used for ArchivedAt.
func WithArchiverClock(now func() time.Time) ArchiverOption {
	return func(a *Archiver) { a.now = now }
}

// Archiver writes completed calls to an Archive in the background. Archive
// never blocks the caller, which runs under the dispatcher lock; when the
// pool's buffer is full the record is dropped and counted as a failure.
type Archiver struct {
	archive Archive
	cfg     ArchiverConfig
	pool    *worker.Pool
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	drained   sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewArchiver returns an Archiver writing to archive. Call Start before use.
func NewArchiver(archive Archive, cfg ArchiverConfig, opts ...ArchiverOption) *Archiver {
	def := DefaultArchiverConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	a := &Archiver{
		archive: archive,
		cfg:     cfg,
		pool:    worker.NewPool(cfg.Buffer),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the worker pool and the result drain.
func (a *Archiver) Start() error {
	var err error
	a.startOnce.Do(func() {
		if err = a.pool.Start(a.cfg.Workers); err != nil {
			return
		}
		a.drained.Add(1)
		go a.drain()
	})
	return err
}

func (a *Archiver) drain() {
	defer a.drained.Done()
	for {
		res, err := a.pool.ReceiveResult(context.Background())
		if err != nil {
			return
		}
		if !res.Success {
			a.metrics.RecordArchiveFailure()
			a.logger.Warn("Archive write failed", "task_id", res.ID, "error", res.Error, "duration", res.Duration)
		}
	}
}

// Archive serializes req and queues the record for writing. It has the
// task.ArchiveFunc signature so it can be handed to the dispatch queue.
func (a *Archiver) Archive(req *call.CallRequest, report types.CallReport) {
	rec, err := a.record(req, report)
	if err != nil {
		a.metrics.RecordArchiveFailure()
		a.logger.Warn("Archive record not encodable", "task_id", report.TaskID, "error", err)
		return
	}

	err = a.pool.TrySubmit(worker.Task{
		ID:      string(report.TaskID),
		Timeout: a.cfg.Timeout,
		Run: func(ctx context.Context) error {
			return a.archive.Archive(ctx, rec)
		},
	})
	if err != nil {
		a.metrics.RecordArchiveFailure()
		a.logger.Warn("Archive write dropped", "task_id", report.TaskID, "error", err)
	}
}

func (a *Archiver) record(req *call.CallRequest, report types.CallReport) (types.ArchivedCall, error) {
	queued, err := req.Serialize()
	if err != nil {
		return types.ArchivedCall{}, fmt.Errorf("serialize request: %w", err)
	}
	return types.ArchivedCall{
		Request:    queued,
		Report:     report,
		ArchivedAt: a.now().UTC(),
	}, nil
}

// Stop waits for queued writes to finish. Records archived after Stop are
// dropped.
func (a *Archiver) Stop() {
	a.stopOnce.Do(func() {
		a.pool.Stop()
		a.drained.Wait()
		if n := a.pool.Dropped(); n > 0 {
			a.logger.Warn("Archive results lost", "count", n)
		}
	})
}
