package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/internal/config"
	"github.com/ChuLiYu/beaver-dispatch/internal/controller"
	"github.com/ChuLiYu/beaver-dispatch/internal/coordinator"
	"github.com/ChuLiYu/beaver-dispatch/internal/ops"
	"github.com/ChuLiYu/beaver-dispatch/internal/taskqueue"
)

const repoCount = 20

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover> [config.yaml]")
		os.Exit(1)
	}
	mode := os.Args[1]

	path := ""
	if len(os.Args) > 2 {
		path = os.Args[2]
	}
	cfg, err := loadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	slog.SetDefault(logger)

	reg := call.NewRegistry()
	if err := ops.Register(reg); err != nil {
		log.Fatalf("Failed to register operations: %v", err)
	}

	ctx := context.Background()
	ctrl, err := controller.New(ctx, cfg, reg, controller.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (mode: %s, store: %s, dir: %s)\n", mode, cfg.Store.Driver, cfg.Store.WAL.Dir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch mode {
	case "start":
		if stats := ctrl.Stats(); stats.Waiting+stats.Running > 0 {
			fmt.Printf("\n⚠️  Found calls from a previous run (restored from the queue store)\n")
			printStats("Current Status (after recovery)", stats)
			break
		}
		submitted, err := submitWorkload(ctx, reg, ctrl.Coordinator())
		if err != nil {
			log.Fatalf("Failed to submit workload: %v", err)
		}
		fmt.Printf("✓ Submitted %d calls across %d repositories\n", submitted, repoCount)
		fmt.Printf("💡 Press Ctrl+C within ~2 seconds to stop with calls still queued\n\n")

		for i := 0; i < 20; i++ {
			select {
			case <-sigChan:
				shutdown(ctrl)
				return
			case <-time.After(100 * time.Millisecond):
				s := ctrl.Stats()
				fmt.Printf("📊 Status: Waiting=%d, Running=%d, Completed=%d, Weight=%d/%d\n",
					s.Waiting, s.Running, s.Completed, s.RunningWeight, s.MaxRunning)
			}
		}
		printStats("Status Snapshot (after 2 seconds)", ctrl.Stats())

	case "recover":
		time.Sleep(200 * time.Millisecond)
		printStats("Immediate Status After Recovery", ctrl.Stats())

		fmt.Printf("\n⏳ Waiting 3 seconds for restored calls to run...\n")
		time.Sleep(3 * time.Second)
		printStats("Final Status", ctrl.Stats())

	default:
		log.Printf("Unknown mode %q", mode)
	}

	<-sigChan
	shutdown(ctrl)
}

// submitWorkload queues a sync, publish and delete per repository so that
// the conflict rules are visible in the status output.
func submitWorkload(ctx context.Context, reg *call.Registry, coord *coordinator.Coordinator) (int, error) {
	n := 0
	for i := 1; i <= repoCount; i++ {
		repo := fmt.Sprintf("repo-%02d", i)

		syncReq, err := ops.SyncRequest(reg, repo, 5, 100*time.Millisecond, call.WithArchive())
		if err != nil {
			return n, err
		}
		publishReq, err := ops.PublishRequest(reg, repo, "yum", call.WithArchive())
		if err != nil {
			return n, err
		}
		reports, err := coord.SubmitGroup(ctx, []*call.CallRequest{syncReq, publishReq})
		if err != nil {
			return n, err
		}
		n += len(reports)

		if i%5 == 0 {
			deleteReq, err := ops.DeleteRequest(reg, repo)
			if err != nil {
				return n, err
			}
			report, err := coord.Submit(ctx, deleteReq)
			if err != nil && !errors.Is(err, coordinator.ErrRejected) {
				return n, err
			}
			fmt.Printf("  %s delete: %s\n", repo, report.Response)
			n++
		}
	}
	return n, nil
}

func shutdown(ctrl *controller.Controller) {
	fmt.Println("\n\nReceived shutdown signal, stopping...")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ctrl.Stop(ctx); err != nil {
		fmt.Printf("⚠️  Stopped with calls still running: %v\n", err)
		fmt.Println("   Run 'go run ./cmd/demo recover' to restore them")
		return
	}
	fmt.Println("✓ Controller stopped")
}

func printStats(title string, s taskqueue.Stats) {
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Waiting:   %d\n", s.Waiting)
	fmt.Printf("  Running:   %d\n", s.Running)
	fmt.Printf("  Completed: %d\n", s.Completed)
	fmt.Printf("  Weight:    %d/%d\n", s.RunningWeight, s.MaxRunning)
}

// loadConfig defaults the demo to a WAL store with an in-memory history so
// a second run can restore what the first left behind.
func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.Store.Driver = config.StoreWAL
	cfg.Store.WAL.Dir = "data/demo-queue"
	cfg.History.Driver = config.HistoryMemory
	cfg.Dispatch.DispatchInterval = 50 * time.Millisecond
	return cfg, cfg.Validate()
}
