// ============================================================================
// Beaver-Dispatch CLI - Command Line Interface
// ============================================================================
//
// Command Structure:
//   beaver-dispatch                # Root command
//   ├── run                        # Start the dispatcher daemon
//   ├── submit                     # Submit one call, or a group from --file
//   ├── get <task-id>              # Show one call report
//   ├── find                       # Query call reports
//   ├── cancel <task-id>|--job id  # Cancel a call or a whole group
//   └── status                     # Queue statistics and registered operations
//
// Global flags:
//   --config, -c   YAML config file (run only; BEAVER_* variables still apply)
//   --addr         dispatcher gRPC address for the client commands
//   --timeout      per-command RPC timeout
//
// run Command:
//   1. Load config and install the configured slog handler
//   2. Build and start the Controller (rehydrates the queue store)
//   3. Serve gRPC, and Prometheus metrics when enabled
//   4. On SIGINT/SIGTERM or a dispatch loop failure, stop the servers and
//      drain running calls for at most --shutdown-timeout
//
// Client commands print JSON to stdout.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/internal/config"
	"github.com/ChuLiYu/beaver-dispatch/internal/controller"
	"github.com/ChuLiYu/beaver-dispatch/internal/metrics"
	"github.com/ChuLiYu/beaver-dispatch/internal/server"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// Version is reported by --version.
var Version = "1.0.0"

type app struct {
	reg        *call.Registry
	configFile string
	addr       string
	timeout    time.Duration

	// dial is replaced in tests.
	dial func(addr string) (*server.Client, error)
}

// BuildCLI returns the root command. reg holds the operations the run
// command can execute; client commands ignore it.
func BuildCLI(reg *call.Registry) *cobra.Command {
	a := &app{
		reg: reg,
		dial: func(addr string) (*server.Client, error) {
			return server.Dial(addr)
		},
	}
	return a.rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-dispatch",
		Short: "Beaver-Dispatch: a resource-aware task dispatcher",
		Long: `Beaver-Dispatch runs named operations under resource locks:
- conflict-aware admission (accept, postpone, reject)
- weighted concurrency limit
- durable queue with restart recovery
- optional history archive`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "config file path")
	flags.StringVar(&a.addr, "addr", "localhost:50051", "dispatcher gRPC address")
	flags.DurationVar(&a.timeout, "timeout", 10*time.Second, "RPC timeout")

	rootCmd.AddCommand(
		a.runCommand(),
		a.submitCommand(),
		a.getCommand(),
		a.findCommand(),
		a.cancelCommand(),
		a.statusCommand(),
	)
	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func (a *app) runCommand() *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the dispatcher daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configFile)
			if err != nil {
				return err
			}
			logger, err := cfg.Log.NewLogger(os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, a.reg, logger, shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for running calls on shutdown")
	return cmd
}

// runDaemon serves until ctx ends or the dispatch loop fails, then stops the
// controller.
func runDaemon(ctx context.Context, cfg config.Config, reg *call.Registry, logger *slog.Logger, shutdownTimeout time.Duration) error {
	opts := []controller.Option{controller.WithLogger(logger)}
	if cfg.Metrics.Enabled {
		opts = append(opts, controller.WithMetrics(metrics.NewCollector()))
	}

	ctrl, err := controller.New(ctx, cfg, reg, opts...)
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		_ = ctrl.Stop(context.Background())
		return err
	}

	srv := server.New(ctrl.Coordinator(), []server.Option{
		server.WithLogger(logger),
		server.WithSubmitRate(cfg.Server.SubmitRate, cfg.Server.SubmitBurst),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", cfg.Server.Addr)
		return srv.ListenAndServe(gctx, cfg.Server.Addr)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("Metrics server listening", "port", cfg.Metrics.Port)
			return metrics.StartServer(gctx, cfg.Metrics.Port)
		})
	}
	g.Go(func() error {
		select {
		case err := <-ctrl.Fatal():
			return fmt.Errorf("dispatch loop: %w", err)
		case <-gctx.Done():
			return nil
		}
	})

	runErr := g.Wait()
	logger.Info("Shutting down", "reason", context.Cause(gctx))

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ctrl.Stop(stopCtx); err != nil {
		logger.Error("Controller did not stop cleanly", "error", err)
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// ============================================================================
// submit
// ============================================================================

func (a *app) submitCommand() *cobra.Command {
	var (
		req       server.SubmitRequest
		argsJSON  string
		kwargs    string
		resources []string
		weight    int
		file      string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "submit [operation]",
		Short: "Submit a call, or a group of calls with --file",
		Long: `Submit one call:

  beaver-dispatch submit repo.sync --kwargs '{"repo":"zoo"}' -r repository:zoo:update

or a group (JSON array of submit requests, dependencies by task_id):

  beaver-dispatch submit --file calls.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				if len(args) > 0 {
					return errors.New("operation argument and --file are mutually exclusive")
				}
				calls, err := readGroupFile(file)
				if err != nil {
					return err
				}
				return a.withClient(cmd, func(ctx context.Context, c *server.Client) error {
					reports, err := c.SubmitGroup(ctx, calls)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), reports)
				})
			}

			if len(args) == 0 {
				return errors.New("operation is required")
			}
			req.Operation = args[0]
			if err := decodeFlagJSON("args", argsJSON, &req.Args); err != nil {
				return err
			}
			if err := decodeFlagJSON("kwargs", kwargs, &req.Kwargs); err != nil {
				return err
			}
			res, err := parseResources(resources)
			if err != nil {
				return err
			}
			req.Resources = res
			if cmd.Flags().Changed("weight") {
				req.Weight = &weight
			}

			return a.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				report, err := c.Submit(ctx, req)
				if err != nil {
					return err
				}
				if wait && report.Response != types.ResponseRejected {
					report, err = waitTerminal(ctx, c, report.TaskID)
					if err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar((*string)(&req.TaskID), "id", "", "task id (generated when empty)")
	f.StringVar(&argsJSON, "args", "", "positional arguments as a JSON array")
	f.StringVar(&kwargs, "kwargs", "", "keyword arguments as a JSON object")
	f.StringArrayVarP(&resources, "resource", "r", nil, "resource lock as type:id:operation (repeatable)")
	f.IntVar(&weight, "weight", 1, "concurrency weight")
	f.StringSliceVarP(&req.Tags, "tag", "t", nil, "tag (repeatable)")
	f.BoolVar(&req.Archive, "archive", false, "archive the call when it completes")
	f.StringVar(&req.Principal, "principal", "", "login of the requesting principal")
	f.StringVar(&req.ScheduleID, "schedule-id", "", "schedule that produced the call")
	f.Int64Var(&req.TimeoutMs, "call-timeout-ms", 0, "execution timeout in milliseconds")
	f.BoolVar(&req.Unique, "unique", false, "fail if an identical call is already queued")
	f.StringVarP(&file, "file", "f", "", "JSON file with a group of calls")
	f.BoolVarP(&wait, "wait", "w", false, "wait until the call reaches a final state (bounded by --timeout)")
	return cmd
}

func readGroupFile(path string) ([]server.SubmitRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read group file: %w", err)
	}
	var calls []server.SubmitRequest
	if err := json.Unmarshal(data, &calls); err != nil {
		return nil, fmt.Errorf("parse group file %s: %w", path, err)
	}
	if len(calls) == 0 {
		return nil, fmt.Errorf("group file %s has no calls", path)
	}
	return calls, nil
}

func decodeFlagJSON(name, raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("--%s: %w", name, err)
	}
	return nil
}

// parseResources turns "type:id:op" specs into a Resources map.
func parseResources(specs []string) (types.Resources, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	res := types.Resources{}
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("resource %q: want type:id:operation", spec)
		}
		op := types.Operation(strings.ToLower(parts[2]))
		switch op {
		case types.OpCreate, types.OpRead, types.OpUpdate, types.OpDelete, types.OpExecute:
		default:
			return nil, fmt.Errorf("resource %q: unknown operation %q", spec, parts[2])
		}
		res.Add(parts[0], parts[1], op)
	}
	return res, nil
}

// waitTerminal polls the report until the call is final or ctx ends.
func waitTerminal(ctx context.Context, c *server.Client, id types.TaskID) (types.CallReport, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		report, err := c.Get(ctx, id)
		if err != nil {
			return report, err
		}
		if report.State.IsTerminal() {
			return report, nil
		}
		select {
		case <-ctx.Done():
			return report, fmt.Errorf("waiting for %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ============================================================================
// get / find / cancel / status
// ============================================================================

func (a *app) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show the report of one call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				report, err := c.Get(ctx, types.TaskID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func (a *app) findCommand() *cobra.Command {
	var (
		criteria types.Criteria
		ids      []string
		states   []string
	)
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Query call reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, id := range ids {
				criteria.TaskIDs = append(criteria.TaskIDs, types.TaskID(id))
			}
			for _, s := range states {
				criteria.States = append(criteria.States, types.CallState(strings.ToLower(s)))
			}
			return a.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				reports, err := c.Find(ctx, criteria)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), reports)
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&ids, "id", nil, "task id (repeatable)")
	f.StringVar(&criteria.JobID, "job", "", "group id")
	f.StringVar(&criteria.ScheduleID, "schedule-id", "", "schedule id")
	f.StringSliceVar(&states, "state", nil, "state, e.g. waiting (repeatable)")
	f.StringVar(&criteria.Operation, "op", "", "operation name")
	f.StringSliceVarP(&criteria.Tags, "tag", "t", nil, "tag the report must carry (repeatable)")
	return cmd
}

func (a *app) cancelCommand() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "cancel [task-id]",
		Short: "Cancel a call, or every call of a group with --job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (jobID == "") == (len(args) == 0) {
				return errors.New("give exactly one of a task id or --job")
			}
			return a.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if jobID != "" {
					results, err := c.CancelGroup(ctx, jobID)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), results)
				}
				if err := c.Cancel(ctx, types.TaskID(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "cancel every call of this group")
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue statistics and registered operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

// ============================================================================
// helpers
// ============================================================================

// withClient dials the dispatcher and runs fn with the RPC timeout applied.
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	client, err := a.dial(a.addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", a.addr, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()
	return fn(ctx, client)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
