// Package server exposes the dispatcher over gRPC: submission, query and
// cancellation, plus the standard gRPC health service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/internal/coordinator"
	"github.com/ChuLiYu/beaver-dispatch/internal/task"
	"github.com/ChuLiYu/beaver-dispatch/internal/taskqueue"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// Backend is what the server dispatches to. *coordinator.Coordinator
// satisfies it.
type Backend interface {
	Registry() *call.Registry
	Submit(ctx context.Context, req *call.CallRequest) (types.CallReport, error)
	SubmitUnique(ctx context.Context, req *call.CallRequest) (types.CallReport, error)
	SubmitGroup(ctx context.Context, reqs []*call.CallRequest) ([]types.CallReport, error)
	Get(ctx context.Context, id types.TaskID) (types.CallReport, error)
	Find(criteria types.Criteria) []types.CallReport
	Cancel(id types.TaskID) error
	CancelGroup(jobID string) map[types.TaskID]error
	Stats() taskqueue.Stats
}

var _ Backend = (*coordinator.Coordinator)(nil)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithSubmitRate limits Submit and SubmitGroup to r calls per second with
// the given burst. A rate of zero or less disables limiting.
func WithSubmitRate(r float64, burst int) Option {
	return func(s *Server) {
		if r <= 0 {
			s.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// Server implements DispatcherServer on top of a Backend.
type Server struct {
	backend Backend
	logger  *slog.Logger
	limiter *rate.Limiter
	health  *health.Server
	grpc    *grpc.Server
}

var _ DispatcherServer = (*Server)(nil)

// New builds a Server and its grpc.Server. Extra grpc options are appended
// after the server's own interceptors.
func New(backend Backend, opts []Option, grpcOpts ...grpc.ServerOption) *Server {
	s := &Server{
		backend: backend,
		logger:  slog.Default(),
		health:  health.NewServer(),
	}
	for _, opt := range opts {
		opt(s)
	}

	grpcOpts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.logUnary, s.limitUnary),
	}, grpcOpts...)
	s.grpc = grpc.NewServer(grpcOpts...)
	RegisterDispatcherServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// GRPCServer returns the underlying grpc.Server.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpc
}

// Serve accepts connections on lis until ctx ends, then drains in-flight
// calls and returns nil.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()
	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		s.logger.Info("gRPC server stopped")
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// ============================================================================
// Interceptors
// ============================================================================

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("gRPC call failed", "method", info.FullMethod, "code", status.Code(err).String(), "error", err, "duration", time.Since(start))
	} else {
		s.logger.Debug("gRPC call", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

func (s *Server) limitUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if s.limiter != nil && isSubmit(info.FullMethod) && !s.limiter.Allow() {
		return nil, status.Error(codes.ResourceExhausted, "submission rate exceeded")
	}
	return handler(ctx, req)
}

func isSubmit(fullMethod string) bool {
	return fullMethod == FullMethod(MethodSubmit) || fullMethod == FullMethod(MethodSubmitGroup)
}

// ============================================================================
// DispatcherServer
// ============================================================================

// Submit builds a call request and runs admission. A rejected call is not
// an RPC error: the report comes back with response "rejected" and its
// reasons.
func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	cr, err := call.NewCallRequest(s.backend.Registry(), req.Operation, req.Options()...)
	if err != nil {
		return nil, toStatus(err)
	}

	var report types.CallReport
	if req.Unique {
		report, err = s.backend.SubmitUnique(ctx, cr)
	} else {
		report, err = s.backend.Submit(ctx, cr)
	}
	if err != nil && !errors.Is(err, coordinator.ErrRejected) {
		return nil, toStatus(err)
	}
	return encodeResponse(report)
}

// SubmitGroup submits calls as one job. When any call is rejected the whole
// group is rejected and every report says so.
func (s *Server) SubmitGroup(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitGroupRequest
	if err := Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	reqs := make([]*call.CallRequest, 0, len(req.Calls))
	for i, c := range req.Calls {
		cr, err := call.NewCallRequest(s.backend.Registry(), c.Operation, c.Options()...)
		if err != nil {
			return nil, status.Errorf(status.Code(toStatus(err)), "call %d: %v", i, err)
		}
		reqs = append(reqs, cr)
	}

	reports, err := s.backend.SubmitGroup(ctx, reqs)
	if err != nil && !errors.Is(err, coordinator.ErrRejected) {
		return nil, toStatus(err)
	}
	return encodeResponse(ReportsResponse{Reports: reports})
}

// Get returns the report of one task, falling back to the history archive.
func (s *Server) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TaskRequest
	if err := Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	report, err := s.backend.Get(ctx, req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeResponse(report)
}

// Find queries the live queue.
func (s *Server) Find(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req FindRequest
	if err := Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	reports := s.backend.Find(req.Criteria)
	if reports == nil {
		reports = []types.CallReport{}
	}
	return encodeResponse(ReportsResponse{Reports: reports})
}

// Cancel cancels one task.
func (s *Server) Cancel(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TaskRequest
	if err := Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.backend.Cancel(req.TaskID); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// CancelGroup cancels every task of a job.
func (s *Server) CancelGroup(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req JobRequest
	if err := Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp := CancelGroupResponse{Results: make(map[types.TaskID]string)}
	for id, err := range s.backend.CancelGroup(req.JobID) {
		if err != nil {
			resp.Results[id] = err.Error()
		} else {
			resp.Results[id] = ""
		}
	}
	return encodeResponse(resp)
}

// Status reports queue statistics and the registered operations.
func (s *Server) Status(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return encodeResponse(StatusResponse{
		Stats:      s.backend.Stats(),
		Operations: s.backend.Registry().Operations(),
	})
}

func encodeResponse(v any) (*structpb.Struct, error) {
	out, err := Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// toStatus maps dispatcher errors onto gRPC codes.
func toStatus(err error) error {
	var serr *call.SerializationError
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, taskqueue.ErrTaskNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, taskqueue.ErrTaskExists),
		errors.Is(err, taskqueue.ErrDuplicateTask),
		errors.Is(err, coordinator.ErrDuplicateCall):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, call.ErrUnknownOperation),
		errors.Is(err, call.ErrUnknownHook),
		errors.Is(err, call.ErrInvalidArguments),
		errors.Is(err, call.ErrInvalidRequest),
		errors.Is(err, coordinator.ErrDependencyCycle),
		errors.Is(err, coordinator.ErrEmptyGroup),
		errors.Is(err, taskqueue.ErrWeightExceedsBudget),
		errors.As(err, &serr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, task.ErrCancelNotSupported),
		errors.Is(err, task.ErrCancelRefused),
		errors.Is(err, taskqueue.ErrNotRunning),
		errors.Is(err, taskqueue.ErrNotWaiting):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
