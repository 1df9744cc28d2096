package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// Client calls a Dispatcher service.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection if the client opened it.
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := Encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return Decode(out, resp)
}

// Submit submits one call.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (types.CallReport, error) {
	var report types.CallReport
	err := c.invoke(ctx, MethodSubmit, req, &report)
	return report, err
}

// SubmitGroup submits calls as one job.
func (c *Client) SubmitGroup(ctx context.Context, calls []SubmitRequest) ([]types.CallReport, error) {
	var resp ReportsResponse
	err := c.invoke(ctx, MethodSubmitGroup, SubmitGroupRequest{Calls: calls}, &resp)
	return resp.Reports, err
}

// Get returns one report.
func (c *Client) Get(ctx context.Context, id types.TaskID) (types.CallReport, error) {
	var report types.CallReport
	err := c.invoke(ctx, MethodGet, TaskRequest{TaskID: id}, &report)
	return report, err
}

// Find queries the live queue.
func (c *Client) Find(ctx context.Context, criteria types.Criteria) ([]types.CallReport, error) {
	var resp ReportsResponse
	err := c.invoke(ctx, MethodFind, FindRequest{Criteria: criteria}, &resp)
	return resp.Reports, err
}

// Cancel cancels one task.
func (c *Client) Cancel(ctx context.Context, id types.TaskID) error {
	return c.invoke(ctx, MethodCancel, TaskRequest{TaskID: id}, nil)
}

// CancelGroup cancels every task of a job.
func (c *Client) CancelGroup(ctx context.Context, jobID string) (map[types.TaskID]string, error) {
	var resp CancelGroupResponse
	err := c.invoke(ctx, MethodCancelGroup, JobRequest{JobID: jobID}, &resp)
	return resp.Results, err
}

// Status returns queue statistics.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.invoke(ctx, MethodStatus, struct{}{}, &resp)
	return resp, err
}

// Healthy reports whether the Dispatcher service is serving.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
