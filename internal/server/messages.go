package server

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/internal/taskqueue"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// SubmitRequest describes one call on the wire.
type SubmitRequest struct {
	// TaskID is optional; set it to reference the call from DependsOn in the
	// same group.
	TaskID     types.TaskID    `json:"task_id,omitempty"`
	Operation  string          `json:"operation"`
	Args       []any           `json:"args,omitempty"`
	Kwargs     map[string]any  `json:"kwargs,omitempty"`
	Resources  types.Resources `json:"resources,omitempty"`
	Weight     *int            `json:"weight,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Archive    bool            `json:"archive,omitempty"`
	Principal  string          `json:"principal,omitempty"`
	ScheduleID string          `json:"schedule_id,omitempty"`
	TimeoutMs  int64           `json:"timeout_ms,omitempty"`
	DependsOn  []types.TaskID  `json:"depends_on,omitempty"`
	Unique     bool            `json:"unique,omitempty"`
}

// SubmitGroupRequest submits calls under one fresh job id.
type SubmitGroupRequest struct {
	Calls []SubmitRequest `json:"calls"`
}

// TaskRequest names one task.
type TaskRequest struct {
	TaskID types.TaskID `json:"task_id"`
}

// JobRequest names one job (call group).
type JobRequest struct {
	JobID string `json:"job_id"`
}

// FindRequest is a query.
type FindRequest struct {
	Criteria types.Criteria `json:"criteria"`
}

// ReportsResponse carries a list of reports.
type ReportsResponse struct {
	Reports []types.CallReport `json:"reports"`
}

// CancelGroupResponse maps each task of the job to "" on success or the
// cancellation error.
type CancelGroupResponse struct {
	Results map[types.TaskID]string `json:"results"`
}

// StatusResponse reports the dispatch queue.
type StatusResponse struct {
	Stats      taskqueue.Stats `json:"stats"`
	Operations []string        `json:"operations"`
}

// Options converts the wire form into CallRequest options.
func (r SubmitRequest) Options() []call.Option {
	var opts []call.Option
	if r.TaskID != "" {
		opts = append(opts, call.WithID(r.TaskID))
	}
	if len(r.Args) > 0 {
		opts = append(opts, call.WithArgs(r.Args...))
	}
	if len(r.Kwargs) > 0 {
		opts = append(opts, call.WithKwargs(r.Kwargs))
	}
	for typ, ids := range r.Resources {
		for id, ops := range ids {
			for _, op := range ops {
				opts = append(opts, call.WithResource(typ, id, op))
			}
		}
	}
	if r.Weight != nil {
		opts = append(opts, call.WithWeight(*r.Weight))
	}
	if len(r.Tags) > 0 {
		opts = append(opts, call.WithTags(r.Tags...))
	}
	if r.Archive {
		opts = append(opts, call.WithArchive())
	}
	if r.Principal != "" {
		opts = append(opts, call.WithPrincipal(r.Principal))
	}
	if r.ScheduleID != "" {
		opts = append(opts, call.WithScheduleID(r.ScheduleID))
	}
	if r.TimeoutMs > 0 {
		opts = append(opts, call.WithTimeout(time.Duration(r.TimeoutMs)*time.Millisecond))
	}
	for _, id := range r.DependsOn {
		opts = append(opts, call.DependsOn(id))
	}
	return opts
}

// Encode converts v, which must marshal to a JSON object, into a Struct.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("server: encode: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("server: encode: %w", err)
	}
	return out, nil
}

// Decode converts a Struct into v.
func Decode(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("server: decode: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("server: decode: %w", err)
	}
	return nil
}
