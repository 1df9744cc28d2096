package ops

// ============================================================================
// 內建示範操作
// 職責：
// 1. 提供 dispatchd 與 demo 可直接執行的倉庫操作（sync / publish / delete）
// 2. 以 RegisterTyped 宣告參數結構，提交時即檢查參數
// 3. 註冊記錄完成結果的生命週期 hook
//
// 操作名稱：
//   repo.sync     逐單位同步並回報進度
//   repo.publish  發佈倉庫
//   repo.delete   刪除倉庫
//   system.sleep  佔用執行名額一段時間
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-dispatch/internal/call"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

var log = slog.Default()

// 操作名稱
const (
	Sync    = "repo.sync"
	Publish = "repo.publish"
	Delete  = "repo.delete"
	Sleep   = "system.sleep"

	// LogCompletion 完成時記錄結果的 hook
	LogCompletion = "ops.log_completion"
)

// ErrMissingRepo 未指定倉庫
var ErrMissingRepo = errors.New("ops: repo is required")

// SyncArgs repo.sync 參數
type SyncArgs struct {
	Repo    string `json:"repo"`
	Units   int    `json:"units"`
	DelayMs int    `json:"delay_ms"`
}

// SyncProgress repo.sync 的進度回報
type SyncProgress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// PublishArgs repo.publish 參數
type PublishArgs struct {
	Repo        string `json:"repo"`
	Distributor string `json:"distributor"`
}

// DeleteArgs repo.delete 參數
type DeleteArgs struct {
	Repo string `json:"repo"`
}

// SleepArgs system.sleep 參數
type SleepArgs struct {
	Seconds float64 `json:"seconds"`
}

// Register 把所有內建操作與 hook 加入註冊表
func Register(reg *call.Registry) error {
	err := errors.Join(
		call.RegisterTyped(reg, Sync, syncRepo, call.WithValidator(requireRepo)),
		call.RegisterTyped(reg, Publish, publish, call.WithValidator(requireRepo)),
		call.RegisterTyped(reg, Delete, deleteRepo, call.WithValidator(requireRepo)),
		call.RegisterTyped(reg, Sleep, sleep),
		reg.RegisterHook(LogCompletion, logCompletion),
	)
	if err != nil {
		return fmt.Errorf("ops: register: %w", err)
	}
	return nil
}

// SyncRequest 建立同步請求：更新倉庫並標記 action:sync
func SyncRequest(reg *call.Registry, repo string, units int, delay time.Duration, opts ...call.Option) (*call.CallRequest, error) {
	base := []call.Option{
		call.WithKwargs(map[string]any{"repo": repo, "units": units, "delay_ms": delay.Milliseconds()}),
		call.UpdatesResource("repository", repo),
		call.WithTags("repository:"+repo, "action:sync"),
		call.WithHook(types.HookComplete, LogCompletion),
	}
	return call.NewCallRequest(reg, Sync, append(base, opts...)...)
}

// PublishRequest 建立發佈請求：讀取倉庫
func PublishRequest(reg *call.Registry, repo, distributor string, opts ...call.Option) (*call.CallRequest, error) {
	base := []call.Option{
		call.WithKwargs(map[string]any{"repo": repo, "distributor": distributor}),
		call.ReadsResource("repository", repo),
		call.WithTags("repository:"+repo, "action:publish"),
		call.WithHook(types.HookComplete, LogCompletion),
	}
	return call.NewCallRequest(reg, Publish, append(base, opts...)...)
}

// DeleteRequest 建立刪除請求
func DeleteRequest(reg *call.Registry, repo string, opts ...call.Option) (*call.CallRequest, error) {
	base := []call.Option{
		call.WithKwargs(map[string]any{"repo": repo}),
		call.DeletesResource("repository", repo),
		call.WithTags("repository:"+repo, "action:delete"),
		call.WithHook(types.HookComplete, LogCompletion),
	}
	return call.NewCallRequest(reg, Delete, append(base, opts...)...)
}

func requireRepo(_ []any, kwargs map[string]any) error {
	if repo, _ := kwargs["repo"].(string); repo == "" {
		return ErrMissingRepo
	}
	return nil
}

func syncRepo(ctx context.Context, inv *call.Invocation, in SyncArgs) (any, error) {
	total := max(in.Units, 1)
	delay := time.Duration(in.DelayMs) * time.Millisecond

	for done := 1; done <= total; done++ {
		if err := wait(ctx, delay); err != nil {
			return nil, err
		}
		inv.Progress(SyncProgress{Done: done, Total: total})
	}
	return map[string]any{"repo": in.Repo, "units": total}, nil
}

func publish(ctx context.Context, _ *call.Invocation, in PublishArgs) (any, error) {
	if err := wait(ctx, 50*time.Millisecond); err != nil {
		return nil, err
	}
	distributor := in.Distributor
	if distributor == "" {
		distributor = "default"
	}
	return map[string]any{"repo": in.Repo, "path": fmt.Sprintf("/pub/%s/%s", distributor, in.Repo)}, nil
}

func deleteRepo(ctx context.Context, _ *call.Invocation, in DeleteArgs) (any, error) {
	if err := wait(ctx, 10*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": in.Repo}, nil
}

func sleep(ctx context.Context, _ *call.Invocation, in SleepArgs) (any, error) {
	if in.Seconds < 0 {
		return nil, fmt.Errorf("%w: seconds must not be negative", call.ErrInvalidArguments)
	}
	d := time.Duration(in.Seconds * float64(time.Second))
	return nil, wait(ctx, d)
}

// wait 等待 d 或 ctx 結束
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// logCompletion 在 dispatcher 鎖內執行，只做記錄
func logCompletion(req *call.CallRequest, report *types.CallReport) {
	attrs := []any{
		"task_id", report.TaskID,
		"operation", report.Operation,
		"state", report.State,
	}
	if report.StartTime != nil && report.FinishTime != nil {
		attrs = append(attrs, "duration", report.FinishTime.Sub(*report.StartTime))
	}
	if report.Exception != "" {
		attrs = append(attrs, "exception", report.Exception)
	}
	if req.JobID() != "" {
		attrs = append(attrs, "job_id", req.JobID())
	}
	log.Info("Call completed", attrs...)
}
