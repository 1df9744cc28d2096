package coordinator

// ============================================================================
// 資源衝突判斷
// 職責：
// 1. 佇列中操作 x 提議操作 -> accepted / postponed / rejected
// 2. 對所有未完成任務的資源宣告做比對，收集阻塞任務與原因
// 3. rejected 優先於 postponed
// ============================================================================

import (
	"slices"

	"github.com/ChuLiYu/beaver-dispatch/internal/task"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// operationMatrix [佇列中操作][提議操作] -> 准入結果
//
// execute 視同 update（見 normalize）。
var operationMatrix = map[types.Operation]map[types.Operation]types.Response{
	types.OpCreate: {
		types.OpCreate: types.ResponseRejected,
		types.OpRead:   types.ResponsePostponed,
		types.OpUpdate: types.ResponsePostponed,
		types.OpDelete: types.ResponsePostponed,
	},
	types.OpRead: {
		types.OpCreate: types.ResponsePostponed,
		types.OpRead:   types.ResponseAccepted,
		types.OpUpdate: types.ResponsePostponed,
		types.OpDelete: types.ResponsePostponed,
	},
	types.OpUpdate: {
		types.OpCreate: types.ResponsePostponed,
		types.OpRead:   types.ResponsePostponed,
		types.OpUpdate: types.ResponsePostponed,
		types.OpDelete: types.ResponsePostponed,
	},
	types.OpDelete: {
		types.OpCreate: types.ResponsePostponed,
		types.OpRead:   types.ResponseRejected,
		types.OpUpdate: types.ResponseRejected,
		types.OpDelete: types.ResponseRejected,
	},
}

func normalize(op types.Operation) types.Operation {
	if op == types.OpExecute {
		return types.OpUpdate
	}
	return op
}

// Admission 回傳佇列中已有 queued 操作時，提議 proposed 操作的准入結果
func Admission(queued, proposed types.Operation) types.Response {
	return operationMatrix[normalize(queued)][normalize(proposed)]
}

// conflicts 比對提議的資源宣告與所有未完成任務
//
// 回傳准入結果、造成該結果的任務（依 active 順序）與原因（去重）。
func conflicts(active []*task.Task, proposed types.Resources) (types.Response, []types.TaskID, []types.Reason) {
	if len(proposed) == 0 {
		return types.ResponseAccepted, nil, nil
	}

	var (
		postponing, rejecting  []types.TaskID
		postponeWhy, rejectWhy []types.Reason
	)
	add := func(ids *[]types.TaskID, reasons *[]types.Reason, r types.Reason) {
		if !slices.Contains(*ids, r.TaskID) {
			*ids = append(*ids, r.TaskID)
		}
		if !slices.Contains(*reasons, r) {
			*reasons = append(*reasons, r)
		}
	}

	for _, other := range active {
		reserved := other.Request().Resources()
		for _, typ := range sortedKeys(proposed) {
			for _, id := range sortedKeys(proposed[typ]) {
				for _, queuedOp := range reserved[typ][id] {
					for _, proposedOp := range proposed[typ][id] {
						reason := types.Reason{
							ResourceType: typ,
							ResourceID:   id,
							Operation:    queuedOp,
							TaskID:       other.ID(),
						}
						switch Admission(queuedOp, proposedOp) {
						case types.ResponseRejected:
							add(&rejecting, &rejectWhy, reason)
						case types.ResponsePostponed:
							add(&postponing, &postponeWhy, reason)
						}
					}
				}
			}
		}
	}

	if len(rejecting) > 0 {
		return types.ResponseRejected, rejecting, rejectWhy
	}
	if len(postponing) > 0 {
		return types.ResponsePostponed, postponing, postponeWhy
	}
	return types.ResponseAccepted, nil, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
