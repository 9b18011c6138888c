package task

import (
	"sort"

	"github.com/janreges/axon-mcp-sub003/types"
)

// validTransitions 定义合法的状态转换（通配的 quarantined 除外）
var validTransitions = map[types.TaskState][]types.TaskState{
	types.TaskStateCreated: {
		types.TaskStateInProgress,
		types.TaskStatePendingDecomposition,
		types.TaskStateWaitingForDependency,
	},
	types.TaskStatePendingDecomposition: {types.TaskStateCreated},
	types.TaskStateWaitingForDependency: {types.TaskStateCreated},
	types.TaskStateInProgress: {
		types.TaskStateBlocked,
		types.TaskStateReview,
		types.TaskStatePendingHandoff,
	},
	types.TaskStateBlocked:        {types.TaskStateInProgress},
	types.TaskStateReview:         {types.TaskStateInProgress, types.TaskStateDone},
	types.TaskStatePendingHandoff: {types.TaskStateInProgress},
	types.TaskStateDone:           {types.TaskStateArchived},
	// quarantined 只能回到 created（人工复核后重置）
	types.TaskStateQuarantined: {types.TaskStateCreated},
}

// CanTransition 检查状态转换是否合法。任何状态都可以进入 quarantined。
func CanTransition(from, to types.TaskState) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if to == types.TaskStateQuarantined {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Targets returns the legal next states of from, sorted by token.
func Targets(from types.TaskState) []types.TaskState {
	if !from.IsValid() {
		return nil
	}
	out := make([]types.TaskState, 0, len(validTransitions[from])+1)
	out = append(out, validTransitions[from]...)
	out = append(out, types.TaskStateQuarantined)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
