// Package ops provides the OP/task tree helpers that sit on top of
// pkg/types' OPInfo/Task records: pre-order DFS walk order, concurrent
// sibling grouping, and the CreateXxxOPTask registry that materializes a
// task list deterministically from an OP's arguments (component C5, the
// OP model consumed by the scheduler in pkg/scheduler).
package ops

import (
	"fmt"

	"github.com/cuemby/nscoord/pkg/types"
)

// Builder accumulates a flat task list while preserving the tree
// relationships (ParentIdx) needed for pre-order DFS / concurrent-group
// execution.
type Builder struct {
	tasks []types.Task
}

// NewBuilder creates an empty task-list builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends a top-level task (no parent) and returns its index, usable
// as a parent for subsequently added sub-tasks.
func (b *Builder) Add(taskType types.TaskType, endpoint string, args map[string]interface{}) int {
	return b.AddChild(types.NoParentTask, taskType, endpoint, args)
}

// AddChild appends a task as a child of parentIdx (or a top-level task if
// parentIdx is types.NoParentTask).
func (b *Builder) AddChild(parentIdx int, taskType types.TaskType, endpoint string, args map[string]interface{}) int {
	b.tasks = append(b.tasks, types.Task{
		TaskID:    uint64(len(b.tasks)),
		Type:      taskType,
		Endpoint:  endpoint,
		Status:    types.TaskInited,
		ParentIdx: parentIdx,
		Args:      args,
	})
	return len(b.tasks) - 1
}

// MarkConcurrent flags every task whose ParentIdx equals parentIdx as
// running in parallel with its siblings rather than sequentially.
func (b *Builder) MarkConcurrent(parentIdx int) {
	for i := range b.tasks {
		if b.tasks[i].ParentIdx == parentIdx {
			b.tasks[i].Concurrent = true
		}
	}
}

// Tasks returns the built task list.
func (b *Builder) Tasks() []types.Task {
	return b.tasks
}

// NextRunnable walks the task list in pre-order DFS order (parents before
// children, siblings in insertion order) and returns the index of the
// earliest task that is not terminal and whose parent (if any) has
// already completed — the next task ProcessTask should dispatch. It
// returns -1 if every task has finished.
func NextRunnable(tasks []types.Task) int {
	for i := range tasks {
		t := &tasks[i]
		if t.Status.IsTerminal() {
			continue
		}
		if t.ParentIdx == types.NoParentTask {
			return i
		}
		parent := &tasks[t.ParentIdx]
		if parent.Status == types.TaskDone {
			return i
		}
		// Parent not yet done: this sub-task isn't runnable yet, keep
		// scanning in case a sibling subtree or later top-level task is.
	}
	return -1
}

// ConcurrentGroup returns the indices of every task sharing parentIdx
// that is flagged Concurrent, in the order they appear in tasks. Used by
// RunSubTask to fan a sub-task group out to the task pool together.
func ConcurrentGroup(tasks []types.Task, parentIdx int) []int {
	var group []int
	for i, t := range tasks {
		if t.ParentIdx == parentIdx && t.Concurrent {
			group = append(group, i)
		}
	}
	return group
}

// AllTerminal reports whether every task in the OP has reached a
// terminal status.
func AllTerminal(op *types.OPInfo) bool {
	for _, t := range op.Tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any task in the OP has failed or been
// canceled — the OP itself should transition to the same terminal state.
func AnyFailed(op *types.OPInfo) (types.TaskStatus, bool) {
	for _, t := range op.Tasks {
		if t.Status == types.TaskFailed {
			return types.TaskFailed, true
		}
		if t.Status == types.TaskCanceled {
			return types.TaskCanceled, true
		}
	}
	return "", false
}

// ShardFor returns the queue shard index for a (pid, concurrency) pair,
// enforcing invariant I5: every OP touching the same partition lands on
// the same shard and therefore executes serially relative to the others.
func ShardFor(pid uint32, concurrency int) int {
	if concurrency <= 0 {
		concurrency = 1
	}
	return int(pid) % concurrency
}

// Validate checks structural invariants of a freshly built task list: no
// task other than the first top-level one may have an out-of-range
// ParentIdx, and Concurrent can only be set on tasks that have a parent.
func Validate(tasks []types.Task) error {
	for i, t := range tasks {
		if t.ParentIdx != types.NoParentTask && (t.ParentIdx < 0 || t.ParentIdx >= len(tasks)) {
			return fmt.Errorf("task %d has out-of-range parent %d", i, t.ParentIdx)
		}
		if t.ParentIdx >= i {
			return fmt.Errorf("task %d parent %d must precede it", i, t.ParentIdx)
		}
		if t.Concurrent && t.ParentIdx == types.NoParentTask {
			return fmt.Errorf("task %d is marked concurrent but has no parent", i)
		}
	}
	return nil
}
