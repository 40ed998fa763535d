package submitter

import (
	"github.com/taskfleet/taskfleet/pkg/executor"
	"github.com/taskfleet/taskfleet/pkg/types"
)

// TaskManager tracks the lifecycle of every submitted task and owns the
// retry policy. The submitter reports every fate change to it and defers
// all retry decisions.
//
// The submitter may invoke TaskManager methods while holding its own
// lock; implementations must therefore never call back into the
// submitter synchronously.
type TaskManager interface {
	// MarkDependenciesResolved records that dependency resolution for
	// the task completed, successfully or not.
	MarkDependenciesResolved(taskID types.TaskID)

	// MarkTaskWaitingForExecution records that the task has been
	// dispatched to a worker and is now awaiting execution.
	MarkTaskWaitingForExecution(taskID types.TaskID, nodeID types.NodeID, workerID types.WorkerID)

	// MarkTaskCanceled records the caller's intent to cancel the
	// task.
	MarkTaskCanceled(taskID types.TaskID)

	// IsTaskPending returns true if the task has neither finished nor
	// failed terminally.
	IsTaskPending(taskID types.TaskID) bool

	// FailOrRetryPendingTask applies the retry policy to a failed
	// task. It returns true if a retry was scheduled; otherwise the
	// task is failed terminally with the given error classification.
	FailOrRetryPendingTask(taskID types.TaskID, errorType types.ErrorType, cause error, errorInfo *types.ErrorInfo, markTaskObjectFailed, failImmediately bool) bool

	// FailPendingTask fails the task terminally, bypassing the retry
	// policy.
	FailPendingTask(taskID types.TaskID, errorType types.ErrorType, cause error, errorInfo *types.ErrorInfo)

	// RetryTaskIfPossible schedules a retry for a task that raised a
	// retryable application exception, returning false if the retry
	// budget is exhausted.
	RetryTaskIfPossible(taskID types.TaskID, errorInfo *types.ErrorInfo) bool

	// CompletePendingTask records the successful completion of the
	// task, storing its results.
	CompletePendingTask(taskID types.TaskID, reply *executor.PushNormalTaskReply, workerAddress types.WorkerAddress, isApplicationError bool)

	// MarkGeneratorFailedAndResubmit resubmits a generator task whose
	// produced object sequence is being recovered.
	MarkGeneratorFailedAndResubmit(taskID types.TaskID)
}
