package submitter

import (
	"sync"

	"github.com/taskfleet/taskfleet/pkg/executor"
	"github.com/taskfleet/taskfleet/pkg/types"

	"go.uber.org/zap"
)

type taskState int

const (
	taskStateResolving taskState = iota
	taskStateWaitingForLease
	taskStateWaitingForExecution
	taskStateFinished
	taskStateFailed
)

type taskRecord struct {
	spec        *types.TaskSpec
	state       taskState
	retriesLeft int32
	canceled    bool
	failure     *types.ErrorInfo
}

// InMemoryTaskManager is a self-contained task lifecycle tracker. It
// keeps a record per submitted task, applies the per-task retry budget
// and hands retried tasks back through a resubmission callback.
//
// It is used by the standalone daemon; embedders with their own object
// and lineage tracking provide their own TaskManager instead.
type InMemoryTaskManager struct {
	logger *zap.Logger

	// resubmit re-enters a task into the submitter. It is always
	// invoked from a fresh goroutine, so that the submitter's lock is
	// never re-entered from one of its own callbacks.
	resubmit func(spec *types.TaskSpec)

	lock  sync.Mutex
	tasks map[types.TaskID]*taskRecord
}

var _ TaskManager = (*InMemoryTaskManager)(nil)

// NewInMemoryTaskManager creates a task manager without any tasks.
func NewInMemoryTaskManager(logger *zap.Logger, resubmit func(spec *types.TaskSpec)) *InMemoryTaskManager {
	return &InMemoryTaskManager{
		logger:   logger,
		resubmit: resubmit,
		tasks:    map[types.TaskID]*taskRecord{},
	}
}

// RegisterTask records a task about to be submitted. It must be called
// before the task is handed to the submitter.
func (tm *InMemoryTaskManager) RegisterTask(spec *types.TaskSpec) {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	tm.tasks[spec.TaskID] = &taskRecord{
		spec:        spec,
		retriesLeft: spec.MaxRetries,
	}
}

// TaskFailure returns the failure recorded for a task, or nil if the
// task did not fail terminally.
func (tm *InMemoryTaskManager) TaskFailure(taskID types.TaskID) *types.ErrorInfo {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	if record, ok := tm.tasks[taskID]; ok {
		return record.failure
	}
	return nil
}

// NumPendingTasks returns the number of tasks that have neither finished
// nor failed terminally.
func (tm *InMemoryTaskManager) NumPendingTasks() int {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	pending := 0
	for _, record := range tm.tasks {
		if record.state != taskStateFinished && record.state != taskStateFailed {
			pending++
		}
	}
	return pending
}

// MarkDependenciesResolved records completion of dependency resolution.
func (tm *InMemoryTaskManager) MarkDependenciesResolved(taskID types.TaskID) {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	if record, ok := tm.tasks[taskID]; ok && record.state == taskStateResolving {
		record.state = taskStateWaitingForLease
	}
}

// MarkTaskWaitingForExecution records that the task has been dispatched
// to a worker.
func (tm *InMemoryTaskManager) MarkTaskWaitingForExecution(taskID types.TaskID, nodeID types.NodeID, workerID types.WorkerID) {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	if record, ok := tm.tasks[taskID]; ok {
		record.state = taskStateWaitingForExecution
	}
}

// MarkTaskCanceled records the intent to cancel the task.
func (tm *InMemoryTaskManager) MarkTaskCanceled(taskID types.TaskID) {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	if record, ok := tm.tasks[taskID]; ok {
		record.canceled = true
		// A cancelled task is never retried.
		record.retriesLeft = 0
	}
}

// IsTaskPending returns true if the task has neither finished nor failed
// terminally.
func (tm *InMemoryTaskManager) IsTaskPending(taskID types.TaskID) bool {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	record, ok := tm.tasks[taskID]
	return ok && record.state != taskStateFinished && record.state != taskStateFailed
}

// FailOrRetryPendingTask consumes one retry if the budget and the error
// classification permit, resubmitting the task. Otherwise the task is
// failed terminally.
func (tm *InMemoryTaskManager) FailOrRetryPendingTask(taskID types.TaskID, errorType types.ErrorType, cause error, errorInfo *types.ErrorInfo, markTaskObjectFailed, failImmediately bool) bool {
	tm.lock.Lock()
	record, ok := tm.tasks[taskID]
	if !ok || record.state == taskStateFinished || record.state == taskStateFailed {
		tm.lock.Unlock()
		return false
	}
	if !failImmediately && !record.canceled && record.retriesLeft > 0 {
		record.retriesLeft--
		record.state = taskStateResolving
		spec := record.spec
		retriesLeft := record.retriesLeft
		tm.lock.Unlock()

		tm.logger.Info("Retrying failed task",
			zap.Stringer("taskID", taskID),
			zap.Stringer("errorType", errorType),
			zap.Int32("retriesLeft", retriesLeft),
			zap.Error(cause))
		go tm.resubmit(spec)
		return true
	}
	tm.failLocked(record, taskID, errorType, cause, errorInfo)
	tm.lock.Unlock()
	return false
}

// FailPendingTask fails the task terminally, bypassing the retry budget.
func (tm *InMemoryTaskManager) FailPendingTask(taskID types.TaskID, errorType types.ErrorType, cause error, errorInfo *types.ErrorInfo) {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	record, ok := tm.tasks[taskID]
	if !ok || record.state == taskStateFinished || record.state == taskStateFailed {
		return
	}
	tm.failLocked(record, taskID, errorType, cause, errorInfo)
}

func (tm *InMemoryTaskManager) failLocked(record *taskRecord, taskID types.TaskID, errorType types.ErrorType, cause error, errorInfo *types.ErrorInfo) {
	record.state = taskStateFailed
	if errorInfo == nil {
		message := ""
		if cause != nil {
			message = cause.Error()
		}
		errorInfo = &types.ErrorInfo{ErrorType: errorType, ErrorMessage: message}
	}
	record.failure = errorInfo
	tm.logger.Warn("Task failed",
		zap.Stringer("taskID", taskID),
		zap.Stringer("errorType", errorType),
		zap.String("errorMessage", errorInfo.ErrorMessage))
}

// RetryTaskIfPossible consumes one retry for a retryable application
// exception, resubmitting the task.
func (tm *InMemoryTaskManager) RetryTaskIfPossible(taskID types.TaskID, errorInfo *types.ErrorInfo) bool {
	tm.lock.Lock()
	record, ok := tm.tasks[taskID]
	if !ok || record.canceled || record.retriesLeft <= 0 {
		tm.lock.Unlock()
		return false
	}
	record.retriesLeft--
	record.state = taskStateResolving
	spec := record.spec
	tm.lock.Unlock()

	tm.logger.Info("Retrying task after retryable application error",
		zap.Stringer("taskID", taskID),
		zap.String("errorMessage", errorInfo.ErrorMessage))
	go tm.resubmit(spec)
	return true
}

// CompletePendingTask records the successful completion of the task.
func (tm *InMemoryTaskManager) CompletePendingTask(taskID types.TaskID, reply *executor.PushNormalTaskReply, workerAddress types.WorkerAddress, isApplicationError bool) {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	if record, ok := tm.tasks[taskID]; ok {
		record.state = taskStateFinished
		if isApplicationError {
			record.failure = &types.ErrorInfo{
				ErrorType:    types.ErrorTypeTaskExecutionException,
				ErrorMessage: reply.TaskExecutionError,
			}
		}
	}
}

// MarkGeneratorFailedAndResubmit resubmits a generator task without
// consuming a retry, as resubmission happens for object recovery rather
// than failure handling.
func (tm *InMemoryTaskManager) MarkGeneratorFailedAndResubmit(taskID types.TaskID) {
	tm.lock.Lock()
	record, ok := tm.tasks[taskID]
	if !ok || record.canceled {
		tm.lock.Unlock()
		return
	}
	record.state = taskStateResolving
	spec := record.spec
	tm.lock.Unlock()

	tm.logger.Info("Resubmitting generator task", zap.Stringer("taskID", taskID))
	go tm.resubmit(spec)
}
