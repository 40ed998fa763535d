package executor

import (
	"context"

	"github.com/taskfleet/taskfleet/pkg/types"
)

// PushNormalTaskRequest dispatches a task to a leased worker for
// execution.
type PushNormalTaskRequest struct {
	TaskSpec *types.TaskSpec `json:"task_spec"`
	// ResourceMapping is the set of resources the broker assigned to
	// the worker's lease.
	ResourceMapping []types.ResourceMapEntry `json:"resource_mapping,omitempty"`
	// IntendedWorkerID guards against dispatching to a recycled
	// worker process listening on the same address.
	IntendedWorkerID types.WorkerID `json:"intended_worker_id"`
}

// PushNormalTaskReply describes the outcome of executing a task. The
// reply is only delivered once execution finished; a transport error
// means the worker died mid-task.
type PushNormalTaskReply struct {
	IsApplicationError        bool   `json:"is_application_error,omitempty"`
	IsRetryableError          bool   `json:"is_retryable_error,omitempty"`
	WorkerExiting             bool   `json:"worker_exiting,omitempty"`
	WasCancelledBeforeRunning bool   `json:"was_cancelled_before_running,omitempty"`
	TaskExecutionError        string `json:"task_execution_error,omitempty"`
}

// CancelTaskRequest asks a worker to cancel a task it is executing or
// has queued.
type CancelTaskRequest struct {
	IntendedTaskID types.TaskID   `json:"intended_task_id"`
	ForceKill      bool           `json:"force_kill"`
	Recursive      bool           `json:"recursive"`
	CallerWorkerID types.WorkerID `json:"caller_worker_id"`
}

// CancelTaskReply reports whether the cancellation attempt landed.
// AttemptSucceeded false with RequestedTaskRunning true means the worker
// could not interrupt the task yet and the caller should retry.
type CancelTaskReply struct {
	AttemptSucceeded     bool `json:"attempt_succeeded"`
	RequestedTaskRunning bool `json:"requested_task_running"`
}

// RemoteCancelTaskRequest cancels a task on a remote worker identified
// by one of the objects it returns.
type RemoteCancelTaskRequest struct {
	RemoteObjectID types.ObjectID `json:"remote_object_id"`
	ForceKill      bool           `json:"force_kill"`
	Recursive      bool           `json:"recursive"`
}

// Client is the submitter's view of a single execution worker. All
// methods are synchronous; the submitter invokes them from dedicated
// goroutines so that no RPC is ever performed while holding its lock.
type Client interface {
	PushNormalTask(ctx context.Context, request *PushNormalTaskRequest) (*PushNormalTaskReply, error)
	CancelTask(ctx context.Context, request *CancelTaskRequest) (*CancelTaskReply, error)
	RemoteCancelTask(ctx context.Context, request *RemoteCancelTaskRequest) error
}
