package broker

import (
	"context"

	"github.com/taskfleet/taskfleet/pkg/types"
)

// SchedulingFailureType indicates why a broker cancelled a worker lease
// request instead of granting it.
type SchedulingFailureType int32

const (
	// SchedulingFailureNone is set on replies that were not
	// cancelled.
	SchedulingFailureNone SchedulingFailureType = iota
	// SchedulingFailureRuntimeEnvSetupFailed indicates the runtime
	// environment for the lease could not be set up.
	SchedulingFailureRuntimeEnvSetupFailed
	// SchedulingFailurePlacementGroupRemoved indicates the placement
	// group backing the lease was removed.
	SchedulingFailurePlacementGroupRemoved
	// SchedulingFailureUnschedulable indicates the request can never
	// be satisfied on the current cluster.
	SchedulingFailureUnschedulable
	// SchedulingFailureOther covers transient cancellations. The
	// submitter reacts to these by simply requesting a new lease.
	SchedulingFailureOther
)

// RequestWorkerLeaseRequest asks a broker for a time-bounded exclusive
// lease on a worker capable of running tasks shaped like ResourceSpec.
type RequestWorkerLeaseRequest struct {
	// ResourceSpec is a representative task spec for the scheduling
	// key on whose behalf the lease is requested. Its task ID is
	// freshly randomized per request and identifies the lease itself.
	ResourceSpec *types.TaskSpec `json:"resource_spec"`
	// GrantOrReject is set on spillback retries. It forbids the
	// broker from redirecting the request a second time; the broker
	// must either grant a worker or reject.
	GrantOrReject bool `json:"grant_or_reject"`
	// BacklogSize is the number of queued tasks behind this request,
	// used by the broker for autoscaling hints.
	BacklogSize int64 `json:"backlog_size"`
	// SelectedByLocality reports whether the lease policy picked this
	// broker because it holds the task's dependencies.
	SelectedByLocality bool `json:"selected_by_locality"`
}

// RequestWorkerLeaseReply carries exactly one of four outcomes: a
// granted worker, a redirect to another broker, a rejection of a
// spillback attempt, or a cancellation.
type RequestWorkerLeaseReply struct {
	// WorkerAddress is set when a worker was granted.
	WorkerAddress *types.WorkerAddress `json:"worker_address,omitempty"`
	// ResourceMapping lists the resources assigned to the granted
	// worker. It must be echoed back when the worker is returned.
	ResourceMapping []types.ResourceMapEntry `json:"resource_mapping,omitempty"`
	// RetryAtBrokerAddress is set when the broker redirects the
	// request to a node believed to have capacity (spillback).
	RetryAtBrokerAddress *types.NodeAddress `json:"retry_at_broker_address,omitempty"`
	// Rejected is set when a spillback attempt could not be granted.
	Rejected bool `json:"rejected,omitempty"`
	// Canceled is set when the broker gave up on the request; the
	// failure type says why.
	Canceled                 bool                  `json:"canceled,omitempty"`
	FailureType              SchedulingFailureType `json:"failure_type,omitempty"`
	SchedulingFailureMessage string                `json:"scheduling_failure_message,omitempty"`
}

// CancelWorkerLeaseReply reports whether the broker found and cancelled
// the lease request. Success is false if the broker has not yet seen the
// request, in which case the caller should retry.
type CancelWorkerLeaseReply struct {
	Success bool `json:"success"`
}

// ReturnWorkerRequest hands a leased worker back to the broker that
// granted it.
type ReturnWorkerRequest struct {
	Port                        int                      `json:"port"`
	WorkerID                    types.WorkerID           `json:"worker_id"`
	DisconnectWorker            bool                     `json:"disconnect_worker"`
	DisconnectWorkerErrorDetail string                   `json:"disconnect_worker_error_detail,omitempty"`
	WorkerExiting               bool                     `json:"worker_exiting"`
	ResourceMapping             []types.ResourceMapEntry `json:"resource_mapping,omitempty"`
}

// WorkerBacklogReport conveys the number of queued tasks of a single
// scheduling class that the submitter has not yet requested leases for.
type WorkerBacklogReport struct {
	ResourceSpec *types.TaskSpec `json:"resource_spec"`
	BacklogSize  int64           `json:"backlog_size"`
}

// GetTaskFailureCauseReply carries the broker's authoritative failure
// cause for a task that failed while executing under one of its leases.
type GetTaskFailureCauseReply struct {
	FailureCause        *types.ErrorInfo `json:"failure_cause,omitempty"`
	FailTaskImmediately bool             `json:"fail_task_immediately"`
}

// Client is the submitter's view of a single broker instance. All
// methods are synchronous; the submitter invokes them from dedicated
// goroutines so that no RPC is ever performed while holding its lock.
//
// Implementations must report failures to reach the broker as gRPC
// status errors with codes.Unavailable. The submitter treats any other
// error code as a response from a live broker; an unreachable local
// broker that does not carry codes.Unavailable would be retried against
// forever instead of being declared dead.
type Client interface {
	RequestWorkerLease(ctx context.Context, request *RequestWorkerLeaseRequest) (*RequestWorkerLeaseReply, error)
	CancelWorkerLease(ctx context.Context, leaseTaskID types.TaskID) (*CancelWorkerLeaseReply, error)
	ReturnWorker(ctx context.Context, request *ReturnWorkerRequest) error
	ReportWorkerBacklog(ctx context.Context, workerID types.WorkerID, reports []*WorkerBacklogReport) error
	GetTaskFailureCause(ctx context.Context, leaseTaskID types.TaskID) (*GetTaskFailureCauseReply, error)
}
