package submitter

import (
	"time"

	"github.com/taskfleet/taskfleet/pkg/types"
)

// schedulingKeyEntry holds all scheduling state for one scheduling key:
// the queue of ready tasks, the lease requests in flight on their
// behalf, and the workers currently leased for them.
type schedulingKeyEntry struct {
	// taskQueue holds ready-to-execute tasks in FIFO order.
	taskQueue []*types.TaskSpec

	// pendingLeaseRequests maps the synthetic task ID of every
	// in-flight lease request to the broker it was sent to.
	pendingLeaseRequests map[types.TaskID]types.NodeAddress

	// activeWorkers is the set of leased workers assigned to this
	// key; numBusyWorkers counts how many of them are executing a
	// task right now.
	activeWorkers  map[types.WorkerAddress]struct{}
	numBusyWorkers int

	// resourceSpec is a representative task spec used as the payload
	// of lease requests. It is overwritten by every newly queued
	// task, so that it always reflects the most recent demand.
	resourceSpec *types.TaskSpec

	lastReportedBacklogSize int64
}

func newSchedulingKeyEntry() *schedulingKeyEntry {
	return &schedulingKeyEntry{
		pendingLeaseRequests: map[types.TaskID]types.NodeAddress{},
		activeWorkers:        map[types.WorkerAddress]struct{}{},
	}
}

// allWorkersBusy returns true if every leased worker for this key is
// executing a task, meaning additional demand cannot be served by
// reusing an existing lease.
func (e *schedulingKeyEntry) allWorkersBusy() bool {
	return e.numBusyWorkers == len(e.activeWorkers)
}

// canDelete returns true if the entry carries no state whatsoever and
// may be removed from the scheduling key table.
func (e *schedulingKeyEntry) canDelete() bool {
	return len(e.taskQueue) == 0 &&
		len(e.pendingLeaseRequests) == 0 &&
		len(e.activeWorkers) == 0 &&
		e.numBusyWorkers == 0
}

// backlogSize returns the number of queued tasks that no in-flight
// lease request accounts for yet.
func (e *schedulingKeyEntry) backlogSize() int64 {
	queued := int64(len(e.taskQueue))
	pending := int64(len(e.pendingLeaseRequests))
	if pending > queued {
		pending = queued
	}
	return queued - pending
}

// leaseEntry tracks a single leased worker for the duration of its
// lease.
type leaseEntry struct {
	// brokerAddress identifies the broker that granted the lease. The
	// worker must be returned to the same broker, and failure causes
	// are fetched from it.
	brokerAddress types.NodeAddress

	// leaseExpiration is the point in time after which no new tasks
	// may be dispatched onto the worker.
	leaseExpiration time.Time

	// assignedResources is the resource set the broker attached to
	// the lease, echoed back on every push and on return.
	assignedResources []types.ResourceMapEntry

	schedulingKey types.SchedulingKey

	// leaseTaskID is the synthetic task ID under which the lease was
	// requested. The broker keys its per-lease state by it.
	leaseTaskID types.TaskID

	// isBusy is true while exactly one task is in flight on the
	// worker.
	isBusy bool
}
