package submitter

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/taskfleet/taskfleet/pkg/broker"
	"github.com/taskfleet/taskfleet/pkg/executor"
	"github.com/taskfleet/taskfleet/pkg/types"

	"go.uber.org/zap"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	normalTaskSubmitterPrometheusMetrics sync.Once

	normalTaskSubmitterTasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskfleet",
			Subsystem: "submitter",
			Name:      "tasks_submitted_total",
			Help:      "Number of tasks accepted by Submit().",
		})
	normalTaskSubmitterLeaseRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskfleet",
			Subsystem: "submitter",
			Name:      "lease_requests_total",
			Help:      "Number of worker lease requests sent to brokers.",
		})
	normalTaskSubmitterLeaseRepliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskfleet",
			Subsystem: "submitter",
			Name:      "lease_replies_total",
			Help:      "Number of worker lease replies received, by outcome.",
		},
		[]string{"outcome"})
	normalTaskSubmitterTasksPushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskfleet",
			Subsystem: "submitter",
			Name:      "tasks_pushed_total",
			Help:      "Number of tasks dispatched to leased workers.",
		})
	normalTaskSubmitterTasksQueuedDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "taskfleet",
			Subsystem: "submitter",
			Name:      "tasks_queued_duration_seconds",
			Help:      "Time in seconds between dependency resolution and lease grant of a task.",
			Buckets:   util.DecimalExponentialBuckets(-3, 6, 2),
		})
	normalTaskSubmitterWorkersReturnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskfleet",
			Subsystem: "submitter",
			Name:      "workers_returned_total",
			Help:      "Number of leased workers returned to their broker, by whether the previous task errored.",
		},
		[]string{"was_error"})
	normalTaskSubmitterBacklogReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskfleet",
			Subsystem: "submitter",
			Name:      "backlog_reports_total",
			Help:      "Number of backlog reports sent to the local broker.",
		})
	normalTaskSubmitterCancellationRepliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskfleet",
			Subsystem: "submitter",
			Name:      "cancellation_replies_total",
			Help:      "Number of task cancellation replies received from workers, by outcome.",
		},
		[]string{"outcome"})
)

// WorkerType distinguishes the two kinds of processes that embed a
// submitter. It controls how death of the local broker is handled.
type WorkerType int

const (
	// WorkerTypeWorker is a cluster-managed worker process. It exits
	// when the local broker dies, so that callers retry elsewhere.
	WorkerTypeWorker WorkerType = iota
	// WorkerTypeDriver is a user-owned driver process. It cannot be
	// restarted elsewhere, so queued tasks are failed instead.
	WorkerTypeDriver
)

// Configuration contains all the tunable settings of the
// NormalTaskSubmitter.
type Configuration struct {
	// LeaseTimeout specifies for how long a granted worker may be
	// recycled across tasks before it must be returned to its
	// broker.
	LeaseTimeout time.Duration

	// CancellationRetryDelay specifies the minimum gap between
	// retries of cancellation requests that could not be satisfied
	// yet. A single shared timer slot bounds the retry rate across
	// all concurrent cancellations.
	CancellationRetryDelay time.Duration

	// WorkerType controls the reaction to local broker death.
	WorkerType WorkerType

	// JobID is the job to which all submitted tasks belong.
	JobID types.JobID

	// RPCAddress is the address of this worker process, identifying
	// it as the caller on backlog reports.
	RPCAddress types.WorkerAddress

	// Terminate is invoked to exit the process when the local broker
	// dies while running as a worker. Defaults to os.Exit(1).
	Terminate func()
}

// NormalTaskSubmitter accepts normal and actor creation tasks, resolves
// their dependencies, obtains worker leases from brokers, dispatches the
// tasks onto the leased workers and reconciles their fate with the task
// manager.
//
// All mutable state lives behind a single lock. Completion of outbound
// RPCs re-enters the lock; no RPC is ever performed while holding it.
type NormalTaskSubmitter struct {
	logger          *zap.Logger
	clock           clock.Clock
	resolver        DependencyResolver
	taskManager     TaskManager
	brokerClients   *broker.ClientPool
	executorClients *executor.ClientPool
	leasePolicy     LeasePolicy
	rateLimiter     LeaseRequestRateLimiter
	configuration   *Configuration
	terminate       func()

	ctx    context.Context
	cancel context.CancelFunc

	numTasksSubmitted  atomic.Int64
	numLeasesRequested atomic.Int64

	lock                           sync.Mutex
	closed                         bool
	schedulingKeyEntries           map[types.SchedulingKey]*schedulingKeyEntry
	workerToLeaseEntry             map[types.WorkerAddress]*leaseEntry
	executingTasks                 map[types.TaskID]types.WorkerAddress
	cancelledTasks                 map[types.TaskID]struct{}
	generatorsToResubmit           map[types.TaskID]struct{}
	failedTasksPendingFailureCause map[types.TaskID]struct{}

	// Expiry of the shared cancellation retry timer slot. Retries
	// scheduled while the slot lies in the future coalesce onto it.
	cancelRetryExpiry time.Time
}

// NewNormalTaskSubmitter creates a new NormalTaskSubmitter that is in
// the initial state: no queued tasks, no leases, no in-flight requests.
func NewNormalTaskSubmitter(logger *zap.Logger, clock clock.Clock, resolver DependencyResolver, taskManager TaskManager, brokerClients *broker.ClientPool, executorClients *executor.ClientPool, leasePolicy LeasePolicy, rateLimiter LeaseRequestRateLimiter, configuration *Configuration) *NormalTaskSubmitter {
	normalTaskSubmitterPrometheusMetrics.Do(func() {
		prometheus.MustRegister(normalTaskSubmitterTasksSubmittedTotal)
		prometheus.MustRegister(normalTaskSubmitterLeaseRequestsTotal)
		prometheus.MustRegister(normalTaskSubmitterLeaseRepliesTotal)
		prometheus.MustRegister(normalTaskSubmitterTasksPushedTotal)
		prometheus.MustRegister(normalTaskSubmitterTasksQueuedDurationSeconds)
		prometheus.MustRegister(normalTaskSubmitterWorkersReturnedTotal)
		prometheus.MustRegister(normalTaskSubmitterBacklogReportsTotal)
		prometheus.MustRegister(normalTaskSubmitterCancellationRepliesTotal)
	})

	terminate := configuration.Terminate
	if terminate == nil {
		terminate = func() { os.Exit(1) }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NormalTaskSubmitter{
		logger:          logger,
		clock:           clock,
		resolver:        resolver,
		taskManager:     taskManager,
		brokerClients:   brokerClients,
		executorClients: executorClients,
		leasePolicy:     leasePolicy,
		rateLimiter:     rateLimiter,
		configuration:   configuration,
		terminate:       terminate,

		ctx:    ctx,
		cancel: cancel,

		schedulingKeyEntries:           map[types.SchedulingKey]*schedulingKeyEntry{},
		workerToLeaseEntry:             map[types.WorkerAddress]*leaseEntry{},
		executingTasks:                 map[types.TaskID]types.WorkerAddress{},
		cancelledTasks:                 map[types.TaskID]struct{}{},
		generatorsToResubmit:           map[types.TaskID]struct{}{},
		failedTasksPendingFailureCause: map[types.TaskID]struct{}{},
	}
}

// Close shuts the submitter down. In-flight RPCs are aborted and any
// callbacks still arriving afterwards become no-ops.
func (s *NormalTaskSubmitter) Close() {
	s.lock.Lock()
	s.closed = true
	s.lock.Unlock()
	s.cancel()
}

// NumTasksSubmitted returns the number of tasks accepted by Submit().
func (s *NormalTaskSubmitter) NumTasksSubmitted() int64 {
	return s.numTasksSubmitted.Load()
}

// NumLeasesRequested returns the number of worker lease requests sent.
func (s *NormalTaskSubmitter) NumLeasesRequested() int64 {
	return s.numLeasesRequested.Load()
}

// schedulingKeyEntry returns the entry for the given key, creating it
// if absent. The caller must hold the lock.
func (s *NormalTaskSubmitter) schedulingKeyEntry(key types.SchedulingKey) *schedulingKeyEntry {
	entry, ok := s.schedulingKeyEntries[key]
	if !ok {
		entry = newSchedulingKeyEntry()
		s.schedulingKeyEntries[key] = entry
	}
	return entry
}

// Submit hands a task to the submitter. The task is enqueued with the
// dependency resolver; dispatch happens asynchronously once resolution
// completes.
func (s *NormalTaskSubmitter) Submit(spec *types.TaskSpec) error {
	if spec.Type == types.TaskTypeActorMethod {
		return status.Errorf(codes.InvalidArgument, "Task %s is an actor method call, which must be submitted through the actor task submitter", spec.TaskID)
	}
	s.logger.Debug("Submitting task", zap.Stringer("taskID", spec.TaskID), zap.String("name", spec.Name))
	s.numTasksSubmitted.Add(1)
	normalTaskSubmitterTasksSubmittedTotal.Inc()

	s.resolver.ResolveDependencies(spec, func(err error) {
		s.handleDependenciesResolved(spec, err)
	})
	return nil
}

func (s *NormalTaskSubmitter) handleDependenciesResolved(spec *types.TaskSpec, resolutionErr error) {
	taskID := spec.TaskID
	s.taskManager.MarkDependenciesResolved(taskID)
	if resolutionErr != nil {
		s.lock.Lock()
		if s.closed {
			s.lock.Unlock()
			return
		}
		s.lock.Unlock()
		s.logger.Warn("Resolving task dependencies failed", zap.Stringer("taskID", taskID), zap.Error(resolutionErr))
		willRetry := s.taskManager.FailOrRetryPendingTask(taskID, types.ErrorTypeDependencyResolutionFailed, resolutionErr, nil, true, false)
		if !willRetry {
			s.lock.Lock()
			delete(s.cancelledTasks, taskID)
			s.lock.Unlock()
		}
		return
	}
	s.logger.Debug("Task dependencies resolved", zap.Stringer("taskID", taskID))

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	if _, cancelled := s.cancelledTasks[taskID]; cancelled {
		// A cancellation raced with dependency resolution. This
		// recheck guarantees that such a cancel is never lost.
		delete(s.cancelledTasks, taskID)
		s.lock.Unlock()
		s.taskManager.FailPendingTask(taskID, types.ErrorTypeTaskCancelled, nil, nil)
		return
	}

	spec.DependencyResolutionTime = s.clock.Now()
	key := types.SchedulingKeyForTask(spec)
	entry := s.schedulingKeyEntry(key)
	entry.taskQueue = append(entry.taskQueue, spec)
	entry.resourceSpec = spec

	if !entry.allWorkersBusy() {
		// There is an idle leased worker; dispatch onto it right
		// away instead of requesting another lease.
		for address := range entry.activeWorkers {
			le, ok := s.workerToLeaseEntry[address]
			if !ok {
				panic("active worker without a lease entry")
			}
			if !le.isBusy {
				s.onWorkerIdle(address, key, false, "", false, le.assignedResources)
				break
			}
		}
	}
	s.requestNewWorkerIfNeeded(key, nil)
	s.lock.Unlock()
}

// requestNewWorkerIfNeeded sends a worker lease request for the given
// scheduling key if demand warrants one. If brokerHint is non-nil, the
// request is a spillback retry directed at that broker. The caller must
// hold the lock.
func (s *NormalTaskSubmitter) requestNewWorkerIfNeeded(key types.SchedulingKey, brokerHint *types.NodeAddress) {
	entry := s.schedulingKeyEntry(key)

	maxPendingLeaseRequests := s.rateLimiter.MaxPendingLeaseRequestsPerSchedulingCategory()
	if len(entry.pendingLeaseRequests) >= maxPendingLeaseRequests {
		s.logger.Debug("Pending lease request limit reached", zap.Int("limit", maxPendingLeaseRequests))
		return
	}
	if !entry.allWorkersBusy() {
		// There are idle workers, so we don't need more.
		return
	}
	if len(entry.taskQueue) == 0 {
		if entry.canDelete() {
			delete(s.schedulingKeyEntries, key)
		}
		return
	}
	if len(entry.taskQueue) <= len(entry.pendingLeaseRequests) {
		// All queued tasks have corresponding pending leases.
		return
	}

	s.numLeasesRequested.Add(1)
	normalTaskSubmitterLeaseRequestsTotal.Inc()

	// Clone the representative spec under a fresh task ID, so that no
	// two lease requests ever share an ID with each other or with a
	// real task.
	resourceSpec := entry.resourceSpec.Clone()
	resourceSpec.TaskID = types.TaskIDFromRandom()
	leaseTaskID := resourceSpec.TaskID
	taskName := resourceSpec.Name

	isSpillback := brokerHint != nil
	var brokerAddress types.NodeAddress
	selectedByLocality := false
	if brokerHint == nil {
		brokerAddress, selectedByLocality = s.leasePolicy.GetBestNodeForTask(resourceSpec)
	} else {
		brokerAddress = *brokerHint
	}
	client := s.brokerClients.GetOrConnect(brokerAddress)
	s.logger.Debug("Requesting worker lease",
		zap.Stringer("leaseTaskID", leaseTaskID),
		zap.Stringer("brokerNodeID", brokerAddress.NodeID),
		zap.Bool("spillback", isSpillback))

	request := &broker.RequestWorkerLeaseRequest{
		ResourceSpec:       resourceSpec,
		GrantOrReject:      isSpillback,
		BacklogSize:        int64(len(entry.taskQueue)),
		SelectedByLocality: selectedByLocality,
	}
	entry.pendingLeaseRequests[leaseTaskID] = brokerAddress
	go func() {
		reply, err := client.RequestWorkerLease(s.ctx, request)
		s.handleLeaseReply(key, leaseTaskID, taskName, brokerAddress, isSpillback, reply, err)
	}()

	s.reportWorkerBacklogIfNeeded(key)

	// Lease more workers if there are still unaccounted queued tasks
	// and the rate limiter permits.
	if len(entry.taskQueue) > len(entry.pendingLeaseRequests) &&
		len(entry.pendingLeaseRequests) < maxPendingLeaseRequests {
		s.requestNewWorkerIfNeeded(key, nil)
	}
}

func (s *NormalTaskSubmitter) handleLeaseReply(key types.SchedulingKey, leaseTaskID types.TaskID, taskName string, brokerAddress types.NodeAddress, isSpillback bool, reply *broker.RequestWorkerLeaseReply, err error) {
	var tasksToFail []*types.TaskSpec
	errorType := types.ErrorTypeWorkerDied
	var errorInfo *types.ErrorInfo
	var cause error

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	entry := s.schedulingKeyEntry(key)
	delete(entry.pendingLeaseRequests, leaseTaskID)

	switch {
	case err == nil && reply.Canceled:
		s.logger.Debug("Worker lease canceled by broker",
			zap.Stringer("leaseTaskID", leaseTaskID),
			zap.Int32("failureType", int32(reply.FailureType)))
		switch reply.FailureType {
		case broker.SchedulingFailureRuntimeEnvSetupFailed, broker.SchedulingFailurePlacementGroupRemoved, broker.SchedulingFailureUnschedulable:
			// The failure applies to every task behind this
			// lease request, so the whole queue is failed.
			// Runtime environment failures are assumed to not
			// be transient.
			normalTaskSubmitterLeaseRepliesTotal.WithLabelValues("canceled_fatal").Inc()
			switch reply.FailureType {
			case broker.SchedulingFailureRuntimeEnvSetupFailed:
				errorType = types.ErrorTypeRuntimeEnvSetupFailed
			case broker.SchedulingFailureUnschedulable:
				errorType = types.ErrorTypeTaskUnschedulable
			default:
				errorType = types.ErrorTypeTaskPlacementGroupRemoved
			}
			errorInfo = &types.ErrorInfo{
				ErrorType:    errorType,
				ErrorMessage: fmt.Sprintf("%s task_id=%s, task_name=%s", reply.SchedulingFailureMessage, leaseTaskID.Hex(), taskName),
			}
			tasksToFail = entry.taskQueue
			entry.taskQueue = nil
			if entry.canDelete() {
				delete(s.schedulingKeyEntries, key)
			}
		default:
			normalTaskSubmitterLeaseRepliesTotal.WithLabelValues("canceled_transient").Inc()
			s.requestNewWorkerIfNeeded(key, nil)
		}
	case err == nil && reply.Rejected:
		// A broker may only reject spillback attempts. This can
		// happen when the redirecting broker had a stale view of
		// the target's resources. Retry locally, where the
		// resource view may have been refreshed.
		if !isSpillback {
			panic("broker rejected a lease request that was not a spillback attempt")
		}
		normalTaskSubmitterLeaseRepliesTotal.WithLabelValues("rejected").Inc()
		s.logger.Debug("Worker lease rejected", zap.Stringer("leaseTaskID", leaseTaskID))
		s.requestNewWorkerIfNeeded(key, nil)
	case err == nil && reply.WorkerAddress != nil:
		normalTaskSubmitterLeaseRepliesTotal.WithLabelValues("granted").Inc()
		s.logger.Debug("Worker lease granted",
			zap.Stringer("leaseTaskID", leaseTaskID),
			zap.Stringer("brokerNodeID", reply.WorkerAddress.NodeID),
			zap.Stringer("workerID", reply.WorkerAddress.WorkerID))
		s.addWorkerLease(*reply.WorkerAddress, brokerAddress, reply.ResourceMapping, key, leaseTaskID)
		s.onWorkerIdle(*reply.WorkerAddress, key, false, "", false, reply.ResourceMapping)
	case err == nil && reply.RetryAtBrokerAddress != nil:
		// The broker redirected us to a node believed to have
		// capacity. Redirects of redirects are forbidden.
		if isSpillback {
			panic("broker redirected a lease request that was already a spillback attempt")
		}
		normalTaskSubmitterLeaseRepliesTotal.WithLabelValues("spillback").Inc()
		retryAt := *reply.RetryAtBrokerAddress
		s.logger.Debug("Worker lease redirected",
			zap.Stringer("leaseTaskID", leaseTaskID),
			zap.Stringer("fromNodeID", brokerAddress.NodeID),
			zap.Stringer("toNodeID", retryAt.NodeID))
		s.requestNewWorkerIfNeeded(key, &retryAt)
	case err == nil:
		normalTaskSubmitterLeaseRepliesTotal.WithLabelValues("empty").Inc()
		s.requestNewWorkerIfNeeded(key, nil)
	case brokerAddress.NodeID != s.brokerClients.LocalNodeID():
		// A lease request to a remote broker failed. Retry
		// locally if the lease is still needed.
		normalTaskSubmitterLeaseRepliesTotal.WithLabelValues("transport_error").Inc()
		s.logger.Info("Retrying lease request locally after remote broker error",
			zap.Stringer("leaseTaskID", leaseTaskID),
			zap.String("taskName", taskName),
			zap.Stringer("remoteNodeID", brokerAddress.NodeID),
			zap.String("remoteIPAddress", brokerAddress.IPAddress),
			zap.Error(err))
		s.requestNewWorkerIfNeeded(key, nil)
	case status.Code(err) == codes.Unavailable:
		normalTaskSubmitterLeaseRepliesTotal.WithLabelValues("local_broker_died").Inc()
		s.logger.Warn("The local broker is unavailable (crashed)", zap.Error(err))
		if s.configuration.WorkerType == WorkerTypeWorker {
			// Exit the worker so that the caller can retry
			// somewhere else.
			s.lock.Unlock()
			s.logger.Warn("Terminating the worker due to local broker death")
			s.terminate()
			return
		}
		errorType = types.ErrorTypeLocalBrokerDied
		cause = err
		errorInfo = &types.ErrorInfo{
			ErrorType: errorType,
			ErrorMessage: fmt.Sprintf(
				"The worker failed to receive a response from the local broker (node ID: %s, IP: %s) because the broker is unavailable (crashed).",
				brokerAddress.NodeID.Hex(), brokerAddress.IPAddress),
		}
		tasksToFail = entry.taskQueue
		entry.taskQueue = nil
		if entry.canDelete() {
			delete(s.schedulingKeyEntries, key)
		}
	default:
		normalTaskSubmitterLeaseRepliesTotal.WithLabelValues("transport_error").Inc()
		s.logger.Warn("The local broker returned an error but is still alive; retrying", zap.Error(err))
		s.requestNewWorkerIfNeeded(key, nil)
	}
	s.lock.Unlock()

	for _, spec := range tasksToFail {
		if spec.IsActorCreationTask() && errorType == types.ErrorTypeTaskPlacementGroupRemoved {
			s.taskManager.FailPendingTask(spec.TaskID, types.ErrorTypeActorPlacementGroupRemoved, cause, errorInfo)
		} else {
			s.taskManager.FailPendingTask(spec.TaskID, errorType, cause, errorInfo)
		}
	}
}

// addWorkerLease records a freshly granted worker lease. The caller
// must hold the lock.
func (s *NormalTaskSubmitter) addWorkerLease(address types.WorkerAddress, brokerAddress types.NodeAddress, assignedResources []types.ResourceMapEntry, key types.SchedulingKey, leaseTaskID types.TaskID) {
	s.executorClients.GetOrConnect(address)
	s.workerToLeaseEntry[address] = &leaseEntry{
		brokerAddress:     brokerAddress,
		leaseExpiration:   s.clock.Now().Add(s.configuration.LeaseTimeout),
		assignedResources: assignedResources,
		schedulingKey:     key,
		leaseTaskID:       leaseTaskID,
	}
	entry := s.schedulingKeyEntry(key)
	if _, ok := entry.activeWorkers[address]; ok {
		panic("worker leased twice")
	}
	entry.activeWorkers[address] = struct{}{}
}

// onWorkerIdle either dispatches the next queued task onto the given
// leased worker, or returns the worker to its broker if it must not be
// reused. The caller must hold the lock.
func (s *NormalTaskSubmitter) onWorkerIdle(address types.WorkerAddress, key types.SchedulingKey, wasError bool, errorDetail string, workerExiting bool, assignedResources []types.ResourceMapEntry) {
	le, ok := s.workerToLeaseEntry[address]
	if !ok {
		// The worker was already returned.
		return
	}

	entry := s.schedulingKeyEntry(key)
	if wasError || workerExiting || s.clock.Now().After(le.leaseExpiration) || len(entry.taskQueue) == 0 {
		// Return the worker only once no task is in flight on it.
		if !le.isBusy {
			s.returnWorker(address, wasError, errorDetail, workerExiting, key)
		}
	} else {
		client := s.executorClients.GetOrConnect(address)

		// Normal workers run one task at a time, so this loop
		// dispatches at most one task. The loop shape leaves room
		// for multi-slot workers.
		for len(entry.taskQueue) > 0 && !le.isBusy {
			spec := entry.taskQueue[0]
			entry.taskQueue[0] = nil
			entry.taskQueue = entry.taskQueue[1:]

			le.isBusy = true
			entry.numBusyWorkers++

			spec.LeaseGrantTime = s.clock.Now()
			if !spec.DependencyResolutionTime.IsZero() {
				normalTaskSubmitterTasksQueuedDurationSeconds.Observe(spec.LeaseGrantTime.Sub(spec.DependencyResolutionTime).Seconds())
			}

			s.executingTasks[spec.TaskID] = address
			s.pushNormalTask(address, client, key, spec, assignedResources)
		}

		s.cancelWorkerLeaseIfNeeded(key)
	}
	s.requestNewWorkerIfNeeded(key, nil)
}

// returnWorker hands a leased worker back to the broker that granted
// it. Errors returning the worker are logged, not propagated. The
// caller must hold the lock.
func (s *NormalTaskSubmitter) returnWorker(address types.WorkerAddress, wasError bool, errorDetail string, workerExiting bool, key types.SchedulingKey) {
	s.logger.Debug("Returning worker to broker",
		zap.Stringer("workerID", address.WorkerID),
		zap.Stringer("nodeID", address.NodeID))
	le, ok := s.workerToLeaseEntry[address]
	if !ok {
		panic("returning a worker that holds no lease")
	}
	if le.isBusy {
		panic("returning a busy worker")
	}

	entry := s.schedulingKeyEntry(key)
	delete(entry.activeWorkers, address)
	if entry.canDelete() {
		delete(s.schedulingKeyEntries, key)
	}
	delete(s.workerToLeaseEntry, address)
	if wasError || workerExiting {
		// The worker process is gone or about to be; drop the
		// cached client so that a recycled worker on the same
		// address gets a fresh connection.
		s.executorClients.Disconnect(address)
	}

	normalTaskSubmitterWorkersReturnedTotal.WithLabelValues(fmt.Sprintf("%t", wasError)).Inc()
	client := s.brokerClients.GetOrConnect(le.brokerAddress)
	request := &broker.ReturnWorkerRequest{
		Port:                        address.Port,
		WorkerID:                    address.WorkerID,
		DisconnectWorker:            wasError,
		DisconnectWorkerErrorDetail: errorDetail,
		WorkerExiting:               workerExiting,
		ResourceMapping:             le.assignedResources,
	}
	go func() {
		if err := client.ReturnWorker(s.ctx, request); err != nil {
			s.logger.Error("Error returning worker to broker", zap.Error(err), zap.Stringer("workerID", address.WorkerID))
		}
	}()
}

// cancelWorkerLeaseIfNeeded cancels all in-flight lease requests for
// the given key once its task queue is empty. The caller must hold the
// lock.
func (s *NormalTaskSubmitter) cancelWorkerLeaseIfNeeded(key types.SchedulingKey) {
	entry := s.schedulingKeyEntry(key)
	if len(entry.taskQueue) > 0 {
		// There are still pending tasks, so let the lease
		// requests succeed.
		return
	}

	for leaseTaskID, brokerAddress := range entry.pendingLeaseRequests {
		client := s.brokerClients.GetOrConnect(brokerAddress)
		s.logger.Debug("Cancelling lease request", zap.Stringer("leaseTaskID", leaseTaskID))
		go func() {
			reply, err := client.CancelWorkerLease(s.ctx, leaseTaskID)
			if err != nil || reply.Success {
				// Either the broker already reconciled the
				// request, or it is unreachable and the
				// lease reply path will clean up.
				return
			}
			// The broker has not seen the lease request yet
			// due to message reordering. Try again.
			s.lock.Lock()
			if !s.closed {
				s.cancelWorkerLeaseIfNeeded(key)
			}
			s.lock.Unlock()
		}()
	}
}

// pushNormalTask dispatches a task to a leased worker. The caller must
// hold the lock and have marked the lease busy.
func (s *NormalTaskSubmitter) pushNormalTask(address types.WorkerAddress, client executor.Client, key types.SchedulingKey, spec *types.TaskSpec, assignedResources []types.ResourceMapEntry) {
	s.logger.Debug("Pushing task to worker",
		zap.Stringer("taskID", spec.TaskID),
		zap.Stringer("workerID", address.WorkerID),
		zap.Stringer("nodeID", address.NodeID))
	normalTaskSubmitterTasksPushedTotal.Inc()

	// The request carries a clone, so that the queued spec remains
	// intact for the task manager if the push fails.
	request := &executor.PushNormalTaskRequest{
		TaskSpec:         spec.Clone(),
		ResourceMapping:  assignedResources,
		IntendedWorkerID: address.WorkerID,
	}
	s.taskManager.MarkTaskWaitingForExecution(spec.TaskID, address.NodeID, address.WorkerID)
	go func() {
		reply, err := client.PushNormalTask(s.ctx, request)
		s.handlePushTaskReply(address, key, spec, assignedResources, reply, err)
	}()
}

func (s *NormalTaskSubmitter) handlePushTaskReply(address types.WorkerAddress, key types.SchedulingKey, spec *types.TaskSpec, assignedResources []types.ResourceMapEntry, reply *executor.PushNormalTaskReply, err error) {
	taskID := spec.TaskID
	workerExiting := reply != nil && reply.WorkerExiting
	resubmitGenerator := false

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.logger.Debug("Task finished on worker",
		zap.Stringer("taskID", taskID),
		zap.Stringer("workerID", address.WorkerID),
		zap.Stringer("nodeID", address.NodeID))
	delete(s.executingTasks, taskID)

	if _, ok := s.generatorsToResubmit[taskID]; ok {
		delete(s.generatorsToResubmit, taskID)
		resubmitGenerator = true
	}

	le, ok := s.workerToLeaseEntry[address]
	if !ok || !le.isBusy {
		panic("push completion for a worker that is not busy")
	}
	le.isBusy = false
	entry := s.schedulingKeyEntry(key)
	if entry.numBusyWorkers < 1 {
		panic("busy worker count underflow")
	}
	entry.numBusyWorkers--

	if err != nil {
		// The authoritative failure cause is known only to the
		// broker holding the lease.
		s.failedTasksPendingFailureCause[taskID] = struct{}{}
		s.logger.Debug("Fetching task failure cause from broker", zap.Stringer("taskID", taskID))
		brokerClient := s.brokerClients.GetOrConnect(le.brokerAddress)
		leaseTaskID := le.leaseTaskID
		go s.fetchTaskFailureCause(brokerClient, err, taskID, leaseTaskID, address.NodeID, address.IPAddress)
	}

	if err != nil || !spec.IsActorCreationTask() || workerExiting {
		// Successful actor creation leases the worker
		// indefinitely, so no idle transition happens for it.
		errorDetail := ""
		if err != nil {
			errorDetail = err.Error()
		}
		s.onWorkerIdle(address, key, err != nil, errorDetail, workerExiting, assignedResources)
	}
	s.lock.Unlock()

	if err != nil {
		return
	}
	switch {
	case reply.WasCancelledBeforeRunning:
		s.logger.Debug("Task was cancelled before it started running", zap.Stringer("taskID", taskID))
		s.taskManager.FailPendingTask(taskID, types.ErrorTypeTaskCancelled, nil, nil)
	case resubmitGenerator:
		// The generator was queued up for resubmission for object
		// recovery; resubmit on any valid reply.
		s.taskManager.MarkGeneratorFailedAndResubmit(taskID)
	default:
		if spec.RetryExceptions && reply.IsRetryableError &&
			s.taskManager.RetryTaskIfPossible(taskID, &types.ErrorInfo{
				ErrorType:    types.ErrorTypeTaskExecutionException,
				ErrorMessage: reply.TaskExecutionError,
			}) {
			return
		}
		s.taskManager.CompletePendingTask(taskID, reply, address, reply.IsApplicationError)
	}
}

func (s *NormalTaskSubmitter) fetchTaskFailureCause(client broker.Client, executionErr error, taskID, leaseTaskID types.TaskID, nodeID types.NodeID, ipAddress string) {
	reply, err := client.GetTaskFailureCause(s.ctx, leaseTaskID)
	willRetry := s.handleGetTaskFailureCause(executionErr, taskID, nodeID, ipAddress, reply, err)

	s.lock.Lock()
	if !s.closed {
		if !willRetry {
			// Task submission and task cancellation are the
			// only other code paths that clean up the
			// cancelled task set. If the task is not retried,
			// it will not pass through submission again, so it
			// must be removed here.
			delete(s.cancelledTasks, taskID)
		}
		delete(s.failedTasksPendingFailureCause, taskID)
	}
	s.lock.Unlock()
}

func (s *NormalTaskSubmitter) handleGetTaskFailureCause(executionErr error, taskID types.TaskID, nodeID types.NodeID, ipAddress string, reply *broker.GetTaskFailureCauseReply, err error) bool {
	errorType := types.ErrorTypeWorkerDied
	var errorInfo *types.ErrorInfo
	failImmediately := false
	if err == nil {
		if reply.FailureCause != nil {
			errorType = reply.FailureCause.ErrorType
			errorInfo = reply.FailureCause
		}
		failImmediately = reply.FailTaskImmediately
		s.logger.Warn("Task failure cause received",
			zap.Stringer("taskID", taskID),
			zap.Stringer("errorType", errorType),
			zap.Bool("failImmediately", failImmediately))
	} else {
		s.logger.Warn("Failed to fetch task failure cause",
			zap.Stringer("taskID", taskID),
			zap.Stringer("nodeID", nodeID),
			zap.String("ipAddress", ipAddress),
			zap.Error(err))
		errorType = types.ErrorTypeNodeDied
		errorInfo = &types.ErrorInfo{
			ErrorType: types.ErrorTypeNodeDied,
			ErrorMessage: fmt.Sprintf(
				"Task failed because the node it was running on was dead or unavailable.\n\n"+
					"The node IP: %s, node ID: %s\n\n"+
					"This can happen if the machine hosting the node failed, the node was preempted, "+
					"or the broker crashed unexpectedly (e.g., due to OOM). "+
					"To see node death information, run `taskfleet nodes --filter \"node_id=%s\"`, "+
					"or inspect the broker log with `taskfleet logs broker.out -ip %s`.",
				ipAddress, nodeID.Hex(), nodeID.Hex(), ipAddress),
		}
	}
	return s.taskManager.FailOrRetryPendingTask(taskID, errorType, executionErr, errorInfo, true, failImmediately)
}

// ReportWorkerBacklog reports the current per scheduling class backlog
// to the local broker, unconditionally.
func (s *NormalTaskSubmitter) ReportWorkerBacklog() {
	s.lock.Lock()
	s.reportWorkerBacklogLocked()
	s.lock.Unlock()
}

func (s *NormalTaskSubmitter) reportWorkerBacklogLocked() {
	// Backlog is reported per scheduling class, not per scheduling
	// key, so backlog sizes of keys sharing a class are summed.
	type classBacklog struct {
		resourceSpec *types.TaskSpec
		backlogSize  int64
	}
	backlogs := map[int32]*classBacklog{}
	for key, entry := range s.schedulingKeyEntries {
		b, ok := backlogs[key.SchedulingClass]
		if !ok {
			b = &classBacklog{resourceSpec: entry.resourceSpec}
			backlogs[key.SchedulingClass] = b
		}
		b.backlogSize += entry.backlogSize()
		entry.lastReportedBacklogSize = entry.backlogSize()
	}

	reports := make([]*broker.WorkerBacklogReport, 0, len(backlogs))
	for _, b := range backlogs {
		// The representative spec is still queued and mutated under
		// the lock, while the report is sent outside of it. Snapshot
		// it here.
		reports = append(reports, &broker.WorkerBacklogReport{
			ResourceSpec: b.resourceSpec.Clone(),
			BacklogSize:  b.backlogSize,
		})
	}
	normalTaskSubmitterBacklogReportsTotal.Inc()
	client := s.brokerClients.Local()
	workerID := s.configuration.RPCAddress.WorkerID
	go func() {
		if err := client.ReportWorkerBacklog(s.ctx, workerID, reports); err != nil {
			s.logger.Error("Failed to report worker backlog", zap.Error(err))
		}
	}()
}

// reportWorkerBacklogIfNeeded re-reports the backlog if the given key's
// backlog size changed since the last report. The caller must hold the
// lock.
func (s *NormalTaskSubmitter) reportWorkerBacklogIfNeeded(key types.SchedulingKey) {
	entry := s.schedulingKeyEntry(key)
	if entry.lastReportedBacklogSize != entry.backlogSize() {
		s.reportWorkerBacklogLocked()
	}
}

// CancelTask cancels a task at whatever stage it currently is:
// resolving, queued, waiting for a lease, or executing. Cancellation is
// cooperative; forceKill asks the worker to kill the task's process.
func (s *NormalTaskSubmitter) CancelTask(spec *types.TaskSpec, forceKill, recursive bool) error {
	taskID := spec.TaskID
	s.logger.Info("Cancelling task",
		zap.Stringer("taskID", taskID),
		zap.Bool("forceKill", forceKill),
		zap.Bool("recursive", recursive))
	key := types.SchedulingKeyForTask(spec)

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	delete(s.generatorsToResubmit, taskID)

	if _, ok := s.cancelledTasks[taskID]; ok {
		// The cancel is already in progress.
		s.lock.Unlock()
		return nil
	}

	s.taskManager.MarkTaskCanceled(taskID)
	if !s.taskManager.IsTaskPending(taskID) {
		// The task already finished or failed, so marking it as
		// cancelled is sufficient.
		s.lock.Unlock()
		return nil
	}

	// The task may still be queued, awaiting a worker lease.
	entry := s.schedulingKeyEntry(key)
	for i, queued := range entry.taskQueue {
		if queued.TaskID == taskID {
			entry.taskQueue = append(entry.taskQueue[:i], entry.taskQueue[i+1:]...)
			s.cancelWorkerLeaseIfNeeded(key)
			s.lock.Unlock()
			s.taskManager.FailPendingTask(taskID, types.ErrorTypeTaskCancelled, nil, nil)
			return nil
		}
	}

	// Removed either when the cancel RPC completes or when dependency
	// resolution observes it.
	s.cancelledTasks[taskID] = struct{}{}

	address, executing := s.executingTasks[taskID]
	if !executing {
		if _, pendingCause := s.failedTasksPendingFailureCause[taskID]; pendingCause {
			// The task already failed and its failure cause is
			// being fetched. Let the failure path handle it.
			if entry.canDelete() {
				delete(s.schedulingKeyEntries, key)
			}
			s.lock.Unlock()
			return nil
		}
		// The task still has unresolved dependencies.
		s.resolver.CancelResolution(taskID)
		if entry.canDelete() {
			delete(s.schedulingKeyEntries, key)
		}
		s.lock.Unlock()
		s.taskManager.FailPendingTask(taskID, types.ErrorTypeTaskCancelled, nil, nil)
		return nil
	}

	client := s.executorClients.GetOrConnect(address)
	s.lock.Unlock()

	request := &executor.CancelTaskRequest{
		IntendedTaskID: taskID,
		ForceKill:      forceKill,
		Recursive:      recursive,
		CallerWorkerID: spec.CallerWorkerID,
	}
	go func() {
		reply, err := client.CancelTask(s.ctx, request)
		s.handleCancelTaskReply(spec, forceKill, recursive, reply, err)
	}()
	return nil
}

func (s *NormalTaskSubmitter) handleCancelTaskReply(spec *types.TaskSpec, forceKill, recursive bool, reply *executor.CancelTaskReply, err error) {
	taskID := spec.TaskID

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.logger.Debug("Cancel task reply received", zap.Stringer("taskID", taskID), zap.Error(err))
	delete(s.cancelledTasks, taskID)

	if err != nil {
		// No retry: force-kill may have killed the worker before
		// the reply was sent.
		s.lock.Unlock()
		normalTaskSubmitterCancellationRepliesTotal.WithLabelValues("transport_error").Inc()
		s.logger.Debug("Failed to cancel a task", zap.Stringer("taskID", taskID), zap.Error(err))
		return
	}

	if !reply.AttemptSucceeded && reply.RequestedTaskRunning {
		// The worker could not interrupt the task yet. Retry
		// after a delay, coalescing onto the shared timer slot so
		// that many concurrent cancels retry at a bounded rate.
		normalTaskSubmitterCancellationRepliesTotal.WithLabelValues("retry").Inc()
		now := s.clock.Now()
		if !s.cancelRetryExpiry.After(now) {
			s.cancelRetryExpiry = now.Add(s.configuration.CancellationRetryDelay)
		}
		delay := s.cancelRetryExpiry.Sub(now)
		s.lock.Unlock()

		timer, timerChannel := s.clock.NewTimer(delay)
		go func() {
			select {
			case <-timerChannel:
				s.CancelTask(spec, forceKill, recursive)
			case <-s.ctx.Done():
				timer.Stop()
			}
		}()
		return
	}
	s.lock.Unlock()

	if reply.AttemptSucceeded {
		normalTaskSubmitterCancellationRepliesTotal.WithLabelValues("succeeded").Inc()
	} else {
		normalTaskSubmitterCancellationRepliesTotal.WithLabelValues("not_found").Inc()
		s.logger.Debug("Attempted to cancel a task in a worker that doesn't have it", zap.Stringer("taskID", taskID))
	}
}

// CancelRemoteTask cancels a task running on a remote worker identified
// by one of the objects it returns. The RPC is fire-and-forget.
func (s *NormalTaskSubmitter) CancelRemoteTask(objectID types.ObjectID, workerAddress types.WorkerAddress, forceKill, recursive bool) error {
	client := s.executorClients.GetOrConnect(workerAddress)
	request := &executor.RemoteCancelTaskRequest{
		RemoteObjectID: objectID,
		ForceKill:      forceKill,
		Recursive:      recursive,
	}
	go func() {
		if err := client.RemoteCancelTask(s.ctx, request); err != nil {
			s.logger.Debug("Failed to cancel task on remote worker",
				zap.Stringer("objectID", objectID),
				zap.Stringer("workerID", workerAddress.WorkerID),
				zap.Error(err))
		}
	}()
	return nil
}

// QueueGeneratorForResubmit marks a generator task for resubmission
// once its current execution completes. It returns false if the task
// has been cancelled.
func (s *NormalTaskSubmitter) QueueGeneratorForResubmit(spec *types.TaskSpec) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.cancelledTasks[spec.TaskID]; ok {
		return false
	}
	s.generatorsToResubmit[spec.TaskID] = struct{}{}
	return true
}
