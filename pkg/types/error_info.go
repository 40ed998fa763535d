package types

// ErrorType classifies the terminal failure of a task, as reported to
// the task lifecycle manager. The classification determines both the
// retry policy applied by the manager and the exception surfaced to the
// caller.
type ErrorType int32

const (
	// ErrorTypeWorkerDied indicates the worker executing the task
	// failed, and no more specific failure cause could be obtained.
	ErrorTypeWorkerDied ErrorType = iota
	// ErrorTypeNodeDied indicates the node executing the task became
	// unreachable, taking its broker down with it.
	ErrorTypeNodeDied
	// ErrorTypeDependencyResolutionFailed indicates the task's object
	// dependencies could not be resolved.
	ErrorTypeDependencyResolutionFailed
	// ErrorTypeTaskCancelled indicates the task was cancelled
	// explicitly by the caller.
	ErrorTypeTaskCancelled
	// ErrorTypeRuntimeEnvSetupFailed indicates the broker could not
	// set up the task's runtime environment.
	ErrorTypeRuntimeEnvSetupFailed
	// ErrorTypeTaskPlacementGroupRemoved indicates the placement
	// group the task was scheduled into was removed.
	ErrorTypeTaskPlacementGroupRemoved
	// ErrorTypeActorPlacementGroupRemoved is the actor creation
	// variant of ErrorTypeTaskPlacementGroupRemoved.
	ErrorTypeActorPlacementGroupRemoved
	// ErrorTypeTaskUnschedulable indicates the broker determined the
	// task can never be scheduled on the current cluster.
	ErrorTypeTaskUnschedulable
	// ErrorTypeLocalBrokerDied indicates the broker on the local node
	// became unreachable while a lease request was in flight.
	ErrorTypeLocalBrokerDied
	// ErrorTypeTaskExecutionException indicates the task raised a
	// retryable application exception.
	ErrorTypeTaskExecutionException
)

var errorTypeNames = map[ErrorType]string{
	ErrorTypeWorkerDied:                 "WorkerDied",
	ErrorTypeNodeDied:                   "NodeDied",
	ErrorTypeDependencyResolutionFailed: "DependencyResolutionFailed",
	ErrorTypeTaskCancelled:              "TaskCancelled",
	ErrorTypeRuntimeEnvSetupFailed:      "RuntimeEnvSetupFailed",
	ErrorTypeTaskPlacementGroupRemoved:  "TaskPlacementGroupRemoved",
	ErrorTypeActorPlacementGroupRemoved: "ActorPlacementGroupRemoved",
	ErrorTypeTaskUnschedulable:          "TaskUnschedulable",
	ErrorTypeLocalBrokerDied:            "LocalBrokerDied",
	ErrorTypeTaskExecutionException:     "TaskExecutionException",
}

func (t ErrorType) String() string {
	if name, ok := errorTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// ErrorInfo carries a structured failure cause alongside the error type.
type ErrorInfo struct {
	ErrorType    ErrorType `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
}
