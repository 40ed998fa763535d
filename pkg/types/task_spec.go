package types

import (
	"maps"
	"slices"
	"time"
)

// TaskType distinguishes the three kinds of tasks that exist in the
// cluster. The normal task submitter only accepts normal tasks and actor
// creation tasks; actor method calls are routed through a separate
// submitter.
type TaskType int32

const (
	// TaskTypeNormal is a regular stateless task.
	TaskTypeNormal TaskType = iota
	// TaskTypeActorCreation is a task whose successful completion
	// turns the executing worker into an actor, consuming its lease
	// indefinitely.
	TaskTypeActorCreation
	// TaskTypeActorMethod is a method call on an existing actor.
	TaskTypeActorMethod
)

var taskTypeNames = map[TaskType]string{
	TaskTypeNormal:        "Normal",
	TaskTypeActorCreation: "ActorCreation",
	TaskTypeActorMethod:   "ActorMethod",
}

func (t TaskType) String() string {
	if name, ok := taskTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// ResourceMapEntry describes a quantity of a single resource that a
// broker assigned to a leased worker. The full set of entries is echoed
// back to the broker when the worker is returned.
type ResourceMapEntry struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
}

// TaskSpec fully describes a single task: its identity, what it needs in
// order to run, and how its failures should be handled. The submitter
// treats most of the spec as opaque; it only inspects the fields that
// influence scheduling.
type TaskSpec struct {
	TaskID          TaskID   `json:"task_id"`
	Name            string   `json:"name"`
	JobID           JobID    `json:"job_id"`
	Type            TaskType `json:"type"`
	ActorCreationID ActorID  `json:"actor_creation_id,omitempty"`
	CallerWorkerID  WorkerID `json:"caller_worker_id"`

	// Scheduling inputs. SchedulingClass buckets tasks with identical
	// resource shapes; DependencyIDs are the task's remaining
	// large-object dependencies after resolution; RuntimeEnvHash
	// identifies the runtime environment the task must run under.
	SchedulingClass int32              `json:"scheduling_class"`
	DependencyIDs   []ObjectID         `json:"dependency_ids,omitempty"`
	RuntimeEnvHash  int32              `json:"runtime_env_hash"`
	Resources       map[string]float64 `json:"resources,omitempty"`

	// Failure handling.
	MaxRetries      int32 `json:"max_retries"`
	RetryExceptions bool  `json:"retry_exceptions"`

	// Timestamps stamped by the submitter as the task progresses.
	DependencyResolutionTime time.Time `json:"dependency_resolution_time,omitempty"`
	LeaseGrantTime           time.Time `json:"lease_grant_time,omitempty"`
}

// IsActorCreationTask returns true if completing this task successfully
// consumes the worker lease indefinitely.
func (s *TaskSpec) IsActorCreationTask() bool {
	return s.Type == TaskTypeActorCreation
}

// Clone returns a deep copy of the task spec. Lease request payloads are
// cloned from a representative spec so that the original queued task is
// never mutated.
func (s *TaskSpec) Clone() *TaskSpec {
	clone := *s
	clone.DependencyIDs = slices.Clone(s.DependencyIDs)
	clone.Resources = maps.Clone(s.Resources)
	return &clone
}
