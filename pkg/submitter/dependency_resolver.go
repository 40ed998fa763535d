package submitter

import (
	"github.com/taskfleet/taskfleet/pkg/types"
)

// DependencyResolver resolves the object dependencies of a task before
// it becomes eligible for dispatch. Resolution replaces inlined
// dependencies with store-resident references, mutating the spec in
// place.
type DependencyResolver interface {
	// ResolveDependencies starts resolving the dependencies of the
	// given task. The callback is invoked exactly once, with a nil
	// error on success. The callback may be invoked from an arbitrary
	// goroutine, including synchronously from within this call.
	ResolveDependencies(spec *types.TaskSpec, onComplete func(err error))

	// CancelResolution aborts an in-flight resolution. The completion
	// callback is not invoked afterwards.
	CancelResolution(taskID types.TaskID)
}

type immediateDependencyResolver struct{}

// NewImmediateDependencyResolver creates a resolver for deployments where
// all dependencies are store-resident before submission, meaning there is
// nothing left to resolve.
func NewImmediateDependencyResolver() DependencyResolver {
	return immediateDependencyResolver{}
}

func (immediateDependencyResolver) ResolveDependencies(spec *types.TaskSpec, onComplete func(err error)) {
	onComplete(nil)
}

func (immediateDependencyResolver) CancelResolution(taskID types.TaskID) {}
