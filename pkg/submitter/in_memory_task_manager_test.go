package submitter_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/taskfleet/taskfleet/pkg/executor"
	"github.com/taskfleet/taskfleet/pkg/submitter"
	"github.com/taskfleet/taskfleet/pkg/types"

	"go.uber.org/zap"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestInMemoryTaskManager(t *testing.T) {
	newTaskManager := func() (*submitter.InMemoryTaskManager, chan *types.TaskSpec) {
		resubmitted := make(chan *types.TaskSpec, 10)
		tm := submitter.NewInMemoryTaskManager(zap.NewNop(), func(spec *types.TaskSpec) {
			resubmitted <- spec
		})
		return tm, resubmitted
	}

	t.Run("Lifecycle", func(t *testing.T) {
		tm, _ := newTaskManager()
		spec := newTaskSpec("lifecycle")
		tm.RegisterTask(spec)
		require.True(t, tm.IsTaskPending(spec.TaskID))
		require.Equal(t, 1, tm.NumPendingTasks())

		tm.MarkDependenciesResolved(spec.TaskID)
		tm.MarkTaskWaitingForExecution(spec.TaskID, types.NodeIDFromRandom(), types.WorkerIDFromRandom())
		require.True(t, tm.IsTaskPending(spec.TaskID))

		tm.CompletePendingTask(spec.TaskID, &executor.PushNormalTaskReply{}, types.WorkerAddress{}, false)
		require.False(t, tm.IsTaskPending(spec.TaskID))
		require.Zero(t, tm.NumPendingTasks())
		require.Nil(t, tm.TaskFailure(spec.TaskID))
	})

	t.Run("RetryBudget", func(t *testing.T) {
		tm, resubmitted := newTaskManager()
		spec := newTaskSpec("retry")
		spec.MaxRetries = 1
		tm.RegisterTask(spec)

		// The first failure consumes the single retry.
		require.True(t, tm.FailOrRetryPendingTask(spec.TaskID, types.ErrorTypeWorkerDied, nil, nil, true, false))
		require.Same(t, spec, receive(t, resubmitted))
		require.True(t, tm.IsTaskPending(spec.TaskID))

		// The second failure exhausts the budget.
		cause := status.Error(codes.Unavailable, "worker exited")
		require.False(t, tm.FailOrRetryPendingTask(spec.TaskID, types.ErrorTypeWorkerDied, cause, nil, true, false))
		require.False(t, tm.IsTaskPending(spec.TaskID))
		failure := tm.TaskFailure(spec.TaskID)
		require.Equal(t, types.ErrorTypeWorkerDied, failure.ErrorType)
		require.Contains(t, failure.ErrorMessage, "worker exited")
	})

	t.Run("FailImmediatelySkipsRetries", func(t *testing.T) {
		tm, _ := newTaskManager()
		spec := newTaskSpec("fatal")
		spec.MaxRetries = 5
		tm.RegisterTask(spec)

		require.False(t, tm.FailOrRetryPendingTask(spec.TaskID, types.ErrorTypeRuntimeEnvSetupFailed, nil, &types.ErrorInfo{
			ErrorType:    types.ErrorTypeRuntimeEnvSetupFailed,
			ErrorMessage: "pip install failed",
		}, true, true))
		require.False(t, tm.IsTaskPending(spec.TaskID))
		require.Equal(t, "pip install failed", tm.TaskFailure(spec.TaskID).ErrorMessage)
	})

	t.Run("CancelledTaskIsNotRetried", func(t *testing.T) {
		tm, resubmitted := newTaskManager()
		spec := newTaskSpec("cancelled")
		spec.MaxRetries = 5
		tm.RegisterTask(spec)

		tm.MarkTaskCanceled(spec.TaskID)
		require.False(t, tm.FailOrRetryPendingTask(spec.TaskID, types.ErrorTypeTaskCancelled, nil, nil, false, false))
		require.Empty(t, resubmitted)
	})

	t.Run("RetryTaskIfPossible", func(t *testing.T) {
		tm, resubmitted := newTaskManager()
		spec := newTaskSpec("exception")
		spec.MaxRetries = 1
		tm.RegisterTask(spec)

		errorInfo := &types.ErrorInfo{
			ErrorType:    types.ErrorTypeTaskExecutionException,
			ErrorMessage: "transient exception",
		}
		require.True(t, tm.RetryTaskIfPossible(spec.TaskID, errorInfo))
		require.Same(t, spec, receive(t, resubmitted))
		require.False(t, tm.RetryTaskIfPossible(spec.TaskID, errorInfo))
	})

	t.Run("GeneratorResubmitDoesNotConsumeRetries", func(t *testing.T) {
		tm, resubmitted := newTaskManager()
		spec := newTaskSpec("generator")
		spec.MaxRetries = 0
		tm.RegisterTask(spec)

		tm.MarkGeneratorFailedAndResubmit(spec.TaskID)
		require.Same(t, spec, receive(t, resubmitted))
		require.True(t, tm.IsTaskPending(spec.TaskID))
	})

	t.Run("UnknownTask", func(t *testing.T) {
		tm, _ := newTaskManager()
		taskID := types.TaskIDFromRandom()
		require.False(t, tm.IsTaskPending(taskID))
		require.False(t, tm.FailOrRetryPendingTask(taskID, types.ErrorTypeWorkerDied, nil, nil, true, false))
		tm.FailPendingTask(taskID, types.ErrorTypeWorkerDied, nil, nil)
		require.Nil(t, tm.TaskFailure(taskID))
	})
}
