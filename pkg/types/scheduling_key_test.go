package types_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/taskfleet/taskfleet/pkg/types"
)

func TestSchedulingKeyForTask(t *testing.T) {
	dependency1 := types.ObjectIDFromRandom()
	dependency2 := types.ObjectIDFromRandom()

	t.Run("DependencyOrderDoesNotMatter", func(t *testing.T) {
		key1 := types.SchedulingKeyForTask(&types.TaskSpec{
			SchedulingClass: 3,
			DependencyIDs:   []types.ObjectID{dependency1, dependency2},
		})
		key2 := types.SchedulingKeyForTask(&types.TaskSpec{
			SchedulingClass: 3,
			DependencyIDs:   []types.ObjectID{dependency2, dependency1},
		})
		require.Equal(t, key1, key2)
	})

	t.Run("DependenciesMatter", func(t *testing.T) {
		key1 := types.SchedulingKeyForTask(&types.TaskSpec{
			SchedulingClass: 3,
			DependencyIDs:   []types.ObjectID{dependency1},
		})
		key2 := types.SchedulingKeyForTask(&types.TaskSpec{
			SchedulingClass: 3,
			DependencyIDs:   []types.ObjectID{dependency2},
		})
		require.NotEqual(t, key1, key2)
	})

	t.Run("SchedulingClassMatters", func(t *testing.T) {
		key1 := types.SchedulingKeyForTask(&types.TaskSpec{SchedulingClass: 3})
		key2 := types.SchedulingKeyForTask(&types.TaskSpec{SchedulingClass: 4})
		require.NotEqual(t, key1, key2)
	})

	t.Run("RuntimeEnvHashMatters", func(t *testing.T) {
		key1 := types.SchedulingKeyForTask(&types.TaskSpec{RuntimeEnvHash: 1})
		key2 := types.SchedulingKeyForTask(&types.TaskSpec{RuntimeEnvHash: 2})
		require.NotEqual(t, key1, key2)
	})

	t.Run("ActorCreationTasksNeverShareKeys", func(t *testing.T) {
		// Successful actor creation consumes the worker lease, so
		// actor creation tasks may not be fungible with each other or
		// with normal tasks of the same shape.
		actorID := types.ActorIDFromRandom()
		normal := types.SchedulingKeyForTask(&types.TaskSpec{
			Type:            types.TaskTypeNormal,
			ActorCreationID: actorID,
		})
		creation := types.SchedulingKeyForTask(&types.TaskSpec{
			Type:            types.TaskTypeActorCreation,
			ActorCreationID: actorID,
		})
		require.NotEqual(t, normal, creation)
		require.True(t, normal.ActorCreationID.IsNil())
		require.Equal(t, actorID, creation.ActorCreationID)
	})

	t.Run("DoesNotMutateSpec", func(t *testing.T) {
		spec := &types.TaskSpec{
			DependencyIDs: []types.ObjectID{dependency2, dependency1},
		}
		types.SchedulingKeyForTask(spec)
		require.Equal(t, []types.ObjectID{dependency2, dependency1}, spec.DependencyIDs)
	})
}
