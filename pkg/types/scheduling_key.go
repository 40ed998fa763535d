package types

import (
	"bytes"
	"crypto/sha256"
	"sort"
)

// SchedulingKey is the equivalence class under which tasks are fungible
// for worker lease purposes. Two tasks with equal scheduling keys may
// interchangeably execute on the same leased worker; tasks with unequal
// keys must never share one.
//
// The dependency set is folded into a digest, so that the key remains
// comparable and can be used directly as a map key.
type SchedulingKey struct {
	SchedulingClass  int32
	DependencyDigest [sha256.Size]byte
	ActorCreationID  ActorID
	RuntimeEnvHash   int32
}

// SchedulingKeyForTask computes the scheduling key of a task whose
// dependencies have been resolved. The dependency IDs are sorted before
// digesting, so that specs listing the same dependencies in a different
// order map to the same key.
func SchedulingKeyForTask(spec *TaskSpec) SchedulingKey {
	dependencyIDs := make([]ObjectID, len(spec.DependencyIDs))
	copy(dependencyIDs, spec.DependencyIDs)
	sort.Slice(dependencyIDs, func(i, j int) bool {
		return bytes.Compare(dependencyIDs[i][:], dependencyIDs[j][:]) < 0
	})
	h := sha256.New()
	for _, dependencyID := range dependencyIDs {
		h.Write(dependencyID[:])
	}
	key := SchedulingKey{
		SchedulingClass: spec.SchedulingClass,
		RuntimeEnvHash:  spec.RuntimeEnvHash,
	}
	if spec.IsActorCreationTask() {
		key.ActorCreationID = spec.ActorCreationID
	}
	h.Sum(key.DependencyDigest[:0])
	return key
}
