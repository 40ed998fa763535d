package submitter

import (
	"github.com/taskfleet/taskfleet/pkg/types"
)

// LeasePolicy picks the broker to which the next worker lease request
// for a task should be sent. The boolean return value reports whether
// the node was chosen because it holds the task's dependencies; it is
// forwarded to the broker for scheduling statistics.
type LeasePolicy interface {
	GetBestNodeForTask(spec *types.TaskSpec) (types.NodeAddress, bool)
}

// ObjectLocality describes where a single object currently lives and
// how large it is.
type ObjectLocality struct {
	SizeBytes       int64
	NodesContaining []types.NodeID
}

// LocalityDataProvider supplies locality information for objects. The
// second return value is false if nothing is known about the object.
type LocalityDataProvider interface {
	GetLocalityData(objectID types.ObjectID) (ObjectLocality, bool)
}

// NodeAddressResolver maps a node ID to the address of its broker. The
// second return value is false if the node is not currently alive.
type NodeAddressResolver func(nodeID types.NodeID) (types.NodeAddress, bool)

// LocalityLeasePolicy sends lease requests to the node holding the
// largest total number of bytes of the task's dependencies, falling
// back to the local broker when no locality data is available or the
// best node is no longer alive.
type LocalityLeasePolicy struct {
	localityData LocalityDataProvider
	resolveNode  NodeAddressResolver
	fallback     types.NodeAddress
}

// NewLocalityLeasePolicy creates a locality-aware lease policy that
// falls back to the given broker address.
func NewLocalityLeasePolicy(localityData LocalityDataProvider, resolveNode NodeAddressResolver, fallback types.NodeAddress) *LocalityLeasePolicy {
	return &LocalityLeasePolicy{
		localityData: localityData,
		resolveNode:  resolveNode,
		fallback:     fallback,
	}
}

// GetBestNodeForTask returns the address of the broker with the best
// data locality for the task, or the fallback address.
func (lp *LocalityLeasePolicy) GetBestNodeForTask(spec *types.TaskSpec) (types.NodeAddress, bool) {
	bytesByNode := map[types.NodeID]int64{}
	var bestNodeID types.NodeID
	var bestBytes int64
	for _, dependencyID := range spec.DependencyIDs {
		locality, ok := lp.localityData.GetLocalityData(dependencyID)
		if !ok {
			continue
		}
		for _, nodeID := range locality.NodesContaining {
			bytesByNode[nodeID] += locality.SizeBytes
			if bytesByNode[nodeID] > bestBytes {
				bestNodeID, bestBytes = nodeID, bytesByNode[nodeID]
			}
		}
	}
	if bestBytes > 0 {
		if address, ok := lp.resolveNode(bestNodeID); ok {
			return address, true
		}
	}
	return lp.fallback, false
}

type localOnlyLeasePolicy types.NodeAddress

// NewLocalOnlyLeasePolicy creates a lease policy that always picks the
// local broker, leaving all placement decisions to broker spillback.
func NewLocalOnlyLeasePolicy(local types.NodeAddress) LeasePolicy {
	return localOnlyLeasePolicy(local)
}

func (lp localOnlyLeasePolicy) GetBestNodeForTask(spec *types.TaskSpec) (types.NodeAddress, bool) {
	return types.NodeAddress(lp), false
}
