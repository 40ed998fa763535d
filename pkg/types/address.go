package types

import (
	"fmt"
)

// NodeAddress is the address of a broker instance. Every node in the
// cluster runs exactly one broker, so broker addresses are keyed by node
// ID.
type NodeAddress struct {
	NodeID    NodeID `json:"node_id"`
	IPAddress string `json:"ip_address"`
	Port      int    `json:"port"`
}

// IsNil returns true if the address does not refer to any node.
func (a NodeAddress) IsNil() bool {
	return a.NodeID.IsNil()
}

func (a NodeAddress) String() string {
	return fmt.Sprintf("%s (%s:%d)", a.NodeID.Hex(), a.IPAddress, a.Port)
}

// WorkerAddress is the address of a worker process, together with the
// node on which it runs. Worker addresses are comparable, so that they
// can be used as map keys by the submitter's lease table.
type WorkerAddress struct {
	NodeID    NodeID   `json:"node_id"`
	WorkerID  WorkerID `json:"worker_id"`
	IPAddress string   `json:"ip_address"`
	Port      int      `json:"port"`
}

// IsNil returns true if the address does not refer to any worker.
func (a WorkerAddress) IsNil() bool {
	return a.WorkerID.IsNil()
}

func (a WorkerAddress) String() string {
	return fmt.Sprintf("%s on node %s (%s:%d)", a.WorkerID.Hex(), a.NodeID.Hex(), a.IPAddress, a.Port)
}
