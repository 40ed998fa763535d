package broker

import (
	"sync"

	"github.com/taskfleet/taskfleet/pkg/types"

	"go.uber.org/zap"
)

// Dialer constructs a client for a remote broker. Implementations must
// not block; connection establishment is expected to happen lazily on
// the first call performed against the returned client.
type Dialer func(address types.NodeAddress) Client

// ClientPool hands out broker clients by node address. The client for
// the local broker is provided up front; clients for remote brokers are
// created on demand through the dialer and cached for the lifetime of
// the pool. Cached clients are reference-shared between callers.
type ClientPool struct {
	logger      *zap.Logger
	localNodeID types.NodeID
	local       Client
	dial        Dialer

	lock   sync.Mutex
	remote map[types.NodeID]Client
}

// NewClientPool creates a client pool that returns local for the node
// identified by localNodeID and dials all other nodes on demand.
func NewClientPool(logger *zap.Logger, localNodeID types.NodeID, local Client, dial Dialer) *ClientPool {
	return &ClientPool{
		logger:      logger,
		localNodeID: localNodeID,
		local:       local,
		dial:        dial,
		remote:      map[types.NodeID]Client{},
	}
}

// LocalNodeID returns the node ID of the local broker.
func (cp *ClientPool) LocalNodeID() types.NodeID {
	return cp.localNodeID
}

// Local returns the client for the local broker.
func (cp *ClientPool) Local() Client {
	return cp.local
}

// GetOrConnect returns the client for the broker at the given address,
// dialing it first if no cached client exists.
func (cp *ClientPool) GetOrConnect(address types.NodeAddress) Client {
	if address.NodeID == cp.localNodeID {
		return cp.local
	}

	cp.lock.Lock()
	defer cp.lock.Unlock()
	if client, ok := cp.remote[address.NodeID]; ok {
		return client
	}
	cp.logger.Info("Connecting to remote broker", zap.Stringer("nodeID", address.NodeID), zap.String("ipAddress", address.IPAddress))
	client := cp.dial(address)
	cp.remote[address.NodeID] = client
	return client
}
