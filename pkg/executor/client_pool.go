package executor

import (
	"sync"

	"github.com/taskfleet/taskfleet/pkg/types"
)

// Dialer constructs a client for a worker. Implementations must not
// block; connection establishment is expected to happen lazily on the
// first call performed against the returned client.
type Dialer func(address types.WorkerAddress) Client

// ClientPool caches executor clients by worker address. Clients are
// created through the dialer on first use and reference-shared between
// callers afterwards.
type ClientPool struct {
	dial Dialer

	lock    sync.Mutex
	clients map[types.WorkerAddress]Client
}

// NewClientPool creates an empty client pool around the given dialer.
func NewClientPool(dial Dialer) *ClientPool {
	return &ClientPool{
		dial:    dial,
		clients: map[types.WorkerAddress]Client{},
	}
}

// GetOrConnect returns the client for the worker at the given address,
// dialing it first if no cached client exists.
func (cp *ClientPool) GetOrConnect(address types.WorkerAddress) Client {
	cp.lock.Lock()
	defer cp.lock.Unlock()
	if client, ok := cp.clients[address]; ok {
		return client
	}
	client := cp.dial(address)
	cp.clients[address] = client
	return client
}

// Disconnect drops the cached client for a worker, if any. Subsequent
// calls to GetOrConnect will dial the worker again.
func (cp *ClientPool) Disconnect(address types.WorkerAddress) {
	cp.lock.Lock()
	defer cp.lock.Unlock()
	delete(cp.clients, address)
}
