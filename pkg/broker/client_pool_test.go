package broker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/taskfleet/taskfleet/pkg/broker"
	"github.com/taskfleet/taskfleet/pkg/types"

	"go.uber.org/zap"
)

type unconnectedClient struct {
	address types.NodeAddress
}

func (c *unconnectedClient) RequestWorkerLease(ctx context.Context, request *broker.RequestWorkerLeaseRequest) (*broker.RequestWorkerLeaseReply, error) {
	panic("not connected")
}

func (c *unconnectedClient) CancelWorkerLease(ctx context.Context, leaseTaskID types.TaskID) (*broker.CancelWorkerLeaseReply, error) {
	panic("not connected")
}

func (c *unconnectedClient) ReturnWorker(ctx context.Context, request *broker.ReturnWorkerRequest) error {
	panic("not connected")
}

func (c *unconnectedClient) ReportWorkerBacklog(ctx context.Context, workerID types.WorkerID, reports []*broker.WorkerBacklogReport) error {
	panic("not connected")
}

func (c *unconnectedClient) GetTaskFailureCause(ctx context.Context, leaseTaskID types.TaskID) (*broker.GetTaskFailureCauseReply, error) {
	panic("not connected")
}

func TestClientPool(t *testing.T) {
	localNodeID := types.NodeIDFromRandom()
	localAddress := types.NodeAddress{NodeID: localNodeID, IPAddress: "10.0.0.1", Port: 4100}
	local := &unconnectedClient{address: localAddress}

	dialed := 0
	pool := broker.NewClientPool(zap.NewNop(), localNodeID, local, func(address types.NodeAddress) broker.Client {
		dialed++
		return &unconnectedClient{address: address}
	})

	t.Run("Local", func(t *testing.T) {
		require.Equal(t, localNodeID, pool.LocalNodeID())
		require.Same(t, broker.Client(local), pool.Local())

		// The local client is returned by address as well, without
		// consulting the dialer.
		require.Same(t, broker.Client(local), pool.GetOrConnect(localAddress))
		require.Zero(t, dialed)
	})

	t.Run("RemoteClientsAreCached", func(t *testing.T) {
		remoteAddress := types.NodeAddress{NodeID: types.NodeIDFromRandom(), IPAddress: "10.0.0.2", Port: 4100}
		client := pool.GetOrConnect(remoteAddress)
		require.Equal(t, 1, dialed)
		require.Same(t, client, pool.GetOrConnect(remoteAddress))
		require.Equal(t, 1, dialed)

		otherAddress := types.NodeAddress{NodeID: types.NodeIDFromRandom(), IPAddress: "10.0.0.3", Port: 4100}
		require.NotSame(t, client, pool.GetOrConnect(otherAddress))
		require.Equal(t, 2, dialed)
	})
}
