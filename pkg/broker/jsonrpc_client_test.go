package broker_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/stretchr/testify/require"
	"github.com/taskfleet/taskfleet/pkg/broker"
	"github.com/taskfleet/taskfleet/pkg/types"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type unschedulableBrokerHandler struct{}

func (unschedulableBrokerHandler) RequestWorkerLease(ctx context.Context, request *broker.RequestWorkerLeaseRequest) (*broker.RequestWorkerLeaseReply, error) {
	return nil, errors.New("no feasible node")
}

func TestJSONRPCClient(t *testing.T) {
	t.Run("ConnectionErrorsMapToUnavailable", func(t *testing.T) {
		// Nothing listens on port 1. A broker that cannot be reached
		// must surface as codes.Unavailable, as the submitter uses
		// that code to tell a dead local broker apart from an error
		// returned by a live one.
		client, closer, err := broker.NewJSONRPCClient(context.Background(), "http://127.0.0.1:1/rpc/v0")
		require.NoError(t, err)
		defer closer()

		_, err = client.RequestWorkerLease(context.Background(), &broker.RequestWorkerLeaseRequest{})
		require.Error(t, err)
		require.Equal(t, codes.Unavailable, status.Code(err))

		err = client.ReturnWorker(context.Background(), &broker.ReturnWorkerRequest{})
		require.Error(t, err)
		require.Equal(t, codes.Unavailable, status.Code(err))

		_, err = client.GetTaskFailureCause(context.Background(), types.TaskIDFromRandom())
		require.Error(t, err)
		require.Equal(t, codes.Unavailable, status.Code(err))
	})

	t.Run("BrokerErrorsArePassedThrough", func(t *testing.T) {
		rpcServer := jsonrpc.NewServer()
		rpcServer.Register(broker.RPCNamespace, unschedulableBrokerHandler{})
		server := httptest.NewServer(rpcServer)
		defer server.Close()

		client, closer, err := broker.NewJSONRPCClient(context.Background(), server.URL)
		require.NoError(t, err)
		defer closer()

		// The broker was reached and replied with an error of its
		// own; that must not be mistaken for broker death.
		_, err = client.RequestWorkerLease(context.Background(), &broker.RequestWorkerLeaseRequest{})
		require.Error(t, err)
		require.NotEqual(t, codes.Unavailable, status.Code(err))
		require.ErrorContains(t, err, "no feasible node")
	})
}
