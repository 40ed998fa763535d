package executor

import (
	"context"

	"github.com/filecoin-project/go-jsonrpc"
)

// RPCNamespace is the JSON-RPC namespace under which workers expose
// their task execution methods.
const RPCNamespace = "Executor"

// JSONRPCClient is an executor client backed by a JSON-RPC connection.
// The Internal struct is populated by the JSON-RPC library, so that
// method calls on the client turn into calls against the remote worker.
type JSONRPCClient struct {
	Internal struct {
		PushNormalTask   func(ctx context.Context, request *PushNormalTaskRequest) (*PushNormalTaskReply, error)
		CancelTask       func(ctx context.Context, request *CancelTaskRequest) (*CancelTaskReply, error)
		RemoteCancelTask func(ctx context.Context, request *RemoteCancelTaskRequest) error
	}
}

var _ Client = (*JSONRPCClient)(nil)

// NewJSONRPCClient connects an executor client to the given URL.
func NewJSONRPCClient(ctx context.Context, url string) (*JSONRPCClient, jsonrpc.ClientCloser, error) {
	var client JSONRPCClient
	closer, err := jsonrpc.NewClient(ctx, url, RPCNamespace, &client.Internal, nil)
	if err != nil {
		return nil, nil, err
	}
	return &client, closer, nil
}

// PushNormalTask dispatches a task to the worker and blocks until
// execution finished.
func (c *JSONRPCClient) PushNormalTask(ctx context.Context, request *PushNormalTaskRequest) (*PushNormalTaskReply, error) {
	return c.Internal.PushNormalTask(ctx, request)
}

// CancelTask asks the worker to cancel a task.
func (c *JSONRPCClient) CancelTask(ctx context.Context, request *CancelTaskRequest) (*CancelTaskReply, error) {
	return c.Internal.CancelTask(ctx, request)
}

// RemoteCancelTask cancels a task identified by one of its return
// objects.
func (c *JSONRPCClient) RemoteCancelTask(ctx context.Context, request *RemoteCancelTaskRequest) error {
	return c.Internal.RemoteCancelTask(ctx, request)
}
