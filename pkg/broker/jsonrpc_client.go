package broker

import (
	"context"
	"errors"
	"net"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/taskfleet/taskfleet/pkg/types"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RPCNamespace is the JSON-RPC namespace under which brokers expose
// their lease management methods.
const RPCNamespace = "Broker"

// JSONRPCClient is a broker client backed by a JSON-RPC connection. The
// Internal struct is populated by the JSON-RPC library, so that method
// calls on the client turn into calls against the remote broker.
type JSONRPCClient struct {
	Internal struct {
		RequestWorkerLease  func(ctx context.Context, request *RequestWorkerLeaseRequest) (*RequestWorkerLeaseReply, error)
		CancelWorkerLease   func(ctx context.Context, leaseTaskID types.TaskID) (*CancelWorkerLeaseReply, error)
		ReturnWorker        func(ctx context.Context, request *ReturnWorkerRequest) error
		ReportWorkerBacklog func(ctx context.Context, workerID types.WorkerID, reports []*WorkerBacklogReport) error
		GetTaskFailureCause func(ctx context.Context, leaseTaskID types.TaskID) (*GetTaskFailureCauseReply, error)
	}
}

var _ Client = (*JSONRPCClient)(nil)

// NewJSONRPCClient connects a broker client to the given URL.
func NewJSONRPCClient(ctx context.Context, url string) (*JSONRPCClient, jsonrpc.ClientCloser, error) {
	var client JSONRPCClient
	closer, err := jsonrpc.NewClient(ctx, url, RPCNamespace, &client.Internal, nil)
	if err != nil {
		return nil, nil, err
	}
	return &client, closer, nil
}

// statusFromRPCError converts client-side RPC failures into gRPC status
// errors, satisfying the error classification contract of Client.
// Transport-level failures become codes.Unavailable; errors returned by
// the broker itself are passed through unchanged.
func statusFromRPCError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	var connectionErr *jsonrpc.RPCConnectionError
	var netErr net.Error
	if errors.As(err, &connectionErr) || errors.As(err, &netErr) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return err
}

// RequestWorkerLease asks the broker for a worker lease.
func (c *JSONRPCClient) RequestWorkerLease(ctx context.Context, request *RequestWorkerLeaseRequest) (*RequestWorkerLeaseReply, error) {
	reply, err := c.Internal.RequestWorkerLease(ctx, request)
	if err != nil {
		return nil, statusFromRPCError(err)
	}
	return reply, nil
}

// CancelWorkerLease cancels an in-flight lease request.
func (c *JSONRPCClient) CancelWorkerLease(ctx context.Context, leaseTaskID types.TaskID) (*CancelWorkerLeaseReply, error) {
	reply, err := c.Internal.CancelWorkerLease(ctx, leaseTaskID)
	if err != nil {
		return nil, statusFromRPCError(err)
	}
	return reply, nil
}

// ReturnWorker hands a leased worker back to the broker.
func (c *JSONRPCClient) ReturnWorker(ctx context.Context, request *ReturnWorkerRequest) error {
	return statusFromRPCError(c.Internal.ReturnWorker(ctx, request))
}

// ReportWorkerBacklog reports per scheduling class queue depths.
func (c *JSONRPCClient) ReportWorkerBacklog(ctx context.Context, workerID types.WorkerID, reports []*WorkerBacklogReport) error {
	return statusFromRPCError(c.Internal.ReportWorkerBacklog(ctx, workerID, reports))
}

// GetTaskFailureCause fetches the authoritative failure cause of a task.
func (c *JSONRPCClient) GetTaskFailureCause(ctx context.Context, leaseTaskID types.TaskID) (*GetTaskFailureCauseReply, error) {
	reply, err := c.Internal.GetTaskFailureCause(ctx, leaseTaskID)
	if err != nil {
		return nil, statusFromRPCError(err)
	}
	return reply, nil
}
