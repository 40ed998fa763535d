package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/filecoin-project/go-jsonrpc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taskfleet/taskfleet/pkg/broker"
	"github.com/taskfleet/taskfleet/pkg/executor"
	"github.com/taskfleet/taskfleet/pkg/submitter"
	"github.com/taskfleet/taskfleet/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	bb_clock "github.com/buildbarn/bb-storage/pkg/clock"
)

// duration makes time.Duration parseable from TOML strings like "30s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) orDefault(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

type workerConfiguration struct {
	// Type is either "worker" for cluster-managed processes or
	// "driver" for user-owned ones.
	Type                    string   `toml:"type"`
	IPAddress               string   `toml:"ip_address"`
	Port                    int      `toml:"port"`
	JobID                   string   `toml:"job_id"`
	LeaseTimeout            duration `toml:"lease_timeout"`
	CancellationRetryDelay  duration `toml:"cancellation_retry_delay"`
	MaxPendingLeaseRequests int      `toml:"max_pending_lease_requests"`
	BacklogReportInterval   duration `toml:"backlog_report_interval"`
}

type brokerConfiguration struct {
	NodeID    string `toml:"node_id"`
	IPAddress string `toml:"ip_address"`
	Port      int    `toml:"port"`
}

type metricsConfiguration struct {
	ListenAddress string `toml:"listen_address"`
}

type loggingConfiguration struct {
	Level string `toml:"level"`
}

type configuration struct {
	Worker  workerConfiguration  `toml:"worker"`
	Broker  brokerConfiguration  `toml:"broker"`
	Metrics metricsConfiguration `toml:"metrics"`
	Logging loggingConfiguration `toml:"logging"`
}

func parseNodeID(s string) (types.NodeID, error) {
	var nodeID types.NodeID
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return nodeID, err
	}
	if len(decoded) != types.IdentifierSizeBytes {
		return nodeID, status.Errorf(codes.InvalidArgument, "Node ID is %d bytes in size, while %d bytes were expected", len(decoded), types.IdentifierSizeBytes)
	}
	copy(nodeID[:], decoded)
	return nodeID, nil
}

func brokerURL(address types.NodeAddress) string {
	return fmt.Sprintf("http://%s/rpc/v0", net.JoinHostPort(address.IPAddress, strconv.Itoa(address.Port)))
}

func workerURL(address types.WorkerAddress) string {
	return fmt.Sprintf("http://%s/rpc/v0", net.JoinHostPort(address.IPAddress, strconv.Itoa(address.Port)))
}

// submitterRPCHandler exposes the submitter over JSON-RPC, so that
// language frontends on the same node can hand tasks to this process.
type submitterRPCHandler struct {
	taskManager   *submitter.InMemoryTaskManager
	taskSubmitter *submitter.NormalTaskSubmitter
	jobID         types.JobID
}

func (h *submitterRPCHandler) SubmitTask(ctx context.Context, spec *types.TaskSpec) (types.TaskID, error) {
	if spec.TaskID.IsNil() {
		spec.TaskID = types.TaskIDFromRandom()
	}
	if spec.JobID.IsNil() {
		spec.JobID = h.jobID
	}
	h.taskManager.RegisterTask(spec)
	if err := h.taskSubmitter.Submit(spec); err != nil {
		return types.TaskID{}, err
	}
	return spec.TaskID, nil
}

func (h *submitterRPCHandler) CancelTask(ctx context.Context, spec *types.TaskSpec, forceKill, recursive bool) error {
	return h.taskSubmitter.CancelTask(spec, forceKill, recursive)
}

func (h *submitterRPCHandler) GetTaskFailure(ctx context.Context, taskID types.TaskID) (*types.ErrorInfo, error) {
	return h.taskManager.TaskFailure(taskID), nil
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: taskfleet_worker taskfleet_worker.toml")
		os.Exit(1)
	}
	var config configuration
	if _, err := toml.DecodeFile(os.Args[1], &config); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read configuration from %s: %s\n", os.Args[1], err)
		os.Exit(1)
	}

	zapConfig := zap.NewProductionConfig()
	if config.Logging.Level != "" {
		level, err := zap.ParseAtomicLevel(config.Logging.Level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid log level %q: %s\n", config.Logging.Level, err)
			os.Exit(1)
		}
		zapConfig.Level = level
	}
	logger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %s\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, &config); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Worker failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, config *configuration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	localNodeID, err := parseNodeID(config.Broker.NodeID)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "Invalid broker node ID: %s", err)
	}
	localBrokerAddress := types.NodeAddress{
		NodeID:    localNodeID,
		IPAddress: config.Broker.IPAddress,
		Port:      config.Broker.Port,
	}
	jobID := types.JobIDFromRandom()
	if config.Worker.JobID != "" {
		decoded, err := hex.DecodeString(config.Worker.JobID)
		if err != nil || len(decoded) != types.IdentifierSizeBytes {
			return status.Errorf(codes.InvalidArgument, "Invalid job ID %q", config.Worker.JobID)
		}
		copy(jobID[:], decoded)
	}
	workerType := submitter.WorkerTypeWorker
	switch config.Worker.Type {
	case "", "worker":
	case "driver":
		workerType = submitter.WorkerTypeDriver
	default:
		return status.Errorf(codes.InvalidArgument, "Invalid worker type %q", config.Worker.Type)
	}
	rpcAddress := types.WorkerAddress{
		NodeID:    localNodeID,
		WorkerID:  types.WorkerIDFromRandom(),
		IPAddress: config.Worker.IPAddress,
		Port:      config.Worker.Port,
	}
	logger.Info("Starting worker",
		zap.Stringer("workerID", rpcAddress.WorkerID),
		zap.Stringer("nodeID", localNodeID),
		zap.Stringer("jobID", jobID))

	localBroker, closeLocalBroker, err := broker.NewJSONRPCClient(ctx, brokerURL(localBrokerAddress))
	if err != nil {
		return status.Errorf(codes.Internal, "Failed to create local broker client: %s", err)
	}
	defer closeLocalBroker()

	brokerClients := broker.NewClientPool(logger, localNodeID, localBroker, func(address types.NodeAddress) broker.Client {
		client, _, err := broker.NewJSONRPCClient(ctx, brokerURL(address))
		if err != nil {
			logger.Fatal("Failed to create broker client", zap.Stringer("nodeID", address.NodeID), zap.Error(err))
		}
		return client
	})
	executorClients := executor.NewClientPool(func(address types.WorkerAddress) executor.Client {
		client, _, err := executor.NewJSONRPCClient(ctx, workerURL(address))
		if err != nil {
			logger.Fatal("Failed to create executor client", zap.Stringer("workerID", address.WorkerID), zap.Error(err))
		}
		return client
	})

	maxPendingLeaseRequests := config.Worker.MaxPendingLeaseRequests
	if maxPendingLeaseRequests < 1 {
		maxPendingLeaseRequests = 10
	}

	var taskSubmitter *submitter.NormalTaskSubmitter
	taskManager := submitter.NewInMemoryTaskManager(logger, func(spec *types.TaskSpec) {
		if err := taskSubmitter.Submit(spec); err != nil {
			logger.Error("Failed to resubmit task", zap.Stringer("taskID", spec.TaskID), zap.Error(err))
		}
	})
	taskSubmitter = submitter.NewNormalTaskSubmitter(
		logger,
		bb_clock.SystemClock,
		submitter.NewImmediateDependencyResolver(),
		taskManager,
		brokerClients,
		executorClients,
		submitter.NewLocalOnlyLeasePolicy(localBrokerAddress),
		submitter.NewStaticLeaseRequestRateLimiter(maxPendingLeaseRequests),
		&submitter.Configuration{
			LeaseTimeout:           config.Worker.LeaseTimeout.orDefault(30 * time.Second),
			CancellationRetryDelay: config.Worker.CancellationRetryDelay.orDefault(2 * time.Second),
			WorkerType:             workerType,
			JobID:                  jobID,
			RPCAddress:             rpcAddress,
		})
	defer taskSubmitter.Close()

	rpcServer := jsonrpc.NewServer()
	rpcServer.Register("Submitter", &submitterRPCHandler{
		taskManager:   taskManager,
		taskSubmitter: taskSubmitter,
		jobID:         jobID,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/rpc/v0", rpcServer)
		return serve(groupCtx, logger, "rpc", &http.Server{
			Addr:    net.JoinHostPort(config.Worker.IPAddress, strconv.Itoa(config.Worker.Port)),
			Handler: mux,
		})
	})
	if config.Metrics.ListenAddress != "" {
		group.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return serve(groupCtx, logger, "metrics", &http.Server{
				Addr:    config.Metrics.ListenAddress,
				Handler: mux,
			})
		})
	}
	group.Go(func() error {
		// Brokers use backlog sizes for autoscaling, so they are
		// refreshed periodically in addition to the event driven
		// reports sent with lease requests.
		ticker := time.NewTicker(config.Worker.BacklogReportInterval.orDefault(time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			case <-ticker.C:
				taskSubmitter.ReportWorkerBacklog()
			}
		}
	})
	return group.Wait()
}

func serve(ctx context.Context, logger *zap.Logger, name string, server *http.Server) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down HTTP server", zap.String("server", name), zap.Error(err))
		}
	}()
	logger.Info("Serving HTTP", zap.String("server", name), zap.String("address", server.Addr))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
