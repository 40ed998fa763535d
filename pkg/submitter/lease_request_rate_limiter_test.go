package submitter_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/taskfleet/taskfleet/pkg/submitter"
)

func TestStaticLeaseRequestRateLimiter(t *testing.T) {
	limiter := submitter.NewStaticLeaseRequestRateLimiter(10)
	require.Equal(t, 10, limiter.MaxPendingLeaseRequestsPerSchedulingCategory())
}

func TestClusterSizeBasedLeaseRequestRateLimiter(t *testing.T) {
	limiter := submitter.NewClusterSizeBasedLeaseRequestRateLimiter(2)

	// The configured minimum applies while the cluster is smaller.
	require.Equal(t, 2, limiter.MaxPendingLeaseRequestsPerSchedulingCategory())
	limiter.OnNodeAdded()
	require.Equal(t, 2, limiter.MaxPendingLeaseRequestsPerSchedulingCategory())

	limiter.OnNodeAdded()
	limiter.OnNodeAdded()
	require.Equal(t, 3, limiter.MaxPendingLeaseRequestsPerSchedulingCategory())

	limiter.OnNodeRemoved()
	limiter.OnNodeRemoved()
	require.Equal(t, 2, limiter.MaxPendingLeaseRequestsPerSchedulingCategory())
}
