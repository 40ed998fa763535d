package submitter

import (
	"sync/atomic"
)

// LeaseRequestRateLimiter bounds the number of worker lease requests the
// submitter keeps in flight per scheduling category. The limit may
// change over time; the submitter consults it before every request.
type LeaseRequestRateLimiter interface {
	MaxPendingLeaseRequestsPerSchedulingCategory() int
}

type staticLeaseRequestRateLimiter int

// NewStaticLeaseRequestRateLimiter creates a rate limiter that always
// returns the same limit.
func NewStaticLeaseRequestRateLimiter(limit int) LeaseRequestRateLimiter {
	return staticLeaseRequestRateLimiter(limit)
}

func (l staticLeaseRequestRateLimiter) MaxPendingLeaseRequestsPerSchedulingCategory() int {
	return int(l)
}

// ClusterSizeBasedLeaseRequestRateLimiter scales the in-flight lease
// request limit with the number of alive nodes in the cluster, so that
// large clusters can be saturated without letting a single submitter
// overwhelm a small one. The limit never drops below the configured
// minimum concurrency.
type ClusterSizeBasedLeaseRequestRateLimiter struct {
	minConcurrency int64
	aliveNodes     atomic.Int64
}

// NewClusterSizeBasedLeaseRequestRateLimiter creates a rate limiter that
// tracks cluster membership events.
func NewClusterSizeBasedLeaseRequestRateLimiter(minConcurrency int) *ClusterSizeBasedLeaseRequestRateLimiter {
	return &ClusterSizeBasedLeaseRequestRateLimiter{
		minConcurrency: int64(minConcurrency),
	}
}

// OnNodeAdded must be called when a node joins the cluster.
func (l *ClusterSizeBasedLeaseRequestRateLimiter) OnNodeAdded() {
	l.aliveNodes.Add(1)
}

// OnNodeRemoved must be called when a node leaves the cluster.
func (l *ClusterSizeBasedLeaseRequestRateLimiter) OnNodeRemoved() {
	l.aliveNodes.Add(-1)
}

// MaxPendingLeaseRequestsPerSchedulingCategory returns the current
// limit.
func (l *ClusterSizeBasedLeaseRequestRateLimiter) MaxPendingLeaseRequestsPerSchedulingCategory() int {
	if n := l.aliveNodes.Load(); n > l.minConcurrency {
		return int(n)
	}
	return int(l.minConcurrency)
}
