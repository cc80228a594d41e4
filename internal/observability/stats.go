package observability

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks darkcrawl's operational counters. It plays the same role
// the teacher's Metrics type did, but every field here tracks darkcrawl's
// own vocabulary (proxy tags, lock contention, frontier queue depth)
// rather than webstalk's HTTP-status buckets, and Log reports a
// structured log line instead of serving a Prometheus endpoint — there
// is no metrics HTTP server in this tree.
type Stats struct {
	RequestsTotal  atomic.Int64
	RequestsFailed atomic.Int64
	LockContention atomic.Int64

	QueueDepthFetch  atomic.Int64
	QueueDepthRender atomic.Int64

	proxyMu  sync.Mutex
	proxyTag map[string]int64
}

// NewStats returns a zeroed Stats ready to be wired into a Scheduler and
// its workers via SetStats.
func NewStats() *Stats {
	return &Stats{proxyTag: make(map[string]int64)}
}

// IncRequests records one transport call (fetch or render).
func (s *Stats) IncRequests() {
	if s == nil {
		return
	}
	s.RequestsTotal.Add(1)
}

// IncFailed records one transport call that returned an error.
func (s *Stats) IncFailed() {
	if s == nil {
		return
	}
	s.RequestsFailed.Add(1)
}

// IncLockContention records one AcquireLock call that came back
// frontier.ErrLockBusy.
func (s *Stats) IncLockContention() {
	if s == nil {
		return
	}
	s.LockContention.Add(1)
}

// IncProxyTag records one transport call made through tag.
func (s *Stats) IncProxyTag(tag string) {
	if s == nil {
		return
	}
	s.proxyMu.Lock()
	s.proxyTag[tag]++
	s.proxyMu.Unlock()
}

// SetQueueDepth records the size of the most recent Pop from pool.
func (s *Stats) SetQueueDepth(pool string, n int) {
	if s == nil {
		return
	}
	switch pool {
	case "pending-fetch":
		s.QueueDepthFetch.Store(int64(n))
	case "pending-render":
		s.QueueDepthRender.Store(int64(n))
	}
}

// proxySnapshot copies the per-tag request counts for logging.
func (s *Stats) proxySnapshot() map[string]int64 {
	s.proxyMu.Lock()
	defer s.proxyMu.Unlock()
	out := make(map[string]int64, len(s.proxyTag))
	for tag, n := range s.proxyTag {
		out[tag] = n
	}
	return out
}

// Log emits one structured log line with the current counter snapshot.
// Unlike the teacher's Metrics.ServeHTTP, this never blocks on a
// listener: it is a plain slog call on whatever handler logger holds.
func (s *Stats) Log(logger *slog.Logger) {
	if s == nil {
		return
	}
	args := []any{
		"requests_total", s.RequestsTotal.Load(),
		"requests_failed", s.RequestsFailed.Load(),
		"lock_contention", s.LockContention.Load(),
		"queue_depth_fetch", s.QueueDepthFetch.Load(),
		"queue_depth_render", s.QueueDepthRender.Load(),
	}
	for tag, n := range s.proxySnapshot() {
		args = append(args, "requests_proxy_"+tag, n)
	}
	logger.Info("stats", args...)
}

// StartReporter logs a Stats snapshot every interval until ctx is
// cancelled. Callers run it in its own goroutine; it returns once ctx is
// done so callers needn't track a stop channel separately.
func StartReporter(ctx context.Context, logger *slog.Logger, stats *Stats, interval time.Duration) {
	if stats == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats.Log(logger)
		}
	}
}
