package frontier

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is the in-process Store backing (§4.2): a map+slice per queue
// guarded by a mutex, grounded on the teacher's heap-based `Frontier` for
// the general shape of an in-process queue but using a sorted scan instead
// of a heap because Pop must be able to skip not-yet-ready entries
// (NotBefore in the future) without blocking entries behind them — a plain
// FIFO heap can't express that "skip, don't block" semantics cleanly.
type MemStore struct {
	mu     sync.Mutex
	queues map[Queue]map[string]*Record

	hostsMu sync.Mutex
	hosts   map[string]HostFlags

	visitMu sync.Mutex
	visits  map[string]map[VisitKind]time.Time

	locks *localLocks
}

// NewMemStore returns an empty in-process frontier store.
func NewMemStore() *MemStore {
	return &MemStore{
		queues: map[Queue]map[string]*Record{
			PendingFetch:  make(map[string]*Record),
			PendingRender: make(map[string]*Record),
		},
		hosts:  make(map[string]HostFlags),
		visits: make(map[string]map[VisitKind]time.Time),
		locks:  newLocalLocks(),
	}
}

func (s *MemStore) AddMany(_ context.Context, queue Queue, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[queue]
	now := time.Now()
	for _, rec := range records {
		existing, ok := q[rec.Hash]
		if !ok {
			r := rec
			q[rec.Hash] = &r
			continue
		}
		// I1: duplicates collapse to the existing entry unless its
		// not-before-time has already passed, in which case the new
		// enqueue replaces it.
		if !existing.NotBefore.IsZero() && !existing.NotBefore.After(now) {
			existing.EnqueueTime = now
			existing.NotBefore = rec.NotBefore
			existing.URL = rec.URL
		}
	}
	return nil
}

func (s *MemStore) Pop(_ context.Context, queue Queue, max int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[queue]
	now := time.Now()

	ready := make([]*Record, 0, len(q))
	for _, rec := range q {
		if rec.NotBefore.IsZero() || !rec.NotBefore.After(now) {
			ready = append(ready, rec)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].EnqueueTime.Equal(ready[j].EnqueueTime) {
			return ready[i].EnqueueTime.Before(ready[j].EnqueueTime)
		}
		return ready[i].Hash < ready[j].Hash
	})

	if max > 0 && len(ready) > max {
		ready = ready[:max]
	}

	out := make([]Record, len(ready))
	for i, rec := range ready {
		out[i] = *rec
		delete(q, rec.Hash)
	}
	return out, nil
}

func (s *MemStore) Drop(_ context.Context, queue Queue, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues[queue], hash)
	return nil
}

func (s *MemStore) HasHost(_ context.Context, host string) (bool, error) {
	s.hostsMu.Lock()
	defer s.hostsMu.Unlock()
	_, ok := s.hosts[host]
	return ok, nil
}

func (s *MemStore) MarkHost(_ context.Context, flags HostFlags) error {
	s.hostsMu.Lock()
	defer s.hostsMu.Unlock()
	if existing, ok := s.hosts[flags.Host]; ok && flags.FirstSeen.IsZero() {
		flags.FirstSeen = existing.FirstSeen
	}
	if flags.FirstSeen.IsZero() {
		flags.FirstSeen = time.Now()
	}
	s.hosts[flags.Host] = flags
	return nil
}

func (s *MemStore) HostFlags(_ context.Context, host string) (HostFlags, bool, error) {
	s.hostsMu.Lock()
	defer s.hostsMu.Unlock()
	flags, ok := s.hosts[host]
	return flags, ok, nil
}

func (s *MemStore) RecordVisit(_ context.Context, hash string, kind VisitKind, t time.Time) error {
	s.visitMu.Lock()
	defer s.visitMu.Unlock()
	kinds, ok := s.visits[hash]
	if !ok {
		kinds = make(map[VisitKind]time.Time)
		s.visits[hash] = kinds
	}
	// I4: monotonically non-decreasing per entry.
	if prev, ok := kinds[kind]; !ok || t.After(prev) {
		kinds[kind] = t
	}
	return nil
}

func (s *MemStore) LastVisit(_ context.Context, hash string, kind VisitKind) (time.Time, error) {
	s.visitMu.Lock()
	defer s.visitMu.Unlock()
	kinds, ok := s.visits[hash]
	if !ok {
		return time.Time{}, nil
	}
	return kinds[kind], nil
}

func (s *MemStore) AcquireLock(ctx context.Context, hash string, timeout time.Duration) (LockToken, error) {
	return s.locks.Acquire(ctx, hash, timeout)
}

func (s *MemStore) ReleaseLock(_ context.Context, token LockToken) error {
	s.locks.Release(token)
	return nil
}

func (s *MemStore) Close() error { return nil }
