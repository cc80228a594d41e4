// Package scheduler implements the round-based worker pool of §4.10: two
// logically independent pools (fetch, render), each popping up to
// MAX_POOL ready records, dispatching them to DARC_CPU workers in
// parallel, and running the registered inter-round hooks once the round
// finishes. An empty queue sleeps DARC_WAIT before the next round; REBOOT
// mode terminates a pool once both of its last two rounds came back empty.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/darkcrawl/darkcrawl/internal/config"
	"github.com/darkcrawl/darkcrawl/internal/crawlerrors"
	"github.com/darkcrawl/darkcrawl/internal/frontier"
	"github.com/darkcrawl/darkcrawl/internal/observability"
)

// Processor runs one §4.7/§4.8 state machine step for a popped record.
// *worker.FetchWorker and *worker.RenderWorker both satisfy this.
type Processor interface {
	Process(ctx context.Context, rec frontier.Record) error
}

// Hook observes the records a round just finished processing. Returning
// crawlerrors.ErrWorkerBreak instructs the scheduler to stop that pool
// after the current round completes (§4.10 step 4).
type Hook func(ctx context.Context, pool frontier.Queue, processed []frontier.Record) error

// Scheduler runs the fetch and render round loops concurrently over a
// shared frontier store.
type Scheduler struct {
	store        frontier.Store
	fetchWorker  Processor
	renderWorker Processor
	cfg          *config.Config
	logger       *slog.Logger
	stats        *observability.Stats

	mu    sync.Mutex
	hooks []Hook
}

// SetStats wires an optional operational-counter sink. A nil *Stats
// (the default) makes every counter call a no-op.
func (s *Scheduler) SetStats(stats *observability.Stats) {
	s.stats = stats
}

// New wires a Scheduler from its collaborators.
func New(store frontier.Store, fetchWorker, renderWorker Processor, cfg *config.Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:        store,
		fetchWorker:  fetchWorker,
		renderWorker: renderWorker,
		cfg:          cfg,
		logger:       logger.With("component", "scheduler"),
	}
}

// AddHook registers an inter-round hook. Hooks run in registration order
// after every round, for both pools.
func (s *Scheduler) AddHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Run starts the pool loop for every non-nil Processor and blocks until
// ctx is cancelled or all started loops terminate on their own (REBOOT
// mode, or a WorkerBreak hook). A deployment normally constructs a
// Scheduler with only one of fetchWorker/renderWorker set — one process
// per pool, per the CLI's -t flag — but both may run in a single process
// too.
func (s *Scheduler) Run(ctx context.Context) error {
	type result struct {
		pool frontier.Queue
		err  error
	}

	var pools []struct {
		queue frontier.Queue
		proc  Processor
	}
	if s.fetchWorker != nil {
		pools = append(pools, struct {
			queue frontier.Queue
			proc  Processor
		}{frontier.PendingFetch, s.fetchWorker})
	}
	if s.renderWorker != nil {
		pools = append(pools, struct {
			queue frontier.Queue
			proc  Processor
		}{frontier.PendingRender, s.renderWorker})
	}
	if len(pools) == 0 {
		return nil
	}

	results := make(chan result, len(pools))
	var wg sync.WaitGroup
	wg.Add(len(pools))
	for _, p := range pools {
		p := p
		go func() {
			defer wg.Done()
			results <- result{pool: p.queue, err: s.runPool(ctx, p.queue, p.proc)}
		}()
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil && !errors.Is(r.err, crawlerrors.ErrWorkerBreak) {
			return r.err
		}
	}
	return nil
}

// runPool executes the round loop of §4.10 for one pool.
func (s *Scheduler) runPool(ctx context.Context, pool frontier.Queue, proc Processor) error {
	logger := s.logger.With("pool", string(pool))
	emptyRounds := 0

	for {
		select {
		case <-ctx.Done():
			logger.Info("context cancelled, stopping pool")
			return nil
		default:
		}

		recs, err := s.store.Pop(ctx, pool, s.cfg.Frontier.MaxPool)
		if err != nil {
			logger.Error("frontier pop failed", "error", err)
			return crawlerrors.ErrStoreUnavailable
		}

		s.stats.SetQueueDepth(string(pool), len(recs))

		if len(recs) == 0 {
			emptyRounds++
			if s.cfg.Scheduling.Reboot && emptyRounds >= 2 {
				logger.Info("reboot mode: two consecutive empty rounds, stopping pool")
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.Scheduling.DarcWait):
			}
			continue
		}
		emptyRounds = 0

		s.dispatch(ctx, recs, proc, logger)

		if err := s.runHooks(ctx, pool, recs); err != nil {
			if errors.Is(err, crawlerrors.ErrWorkerBreak) {
				logger.Info("inter-round hook requested stop, finishing after this round")
				return crawlerrors.ErrWorkerBreak
			}
			logger.Warn("inter-round hook error", "error", err)
		}
	}
}

// dispatch fans recs out across DarcCPU workers and waits for all of
// them (§4.10 step 3).
func (s *Scheduler) dispatch(ctx context.Context, recs []frontier.Record, proc Processor, logger *slog.Logger) {
	concurrency := s.cfg.Scheduling.DarcCPU
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(recs) {
		concurrency = len(recs)
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, rec := range recs {
		rec := rec
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := proc.Process(ctx, rec); err != nil {
				logger.Warn("process failed", "url", rec.URL, "error", err)
			}
		}()
	}
	wg.Wait()
}

// runHooks invokes every registered hook in order, stopping at the first
// error (WorkerBreak or otherwise).
func (s *Scheduler) runHooks(ctx context.Context, pool frontier.Queue, processed []frontier.Record) error {
	s.mu.Lock()
	hooks := make([]Hook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for _, h := range hooks {
		if err := h(ctx, pool, processed); err != nil {
			return err
		}
	}
	return nil
}
