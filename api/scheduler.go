/*
scheduler.go - Cutoff scheduler

PURPOSE:
  Periodically performs the time-driven work of the ledger that no chat
  message triggers:
  - Auto-closes SINGLE_BILL_PER_DAY bills whose period has ended
  - Sweeps the chat cache so DAILY_RESET chats drop yesterday's items at
    the cutoff rather than on their next read
  - Fetches a realtime rate for chats that have no rate at all

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - A failing step is logged and retried on the next tick

USAGE:
  scheduler := NewCutoffScheduler(engine, logger)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - billing/reconciler.go: CloseExpired
  - billing/cache.go: Sweep
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

// CutoffScheduler runs the periodic ledger maintenance.
type CutoffScheduler struct {
	Engine        *billing.Reconciler
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCutoffScheduler creates a scheduler ticking every minute.
func NewCutoffScheduler(engine *billing.Reconciler, logger *zap.Logger) *CutoffScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CutoffScheduler{
		Engine:        engine,
		CheckInterval: time.Minute,
		Enabled:       true,
		logger:        logger,
	}
}

// Start begins the scheduler. ctx bounds every run.
func (s *CutoffScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(ctx)

	s.logger.Info("scheduler started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for a running check to finish.
func (s *CutoffScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.logger.Info("scheduler stopped")
	}
}

func (s *CutoffScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one check immediately (for testing/admin).
func (s *CutoffScheduler) RunNow(ctx context.Context) {
	closed, err := s.Engine.CloseExpired(ctx)
	if err != nil {
		s.logger.Error("auto close failed", zap.Error(err))
	}

	rolled := s.Engine.SweepCache()
	s.ensureRates(ctx)

	if closed > 0 || rolled > 0 {
		s.logger.Info("cutoff check completed",
			zap.Int("bills_closed", closed),
			zap.Int("chats_rolled_over", rolled),
		)
	}
}

// ensureRates fetches a realtime rate for chats that have no rate yet.
func (s *CutoffScheduler) ensureRates(ctx context.Context) {
	if s.Engine.Rates.Fetcher == nil {
		return
	}
	chats, err := s.Engine.Ledger.Store.ListChats(ctx)
	if err != nil {
		s.logger.Error("list chats failed", zap.Error(err))
		return
	}
	for _, chat := range chats {
		if s.Engine.Rates.EnsureRate(ctx, chat) {
			s.Engine.Cache.DropSettings(chat.Key)
		}
	}
}
