package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// MetadataSyncer is the synchronization capability the warm-up loop drives.
type MetadataSyncer interface {
	SyncAll(ctx context.Context, accountID string) (model.Metadata, error)
}

// WarmupService primes the metadata cache for every registered company at
// startup, optionally re-syncs on an interval, and serves queued and
// on-demand refreshes.
type WarmupService struct {
	registry driven.Registry
	cache    driven.MetadataCache
	syncer   MetadataSyncer
	interval time.Duration
	queue    chan string
}

// NewWarmupService creates a WarmupService. An interval of zero disables
// periodic re-sync.
func NewWarmupService(registry driven.Registry, cache driven.MetadataCache, syncer MetadataSyncer, interval time.Duration) *WarmupService {
	return &WarmupService{
		registry: registry,
		cache:    cache,
		syncer:   syncer,
		interval: interval,
		queue:    make(chan string, 32),
	}
}

// Start runs the warm-up pass, then serves queued refreshes and the periodic
// re-sync until ctx is canceled.
func (s *WarmupService) Start(ctx context.Context) {
	s.WarmAll(ctx)

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("warmup service stopped")
			return
		case <-tick:
			s.WarmAll(ctx)
		case accountID := <-s.queue:
			if _, err := s.syncer.SyncAll(ctx, accountID); err != nil {
				slog.Error("queued metadata sync failed", "account_id", accountID, "error", err)
			}
		}
	}
}

// WarmAll syncs every registered company in turn. Per-company failures are
// logged and never stop the pass. Cache documents for unknown companies are
// pruned afterwards.
func (s *WarmupService) WarmAll(ctx context.Context) {
	start := time.Now()

	companies, err := s.registry.ReadAll(ctx)
	if err != nil {
		slog.Error("warmup skipped, registry unreadable", "error", err)
		return
	}

	var failures int
	for _, c := range companies {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.syncer.SyncAll(ctx, c.AccountID); err != nil {
			slog.Error("warmup sync failed", "account_id", c.AccountID, "error", err)
			failures++
		}
	}

	s.pruneOrphans(ctx, companies)

	slog.Info("warmup complete",
		"companies", len(companies),
		"errors", failures,
		"duration", time.Since(start).Round(time.Millisecond),
	)
}

// Enqueue schedules an asynchronous sync for accountID. It returns false if
// the queue is full.
func (s *WarmupService) Enqueue(accountID string) bool {
	select {
	case s.queue <- accountID:
		return true
	default:
		slog.Warn("sync queue full, dropping request", "account_id", accountID)
		return false
	}
}

// RefreshAccount syncs one company immediately, independent of the loop.
func (s *WarmupService) RefreshAccount(ctx context.Context, accountID string) (model.Metadata, error) {
	slog.Info("manual metadata refresh requested", "account_id", accountID)
	return s.syncer.SyncAll(ctx, accountID)
}

func (s *WarmupService) pruneOrphans(ctx context.Context, companies []model.Company) {
	cached, err := s.cache.AccountIDs(ctx)
	if err != nil {
		slog.Warn("listing metadata cache failed", "error", err)
		return
	}

	known := make(map[string]bool, len(companies))
	for _, c := range companies {
		known[c.AccountID] = true
	}

	for _, id := range cached {
		if known[id] {
			continue
		}
		if err := s.cache.Delete(ctx, id); err != nil {
			slog.Warn("orphaned metadata cache cleanup failed", "account_id", id, "error", err)
			continue
		}
		slog.Info("removed orphaned metadata cache", "account_id", id)
	}
}
