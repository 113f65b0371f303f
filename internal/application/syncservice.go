package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// DefaultPageSize is the largest page the query endpoint accepts.
const DefaultPageSize = 1000

// SyncService pages through vendors, accounts and tax codes for a company,
// normalizes them and replaces the company's metadata cache.
type SyncService struct {
	registry driven.Registry
	cache    driven.MetadataCache
	api      driven.AccountingAPI
	invoker  *Invoker
	pageSize int
	now      func() time.Time
}

// NewSyncService creates a SyncService. A non-positive pageSize selects
// DefaultPageSize.
func NewSyncService(
	registry driven.Registry,
	cache driven.MetadataCache,
	api driven.AccountingAPI,
	invoker *Invoker,
	pageSize int,
) *SyncService {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &SyncService{
		registry: registry,
		cache:    cache,
		api:      api,
		invoker:  invoker,
		pageSize: pageSize,
		now:      time.Now,
	}
}

// SyncAll fetches the three entity lists concurrently. A 403 on one entity
// degrades it to an empty list; any other failure aborts the sync and leaves
// the existing cache untouched.
func (s *SyncService) SyncAll(ctx context.Context, accountID string) (model.Metadata, error) {
	start := time.Now()

	company, err := s.registry.Get(ctx, accountID)
	if err != nil {
		return model.Metadata{}, err
	}
	target := driven.Target{AccountID: company.AccountID, Environment: company.Environment}

	var (
		vendors  []model.Vendor
		accounts []model.Account
		taxCodes []model.TaxCode
	)

	// A plain Group: one entity failing must not cancel the other walks.
	var g errgroup.Group
	g.Go(func() error {
		rows, err := s.fetchOrDegrade(ctx, target, model.EntityVendor)
		vendors = normalizeVendors(rows)
		return err
	})
	g.Go(func() error {
		rows, err := s.fetchOrDegrade(ctx, target, model.EntityAccount)
		accounts = normalizeAccounts(rows)
		return err
	})
	g.Go(func() error {
		rows, err := s.fetchOrDegrade(ctx, target, model.EntityTaxCode)
		taxCodes = normalizeTaxCodes(rows)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.Metadata{}, fmt.Errorf("sync metadata for %s: %w", accountID, err)
	}

	syncedAt := s.now().UTC()
	metadata := model.Metadata{
		Vendors:  model.CacheDocument[model.Vendor]{UpdatedAt: &syncedAt, Items: vendors},
		Accounts: model.CacheDocument[model.Account]{UpdatedAt: &syncedAt, Items: accounts},
		TaxCodes: model.CacheDocument[model.TaxCode]{UpdatedAt: &syncedAt, Items: taxCodes},
	}

	if err := s.cache.Save(ctx, accountID, metadata); err != nil {
		return model.Metadata{}, fmt.Errorf("save metadata cache for %s: %w", accountID, err)
	}

	if _, err := s.registry.UpdateOne(ctx, accountID, func(c *model.Company) error {
		c.RecordSync(metadata)
		return nil
	}); err != nil {
		return model.Metadata{}, fmt.Errorf("record sync counters for %s: %w", accountID, err)
	}

	slog.Info("metadata synced",
		"account_id", accountID,
		"vendors", len(vendors),
		"accounts", len(accounts),
		"tax_codes", len(taxCodes),
		"duration", time.Since(start).Round(time.Millisecond),
	)

	return metadata, nil
}

// ReadCached returns the last cached metadata without any network call. Cache
// documents of a company that is no longer registered are removed.
func (s *SyncService) ReadCached(ctx context.Context, accountID string) (model.Metadata, error) {
	if _, err := s.registry.Get(ctx, accountID); err != nil {
		if errors.Is(err, driven.ErrNotFound) {
			if delErr := s.cache.Delete(ctx, accountID); delErr != nil {
				slog.Warn("orphaned metadata cache cleanup failed", "account_id", accountID, "error", delErr)
			}
		}
		return model.Metadata{}, err
	}

	return s.cache.Load(ctx, accountID)
}

// fetchOrDegrade walks all pages of entity, turning a 403 into an empty list.
func (s *SyncService) fetchOrDegrade(ctx context.Context, target driven.Target, entity model.EntityKind) ([]json.RawMessage, error) {
	rows, err := s.fetchEntity(ctx, target, entity)
	if err != nil {
		if driven.StatusOf(err) == http.StatusForbidden {
			slog.Warn("entity not available for company, caching empty list",
				"account_id", target.AccountID,
				"entity", entity,
				"error", err,
			)
			return nil, nil
		}
		return nil, err
	}
	return rows, nil
}

// fetchEntity pages through entity starting at position 1. It stops on a
// short page or once the declared total is reached, and otherwise advances by
// the larger of the declared page size and the rows actually returned.
func (s *SyncService) fetchEntity(ctx context.Context, target driven.Target, entity model.EntityKind) ([]json.RawMessage, error) {
	var all []json.RawMessage
	position := 1

	for {
		var page *model.QueryPage
		err := s.invoker.Do(ctx, target.AccountID, func(ctx context.Context, accessToken string) error {
			p, err := s.api.Query(ctx, target, accessToken, entity, position, s.pageSize)
			page = p
			return err
		})
		if err != nil {
			return nil, err
		}

		all = append(all, page.Rows...)

		if len(page.Rows) < s.pageSize {
			break
		}
		if page.TotalCount > 0 && len(all) >= page.TotalCount {
			break
		}

		position += nextStep(page.MaxResults, len(page.Rows), s.pageSize)
	}

	return all, nil
}

// nextStep returns max(maxResults, returned), substituting pageSize when no
// rows were returned.
func nextStep(maxResults, returned, pageSize int) int {
	if returned == 0 {
		returned = pageSize
	}
	return max(maxResults, returned)
}

// FetchEntity looks up one entity by ID directly from the provider, going
// through the same refresh-on-401 protocol as a sync.
func (s *SyncService) FetchEntity(ctx context.Context, accountID string, entity model.EntityKind, id string) (json.RawMessage, error) {
	company, err := s.registry.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	target := driven.Target{AccountID: company.AccountID, Environment: company.Environment}

	var body json.RawMessage
	err = s.invoker.Do(ctx, accountID, func(ctx context.Context, accessToken string) error {
		b, err := s.api.GetEntity(ctx, target, accessToken, entity, id)
		body = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
