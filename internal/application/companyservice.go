package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// CompanyService manages registered companies outside of the connect flow.
type CompanyService struct {
	registry driven.Registry
	cache    driven.MetadataCache
}

// NewCompanyService creates a CompanyService.
func NewCompanyService(registry driven.Registry, cache driven.MetadataCache) *CompanyService {
	return &CompanyService{registry: registry, cache: cache}
}

// List returns every registered company.
func (s *CompanyService) List(ctx context.Context) ([]model.Company, error) {
	return s.registry.ReadAll(ctx)
}

// Get returns one company.
func (s *CompanyService) Get(ctx context.Context, accountID string) (*model.Company, error) {
	return s.registry.Get(ctx, accountID)
}

// Rename sets the user-facing display name. An empty name clears it so the
// legal name or account ID is shown instead.
func (s *CompanyService) Rename(ctx context.Context, accountID, displayName string) (model.Company, error) {
	displayName = strings.TrimSpace(displayName)
	return s.registry.UpdateOne(ctx, accountID, func(c *model.Company) error {
		if displayName == "" {
			c.DisplayName = nil
			return nil
		}
		c.DisplayName = &displayName
		return nil
	})
}

// Disconnect removes the company and its cached metadata.
func (s *CompanyService) Disconnect(ctx context.Context, accountID string) error {
	if err := s.registry.Delete(ctx, accountID); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, accountID); err != nil {
		return fmt.Errorf("delete metadata cache for %s: %w", accountID, err)
	}
	slog.Info("company disconnected", "account_id", accountID)
	return nil
}
