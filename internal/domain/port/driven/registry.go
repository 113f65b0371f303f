package driven

import (
	"context"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
)

// Registry defines the driven port for the durable company registry.
type Registry interface {
	// ReadAll returns every stored company in document order. A missing
	// backing file yields an empty slice. A file that exists but does not
	// parse yields a *RegistryCorruptError.
	ReadAll(ctx context.Context) ([]model.Company, error)

	// WriteAll atomically replaces the whole document.
	WriteAll(ctx context.Context, companies []model.Company) error

	// Get returns the company with the given account ID or ErrNotFound.
	Get(ctx context.Context, accountID string) (*model.Company, error)

	// UpdateOne applies mutate to the stored company, stamps UpdatedAt and
	// persists the full document. Returns ErrNotFound for unknown IDs.
	UpdateOne(ctx context.Context, accountID string, mutate func(*model.Company) error) (model.Company, error)

	// Upsert stores a newly connected company or replaces the tokens and
	// labels of an existing one. ConnectedAt and Environment of an existing
	// record are never overwritten.
	Upsert(ctx context.Context, company model.Company) (model.Company, error)

	// Delete removes the company. Returns ErrNotFound for unknown IDs.
	Delete(ctx context.Context, accountID string) error
}

// RegistryRepairer defines the recovery operations for a corrupt registry.
type RegistryRepairer interface {
	// BackupCorrupt writes raw next to the registry file under a
	// timestamped name and returns that path. An existing backup with the
	// same name is left in place and treated as success.
	BackupCorrupt(ctx context.Context, raw []byte) (string, error)

	// Repair truncates raw after the last balanced top-level array and
	// parses the result. Returns ErrRegistryUnrepairable if nothing parses.
	Repair(raw []byte) ([]model.Company, int, error)
}

// MetadataCache defines the driven port for per-company entity cache files.
type MetadataCache interface {
	// Save replaces the cache documents for all three entity types.
	Save(ctx context.Context, accountID string, metadata model.Metadata) error

	// Load returns the cached documents. Entities never written come back
	// with empty items and a nil UpdatedAt.
	Load(ctx context.Context, accountID string) (model.Metadata, error)

	// Delete removes every cache document for the company.
	Delete(ctx context.Context, accountID string) error

	// AccountIDs lists the companies that currently have cache documents.
	AccountIDs(ctx context.Context) ([]string, error)
}
