package jsonstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.MetadataCache = (*MetadataStore)(nil)

// MetadataStore keeps one JSON cache document per company per entity type
// under <dir>/<accountID>/<entity>.json. Each document is replaced wholesale.
type MetadataStore struct {
	dir string
}

// NewMetadataStore creates a MetadataStore rooted at dir.
func NewMetadataStore(dir string) *MetadataStore {
	return &MetadataStore{dir: dir}
}

// Save writes the vendor, account and tax code documents for accountID.
func (s *MetadataStore) Save(ctx context.Context, accountID string, metadata model.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	companyDir, err := s.companyDir(accountID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(companyDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir for %s: %w", accountID, err)
	}

	if err := writeDocument(filepath.Join(companyDir, documentName(model.EntityVendor)), metadata.Vendors); err != nil {
		return err
	}
	if err := writeDocument(filepath.Join(companyDir, documentName(model.EntityAccount)), metadata.Accounts); err != nil {
		return err
	}
	return writeDocument(filepath.Join(companyDir, documentName(model.EntityTaxCode)), metadata.TaxCodes)
}

// Load reads the cached documents for accountID. Missing or unreadable
// documents come back empty with a nil UpdatedAt.
func (s *MetadataStore) Load(ctx context.Context, accountID string) (model.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return model.Metadata{}, err
	}

	companyDir, err := s.companyDir(accountID)
	if err != nil {
		return model.Metadata{}, err
	}

	return model.Metadata{
		Vendors:  readDocument[model.Vendor](filepath.Join(companyDir, documentName(model.EntityVendor))),
		Accounts: readDocument[model.Account](filepath.Join(companyDir, documentName(model.EntityAccount))),
		TaxCodes: readDocument[model.TaxCode](filepath.Join(companyDir, documentName(model.EntityTaxCode))),
	}, nil
}

// Delete removes every cache document for accountID.
func (s *MetadataStore) Delete(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	companyDir, err := s.companyDir(accountID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(companyDir); err != nil {
		return fmt.Errorf("delete cache for %s: %w", accountID, err)
	}
	return nil
}

// AccountIDs lists the companies that have a cache directory.
func (s *MetadataStore) AccountIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list cache dir: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && validAccountID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (s *MetadataStore) companyDir(accountID string) (string, error) {
	if !validAccountID(accountID) {
		return "", fmt.Errorf("invalid account id %q for cache path", accountID)
	}
	return filepath.Join(s.dir, accountID), nil
}

func documentName(kind model.EntityKind) string {
	return kind.CacheName() + ".json"
}

// validAccountID accepts IDs that are safe to use as a single path element.
func validAccountID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	for _, ch := range id {
		if !((ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_') {
			return false
		}
	}
	return true
}

func writeDocument[T any](path string, doc model.CacheDocument[T]) error {
	if doc.Items == nil {
		doc.Items = []T{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(append(data, '\n'))); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readDocument[T any](path string) model.CacheDocument[T] {
	empty := model.CacheDocument[T]{Items: []T{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return empty
	}
	if err != nil {
		slog.Warn("metadata cache unreadable", "path", path, "error", err)
		return empty
	}

	var doc model.CacheDocument[T]
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Warn("metadata cache corrupt, treating as never synced", "path", path, "error", err)
		return empty
	}
	if doc.Items == nil {
		doc.Items = []T{}
	}
	return doc
}
