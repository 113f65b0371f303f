// Package jsonstore implements the registry and metadata cache ports on top
// of JSON documents on the local filesystem.
package jsonstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.Registry         = (*Registry)(nil)
	_ driven.RegistryRepairer = (*Registry)(nil)
)

// backupTimeLayout is ISO-8601 with millisecond precision; colons and dots are
// replaced before it becomes part of a file name.
const backupTimeLayout = "2006-01-02T15:04:05.000Z"

// utf8BOM is written by some editors at the start of a hand-edited file.
var utf8BOM = []byte("\xEF\xBB\xBF")

// Registry stores every connected company in a single JSON array file.
//
// Writes go to a temporary file in the same directory which then replaces the
// registry, so readers never observe a partially written document. Within a
// process, every read-modify-write span is serialized by mu.
type Registry struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewRegistry creates a Registry backed by the file at path. The file does
// not need to exist yet.
func NewRegistry(path string) *Registry {
	return NewRegistryWithClock(path, time.Now)
}

// NewRegistryWithClock creates a Registry that stamps mutations using now.
func NewRegistryWithClock(path string, now func() time.Time) *Registry {
	return &Registry{path: path, now: now}
}

// Path returns the registry file location.
func (r *Registry) Path() string {
	return r.path
}

// ReadAll returns every stored company. A missing file is an empty registry.
func (r *Registry) ReadAll(ctx context.Context) ([]model.Company, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.readAll()
}

// WriteAll replaces the registry document with companies.
func (r *Registry) WriteAll(ctx context.Context, companies []model.Company) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeAll(companies)
}

// Get returns the company with the given account ID.
func (r *Registry) Get(ctx context.Context, accountID string) (*model.Company, error) {
	companies, err := r.ReadAll(ctx)
	if err != nil {
		return nil, err
	}

	idx := indexOf(companies, accountID)
	if idx < 0 {
		return nil, fmt.Errorf("get %q: %w", accountID, driven.ErrNotFound)
	}
	return &companies[idx], nil
}

// UpdateOne re-reads the full document, applies mutate to one company and
// writes the document back. AccountID, Environment and ConnectedAt are
// restored if mutate changes them.
func (r *Registry) UpdateOne(ctx context.Context, accountID string, mutate func(*model.Company) error) (model.Company, error) {
	if err := ctx.Err(); err != nil {
		return model.Company{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	companies, err := r.readAll()
	if err != nil {
		return model.Company{}, err
	}

	idx := indexOf(companies, accountID)
	if idx < 0 {
		return model.Company{}, fmt.Errorf("update %q: %w", accountID, driven.ErrNotFound)
	}

	original := companies[idx]
	updated := original
	if err := mutate(&updated); err != nil {
		return model.Company{}, err
	}

	updated.AccountID = original.AccountID
	updated.Environment = original.Environment
	updated.ConnectedAt = original.ConnectedAt
	updated.UpdatedAt = r.now().UTC()
	companies[idx] = updated

	if err := r.writeAll(companies); err != nil {
		return model.Company{}, err
	}
	return updated, nil
}

// Upsert inserts a newly connected company or refreshes the tokens and labels
// of an existing one.
func (r *Registry) Upsert(ctx context.Context, company model.Company) (model.Company, error) {
	if err := ctx.Err(); err != nil {
		return model.Company{}, err
	}
	if company.AccountID == "" {
		return model.Company{}, errors.New("upsert company: empty account id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	companies, err := r.readAll()
	if err != nil {
		return model.Company{}, err
	}

	now := r.now().UTC()
	idx := indexOf(companies, company.AccountID)
	if idx >= 0 {
		existing := companies[idx]
		existing.Tokens = company.Tokens
		// A display name the user already chose wins over the provider's.
		if existing.DisplayName == nil {
			existing.DisplayName = company.DisplayName
		}
		if company.LegalName != nil {
			existing.LegalName = company.LegalName
		}
		existing.UpdatedAt = now
		companies[idx] = existing
		company = existing
	} else {
		if !company.Environment.Valid() {
			return model.Company{}, fmt.Errorf("upsert company %q: invalid environment %q", company.AccountID, company.Environment)
		}
		if company.ConnectedAt.IsZero() {
			company.ConnectedAt = now
		}
		company.UpdatedAt = now
		companies = append(companies, company)
	}

	if err := r.writeAll(companies); err != nil {
		return model.Company{}, err
	}
	return company, nil
}

// Delete removes the company with the given account ID.
func (r *Registry) Delete(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	companies, err := r.readAll()
	if err != nil {
		return err
	}

	idx := indexOf(companies, accountID)
	if idx < 0 {
		return fmt.Errorf("delete %q: %w", accountID, driven.ErrNotFound)
	}

	return r.writeAll(slices.Delete(companies, idx, idx+1))
}

// BackupCorrupt writes raw next to the registry file as
// <path>.corrupt-<timestamp>. An existing file of that name is kept.
func (r *Registry) BackupCorrupt(ctx context.Context, raw []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(r.now().UTC().Format(backupTimeLayout))
	backupPath := r.path + ".corrupt-" + stamp

	f, err := os.OpenFile(backupPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return backupPath, nil
	}
	if err != nil {
		return "", fmt.Errorf("create registry backup: %w", err)
	}

	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write registry backup: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("sync registry backup: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close registry backup: %w", err)
	}

	return backupPath, nil
}

// Repair implements driven.RegistryRepairer using the package-level Repair.
func (r *Registry) Repair(raw []byte) ([]model.Company, int, error) {
	return Repair(raw)
}

func (r *Registry) readAll() ([]model.Company, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []model.Company{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", r.path, err)
	}

	companies, err := decodeDocument(data)
	if err != nil {
		return nil, &driven.RegistryCorruptError{
			Path:   r.path,
			Raw:    data,
			Offset: errorOffset(err),
			Err:    err,
		}
	}
	return companies, nil
}

func (r *Registry) writeAll(companies []model.Company) error {
	if companies == nil {
		companies = []model.Company{}
	}
	if err := validate(companies); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}

	data, err := json.MarshalIndent(companies, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create registry dir: %w", err)
		}
	}

	if err := atomic.WriteFile(r.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write registry %s: %w", r.path, err)
	}
	return nil
}

// validationError reports a document that parses as JSON but breaks a
// registry invariant.
type validationError struct {
	index  int
	reason string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("record %d: %s", e.index, e.reason)
}

// decodeDocument parses data as a registry document: a JSON array of
// companies, each with a unique non-empty account ID. A leading byte order
// mark is ignored.
func decodeDocument(data []byte) ([]model.Company, error) {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(data, utf8BOM))
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("document is not a JSON array")
	}

	var companies []model.Company
	if err := json.Unmarshal(trimmed, &companies); err != nil {
		return nil, err
	}
	if err := validate(companies); err != nil {
		return nil, err
	}
	return companies, nil
}

func validate(companies []model.Company) error {
	seen := make(map[string]struct{}, len(companies))
	for i, c := range companies {
		if c.AccountID == "" {
			return &validationError{index: i, reason: "empty accountId"}
		}
		if _, dup := seen[c.AccountID]; dup {
			return &validationError{index: i, reason: fmt.Sprintf("duplicate accountId %q", c.AccountID)}
		}
		seen[c.AccountID] = struct{}{}
	}
	return nil
}

// errorOffset extracts the byte offset of a JSON decoding failure when the
// decoder reports one.
func errorOffset(err error) int64 {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return syntaxErr.Offset
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return typeErr.Offset
	}
	return 0
}

func indexOf(companies []model.Company, accountID string) int {
	return slices.IndexFunc(companies, func(c model.Company) bool {
		return c.AccountID == accountID
	})
}
