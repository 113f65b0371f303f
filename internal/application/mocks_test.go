package application_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// --- Mock implementations ---

// memRegistry is an in-memory driven.Registry.
type memRegistry struct {
	mu        sync.Mutex
	companies []model.Company
	updates   int
	readErr   error
}

func newMemRegistry(companies ...model.Company) *memRegistry {
	return &memRegistry{companies: companies}
}

func (m *memRegistry) ReadAll(_ context.Context) ([]model.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	return slices.Clone(m.companies), nil
}

func (m *memRegistry) WriteAll(_ context.Context, companies []model.Company) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.companies = slices.Clone(companies)
	m.readErr = nil
	return nil
}

func (m *memRegistry) Get(_ context.Context, accountID string) (*model.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	for _, c := range m.companies {
		if c.AccountID == accountID {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("get %q: %w", accountID, driven.ErrNotFound)
}

func (m *memRegistry) UpdateOne(_ context.Context, accountID string, mutate func(*model.Company) error) (model.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.companies {
		if m.companies[i].AccountID != accountID {
			continue
		}
		updated := m.companies[i]
		if err := mutate(&updated); err != nil {
			return model.Company{}, err
		}
		m.companies[i] = updated
		m.updates++
		return updated, nil
	}
	return model.Company{}, fmt.Errorf("update %q: %w", accountID, driven.ErrNotFound)
}

func (m *memRegistry) Upsert(_ context.Context, company model.Company) (model.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.companies {
		if m.companies[i].AccountID == company.AccountID {
			m.companies[i].Tokens = company.Tokens
			return m.companies[i], nil
		}
	}
	m.companies = append(m.companies, company)
	return company, nil
}

func (m *memRegistry) Delete(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.companies {
		if m.companies[i].AccountID == accountID {
			m.companies = slices.Delete(m.companies, i, i+1)
			return nil
		}
	}
	return driven.ErrNotFound
}

func (m *memRegistry) company(accountID string) model.Company {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.companies {
		if c.AccountID == accountID {
			return c
		}
	}
	return model.Company{}
}

// mockExchanger is a driven.TokenExchanger with a scripted refresh.
type mockExchanger struct {
	mu       sync.Mutex
	refresh  func(refreshToken string) (model.TokenSet, error)
	exchange func(code string) (model.TokenSet, error)
	// started, when set, receives one value as each refresh begins.
	started chan struct{}
	// release, when set, blocks each refresh until it is closed. The
	// refresh then fails if its context was canceled meanwhile.
	release chan struct{}
	calls   int
	gotRT   []string
}

func (m *mockExchanger) AuthCodeURL(state string) string {
	return "https://auth.example.com/connect?state=" + state
}

func (m *mockExchanger) ExchangeAuthorizationCode(_ context.Context, code string) (model.TokenSet, error) {
	return m.exchange(code)
}

func (m *mockExchanger) Refresh(ctx context.Context, refreshToken string) (model.TokenSet, error) {
	m.mu.Lock()
	m.calls++
	m.gotRT = append(m.gotRT, refreshToken)
	m.mu.Unlock()
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.release != nil {
		<-m.release
		if err := ctx.Err(); err != nil {
			return model.TokenSet{}, err
		}
	}
	return m.refresh(refreshToken)
}

func (m *mockExchanger) refreshCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockAPI is a driven.AccountingAPI whose query answers come from a
// per-entity function.
type mockAPI struct {
	mu          sync.Mutex
	query       map[model.EntityKind]func(token string, start, maxResults int) (*model.QueryPage, error)
	queries     map[model.EntityKind][]int
	companyInfo func(token string) (*model.CompanyInfo, error)
}

func newMockAPI() *mockAPI {
	return &mockAPI{
		query:   make(map[model.EntityKind]func(string, int, int) (*model.QueryPage, error)),
		queries: make(map[model.EntityKind][]int),
	}
}

func (m *mockAPI) Query(_ context.Context, _ driven.Target, accessToken string, entity model.EntityKind, start, maxResults int) (*model.QueryPage, error) {
	m.mu.Lock()
	m.queries[entity] = append(m.queries[entity], start)
	fn := m.query[entity]
	m.mu.Unlock()
	if fn == nil {
		return &model.QueryPage{StartPosition: start, MaxResults: maxResults}, nil
	}
	return fn(accessToken, start, maxResults)
}

func (m *mockAPI) GetEntity(_ context.Context, _ driven.Target, _ string, _ model.EntityKind, _ string) (json.RawMessage, error) {
	return nil, &driven.UpstreamError{Status: http.StatusNotFound, Message: "not found"}
}

func (m *mockAPI) CompanyInfo(_ context.Context, _ driven.Target, accessToken string) (*model.CompanyInfo, error) {
	if m.companyInfo == nil {
		return nil, &driven.UpstreamError{Status: http.StatusInternalServerError, Message: "unavailable"}
	}
	return m.companyInfo(accessToken)
}

func (m *mockAPI) startsFor(entity model.EntityKind) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.queries[entity])
}

// memCache is an in-memory driven.MetadataCache.
type memCache struct {
	mu      sync.Mutex
	saved   map[string]model.Metadata
	deleted []string
}

func newMemCache() *memCache {
	return &memCache{saved: make(map[string]model.Metadata)}
}

func (m *memCache) Save(_ context.Context, accountID string, metadata model.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[accountID] = metadata
	return nil
}

func (m *memCache) Load(_ context.Context, accountID string) (model.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if md, ok := m.saved[accountID]; ok {
		return md, nil
	}
	return model.EmptyMetadata(), nil
}

func (m *memCache) Delete(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, accountID)
	m.deleted = append(m.deleted, accountID)
	return nil
}

func (m *memCache) AccountIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.saved))
	for id := range m.saved {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// --- Helpers ---

func connectedCompany(accountID, accessToken, refreshToken string) model.Company {
	return model.Company{
		AccountID:   accountID,
		Environment: model.EnvironmentSandbox,
		ConnectedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Tokens: model.TokenSet{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			TokenType:    "bearer",
		},
	}
}

func unauthorized() error {
	return &driven.UpstreamError{Status: http.StatusUnauthorized, Message: "AuthenticationFailed"}
}

func rows(values ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		out[i] = json.RawMessage(v)
	}
	return out
}
