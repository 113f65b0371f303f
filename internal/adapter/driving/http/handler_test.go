package httphandler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/ledgerlink/internal/adapter/driven/jsonstore"
	httphandler "github.com/ericfisherdev/ledgerlink/internal/adapter/driving/http"
	"github.com/ericfisherdev/ledgerlink/internal/application"
	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// --- Mock implementations ---

type mockAPI struct {
	query     func(token string, entity model.EntityKind, start int) (*model.QueryPage, error)
	getEntity func(token string, entity model.EntityKind, id string) (json.RawMessage, error)
}

func (m *mockAPI) Query(_ context.Context, _ driven.Target, accessToken string, entity model.EntityKind, start, _ int) (*model.QueryPage, error) {
	if m.query == nil {
		return &model.QueryPage{StartPosition: start}, nil
	}
	return m.query(accessToken, entity, start)
}

func (m *mockAPI) GetEntity(_ context.Context, _ driven.Target, accessToken string, entity model.EntityKind, id string) (json.RawMessage, error) {
	return m.getEntity(accessToken, entity, id)
}

func (m *mockAPI) CompanyInfo(_ context.Context, _ driven.Target, _ string) (*model.CompanyInfo, error) {
	return &model.CompanyInfo{CompanyName: "Sandbox Co", LegalName: "Sandbox Company LLC"}, nil
}

type mockExchanger struct {
	refreshErr error
}

func (m *mockExchanger) AuthCodeURL(state string) string {
	return "https://auth.example.com/authorize?state=" + url.QueryEscape(state)
}

func (m *mockExchanger) ExchangeAuthorizationCode(_ context.Context, _ string) (model.TokenSet, error) {
	return model.TokenSet{AccessToken: "secret-access", RefreshToken: "secret-refresh"}, nil
}

func (m *mockExchanger) Refresh(_ context.Context, _ string) (model.TokenSet, error) {
	if m.refreshErr != nil {
		return model.TokenSet{}, m.refreshErr
	}
	return model.TokenSet{AccessToken: "fresh", RefreshToken: "fresh-refresh"}, nil
}

// --- Fixture ---

type testServer struct {
	mux          http.Handler
	registry     *jsonstore.Registry
	api          *mockAPI
	exchanger    *mockExchanger
	registryPath string
}

func setupServer(t *testing.T, withConnect bool) *testServer {
	t.Helper()

	dir := t.TempDir()
	ts := &testServer{
		registryPath: filepath.Join(dir, "companies.json"),
		api:          &mockAPI{},
		exchanger:    &mockExchanger{},
	}
	ts.registry = jsonstore.NewRegistry(ts.registryPath)
	cache := jsonstore.NewMetadataStore(filepath.Join(dir, "metadata"))

	invoker := application.NewInvoker(ts.registry, ts.exchanger)
	syncSvc := application.NewSyncService(ts.registry, cache, ts.api, invoker, 100)
	warmup := application.NewWarmupService(ts.registry, cache, syncSvc, 0)
	recovery := application.NewRecoveryService(ts.registry, ts.registry, ts.registryPath)

	var connect *application.ConnectService
	if withConnect {
		states := application.NewPendingStates(time.Minute, time.Now)
		connect = application.NewConnectService(states, ts.exchanger, ts.api, ts.registry, nil, model.EnvironmentSandbox)
	}

	h := httphandler.NewHandler(application.NewCompanyService(ts.registry, cache), syncSvc, warmup, connect, recovery, slog.Default())
	ts.mux = httphandler.NewServeMux(h, slog.Default())
	return ts
}

func (ts *testServer) seed(t *testing.T, companies ...model.Company) {
	t.Helper()
	require.NoError(t, ts.registry.WriteAll(context.Background(), companies))
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func company(id, accessToken string) model.Company {
	return model.Company{
		AccountID:   id,
		Environment: model.EnvironmentSandbox,
		ConnectedAt: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		Tokens:      model.TokenSet{AccessToken: accessToken, RefreshToken: "rt-" + id},
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errorBody struct {
	Error        string `json:"error"`
	Action       string `json:"action"`
	AccountID    string `json:"account_id"`
	RegistryPath string `json:"registry_path"`
	BackupPath   string `json:"backup_path"`
}

// --- Tests ---

func TestHealth(t *testing.T) {
	ts := setupServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/v1/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ok", decode[httphandler.HealthResponse](t, rec).Status)
}

func TestListCompanies(t *testing.T) {
	ts := setupServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/v1/companies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	ts.seed(t, company("A", "at-A"), company("B", ""))

	rec = ts.do(t, http.MethodGet, "/api/v1/companies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "at-A", "tokens must never be exposed")
	assert.NotContains(t, rec.Body.String(), "rt-A")

	resp := decode[[]httphandler.CompanyResponse](t, rec)
	require.Len(t, resp, 2)
	assert.Equal(t, "A", resp[0].AccountID)
	assert.Equal(t, "A", resp[0].Label)
	assert.True(t, resp[0].Connected)
	assert.False(t, resp[1].Connected)
	assert.Equal(t, "2026-02-01T12:00:00Z", resp[0].ConnectedAt)
	require.Contains(t, resp[0].Sync, "vendors")
	assert.Nil(t, resp[0].Sync["vendors"].UpdatedAt)
}

func TestGetCompany_NotFound(t *testing.T) {
	ts := setupServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/v1/companies/missing", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "company not found", decode[errorBody](t, rec).Error)
}

func TestUpdateCompany(t *testing.T) {
	ts := setupServer(t, false)
	ts.seed(t, company("A", "at"))

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantLabel  string
	}{
		{name: "rename", body: `{"display_name":"Corner Bakery"}`, wantStatus: http.StatusOK, wantLabel: "Corner Bakery"},
		{name: "clear", body: `{"display_name":""}`, wantStatus: http.StatusOK, wantLabel: "A"},
		{name: "missing field", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "invalid json", body: `{`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPatch, "/api/v1/companies/A", tt.body)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantLabel, decode[httphandler.CompanyResponse](t, rec).Label)
			}
		})
	}
}

func TestDeleteCompany(t *testing.T) {
	ts := setupServer(t, false)
	ts.seed(t, company("A", "at"))

	rec := ts.do(t, http.MethodDelete, "/api/v1/companies/A", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/companies/A", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/companies/A", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetMetadata_NeverSynced(t *testing.T) {
	ts := setupServer(t, false)
	ts.seed(t, company("A", "at"))

	rec := ts.do(t, http.MethodGet, "/api/v1/companies/A/metadata", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[httphandler.MetadataResponse](t, rec)
	assert.Nil(t, resp.Vendors.UpdatedAt)
	assert.NotNil(t, resp.Vendors.Items)
	assert.Empty(t, resp.Vendors.Items)
}

func TestRefreshMetadata_Success(t *testing.T) {
	ts := setupServer(t, false)
	ts.seed(t, company("A", "at"))
	ts.api.query = func(_ string, entity model.EntityKind, start int) (*model.QueryPage, error) {
		page := &model.QueryPage{StartPosition: start}
		switch entity {
		case model.EntityVendor:
			page.Rows = []json.RawMessage{json.RawMessage(`{"Id":"1","DisplayName":"Acme"}`)}
		case model.EntityTaxCode:
			return nil, &driven.UpstreamError{Status: http.StatusForbidden, Message: "no tax access"}
		}
		return page, nil
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/companies/A/refresh", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[httphandler.MetadataResponse](t, rec)
	require.Len(t, resp.Vendors.Items, 1)
	assert.Equal(t, "Acme", resp.Vendors.Items[0].Label)
	assert.Empty(t, resp.TaxCodes.Items)
	assert.NotNil(t, resp.TaxCodes.UpdatedAt)

	rec = ts.do(t, http.MethodGet, "/api/v1/companies/A", "")
	require.Equal(t, http.StatusOK, rec.Code)
	counters := decode[httphandler.CompanyResponse](t, rec).Sync
	require.NotNil(t, counters["vendors"].Count)
	assert.Equal(t, 1, *counters["vendors"].Count)
	require.NotNil(t, counters["taxcodes"].Count)
	assert.Equal(t, 0, *counters["taxcodes"].Count)

	rec = ts.do(t, http.MethodGet, "/api/v1/companies/A/metadata", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[httphandler.MetadataResponse](t, rec).Vendors.Items, 1)
}

func TestRefreshMetadata_ErrorActions(t *testing.T) {
	tests := []struct {
		name           string
		token          string
		noRefreshToken bool
		queryErr       error
		refreshErr     error
		wantStatus     int
		wantAction     string
	}{
		{
			name:       "not connected",
			token:      "",
			wantStatus: http.StatusUnauthorized,
			wantAction: "reconnect",
		},
		{
			name:       "unauthorized after refresh",
			token:      "at",
			queryErr:   &driven.UpstreamError{Status: http.StatusUnauthorized, Message: "AuthenticationFailed"},
			wantStatus: http.StatusUnauthorized,
			wantAction: "reconnect",
		},
		{
			name:       "refresh token revoked",
			token:      "at",
			queryErr:   &driven.UpstreamError{Status: http.StatusUnauthorized, Message: "AuthenticationFailed"},
			refreshErr: &driven.AuthExchangeError{Status: http.StatusBadRequest, Code: "invalid_grant"},
			wantStatus: http.StatusUnauthorized,
			wantAction: "reconnect",
		},
		{
			name:       "upstream failure",
			token:      "at",
			queryErr:   &driven.UpstreamError{Status: http.StatusInternalServerError, Message: "boom"},
			wantStatus: http.StatusBadGateway,
			wantAction: "retry_refresh",
		},
		{
			name:           "unauthorized without refresh token",
			token:          "at",
			noRefreshToken: true,
			queryErr:       &driven.UpstreamError{Status: http.StatusUnauthorized, Message: "AuthenticationFailed"},
			wantStatus:     http.StatusUnauthorized,
			wantAction:     "reconnect",
		},
		{
			name:       "client timeout",
			token:      "at",
			queryErr:   fmt.Errorf("query Vendor: %w (Client.Timeout exceeded while awaiting headers)", context.DeadlineExceeded),
			wantStatus: http.StatusBadGateway,
			wantAction: "retry_refresh",
		},
		{
			name:  "connection refused",
			token: "at",
			queryErr: &url.Error{
				Op:  "Get",
				URL: "https://sandbox-quickbooks.api.intuit.com/v3/company/A/query",
				Err: fmt.Errorf("dial tcp 127.0.0.1:443: connect: connection refused"),
			},
			wantStatus: http.StatusBadGateway,
			wantAction: "retry_refresh",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setupServer(t, false)
			seeded := company("A", tt.token)
			if tt.noRefreshToken {
				seeded.Tokens.RefreshToken = ""
			}
			ts.seed(t, seeded)
			ts.exchanger.refreshErr = tt.refreshErr
			ts.api.query = func(string, model.EntityKind, int) (*model.QueryPage, error) {
				return nil, tt.queryErr
			}

			rec := ts.do(t, http.MethodPost, "/api/v1/companies/A/refresh", "")

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			body := decode[errorBody](t, rec)
			assert.Equal(t, tt.wantAction, body.Action)
			assert.Equal(t, "A", body.AccountID)
		})
	}
}

func TestGetEntity(t *testing.T) {
	ts := setupServer(t, false)
	ts.seed(t, company("A", "at"))
	ts.api.getEntity = func(_ string, entity model.EntityKind, id string) (json.RawMessage, error) {
		if id == "404" {
			return nil, &driven.UpstreamError{Status: http.StatusNotFound, Message: "Object Not Found"}
		}
		return json.RawMessage(`{"` + string(entity) + `":{"Id":"` + id + `"}}`), nil
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/companies/A/entities/vendors/56", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"Vendor":{"Id":"56"}}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/companies/A/entities/invoices/1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/companies/A/entities/taxcodes/404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCorruptRegistry_ReportedAndRepaired(t *testing.T) {
	ts := setupServer(t, false)
	raw := `[{"accountId":"A","environment":"sandbox"}]` + "\x00\x00garbage"
	require.NoError(t, os.WriteFile(ts.registryPath, []byte(raw), 0o600))

	rec := ts.do(t, http.MethodGet, "/api/v1/companies", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "repair_registry", body.Action)
	assert.Equal(t, ts.registryPath, body.RegistryPath)

	rec = ts.do(t, http.MethodGet, "/api/v1/registry", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "corrupt", decode[httphandler.RegistryResponse](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/registry/repair", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[httphandler.RepairReportResponse](t, rec)
	assert.True(t, report.Repaired)
	assert.Equal(t, 1, report.Records)
	assert.Equal(t, len("\x00\x00garbage"), report.TruncatedBytes)
	assert.FileExists(t, report.BackupPath)

	rec = ts.do(t, http.MethodGet, "/api/v1/registry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[httphandler.RegistryResponse](t, rec)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, 1, status.Companies)
	require.NotNil(t, status.LastRepair)
	assert.Equal(t, report.BackupPath, status.LastRepair.BackupPath)
}

func TestRepairRegistry_Unrepairable(t *testing.T) {
	ts := setupServer(t, false)
	raw := `[{"accountId":"A"`
	require.NoError(t, os.WriteFile(ts.registryPath, []byte(raw), 0o600))

	rec := ts.do(t, http.MethodPost, "/api/v1/registry/repair", "")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "repair_registry", body.Action)
	assert.NotEmpty(t, body.BackupPath)

	onDisk, err := os.ReadFile(ts.registryPath)
	require.NoError(t, err)
	assert.Equal(t, raw, string(onDisk))
}

func TestConnectFlow(t *testing.T) {
	ts := setupServer(t, true)

	rec := ts.do(t, http.MethodGet, "/api/v1/oauth/connect", "")
	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)

	callback := "/api/v1/oauth/callback?" + url.Values{
		"state":   {state},
		"code":    {"auth-code"},
		"realmId": {"4620816365"},
	}.Encode()

	rec = ts.do(t, http.MethodGet, callback, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[httphandler.CompanyResponse](t, rec)
	assert.Equal(t, "4620816365", resp.AccountID)
	assert.Equal(t, "Sandbox Co", resp.Label)
	assert.True(t, resp.Connected)
	assert.NotContains(t, rec.Body.String(), "secret-access")

	rec = ts.do(t, http.MethodGet, callback, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "state tokens are single use")
}

func TestConnectFlow_Declined(t *testing.T) {
	ts := setupServer(t, true)

	rec := ts.do(t, http.MethodGet, "/api/v1/oauth/callback?error=access_denied&state=x", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Error, "access_denied")
}

func TestConnectFlow_Disabled(t *testing.T) {
	ts := setupServer(t, false)

	for _, path := range []string{"/api/v1/oauth/connect", "/api/v1/oauth/callback?state=x&code=y&realmId=z"} {
		rec := ts.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestRequestID(t *testing.T) {
	ts := setupServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/v1/health", "")
	generated := rec.Header().Get("X-Request-ID")
	assert.Len(t, generated, 36)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	rec = httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	assert.Equal(t, "trace-123", rec.Header().Get("X-Request-ID"))
}

func TestPanicRecovery(t *testing.T) {
	ts := setupServer(t, false)
	ts.seed(t, company("A", "at"))
	ts.api.getEntity = func(string, model.EntityKind, string) (json.RawMessage, error) {
		panic("boom")
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/companies/A/entities/vendors/1", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decode[errorBody](t, rec).Error)
}
