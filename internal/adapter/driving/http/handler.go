// Package httphandler is the JSON API driving adapter.
package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ericfisherdev/ledgerlink/internal/application"
	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	companies *application.CompanyService
	syncSvc   *application.SyncService
	warmup    *application.WarmupService
	connect   *application.ConnectService
	recovery  *application.RecoveryService
	logger    *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. connect may be
// nil, in which case the OAuth endpoints answer 503.
func NewHandler(
	companies *application.CompanyService,
	syncSvc *application.SyncService,
	warmup *application.WarmupService,
	connect *application.ConnectService,
	recovery *application.RecoveryService,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		companies: companies,
		syncSvc:   syncSvc,
		warmup:    warmup,
		connect:   connect,
		recovery:  recovery,
		logger:    logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)

	mux.HandleFunc("GET /api/v1/companies", h.ListCompanies)
	mux.HandleFunc("GET /api/v1/companies/{id}", h.GetCompany)
	mux.HandleFunc("PATCH /api/v1/companies/{id}", h.UpdateCompany)
	mux.HandleFunc("DELETE /api/v1/companies/{id}", h.DeleteCompany)
	mux.HandleFunc("GET /api/v1/companies/{id}/metadata", h.GetMetadata)
	mux.HandleFunc("POST /api/v1/companies/{id}/refresh", h.RefreshMetadata)
	mux.HandleFunc("GET /api/v1/companies/{id}/entities/{entity}/{entityID}", h.GetEntity)

	mux.HandleFunc("GET /api/v1/oauth/connect", h.BeginConnect)
	mux.HandleFunc("GET /api/v1/oauth/callback", h.CompleteConnect)

	mux.HandleFunc("GET /api/v1/registry", h.GetRegistry)
	mux.HandleFunc("POST /api/v1/registry/repair", h.RepairRegistry)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   formatTime(time.Now()),
	})
}

// ListCompanies returns every registered company.
func (h *Handler) ListCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := h.companies.List(r.Context())
	if err != nil {
		h.writeServiceError(w, "list companies", "", err)
		return
	}

	resp := make([]CompanyResponse, 0, len(companies))
	for _, c := range companies {
		resp = append(resp, toCompanyResponse(c))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetCompany returns a single company.
func (h *Handler) GetCompany(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	company, err := h.companies.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get company", id, err)
		return
	}

	writeJSON(w, http.StatusOK, toCompanyResponse(*company))
}

// UpdateCompany changes the user-facing display name of a company.
func (h *Handler) UpdateCompany(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req UpdateCompanyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DisplayName == nil {
		writeError(w, http.StatusBadRequest, "display_name is required")
		return
	}

	company, err := h.companies.Rename(r.Context(), id, *req.DisplayName)
	if err != nil {
		h.writeServiceError(w, "rename company", id, err)
		return
	}

	writeJSON(w, http.StatusOK, toCompanyResponse(company))
}

// DeleteCompany disconnects a company and drops its cached metadata.
func (h *Handler) DeleteCompany(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.companies.Disconnect(r.Context(), id); err != nil {
		h.writeServiceError(w, "disconnect company", id, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetMetadata returns the cached vendors, accounts and tax codes without
// contacting the provider.
func (h *Handler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	metadata, err := h.syncSvc.ReadCached(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "read metadata", id, err)
		return
	}

	writeJSON(w, http.StatusOK, toMetadataResponse(id, metadata))
}

// RefreshMetadata syncs a company now and returns the fresh metadata.
func (h *Handler) RefreshMetadata(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	metadata, err := h.warmup.RefreshAccount(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "refresh metadata", id, err)
		return
	}

	writeJSON(w, http.StatusOK, toMetadataResponse(id, metadata))
}

// GetEntity proxies a single-entity lookup and returns the provider's body.
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	entity, ok := parseEntity(r.PathValue("entity"))
	if !ok {
		writeError(w, http.StatusBadRequest, "entity must be one of vendors, accounts, taxcodes")
		return
	}

	body, err := h.syncSvc.FetchEntity(r.Context(), id, entity, r.PathValue("entityID"))
	if driven.StatusOf(err) == http.StatusNotFound {
		writeError(w, http.StatusNotFound, strings.ToLower(string(entity))+" not found")
		return
	}
	if err != nil {
		h.writeServiceError(w, "fetch entity", id, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// BeginConnect redirects the browser to the provider's consent page.
func (h *Handler) BeginConnect(w http.ResponseWriter, r *http.Request) {
	if h.connect == nil {
		writeError(w, http.StatusServiceUnavailable, "connect flow disabled: client credentials not configured")
		return
	}

	authURL, err := h.connect.Begin()
	if err != nil {
		h.logger.Error("failed to begin connect", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// CompleteConnect handles the provider's redirect back after consent.
func (h *Handler) CompleteConnect(w http.ResponseWriter, r *http.Request) {
	if h.connect == nil {
		writeError(w, http.StatusServiceUnavailable, "connect flow disabled: client credentials not configured")
		return
	}

	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		h.logger.Warn("authorization declined", "error", providerErr)
		writeError(w, http.StatusBadRequest, "authorization declined: "+providerErr)
		return
	}

	company, err := h.connect.Complete(r.Context(), q.Get("state"), q.Get("code"), q.Get("realmId"))
	if err != nil {
		if errors.Is(err, application.ErrInvalidState) {
			writeError(w, http.StatusBadRequest, "invalid or expired state")
			return
		}
		h.writeServiceError(w, "complete connect", q.Get("realmId"), err)
		return
	}

	writeJSON(w, http.StatusCreated, toCompanyResponse(company))
}

// GetRegistry reports whether the registry is readable and the last repair.
func (h *Handler) GetRegistry(w http.ResponseWriter, r *http.Request) {
	resp := RegistryResponse{Status: "ok", Path: h.recovery.Path()}
	if report, ok := h.recovery.LastReport(); ok {
		resp.LastRepair = toRepairReportResponse(report)
	}

	companies, err := h.companies.List(r.Context())
	if err != nil {
		if !errors.Is(err, driven.ErrRegistryCorrupt) {
			h.writeServiceError(w, "read registry", "", err)
			return
		}
		resp.Status = "corrupt"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Companies = len(companies)
	writeJSON(w, http.StatusOK, resp)
}

// RepairRegistry runs registry recovery on demand.
func (h *Handler) RepairRegistry(w http.ResponseWriter, r *http.Request) {
	report, err := h.recovery.Recover(r.Context())
	if err != nil {
		if errors.Is(err, driven.ErrRegistryUnrepairable) {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{
				Error:        "company registry could not be repaired",
				Action:       actionRepairRegistry,
				RegistryPath: report.Path,
				BackupPath:   report.BackupPath,
			})
			return
		}
		h.writeServiceError(w, "repair registry", "", err)
		return
	}

	writeJSON(w, http.StatusOK, toRepairReportResponse(report))
}

// writeServiceError logs err and writes the mapped response.
func (h *Handler) writeServiceError(w http.ResponseWriter, op, accountID string, err error) {
	status, body := classifyError(err)
	if body.AccountID == "" && status != http.StatusNotFound {
		body.AccountID = accountID
	}

	switch {
	case errors.Is(err, context.Canceled):
		h.logger.Info(op+" canceled", "account_id", accountID)
	case status >= http.StatusInternalServerError:
		h.logger.Error(op+" failed", "account_id", accountID, "status", status, "error", err)
	default:
		h.logger.Warn(op+" failed", "account_id", accountID, "status", status, "error", err)
	}

	writeJSON(w, status, body)
}

// parseEntity maps a URL entity segment to an EntityKind.
func parseEntity(s string) (model.EntityKind, bool) {
	switch strings.ToLower(s) {
	case "vendor", "vendors":
		return model.EntityVendor, true
	case "account", "accounts":
		return model.EntityAccount, true
	case "taxcode", "taxcodes":
		return model.EntityTaxCode, true
	default:
		return "", false
	}
}
