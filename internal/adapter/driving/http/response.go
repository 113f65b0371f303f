package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// Actions tell the client what the user has to do to resolve an error.
const (
	actionReconnect      = "reconnect"
	actionRetryRefresh   = "retry_refresh"
	actionRepairRegistry = "repair_registry"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body. Action is set when the
// user can resolve the error.
type errorResponse struct {
	Error        string `json:"error"`
	Action       string `json:"action,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	RegistryPath string `json:"registry_path,omitempty"`
	BackupPath   string `json:"backup_path,omitempty"`
}

// classifyError maps a service error to a status code and response body.
// Upstream failures map to 502 because every call that reaches the provider
// is part of a metadata refresh or lookup the user can retry.
func classifyError(err error) (int, errorResponse) {
	var (
		refreshErr *driven.TokenRefreshError
		authErr    *driven.AuthExchangeError
		corruptErr *driven.RegistryCorruptError
		urlErr     *url.Error
	)

	switch {
	case errors.Is(err, driven.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: "company not found"}

	case errors.Is(err, driven.ErrTokenMissing):
		return http.StatusUnauthorized, errorResponse{
			Error:  "company is not connected",
			Action: actionReconnect,
		}

	case errors.As(err, &refreshErr):
		return http.StatusUnauthorized, errorResponse{
			Error:     "access expired and could not be renewed",
			Action:    actionReconnect,
			AccountID: refreshErr.AccountID,
		}

	case errors.As(err, &authErr):
		if authErr.Revoked() {
			return http.StatusUnauthorized, errorResponse{Error: "authorization rejected", Action: actionReconnect}
		}
		return http.StatusBadGateway, errorResponse{Error: "identity provider unavailable", Action: actionRetryRefresh}

	case errors.As(err, &corruptErr):
		return http.StatusServiceUnavailable, errorResponse{
			Error:        "company registry is corrupt",
			Action:       actionRepairRegistry,
			RegistryPath: corruptErr.Path,
		}

	case errors.Is(err, driven.ErrRegistryUnrepairable):
		return http.StatusServiceUnavailable, errorResponse{
			Error:  "company registry could not be repaired",
			Action: actionRepairRegistry,
		}

	case driven.StatusOf(err) != 0:
		return http.StatusBadGateway, errorResponse{
			Error:  "accounting service request failed",
			Action: actionRetryRefresh,
		}

	// Timeouts and connection failures never reached the accounting service.
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &urlErr):
		return http.StatusBadGateway, errorResponse{
			Error:  "accounting service unreachable",
			Action: actionRetryRefresh,
		}

	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal server error"}
	}
}

// HealthResponse is the JSON representation of a health check.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// CompanyResponse is the JSON representation of a registered company.
// Tokens are never exposed; only their expiry is.
type CompanyResponse struct {
	AccountID        string                 `json:"account_id"`
	Label            string                 `json:"label"`
	DisplayName      *string                `json:"display_name"`
	LegalName        *string                `json:"legal_name"`
	Environment      string                 `json:"environment"`
	Connected        bool                   `json:"connected"`
	TokenExpiresAt   *string                `json:"token_expires_at"`
	RefreshExpiresAt *string                `json:"refresh_expires_at"`
	ConnectedAt      string                 `json:"connected_at"`
	UpdatedAt        string                 `json:"updated_at"`
	Sync             map[string]SyncCounter `json:"sync"`
}

// SyncCounter is the per-entity sync state of a company. A nil UpdatedAt
// means the entity was never synced.
type SyncCounter struct {
	Count     *int    `json:"count"`
	UpdatedAt *string `json:"updated_at"`
}

// UpdateCompanyRequest is the expected JSON body for PATCH /api/v1/companies/{id}.
type UpdateCompanyRequest struct {
	DisplayName *string `json:"display_name"`
}

// MetadataResponse is the JSON representation of a company's cached metadata.
type MetadataResponse struct {
	AccountID string                  `json:"account_id"`
	Vendors   EntityList[VendorItem]  `json:"vendors"`
	Accounts  EntityList[AccountItem] `json:"accounts"`
	TaxCodes  EntityList[TaxCodeItem] `json:"tax_codes"`
}

// EntityList is one cached entity type.
type EntityList[T any] struct {
	UpdatedAt *string `json:"updated_at"`
	Items     []T     `json:"items"`
}

// VendorItem is the JSON representation of a cached vendor.
type VendorItem struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	CompanyName string `json:"company_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// AccountItem is the JSON representation of a cached account.
type AccountItem struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	Type          string `json:"type,omitempty"`
	SubType       string `json:"sub_type,omitempty"`
	QualifiedName string `json:"qualified_name,omitempty"`
}

// TaxCodeItem is the JSON representation of a cached tax code.
type TaxCodeItem struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Rate        *float64 `json:"rate"`
	Agency      string   `json:"agency,omitempty"`
}

// RegistryResponse describes the registry file and its last repair, if any.
type RegistryResponse struct {
	Status     string                `json:"status"`
	Path       string                `json:"path"`
	Companies  int                   `json:"companies"`
	LastRepair *RepairReportResponse `json:"last_repair"`
}

// RepairReportResponse is the JSON representation of a registry repair attempt.
type RepairReportResponse struct {
	Path           string `json:"path"`
	BackupPath     string `json:"backup_path,omitempty"`
	TruncatedBytes int    `json:"truncated_bytes"`
	Records        int    `json:"records"`
	Repaired       bool   `json:"repaired"`
	Error          string `json:"error,omitempty"`
	At             string `json:"at"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toCompanyResponse(c model.Company) CompanyResponse {
	return CompanyResponse{
		AccountID:        c.AccountID,
		Label:            c.Label(),
		DisplayName:      c.DisplayName,
		LegalName:        c.LegalName,
		Environment:      string(c.Environment),
		Connected:        c.HasAccessToken(),
		TokenExpiresAt:   formatTimePtr(c.Tokens.ExpiresAt),
		RefreshExpiresAt: formatTimePtr(c.Tokens.RefreshExpiresAt),
		ConnectedAt:      formatTime(c.ConnectedAt),
		UpdatedAt:        formatTime(c.UpdatedAt),
		Sync: map[string]SyncCounter{
			model.EntityVendor.CacheName():  {Count: c.VendorsCount, UpdatedAt: formatTimePtr(c.VendorsUpdatedAt)},
			model.EntityAccount.CacheName(): {Count: c.AccountsCount, UpdatedAt: formatTimePtr(c.AccountsUpdatedAt)},
			model.EntityTaxCode.CacheName(): {Count: c.TaxCodesCount, UpdatedAt: formatTimePtr(c.TaxCodesUpdatedAt)},
		},
	}
}

func toMetadataResponse(accountID string, m model.Metadata) MetadataResponse {
	resp := MetadataResponse{
		AccountID: accountID,
		Vendors:   EntityList[VendorItem]{UpdatedAt: formatTimePtr(m.Vendors.UpdatedAt), Items: make([]VendorItem, 0, len(m.Vendors.Items))},
		Accounts:  EntityList[AccountItem]{UpdatedAt: formatTimePtr(m.Accounts.UpdatedAt), Items: make([]AccountItem, 0, len(m.Accounts.Items))},
		TaxCodes:  EntityList[TaxCodeItem]{UpdatedAt: formatTimePtr(m.TaxCodes.UpdatedAt), Items: make([]TaxCodeItem, 0, len(m.TaxCodes.Items))},
	}

	for _, v := range m.Vendors.Items {
		resp.Vendors.Items = append(resp.Vendors.Items, VendorItem{
			ID:          v.ID,
			Label:       v.DisplayLabel,
			CompanyName: v.CompanyName,
			Email:       v.Email,
			Phone:       v.Phone,
		})
	}
	for _, a := range m.Accounts.Items {
		resp.Accounts.Items = append(resp.Accounts.Items, AccountItem{
			ID:            a.ID,
			Label:         a.DisplayLabel,
			Type:          a.Type,
			SubType:       a.SubType,
			QualifiedName: a.QualifiedName,
		})
	}
	for _, tc := range m.TaxCodes.Items {
		resp.TaxCodes.Items = append(resp.TaxCodes.Items, TaxCodeItem{
			ID:          tc.ID,
			Label:       tc.DisplayLabel,
			Description: tc.Description,
			Rate:        tc.Rate,
			Agency:      tc.Agency,
		})
	}

	return resp
}

func toRepairReportResponse(r model.RepairReport) *RepairReportResponse {
	return &RepairReportResponse{
		Path:           r.Path,
		BackupPath:     r.BackupPath,
		TruncatedBytes: r.TruncatedBytes,
		Records:        r.Records,
		Repaired:       r.Repaired,
		Error:          r.Error,
		At:             formatTime(r.At),
	}
}
