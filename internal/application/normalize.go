package application

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
)

// Raw provider shapes, one per entity type. Only the fields the cache
// contract needs are decoded.

type rawRef struct {
	Value string `json:"value"`
	Name  string `json:"name"`
}

type rawVendor struct {
	ID               string `json:"Id"`
	DisplayName      string `json:"DisplayName"`
	CompanyName      string `json:"CompanyName"`
	PrintOnCheckName string `json:"PrintOnCheckName"`
	Active           *bool  `json:"Active"`
	PrimaryEmailAddr *struct {
		Address string `json:"Address"`
	} `json:"PrimaryEmailAddr"`
	PrimaryPhone *struct {
		FreeFormNumber string `json:"FreeFormNumber"`
	} `json:"PrimaryPhone"`
	Mobile *struct {
		FreeFormNumber string `json:"FreeFormNumber"`
	} `json:"Mobile"`
}

type rawAccount struct {
	ID                 string `json:"Id"`
	Name               string `json:"Name"`
	FullyQualifiedName string `json:"FullyQualifiedName"`
	AccountType        string `json:"AccountType"`
	AccountSubType     string `json:"AccountSubType"`
	Active             *bool  `json:"Active"`
}

type rawTaxCode struct {
	ID                  string       `json:"Id"`
	Name                string       `json:"Name"`
	Description         string       `json:"Description"`
	Active              *bool        `json:"Active"`
	SalesTaxRateList    *rawRateList `json:"SalesTaxRateList"`
	PurchaseTaxRateList *rawRateList `json:"PurchaseTaxRateList"`
}

type rawRateList struct {
	TaxRateDetail []rawRateDetail `json:"TaxRateDetail"`
}

type rawRateDetail struct {
	TaxRateRef   rawRef      `json:"TaxRateRef"`
	RateValue    *flexNumber `json:"RateValue"`
	TaxAgencyRef *rawRef     `json:"TaxAgencyRef"`
}

// flexNumber accepts a JSON number or a numeric string. Values that are
// neither decode as absent.
type flexNumber struct {
	value float64
	ok    bool
}

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		data = []byte(strings.TrimSpace(s))
	}
	if v, err := strconv.ParseFloat(string(data), 64); err == nil {
		n.value, n.ok = v, true
	}
	return nil
}

func isInactive(active *bool) bool {
	return active != nil && !*active
}

func normalizeVendors(rows []json.RawMessage) []model.Vendor {
	vendors := make([]model.Vendor, 0, len(rows))
	for _, row := range rows {
		var raw rawVendor
		if !decodeRow(row, model.EntityVendor, &raw) || isInactive(raw.Active) {
			continue
		}

		v := model.Vendor{
			ID:           raw.ID,
			DisplayLabel: firstNonEmpty(raw.DisplayName, raw.CompanyName, raw.PrintOnCheckName, "Vendor "+raw.ID),
			CompanyName:  raw.CompanyName,
		}
		if raw.PrimaryEmailAddr != nil {
			v.Email = raw.PrimaryEmailAddr.Address
		}
		if raw.PrimaryPhone != nil {
			v.Phone = raw.PrimaryPhone.FreeFormNumber
		}
		if v.Phone == "" && raw.Mobile != nil {
			v.Phone = raw.Mobile.FreeFormNumber
		}
		vendors = append(vendors, v)
	}
	return vendors
}

func normalizeAccounts(rows []json.RawMessage) []model.Account {
	accounts := make([]model.Account, 0, len(rows))
	for _, row := range rows {
		var raw rawAccount
		if !decodeRow(row, model.EntityAccount, &raw) || isInactive(raw.Active) {
			continue
		}

		accounts = append(accounts, model.Account{
			ID:            raw.ID,
			DisplayLabel:  firstNonEmpty(raw.FullyQualifiedName, raw.Name, "Account "+raw.ID),
			Type:          raw.AccountType,
			SubType:       raw.AccountSubType,
			QualifiedName: raw.FullyQualifiedName,
		})
	}
	return accounts
}

func normalizeTaxCodes(rows []json.RawMessage) []model.TaxCode {
	taxCodes := make([]model.TaxCode, 0, len(rows))
	for _, row := range rows {
		var raw rawTaxCode
		if !decodeRow(row, model.EntityTaxCode, &raw) || isInactive(raw.Active) {
			continue
		}

		var details []rawRateDetail
		if raw.SalesTaxRateList != nil {
			details = append(details, raw.SalesTaxRateList.TaxRateDetail...)
		}
		if raw.PurchaseTaxRateList != nil {
			details = append(details, raw.PurchaseTaxRateList.TaxRateDetail...)
		}

		taxCodes = append(taxCodes, model.TaxCode{
			ID:           raw.ID,
			DisplayLabel: firstNonEmpty(raw.Name, raw.Description, "Tax code "+raw.ID),
			Description:  raw.Description,
			Rate:         sumRates(details),
			Agency:       agencyOf(details),
			Active:       true,
		})
	}
	return taxCodes
}

// sumRates adds up every numeric rate component. It returns nil when no
// detail carries one.
func sumRates(details []rawRateDetail) *float64 {
	var (
		total float64
		found bool
	)
	for _, d := range details {
		if d.RateValue != nil && d.RateValue.ok {
			total += d.RateValue.value
			found = true
		}
	}
	if !found {
		return nil
	}
	return &total
}

func agencyOf(details []rawRateDetail) string {
	for _, d := range details {
		if d.TaxAgencyRef != nil {
			if name := firstNonEmpty(d.TaxAgencyRef.Name, d.TaxAgencyRef.Value); name != "" {
				return name
			}
		}
	}
	return ""
}

// decodeRow unmarshals one provider row. Malformed rows are logged and
// skipped rather than failing the whole entity.
func decodeRow(row json.RawMessage, entity model.EntityKind, dst any) bool {
	if err := json.Unmarshal(row, dst); err != nil {
		slog.Warn("skipping malformed row", "entity", entity, "error", err)
		return false
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
