package model

import (
	"encoding/json"
	"time"
)

// EntityKind names a cached reference-data entity type.
type EntityKind string

const (
	EntityVendor  EntityKind = "Vendor"
	EntityAccount EntityKind = "Account"
	EntityTaxCode EntityKind = "TaxCode"
)

// CacheName is the file-name stem used for the entity's cache document.
func (k EntityKind) CacheName() string {
	switch k {
	case EntityVendor:
		return "vendors"
	case EntityAccount:
		return "accounts"
	case EntityTaxCode:
		return "taxcodes"
	default:
		return "unknown"
	}
}

// Vendor is a normalized vendor row.
type Vendor struct {
	ID           string `json:"id"`
	DisplayLabel string `json:"displayLabel"`
	CompanyName  string `json:"companyName,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

// Account is a normalized chart-of-accounts row.
type Account struct {
	ID            string `json:"id"`
	DisplayLabel  string `json:"displayLabel"`
	Type          string `json:"type,omitempty"`
	SubType       string `json:"subType,omitempty"`
	QualifiedName string `json:"qualifiedName,omitempty"`
}

// TaxCode is a normalized tax code row. Rate is nil when no rate detail
// carried a numeric component.
type TaxCode struct {
	ID           string   `json:"id"`
	DisplayLabel string   `json:"displayLabel"`
	Description  string   `json:"description,omitempty"`
	Rate         *float64 `json:"rate"`
	Agency       string   `json:"agency,omitempty"`
	Active       bool     `json:"active"`
}

// CacheDocument is the on-disk shape of one entity cache file. A nil
// UpdatedAt means the entity has never been synced.
type CacheDocument[T any] struct {
	UpdatedAt *time.Time `json:"updatedAt"`
	Items     []T        `json:"items"`
}

// Metadata groups the three cached entity lists for one company.
type Metadata struct {
	Vendors  CacheDocument[Vendor]  `json:"vendors"`
	Accounts CacheDocument[Account] `json:"accounts"`
	TaxCodes CacheDocument[TaxCode] `json:"taxCodes"`
}

// EmptyMetadata returns a Metadata value with non-nil empty item slices and
// no timestamps.
func EmptyMetadata() Metadata {
	return Metadata{
		Vendors:  CacheDocument[Vendor]{Items: []Vendor{}},
		Accounts: CacheDocument[Account]{Items: []Account{}},
		TaxCodes: CacheDocument[TaxCode]{Items: []TaxCode{}},
	}
}

// QueryPage is one page returned by the accounting API's query endpoint.
// Rows are left undecoded; each entity type decodes its own shape.
type QueryPage struct {
	Rows          []json.RawMessage
	StartPosition int
	MaxResults    int
	TotalCount    int
}
