package model

import "time"

// Environment identifies which provider environment a company was connected in.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// Valid reports whether e is one of the known environments.
func (e Environment) Valid() bool {
	return e == EnvironmentSandbox || e == EnvironmentProduction
}

// TokenSet holds the OAuth tokens issued for a company. Expiry timestamps are
// absolute and computed once at exchange time.
type TokenSet struct {
	AccessToken      string     `json:"accessToken,omitempty"`
	RefreshToken     string     `json:"refreshToken,omitempty"`
	TokenType        string     `json:"tokenType,omitempty"`
	Scope            string     `json:"scope,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	RefreshExpiresAt *time.Time `json:"refreshExpiresAt,omitempty"`
}

// Company is one connected accounting account as persisted in the registry.
// AccountID is the provider-assigned realm identifier and the only identity.
type Company struct {
	AccountID   string      `json:"accountId"`
	DisplayName *string     `json:"displayName"`
	LegalName   *string     `json:"legalName"`
	Environment Environment `json:"environment"`
	Tokens      TokenSet    `json:"tokens"`
	ConnectedAt time.Time   `json:"connectedAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`

	// Per-entity sync counters. A nil timestamp means the entity was never
	// synced; a zero count with a timestamp means it synced empty.
	VendorsCount      *int       `json:"vendorsCount"`
	VendorsUpdatedAt  *time.Time `json:"vendorsUpdatedAt"`
	AccountsCount     *int       `json:"accountsCount"`
	AccountsUpdatedAt *time.Time `json:"accountsUpdatedAt"`
	TaxCodesCount     *int       `json:"taxCodesCount"`
	TaxCodesUpdatedAt *time.Time `json:"taxCodesUpdatedAt"`
}

// HasAccessToken returns true when an access token has been issued.
func (c Company) HasAccessToken() bool {
	return c.Tokens.AccessToken != ""
}

// Label returns the best human-readable name for the company, falling back to
// the account ID.
func (c Company) Label() string {
	if c.DisplayName != nil && *c.DisplayName != "" {
		return *c.DisplayName
	}
	if c.LegalName != nil && *c.LegalName != "" {
		return *c.LegalName
	}
	return c.AccountID
}

// RecordSync stores the per-entity counters for a completed sync.
func (c *Company) RecordSync(m Metadata) {
	vendors, accounts, taxCodes := len(m.Vendors.Items), len(m.Accounts.Items), len(m.TaxCodes.Items)
	c.VendorsCount, c.VendorsUpdatedAt = &vendors, m.Vendors.UpdatedAt
	c.AccountsCount, c.AccountsUpdatedAt = &accounts, m.Accounts.UpdatedAt
	c.TaxCodesCount, c.TaxCodesUpdatedAt = &taxCodes, m.TaxCodes.UpdatedAt
}

// CompanyInfo is the subset of the provider's company profile used to label
// a newly connected company.
type CompanyInfo struct {
	CompanyName string
	LegalName   string
}
