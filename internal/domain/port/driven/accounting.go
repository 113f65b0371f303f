package driven

import (
	"context"
	"encoding/json"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
)

// Target addresses one company within a provider environment.
type Target struct {
	AccountID   string
	Environment model.Environment
}

// AccountingAPI defines the driven port for the bearer-token accounting API.
// Non-success responses are returned as *UpstreamError.
type AccountingAPI interface {
	// Query runs "select * from <entity> startposition <start> maxresults <maxResults>".
	Query(ctx context.Context, target Target, accessToken string, entity model.EntityKind, start, maxResults int) (*model.QueryPage, error)

	// GetEntity fetches a single entity by ID and returns its undecoded body.
	GetEntity(ctx context.Context, target Target, accessToken string, entity model.EntityKind, id string) (json.RawMessage, error)

	// CompanyInfo fetches the company's profile.
	CompanyInfo(ctx context.Context, target Target, accessToken string) (*model.CompanyInfo, error)
}

// TokenExchanger defines the driven port for the identity provider's token
// endpoint. Failures are returned as *AuthExchangeError.
type TokenExchanger interface {
	// AuthCodeURL returns the authorization URL carrying the given state.
	AuthCodeURL(state string) string

	// ExchangeAuthorizationCode trades an authorization code for tokens.
	ExchangeAuthorizationCode(ctx context.Context, code string) (model.TokenSet, error)

	// Refresh trades a refresh token for a new token pair. If the provider
	// does not rotate the refresh token, the given one is carried forward.
	Refresh(ctx context.Context, refreshToken string) (model.TokenSet, error)
}
