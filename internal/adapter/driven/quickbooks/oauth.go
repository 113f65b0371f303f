// Package quickbooks implements the token exchange and accounting API ports
// against Intuit's OAuth2 token endpoint and the QuickBooks Online v3 API.
package quickbooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.TokenExchanger = (*OAuthClient)(nil)

// OAuthConfig holds the identity provider settings for an OAuthClient.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	Timeout      time.Duration
}

// OAuthClient implements driven.TokenExchanger using golang.org/x/oauth2.
// Client credentials are sent as HTTP Basic auth with a form-encoded body.
type OAuthClient struct {
	config     *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewOAuthClient creates an OAuthClient whose token calls are bounded by
// cfg.Timeout.
func NewOAuthClient(cfg OAuthConfig) *OAuthClient {
	return NewOAuthClientWithHTTPClient(cfg, &http.Client{Timeout: cfg.Timeout}, time.Now)
}

// NewOAuthClientWithHTTPClient creates an OAuthClient with an injected HTTP
// client and clock. This constructor is intended for testing.
func NewOAuthClientWithHTTPClient(cfg OAuthConfig, httpClient *http.Client, now func() time.Time) *OAuthClient {
	return &OAuthClient{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: httpClient,
		now:        now,
	}
}

// AuthCodeURL returns the provider's consent URL carrying state.
func (c *OAuthClient) AuthCodeURL(state string) string {
	return c.config.AuthCodeURL(state)
}

// ExchangeAuthorizationCode trades an authorization code for a token set.
func (c *OAuthClient) ExchangeAuthorizationCode(ctx context.Context, code string) (model.TokenSet, error) {
	tok, err := c.config.Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		return model.TokenSet{}, exchangeError(err)
	}
	return c.tokenSet(tok, ""), nil
}

// Refresh trades refreshToken for a new token pair. The given refresh token is
// kept when the provider does not issue a new one.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (model.TokenSet, error) {
	if refreshToken == "" {
		return model.TokenSet{}, &driven.AuthExchangeError{Code: "invalid_request", Message: "no refresh token"}
	}

	src := c.config.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return model.TokenSet{}, exchangeError(err)
	}
	return c.tokenSet(tok, refreshToken), nil
}

func (c *OAuthClient) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// tokenSet converts an oauth2 token, computing absolute expiry timestamps
// from the provider's relative lifetimes exactly once.
func (c *OAuthClient) tokenSet(tok *oauth2.Token, priorRefresh string) model.TokenSet {
	now := c.now().UTC()

	set := model.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if set.RefreshToken == "" {
		set.RefreshToken = priorRefresh
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		set.Scope = scope
	}

	if secs, ok := extraSeconds(tok, "expires_in"); ok {
		at := now.Add(time.Duration(secs) * time.Second)
		set.ExpiresAt = &at
	} else if !tok.Expiry.IsZero() {
		at := tok.Expiry.UTC()
		set.ExpiresAt = &at
	}

	if secs, ok := extraSeconds(tok, "x_refresh_token_expires_in", "refresh_token_expires_in"); ok {
		at := now.Add(time.Duration(secs) * time.Second)
		set.RefreshExpiresAt = &at
	}

	return set
}

// extraSeconds reads the first present numeric field among keys from the raw
// token response.
func extraSeconds(tok *oauth2.Token, keys ...string) (int64, bool) {
	for _, key := range keys {
		switch v := tok.Extra(key).(type) {
		case float64:
			return int64(v), true
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n, true
			}
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// exchangeError maps an oauth2 failure to *driven.AuthExchangeError, keeping
// the provider's status and error description when present.
func exchangeError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &driven.AuthExchangeError{Message: err.Error()}
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}

	msg := re.ErrorDescription
	if msg == "" {
		msg = re.ErrorCode
	}
	if msg == "" {
		msg = strings.TrimSpace(string(re.Body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	return &driven.AuthExchangeError{Status: status, Code: re.ErrorCode, Message: msg}
}
