package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// ErrInvalidState is returned when an OAuth callback carries a state token
// that was never issued, was already used, or has expired.
var ErrInvalidState = errors.New("invalid or expired oauth state")

// SyncQueue accepts asynchronous sync requests.
type SyncQueue interface {
	Enqueue(accountID string) bool
}

// ConnectService runs the OAuth authorization-code flow that adds or
// reconnects a company.
type ConnectService struct {
	states      *PendingStates
	exchanger   driven.TokenExchanger
	api         driven.AccountingAPI
	registry    driven.Registry
	queue       SyncQueue
	environment model.Environment
}

// NewConnectService creates a ConnectService. New companies are recorded in
// environment. queue may be nil.
func NewConnectService(
	states *PendingStates,
	exchanger driven.TokenExchanger,
	api driven.AccountingAPI,
	registry driven.Registry,
	queue SyncQueue,
	environment model.Environment,
) *ConnectService {
	return &ConnectService{
		states:      states,
		exchanger:   exchanger,
		api:         api,
		registry:    registry,
		queue:       queue,
		environment: environment,
	}
}

// Begin issues a state token and returns the provider consent URL.
func (s *ConnectService) Begin() (string, error) {
	state, err := s.states.Issue()
	if err != nil {
		return "", err
	}
	return s.exchanger.AuthCodeURL(state), nil
}

// Complete validates the callback, exchanges the code and stores the company.
// The company's profile names are fetched best-effort.
func (s *ConnectService) Complete(ctx context.Context, state, code, accountID string) (model.Company, error) {
	if !s.states.Consume(state) {
		return model.Company{}, ErrInvalidState
	}
	if code == "" || accountID == "" {
		return model.Company{}, errors.New("callback missing code or realm id")
	}

	tokens, err := s.exchanger.ExchangeAuthorizationCode(ctx, code)
	if err != nil {
		return model.Company{}, fmt.Errorf("connect %s: %w", accountID, err)
	}

	company := model.Company{
		AccountID:   accountID,
		Environment: s.environment,
		Tokens:      tokens,
	}

	target := driven.Target{AccountID: accountID, Environment: s.environment}
	info, err := s.api.CompanyInfo(ctx, target, tokens.AccessToken)
	if err != nil {
		slog.Warn("company info unavailable, storing without names", "account_id", accountID, "error", err)
	} else {
		if info.CompanyName != "" {
			company.DisplayName = &info.CompanyName
		}
		if info.LegalName != "" {
			company.LegalName = &info.LegalName
		}
	}

	stored, err := s.registry.Upsert(ctx, company)
	if err != nil {
		return model.Company{}, fmt.Errorf("store connected company %s: %w", accountID, err)
	}

	slog.Info("company connected", "account_id", accountID, "name", stored.Label(), "environment", stored.Environment)

	if s.queue != nil {
		s.queue.Enqueue(accountID)
	}
	return stored, nil
}
