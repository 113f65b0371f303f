// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// RequestFunc performs exactly one upstream call with the given access token.
// Upstream rejections must be returned as *driven.UpstreamError so the
// invoker can recognize a 401.
type RequestFunc func(ctx context.Context, accessToken string) error

// invokeState is a step of the refresh-on-401 protocol.
type invokeState int

const (
	stateAttempt1 invokeState = iota
	stateRefreshing
	stateAttempt2
	stateDone
)

// String returns a human-readable name for the state.
func (s invokeState) String() string {
	switch s {
	case stateAttempt1:
		return "attempt1"
	case stateRefreshing:
		return "refreshing"
	case stateAttempt2:
		return "attempt2"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Invoker runs accounting API calls for a company, refreshing its tokens and
// retrying once when the first attempt is rejected with 401. There is never
// more than one refresh and one retry per invocation.
type Invoker struct {
	registry  driven.Registry
	exchanger driven.TokenExchanger

	// refreshes coalesces concurrent refreshes for the same company so that
	// parallel entity fetches do not race a rotating refresh token.
	refreshes singleflight.Group
}

// NewInvoker creates an Invoker.
func NewInvoker(registry driven.Registry, exchanger driven.TokenExchanger) *Invoker {
	return &Invoker{
		registry:  registry,
		exchanger: exchanger,
	}
}

// Do runs fn for accountID under the refresh-on-401 protocol.
func (inv *Invoker) Do(ctx context.Context, accountID string, fn RequestFunc) error {
	company, err := inv.registry.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if !company.HasAccessToken() {
		return fmt.Errorf("invoke for %s: %w", accountID, driven.ErrTokenMissing)
	}

	accessToken := company.Tokens.AccessToken
	state := stateAttempt1
	var result error

	for state != stateDone {
		switch state {
		case stateAttempt1:
			result = fn(ctx, accessToken)
			state = afterFirstAttempt(result, company.Tokens.RefreshToken != "")
			if state == stateDone && company.Tokens.RefreshToken == "" && driven.StatusOf(result) == http.StatusUnauthorized {
				result = &driven.TokenRefreshError{
					AccountID: accountID,
					Err:       fmt.Errorf("%w: no refresh token stored: %w", driven.ErrTokenMissing, result),
				}
			}

		case stateRefreshing:
			tokens, err := inv.refresh(ctx, accountID, accessToken)
			if err != nil {
				result = &driven.TokenRefreshError{AccountID: accountID, Err: err}
				state = stateDone
				continue
			}
			accessToken = tokens.AccessToken
			state = stateAttempt2

		case stateAttempt2:
			result = fn(ctx, accessToken)
			if driven.StatusOf(result) == http.StatusUnauthorized {
				result = &driven.TokenRefreshError{AccountID: accountID, Err: result}
			}
			state = stateDone
		}
	}

	return result
}

// afterFirstAttempt decides the transition out of stateAttempt1.
func afterFirstAttempt(err error, hasRefreshToken bool) invokeState {
	if err != nil && hasRefreshToken && driven.StatusOf(err) == http.StatusUnauthorized {
		return stateRefreshing
	}
	return stateDone
}

// refresh exchanges the stored refresh token and persists the new token set.
// Concurrent callers for the same account share one exchange. If the stored
// access token no longer matches rejected, another caller already refreshed
// and the stored tokens are returned as they are. The shared exchange ignores
// caller cancellation; the exchanger's client timeout bounds it.
func (inv *Invoker) refresh(ctx context.Context, accountID, rejected string) (model.TokenSet, error) {
	v, err, shared := inv.refreshes.Do(accountID, func() (any, error) {
		ctx := context.WithoutCancel(ctx)

		current, err := inv.registry.Get(ctx, accountID)
		if err != nil {
			return model.TokenSet{}, err
		}
		if current.HasAccessToken() && current.Tokens.AccessToken != rejected {
			return current.Tokens, nil
		}
		if current.Tokens.RefreshToken == "" {
			return model.TokenSet{}, driven.ErrTokenMissing
		}

		tokens, err := inv.exchanger.Refresh(ctx, current.Tokens.RefreshToken)
		if err != nil {
			return model.TokenSet{}, err
		}

		_, err = inv.registry.UpdateOne(ctx, accountID, func(c *model.Company) error {
			if tokens.RefreshExpiresAt == nil && tokens.RefreshToken == c.Tokens.RefreshToken {
				tokens.RefreshExpiresAt = c.Tokens.RefreshExpiresAt
			}
			c.Tokens = tokens
			return nil
		})
		if err != nil {
			return model.TokenSet{}, fmt.Errorf("persist refreshed tokens: %w", err)
		}
		return tokens, nil
	})
	if err != nil {
		var authErr *driven.AuthExchangeError
		if errors.As(err, &authErr) && authErr.Revoked() {
			slog.Warn("refresh token rejected, company must reconnect", "account_id", accountID, "status", authErr.Status, "error", err)
		} else {
			slog.Error("token refresh failed", "account_id", accountID, "error", err)
		}
		return model.TokenSet{}, err
	}

	slog.Info("access token refreshed", "account_id", accountID, "shared", shared)
	return v.(model.TokenSet), nil
}
