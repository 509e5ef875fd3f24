package binance

import (
	"context"
	"errors"
	"fmt"

	"signal-engine/internal/exchange"
	"signal-engine/internal/position"
	"signal-engine/internal/vault"
)

// CredentialSource looks up a user's exchange credentials.
type CredentialSource interface {
	GetCredentials(ctx context.Context, userID, exchange string) (*vault.Credentials, error)
}

// PositionChecker answers position reconciliation for Binance strategies.
// Other exchanges, and users without stored keys, report
// position.ErrNoCredentials so the check is skipped.
type PositionChecker struct {
	client *Client
	creds  CredentialSource
}

func NewPositionChecker(client *Client, creds CredentialSource) *PositionChecker {
	return &PositionChecker{client: client, creds: creds}
}

func (p *PositionChecker) HasOpenPosition(ctx context.Context, userID, exchangeName, symbol string) (bool, error) {
	if exchangeName != exchange.Binance {
		return false, position.ErrNoCredentials
	}

	creds, err := p.creds.GetCredentials(ctx, userID, exchangeName)
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return false, position.ErrNoCredentials
	case err != nil:
		return false, fmt.Errorf("%w: credentials: %v", ErrPositionUnknown, err)
	}

	return p.client.HasOpenPosition(ctx, Credentials{APIKey: creds.APIKey, SecretKey: creds.SecretKey}, symbol)
}
