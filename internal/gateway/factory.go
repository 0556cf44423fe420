package gateway

import (
	"context"

	"go.uber.org/zap"

	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/exchanges/live"
	"tradecore/pkg/exchanges/paper"
)

// CredentialSource returns decrypted credentials for a user.
type CredentialSource interface {
	Get(ctx context.Context, userID string) (common.Credentials, error)
}

// PaperFactory hands out per-user paper accounts; no credentials are needed.
func PaperFactory(ex *paper.Exchange) Factory {
	return func(_ context.Context, userID string) (common.Adapter, error) {
		return ex.ForUser(userID), nil
	}
}

// LiveFactory decrypts the user's key pair and builds a signed client. Each
// user gets its own request pacer; nonces are shared so they stay monotonic
// per API key even when an adapter is rebuilt.
func LiveFactory(creds CredentialSource, base live.Config, rps float64, nonces *common.NonceSource, log *zap.Logger) Factory {
	if nonces == nil {
		nonces = common.NewNonceSource()
	}
	return func(ctx context.Context, userID string) (common.Adapter, error) {
		c, err := creds.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		cfg := base
		cfg.Credentials = c
		limiter := common.NewRateLimiter(rps, 1, 0, log)
		return live.New(cfg, nonces, limiter, log.With(zap.String("user_id", userID))), nil
	}
}
