// Package credentials returns decrypted exchange API keys on demand.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tradecore/pkg/crypto"
	"tradecore/pkg/db"
	"tradecore/pkg/exchanges/common"
)

var (
	ErrNoCredential     = errors.New("no exchange credential on file")
	ErrDecryptionFailed = errors.New("credential decryption failed")
)

// Provider reads sealed key pairs from the credentials table.
type Provider struct {
	q    *db.Queries
	keys *crypto.Keyring
	log  *zap.Logger
}

// NewProvider wires a provider over the database and keyring.
func NewProvider(q *db.Queries, keys *crypto.Keyring, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{q: q, keys: keys, log: log}
}

// aad binds a sealed field to its owner and purpose.
func aad(userID, field string) string {
	return userID + "|" + field
}

// Get returns the user's decrypted credentials.
func (p *Provider) Get(ctx context.Context, userID string) (common.Credentials, error) {
	row, err := p.q.GetCredential(ctx, userID)
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrUserIDRequired) {
		return common.Credentials{}, ErrNoCredential
	}
	if err != nil {
		return common.Credentials{}, fmt.Errorf("load credential: %w", err)
	}

	key, err := p.keys.Open(row.APIKeyEncrypted, row.KeyID, aad(userID, "key"))
	if err != nil {
		p.log.Warn("credential decrypt failed", zap.String("user_id", userID), zap.Int("key_id", row.KeyID), zap.Error(err))
		return common.Credentials{}, fmt.Errorf("%w: api key", ErrDecryptionFailed)
	}
	secret, err := p.keys.Open(row.APISecretEncrypted, row.KeyID, aad(userID, "secret"))
	if err != nil {
		p.log.Warn("credential decrypt failed", zap.String("user_id", userID), zap.Int("key_id", row.KeyID), zap.Error(err))
		return common.Credentials{}, fmt.Errorf("%w: api secret", ErrDecryptionFailed)
	}
	return common.Credentials{Key: key, Secret: secret}, nil
}

// Put seals and stores a key pair under the keyring's active key.
func (p *Provider) Put(ctx context.Context, userID string, c common.Credentials) error {
	if userID == "" {
		return db.ErrUserIDRequired
	}
	encKey, keyID, err := p.keys.Seal(c.Key, aad(userID, "key"))
	if err != nil {
		return fmt.Errorf("seal api key: %w", err)
	}
	encSecret, _, err := p.keys.Seal(c.Secret, aad(userID, "secret"))
	if err != nil {
		return fmt.Errorf("seal api secret: %w", err)
	}
	if err := p.q.UpsertCredential(ctx, db.Credential{
		UserID:             userID,
		APIKeyEncrypted:    encKey,
		APISecretEncrypted: encSecret,
		KeyID:              keyID,
	}); err != nil {
		return err
	}
	p.log.Info("credential stored", zap.String("user_id", userID), zap.String("api_key", crypto.Mask(c.Key)), zap.Int("key_id", keyID))
	return nil
}
