package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/pkg/crypto"
	"tradecore/pkg/db"
	"tradecore/pkg/exchanges/common"
)

func key(seed byte) []byte {
	k := make([]byte, crypto.KeySize)
	for i := range k {
		k[i] = seed ^ byte(i)
	}
	return k
}

func setup(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func TestPutGetRoundTrip(t *testing.T) {
	database := setup(t)
	kr, err := crypto.NewKeyring(map[int][]byte{1: key(1)})
	require.NoError(t, err)
	p := NewProvider(database.Queries(), kr, nil)
	ctx := context.Background()

	want := common.Credentials{Key: "API-KEY-1234", Secret: "very-secret"}
	require.NoError(t, p.Put(ctx, "u1", want))

	got, err := p.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	row, err := database.Queries().GetCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, row.KeyID)
	assert.NotContains(t, row.APIKeyEncrypted, "API-KEY")
}

func TestGetMissing(t *testing.T) {
	kr, _ := crypto.NewKeyring(map[int][]byte{1: key(1)})
	p := NewProvider(setup(t).Queries(), kr, nil)
	_, err := p.Get(context.Background(), "nobody")
	assert.True(t, errors.Is(err, ErrNoCredential))
}

func TestGetWithWrongKey(t *testing.T) {
	database := setup(t)
	ctx := context.Background()

	kr1, _ := crypto.NewKeyring(map[int][]byte{1: key(1)})
	require.NoError(t, NewProvider(database.Queries(), kr1, nil).Put(ctx, "u1", common.Credentials{Key: "k", Secret: "s"}))

	kr2, _ := crypto.NewKeyring(map[int][]byte{1: key(2)})
	_, err := NewProvider(database.Queries(), kr2, nil).Get(ctx, "u1")
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestRowCopiedToAnotherUserFails(t *testing.T) {
	database := setup(t)
	ctx := context.Background()
	kr, _ := crypto.NewKeyring(map[int][]byte{1: key(1)})
	p := NewProvider(database.Queries(), kr, nil)
	require.NoError(t, p.Put(ctx, "u1", common.Credentials{Key: "k", Secret: "s"}))

	row, err := database.Queries().GetCredential(ctx, "u1")
	require.NoError(t, err)
	row.UserID = "u2"
	require.NoError(t, database.Queries().UpsertCredential(ctx, *row))

	_, err = p.Get(ctx, "u2")
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}
