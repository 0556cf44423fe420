package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/pkg/db"
)

func newOracle(t *testing.T) (*Oracle, *db.Queries) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	q := database.Queries()
	return NewOracle(q, 10*time.Minute), q
}

func TestRecordThenLatest(t *testing.T) {
	o, _ := newOracle(t)
	ctx := context.Background()

	require.NoError(t, o.Record(ctx, Quote{Asset: "btc", Last: decimal.NewFromInt(50000)}))
	q, err := o.Latest(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, q.Last.Equal(decimal.NewFromInt(50000)))
	assert.True(t, q.Bid.Equal(q.Last))
}

func TestStaleWhenOutsideWindow(t *testing.T) {
	o, q := newOracle(t)
	ctx := context.Background()

	require.NoError(t, q.InsertPrice(ctx, db.PriceSnapshot{
		CoinType: "ETH", TS: time.Now().Add(-11 * time.Minute),
		Bid: decimal.NewFromInt(1), Ask: decimal.NewFromInt(1), Last: decimal.NewFromInt(1),
	}))

	_, err := o.Latest(ctx, "ETH")
	assert.True(t, errors.Is(err, ErrStale))

	_, err = o.Latest(ctx, "NOPE")
	assert.True(t, errors.Is(err, ErrStale))
}

func TestCachedQuoteExpiresWithFreshness(t *testing.T) {
	o, _ := newOracle(t)
	ctx := context.Background()
	now := time.Now()
	o.now = func() time.Time { return now }

	require.NoError(t, o.Record(ctx, Quote{Asset: "SOL", Last: decimal.NewFromInt(100), TS: now}))
	_, err := o.Latest(ctx, "SOL")
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	_, err = o.Latest(ctx, "SOL")
	assert.True(t, errors.Is(err, ErrStale))
}

func TestLatestManySkipsStale(t *testing.T) {
	o, _ := newOracle(t)
	ctx := context.Background()
	require.NoError(t, o.Record(ctx, Quote{Asset: "BTC", Last: decimal.NewFromInt(50000)}))

	got, err := o.LatestMany(ctx, []string{"BTC", "ETH"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "BTC")
}

func TestExternalWritesVisibleAfterCacheTTL(t *testing.T) {
	o, q := newOracle(t)
	ctx := context.Background()
	o.cacheTTL = 0

	require.NoError(t, o.Record(ctx, Quote{Asset: "BTC", Last: decimal.NewFromInt(50000)}))
	require.NoError(t, q.InsertPrice(ctx, db.PriceSnapshot{
		CoinType: "BTC", TS: time.Now().Add(time.Second),
		Bid: decimal.NewFromInt(51000), Ask: decimal.NewFromInt(51000), Last: decimal.NewFromInt(51000),
	}))

	p, err := o.LastPrice(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(51000)))
}

func TestPruneKeepsFreshnessWindow(t *testing.T) {
	o, _ := newOracle(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, o.Record(ctx, Quote{Asset: "BTC", Last: decimal.NewFromInt(1), TS: now.Add(-3 * time.Hour)}))
	require.NoError(t, o.Record(ctx, Quote{Asset: "BTC", Last: decimal.NewFromInt(2), TS: now.Add(-5 * time.Minute)}))

	// keep below the freshness window is raised to it.
	n, err := o.Prune(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	q, err := o.Latest(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, q.Last.Equal(decimal.NewFromInt(2)))
}
