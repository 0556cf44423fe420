package pnl

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/pkg/db"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeStore struct {
	positions []db.Position
	realized  map[string]decimal.Decimal
	stats     db.OrderStats
	loads     atomic.Int32
}

func (f *fakeStore) GetPositionsByUser(context.Context, string) ([]db.Position, error) {
	f.loads.Add(1)
	return f.positions, nil
}
func (f *fakeStore) RealizedPnLByUser(context.Context, string) (map[string]decimal.Decimal, error) {
	return f.realized, nil
}
func (f *fakeStore) OrderStatsByUser(context.Context, string) (db.OrderStats, error) {
	return f.stats, nil
}

type fakeMarks map[string]string

func (m fakeMarks) LastPrice(_ context.Context, asset string) (decimal.Decimal, error) {
	v, ok := m[asset]
	if !ok {
		return decimal.Zero, errors.New("stale")
	}
	return dec(v), nil
}

func fixtureStore() *fakeStore {
	return &fakeStore{
		positions: []db.Position{
			{UserID: "u1", CoinType: "BTC", Quantity: dec("0.1"), AveragePrice: dec("50000")},
			{UserID: "u1", CoinType: "ETH", Quantity: dec("2"), AveragePrice: dec("3000")},
		},
		realized: map[string]decimal.Decimal{"BTC": dec("150"), "SOL": dec("-20")},
		stats:    db.OrderStats{Total: 6, Filled: 5, Failed: 1, Sells: 4, Wins: 3, Losses: 1},
	}
}

func TestComputeCombinesRealizedAndUnrealized(t *testing.T) {
	e := NewEngine(fixtureStore(), fakeMarks{"BTC": "52000"}, time.Minute, nil)

	s, err := e.Compute(context.Background(), "u1")
	require.NoError(t, err)

	assert.True(t, s.Unrealized.Equal(dec("200")), "unrealized %s", s.Unrealized)
	assert.True(t, s.Realized.Equal(dec("130")))
	assert.True(t, s.Total.Equal(dec("330")))
	assert.True(t, s.WinRate.Equal(dec("0.75")))
	assert.Equal(t, 6, s.OrderStats.Total)

	require.Len(t, s.Assets, 3)
	assert.Equal(t, "BTC", s.Assets[0].CoinType)
	assert.True(t, s.Assets[0].Realized.Equal(dec("150")))
	assert.Equal(t, "ETH", s.Assets[1].CoinType)
	assert.True(t, s.Assets[1].MarkStale)
	assert.True(t, s.Assets[1].Unrealized.IsZero())
	assert.Equal(t, "SOL", s.Assets[2].CoinType)
}

func TestGetServesCacheWithinTTL(t *testing.T) {
	store := fixtureStore()
	e := NewEngine(store, fakeMarks{"BTC": "50000", "ETH": "3000"}, time.Minute, nil)
	base := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return base }
	ctx := context.Background()

	first, err := e.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, first.IsLoading)
	assert.Zero(t, first.DataStalenessSeconds)

	e.now = func() time.Time { return base.Add(10 * time.Second) }
	second, err := e.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.LastUpdated, second.LastUpdated)
	assert.InDelta(t, 10.0, second.DataStalenessSeconds, 0.001)
	assert.Equal(t, int32(1), store.loads.Load())
}

func TestGetRefreshesExpiredInBackground(t *testing.T) {
	store := fixtureStore()
	e := NewEngine(store, fakeMarks{"BTC": "50000", "ETH": "3000"}, time.Second, nil)
	var clock atomic.Int64
	base := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return base.Add(time.Duration(clock.Load())) }
	ctx := context.Background()

	_, err := e.Get(ctx, "u1")
	require.NoError(t, err)

	clock.Store(int64(5 * time.Second))
	stale, err := e.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, stale.IsLoading)
	assert.Equal(t, base, stale.LastUpdated)

	require.Eventually(t, func() bool {
		s, err := e.Get(ctx, "u1")
		return err == nil && !s.IsLoading && s.LastUpdated.After(base)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), store.loads.Load())
}

func TestInvalidateForcesRecompute(t *testing.T) {
	store := fixtureStore()
	e := NewEngine(store, fakeMarks{}, time.Minute, nil)
	ctx := context.Background()

	_, err := e.Get(ctx, "u1")
	require.NoError(t, err)
	e.Invalidate("u1")
	_, err = e.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.loads.Load())
}
