package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/pkg/db"
	"tradecore/pkg/exchanges/common"
)

func newLedger(t *testing.T) (*Ledger, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return New(database), database
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestApplyFillWeightedAverage(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	res, err := l.ApplyFill(ctx, Fill{UserID: "u1", Asset: "btc", Side: common.SideBuy, Qty: d("0.02"), Price: d("50000")})
	require.NoError(t, err)
	assert.Equal(t, "BTC", res.Position.CoinType)
	assert.True(t, res.Position.TotalCost.Equal(d("1000")), "total cost %s", res.Position.TotalCost)

	res, err = l.ApplyFill(ctx, Fill{UserID: "u1", Asset: "BTC", Side: common.SideBuy, Qty: d("0.02"), Price: d("60000")})
	require.NoError(t, err)
	assert.True(t, res.Position.Quantity.Equal(d("0.04")))
	assert.True(t, res.Position.AveragePrice.Equal(d("55000")))
	assert.True(t, res.Position.TotalCost.Equal(d("2200")))
}

func TestApplyFillSellRealizesAndCloses(t *testing.T) {
	l, database := newLedger(t)
	ctx := context.Background()
	q := database.Queries()

	_, err := l.ApplyFill(ctx, Fill{UserID: "u1", Asset: "ETH", Side: common.SideBuy, Qty: d("1"), Price: d("3000")})
	require.NoError(t, err)

	res, err := l.ApplyFill(ctx, Fill{UserID: "u1", Asset: "ETH", Side: common.SideSell, Qty: d("0.4"), Price: d("3500")})
	require.NoError(t, err)
	assert.False(t, res.Closed)
	assert.True(t, res.Realized.Equal(d("200")))
	assert.True(t, res.Position.AveragePrice.Equal(d("3000")), "sell keeps average")
	assert.True(t, res.Position.TotalCost.Equal(d("1800")))

	res, err = l.ApplyFill(ctx, Fill{UserID: "u1", Asset: "ETH", Side: common.SideSell, Qty: d("0.6"), Price: d("2500")})
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.True(t, res.Realized.Equal(d("-300")))

	_, err = q.GetPosition(ctx, "u1", "ETH")
	assert.ErrorIs(t, err, db.ErrNotFound)

	realized, err := q.RealizedPnLByUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, realized["ETH"].Equal(d("-100")))
}

func TestApplyFillOversell(t *testing.T) {
	l, database := newLedger(t)
	ctx := context.Background()

	_, err := l.ApplyFill(ctx, Fill{UserID: "u1", Asset: "ETH", Side: common.SideBuy, Qty: d("0.5"), Price: d("3000")})
	require.NoError(t, err)

	_, err = l.ApplyFill(ctx, Fill{UserID: "u1", Asset: "ETH", Side: common.SideSell, Qty: d("1"), Price: d("3000")})
	assert.True(t, errors.Is(err, ErrOversell))

	assert.ErrorIs(t, CheckSell(ctx, database.Queries(), "u1", "ETH", d("1")), ErrOversell)
	assert.NoError(t, CheckSell(ctx, database.Queries(), "u1", "ETH", d("0.5")))
	assert.ErrorIs(t, CheckSell(ctx, database.Queries(), "u1", "SOL", d("0.1")), ErrOversell)

	p, err := database.Queries().GetPosition(ctx, "u1", "ETH")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d("0.5")), "rejected sell must not touch the position")
}

func TestCheckSellCountsRestingSells(t *testing.T) {
	l, database := newLedger(t)
	ctx := context.Background()
	q := database.Queries()

	_, err := l.ApplyFill(ctx, Fill{UserID: "u1", Asset: "ETH", Side: common.SideBuy, Qty: d("1"), Price: d("3000")})
	require.NoError(t, err)
	require.NoError(t, q.InsertOrder(ctx, &db.Order{
		UserID: "u1", CoinType: "ETH", Side: "sell", OrderType: "limit",
		Quantity: d("0.6"), Price: decimal.NewNullDecimal(d("3500")),
		FilledQuantity: d("0.2"), Status: db.StatusPartiallyFilled,
	}))
	// Other users, assets and sides do not commit u1's ETH.
	require.NoError(t, q.InsertOrder(ctx, &db.Order{UserID: "u2", CoinType: "ETH", Side: "sell", OrderType: "market", Quantity: d("5"), Status: db.StatusSubmitted}))
	require.NoError(t, q.InsertOrder(ctx, &db.Order{UserID: "u1", CoinType: "BTC", Side: "sell", OrderType: "market", Quantity: d("5"), Status: db.StatusSubmitted}))
	require.NoError(t, q.InsertOrder(ctx, &db.Order{UserID: "u1", CoinType: "ETH", Side: "buy", OrderType: "market", Quantity: d("5"), Status: db.StatusSubmitted}))

	// 1 held, 0.4 still resting.
	assert.NoError(t, CheckSell(ctx, q, "u1", "eth", d("0.6")))
	err = CheckSell(ctx, q, "u1", "ETH", d("0.7"))
	assert.ErrorIs(t, err, ErrOversell)
	assert.Contains(t, err.Error(), "0.4 committed")
}

func TestApplyFillRejectsBadInput(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.ApplyFill(context.Background(), Fill{UserID: "u1", Asset: "BTC", Side: common.SideBuy, Qty: decimal.Zero, Price: d("1")})
	assert.ErrorIs(t, err, ErrInvalidFill)
}

func TestRealizedMatchesSumOfSells(t *testing.T) {
	l, database := newLedger(t)
	ctx := context.Background()

	fills := []Fill{
		{Side: common.SideBuy, Qty: d("2"), Price: d("100")},
		{Side: common.SideSell, Qty: d("0.5"), Price: d("120")},
		{Side: common.SideBuy, Qty: d("1.5"), Price: d("80")},
		{Side: common.SideSell, Qty: d("1"), Price: d("90")},
	}
	want := decimal.Zero
	for _, f := range fills {
		f.UserID, f.Asset = "u1", "SOL"
		before, err := database.Queries().GetPosition(ctx, "u1", "SOL")
		if f.Side == common.SideSell {
			require.NoError(t, err)
			want = want.Add(f.Price.Sub(before.AveragePrice).Mul(f.Qty))
		}
		res, err := l.ApplyFill(ctx, f)
		require.NoError(t, err)
		diff := res.Position.TotalCost.Sub(res.Position.Quantity.Mul(res.Position.AveragePrice)).Abs()
		assert.True(t, diff.LessThanOrEqual(d("0.01")), "total cost drift %s", diff)
	}

	realized, err := database.Queries().RealizedPnLByUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, realized["SOL"].Equal(want), "realized %s want %s", realized["SOL"], want)
}
