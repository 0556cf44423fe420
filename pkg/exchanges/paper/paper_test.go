package paper

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/pkg/exchanges/common"
)

type fakePrices struct {
	mu sync.Mutex
	px map[string]decimal.Decimal
}

func (f *fakePrices) set(asset string, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.px[asset] = decimal.NewFromInt(v)
}

func (f *fakePrices) last(_ context.Context, asset string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.px[asset]
	if !ok {
		return decimal.Zero, errors.New("no price")
	}
	return p, nil
}

func newExchange() (*Exchange, *fakePrices) {
	prices := &fakePrices{px: map[string]decimal.Decimal{}}
	ex := New(Config{QuoteAsset: "AUD", InitialBalance: decimal.NewFromInt(10000)}, prices.last, nil)
	return ex, prices
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMarketBuyFillsAtLast(t *testing.T) {
	ex, prices := newExchange()
	prices.set("BTC", 50000)
	acct := ex.ForUser("u1")
	ctx := context.Background()

	ack, err := acct.MarketBuy(ctx, "BTC", dec("1000"))
	require.NoError(t, err)
	assert.Equal(t, common.StateFilled, ack.Status)
	assert.True(t, ack.FilledQty.Equal(dec("0.02")), "filled %s", ack.FilledQty)
	assert.True(t, ack.AvgPrice.Decimal.Equal(dec("50000")))

	aud, _ := acct.GetBalance(ctx, "AUD")
	btc, _ := acct.GetBalance(ctx, "BTC")
	assert.True(t, aud.Available.Equal(dec("9000")))
	assert.True(t, btc.Available.Equal(dec("0.02")))
}

func TestInsufficientFundsRejected(t *testing.T) {
	ex, prices := newExchange()
	prices.set("ETH", 3000)
	acct := ex.ForUser("u1")

	_, err := acct.MarketBuy(context.Background(), "ETH", dec("20000"))
	assert.Equal(t, common.OutcomeRejected, common.Classify(nil, err).Kind)

	_, err = acct.MarketSell(context.Background(), "ETH", dec("1"))
	assert.Equal(t, common.OutcomeRejected, common.Classify(nil, err).Kind)
}

func TestMissingPriceIsTransient(t *testing.T) {
	ex, _ := newExchange()
	_, err := ex.ForUser("u1").MarketBuy(context.Background(), "DOGE", dec("10"))
	assert.Equal(t, common.OutcomeTransient, common.Classify(nil, err).Kind)
}

func TestLimitOrderRestsThenFills(t *testing.T) {
	ex, prices := newExchange()
	prices.set("BTC", 50000)
	acct := ex.ForUser("u1")
	ctx := context.Background()

	ack, err := acct.LimitBuy(ctx, "BTC", dec("900"), dec("45000"))
	require.NoError(t, err)
	assert.Equal(t, common.StateOpen, ack.Status)
	assert.True(t, ack.AcceptedQty.Equal(dec("0.02")))

	aud, _ := acct.GetBalance(ctx, "AUD")
	assert.True(t, aud.Locked.Equal(dec("900")))

	prices.set("BTC", 44000)
	ack, err = acct.GetOrder(ctx, ack.ExternalOrderID)
	require.NoError(t, err)
	assert.Equal(t, common.StateFilled, ack.Status)
	assert.True(t, ack.AvgPrice.Decimal.Equal(dec("45000")))

	aud, _ = acct.GetBalance(ctx, "AUD")
	assert.True(t, aud.Locked.IsZero())
	assert.True(t, aud.Available.Equal(dec("9100")))
}

func TestCancelReleasesLockedFunds(t *testing.T) {
	ex, prices := newExchange()
	prices.set("BTC", 50000)
	ex.Deposit("u1", "BTC", dec("1"))
	acct := ex.ForUser("u1")
	ctx := context.Background()

	ack, err := acct.LimitSell(ctx, "BTC", dec("0.5"), dec("60000"))
	require.NoError(t, err)
	require.Equal(t, common.StateOpen, ack.Status)

	ack, err = acct.Cancel(ctx, ack.ExternalOrderID, common.SideSell)
	require.NoError(t, err)
	assert.Equal(t, common.StateCancelled, ack.Status)

	btc, _ := acct.GetBalance(ctx, "BTC")
	assert.True(t, btc.Available.Equal(dec("1")))
	assert.True(t, btc.Locked.IsZero())
}

func TestClientOrderIDDeduplicates(t *testing.T) {
	ex, prices := newExchange()
	prices.set("BTC", 50000)
	acct := ex.ForUser("u1")
	ctx := common.WithClientOrderID(context.Background(), "ord-1")

	first, err := acct.MarketBuy(ctx, "BTC", dec("1000"))
	require.NoError(t, err)
	second, err := acct.MarketBuy(ctx, "BTC", dec("1000"))
	require.NoError(t, err)
	assert.Equal(t, first.ExternalOrderID, second.ExternalOrderID)

	aud, _ := acct.GetBalance(ctx, "AUD")
	assert.True(t, aud.Available.Equal(dec("9000")))
}

func TestAccountsAreIsolated(t *testing.T) {
	ex, prices := newExchange()
	prices.set("BTC", 50000)
	ack, err := ex.ForUser("u1").LimitBuy(context.Background(), "BTC", dec("100"), dec("1"))
	require.NoError(t, err)

	_, err = ex.ForUser("u2").GetOrder(context.Background(), ack.ExternalOrderID)
	assert.Equal(t, common.OutcomeRejected, common.Classify(nil, err).Kind)
}
