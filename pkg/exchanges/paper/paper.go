// Package paper is a deterministic in-memory venue that fills at the oracle's
// last price. It stands in for the real exchange when PAPER_TRADING is on.
package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/pkg/exchanges/common"
)

// baseScale is the fractional precision of base quantities.
const baseScale = 10

// PriceFunc returns the current last price of asset in the quote currency.
type PriceFunc func(ctx context.Context, asset string) (decimal.Decimal, error)

// Config controls the simulated venue.
type Config struct {
	QuoteAsset     string
	InitialBalance decimal.Decimal // quote funds credited to a new account
}

type paperOrder struct {
	id       string
	userID   string
	asset    string
	side     common.Side
	limit    bool
	rate     decimal.Decimal
	baseQty  decimal.Decimal
	quoteAmt decimal.Decimal
	filled   decimal.Decimal
	avgPrice decimal.Decimal
	state    common.OrderState
}

// Exchange holds every paper account and order.
type Exchange struct {
	mu       sync.Mutex
	cfg      Config
	price    PriceFunc
	log      *zap.Logger
	seq      int64
	free     map[string]map[string]decimal.Decimal // user -> asset -> available
	locked   map[string]map[string]decimal.Decimal
	orders   map[string]*paperOrder
	byClient map[string]string
}

// New creates an empty paper venue.
func New(cfg Config, price PriceFunc, log *zap.Logger) *Exchange {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "AUD"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Exchange{
		cfg:      cfg,
		price:    price,
		log:      log,
		free:     make(map[string]map[string]decimal.Decimal),
		locked:   make(map[string]map[string]decimal.Decimal),
		orders:   make(map[string]*paperOrder),
		byClient: make(map[string]string),
	}
}

// ForUser returns an Adapter bound to one user's paper account.
func (e *Exchange) ForUser(userID string) common.Adapter {
	return &account{ex: e, userID: userID}
}

// Deposit credits amount of asset to the user's available balance.
func (e *Exchange) Deposit(userID, asset string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensure(userID)
	asset = strings.ToUpper(asset)
	e.free[userID][asset] = e.free[userID][asset].Add(amount)
}

// ensure lazily opens an account funded with the initial quote balance.
// Caller holds e.mu.
func (e *Exchange) ensure(userID string) {
	if _, ok := e.free[userID]; ok {
		return
	}
	e.free[userID] = map[string]decimal.Decimal{e.cfg.QuoteAsset: e.cfg.InitialBalance}
	e.locked[userID] = make(map[string]decimal.Decimal)
}

func (e *Exchange) nextID() string {
	e.seq++
	return fmt.Sprintf("paper-%d", e.seq)
}

func (o *paperOrder) ack() *common.Ack {
	a := &common.Ack{
		ExternalOrderID: o.id,
		Status:          o.state,
		AcceptedQty:     o.baseQty,
		FilledQty:       o.filled,
	}
	if o.filled.IsPositive() {
		a.AvgPrice = decimal.NewNullDecimal(o.avgPrice)
	}
	return a
}

// place runs one placement under the lock. Market orders fill at last;
// limit orders fill at their rate when marketable and rest otherwise.
func (e *Exchange) place(ctx context.Context, userID, asset string, side common.Side, limit bool, amount, rate decimal.Decimal) (*common.Ack, error) {
	op := "paper_" + string(side)
	asset = strings.ToUpper(asset)
	if !amount.IsPositive() {
		return nil, common.Reject(op, "amount must be positive")
	}
	if limit && !rate.IsPositive() {
		return nil, common.Reject(op, "rate must be positive")
	}

	last, err := e.price(ctx, asset)
	if err != nil {
		return nil, &common.TransportError{Op: op, Err: fmt.Errorf("no price for %s: %w", asset, err)}
	}
	if !last.IsPositive() {
		return nil, &common.TransportError{Op: op, Err: fmt.Errorf("no price for %s", asset)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	clientID := common.ClientOrderID(ctx)
	if clientID != "" {
		if id, ok := e.byClient[clientID]; ok {
			return e.orders[id].ack(), nil
		}
	}
	e.ensure(userID)

	o := &paperOrder{id: e.nextID(), userID: userID, asset: asset, side: side, limit: limit, rate: rate, state: common.StateOpen}
	quote := e.cfg.QuoteAsset
	switch side {
	case common.SideBuy:
		px := last
		if limit {
			px = rate
		}
		o.quoteAmt = amount
		o.baseQty = amount.Div(px).Truncate(baseScale)
		if !o.baseQty.IsPositive() {
			return nil, common.Reject(op, "amount too small")
		}
		if e.free[userID][quote].LessThan(amount) {
			return nil, common.Reject(op, "insufficient %s balance: need %s, have %s", quote, amount, e.free[userID][quote])
		}
		e.free[userID][quote] = e.free[userID][quote].Sub(amount)
		e.locked[userID][quote] = e.locked[userID][quote].Add(amount)
	case common.SideSell:
		o.baseQty = amount
		if e.free[userID][asset].LessThan(amount) {
			return nil, common.Reject(op, "insufficient %s balance: need %s, have %s", asset, amount, e.free[userID][asset])
		}
		e.free[userID][asset] = e.free[userID][asset].Sub(amount)
		e.locked[userID][asset] = e.locked[userID][asset].Add(amount)
	default:
		return nil, common.Reject(op, "unknown side %q", side)
	}

	e.orders[o.id] = o
	if clientID != "" {
		e.byClient[clientID] = o.id
	}

	if !limit {
		e.fill(o, last)
	} else {
		e.tryMatch(o, last)
	}
	e.log.Debug("paper order placed",
		zap.String("user_id", userID), zap.String("order_id", o.id),
		zap.String("asset", asset), zap.String("side", string(side)), zap.String("state", string(o.state)))
	return o.ack(), nil
}

// tryMatch fills a resting limit order if the market crossed its rate.
func (e *Exchange) tryMatch(o *paperOrder, last decimal.Decimal) {
	if o.state != common.StateOpen {
		return
	}
	if (o.side == common.SideBuy && last.LessThanOrEqual(o.rate)) ||
		(o.side == common.SideSell && last.GreaterThanOrEqual(o.rate)) {
		e.fill(o, o.rate)
	}
}

// fill settles the whole order at px and releases locked funds.
func (e *Exchange) fill(o *paperOrder, px decimal.Decimal) {
	quote := e.cfg.QuoteAsset
	free, locked := e.free[o.userID], e.locked[o.userID]
	switch o.side {
	case common.SideBuy:
		if !o.limit {
			o.baseQty = o.quoteAmt.Div(px).Truncate(baseScale)
		}
		cost := o.baseQty.Mul(px)
		locked[quote] = locked[quote].Sub(o.quoteAmt)
		free[quote] = free[quote].Add(o.quoteAmt.Sub(cost))
		free[o.asset] = free[o.asset].Add(o.baseQty)
	case common.SideSell:
		locked[o.asset] = locked[o.asset].Sub(o.baseQty)
		free[quote] = free[quote].Add(o.baseQty.Mul(px))
	}
	o.filled = o.baseQty
	o.avgPrice = px
	o.state = common.StateFilled
}

func (e *Exchange) lookup(userID, id, op string) (*paperOrder, error) {
	o, ok := e.orders[id]
	if !ok || o.userID != userID {
		return nil, common.Reject(op, "order %s not found", id)
	}
	return o, nil
}

func (e *Exchange) cancel(userID, id string) (*common.Ack, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.lookup(userID, id, "paper_cancel")
	if err != nil {
		return nil, err
	}
	if o.state == common.StateOpen {
		quote := e.cfg.QuoteAsset
		if o.side == common.SideBuy {
			e.locked[userID][quote] = e.locked[userID][quote].Sub(o.quoteAmt)
			e.free[userID][quote] = e.free[userID][quote].Add(o.quoteAmt)
		} else {
			e.locked[userID][o.asset] = e.locked[userID][o.asset].Sub(o.baseQty)
			e.free[userID][o.asset] = e.free[userID][o.asset].Add(o.baseQty)
		}
		o.state = common.StateCancelled
	}
	return o.ack(), nil
}

func (e *Exchange) getOrder(ctx context.Context, userID, id string) (*common.Ack, error) {
	e.mu.Lock()
	o, err := e.lookup(userID, id, "paper_get_order")
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	asset, open := o.asset, o.state == common.StateOpen
	e.mu.Unlock()

	if open {
		if last, err := e.price(ctx, asset); err == nil && last.IsPositive() {
			e.mu.Lock()
			e.tryMatch(o, last)
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return o.ack(), nil
}

func (e *Exchange) balance(userID, asset string) common.Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensure(userID)
	asset = strings.ToUpper(asset)
	return common.Balance{Asset: asset, Available: e.free[userID][asset], Locked: e.locked[userID][asset]}
}

// account is the per-user Adapter view.
type account struct {
	ex     *Exchange
	userID string
}

var _ common.Adapter = (*account)(nil)

func (a *account) MarketBuy(ctx context.Context, asset string, quoteAmount decimal.Decimal) (*common.Ack, error) {
	return a.ex.place(ctx, a.userID, asset, common.SideBuy, false, quoteAmount, decimal.Zero)
}

func (a *account) MarketSell(ctx context.Context, asset string, baseAmount decimal.Decimal) (*common.Ack, error) {
	return a.ex.place(ctx, a.userID, asset, common.SideSell, false, baseAmount, decimal.Zero)
}

func (a *account) LimitBuy(ctx context.Context, asset string, quoteAmount, rate decimal.Decimal) (*common.Ack, error) {
	return a.ex.place(ctx, a.userID, asset, common.SideBuy, true, quoteAmount, rate)
}

func (a *account) LimitSell(ctx context.Context, asset string, baseAmount, rate decimal.Decimal) (*common.Ack, error) {
	return a.ex.place(ctx, a.userID, asset, common.SideSell, true, baseAmount, rate)
}

func (a *account) Cancel(_ context.Context, externalID string, _ common.Side) (*common.Ack, error) {
	return a.ex.cancel(a.userID, externalID)
}

func (a *account) GetOrder(ctx context.Context, externalID string) (*common.Ack, error) {
	return a.ex.getOrder(ctx, a.userID, externalID)
}

func (a *account) GetBalance(_ context.Context, asset string) (common.Balance, error) {
	return a.ex.balance(a.userID, asset), nil
}
