package order

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"tradecore/pkg/db"
	"tradecore/pkg/exchanges/common"
)

// Fixed-point precision accepted from callers.
const (
	quantityPlaces = 10
	pricePlaces    = 8
)

var assetPattern = regexp.MustCompile(`^[A-Z0-9]{1,16}$`)

// Request is an order placement as received from a client.
type Request struct {
	UserID      string              `json:"-"`
	AlgorithmID string              `json:"algorithm_id,omitempty"`
	CoinType    string              `json:"coin_type"`
	Side        string              `json:"side"`
	OrderType   string              `json:"order_type"`
	Quantity    decimal.Decimal     `json:"quantity"`
	Price       decimal.NullDecimal `json:"price"`
}

// toOrder validates r and returns the pending row to insert.
func (r Request) toOrder() (*db.Order, error) {
	if r.UserID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidOrder)
	}
	asset := strings.ToUpper(strings.TrimSpace(r.CoinType))
	if !assetPattern.MatchString(asset) {
		return nil, fmt.Errorf("%w: coin_type %q", ErrInvalidOrder, r.CoinType)
	}
	side, ok := common.ParseSide(r.Side)
	if !ok {
		return nil, fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	}
	typ, ok := common.ParseOrderType(r.OrderType)
	if !ok {
		return nil, fmt.Errorf("%w: order_type must be market or limit", ErrInvalidOrder)
	}
	qty := r.Quantity.Round(quantityPlaces)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}

	o := &db.Order{
		UserID:      r.UserID,
		AlgorithmID: r.AlgorithmID,
		CoinType:    asset,
		Side:        string(side),
		OrderType:   string(typ),
		Quantity:    qty,
		Status:      db.StatusPending,
	}
	switch typ {
	case common.OrderTypeLimit:
		if !r.Price.Valid || !r.Price.Decimal.Round(pricePlaces).IsPositive() {
			return nil, fmt.Errorf("%w: limit orders need a positive price", ErrInvalidOrder)
		}
		o.Price = decimal.NewNullDecimal(r.Price.Decimal.Round(pricePlaces))
	case common.OrderTypeMarket:
		if r.Price.Valid {
			return nil, fmt.Errorf("%w: market orders take no price", ErrInvalidOrder)
		}
	}
	return o, nil
}

// statusFor maps an exchange state onto the order state machine.
func statusFor(state common.OrderState, filled decimal.Decimal) db.OrderStatus {
	switch state {
	case common.StateFilled:
		return db.StatusFilled
	case common.StateCancelled:
		return db.StatusCancelled
	case common.StateRejected:
		return db.StatusFailed
	}
	if filled.IsPositive() {
		return db.StatusPartiallyFilled
	}
	return db.StatusSubmitted
}
