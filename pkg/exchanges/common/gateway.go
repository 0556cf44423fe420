package common

import (
	"context"

	"github.com/shopspring/decimal"
)

// Adapter abstracts a trading venue. Buys are sized in quote currency and
// sells in base units. Implementations must be safe for concurrent use.
type Adapter interface {
	MarketBuy(ctx context.Context, asset string, quoteAmount decimal.Decimal) (*Ack, error)
	MarketSell(ctx context.Context, asset string, baseAmount decimal.Decimal) (*Ack, error)
	LimitBuy(ctx context.Context, asset string, quoteAmount, rate decimal.Decimal) (*Ack, error)
	LimitSell(ctx context.Context, asset string, baseAmount, rate decimal.Decimal) (*Ack, error)
	Cancel(ctx context.Context, externalID string, side Side) (*Ack, error)
	GetOrder(ctx context.Context, externalID string) (*Ack, error)
	GetBalance(ctx context.Context, asset string) (Balance, error)
}

type clientOrderIDKey struct{}

// WithClientOrderID tags a placement with the local order id so a venue can
// deduplicate a retried request.
func WithClientOrderID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientOrderIDKey{}, id)
}

// ClientOrderID returns the id set by WithClientOrderID, if any.
func ClientOrderID(ctx context.Context) string {
	id, _ := ctx.Value(clientOrderIDKey{}).(string)
	return id
}
