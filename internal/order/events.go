package order

import (
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/events"
	"tradecore/internal/ledger"
	"tradecore/pkg/db"
)

// PositionUpdate is the position_update payload.
type PositionUpdate struct {
	UserID       string          `json:"user_id"`
	OrderID      string          `json:"order_id"`
	CoinType     string          `json:"coin_type"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	Closed       bool            `json:"closed"`
	Time         time.Time       `json:"time"`
}

func emitOrderUpdate(bus *events.Bus, o db.Order) {
	if bus == nil {
		return
	}
	bus.Publish(events.UserChannel(o.UserID), events.Event{Type: events.TypeOrderUpdate, Data: o})
}

func emitPositionUpdate(bus *events.Bus, orderID string, res ledger.Result) {
	if bus == nil {
		return
	}
	p := res.Position
	bus.Publish(events.UserChannel(p.UserID), events.Event{Type: events.TypePositionUpdate, Data: PositionUpdate{
		UserID:       p.UserID,
		OrderID:      orderID,
		CoinType:     p.CoinType,
		Quantity:     p.Quantity,
		AveragePrice: p.AveragePrice,
		TotalCost:    p.TotalCost,
		RealizedPnL:  res.Realized,
		Closed:       res.Closed,
		Time:         time.Now().UTC(),
	}})
}
