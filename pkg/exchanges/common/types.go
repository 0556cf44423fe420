package common

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide normalizes user input; ok is false for anything but buy/sell.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	}
	return "", false
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// ParseOrderType normalizes user input.
func ParseOrderType(s string) (OrderType, bool) {
	switch OrderType(strings.ToLower(strings.TrimSpace(s))) {
	case OrderTypeMarket:
		return OrderTypeMarket, true
	case OrderTypeLimit:
		return OrderTypeLimit, true
	}
	return "", false
}

// OrderState normalizes exchange status into a small set.
type OrderState string

const (
	StateOpen      OrderState = "open"
	StatePartial   OrderState = "partial"
	StateFilled    OrderState = "filled"
	StateCancelled OrderState = "cancelled"
	StateRejected  OrderState = "rejected"
)

// Credentials is a decrypted API key pair. Never log it.
type Credentials struct {
	Key    string
	Secret string
}

// Ack is the typed result of any order call. FilledQty and AvgPrice are
// cumulative for the order; Raw keeps the venue's body for debugging.
type Ack struct {
	ExternalOrderID string              `json:"external_order_id"`
	Status          OrderState          `json:"status"`
	AcceptedQty     decimal.Decimal     `json:"accepted_qty"`
	FilledQty       decimal.Decimal     `json:"filled_qty"`
	AvgPrice        decimal.NullDecimal `json:"accepted_price"`
	Message         string              `json:"message,omitempty"`
	Raw             json.RawMessage     `json:"raw,omitempty"`
}

// Balance is one asset balance on the venue.
type Balance struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Total is available plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}
