package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order row.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusSubmitted       OrderStatus = "submitted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusFailed          OrderStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusFailed
}

// Open reports whether the order rests on the exchange.
func (s OrderStatus) Open() bool {
	return s == StatusSubmitted || s == StatusPartiallyFilled
}

// Order represents a trading order stored in the DB.
// Quantity and FilledQuantity are in base-asset units.
type Order struct {
	ID               string              `json:"id"`
	UserID           string              `json:"user_id"`
	AlgorithmID      string              `json:"algorithm_id,omitempty"`
	CoinType         string              `json:"coin_type"`
	Side             string              `json:"side"`
	OrderType        string              `json:"order_type"`
	Quantity         decimal.Decimal     `json:"quantity"`
	Price            decimal.NullDecimal `json:"price"`
	FilledQuantity   decimal.Decimal     `json:"filled_quantity"`
	AverageFillPrice decimal.Decimal     `json:"average_fill_price"`
	RealizedPnL      decimal.Decimal     `json:"realized_pnl"`
	Status           OrderStatus         `json:"status"`
	ErrorMessage     string              `json:"error_message,omitempty"`
	ExchangeOrderID  string              `json:"exchange_order_id,omitempty"`
	InFlight         bool                `json:"-"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	SubmittedAt      *time.Time          `json:"submitted_at,omitempty"`
	FilledAt         *time.Time          `json:"filled_at,omitempty"`
}

// Remaining is the unfilled base quantity.
func (o Order) Remaining() decimal.Decimal {
	r := o.Quantity.Sub(o.FilledQuantity)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Position is the net spot holding of one asset for one user.
type Position struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	CoinType     string          `json:"coin_type"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Audit severities.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// AuditEvent is an append-only audit_log row. Details holds a JSON object.
type AuditEvent struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Severity  string    `json:"severity"`
	Details   string    `json:"details"`
}

// PriceSnapshot is one observed quote for an asset.
type PriceSnapshot struct {
	CoinType string          `json:"coin_type"`
	TS       time.Time       `json:"ts"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	Last     decimal.Decimal `json:"last"`
}

// Credential holds a user's encrypted exchange API key pair.
type Credential struct {
	UserID             string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyID              int
	UpdatedAt          time.Time
}

// OrderStats aggregates a user's order history.
type OrderStats struct {
	Total     int `json:"total_orders"`
	Filled    int `json:"filled_orders"`
	Failed    int `json:"failed_orders"`
	Cancelled int `json:"cancelled_orders"`
	Sells     int `json:"closed_trades"`
	Wins      int `json:"winning_trades"`
	Losses    int `json:"losing_trades"`
}
