// Package db provides user-isolated database queries for multi-tenant architecture.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
	// ErrStatusChanged means a compare-and-swap lost against a concurrent writer.
	ErrStatusChanged = errors.New("order status changed concurrently")
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries provides user-isolated database queries over a pool or a transaction.
type Queries struct {
	q Querier
}

// NewQueries wraps any Querier.
func NewQueries(q Querier) *Queries {
	return &Queries{q: q}
}

func utcNow() time.Time { return time.Now().UTC() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// ----------------------------------------
// Order Queries
// ----------------------------------------

const orderColumns = `id, user_id, COALESCE(algorithm_id, ''), coin_type, side, order_type,
	quantity, price, filled_quantity, average_fill_price, realized_pnl, status,
	error_message, exchange_order_id, in_flight, created_at, updated_at, submitted_at, filled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (Order, error) {
	var (
		o         Order
		status    string
		inFlight  int
		submitted sql.NullTime
		filled    sql.NullTime
	)
	if err := r.Scan(&o.ID, &o.UserID, &o.AlgorithmID, &o.CoinType, &o.Side, &o.OrderType,
		&o.Quantity, &o.Price, &o.FilledQuantity, &o.AverageFillPrice, &o.RealizedPnL, &status,
		&o.ErrorMessage, &o.ExchangeOrderID, &inFlight, &o.CreatedAt, &o.UpdatedAt, &submitted, &filled); err != nil {
		return Order{}, err
	}
	o.Status = OrderStatus(status)
	o.InFlight = inFlight != 0
	o.SubmittedAt = timePtr(submitted)
	o.FilledAt = timePtr(filled)
	return o, nil
}

func collectOrders(rows *sql.Rows) ([]Order, error) {
	defer rows.Close()
	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// InsertOrder stores a new order. Empty ID and zero timestamps are filled in.
func (q *Queries) InsertOrder(ctx context.Context, o *Order) error {
	if o.UserID == "" {
		return ErrUserIDRequired
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := utcNow()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = o.CreatedAt
	if o.Status == "" {
		o.Status = StatusPending
	}

	_, err := q.q.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, algorithm_id, coin_type, side, order_type, quantity, price,
			filled_quantity, average_fill_price, realized_pnl, status, error_message,
			exchange_order_id, in_flight, created_at, updated_at, submitted_at, filled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, o.ID, o.UserID, nullString(o.AlgorithmID), o.CoinType, o.Side, o.OrderType, o.Quantity, o.Price,
		o.FilledQuantity, o.AverageFillPrice, o.RealizedPnL, string(o.Status), o.ErrorMessage,
		o.ExchangeOrderID, o.CreatedAt.UTC(), o.UpdatedAt.UTC(), nullTime(o.SubmittedAt), nullTime(o.FilledAt))
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder loads an order by id regardless of owner. Used by the executor.
func (q *Queries) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// GetOrderForUser returns an order by ID, verifying user ownership.
func (q *Queries) GetOrderForUser(ctx context.Context, userID, id string) (*Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := q.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ? AND user_id = ?`, id, userID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// ListOrdersByUser returns a user's orders newest first.
func (q *Queries) ListOrdersByUser(ctx context.Context, userID string, skip, limit int) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	if skip < 0 {
		skip = 0
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, userID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	return collectOrders(rows)
}

// ListOrdersByStatus returns every order in one of statuses, oldest first.
func (q *Queries) ListOrdersByStatus(ctx context.Context, statuses ...OrderStatus) ([]Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN (`+placeholders+`)
		ORDER BY created_at ASC, rowid ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders by status: %w", err)
	}
	return collectOrders(rows)
}

// ListOpenOrdersByUser returns a user's pending and resting orders.
func (q *Queries) ListOpenOrdersByUser(ctx context.Context, userID string) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = ? AND status IN ('pending', 'submitted', 'partially_filled')
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	return collectOrders(rows)
}

// ListOpenSellsByAsset returns a user's resting sell orders for coin.
func (q *Queries) ListOpenSellsByAsset(ctx context.Context, userID, coin string) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = ? AND coin_type = ? AND side = 'sell'
			AND status IN ('submitted', 'partially_filled')
	`, userID, coin)
	if err != nil {
		return nil, fmt.Errorf("query open sells: %w", err)
	}
	return collectOrders(rows)
}

// ClaimPendingOrder marks a pending order as picked up by a worker.
// It returns false when the order is no longer pending or already claimed.
func (q *Queries) ClaimPendingOrder(ctx context.Context, id string) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE orders SET in_flight = 1, updated_at = ?
		WHERE id = ? AND status = 'pending' AND in_flight = 0
	`, utcNow(), id)
	if err != nil {
		return false, fmt.Errorf("claim order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelPendingOrder cancels a pending order that no worker has claimed.
// It returns false when the order moved on or is being submitted.
func (q *Queries) CancelPendingOrder(ctx context.Context, userID, id, reason string) (bool, error) {
	if userID == "" {
		return false, ErrUserIDRequired
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE orders SET status = 'cancelled', error_message = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND status = 'pending' AND in_flight = 0
	`, reason, utcNow(), id, userID)
	if err != nil {
		return false, fmt.Errorf("cancel pending order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseOrder clears the worker claim on a still-pending order.
func (q *Queries) ReleaseOrder(ctx context.Context, id string) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE orders SET in_flight = 0, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, utcNow(), id)
	if err != nil {
		return fmt.Errorf("release order: %w", err)
	}
	return nil
}

// ReleaseAllPendingClaims clears claims left by a crashed process. Returns rows touched.
func (q *Queries) ReleaseAllPendingClaims(ctx context.Context) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE orders SET in_flight = 0, updated_at = ?
		WHERE status = 'pending' AND in_flight = 1
	`, utcNow())
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	return res.RowsAffected()
}

// UpdateOrder persists o only if the stored status still equals from.
// Terminal rows are never rewritten; ErrStatusChanged reports a lost race.
func (q *Queries) UpdateOrder(ctx context.Context, o *Order, from OrderStatus) error {
	if from.Terminal() {
		return fmt.Errorf("order %s: %w", o.ID, ErrStatusChanged)
	}
	o.UpdatedAt = utcNow()
	inFlight := 0
	if o.InFlight {
		inFlight = 1
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE orders SET
			status = ?, filled_quantity = ?, average_fill_price = ?, realized_pnl = ?,
			error_message = ?, exchange_order_id = ?, in_flight = ?,
			updated_at = ?, submitted_at = ?, filled_at = ?
		WHERE id = ? AND status = ?
	`, string(o.Status), o.FilledQuantity, o.AverageFillPrice, o.RealizedPnL,
		o.ErrorMessage, o.ExchangeOrderID, inFlight,
		o.UpdatedAt, nullTime(o.SubmittedAt), nullTime(o.FilledAt),
		o.ID, string(from))
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("order %s: %w", o.ID, ErrStatusChanged)
	}
	return nil
}

// OrderStatsByUser counts a user's orders and closed-trade outcomes.
func (q *Queries) OrderStatsByUser(ctx context.Context, userID string) (OrderStats, error) {
	var st OrderStats
	if userID == "" {
		return st, ErrUserIDRequired
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT side, status, filled_quantity, realized_pnl FROM orders WHERE user_id = ?
	`, userID)
	if err != nil {
		return st, fmt.Errorf("query order stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			side, status string
			filled, pnl  decimal.Decimal
		)
		if err := rows.Scan(&side, &status, &filled, &pnl); err != nil {
			return st, fmt.Errorf("scan order stats: %w", err)
		}
		st.Total++
		switch OrderStatus(status) {
		case StatusFilled:
			st.Filled++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
		// A sell with any fill closed some exposure.
		if side == "sell" && filled.IsPositive() {
			st.Sells++
			switch {
			case pnl.IsPositive():
				st.Wins++
			case pnl.IsNegative():
				st.Losses++
			}
		}
	}
	return st, rows.Err()
}

// ----------------------------------------
// Position Queries
// ----------------------------------------

const positionColumns = `id, user_id, coin_type, quantity, average_price, total_cost, created_at, updated_at`

func scanPosition(r rowScanner) (Position, error) {
	var p Position
	err := r.Scan(&p.ID, &p.UserID, &p.CoinType, &p.Quantity, &p.AveragePrice, &p.TotalCost, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func collectPositions(rows *sql.Rows) ([]Position, error) {
	defer rows.Close()
	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetPosition returns the user's position in coin or ErrNotFound.
func (q *Queries) GetPosition(ctx context.Context, userID, coin string) (*Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := q.q.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE user_id = ? AND coin_type = ?`, userID, coin)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	return &p, nil
}

// UpsertPosition creates or updates a position for a user.
func (q *Queries) UpsertPosition(ctx context.Context, p *Position) error {
	if p.UserID == "" {
		return ErrUserIDRequired
	}
	now := utcNow()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO positions (id, user_id, coin_type, quantity, average_price, total_cost, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, coin_type) DO UPDATE SET
			quantity = excluded.quantity,
			average_price = excluded.average_price,
			total_cost = excluded.total_cost,
			updated_at = excluded.updated_at
	`, p.ID, p.UserID, p.CoinType, p.Quantity, p.AveragePrice, p.TotalCost, p.CreatedAt.UTC(), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// DeletePosition removes a closed position.
func (q *Queries) DeletePosition(ctx context.Context, userID, coin string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	if _, err := q.q.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ? AND coin_type = ?`, userID, coin); err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// GetPositionsByUser returns all positions for a specific user.
func (q *Queries) GetPositionsByUser(ctx context.Context, userID string) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.q.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE user_id = ? ORDER BY coin_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	return collectPositions(rows)
}

// ListAllPositions returns every open position across users.
func (q *Queries) ListAllPositions(ctx context.Context) ([]Position, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY user_id, coin_type`)
	if err != nil {
		return nil, fmt.Errorf("query all positions: %w", err)
	}
	return collectPositions(rows)
}

// ----------------------------------------
// Realized P&L Queries
// ----------------------------------------

// AddRealizedPnL accumulates delta into the user's realized P&L for coin.
func (q *Queries) AddRealizedPnL(ctx context.Context, userID, coin string, delta decimal.Decimal) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	var current decimal.Decimal
	err := q.q.QueryRowContext(ctx, `SELECT amount FROM realized_pnl WHERE user_id = ? AND coin_type = ?`, userID, coin).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query realized pnl: %w", err)
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO realized_pnl (user_id, coin_type, amount, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, coin_type) DO UPDATE SET
			amount = excluded.amount,
			updated_at = excluded.updated_at
	`, userID, coin, current.Add(delta), utcNow())
	if err != nil {
		return fmt.Errorf("upsert realized pnl: %w", err)
	}
	return nil
}

// RealizedPnLByUser returns accumulated realized P&L per coin.
func (q *Queries) RealizedPnLByUser(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.q.QueryContext(ctx, `SELECT coin_type, amount FROM realized_pnl WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query realized pnl: %w", err)
	}
	defer rows.Close()
	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			coin   string
			amount decimal.Decimal
		)
		if err := rows.Scan(&coin, &amount); err != nil {
			return nil, fmt.Errorf("scan realized pnl: %w", err)
		}
		out[coin] = amount
	}
	return out, rows.Err()
}

// ----------------------------------------
// Audit Queries
// ----------------------------------------

// AppendAudit writes one audit row and sets e.ID.
func (q *Queries) AppendAudit(ctx context.Context, e *AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = utcNow()
	}
	if e.Details == "" {
		e.Details = "{}"
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO audit_log (created_at, action, actor, severity, details)
		VALUES (?, ?, ?, ?, ?)
	`, e.CreatedAt.UTC(), e.Action, e.Actor, e.Severity, e.Details)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListAudit returns audit rows newest first, optionally filtered by action.
func (q *Queries) ListAudit(ctx context.Context, action string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, created_at, action, actor, severity, details
		FROM audit_log
		WHERE (? = '' OR action = ?)
		ORDER BY id DESC
		LIMIT ?
	`, action, action, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.Action, &e.Actor, &e.Severity, &e.Details); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountAudit counts rows with the given action.
func (q *Queries) CountAudit(ctx context.Context, action string) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE action = ?`, action).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}

// ----------------------------------------
// Price Queries
// ----------------------------------------

// InsertPrice records an observed quote.
func (q *Queries) InsertPrice(ctx context.Context, p PriceSnapshot) error {
	if p.TS.IsZero() {
		p.TS = utcNow()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO price_snapshots (coin_type, ts_ms, bid, ask, last) VALUES (?, ?, ?, ?, ?)
	`, p.CoinType, p.TS.UnixMilli(), p.Bid, p.Ask, p.Last)
	if err != nil {
		return fmt.Errorf("insert price: %w", err)
	}
	return nil
}

// LatestPrice returns the newest snapshot for coin observed at or after since.
func (q *Queries) LatestPrice(ctx context.Context, coin string, since time.Time) (*PriceSnapshot, error) {
	var (
		p  PriceSnapshot
		ts int64
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT coin_type, ts_ms, bid, ask, last
		FROM price_snapshots
		WHERE coin_type = ? AND ts_ms >= ?
		ORDER BY ts_ms DESC
		LIMIT 1
	`, coin, since.UnixMilli()).Scan(&p.CoinType, &ts, &p.Bid, &p.Ask, &p.Last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query price: %w", err)
	}
	p.TS = time.UnixMilli(ts).UTC()
	return &p, nil
}

// PrunePrices drops snapshots older than before.
func (q *Queries) PrunePrices(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM price_snapshots WHERE ts_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune prices: %w", err)
	}
	return res.RowsAffected()
}

// ----------------------------------------
// Credential Queries (encrypted at rest)
// ----------------------------------------

// UpsertCredential stores an encrypted key pair for a user.
func (q *Queries) UpsertCredential(ctx context.Context, c Credential) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO credentials (user_id, api_key_encrypted, api_secret_encrypted, key_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			api_key_encrypted = excluded.api_key_encrypted,
			api_secret_encrypted = excluded.api_secret_encrypted,
			key_id = excluded.key_id,
			updated_at = excluded.updated_at
	`, c.UserID, c.APIKeyEncrypted, c.APISecretEncrypted, c.KeyID, utcNow())
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// GetCredential returns the encrypted key pair for a user or ErrNotFound.
func (q *Queries) GetCredential(ctx context.Context, userID string) (*Credential, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var c Credential
	err := q.q.QueryRowContext(ctx, `
		SELECT user_id, api_key_encrypted, api_secret_encrypted, key_id, updated_at
		FROM credentials WHERE user_id = ?
	`, userID).Scan(&c.UserID, &c.APIKeyEncrypted, &c.APISecretEncrypted, &c.KeyID, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &c, nil
}

// ----------------------------------------
// Outbox Queries
// ----------------------------------------

// EnqueueOutbox records an order id for dispatch. Call it in the transaction
// that inserts the order.
func (q *Queries) EnqueueOutbox(ctx context.Context, orderID string) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO order_outbox (order_id, enqueued_ms, claimed_ms, attempts)
		VALUES (?, ?, 0, 0)
		ON CONFLICT(order_id) DO UPDATE SET claimed_ms = 0
	`, orderID, utcNow().UnixMilli())
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// ClaimOutbox marks up to limit unclaimed (or claim-expired) ids as claimed
// and returns them in enqueue order.
func (q *Queries) ClaimOutbox(ctx context.Context, limit int, claimTTL time.Duration) ([]string, error) {
	now := utcNow().UnixMilli()
	expired := now - claimTTL.Milliseconds()
	rows, err := q.q.QueryContext(ctx, `
		SELECT order_id FROM order_outbox
		WHERE claimed_ms = 0 OR claimed_ms < ?
		ORDER BY enqueued_ms ASC, rowid ASC
		LIMIT ?
	`, expired, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claimed := ids[:0]
	for _, id := range ids {
		res, err := q.q.ExecContext(ctx, `
			UPDATE order_outbox SET claimed_ms = ?, attempts = attempts + 1
			WHERE order_id = ? AND (claimed_ms = 0 OR claimed_ms < ?)
		`, now, id, expired)
		if err != nil {
			return claimed, fmt.Errorf("claim outbox %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

// CompleteOutbox removes a dispatched id.
func (q *Queries) CompleteOutbox(ctx context.Context, orderID string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM order_outbox WHERE order_id = ?`, orderID); err != nil {
		return fmt.Errorf("complete outbox: %w", err)
	}
	return nil
}

// ReleaseOutbox makes a claimed id eligible for dispatch again.
func (q *Queries) ReleaseOutbox(ctx context.Context, orderID string) error {
	if _, err := q.q.ExecContext(ctx, `UPDATE order_outbox SET claimed_ms = 0 WHERE order_id = ?`, orderID); err != nil {
		return fmt.Errorf("release outbox: %w", err)
	}
	return nil
}

// ReleaseAllOutboxClaims resets every claim; used at startup.
func (q *Queries) ReleaseAllOutboxClaims(ctx context.Context) (int64, error) {
	res, err := q.q.ExecContext(ctx, `UPDATE order_outbox SET claimed_ms = 0 WHERE claimed_ms <> 0`)
	if err != nil {
		return 0, fmt.Errorf("release outbox claims: %w", err)
	}
	return res.RowsAffected()
}

// OutboxDepth counts undelivered ids.
func (q *Queries) OutboxDepth(ctx context.Context) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}
