package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/events"
	"tradecore/internal/gateway"
	"tradecore/internal/ledger"
	"tradecore/pkg/db"
	"tradecore/pkg/exchanges/common"
)

// Gateways resolves a user's exchange adapter and tracks its health.
type Gateways interface {
	Get(ctx context.Context, userID string) (common.Adapter, error)
	RecordFailure(userID string)
	RecordSuccess(userID string)
}

// PriceSource supplies the mark used to size market buys.
type PriceSource interface {
	LastPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

// SafetyGate is the kill-switch view the executor needs.
type SafetyGate interface {
	IsStopped(ctx context.Context) bool
	Audit(ctx context.Context, action, actor, severity string, details map[string]any) error
}

// Observer receives execution metrics.
type Observer interface {
	OrderTerminal(status db.OrderStatus)
	ExchangeCall(op, outcome string, d time.Duration)
	Retry()
	SafetyRejection()
}

type nopObserver struct{}

func (nopObserver) OrderTerminal(db.OrderStatus)               {}
func (nopObserver) ExchangeCall(string, string, time.Duration) {}
func (nopObserver) Retry()                                     {}
func (nopObserver) SafetyRejection()                           {}

// Tracker follows submitted orders until they settle.
type Tracker interface {
	Track(o db.Order)
}

// Audit actions written by the executor.
const (
	ActionRejectedBySafety = "ORDER_REJECTED_BY_SAFETY"
	ActionCredentialFailed = "ORDER_CREDENTIAL_FAILED"
	ActionEmergencyCancel  = "ORDER_EMERGENCY_CANCEL"
	ActionFillOversold     = "ORDER_FILL_OVERSOLD"
)

// Config tunes retries and exchange deadlines.
type Config struct {
	RetryBase       time.Duration
	RetryCap        time.Duration
	MaxAttempts     int
	ExchangeTimeout time.Duration
}

func (c *Config) defaults() {
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 8 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = 10 * time.Second
	}
}

// Executor moves pending orders through the exchange and records fills.
// It is the only writer of order state after creation.
type Executor struct {
	db       *db.Database
	bus      *events.Bus
	gateways Gateways
	prices   PriceSource
	safety   SafetyGate
	tracker  Tracker
	obs      Observer
	onFill   func(userID string)
	cfg      Config
	log      *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewExecutor wires the executor's collaborators.
func NewExecutor(database *db.Database, bus *events.Bus, gw Gateways, prices PriceSource, safety SafetyGate, cfg Config, log *zap.Logger) *Executor {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		db:       database,
		bus:      bus,
		gateways: gw,
		prices:   prices,
		safety:   safety,
		obs:      nopObserver{},
		cfg:      cfg,
		log:      log,
		sleep:    sleepCtx,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetTracker sets who follows accepted orders (normally the Poller).
func (e *Executor) SetTracker(t Tracker) { e.tracker = t }

// SetFillHook registers fn to run after a fill changes a user's position.
func (e *Executor) SetFillHook(fn func(userID string)) { e.onFill = fn }

// SetObserver installs a metrics sink.
func (e *Executor) SetObserver(o Observer) {
	if o != nil {
		e.obs = o
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Process runs one pending order to submitted or a terminal state. Orders
// that are not pending, or already claimed by another worker, are skipped,
// so duplicate deliveries are harmless.
func (e *Executor) Process(ctx context.Context, id string) error {
	q := e.db.Queries()
	o, err := q.GetOrder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		e.log.Warn("dispatched order does not exist", zap.String("order_id", id))
		return nil
	}
	if err != nil {
		return err
	}
	if o.Status != db.StatusPending {
		e.log.Debug("skip non-pending order", zap.String("order_id", id), zap.String("status", string(o.Status)))
		return nil
	}
	claimed, err := q.ClaimPendingOrder(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	o.InFlight = true

	if e.safety.IsStopped(ctx) {
		return e.rejectBySafety(ctx, o, 0)
	}

	if common.Side(o.Side) == common.SideSell {
		if err := ledger.CheckSell(ctx, q, o.UserID, o.CoinType, o.Quantity); err != nil {
			if errors.Is(err, ledger.ErrOversell) {
				return e.fail(ctx, o, err.Error())
			}
			e.release(ctx, o)
			return err
		}
	}

	if err := e.submit(ctx, o); err != nil {
		// A still-pending order goes back to the outbox; the client order id
		// makes the resubmission idempotent at the venue.
		e.release(ctx, o)
		return err
	}
	return nil
}

func (e *Executor) submit(ctx context.Context, o *db.Order) error {
	log := e.log.With(zap.String("order_id", o.ID), zap.String("user_id", o.UserID))
	delay := e.cfg.RetryBase
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, delay); err != nil {
				// Shutting down between attempts; the order stays pending
				// and is re-dispatched on the next start.
				return err
			}
			delay *= 2
			if delay > e.cfg.RetryCap {
				delay = e.cfg.RetryCap
			}
			if e.safety.IsStopped(ctx) {
				return e.rejectBySafety(ctx, o, attempt-1)
			}
		}

		adapter, err := e.gateways.Get(ctx, o.UserID)
		if err != nil {
			if errors.Is(err, gateway.ErrGatewayUnhealthy) {
				lastErr = err
				e.obs.Retry()
				log.Warn("adapter unavailable, will retry", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			return e.failCredential(ctx, o, err)
		}

		out := e.call(ctx, adapter, o)
		switch out.Kind {
		case common.OutcomeFilled:
			e.gateways.RecordSuccess(o.UserID)
			return e.settle(ctx, o, out.Ack, db.StatusFilled)
		case common.OutcomeAccepted:
			e.gateways.RecordSuccess(o.UserID)
			return e.accepted(ctx, o, out.Ack)
		case common.OutcomeRejected:
			e.gateways.RecordSuccess(o.UserID)
			log.Info("order rejected by exchange", zap.Error(out.Err))
			return e.fail(ctx, o, common.RejectMessage(out.Err))
		case common.OutcomeTransient:
			e.gateways.RecordFailure(o.UserID)
			e.obs.Retry()
			lastErr = out.Err
			log.Warn("transient exchange failure", zap.Int("attempt", attempt), zap.Error(out.Err))
		default:
			log.Error("unexpected exchange outcome", zap.Error(out.Err))
			return e.fail(ctx, o, out.Err.Error())
		}
	}
	return e.fail(ctx, o, fmt.Sprintf("exchange unavailable after %d attempts: %v", e.cfg.MaxAttempts, lastErr))
}

// exchangeCtx detaches from caller cancellation so a started call runs to its
// own deadline; shutdown never abandons a request mid-flight.
func (e *Executor) exchangeCtx(ctx context.Context, clientID string) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if clientID != "" {
		base = common.WithClientOrderID(base, clientID)
	}
	return context.WithTimeout(base, e.cfg.ExchangeTimeout)
}

// call issues the placement matching o. Quantities are base units; buys are
// converted to quote amounts at the limit price or the current mark.
func (e *Executor) call(ctx context.Context, a common.Adapter, o *db.Order) common.Outcome {
	callCtx, cancel := e.exchangeCtx(ctx, o.ID)
	defer cancel()

	var (
		op  string
		ack *common.Ack
		err error
	)
	start := time.Now()
	side := common.Side(o.Side)
	switch {
	case side == common.SideBuy && o.OrderType == string(common.OrderTypeMarket):
		op = "market_buy"
		last, perr := e.prices.LastPrice(ctx, o.CoinType)
		if perr != nil {
			return common.Outcome{Kind: common.OutcomeRejected, Err: common.Reject(op, "no fresh price for %s", o.CoinType)}
		}
		ack, err = a.MarketBuy(callCtx, o.CoinType, o.Quantity.Mul(last).Round(pricePlaces))
	case side == common.SideSell && o.OrderType == string(common.OrderTypeMarket):
		op = "market_sell"
		ack, err = a.MarketSell(callCtx, o.CoinType, o.Quantity)
	case side == common.SideBuy:
		op = "limit_buy"
		ack, err = a.LimitBuy(callCtx, o.CoinType, o.Quantity.Mul(o.Price.Decimal).Round(pricePlaces), o.Price.Decimal)
	default:
		op = "limit_sell"
		ack, err = a.LimitSell(callCtx, o.CoinType, o.Quantity, o.Price.Decimal)
	}
	out := common.Classify(ack, err)
	e.obs.ExchangeCall(op, out.Kind.String(), time.Since(start))
	return out
}

func (e *Executor) release(ctx context.Context, o *db.Order) {
	if err := e.db.Queries().ReleaseOrder(context.WithoutCancel(ctx), o.ID); err != nil {
		e.log.Error("release order claim", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (e *Executor) rejectBySafety(ctx context.Context, o *db.Order, attempts int) error {
	e.obs.SafetyRejection()
	e.log.Error("order rejected by kill switch",
		zap.String("severity", db.SeverityCritical),
		zap.String("order_id", o.ID), zap.String("user_id", o.UserID))
	if err := e.safety.Audit(ctx, ActionRejectedBySafety, o.UserID, db.SeverityCritical, map[string]any{
		"order_id":  o.ID,
		"coin_type": o.CoinType,
		"side":      o.Side,
		"quantity":  o.Quantity.String(),
		"attempts":  attempts,
	}); err != nil {
		e.log.Error("audit safety rejection", zap.Error(err))
	}
	return e.fail(ctx, o, ErrSafetyTripped.Error())
}

func (e *Executor) failCredential(ctx context.Context, o *db.Order, cause error) error {
	if err := e.safety.Audit(ctx, ActionCredentialFailed, o.UserID, db.SeverityWarning, map[string]any{
		"order_id": o.ID,
		"error":    cause.Error(),
	}); err != nil {
		e.log.Error("audit credential failure", zap.Error(err))
	}
	return e.fail(ctx, o, "credentials: "+cause.Error())
}

// fail terminalizes an open order. A lost race is not an error.
func (e *Executor) fail(ctx context.Context, o *db.Order, msg string) error {
	from := o.Status
	o.Status = db.StatusFailed
	o.ErrorMessage = boundMessage(msg)
	o.InFlight = false
	if err := e.db.Queries().UpdateOrder(context.WithoutCancel(ctx), o, from); err != nil {
		if errors.Is(err, db.ErrStatusChanged) {
			e.log.Info("order changed before failure could be recorded", zap.String("order_id", o.ID))
			return nil
		}
		return err
	}
	e.obs.OrderTerminal(db.StatusFailed)
	emitOrderUpdate(e.bus, *o)
	return nil
}

// accepted records pending -> submitted (or partially_filled) and hands the
// order to the tracker.
func (e *Executor) accepted(ctx context.Context, o *db.Order, ack *common.Ack) error {
	next := statusFor(ack.Status, ack.FilledQty)
	if next.Terminal() {
		next = db.StatusSubmitted
	}
	if err := e.settle(ctx, o, ack, next); err != nil {
		return err
	}
	if e.tracker != nil && o.Status.Open() {
		e.tracker.Track(*o)
	}
	return nil
}

// settle applies the exchange's cumulative fill to the ledger and moves the
// order to next in one transaction, then publishes order_update followed by
// position_update. The fill delta is computed against the row as stored, so
// a caller holding an older copy of o cannot apply the same fill twice.
func (e *Executor) settle(ctx context.Context, o *db.Order, ack *common.Ack, next db.OrderStatus) error {
	ctx = context.WithoutCancel(ctx)

	// The oracle reads through its own connection, so any mark fallback is
	// fetched before the transaction takes the database.
	var (
		mark    decimal.Decimal
		markErr error
	)
	if !(ack.AvgPrice.Valid && ack.AvgPrice.Decimal.IsPositive()) && !o.Price.Valid {
		mark, markErr = e.prices.LastPrice(ctx, o.CoinType)
	}

	var (
		res     ledger.Result
		applied bool
		upd     db.Order
	)
	err := e.db.WithTx(ctx, func(tx *db.Queries) error {
		cur, err := tx.GetOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return fmt.Errorf("order %s: %w", o.ID, db.ErrStatusChanged)
		}

		filled := ack.FilledQty
		if next == db.StatusFilled && !filled.IsPositive() {
			filled = ack.AcceptedQty
			if !filled.IsPositive() {
				filled = cur.Quantity
			}
		}
		if filled.GreaterThan(cur.Quantity) {
			filled = cur.Quantity
		}
		delta := filled.Sub(cur.FilledQuantity)

		px := cur.AverageFillPrice
		switch {
		case ack.AvgPrice.Valid && ack.AvgPrice.Decimal.IsPositive():
			px = ack.AvgPrice.Decimal
		case delta.IsPositive() && cur.Price.Valid:
			px = cur.Price.Decimal
		case delta.IsPositive() && !px.IsPositive():
			if markErr != nil {
				return fmt.Errorf("no fill price for order %s: %w", o.ID, markErr)
			}
			px = mark
		}

		now := e.now()
		upd = *cur
		upd.Status = next
		upd.InFlight = false
		if ack.ExternalOrderID != "" {
			upd.ExchangeOrderID = ack.ExternalOrderID
		}
		if upd.SubmittedAt == nil && next != db.StatusFailed {
			upd.SubmittedAt = &now
		}
		if next == db.StatusFilled {
			upd.FilledAt = &now
		}
		if next == db.StatusFailed && ack.Message != "" {
			upd.ErrorMessage = boundMessage(ack.Message)
		}

		if delta.IsPositive() {
			r, err := ledger.Apply(ctx, tx, ledger.Fill{
				UserID: cur.UserID, Asset: cur.CoinType, Side: common.Side(cur.Side), Qty: delta, Price: px,
			})
			if err != nil {
				return err
			}
			res, applied = r, true
			upd.FilledQuantity = filled
			upd.AverageFillPrice = px.Round(pricePlaces)
			upd.RealizedPnL = cur.RealizedPnL.Add(r.Realized)
		}
		return tx.UpdateOrder(ctx, &upd, cur.Status)
	})
	if errors.Is(err, db.ErrStatusChanged) {
		e.log.Info("order changed concurrently, dropping update", zap.String("order_id", o.ID), zap.String("next", string(next)))
		if fresh, gerr := e.db.Queries().GetOrder(ctx, o.ID); gerr == nil {
			*o = *fresh
		}
		return nil
	}
	if errors.Is(err, ledger.ErrOversell) {
		return e.failOversold(ctx, o, err)
	}
	if err != nil {
		return err
	}

	*o = upd
	if next.Terminal() {
		e.obs.OrderTerminal(next)
	}
	emitOrderUpdate(e.bus, *o)
	if applied {
		emitPositionUpdate(e.bus, o.ID, res)
		if e.onFill != nil {
			e.onFill(o.UserID)
		}
	}
	e.log.Info("order updated",
		zap.String("order_id", o.ID), zap.String("user_id", o.UserID),
		zap.String("status", string(next)), zap.String("filled", o.FilledQuantity.String()))
	return nil
}

// failOversold terminalizes an order whose venue fill the ledger cannot
// cover. The position is left untouched and the mismatch is audited for
// manual reconciliation.
func (e *Executor) failOversold(ctx context.Context, o *db.Order, cause error) error {
	e.log.Error("fill would oversell position",
		zap.String("severity", db.SeverityCritical),
		zap.String("order_id", o.ID), zap.String("user_id", o.UserID), zap.Error(cause))
	if err := e.safety.Audit(ctx, ActionFillOversold, o.UserID, db.SeverityCritical, map[string]any{
		"order_id":          o.ID,
		"coin_type":         o.CoinType,
		"exchange_order_id": o.ExchangeOrderID,
		"error":             cause.Error(),
	}); err != nil {
		e.log.Error("audit oversold fill", zap.Error(err))
	}
	cur, err := e.db.Queries().GetOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	*o = *cur
	if o.Status.Terminal() {
		return nil
	}
	return e.fail(ctx, o, cause.Error())
}

// Refresh asks the exchange for the order's state and records any progress.
func (e *Executor) Refresh(ctx context.Context, id string) (Progress, error) {
	o, err := e.db.Queries().GetOrder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return Settled, err
	}
	if err != nil {
		return Unchanged, err
	}
	if !o.Status.Open() {
		return Settled, nil
	}
	adapter, err := e.gateways.Get(ctx, o.UserID)
	if err != nil {
		return Unchanged, err
	}
	callCtx, cancel := e.exchangeCtx(ctx, "")
	defer cancel()
	start := time.Now()
	ack, err := adapter.GetOrder(callCtx, o.ExchangeOrderID)
	e.obs.ExchangeCall("get_order", common.Classify(ack, err).Kind.String(), time.Since(start))
	if err != nil {
		e.gateways.RecordFailure(o.UserID)
		return Unchanged, err
	}
	e.gateways.RecordSuccess(o.UserID)

	next := statusFor(ack.Status, ack.FilledQty)
	if next == o.Status && !ack.FilledQty.GreaterThan(o.FilledQuantity) {
		return Unchanged, nil
	}
	if err := e.settle(ctx, o, ack, next); err != nil {
		return Unchanged, err
	}
	if o.Status.Terminal() {
		return Settled, nil
	}
	return Advanced, nil
}

// Retire cancels an order that has been open too long.
func (e *Executor) Retire(ctx context.Context, id string) error {
	o, err := e.db.Queries().GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if !o.Status.Open() {
		return nil
	}
	if _, err := e.cancelOnExchange(ctx, o); err != nil && !errors.Is(err, ErrConflict) {
		return err
	}
	return nil
}

// Cancel cancels a user's order. Pending orders are cancelled in place;
// submitted orders are cancelled on the exchange and confirmed; terminal
// orders yield ErrConflict.
func (e *Executor) Cancel(ctx context.Context, userID, id string) (*db.Order, error) {
	q := e.db.Queries()
	o, err := q.GetOrderForUser(ctx, userID, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if o.Status == db.StatusPending {
		ok, err := q.CancelPendingOrder(ctx, userID, id, "cancelled by user")
		if err != nil {
			return nil, err
		}
		if o, err = q.GetOrderForUser(ctx, userID, id); err != nil {
			return nil, err
		}
		if ok {
			e.obs.OrderTerminal(db.StatusCancelled)
			emitOrderUpdate(e.bus, *o)
			return o, nil
		}
		if o.Status == db.StatusPending {
			return o, fmt.Errorf("%w: order is being submitted", ErrConflict)
		}
	}

	if o.Status.Terminal() {
		return o, fmt.Errorf("%w: already %s", ErrConflict, o.Status)
	}
	return e.cancelOnExchange(ctx, o)
}

// cancelOnExchange asks the venue to cancel o and waits, within the exchange
// deadline, for a terminal state.
func (e *Executor) cancelOnExchange(ctx context.Context, o *db.Order) (*db.Order, error) {
	adapter, err := e.gateways.Get(ctx, o.UserID)
	if err != nil {
		return o, fmt.Errorf("%w: %v", ErrExchange, err)
	}
	callCtx, cancel := e.exchangeCtx(ctx, "")
	defer cancel()

	start := time.Now()
	ack, err := adapter.Cancel(callCtx, o.ExchangeOrderID, common.Side(o.Side))
	e.obs.ExchangeCall("cancel", common.Classify(ack, err).Kind.String(), time.Since(start))
	if err != nil {
		return o, fmt.Errorf("%w: %s", ErrExchange, common.RejectMessage(err))
	}

	for ack.Status == common.StateOpen || ack.Status == common.StatePartial {
		if err := e.sleep(callCtx, 250*time.Millisecond); err != nil {
			return o, fmt.Errorf("%w: cancel not confirmed before deadline", ErrExchange)
		}
		if ack, err = adapter.GetOrder(callCtx, o.ExchangeOrderID); err != nil {
			return o, fmt.Errorf("%w: %s", ErrExchange, common.RejectMessage(err))
		}
	}

	next := statusFor(ack.Status, ack.FilledQty)
	if err := e.settle(ctx, o, ack, next); err != nil {
		return o, err
	}
	if next != db.StatusCancelled {
		return o, fmt.Errorf("%w: already %s", ErrConflict, next)
	}
	return o, nil
}

// CancelAllOpen cancels every submitted or partially filled order, best
// effort. It returns how many were confirmed cancelled.
func (e *Executor) CancelAllOpen(ctx context.Context, reason string) (int, error) {
	open, err := e.db.Queries().ListOrdersByStatus(ctx, db.StatusSubmitted, db.StatusPartiallyFilled)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for i := range open {
		o := &open[i]
		if _, err := e.cancelOnExchange(ctx, o); err != nil {
			e.log.Warn("emergency cancel failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		if o.Status == db.StatusCancelled {
			cancelled++
		}
	}
	if len(open) > 0 {
		if err := e.safety.Audit(ctx, ActionEmergencyCancel, "system", db.SeverityWarning, map[string]any{
			"reason":    reason,
			"open":      len(open),
			"cancelled": cancelled,
		}); err != nil {
			e.log.Error("audit emergency cancel", zap.Error(err))
		}
	}
	e.log.Warn("emergency cancel sweep finished", zap.Int("open", len(open)), zap.Int("cancelled", cancelled))
	return cancelled, nil
}
