// Package live is the signed REST adapter for the real exchange.
package live

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/pkg/exchanges/common"
)

// Config holds the venue endpoint and one user's credentials.
type Config struct {
	BaseURL     string
	Credentials common.Credentials
	Timeout     time.Duration
	QuoteAsset  string
}

// Client signs every request body with HMAC-SHA512 and maps venue replies
// onto common.Ack / TransportError / RejectError.
type Client struct {
	cfg        Config
	httpClient *http.Client
	nonces     *common.NonceSource
	limiter    *common.RateLimiter
	log        *zap.Logger
}

var _ common.Adapter = (*Client)(nil)

// New builds a client. nonces and limiter are shared across clients that use
// the same credential so nonces stay strictly increasing.
func New(cfg Config, nonces *common.NonceSource, limiter *common.RateLimiter, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "AUD"
	}
	if nonces == nil {
		nonces = common.NewNonceSource()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		nonces:     nonces,
		limiter:    limiter,
		log:        log,
	}
}

// envelope is the typed shape of every venue reply.
type envelope struct {
	Status      string              `json:"status"`
	Message     string              `json:"message"`
	ID          string              `json:"id"`
	OrderStatus string              `json:"order_status"`
	Amount      decimal.Decimal     `json:"amount"`
	Filled      decimal.Decimal     `json:"filled"`
	Rate        decimal.NullDecimal `json:"rate"`
	Balance     *struct {
		Available decimal.Decimal `json:"available"`
		Locked    decimal.Decimal `json:"locked"`
	} `json:"balance"`
}

func (c *Client) MarketBuy(ctx context.Context, asset string, quoteAmount decimal.Decimal) (*common.Ack, error) {
	return c.place(ctx, "market_buy", "/api/v2/my/buy/now", map[string]any{
		"cointype":   strings.ToUpper(asset),
		"amount":     quoteAmount.String(),
		"amounttype": strings.ToLower(c.cfg.QuoteAsset),
	})
}

func (c *Client) MarketSell(ctx context.Context, asset string, baseAmount decimal.Decimal) (*common.Ack, error) {
	return c.place(ctx, "market_sell", "/api/v2/my/sell/now", map[string]any{
		"cointype":   strings.ToUpper(asset),
		"amount":     baseAmount.String(),
		"amounttype": "coin",
	})
}

func (c *Client) LimitBuy(ctx context.Context, asset string, quoteAmount, rate decimal.Decimal) (*common.Ack, error) {
	return c.place(ctx, "limit_buy", "/api/v2/my/buy", map[string]any{
		"cointype":   strings.ToUpper(asset),
		"amount":     quoteAmount.String(),
		"amounttype": strings.ToLower(c.cfg.QuoteAsset),
		"rate":       rate.String(),
	})
}

func (c *Client) LimitSell(ctx context.Context, asset string, baseAmount, rate decimal.Decimal) (*common.Ack, error) {
	return c.place(ctx, "limit_sell", "/api/v2/my/sell", map[string]any{
		"cointype": strings.ToUpper(asset),
		"amount":   baseAmount.String(),
		"rate":     rate.String(),
	})
}

func (c *Client) Cancel(ctx context.Context, externalID string, side common.Side) (*common.Ack, error) {
	path := "/api/v2/my/buy/cancel"
	if side == common.SideSell {
		path = "/api/v2/my/sell/cancel"
	}
	env, raw, err := c.post(ctx, "cancel", path, map[string]any{"id": externalID})
	if err != nil {
		return nil, err
	}
	ack := toAck(env, raw)
	ack.ExternalOrderID = externalID
	if ack.Status == "" || ack.Status == common.StateOpen {
		ack.Status = common.StateCancelled
	}
	return ack, nil
}

func (c *Client) GetOrder(ctx context.Context, externalID string) (*common.Ack, error) {
	env, raw, err := c.post(ctx, "get_order", "/api/v2/ro/my/order", map[string]any{"id": externalID})
	if err != nil {
		return nil, err
	}
	ack := toAck(env, raw)
	if ack.ExternalOrderID == "" {
		ack.ExternalOrderID = externalID
	}
	return ack, nil
}

func (c *Client) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	asset = strings.ToUpper(asset)
	env, _, err := c.post(ctx, "get_balance", "/api/v2/ro/my/balance/"+asset, map[string]any{})
	if err != nil {
		return common.Balance{}, err
	}
	bal := common.Balance{Asset: asset}
	if env.Balance != nil {
		bal.Available = env.Balance.Available
		bal.Locked = env.Balance.Locked
	}
	return bal, nil
}

func (c *Client) place(ctx context.Context, op, path string, payload map[string]any) (*common.Ack, error) {
	if id := common.ClientOrderID(ctx); id != "" {
		payload["client_order_id"] = id
	}
	env, raw, err := c.post(ctx, op, path, payload)
	if err != nil {
		return nil, err
	}
	ack := toAck(env, raw)
	if ack.ExternalOrderID == "" {
		return nil, &common.TransportError{Op: op, Err: errors.New("reply carried no order id")}
	}
	return ack, nil
}

func toAck(env *envelope, raw []byte) *common.Ack {
	return &common.Ack{
		ExternalOrderID: env.ID,
		Status:          mapState(env.OrderStatus),
		AcceptedQty:     env.Amount,
		FilledQty:       env.Filled,
		AvgPrice:        env.Rate,
		Message:         env.Message,
		Raw:             json.RawMessage(raw),
	}
}

func mapState(s string) common.OrderState {
	switch strings.ToLower(s) {
	case "filled", "complete", "completed":
		return common.StateFilled
	case "partial", "partially_filled":
		return common.StatePartial
	case "cancelled", "canceled":
		return common.StateCancelled
	case "rejected":
		return common.StateRejected
	default:
		return common.StateOpen
	}
}

// sign returns hex(HMAC-SHA512(secret, body)).
func sign(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// post adds the nonce, signs the canonical JSON body (encoding/json sorts map
// keys) and classifies the reply.
func (c *Client) post(ctx context.Context, op, path string, payload map[string]any) (*envelope, []byte, error) {
	if c.cfg.Credentials.Key == "" || c.cfg.Credentials.Secret == "" {
		return nil, nil, &common.RejectError{Op: op, Message: "API key/secret required"}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, &common.TransportError{Op: op, Err: err}
	}

	payload["nonce"] = c.nonces.Next(c.cfg.Credentials.Key)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: encode payload: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("key", c.cfg.Credentials.Key)
	req.Header.Set("sign", sign(body, c.cfg.Credentials.Secret))

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &common.TransportError{Op: op, Err: err}
	}
	defer res.Body.Close()

	c.limiter.UpdateFromHeader(res.Header.Get("X-Used-Weight"))

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, nil, &common.TransportError{Op: op, Status: res.StatusCode, Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return nil, raw, &common.TransportError{Op: op, Status: res.StatusCode, Err: errors.New(snippet(raw))}
	case res.StatusCode >= 400:
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = snippet(raw)
		}
		return nil, raw, &common.RejectError{Op: op, Status: res.StatusCode, Message: msg}
	case decodeErr != nil:
		return nil, raw, &common.TransportError{Op: op, Status: res.StatusCode, Err: fmt.Errorf("decode reply: %w", decodeErr)}
	case strings.EqualFold(env.Status, "error"):
		return nil, raw, &common.RejectError{Op: op, Status: res.StatusCode, Message: env.Message}
	}

	c.log.Debug("exchange call ok", zap.String("op", op), zap.String("order_id", env.ID))
	return &env, raw, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		s = "empty body"
	}
	return s
}
