package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/order"
	"tradecore/internal/pricing"
	"tradecore/pkg/crypto"
	"tradecore/pkg/db"
	"tradecore/pkg/exchanges/common"
)

type listOrdersQuery struct {
	Skip  int `form:"skip"`
	Limit int `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	if q.Skip < 0 {
		q.Skip = 0
	}
}

type auditQuery struct {
	Action string `form:"action"`
	Limit  int    `form:"limit"`
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

type credentialsRequest struct {
	APIKey    string `json:"api_key" binding:"required,min=1"`
	APISecret string `json:"api_secret" binding:"required,min=1"`
}

type priceRequest struct {
	CoinType string          `json:"coin_type" binding:"required"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	Last     decimal.Decimal `json:"last"`
}

// respondError writes the standard error body.
func respondError(c *gin.Context, status int, code, msg, detail string) {
	c.JSON(status, gin.H{
		"message":    msg,
		"detail":     detail,
		"error_code": code,
	})
}

func abortError(c *gin.Context, status int, code, msg, detail string) {
	respondError(c, status, code, msg, detail)
	c.Abort()
}

// respondOrderError maps order-core errors onto HTTP statuses.
func (s *Server) respondOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrInvalidOrder):
		respondError(c, http.StatusBadRequest, "INVALID_ORDER", "invalid order", err.Error())
	case errors.Is(err, order.ErrNotFound), errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", "")
	case errors.Is(err, order.ErrConflict):
		respondError(c, http.StatusConflict, "CONFLICT", "order cannot be changed", err.Error())
	case errors.Is(err, order.ErrShuttingDown):
		respondError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", "order intake closed", "")
	case errors.Is(err, order.ErrExchange):
		respondError(c, http.StatusBadGateway, "EXCHANGE_ERROR", "exchange call failed", err.Error())
	default:
		s.Log.Error("order request failed", zap.Error(err), zap.String("request_id", c.GetString("RequestID")))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", "")
	}
}

func (s *Server) unavailable(c *gin.Context, what string) {
	respondError(c, http.StatusServiceUnavailable, "UNAVAILABLE", what+" not available", "")
}

func (s *Server) createOrder(c *gin.Context) {
	if s.Orders == nil {
		s.unavailable(c, "order intake")
		return
	}
	var req order.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload", err.Error())
		return
	}
	req.UserID = CurrentUserID(c)

	o, err := s.Orders.Submit(c.Request.Context(), req)
	if err != nil {
		s.respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query", err.Error())
		return
	}
	q.normalize()

	orders, err := s.DB.Queries().ListOrdersByUser(c.Request.Context(), CurrentUserID(c), q.Skip, q.Limit)
	if err != nil {
		s.respondOrderError(c, err)
		return
	}
	if orders == nil {
		orders = []db.Order{}
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.DB.Queries().GetOrderForUser(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		s.respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) cancelOrder(c *gin.Context) {
	if s.Cancels == nil {
		s.unavailable(c, "order cancellation")
		return
	}
	o, err := s.Cancels.Cancel(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		s.respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.DB.Queries().GetPositionsByUser(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.respondOrderError(c, err)
		return
	}
	if positions == nil {
		positions = []db.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getPnL(c *gin.Context) {
	if s.PnL == nil {
		s.unavailable(c, "pnl")
		return
	}
	snap, err := s.PnL.Get(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) putCredentials(c *gin.Context) {
	if s.Credentials == nil {
		s.unavailable(c, "credential store")
		return
	}
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "api_key and api_secret are required", "")
		return
	}
	uid := CurrentUserID(c)
	creds := common.Credentials{Key: strings.TrimSpace(req.APIKey), Secret: strings.TrimSpace(req.APISecret)}
	if err := s.Credentials.Put(c.Request.Context(), uid, creds); err != nil {
		s.Log.Error("store credentials", zap.String("user_id", uid), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to store credentials", "")
		return
	}
	if s.Gateways != nil {
		s.Gateways.Remove(uid)
	}
	c.JSON(http.StatusOK, gin.H{"api_key": crypto.Mask(creds.Key)})
}

func (s *Server) activateEmergencyStop(c *gin.Context) {
	s.toggleEmergencyStop(c, true)
}

func (s *Server) clearEmergencyStop(c *gin.Context) {
	s.toggleEmergencyStop(c, false)
}

func (s *Server) toggleEmergencyStop(c *gin.Context, activate bool) {
	if s.Safety == nil {
		s.unavailable(c, "safety registry")
		return
	}
	var req emergencyStopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload", err.Error())
			return
		}
	}
	actor := CurrentUserID(c)
	ctx := c.Request.Context()

	set := s.Safety.Clear
	if activate {
		set = s.Safety.Activate
		if req.Reason == "" {
			req.Reason = "manual activation"
		}
	} else if req.Reason == "" {
		req.Reason = "manual clear"
	}
	flag, err := set(ctx, actor, req.Reason)
	if err != nil {
		s.Log.Error("emergency stop toggle failed", zap.Bool("activate", activate), zap.Error(err))
		respondError(c, http.StatusServiceUnavailable, "KEYSTORE_UNAVAILABLE", "could not update emergency stop", err.Error())
		return
	}
	c.JSON(http.StatusOK, flag)
}

func (s *Server) emergencyStopStatus(c *gin.Context) {
	if s.Safety == nil {
		s.unavailable(c, "safety registry")
		return
	}
	flag, err := s.Safety.Status(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "KEYSTORE_UNAVAILABLE", "could not read emergency stop", err.Error())
		return
	}
	c.JSON(http.StatusOK, flag)
}

func (s *Server) getBaseline(c *gin.Context) {
	if s.Safety == nil {
		s.unavailable(c, "safety registry")
		return
	}
	v, ok, err := s.Safety.BaselineEquity(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "KEYSTORE_UNAVAILABLE", "could not read baseline", err.Error())
		return
	}
	resp := gin.H{"set": ok, "baseline_equity": nil}
	if ok {
		resp["baseline_equity"] = v
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) resetBaseline(c *gin.Context) {
	if s.Safety == nil {
		s.unavailable(c, "safety registry")
		return
	}
	if err := s.Safety.ResetBaseline(c.Request.Context(), CurrentUserID(c)); err != nil {
		respondError(c, http.StatusServiceUnavailable, "KEYSTORE_UNAVAILABLE", "could not reset baseline", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getAudit(c *gin.Context) {
	var q auditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query", err.Error())
		return
	}
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 100
	}
	rows, err := s.DB.Queries().ListAudit(c.Request.Context(), q.Action, q.Limit)
	if err != nil {
		s.respondOrderError(c, err)
		return
	}
	if rows == nil {
		rows = []db.AuditEvent{}
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) recordPrice(c *gin.Context) {
	if s.Prices == nil {
		s.unavailable(c, "price oracle")
		return
	}
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload", err.Error())
		return
	}
	if !req.Last.IsPositive() {
		respondError(c, http.StatusBadRequest, "INVALID_PRICE", "last must be positive", "")
		return
	}
	q := pricing.Quote{
		Asset: strings.ToUpper(req.CoinType),
		Bid:   req.Bid,
		Ask:   req.Ask,
		Last:  req.Last,
		TS:    time.Now().UTC(),
	}
	if err := s.Prices.Record(c.Request.Context(), q); err != nil {
		s.respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, q)
}
