package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/events"
	"tradecore/internal/monitor"
	"tradecore/internal/order"
	"tradecore/internal/pnl"
	"tradecore/internal/pricing"
	"tradecore/internal/safety"
	"tradecore/pkg/db"
	"tradecore/pkg/exchanges/common"
)

// OrderIntake accepts new orders.
type OrderIntake interface {
	Submit(ctx context.Context, r order.Request) (*db.Order, error)
}

// OrderCanceller cancels a user's order.
type OrderCanceller interface {
	Cancel(ctx context.Context, userID, id string) (*db.Order, error)
}

// SafetyControl is the operator surface of the kill switch.
type SafetyControl interface {
	Status(ctx context.Context) (safety.Flag, error)
	Activate(ctx context.Context, actor, reason string) (safety.Flag, error)
	Clear(ctx context.Context, actor, reason string) (safety.Flag, error)
	BaselineEquity(ctx context.Context) (decimal.Decimal, bool, error)
	ResetBaseline(ctx context.Context, actor string) error
	Ping(ctx context.Context) error
}

// PnLSource serves cached P&L snapshots.
type PnLSource interface {
	Get(ctx context.Context, userID string) (pnl.Snapshot, error)
}

// CredentialStore persists exchange API keys.
type CredentialStore interface {
	Put(ctx context.Context, userID string, c common.Credentials) error
}

// GatewayEvictor drops a cached adapter so new credentials take effect.
type GatewayEvictor interface {
	Remove(userID string)
}

// PriceRecorder ingests a price snapshot.
type PriceRecorder interface {
	Record(ctx context.Context, q pricing.Quote) error
}

// SystemMeta describes runtime status exposed on /health.
type SystemMeta struct {
	PaperTrading bool   `json:"paper_trading"`
	QuoteAsset   string `json:"quote_asset"`
	Version      string `json:"version"`
}

// Deps are the components the HTTP layer fronts. Optional fields may be nil;
// the routes that need them answer 503.
type Deps struct {
	Bus         *events.Bus
	DB          *db.Database
	Orders      OrderIntake
	Cancels     OrderCanceller
	Safety      SafetyControl
	PnL         PnLSource
	Credentials CredentialStore
	Gateways    GatewayEvictor
	Prices      PriceRecorder
	Metrics     *monitor.SystemMetrics
	Meta        SystemMeta
	JWTSecret   string
	Log         *zap.Logger
}

// Server wires HTTP endpoints around the execution core.
type Server struct {
	Deps
	Router *gin.Engine

	startedAt time.Time
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(RecoveryMiddleware(d.Log))
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(d.Log))
	r.Use(RateLimitMiddleware(20, 50, d.Log))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{Deps: d, Router: r, startedAt: time.Now().UTC()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", AuthMiddleware(s.JWTSecret), s.websocket)

	trading := s.Router.Group("/trading")
	trading.Use(AuthMiddleware(s.JWTSecret))
	{
		trading.POST("/orders", s.createOrder)
		trading.GET("/orders", s.getOrders)
		trading.GET("/orders/:id", s.getOrder)
		trading.DELETE("/orders/:id", s.cancelOrder)
		trading.GET("/positions", s.getPositions)
		trading.GET("/pnl", s.getPnL)
		trading.PUT("/credentials", s.putCredentials)
	}

	admin := s.Router.Group("/admin")
	admin.Use(AuthMiddleware(s.JWTSecret), RequireSuperuser())
	{
		admin.POST("/emergency-stop/activate", s.activateEmergencyStop)
		admin.POST("/emergency-stop/clear", s.clearEmergencyStop)
		admin.GET("/emergency-stop/status", s.emergencyStopStatus)
		admin.GET("/hard-stop/baseline", s.getBaseline)
		admin.DELETE("/hard-stop/baseline", s.resetBaseline)
		admin.GET("/audit", s.getAudit)
		admin.POST("/prices", s.recordPrice)
	}
}

func (s *Server) health(c *gin.Context) {
	ctx := c.Request.Context()
	resp := gin.H{
		"status":         "ok",
		"meta":           s.Meta,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}
	code := http.StatusOK
	if s.Safety != nil {
		if err := s.Safety.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["keystore_error"] = err.Error()
			code = http.StatusServiceUnavailable
		} else if flag, err := s.Safety.Status(ctx); err == nil {
			resp["kill_switch"] = flag
		}
	}
	if s.Metrics != nil {
		resp["metrics"] = s.Metrics.GetSnapshot()
	}
	c.JSON(code, resp)
}

// Handler exposes the router for embedding in an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }

// Start serves on addr until ctx ends, then drains for up to grace.
func (s *Server) Start(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
