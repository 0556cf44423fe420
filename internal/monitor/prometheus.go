package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"tradecore/pkg/db"
)

var (
	ordersTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_orders_terminal_total",
			Help: "Orders that reached a terminal state",
		},
		[]string{"status"},
	)

	exchangeCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_exchange_calls_total",
			Help: "Exchange calls by operation and classified outcome",
		},
		[]string{"op", "outcome"},
	)

	exchangeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradecore_exchange_call_duration_seconds",
			Help:    "Exchange call latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"op"},
	)

	orderRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradecore_order_retries_total",
			Help: "Transient exchange failures that were retried",
		},
	)

	safetyRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradecore_safety_rejections_total",
			Help: "Orders failed because the kill switch was active",
		},
	)

	hardStopTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradecore_hard_stop_trips_total",
			Help: "Hard-stop activations",
		},
	)

	killSwitchActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_kill_switch_active",
			Help: "1 while the emergency stop is set",
		},
	)

	equityGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_equity",
			Help: "Aggregate marked equity seen by the hard-stop watcher",
		},
	)

	baselineGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_baseline_equity",
			Help: "Hard-stop baseline equity",
		},
	)

	runtimeGauges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradecore_runtime",
			Help: "Sampled runtime state: in-flight orders, queue depth, bus and adapter pool",
		},
		[]string{"metric"},
	)
)

// Recorder exports executor and watcher activity to Prometheus. The zero
// value is ready to use.
type Recorder struct{}

func (Recorder) OrderTerminal(status db.OrderStatus) {
	ordersTerminal.WithLabelValues(string(status)).Inc()
}

func (Recorder) ExchangeCall(op, outcome string, d time.Duration) {
	exchangeCalls.WithLabelValues(op, outcome).Inc()
	exchangeDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (Recorder) Retry() { orderRetries.Inc() }

func (Recorder) SafetyRejection() { safetyRejections.Inc() }

func (Recorder) HardStopTrip() { hardStopTrips.Inc() }

func (Recorder) Equity(equity, baseline decimal.Decimal) {
	equityGauge.Set(equity.InexactFloat64())
	baselineGauge.Set(baseline.InexactFloat64())
}

// KillSwitch mirrors the emergency stop flag.
func (Recorder) KillSwitch(active bool) {
	if active {
		killSwitchActive.Set(1)
		return
	}
	killSwitchActive.Set(0)
}

func setRuntime(metric string, v float64) {
	runtimeGauges.WithLabelValues(metric).Set(v)
}
