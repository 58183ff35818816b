// Package monitoring exposes Prometheus metrics for the trading pipeline
// plus a poller that projects database health counts into gauges.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// MetricsRegistry holds all Prometheus metrics for mtflow.
type MetricsRegistry struct {
	// Request metrics
	RequestDuration *prometheus.HistogramVec

	// Signal lifecycle metrics
	SignalsIngested   prometheus.Counter
	SignalTransitions *prometheus.CounterVec

	// Delivery metrics
	DeliveriesCreated  prometheus.Counter
	DeliveriesConsumed *prometheus.CounterVec

	// Order metrics
	OrdersPlaced *prometheus.CounterVec
	OrdersFailed *prometheus.CounterVec
	ExitsPlaced  *prometheus.CounterVec

	// Feed metrics
	FeedReconnects *prometheus.CounterVec
	TicksReceived  prometheus.Counter

	// Health gauges refreshed from the database
	ExpiredSessions  prometheus.Gauge
	ExpiringSessions prometheus.Gauge
	StuckExitIntents prometheus.Gauge
	OpenTrades       prometheus.Gauge
	ClosedToday      prometheus.Gauge
	DailyWins        prometheus.Gauge
	DailyLosses      prometheus.Gauge
}

// NewMetricsRegistry creates and registers all mtflow metrics.
func NewMetricsRegistry() *MetricsRegistry {
	registry := &MetricsRegistry{
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mtflow_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"route", "method", "status"},
		),

		SignalsIngested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mtflow_signals_ingested_total",
				Help: "Total number of signals accepted by the engine gateway",
			},
		),

		SignalTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtflow_signal_transitions_total",
				Help: "Total number of signal status transitions by target status",
			},
			[]string{"to_status"},
		),

		DeliveriesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mtflow_deliveries_created_total",
				Help: "Total number of per-link deliveries fanned out",
			},
		),

		DeliveriesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtflow_deliveries_consumed_total",
				Help: "Total number of delivery consumptions by outcome",
			},
			[]string{"outcome"},
		),

		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtflow_orders_placed_total",
				Help: "Total number of entry orders placed by broker",
			},
			[]string{"broker"},
		),

		OrdersFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtflow_orders_failed_total",
				Help: "Total number of entry order failures by broker",
			},
			[]string{"broker"},
		),

		ExitsPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtflow_exits_placed_total",
				Help: "Total number of exit orders placed by reason",
			},
			[]string{"reason"},
		),

		FeedReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtflow_feed_reconnects_total",
				Help: "Total number of data feed reconnect attempts by broker",
			},
			[]string{"broker"},
		),

		TicksReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mtflow_ticks_received_total",
				Help: "Total number of market ticks consumed",
			},
		),

		ExpiredSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mtflow_sessions_expired",
				Help: "Active-marked broker sessions whose token validity has passed",
			},
		),

		ExpiringSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mtflow_sessions_expiring_soon",
				Help: "Broker sessions expiring within the warning window",
			},
		),

		StuckExitIntents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mtflow_exit_intents_stuck",
				Help: "Exit intents placed but unsettled past the stuck threshold",
			},
		),

		OpenTrades: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mtflow_trades_open",
				Help: "Trades currently OPEN or EXITING",
			},
		),

		ClosedToday: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mtflow_trades_closed_today",
				Help: "Trades closed since midnight",
			},
		),

		DailyWins: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mtflow_trades_daily_wins",
				Help: "Trades closed today with positive realized pnl",
			},
		),

		DailyLosses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mtflow_trades_daily_losses",
				Help: "Trades closed today with non-positive realized pnl",
			},
		),
	}

	prometheus.MustRegister(
		registry.RequestDuration,
		registry.SignalsIngested,
		registry.SignalTransitions,
		registry.DeliveriesCreated,
		registry.DeliveriesConsumed,
		registry.OrdersPlaced,
		registry.OrdersFailed,
		registry.ExitsPlaced,
		registry.FeedReconnects,
		registry.TicksReceived,
		registry.ExpiredSessions,
		registry.ExpiringSessions,
		registry.StuckExitIntents,
		registry.OpenTrades,
		registry.ClosedToday,
		registry.DailyWins,
		registry.DailyLosses,
	)

	return registry
}

// Handler exposes the default registry for the /metrics endpoint.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.Handler()
}

// RequestTimer tracks one HTTP request.
type RequestTimer struct {
	metrics *MetricsRegistry
	route   string
	method  string
	start   time.Time
}

func (m *MetricsRegistry) StartRequestTimer(route, method string) *RequestTimer {
	return &RequestTimer{metrics: m, route: route, method: method, start: time.Now()}
}

func (rt *RequestTimer) Stop(status string) {
	duration := time.Since(rt.start)
	rt.metrics.RequestDuration.WithLabelValues(rt.route, rt.method, status).Observe(duration.Seconds())

	log.Debug().
		Str("route", rt.route).
		Str("method", rt.method).
		Str("status", status).
		Dur("duration", duration).
		Msg("request completed")
}
