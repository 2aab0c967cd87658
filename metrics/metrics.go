package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 进程内指标集合，使用私有registry避免默认全局状态
type Metrics struct {
	registry *prometheus.Registry

	OrdersPlaced   prometheus.Counter
	OrdersCanceled prometheus.Counter
	OrdersRepriced prometheus.Counter
	OrdersRejected prometheus.Counter
	OrdersSwept    prometheus.Counter
	Fills          prometheus.Counter
	VolumeUSD      prometheus.Counter

	NetPosition   prometheus.Gauge
	AvgEntryPrice prometheus.Gauge
	Equity        prometheus.Gauge
	MidPrice      prometheus.Gauge
	VolMultiplier prometheus.Gauge
	ActiveOrders  prometheus.Gauge
	BreakerState  prometheus.Gauge

	TickDuration prometheus.Histogram
}

// New 创建并注册全部指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		OrdersPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridbot_orders_placed_total",
			Help: "Total orders successfully placed",
		}),
		OrdersCanceled: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridbot_orders_canceled_total",
			Help: "Total orders canceled during reconciliation",
		}),
		OrdersRepriced: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridbot_orders_repriced_total",
			Help: "Total orders repriced (cancel then place)",
		}),
		OrdersRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridbot_orders_rejected_total",
			Help: "Total order placements that failed or were rejected",
		}),
		OrdersSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridbot_orders_swept_total",
			Help: "Total stale orders force canceled by the sweeper",
		}),
		Fills: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridbot_fills_total",
			Help: "Total fill events applied",
		}),
		VolumeUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridbot_volume_usd_total",
			Help: "Cumulative traded notional in USD",
		}),

		NetPosition: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_net_position",
			Help: "Current signed net position in base units",
		}),
		AvgEntryPrice: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_avg_entry_price",
			Help: "Weighted average entry price of the open position",
		}),
		Equity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_equity_usd",
			Help: "Last observed account equity in USD",
		}),
		MidPrice: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_mid_price",
			Help: "Last observed mid price",
		}),
		VolMultiplier: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_vol_multiplier",
			Help: "Current ATR based spread multiplier",
		}),
		ActiveOrders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_active_orders",
			Help: "Locally registered live orders",
		}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_breaker_tripped",
			Help: "1 when the drawdown circuit breaker is tripped",
		}),

		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridbot_tick_duration_seconds",
			Help:    "Duration of one control loop tick",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// Handler 返回指标HTTP处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve 在指定地址暴露 /metrics，阻塞直到server退出
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

// SetBreakerTripped 更新熔断状态指标
func (m *Metrics) SetBreakerTripped(tripped bool) {
	if tripped {
		m.BreakerState.Set(1)
	} else {
		m.BreakerState.Set(0)
	}
}
