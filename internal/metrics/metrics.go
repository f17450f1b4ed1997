// Package metrics holds the worker's Prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courtside_ticks_total", Help: "Market ticks accepted from the stream"},
		[]string{"instrument"},
	)
	StatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courtside_states_total", Help: "Merged states emitted"},
		[]string{"trigger"},
	)
	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courtside_ws_reconnects_total", Help: "Stream reconnections"},
		[]string{"reason"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courtside_orders_total", Help: "Order attempts by outcome"},
		[]string{"strategy", "action", "outcome"},
	)
	StrategyErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courtside_strategy_errors_total", Help: "Strategy errors and panics"},
		[]string{"strategy"},
	)
	SettlementChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courtside_settlement_checks_total", Help: "Settlement checks by result"},
		[]string{"result"},
	)
	Phase = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "courtside_phase", Help: "Worker phase (0 waiting, 1 active, 2 terminal, 3 crashed)"},
	)
)

func init() {
	prometheus.MustRegister(TicksTotal, StatesTotal, ReconnectsTotal, OrdersTotal,
		StrategyErrorsTotal, SettlementChecksTotal, Phase)
}

// Serve exposes /metrics on addr in the background. It returns nil when addr
// is empty.
func Serve(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown stops srv if it is running.
func Shutdown(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
