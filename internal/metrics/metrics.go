// Package metrics exposes Prometheus metrics and a health endpoint for the
// advisor loop.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/updownadvisor/internal/logger"
)

// Metrics holds all Prometheus metrics for the advisor.
type Metrics struct {
	TicksTotal   prometheus.Counter
	CandlesTotal prometheus.Counter
	WSReconnects prometheus.Counter

	DecisionsTotal *prometheus.CounterVec // labels: direction
	AbortsTotal    *prometheus.CounterVec // labels: gate
	TradesTotal    *prometheus.CounterVec // labels: result
	BlockedTotal   prometheus.Counter

	CurrentStake prometheus.Gauge
	WinStreak    prometheus.Gauge
	DailyNetPnL  prometheus.Gauge

	LastTickAge  prometheus.Gauge
	TickGapMean  prometheus.Gauge
	TickGapSigma prometheus.Gauge
	DroppedTicks prometheus.Gauge
}

// NewMetrics builds all Prometheus metrics and registers them on reg,
// or on the default registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updown_ticks_total",
			Help: "Total price ticks consumed from the feed",
		}),
		CandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updown_candles_total",
			Help: "Total 1m candles closed",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updown_ws_reconnects_total",
			Help: "Total feed WebSocket reconnection attempts",
		}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updown_decisions_total",
			Help: "Directional recommendations produced (by direction)",
		}, []string{"direction"}),
		AbortsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updown_aborts_total",
			Help: "Evaluations rejected by a validation gate (by gate)",
		}, []string{"gate"}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updown_trades_total",
			Help: "Reported trade outcomes (by result)",
		}, []string{"result"}),
		BlockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updown_blocked_signals_total",
			Help: "Recommendations the stake ladder refused to fund",
		}),

		CurrentStake: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updown_current_stake",
			Help: "Current ladder stake in dollars",
		}),
		WinStreak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updown_win_streak",
			Help: "Current consecutive win count",
		}),
		DailyNetPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updown_daily_net_pnl",
			Help: "Net reported profit and loss for the current UTC day",
		}),

		LastTickAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updown_last_tick_age_seconds",
			Help: "Seconds since the last tick was received",
		}),
		TickGapMean: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updown_tick_gap_mean_seconds",
			Help: "Mean inter-tick arrival gap",
		}),
		TickGapSigma: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updown_tick_gap_stddev_seconds",
			Help: "Standard deviation of the inter-tick arrival gap",
		}),
		DroppedTicks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updown_feed_dropped_ticks",
			Help: "Cumulative ticks dropped because the consumer lagged",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.CandlesTotal,
		m.WSReconnects,
		m.DecisionsTotal,
		m.AbortsTotal,
		m.TradesTotal,
		m.BlockedTotal,
		m.CurrentStake,
		m.WinStreak,
		m.DailyNetPnL,
		m.LastTickAge,
		m.TickGapMean,
		m.TickGapSigma,
		m.DroppedTicks,
	)

	return m
}

// Health reports process liveness for the /healthz endpoint.
type Health struct {
	mu sync.RWMutex

	startedAt time.Time
	asset     string
	feedOK    bool
	lastTick  time.Time
}

// NewHealth returns a health status for the given asset.
func NewHealth(asset string) *Health {
	return &Health{startedAt: time.Now(), asset: asset}
}

// SetFeedOK records whether the price feed is currently considered live.
func (h *Health) SetFeedOK(v bool) {
	h.mu.Lock()
	h.feedOK = v
	h.mu.Unlock()
}

// SetLastTick records the receive time of the newest tick.
func (h *Health) SetLastTick(t time.Time) {
	h.mu.Lock()
	h.lastTick = t
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.feedOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.lastTick.IsZero() {
		tickAge = time.Since(h.lastTick).Round(time.Millisecond).String()
	}

	status := struct {
		Status       string `json:"status"`
		Asset        string `json:"asset"`
		Uptime       string `json:"uptime"`
		FeedOK       bool   `json:"feed_ok"`
		LastTickTime string `json:"last_tick_time"`
		TickAge      string `json:"tick_age"`
	}{
		Status:       overallStatus,
		Asset:        h.asset,
		Uptime:       time.Since(h.startedAt).Round(time.Second).String(),
		FeedOK:       h.feedOK,
		LastTickTime: h.lastTick.Format(time.RFC3339),
		TickAge:      tickAge,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status) //nolint:errcheck
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *Health) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		logger.Info("metrics server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx) //nolint:errcheck
}
