package mw

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// metrics holds the process-wide counters and gauges. A nil *metrics is
// valid and turns every recorder into a no-op, which is how the exporter is
// disabled.
type metrics struct {
	reg *prometheus.Registry

	rulesActive    *prometheus.GaugeVec
	rulesProcessed *prometheus.CounterVec
	ticksTotal     *prometheus.CounterVec
	tickSeconds    *prometheus.HistogramVec
	matchesTotal   *prometheus.CounterVec
	notifyTotal    *prometheus.CounterVec
	watcherUp      *prometheus.GaugeVec
	restarts       *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{reg: prometheus.NewRegistry()}
	m.rulesActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "marketwatch",
		Name:      "rules_active",
		Help:      "Active rules currently indexed in the broker, by watch type.",
	}, []string{"watch_type"})
	m.rulesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketwatch",
		Name:      "rules_processed_total",
		Help:      "Register events handled by the rule processor, by outcome.",
	}, []string{"watch_type", "outcome"})
	m.ticksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketwatch",
		Name:      "watch_ticks_total",
		Help:      "Completed watch loop ticks.",
	}, []string{"watcher"})
	m.tickSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "marketwatch",
		Name:      "watch_tick_seconds",
		Help:      "Watch loop tick duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"watcher"})
	m.matchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketwatch",
		Name:      "rule_matches_total",
		Help:      "Rule condition hits emitted by the watchers.",
	}, []string{"watch_type", "condition"})
	m.notifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketwatch",
		Name:      "notifications_total",
		Help:      "Dispatcher outcomes by channel.",
	}, []string{"channel", "outcome"})
	m.watcherUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "marketwatch",
		Name:      "watcher_up",
		Help:      "Whether a watcher's loop is running.",
	}, []string{"watcher"})
	m.restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketwatch",
		Name:      "component_restarts_total",
		Help:      "Supervisor-initiated component restarts.",
	}, []string{"component"})
	m.reg.MustRegister(m.rulesActive, m.rulesProcessed, m.ticksTotal, m.tickSeconds, m.matchesTotal, m.notifyTotal, m.watcherUp, m.restarts)
	return m
}

func (m *metrics) setRules(t WatchType, n float64) {
	if m == nil {
		return
	}
	m.rulesActive.WithLabelValues(string(t)).Set(n)
}

func (m *metrics) incRule(t WatchType, outcome string) {
	if m == nil {
		return
	}
	m.rulesProcessed.WithLabelValues(string(t), outcome).Inc()
}

func (m *metrics) observeTick(watcher string, d time.Duration) {
	if m == nil {
		return
	}
	m.ticksTotal.WithLabelValues(watcher).Inc()
	m.tickSeconds.WithLabelValues(watcher).Observe(d.Seconds())
}

func (m *metrics) incMatch(t WatchType, condition string) {
	if m == nil {
		return
	}
	m.matchesTotal.WithLabelValues(string(t), condition).Inc()
}

func (m *metrics) incNotify(channel, outcome string) {
	if m == nil {
		return
	}
	m.notifyTotal.WithLabelValues(channel, outcome).Inc()
}

func (m *metrics) setWatcherUp(watcher string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	m.watcherUp.WithLabelValues(watcher).Set(v)
}

func (m *metrics) incRestart(component string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(component).Inc()
}

// serve exposes /metrics until ctx is done.
func (m *metrics) serve(ctx context.Context, listen string, log zerolog.Logger) {
	if m == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	log.Info().Str("listen", listen).Msg("prometheus exporter started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("prometheus exporter stopped")
	}
}
