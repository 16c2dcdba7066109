package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type KeeperMetrics struct {
	scans        prometheus.Counter
	checked      *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	failures     *prometheus.CounterVec
	tracked      prometheus.Gauge
	scanDuration prometheus.Histogram
}

var (
	keeperOnce     sync.Once
	keeperRegistry *KeeperMetrics
)

func Keeper() *KeeperMetrics {
	keeperOnce.Do(func() {
		keeperRegistry = &KeeperMetrics{
			scans: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bank_keeper_scans_total",
				Help: "Count of completed liquidation scans.",
			}),
			checked: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bank_keeper_positions_checked_total",
				Help: "Count of position health checks by market.",
			}, []string{"market"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bank_keeper_liquidations_total",
				Help: "Count of liquidations submitted by market.",
			}, []string{"market"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bank_keeper_failures_total",
				Help: "Count of failed health checks or liquidations by stage.",
			}, []string{"stage"}),
			tracked: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "bank_keeper_tracked_positions",
				Help: "Number of positions currently tracked by the keeper.",
			}),
			scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "bank_keeper_scan_duration_seconds",
				Help:    "Latency distribution for liquidation scans.",
				Buckets: prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			keeperRegistry.scans,
			keeperRegistry.checked,
			keeperRegistry.liquidations,
			keeperRegistry.failures,
			keeperRegistry.tracked,
			keeperRegistry.scanDuration,
		)
	})
	return keeperRegistry
}

func (m *KeeperMetrics) ObserveScan(seconds float64) {
	if m == nil {
		return
	}
	m.scans.Inc()
	m.scanDuration.Observe(seconds)
}

func (m *KeeperMetrics) ObserveChecked(market string) {
	if m == nil {
		return
	}
	m.checked.WithLabelValues(labelMarket(market)).Inc()
}

func (m *KeeperMetrics) ObserveLiquidation(market string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(labelMarket(market)).Inc()
}

func (m *KeeperMetrics) IncFailure(stage string) {
	if m == nil {
		return
	}
	if stage == "" {
		stage = "unknown"
	}
	m.failures.WithLabelValues(stage).Inc()
}

func (m *KeeperMetrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.tracked.Set(float64(n))
}

func labelMarket(market string) string {
	if market == "" {
		return "unknown"
	}
	return market
}
