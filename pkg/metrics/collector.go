package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/protekt/agent/pkg/log"
	"github.com/protekt/agent/pkg/storage"
)

var (
	queueItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "protekt_queue_items",
		Help: "Offline queue items by status",
	}, []string{"status"})

	queuePending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "protekt_queue_pending",
		Help: "Pending offline queue items by type",
	}, []string{"queue_type"})

	telemetryCached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protekt_telemetry_cached_rows",
		Help: "Telemetry samples held in the local cache",
	})
)

// Collector refreshes store-derived gauges on a fixed interval.
type Collector struct {
	store    storage.Store
	interval time.Duration
}

// NewCollector creates a collector polling store every interval.
func NewCollector(store storage.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{store: store, interval: interval}
}

// Run refreshes gauges until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	logger := log.WithComponent("metrics")
	logger.Info().Dur("interval", c.interval).Msg("metrics collector started")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("metrics collector stopped")
			return nil
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	statusCounts, pendingByType, err := c.store.QueueCounts()
	if err == nil {
		queueItems.Reset()
		for status, n := range statusCounts {
			queueItems.WithLabelValues(status).Set(float64(n))
		}
		queuePending.Reset()
		for qt, n := range pendingByType {
			queuePending.WithLabelValues(qt).Set(float64(n))
		}
	}

	if n, err := c.store.TelemetryCount(); err == nil {
		telemetryCached.Set(float64(n))
	}
}
