package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instruments updated directly by subsystems as they work. Store-derived
// gauges live in the Collector.
var (
	CPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protekt_cpu_percent",
		Help: "Last sampled CPU utilization of the host",
	})

	MemoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protekt_memory_percent",
		Help: "Last sampled memory utilization of the host",
	})

	DiskPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protekt_disk_percent",
		Help: "Last sampled peak disk utilization across partitions",
	})

	SecurityEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protekt_security_events_total",
		Help: "Security events recorded locally",
	}, []string{"event_type", "severity"})

	SyncBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protekt_sync_batches_total",
		Help: "Queue drain batches by outcome",
	}, []string{"queue_type", "result"})

	SyncedItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protekt_synced_items_total",
		Help: "Queue items delivered to the backend",
	}, []string{"queue_type"})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protekt_commands_total",
		Help: "Remote commands executed by outcome",
	}, []string{"command_type", "status"})

	BackupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protekt_backups_total",
		Help: "Backups created by outcome",
	}, []string{"result"})

	BackupBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protekt_backup_last_bytes",
		Help: "Encrypted size of the most recent backup",
	})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protekt_alerts_total",
		Help: "Alerts dispatched by channel",
	}, []string{"channel", "result"})

	AnomalyScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protekt_anomaly_score",
		Help: "Most recent isolation forest score (lower is more anomalous)",
	})

	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protekt_heartbeats_total",
		Help: "Heartbeat attempts by outcome",
	}, []string{"result"})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
