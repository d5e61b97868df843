package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/log"
	"github.com/protekt/agent/pkg/metrics"
	"github.com/protekt/agent/pkg/saas"
	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

// Snapshot is the full nested telemetry payload sent as the heartbeat
// body. The flat TelemetrySample row cached locally is derived from it.
type Snapshot struct {
	Timestamp     string               `json:"timestamp"`
	DeviceID      string               `json:"device_id"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	CPU           CPUStats             `json:"cpu"`
	Memory        MemoryStats          `json:"memory"`
	Disk          map[string]DiskStats `json:"disk"`
	Network       NetworkStats         `json:"network"`
	Processes     ProcessStats         `json:"processes"`
	NetworkInfo   NetworkInfo          `json:"network_info"`
	System        SystemInfo           `json:"system"`
}

type CPUStats struct {
	Percent float64 `json:"percent"`
	Count   int     `json:"count"`
}

type MemoryStats struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	Used        uint64  `json:"used"`
	Percent     float64 `json:"percent"`
	SwapTotal   uint64  `json:"swap_total"`
	SwapUsed    uint64  `json:"swap_used"`
	SwapPercent float64 `json:"swap_percent"`
}

type DiskStats struct {
	Total   uint64  `json:"total"`
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

type NetworkStats struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

type ProcessStats struct {
	Count int `json:"count"`
}

type NetworkInfo struct {
	IPAddress string `json:"ip_address"`
}

type SystemInfo struct {
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	Architecture    string `json:"architecture"`
	Hostname        string `json:"hostname"`
}

// MaxDiskPercent returns the highest partition usage in the snapshot.
func (s *Snapshot) MaxDiskPercent() float64 {
	max := 0.0
	for _, d := range s.Disk {
		if d.Percent > max {
			max = d.Percent
		}
	}
	return max
}

// Sampler collects host telemetry on the heartbeat interval, caches it
// locally, raises threshold violations, and reports to the backend or the
// offline queue.
type Sampler struct {
	store    storage.Store
	client   *saas.Client
	cfg      *config.Config
	deviceID string
	logger   zerolog.Logger

	interval        time.Duration
	cpuThreshold    float64
	memoryThreshold float64
	diskThreshold   float64
}

// NewSampler creates a telemetry sampler for deviceID.
func NewSampler(store storage.Store, client *saas.Client, cfg *config.Config, deviceID string) *Sampler {
	return &Sampler{
		store:           store,
		client:          client,
		cfg:             cfg,
		deviceID:        deviceID,
		logger:          log.WithComponent("telemetry"),
		interval:        cfg.GetSeconds("saas", "heartbeat_interval", 300*time.Second),
		cpuThreshold:    cfg.GetFloat("monitoring", "cpu_threshold", 80.0),
		memoryThreshold: cfg.GetFloat("monitoring", "memory_threshold", 85.0),
		diskThreshold:   cfg.GetFloat("monitoring", "disk_threshold", 90.0),
	}
}

// Run samples until ctx is cancelled. One sample is taken immediately so a
// freshly started agent reports without waiting a full interval.
func (s *Sampler) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Msg("telemetry sampler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("telemetry sampler stopped")
			return nil
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	snap, err := s.Collect(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to collect telemetry")
		return
	}
	s.Process(ctx, snap)
}

// Collect gathers one snapshot of the host.
func (s *Sampler) Collect(ctx context.Context) (*Snapshot, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return nil, fmt.Errorf("failed to sample cpu: %w", err)
	}
	cpuPercent := 0.0
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}
	cpuCount, _ := cpu.CountsWithContext(ctx, true)

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sample memory: %w", err)
	}
	swap, _ := mem.SwapMemoryWithContext(ctx)

	diskStats := make(map[string]DiskStats)
	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, p := range parts {
			usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
			if err != nil {
				continue
			}
			diskStats[p.Mountpoint] = DiskStats{
				Total:   usage.Total,
				Used:    usage.Used,
				Free:    usage.Free,
				Percent: usage.UsedPercent,
			}
		}
	}

	var netStats NetworkStats
	if counters, err := gnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		netStats = NetworkStats{
			BytesSent:   counters[0].BytesSent,
			BytesRecv:   counters[0].BytesRecv,
			PacketsSent: counters[0].PacketsSent,
			PacketsRecv: counters[0].PacketsRecv,
		}
	}

	pids, _ := process.PidsWithContext(ctx)

	var uptime int64
	if boot, err := host.BootTimeWithContext(ctx); err == nil {
		uptime = time.Now().Unix() - int64(boot)
	}

	hostname, _ := os.Hostname()
	platform, _, platformVersion, _ := host.PlatformInformationWithContext(ctx)

	memStats := MemoryStats{
		Total:     vm.Total,
		Available: vm.Available,
		Used:      vm.Used,
		Percent:   vm.UsedPercent,
	}
	if swap != nil {
		memStats.SwapTotal = swap.Total
		memStats.SwapUsed = swap.Used
		memStats.SwapPercent = swap.UsedPercent
	}

	return &Snapshot{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		DeviceID:      s.deviceID,
		UptimeSeconds: uptime,
		CPU:           CPUStats{Percent: cpuPercent, Count: cpuCount},
		Memory:        memStats,
		Disk:          diskStats,
		Network:       netStats,
		Processes:     ProcessStats{Count: len(pids)},
		NetworkInfo:   NetworkInfo{IPAddress: primaryIP()},
		System: SystemInfo{
			Platform:        platform,
			PlatformVersion: platformVersion,
			Architecture:    runtime.GOARCH,
			Hostname:        hostname,
		},
	}, nil
}

// Process caches the snapshot, checks thresholds, and delivers or queues
// the heartbeat.
func (s *Sampler) Process(ctx context.Context, snap *Snapshot) {
	s.cache(snap)
	s.checkThresholds(snap)
	s.deliver(ctx, snap)

	metrics.CPUPercent.Set(snap.CPU.Percent)
	metrics.MemoryPercent.Set(snap.Memory.Percent)
	metrics.DiskPercent.Set(snap.MaxDiskPercent())
}

func (s *Sampler) cache(snap *Snapshot) {
	netIO, _ := json.Marshal(snap.Network)
	ts, err := time.Parse(time.RFC3339, snap.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	_, err = s.store.InsertTelemetry(&types.TelemetrySample{
		Timestamp:      ts,
		CPUPercent:     snap.CPU.Percent,
		MemoryPercent:  snap.Memory.Percent,
		DiskPercent:    snap.MaxDiskPercent(),
		NetworkIO:      netIO,
		ProcessesCount: snap.Processes.Count,
		UptimeSeconds:  snap.UptimeSeconds,
		IPAddress:      snap.NetworkInfo.IPAddress,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to cache telemetry")
	}
}

type thresholdViolation struct {
	Type         string         `json:"type"`
	Severity     types.Severity `json:"severity"`
	Message      string         `json:"message"`
	ResourceType string         `json:"resource_type"`
	CurrentValue float64        `json:"current_value"`
	Threshold    float64        `json:"threshold"`
}

func (s *Sampler) checkThresholds(snap *Snapshot) {
	var violations []thresholdViolation

	if snap.CPU.Percent > s.cpuThreshold {
		violations = append(violations, thresholdViolation{
			Type:     "high_cpu",
			Severity: types.SeverityMedium,
			Message: fmt.Sprintf("High CPU usage: %.1f%% (threshold: %g%%)",
				snap.CPU.Percent, s.cpuThreshold),
			ResourceType: "CPU",
			CurrentValue: snap.CPU.Percent,
			Threshold:    s.cpuThreshold,
		})
	}
	if snap.Memory.Percent > s.memoryThreshold {
		violations = append(violations, thresholdViolation{
			Type:     "high_memory",
			Severity: types.SeverityMedium,
			Message: fmt.Sprintf("High memory usage: %.1f%% (threshold: %g%%)",
				snap.Memory.Percent, s.memoryThreshold),
			ResourceType: "Memory",
			CurrentValue: snap.Memory.Percent,
			Threshold:    s.memoryThreshold,
		})
	}
	if maxDisk := snap.MaxDiskPercent(); maxDisk > s.diskThreshold {
		violations = append(violations, thresholdViolation{
			Type:     "high_disk",
			Severity: types.SeverityHigh,
			Message: fmt.Sprintf("High disk usage: %.1f%% (threshold: %g%%)",
				maxDisk, s.diskThreshold),
			ResourceType: "Disk",
			CurrentValue: maxDisk,
			Threshold:    s.diskThreshold,
		})
	}

	for _, v := range violations {
		details, _ := json.Marshal(v)
		_, err := s.store.InsertSecurityEvent(&types.SecurityEvent{
			EventType:   types.EventThresholdViolation,
			Severity:    v.Severity,
			Description: v.Message,
			Details:     details,
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to record threshold violation")
			continue
		}
		metrics.SecurityEventsTotal.WithLabelValues(types.EventThresholdViolation, string(v.Severity)).Inc()
		s.logger.Warn().Str("resource", v.ResourceType).Float64("value", v.CurrentValue).
			Msg("resource threshold exceeded")
	}
}

func (s *Sampler) deliver(ctx context.Context, snap *Snapshot) {
	if s.client.Configured() && s.cfg.Get("saas", "api_key", "") != "" {
		if err := s.client.Heartbeat(ctx, snap); err == nil {
			if err := s.store.UpdateHeartbeat(s.deviceID, time.Now().UTC()); err != nil {
				s.logger.Error().Err(err).Msg("failed to record heartbeat")
			}
			metrics.HeartbeatsTotal.WithLabelValues("success").Inc()
			s.logger.Debug().Msg("heartbeat delivered")
			return
		} else {
			s.logger.Warn().Err(err).Msg("heartbeat failed, queueing telemetry")
			metrics.HeartbeatsTotal.WithLabelValues("failure").Inc()
		}
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode telemetry payload")
		return
	}
	if _, err := s.store.Enqueue(types.QueueTelemetry, payload, 1, 3); err != nil {
		s.logger.Error().Err(err).Msg("failed to queue telemetry")
	}
}

// primaryIP finds the host's outbound IP by opening a UDP socket toward a
// public address. No packet is actually sent. Hosts with no route fall
// back to resolving their own hostname.
func primaryIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return ""
	}
	addrs, err := net.LookupIP(hostname)
	if err != nil {
		return ""
	}
	for _, ip := range addrs {
		if !ip.IsLoopback() {
			return ip.String()
		}
	}
	return ""
}
