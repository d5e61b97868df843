package telemetry

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/saas"
	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

func testSampler(t *testing.T, baseURL string) (*Sampler, *storage.SQLiteStore) {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.Load(filepath.Join(root, "agent.yaml"))
	require.NoError(t, err)
	if baseURL != "" {
		require.NoError(t, cfg.Set("saas", "base_url", baseURL))
		require.NoError(t, cfg.Set("saas", "api_key", "test-key"))
	}

	store, err := storage.NewSQLiteStore(filepath.Join(root, "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := saas.NewClient(baseURL, cfg.Get("saas", "api_key", ""), 5*time.Second, 0)
	return NewSampler(store, client, cfg, "dev-1"), store
}

func syntheticSnapshot(cpu, memPct, diskPct float64) *Snapshot {
	return &Snapshot{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		DeviceID:      "dev-1",
		UptimeSeconds: 3600,
		CPU:           CPUStats{Percent: cpu, Count: 8},
		Memory:        MemoryStats{Percent: memPct, Total: 16 << 30},
		Disk:          map[string]DiskStats{"/": {Percent: diskPct}, "/boot": {Percent: 10}},
		Processes:     ProcessStats{Count: 120},
		NetworkInfo:   NetworkInfo{IPAddress: "10.0.0.1"},
	}
}

func TestProcessCachesSample(t *testing.T) {
	s, store := testSampler(t, "")

	s.Process(context.Background(), syntheticSnapshot(25, 40, 55))

	samples, err := store.RecentTelemetry(1)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 25.0, samples[0].CPUPercent)
	assert.Equal(t, 55.0, samples[0].DiskPercent, "disk is the max across partitions")
}

func TestThresholdViolations(t *testing.T) {
	tests := []struct {
		name         string
		cpu, mem, dk float64
		wantEvents   int
		wantSeverity types.Severity
	}{
		{"all nominal", 20, 30, 40, 0, ""},
		{"cpu over", 95, 30, 40, 1, types.SeverityMedium},
		{"memory over", 20, 90, 40, 1, types.SeverityMedium},
		{"disk over", 20, 30, 95, 1, types.SeverityHigh},
		{"everything over", 95, 90, 95, 3, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store := testSampler(t, "")
			s.Process(context.Background(), syntheticSnapshot(tt.cpu, tt.mem, tt.dk))

			events, err := store.UnresolvedEvents(10)
			require.NoError(t, err)
			assert.Len(t, events, tt.wantEvents)
			if tt.wantEvents == 1 {
				assert.Equal(t, types.EventThresholdViolation, events[0].EventType)
				assert.Equal(t, tt.wantSeverity, events[0].Severity)
			}
		})
	}
}

func TestOfflineSnapshotIsQueued(t *testing.T) {
	s, store := testSampler(t, "")

	s.Process(context.Background(), syntheticSnapshot(25, 40, 55))

	items, err := store.PendingQueueItems(types.QueueTelemetry, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Priority)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(items[0].Payload, &snap))
	assert.Equal(t, "dev-1", snap.DeviceID)
	assert.Equal(t, 25.0, snap.CPU.Percent)
}

func TestOnlineHeartbeatUpdatesRegistration(t *testing.T) {
	var heartbeats int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/devices/heartbeat", r.URL.Path)
		heartbeats++
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s, store := testSampler(t, srv.URL)
	require.NoError(t, store.SaveRegistration(&types.Registration{
		DeviceID: "dev-1",
		Status:   types.RegistrationActive,
	}))

	s.Process(context.Background(), syntheticSnapshot(25, 40, 55))

	assert.Equal(t, 1, heartbeats)

	reg, err := store.GetRegistration()
	require.NoError(t, err)
	require.NotNil(t, reg.LastHeartbeat)
	assert.WithinDuration(t, time.Now().UTC(), *reg.LastHeartbeat, 10*time.Second)

	// Delivered heartbeats are not queued.
	items, err := store.PendingQueueItems(types.QueueTelemetry, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPrimaryIPWellFormed(t *testing.T) {
	ip := primaryIP()
	if ip == "" {
		t.Skip("no resolvable address on this host")
	}
	assert.NotNil(t, net.ParseIP(ip))
}
