package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/log"
	"github.com/protekt/agent/pkg/saas"
	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

// offlineMarker is the file dropped in the data directory when enrollment
// could not reach the backend. Its presence means the next EnsureRegistered
// call should retry.
const offlineMarker = "offline_registration.json"

// Manager handles device enrollment with the backend. Registration is
// never fatal: an unreachable backend leaves the device in offline status
// and the agent keeps collecting locally.
type Manager struct {
	store   storage.Store
	client  *saas.Client
	cfg     *config.Config
	version string
	logger  zerolog.Logger
}

// NewManager creates a registration manager.
func NewManager(store storage.Store, client *saas.Client, cfg *config.Config, version string) *Manager {
	return &Manager{
		store:   store,
		client:  client,
		cfg:     cfg,
		version: version,
		logger:  log.WithComponent("registration"),
	}
}

// EnsureRegistered returns the device's registration row, enrolling with
// the backend when the device has never successfully registered. Offline
// failure downgrades to a local registration rather than an error.
func (m *Manager) EnsureRegistered(ctx context.Context) (*types.Registration, error) {
	deviceID, err := m.cfg.DeviceID()
	if err != nil {
		return nil, err
	}

	reg, err := m.store.GetRegistration()
	if err != nil && err != storage.ErrNotFound {
		return nil, err
	}
	if reg != nil && reg.RegisteredAt != nil && reg.Status == types.RegistrationActive {
		return reg, nil
	}

	return m.register(ctx, deviceID)
}

func (m *Manager) register(ctx context.Context, deviceID string) (*types.Registration, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "ProtektAgent"
	}
	req := &saas.RegisterRequest{
		DeviceID:   deviceID,
		DeviceName: m.cfg.Get("agent", "name", hostname),
		DeviceType: runtime.GOOS,
		OrgID:      m.cfg.Get("saas", "org_id", ""),
		APIKey:     m.cfg.Get("saas", "api_key", ""),
	}

	if !m.client.Configured() {
		m.logger.Warn().Msg("no backend configured, registering locally")
		return m.registerOffline(deviceID)
	}

	resp, err := m.client.Register(ctx, req)
	if err != nil {
		m.logger.Warn().Err(err).Msg("backend unreachable, registering locally")
		return m.registerOffline(deviceID)
	}

	// The backend may assign fresh credentials during enrollment; persist
	// them so restarts authenticate with the assigned key.
	if resp.OrgID != "" {
		if err := m.cfg.Set("saas", "org_id", resp.OrgID); err != nil {
			return nil, err
		}
	}
	if resp.APIKey != "" {
		if err := m.cfg.Set("saas", "api_key", resp.APIKey); err != nil {
			return nil, err
		}
		m.client.SetAPIKey(resp.APIKey)
	}

	now := time.Now().UTC()
	reg := &types.Registration{
		DeviceID:     deviceID,
		OrgID:        m.cfg.Get("saas", "org_id", ""),
		APIKey:       m.cfg.Get("saas", "api_key", ""),
		RegisteredAt: &now,
		Status:       types.RegistrationActive,
	}
	if err := m.store.SaveRegistration(reg); err != nil {
		return nil, err
	}
	os.Remove(filepath.Join(m.cfg.DataDir(), offlineMarker))

	if err := m.store.AppendAudit("device_registered", deviceID, "registration", nil); err != nil {
		m.logger.Warn().Err(err).Msg("failed to audit registration")
	}
	m.logger.Info().Str("device_id", deviceID).Str("org_id", reg.OrgID).
		Str("agent_version", m.version).Msg("device registered")
	return reg, nil
}

// registerOffline falls back to a local registration. An existing
// offline marker file is reused so credentials provisioned out of band
// survive restarts; otherwise one is synthesized with org_id "offline".
func (m *Manager) registerOffline(deviceID string) (*types.Registration, error) {
	path := filepath.Join(m.cfg.DataDir(), offlineMarker)

	reg := &types.Registration{
		DeviceID: deviceID,
		OrgID:    m.cfg.Get("saas", "org_id", "offline"),
		APIKey:   m.cfg.Get("saas", "api_key", ""),
		Status:   types.RegistrationOffline,
	}

	if data, err := os.ReadFile(path); err == nil {
		var marker struct {
			DeviceID string `json:"device_id"`
			OrgID    string `json:"org_id"`
			APIKey   string `json:"api_key"`
		}
		if err := json.Unmarshal(data, &marker); err == nil {
			if marker.OrgID != "" {
				reg.OrgID = marker.OrgID
			}
			if marker.APIKey != "" {
				reg.APIKey = marker.APIKey
			}
			m.logger.Info().Str("org_id", reg.OrgID).Msg("reusing offline registration marker")
		} else {
			m.logger.Warn().Err(err).Msg("unreadable offline registration marker")
		}
	} else {
		hostname, _ := os.Hostname()
		marker := map[string]interface{}{
			"device_id":  deviceID,
			"org_id":     reg.OrgID,
			"api_key":    reg.APIKey,
			"hostname":   hostname,
			"status":     string(types.RegistrationOffline),
			"created_at": time.Now().UTC().Format(time.RFC3339),
		}
		data, err := json.MarshalIndent(marker, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write offline registration marker: %w", err)
		}
	}

	if err := m.store.SaveRegistration(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
