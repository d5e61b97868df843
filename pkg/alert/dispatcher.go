package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/gomail.v2"

	"github.com/protekt/agent/pkg/audit"
	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/log"
	"github.com/protekt/agent/pkg/metrics"
	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

const (
	scanInterval = time.Minute
	lookback     = time.Hour
	eventFetch   = 200
	commandFetch = 50
)

// commandAlertTypes are the commands worth notifying about.
var commandAlertTypes = map[string]struct{}{
	"backup":  {},
	"restore": {},
	"scan":    {},
	"isolate": {},
}

// Dispatcher turns unresolved security events and notable command
// executions into human-readable notifications.
type Dispatcher struct {
	store   storage.Store
	auditor *audit.Logger
	logger  zerolog.Logger

	deviceID   string
	deviceName string
	enabled    bool
	cooldown   time.Duration
	webhookURL string

	smtpServer string
	smtpPort   int
	emailUser  string
	emailPass  string
	emailTo    string

	httpClient *http.Client

	mu       sync.Mutex
	lastSent map[string]time.Time

	now func() time.Time
}

// NewDispatcher creates an alert dispatcher for deviceID.
func NewDispatcher(store storage.Store, auditor *audit.Logger, cfg *config.Config, deviceID string) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		auditor:    auditor,
		logger:     log.WithComponent("alert"),
		deviceID:   deviceID,
		deviceName: cfg.Get("agent", "name", "ProtektAgent"),
		enabled:    cfg.GetBool("alerts", "enabled", true),
		cooldown:   cfg.GetSeconds("alerts", "alert_cooldown", 5*time.Minute),
		webhookURL: cfg.Get("alerts", "whatsapp_webhook", ""),
		smtpServer: cfg.Get("alerts", "email_smtp_server", ""),
		smtpPort:   cfg.GetInt("alerts", "email_smtp_port", 587),
		emailUser:  cfg.Get("alerts", "email_username", ""),
		emailPass:  cfg.Get("alerts", "email_password", ""),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		lastSent:   make(map[string]time.Time),
		now:        time.Now,
	}
	d.emailTo = cfg.Get("alerts", "email_recipient", d.emailUser)
	return d
}

// Run scans for alert candidates every minute until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.enabled {
		d.logger.Info().Msg("alert dispatcher disabled in configuration")
		<-ctx.Done()
		return nil
	}
	d.logger.Info().Dur("cooldown", d.cooldown).Msg("alert dispatcher started")

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("alert dispatcher stopped")
			return nil
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

func (d *Dispatcher) scan(ctx context.Context) {
	cutoff := d.now().UTC().Add(-lookback)

	events, err := d.store.UnresolvedEvents(eventFetch)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to read security events")
	} else {
		for _, event := range events {
			if ctx.Err() != nil {
				return
			}
			if event.Timestamp.Before(cutoff) {
				continue
			}
			d.processEvent(event)
		}
	}

	commands, err := d.store.RecentCommands(commandFetch)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to read command history")
		return
	}
	for _, cmd := range commands {
		if ctx.Err() != nil {
			return
		}
		if cmd.CreatedAt.Before(cutoff) {
			continue
		}
		if _, ok := commandAlertTypes[cmd.CommandType]; !ok {
			continue
		}
		d.processCommand(cmd)
	}
}

func (d *Dispatcher) processEvent(event types.SecurityEvent) {
	key := event.EventType + "_" + string(event.Severity)
	if !d.shouldSend(key) {
		return
	}

	message := render(event.EventType, d.eventData(event))
	d.deliver(event.EventType, message, string(event.Severity))

	if err := d.store.ResolveEvent(event.ID); err != nil {
		d.logger.Error().Err(err).Int64("event", event.ID).Msg("failed to resolve event")
	}
}

func (d *Dispatcher) processCommand(cmd types.CommandRecord) {
	if !d.shouldSend("command_executed_" + cmd.CommandType) {
		return
	}
	message := render("command_executed", d.commandData(cmd))
	d.deliver("command_executed", message, string(types.SeverityMedium))
}

// shouldSend checks and advances the cooldown clock for one dedup key.
func (d *Dispatcher) shouldSend(key string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.lastSent[key] = now
	return true
}

func (d *Dispatcher) eventData(event types.SecurityEvent) map[string]interface{} {
	data := map[string]interface{}{
		"device_id":      d.deviceID,
		"device_name":    d.deviceName,
		"timestamp":      event.Timestamp.UTC().Format(time.RFC3339),
		"severity":       string(event.Severity),
		"description":    event.Description,
		"details":        string(event.Details),
		"file_path":      event.FilePath,
		"process_name":   event.ProcessName,
		"ip_address":     localIP(),
		"cpu_percent":    0.0,
		"memory_percent": 0.0,
		"disk_percent":   0.0,
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		data["cpu_percent"] = fmt.Sprintf("%.1f", percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		data["memory_percent"] = fmt.Sprintf("%.1f", vm.UsedPercent)
	}
	if usage, err := disk.Usage("/"); err == nil {
		data["disk_percent"] = fmt.Sprintf("%.1f", usage.UsedPercent)
	}
	return data
}

func (d *Dispatcher) commandData(cmd types.CommandRecord) map[string]interface{} {
	return map[string]interface{}{
		"device_id":    d.deviceID,
		"device_name":  d.deviceName,
		"timestamp":    cmd.CreatedAt.UTC().Format(time.RFC3339),
		"command_type": cmd.CommandType,
		"status":       string(cmd.Status),
		"result":       string(cmd.Result),
	}
}

// render formats an alert from its per-type template; types without a
// template, or data missing a template variable, get the default format.
func render(alertType string, data map[string]interface{}) string {
	t, ok := templates[alertType]
	if !ok {
		return defaultMessage(alertType, data)
	}
	var buf bytes.Buffer
	if err := t.body.Execute(&buf, data); err != nil {
		return defaultMessage(alertType, data)
	}
	return t.title + "\n\n" + buf.String()
}

func defaultMessage(alertType string, data map[string]interface{}) string {
	return fmt.Sprintf("Alert: %s\nDevice: %v\nTime: %v\nDescription: %v",
		alertType,
		valueOr(data, "device_name", "Unknown"),
		valueOr(data, "timestamp", "Unknown"),
		valueOr(data, "description", "No description"))
}

func valueOr(data map[string]interface{}, key string, fallback interface{}) interface{} {
	if v, ok := data[key]; ok && v != "" {
		return v
	}
	return fallback
}

// deliver pushes one rendered alert through every configured channel.
// Transport failures are logged and never block further alerts.
func (d *Dispatcher) deliver(alertType, message, severity string) {
	if d.webhookURL != "" {
		if err := d.postWebhook(message); err != nil {
			d.logger.Warn().Err(err).Str("type", alertType).Msg("webhook alert failed")
			metrics.AlertsTotal.WithLabelValues("webhook", "failure").Inc()
		} else {
			metrics.AlertsTotal.WithLabelValues("webhook", "success").Inc()
		}
	}

	if d.smtpServer != "" && d.emailUser != "" {
		if err := d.sendEmail(alertType, message, severity); err != nil {
			d.logger.Warn().Err(err).Str("type", alertType).Msg("email alert failed")
			metrics.AlertsTotal.WithLabelValues("email", "failure").Inc()
		} else {
			metrics.AlertsTotal.WithLabelValues("email", "success").Inc()
		}
	}

	d.auditor.Log("alert_sent", alertType, "alert",
		map[string]string{"severity": severity, "message": message})
	d.logger.Info().Str("type", alertType).Str("severity", severity).Msg("alert sent")
}

func (d *Dispatcher) postWebhook(message string) error {
	payload, err := json.Marshal(map[string]string{
		"text":      message,
		"timestamp": d.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	resp, err := d.httpClient.Post(d.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) sendEmail(alertType, message, severity string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", d.emailUser)
	m.SetHeader("To", d.emailTo)
	m.SetHeader("Subject", fmt.Sprintf("Protekt Alert: %s (%s)", alertType, severity))
	m.SetBody("text/plain", message)

	dialer := gomail.NewDialer(d.smtpServer, d.smtpPort, d.emailUser, d.emailPass)
	return dialer.DialAndSend(m)
}

// SendManual emits an operator-triggered alert outside the scan loop.
func (d *Dispatcher) SendManual(alertType, description, severity string) {
	if !d.enabled {
		return
	}
	data := map[string]interface{}{
		"device_id":   d.deviceID,
		"device_name": d.deviceName,
		"timestamp":   d.now().UTC().Format(time.RFC3339),
		"description": description,
	}
	d.deliver(alertType, render(alertType, data), severity)
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "unknown"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "unknown"
}
