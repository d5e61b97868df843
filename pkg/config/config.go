package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide sectioned key-value configuration. Values are
// kept as strings and typed at read time; Set writes through to the config
// file so remotely pushed updates survive restarts.
type Config struct {
	mu       sync.RWMutex
	path     string
	sections map[string]map[string]string
}

// Load reads the configuration file at path, creating it with defaults if
// it does not exist.
func Load(path string) (*Config, error) {
	c := &Config{
		path:     path,
		sections: defaults(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := c.save(); err != nil {
			return nil, err
		}
		return c, nil
	}

	var loaded map[string]map[string]string
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	for section, kv := range loaded {
		if c.sections[section] == nil {
			c.sections[section] = make(map[string]string)
		}
		for k, v := range kv {
			c.sections[section][k] = v
		}
	}
	return c, nil
}

func defaults() map[string]map[string]string {
	return map[string]map[string]string{
		"agent": {
			"data_dir":   "./data",
			"backup_dir": "./backups",
			"log_level":  "INFO",
			"name":       "ProtektAgent",
		},
		"security": {
			"quarantine_dir":        "./quarantine",
			"suspicious_extensions": ".exe,.bat,.cmd,.scr,.pif,.com,.vbs,.js",
			"max_file_size":         "104857600",
		},
		"monitoring": {
			"cpu_threshold":    "80.0",
			"memory_threshold": "85.0",
			"disk_threshold":   "90.0",
			"file_watch_paths": "",
			"exclude_paths":    "",
		},
		"saas": {
			"base_url":              "",
			"api_key":               "",
			"org_id":                "",
			"heartbeat_interval":    "300",
			"command_poll_interval": "60",
			"sync_interval":         "300",
			"max_retries":           "3",
			"timeout":               "30",
		},
		"backup": {
			"enabled":           "true",
			"compression_level": "6",
			"max_backup_size":   "1073741824",
			"retention_days":    "30",
		},
		"alerts": {
			"enabled":          "true",
			"alert_cooldown":   "300",
			"whatsapp_webhook": "",
			"email_smtp_server": "",
			"email_smtp_port":  "587",
			"email_username":   "",
			"email_password":   "",
			"email_recipient":  "",
		},
	}
}

// Get returns the value for section/key, or def when unset or empty.
func (c *Config) Get(section, key, def string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if kv, ok := c.sections[section]; ok {
		if v, ok := kv[key]; ok && v != "" {
			return v
		}
	}
	return def
}

// GetInt returns the value as an int, or def on parse failure.
func (c *Config) GetInt(section, key string, def int) int {
	v := c.Get(section, key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetInt64 returns the value as an int64, or def on parse failure.
func (c *Config) GetInt64(section, key string, def int64) int64 {
	v := c.Get(section, key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// GetFloat returns the value as a float64, or def on parse failure.
func (c *Config) GetFloat(section, key string, def float64) float64 {
	v := c.Get(section, key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// GetBool returns the value as a bool, or def on parse failure.
func (c *Config) GetBool(section, key string, def bool) bool {
	v := strings.ToLower(c.Get(section, key, ""))
	switch v {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return def
	}
}

// GetSeconds reads an integer number of seconds as a time.Duration.
func (c *Config) GetSeconds(section, key string, def time.Duration) time.Duration {
	v := c.GetInt(section, key, -1)
	if v < 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

// GetList splits a comma-separated value, trimming whitespace and dropping
// empty entries.
func (c *Config) GetList(section, key string) []string {
	v := c.Get(section, key, "")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Set stores section/key and persists the configuration file.
func (c *Config) Set(section, key, value string) error {
	c.mu.Lock()
	if c.sections[section] == nil {
		c.sections[section] = make(map[string]string)
	}
	c.sections[section][key] = value
	c.mu.Unlock()
	return c.save()
}

func (c *Config) save() error {
	c.mu.RLock()
	data, err := yaml.Marshal(c.sections)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// DeviceID returns the stable device identifier, generating and persisting
// a 16-byte hex ID on first use.
func (c *Config) DeviceID() (string, error) {
	if id := c.Get("agent", "device_id", ""); id != "" {
		return id, nil
	}
	id, err := randomHex(16)
	if err != nil {
		return "", fmt.Errorf("failed to generate device id: %w", err)
	}
	if err := c.Set("agent", "device_id", id); err != nil {
		return "", err
	}
	return id, nil
}

// EncryptionKey returns the backup encryption key as hex, generating and
// persisting a 32-byte key on first use.
func (c *Config) EncryptionKey() (string, error) {
	if key := c.Get("backup", "encryption_key", ""); key != "" {
		return key, nil
	}
	key, err := randomHex(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate encryption key: %w", err)
	}
	if err := c.Set("backup", "encryption_key", key); err != nil {
		return "", err
	}
	return key, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Directory accessors.

func (c *Config) DataDir() string {
	return c.Get("agent", "data_dir", "./data")
}

func (c *Config) BackupDir() string {
	return c.Get("agent", "backup_dir", "./backups")
}

func (c *Config) QuarantineDir() string {
	return c.Get("security", "quarantine_dir", "./quarantine")
}

func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir(), "logs")
}

func (c *Config) RollbackDir() string {
	return filepath.Join(c.DataDir(), "rollbacks")
}

// EnsureDirs creates every directory the agent writes to.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.DataDir(),
		c.BackupDir(),
		c.QuarantineDir(),
		c.LogDir(),
		c.RollbackDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
