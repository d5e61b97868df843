package saas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Client talks to the Protekt SaaS backend. All methods return an error on
// any non-2xx response; callers treat errors as "backend unreachable" and
// leave their work on the offline queue.
type Client struct {
	baseURL string

	mu     sync.RWMutex
	apiKey string

	httpClient   *http.Client
	uploadClient *http.Client
}

// RegisterRequest is the device enrollment payload.
type RegisterRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	OrgID      string `json:"org_id,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
}

// RegisterResponse carries the credentials the backend may assign during
// enrollment. Empty fields mean "keep what you have".
type RegisterResponse struct {
	DeviceID     string `json:"device_id,omitempty"`
	OrgID        string `json:"org_id,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	Status       string `json:"status,omitempty"`
	RegisteredAt string `json:"registered_at,omitempty"`
}

// RemoteCommand is one backend-issued command as returned by the poll
// endpoint.
type RemoteCommand struct {
	ID          string          `json:"id"`
	CommandType string          `json:"type"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// NewClient builds a client for the backend at baseURL. timeout applies to
// every call except signed-URL uploads, which get uploadTimeout.
func NewClient(baseURL, apiKey string, timeout, uploadTimeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if uploadTimeout <= 0 {
		uploadTimeout = 300 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: timeout},
		uploadClient: &http.Client{Timeout: uploadTimeout},
	}
}

// SetAPIKey swaps the bearer credential, used after registration returns a
// backend-assigned key.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	c.apiKey = key
	c.mu.Unlock()
}

// Configured reports whether the client has a backend URL to talk to.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Register enrolls the device with the backend.
func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.postJSON(ctx, "/api/devices/register", req, &resp); err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}
	return &resp, nil
}

// Heartbeat reports the device's current state snapshot.
func (c *Client) Heartbeat(ctx context.Context, payload interface{}) error {
	if err := c.postJSON(ctx, "/api/devices/heartbeat", payload, nil); err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	return nil
}

// TelemetryBatch delivers a batch of queued telemetry payloads.
func (c *Client) TelemetryBatch(ctx context.Context, deviceID string, samples []json.RawMessage) error {
	body := map[string]interface{}{
		"device_id":       deviceID,
		"telemetry_batch": samples,
		"batch_size":      len(samples),
	}
	if err := c.postJSON(ctx, "/api/devices/telemetry-batch", body, nil); err != nil {
		return fmt.Errorf("telemetry batch failed: %w", err)
	}
	return nil
}

// SecurityEventsBatch delivers a batch of queued security event payloads.
func (c *Client) SecurityEventsBatch(ctx context.Context, deviceID string, events []json.RawMessage) error {
	body := map[string]interface{}{
		"device_id":    deviceID,
		"events_batch": events,
		"batch_size":   len(events),
	}
	if err := c.postJSON(ctx, "/api/devices/security-events-batch", body, nil); err != nil {
		return fmt.Errorf("security events batch failed: %w", err)
	}
	return nil
}

// PollCommands fetches commands queued for this device.
func (c *Client) PollCommands(ctx context.Context, deviceID string) ([]RemoteCommand, error) {
	var resp struct {
		Commands []RemoteCommand `json:"commands"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/api/devices/%s/commands", deviceID), &resp); err != nil {
		return nil, fmt.Errorf("command poll failed: %w", err)
	}
	return resp.Commands, nil
}

// PostCommandResult reports one command's outcome.
func (c *Client) PostCommandResult(ctx context.Context, deviceID string, result json.RawMessage) error {
	if err := c.postJSON(ctx, fmt.Sprintf("/api/devices/%s/command-result", deviceID), result, nil); err != nil {
		return fmt.Errorf("command result post failed: %w", err)
	}
	return nil
}

// RequestUploadURL asks the backend for a signed URL that will accept
// one backup artifact.
func (c *Client) RequestUploadURL(ctx context.Context, deviceID, backupID string) (string, error) {
	var resp struct {
		UploadURL string `json:"upload_url"`
	}
	body := map[string]string{"backup_id": backupID}
	if err := c.postJSON(ctx, fmt.Sprintf("/api/devices/%s/backup-upload-url", deviceID), body, &resp); err != nil {
		return "", fmt.Errorf("upload url request failed: %w", err)
	}
	if resp.UploadURL == "" {
		return "", fmt.Errorf("backend returned no upload url for %s", backupID)
	}
	return resp.UploadURL, nil
}

// Health probes the backend. A nil return is the liveness gate the sync
// worker checks before draining the queue.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// SignedPut uploads body to a backend-issued signed URL. No bearer header;
// the URL itself carries the authorization.
func (c *Client) SignedPut(ctx context.Context, url string, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload rejected: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	c.mu.RLock()
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
