package saas

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterSendsPayloadAndBearer(t *testing.T) {
	var gotAuth string
	var gotBody RegisterRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/devices/register", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(RegisterResponse{OrgID: "org-9", APIKey: "fresh-key", Status: "registered"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "boot-key", 5*time.Second, 0)
	resp, err := c.Register(context.Background(), &RegisterRequest{
		DeviceID: "dev-1", DeviceName: "host", DeviceType: "linux", OrgID: "org-9", APIKey: "boot-key",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer boot-key", gotAuth)
	assert.Equal(t, "dev-1", gotBody.DeviceID)
	assert.Equal(t, "host", gotBody.DeviceName)
	assert.Equal(t, "org-9", resp.OrgID)
	assert.Equal(t, "fresh-key", resp.APIKey)
}

func TestPollCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/devices/dev-1/commands", r.URL.Path)
		io.WriteString(w, `{"commands":[{"id":"c1","type":"run_backup","parameters":{"paths":["/etc"]}}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 5*time.Second, 0)
	cmds, err := c.PollCommands(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "c1", cmds[0].ID)
	assert.Equal(t, "run_backup", cmds[0].CommandType)
	assert.JSONEq(t, `{"paths":["/etc"]}`, string(cmds[0].Parameters))
}

func TestNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad", 5*time.Second, 0)
	err := c.Heartbeat(context.Background(), map[string]string{"device_id": "dev-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestHealthGate(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second, 0)
	assert.NoError(t, c.Health(context.Background()))

	healthy = false
	assert.Error(t, c.Health(context.Background()))
}

func TestSignedPutSkipsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Empty(t, r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "ciphertext", string(body))
	}))
	defer srv.Close()

	c := NewClient("http://unused", "secret", 5*time.Second, 5*time.Second)
	err := c.SignedPut(context.Background(), srv.URL+"/bucket/obj?sig=abc",
		strings.NewReader("ciphertext"), int64(len("ciphertext")))
	require.NoError(t, err)
}

func TestSetAPIKeyTakesEffect(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "old", 5*time.Second, 0)
	c.SetAPIKey("new")
	require.NoError(t, c.Heartbeat(context.Background(), map[string]string{}))
	assert.Equal(t, "Bearer new", gotAuth)
}
