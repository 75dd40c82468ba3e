package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthServer(t *testing.T, status int, body string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	serverURL = srv.URL
}

func TestCheckHealth_Running(t *testing.T) {
	healthServer(t, http.StatusOK, `{"status":"ok","version":"1.0.0","running":true}`)

	health, err := checkHealth()
	require.NoError(t, err)
	assert.True(t, health.Running)
	assert.Equal(t, "1.0.0", health.Version)
	assert.NoError(t, ensureServerRunning())
}

func TestCheckHealth_StartingIsReachable(t *testing.T) {
	healthServer(t, http.StatusServiceUnavailable, `{"status":"not ready","version":"1.0.0","running":false}`)

	health, err := checkHealth()
	require.NoError(t, err)
	assert.False(t, health.Running)
	assert.Error(t, waitForServerReady(300*time.Millisecond))
}

func TestCheckHealth_ForeignService(t *testing.T) {
	healthServer(t, http.StatusOK, `<html>hello</html>`)

	_, err := checkHealth()
	require.Error(t, err)
	assert.NotErrorIs(t, err, errServerDown)
	assert.Error(t, ensureServerRunning(), "a foreign listener must not trigger an auto-start")
}

func TestCheckHealth_Down(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	serverURL = srv.URL
	srv.Close()

	_, err := checkHealth()
	assert.ErrorIs(t, err, errServerDown)
}

func TestServerArgs(t *testing.T) {
	assert.Empty(t, serverArgs(""))
	assert.Equal(t, []string{"-config", "/etc/downlink.yaml"}, serverArgs("/etc/downlink.yaml"))
}
