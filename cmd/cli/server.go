package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const (
	serverBinary       = "downlink-server"
	serverStartTimeout = 10 * time.Second
	serverPollInterval = 200 * time.Millisecond
)

var errServerDown = errors.New("server not reachable")

// serverHealth mirrors the /health response body
type serverHealth struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Running bool   `json:"running"`
}

// checkHealth reports the server's health. A server that answers but whose
// scheduler is not running yet yields Running=false and no error.
func checkHealth() (serverHealth, error) {
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		return serverHealth{}, errServerDown
	}
	defer resp.Body.Close()

	var health serverHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return serverHealth{}, fmt.Errorf("unexpected /health response (HTTP %d): %w", resp.StatusCode, err)
	}
	return health, nil
}

// findServerBinary looks next to the CLI, then on PATH, then in the usual install dirs
func findServerBinary() (string, error) {
	if execPath, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(execPath), serverBinary)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if p, err := exec.LookPath(serverBinary); err == nil {
		return p, nil
	}

	home, _ := os.UserHomeDir()
	for _, p := range []string{
		"/usr/local/bin/" + serverBinary,
		"/usr/bin/" + serverBinary,
		filepath.Join(home, "go", "bin", serverBinary),
		filepath.Join(home, ".local", "bin", serverBinary),
	} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%s binary not found", serverBinary)
}

// serverArgs builds the launcher arguments. The launcher daemonizes itself.
func serverArgs(configPath string) []string {
	if configPath == "" {
		return nil
	}
	return []string{"-config", configPath}
}

// startServer runs the server launcher, which forks the daemon and returns
func startServer() error {
	serverPath, err := findServerBinary()
	if err != nil {
		return err
	}

	cmd := exec.Command(serverPath, serverArgs(configPath)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to start server: %w: %s", err, out)
	}
	return nil
}

// waitForServerReady polls /health until the scheduler reports running
func waitForServerReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if health, err := checkHealth(); err == nil && health.Running {
			return nil
		}
		time.Sleep(serverPollInterval)
	}
	return fmt.Errorf("server did not become ready within %v", timeout)
}

// ensureServerRunning starts the server unless one already answers at serverURL
func ensureServerRunning() error {
	health, err := checkHealth()
	switch {
	case err == nil && health.Running:
		return nil
	case err == nil:
		// Up but still starting
		return waitForServerReady(serverStartTimeout)
	case !errors.Is(err, errServerDown):
		return err
	}

	fmt.Println("Server not running, starting...")
	if err := startServer(); err != nil {
		return err
	}
	if err := waitForServerReady(serverStartTimeout); err != nil {
		return err
	}
	fmt.Println("Server started successfully")
	return nil
}
