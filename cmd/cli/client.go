package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yourusername/downlink-go/internal/domain"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func getJSON(path string, out any) error {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func postJSON(path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(serverURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// expandID resolves a unique id prefix, as printed by list, to the full id
func expandID(prefix string) (string, error) {
	var items []domain.DownloadView
	if err := getJSON("/downloads", &items); err != nil {
		return "", err
	}
	return matchID(items, prefix)
}

func matchID(items []domain.DownloadView, prefix string) (string, error) {
	var found string
	for _, item := range items {
		if item.ID == prefix {
			return item.ID, nil
		}
		if strings.HasPrefix(item.ID, prefix) {
			if found != "" {
				return "", fmt.Errorf("id prefix %q is ambiguous", prefix)
			}
			found = item.ID
		}
	}
	if found == "" {
		// Unknown ids are passed through; the server ignores them
		return prefix, nil
	}
	return found, nil
}

func parseHeaders(raw []string) (map[string]string, error) {
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		key, value, ok := strings.Cut(h, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected Key=Value", h)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}

func filterByStatus(items []domain.DownloadView, status string) []domain.DownloadView {
	if status == "" {
		return items
	}
	var out []domain.DownloadView
	for _, item := range items {
		if strings.EqualFold(string(item.Status), status) {
			out = append(out, item)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
