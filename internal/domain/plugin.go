package domain

import (
	"context"
	"errors"
	"fmt"
)

// PluginManifest is the static descriptor stored next to a plugin script
type PluginManifest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	EntryPoint   string   `json:"entryPoint"`
	Patterns     []string `json:"patterns"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// IsManifest reports whether a decoded JSON document looks like a plugin manifest
func (m PluginManifest) IsManifest() bool {
	return m.Name != "" && m.EntryPoint != "" && len(m.Patterns) > 0
}

// Validate checks the manifest fields required to load the plugin
func (m PluginManifest) Validate() error {
	if m.Name == "" {
		return errors.New("manifest name is required")
	}
	if m.EntryPoint == "" {
		return fmt.Errorf("plugin %s: entryPoint is required", m.Name)
	}
	if len(m.Patterns) == 0 {
		return fmt.Errorf("plugin %s: at least one pattern is required", m.Name)
	}
	return nil
}

// PluginInfo describes a loaded plugin for listings
type PluginInfo struct {
	Manifest PluginManifest `json:"manifest"`
	Dir      string         `json:"dir"`
	Enabled  bool           `json:"enabled"`
}

// ScriptHandle identifies a plugin object loaded into a ScriptSandbox
type ScriptHandle int

// ScriptSandbox is the single shared script runtime all plugins are loaded into
type ScriptSandbox interface {
	// Load evaluates a plugin script and returns a handle to its exported object
	Load(name, source string) (ScriptHandle, error)

	// Invoke calls the plugin's handle(url) and waits for the value it settles with
	Invoke(ctx context.Context, handle ScriptHandle, rawURL string) (ScriptOutcome, error)

	// Reset discards every loaded plugin and starts a fresh runtime
	Reset() error
}

// PluginResult is one concrete, fetchable resource produced by resolution
type PluginResult struct {
	URL               string            `json:"url"`
	FileName          string            `json:"fileName,omitempty"`
	IconURL           string            `json:"iconURL,omitempty"`
	Size              int64             `json:"size,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	ReprocessOnResume bool              `json:"reprocessOnResume,omitempty"`

	PluginName   string   `json:"-"`
	Capabilities []string `json:"-"`
}

// BypassResult returns the unresolved result for a URL no plugin handled
func BypassResult(rawURL string) PluginResult {
	return PluginResult{URL: rawURL}
}

// OutcomeKind tags the shape a plugin handler returned
type OutcomeKind int

const (
	OutcomeUnrecognized OutcomeKind = iota
	OutcomeURL
	OutcomeResource
	OutcomeList
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeURL:
		return "url"
	case OutcomeResource:
		return "resource"
	case OutcomeList:
		return "list"
	case OutcomeError:
		return "error"
	}
	return "unrecognized"
}

// ScriptOutcome is the decoded value a plugin handler settled with
type ScriptOutcome struct {
	Kind      OutcomeKind
	Resources []PluginResult
	Error     string
	Retryable bool
}

// DecodeScriptOutcome classifies a JSON-decoded handler value.
//
// Accepted shapes: a URL string, {error, retryable?}, {url, ...}, {files: [...]} and
// bare arrays. Elements of lists are strings or {url, ...} objects; anything else is skipped.
func DecodeScriptOutcome(v any) ScriptOutcome {
	switch t := v.(type) {
	case string:
		if t == "" {
			return ScriptOutcome{}
		}
		return ScriptOutcome{Kind: OutcomeURL, Resources: []PluginResult{{URL: t}}}
	case []any:
		return ScriptOutcome{Kind: OutcomeList, Resources: decodeResourceList(t)}
	case map[string]any:
		if e, ok := t["error"]; ok && e != nil {
			return ScriptOutcome{
				Kind:      OutcomeError,
				Error:     fmt.Sprint(e),
				Retryable: truthy(t["retryable"]),
			}
		}
		if r, ok := decodeResource(t); ok {
			return ScriptOutcome{Kind: OutcomeResource, Resources: []PluginResult{r}}
		}
		if files, ok := t["files"].([]any); ok {
			return ScriptOutcome{Kind: OutcomeList, Resources: decodeResourceList(files)}
		}
	}
	return ScriptOutcome{}
}

func decodeResourceList(items []any) []PluginResult {
	results := make([]PluginResult, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case string:
			if t != "" {
				results = append(results, PluginResult{URL: t})
			}
		case map[string]any:
			if r, ok := decodeResource(t); ok {
				results = append(results, r)
			}
		}
	}
	return results
}

func decodeResource(m map[string]any) (PluginResult, bool) {
	u, _ := m["url"].(string)
	if u == "" {
		return PluginResult{}, false
	}
	r := PluginResult{URL: u}
	r.FileName, _ = m["fileName"].(string)
	r.IconURL, _ = m["iconURL"].(string)
	if size, ok := m["size"].(float64); ok && size > 0 {
		r.Size = int64(size)
	}
	if headers, ok := m["headers"].(map[string]any); ok && len(headers) > 0 {
		r.Headers = make(map[string]string, len(headers))
		for k, hv := range headers {
			if s, ok := hv.(string); ok {
				r.Headers[k] = s
			}
		}
	}
	r.ReprocessOnResume = truthy(m["reprocessOnResume"])
	return r, true
}

// truthy follows JavaScript truthiness for JSON-decoded values
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case nil:
		return false
	}
	return true
}
