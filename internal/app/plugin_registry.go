package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/yourusername/downlink-go/internal/domain"
	"go.uber.org/zap"
)

// patternMatchTimeout bounds a single pattern evaluation against a URL
const patternMatchTimeout = 250 * time.Millisecond

// LoadedPlugin is a manifest whose script has been evaluated in the sandbox
type LoadedPlugin struct {
	Manifest domain.PluginManifest
	Dir      string
	Handle   domain.ScriptHandle
	Enabled  bool
	patterns []*regexp2.Regexp
}

// PluginMatch is the plugin chosen for a URL
type PluginMatch struct {
	Name         string
	Capabilities []string
	Handle       domain.ScriptHandle
	Pattern      string
}

// PluginRegistry loads plugins from root directories and matches URLs against them
type PluginRegistry struct {
	dirs     []string
	sandbox  domain.ScriptSandbox
	settings domain.PluginSettingsRepository
	logger   *zap.Logger

	mu      sync.RWMutex
	plugins []*LoadedPlugin
}

// NewPluginRegistry creates an empty registry. Call Load to scan dirs.
func NewPluginRegistry(
	dirs []string,
	sandbox domain.ScriptSandbox,
	settings domain.PluginSettingsRepository,
	logger *zap.Logger,
) *PluginRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PluginRegistry{
		dirs:     dirs,
		sandbox:  sandbox,
		settings: settings,
		logger:   logger,
	}
}

// Load scans every root directory and replaces the loaded plugin list.
// Broken plugins are skipped with a warning; only I/O on the roots themselves fails.
func (r *PluginRegistry) Load() error {
	var loaded []*LoadedPlugin
	seen := make(map[string]bool)

	for _, root := range r.dirs {
		if _, err := os.Stat(root); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				r.logger.Warn("Plugin directory does not exist", zap.String("dir", root))
				continue
			}
			return fmt.Errorf("failed to stat plugin directory %s: %w", root, err)
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				r.logger.Warn("Skipping unreadable path", zap.String("path", path), zap.Error(err))
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
				return nil
			}

			plugin, ok := r.loadManifest(path)
			if !ok {
				return nil
			}
			if seen[plugin.Manifest.Name] {
				r.logger.Warn("Duplicate plugin name, skipping",
					zap.String("plugin", plugin.Manifest.Name),
					zap.String("manifest", path))
				return nil
			}
			seen[plugin.Manifest.Name] = true
			loaded = append(loaded, plugin)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to scan plugin directory %s: %w", root, err)
		}
	}

	r.mu.Lock()
	r.plugins = loaded
	r.mu.Unlock()

	r.logger.Info("Plugins loaded", zap.Int("count", len(loaded)))
	return nil
}

// Reload resets the sandbox and rescans every root directory
func (r *PluginRegistry) Reload() error {
	r.mu.Lock()
	r.plugins = nil
	r.mu.Unlock()

	if err := r.sandbox.Reset(); err != nil {
		return fmt.Errorf("failed to reset sandbox: %w", err)
	}
	return r.Load()
}

// loadManifest reads one candidate manifest. Non-manifest JSON is ignored silently.
func (r *PluginRegistry) loadManifest(path string) (*LoadedPlugin, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		r.logger.Warn("Failed to read manifest", zap.String("manifest", path), zap.Error(err))
		return nil, false
	}

	var manifest domain.PluginManifest
	if err := json.Unmarshal(data, &manifest); err != nil || !manifest.IsManifest() {
		return nil, false
	}

	dir := filepath.Dir(path)
	entry := filepath.Join(dir, filepath.FromSlash(manifest.EntryPoint))
	source, err := os.ReadFile(entry)
	if err != nil {
		r.logger.Warn("Plugin entry point missing, skipping",
			zap.String("plugin", manifest.Name),
			zap.String("entry_point", entry),
			zap.Error(err))
		return nil, false
	}

	patterns := make([]*regexp2.Regexp, 0, len(manifest.Patterns))
	for _, p := range manifest.Patterns {
		re, err := regexp2.Compile(p, regexp2.ECMAScript|regexp2.IgnoreCase)
		if err != nil {
			r.logger.Warn("Invalid plugin pattern, skipping",
				zap.String("plugin", manifest.Name),
				zap.String("pattern", p),
				zap.Error(err))
			continue
		}
		re.MatchTimeout = patternMatchTimeout
		patterns = append(patterns, re)
	}

	handle, err := r.sandbox.Load(manifest.Name, string(source))
	if err != nil {
		r.logger.Warn("Plugin script failed to load, skipping",
			zap.String("plugin", manifest.Name),
			zap.Error(err))
		return nil, false
	}

	enabled := true
	if r.settings != nil {
		stored, found, err := r.settings.PluginEnabled(manifest.Name)
		if err != nil {
			r.logger.Warn("Failed to read plugin setting, assuming enabled",
				zap.String("plugin", manifest.Name),
				zap.Error(err))
		} else if found {
			enabled = stored
		}
	}

	r.logger.Info("Plugin loaded",
		zap.String("plugin", manifest.Name),
		zap.String("dir", dir),
		zap.Int("patterns", len(patterns)),
		zap.Bool("enabled", enabled))

	return &LoadedPlugin{
		Manifest: manifest,
		Dir:      dir,
		Handle:   handle,
		Enabled:  enabled,
		patterns: patterns,
	}, true
}

// Match returns the first enabled plugin, in load order, with a pattern matching rawURL
func (r *PluginRegistry) Match(rawURL string) (PluginMatch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if !p.Enabled {
			continue
		}
		for _, re := range p.patterns {
			ok, err := re.MatchString(rawURL)
			if err != nil {
				r.logger.Warn("Pattern evaluation failed",
					zap.String("plugin", p.Manifest.Name),
					zap.String("pattern", re.String()),
					zap.Error(err))
				continue
			}
			if ok {
				return PluginMatch{
					Name:         p.Manifest.Name,
					Capabilities: p.Manifest.Capabilities,
					Handle:       p.Handle,
					Pattern:      re.String(),
				}, true
			}
		}
	}
	return PluginMatch{}, false
}

// Plugins lists loaded plugins in load order
func (r *PluginRegistry) Plugins() []domain.PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]domain.PluginInfo, 0, len(r.plugins))
	for _, p := range r.plugins {
		infos = append(infos, domain.PluginInfo{
			Manifest: p.Manifest,
			Dir:      p.Dir,
			Enabled:  p.Enabled,
		})
	}
	return infos
}

// SetEnabled persists and applies a plugin's enabled flag
func (r *PluginRegistry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.plugins {
		if p.Manifest.Name != name {
			continue
		}
		if r.settings != nil {
			if err := r.settings.SetPluginEnabled(name, enabled); err != nil {
				return fmt.Errorf("failed to persist plugin setting: %w", err)
			}
		}
		p.Enabled = enabled
		r.logger.Info("Plugin toggled", zap.String("plugin", name), zap.Bool("enabled", enabled))
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrPluginNotFound, name)
}
