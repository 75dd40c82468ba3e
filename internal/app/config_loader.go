package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/yourusername/downlink-go/internal/domain"
)

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*domain.Config, error) {
	// Start with default config
	config := domain.DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.downlink")
		v.AddConfigPath("/etc/downlink")
	}

	// Environment overrides, e.g. DOWNLINK_SERVER_PORT
	v.SetEnvPrefix("DOWNLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config = expandPaths(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// bindEnvKeys registers every known key so AutomaticEnv applies even without a config file
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"server.host", "server.port",
		"download.download_dir", "download.temp_dir", "download.max_retries", "download.retry_delay",
		"download.sample_interval", "download.stale_speed_after",
		"plugins.dirs", "plugins.max_attempts", "plugins.retry_base_delay", "plugins.timeout",
		"plugins.fetch_timeout", "plugins.fetch_max_bytes",
		"broadcast.min_interval",
		"settings.database_path",
		"notification.enabled", "notification.sound", "notification.method",
		"logging.level", "logging.format", "logging.output_path", "logging.logs_dir",
	} {
		_ = v.BindEnv(key)
	}
}

// expandPaths expands environment variables in path configurations
func expandPaths(config *domain.Config) *domain.Config {
	config.Download.DownloadDir = expandPath(config.Download.DownloadDir)
	config.Download.TempDir = expandPath(config.Download.TempDir)
	config.Settings.DatabasePath = expandPath(config.Settings.DatabasePath)
	config.Logging.LogsDir = expandPath(config.Logging.LogsDir)

	dirs := make([]string, 0, len(config.Plugins.Dirs))
	for _, dir := range config.Plugins.Dirs {
		if dir = strings.TrimSpace(dir); dir != "" {
			dirs = append(dirs, expandPath(dir))
		}
	}
	config.Plugins.Dirs = dirs

	if config.Logging.OutputPath != "stdout" && config.Logging.OutputPath != "stderr" {
		config.Logging.OutputPath = expandPath(config.Logging.OutputPath)
	}

	return config
}

// expandPath expands environment variables and ~ in paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	// $HOME is resolved through UserHomeDir so it works when the variable is unset
	if strings.Contains(path, "$HOME") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.ReplaceAll(path, "$HOME", home)
		}
	}

	return os.ExpandEnv(path)
}

// validateConfig validates the configuration
func validateConfig(config *domain.Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Download.DownloadDir == "" {
		return fmt.Errorf("download directory not configured")
	}

	if config.Download.TempDir == "" {
		return fmt.Errorf("temp directory not configured")
	}

	if config.Download.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	if config.Download.RetryDelay < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}

	if config.Plugins.MaxAttempts < 1 {
		return fmt.Errorf("plugin max attempts must be at least 1")
	}

	if config.Plugins.FetchMaxBytes <= 0 {
		return fmt.Errorf("plugin fetch size limit must be positive")
	}

	if config.Broadcast.MinInterval <= 0 {
		return fmt.Errorf("broadcast interval must be positive")
	}

	if config.Settings.DatabasePath == "" {
		return fmt.Errorf("settings database path not configured")
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *domain.Config, path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	// Keys are set one by one so the file uses the same names LoadConfig reads
	v.Set("server.host", config.Server.Host)
	v.Set("server.port", config.Server.Port)
	v.Set("download.download_dir", config.Download.DownloadDir)
	v.Set("download.temp_dir", config.Download.TempDir)
	v.Set("download.max_retries", config.Download.MaxRetries)
	v.Set("download.retry_delay", config.Download.RetryDelay.String())
	v.Set("download.sample_interval", config.Download.SampleInterval.String())
	v.Set("download.stale_speed_after", config.Download.StaleSpeedAfter.String())
	v.Set("plugins.dirs", config.Plugins.Dirs)
	v.Set("plugins.max_attempts", config.Plugins.MaxAttempts)
	v.Set("plugins.retry_base_delay", config.Plugins.RetryBaseDelay.String())
	v.Set("plugins.timeout", config.Plugins.Timeout.String())
	v.Set("plugins.fetch_timeout", config.Plugins.FetchTimeout.String())
	v.Set("plugins.fetch_max_bytes", config.Plugins.FetchMaxBytes)
	v.Set("broadcast.min_interval", config.Broadcast.MinInterval.String())
	v.Set("settings.database_path", config.Settings.DatabasePath)
	v.Set("notification.enabled", config.Notification.Enabled)
	v.Set("notification.sound", config.Notification.Sound)
	v.Set("notification.method", config.Notification.Method)
	v.Set("logging.level", config.Logging.Level)
	v.Set("logging.format", config.Logging.Format)
	v.Set("logging.output_path", config.Logging.OutputPath)
	v.Set("logging.logs_dir", config.Logging.LogsDir)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
