package domain

import "time"

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Download     DownloadConfig     `mapstructure:"download"`
	Plugins      PluginsConfig      `mapstructure:"plugins"`
	Broadcast    BroadcastConfig    `mapstructure:"broadcast"`
	Settings     SettingsConfig     `mapstructure:"settings"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// DefaultPort is the control-plane port browser extensions expect
const DefaultPort = 18121

// ServerConfig contains control-plane server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DownloadConfig contains transfer scheduler configuration
type DownloadConfig struct {
	DownloadDir     string        `mapstructure:"download_dir"`
	TempDir         string        `mapstructure:"temp_dir"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	SampleInterval  time.Duration `mapstructure:"sample_interval"`
	StaleSpeedAfter time.Duration `mapstructure:"stale_speed_after"`
}

// PluginsConfig contains plugin registry and sandbox configuration
type PluginsConfig struct {
	Dirs           []string      `mapstructure:"dirs"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	Timeout        time.Duration `mapstructure:"timeout"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	FetchMaxBytes  int64         `mapstructure:"fetch_max_bytes"`
}

// BroadcastConfig contains subscriber push configuration
type BroadcastConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// SettingsConfig contains the location of persisted user settings
type SettingsConfig struct {
	DatabasePath string `mapstructure:"database_path"`
}

// NotificationConfig contains notification-related configuration
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Sound   bool   `mapstructure:"sound"`
	Method  string `mapstructure:"method"` // osascript, notify-send
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
	LogsDir    string `mapstructure:"logs_dir"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: DefaultPort,
		},
		Download: DownloadConfig{
			DownloadDir:     "$HOME/Downloads",
			TempDir:         "$HOME/.downlink/tmp",
			MaxRetries:      3,
			RetryDelay:      2 * time.Second,
			SampleInterval:  800 * time.Millisecond,
			StaleSpeedAfter: 2 * time.Second,
		},
		Plugins: PluginsConfig{
			Dirs:           []string{"$HOME/.downlink/plugins"},
			MaxAttempts:    3,
			RetryBaseDelay: time.Second,
			Timeout:        30 * time.Second,
			FetchTimeout:   15 * time.Second,
			FetchMaxBytes:  5 << 20,
		},
		Broadcast: BroadcastConfig{
			MinInterval: 500 * time.Millisecond,
		},
		Settings: SettingsConfig{
			DatabasePath: "$HOME/.downlink/settings.db",
		},
		Notification: NotificationConfig{
			Enabled: false,
			Sound:   false,
			Method:  "osascript",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
			LogsDir:    "$HOME/.downlink/logs",
		},
	}
}
