package domain

import "time"

// PluginSetting is the persisted enabled flag of a plugin, keyed by plugin name
type PluginSetting struct {
	Name      string    `json:"name" gorm:"primaryKey"`
	Enabled   bool      `json:"enabled" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (PluginSetting) TableName() string {
	return "plugin_settings"
}

// PluginSettingsRepository defines the interface for plugin settings persistence
type PluginSettingsRepository interface {
	// PluginEnabled returns the stored flag and whether a record exists
	PluginEnabled(name string) (enabled bool, found bool, err error)

	// SetPluginEnabled upserts the flag for a plugin
	SetPluginEnabled(name string, enabled bool) error

	// ListPluginSettings returns all stored flags
	ListPluginSettings() ([]PluginSetting, error)
}
