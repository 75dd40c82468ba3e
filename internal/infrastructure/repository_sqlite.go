package infrastructure

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yourusername/downlink-go/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLiteSettingsRepository implements PluginSettingsRepository using SQLite
type SQLiteSettingsRepository struct {
	db *gorm.DB
}

// NewSQLiteSettingsRepository opens (or creates) the settings database at dbPath
func NewSQLiteSettingsRepository(dbPath string) (*SQLiteSettingsRepository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&domain.PluginSetting{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteSettingsRepository{db: db}, nil
}

// PluginEnabled returns the stored flag for a plugin
func (r *SQLiteSettingsRepository) PluginEnabled(name string) (bool, bool, error) {
	var setting domain.PluginSetting
	err := r.db.Where("name = ?", name).First(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, false, nil
		}
		return false, false, err
	}
	return setting.Enabled, true, nil
}

// SetPluginEnabled upserts the flag for a plugin
func (r *SQLiteSettingsRepository) SetPluginEnabled(name string, enabled bool) error {
	setting := domain.PluginSetting{Name: name, Enabled: enabled}
	// The column has no default so a false flag is written as false
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at"}),
	}).Select("name", "enabled", "updated_at").Create(&setting).Error
}

// ListPluginSettings returns all stored flags ordered by plugin name
func (r *SQLiteSettingsRepository) ListPluginSettings() ([]domain.PluginSetting, error) {
	var settings []domain.PluginSetting
	err := r.db.Order("name ASC").Find(&settings).Error
	return settings, err
}

// Close closes the database connection
func (r *SQLiteSettingsRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
