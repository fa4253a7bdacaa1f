// Package settings stores runtime-tunable configuration in the database,
// fronted by a short-lived cache.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/karloscodes/cartridge/cache"
	"github.com/karloscodes/cartridge/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Setting represents a configuration item in the database
type Setting struct {
	ID        uint      `gorm:"primaryKey"`
	Key       string    `gorm:"uniqueIndex;not null"`
	Value     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:milli"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:milli"`
}

// Setting keys
const (
	KeyAlerts          = "alerts"
	KeyExcludedOrigins = "excluded_origins"
	KeyCollectorAPIKey = "collector_api_key"
)

// Alert setting defaults. Malformed values fall back to these rather than
// failing ingestion.
const (
	DefaultEnergyFactor    = 0.81 // kWh per GB transferred
	DefaultCO2Factor       = 442  // grams CO2 per kWh
	DefaultCO2ThresholdG   = 10.0
	DefaultTimeThresholdS  = 30
	DefaultWindowMinutes   = 10
	DefaultCheckIntervalS  = 10
	DefaultCooldownMinutes = 5
)

// AlertSettings tunes the per-origin CO2 alert engine.
type AlertSettings struct {
	EnergyFactor    float64 `json:"energyFactor"`
	CO2Factor       float64 `json:"co2Factor"`
	AlertEnabled    bool    `json:"alertEnabled"`
	CO2ThresholdG   float64 `json:"co2ThresholdG"`
	TimeThresholdS  int     `json:"timeThresholdS"`
	WindowMinutes   int     `json:"windowMinutes"`
	CheckIntervalS  int     `json:"checkIntervalS"`
	CooldownMinutes int     `json:"cooldownMinutes"`
}

// DefaultAlertSettings returns the documented defaults.
func DefaultAlertSettings() AlertSettings {
	return AlertSettings{
		EnergyFactor:    DefaultEnergyFactor,
		CO2Factor:       DefaultCO2Factor,
		AlertEnabled:    true,
		CO2ThresholdG:   DefaultCO2ThresholdG,
		TimeThresholdS:  DefaultTimeThresholdS,
		WindowMinutes:   DefaultWindowMinutes,
		CheckIntervalS:  DefaultCheckIntervalS,
		CooldownMinutes: DefaultCooldownMinutes,
	}
}

// Normalized replaces malformed values with their defaults. Zero
// TimeThresholdS is a valid choice (alerts arm immediately), so only
// negative values fall back.
func (s AlertSettings) Normalized() AlertSettings {
	d := DefaultAlertSettings()
	if s.EnergyFactor <= 0 {
		s.EnergyFactor = d.EnergyFactor
	}
	if s.CO2Factor <= 0 {
		s.CO2Factor = d.CO2Factor
	}
	if s.CO2ThresholdG <= 0 {
		s.CO2ThresholdG = d.CO2ThresholdG
	}
	if s.TimeThresholdS < 0 {
		s.TimeThresholdS = d.TimeThresholdS
	}
	if s.WindowMinutes <= 0 {
		s.WindowMinutes = d.WindowMinutes
	}
	if s.CheckIntervalS <= 0 {
		s.CheckIntervalS = d.CheckIntervalS
	}
	if s.CooldownMinutes <= 0 {
		s.CooldownMinutes = d.CooldownMinutes
	}
	return s
}

var excludedOriginsCache *cache.Cache[string, []string]

// SetupDefaultSettings initializes default settings in the database
func SetupDefaultSettings(dbConn *gorm.DB) error {
	defaults, err := json.Marshal(DefaultAlertSettings())
	if err != nil {
		return fmt.Errorf("failed to marshal default alert settings: %w", err)
	}

	settings := []Setting{
		{Key: KeyAlerts, Value: string(defaults)},
		{Key: KeyExcludedOrigins, Value: ""},
	}
	err = sqlite.PerformWrite(slog.Default(), dbConn, func(tx *gorm.DB) error {
		for _, setting := range settings {
			// Use raw SQL for upsert
			err := tx.Exec(`
                INSERT INTO settings (key, value, created_at, updated_at)
                VALUES (?, ?, ?, ?)
                ON CONFLICT(key) DO NOTHING
            `, setting.Key, setting.Value, time.Now().UTC(), time.Now().UTC()).Error
			if err != nil {
				slog.Default().Error("Failed to upsert setting", slog.String("key", setting.Key), slog.Any("error", err))
				return fmt.Errorf("failed to upsert setting %s: %w", setting.Key, err)
			}
		}
		return nil
	})

	// Initialize the cache
	loadCache(dbConn, slog.Default())

	return err
}

// GetSetting retrieves a setting value from the database
func GetSetting(dbConn *gorm.DB, key string) (string, error) {
	var setting Setting
	result := dbConn.Where("key = ?", key).First(&setting)

	if result.Error != nil {
		return "", result.Error
	}

	return setting.Value, nil
}

// UpdateSetting updates a setting in the database using a transaction
func UpdateSetting(dbConn *gorm.DB, key string, value string) error {
	tx := dbConn.Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	result := tx.Model(&Setting{}).Where("key = ?", key).Update("value", value)
	if result.Error != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update setting: %w", result.Error)
	}

	// If no rows were affected, the setting might not exist - try to create it
	if result.RowsAffected == 0 {
		setting := Setting{
			Key:   key,
			Value: value,
		}
		if err := tx.Create(&setting).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create setting: %w", err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	// Clear and reload the cache after successful update
	if excludedOriginsCache != nil {
		excludedOriginsCache.Clear()
	}
	loadCache(dbConn, slog.Default())

	return nil
}

// GetAlertSettings loads the alert settings row, falling back to defaults
// when the row is missing or malformed. Loading never fails ingestion.
func GetAlertSettings(dbConn *gorm.DB) AlertSettings {
	raw, err := GetSetting(dbConn, KeyAlerts)
	if err != nil || raw == "" {
		return DefaultAlertSettings()
	}

	var s AlertSettings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		slog.Default().Warn("Malformed alert settings, using defaults", slog.Any("error", err))
		return DefaultAlertSettings()
	}
	return s.Normalized()
}

// SaveAlertSettings persists the given settings after normalization.
func SaveAlertSettings(dbConn *gorm.DB, s AlertSettings) error {
	raw, err := json.Marshal(s.Normalized())
	if err != nil {
		return fmt.Errorf("failed to marshal alert settings: %w", err)
	}
	return UpdateSetting(dbConn, KeyAlerts, string(raw))
}

// GetExcludedOriginPatterns returns the configured origin exclusion
// patterns (comma-separated PCRE) via the cache.
func GetExcludedOriginPatterns() ([]string, error) {
	if excludedOriginsCache == nil {
		return nil, nil
	}

	patterns, err := excludedOriginsCache.Get(KeyExcludedOrigins)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch excluded origins: %w", err)
	}
	return patterns, nil
}

func loadCache(dbConn *gorm.DB, logger *slog.Logger) {
	fetchFunc := func(key string) ([]string, error) {
		var value string
		err := dbConn.WithContext(context.Background()).Raw("SELECT value FROM settings WHERE key = ? LIMIT 1", key).Scan(&value).Error
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(value) == "" {
			return nil, nil
		}
		patterns := strings.Split(value, ",")
		out := make([]string, 0, len(patterns))
		for _, p := range patterns {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}
	excludedOriginsCache = cache.NewCache[string, []string](logger, 5*time.Minute, fetchFunc)
}

// SetCollectorAPIKey stores a bcrypt hash of the collector API key. The
// plaintext key is never persisted.
func SetCollectorAPIKey(dbConn *gorm.DB, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("collector API key cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash collector API key: %w", err)
	}

	return UpdateSetting(dbConn, KeyCollectorAPIKey, string(hash))
}

// VerifyCollectorAPIKey checks a presented key against the stored hash.
// An unconfigured key rejects everything.
func VerifyCollectorAPIKey(dbConn *gorm.DB, presented string) bool {
	hash, err := GetSetting(dbConn, KeyCollectorAPIKey)
	if err != nil || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil
}

// IsCollectorAPIKeyConfigured reports whether a key hash is stored.
func IsCollectorAPIKeyConfigured(dbConn *gorm.DB) bool {
	hash, err := GetSetting(dbConn, KeyCollectorAPIKey)
	return err == nil && hash != ""
}
