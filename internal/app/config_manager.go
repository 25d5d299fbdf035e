package app

import (
	_ "embed"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/pkg/common"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed config_schemas.json
var configSchemasData []byte

// ConfigSchema describes one runtime setting.
type ConfigSchema struct {
	Key         string `json:"key"` // category.name
	Type        string `json:"type"`
	Default     string `json:"default"`
	Description string `json:"description"`
}

type ConfigSchemasJSON struct {
	Schemas []ConfigSchema `json:"schemas"`
}

func loadSchemas() ([]ConfigSchema, error) {
	var data ConfigSchemasJSON
	if err := json.Unmarshal(configSchemasData, &data); err != nil {
		return nil, errors.Wrap(err, "decode config schemas")
	}
	return data.Schemas, nil
}

// ConfigManager caches sys_config rows. Reads fall back to schema defaults.
type ConfigManager struct {
	app      *Application
	mu       sync.RWMutex
	values   map[string]string
	defaults map[string]string
	schemas  []ConfigSchema
}

func NewConfigManager(a *Application) *ConfigManager {
	cm := &ConfigManager{
		app:      a,
		values:   make(map[string]string),
		defaults: make(map[string]string),
	}
	schemas, err := loadSchemas()
	if err != nil {
		zap.L().Error("failed to load config schemas", zap.Error(err))
	}
	cm.schemas = schemas
	for _, s := range schemas {
		cm.defaults[s.Key] = s.Default
	}
	cm.Reload()
	return cm
}

// Reload re-reads every setting from the database.
func (cm *ConfigManager) Reload() {
	if cm.app == nil || cm.app.gormDB == nil {
		return
	}
	var rows []domain.SysConfig
	if err := cm.app.gormDB.Find(&rows).Error; err != nil {
		zap.L().Error("failed to load sys_config", zap.Error(err))
		return
	}
	values := make(map[string]string, len(rows))
	for _, r := range rows {
		values[r.Type+"."+r.Name] = r.Value
	}
	cm.mu.Lock()
	cm.values = values
	cm.mu.Unlock()
}

func (cm *ConfigManager) GetString(category, key string) string {
	k := category + "." + key
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if v, ok := cm.values[k]; ok {
		return v
	}
	return cm.defaults[k]
}

func (cm *ConfigManager) GetInt64(category, key string) int64 {
	return cast.ToInt64(strings.TrimSpace(cm.GetString(category, key)))
}

func (cm *ConfigManager) GetInt(category, key string) int {
	return cast.ToInt(strings.TrimSpace(cm.GetString(category, key)))
}

func (cm *ConfigManager) GetBool(category, key string) bool {
	v := strings.ToLower(strings.TrimSpace(cm.GetString(category, key)))
	return v == "true" || v == "1" || v == "enabled" || v == "yes"
}

// Schemas describes every known setting.
func (cm *ConfigManager) Schemas() []ConfigSchema {
	return cm.schemas
}

// All returns the effective value of every known setting.
func (cm *ConfigManager) All() map[string]string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make(map[string]string, len(cm.defaults)+len(cm.values))
	for k, v := range cm.defaults {
		out[k] = v
	}
	for k, v := range cm.values {
		out[k] = v
	}
	return out
}

// Set persists one setting and updates the cache.
func (cm *ConfigManager) Set(category, key, value string) error {
	db := cm.app.gormDB
	res := db.Model(&domain.SysConfig{}).
		Where("type = ? and name = ?", category, key).
		Updates(map[string]interface{}{"value": value, "updated_at": time.Now()})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "save setting %s.%s", category, key)
	}
	if res.RowsAffected == 0 {
		if err := db.Create(&domain.SysConfig{
			ID:    common.UUIDint64(),
			Type:  category,
			Name:  key,
			Value: value,
		}).Error; err != nil {
			return errors.Wrapf(err, "create setting %s.%s", category, key)
		}
	}
	cm.mu.Lock()
	cm.values[category+"."+key] = value
	cm.mu.Unlock()
	return nil
}

// SaveAll stores values keyed by "category.name".
func (cm *ConfigManager) SaveAll(settings map[string]interface{}) error {
	for k, v := range settings {
		parts := strings.SplitN(k, ".", 2)
		if len(parts) != 2 {
			return errors.Errorf("invalid setting key %q", k)
		}
		if err := cm.Set(parts[0], parts[1], cast.ToString(v)); err != nil {
			return err
		}
	}
	return nil
}
