package platform

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SettingsFile is the name of the optional settings file at a store root.
const SettingsFile = "loamdb.yaml"

// Settings is the file/environment form of the options. The CLI fills it
// through viper; libraries can read it with LoadSettings.
type Settings struct {
	Path          string        `yaml:"path" mapstructure:"path"`
	Adapter       string        `yaml:"adapter" mapstructure:"adapter"`
	Name          string        `yaml:"name" mapstructure:"name"`
	Codec         string        `yaml:"codec" mapstructure:"codec"`
	SystemDir     string        `yaml:"system_dir" mapstructure:"system_dir"`
	ReadOnly      bool          `yaml:"read_only" mapstructure:"read_only"`
	CacheCapacity int           `yaml:"cache_capacity" mapstructure:"cache_capacity"`
	Debounce      time.Duration `yaml:"debounce" mapstructure:"debounce"`
	EncryptionKey string        `yaml:"encryption_key" mapstructure:"encryption_key"`
	DevSafety     *bool         `yaml:"dev_safety" mapstructure:"dev_safety"`
}

// LoadSettings reads a YAML settings file.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// Options converts the settings to options. Zero fields keep the defaults.
func (s Settings) Options() []Option {
	var opts []Option
	if s.Adapter != "" {
		opts = append(opts, WithAdapter(s.Adapter))
	}
	if s.Name != "" {
		opts = append(opts, WithName(s.Name))
	}
	if s.Codec != "" {
		opts = append(opts, WithCodecName(s.Codec))
	}
	if s.SystemDir != "" {
		opts = append(opts, WithSystemDir(s.SystemDir))
	}
	if s.ReadOnly {
		opts = append(opts, WithReadOnly(true))
	}
	if s.CacheCapacity > 0 {
		opts = append(opts, WithCacheCapacity(s.CacheCapacity))
	}
	if s.Debounce > 0 {
		opts = append(opts, WithDebounce(s.Debounce))
	}
	if s.EncryptionKey != "" {
		opts = append(opts, WithEncryptionKey([]byte(s.EncryptionKey)))
	}
	if s.DevSafety != nil {
		opts = append(opts, WithDevSafety(*s.DevSafety))
	}
	return opts
}
