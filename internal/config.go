package internal

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

type NovaRelConfig struct {
	AppName string `mapstructure:"app_name"`

	Storage struct {
		Workdir    string `mapstructure:"workdir"`
		Policy     string `mapstructure:"policy"`
		ReadBuffer int    `mapstructure:"read_buffer"`
		RowCache   int    `mapstructure:"row_cache"`
	} `mapstructure:"storage"`

	Index struct {
		Persist       bool    `mapstructure:"persist"`
		BloomCapacity uint    `mapstructure:"bloom_capacity"`
		BloomFP       float64 `mapstructure:"bloom_fp"`
		RebuildOnOpen bool    `mapstructure:"rebuild_on_open"`
	} `mapstructure:"index"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "novarel")
	v.SetDefault("storage.workdir", "./data")
	v.SetDefault("storage.policy", "log")
	v.SetDefault("storage.read_buffer", 64*1024)
	v.SetDefault("storage.row_cache", 1024)
	v.SetDefault("index.persist", true)
	v.SetDefault("index.bloom_capacity", 100_000)
	v.SetDefault("index.bloom_fp", 0.01)
	v.SetDefault("index.rebuild_on_open", false)
	v.SetDefault("log.level", "info")
}

func DefaultConfig() *NovaRelConfig {
	v := viper.New()
	setDefaults(v)
	var cfg NovaRelConfig
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// LoadConfig overlays the YAML file at path on the defaults. NOVAREL_*
// environment variables override both, e.g. NOVAREL_STORAGE_WORKDIR.
func LoadConfig(path string) (*NovaRelConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("novarel")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NovaRelConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// SlogLevel maps log.level to a slog level; unknown names mean info.
func (c *NovaRelConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
