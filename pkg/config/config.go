// Package config provides a reusable loader for the storage engine's
// configuration files and environment variables, built on viper's layered
// file/env merge.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/openodin/core/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for one storage engine instance. It
// mirrors the structure of the default.yaml (and optional per-environment
// overlay) that Load looks for under cmd/config or config; no such file
// ships with this repository.
type Config struct {
	Storage struct {
		DBPath        string `mapstructure:"db_path" json:"db_path"`
		BlobDBPath    string `mapstructure:"blob_db_path" json:"blob_db_path"`
		MaxBatchSize  int    `mapstructure:"max_batch_size" json:"max_batch_size"`
		NowToleranceMS int64 `mapstructure:"now_tolerance_ms" json:"now_tolerance_ms"`
	} `mapstructure:"storage" json:"storage"`

	Offload struct {
		Workers int `mapstructure:"workers" json:"workers"`
	} `mapstructure:"offload" json:"offload"`

	Scheduler struct {
		SweepIntervalMS int64 `mapstructure:"sweep_interval_ms" json:"sweep_interval_ms"`
	} `mapstructure:"scheduler" json:"scheduler"`

	Listen struct {
		Address string `mapstructure:"address" json:"address"`
	} `mapstructure:"listen" json:"listen"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	setDefaults()
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("OPENODIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // picks up OPENODIN_* overrides

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the OPENODIN_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("OPENODIN_ENV", ""))
}

func setDefaults() {
	viper.SetDefault("storage.db_path", "./data/nodes.db")
	viper.SetDefault("storage.blob_db_path", "./data/nodes.db")
	viper.SetDefault("storage.max_batch_size", 100)
	viper.SetDefault("storage.now_tolerance_ms", 60_000)
	viper.SetDefault("offload.workers", 0) // 0: offload.New defaults to runtime.NumCPU()
	viper.SetDefault("scheduler.sweep_interval_ms", 30_000)
	viper.SetDefault("listen.address", "127.0.0.1:7800")
	viper.SetDefault("logging.level", "info")
}
