package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	internal "github.com/ZanzyTHEbar/histdb/histdb"
	"github.com/ZanzyTHEbar/histdb/histdb/cell"
	"github.com/ZanzyTHEbar/histdb/histdb/entity"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Build    BuildConfig    `mapstructure:"build"`
	Grid     GridConfig     `mapstructure:"grid"`
	Database DatabaseConfig `mapstructure:"database"`
}

// BuildConfig controls the cell builder.
type BuildConfig struct {
	Workers int `mapstructure:"workers"`
}

// GridConfig selects the partition grid cells are keyed on.
type GridConfig struct {
	Zoom int `mapstructure:"zoom"`
}

// KeyFor returns the cell holding c on the configured grid.
func (g GridConfig) KeyFor(c entity.Coord) cell.Key {
	return cell.KeyFor(c, uint8(g.Zoom))
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	DSN  string `mapstructure:"dsn"`
	Type string `mapstructure:"type"`
}

var ErrInvalidConfig = errors.New("invalid configuration")

// LoadConfig reads configuration from file or environment variables.
// Every call starts from a fresh viper instance.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetDefault("build.workers", min(runtime.NumCPU(), internal.DefaultBuildWorkers))
	v.SetDefault("grid.zoom", internal.DefaultGridZoom)
	v.SetDefault("database.dsn", internal.DefaultDatabaseDSN)
	v.SetDefault("database.type", internal.DefaultDatabaseType)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // build.workers becomes BUILD_WORKERS

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the builder and store cannot work with.
func (c *Config) Validate() error {
	if c.Build.Workers < 1 {
		return fmt.Errorf("%w: build.workers must be positive, got %d", ErrInvalidConfig, c.Build.Workers)
	}
	if c.Grid.Zoom < 0 || c.Grid.Zoom > cell.MaxZoom {
		return fmt.Errorf("%w: grid.zoom %d outside [0,%d]", ErrInvalidConfig, c.Grid.Zoom, cell.MaxZoom)
	}
	if c.Database.Type != internal.DefaultDatabaseType {
		return fmt.Errorf("%w: unsupported database.type %q", ErrInvalidConfig, c.Database.Type)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("%w: database.dsn is empty", ErrInvalidConfig)
	}
	return nil
}
