// Package config provides Viper-based configuration loading for the relay server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RoomsConfig holds room lifecycle settings.
type RoomsConfig struct {
	// DefaultMaxPlayers is the room capacity used when a client does not
	// supply one (CREATE_ROOM without maxPlayers, and every QUICK_MATCH room).
	DefaultMaxPlayers int `mapstructure:"default_max_players"`
	// IDPrefix is the readable prefix prepended to generated room ids.
	IDPrefix string `mapstructure:"id_prefix"`
	// MaxAge is the age after which the reaper removes a room regardless of occupancy.
	MaxAge time.Duration `mapstructure:"max_age"`
	// ReapInterval is the cadence of the room reaper sweep.
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Rooms   RoomsConfig   `mapstructure:"rooms"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
func (c Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Rooms.DefaultMaxPlayers < 1 {
		errs = append(errs, fmt.Sprintf("rooms.default_max_players must be >= 1, got %d", c.Rooms.DefaultMaxPlayers))
	}
	if c.Rooms.MaxAge <= 0 {
		errs = append(errs, fmt.Sprintf("rooms.max_age must be positive, got %s", c.Rooms.MaxAge))
	}
	if c.Rooms.ReapInterval <= 0 {
		errs = append(errs, fmt.Sprintf("rooms.reap_interval must be positive, got %s", c.Rooms.ReapInterval))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format must be one of [json, console], got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path (optional), applies
// RELAY_-prefixed environment variable overrides, and validates the result.
// An empty path loads defaults and environment overrides only.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9003)

	v.SetDefault("rooms.default_max_players", 4)
	v.SetDefault("rooms.id_prefix", "ROOM_")
	v.SetDefault("rooms.max_age", "4h")
	v.SetDefault("rooms.reap_interval", "5m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
