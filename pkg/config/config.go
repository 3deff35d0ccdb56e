// Package config provides YAML-based configuration loading for wirenet.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the application
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Node holds per-node defaults applied when a channel config does
	// not override them
	Node NodeConfig `mapstructure:"node"`

	// Channels lists the named channels to bring up at startup
	Channels []ChannelConfig `mapstructure:"channels"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// NodeConfig holds per-node defaults.
type NodeConfig struct {
	// MaxPacketSize bounds one datagram or stream read; 0 uses the
	// transport default
	MaxPacketSize int `mapstructure:"max_packet_size"`
	// ReconnectDelayMS is the fixed delay between client reconnect
	// attempts
	ReconnectDelayMS int `mapstructure:"reconnect_delay_ms"`
	// ReconnectMaxRetries bounds reconnect attempts; negative means
	// unlimited
	ReconnectMaxRetries int `mapstructure:"reconnect_max_retries"`
}

// ChannelConfig describes one named channel and its endpoints.
// Example YAML:
// channels:
//   - name: game
//     listen: ["tcp://0.0.0.0:6000", "ws://0.0.0.0:6001"]
//   - name: telemetry
//     connect: ["udp://10.0.0.2:7777"]
//     broadcast: true
type ChannelConfig struct {
	Name    string   `mapstructure:"name"`
	Listen  []string `mapstructure:"listen"`
	Connect []string `mapstructure:"connect"`
	// Broadcast enables SO_BROADCAST on this channel's UDP nodes
	Broadcast bool `mapstructure:"broadcast"`
	// MulticastV4/MulticastV6 join a group at bind time
	MulticastV4 string `mapstructure:"multicast_v4"`
	MulticastV6 string `mapstructure:"multicast_v6"`
	// Interface names the NIC for multicast joins; empty uses default
	Interface string `mapstructure:"interface"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "wirenet",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/wirenet.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Node: NodeConfig{
			MaxPacketSize:       0,
			ReconnectDelayMS:    2000,
			ReconnectMaxRetries: -1,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment
// overrides. Environment variables use the prefix WIRENET and `.`/`-`
// are replaced with `_`. Example: WIRENET_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("WIRENET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("node.max_packet_size", cfg.Node.MaxPacketSize)
	v.SetDefault("node.reconnect_delay_ms", cfg.Node.ReconnectDelayMS)
	v.SetDefault("node.reconnect_max_retries", cfg.Node.ReconnectMaxRetries)
	v.SetDefault("channels", cfg.Channels)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("WIRENET_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `wirenet`
		v.SetConfigName("wirenet")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".wirenet"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	for i := range c.Channels {
		if strings.TrimSpace(c.Channels[i].Name) == "" {
			return fmt.Errorf("channels[%d]: name is required", i)
		}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
