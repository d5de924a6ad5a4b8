package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	modbus "github.com/edgeo-scada/modbusd"
	"github.com/spf13/viper"
)

// Config is the daemon configuration. It is read once at startup.
type Config struct {
	Listen   ListenConfig   `mapstructure:"listen"`
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Identity IdentityConfig `mapstructure:"identity"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// ListenConfig is the TCP endpoint.
type ListenConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// ServerConfig holds session limits.
type ServerConfig struct {
	MaxConns    int           `mapstructure:"max_conns"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// StoreConfig describes the register store and how it is initialized.
type StoreConfig struct {
	Sizes        modbus.Layout     `mapstructure:"sizes"`
	Fill         FillConfig        `mapstructure:"fill"`
	Seed         string            `mapstructure:"seed"`          // JSON seed file applied after fill
	SnapshotFile string            `mapstructure:"snapshot_file"` // restored at startup, rewritten at shutdown
	Persistence  PersistenceConfig `mapstructure:"persistence"`
}

// FillConfig is the initial value of every cell, per space. Any non-zero
// value sets a bit space to ON.
type FillConfig struct {
	DiscreteInputs   uint16 `mapstructure:"discrete_inputs"`
	Coils            uint16 `mapstructure:"coils"`
	HoldingRegisters uint16 `mapstructure:"holding_registers"`
	InputRegisters   uint16 `mapstructure:"input_registers"`
}

// Value returns the fill value for sp.
func (f FillConfig) Value(sp modbus.Space) uint16 {
	switch sp {
	case modbus.SpaceDiscreteInputs:
		return f.DiscreteInputs
	case modbus.SpaceCoils:
		return f.Coils
	case modbus.SpaceHoldingRegisters:
		return f.HoldingRegisters
	default:
		return f.InputRegisters
	}
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap"
	Path string `mapstructure:"path"` // File path for "file/mmap" type
}

// IdentityConfig is the device identity reported in logs.
type IdentityConfig struct {
	VendorName  string `mapstructure:"vendor_name"`
	ProductCode string `mapstructure:"product_code"`
	ModelName   string `mapstructure:"model_name"`
	Revision    string `mapstructure:"revision"`
}

// MetricsConfig controls periodic metrics logging.
type MetricsConfig struct {
	Interval time.Duration `mapstructure:"interval"` // 0 disables
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // also write logs here when set
}

// Addr returns the host:port to listen on.
func (c ListenConfig) Addr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.address", "0.0.0.0")
	v.SetDefault("listen.port", modbus.DefaultPort)

	v.SetDefault("server.max_conns", 100)
	v.SetDefault("server.idle_timeout", modbus.DefaultIdleTimeout)

	for _, sp := range modbus.Spaces {
		v.SetDefault("store.sizes."+sp.String(), 100)
		v.SetDefault("store.fill."+sp.String(), 17)
	}
	v.SetDefault("store.seed", "")
	v.SetDefault("store.snapshot_file", "")
	v.SetDefault("store.persistence.type", modbus.StorageMemory)
	v.SetDefault("store.persistence.path", "")

	v.SetDefault("identity.vendor_name", "Example")
	v.SetDefault("identity.product_code", "PM")
	v.SetDefault("identity.model_name", "ModbusServer")
	v.SetDefault("identity.revision", "1.0")

	v.SetDefault("metrics.interval", time.Duration(0))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// loadConfig decodes and validates the configuration held by v.
func loadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if err := c.Store.Sizes.Validate(); err != nil {
		return fmt.Errorf("store.sizes: %w", err)
	}
	c.Store.Persistence.Type = strings.ToLower(c.Store.Persistence.Type)
	switch c.Store.Persistence.Type {
	case modbus.StorageMemory:
	case modbus.StorageFile, modbus.StorageMmap:
		if c.Store.Persistence.Path == "" {
			return fmt.Errorf("store.persistence.path required for %s storage", c.Store.Persistence.Type)
		}
	default:
		return fmt.Errorf("store.persistence.type %q unknown", c.Store.Persistence.Type)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q unknown", c.Log.Level)
	}
	return nil
}
