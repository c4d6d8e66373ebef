package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ConnectorType identifies which transport backend should be used.
type ConnectorType string

const (
	ConnectorIP     ConnectorType = "ip"
	ConnectorSerial ConnectorType = "serial"

	DefaultSerialBaud = 115200
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// ConnectionConfig contains connector-specific connection parameters.
type ConnectionConfig struct {
	Connector  ConnectorType `json:"connector"`
	Host       string        `json:"host"`
	SerialPort string        `json:"serial_port"`
	SerialBaud int           `json:"serial_baud"`
}

// EngineConfig tunes session timing: heartbeat cadence, reconnect backoff
// bounds, and the node database sync watchdog.
type EngineConfig struct {
	HeartbeatIntervalS int `json:"heartbeat_interval_s"`
	BackoffFloorMS     int `json:"backoff_floor_ms"`
	BackoffCapMS       int `json:"backoff_cap_ms"`
	SyncTimeoutS       int `json:"sync_timeout_s"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Connection ConnectionConfig `json:"connection"`
	Logging    LoggingConfig    `json:"logging"`
	Engine     EngineConfig     `json:"engine"`
}

func Default() AppConfig {
	return AppConfig{
		Connection: ConnectionConfig{
			Connector:  ConnectorSerial,
			Host:       "",
			SerialPort: "",
			SerialBaud: DefaultSerialBaud,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		Engine: EngineConfig{
			HeartbeatIntervalS: 12,
			BackoffFloorMS:     1000,
			BackoffCapMS:       15000,
			SyncTimeoutS:       45,
		},
	}
}

func (e EngineConfig) HeartbeatInterval() time.Duration {
	return time.Duration(e.HeartbeatIntervalS) * time.Second
}

func (e EngineConfig) BackoffFloor() time.Duration {
	return time.Duration(e.BackoffFloorMS) * time.Millisecond
}

func (e EngineConfig) BackoffCap() time.Duration {
	return time.Duration(e.BackoffCapMS) * time.Millisecond
}

func (e EngineConfig) SyncTimeout() time.Duration {
	return time.Duration(e.SyncTimeoutS) * time.Second
}

// Load reads the config file at path, filling defaults for anything absent.
// A missing file yields the defaults without error.
func Load(path string) (AppConfig, error) {
	cfg := Default()

	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Default(), fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()

	return cfg, nil
}

// Save writes cfg to path, creating parent directories as needed.
func Save(path string, cfg AppConfig) error {
	cfg.normalize()
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(filepath.Clean(path), raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

func (c *AppConfig) normalize() {
	def := Default()
	switch c.Connection.Connector {
	case ConnectorIP, ConnectorSerial:
	default:
		c.Connection.Connector = def.Connection.Connector
	}
	if c.Connection.SerialBaud <= 0 {
		c.Connection.SerialBaud = DefaultSerialBaud
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Engine.HeartbeatIntervalS <= 0 {
		c.Engine.HeartbeatIntervalS = def.Engine.HeartbeatIntervalS
	}
	if c.Engine.BackoffFloorMS <= 0 {
		c.Engine.BackoffFloorMS = def.Engine.BackoffFloorMS
	}
	if c.Engine.BackoffCapMS < c.Engine.BackoffFloorMS {
		c.Engine.BackoffCapMS = def.Engine.BackoffCapMS
	}
	if c.Engine.SyncTimeoutS <= 0 {
		c.Engine.SyncTimeoutS = def.Engine.SyncTimeoutS
	}
}
