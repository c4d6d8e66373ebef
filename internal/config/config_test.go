package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load missing config: %v", err)
	}
	if cfg.Connection.SerialBaud != DefaultSerialBaud {
		t.Fatalf("default baud expected, got %d", cfg.Connection.SerialBaud)
	}
	if cfg.Engine.HeartbeatIntervalS != 12 {
		t.Fatalf("default heartbeat expected, got %d", cfg.Engine.HeartbeatIntervalS)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.Connection.Connector = ConnectorIP
	cfg.Connection.Host = "192.168.1.10"
	cfg.Logging.Level = "debug"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got.Connection.Connector != ConnectorIP || got.Connection.Host != "192.168.1.10" {
		t.Fatalf("connection mismatch: %+v", got.Connection)
	}
	if got.Logging.Level != "debug" {
		t.Fatalf("logging mismatch: %+v", got.Logging)
	}
}

func TestLoadNormalizesBrokenValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"connection":{"connector":"carrier-pigeon","serial_baud":-1},"engine":{"backoff_floor_ms":2000,"backoff_cap_ms":100}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Connection.Connector != ConnectorSerial {
		t.Fatalf("unknown connector should fall back, got %q", cfg.Connection.Connector)
	}
	if cfg.Connection.SerialBaud != DefaultSerialBaud {
		t.Fatalf("invalid baud should fall back, got %d", cfg.Connection.SerialBaud)
	}
	if cfg.Engine.BackoffCapMS < cfg.Engine.BackoffFloorMS {
		t.Fatalf("backoff cap below floor after normalize: %+v", cfg.Engine)
	}
}
