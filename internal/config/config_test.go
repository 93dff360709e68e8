package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/primiano/light-dimmer-ble/internal/ble"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Adapter != "bluetooth" {
		t.Errorf("Adapter = %q, want %q", cfg.Adapter, "bluetooth")
	}
	if cfg.Device.ServiceUUID != ble.ServiceUUID {
		t.Errorf("Device.ServiceUUID = %q, want %q", cfg.Device.ServiceUUID, ble.ServiceUUID)
	}
	if cfg.Session.QueueSize != 64 {
		t.Errorf("Session.QueueSize = %d, want 64", cfg.Session.QueueSize)
	}
	if cfg.Session.ConnectTimeout != 10*time.Second {
		t.Errorf("Session.ConnectTimeout = %v, want 10s", cfg.Session.ConnectTimeout)
	}
	if cfg.Session.ReadValues != "once" {
		t.Errorf("Session.ReadValues = %q, want %q", cfg.Session.ReadValues, "once")
	}
	if cfg.Server.Listen != "127.0.0.1:8420" {
		t.Errorf("Server.Listen = %q, want %q", cfg.Server.Listen, "127.0.0.1:8420")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
adapter: sim
device:
  service_uuid: 0000FFE0-0000-1000-8000-00805F9B34FB
session:
  queue_size: 8
  connect_timeout: 2500ms
  restart_backoff_max: 1m
  read_values: every
server:
  listen: 0.0.0.0:9000
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Adapter != "sim" {
		t.Errorf("Adapter = %q, want %q", cfg.Adapter, "sim")
	}
	if cfg.Device.ServiceUUID != ble.ServiceUUID {
		t.Errorf("Device.ServiceUUID = %q, want lower-cased %q", cfg.Device.ServiceUUID, ble.ServiceUUID)
	}
	if cfg.Device.CharacteristicUUID != ble.CharacteristicUUID {
		t.Errorf("Device.CharacteristicUUID = %q, want default", cfg.Device.CharacteristicUUID)
	}
	if cfg.Session.QueueSize != 8 {
		t.Errorf("Session.QueueSize = %d, want 8", cfg.Session.QueueSize)
	}
	if cfg.Session.ConnectTimeout != 2500*time.Millisecond {
		t.Errorf("Session.ConnectTimeout = %v, want 2.5s", cfg.Session.ConnectTimeout)
	}
	if cfg.Session.RestartBackoffMax != time.Minute {
		t.Errorf("Session.RestartBackoffMax = %v, want 1m", cfg.Session.RestartBackoffMax)
	}
	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("Server.Listen = %q, want %q", cfg.Server.Listen, "0.0.0.0:9000")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadCanonicalizesShortUUIDs(t *testing.T) {
	yamlContent := `
device:
  service_uuid: FFE0
  characteristic_uuid: 0000FFE1
`
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.ServiceUUID != ble.ServiceUUID {
		t.Errorf("Device.ServiceUUID = %q, want %q", cfg.Device.ServiceUUID, ble.ServiceUUID)
	}
	if cfg.Device.CharacteristicUUID != ble.CharacteristicUUID {
		t.Errorf("Device.CharacteristicUUID = %q, want %q", cfg.Device.CharacteristicUUID, ble.CharacteristicUUID)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestSessionOptionsCanonicalizesUUIDs(t *testing.T) {
	cfg := Default()
	cfg.Device.ServiceUUID = "ffe0"

	opts := cfg.SessionOptions(logrus.New())

	if opts.ServiceUUID != ble.ServiceUUID {
		t.Errorf("ServiceUUID = %q, want %q", opts.ServiceUUID, ble.ServiceUUID)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	if err := os.WriteFile(filepath.Join(tmpHome, "dimmer.yaml"), []byte("adapter: sim\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load("~/dimmer.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Adapter != "sim" {
		t.Errorf("Adapter = %q, want %q", cfg.Adapter, "sim")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("session:\n  connect_timeout: soon\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should reject an unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "sim adapter",
			modify:  func(c *Config) { c.Adapter = "sim" },
			wantErr: false,
		},
		{
			name:    "unknown adapter",
			modify:  func(c *Config) { c.Adapter = "usb" },
			wantErr: true,
		},
		{
			name:    "16-bit service uuid",
			modify:  func(c *Config) { c.Device.ServiceUUID = "ffe0" },
			wantErr: false,
		},
		{
			name:    "truncated service uuid",
			modify:  func(c *Config) { c.Device.ServiceUUID = "0000ffe0-0000" },
			wantErr: true,
		},
		{
			name:    "malformed characteristic uuid",
			modify:  func(c *Config) { c.Device.CharacteristicUUID = "0000ffe1x0000-1000-8000-00805f9b34fb" },
			wantErr: true,
		},
		{
			name:    "zero queue size",
			modify:  func(c *Config) { c.Session.QueueSize = 0 },
			wantErr: true,
		},
		{
			name:    "negative connect timeout",
			modify:  func(c *Config) { c.Session.ConnectTimeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero connect timeout disables it",
			modify:  func(c *Config) { c.Session.ConnectTimeout = 0 },
			wantErr: false,
		},
		{
			name:    "negative backoff",
			modify:  func(c *Config) { c.Session.RestartBackoffMax = -1 },
			wantErr: true,
		},
		{
			name:    "invalid read policy",
			modify:  func(c *Config) { c.Session.ReadValues = "always" },
			wantErr: true,
		},
		{
			name:    "listen without port",
			modify:  func(c *Config) { c.Server.Listen = "localhost" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSessionOptions(t *testing.T) {
	cfg := Default()
	cfg.Session.ReadValues = "every"
	cfg.Session.QueueSize = 5
	log := logrus.New()

	opts := cfg.SessionOptions(log)

	if opts.ReadValues != ble.ReadEvery {
		t.Errorf("ReadValues = %v, want ReadEvery", opts.ReadValues)
	}
	if opts.QueueSize != 5 {
		t.Errorf("QueueSize = %d, want 5", opts.QueueSize)
	}
	if opts.ServiceUUID != ble.ServiceUUID || opts.CharacteristicUUID != ble.CharacteristicUUID {
		t.Errorf("UUIDs = %q/%q, want defaults", opts.ServiceUUID, opts.CharacteristicUUID)
	}
	if opts.Logger != log {
		t.Error("Logger was not passed through")
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "lightdimmer", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# lightdimmer") {
		t.Error("written config should start with header comment")
	}

	// The written file must load back to the defaults.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written config error = %v", err)
	}
	if *cfg != *Default() {
		t.Errorf("written config = %+v, want %+v", *cfg, *Default())
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "lightdimmer")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("adapter: sim\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	// WriteDefault should return ("", nil) without overwriting
	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"unknown", logrus.InfoLevel}, // defaults to info
		{"", logrus.InfoLevel},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
