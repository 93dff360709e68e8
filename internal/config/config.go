package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"tinygo.org/x/bluetooth"

	"github.com/primiano/light-dimmer-ble/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	Adapter  string        `yaml:"adapter"` // "bluetooth" or "sim"
	Device   DeviceConfig  `yaml:"device"`
	Session  SessionConfig `yaml:"session"`
	Server   ServerConfig  `yaml:"server"`
	LogLevel string        `yaml:"log_level"`
}

// DeviceConfig identifies the dimmer's GATT service and control
// characteristic.
type DeviceConfig struct {
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
}

// SessionConfig tunes the connection state machine.
type SessionConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RestartBackoffMax time.Duration `yaml:"restart_backoff_max"`
	ReadValues        string        `yaml:"read_values"` // "once" or "every"
}

// ServerConfig holds the HTTP/websocket bridge settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "lightdimmer")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	opts := ble.DefaultOptions()
	return &Config{
		Adapter: "bluetooth",
		Device: DeviceConfig{
			ServiceUUID:        ble.ServiceUUID,
			CharacteristicUUID: ble.CharacteristicUUID,
		},
		Session: SessionConfig{
			QueueSize:         opts.QueueSize,
			ConnectTimeout:    opts.ConnectTimeout,
			RestartBackoffMax: opts.RestartBackoffMax,
			ReadValues:        "once",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8420",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading tilde in path is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}

	cfg.Device.ServiceUUID = canonicalUUID(cfg.Device.ServiceUUID)
	cfg.Device.CharacteristicUUID = canonicalUUID(cfg.Device.CharacteristicUUID)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Adapter {
	case "bluetooth", "sim":
	default:
		return errors.Errorf("adapter must be \"bluetooth\" or \"sim\", got %q", c.Adapter)
	}

	if _, err := bluetooth.ParseUUID(c.Device.ServiceUUID); err != nil {
		return errors.Wrapf(err, "device.service_uuid %q", c.Device.ServiceUUID)
	}
	if _, err := bluetooth.ParseUUID(c.Device.CharacteristicUUID); err != nil {
		return errors.Wrapf(err, "device.characteristic_uuid %q", c.Device.CharacteristicUUID)
	}

	if c.Session.QueueSize <= 0 {
		return errors.New("session.queue_size must be > 0")
	}
	if c.Session.ConnectTimeout < 0 {
		return errors.New("session.connect_timeout must not be negative")
	}
	if c.Session.RestartBackoffMax < 0 {
		return errors.New("session.restart_backoff_max must not be negative")
	}
	if _, err := ble.ParseReadPolicy(c.Session.ReadValues); err != nil {
		return errors.Wrap(err, "session.read_values")
	}

	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return errors.Wrapf(err, "server.listen %q", c.Server.Listen)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// SessionOptions converts the device and session sections into options
// for ble.NewSession. The config must have passed Validate.
func (c *Config) SessionOptions(log logrus.FieldLogger) ble.Options {
	policy, _ := ble.ParseReadPolicy(c.Session.ReadValues)
	return ble.Options{
		ServiceUUID:        canonicalUUID(c.Device.ServiceUUID),
		CharacteristicUUID: canonicalUUID(c.Device.CharacteristicUUID),
		QueueSize:          c.Session.QueueSize,
		ConnectTimeout:     c.Session.ConnectTimeout,
		RestartBackoffMax:  c.Session.RestartBackoffMax,
		ReadValues:         policy,
		Logger:             log,
	}
}

// ParseLogLevel maps a config log level to logrus, defaulting to info.
func ParseLogLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

const defaultTemplate = `# lightdimmer configuration
#
# adapter selects the radio: "bluetooth" uses the host adapter, "sim" an
# in-process dimmer for trying the tools without hardware.
adapter: %s

device:
  service_uuid: %s
  characteristic_uuid: %s

session:
  # Frames waiting beyond this are dropped oldest first.
  queue_size: %d
  # Bound on connect plus service discovery. 0 disables.
  connect_timeout: %s
  restart_backoff_max: %s
  # "once" reports channel levels on the first notification only.
  read_values: %s

server:
  listen: %s

log_level: %s
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", errors.Wrap(err, "creating config dir")
	}

	d := Default()
	content := fmt.Sprintf(defaultTemplate,
		d.Adapter,
		d.Device.ServiceUUID,
		d.Device.CharacteristicUUID,
		d.Session.QueueSize,
		d.Session.ConnectTimeout,
		d.Session.RestartBackoffMax,
		d.Session.ReadValues,
		d.Server.Listen,
		d.LogLevel,
	)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", errors.Wrap(err, "writing config file")
	}
	return path, nil
}

// canonicalUUID returns the lower-case 128-bit form of a 16-, 32- or
// 128-bit UUID string, or s unchanged if it does not parse.
func canonicalUUID(s string) string {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		return s
	}
	return uuid.String()
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
