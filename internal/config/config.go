// Package config loads the daemon configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/1ureka/uartlink/internal/device"
	"github.com/1ureka/uartlink/internal/transport"
)

// Role is the side of the link this process plays.
type Role string

const (
	RoleHost   Role = "host"
	RoleDaemon Role = "daemon"
)

// DeviceKind selects how the physical link is reached.
type DeviceKind string

const (
	DeviceSerial    DeviceKind = "serial"
	DeviceWebSocket DeviceKind = "websocket"
)

// Config stores all runtime parameters.
type Config struct {
	Role  Role
	Debug bool

	Device    DeviceConfig
	Transport TransportConfig
	Bridge    BridgeConfig
	Expose    ExposeConfig
}

type DeviceConfig struct {
	Kind        DeviceKind
	Path        string // serial: device node, e.g. /dev/ttyUSB0
	URL         string // websocket: ws:// or wss:// URL of the serial bridge
	Baud        int
	ReadTimeout time.Duration
}

type TransportConfig struct {
	AckTimeout       time.Duration
	MaxRetries       int // 0 retries until the session is torn down
	WatchdogInterval time.Duration
}

type BridgeConfig struct {
	Listen string // host: local TCP address sessions are accepted on
	Target string // daemon: TCP address each session is forwarded to
}

// ExposeConfig drives "uartlinkd expose", which serves the local serial
// device to a remote websocket device.
type ExposeConfig struct {
	Listen string
	PIN    string // empty disables the check
}

// Default returns a daemon configuration on /dev/ttyUSB0.
func Default() Config {
	serial := device.DefaultSerialConfig()
	link := transport.DefaultConfig()
	return Config{
		Role: RoleDaemon,
		Device: DeviceConfig{
			Kind:        DeviceSerial,
			Path:        "/dev/ttyUSB0",
			Baud:        serial.BaudRate,
			ReadTimeout: serial.ReadTimeout,
		},
		Transport: TransportConfig{
			AckTimeout:       link.AckTimeout,
			MaxRetries:       link.MaxRetries,
			WatchdogInterval: link.WatchdogInterval,
		},
		Bridge: BridgeConfig{
			Listen: "127.0.0.1:5555",
			Target: "127.0.0.1:22",
		},
		Expose: ExposeConfig{
			Listen: "127.0.0.1:7000",
		},
	}
}

type fileConfig struct {
	Role  string `toml:"role"`
	Debug bool   `toml:"debug"`

	Device struct {
		Kind        string `toml:"kind"`
		Path        string `toml:"path"`
		URL         string `toml:"url"`
		Baud        int    `toml:"baud"`
		ReadTimeout string `toml:"read_timeout"`
	} `toml:"device"`

	Transport struct {
		AckTimeout       string `toml:"ack_timeout"`
		MaxRetries       int    `toml:"max_retries"`
		WatchdogInterval string `toml:"watchdog_interval"`
	} `toml:"transport"`

	Bridge struct {
		Listen string `toml:"listen"`
		Target string `toml:"target"`
	} `toml:"bridge"`

	Expose struct {
		Listen string `toml:"listen"`
		PIN    string `toml:"pin"`
	} `toml:"expose"`
}

// Load reads path over Default(). Keys absent from the file keep their
// defaults. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if keys := meta.Undecoded(); len(keys) > 0 {
		return Config{}, fmt.Errorf("load config: unknown keys %v", keys)
	}

	if meta.IsDefined("role") {
		cfg.Role = Role(strings.ToLower(strings.TrimSpace(raw.Role)))
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}

	if meta.IsDefined("device", "kind") {
		cfg.Device.Kind = DeviceKind(strings.ToLower(strings.TrimSpace(raw.Device.Kind)))
	}
	if meta.IsDefined("device", "path") {
		cfg.Device.Path = strings.TrimSpace(raw.Device.Path)
	}
	if meta.IsDefined("device", "url") {
		cfg.Device.URL = strings.TrimSpace(raw.Device.URL)
	}
	if meta.IsDefined("device", "baud") {
		cfg.Device.Baud = raw.Device.Baud
	}
	if meta.IsDefined("device", "read_timeout") {
		if cfg.Device.ReadTimeout, err = parseDuration("device.read_timeout", raw.Device.ReadTimeout); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("transport", "ack_timeout") {
		if cfg.Transport.AckTimeout, err = parseDuration("transport.ack_timeout", raw.Transport.AckTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("transport", "max_retries") {
		cfg.Transport.MaxRetries = raw.Transport.MaxRetries
	}
	if meta.IsDefined("transport", "watchdog_interval") {
		if cfg.Transport.WatchdogInterval, err = parseDuration("transport.watchdog_interval", raw.Transport.WatchdogInterval); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("bridge", "listen") {
		cfg.Bridge.Listen = strings.TrimSpace(raw.Bridge.Listen)
	}
	if meta.IsDefined("bridge", "target") {
		cfg.Bridge.Target = strings.TrimSpace(raw.Bridge.Target)
	}

	if meta.IsDefined("expose", "listen") {
		cfg.Expose.Listen = strings.TrimSpace(raw.Expose.Listen)
	}
	if meta.IsDefined("expose", "pin") {
		cfg.Expose.PIN = strings.TrimSpace(raw.Expose.PIN)
	}
	return cfg, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleHost:
		if c.Bridge.Listen == "" {
			errs = append(errs, errors.New("bridge.listen is required for the host role"))
		}
	case RoleDaemon:
		if c.Bridge.Target == "" {
			errs = append(errs, errors.New("bridge.target is required for the daemon role"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid role %q: must be 'host' or 'daemon'", c.Role))
	}

	switch c.Device.Kind {
	case DeviceSerial:
		if c.Device.Path == "" {
			errs = append(errs, errors.New("device.path is required for a serial device"))
		}
		if c.Device.Baud <= 0 {
			errs = append(errs, fmt.Errorf("device.baud must be positive, got %d", c.Device.Baud))
		}
		if c.Device.ReadTimeout <= 0 {
			errs = append(errs, errors.New("device.read_timeout must be positive"))
		}
	case DeviceWebSocket:
		if !strings.HasPrefix(c.Device.URL, "ws://") && !strings.HasPrefix(c.Device.URL, "wss://") {
			errs = append(errs, fmt.Errorf("device.url must be a ws:// or wss:// URL, got %q", c.Device.URL))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid device.kind %q: must be 'serial' or 'websocket'", c.Device.Kind))
	}

	if c.Transport.AckTimeout <= 0 {
		errs = append(errs, errors.New("transport.ack_timeout must be positive"))
	}
	if c.Transport.WatchdogInterval <= 0 {
		errs = append(errs, errors.New("transport.watchdog_interval must be positive"))
	}
	if c.Transport.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transport.max_retries must not be negative, got %d", c.Transport.MaxRetries))
	}

	return errors.Join(errs...)
}

// LinkConfig derives the transport settings.
func (c Config) LinkConfig() transport.Config {
	role := transport.RoleDaemon
	if c.Role == RoleHost {
		role = transport.RoleHost
	}
	return transport.Config{
		Role:             role,
		AckTimeout:       c.Transport.AckTimeout,
		MaxRetries:       c.Transport.MaxRetries,
		WatchdogInterval: c.Transport.WatchdogInterval,
	}
}

// Opener returns the device opener for the configured kind.
func (c Config) Opener() device.Opener {
	if c.Device.Kind == DeviceWebSocket {
		return device.WebSocketOpener(c.Device.URL)
	}
	return device.SerialOpener(c.Device.Path, device.SerialConfig{
		BaudRate:    c.Device.Baud,
		ReadTimeout: c.Device.ReadTimeout,
	})
}

// DeviceName is a short label for logs.
func (c Config) DeviceName() string {
	if c.Device.Kind == DeviceWebSocket {
		return c.Device.URL
	}
	return c.Device.Path
}
