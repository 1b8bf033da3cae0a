// Package config provides the configuration of the balance daemon. Values
// are taken from (in increasing order of precedence) defaults, a TOML file,
// LABSCALE_* environment variables and command line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fako1024/labscale/pkg/link"
	"github.com/fako1024/labscale/pkg/stream"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Config denotes the configuration of the balance daemon
type Config struct {

	// Host of the balance. If empty (and no serial device is set) the
	// balance integration is disabled.
	Host           string
	Port           int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	KeepAlive      time.Duration
	IdleProbe      time.Duration

	// SerialDevice replaces the TCP connection by a serial port
	SerialDevice string
	BaudRate     int

	BackoffInitial time.Duration
	BackoffMax     time.Duration

	PollInterval time.Duration
	WindowSize   int
	Tolerance    float64

	Listen string
	Debug  bool
}

// fileConfig mirrors Config but uses strings for durations to make TOML friendly
type fileConfig struct {
	Balance struct {
		Host           string `toml:"host"`
		Port           int    `toml:"port"`
		ConnectTimeout string `toml:"connect_timeout"`
		ReadTimeout    string `toml:"read_timeout"`
		KeepAlive      string `toml:"keep_alive"`
		IdleProbe      string `toml:"idle_probe"`
		SerialDevice   string `toml:"serial_device"`
		BaudRate       int    `toml:"baud_rate"`
		BackoffInitial string `toml:"backoff_initial"`
		BackoffMax     string `toml:"backoff_max"`
	} `toml:"balance"`
	Stream struct {
		PollInterval string   `toml:"poll_interval"`
		WindowSize   int      `toml:"window_size"`
		Tolerance    *float64 `toml:"tolerance"`
	} `toml:"stream"`
	API struct {
		Listen string `toml:"listen"`
	} `toml:"api"`
	Debug *bool `toml:"debug"`
}

// Default returns the default configuration (with disabled balance)
func Default() Config {
	return Config{
		Port:           link.DefaultPort,
		ConnectTimeout: link.DefaultConnectTimeout,
		ReadTimeout:    link.DefaultReadTimeout,
		KeepAlive:      30 * time.Second,
		BaudRate:       link.DefaultBaudRate,
		BackoffInitial: link.DefaultBackoffInitial,
		BackoffMax:     link.DefaultBackoffMax,
		PollInterval:   stream.DefaultInterval,
		WindowSize:     stream.DefaultWindowSize,
		Tolerance:      stream.DefaultTolerance,
		Listen:         ":8080",
	}
}

// DefaultPath returns the default configuration file path
// (~/.labscale/config.toml), if the user home directory is accessible
func DefaultPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".labscale", "config.toml")
	}
	return ""
}

// FileExists returns if a regular file exists at path
func FileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// Enabled returns if a balance is configured
func (c Config) Enabled() bool {
	return c.Host != "" || c.SerialDevice != ""
}

// Link returns the connection configuration of the balance link
func (c Config) Link() link.Config {
	lc := link.Config{
		Host:           c.Host,
		Port:           c.Port,
		ConnectTimeout: c.ConnectTimeout,
		ReadTimeout:    c.ReadTimeout,
		KeepAlive:      c.KeepAlive,
		IdleProbe:      c.IdleProbe,
	}
	if c.SerialDevice != "" {
		lc.Host, lc.Port = "", 0
		lc.Device, lc.BaudRate = c.SerialDevice, c.BaudRate
	}

	return lc
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.Host != "" && c.SerialDevice != "" {
		return fmt.Errorf("host `%s` and serial device `%s` are mutually exclusive", c.Host, c.SerialDevice)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SerialDevice != "" && c.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.BaudRate)
	}
	for name, d := range map[string]time.Duration{
		"connect timeout": c.ConnectTimeout,
		"read timeout":    c.ReadTimeout,
		"backoff initial": c.BackoffInitial,
		"backoff max":     c.BackoffMax,
		"poll interval":   c.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s %v: must be positive", name, d)
		}
	}
	if c.IdleProbe < 0 {
		return fmt.Errorf("invalid idle probe %v", c.IdleProbe)
	}
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff max %v is smaller than backoff initial %v", c.BackoffMax, c.BackoffInitial)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("invalid window size %d", c.WindowSize)
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("invalid tolerance %v", c.Tolerance)
	}

	return nil
}

// LoadFile applies the configuration file at path, leaving values of
// explicitly set flags (changed) untouched
func LoadFile(cfg *Config, path string, changed map[string]bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}

	var fc fileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}

	s := newSetter(changed)
	s.setString("host", fc.Balance.Host, &cfg.Host)
	s.setInt("port", fc.Balance.Port, &cfg.Port)
	s.setString("serial-device", fc.Balance.SerialDevice, &cfg.SerialDevice)
	s.setInt("baud-rate", fc.Balance.BaudRate, &cfg.BaudRate)
	s.setInt("window-size", fc.Stream.WindowSize, &cfg.WindowSize)
	s.setString("listen", fc.API.Listen, &cfg.Listen)
	if fc.Stream.Tolerance != nil && !changed["tolerance"] {
		cfg.Tolerance = *fc.Stream.Tolerance
	}
	if fc.Debug != nil && !changed["debug"] {
		cfg.Debug = *fc.Debug
	}

	s.setDuration("connect-timeout", fc.Balance.ConnectTimeout, &cfg.ConnectTimeout)
	s.setDuration("read-timeout", fc.Balance.ReadTimeout, &cfg.ReadTimeout)
	s.setDuration("keep-alive", fc.Balance.KeepAlive, &cfg.KeepAlive)
	s.setDuration("idle-probe", fc.Balance.IdleProbe, &cfg.IdleProbe)
	s.setDuration("backoff-initial", fc.Balance.BackoffInitial, &cfg.BackoffInitial)
	s.setDuration("backoff-max", fc.Balance.BackoffMax, &cfg.BackoffMax)
	s.setDuration("poll-interval", fc.Stream.PollInterval, &cfg.PollInterval)

	return errors.Wrapf(s.err, "invalid config file %s", path)
}

// ApplyEnv applies LABSCALE_* environment variables, leaving values of
// explicitly set flags (changed) untouched
func ApplyEnv(cfg *Config, changed map[string]bool) error {
	s := newSetter(changed)

	s.setString("host", os.Getenv("LABSCALE_HOST"), &cfg.Host)
	s.setIntFromString("port", os.Getenv("LABSCALE_PORT"), &cfg.Port)
	s.setString("serial-device", os.Getenv("LABSCALE_SERIAL_DEVICE"), &cfg.SerialDevice)
	s.setIntFromString("baud-rate", os.Getenv("LABSCALE_BAUD_RATE"), &cfg.BaudRate)
	s.setDuration("connect-timeout", os.Getenv("LABSCALE_CONNECT_TIMEOUT"), &cfg.ConnectTimeout)
	s.setDuration("read-timeout", os.Getenv("LABSCALE_READ_TIMEOUT"), &cfg.ReadTimeout)
	s.setDuration("keep-alive", os.Getenv("LABSCALE_KEEP_ALIVE"), &cfg.KeepAlive)
	s.setDuration("idle-probe", os.Getenv("LABSCALE_IDLE_PROBE"), &cfg.IdleProbe)
	s.setDuration("poll-interval", os.Getenv("LABSCALE_POLL_INTERVAL"), &cfg.PollInterval)
	s.setString("listen", os.Getenv("LABSCALE_LISTEN"), &cfg.Listen)
	s.setBoolFromString("debug", os.Getenv("LABSCALE_DEBUG"), &cfg.Debug)

	return errors.Wrap(s.err, "invalid environment")
}

////////////////////////////////////////////////////////////////////////////////

// setter applies non-empty values unless the corresponding flag was set,
// remembering the first parse error
type setter struct {
	changed map[string]bool
	err     error
}

func newSetter(changed map[string]bool) *setter {
	if changed == nil {
		changed = map[string]bool{}
	}
	return &setter{changed: changed}
}

func (s *setter) skip(flag string, empty bool) bool {
	return empty || s.changed[flag]
}

func (s *setter) fail(flag, value string, err error) {
	if s.err == nil {
		s.err = fmt.Errorf("invalid value `%s` for %s: %w", value, flag, err)
	}
}

func (s *setter) setString(flag, value string, dst *string) {
	if !s.skip(flag, value == "") {
		*dst = value
	}
}

func (s *setter) setInt(flag string, value int, dst *int) {
	if !s.skip(flag, value == 0) {
		*dst = value
	}
}

func (s *setter) setIntFromString(flag, value string, dst *int) {
	if s.skip(flag, value == "") {
		return
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		s.fail(flag, value, err)
		return
	}
	*dst = v
}

func (s *setter) setBoolFromString(flag, value string, dst *bool) {
	if s.skip(flag, value == "") {
		return
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		s.fail(flag, value, err)
		return
	}
	*dst = v
}

func (s *setter) setDuration(flag, value string, dst *time.Duration) {
	if s.skip(flag, value == "") {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		s.fail(flag, value, err)
		return
	}
	*dst = d
}
