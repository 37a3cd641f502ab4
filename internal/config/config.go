// Package config loads the daemon configuration from YAML.
package config

import (
	"os"
	"time"

	"github.com/Skryldev/evenodd-lab/domain/ports"
	"github.com/Skryldev/evenodd-lab/infrastructure/presenter"
	pkgerrors "github.com/Skryldev/evenodd-lab/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Telemetry sources
const (
	SourceSimulator = "simulator"
	SourceSerial    = "serial"
)

// Config represents the complete daemon configuration
type Config struct {
	Display     DisplayConfig     `yaml:"display"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Web         WebConfig         `yaml:"web"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Store       StoreConfig       `yaml:"store"`
	Stress      StressConfig      `yaml:"stress"`
	Log         LogConfig         `yaml:"log"`
}

// DisplayConfig describes the projector refresh. FramePeriodNs wins over RefreshHz.
type DisplayConfig struct {
	RefreshHz     float64 `yaml:"refresh_hz"`
	FramePeriodNs int64   `yaml:"frame_period_ns"`
}

// CalibrationConfig tunes the offset search
type CalibrationConfig struct {
	QuickScanSteps  int           `yaml:"quick_scan_steps"`
	QuickScanDwell  time.Duration `yaml:"quick_scan_dwell"`
	DescentMinSteps int           `yaml:"descent_min_steps"`
	DescentDwell    time.Duration `yaml:"descent_dwell"`
	Confirm         bool          `yaml:"confirm"`
	ConfirmDwell    time.Duration `yaml:"confirm_dwell"`
}

// TelemetryConfig selects where dropped frames are counted
type TelemetryConfig struct {
	Source    string          `yaml:"source"` // simulator, serial
	Simulator SimulatorConfig `yaml:"simulator"`
	Serial    SerialConfig    `yaml:"serial"`
}

// SimulatorConfig places the simulated drop band
type SimulatorConfig struct {
	BoundaryNs       int64    `yaml:"boundary_ns"`
	BandNs           int64    `yaml:"band_ns"`
	DropProbability  *float64 `yaml:"drop_probability"` // unset means every frame in the band drops
	NoiseProbability float64  `yaml:"noise_probability"`
	Seed             int64    `yaml:"seed"`
}

// DropRate returns the per-frame drop probability inside the band
func (s SimulatorConfig) DropRate() float64 {
	if s.DropProbability == nil {
		return 1
	}
	return *s.DropProbability
}

// SerialConfig points at the photodiode frame monitor
type SerialConfig struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// WebConfig contains control panel settings
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// StoreConfig enables result persistence when Path is set
type StoreConfig struct {
	Path           string `yaml:"path"`
	RestoreOnStart bool   `yaml:"restore_on_start"`
}

// StressConfig sets the default stress worker count
type StressConfig struct {
	Workers int `yaml:"workers"`
}

// LogConfig selects the zap preset
type LogConfig struct {
	Development bool `yaml:"development"`
}

// Default returns a configuration that runs the simulator at 60 Hz
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.ConfigError("read config file", err)
	}
	return Parse(data)
}

// Parse decodes YAML, fills defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, pkgerrors.ConfigError("parse config", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Display.RefreshHz == 0 && c.Display.FramePeriodNs == 0 {
		c.Display.RefreshHz = 60
	}
	if c.Telemetry.Source == "" {
		c.Telemetry.Source = SourceSimulator
	}
	if c.Telemetry.Simulator.BandNs == 0 {
		c.Telemetry.Simulator.BandNs = 50_000
	}
	if c.Telemetry.Simulator.BoundaryNs == 0 {
		c.Telemetry.Simulator.BoundaryNs = 5_000_000
	}
	if c.Telemetry.Serial.Baud == 0 {
		c.Telemetry.Serial.Baud = 115200
	}
	if c.Telemetry.Serial.ReadTimeout == 0 {
		c.Telemetry.Serial.ReadTimeout = 200 * time.Millisecond
	}
	if c.Web.Addr == "" {
		c.Web.Addr = ":8080"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "evenoddd"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "evenodd/calibration/status"
	}
	if c.Stress.Workers == 0 {
		c.Stress.Workers = 4
	}
}

// Validate reports the first invalid field
func (c *Config) Validate() error {
	if c.Display.FramePeriodNs < 0 {
		return pkgerrors.NewValidationError("display.frame_period_ns", c.Display.FramePeriodNs, "must be positive")
	}
	if c.Display.FramePeriodNs == 0 && c.Display.RefreshHz <= 0 {
		return pkgerrors.NewValidationError("display.refresh_hz", c.Display.RefreshHz, "must be positive")
	}
	if c.Calibration.QuickScanSteps < 0 {
		return pkgerrors.NewValidationError("calibration.quick_scan_steps", c.Calibration.QuickScanSteps, "must not be negative")
	}
	if c.Calibration.DescentMinSteps < 0 {
		return pkgerrors.NewValidationError("calibration.descent_min_steps", c.Calibration.DescentMinSteps, "must not be negative")
	}
	if c.Calibration.QuickScanDwell < 0 || c.Calibration.DescentDwell < 0 || c.Calibration.ConfirmDwell < 0 {
		return pkgerrors.NewValidationError("calibration", c.Calibration, "dwell times must not be negative")
	}

	switch c.Telemetry.Source {
	case SourceSimulator:
		sim := c.Telemetry.Simulator
		if sim.BandNs < 0 {
			return pkgerrors.NewValidationError("telemetry.simulator.band_ns", sim.BandNs, "must not be negative")
		}
		if p := sim.DropRate(); p < 0 || p > 1 {
			return pkgerrors.NewValidationError("telemetry.simulator.drop_probability", p, "must be within [0, 1]")
		}
		if sim.NoiseProbability < 0 || sim.NoiseProbability > 1 {
			return pkgerrors.NewValidationError("telemetry.simulator.noise_probability", sim.NoiseProbability, "must be within [0, 1]")
		}
	case SourceSerial:
		if c.Telemetry.Serial.Port == "" {
			return pkgerrors.NewValidationError("telemetry.serial.port", "", "required for the serial source")
		}
	default:
		return pkgerrors.NewValidationError("telemetry.source", c.Telemetry.Source, "must be simulator or serial")
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return pkgerrors.NewValidationError("mqtt.broker", "", "required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return pkgerrors.NewValidationError("mqtt.qos", c.MQTT.QoS, "must be 0, 1 or 2")
	}
	if c.Stress.Workers < 0 {
		return pkgerrors.NewValidationError("stress.workers", c.Stress.Workers, "must not be negative")
	}
	return nil
}

// FramePeriod returns the configured frame period in ns
func (c *Config) FramePeriod() int64 {
	if c.Display.FramePeriodNs > 0 {
		return c.Display.FramePeriodNs
	}
	return presenter.PeriodFromRefresh(c.Display.RefreshHz)
}

// Options converts the calibration section to engine options; zero values keep engine defaults.
func (c *Config) Options() []ports.Option {
	cal := c.Calibration
	var opts []ports.Option
	if cal.QuickScanSteps > 0 {
		opts = append(opts, ports.WithQuickScanSteps(cal.QuickScanSteps))
	}
	if cal.QuickScanDwell > 0 {
		opts = append(opts, ports.WithQuickScanDwell(cal.QuickScanDwell))
	}
	if cal.DescentMinSteps > 0 {
		opts = append(opts, ports.WithDescentMinSteps(cal.DescentMinSteps))
	}
	if cal.DescentDwell > 0 {
		opts = append(opts, ports.WithDescentDwell(cal.DescentDwell))
	}
	if cal.Confirm {
		opts = append(opts, ports.WithConfirmation(cal.ConfirmDwell))
	}
	return opts
}
