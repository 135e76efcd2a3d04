// Package config assembles the runtime configuration. Layers, later ones
// winning:
//
//	compiled defaults
//	embedded per-device YAML (selected by device id)
//	YAML file
//	.env file and FANCTL_* environment variables
//
// The result is published retained on config/<section> so services can
// pick up their section from the bus.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fanctl-go/bus"
	"fanctl-go/services/actuator"
	"fanctl-go/services/console"
	"fanctl-go/services/control"
	"fanctl-go/services/heartbeat"
	"fanctl-go/services/netmgr"
	"fanctl-go/services/sched"
	"fanctl-go/services/sensor"
	"fanctl-go/services/state"
	"fanctl-go/services/telemetry"
	"fanctl-go/services/web"
	"fanctl-go/types"
	"fanctl-go/x/strx"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	configPrefix = "config"
	envPrefix    = "FANCTL_"
)

// EmbeddedConfigLookup resolves the compiled-in YAML for a device id.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

// PlatformConfig selects and parameterises the hardware bindings.
type PlatformConfig struct {
	// Simulate runs the 1-Wire segment, plant and PWM in memory.
	Simulate   bool    `yaml:"simulate"`
	SimSensors int     `yaml:"sim_sensors"`
	SimAmbient float32 `yaml:"sim_ambient"`
	// Serial is the console port; empty means stdin/stdout on the host.
	Serial    string `yaml:"serial"`
	Baud      int    `yaml:"baud"`
	Interface string `yaml:"interface"`
	OneWire   int    `yaml:"onewire_pin"`
	FanPWM    int    `yaml:"fan_pwm_pin"`
}

type Config struct {
	Device      string                  `yaml:"device"`
	LogLevel    string                  `yaml:"log_level"`
	MemlogBytes int                     `yaml:"memlog_bytes"`
	Params      types.ControlParameters `yaml:"params"`
	Limits      state.Limits            `yaml:"limits"`
	Platform    PlatformConfig          `yaml:"platform"`
	Sensor      sensor.Config           `yaml:"sensor"`
	Control     control.Config          `yaml:"control"`
	Fan         actuator.Config         `yaml:"fan"`
	Net         netmgr.Config           `yaml:"net"`
	Web         web.Config              `yaml:"web"`
	Console     console.Config          `yaml:"console"`
	Heartbeat   heartbeat.Config        `yaml:"heartbeat"`
	Telemetry   telemetry.Config        `yaml:"telemetry"`
	Sched       sched.Config            `yaml:"sched"`
}

func Default() *Config {
	return &Config{
		Device:      "host",
		LogLevel:    "info",
		MemlogBytes: 8 << 10,
		Params:      state.DefaultParams(),
		Limits:      state.DefaultLimits(),
		Platform: PlatformConfig{
			Simulate:   true,
			SimSensors: 2,
			SimAmbient: 24,
			Baud:       115200,
		},
		Sensor:    sensor.DefaultConfig(),
		Control:   control.DefaultConfig(),
		Fan:       actuator.DefaultConfig(),
		Net:       netmgr.DefaultConfig(),
		Web:       web.DefaultConfig(),
		Console:   console.DefaultConfig(),
		Heartbeat: heartbeat.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Sources names the inputs of Load. Empty fields skip that layer.
type Sources struct {
	Device   string
	File     string
	EnvFiles []string
	// Getenv defaults to os.LookupEnv.
	Getenv func(string) (string, bool)
}

// Load layers every source over the defaults and validates the result.
func Load(src Sources) (*Config, error) {
	cfg := Default()
	getenv := src.Getenv
	if getenv == nil {
		if len(src.EnvFiles) > 0 {
			_ = godotenv.Load(src.EnvFiles...) // missing .env is fine
		}
		getenv = os.LookupEnv
	}

	device := src.Device
	if v, ok := getenv(envPrefix + "DEVICE"); ok && v != "" {
		device = v
	}
	if device != "" {
		cfg.Device = device
	}
	if raw, ok := EmbeddedConfigLookup(cfg.Device); ok {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("embedded config %q: %w", cfg.Device, err)
		}
	}

	if src.File != "" {
		data, err := os.ReadFile(src.File)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	cfg.ensureDefaults()
	if err := state.Validate(cfg.Params, cfg.Limits); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	return cfg, nil
}

func (c *Config) ensureDefaults() {
	d := Default()
	c.Device = strx.Coalesce(c.Device, d.Device)
	c.LogLevel = strx.Coalesce(c.LogLevel, d.LogLevel)
	if c.MemlogBytes < 256 {
		c.MemlogBytes = d.MemlogBytes
	}
	if c.Limits.SetpointMax <= c.Limits.SetpointMin {
		c.Limits.SetpointMin, c.Limits.SetpointMax = d.Limits.SetpointMin, d.Limits.SetpointMax
	}
	if c.Platform.SimSensors < 0 {
		c.Platform.SimSensors = 0
	}
	if c.Platform.Baud <= 0 {
		c.Platform.Baud = d.Platform.Baud
	}
}

// applyEnv overlays the FANCTL_* variables. Unparseable values are errors
// rather than silently ignored.
func applyEnv(c *Config, getenv func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := getenv(envPrefix + key); ok {
			*dst = v
		}
	}
	f32 := func(key string, dst *float32) {
		if v, ok := getenv(envPrefix + key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = float32(f)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := getenv(envPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := getenv(envPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := getenv(envPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.LogLevel)
	f32("SETPOINT", &c.Params.Setpoint)
	f32("KP", &c.Params.Kp)
	f32("KI", &c.Params.Ki)
	f32("KD", &c.Params.Kd)
	f32("OUTPUT_MIN", &c.Params.OutputMin)
	f32("OUTPUT_MAX", &c.Params.OutputMax)
	f32("SAFE_DUTY", &c.Fan.SafeDuty)
	str("SENSOR_POLICY", (*string)(&c.Sensor.Policy))
	str("SENSOR_PRIMARY", &c.Sensor.Primary)
	dur("CONTROL_PERIOD", &c.Control.Period)
	flag("SIMULATE", &c.Platform.Simulate)
	num("SIM_SENSORS", &c.Platform.SimSensors)
	str("SERIAL", &c.Platform.Serial)
	num("BAUD", &c.Platform.Baud)
	str("INTERFACE", &c.Platform.Interface)
	num("HTTP_PORT", &c.Net.Port)
	flag("TELEMETRY", &c.Telemetry.Enabled)
	str("MQTT_BROKER", &c.Telemetry.Broker)
	return errors.Join(errs...)
}

// Publish emits each section retained on config/<section>.
func Publish(conn *bus.Connection, c *Config) {
	sections := map[string]any{
		"params":    c.Params,
		"limits":    c.Limits,
		"platform":  c.Platform,
		"sensor":    c.Sensor,
		"control":   c.Control,
		"fan":       c.Fan,
		"net":       c.Net,
		"web":       c.Web,
		"console":   c.Console,
		"heartbeat": c.Heartbeat,
		"telemetry": c.Telemetry,
		"sched":     c.Sched,
	}
	for k, v := range sections {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, k), v, true))
	}
}

// Topic is the retained topic of one section.
func Topic(section string) bus.Topic { return bus.T(configPrefix, section) }
