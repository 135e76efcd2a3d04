package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fanctl-go/bus"
	"fanctl-go/errcode"
	"fanctl-go/services/heartbeat"
	"fanctl-go/services/sensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func noEnv() func(string) (string, bool) { return envMap(nil) }

func TestDefault_IsValid(t *testing.T) {
	cfg, err := Load(Sources{Getenv: noEnv()})
	require.NoError(t, err)
	assert.Equal(t, "host", cfg.Device)
	assert.Equal(t, float32(35), cfg.Params.Setpoint)
	assert.Equal(t, float32(100), cfg.Fan.SafeDuty)
	assert.Equal(t, 8080, cfg.Net.Port)
	assert.True(t, cfg.Platform.Simulate)
}

func TestLoad_EmbeddedDevice(t *testing.T) {
	cfg, err := Load(Sources{Device: "pico", Getenv: noEnv()})
	require.NoError(t, err)
	assert.False(t, cfg.Platform.Simulate)
	assert.Equal(t, 15, cfg.Platform.OneWire)
	assert.Equal(t, 2*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 4096, cfg.MemlogBytes)
}

func TestLoad_UnknownDeviceKeepsDefaults(t *testing.T) {
	old := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(string) ([]byte, bool) { return nil, false }
	t.Cleanup(func() { EmbeddedConfigLookup = old })

	cfg, err := Load(Sources{Device: "bench-7", Getenv: noEnv()})
	require.NoError(t, err)
	assert.Equal(t, "bench-7", cfg.Device)
	assert.Equal(t, Default().Sensor, cfg.Sensor)
}

func TestLoad_FileOverridesEmbedded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fanctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
params:
  setpoint: 42
  kp: 4
  ki: 0.2
  output_max: 80
sensor:
  policy: max
  checksum_retries: 1
heartbeat:
  interval: 30s
`), 0o644))

	cfg, err := Load(Sources{Device: "pico", File: path, Getenv: noEnv()})
	require.NoError(t, err)
	assert.Equal(t, float32(42), cfg.Params.Setpoint)
	assert.Equal(t, float32(4), cfg.Params.Kp)
	assert.Equal(t, float32(80), cfg.Params.OutputMax)
	assert.Equal(t, sensor.PolicyMax, cfg.Sensor.Policy)
	assert.Equal(t, 1, cfg.Sensor.ChecksumRetries)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	// untouched keys keep the embedded value
	assert.Equal(t, 15, cfg.Platform.OneWire)
}

func TestLoad_MissingFileIsDefaults(t *testing.T) {
	cfg, err := Load(Sources{File: filepath.Join(t.TempDir(), "absent.yaml"), Getenv: noEnv()})
	require.NoError(t, err)
	assert.Equal(t, float32(35), cfg.Params.Setpoint)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("params: [1, 2"), 0o644))
	_, err := Load(Sources{File: path, Getenv: noEnv()})
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestLoad_EnvWins(t *testing.T) {
	cfg, err := Load(Sources{Getenv: envMap(map[string]string{
		"FANCTL_DEVICE":         "pico",
		"FANCTL_SETPOINT":       "30.5",
		"FANCTL_KP":             "3",
		"FANCTL_HTTP_PORT":      "9090",
		"FANCTL_SIMULATE":       "true",
		"FANCTL_SENSOR_POLICY":  "primary",
		"FANCTL_CONTROL_PERIOD": "500ms",
		"FANCTL_MQTT_BROKER":    "tcp://broker:1883",
	})})
	require.NoError(t, err)
	assert.Equal(t, "pico", cfg.Device)
	assert.Equal(t, float32(30.5), cfg.Params.Setpoint)
	assert.Equal(t, float32(3), cfg.Params.Kp)
	assert.Equal(t, 9090, cfg.Net.Port)
	assert.True(t, cfg.Platform.Simulate)
	assert.Equal(t, sensor.PolicyPrimary, cfg.Sensor.Policy)
	assert.Equal(t, 500*time.Millisecond, cfg.Control.Period)
	assert.Equal(t, "tcp://broker:1883", cfg.Telemetry.Broker)
}

func TestLoad_EnvParseErrors(t *testing.T) {
	_, err := Load(Sources{Getenv: envMap(map[string]string{
		"FANCTL_KP":        "fast",
		"FANCTL_HTTP_PORT": "eighty",
	})})
	require.Error(t, err)
	assert.ErrorContains(t, err, "FANCTL_KP")
	assert.ErrorContains(t, err, "FANCTL_HTTP_PORT")
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("FANCTL_SETPOINT=44\n"), 0o644))
	t.Setenv("FANCTL_KI", "0.5")
	t.Cleanup(func() { os.Unsetenv("FANCTL_SETPOINT") })

	cfg, err := Load(Sources{EnvFiles: []string{envFile}})
	require.NoError(t, err)
	assert.Equal(t, float32(44), cfg.Params.Setpoint)
	assert.Equal(t, float32(0.5), cfg.Params.Ki)
}

func TestLoad_ParamsOutsideLimitsRejected(t *testing.T) {
	_, err := Load(Sources{Getenv: envMap(map[string]string{"FANCTL_SETPOINT": "120"})})
	var e *errcode.E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errcode.OutOfRange, e.C)
}

func TestEnsureDefaults_RepairsNonsense(t *testing.T) {
	cfg := Default()
	cfg.Device = ""
	cfg.MemlogBytes = 3
	cfg.Limits.SetpointMin, cfg.Limits.SetpointMax = 50, 20
	cfg.Platform.Baud = 0
	cfg.ensureDefaults()

	d := Default()
	assert.Equal(t, d.Device, cfg.Device)
	assert.Equal(t, d.MemlogBytes, cfg.MemlogBytes)
	assert.Equal(t, d.Limits, cfg.Limits)
	assert.Equal(t, d.Platform.Baud, cfg.Platform.Baud)
}

func TestPublish_RetainedPerSection(t *testing.T) {
	b := bus.NewBus(32)
	conn := b.NewConnection("test-config")
	cfg := Default()
	cfg.Heartbeat.Interval = 3 * time.Second
	Publish(conn, cfg)

	// Retained messages arrive on subscribe.
	sub := conn.Subscribe(bus.T(configPrefix, "#"))
	got := map[string]any{}
	deadline := time.After(time.Second)
	for len(got) < 12 {
		select {
		case m := <-sub.Channel():
			require.Len(t, m.Topic, 2)
			key, ok := m.Topic[1].(string)
			require.True(t, ok, "topic[1] type %T", m.Topic[1])
			got[key] = m.Payload
		case <-deadline:
			t.Fatalf("got %d sections: %v", len(got), got)
		}
	}

	hb, ok := got["heartbeat"].(heartbeat.Config)
	require.True(t, ok, "heartbeat payload %T", got["heartbeat"])
	assert.Equal(t, 3*time.Second, hb.Interval)
	assert.Equal(t, cfg.Params, got["params"])
	assert.Equal(t, bus.T("config", "net"), Topic("net"))
}
