package config

// Embedded per-device configuration, keyed by device id. Values are YAML
// overlays on Default(); absent keys keep their defaults.

const cfgPico = `
log_level: info
memlog_bytes: 4096
platform:
  simulate: false
  onewire_pin: 15
  fan_pwm_pin: 16
  baud: 115200
sensor:
  interval: 5s
  resolution_bits: 12
  policy: mean
fan:
  freq_hz: 25000
  top: 1000
  safe_duty: 100
web:
  max_conns: 2
heartbeat:
  interval: 2s
telemetry:
  enabled: false
`

const cfgHost = `
log_level: debug
platform:
  simulate: true
  sim_sensors: 2
  sim_ambient: 24
heartbeat:
  interval: 10s
`

var embeddedConfigs = map[string][]byte{
	"pico": []byte(cfgPico),
	"host": []byte(cfgHost),
}
