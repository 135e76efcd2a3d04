package types

// Status is the GET /status body.
type Status struct {
	Setpoint           float32  `json:"setpoint"`
	CurrentTemperature *float32 `json:"current_temperature"`
	OutputDuty         float32  `json:"output_duty"`
	Mode               Mode     `json:"mode"`
	SensorFaultCount   uint32   `json:"sensor_fault_count"`
}

// Heartbeat is published on "heartbeat" by the heartbeat service.
type Heartbeat struct {
	Boot     string `json:"boot"`
	UptimeMs int64  `json:"uptime_ms"`
	Seq      uint64 `json:"seq"`
	HeapUsed uint64 `json:"heap_used"`
	HeapSys  uint64 `json:"heap_sys"`
}
