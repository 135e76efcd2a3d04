// Package metrics exposes runtime counters in Prometheus format. All
// methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"fanctl-go/errcode"
	"fanctl-go/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	tickDuration prometheus.Histogram
	overruns     prometheus.Counter
	mode         prometheus.Gauge
	output       prometheus.Gauge
	temperature  prometheus.Gauge
	integral     prometheus.Gauge
	sensorFaults *prometheus.CounterVec
	crcRetries   prometheus.Counter
	netPhase     prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanctl_control_tick_seconds",
			Help:    "Compute time of one control tick.",
			Buckets: []float64{.00001, .0001, .001, .01, .1, 1},
		}),
		overruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanctl_control_overruns_total",
			Help: "Control ticks that took longer than the control period.",
		}),
		mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanctl_control_mode",
			Help: "Control mode (0 warmup, 1 active, 2 degraded, 3 safe mode).",
		}),
		output: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanctl_output_duty_percent",
			Help: "Duty cycle applied to the fan.",
		}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanctl_filtered_temperature_celsius",
			Help: "Filtered temperature used by the controller.",
		}),
		integral: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanctl_integral_accumulator",
			Help: "PID integral accumulator.",
		}),
		sensorFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanctl_sensor_faults_total",
			Help: "Failed sensor reads by sensor and error code.",
		}, []string{"sensor", "code"}),
		crcRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanctl_sensor_crc_retries_total",
			Help: "Scratchpad re-reads after a CRC mismatch.",
		}),
		netPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanctl_net_phase",
			Help: "Network phase (0 disconnected, 1 associating, 2 obtaining address, 3 connected).",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanctl_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fanctl_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.reg = prometheus.NewRegistry()
	m.reg.MustRegister(
		m.tickDuration, m.overruns, m.mode, m.output, m.temperature, m.integral,
		m.sensorFaults, m.crcRetries, m.netPhase, m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry is exposed for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ControlTick(took time.Duration, overrun bool, st types.ControlState) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(took.Seconds())
	if overrun {
		m.overruns.Inc()
	}
	m.mode.Set(float64(st.Mode))
	m.output.Set(float64(st.LastOutput))
	m.integral.Set(float64(st.IntegralAccumulator))
	if st.Mode != types.ModeWarmup {
		m.temperature.Set(float64(st.FilteredTemperature))
	}
}

func (m *Metrics) SensorFault(id string, code errcode.Code) {
	if m == nil {
		return
	}
	m.sensorFaults.WithLabelValues(id, string(code)).Inc()
}

func (m *Metrics) ChecksumRetries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.crcRetries.Add(float64(n))
}

func (m *Metrics) PublishNetwork(st types.NetworkState) {
	if m == nil {
		return
	}
	m.netPhase.Set(float64(st.Phase))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests under a fixed route label.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
