package metrics

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fanspeed/internal/fancontrol"
)

// Metrics exports every control cycle as Prometheus series.
type Metrics struct {
	reg *prometheus.Registry

	hostTemp   *prometheus.GaugeVec
	hostValid  *prometheus.GaugeVec
	fanTemp    *prometheus.GaugeVec
	fanSpeed   *prometheus.GaugeVec
	fanOn      *prometheus.GaugeVec
	cycles     prometheus.Counter
	failedSend prometheus.Counter
	dropped    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		hostTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fanspeed_host_temperature_celsius",
			Help: "Last temperature reported by a host.",
		}, []string{"host"}),
		hostValid: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fanspeed_host_reading_valid",
			Help: "1 if the host reported a usable temperature in the last cycle.",
		}, []string{"host"}),
		fanTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fanspeed_fan_temperature_celsius",
			Help: "Hottest valid temperature among the hosts a fan cools.",
		}, []string{"fan"}),
		fanSpeed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fanspeed_fan_speed",
			Help: "Commanded fan speed byte.",
		}, []string{"fan"}),
		fanOn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fanspeed_fan_on",
			Help: "Hysteresis state of a fan.",
		}, []string{"fan"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanspeed_cycles_total",
			Help: "Control cycles run.",
		}),
		failedSend: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanspeed_send_failed_attempts_total",
			Help: "Bus write attempts that failed.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanspeed_frames_dropped_total",
			Help: "Frames dropped after exhausting retries.",
		}),
	}
	m.reg.MustRegister(m.hostTemp, m.hostValid, m.fanTemp, m.fanSpeed, m.fanOn, m.cycles, m.failedSend, m.dropped)
	return m
}

// Registry is exposed for tests and for adding process collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) ObserveCycle(c fancontrol.Cycle) {
	m.cycles.Inc()
	m.failedSend.Add(float64(c.Failed))
	if c.Err != nil {
		m.dropped.Inc()
	}
	for host, r := range c.Readings {
		if r.Valid {
			m.hostTemp.WithLabelValues(host).Set(r.TempC)
			m.hostValid.WithLabelValues(host).Set(1)
		} else {
			m.hostTemp.DeleteLabelValues(host)
			m.hostValid.WithLabelValues(host).Set(0)
		}
	}
	for i := 0; i < fancontrol.NumFans; i++ {
		fan := strconv.Itoa(i + 1)
		if c.FanTemps[i].Valid {
			m.fanTemp.WithLabelValues(fan).Set(c.FanTemps[i].TempC)
		} else {
			m.fanTemp.DeleteLabelValues(fan)
		}
		m.fanSpeed.WithLabelValues(fan).Set(float64(c.Speeds[i]))
		on := 0.0
		if c.State[i] {
			on = 1
		}
		m.fanOn.WithLabelValues(fan).Set(on)
	}
}

// Handler serves /metrics, /api/status and, when logs is not nil, /api/logs.
func Handler(m *Metrics, snapshot func() fancontrol.Snapshot, logs *LogBuffer) http.Handler {
	mux := http.NewServeMux()
	if logs != nil {
		mux.HandleFunc("/api/logs", logs.serveLogs)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		b, err := json.MarshalIndent(snapshot(), "", "  ")
		if err != nil {
			http.Error(w, "marshal failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
		_, _ = w.Write([]byte("\n"))
	})
	return mux
}
