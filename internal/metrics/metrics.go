package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spaceheat/scada/pkg/powermeter"
)

// Metrics holds every collector the scada exports. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	contractUsedWh      prometheus.Gauge
	contractRemainingWh prometheus.Gauge
	contractLive        prometheus.Gauge
	planDuration        *prometheus.HistogramVec
	bidsSent            prometheus.Counter
	glitches            *prometheus.CounterVec
	commandsRejected    *prometheus.CounterVec
	relayCommands       *prometheus.CounterVec
	modbusDuration      *prometheus.HistogramVec
	zombiePicos         prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		contractUsedWh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scada_contract_energy_used_wh",
			Help: "Energy used so far in the live slow dispatch contract.",
		}),
		contractRemainingWh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scada_contract_energy_remaining_wh",
			Help: "Contracted energy not yet used.",
		}),
		contractLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scada_contract_live",
			Help: "1 while a contract is live.",
		}),
		planDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scada_plan_duration_seconds",
			Help:    "Time to build, solve and bid one plan.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"hinge"}),
		bidsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scada_bids_sent_total",
			Help: "Bids sent to the market agent.",
		}),
		glitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scada_glitches_total",
			Help: "Glitches reported upstream by level.",
		}, []string{"level"}),
		commandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scada_commands_rejected_total",
			Help: "Commands rejected because the sender was not the direct boss.",
		}, []string{"node"}),
		relayCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scada_relay_commands_total",
			Help: "Relay state changes applied.",
		}, []string{"relay", "event"}),
		modbusDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scada_modbus_duration_seconds",
			Help:    "Modbus call duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"fn"}),
		zombiePicos: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scada_zombie_picos",
			Help: "Picos that did not come back after repeated power cycles.",
		}),
	}

	m.registry.MustRegister(
		m.contractUsedWh,
		m.contractRemainingWh,
		m.contractLive,
		m.planDuration,
		m.bidsSent,
		m.glitches,
		m.commandsRejected,
		m.relayCommands,
		m.modbusDuration,
		m.zombiePicos,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Contract(live bool, usedWh float64, remainingWh int) {
	if m == nil {
		return
	}
	if !live {
		m.contractLive.Set(0)
		m.contractUsedWh.Set(0)
		m.contractRemainingWh.Set(0)
		return
	}
	m.contractLive.Set(1)
	m.contractUsedWh.Set(usedWh)
	m.contractRemainingWh.Set(float64(remainingWh))
}

func (m *Metrics) PlanSolved(d time.Duration, usedHinge bool) {
	if m == nil {
		return
	}
	label := "false"
	if usedHinge {
		label = "true"
	}
	m.planDuration.WithLabelValues(label).Observe(d.Seconds())
}

func (m *Metrics) BidSent() {
	if m == nil {
		return
	}
	m.bidsSent.Inc()
}

func (m *Metrics) Glitch(level string) {
	if m == nil {
		return
	}
	m.glitches.WithLabelValues(level).Inc()
}

func (m *Metrics) CommandRejected(node string) {
	if m == nil {
		return
	}
	m.commandsRejected.WithLabelValues(node).Inc()
}

func (m *Metrics) RelayCommand(relay, event string) {
	if m == nil {
		return
	}
	m.relayCommands.WithLabelValues(relay, event).Inc()
}

func (m *Metrics) ZombiePicos(n int) {
	if m == nil {
		return
	}
	m.zombiePicos.Set(float64(n))
}

// ModbusInstrument records power meter call durations.
func (m *Metrics) ModbusInstrument() *powermeter.ModbusInstrument {
	if m == nil {
		return nil
	}
	return &powermeter.ModbusInstrument{
		RecordTime: func(fnName string, readTime time.Duration) {
			m.modbusDuration.WithLabelValues(fnName).Observe(readTime.Seconds())
		},
	}
}
