// Package monitoring provides Prometheus-based metrics collection for the
// runtime: message traffic, syscall counts, endpoint usage, and work-loop
// activity. Collectors are registered on a per-machine registry so multiple
// simulated machines can coexist in one process.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one machine.
type Metrics struct {
	// TCU metrics
	MsgsSent     prometheus.Counter
	MsgsReceived prometheus.Counter

	// Kernel metrics
	SyscallsTotal *prometheus.CounterVec
	SyscallErrors *prometheus.CounterVec

	// Endpoint metrics
	EPsActive prometheus.Gauge

	// Work-loop metrics
	WorkLoopTicks prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),
		registry:  reg,

		MsgsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "runtime_tcu_messages_sent_total",
			Help: "Total number of messages sent through the TCU",
		}),
		MsgsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "runtime_tcu_messages_received_total",
			Help: "Total number of messages delivered into receive buffers",
		}),
		SyscallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_kernel_syscalls_total",
				Help: "Total number of syscalls served by the kernel",
			},
			[]string{"op"},
		),
		SyscallErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_kernel_syscall_errors_total",
				Help: "Total number of syscalls that returned an error",
			},
			[]string{"op", "code"},
		),
		EPsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runtime_endpoints_active",
			Help: "Number of endpoints currently bound to gates",
		}),
		WorkLoopTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "runtime_workloop_ticks_total",
			Help: "Total number of work-loop ticks",
		}),
		Uptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runtime_uptime_seconds",
			Help: "Machine uptime in seconds",
		}),
	}

	return m
}

// Registry returns the underlying registry, for exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// RecordSyscall counts a served syscall and its outcome.
func (m *Metrics) RecordSyscall(op string, errCode string) {
	m.SyscallsTotal.WithLabelValues(op).Inc()
	if errCode != "None" {
		m.SyscallErrors.WithLabelValues(op, errCode).Inc()
	}
}
