// Package metrics exports engine, transport and tick driver counters to
// Prometheus. A nil *Collector is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dyntdm"

// Collector holds every exported metric
type Collector struct {
	framesRx        *prometheus.CounterVec
	framesTx        *prometheus.CounterVec
	frameErrors     *prometheus.CounterVec
	seqMismatches   prometheus.Counter
	alarmChanges    *prometheus.CounterVec
	masterChanges   prometheus.Counter
	masterSpan      prometheus.Gauge
	spans           prometheus.Gauge
	runs            prometheus.Counter
	overruns        prometheus.Counter
	transportErrors *prometheus.CounterVec
	ticks           prometheus.Counter
	missedTicks     prometheus.Counter
}

// New registers the collector's metrics with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		framesRx: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "span",
			Name:      "frames_received_total",
			Help:      "Valid frames applied to dynamic spans",
		}, []string{"driver"}),
		framesTx: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "span",
			Name:      "frames_transmitted_total",
			Help:      "Frames handed to transports",
		}, []string{"driver"}),
		frameErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "span",
			Name:      "frame_errors_total",
			Help:      "Dropped inbound frames by validation failure",
		}, []string{"kind"}),
		seqMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "span",
			Name:      "sequence_mismatches_total",
			Help:      "Frames whose sequence number was not the predicted one",
		}),
		alarmChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "span",
			Name:      "alarm_changes_total",
			Help:      "Span alarm state transitions by resulting state",
		}, []string{"alarm"}),
		masterChanges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "master_changes_total",
			Help:      "Timing master re-elections that changed the master",
		}),
		masterSpan: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "master_span",
			Help:      "Span number of the dynamic timing master, 0 when none",
		}),
		spans: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "spans",
			Help:      "Dynamic spans currently registered",
		}),
		runs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Completed transmit run cycles",
		}),
		overruns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "overruns_total",
			Help:      "Run triggers dropped because a run was already pending",
		}),
		transportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Transmit and flush failures by driver",
		}, []string{"driver"}),
		ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tick",
			Name:      "ticks_total",
			Help:      "Ticks delivered to the host core",
		}),
		missedTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tick",
			Name:      "missed_total",
			Help:      "Tick periods that elapsed without a tick being delivered",
		}),
	}
}

func (c *Collector) FrameReceived(driver string) {
	if c == nil {
		return
	}
	c.framesRx.WithLabelValues(driver).Inc()
}

func (c *Collector) FrameTransmitted(driver string) {
	if c == nil {
		return
	}
	c.framesTx.WithLabelValues(driver).Inc()
}

// FrameError counts a dropped frame; kind is one of short, nsamp, nchan, len
func (c *Collector) FrameError(kind string) {
	if c == nil {
		return
	}
	c.frameErrors.WithLabelValues(kind).Inc()
}

func (c *Collector) SequenceMismatch() {
	if c == nil {
		return
	}
	c.seqMismatches.Inc()
}

func (c *Collector) AlarmChanged(alarm string) {
	if c == nil {
		return
	}
	c.alarmChanges.WithLabelValues(alarm).Inc()
}

// MasterChanged records a new master; span 0 means no master
func (c *Collector) MasterChanged(span int) {
	if c == nil {
		return
	}
	c.masterChanges.Inc()
	c.masterSpan.Set(float64(span))
}

func (c *Collector) SetSpans(n int) {
	if c == nil {
		return
	}
	c.spans.Set(float64(n))
}

func (c *Collector) Run() {
	if c == nil {
		return
	}
	c.runs.Inc()
}

func (c *Collector) Overrun() {
	if c == nil {
		return
	}
	c.overruns.Inc()
}

func (c *Collector) TransportError(driver string) {
	if c == nil {
		return
	}
	c.transportErrors.WithLabelValues(driver).Inc()
}

func (c *Collector) Tick() {
	if c == nil {
		return
	}
	c.ticks.Inc()
}

func (c *Collector) MissedTicks(n uint64) {
	if c == nil {
		return
	}
	c.missedTicks.Add(float64(n))
}
