// Package metrics exposes licguard's Prometheus counters.
//
// All methods are safe on a nil *Collector, so components take an optional
// collector without guarding every call site.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "licguard"

// Save results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Collector holds the counters.
type Collector struct {
	RecordSaves       *prometheus.CounterVec
	RecordLoads       *prometheus.CounterVec
	TamperDetections  *prometheus.CounterVec
	ClockRollbacks    prometheus.Counter
	MarkerBackendInfo *prometheus.GaugeVec
}

// New creates the counters and registers them on reg. A nil reg creates
// unregistered counters.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		RecordSaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "record_saves_total",
				Help:      "Encrypted record saves by result.",
			},
			[]string{"result"},
		),
		RecordLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "record_loads_total",
				Help:      "Encrypted record loads by outcome.",
			},
			[]string{"outcome"},
		),
		TamperDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tamper_detections_total",
				Help:      "Tamper detections by kind.",
			},
			[]string{"kind"},
		),
		ClockRollbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clock_rollbacks_total",
				Help:      "Secure clock reads that found the system clock behind the watermark.",
			},
		),
		MarkerBackendInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "marker_backend_info",
				Help:      "The marker backend in use, always 1.",
			},
			[]string{"backend"},
		),
	}

	if reg == nil {
		return c, nil
	}
	for _, col := range c.collectors() {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.RecordSaves,
		c.RecordLoads,
		c.TamperDetections,
		c.ClockRollbacks,
		c.MarkerBackendInfo,
	}
}

// ObserveSave counts a save.
func (c *Collector) ObserveSave(err error) {
	if c == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	c.RecordSaves.WithLabelValues(result).Inc()
}

// ObserveLoad counts a load by its outcome name.
func (c *Collector) ObserveLoad(outcome string) {
	if c == nil {
		return
	}
	c.RecordLoads.WithLabelValues(outcome).Inc()
}

// ObserveTamper counts a tamper detection.
func (c *Collector) ObserveTamper(kind string) {
	if c == nil {
		return
	}
	c.TamperDetections.WithLabelValues(kind).Inc()
}

// ObserveRollback counts a clock rollback.
func (c *Collector) ObserveRollback() {
	if c == nil {
		return
	}
	c.ClockRollbacks.Inc()
}

// SetMarkerBackend records which marker backend was selected.
func (c *Collector) SetMarkerBackend(kind string) {
	if c == nil {
		return
	}
	c.MarkerBackendInfo.Reset()
	c.MarkerBackendInfo.WithLabelValues(kind).Set(1)
}

// WriteTextfile writes everything g gathers to path in the text exposition
// format, for node_exporter's textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
