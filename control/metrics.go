// File: control/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime metrics on a private Prometheus registry. Values are collected on
// demand from the functions passed at registration.

package control

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "hioload"

// MetricsRegistry holds the runtime collectors.
type MetricsRegistry struct {
	reg *prometheus.Registry
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{reg: prometheus.NewRegistry()}
}

// Registry returns the Prometheus registry, e.g. for promhttp.
func (mr *MetricsRegistry) Registry() *prometheus.Registry { return mr.reg }

// GaugeFunc registers a gauge sampled from fn.
func (mr *MetricsRegistry) GaugeFunc(name, help string, fn func() float64) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: Namespace, Name: name, Help: help}, fn)
	return errors.Wrapf(mr.reg.Register(g), "register %s", name)
}

// CounterFunc registers a counter sampled from fn, which must not decrease.
func (mr *MetricsRegistry) CounterFunc(name, help string, fn func() float64) error {
	c := prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: Namespace, Name: name, Help: help}, fn)
	return errors.Wrapf(mr.reg.Register(c), "register %s", name)
}

// GetSnapshot gathers every gauge and counter keyed by full metric name.
func (mr *MetricsRegistry) GetSnapshot() (map[string]float64, error) {
	mfs, err := mr.reg.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "gather metrics")
	}
	out := make(map[string]float64, len(mfs))
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				out[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				out[mf.GetName()] = m.GetCounter().GetValue()
			}
		}
	}
	return out, nil
}
