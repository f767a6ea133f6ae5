// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefeatures

import (
	"github.com/prometheus/client_golang/prometheus"
)

// storeMetrics are optional: a nil *storeMetrics is valid and records nothing.
type storeMetrics struct {
	loads       prometheus.Counter
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	examples    prometheus.Gauge
}

// WithMetrics registers the store's Prometheus collectors with registerer.
//
// The collectors are labeled with name, so more than one store can share a registry.
func WithMetrics(registerer prometheus.Registerer, name string) Option {
	return func(s *Store) {
		labels := prometheus.Labels{"store": name}
		m := &storeMetrics{
			loads: prometheus.NewCounter(prometheus.CounterOpts{
				Name:        "vpgmt_image_features_loads_total",
				Help:        "Number of times the image feature store was (re)loaded.",
				ConstLabels: labels,
			}),
			cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Name:        "vpgmt_image_features_cache_hits_total",
				Help:        "Aggregated image feature lookups served from the LRU cache.",
				ConstLabels: labels,
			}),
			cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
				Name:        "vpgmt_image_features_cache_misses_total",
				Help:        "Aggregated image feature lookups not found in the LRU cache.",
				ConstLabels: labels,
			}),
			examples: prometheus.NewGauge(prometheus.GaugeOpts{
				Name:        "vpgmt_image_features_examples",
				Help:        "Number of examples currently loaded in the image feature store.",
				ConstLabels: labels,
			}),
		}
		registerer.MustRegister(m.loads, m.cacheHits, m.cacheMisses, m.examples)
		s.metrics = m
	}
}

// loaded records a (re)load with n examples. n == 0 is a release, not counted as a load.
func (m *storeMetrics) loaded(n int) {
	if m == nil {
		return
	}
	if n > 0 {
		m.loads.Inc()
	}
	m.examples.Set(float64(n))
}

func (m *storeMetrics) hit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *storeMetrics) miss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}
