// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rib

import (
	"github.com/openconfig/ribctl/constants"
	"github.com/openconfig/ribctl/internal/reason"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "rib"

// Metrics is the set of Prometheus metrics reported by tables. One Metrics
// is shared by all tables that report to the same registry, tables are
// distinguished by their network instance and family labels.
type Metrics struct {
	Routes        *prometheus.GaugeVec
	Generation    *prometheus.GaugeVec
	Operations    *prometheus.CounterVec
	ChangeRetries *prometheus.CounterVec
}

// NewMetrics creates the table metrics within namespace and registers them
// with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	labels := []string{"network_instance", "family"}
	m := &Metrics{
		Routes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "routes",
			Help:      "Number of prefixes in the table",
		}, labels),
		Generation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "generation",
			Help:      "Current generation of the table",
		}, labels),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "operations_total",
			Help:      "Number of table operations by kind and result",
		}, append(labels, "op", "result")),
		ChangeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "change_retries_total",
			Help:      "Number of conditional swaps that lost a race with another writer",
		}, labels),
	}
	reg.MustRegister(m.Routes)
	reg.MustRegister(m.Generation)
	reg.MustRegister(m.Operations)
	reg.MustRegister(m.ChangeRetries)
	return m
}

// tableMetrics are the metrics of a single table. A nil *tableMetrics
// reports nothing.
type tableMetrics struct {
	m      *Metrics
	labels []string

	routes     prometheus.Gauge
	generation prometheus.Gauge
	retries    prometheus.Counter
}

func (m *Metrics) forTable(ni string, fam constants.Family) *tableMetrics {
	if m == nil {
		return nil
	}
	return &tableMetrics{
		m:          m,
		labels:     []string{ni, fam.String()},
		routes:     m.Routes.WithLabelValues(ni, fam.String()),
		generation: m.Generation.WithLabelValues(ni, fam.String()),
		retries:    m.ChangeRetries.WithLabelValues(ni, fam.String()),
	}
}

// update records the current size and generation of t.
func (tm *tableMetrics) update(t *Table) {
	if tm == nil {
		return
	}
	tm.routes.Set(float64(t.routes.Len()))
	tm.generation.Set(float64(t.gen.Load()))
}

// op records the result of an operation.
func (tm *tableMetrics) op(name string, err error) {
	if tm == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(reason.Of(err))
		if result == "" {
			result = "UNKNOWN"
		}
	}
	tm.m.Operations.WithLabelValues(tm.labels[0], tm.labels[1], name, result).Inc()
}

func (tm *tableMetrics) retry() {
	if tm == nil {
		return
	}
	tm.retries.Inc()
}
