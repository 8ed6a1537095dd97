// Copyright 2025 The Parley Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics exposes the operational counters and gauges of one node.
type Metrics struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	sessions        prometheus.Gauge
	presences       prometheus.Gauge
	routedLocal     prometheus.Counter
	routedRemote    prometheus.Counter
	replicaDropped  prometheus.Counter
	publishFailures prometheus.Counter
	degradedMode    prometheus.Gauge
}

func NewMetrics(logger *zap.Logger, config *Config) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		logger:   logger,
		registry: registry,
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "parley",
			Name:        "sessions_open",
			Help:        "Open websocket sessions on this node.",
			ConstLabels: prometheus.Labels{"node": config.Name},
		}),
		presences: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "parley",
			Name:        "presences_tracked",
			Help:        "Presence records tracked on this node, local and replicated.",
			ConstLabels: prometheus.Labels{"node": config.Name},
		}),
		routedLocal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "parley",
			Name:        "events_routed_local_total",
			Help:        "Events fanned out to locally-held sessions.",
			ConstLabels: prometheus.Labels{"node": config.Name},
		}),
		routedRemote: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "parley",
			Name:        "events_routed_remote_total",
			Help:        "Events published to the backplane for other nodes.",
			ConstLabels: prometheus.Labels{"node": config.Name},
		}),
		replicaDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "parley",
			Name:        "replica_events_deduped_total",
			Help:        "Replicated events discarded as already applied.",
			ConstLabels: prometheus.Labels{"node": config.Name},
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "parley",
			Name:        "backplane_publish_failures_total",
			Help:        "Backplane publish attempts that failed.",
			ConstLabels: prometheus.Labels{"node": config.Name},
		}),
		degradedMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "parley",
			Name:        "backplane_degraded",
			Help:        "1 while the backplane is unreachable and fan-out is local-only.",
			ConstLabels: prometheus.Labels{"node": config.Name},
		}),
	}

	registry.MustRegister(m.sessions, m.presences, m.routedLocal, m.routedRemote,
		m.replicaDropped, m.publishFailures, m.degradedMode)

	return m
}

func (m *Metrics) GaugeSessions(value float64)  { m.sessions.Set(value) }
func (m *Metrics) GaugePresences(value float64) { m.presences.Set(value) }
func (m *Metrics) CountRoutedLocal(n int)       { m.routedLocal.Add(float64(n)) }
func (m *Metrics) CountRoutedRemote()           { m.routedRemote.Inc() }
func (m *Metrics) CountReplicaDeduped()         { m.replicaDropped.Inc() }
func (m *Metrics) CountPublishFailure()         { m.publishFailures.Inc() }

func (m *Metrics) SetDegraded(degraded bool) {
	if degraded {
		m.degradedMode.Set(1)
	} else {
		m.degradedMode.Set(0)
	}
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
