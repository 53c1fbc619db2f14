// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the gateway's Prometheus instruments. Most
// series are derived from the event fabric so the pipeline packages stay
// free of metrics plumbing.
package metrics

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/gantry/internal/events"
)

// Metrics holds the gateway's instruments on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	toolInvocations *prometheus.CounterVec
	toolFailures    *prometheus.CounterVec
	toolLatency     *prometheus.HistogramVec
	cacheHits       prometheus.Counter

	circuitTransitions *prometheus.CounterVec
	serverEvents       *prometheus.CounterVec

	executions *prometheus.CounterVec
	steps      *prometheus.CounterVec

	webhookDeliveries *prometheus.CounterVec
	secretDetections  prometheus.Counter
	budgetRejections  prometheus.Counter
}

// New creates the instrument set. Passing a bus registers a gauge over
// its live subscriber count.
func New(bus *events.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_tool_invocations_total",
			Help: "Tool invocations served, by server and outcome.",
		}, []string{"server_id", "outcome"}),
		toolFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_tool_failures_total",
			Help: "Failed tool invocations, by server and error kind.",
		}, []string{"server_id", "kind"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gantry_tool_duration_seconds",
			Help:    "Backend call latency for uncached tool invocations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server_id"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gantry_cache_hits_total",
			Help: "Tool invocations served from the response cache.",
		}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_circuit_transitions_total",
			Help: "Circuit breaker transitions, by server and target state.",
		}, []string{"server_id", "state"}),
		serverEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_server_events_total",
			Help: "Connection lifecycle events, by server and kind.",
		}, []string{"server_id", "kind"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_workflow_executions_total",
			Help: "Workflow executions reaching a terminal status.",
		}, []string{"status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_workflow_steps_total",
			Help: "Workflow steps reaching a terminal status.",
		}, []string{"status"}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_webhook_deliveries_total",
			Help: "Webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),
		secretDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gantry_secret_detections_total",
			Help: "Payloads rejected by the secret scanner.",
		}),
		budgetRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gantry_budget_rejections_total",
			Help: "Workflow executions denied by a budget rule.",
		}),
	}
	reg.MustRegister(
		m.toolInvocations, m.toolFailures, m.toolLatency, m.cacheHits,
		m.circuitTransitions, m.serverEvents,
		m.executions, m.steps,
		m.webhookDeliveries, m.secretDetections, m.budgetRejections,
	)

	if bus != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gantry_event_subscribers",
			Help: "Live event stream subscribers.",
		}, func() float64 { return float64(bus.SubscriberCount()) }))
	}
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WebhookDelivery records one delivery attempt outcome.
func (m *Metrics) WebhookDelivery(outcome string) {
	m.webhookDeliveries.WithLabelValues(outcome).Inc()
}

// Observe subscribes to the bus and updates instruments from events.
// The returned function unsubscribes.
func (m *Metrics) Observe(bus *events.Bus) func() {
	return bus.Subscribe(events.Filter{}, m.handle)
}

type toolPayload struct {
	Cached     bool   `json:"cached"`
	IsError    bool   `json:"is_error"`
	DurationMs int64  `json:"duration_ms"`
	Kind       string `json:"kind"`
}

func (m *Metrics) handle(e events.Event) {
	switch e.Kind {
	case events.KindToolInvoked:
		var p toolPayload
		_ = json.Unmarshal(e.Payload, &p)
		if p.Cached {
			m.cacheHits.Inc()
			m.toolInvocations.WithLabelValues(e.ServerID, "cached").Inc()
			return
		}
		outcome := "ok"
		if p.IsError {
			outcome = "tool_error"
		}
		m.toolInvocations.WithLabelValues(e.ServerID, outcome).Inc()
		m.toolLatency.WithLabelValues(e.ServerID).Observe(float64(p.DurationMs) / 1000)

	case events.KindToolFailed:
		var p toolPayload
		_ = json.Unmarshal(e.Payload, &p)
		if p.Kind == "" {
			p.Kind = "internal"
		}
		m.toolInvocations.WithLabelValues(e.ServerID, "failed").Inc()
		m.toolFailures.WithLabelValues(e.ServerID, p.Kind).Inc()

	case events.KindCircuitOpened, events.KindCircuitHalfOpen, events.KindCircuitClosed:
		state := strings.TrimPrefix(e.Kind, "circuit.")
		m.circuitTransitions.WithLabelValues(e.ServerID, state).Inc()

	case events.KindServerConnected, events.KindServerDisconnected, events.KindServerUnhealthy:
		m.serverEvents.WithLabelValues(e.ServerID, strings.TrimPrefix(e.Kind, "server.")).Inc()

	case events.KindWorkflowCompleted, events.KindWorkflowFailed, events.KindWorkflowCancelled:
		m.executions.WithLabelValues(strings.TrimPrefix(e.Kind, "workflow.")).Inc()

	case events.KindStepCompleted:
		m.steps.WithLabelValues("completed").Inc()
	case events.KindStepFailed:
		m.steps.WithLabelValues("failed").Inc()

	case events.KindSecretDetected:
		m.secretDetections.Inc()
	case events.KindBudgetExceeded:
		m.budgetRejections.Inc()
	}
}
