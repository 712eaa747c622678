// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability collects runtime metrics in Prometheus format.
//
// The Recorder owns its own registry, so tests and embedded deployments can
// run several runtimes in one process without collector collisions. The
// /metrics handler and the HTTP middleware both hang off the Recorder.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dakproject/dak/pkg/tool"
)

// Recorder implements the agent loop's metrics seam and the HTTP surface's
// request instrumentation.
type Recorder struct {
	registry *prometheus.Registry

	llmCalls       *prometheus.CounterVec
	llmLatency     *prometheus.HistogramVec
	toolDispatches *prometheus.CounterVec
	toolLatency    *prometheus.HistogramVec
	modeSwitches   prometheus.Counter
	enforcerBlocks prometheus.Counter
	turns          *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewRecorder creates a Recorder with a fresh registry and the standard Go
// runtime collectors.
func NewRecorder(namespace string) *Recorder {
	if namespace == "" {
		namespace = "dak"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Recorder{
		registry: registry,
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Model calls by model name and outcome.",
		}, []string{"model", "outcome"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Model call latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"model"}),
		toolDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_dispatches_total",
			Help:      "Tool dispatches by tool, source and outcome.",
		}, []string{"tool", "source", "outcome"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_dispatch_duration_seconds",
			Help:      "Tool dispatch latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 120},
		}, []string{"tool"}),
		modeSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_switches_total",
			Help:      "Completed mode switches.",
		}),
		enforcerBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcer_blocks_total",
			Help:      "Model responses blocked by the enforcer.",
		}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		r.llmCalls, r.llmLatency,
		r.toolDispatches, r.toolLatency,
		r.modeSwitches, r.enforcerBlocks, r.turns,
		r.httpRequests, r.httpLatency,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveLLMCall records one model call.
func (r *Recorder) ObserveLLMCall(modelName string, duration time.Duration, failed bool) {
	outcome := "success"
	if failed {
		outcome = "failed"
	}
	r.llmCalls.WithLabelValues(modelName, outcome).Inc()
	r.llmLatency.WithLabelValues(modelName).Observe(duration.Seconds())
}

// ObserveToolDispatch records one tool dispatch.
func (r *Recorder) ObserveToolDispatch(name string, source tool.Source, outcome string, duration time.Duration) {
	r.toolDispatches.WithLabelValues(name, string(source), outcome).Inc()
	r.toolLatency.WithLabelValues(name).Observe(duration.Seconds())
}

// CountModeSwitch records a completed mode switch.
func (r *Recorder) CountModeSwitch() {
	r.modeSwitches.Inc()
}

// CountEnforcerBlock records an enforcer block.
func (r *Recorder) CountEnforcerBlock() {
	r.enforcerBlocks.Inc()
}

// CountTurn records a completed turn with its outcome ("success", "error",
// "busy").
func (r *Recorder) CountTurn(outcome string) {
	r.turns.WithLabelValues(outcome).Inc()
}
