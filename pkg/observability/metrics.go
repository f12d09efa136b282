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

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the kernel's Prometheus instruments. Every Record method is
// nil-safe so call sites never have to guard for disabled metrics.
//
// Families map one-to-one onto the kernel's hot paths: gateway LLM calls,
// provider cache hits, trigger dequeues, action executions, and the HTTP
// ingestion surface.
type Metrics struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	llmCalls     *prometheus.CounterVec
	llmDuration  *prometheus.HistogramVec
	llmTokensIn  *prometheus.CounterVec
	llmTokensOut *prometheus.CounterVec
	llmErrors    *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	triggerWait      prometheus.Histogram
	triggerQueueSize prometheus.Gauge

	actionDuration *prometheus.HistogramVec
	actionErrors   *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics builds and registers the kernel's instruments. Returns nil
// when metrics are disabled; all Record methods tolerate a nil receiver.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}
	ns := cfg.Namespace

	m.llmCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "llm", Name: "calls_total",
		Help: "Total LLM gateway calls",
	}, []string{"model", "provider"})
	m.llmDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "llm", Name: "call_duration_seconds",
		Help:    "LLM call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"model", "provider"})
	m.llmTokensIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "llm", Name: "tokens_input_total",
		Help: "Total prompt tokens consumed",
	}, []string{"model", "provider"})
	m.llmTokensOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "llm", Name: "tokens_output_total",
		Help: "Total completion tokens generated",
	}, []string{"model", "provider"})
	m.llmErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "llm", Name: "errors_total",
		Help: "Total LLM gateway errors",
	}, []string{"model", "provider", "error_type"})

	m.cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "cache", Name: "hits_total",
		Help: "LLM calls served at least partially from a provider-side cache",
	}, []string{"provider", "call_type"})
	m.cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "cache", Name: "misses_total",
		Help: "LLM calls with no cache hit",
	}, []string{"provider", "call_type"})

	m.triggerWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "trigger", Name: "dequeue_wait_seconds",
		Help:    "Time a trigger spent queued before dequeue",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
	m.triggerQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "trigger", Name: "queue_size",
		Help: "Triggers currently queued",
	})

	m.actionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "action", Name: "execution_duration_seconds",
		Help:    "Action execution duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"action", "status"})
	m.actionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "action", Name: "errors_total",
		Help: "Action executions that ended in error",
	}, []string{"action", "error_type"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "http", Name: "requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.registry.MustRegister(
		m.llmCalls, m.llmDuration, m.llmTokensIn, m.llmTokensOut, m.llmErrors,
		m.cacheHits, m.cacheMisses,
		m.triggerWait, m.triggerQueueSize,
		m.actionDuration, m.actionErrors,
		m.httpRequests, m.httpDuration,
	)
	return m, nil
}

// RecordLLMCall records one gateway call and its duration.
func (m *Metrics) RecordLLMCall(model, provider string, duration time.Duration) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(model, provider).Inc()
	m.llmDuration.WithLabelValues(model, provider).Observe(duration.Seconds())
}

// RecordLLMTokens records a call's token usage.
func (m *Metrics) RecordLLMTokens(model, provider string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.llmTokensIn.WithLabelValues(model, provider).Add(float64(inputTokens))
	m.llmTokensOut.WithLabelValues(model, provider).Add(float64(outputTokens))
}

// RecordLLMError records a failed gateway call.
func (m *Metrics) RecordLLMError(model, provider, errorType string) {
	if m == nil {
		return
	}
	m.llmErrors.WithLabelValues(model, provider, errorType).Inc()
}

// RecordCacheHit records a call the provider served from cache.
func (m *Metrics) RecordCacheHit(provider, callType string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(provider, callType).Inc()
}

// RecordCacheMiss records a call with no cache hit.
func (m *Metrics) RecordCacheMiss(provider, callType string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(provider, callType).Inc()
}

// RecordTriggerDequeue records how long a trigger waited and the queue size
// immediately after the dequeue.
func (m *Metrics) RecordTriggerDequeue(wait time.Duration, queueSize int) {
	if m == nil {
		return
	}
	m.triggerWait.Observe(wait.Seconds())
	m.triggerQueueSize.Set(float64(queueSize))
}

// RecordActionExecution records one action run's duration and terminal
// status.
func (m *Metrics) RecordActionExecution(action, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.actionDuration.WithLabelValues(action, status).Observe(duration.Seconds())
}

// RecordActionError records a failed action run.
func (m *Metrics) RecordActionError(action, errorType string) {
	if m == nil {
		return
	}
	m.actionErrors.WithLabelValues(action, errorType).Inc()
}

// RecordHTTPRequest records one request against the ingestion surface.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, statusClass(statusCode)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
