/*
Copyright 2025 the ICVSB authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics wires the process-private prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics carries every instrument the service records. A private registry
// keeps the exposition limited to icvsb metrics plus the standard process
// collectors.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	ProviderCalls *prometheus.CounterVec
	BenchmarkRuns *prometheus.CounterVec
	KeyFailures   *prometheus.CounterVec
}

// New builds the instrument set on a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path, and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Vendor calls by service and outcome.",
		}, []string{"service", "outcome"}),
		BenchmarkRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "benchmark_runs_total",
			Help:      "Benchmark runs by service and result.",
		}, []string{"service", "result"}),
		KeyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_validation_failures_total",
			Help:      "Key and response validation failures by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.HTTPRequests, m.HTTPDuration, m.ProviderCalls, m.BenchmarkRuns, m.KeyFailures)
	return m
}

// Gatherer exposes the private registry for the /metrics handler.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }
