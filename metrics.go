// Copyright 2025 Antfly, Inc.
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

package languagebind

import "github.com/prometheus/client_golang/prometheus"

var (
	embeddingRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "languagebind",
			Name:      "embedding_request_ops_total",
			Help:      "The total number of embedding requests.",
		},
		[]string{"binding"},
	)
	embeddingCreationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "languagebind",
			Name:      "embedding_creation_ops_total",
			Help:      "The total number of embeddings created.",
		},
		[]string{"binding", "modality"},
	)

	similarityRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "languagebind",
			Name:      "similarity_request_ops_total",
			Help:      "The total number of similarity requests.",
		},
		[]string{"binding"},
	)

	towerRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "languagebind",
			Name:      "tower_request_ops_total",
			Help:      "The total number of video tower feature requests.",
		},
		[]string{"tower"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "languagebind",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a binding or tower.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model", "type"},
	)

	loadedBindings = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "languagebind",
			Name:      "loaded_bindings",
			Help:      "Number of bindings currently in memory.",
		},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "languagebind",
			Name:      "request_duration_seconds",
			Help:      "Time taken to process a request.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "model", "status"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "languagebind",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"tier"}, // memory, redis
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "languagebind",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"tier"},
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "languagebind",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		},
	)

	bindingReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "languagebind",
			Name:      "binding_reloads_total",
			Help:      "Bindings file reloads by outcome.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(embeddingRequestOps)
	prometheus.MustRegister(embeddingCreationOps)
	prometheus.MustRegister(similarityRequestOps)
	prometheus.MustRegister(towerRequestOps)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(loadedBindings)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(rateLimitedTotal)
	prometheus.MustRegister(bindingReloads)
}

// RecordModelLoadDuration records how long it took to load a model
func RecordModelLoadDuration(model, modelType string, seconds float64) {
	modelLoadDuration.WithLabelValues(model, modelType).Observe(seconds)
}

// RecordRequestDuration records how long a request took
func RecordRequestDuration(endpoint, model, status string, seconds float64) {
	requestDuration.WithLabelValues(endpoint, model, status).Observe(seconds)
}

// RecordCacheHit increments the cache hit counter for a tier
func RecordCacheHit(tier string) {
	cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss increments the cache miss counter for a tier
func RecordCacheMiss(tier string) {
	cacheMisses.WithLabelValues(tier).Inc()
}

// RecordEmbeddingRequest increments the embedding request counter
func RecordEmbeddingRequest(binding string) {
	embeddingRequestOps.WithLabelValues(binding).Inc()
}

// RecordEmbeddingCreation records the number of embeddings created
func RecordEmbeddingCreation(binding, modality string, count int) {
	embeddingCreationOps.WithLabelValues(binding, modality).Add(float64(count))
}

// RecordSimilarityRequest increments the similarity request counter
func RecordSimilarityRequest(binding string) {
	similarityRequestOps.WithLabelValues(binding).Inc()
}

// RecordTowerRequest increments the tower request counter
func RecordTowerRequest(tower string) {
	towerRequestOps.WithLabelValues(tower).Inc()
}

// SetLoadedBindings sets the loaded bindings gauge
func SetLoadedBindings(n int) {
	loadedBindings.Set(float64(n))
}

// RecordRateLimited increments the rate limited counter
func RecordRateLimited() {
	rateLimitedTotal.Inc()
}

// RecordBindingReload counts a bindings file reload
func RecordBindingReload(status string) {
	bindingReloads.WithLabelValues(status).Inc()
}
