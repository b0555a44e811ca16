// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auralog",
		Name:      "worker_jobs_total",
		Help:      "Worker jobs processed by queue and result",
	}, []string{"queue", "result"}) // completed, retried, failed

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "auralog",
		Name:      "queue_depth",
		Help:      "Jobs waiting (ready plus delayed) per queue",
	}, []string{"queue"})

	providerRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auralog",
		Name:      "provider_rate_limited_total",
		Help:      "429 responses observed from the provider",
	}, []string{"queue"})

	limiterRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "auralog",
		Name:      "adaptive_limiter_rate",
		Help:      "Current request rate of the shared adaptive limiter (req/s)",
	})
)

// RecordJob counts one processed job for a queue.
func RecordJob(queue, result string) { jobsProcessed.WithLabelValues(queue, result).Inc() }

// SetQueueDepth records the current depth of a queue.
func SetQueueDepth(queue string, depth int64) { queueDepth.WithLabelValues(queue).Set(float64(depth)) }

// RecordProviderRateLimited counts a 429 seen while working a queue.
func RecordProviderRateLimited(queue string) { providerRateLimited.WithLabelValues(queue).Inc() }

// SetLimiterRate records the adaptive limiter's current rate.
func SetLimiterRate(rps float64) { limiterRate.Set(rps) }
