// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics registers the Prometheus instruments shared by the HTTP
// edge and the pipeline workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codegraph_http_requests_total",
		Help: "HTTP requests handled by the edge, by route and status code.",
	}, []string{"route", "status"})

	// HTTPDuration observes request latency by route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "codegraph_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// JobsCompleted counts pipeline jobs that reached a terminal state.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codegraph_jobs_total",
		Help: "Pipeline jobs by terminal outcome (completed, failed, requeued).",
	}, []string{"outcome"})

	// StepDuration observes per-step pipeline durations.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "codegraph_job_step_duration_seconds",
		Help:    "Duration of individual pipeline steps.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"step"})

	// EmbedRetries counts embedding attempts that were retried.
	EmbedRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codegraph_embed_retries_total",
		Help: "Embedding calls retried after a transient upstream failure.",
	})
)
