// Copyright 2015 Matthew Holt and The Caddy Authors
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

package fastcgi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is the collection of metrics tracked for the fastcgi engine.
// It is filled in once by initMetrics, from this package's init.
var metrics = struct {
	recordsRead     *prometheus.CounterVec
	sessionsTotal   *prometheus.CounterVec
	sessionsOpen    prometheus.Gauge
	connectionsOpen prometheus.Gauge
	sessionDuration prometheus.Histogram
}{}

func init() {
	initMetrics()
}

func initMetrics() {
	const ns = "fastcgi"

	metrics.recordsRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "records_read_total",
		Help:      "Counter of FastCGI records read from connections, by record type.",
	}, []string{"type"})

	metrics.sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "sessions_total",
		Help:      "Counter of completed sessions, by role and protocol status.",
	}, []string{"role", "protocol_status"})

	metrics.sessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "sessions_open",
		Help:      "Number of sessions currently open across all connections.",
	})

	metrics.connectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "connections_open",
		Help:      "Number of connections currently accepted.",
	})

	metrics.sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "session_duration_seconds",
		Help:      "Observed wall-clock duration of a session from BEGIN_REQUEST to END_REQUEST.",
		Buckets:   prometheus.DefBuckets,
	})
}
