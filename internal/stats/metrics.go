// Copyright 2025 Flowlb Authors
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

package stats

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const subsystem = "stats"

var (
	eventsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowlb",
		Subsystem: subsystem,
		Name:      "events_sent_total",
		Help:      "Number of events delivered to the dashboard API",
	})

	eventsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowlb",
		Subsystem: subsystem,
		Name:      "events_failed_total",
		Help:      "Number of events the dashboard API rejected or that failed in transit",
	})

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowlb",
		Subsystem: subsystem,
		Name:      "events_dropped_total",
		Help:      "Number of events dropped because the queue was full",
	})
)

func init() {
	prometheus.MustRegister(eventsSent)
	prometheus.MustRegister(eventsFailed)
	prometheus.MustRegister(eventsDropped)
}

// RunMetrics runs the Prometheus metrics server. It doesn't ever
// return.
func RunMetrics(metricsHost string, metricsPort int) {
	http.Handle("/metrics", promhttp.Handler())
	http.ListenAndServe(fmt.Sprintf("%s:%d", metricsHost, metricsPort), nil)
}
