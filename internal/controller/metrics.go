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

package controller

import (
	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "controller"

var (
	packetIns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowlb",
		Subsystem: subsystem,
		Name:      "packet_ins_total",
		Help:      "Number of packet-in events handled, by traffic class",
	}, []string{"class"})

	packetsMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowlb",
		Subsystem: subsystem,
		Name:      "malformed_packets_total",
		Help:      "Number of packet-ins dropped because they could not be parsed",
	})

	switchesConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowlb",
		Subsystem: subsystem,
		Name:      "switches_connected",
		Help:      "Number of switches currently connected",
	})
)

func init() {
	prometheus.MustRegister(packetIns)
	prometheus.MustRegister(packetsMalformed)
	prometheus.MustRegister(switchesConnected)
}
