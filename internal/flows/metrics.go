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

package flows

import (
	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "flows"

var (
	ruleInstalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowlb",
		Subsystem: subsystem,
		Name:      "rules_installed_total",
		Help:      "Number of flow rules pushed to switches, by kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(ruleInstalls)
}
