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

// Package balancer chooses a backend for each new client flow. A
// policy is consulted exactly once per flow; re-selecting for a flow
// the connection table already knows would break flow affinity, so
// the controller checks the table first.
package balancer

import (
	"errors"
	"fmt"

	"flowlb.io/internal/config"
	"flowlb.io/internal/registry"
)

// ErrNoBackends is returned when selection runs against an empty
// pool. The caller drops the flow rather than guessing.
var ErrNoBackends = errors.New("no backends available")

// Policy selects a backend for a new flow. Implementations are
// mutated only from the controller's reactor goroutine and carry no
// locking.
type Policy interface {
	Name() string
	Select(reg *registry.Registry) (*registry.Backend, error)
}

// New returns the policy named by the configuration.
func New(name string) (Policy, error) {
	switch name {
	case config.PolicyRoundRobin:
		return &roundRobin{}, nil
	case config.PolicyLeastConnections:
		return leastConnections{}, nil
	}
	return nil, fmt.Errorf("unknown policy %q", name)
}

// roundRobin rotates a cursor over the pool in configured order.
type roundRobin struct {
	next int
}

func (*roundRobin) Name() string { return config.PolicyRoundRobin }

func (p *roundRobin) Select(reg *registry.Registry) (*registry.Backend, error) {
	if reg.Len() == 0 {
		return nil, ErrNoBackends
	}
	b := reg.At(p.next % reg.Len())
	p.next = (p.next + 1) % reg.Len()
	return b, nil
}

// leastConnections scans for the minimum active-connection count.
// Ties go to the lowest configured index so selection is
// deterministic.
type leastConnections struct{}

func (leastConnections) Name() string { return config.PolicyLeastConnections }

func (leastConnections) Select(reg *registry.Registry) (*registry.Backend, error) {
	if reg.Len() == 0 {
		return nil, ErrNoBackends
	}
	best := reg.At(0)
	for i := 1; i < reg.Len(); i++ {
		if b := reg.At(i); b.ActiveConnections() < best.ActiveConnections() {
			best = b
		}
	}
	return best, nil
}
