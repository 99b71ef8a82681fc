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

// Package registry holds the configured backend pool and its live
// connection counters. The counters describe switch state, so they
// are process-scoped and reset on restart; they are never persisted.
package registry

import (
	"net"

	"flowlb.io/internal/config"
)

// Backend is one server behind the virtual IP.
type Backend struct {
	IP   net.IP
	MAC  net.HardwareAddr
	Port uint16

	active      int
	assignments uint64
}

// ActiveConnections returns the number of flows currently assigned to
// this backend.
func (b *Backend) ActiveConnections() int {
	return b.active
}

// Assignments returns the total number of flows ever assigned to this
// backend.
func (b *Backend) Assignments() uint64 {
	return b.assignments
}

// Registry is the ordered backend pool. The order is the configured
// order; round-robin rotation and least-connections tiebreaks depend
// on it being stable.
//
// The registry is owned by the controller's reactor goroutine and
// carries no locking of its own.
type Registry struct {
	backends []*Backend
	byIP     map[string]*Backend
}

// New builds a registry from validated configuration.
func New(cfgs []config.Backend) *Registry {
	r := &Registry{byIP: make(map[string]*Backend, len(cfgs))}
	for _, c := range cfgs {
		b := &Backend{IP: c.IP, MAC: c.MAC, Port: c.Port}
		r.backends = append(r.backends, b)
		r.byIP[b.IP.String()] = b
		activeConns.WithLabelValues(b.IP.String()).Set(0)
	}
	return r
}

// Len returns the number of backends.
func (r *Registry) Len() int {
	return len(r.backends)
}

// At returns the backend at index i in configured order.
func (r *Registry) At(i int) *Backend {
	return r.backends[i]
}

// Backends returns the pool in configured order. Callers must not
// modify the slice.
func (r *Registry) Backends() []*Backend {
	return r.backends
}

// ByIP looks a backend up by its address.
func (r *Registry) ByIP(ip net.IP) (*Backend, bool) {
	b, ok := r.byIP[ip.String()]
	return b, ok
}

// Acquire records a new flow on b.
func (r *Registry) Acquire(b *Backend) {
	b.active++
	b.assignments++
	activeConns.WithLabelValues(b.IP.String()).Set(float64(b.active))
	assignments.WithLabelValues(b.IP.String()).Inc()
}

// Release records the end of a flow on b. Releasing an idle backend
// is a no-op: the counter never goes negative.
func (r *Registry) Release(b *Backend) {
	if b.active == 0 {
		return
	}
	b.active--
	activeConns.WithLabelValues(b.IP.String()).Set(float64(b.active))
}
