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

// Package conntrack tracks which backend each in-progress client flow
// was assigned to. It is what makes load balancing consistent for a
// flow's lifetime: while a record exists its key maps to exactly one
// backend.
//
// The table is owned by the controller's reactor goroutine; all
// methods must be called from there and no locking is done here.
package conntrack

import (
	"fmt"
	"net"
	"time"

	"flowlb.io/internal/registry"

	"github.com/go-kit/kit/log"
)

// Key identifies one client-initiated flow. The destination is always
// the virtual IP, so it isn't part of the key.
type Key struct {
	ClientIP   string
	ClientPort uint16
	Proto      uint8
}

// NewKey builds a key from packet fields.
func NewKey(clientIP net.IP, clientPort uint16, proto uint8) Key {
	return Key{ClientIP: clientIP.String(), ClientPort: clientPort, Proto: proto}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d/%d", k.ClientIP, k.ClientPort, k.Proto)
}

// Record is one admitted flow.
type Record struct {
	Key     Key
	Backend *registry.Backend

	// DPID scopes the record to the switch that observed the flow.
	DPID uint64
	// SwitchPort is the client-facing port, captured from the
	// packet-in that triggered admission. The reverse rewrite rule
	// outputs here.
	SwitchPort uint16

	CreatedAt time.Time
	LastSeen  time.Time
}

// Table maps in-progress flows to their backends.
type Table struct {
	logger  log.Logger
	reg     *registry.Registry
	records map[Key]*Record
}

func New(logger log.Logger, reg *registry.Registry) *Table {
	return &Table{
		logger:  logger,
		reg:     reg,
		records: make(map[Key]*Record),
	}
}

// Len returns the number of tracked flows.
func (t *Table) Len() int {
	return len(t.records)
}

// Lookup returns the record for key, if any, and refreshes its
// last-seen time.
func (t *Table) Lookup(key Key, now time.Time) (*Record, bool) {
	rec, ok := t.records[key]
	if ok {
		rec.LastSeen = now
	}
	return rec, ok
}

// Admit creates a record binding key to backend and charges the
// backend's connection counter. Admitting a key that is already bound
// to a different backend is a flow-affinity violation and returns an
// error; admitting it for the same backend returns the existing
// record untouched (a duplicate packet-in raced the rule install).
func (t *Table) Admit(key Key, backend *registry.Backend, dpid uint64, switchPort uint16, now time.Time) (*Record, error) {
	if rec, ok := t.records[key]; ok {
		if rec.Backend != backend {
			return nil, fmt.Errorf("flow %s already assigned to %s", key, rec.Backend.IP)
		}
		rec.LastSeen = now
		return rec, nil
	}
	rec := &Record{
		Key:        key,
		Backend:    backend,
		DPID:       dpid,
		SwitchPort: switchPort,
		CreatedAt:  now,
		LastSeen:   now,
	}
	t.records[key] = rec
	t.reg.Acquire(backend)
	tableSize.Set(float64(len(t.records)))
	return rec, nil
}

// Remove deletes the record for key, provided dpid owns it, and
// releases its backend. Unknown keys are a no-op: flow-removed events
// can arrive for rules this controller never tracked, or twice for the
// same flow. A matching key owned by a different datapath is left
// alone; that record's own switch reports its expiry.
func (t *Table) Remove(key Key, dpid uint64) (*Record, bool) {
	rec, ok := t.records[key]
	if !ok || rec.DPID != dpid {
		return nil, false
	}
	delete(t.records, key)
	t.reg.Release(rec.Backend)
	tableSize.Set(float64(len(t.records)))
	evictions.WithLabelValues("removed").Inc()
	return rec, true
}

// Sweep evicts records idle longer than maxIdle and returns them.
// The switch ages rules out on its own; the sweep is a backstop for
// flow-removed messages lost to a flapping control channel.
func (t *Table) Sweep(now time.Time, maxIdle time.Duration) []*Record {
	var evicted []*Record
	for key, rec := range t.records {
		if now.Sub(rec.LastSeen) <= maxIdle {
			continue
		}
		delete(t.records, key)
		t.reg.Release(rec.Backend)
		evictions.WithLabelValues("swept").Inc()
		evicted = append(evicted, rec)
		t.logger.Log("op", "sweep", "flow", key.String(), "backend", rec.Backend.IP.String(), "msg", "evicted idle flow")
	}
	tableSize.Set(float64(len(t.records)))
	return evicted
}

// Purge drops every record scoped to dpid and releases the backends.
// Called when a switch disconnects: no partial state survives a
// reconnect.
func (t *Table) Purge(dpid uint64) []*Record {
	var purged []*Record
	for key, rec := range t.records {
		if rec.DPID != dpid {
			continue
		}
		delete(t.records, key)
		t.reg.Release(rec.Backend)
		evictions.WithLabelValues("purged").Inc()
		purged = append(purged, rec)
	}
	tableSize.Set(float64(len(t.records)))
	return purged
}
