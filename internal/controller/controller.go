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

// Package controller owns the switch connections and dispatches their
// control events. It is a single-goroutine reactor: every piece of
// mutable shared state (backend registry, connection table,
// host-location tables, the policy cursor) is touched only from
// Run's goroutine, so none of it needs locks. Events from one switch
// are delivered in arrival order and handled one at a time.
package controller

import (
	"fmt"
	"time"

	"flowlb.io/internal/arp"
	"flowlb.io/internal/balancer"
	"flowlb.io/internal/config"
	"flowlb.io/internal/conntrack"
	"flowlb.io/internal/flows"
	"flowlb.io/internal/openflow"
	"flowlb.io/internal/registry"
	"flowlb.io/internal/stats"

	"github.com/go-kit/kit/log"
)

// sweepGraceFactor scales the rule lifetime into the table sweep
// threshold. The switch normally ages flows out and tells us; the
// sweep only catches records whose flow-removed was lost, so it waits
// well past the rule lifetime.
const sweepGraceFactor = 3

type event interface{}

type connectEvent struct {
	dpid uint64
	conn openflow.Conn
}

type disconnectEvent struct {
	dpid uint64
	conn openflow.Conn
}

type packetInEvent struct {
	dpid uint64
	pi   *openflow.PacketIn
}

type flowRemovedEvent struct {
	dpid uint64
	fr   *openflow.FlowRemoved
}

// switchHandle is the per-switch state: its control channel and the
// passively learned host locations used for non-balanced forwarding.
type switchHandle struct {
	dpid      uint64
	conn      openflow.Conn
	macToPort map[string]uint16
}

// Controller is the event loop. It implements openflow.Handler; the
// handler methods run on per-switch reader goroutines and only
// enqueue, the reactor goroutine does everything else.
type Controller struct {
	logger    log.Logger
	cfg       *config.Config
	reg       *registry.Registry
	table     *conntrack.Table
	policy    balancer.Policy
	installer *flows.Installer
	responder *arp.Responder
	reporter  *stats.Reporter

	events   chan event
	done     chan struct{}
	switches map[uint64]*switchHandle
}

func New(logger log.Logger, cfg *config.Config, reg *registry.Registry, table *conntrack.Table, policy balancer.Policy, installer *flows.Installer, responder *arp.Responder, reporter *stats.Reporter) *Controller {
	return &Controller{
		logger:    logger,
		cfg:       cfg,
		reg:       reg,
		table:     table,
		policy:    policy,
		installer: installer,
		responder: responder,
		reporter:  reporter,
		events:    make(chan event, 64),
		done:      make(chan struct{}),
		switches:  make(map[uint64]*switchHandle),
	}
}

// SwitchConnected implements openflow.Handler.
func (c *Controller) SwitchConnected(sw *openflow.Switch) {
	c.enqueue(connectEvent{dpid: sw.DatapathID(), conn: sw})
}

// SwitchDisconnected implements openflow.Handler.
func (c *Controller) SwitchDisconnected(sw *openflow.Switch) {
	c.enqueue(disconnectEvent{dpid: sw.DatapathID(), conn: sw})
}

// PacketReceived implements openflow.Handler.
func (c *Controller) PacketReceived(sw *openflow.Switch, pi *openflow.PacketIn) {
	c.enqueue(packetInEvent{dpid: sw.DatapathID(), pi: pi})
}

// FlowExpired implements openflow.Handler.
func (c *Controller) FlowExpired(sw *openflow.Switch, fr *openflow.FlowRemoved) {
	c.enqueue(flowRemovedEvent{dpid: sw.DatapathID(), fr: fr})
}

// enqueue hands an event to the reactor. Once shutdown has begun new
// events are discarded.
func (c *Controller) enqueue(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Run is the reactor. It returns once stopCh closes, after finishing
// the event in hand; the caller then drains the stats reporter.
func (c *Controller) Run(stopCh <-chan struct{}) {
	sweep := time.NewTicker(c.cfg.IdleTimeout)
	defer sweep.Stop()

	var report <-chan time.Time
	if c.cfg.ReportInterval > 0 {
		t := time.NewTicker(c.cfg.ReportInterval)
		defer t.Stop()
		report = t.C
	}

	for {
		select {
		case <-stopCh:
			close(c.done)
			c.logger.Log("op", "shutdown", "msg", "reactor stopped")
			return
		case ev := <-c.events:
			c.dispatch(ev)
		case now := <-sweep.C:
			c.sweepIdle(now)
		case <-report:
			c.reportSummary()
		}
	}
}

func (c *Controller) dispatch(ev event) {
	switch ev := ev.(type) {
	case connectEvent:
		c.handleConnect(ev.dpid, ev.conn)
	case disconnectEvent:
		c.handleDisconnect(ev.dpid, ev.conn)
	case packetInEvent:
		c.handlePacketIn(ev.dpid, ev.pi)
	case flowRemovedEvent:
		c.handleFlowRemoved(ev.dpid, ev.fr)
	}
}

func (c *Controller) handleConnect(dpid uint64, conn openflow.Conn) {
	// A reconnect starts clean: stale host locations and flow records
	// from the previous session must not survive.
	c.purge(dpid, "switch_reconnect")
	c.switches[dpid] = &switchHandle{dpid: dpid, conn: conn, macToPort: make(map[string]uint16)}
	switchesConnected.Set(float64(len(c.switches)))

	if err := c.installer.InstallTableMiss(conn); err != nil {
		c.logger.Log("op", "connect", "dpid", fmt.Sprintf("%016x", dpid), "error", err, "msg", "failed to install table-miss rule")
		return
	}
	c.logger.Log("op", "connect", "dpid", fmt.Sprintf("%016x", dpid), "policy", c.policy.Name(), "msg", "switch ready")
}

func (c *Controller) handleDisconnect(dpid uint64, conn openflow.Conn) {
	// A disconnect from a half-open old channel can land after the
	// switch has already reconnected. The reconnect's purge covered
	// that session; tearing down the live handle here would leave the
	// switch ignored until its next reconnect.
	sw, ok := c.switches[dpid]
	if !ok || sw.conn != conn {
		return
	}
	c.purge(dpid, "switch_disconnect")
	delete(c.switches, dpid)
	switchesConnected.Set(float64(len(c.switches)))
}

// purge drops all state owned for a datapath and reports the evicted
// flows.
func (c *Controller) purge(dpid uint64, reason string) {
	for _, rec := range c.table.Purge(dpid) {
		c.reporter.Removed(rec.Key.ClientIP, rec.Key.ClientPort, rec.Backend.IP.String(), reason)
	}
}

func (c *Controller) handleFlowRemoved(dpid uint64, fr *openflow.FlowRemoved) {
	key, ok := flows.KeyFromMatch(fr.Match)
	if !ok {
		// Reverse rules, learning shortcuts and the table-miss rule
		// don't map to a connection.
		return
	}
	rec, ok := c.table.Remove(key, dpid)
	if !ok {
		// Removal is idempotent: a duplicate notification, a rule from
		// before a purge, or a record owned by a different switch.
		return
	}
	reason := openflow.ReasonString(fr.Reason)
	c.logger.Log("op", "flow-removed", "flow", key.String(), "backend", rec.Backend.IP.String(), "reason", reason, "msg", "flow ended")
	c.reporter.Removed(key.ClientIP, key.ClientPort, rec.Backend.IP.String(), reason)
}

func (c *Controller) sweepIdle(now time.Time) {
	for _, rec := range c.table.Sweep(now, c.sweepThreshold()) {
		c.reporter.Removed(rec.Key.ClientIP, rec.Key.ClientPort, rec.Backend.IP.String(), "swept")
	}
}

// sweepThreshold is the age past which a record is presumed leaked.
// LastSeen only moves on packet-ins, which an established flow never
// generates, so a live record can look idle for a whole rule lifetime.
// The hard timeout bounds that lifetime; the threshold scales from it
// when it exceeds the idle timeout.
func (c *Controller) sweepThreshold() time.Duration {
	lifetime := c.cfg.IdleTimeout
	if c.cfg.HardTimeout > lifetime {
		lifetime = c.cfg.HardTimeout
	}
	return lifetime * sweepGraceFactor
}

// reportSummary logs the operational totals the original dashboard
// graphs: tracked flows and per-backend active/lifetime counts.
func (c *Controller) reportSummary() {
	kv := []interface{}{"op", "summary", "flows", c.table.Len(), "switches", len(c.switches)}
	for _, b := range c.reg.Backends() {
		kv = append(kv, "backend-"+b.IP.String(), fmt.Sprintf("%d/%d", b.ActiveConnections(), b.Assignments()))
	}
	kv = append(kv, "msg", "load balancer summary")
	c.logger.Log(kv...)
}
