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

// Package flows translates backend decisions into switch rules. Each
// admitted flow gets an asymmetric pair: the forward rule rewrites
// client→VIP traffic toward the backend, the reverse rule rewrites
// the backend's responses so the client only ever sees the VIP. Both
// carry idle timeouts, so the switch ages finished connections out on
// its own and the controller stays off the data path after the first
// packet.
package flows

import (
	"fmt"
	"net"
	"time"

	"flowlb.io/internal/config"
	"flowlb.io/internal/conntrack"
	"flowlb.io/internal/openflow"
	"flowlb.io/internal/registry"

	"github.com/go-kit/kit/log"
)

// controllerMaxLen asks the switch for whole packets on table-miss,
// so the load-balancing path can re-emit unbuffered frames.
const controllerMaxLen uint16 = 0xffff

// learnedIdleTimeout keeps learning-switch shortcuts short-lived so
// host moves converge quickly.
const learnedIdleTimeout uint16 = 10

// Flow captures what the installer needs from one packet-in on the
// load-balancing path.
type Flow struct {
	ClientIP    net.IP
	ClientPort  uint16
	Proto       uint8
	ServicePort uint16

	// InPort is the client-facing switch port the packet arrived on.
	InPort uint16
	// BufferID is the switch's buffer for the triggering packet, or
	// openflow.NoBuffer if it travelled in the packet-in.
	BufferID uint32
	Frame    []byte
}

// Installer builds and pushes the rule pairs.
type Installer struct {
	logger   log.Logger
	vip      net.IP
	vmac     net.HardwareAddr
	idle     uint16
	hard     uint16
	priority uint16
}

func NewInstaller(logger log.Logger, cfg *config.Config) *Installer {
	return &Installer{
		logger:   logger,
		vip:      cfg.VirtualIP,
		vmac:     cfg.VirtualMAC,
		idle:     uint16(cfg.IdleTimeout / time.Second),
		hard:     uint16(cfg.HardTimeout / time.Second),
		priority: cfg.Priority,
	}
}

// Install pushes the forward and reverse rules for f onto the switch
// and gets the triggering packet delivered: buffered packets run
// through the forward rule's actions via its buffer id, unbuffered
// ones are re-emitted with an explicit packet-out.
//
// Only the forward rule requests flow-removed notification. Its
// expiry stands for the whole connection, so the connection counter
// is decremented exactly once even though two rules age out.
func (in *Installer) Install(c openflow.Conn, f Flow, backend *registry.Backend) error {
	rewrite := []openflow.Action{
		openflow.SetDLDst{Addr: backend.MAC},
		openflow.SetNWDst{Addr: backend.IP},
		openflow.Output{Port: backend.Port},
	}

	forward := &openflow.FlowMod{
		Match:       openflow.MatchConnection(f.Proto, f.ClientIP, f.ClientPort, in.vip, f.ServicePort),
		Command:     openflow.FlowAdd,
		IdleTimeout: in.idle,
		HardTimeout: in.hard,
		Priority:    in.priority,
		BufferID:    f.BufferID,
		OutPort:     openflow.PortNone,
		Flags:       openflow.FlagSendFlowRem,
		Actions:     rewrite,
	}
	if err := c.Send(forward); err != nil {
		return fmt.Errorf("installing forward rule for %s: %w", f.ClientIP, err)
	}
	ruleInstalls.WithLabelValues("forward").Inc()

	if f.BufferID == openflow.NoBuffer {
		po := &openflow.PacketOut{
			BufferID: openflow.NoBuffer,
			InPort:   f.InPort,
			Actions:  rewrite,
			Data:     f.Frame,
		}
		if err := c.Send(po); err != nil {
			return fmt.Errorf("re-emitting first packet for %s: %w", f.ClientIP, err)
		}
	}

	reverse := &openflow.FlowMod{
		Match:       openflow.MatchConnection(f.Proto, backend.IP, f.ServicePort, f.ClientIP, f.ClientPort),
		Command:     openflow.FlowAdd,
		IdleTimeout: in.idle,
		HardTimeout: in.hard,
		Priority:    in.priority,
		BufferID:    openflow.NoBuffer,
		OutPort:     openflow.PortNone,
		Actions: []openflow.Action{
			openflow.SetDLSrc{Addr: in.vmac},
			openflow.SetNWSrc{Addr: in.vip},
			openflow.Output{Port: f.InPort},
		},
	}
	if err := c.Send(reverse); err != nil {
		return fmt.Errorf("installing reverse rule for %s: %w", f.ClientIP, err)
	}
	ruleInstalls.WithLabelValues("reverse").Inc()

	return nil
}

// InstallTableMiss installs the lowest-priority rule that sends
// unmatched packets to the controller. Pushed on every switch
// connect.
func (in *Installer) InstallTableMiss(c openflow.Conn) error {
	fm := &openflow.FlowMod{
		Match:    openflow.MatchAll(),
		Command:  openflow.FlowAdd,
		Priority: 0,
		BufferID: openflow.NoBuffer,
		OutPort:  openflow.PortNone,
		Actions:  []openflow.Action{openflow.Output{Port: openflow.PortController, MaxLen: controllerMaxLen}},
	}
	if err := c.Send(fm); err != nil {
		return fmt.Errorf("installing table-miss rule: %w", err)
	}
	ruleInstalls.WithLabelValues("table_miss").Inc()
	return nil
}

// InstallLearned installs a short-lived L2 shortcut toward a learned
// host location and forwards the triggering packet there.
func (in *Installer) InstallLearned(c openflow.Conn, dst net.HardwareAddr, outPort uint16, f Flow) error {
	fm := &openflow.FlowMod{
		Match:       openflow.MatchEthernetDst(dst),
		Command:     openflow.FlowAdd,
		IdleTimeout: learnedIdleTimeout,
		Priority:    1,
		BufferID:    f.BufferID,
		OutPort:     openflow.PortNone,
		Actions:     []openflow.Action{openflow.Output{Port: outPort}},
	}
	if err := c.Send(fm); err != nil {
		return fmt.Errorf("installing learned rule for %s: %w", dst, err)
	}
	ruleInstalls.WithLabelValues("learned").Inc()
	if f.BufferID == openflow.NoBuffer {
		po := &openflow.PacketOut{
			BufferID: openflow.NoBuffer,
			InPort:   f.InPort,
			Actions:  []openflow.Action{openflow.Output{Port: outPort}},
			Data:     f.Frame,
		}
		if err := c.Send(po); err != nil {
			return fmt.Errorf("forwarding to learned port %d: %w", outPort, err)
		}
	}
	return nil
}

// Flood re-emits an unbuffered or buffered packet out every port but
// the ingress. Used when the destination's location is unknown.
func (in *Installer) Flood(c openflow.Conn, f Flow) error {
	po := &openflow.PacketOut{
		BufferID: f.BufferID,
		InPort:   f.InPort,
		Actions:  []openflow.Action{openflow.Output{Port: openflow.PortFlood}},
		Data:     f.Frame,
	}
	if err := c.Send(po); err != nil {
		return fmt.Errorf("flooding packet: %w", err)
	}
	return nil
}

// KeyFromMatch recovers the connection key from a forward rule's
// match fields, as echoed in a flow-removed message. It reports false
// for matches that can't be one of ours (reverse rules, learning
// shortcuts, the table-miss rule).
func KeyFromMatch(m openflow.Match) (conntrack.Key, bool) {
	if m.Wildcarded(openflow.WildcardDLType) || m.DLType != openflow.EtherTypeIPv4 {
		return conntrack.Key{}, false
	}
	if m.Wildcarded(openflow.WildcardNWProto) || m.WildcardedNWSrc() || m.Wildcarded(openflow.WildcardTPSrc) {
		return conntrack.Key{}, false
	}
	return conntrack.NewKey(m.NWSrc, m.TPSrc, m.NWProto), true
}
