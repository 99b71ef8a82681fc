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
	"time"

	"flowlb.io/internal/conntrack"
	"flowlb.io/internal/flows"
	"flowlb.io/internal/openflow"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// handlePacketIn classifies one packet the switch had no rule for.
// ARP requests for the virtual IP get answered; IPv4 traffic to the
// virtual IP goes through backend selection; everything else is plain
// learning-switch forwarding.
func (c *Controller) handlePacketIn(dpid uint64, pi *openflow.PacketIn) {
	sw, ok := c.switches[dpid]
	if !ok {
		// The switch raced a disconnect; its state is gone.
		return
	}

	pkt := gopacket.NewPacket(pi.Data, layers.LayerTypeEthernet, gopacket.Lazy)
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		packetsMalformed.Inc()
		c.logger.Log("op", "packet-in", "port", pi.InPort, "msg", "dropping unparseable frame")
		return
	}
	eth := ethLayer.(*layers.Ethernet)

	// Learn the sender's location no matter what the packet is.
	sw.macToPort[eth.SrcMAC.String()] = pi.InPort

	if arpLayer := pkt.Layer(layers.LayerTypeARP); arpLayer != nil {
		req := arpLayer.(*layers.ARP)
		if po, ok := c.responder.Respond(req, pi.InPort); ok {
			packetIns.WithLabelValues("arp_vip").Inc()
			if err := sw.conn.Send(po); err != nil {
				c.logger.Log("op", "arp-reply", "error", err, "msg", "failed to send ARP reply")
			}
			return
		}
		c.forward(sw, eth, pi)
		return
	}

	if ipLayer := pkt.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		if ip.DstIP.Equal(c.cfg.VirtualIP) {
			c.balance(sw, pkt, ip, pi)
			return
		}
	}

	c.forward(sw, eth, pi)
}

// balance runs the load-balancing path: membership check, policy
// selection, table admission and rule installation, plus the stats
// event for the decision.
func (c *Controller) balance(sw *switchHandle, pkt gopacket.Packet, ip *layers.IPv4, pi *openflow.PacketIn) {
	var clientPort, servicePort uint16
	switch ip.Protocol {
	case layers.IPProtocolTCP:
		tl := pkt.Layer(layers.LayerTypeTCP)
		if tl == nil {
			packetsMalformed.Inc()
			c.logger.Log("op", "packet-in", "client", ip.SrcIP.String(), "msg", "dropping truncated TCP segment for virtual IP")
			return
		}
		t := tl.(*layers.TCP)
		clientPort, servicePort = uint16(t.SrcPort), uint16(t.DstPort)
	case layers.IPProtocolUDP:
		ul := pkt.Layer(layers.LayerTypeUDP)
		if ul == nil {
			packetsMalformed.Inc()
			c.logger.Log("op", "packet-in", "client", ip.SrcIP.String(), "msg", "dropping truncated UDP datagram for virtual IP")
			return
		}
		u := ul.(*layers.UDP)
		clientPort, servicePort = uint16(u.SrcPort), uint16(u.DstPort)
	default:
		// No transport ports to key or match on; nothing sane to
		// install for this.
		packetIns.WithLabelValues("vip_unsupported").Inc()
		c.logger.Log("op", "packet-in", "client", ip.SrcIP.String(), "proto", int(ip.Protocol), "msg", "dropping non-TCP/UDP packet for virtual IP")
		return
	}
	packetIns.WithLabelValues("vip").Inc()

	now := time.Now()
	key := conntrack.NewKey(ip.SrcIP, clientPort, uint8(ip.Protocol))
	flow := flows.Flow{
		ClientIP:    ip.SrcIP,
		ClientPort:  clientPort,
		Proto:       uint8(ip.Protocol),
		ServicePort: servicePort,
		InPort:      pi.InPort,
		BufferID:    pi.BufferID,
		Frame:       pi.Data,
	}

	// Membership check before selection: a duplicate packet-in that
	// raced the rule install re-uses the existing assignment instead
	// of consulting the policy again. That is the flow-affinity
	// guarantee.
	if rec, ok := c.table.Lookup(key, now); ok {
		if err := c.installer.Install(sw.conn, flow, rec.Backend); err != nil {
			c.logger.Log("op", "reinstall", "flow", key.String(), "error", err, "msg", "failed to reinstall rules")
		}
		return
	}

	backend, err := c.policy.Select(c.reg)
	if err != nil {
		// No backends: reject the flow by installing nothing.
		c.logger.Log("op", "assign", "flow", key.String(), "error", err, "msg", "no backend for new flow")
		return
	}
	if _, err := c.table.Admit(key, backend, sw.dpid, pi.InPort, now); err != nil {
		c.logger.Log("op", "assign", "flow", key.String(), "error", err, "msg", "admission refused")
		return
	}
	if err := c.installer.Install(sw.conn, flow, backend); err != nil {
		// The record stays; if the channel is dead the disconnect
		// purge cleans it up, otherwise the sweep will.
		c.logger.Log("op", "assign", "flow", key.String(), "backend", backend.IP.String(), "error", err, "msg", "rule installation failed")
		return
	}

	c.logger.Log("op", "assign", "flow", key.String(), "backend", backend.IP.String(), "policy", c.policy.Name(), "msg", "flow assigned")
	c.reporter.Assigned(key.ClientIP, key.ClientPort, backend.IP.String())
}

// forward is the plain learning-switch path for traffic that isn't
// load balanced: forward directly when the destination's port is
// known, flood otherwise.
func (c *Controller) forward(sw *switchHandle, eth *layers.Ethernet, pi *openflow.PacketIn) {
	packetIns.WithLabelValues("l2").Inc()
	f := flows.Flow{InPort: pi.InPort, BufferID: pi.BufferID, Frame: pi.Data}

	if port, ok := sw.macToPort[eth.DstMAC.String()]; ok && port != pi.InPort {
		if err := c.installer.InstallLearned(sw.conn, eth.DstMAC, port, f); err != nil {
			c.logger.Log("op", "forward", "dst", eth.DstMAC.String(), "error", err, "msg", "failed to forward to learned port")
		}
		return
	}
	if err := c.installer.Flood(sw.conn, f); err != nil {
		c.logger.Log("op", "forward", "dst", eth.DstMAC.String(), "error", err, "msg", "failed to flood")
	}
}
