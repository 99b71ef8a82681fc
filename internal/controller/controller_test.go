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
	"net"
	"testing"
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
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records every message the controller pushes at a switch.
type fakeConn struct {
	sent []openflow.Message
}

func (c *fakeConn) Send(m openflow.Message) error {
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) reset() { c.sent = nil }

func (c *fakeConn) flowMods() []*openflow.FlowMod {
	var out []*openflow.FlowMod
	for _, m := range c.sent {
		if fm, ok := m.(*openflow.FlowMod); ok {
			out = append(out, fm)
		}
	}
	return out
}

var (
	vip  = net.IPv4(10, 0, 0, 100).To4()
	vmac = net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0xff}
)

type harness struct {
	ctrl  *Controller
	conn  *fakeConn
	reg   *registry.Registry
	table *conntrack.Table
}

func newHarness(t *testing.T, policy string) *harness {
	t.Helper()
	var backends []config.Backend
	for i := 1; i <= 3; i++ {
		backends = append(backends, config.Backend{
			IP:   net.IPv4(10, 0, 0, byte(i)).To4(),
			MAC:  net.HardwareAddr{0, 0, 0, 0, 0, byte(i)},
			Port: uint16(i),
		})
	}
	cfg := &config.Config{
		VirtualIP:   vip,
		VirtualMAC:  vmac,
		Backends:    backends,
		Policy:      policy,
		IdleTimeout: 10 * time.Second,
		HardTimeout: 30 * time.Second,
		Priority:    100,
	}

	logger := log.NewNopLogger()
	reg := registry.New(cfg.Backends)
	table := conntrack.New(logger, reg)
	pol, err := balancer.New(policy)
	require.NoError(t, err)
	reporter := stats.NewReporter(logger, "") // disabled

	ctrl := New(logger, cfg, reg, table, pol,
		flows.NewInstaller(logger, cfg),
		arp.New(logger, cfg.VirtualIP, cfg.VirtualMAC),
		reporter)

	conn := &fakeConn{}
	ctrl.handleConnect(1, conn)
	conn.reset()
	return &harness{ctrl: ctrl, conn: conn, reg: reg, table: table}
}

func tcpFrame(t *testing.T, srcMAC, dstMAC net.HardwareAddr, srcIP net.IP, srcPort uint16, dstIP net.IP, dstPort uint16) []byte {
	t.Helper()
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	tcp := layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		SYN:     true,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(&ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, &eth, &ip, &tcp))
	return buf.Bytes()
}

func arpFrame(t *testing.T, srcMAC net.HardwareAddr, srcIP, target net.IP) []byte {
	t.Helper()
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	req := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: srcIP.To4(),
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    target.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, &eth, &req))
	return buf.Bytes()
}

func packetIn(data []byte, inPort uint16) *openflow.PacketIn {
	return &openflow.PacketIn{
		BufferID: openflow.NoBuffer,
		TotalLen: uint16(len(data)),
		InPort:   inPort,
		Data:     data,
	}
}

// assignedBackend digs the backend address out of the forward rule's
// destination rewrite.
func assignedBackend(t *testing.T, fm *openflow.FlowMod) string {
	t.Helper()
	require.Len(t, fm.Actions, 3)
	set, ok := fm.Actions[1].(openflow.SetNWDst)
	require.True(t, ok)
	return set.Addr.String()
}

func TestConnectInstallsTableMiss(t *testing.T) {
	h := newHarness(t, config.PolicyRoundRobin)

	conn := &fakeConn{}
	h.ctrl.handleConnect(2, conn)

	mods := conn.flowMods()
	require.Len(t, mods, 1)
	assert.Equal(t, uint32(openflow.WildcardAll), mods[0].Match.Wildcards)
	assert.Zero(t, mods[0].Priority)
	assert.Equal(t, openflow.Output{Port: openflow.PortController, MaxLen: 0xffff}, mods[0].Actions[0])
}

func TestRoundRobinAssignments(t *testing.T) {
	h := newHarness(t, config.PolicyRoundRobin)
	clientMAC := net.HardwareAddr{0, 0, 0, 0, 0, 0x10}

	conns := []struct {
		ip   net.IP
		port uint16
	}{
		{net.IPv4(10, 0, 0, 10), 5000},
		{net.IPv4(10, 0, 0, 11), 5001},
		{net.IPv4(10, 0, 0, 12), 5002},
		{net.IPv4(10, 0, 0, 10), 5003},
	}

	var got []string
	for _, c := range conns {
		h.conn.reset()
		h.ctrl.handlePacketIn(1, packetIn(tcpFrame(t, clientMAC, vmac, c.ip, c.port, vip, 80), 4))
		mods := h.conn.flowMods()
		require.Len(t, mods, 2) // forward and reverse rule pair
		got = append(got, assignedBackend(t, mods[0]))
	}

	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.1"}, got)
	assert.Equal(t, 4, h.table.Len())
	assert.Equal(t, 2, h.reg.At(0).ActiveConnections())
	assert.Equal(t, 1, h.reg.At(1).ActiveConnections())
	assert.Equal(t, 1, h.reg.At(2).ActiveConnections())
}

func TestLeastConnectionsAssignment(t *testing.T) {
	h := newHarness(t, config.PolicyLeastConnections)
	clientMAC := net.HardwareAddr{0, 0, 0, 0, 0, 0x10}

	// B2 carries two flows, B3 one, B1 none.
	h.reg.Acquire(h.reg.At(1))
	h.reg.Acquire(h.reg.At(1))
	h.reg.Acquire(h.reg.At(2))

	h.ctrl.handlePacketIn(1, packetIn(tcpFrame(t, clientMAC, vmac, net.IPv4(10, 0, 0, 10), 5000, vip, 80), 4))
	mods := h.conn.flowMods()
	require.Len(t, mods, 2)
	assert.Equal(t, "10.0.0.1", assignedBackend(t, mods[0]))
}

func TestDuplicatePacketInKeepsAssignment(t *testing.T) {
	h := newHarness(t, config.PolicyRoundRobin)
	clientMAC := net.HardwareAddr{0, 0, 0, 0, 0, 0x10}
	frame := tcpFrame(t, clientMAC, vmac, net.IPv4(10, 0, 0, 10), 5000, vip, 80)

	h.ctrl.handlePacketIn(1, packetIn(frame, 4))
	first := assignedBackend(t, h.conn.flowMods()[0])

	// The duplicate re-installs the same pair without consulting the
	// policy again.
	h.conn.reset()
	h.ctrl.handlePacketIn(1, packetIn(frame, 4))
	mods := h.conn.flowMods()
	require.Len(t, mods, 2)
	assert.Equal(t, first, assignedBackend(t, mods[0]))

	assert.Equal(t, 1, h.table.Len())
	assert.Equal(t, 1, h.reg.At(0).ActiveConnections())
	assert.Equal(t, uint64(1), h.reg.At(0).Assignments())
}

func TestArpForVIPAnswered(t *testing.T) {
	h := newHarness(t, config.PolicyRoundRobin)
	clientMAC := net.HardwareAddr{0, 0, 0, 0, 0, 0x10}

	h.ctrl.handlePacketIn(1, packetIn(arpFrame(t, clientMAC, net.IPv4(10, 0, 0, 10), vip), 4))

	// One packet-out reply, no rules, no table entry.
	require.Len(t, h.conn.sent, 1)
	po, ok := h.conn.sent[0].(*openflow.PacketOut)
	require.True(t, ok)
	assert.Equal(t, openflow.Output{Port: 4}, po.Actions[0])
	assert.Zero(t, h.table.Len())

	pkt := gopacket.NewPacket(po.Data, layers.LayerTypeEthernet, gopacket.Default)
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	require.NotNil(t, arpLayer)
	reply := arpLayer.(*layers.ARP)
	assert.Equal(t, uint16(layers.ARPReply), reply.Operation)
	assert.Equal(t, []byte(vmac), reply.SourceHwAddress)
}

func TestArpForOtherHostFloods(t *testing.T) {
	h := newHarness(t, config.PolicyRoundRobin)
	clientMAC := net.HardwareAddr{0, 0, 0, 0, 0, 0x10}

	h.ctrl.handlePacketIn(1, packetIn(arpFrame(t, clientMAC, net.IPv4(10, 0, 0, 10), net.IPv4(10, 0, 0, 50)), 4))

	require.Len(t, h.conn.sent, 1)
	po, ok := h.conn.sent[0].(*openflow.PacketOut)
	require.True(t, ok)
	assert.Equal(t, openflow.Output{Port: openflow.PortFlood}, po.Actions[0])
}

func TestFlowRemovedReleasesBackend(t *testing.T) {
	h := newHarness(t, config.PolicyRoundRobin)
	clientMAC := net.HardwareAddr{0, 0, 0, 0, 0, 0x10}
	client := net.IPv4(10, 0, 0, 10).To4()

	h.ctrl.handlePacketIn(1, packetIn(tcpFrame(t, clientMAC, vmac, client, 5000, vip, 80), 4))
	require.Equal(t, 1, h.table.Len())

	h.ctrl.handleFlowRemoved(1, &openflow.FlowRemoved{
		Match:  openflow.MatchConnection(openflow.ProtoTCP, client, 5000, vip, 80),
		Reason: openflow.RemovedIdleTimeout,
	})

	assert.Zero(t, h.table.Len())
	assert.Zero(t, h.reg.At(0).ActiveConnections())
}

func TestFlowRemovedUnknownKeyIsNoop(t *testing.T) {
	h := newHarness(t, config.PolicyRoundRobin)
	clientMAC := net.HardwareAddr{0, 0, 0, 0, 0, 0x10}
	client := net.IPv4(10, 0, 0, 10).To4()

	h.ctrl.handlePacketIn(1, packetIn(tcpFrame(t, clientMAC, vmac, client, 5000, vip, 80), 4))

	// A removal for a flow nobody tracked leaves everything as is.
	h.ctrl.handleFlowRemoved(1, &openflow.FlowRemoved{
		Match:  openflow.MatchConnection(openflow.ProtoTCP, net.IPv4(10, 0, 0, 99), 6000, vip, 80),
		Reason: openflow.RemovedIdleTimeout,
	})

	assert.Equal(t, 1, h.table.Len())
	assert.Equal(t, 1, h.reg.At(0).ActiveConnections())
}

func TestDisconnectPurgesSwitchState(t *testing.T) {
	h := newHarness(t, config.PolicyRoundRobin)
	clientMAC := net.HardwareAddr{0, 0, 0, 0, 0, 0x10}

	h.ctrl.handlePacketIn(1, packetIn(tcpFrame(t, clientMAC, vmac, net.IPv4(10, 0, 0, 10), 5000, vip, 80), 4))
	h.ctrl.handlePacketIn(1, packetIn(tcpFrame(t, clientMAC, vmac, net.IPv4(10, 0, 0, 11), 5001, vip, 80), 4))
	require.Equal(t, 2, h.table.Len())

	h.ctrl.handleDisconnect(1, h.conn)

	assert.Zero(t, h.table.Len())
	for i := 0; i < 3; i++ {
		assert.Zero(t, h.reg.At(i).ActiveConnections())
	}

	// Packet-ins from the gone switch are ignored.
	h.conn.reset()
	h.ctrl.handlePacketIn(1, packetIn(tcpFrame(t, clientMAC, vmac, net.IPv4(10, 0, 0, 12), 5002, vip, 80), 4))
	assert.Empty(t, h.conn.sent)
}

func TestStaleDisconnectKeepsLiveSwitch(t *testing.T) {
	h := newHarness(t, config.PolicyRoundRobin)
	clientMAC := net.HardwareAddr{0, 0, 0, 0, 0, 0x10}

	// The switch reconnects on a new channel; the old channel's
	// disconnect arrives late, after the new session is live.
	oldConn := h.conn
	newConn := &fakeConn{}
	h.ctrl.handleConnect(1, newConn)
	newConn.reset()
	h.ctrl.handleDisconnect(1, oldConn)

	// The live handle survives and keeps serving packet-ins.
	h.ctrl.handlePacketIn(1, packetIn(tcpFrame(t, clientMAC, vmac, net.IPv4(10, 0, 0, 10), 5000, vip, 80), 4))
	require.Len(t, newConn.flowMods(), 2)
	assert.Equal(t, 1, h.table.Len())

	// A disconnect carrying the live channel still tears down.
	h.ctrl.handleDisconnect(1, newConn)
	assert.Zero(t, h.table.Len())
}

func TestFlowRemovedFromOtherSwitchIgnored(t *testing.T) {
	h := newHarness(t, config.PolicyRoundRobin)
	clientMAC := net.HardwareAddr{0, 0, 0, 0, 0, 0x10}
	client := net.IPv4(10, 0, 0, 10).To4()

	h.ctrl.handleConnect(2, &fakeConn{})
	h.ctrl.handlePacketIn(1, packetIn(tcpFrame(t, clientMAC, vmac, client, 5000, vip, 80), 4))
	require.Equal(t, 1, h.table.Len())

	// Switch 2 never owned this flow's record; its report must not
	// evict it.
	h.ctrl.handleFlowRemoved(2, &openflow.FlowRemoved{
		Match:  openflow.MatchConnection(openflow.ProtoTCP, client, 5000, vip, 80),
		Reason: openflow.RemovedIdleTimeout,
	})

	assert.Equal(t, 1, h.table.Len())
	assert.Equal(t, 1, h.reg.At(0).ActiveConnections())
}

func TestSweepOutlivesHardTimeout(t *testing.T) {
	h := newHarness(t, config.PolicyRoundRobin)
	clientMAC := net.HardwareAddr{0, 0, 0, 0, 0, 0x10}

	h.ctrl.handlePacketIn(1, packetIn(tcpFrame(t, clientMAC, vmac, net.IPv4(10, 0, 0, 10), 5000, vip, 80), 4))
	require.Equal(t, 1, h.table.Len())

	// An established flow generates no packet-ins, so its record can
	// sit untouched for a whole rule lifetime. Idle-based grace alone
	// (30s here) must not evict it.
	h.ctrl.sweepIdle(time.Now().Add(45 * time.Second))
	assert.Equal(t, 1, h.table.Len())

	// Past the hard-timeout grace the flow-removed is presumed lost.
	h.ctrl.sweepIdle(time.Now().Add(100 * time.Second))
	assert.Zero(t, h.table.Len())
	assert.Zero(t, h.reg.At(0).ActiveConnections())
}

func TestLearningSwitchForwarding(t *testing.T) {
	h := newHarness(t, config.PolicyRoundRobin)
	macA := net.HardwareAddr{0, 0, 0, 0, 0, 0xaa}
	macB := net.HardwareAddr{0, 0, 0, 0, 0, 0xbb}
	hostA := net.IPv4(10, 0, 0, 20)
	hostB := net.IPv4(10, 0, 0, 21)

	// A's first packet to B: B is unknown, so the frame floods.
	frameAB := tcpFrame(t, macA, macB, hostA, 6000, hostB, 7000)
	h.ctrl.handlePacketIn(1, packetIn(frameAB, 4))
	require.Len(t, h.conn.sent, 1)
	po, ok := h.conn.sent[0].(*openflow.PacketOut)
	require.True(t, ok)
	assert.Equal(t, openflow.Output{Port: openflow.PortFlood}, po.Actions[0])

	// B replies: A was learned on port 4, so the switch gets a
	// shortcut rule toward it plus the forwarded frame.
	h.conn.reset()
	frameBA := tcpFrame(t, macB, macA, hostB, 7000, hostA, 6000)
	h.ctrl.handlePacketIn(1, packetIn(frameBA, 5))

	mods := h.conn.flowMods()
	require.Len(t, mods, 1)
	assert.Equal(t, macA, mods[0].Match.DLDst)
	assert.Equal(t, openflow.Output{Port: 4}, mods[0].Actions[0])
}
