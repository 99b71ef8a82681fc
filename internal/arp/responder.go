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

// Package arp answers ARP requests for the virtual IP. The virtual
// IP has no real host, so nobody else will. Replies go out as
// packet-outs; no flow rule is ever installed for ARP, because every
// new flow starts with an ARP exchange the controller must see.
package arp

import (
	"net"

	"flowlb.io/internal/openflow"

	"github.com/go-kit/kit/log"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Responder synthesizes ARP replies claiming the virtual MAC.
type Responder struct {
	logger log.Logger
	vip    net.IP
	vmac   net.HardwareAddr
}

func New(logger log.Logger, vip net.IP, vmac net.HardwareAddr) *Responder {
	return &Responder{logger: logger, vip: vip.To4(), vmac: vmac}
}

// Respond builds the packet-out answering req, which arrived on
// inPort. It returns false when the frame is not an ARP request for
// the virtual IP; such requests belong to the ordinary learning path.
func (r *Responder) Respond(req *layers.ARP, inPort uint16) (*openflow.PacketOut, bool) {
	if req.Operation != layers.ARPRequest {
		return nil, false
	}
	if !net.IP(req.DstProtAddress).Equal(r.vip) {
		return nil, false
	}

	eth := layers.Ethernet{
		SrcMAC:       r.vmac,
		DstMAC:       net.HardwareAddr(req.SourceHwAddress),
		EthernetType: layers.EthernetTypeARP,
	}
	reply := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   r.vmac,
		SourceProtAddress: r.vip,
		DstHwAddress:      req.SourceHwAddress,
		DstProtAddress:    req.SourceProtAddress,
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &eth, &reply); err != nil {
		r.logger.Log("op", "arp-reply", "error", err, "msg", "failed to serialize ARP reply")
		return nil, false
	}

	r.logger.Log("op", "arp-reply", "requester", net.IP(req.SourceProtAddress).String(), "port", inPort, "msg", "answering ARP for virtual IP")

	return &openflow.PacketOut{
		BufferID: openflow.NoBuffer,
		InPort:   openflow.PortNone,
		Actions:  []openflow.Action{openflow.Output{Port: inPort}},
		Data:     buf.Bytes(),
	}, true
}
