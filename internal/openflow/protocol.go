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

// Package openflow implements the subset of the OpenFlow 1.0 wire
// protocol that a reactive controller needs: the switch-side
// handshake, packet-in and flow-removed delivery, and packet-out and
// flow-mod transmission. All multi-byte fields are big-endian.
package openflow

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Version is the only protocol version this package speaks.
const Version uint8 = 0x01

const headerLen = 8

// OpenFlow 1.0 message types.
const (
	typeHello           uint8 = 0
	typeError           uint8 = 1
	typeEchoRequest     uint8 = 2
	typeEchoReply       uint8 = 3
	typeVendor          uint8 = 4
	typeFeaturesRequest uint8 = 5
	typeFeaturesReply   uint8 = 6
	typePacketIn        uint8 = 10
	typeFlowRemoved     uint8 = 11
	typePortStatus      uint8 = 12
	typePacketOut       uint8 = 13
	typeFlowMod         uint8 = 14
)

// Special output port numbers.
const (
	PortInPort     uint16 = 0xfff8
	PortTable      uint16 = 0xfff9
	PortNormal     uint16 = 0xfffa
	PortFlood      uint16 = 0xfffb
	PortAll        uint16 = 0xfffc
	PortController uint16 = 0xfffd
	PortLocal      uint16 = 0xfffe
	PortNone       uint16 = 0xffff
)

// NoBuffer in a buffer-id field means the packet was not buffered on
// the switch and travels in full inside the message.
const NoBuffer uint32 = 0xffffffff

// Message is an OpenFlow message that can be encoded for the wire.
type Message interface {
	// Marshal encodes the message, header included, using xid as the
	// transaction id.
	Marshal(xid uint32) ([]byte, error)
}

// putHeader fills in the standard header over an already-sized buffer.
func putHeader(b []byte, typ uint8, xid uint32) {
	b[0] = Version
	b[1] = typ
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	binary.BigEndian.PutUint32(b[4:8], xid)
}

// Hello opens the version negotiation.
type Hello struct{}

func (Hello) Marshal(xid uint32) ([]byte, error) {
	b := make([]byte, headerLen)
	putHeader(b, typeHello, xid)
	return b, nil
}

// FeaturesRequest asks the switch for its datapath id and ports.
type FeaturesRequest struct{}

func (FeaturesRequest) Marshal(xid uint32) ([]byte, error) {
	b := make([]byte, headerLen)
	putHeader(b, typeFeaturesRequest, xid)
	return b, nil
}

// EchoReply answers a switch keepalive, echoing its payload.
type EchoReply struct {
	Data []byte
}

func (m EchoReply) Marshal(xid uint32) ([]byte, error) {
	b := make([]byte, headerLen+len(m.Data))
	putHeader(b, typeEchoReply, xid)
	copy(b[headerLen:], m.Data)
	return b, nil
}

// rawMessage is one inbound message as read off the wire.
type rawMessage struct {
	typ  uint8
	xid  uint32
	body []byte
}

// readMessage reads exactly one message from r. The header's length
// field frames the message; a length below the header size is a
// protocol error.
func readMessage(r io.Reader) (rawMessage, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return rawMessage{}, err
	}
	length := binary.BigEndian.Uint16(hdr[2:4])
	if length < headerLen {
		return rawMessage{}, fmt.Errorf("message length %d shorter than header", length)
	}
	msg := rawMessage{
		typ:  hdr[1],
		xid:  binary.BigEndian.Uint32(hdr[4:8]),
		body: make([]byte, length-headerLen),
	}
	if _, err := io.ReadFull(r, msg.body); err != nil {
		return rawMessage{}, err
	}
	return msg, nil
}
