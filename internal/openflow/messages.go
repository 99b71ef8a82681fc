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

package openflow

import (
	"encoding/binary"
	"fmt"
)

// Flow-mod commands.
const (
	FlowAdd uint16 = iota
	FlowModify
	FlowModifyStrict
	FlowDelete
	FlowDeleteStrict
)

// FlagSendFlowRem asks the switch to send a flow-removed message when
// the rule expires or is deleted.
const FlagSendFlowRem uint16 = 1 << 0

// Flow-removed reasons.
const (
	RemovedIdleTimeout uint8 = 0
	RemovedHardTimeout uint8 = 1
	RemovedDelete      uint8 = 2
)

// FlowMod installs, modifies or deletes a rule on the switch.
type FlowMod struct {
	Match       Match
	Cookie      uint64
	Command     uint16
	IdleTimeout uint16
	HardTimeout uint16
	Priority    uint16
	// BufferID names a switch-buffered packet to run through the new
	// rule's actions. Use NoBuffer when there is none.
	BufferID uint32
	OutPort  uint16
	Flags    uint16
	Actions  []Action
}

func (m *FlowMod) Marshal(xid uint32) ([]byte, error) {
	b := make([]byte, headerLen+matchLen+24+actionsLen(m.Actions))
	putHeader(b, typeFlowMod, xid)
	m.Match.marshal(b[8:48])
	binary.BigEndian.PutUint64(b[48:56], m.Cookie)
	binary.BigEndian.PutUint16(b[56:58], m.Command)
	binary.BigEndian.PutUint16(b[58:60], m.IdleTimeout)
	binary.BigEndian.PutUint16(b[60:62], m.HardTimeout)
	binary.BigEndian.PutUint16(b[62:64], m.Priority)
	binary.BigEndian.PutUint32(b[64:68], m.BufferID)
	binary.BigEndian.PutUint16(b[68:70], m.OutPort)
	binary.BigEndian.PutUint16(b[70:72], m.Flags)
	marshalActions(m.Actions, b[72:])
	return b, nil
}

// PacketOut tells the switch to emit a packet: either one it has
// buffered (BufferID) or the frame carried in Data.
type PacketOut struct {
	BufferID uint32
	InPort   uint16
	Actions  []Action
	Data     []byte
}

func (m *PacketOut) Marshal(xid uint32) ([]byte, error) {
	alen := actionsLen(m.Actions)
	data := m.Data
	if m.BufferID != NoBuffer {
		data = nil
	}
	b := make([]byte, headerLen+8+alen+len(data))
	putHeader(b, typePacketOut, xid)
	binary.BigEndian.PutUint32(b[8:12], m.BufferID)
	binary.BigEndian.PutUint16(b[12:14], m.InPort)
	binary.BigEndian.PutUint16(b[14:16], uint16(alen))
	marshalActions(m.Actions, b[16:16+alen])
	copy(b[16+alen:], data)
	return b, nil
}

// PacketIn carries a packet that matched no rule (or a rule that
// outputs to the controller).
type PacketIn struct {
	BufferID uint32
	TotalLen uint16
	InPort   uint16
	Reason   uint8
	Data     []byte
}

func decodePacketIn(b []byte) (*PacketIn, error) {
	if len(b) < 10 {
		return nil, fmt.Errorf("packet-in body %d bytes, want at least 10", len(b))
	}
	return &PacketIn{
		BufferID: binary.BigEndian.Uint32(b[0:4]),
		TotalLen: binary.BigEndian.Uint16(b[4:6]),
		InPort:   binary.BigEndian.Uint16(b[6:8]),
		Reason:   b[8],
		Data:     append([]byte(nil), b[10:]...),
	}, nil
}

// FlowRemoved reports an expired or deleted rule, echoing its match.
type FlowRemoved struct {
	Match       Match
	Cookie      uint64
	Priority    uint16
	Reason      uint8
	DurationSec uint32
	IdleTimeout uint16
	PacketCount uint64
	ByteCount   uint64
}

func decodeFlowRemoved(b []byte) (*FlowRemoved, error) {
	if len(b) < 80 {
		return nil, fmt.Errorf("flow-removed body %d bytes, want 80", len(b))
	}
	return &FlowRemoved{
		Match:       unmarshalMatch(b[0:40]),
		Cookie:      binary.BigEndian.Uint64(b[40:48]),
		Priority:    binary.BigEndian.Uint16(b[48:50]),
		Reason:      b[50],
		DurationSec: binary.BigEndian.Uint32(b[52:56]),
		IdleTimeout: binary.BigEndian.Uint16(b[60:62]),
		PacketCount: binary.BigEndian.Uint64(b[64:72]),
		ByteCount:   binary.BigEndian.Uint64(b[72:80]),
	}, nil
}

// ReasonString renders a flow-removed reason for logs and stats.
func ReasonString(reason uint8) string {
	switch reason {
	case RemovedIdleTimeout:
		return "idle_timeout"
	case RemovedHardTimeout:
		return "hard_timeout"
	case RemovedDelete:
		return "delete"
	}
	return fmt.Sprintf("unknown(%d)", reason)
}

// FeaturesReply describes the switch. Port descriptions follow the
// fixed fields on the wire but the controller doesn't use them.
type FeaturesReply struct {
	DatapathID   uint64
	NumBuffers   uint32
	NumTables    uint8
	Capabilities uint32
}

func decodeFeaturesReply(b []byte) (*FeaturesReply, error) {
	if len(b) < 24 {
		return nil, fmt.Errorf("features reply body %d bytes, want at least 24", len(b))
	}
	return &FeaturesReply{
		DatapathID:   binary.BigEndian.Uint64(b[0:8]),
		NumBuffers:   binary.BigEndian.Uint32(b[8:12]),
		NumTables:    b[12],
		Capabilities: binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

type errorMessage struct {
	Type uint16
	Code uint16
}

func decodeError(b []byte) (errorMessage, error) {
	if len(b) < 4 {
		return errorMessage{}, fmt.Errorf("error body %d bytes, want at least 4", len(b))
	}
	return errorMessage{
		Type: binary.BigEndian.Uint16(b[0:2]),
		Code: binary.BigEndian.Uint16(b[2:4]),
	}, nil
}
