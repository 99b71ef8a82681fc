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
	"net"
)

const matchLen = 40

// Wildcard bits in ofp_match. A set bit means the corresponding field
// is ignored. The nw_src/nw_dst fields use 6-bit counts of ignored
// low-order address bits instead of single flags; 32 or more ignores
// the whole address.
const (
	WildcardInPort    uint32 = 1 << 0
	WildcardDLVLAN    uint32 = 1 << 1
	WildcardDLSrc     uint32 = 1 << 2
	WildcardDLDst     uint32 = 1 << 3
	WildcardDLType    uint32 = 1 << 4
	WildcardNWProto   uint32 = 1 << 5
	WildcardTPSrc     uint32 = 1 << 6
	WildcardTPDst     uint32 = 1 << 7
	WildcardDLVLANPCP uint32 = 1 << 20
	WildcardNWTOS     uint32 = 1 << 21

	wildcardNWSrcShift = 8
	wildcardNWDstShift = 14
	wildcardNWMask     = 0x3f

	// WildcardAll ignores every field.
	WildcardAll uint32 = (1 << 22) - 1
)

// EtherType and IP protocol numbers the controller matches on.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806

	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// Match is the OpenFlow 1.0 flow match structure.
type Match struct {
	Wildcards uint32
	InPort    uint16
	DLSrc     net.HardwareAddr
	DLDst     net.HardwareAddr
	DLVLAN    uint16
	DLVLANPCP uint8
	DLType    uint16
	NWTOS     uint8
	NWProto   uint8
	NWSrc     net.IP
	NWDst     net.IP
	TPSrc     uint16
	TPDst     uint16
}

// MatchAll matches every packet. Used for the table-miss rule.
func MatchAll() Match {
	return Match{Wildcards: WildcardAll}
}

// MatchEthernetDst matches solely on the destination MAC. Used for
// learning-switch shortcuts.
func MatchEthernetDst(mac net.HardwareAddr) Match {
	return Match{
		Wildcards: WildcardAll &^ WildcardDLDst,
		DLDst:     mac,
	}
}

// MatchConnection matches one transport connection exactly:
// EtherType IPv4 plus protocol, addresses and ports. Everything at
// L2 stays wildcarded so rewritten traffic still matches.
func MatchConnection(proto uint8, srcIP net.IP, srcPort uint16, dstIP net.IP, dstPort uint16) Match {
	w := WildcardAll &^ (WildcardDLType | WildcardNWProto | WildcardTPSrc | WildcardTPDst)
	w &^= uint32(wildcardNWMask) << wildcardNWSrcShift
	w &^= uint32(wildcardNWMask) << wildcardNWDstShift
	return Match{
		Wildcards: w,
		DLType:    EtherTypeIPv4,
		NWProto:   proto,
		NWSrc:     srcIP.To4(),
		NWDst:     dstIP.To4(),
		TPSrc:     srcPort,
		TPDst:     dstPort,
	}
}

// Wildcarded reports whether the single-bit wildcard is set.
func (m *Match) Wildcarded(bit uint32) bool {
	return m.Wildcards&bit != 0
}

// WildcardedNWSrc reports whether nw_src is fully ignored.
func (m *Match) WildcardedNWSrc() bool {
	return (m.Wildcards>>wildcardNWSrcShift)&wildcardNWMask >= 32
}

// WildcardedNWDst reports whether nw_dst is fully ignored.
func (m *Match) WildcardedNWDst() bool {
	return (m.Wildcards>>wildcardNWDstShift)&wildcardNWMask >= 32
}

func (m *Match) marshal(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], m.Wildcards)
	binary.BigEndian.PutUint16(b[4:6], m.InPort)
	copy(b[6:12], m.DLSrc)
	copy(b[12:18], m.DLDst)
	binary.BigEndian.PutUint16(b[18:20], m.DLVLAN)
	b[20] = m.DLVLANPCP
	binary.BigEndian.PutUint16(b[22:24], m.DLType)
	b[24] = m.NWTOS
	b[25] = m.NWProto
	copy(b[28:32], m.NWSrc.To4())
	copy(b[32:36], m.NWDst.To4())
	binary.BigEndian.PutUint16(b[36:38], m.TPSrc)
	binary.BigEndian.PutUint16(b[38:40], m.TPDst)
}

func unmarshalMatch(b []byte) Match {
	return Match{
		Wildcards: binary.BigEndian.Uint32(b[0:4]),
		InPort:    binary.BigEndian.Uint16(b[4:6]),
		DLSrc:     append(net.HardwareAddr(nil), b[6:12]...),
		DLDst:     append(net.HardwareAddr(nil), b[12:18]...),
		DLVLAN:    binary.BigEndian.Uint16(b[18:20]),
		DLVLANPCP: b[20],
		DLType:    binary.BigEndian.Uint16(b[22:24]),
		NWTOS:     b[24],
		NWProto:   b[25],
		NWSrc:     net.IPv4(b[28], b[29], b[30], b[31]).To4(),
		NWDst:     net.IPv4(b[32], b[33], b[34], b[35]).To4(),
		TPSrc:     binary.BigEndian.Uint16(b[36:38]),
		TPDst:     binary.BigEndian.Uint16(b[38:40]),
	}
}
