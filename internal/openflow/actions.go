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

const (
	actionTypeOutput   uint16 = 0
	actionTypeSetDLSrc uint16 = 4
	actionTypeSetDLDst uint16 = 5
	actionTypeSetNWSrc uint16 = 6
	actionTypeSetNWDst uint16 = 7
)

// Action is one entry in a flow-mod or packet-out action list.
type Action interface {
	size() int
	marshal(b []byte)
}

// Output forwards the packet out a port. MaxLen bounds how many bytes
// reach the controller when Port is PortController; switches ignore
// it otherwise.
type Output struct {
	Port   uint16
	MaxLen uint16
}

func (a Output) size() int { return 8 }

func (a Output) marshal(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], actionTypeOutput)
	binary.BigEndian.PutUint16(b[2:4], 8)
	binary.BigEndian.PutUint16(b[4:6], a.Port)
	binary.BigEndian.PutUint16(b[6:8], a.MaxLen)
}

// SetDLSrc rewrites the Ethernet source address.
type SetDLSrc struct {
	Addr net.HardwareAddr
}

func (a SetDLSrc) size() int        { return 16 }
func (a SetDLSrc) marshal(b []byte) { marshalDLAddr(b, actionTypeSetDLSrc, a.Addr) }

// SetDLDst rewrites the Ethernet destination address.
type SetDLDst struct {
	Addr net.HardwareAddr
}

func (a SetDLDst) size() int        { return 16 }
func (a SetDLDst) marshal(b []byte) { marshalDLAddr(b, actionTypeSetDLDst, a.Addr) }

// SetNWSrc rewrites the IPv4 source address.
type SetNWSrc struct {
	Addr net.IP
}

func (a SetNWSrc) size() int        { return 8 }
func (a SetNWSrc) marshal(b []byte) { marshalNWAddr(b, actionTypeSetNWSrc, a.Addr) }

// SetNWDst rewrites the IPv4 destination address.
type SetNWDst struct {
	Addr net.IP
}

func (a SetNWDst) size() int        { return 8 }
func (a SetNWDst) marshal(b []byte) { marshalNWAddr(b, actionTypeSetNWDst, a.Addr) }

func marshalDLAddr(b []byte, typ uint16, addr net.HardwareAddr) {
	binary.BigEndian.PutUint16(b[0:2], typ)
	binary.BigEndian.PutUint16(b[2:4], 16)
	copy(b[4:10], addr)
}

func marshalNWAddr(b []byte, typ uint16, addr net.IP) {
	binary.BigEndian.PutUint16(b[0:2], typ)
	binary.BigEndian.PutUint16(b[2:4], 8)
	copy(b[4:8], addr.To4())
}

func actionsLen(actions []Action) int {
	n := 0
	for _, a := range actions {
		n += a.size()
	}
	return n
}

func marshalActions(actions []Action, b []byte) {
	off := 0
	for _, a := range actions {
		a.marshal(b[off : off+a.size()])
		off += a.size()
	}
}
