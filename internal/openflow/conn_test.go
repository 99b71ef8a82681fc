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
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	connected    chan *Switch
	disconnected chan *Switch
	packets      chan *PacketIn
	expired      chan *FlowRemoved
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		connected:    make(chan *Switch, 1),
		disconnected: make(chan *Switch, 1),
		packets:      make(chan *PacketIn, 4),
		expired:      make(chan *FlowRemoved, 4),
	}
}

func (h *fakeHandler) SwitchConnected(sw *Switch)              { h.connected <- sw }
func (h *fakeHandler) SwitchDisconnected(sw *Switch)           { h.disconnected <- sw }
func (h *fakeHandler) PacketReceived(sw *Switch, pi *PacketIn) { h.packets <- pi }
func (h *fakeHandler) FlowExpired(sw *Switch, fr *FlowRemoved) { h.expired <- fr }

// message builds a raw wire message around body.
func message(typ uint8, xid uint32, body []byte) []byte {
	b := make([]byte, headerLen+len(body))
	b[0] = Version
	b[1] = typ
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	binary.BigEndian.PutUint32(b[4:8], xid)
	copy(b[headerLen:], body)
	return b
}

func recv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

// TestServeHandshakeAndDispatch drives one simulated switch through
// the handshake, a packet-in, a flow-removed and a disconnect.
func TestServeHandshakeAndDispatch(t *testing.T) {
	handler := newFakeHandler()
	l := &Listener{logger: log.NewNopLogger(), handler: handler}

	server, client := net.Pipe()
	defer client.Close()
	go l.serve(server)

	// The controller speaks first: hello then features request.
	msg, err := readMessage(client)
	require.NoError(t, err)
	assert.Equal(t, typeHello, msg.typ)

	_, err = client.Write(message(typeHello, 1, nil))
	require.NoError(t, err)

	msg, err = readMessage(client)
	require.NoError(t, err)
	assert.Equal(t, typeFeaturesRequest, msg.typ)

	features := make([]byte, 24)
	binary.BigEndian.PutUint64(features[0:8], 42)
	_, err = client.Write(message(typeFeaturesReply, msg.xid, features))
	require.NoError(t, err)

	sw := recv(t, handler.connected, "switch connect")
	assert.Equal(t, uint64(42), sw.DatapathID())

	// Echo requests are answered without involving the handler.
	_, err = client.Write(message(typeEchoRequest, 2, []byte{0xab}))
	require.NoError(t, err)
	msg, err = readMessage(client)
	require.NoError(t, err)
	assert.Equal(t, typeEchoReply, msg.typ)
	assert.Equal(t, []byte{0xab}, msg.body)

	// A packet-in reaches the handler.
	body := make([]byte, 10+2)
	binary.BigEndian.PutUint32(body[0:4], NoBuffer)
	binary.BigEndian.PutUint16(body[6:8], 7)
	_, err = client.Write(message(typePacketIn, 3, body))
	require.NoError(t, err)
	pi := recv(t, handler.packets, "packet-in")
	assert.Equal(t, uint16(7), pi.InPort)

	// A malformed packet-in is dropped, not fatal: the next good
	// message still arrives.
	_, err = client.Write(message(typePacketIn, 4, []byte{1, 2}))
	require.NoError(t, err)
	_, err = client.Write(message(typePacketIn, 5, body))
	require.NoError(t, err)
	recv(t, handler.packets, "packet-in after malformed one")

	// Disconnect purges through the handler.
	client.Close()
	recv(t, handler.disconnected, "switch disconnect")
}
