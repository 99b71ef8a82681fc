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
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Conn is the controller's handle on one switch control channel.
// *Switch implements it; tests substitute recorders.
type Conn interface {
	Send(m Message) error
	Close() error
}

// Switch is one connected switch. Send may be called from any
// goroutine; inbound messages are read by a single goroutine owned by
// the Listener, so Handler calls for one switch never overlap.
type Switch struct {
	dpid uint64
	conn net.Conn
	br   *bufio.Reader
	xid  uint32

	wmu sync.Mutex
}

// DatapathID returns the switch's datapath id, valid once the
// handshake has completed.
func (s *Switch) DatapathID() uint64 {
	return s.dpid
}

// Send encodes m and writes it to the switch.
func (s *Switch) Send(m Message) error {
	b, err := m.Marshal(atomic.AddUint32(&s.xid, 1))
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.conn.Write(b); err != nil {
		return fmt.Errorf("writing to switch: %w", err)
	}
	return nil
}

func (s *Switch) Close() error {
	return s.conn.Close()
}

// Handler receives control-plane events from connected switches.
// Calls for a single switch are made from that switch's reader
// goroutine, in wire order.
type Handler interface {
	SwitchConnected(sw *Switch)
	SwitchDisconnected(sw *Switch)
	PacketReceived(sw *Switch, pi *PacketIn)
	FlowExpired(sw *Switch, fr *FlowRemoved)
}

// Listener accepts switch connections, runs the OpenFlow handshake on
// each, and pumps decoded messages into a Handler.
type Listener struct {
	logger  log.Logger
	handler Handler
	ln      net.Listener
	closed  int32
}

// Listen starts listening on addr (e.g. ":6633").
func Listen(addr string, handler Handler, logger log.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &Listener{logger: logger, handler: handler, ln: ln}, nil
}

// Serve accepts connections until the listener is closed. Each switch
// gets its own reader goroutine.
func (l *Listener) Serve() error {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&l.closed) == 1 {
				return nil
			}
			return fmt.Errorf("accepting switch connection: %w", err)
		}
		go l.serve(c)
	}
}

// Close stops accepting connections. Established switch channels stay
// up; the controller shuts those down through its own lifecycle.
func (l *Listener) Close() error {
	atomic.StoreInt32(&l.closed, 1)
	return l.ln.Close()
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) serve(c net.Conn) {
	logger := log.With(l.logger, "switch-addr", c.RemoteAddr().String())
	sw := &Switch{conn: c, br: bufio.NewReader(c)}

	if err := l.handshake(sw); err != nil {
		logger.Log("op", "handshake", "error", err, "msg", "OpenFlow handshake failed")
		c.Close()
		return
	}
	logger.Log("op", "connect", "dpid", fmt.Sprintf("%016x", sw.dpid), "msg", "switch connected")

	l.handler.SwitchConnected(sw)
	err := l.readLoop(sw, logger)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		logger.Log("op", "read", "error", err, "msg", "switch channel failed")
	}
	c.Close()
	l.handler.SwitchDisconnected(sw)
	logger.Log("op", "disconnect", "dpid", fmt.Sprintf("%016x", sw.dpid), "msg", "switch disconnected")
}

// handshake exchanges hellos and waits for the features reply that
// carries the datapath id.
func (l *Listener) handshake(sw *Switch) error {
	sw.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer sw.conn.SetReadDeadline(time.Time{})

	if err := sw.Send(Hello{}); err != nil {
		return err
	}
	for {
		msg, err := readMessage(sw.br)
		if err != nil {
			return err
		}
		switch msg.typ {
		case typeHello:
			if err := sw.Send(FeaturesRequest{}); err != nil {
				return err
			}
		case typeEchoRequest:
			if err := sw.Send(EchoReply{Data: msg.body}); err != nil {
				return err
			}
		case typeFeaturesReply:
			fr, err := decodeFeaturesReply(msg.body)
			if err != nil {
				return err
			}
			sw.dpid = fr.DatapathID
			return nil
		case typeError:
			e, _ := decodeError(msg.body)
			return fmt.Errorf("switch rejected handshake: type %d code %d", e.Type, e.Code)
		default:
			// Anything else before the features reply is ignored.
		}
	}
}

func (l *Listener) readLoop(sw *Switch, logger log.Logger) error {
	for {
		msg, err := readMessage(sw.br)
		if err != nil {
			return err
		}
		switch msg.typ {
		case typeEchoRequest:
			if err := sw.Send(EchoReply{Data: msg.body}); err != nil {
				return err
			}
		case typePacketIn:
			pi, err := decodePacketIn(msg.body)
			if err != nil {
				// Malformed messages are dropped, never fatal.
				logger.Log("op", "packet-in", "error", err, "msg", "dropping malformed packet-in")
				continue
			}
			l.handler.PacketReceived(sw, pi)
		case typeFlowRemoved:
			fr, err := decodeFlowRemoved(msg.body)
			if err != nil {
				logger.Log("op", "flow-removed", "error", err, "msg", "dropping malformed flow-removed")
				continue
			}
			l.handler.FlowExpired(sw, fr)
		case typeError:
			e, err := decodeError(msg.body)
			if err == nil {
				logger.Log("op", "switch-error", "type", e.Type, "code", e.Code, "msg", "switch reported an error")
			}
		case typeHello, typeEchoReply, typePortStatus, typeVendor:
			// Keepalives and port churn carry nothing we act on.
		default:
			logger.Log("op", "read", "type", msg.typ, "msg", "ignoring unexpected message type")
		}
	}
}
