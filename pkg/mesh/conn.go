// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import (
	"bufio"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/playhouse/playhouse-go/pkg/packet"
)

// MsgIdHello is the first frame on every fresh link; it announces the
// sender's nodeId, serviceId and advertised mesh endpoint.
const MsgIdHello = "@Hello@"

// helloTimeout bounds how long an accepted link may stall before sending its
// hello frame.
const helloTimeout = 5 * time.Second

// sendBacklog is the per-link outbound queue depth. A full queue fails the
// send instead of blocking the caller.
const sendBacklog = 1024

// link is a duplex byte stream carrying mesh frames, either a net.Conn or a
// QUIC stream wrapper.
type link interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// connection pumps RoutePackets over one link. Writing is serialized through
// a single writer goroutine; reading happens on a single reader goroutine
// which fans frames into the Manager.
type connection struct {
	manager *Manager

	peerId       string
	peerService  uint16
	peerEndpoint string

	lk       link
	in       *bufio.Reader
	outChan  chan *RoutePacket
	stopChan chan struct{}

	// finished is handled by sync/atomic; zero means running.
	finished uint32
}

func newConnection(manager *Manager, lk link) *connection {
	return &connection{
		manager:  manager,
		lk:       lk,
		in:       bufio.NewReader(lk),
		outChan:  make(chan *RoutePacket, sendBacklog),
		stopChan: make(chan struct{}),
	}
}

func (c *connection) log() *log.Entry {
	return log.WithFields(log.Fields{
		"peer":   c.peerId,
		"remote": c.lk.RemoteAddr(),
	})
}

// handshake exchanges hello frames. The dialer sends first; the acceptor
// answers with its own hello so both ends know each other's identity.
func (c *connection) handshake(dialer bool) error {
	if dialer {
		if err := c.sendHello(); err != nil {
			return err
		}
	}

	if err := c.lk.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		return err
	}

	rp, err := ReadRoutePacket(c.in)
	if err != nil {
		return fmt.Errorf("reading hello failed: %w", err)
	}
	defer rp.Dispose()

	if rp.Header.MsgId != MsgIdHello {
		return fmt.Errorf("expected hello, got %q", rp.Header.MsgId)
	}

	c.peerId = rp.Header.From
	c.peerService = rp.Header.ServiceId
	c.peerEndpoint = string(rp.Body.Payload)

	if err := c.lk.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	if !dialer {
		if err := c.sendHello(); err != nil {
			return err
		}
	}

	return nil
}

func (c *connection) sendHello() error {
	hello := &RoutePacket{
		Header: RouteHeader{
			From:      c.manager.nodeId,
			MsgId:     MsgIdHello,
			ServiceId: c.manager.serviceId,
			IsSystem:  true,
		},
		Body: packet.New(MsgIdHello, []byte(c.manager.endpoint)),
	}
	defer hello.Dispose()

	return WriteRoutePacket(c.lk, hello)
}

// run starts the pumps and blocks until the link dies. The returned error is
// the reason the connection ended.
func (c *connection) run() error {
	errChan := make(chan error, 2)

	go c.handleOut(errChan)
	go c.handleIn(errChan)

	err := <-errChan
	c.close()
	return err
}

func (c *connection) handleIn(errChan chan<- error) {
	for {
		if atomic.LoadUint32(&c.finished) != 0 {
			return
		}

		rp, err := ReadRoutePacket(c.in)
		if err != nil {
			errChan <- err
			return
		}

		c.manager.deliver(c, rp)
	}
}

func (c *connection) handleOut(errChan chan<- error) {
	out := bufio.NewWriter(c.lk)

	for {
		select {
		case <-c.stopChan:
			return

		case rp := <-c.outChan:
			err := WriteRoutePacket(out, rp)
			if err == nil {
				err = out.Flush()
			}
			rp.Dispose()

			if err != nil {
				errChan <- err
				return
			}
		}
	}
}

// send enqueues rp, taking ownership on success. A full queue or closed
// connection returns an error and leaves disposal to the caller.
func (c *connection) send(rp *RoutePacket) error {
	if atomic.LoadUint32(&c.finished) != 0 {
		return fmt.Errorf("connection to %s is closed", c.peerId)
	}

	select {
	case c.outChan <- rp:
		return nil
	default:
		return fmt.Errorf("send queue to %s is full", c.peerId)
	}
}

func (c *connection) close() {
	if !atomic.CompareAndSwapUint32(&c.finished, 0, 1) {
		return
	}

	close(c.stopChan)
	_ = c.lk.Close()
}
