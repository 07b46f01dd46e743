// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport accepts client connections over TCP, TLS, WebSocket and
// WSS and turns them into Sessions. Everything behind the Session boundary is
// transport-agnostic.
package transport

import (
	"bytes"
	"errors"
	"net"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"

	"github.com/playhouse/playhouse-go/pkg/packet"
	"github.com/playhouse/playhouse-go/pkg/wire"
)

// Kind names the transport a session arrived on.
type Kind string

const (
	KindTCP Kind = "tcp"
	KindTLS Kind = "tls"
	KindWS  Kind = "ws"
	KindWSS Kind = "wss"
)

// sendBacklog bounds a session's outbound queue. Overflow closes the session
// with BackpressureExceeded.
const sendBacklog = 256

// ErrNoSuchSession is returned for sends to an unknown or gone sid.
var ErrNoSuchSession = errors.New("no such session")

// sessionConn is the minimal frame transport under a Session.
type sessionConn interface {
	readPacket(codec *wire.Codec) (serviceId uint16, p *packet.Packet, err error)
	writePacket(codec *wire.Codec, serviceId uint16, p *packet.Packet) error
	close() error
	remoteAddr() net.Addr
}

// outbound couples a packet with the serviceId stamped into its frame.
type outbound struct {
	serviceId uint16
	p         *packet.Packet
}

// Session is one live client connection. Sid is process-unique and stable
// until disconnect. StageId and AccountId are set by the play runtime once
// the session is bound.
type Session struct {
	sid     int64
	kind    Kind
	conn    sessionConn
	manager *Manager

	stageId       int64 // atomic
	accountId     int64 // atomic
	authenticated uint32
	lastSeen      int64 // atomic, UnixNano

	outChan  chan outbound
	stopChan chan struct{}
	finished uint32

	closeReason uint16
}

func newSession(sid int64, kind Kind, conn sessionConn, manager *Manager) *Session {
	return &Session{
		sid:      sid,
		kind:     kind,
		conn:     conn,
		manager:  manager,
		lastSeen: time.Now().UnixNano(),
		outChan:  make(chan outbound, sendBacklog),
		stopChan: make(chan struct{}),
	}
}

// Sid is the process-unique session identifier.
func (s *Session) Sid() int64 { return s.sid }

// Kind is the transport this session arrived on.
func (s *Session) Kind() Kind { return s.kind }

// RemoteAddr of the underlying connection.
func (s *Session) RemoteAddr() net.Addr { return s.conn.remoteAddr() }

// StageId returns the bound stage, 0 if unbound.
func (s *Session) StageId() int64 { return atomic.LoadInt64(&s.stageId) }

// AccountId returns the authenticated account, 0 before authentication.
func (s *Session) AccountId() int64 { return atomic.LoadInt64(&s.accountId) }

// Authenticated reports whether the session passed OnAuthenticate.
func (s *Session) Authenticated() bool { return atomic.LoadUint32(&s.authenticated) != 0 }

// Bind marks the session authenticated and attaches it to a stage. Called by
// the play runtime after a successful OnAuthenticate.
func (s *Session) Bind(stageId, accountId int64) {
	atomic.StoreInt64(&s.stageId, stageId)
	atomic.StoreInt64(&s.accountId, accountId)
	atomic.StoreUint32(&s.authenticated, 1)
}

func (s *Session) log() *log.Entry {
	return log.WithFields(log.Fields{
		"sid":    s.sid,
		"kind":   s.kind,
		"remote": s.conn.remoteAddr(),
	})
}

// Send enqueues p for delivery to the client, taking ownership. A full queue
// closes the session.
func (s *Session) Send(serviceId uint16, p *packet.Packet) error {
	if atomic.LoadUint32(&s.finished) != 0 {
		p.Dispose()
		return net.ErrClosed
	}

	select {
	case s.outChan <- outbound{serviceId, p}:
		return nil
	default:
		p.Dispose()
		s.log().Warn("Session outbound queue overflowed")
		s.CloseWith(packet.BackpressureExceeded)
		return net.ErrClosed
	}
}

// CloseWith terminates the session, remembering the reason for the
// disconnect notification.
func (s *Session) CloseWith(reason uint16) {
	if !atomic.CompareAndSwapUint32(&s.finished, 0, 1) {
		return
	}

	s.closeReason = reason
	close(s.stopChan)
	_ = s.conn.close()
}

func (s *Session) touch() {
	atomic.StoreInt64(&s.lastSeen, time.Now().UnixNano())
}

func (s *Session) idleSince() time.Duration {
	return time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&s.lastSeen))
}

// run starts both pumps and blocks until the session ends.
func (s *Session) run() {
	errChan := make(chan error, 2)

	go s.handleOut(errChan)

	go func() {
		for {
			serviceId, p, err := s.conn.readPacket(s.manager.codec)
			if err != nil {
				errChan <- err
				return
			}

			s.touch()
			s.manager.dispatch(s, serviceId, p)
		}
	}()

	select {
	case err := <-errChan:
		if atomic.CompareAndSwapUint32(&s.finished, 0, 1) {
			s.closeReason = packet.ConnectionClosed
			close(s.stopChan)
			if err != nil {
				s.log().WithError(err).Debug("Session ended")
			}
		}
	case <-s.stopChan:
	}

	_ = s.conn.close()
	s.manager.drop(s)
}

func (s *Session) handleOut(errChan chan<- error) {
	for {
		select {
		case <-s.stopChan:
			return

		case out := <-s.outChan:
			err := s.conn.writePacket(s.manager.codec, out.serviceId, out.p)
			out.p.Dispose()

			if err != nil {
				errChan <- err
				return
			}
		}
	}
}

// tcpConn adapts a net.Conn (plain or TLS).
type tcpConn struct {
	conn net.Conn
}

func (tc *tcpConn) readPacket(codec *wire.Codec) (uint16, *packet.Packet, error) {
	return codec.DecodeFromClient(tc.conn)
}

func (tc *tcpConn) writePacket(codec *wire.Codec, serviceId uint16, p *packet.Packet) error {
	return codec.EncodeToClient(tc.conn, serviceId, p)
}

func (tc *tcpConn) close() error {
	return tc.conn.Close()
}

func (tc *tcpConn) remoteAddr() net.Addr {
	return tc.conn.RemoteAddr()
}

// wsConn adapts a websocket.Conn; every binary message carries exactly one
// frame, bytes identical to the TCP stream.
type wsConn struct {
	conn *websocket.Conn
}

func (wc *wsConn) readPacket(codec *wire.Codec) (uint16, *packet.Packet, error) {
	for {
		messageType, data, err := wc.conn.ReadMessage()
		if err != nil {
			return 0, nil, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		return codec.DecodeFromClient(bytes.NewReader(data))
	}
}

func (wc *wsConn) writePacket(codec *wire.Codec, serviceId uint16, p *packet.Packet) error {
	var buff bytes.Buffer
	if err := codec.EncodeToClient(&buff, serviceId, p); err != nil {
		return err
	}

	return wc.conn.WriteMessage(websocket.BinaryMessage, buff.Bytes())
}

func (wc *wsConn) close() error {
	return wc.conn.Close()
}

func (wc *wsConn) remoteAddr() net.Addr {
	return wc.conn.RemoteAddr()
}
