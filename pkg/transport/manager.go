// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hashicorp/go-multierror"

	"github.com/playhouse/playhouse-go/pkg/packet"
	"github.com/playhouse/playhouse-go/pkg/wire"
)

// DefaultHeartbeatTimeout closes sessions that sent nothing, not even a
// heartbeat, for this long.
const DefaultHeartbeatTimeout = 60 * time.Second

// Listener accepts client connections and hands them to a Manager.
type Listener interface {
	// RegisterManager tells the Listener where accepted connections go. Must
	// be called before Start.
	RegisterManager(manager *Manager)

	// Start this Listener.
	Start() error

	// Close this Listener.
	Close() error
}

// Receiver consumes the packets and lifecycle events of all sessions. The
// play runtime implements this.
type Receiver interface {
	// OnSessionPacket is called for every authenticated (or auth-permitted)
	// inbound packet, transferring ownership of p.
	OnSessionPacket(session *Session, serviceId uint16, p *packet.Packet)

	// OnSessionClosed is called once after a session ended, with the error
	// code describing why.
	OnSessionClosed(session *Session, reason uint16)
}

// Manager owns every live Session: sid allocation, the session table, the
// heartbeat sweeper and the authentication gate in front of the Receiver.
type Manager struct {
	codec    *wire.Codec
	receiver Receiver

	// authMsgIds are the MsgIds an unauthenticated session may send.
	authMsgIds map[string]bool

	heartbeatTimeout time.Duration

	sidCounter int64

	sessionsMutex sync.RWMutex
	sessions      map[int64]*Session

	listeners []Listener

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewManager creates a Manager dispatching into the given Receiver. Packets
// from unauthenticated sessions are rejected unless their MsgId is listed in
// authMsgIds. A heartbeatTimeout of zero selects DefaultHeartbeatTimeout.
func NewManager(codec *wire.Codec, receiver Receiver, authMsgIds []string, heartbeatTimeout time.Duration) *Manager {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}

	manager := &Manager{
		codec:    codec,
		receiver: receiver,

		authMsgIds:       make(map[string]bool),
		heartbeatTimeout: heartbeatTimeout,

		sessions: make(map[int64]*Session),

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
	for _, msgId := range authMsgIds {
		manager.authMsgIds[msgId] = true
	}

	go manager.sweep()

	return manager
}

// RegisterListener attaches a Listener and starts it.
func (manager *Manager) RegisterListener(listener Listener) error {
	listener.RegisterManager(manager)
	if err := listener.Start(); err != nil {
		return err
	}

	log.WithField("listener", listener).Info("Client listener started")

	manager.listeners = append(manager.listeners, listener)
	return nil
}

// serveConn wraps an accepted connection into a Session and runs it until it
// ends. Listeners call this from their accept loops.
func (manager *Manager) serveConn(kind Kind, conn sessionConn) {
	sid := atomic.AddInt64(&manager.sidCounter, 1)
	session := newSession(sid, kind, conn, manager)

	manager.sessionsMutex.Lock()
	manager.sessions[sid] = session
	manager.sessionsMutex.Unlock()

	session.log().Info("Session started")

	go session.run()
}

// dispatch is called from a session's read pump for every inbound packet.
func (manager *Manager) dispatch(session *Session, serviceId uint16, p *packet.Packet) {
	if p.MsgId == packet.MsgIdHeartbeat {
		echo := packet.NewReply(packet.MsgIdHeartbeat, p.MsgSeq, packet.Success)
		p.Dispose()

		_ = session.Send(serviceId, echo)
		return
	}

	if !session.Authenticated() && !manager.authMsgIds[p.MsgId] {
		session.log().WithField("msgId", p.MsgId).Warn(
			"Session sent a packet before authenticating")

		if p.MsgSeq != 0 {
			reject := packet.NewReply(p.MsgId, p.MsgSeq, packet.NotAuthenticated)
			_ = session.Send(serviceId, reject)
		}
		p.Dispose()
		return
	}

	manager.receiver.OnSessionPacket(session, serviceId, p)
}

// drop removes a finished session from the table and notifies the Receiver.
func (manager *Manager) drop(session *Session) {
	manager.sessionsMutex.Lock()
	current, ok := manager.sessions[session.sid]
	if ok && current == session {
		delete(manager.sessions, session.sid)
	} else {
		ok = false
	}
	manager.sessionsMutex.Unlock()

	if !ok {
		return
	}

	session.log().WithField("reason", packet.ErrorName(session.closeReason)).Info("Session ended")

	manager.receiver.OnSessionClosed(session, session.closeReason)
}

// Get returns the Session for a sid, or false.
func (manager *Manager) Get(sid int64) (*Session, bool) {
	manager.sessionsMutex.RLock()
	defer manager.sessionsMutex.RUnlock()

	session, ok := manager.sessions[sid]
	return session, ok
}

// SendToClient delivers p to the session identified by sid, taking ownership.
func (manager *Manager) SendToClient(sid int64, serviceId uint16, p *packet.Packet) error {
	session, ok := manager.Get(sid)
	if !ok {
		p.Dispose()
		return ErrNoSuchSession
	}

	return session.Send(serviceId, p)
}

// BindSession marks a session authenticated and attaches it to a stage,
// reporting whether the session still exists.
func (manager *Manager) BindSession(sid int64, stageId, accountId int64) bool {
	session, ok := manager.Get(sid)
	if ok {
		session.Bind(stageId, accountId)
	}
	return ok
}

// Count returns the number of live sessions.
func (manager *Manager) Count() int {
	manager.sessionsMutex.RLock()
	defer manager.sessionsMutex.RUnlock()

	return len(manager.sessions)
}

func (manager *Manager) sweep() {
	ticker := time.NewTicker(manager.heartbeatTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-manager.stopSyn:
			close(manager.stopAck)
			return

		case <-ticker.C:
			manager.sessionsMutex.RLock()
			var idle []*Session
			for _, session := range manager.sessions {
				if session.idleSince() > manager.heartbeatTimeout {
					idle = append(idle, session)
				}
			}
			manager.sessionsMutex.RUnlock()

			for _, session := range idle {
				session.log().Warn("Session missed its heartbeats")
				session.CloseWith(packet.HeartbeatTimeout)
			}
		}
	}
}

// Close stops all listeners and terminates every session.
func (manager *Manager) Close() error {
	var err *multierror.Error

	for _, listener := range manager.listeners {
		if listenerErr := listener.Close(); listenerErr != nil {
			err = multierror.Append(err, listenerErr)
		}
	}

	close(manager.stopSyn)
	<-manager.stopAck

	manager.sessionsMutex.RLock()
	sessions := make([]*Session, 0, len(manager.sessions))
	for _, session := range manager.sessions {
		sessions = append(sessions, session)
	}
	manager.sessionsMutex.RUnlock()

	for _, session := range sessions {
		session.CloseWith(packet.ConnectionClosed)
	}

	return err.ErrorOrNil()
}
