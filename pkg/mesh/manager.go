// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hashicorp/go-multierror"
)

// ErrNodeUnreachable is returned by Send when no live connection to the
// target node exists. A dial is triggered in the background if the node's
// endpoint is known; the caller's request will fail or time out through the
// request cache, never block.
var ErrNodeUnreachable = errors.New("mesh: node unreachable")

const (
	dialBackoffMin = time.Second
	dialBackoffMax = 30 * time.Second
)

// Listener accepts inbound mesh links and registers them with a Manager.
// RegisterManager is called before Start.
type Listener interface {
	RegisterManager(manager *Manager)
	Start() error
	Close() error
}

// Manager owns every peer connection of this node. It exposes a send path
// addressed by nodeId and a single inbound channel feeding the node's
// dispatcher. Delivery is at-most-once per connection; the mesh never retries
// across a reconnect.
type Manager struct {
	nodeId    string
	serviceId uint16
	endpoint  string

	connsMutex sync.Mutex
	conns      map[string]*connection
	peers      map[string]*peer

	listeners []Listener

	recvChan chan *RoutePacket

	// Resolver maps a nodeId to its mesh endpoint, usually backed by the
	// cluster info center. May stay nil; then only dialed peers are
	// reachable.
	Resolver func(nodeId string) (endpoint string, ok bool)

	// OnPeerUp and OnPeerDown observe connection lifecycle, used to feed
	// the info center and to fail pending requests on loss.
	OnPeerUp   func(nodeId string, serviceId uint16, endpoint string)
	OnPeerDown func(nodeId string)

	stopFlag      bool
	stopFlagMutex sync.Mutex
}

// NewManager creates a Manager for this node. The endpoint is the mesh URL
// advertised to peers, e.g. "tcp://10.0.0.1:17000".
func NewManager(nodeId string, serviceId uint16, endpoint string) *Manager {
	return &Manager{
		nodeId:    nodeId,
		serviceId: serviceId,
		endpoint:  endpoint,
		conns:     make(map[string]*connection),
		peers:     make(map[string]*peer),
		recvChan:  make(chan *RoutePacket, 1024),
	}
}

// NodeId of this Manager's node.
func (m *Manager) NodeId() string {
	return m.nodeId
}

// Receive is the inbound channel; the node dispatcher must drain it.
func (m *Manager) Receive() <-chan *RoutePacket {
	return m.recvChan
}

// AddListener registers and starts a mesh Listener.
func (m *Manager) AddListener(listener Listener) error {
	listener.RegisterManager(m)
	if err := listener.Start(); err != nil {
		return err
	}

	m.connsMutex.Lock()
	m.listeners = append(m.listeners, listener)
	m.connsMutex.Unlock()
	return nil
}

// Dial establishes a supervised connection to a peer. Permanent peers are
// redialed with bounded backoff whenever their connection drops.
func (m *Manager) Dial(address string, permanent bool) {
	p := &peer{
		manager:   m,
		address:   address,
		permanent: permanent,
		stopSyn:   make(chan struct{}),
	}

	m.connsMutex.Lock()
	m.peers[address] = p
	m.connsMutex.Unlock()

	go p.supervise()
}

// Send transfers ownership of rp and forwards it to the given node. Sends to
// this node itself short-circuit into the inbound channel.
func (m *Manager) Send(nodeId string, rp *RoutePacket) error {
	if m.isStopped() {
		rp.Dispose()
		return ErrNodeUnreachable
	}

	if nodeId == m.nodeId {
		m.recvChan <- rp
		return nil
	}

	m.connsMutex.Lock()
	c := m.conns[nodeId]
	m.connsMutex.Unlock()

	if c == nil {
		rp.Dispose()
		m.tryDial(nodeId)
		return fmt.Errorf("%w: %s", ErrNodeUnreachable, nodeId)
	}

	if err := c.send(rp); err != nil {
		rp.Dispose()
		return fmt.Errorf("mesh: sending to %s: %w", nodeId, err)
	}
	return nil
}

// tryDial starts a background dial if the resolver knows the node.
func (m *Manager) tryDial(nodeId string) {
	if m.Resolver == nil {
		return
	}

	endpoint, ok := m.Resolver(nodeId)
	if !ok {
		return
	}

	m.connsMutex.Lock()
	_, dialing := m.peers[endpoint]
	m.connsMutex.Unlock()
	if dialing {
		return
	}

	log.WithFields(log.Fields{
		"node":     nodeId,
		"endpoint": endpoint,
	}).Debug("Mesh dialing resolved peer")

	m.Dial(endpoint, false)
}

// serveAccepted runs the lifecycle of an accepted inbound link.
func (m *Manager) serveAccepted(lk link) {
	c := newConnection(m, lk)

	if err := c.handshake(false); err != nil {
		log.WithError(err).WithField("remote", lk.RemoteAddr()).Warn(
			"Mesh handshake on accepted connection failed")
		_ = lk.Close()
		return
	}

	m.register(c)
	err := c.run()
	m.unregister(c, err)
}

func (m *Manager) register(c *connection) {
	m.connsMutex.Lock()

	// A handshake finishing after Close must not revive the Manager; the
	// stopped check and the table insert share the lock so Close's snapshot
	// always sees registered connections.
	if m.isStopped() {
		m.connsMutex.Unlock()
		c.close()
		return
	}

	old := m.conns[c.peerId]
	m.conns[c.peerId] = c
	m.connsMutex.Unlock()

	if old != nil {
		c.log().Info("Mesh connection replaces existing connection")
		old.close()
	}

	c.log().WithFields(log.Fields{
		"service":  c.peerService,
		"endpoint": c.peerEndpoint,
	}).Info("Mesh peer connected")

	if m.OnPeerUp != nil {
		m.OnPeerUp(c.peerId, c.peerService, c.peerEndpoint)
	}
}

func (m *Manager) unregister(c *connection, cause error) {
	m.connsMutex.Lock()
	current := m.conns[c.peerId] == c
	if current {
		delete(m.conns, c.peerId)
	}
	m.connsMutex.Unlock()

	// A replaced connection must not report its peer as gone; the
	// replacement is alive.
	if !current {
		return
	}

	c.log().WithError(cause).Info("Mesh peer disconnected")

	if m.OnPeerDown != nil {
		m.OnPeerDown(c.peerId)
	}
}

func (m *Manager) deliver(c *connection, rp *RoutePacket) {
	if m.isStopped() {
		rp.Dispose()
		return
	}

	m.recvChan <- rp
}

func (m *Manager) isStopped() bool {
	m.stopFlagMutex.Lock()
	defer m.stopFlagMutex.Unlock()

	return m.stopFlag
}

// Close shuts down listeners, supervised peers and live connections.
func (m *Manager) Close() error {
	m.stopFlagMutex.Lock()
	if m.stopFlag {
		m.stopFlagMutex.Unlock()
		return nil
	}
	m.stopFlag = true
	m.stopFlagMutex.Unlock()

	var errs *multierror.Error

	m.connsMutex.Lock()
	listeners := m.listeners
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.connsMutex.Unlock()

	for _, listener := range listeners {
		if err := listener.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, p := range peers {
		p.stop()
	}
	for _, c := range conns {
		c.close()
	}

	return errs.ErrorOrNil()
}

// peer supervises a dialed connection, reconnecting permanent peers with
// exponential backoff.
type peer struct {
	manager   *Manager
	address   string
	permanent bool

	stopSyn  chan struct{}
	stopOnce sync.Once
}

func (p *peer) stop() {
	p.stopOnce.Do(func() { close(p.stopSyn) })
}

func (p *peer) stopped() bool {
	select {
	case <-p.stopSyn:
		return true
	default:
		return false
	}
}

func (p *peer) supervise() {
	backoff := dialBackoffMin

	for {
		if p.stopped() || p.manager.isStopped() {
			return
		}

		if err := p.runOnce(); err != nil {
			log.WithError(err).WithField("endpoint", p.address).Debug(
				"Mesh peer connection ended")
		} else {
			backoff = dialBackoffMin
		}

		if !p.permanent {
			p.remove()
			return
		}

		select {
		case <-p.stopSyn:
			return
		case <-time.After(backoff):
		}

		if backoff *= 2; backoff > dialBackoffMax {
			backoff = dialBackoffMax
		}
	}
}

// runOnce dials, handshakes and runs one connection to completion. A nil
// error means the connection was established and later ended; a non-nil
// error means the dial or handshake itself failed.
func (p *peer) runOnce() error {
	lk, err := dialLink(p.address)
	if err != nil {
		return err
	}

	c := newConnection(p.manager, lk)
	if err := c.handshake(true); err != nil {
		_ = lk.Close()
		return err
	}

	p.manager.register(c)
	runErr := c.run()
	p.manager.unregister(c, runErr)
	return nil
}

func (p *peer) remove() {
	p.manager.connsMutex.Lock()
	delete(p.manager.peers, p.address)
	p.manager.connsMutex.Unlock()
}

// dialLink opens a link for a mesh endpoint URL of the form
// "tcp://host:port" or "quic://host:port". A bare host:port dials TCP.
func dialLink(endpoint string) (link, error) {
	switch {
	case strings.HasPrefix(endpoint, "tcp://"):
		return dialTCP(strings.TrimPrefix(endpoint, "tcp://"))
	case strings.HasPrefix(endpoint, "quic://"):
		return dialQUIC(strings.TrimPrefix(endpoint, "quic://"))
	case strings.Contains(endpoint, "://"):
		return nil, fmt.Errorf("mesh: unknown endpoint scheme in %q", endpoint)
	default:
		return dialTCP(endpoint)
	}
}
