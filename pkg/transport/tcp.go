// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// TCPListener accepts client sessions on a TCP port, optionally wrapped in
// TLS.
type TCPListener struct {
	listenAddress string
	tlsConfig     *tls.Config
	manager       *Manager

	stopSyn chan struct{}
	stopAck chan struct{}
}

// ListenTCP creates a plain TCP listener for client sessions.
func ListenTCP(listenAddress string) *TCPListener {
	return &TCPListener{
		listenAddress: listenAddress,

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
}

// ListenTLS creates a TLS-wrapped TCP listener for client sessions.
func ListenTLS(listenAddress string, tlsConfig *tls.Config) *TCPListener {
	listener := ListenTCP(listenAddress)
	listener.tlsConfig = tlsConfig

	return listener
}

// RegisterManager tells the TCPListener where accepted sessions go.
func (listener *TCPListener) RegisterManager(manager *Manager) {
	listener.manager = manager
}

// Start this TCPListener.
func (listener *TCPListener) Start() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", listener.listenAddress)
	if err != nil {
		return err
	}

	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return err
	}

	go func(ln *net.TCPListener) {
		for {
			select {
			case <-listener.stopSyn:
				_ = ln.Close()
				close(listener.stopAck)

				return

			default:
				if err := ln.SetDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
					log.WithError(err).WithField("listener", listener).Error(
						"TCPListener failed to set deadline on TCP socket")

					_ = listener.Close()
				} else if conn, err := ln.Accept(); err == nil {
					listener.serve(conn)
				}
			}
		}
	}(ln)

	return nil
}

func (listener *TCPListener) serve(conn net.Conn) {
	kind := KindTCP
	if listener.tlsConfig != nil {
		conn = tls.Server(conn, listener.tlsConfig)
		kind = KindTLS
	}

	listener.manager.serveConn(kind, &tcpConn{conn: conn})
}

// Close signals this TCPListener to shut down.
func (listener *TCPListener) Close() error {
	close(listener.stopSyn)
	<-listener.stopAck

	return nil
}

func (listener TCPListener) String() string {
	if listener.tlsConfig != nil {
		return fmt.Sprintf("tls://%s", listener.listenAddress)
	}
	return fmt.Sprintf("tcp://%s", listener.listenAddress)
}
