// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// TCPListener accepts inbound mesh connections on a TCP port.
type TCPListener struct {
	listenAddress string
	manager       *Manager

	stopSyn chan struct{}
	stopAck chan struct{}
}

// ListenTCP creates a new TCPListener bound to the given address.
func ListenTCP(listenAddress string) *TCPListener {
	return &TCPListener{
		listenAddress: listenAddress,

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
}

// RegisterManager tells the TCPListener where to report accepted links to.
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
					log.WithError(err).WithField("mesh", listener).Error(
						"TCPListener failed to set deadline on TCP socket")

					_ = listener.Close()
				} else if conn, err := ln.Accept(); err == nil {
					go listener.manager.serveAccepted(conn.(*net.TCPConn))
				}
			}
		}
	}(ln)

	return nil
}

// Close signals this TCPListener to shut down.
func (listener *TCPListener) Close() error {
	close(listener.stopSyn)
	<-listener.stopAck

	return nil
}

func (listener TCPListener) String() string {
	return fmt.Sprintf("mesh-tcp://%s", listener.listenAddress)
}
