// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
)

// quicProto is the ALPN token spoken on mesh QUIC links.
const quicProto = "playhouse-mesh"

// quicCloseShutdown is the application error code used on orderly shutdown.
const quicCloseShutdown quic.ApplicationErrorCode = 0x1000

// quicLink adapts one bidirectional QUIC stream plus its connection to the
// link interface.
type quicLink struct {
	quic.Stream
	conn quic.Connection
}

func (ql *quicLink) Close() error {
	_ = ql.Stream.Close()
	return ql.conn.CloseWithError(quicCloseShutdown, "link closed")
}

func (ql *quicLink) RemoteAddr() net.Addr {
	return ql.conn.RemoteAddr()
}

// QUICListener accepts inbound mesh connections over QUIC. Each connection
// carries exactly one bidirectional stream speaking the mesh framing.
type QUICListener struct {
	listenAddress string
	manager       *Manager
	listener      *quic.Listener
}

// ListenQUIC creates a new QUICListener bound to the given UDP address.
func ListenQUIC(listenAddress string) *QUICListener {
	return &QUICListener{
		listenAddress: listenAddress,
	}
}

// RegisterManager tells the QUICListener where to report accepted links to.
func (listener *QUICListener) RegisterManager(manager *Manager) {
	listener.manager = manager
}

// Start this QUICListener.
func (listener *QUICListener) Start() error {
	tlsConf, err := generateListenerTLSConfig()
	if err != nil {
		return err
	}

	lst, err := quic.ListenAddr(listener.listenAddress, tlsConf, generateQUICConfig())
	if err != nil {
		return err
	}

	listener.listener = lst
	go listener.handle()

	return nil
}

func (listener *QUICListener) handle() {
	for {
		conn, err := listener.listener.Accept(context.Background())
		if err != nil {
			log.WithError(err).WithField("address", listener.listenAddress).Debug(
				"QUICListener stopped accepting")
			return
		}

		go listener.acceptStream(conn)
	}
}

func (listener *QUICListener) acceptStream(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), helloTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		log.WithError(err).WithField("peer", conn.RemoteAddr()).Warn(
			"QUICListener failed to accept the mesh stream")
		_ = conn.CloseWithError(quicCloseShutdown, "no stream")
		return
	}

	listener.manager.serveAccepted(&quicLink{Stream: stream, conn: conn})
}

// Close signals this QUICListener to shut down.
func (listener *QUICListener) Close() error {
	return listener.listener.Close()
}

func (listener QUICListener) String() string {
	return fmt.Sprintf("mesh-quic://%s", listener.listenAddress)
}

// dialQUIC opens a QUIC link to a peer's QUICListener.
func dialQUIC(address string) (link, error) {
	conn, err := quic.DialAddr(context.Background(), address, generateDialerTLSConfig(), generateQUICConfig())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), helloTimeout)
	defer cancel()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(quicCloseShutdown, "no stream")
		return nil, err
	}

	return &quicLink{Stream: stream, conn: conn}, nil
}

func generateQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 5 * time.Second,
	}
}

// generateListenerTLSConfig creates a throwaway self-signed certificate.
// Mesh peers authenticate through the hello exchange, not through PKI; the
// TLS layer only provides QUIC's mandatory encryption.
func generateListenerTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	certDer, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDer},
			PrivateKey:  key,
		}},
		NextProtos: []string{quicProto},
	}, nil
}

func generateDialerTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicProto},
	}
}
