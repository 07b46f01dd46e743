// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// WebSocketPath is the HTTP route clients connect to.
const WebSocketPath = "/play"

// WebSocketListener accepts client sessions over WebSocket, optionally
// TLS-wrapped (wss). Frames are carried as binary messages, bytes identical
// to the TCP stream.
type WebSocketListener struct {
	listenAddress string
	tlsConfig     *tls.Config
	manager       *Manager

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// ListenWebSocket creates a WebSocketListener. A nil tlsConfig serves plain
// ws, otherwise wss.
func ListenWebSocket(listenAddress string, tlsConfig *tls.Config) *WebSocketListener {
	return &WebSocketListener{
		listenAddress: listenAddress,
		tlsConfig:     tlsConfig,

		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Game clients connect from everywhere; the auth gate sits behind
			// the session, not in the HTTP origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterManager tells the WebSocketListener where accepted sessions go.
func (listener *WebSocketListener) RegisterManager(manager *Manager) {
	listener.manager = manager
}

// Start this WebSocketListener.
func (listener *WebSocketListener) Start() error {
	router := mux.NewRouter()
	router.HandleFunc(WebSocketPath, listener.handle)

	listener.httpServer = &http.Server{
		Addr:      listener.listenAddress,
		Handler:   router,
		TLSConfig: listener.tlsConfig,
	}

	errChan := make(chan error, 1)
	go func() {
		if listener.tlsConfig != nil {
			errChan <- listener.httpServer.ListenAndServeTLS("", "")
		} else {
			errChan <- listener.httpServer.ListenAndServe()
		}
	}()

	select {
	case err := <-errChan:
		return err

	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (listener *WebSocketListener) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := listener.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithField("remote", r.RemoteAddr).Warn(
			"WebSocketListener failed to upgrade connection")

		return
	}

	kind := KindWS
	if listener.tlsConfig != nil {
		kind = KindWSS
	}

	listener.manager.serveConn(kind, &wsConn{conn: conn})
}

// Close shuts the HTTP server down.
func (listener *WebSocketListener) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	return listener.httpServer.Shutdown(ctx)
}

func (listener WebSocketListener) String() string {
	if listener.tlsConfig != nil {
		return fmt.Sprintf("wss://%s%s", listener.listenAddress, WebSocketPath)
	}
	return fmt.Sprintf("ws://%s%s", listener.listenAddress, WebSocketPath)
}
