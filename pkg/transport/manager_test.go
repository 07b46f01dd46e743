// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playhouse/playhouse-go/pkg/packet"
	"github.com/playhouse/playhouse-go/pkg/wire"
)

func getRandomPort(t *testing.T) int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}

type inboundEvent struct {
	session   *Session
	serviceId uint16
	p         *packet.Packet
}

type closedEvent struct {
	session *Session
	reason  uint16
}

type testReceiver struct {
	packets chan inboundEvent
	closed  chan closedEvent
}

func newTestReceiver() *testReceiver {
	return &testReceiver{
		packets: make(chan inboundEvent, 16),
		closed:  make(chan closedEvent, 16),
	}
}

func (tr *testReceiver) OnSessionPacket(session *Session, serviceId uint16, p *packet.Packet) {
	tr.packets <- inboundEvent{session, serviceId, p}
}

func (tr *testReceiver) OnSessionClosed(session *Session, reason uint16) {
	tr.closed <- closedEvent{session, reason}
}

func startTCPManager(t *testing.T, receiver Receiver, heartbeatTimeout time.Duration) (*Manager, string) {
	port := getRandomPort(t)
	addr := fmt.Sprintf("localhost:%d", port)

	manager := NewManager(wire.NewCodec(), receiver, []string{"AuthReq"}, heartbeatTimeout)
	if err := manager.RegisterListener(ListenTCP(addr)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	return manager, addr
}

func TestManagerAuthGateAndRoundtrip(t *testing.T) {
	receiver := newTestReceiver()
	manager, addr := startTCPManager(t, receiver, time.Minute)
	codec := wire.NewCodec()

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	// A request before authentication must bounce with NotAuthenticated.
	early := packet.New("MoveReq", []byte("x"))
	early.MsgSeq = 7
	if err := codec.EncodeToServer(client, 1, early); err != nil {
		t.Fatal(err)
	}

	_, reject, err := codec.DecodeFromServer(client)
	if err != nil {
		t.Fatal(err)
	}
	if reject.ErrorCode != packet.NotAuthenticated || reject.MsgSeq != 7 {
		t.Fatalf("expected NotAuthenticated reply, got %v", reject)
	}
	reject.Dispose()

	// The permitted auth message passes the gate.
	auth := packet.New("AuthReq", []byte("token"))
	auth.MsgSeq = 8
	if err := codec.EncodeToServer(client, 1, auth); err != nil {
		t.Fatal(err)
	}

	var inbound inboundEvent
	select {
	case inbound = <-receiver.packets:
	case <-time.After(time.Second):
		t.Fatal("auth packet never reached the receiver")
	}
	if inbound.p.MsgId != "AuthReq" || inbound.serviceId != 1 {
		t.Fatalf("unexpected inbound packet %v", inbound.p)
	}
	inbound.p.Dispose()

	// Bind and answer through the manager.
	inbound.session.Bind(100, 42)
	if !inbound.session.Authenticated() || inbound.session.AccountId() != 42 {
		t.Fatal("session not bound")
	}

	reply := packet.NewReply("AuthReq", 8, packet.Success)
	if err := manager.SendToClient(inbound.session.Sid(), 1, reply); err != nil {
		t.Fatal(err)
	}

	_, got, err := codec.DecodeFromServer(client)
	if err != nil {
		t.Fatal(err)
	}
	if got.MsgId != "AuthReq" || got.MsgSeq != 8 || got.ErrorCode != packet.Success {
		t.Fatalf("unexpected reply %v", got)
	}
	got.Dispose()
}

func TestManagerHeartbeatEcho(t *testing.T) {
	receiver := newTestReceiver()
	_, addr := startTCPManager(t, receiver, time.Minute)
	codec := wire.NewCodec()

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	beat := packet.New(packet.MsgIdHeartbeat, nil)
	beat.MsgSeq = 3
	if err := codec.EncodeToServer(client, 1, beat); err != nil {
		t.Fatal(err)
	}

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	_, echo, err := codec.DecodeFromServer(client)
	if err != nil {
		t.Fatal(err)
	}
	if echo.MsgId != packet.MsgIdHeartbeat || echo.MsgSeq != 3 {
		t.Fatalf("unexpected heartbeat echo %v", echo)
	}
	echo.Dispose()

	// Heartbeats never surface at the receiver.
	select {
	case inbound := <-receiver.packets:
		t.Fatalf("heartbeat leaked to receiver: %v", inbound.p)
	default:
	}
}

func TestManagerHeartbeatTimeout(t *testing.T) {
	receiver := newTestReceiver()
	_, addr := startTCPManager(t, receiver, 200*time.Millisecond)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	select {
	case closed := <-receiver.closed:
		if closed.reason != packet.HeartbeatTimeout {
			t.Fatalf("expected HeartbeatTimeout, got %s", packet.ErrorName(closed.reason))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle session never closed")
	}
}

func TestManagerDisconnectNotification(t *testing.T) {
	receiver := newTestReceiver()
	_, addr := startTCPManager(t, receiver, time.Minute)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	_ = client.Close()

	select {
	case closed := <-receiver.closed:
		if closed.reason != packet.ConnectionClosed {
			t.Fatalf("expected ConnectionClosed, got %s", packet.ErrorName(closed.reason))
		}
	case <-time.After(time.Second):
		t.Fatal("no disconnect notification")
	}
}

func TestWebSocketRoundtrip(t *testing.T) {
	receiver := newTestReceiver()
	port := getRandomPort(t)
	addr := fmt.Sprintf("localhost:%d", port)

	manager := NewManager(wire.NewCodec(), receiver, []string{"AuthReq"}, time.Minute)
	if err := manager.RegisterListener(ListenWebSocket(addr, nil)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	codec := wire.NewCodec()

	client, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s%s", addr, WebSocketPath), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	// Client-side frames use the client->server layout, one per binary
	// message.
	auth := packet.New("AuthReq", []byte("token"))
	auth.MsgSeq = 1
	var frame bytes.Buffer
	if err := codec.EncodeToServer(&frame, 1, auth); err != nil {
		t.Fatal(err)
	}
	if err := client.WriteMessage(websocket.BinaryMessage, frame.Bytes()); err != nil {
		t.Fatal(err)
	}

	var inbound inboundEvent
	select {
	case inbound = <-receiver.packets:
	case <-time.After(time.Second):
		t.Fatal("websocket packet never arrived")
	}
	if inbound.session.Kind() != KindWS {
		t.Fatalf("session kind = %s", inbound.session.Kind())
	}
	if string(inbound.p.Payload) != "token" {
		t.Fatalf("payload = %q", inbound.p.Payload)
	}
	inbound.p.Dispose()

	reply := packet.NewReply("AuthReq", 1, packet.Success)
	if err := manager.SendToClient(inbound.session.Sid(), 1, reply); err != nil {
		t.Fatal(err)
	}

	messageType, data, err := client.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if messageType != websocket.BinaryMessage {
		t.Fatalf("message type = %d", messageType)
	}

	_, got, err := codec.DecodeFromServer(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if got.MsgSeq != 1 || got.ErrorCode != packet.Success {
		t.Fatalf("unexpected reply %v", got)
	}
	got.Dispose()
}
