// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import (
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/playhouse/playhouse-go/pkg/packet"
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

func TestManagerDuplexExchange(t *testing.T) {
	port := getRandomPort(t)
	address := fmt.Sprintf("localhost:%d", port)

	server := NewManager("play-1", 1, "tcp://"+address)
	defer func() { _ = server.Close() }()

	upChan := make(chan string, 1)
	server.OnPeerUp = func(nodeId string, serviceId uint16, endpoint string) {
		upChan <- nodeId
	}

	if err := server.AddListener(ListenTCP(address)); err != nil {
		t.Fatal(err)
	}

	client := NewManager("api-1", 2, "tcp://unused")
	defer func() { _ = client.Close() }()

	clientUpChan := make(chan struct{}, 1)
	client.OnPeerUp = func(string, uint16, string) { clientUpChan <- struct{}{} }

	client.Dial(address, true)

	select {
	case nodeId := <-upChan:
		if nodeId != "api-1" {
			t.Fatalf("peer up for %q, expected api-1", nodeId)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for peer up")
	}

	// The client registers its side only after reading the server's hello;
	// sending before that races the handshake.
	select {
	case <-clientUpChan:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for client-side peer up")
	}

	// client -> server
	body := packet.New("Ping", []byte("ping"))
	body.MsgSeq = 1
	if err := client.Send("play-1", NewRoutePacket("api-1", 2, body)); err != nil {
		t.Fatal(err)
	}

	var request *RoutePacket
	select {
	case request = <-server.Receive():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for inbound frame")
	}

	if request.Header.From != "api-1" || request.Header.MsgId != "Ping" {
		t.Fatalf("unexpected inbound frame: %v", request.Header)
	}

	// server -> client over the same accepted connection, no dial-back
	reply := NewReplyPacket(&request.Header, "play-1", packet.Success,
		packet.New("Pong", []byte("pong")))
	request.Dispose()

	if err := server.Send("api-1", reply); err != nil {
		t.Fatal(err)
	}

	select {
	case rp := <-client.Receive():
		if rp.Header.MsgId != "Pong" || !rp.Header.IsReply {
			t.Fatalf("unexpected reply: %v", rp.Header)
		}
		rp.Dispose()
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reply frame")
	}
}

func TestManagerLoopbackSend(t *testing.T) {
	m := NewManager("solo", 1, "tcp://unused")
	defer func() { _ = m.Close() }()

	if err := m.Send("solo", NewRoutePacket("solo", 1, packet.New("Self", nil))); err != nil {
		t.Fatal(err)
	}

	select {
	case rp := <-m.Receive():
		if rp.Header.MsgId != "Self" {
			t.Fatalf("unexpected frame: %v", rp.Header)
		}
	case <-time.After(time.Second):
		t.Fatal("loopback frame not delivered")
	}
}

func TestManagerUnknownNode(t *testing.T) {
	m := NewManager("solo", 1, "tcp://unused")
	defer func() { _ = m.Close() }()

	err := m.Send("ghost", NewRoutePacket("solo", 1, packet.New("X", nil)))
	if err == nil {
		t.Fatal("send to unknown node succeeded")
	}
}

func TestManagerCloseRejectsLateRegistration(t *testing.T) {
	m := NewManager("solo", 1, "tcp://unused")
	m.OnPeerUp = func(nodeId string, serviceId uint16, endpoint string) {
		t.Errorf("peer up for %q on a stopped manager", nodeId)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	// A dial whose handshake outlives Close ends up here; the connection must
	// be torn down, not kept in the table.
	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	c := newConnection(m, local)
	c.peerId = "late-1"
	m.register(c)

	m.connsMutex.Lock()
	_, held := m.conns["late-1"]
	m.connsMutex.Unlock()
	if held {
		t.Fatal("stopped manager kept the late connection")
	}

	if atomic.LoadUint32(&c.finished) == 0 {
		t.Fatal("late connection was not closed")
	}
}

func TestManagerPeerDownOnDrop(t *testing.T) {
	port := getRandomPort(t)
	address := fmt.Sprintf("localhost:%d", port)

	server := NewManager("play-1", 1, "tcp://"+address)
	defer func() { _ = server.Close() }()

	downChan := make(chan string, 1)
	server.OnPeerDown = func(nodeId string) { downChan <- nodeId }

	upChan := make(chan struct{}, 1)
	server.OnPeerUp = func(string, uint16, string) { upChan <- struct{}{} }

	if err := server.AddListener(ListenTCP(address)); err != nil {
		t.Fatal(err)
	}

	client := NewManager("api-1", 2, "tcp://unused")
	client.Dial(address, false)

	select {
	case <-upChan:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for peer up")
	}

	_ = client.Close()

	select {
	case nodeId := <-downChan:
		if nodeId != "api-1" {
			t.Fatalf("peer down for %q, expected api-1", nodeId)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for peer down")
	}
}
