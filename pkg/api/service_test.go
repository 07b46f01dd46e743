// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/playhouse/playhouse-go/pkg/cluster"
	"github.com/playhouse/playhouse-go/pkg/mesh"
	"github.com/playhouse/playhouse-go/pkg/packet"
	"github.com/playhouse/playhouse-go/pkg/rpc"
)

// loopMesh routes mesh sends between local services.
type loopMesh struct {
	mutex sync.Mutex
	nodes map[string]func(rp *mesh.RoutePacket)
}

func newLoopMesh() *loopMesh {
	return &loopMesh{nodes: make(map[string]func(rp *mesh.RoutePacket))}
}

func (lm *loopMesh) attach(nodeId string, deliver func(rp *mesh.RoutePacket)) {
	lm.mutex.Lock()
	lm.nodes[nodeId] = deliver
	lm.mutex.Unlock()
}

func (lm *loopMesh) Send(nodeId string, rp *mesh.RoutePacket) error {
	lm.mutex.Lock()
	deliver := lm.nodes[nodeId]
	lm.mutex.Unlock()

	if deliver == nil {
		rp.Dispose()
		return mesh.ErrNodeUnreachable
	}

	deliver(rp)
	return nil
}

func newTestService(t *testing.T, nodeId string, lm *loopMesh) *Service {
	t.Helper()

	cache := rpc.NewCache()
	t.Cleanup(cache.Close)

	service := NewService(Options{
		NodeId:         nodeId,
		ServiceId:      2,
		RequestTimeout: 2 * time.Second,
	}, lm, cache, nil)
	t.Cleanup(service.Close)

	lm.attach(nodeId, service.HandleRoutePacket)
	return service
}

func inject(service *Service, from string, msgSeq uint16, msgId string, payload []byte) {
	p := packet.New(msgId, payload)
	p.MsgSeq = msgSeq

	service.HandleRoutePacket(&mesh.RoutePacket{
		Header: mesh.RouteHeader{
			From:      from,
			MsgId:     msgId,
			MsgSeq:    msgSeq,
			ServiceId: 2,
		},
		Body: p,
	})
}

func TestApiDispatchAndReply(t *testing.T) {
	lm := newLoopMesh()

	replies := make(chan *mesh.RoutePacket, 1)
	lm.attach("caller", func(rp *mesh.RoutePacket) { replies <- rp })

	service := newTestService(t, "api-1", lm)
	service.Register("GreetReq", func(ctx *Sender, p *packet.Packet) uint16 {
		ctx.Reply(packet.New("GreetReq", append([]byte("hello "), p.Payload...)))
		return packet.Success
	})

	inject(service, "caller", 5, "GreetReq", []byte("world"))

	select {
	case rp := <-replies:
		if !rp.Header.IsReply || rp.Header.MsgSeq != 5 {
			t.Fatalf("unexpected reply header %v", rp.Header)
		}
		if string(rp.Body.Payload) != "hello world" {
			t.Fatalf("reply payload = %q", rp.Body.Payload)
		}
		rp.Dispose()
	case <-time.After(time.Second):
		t.Fatal("no reply arrived")
	}
}

func TestApiNoHandlerReply(t *testing.T) {
	lm := newLoopMesh()

	replies := make(chan *mesh.RoutePacket, 1)
	lm.attach("caller", func(rp *mesh.RoutePacket) { replies <- rp })

	service := newTestService(t, "api-1", lm)

	inject(service, "caller", 6, "UnknownReq", nil)

	select {
	case rp := <-replies:
		if rp.Header.ErrorCode != packet.NoHandler {
			t.Fatalf("expected NoHandler, got %s", packet.ErrorName(rp.Header.ErrorCode))
		}
		rp.Dispose()
	case <-time.After(time.Second):
		t.Fatal("no reply arrived")
	}
}

func TestApiHandlerPanicYieldsErrorReply(t *testing.T) {
	lm := newLoopMesh()

	replies := make(chan *mesh.RoutePacket, 1)
	lm.attach("caller", func(rp *mesh.RoutePacket) { replies <- rp })

	service := newTestService(t, "api-1", lm)
	service.Register("CrashReq", func(ctx *Sender, p *packet.Packet) uint16 {
		panic("application bug")
	})

	inject(service, "caller", 7, "CrashReq", nil)

	select {
	case rp := <-replies:
		if rp.Header.ErrorCode != packet.HandlerError {
			t.Fatalf("expected HandlerError, got %s", packet.ErrorName(rp.Header.ErrorCode))
		}
		rp.Dispose()
	case <-time.After(time.Second):
		t.Fatal("no reply arrived")
	}
}

func TestApiRequestAwaitBetweenNodes(t *testing.T) {
	lm := newLoopMesh()

	remote := newTestService(t, "api-2", lm)
	remote.Register("SumReq", func(ctx *Sender, p *packet.Packet) uint16 {
		ctx.Reply(packet.New("SumReq", []byte("3")))
		return packet.Success
	})

	local := newTestService(t, "api-1", lm)
	result := make(chan uint16, 1)
	payload := make(chan string, 1)

	local.Register("KickOff", func(ctx *Sender, p *packet.Packet) uint16 {
		reply, code := ctx.RequestToApiAwait("api-2", packet.New("SumReq", []byte("1+2")))
		result <- code
		if reply != nil {
			payload <- string(reply.Payload)
			reply.Dispose()
		}
		return packet.Success
	})

	inject(local, "api-0", 0, "KickOff", nil)

	select {
	case code := <-result:
		if code != packet.Success {
			t.Fatalf("await failed: %s", packet.ErrorName(code))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("await never completed")
	}
	if got := <-payload; got != "3" {
		t.Fatalf("reply payload = %q", got)
	}
}

func TestApiRequestTimeout(t *testing.T) {
	lm := newLoopMesh()

	// api-2 swallows requests.
	lm.attach("api-2", func(rp *mesh.RoutePacket) { rp.Dispose() })

	cache := rpc.NewCache()
	t.Cleanup(cache.Close)

	service := NewService(Options{
		NodeId:         "api-1",
		ServiceId:      2,
		RequestTimeout: 300 * time.Millisecond,
	}, lm, cache, nil)
	t.Cleanup(service.Close)
	lm.attach("api-1", service.HandleRoutePacket)

	ctx := &Sender{service: service}
	start := time.Now()
	reply, code := ctx.RequestToApiAwait("api-2", packet.New("SlowReq", nil))

	if code != packet.RequestTimeout {
		t.Fatalf("expected RequestTimeout, got %s", packet.ErrorName(code))
	}
	if reply != nil {
		t.Fatal("timeout returned a reply packet")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout took far too long")
	}
}

func TestNextStageIdAboveSeed(t *testing.T) {
	service := newTestService(t, "api-1", newLoopMesh())

	first := service.NextStageId()
	second := service.NextStageId()

	if first <= stageIdSeed {
		t.Errorf("stage id %d not above seed", first)
	}
	if second != first+1 {
		t.Errorf("stage ids not monotonic: %d, %d", first, second)
	}
}

func TestRestPingAndNodes(t *testing.T) {
	center := cluster.NewInfoCenter(time.Minute)
	t.Cleanup(center.Close)
	center.Update(cluster.ServerInfo{NodeId: "play-1", Type: cluster.NodeTypePlay, ServiceId: 1, Endpoint: "tcp://h:1"})

	service := newTestService(t, "api-1", newLoopMesh())
	rest := NewRest("localhost:0", service, center, nil)

	recorder := httptest.NewRecorder()
	rest.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("ping status = %d", recorder.Code)
	}

	var ping map[string]string
	if err := json.NewDecoder(recorder.Body).Decode(&ping); err != nil {
		t.Fatal(err)
	}
	if ping["status"] != "ok" || ping["node"] != "api-1" {
		t.Fatalf("ping = %v", ping)
	}

	recorder = httptest.NewRecorder()
	rest.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/nodes", nil))

	var nodes []cluster.ServerInfo
	if err := json.NewDecoder(recorder.Body).Decode(&nodes); err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0].NodeId != "play-1" {
		t.Fatalf("nodes = %v", nodes)
	}
}
