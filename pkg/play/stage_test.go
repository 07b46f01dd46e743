// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package play

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/playhouse/playhouse-go/pkg/mesh"
	"github.com/playhouse/playhouse-go/pkg/packet"
	"github.com/playhouse/playhouse-go/pkg/rpc"
)

// loopMesh short-circuits mesh sends into a local routing table.
type loopMesh struct {
	mutex sync.Mutex
	nodes map[string]*Service
}

func newLoopMesh() *loopMesh {
	return &loopMesh{nodes: make(map[string]*Service)}
}

func (lm *loopMesh) attach(nodeId string, service *Service) {
	lm.mutex.Lock()
	lm.nodes[nodeId] = service
	lm.mutex.Unlock()
}

func (lm *loopMesh) Send(nodeId string, rp *mesh.RoutePacket) error {
	lm.mutex.Lock()
	target := lm.nodes[nodeId]
	lm.mutex.Unlock()

	if target == nil {
		rp.Dispose()
		return mesh.ErrNodeUnreachable
	}

	target.HandleRoutePacket(rp)
	return nil
}

type clientSend struct {
	sid int64
	p   *packet.Packet
}

// fakeClients records packets pushed to sessions and session bindings.
type fakeClients struct {
	sent  chan clientSend
	bound chan int64
}

func newFakeClients() *fakeClients {
	return &fakeClients{
		sent:  make(chan clientSend, 64),
		bound: make(chan int64, 16),
	}
}

func (fc *fakeClients) SendToClient(sid int64, serviceId uint16, p *packet.Packet) error {
	fc.sent <- clientSend{sid, p}
	return nil
}

func (fc *fakeClients) BindSession(sid int64, stageId, accountId int64) bool {
	fc.bound <- sid
	return true
}

func (fc *fakeClients) expect(t *testing.T, sid int64) *packet.Packet {
	t.Helper()
	select {
	case send := <-fc.sent:
		if send.sid != sid {
			t.Fatalf("reply went to sid %d, expected %d", send.sid, sid)
		}
		return send.p
	case <-time.After(2 * time.Second):
		t.Fatal("no client packet arrived")
		return nil
	}
}

// testContent implements Content with overridable hooks.
type testContent struct {
	onCreate     func(ctx *Sender, init *packet.Packet) uint16
	onPostCreate func(ctx *Sender)
	onDispatch   func(ctx *Sender, actor *Actor, p *packet.Packet) uint16
	onJoin       func(ctx *Sender, actor *Actor) bool
	onConnection func(ctx *Sender, actor *Actor, connected bool)
	onDestroy    func(ctx *Sender)
	authenticate func(ctx *Sender, p *packet.Packet) (int64, uint16)
}

func (tc *testContent) OnCreate(ctx *Sender, init *packet.Packet) uint16 {
	if tc.onCreate != nil {
		return tc.onCreate(ctx, init)
	}
	return packet.Success
}

func (tc *testContent) OnPostCreate(ctx *Sender) {
	if tc.onPostCreate != nil {
		tc.onPostCreate(ctx)
	}
}

func (tc *testContent) CreateActor(sid int64) ActorContent {
	return &testActor{content: tc, sid: sid}
}

func (tc *testContent) OnJoinStage(ctx *Sender, actor *Actor) bool {
	if tc.onJoin != nil {
		return tc.onJoin(ctx, actor)
	}
	return true
}

func (tc *testContent) OnPostJoinStage(ctx *Sender, actor *Actor) {}

func (tc *testContent) OnDispatch(ctx *Sender, actor *Actor, p *packet.Packet) uint16 {
	if tc.onDispatch != nil {
		return tc.onDispatch(ctx, actor, p)
	}
	return packet.Success
}

func (tc *testContent) OnConnectionChanged(ctx *Sender, actor *Actor, connected bool) {
	if tc.onConnection != nil {
		tc.onConnection(ctx, actor, connected)
	}
}

func (tc *testContent) OnDestroy(ctx *Sender) {
	if tc.onDestroy != nil {
		tc.onDestroy(ctx)
	}
}

type testActor struct {
	content *testContent
	sid     int64
}

func (ta *testActor) OnAuthenticate(ctx *Sender, p *packet.Packet) (int64, uint16) {
	if ta.content.authenticate != nil {
		return ta.content.authenticate(ctx, p)
	}
	// Default: accountId derived from sid.
	return ta.sid + 1000, packet.Success
}

func (ta *testActor) OnPostAuthenticate(ctx *Sender) {}

func (ta *testActor) OnDestroy(ctx *Sender) {}

type harness struct {
	service *Service
	clients *fakeClients
	mesh    *loopMesh
	cache   *rpc.Cache
}

func newHarness(t *testing.T, nodeId string, lm *loopMesh, content *testContent, opts Options) *harness {
	t.Helper()

	clients := newFakeClients()
	cache := rpc.NewCache()
	t.Cleanup(cache.Close)

	opts.NodeId = nodeId
	if opts.ServiceId == 0 {
		opts.ServiceId = 1
	}
	if opts.AuthMsgId == "" {
		opts.AuthMsgId = "AuthReq"
	}
	if opts.DefaultStageType == "" {
		opts.DefaultStageType = "test-stage"
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 2 * time.Second
	}

	service := NewService(opts, lm, clients, cache, nil)
	service.RegisterStageType(opts.DefaultStageType, func() Content { return content })
	lm.attach(nodeId, service)
	t.Cleanup(service.Close)

	return &harness{service: service, clients: clients, mesh: lm, cache: cache}
}

// inject delivers a packet as if it came from a local client session.
func (h *harness) inject(sid int64, stageId int64, msgSeq uint16, msgId string, payload []byte) {
	p := packet.New(msgId, payload)
	p.MsgSeq = msgSeq
	p.StageId = stageId

	h.service.HandleRoutePacket(&mesh.RoutePacket{
		Header: mesh.RouteHeader{
			From:      h.service.nodeId,
			MsgId:     msgId,
			MsgSeq:    msgSeq,
			ServiceId: 1,
			StageId:   stageId,
			Sid:       sid,
		},
		Body: p,
	})
}

// authenticate runs the default auth flow for a session and swallows the
// success reply.
func (h *harness) authenticate(t *testing.T, sid, stageId int64, seq uint16) {
	t.Helper()

	h.inject(sid, stageId, seq, "AuthReq", nil)
	reply := h.clients.expect(t, sid)
	if reply.ErrorCode != packet.Success {
		t.Fatalf("authentication failed: %s", packet.ErrorName(reply.ErrorCode))
	}
	reply.Dispose()

	select {
	case <-h.clients.bound:
	case <-time.After(time.Second):
		t.Fatal("session never bound")
	}
}

func TestAuthFlowAndEchoDispatch(t *testing.T) {
	content := &testContent{
		onDispatch: func(ctx *Sender, actor *Actor, p *packet.Packet) uint16 {
			if p.MsgId != "EchoRequest" {
				return packet.NoHandler
			}
			if actor == nil {
				t.Error("dispatch without actor")
			}

			echo := packet.NewPooled("EchoRequest", p.Payload)
			ctx.Reply(echo)
			return packet.Success
		},
	}

	h := newHarness(t, "node-1", newLoopMesh(), content, Options{})

	h.authenticate(t, 7, 100, 1)

	h.inject(7, 100, 2, "EchoRequest", []byte(`{"Hello",42}`))
	reply := h.clients.expect(t, 7)
	if reply.MsgSeq != 2 || reply.ErrorCode != packet.Success {
		t.Fatalf("unexpected echo reply %v", reply)
	}
	if string(reply.Payload) != `{"Hello",42}` {
		t.Fatalf("echo payload = %q", reply.Payload)
	}
	reply.Dispose()
}

func TestStageNotFoundReply(t *testing.T) {
	h := newHarness(t, "node-1", newLoopMesh(), &testContent{}, Options{})

	// A non-auth request to a nonexistent stage cannot create one.
	h.inject(5, 999999, 1, "MoveReq", nil)

	reply := h.clients.expect(t, 5)
	if reply.ErrorCode != packet.StageNotFound {
		t.Fatalf("expected StageNotFound, got %s", packet.ErrorName(reply.ErrorCode))
	}
	reply.Dispose()
}

func TestMailboxFIFO(t *testing.T) {
	var mutex sync.Mutex
	var order []string

	content := &testContent{
		onDispatch: func(ctx *Sender, actor *Actor, p *packet.Packet) uint16 {
			mutex.Lock()
			order = append(order, string(p.Payload))
			mutex.Unlock()
			return packet.Success
		},
	}

	h := newHarness(t, "node-1", newLoopMesh(), content, Options{})
	h.authenticate(t, 1, 100, 1)

	const n = 50
	for i := 0; i < n; i++ {
		h.inject(1, 100, 0, "SeqMsg", []byte(fmt.Sprintf("%03d", i)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mutex.Lock()
		done := len(order) == n
		mutex.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d messages handled", len(order), n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < n; i++ {
		if order[i] != fmt.Sprintf("%03d", i) {
			t.Fatalf("message %d out of order: %s", i, order[i])
		}
	}
}

func TestPerStageSerialization(t *testing.T) {
	type span struct{ enter, exit time.Time }

	var mutex sync.Mutex
	var spans []span

	content := &testContent{
		onDispatch: func(ctx *Sender, actor *Actor, p *packet.Packet) uint16 {
			enter := time.Now()
			time.Sleep(5 * time.Millisecond)
			mutex.Lock()
			spans = append(spans, span{enter, time.Now()})
			mutex.Unlock()
			return packet.Success
		},
	}

	h := newHarness(t, "node-1", newLoopMesh(), content, Options{})
	h.authenticate(t, 1, 100, 1)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/4; j++ {
				h.inject(1, 100, 0, "WorkMsg", nil)
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mutex.Lock()
		done := len(spans) == n
		mutex.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("handlers never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			a, b := spans[i], spans[j]
			if a.enter.Before(b.exit) && b.enter.Before(a.exit) {
				t.Fatalf("handlers %d and %d overlapped", i, j)
			}
		}
	}
}

func TestSuspensionDoesNotBlockStage(t *testing.T) {
	lm := newLoopMesh()

	fastDone := make(chan time.Time, 1)
	slowDone := make(chan time.Time, 1)

	remote := &testContent{
		onDispatch: func(ctx *Sender, actor *Actor, p *packet.Packet) uint16 {
			time.Sleep(300 * time.Millisecond)
			ctx.Reply(packet.New("SlowReply", nil))
			return packet.Success
		},
	}
	newHarness(t, "node-2", lm, remote, Options{}).service.createStage(200, "test-stage")

	local := &testContent{}
	local.onDispatch = func(ctx *Sender, actor *Actor, p *packet.Packet) uint16 {
		switch p.MsgId {
		case "SlowReq":
			reply, errorCode := ctx.RequestToStageAwait("node-2", 200, packet.New("RemoteWork", nil))
			if errorCode != packet.Success {
				t.Errorf("remote request failed: %s", packet.ErrorName(errorCode))
			}
			if reply != nil {
				reply.Dispose()
			}
			slowDone <- time.Now()

		case "FastReq":
			fastDone <- time.Now()
		}
		return packet.Success
	}

	h := newHarness(t, "node-1", lm, local, Options{})
	h.authenticate(t, 1, 100, 1)

	h.inject(1, 100, 0, "SlowReq", nil)
	time.Sleep(20 * time.Millisecond)
	h.inject(1, 100, 0, "FastReq", nil)

	var fastAt, slowAt time.Time
	select {
	case fastAt = <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast handler never completed")
	}
	select {
	case slowAt = <-slowDone:
	case <-time.After(2 * time.Second):
		t.Fatal("slow handler never resumed")
	}

	if !fastAt.Before(slowAt) {
		t.Error("suspended handler blocked the stage")
	}
}

func TestCrossNodeReplyLandsOnOriginStage(t *testing.T) {
	lm := newLoopMesh()

	remote := &testContent{
		onDispatch: func(ctx *Sender, actor *Actor, p *packet.Packet) uint16 {
			ctx.Reply(packet.New("PongReply", []byte("pong")))
			return packet.Success
		},
	}
	newHarness(t, "node-2", lm, remote, Options{}).service.createStage(200, "test-stage")

	completed := make(chan string, 1)

	local := &testContent{}
	local.onDispatch = func(ctx *Sender, actor *Actor, p *packet.Packet) uint16 {
		ctx.RequestToStage("node-2", 200, packet.New("PingReq", nil),
			func(cbCtx *Sender, errorCode uint16, reply *packet.Packet) {
				// The completion must run as a step of the origin stage.
				if cbCtx.StageId() != 100 {
					t.Errorf("completion ran on stage %d", cbCtx.StageId())
				}
				if errorCode != packet.Success || reply == nil {
					completed <- fmt.Sprintf("error %s", packet.ErrorName(errorCode))
					return
				}
				completed <- string(reply.Payload)
				reply.Dispose()
			})
		return packet.Success
	}

	h := newHarness(t, "node-1", lm, local, Options{})
	h.authenticate(t, 1, 100, 1)
	h.inject(1, 100, 0, "KickOff", nil)

	select {
	case result := <-completed:
		if result != "pong" {
			t.Fatalf("completion = %q", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completion never arrived")
	}
}

func TestCountTimerExactness(t *testing.T) {
	ticks := make(chan int64, 16)

	content := &testContent{
		onCreate: func(ctx *Sender, init *packet.Packet) uint16 {
			ctx.CountTimer(50*time.Millisecond, 50*time.Millisecond, 5,
				func(ctx *Sender, tick int64) { ticks <- tick })
			return packet.Success
		},
	}

	h := newHarness(t, "node-1", newLoopMesh(), content, Options{})
	h.authenticate(t, 1, 100, 1)

	var got []int64
	timeout := time.After(2 * time.Second)
	for len(got) < 5 {
		select {
		case tick := <-ticks:
			got = append(got, tick)
		case <-timeout:
			t.Fatalf("only %d ticks after timeout", len(got))
		}
	}

	for i, tick := range got {
		if tick != int64(i+1) {
			t.Fatalf("tick %d has number %d", i, tick)
		}
	}

	select {
	case tick := <-ticks:
		t.Fatalf("count timer fired a sixth time: %d", tick)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRepeatTimerAndCancel(t *testing.T) {
	ticks := make(chan int64, 64)
	var timerId int64

	content := &testContent{
		onCreate: func(ctx *Sender, init *packet.Packet) uint16 {
			timerId = ctx.RepeatTimer(50*time.Millisecond, 50*time.Millisecond,
				func(ctx *Sender, tick int64) { ticks <- tick })
			return packet.Success
		},
	}

	h := newHarness(t, "node-1", newLoopMesh(), content, Options{})
	h.authenticate(t, 1, 100, 1)

	var count int
	timeout := time.After(time.Second)
	for count < 3 {
		select {
		case <-ticks:
			count++
		case <-timeout:
			t.Fatalf("only %d repeat ticks", count)
		}
	}

	stage, _ := h.service.GetStage(100)
	stage.cancelTimer(timerId)

	// Drain the pipeline, then expect silence.
	time.Sleep(100 * time.Millisecond)
	for len(ticks) > 0 {
		<-ticks
	}
	select {
	case <-ticks:
		t.Error("cancelled timer still fired")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAsyncBlockRunsPostOnExecutor(t *testing.T) {
	result := make(chan interface{}, 1)

	content := &testContent{
		onDispatch: func(ctx *Sender, actor *Actor, p *packet.Packet) uint16 {
			ctx.AsyncBlock(nil,
				func() interface{} { return 40 + 2 },
				func(postCtx *Sender, r interface{}) {
					if postCtx.StageId() != 100 {
						t.Errorf("post ran on stage %d", postCtx.StageId())
					}
					result <- r
				})
			return packet.Success
		},
	}

	h := newHarness(t, "node-1", newLoopMesh(), content, Options{})
	h.authenticate(t, 1, 100, 1)
	h.inject(1, 100, 0, "ComputeReq", nil)

	select {
	case r := <-result:
		if r != 42 {
			t.Fatalf("async result = %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("async block never completed")
	}
}

func TestHandlerPanicYieldsErrorReply(t *testing.T) {
	content := &testContent{
		onDispatch: func(ctx *Sender, actor *Actor, p *packet.Packet) uint16 {
			panic("application bug")
		},
	}

	h := newHarness(t, "node-1", newLoopMesh(), content, Options{})
	h.authenticate(t, 1, 100, 1)

	h.inject(1, 100, 9, "CrashReq", nil)
	reply := h.clients.expect(t, 1)
	if reply.ErrorCode != packet.HandlerError || reply.MsgSeq != 9 {
		t.Fatalf("expected HandlerError reply, got %v", reply)
	}
	reply.Dispose()

	// The stage survives the panic.
	h.inject(1, 100, 10, "PingReq", nil)
	reply = h.clients.expect(t, 1)
	if reply.MsgSeq != 10 {
		t.Fatalf("stage dead after panic: %v", reply)
	}
	reply.Dispose()
}

func TestBroadcastPush(t *testing.T) {
	content := &testContent{}
	content.onDispatch = func(ctx *Sender, actor *Actor, p *packet.Packet) uint16 {
		if p.MsgId == "BroadcastTrigger" {
			for _, other := range ctx.stage.actors {
				_ = ctx.SendToActor(other, packet.New("BroadcastNotify", []byte("hello all")))
			}
		}
		return packet.Success
	}

	h := newHarness(t, "node-1", newLoopMesh(), content, Options{})
	h.authenticate(t, 1, 100, 1)
	h.authenticate(t, 2, 100, 1)

	h.inject(1, 100, 0, "BroadcastTrigger", nil)

	seen := make(map[int64]string)
	for len(seen) < 2 {
		select {
		case send := <-h.clients.sent:
			if send.p.MsgId == "BroadcastNotify" {
				seen[send.sid] = string(send.p.Payload)
			}
			send.p.Dispose()
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 2 pushes arrived", len(seen))
		}
	}

	if seen[1] != "hello all" || seen[2] != "hello all" {
		t.Fatalf("push payloads differ: %v", seen)
	}
}

func TestIdleStageReaping(t *testing.T) {
	destroyed := make(chan struct{})

	content := &testContent{
		onDestroy: func(ctx *Sender) { close(destroyed) },
	}

	h := newHarness(t, "node-1", newLoopMesh(), content, Options{
		ReapGrace: 100 * time.Millisecond,
	})
	h.authenticate(t, 1, 100, 1)

	stage, ok := h.service.GetStage(100)
	if !ok {
		t.Fatal("stage missing")
	}

	stage.notifyDisconnect(1)

	select {
	case <-destroyed:
	case <-time.After(2 * time.Second):
		t.Fatal("idle stage never reaped")
	}

	if _, ok := h.service.GetStage(100); ok {
		t.Error("reaped stage still in table")
	}
}

func TestDisconnectFiresConnectionChanged(t *testing.T) {
	changed := make(chan bool, 4)

	content := &testContent{
		onConnection: func(ctx *Sender, actor *Actor, connected bool) {
			changed <- connected
		},
	}

	h := newHarness(t, "node-1", newLoopMesh(), content, Options{})
	h.authenticate(t, 1, 100, 1)

	stage, _ := h.service.GetStage(100)
	stage.notifyDisconnect(1)

	select {
	case connected := <-changed:
		if connected {
			t.Fatal("expected a down transition")
		}
	case <-time.After(time.Second):
		t.Fatal("OnConnectionChanged never fired")
	}
}

func TestCloseStageAnswersQueuedRequests(t *testing.T) {
	release := make(chan struct{})

	content := &testContent{}
	content.onDispatch = func(ctx *Sender, actor *Actor, p *packet.Packet) uint16 {
		if p.MsgId == "BlockReq" {
			<-release
			ctx.CloseStage()
		}
		return packet.Success
	}

	h := newHarness(t, "node-1", newLoopMesh(), content, Options{})
	h.authenticate(t, 1, 100, 1)

	h.inject(1, 100, 1, "BlockReq", nil)
	time.Sleep(20 * time.Millisecond)
	h.inject(1, 100, 2, "QueuedReq", nil)
	close(release)

	var codes []uint16
	for len(codes) < 2 {
		reply := h.clients.expect(t, 1)
		codes = append(codes, reply.ErrorCode)
		reply.Dispose()
	}

	if codes[0] != packet.Success {
		t.Errorf("blocked request reply = %s", packet.ErrorName(codes[0]))
	}
	if codes[1] != packet.StageClosed {
		t.Errorf("queued request reply = %s, expected StageClosed", packet.ErrorName(codes[1]))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.service.GetStage(100); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stage never left the table")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCreateStageExplicitly(t *testing.T) {
	lm := newLoopMesh()

	created := make(chan string, 1)
	remote := &testContent{
		onCreate: func(ctx *Sender, init *packet.Packet) uint16 {
			created <- string(init.Payload)
			return packet.Success
		},
	}
	newHarness(t, "node-2", lm, remote, Options{DefaultStageType: "chat-stage"})

	var code uint16
	done := make(chan struct{})

	local := &testContent{}
	local.onDispatch = func(ctx *Sender, actor *Actor, p *packet.Packet) uint16 {
		code = ctx.CreateStageAwait("node-2", "chat-stage", 1000001,
			packet.New("RoomInit", []byte("room config")))
		close(done)
		return packet.Success
	}

	h := newHarness(t, "node-1", lm, local, Options{})
	h.authenticate(t, 1, 100, 1)
	h.inject(1, 100, 0, "CreateRoom", nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("create await never returned")
	}
	if code != packet.Success {
		t.Fatalf("create failed: %s", packet.ErrorName(code))
	}

	select {
	case init := <-created:
		if init != "room config" {
			t.Fatalf("init payload = %q", init)
		}
	case <-time.After(time.Second):
		t.Fatal("remote OnCreate never ran")
	}
}
