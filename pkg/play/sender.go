// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package play

import (
	"errors"
	"time"

	"github.com/playhouse/playhouse-go/pkg/cluster"
	"github.com/playhouse/playhouse-go/pkg/mesh"
	"github.com/playhouse/playhouse-go/pkg/packet"
	"github.com/playhouse/playhouse-go/pkg/rpc"
)

// ErrNoCandidate is returned by service-addressed sends when the info center
// knows no live node for the service.
var ErrNoCandidate = errors.New("play: no live node for service")

// Callback consumes the completion of a callback-form request. It runs on the
// originating stage's executor and owns the reply packet; reply is nil when
// errorCode is nonzero.
type Callback func(ctx *Sender, errorCode uint16, reply *packet.Packet)

// Sender is the capability object handed into every content callback. It is
// bound to the stage and, for packet-triggered steps, to the inbound header.
// A Sender is only valid for the duration of its step, including across
// suspension points.
type Sender struct {
	stage  *Stage
	header *mesh.RouteHeader
	handle *handle

	replied bool
}

// StageId of the stage this Sender is bound to.
func (ctx *Sender) StageId() int64 { return ctx.stage.stageId }

// StageType of the stage this Sender is bound to.
func (ctx *Sender) StageType() string { return ctx.stage.stageType }

// Header returns the inbound route header of the current step, nil for
// timer, async-block and post steps.
func (ctx *Sender) Header() *mesh.RouteHeader { return ctx.header }

// Reply answers the current step's request with a payload, transferring
// ownership of p. Without a pending request (MsgSeq 0) p is dropped.
func (ctx *Sender) Reply(p *packet.Packet) {
	ctx.reply(packet.Success, p)
}

// ReplyError answers the current step's request with a bare error code.
func (ctx *Sender) ReplyError(errorCode uint16) {
	ctx.reply(errorCode, nil)
}

func (ctx *Sender) reply(errorCode uint16, p *packet.Packet) {
	header := ctx.header
	if header == nil || header.MsgSeq == 0 {
		if p != nil {
			p.Dispose()
		}
		return
	}
	ctx.replied = true

	if p == nil {
		p = packet.NewReply(header.MsgId, header.MsgSeq, errorCode)
	} else {
		p.MsgSeq = header.MsgSeq
		p.ErrorCode = errorCode
	}

	service := ctx.stage.service
	if header.From == service.nodeId && header.Sid != 0 {
		p.StageId = ctx.stage.stageId
		_ = service.clients.SendToClient(header.Sid, header.ServiceId, p)
		return
	}

	rp := mesh.NewReplyPacket(header, service.nodeId, errorCode, p)
	_ = service.mesh.Send(header.From, rp)
}

// SendToClient pushes p to a locally connected session, taking ownership.
func (ctx *Sender) SendToClient(sid int64, p *packet.Packet) error {
	service := ctx.stage.service
	p.StageId = ctx.stage.stageId
	return service.clients.SendToClient(sid, service.serviceId, p)
}

// SendToActor pushes p to the session of an actor in this stage.
func (ctx *Sender) SendToActor(actor *Actor, p *packet.Packet) error {
	if actor == nil || !actor.connected {
		p.Dispose()
		return ErrNoSuchActor
	}
	return ctx.SendToClient(actor.Sid, p)
}

// SendToStage fires p at a stage on a peer node, taking ownership.
func (ctx *Sender) SendToStage(nodeId string, stageId int64, p *packet.Packet) error {
	p.StageId = stageId
	p.MsgSeq = 0
	rp := mesh.NewRoutePacket(ctx.stage.service.nodeId, ctx.stage.service.serviceId, p)
	return ctx.stage.service.mesh.Send(nodeId, rp)
}

// SendToApi fires p at a peer api node, taking ownership.
func (ctx *Sender) SendToApi(nodeId string, p *packet.Packet) error {
	return ctx.SendToStage(nodeId, 0, p)
}

// SendToSystem fires a system message at a peer node, taking ownership.
func (ctx *Sender) SendToSystem(nodeId string, p *packet.Packet) error {
	p.StageId = 0
	p.MsgSeq = 0
	rp := mesh.NewRoutePacket(ctx.stage.service.nodeId, ctx.stage.service.serviceId, p)
	rp.Header.IsSystem = true
	return ctx.stage.service.mesh.Send(nodeId, rp)
}

// SendToApiService fires p at one api node of the given service, selected by
// the cluster policy.
func (ctx *Sender) SendToApiService(serviceId uint16, policy cluster.Policy, key string, p *packet.Packet) error {
	info, ok := ctx.stage.service.pickNode(cluster.NodeTypeApi, serviceId, policy, key)
	if !ok {
		p.Dispose()
		return ErrNoCandidate
	}
	return ctx.SendToApi(info.NodeId, p)
}

// RequestToStage sends a request to a stage on a peer node; the callback is
// posted back to this stage's mailbox.
func (ctx *Sender) RequestToStage(nodeId string, stageId int64, p *packet.Packet, cb Callback) {
	p.StageId = stageId
	ctx.request(nodeId, p, false, cb)
}

// RequestToApi sends a request to a peer api node; the callback is posted
// back to this stage's mailbox.
func (ctx *Sender) RequestToApi(nodeId string, p *packet.Packet, cb Callback) {
	p.StageId = 0
	ctx.request(nodeId, p, false, cb)
}

// RequestToSystem sends a system request to a peer node; the callback is
// posted back to this stage's mailbox.
func (ctx *Sender) RequestToSystem(nodeId string, p *packet.Packet, cb Callback) {
	p.StageId = 0
	ctx.request(nodeId, p, true, cb)
}

// RequestToStageAwait suspends the current handler until the stage replied.
// The stage itself keeps draining its mailbox while this handler is parked.
// The caller owns the returned packet; it is nil when errorCode is nonzero.
func (ctx *Sender) RequestToStageAwait(nodeId string, stageId int64, p *packet.Packet) (*packet.Packet, uint16) {
	p.StageId = stageId
	return ctx.requestAwait(nodeId, p, false)
}

// RequestToApiAwait suspends the current handler until the api node replied.
func (ctx *Sender) RequestToApiAwait(nodeId string, p *packet.Packet) (*packet.Packet, uint16) {
	p.StageId = 0
	return ctx.requestAwait(nodeId, p, false)
}

// RequestToApiServiceAwait selects an api node by policy and awaits its
// reply.
func (ctx *Sender) RequestToApiServiceAwait(serviceId uint16, policy cluster.Policy, key string, p *packet.Packet) (*packet.Packet, uint16) {
	info, ok := ctx.stage.service.pickNode(cluster.NodeTypeApi, serviceId, policy, key)
	if !ok {
		p.Dispose()
		return nil, packet.NodeUnreachable
	}
	return ctx.RequestToApiAwait(info.NodeId, p)
}

// request is the callback form: the completion is posted into the stage's
// mailbox, preserving single-threaded execution.
func (ctx *Sender) request(nodeId string, p *packet.Packet, system bool, cb Callback) {
	s := ctx.stage
	seq := rpc.NextSeq()
	p.MsgSeq = seq

	rp := mesh.NewRoutePacket(s.service.nodeId, s.service.serviceId, p)
	rp.Header.ReplyStageId = s.stageId
	if system {
		rp.Header.IsSystem = true
	}

	wrapped := func(errorCode uint16, reply *packet.Packet) {
		posted := s.post(func(stepCtx *Sender) { cb(stepCtx, errorCode, reply) })
		if !posted && reply != nil {
			reply.Dispose()
		}
	}

	if err := s.service.cache.Register(seq, nodeId, s.stageId, s.service.requestTimeout, wrapped); err != nil {
		rp.Dispose()
		wrapped(packet.SendFailed, nil)
		return
	}

	if err := s.service.mesh.Send(nodeId, rp); err != nil {
		s.service.cache.Complete(seq, packet.NodeUnreachable, nil)
	}
}

// requestAwait is the promise form: the handler parks, the executor moves on,
// and the completion resumes this handler in mailbox order.
func (ctx *Sender) requestAwait(nodeId string, p *packet.Packet, system bool) (*packet.Packet, uint16) {
	s := ctx.stage
	h := ctx.handle
	seq := rpc.NextSeq()
	p.MsgSeq = seq

	rp := mesh.NewRoutePacket(s.service.nodeId, s.service.serviceId, p)
	rp.Header.ReplyStageId = s.stageId
	if system {
		rp.Header.IsSystem = true
	}

	resume := func(errorCode uint16, reply *packet.Packet) {
		posted := s.mb.push(message{resume: &resumption{
			h: h,
			c: completion{errorCode: errorCode, p: reply},
		}})
		if !posted && reply != nil {
			reply.Dispose()
		}
	}

	if err := s.service.cache.Register(seq, nodeId, s.stageId, s.service.requestTimeout, resume); err != nil {
		rp.Dispose()
		return nil, packet.SendFailed
	}

	if err := s.service.mesh.Send(nodeId, rp); err != nil {
		s.service.cache.Complete(seq, packet.NodeUnreachable, nil)
	}

	// Park: release the executor, wait for the posted completion.
	h.suspendCh <- struct{}{}
	c := <-h.replyChan
	return c.p, c.errorCode
}

// AsyncBlock offloads work to the shared compute pool. pre runs inline, work
// off-executor, post back on the executor with work's result.
func (ctx *Sender) AsyncBlock(pre func(), work func() interface{}, post func(ctx *Sender, result interface{})) {
	if pre != nil {
		pre()
	}

	s := ctx.stage
	s.service.pool.submit(func() {
		result := work()
		if post != nil {
			s.post(func(stepCtx *Sender) { post(stepCtx, result) })
		}
	})
}

// RepeatTimer fires fn on the executor every interval until cancelled or the
// stage closes. Returns the timer id.
func (ctx *Sender) RepeatTimer(initialDelay, interval time.Duration, fn TimerFunc) int64 {
	return ctx.stage.startTimer(initialDelay, interval, 0, fn)
}

// CountTimer fires fn exactly count times, tick numbers 1..count.
func (ctx *Sender) CountTimer(initialDelay, interval time.Duration, count int64, fn TimerFunc) int64 {
	return ctx.stage.startTimer(initialDelay, interval, count, fn)
}

// CancelTimer stops a timer; fires already enqueued still run.
func (ctx *Sender) CancelTimer(id int64) {
	ctx.stage.cancelTimer(id)
}

// CreateStageAwait asks a peer play node to instantiate a stage and awaits
// the creation reply's error code. init's ownership transfers.
func (ctx *Sender) CreateStageAwait(nodeId string, stageType string, stageId int64, init *packet.Packet) uint16 {
	create := NewCreatePacket(stageType, init)
	create.StageId = stageId

	reply, errorCode := ctx.requestAwait(nodeId, create, true)
	if reply != nil {
		reply.Dispose()
	}
	return errorCode
}

// CloseStage terminates this stage after the current step; queued requests
// are answered with StageClosed.
func (ctx *Sender) CloseStage() {
	ctx.stage.closeRequested = true
}

// RemoveActor destroys an actor of this stage.
func (ctx *Sender) RemoveActor(accountId int64) {
	ctx.stage.removeActor(ctx, accountId)
}
