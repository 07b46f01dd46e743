// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"errors"

	"github.com/playhouse/playhouse-go/pkg/cluster"
	"github.com/playhouse/playhouse-go/pkg/mesh"
	"github.com/playhouse/playhouse-go/pkg/packet"
	"github.com/playhouse/playhouse-go/pkg/play"
	"github.com/playhouse/playhouse-go/pkg/rpc"
)

// ErrNoCandidate is returned by service-addressed sends when the info center
// knows no live node for the service.
var ErrNoCandidate = errors.New("api: no live node for service")

// Sender is the capability object handed into api handlers. Unlike a stage
// Sender there is no executor to return to: awaits simply block the handler's
// own goroutine.
type Sender struct {
	service *Service
	header  *mesh.RouteHeader

	replied bool
}

// NodeId of this api node.
func (ctx *Sender) NodeId() string { return ctx.service.nodeId }

// Header returns the inbound route header of the current call.
func (ctx *Sender) Header() *mesh.RouteHeader { return ctx.header }

// Reply answers the current request with a payload, transferring ownership
// of p.
func (ctx *Sender) Reply(p *packet.Packet) {
	ctx.reply(packet.Success, p)
}

// ReplyError answers the current request with a bare error code.
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

	if p != nil {
		p.MsgSeq = header.MsgSeq
		p.ErrorCode = errorCode
	}

	rp := mesh.NewReplyPacket(header, ctx.service.nodeId, errorCode, p)
	_ = ctx.service.mesh.Send(header.From, rp)
}

// SendToStage fires p at a stage on a peer play node, taking ownership.
func (ctx *Sender) SendToStage(nodeId string, stageId int64, p *packet.Packet) error {
	p.StageId = stageId
	p.MsgSeq = 0
	rp := mesh.NewRoutePacket(ctx.service.nodeId, ctx.service.serviceId, p)
	return ctx.service.mesh.Send(nodeId, rp)
}

// SendToApi fires p at a peer api node, taking ownership.
func (ctx *Sender) SendToApi(nodeId string, p *packet.Packet) error {
	return ctx.SendToStage(nodeId, 0, p)
}

// SendToSystem fires a system message at a peer node, taking ownership.
func (ctx *Sender) SendToSystem(nodeId string, p *packet.Packet) error {
	p.StageId = 0
	p.MsgSeq = 0
	rp := mesh.NewRoutePacket(ctx.service.nodeId, ctx.service.serviceId, p)
	rp.Header.IsSystem = true
	return ctx.service.mesh.Send(nodeId, rp)
}

// RequestToStageAwait sends a request to a stage on a peer play node and
// blocks until its reply, the timeout or transport loss. The caller owns the
// returned packet; it is nil when errorCode is nonzero.
func (ctx *Sender) RequestToStageAwait(nodeId string, stageId int64, p *packet.Packet) (*packet.Packet, uint16) {
	p.StageId = stageId
	return ctx.requestAwait(nodeId, p, false)
}

// RequestToApiAwait sends a request to a peer api node and blocks until its
// reply.
func (ctx *Sender) RequestToApiAwait(nodeId string, p *packet.Packet) (*packet.Packet, uint16) {
	p.StageId = 0
	return ctx.requestAwait(nodeId, p, false)
}

func (ctx *Sender) requestAwait(nodeId string, p *packet.Packet, system bool) (*packet.Packet, uint16) {
	service := ctx.service
	seq := rpc.NextSeq()
	p.MsgSeq = seq

	rp := mesh.NewRoutePacket(service.nodeId, service.serviceId, p)
	if system {
		rp.Header.IsSystem = true
	}

	done := make(chan struct {
		code  uint16
		reply *packet.Packet
	}, 1)

	callback := func(errorCode uint16, reply *packet.Packet) {
		done <- struct {
			code  uint16
			reply *packet.Packet
		}{errorCode, reply}
	}

	if err := service.cache.Register(seq, nodeId, 0, service.requestTimeout, callback); err != nil {
		rp.Dispose()
		return nil, packet.SendFailed
	}

	if err := service.mesh.Send(nodeId, rp); err != nil {
		service.cache.Complete(seq, packet.NodeUnreachable, nil)
	}

	c := <-done
	return c.reply, c.code
}

// PickPlayNode selects one play node of the given service by policy.
func (ctx *Sender) PickPlayNode(serviceId uint16, policy cluster.Policy, key string) (cluster.ServerInfo, bool) {
	if ctx.service.center == nil {
		return cluster.ServerInfo{}, false
	}
	return ctx.service.center.GetByService(cluster.NodeTypePlay, serviceId, policy, key)
}

// CreateStageAwait asks a peer play node to instantiate a stage and blocks
// until the creation reply. init's ownership transfers.
func (ctx *Sender) CreateStageAwait(nodeId string, stageType string, stageId int64, init *packet.Packet) uint16 {
	create := play.NewCreatePacket(stageType, init)
	create.StageId = stageId

	reply, errorCode := ctx.requestAwait(nodeId, create, true)
	if reply != nil {
		reply.Dispose()
	}
	return errorCode
}
