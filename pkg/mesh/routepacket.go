// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import (
	"fmt"

	"github.com/playhouse/playhouse-go/pkg/packet"
)

// RoutePacket is one mesh message: a RouteHeader plus an owned payload
// Packet. Ownership of the Body transfers together with the RoutePacket.
type RoutePacket struct {
	Header RouteHeader
	Body   *packet.Packet
}

// NewRoutePacket wraps a Packet into a RoutePacket, lifting its coordinates
// into the header. The Packet's ownership moves into the RoutePacket.
func NewRoutePacket(from string, serviceId uint16, p *packet.Packet) *RoutePacket {
	return &RoutePacket{
		Header: RouteHeader{
			From:      from,
			MsgId:     p.MsgId,
			MsgSeq:    p.MsgSeq,
			ServiceId: serviceId,
			StageId:   p.StageId,
			ErrorCode: p.ErrorCode,
			IsSystem:  packet.IsSystemMsgId(p.MsgId),
		},
		Body: p,
	}
}

// NewReplyPacket builds the reply RoutePacket for a received request header.
// The reply is addressed back to the header's From node; a set ReplyStageId
// tells the receiving node to post the completion onto that stage.
func NewReplyPacket(request *RouteHeader, from string, errorCode uint16, p *packet.Packet) *RoutePacket {
	if p == nil {
		p = packet.NewReply(request.MsgId, request.MsgSeq, errorCode)
	}

	return &RoutePacket{
		Header: RouteHeader{
			From:         from,
			MsgId:        p.MsgId,
			MsgSeq:       request.MsgSeq,
			ServiceId:    request.ServiceId,
			StageId:      request.ReplyStageId,
			AccountId:    request.AccountId,
			Sid:          request.Sid,
			ErrorCode:    errorCode,
			IsReply:      true,
			IsSystem:     request.IsSystem,
			ReplyStageId: request.ReplyStageId,
		},
		Body: p,
	}
}

// Dispose releases the payload.
func (rp *RoutePacket) Dispose() {
	if rp.Body != nil {
		rp.Body.Dispose()
	}
}

func (rp *RoutePacket) String() string {
	return fmt.Sprintf("RoutePacket(%v)", rp.Header)
}
