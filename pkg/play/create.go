// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package play

import (
	"errors"

	"github.com/playhouse/playhouse-go/pkg/packet"
)

// MsgIdCreateStage is the mesh-internal system message instantiating a stage
// on a peer play node.
const MsgIdCreateStage = "@Create@Stage@"

// ErrBadCreatePayload reports a malformed stage creation payload.
var ErrBadCreatePayload = errors.New("play: malformed create payload")

// ErrNoSuchActor is returned by actor-addressed sends when the actor is gone
// or disconnected.
var ErrNoSuchActor = errors.New("play: no such actor")

// NewCreatePacket packs a stage type and an optional init packet into a
// create request. Ownership of init transfers; the returned packet carries
// MsgIdCreateStage. Api nodes use this to instantiate stages on peer play
// nodes.
//
// Payload layout: TypeLen(1) | StageType | InitMsgIdLen(1) | InitMsgId | InitBody
func NewCreatePacket(stageType string, init *packet.Packet) *packet.Packet {
	var initMsgId string
	var initBody []byte
	if init != nil {
		initMsgId = init.MsgId
		initBody = init.Payload
	}

	payload := make([]byte, 0, 2+len(stageType)+len(initMsgId)+len(initBody))
	payload = append(payload, byte(len(stageType)))
	payload = append(payload, stageType...)
	payload = append(payload, byte(len(initMsgId)))
	payload = append(payload, initMsgId...)
	payload = append(payload, initBody...)

	if init != nil {
		init.Dispose()
	}

	return packet.New(MsgIdCreateStage, payload)
}

// decodeCreate unpacks a create request into its stage type and init packet.
// The caller owns the returned packet.
func decodeCreate(p *packet.Packet) (stageType string, init *packet.Packet, err error) {
	payload := p.Payload
	if len(payload) < 1 {
		return "", nil, ErrBadCreatePayload
	}

	typeLen := int(payload[0])
	if 1+typeLen+1 > len(payload) {
		return "", nil, ErrBadCreatePayload
	}
	stageType = string(payload[1 : 1+typeLen])

	off := 1 + typeLen
	msgIdLen := int(payload[off])
	off++
	if off+msgIdLen > len(payload) {
		return "", nil, ErrBadCreatePayload
	}

	initMsgId := string(payload[off : off+msgIdLen])
	if initMsgId == "" {
		initMsgId = MsgIdCreateStage
	}

	init = packet.NewPooled(initMsgId, payload[off+msgIdLen:])
	return stageType, init, nil
}
