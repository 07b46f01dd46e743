// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package mesh implements the node-to-node message bus: the RouteHeader
// envelope, its CBOR wire schema, CRC16-guarded framing and long-lived duplex
// peer connections over TCP or QUIC.
package mesh

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// Flag bits of the RouteHeader's flag field.
const (
	flagReply  uint64 = 1 << 0
	flagSystem uint64 = 1 << 1
)

// headerFields is the fixed length of the CBOR array encoding a RouteHeader.
const headerFields = 10

// RouteHeader is the out-of-band envelope attached to every mesh hop. Sid
// identifies the originating client session, AccountId the authenticated
// actor. ReplyStageId carries the originating stage of a stage-to-stage
// request so its reply can be steered back; it is deliberately not overloaded
// onto AccountId.
type RouteHeader struct {
	From         string
	MsgId        string
	MsgSeq       uint16
	ServiceId    uint16
	StageId      int64
	AccountId    int64
	Sid          int64
	ErrorCode    uint16
	IsReply      bool
	IsSystem     bool
	ReplyStageId int64
}

// MarshalCbor writes the RouteHeader as a fixed-order CBOR array.
func (h *RouteHeader) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(headerFields, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(h.From, w); err != nil {
		return fmt.Errorf("marshalling from failed: %w", err)
	}
	if err := cboring.WriteTextString(h.MsgId, w); err != nil {
		return fmt.Errorf("marshalling msgId failed: %w", err)
	}

	fields := []uint64{
		uint64(h.MsgSeq),
		uint64(h.ServiceId),
		uint64(h.StageId),
		uint64(h.AccountId),
		uint64(h.Sid),
		uint64(h.ErrorCode),
	}
	for _, field := range fields {
		if err := cboring.WriteUInt(field, w); err != nil {
			return err
		}
	}

	var flags uint64
	if h.IsReply {
		flags |= flagReply
	}
	if h.IsSystem {
		flags |= flagSystem
	}
	if err := cboring.WriteUInt(flags, w); err != nil {
		return err
	}

	return cboring.WriteUInt(uint64(h.ReplyStageId), w)
}

// UnmarshalCbor reads a RouteHeader from its CBOR representation.
func (h *RouteHeader) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != headerFields {
		return fmt.Errorf("wrong array length: %d instead of %d", l, headerFields)
	}

	var err error
	if h.From, err = cboring.ReadTextString(r); err != nil {
		return fmt.Errorf("unmarshalling from failed: %w", err)
	}
	if h.MsgId, err = cboring.ReadTextString(r); err != nil {
		return fmt.Errorf("unmarshalling msgId failed: %w", err)
	}

	fields := make([]uint64, 6)
	for i := range fields {
		if fields[i], err = cboring.ReadUInt(r); err != nil {
			return err
		}
	}
	h.MsgSeq = uint16(fields[0])
	h.ServiceId = uint16(fields[1])
	h.StageId = int64(fields[2])
	h.AccountId = int64(fields[3])
	h.Sid = int64(fields[4])
	h.ErrorCode = uint16(fields[5])

	flags, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	h.IsReply = flags&flagReply != 0
	h.IsSystem = flags&flagSystem != 0

	replyStage, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	h.ReplyStageId = int64(replyStage)

	return nil
}

func (h RouteHeader) String() string {
	return fmt.Sprintf("RouteHeader(from=%s msg=%s seq=%d svc=%d stage=%d acc=%d sid=%d err=%d reply=%v sys=%v)",
		h.From, h.MsgId, h.MsgSeq, h.ServiceId, h.StageId, h.AccountId, h.Sid,
		h.ErrorCode, h.IsReply, h.IsSystem)
}
