// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package packet defines the opaque message unit exchanged between clients,
// sessions, stages and peer nodes. A Packet's payload is an owned byte buffer;
// ownership wanders exactly once from its creator into the consuming component
// and ends with Dispose.
package packet

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// payloadPool recycles payload buffers of the common small message sizes.
var payloadPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 512)
		return &b
	},
}

// Packet is one message. MsgId selects the handler, MsgSeq correlates a reply
// with its request (0 = fire-and-forget), StageId addresses an execution
// domain and ErrorCode is only meaningful on replies.
type Packet struct {
	MsgId     string
	Payload   []byte
	MsgSeq    uint16
	StageId   int64
	ErrorCode uint16

	pooled   bool
	disposed uint32
}

// New creates a Packet owning the given payload. The payload slice must not
// be used by the caller afterwards.
func New(msgId string, payload []byte) *Packet {
	return &Packet{
		MsgId:   msgId,
		Payload: payload,
	}
}

// NewPooled creates a Packet whose payload buffer is taken from an internal
// pool and filled with a copy of body. Dispose returns the buffer.
func NewPooled(msgId string, body []byte) *Packet {
	buf := *(payloadPool.Get().(*[]byte))
	buf = append(buf[:0], body...)

	return &Packet{
		MsgId:   msgId,
		Payload: buf,
		pooled:  true,
	}
}

// NewReply creates an empty reply Packet for the given request coordinates.
func NewReply(msgId string, msgSeq uint16, errorCode uint16) *Packet {
	return &Packet{
		MsgId:     msgId,
		MsgSeq:    msgSeq,
		ErrorCode: errorCode,
	}
}

// Move transfers ownership to the caller, leaving the original Packet
// disposed. The returned Packet must be Disposed by its new owner.
func (p *Packet) Move() *Packet {
	if !atomic.CompareAndSwapUint32(&p.disposed, 0, 1) {
		panic(fmt.Sprintf("packet %s moved after dispose", p.MsgId))
	}

	moved := &Packet{
		MsgId:     p.MsgId,
		Payload:   p.Payload,
		MsgSeq:    p.MsgSeq,
		StageId:   p.StageId,
		ErrorCode: p.ErrorCode,
		pooled:    p.pooled,
	}

	p.Payload = nil
	return moved
}

// Clone returns an independent deep copy; the original stays owned by its
// current holder.
func (p *Packet) Clone() *Packet {
	buf := *(payloadPool.Get().(*[]byte))
	buf = append(buf[:0], p.Payload...)

	return &Packet{
		MsgId:     p.MsgId,
		Payload:   buf,
		MsgSeq:    p.MsgSeq,
		StageId:   p.StageId,
		ErrorCode: p.ErrorCode,
		pooled:    true,
	}
}

// Dispose releases the payload. Calling Dispose twice panics, as this always
// indicates a double-ownership bug somewhere upstream.
func (p *Packet) Dispose() {
	if !atomic.CompareAndSwapUint32(&p.disposed, 0, 1) {
		panic(fmt.Sprintf("packet %s disposed twice", p.MsgId))
	}

	if p.pooled && p.Payload != nil {
		buf := p.Payload[:0]
		payloadPool.Put(&buf)
	}
	p.Payload = nil
}

// Disposed reports whether ownership of this Packet has ended.
func (p *Packet) Disposed() bool {
	return atomic.LoadUint32(&p.disposed) != 0
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet(%s seq=%d stage=%d err=%d len=%d)",
		p.MsgId, p.MsgSeq, p.StageId, p.ErrorCode, len(p.Payload))
}
