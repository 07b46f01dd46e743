// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wire implements the length-prefixed binary framing spoken between
// clients and a PlayHouse node. All integers are little-endian.
//
// Client to server:
//
//	Length(4) | ServiceId(2) | MsgIdLen(1) | MsgId(N) | MsgSeq(2) | StageId(8) | Body
//
// Server to client additionally carries ErrorCode(2) and OriginalSize(4)
// between StageId and Body. OriginalSize is the uncompressed body length, or
// zero if the body is not compressed. Length counts the whole frame without
// the four length bytes themselves.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/playhouse/playhouse-go/pkg/packet"
)

const (
	// DefaultMaxFrameSize is the ceiling for one frame; oversize frames are
	// a protocol violation and terminate the connection.
	DefaultMaxFrameSize = 16 * 1024 * 1024

	// DefaultCompressFrom is the body size from which outbound server
	// frames are xz-compressed.
	DefaultCompressFrom = 4096

	// DefaultMaxExpansion caps the decompressed/compressed ratio to fend
	// off decompression bombs.
	DefaultMaxExpansion = 100
)

var (
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
	ErrBadMsgId      = errors.New("wire: invalid MsgId length")
	ErrBombRejected  = errors.New("wire: decompression expansion exceeds limit")
	ErrShortFrame    = errors.New("wire: frame shorter than header")
)

// Codec holds the framing limits. The zero value is not usable; use NewCodec.
type Codec struct {
	MaxFrameSize uint32
	CompressFrom int
	MaxExpansion int
}

// NewCodec creates a Codec with the default limits.
func NewCodec() *Codec {
	return &Codec{
		MaxFrameSize: DefaultMaxFrameSize,
		CompressFrom: DefaultCompressFrom,
		MaxExpansion: DefaultMaxExpansion,
	}
}

// EncodeToServer writes a client-to-server frame. The Packet stays owned by
// the caller.
func (c *Codec) EncodeToServer(w io.Writer, serviceId uint16, p *packet.Packet) error {
	if !packet.ValidMsgId(p.MsgId) {
		return ErrBadMsgId
	}

	length := 2 + 1 + len(p.MsgId) + 2 + 8 + len(p.Payload)
	if uint32(length) > c.MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 0, 4+length)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(length))
	buf = binary.LittleEndian.AppendUint16(buf, serviceId)
	buf = append(buf, byte(len(p.MsgId)))
	buf = append(buf, p.MsgId...)
	buf = binary.LittleEndian.AppendUint16(buf, p.MsgSeq)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.StageId))
	buf = append(buf, p.Payload...)

	_, err := w.Write(buf)
	return err
}

// EncodeToClient writes a server-to-client frame, compressing the body if it
// is at least CompressFrom bytes long. The Packet stays owned by the caller.
func (c *Codec) EncodeToClient(w io.Writer, serviceId uint16, p *packet.Packet) error {
	if !packet.ValidMsgId(p.MsgId) {
		return ErrBadMsgId
	}

	body := p.Payload
	originalSize := uint32(0)

	if c.CompressFrom > 0 && len(body) >= c.CompressFrom {
		var compressed bytes.Buffer
		xzW, err := xz.NewWriter(&compressed)
		if err != nil {
			return fmt.Errorf("wire: creating xz writer: %w", err)
		}
		if _, err := xzW.Write(body); err != nil {
			return fmt.Errorf("wire: compressing body: %w", err)
		}
		if err := xzW.Close(); err != nil {
			return fmt.Errorf("wire: closing xz writer: %w", err)
		}

		// Incompressible bodies go out as-is.
		if compressed.Len() < len(body) {
			originalSize = uint32(len(body))
			body = compressed.Bytes()
		}
	}

	length := 2 + 1 + len(p.MsgId) + 2 + 8 + 2 + 4 + len(body)
	if uint32(length) > c.MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 0, 4+length)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(length))
	buf = binary.LittleEndian.AppendUint16(buf, serviceId)
	buf = append(buf, byte(len(p.MsgId)))
	buf = append(buf, p.MsgId...)
	buf = binary.LittleEndian.AppendUint16(buf, p.MsgSeq)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.StageId))
	buf = binary.LittleEndian.AppendUint16(buf, p.ErrorCode)
	buf = binary.LittleEndian.AppendUint32(buf, originalSize)
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed frame body from r.
func (c *Codec) readFrame(r io.Reader) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(lengthBuf[:])
	if length > c.MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < 13 {
		return nil, ErrShortFrame
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// DecodeFromClient reads one client-to-server frame. The returned Packet is
// owned by the caller. Blocks until a full frame arrived or r fails; partial
// frames are handled by the underlying buffered reader.
func (c *Codec) DecodeFromClient(r io.Reader) (serviceId uint16, p *packet.Packet, err error) {
	frame, err := c.readFrame(r)
	if err != nil {
		return 0, nil, err
	}

	serviceId = binary.LittleEndian.Uint16(frame[0:2])
	msgIdLen := int(frame[2])
	if msgIdLen < 1 || 3+msgIdLen+10 > len(frame) {
		return 0, nil, ErrBadMsgId
	}

	off := 3
	msgId := string(frame[off : off+msgIdLen])
	off += msgIdLen

	p = packet.NewPooled(msgId, frame[off+10:])
	p.MsgSeq = binary.LittleEndian.Uint16(frame[off : off+2])
	p.StageId = int64(binary.LittleEndian.Uint64(frame[off+2 : off+10]))
	return serviceId, p, nil
}

// DecodeFromServer reads one server-to-client frame, transparently
// decompressing the body. Used by client implementations and the test suite.
func (c *Codec) DecodeFromServer(r io.Reader) (serviceId uint16, p *packet.Packet, err error) {
	frame, err := c.readFrame(r)
	if err != nil {
		return 0, nil, err
	}

	serviceId = binary.LittleEndian.Uint16(frame[0:2])
	msgIdLen := int(frame[2])
	if msgIdLen < 1 || 3+msgIdLen+16 > len(frame) {
		return 0, nil, ErrBadMsgId
	}

	off := 3
	msgId := string(frame[off : off+msgIdLen])
	off += msgIdLen

	msgSeq := binary.LittleEndian.Uint16(frame[off : off+2])
	stageId := int64(binary.LittleEndian.Uint64(frame[off+2 : off+10]))
	errorCode := binary.LittleEndian.Uint16(frame[off+10 : off+12])
	originalSize := binary.LittleEndian.Uint32(frame[off+12 : off+16])
	body := frame[off+16:]

	if originalSize > 0 {
		if c.MaxExpansion > 0 && uint64(originalSize) > uint64(len(body))*uint64(c.MaxExpansion) {
			return 0, nil, ErrBombRejected
		}

		xzR, xzErr := xz.NewReader(bytes.NewReader(body))
		if xzErr != nil {
			return 0, nil, fmt.Errorf("wire: creating xz reader: %w", xzErr)
		}

		plain := make([]byte, 0, originalSize)
		limited := io.LimitReader(xzR, int64(originalSize)+1)
		plain, err = appendAll(plain, limited)
		if err != nil {
			return 0, nil, fmt.Errorf("wire: decompressing body: %w", err)
		}
		if uint32(len(plain)) != originalSize {
			return 0, nil, ErrBombRejected
		}
		body = plain
	}

	p = packet.NewPooled(msgId, body)
	p.MsgSeq = msgSeq
	p.StageId = stageId
	p.ErrorCode = errorCode
	return serviceId, p, nil
}

func appendAll(dst []byte, r io.Reader) ([]byte, error) {
	var chunk [4096]byte
	for {
		n, err := r.Read(chunk[:])
		dst = append(dst, chunk[:n]...)
		if err == io.EOF {
			return dst, nil
		}
		if err != nil {
			return dst, err
		}
	}
}
