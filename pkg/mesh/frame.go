// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/howeyc/crc16"

	"github.com/playhouse/playhouse-go/pkg/packet"
)

// Mesh frame: Length(4, LE) | CRC16(2, BE) | CBOR RouteHeader | payload.
// Length counts CRC and body. The checksum covers the body only and guards
// against corrupt peer frames; a mismatch poisons the whole connection since
// frame boundaries can no longer be trusted.

const (
	// MaxMeshFrameSize bounds one peer frame.
	MaxMeshFrameSize = 64 * 1024 * 1024

	frameOverhead = 2 // checksum
)

var (
	ErrMeshFrameTooLarge = errors.New("mesh: frame exceeds maximum size")
	ErrChecksumMismatch  = errors.New("mesh: frame checksum mismatch")
)

var crcTable = crc16.MakeTable(crc16.CCITT)

// WriteRoutePacket writes rp as one frame. Ownership of rp stays with the
// caller; callers on the send path Dispose after a successful write.
func WriteRoutePacket(w io.Writer, rp *RoutePacket) error {
	var body bytes.Buffer
	if err := rp.Header.MarshalCbor(&body); err != nil {
		return err
	}
	if rp.Body != nil {
		body.Write(rp.Body.Payload)
	}

	if uint64(body.Len())+frameOverhead > MaxMeshFrameSize {
		return ErrMeshFrameTooLarge
	}

	var prefix [6]byte
	binary.LittleEndian.PutUint32(prefix[0:4], uint32(body.Len()+frameOverhead))
	binary.BigEndian.PutUint16(prefix[4:6], crc16.Checksum(body.Bytes(), crcTable))

	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := body.WriteTo(w)
	return err
}

// ReadRoutePacket reads one frame and rebuilds the RoutePacket. The returned
// packet is owned by the caller.
func ReadRoutePacket(r io.Reader) (*RoutePacket, error) {
	var prefix [6]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(prefix[0:4])
	if length > MaxMeshFrameSize {
		return nil, ErrMeshFrameTooLarge
	}
	if length < frameOverhead {
		return nil, ErrChecksumMismatch
	}

	body := make([]byte, length-frameOverhead)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	if crc16.Checksum(body, crcTable) != binary.BigEndian.Uint16(prefix[4:6]) {
		return nil, ErrChecksumMismatch
	}

	buff := bytes.NewBuffer(body)

	rp := new(RoutePacket)
	if err := rp.Header.UnmarshalCbor(buff); err != nil {
		return nil, err
	}

	rp.Body = packet.NewPooled(rp.Header.MsgId, buff.Bytes())
	rp.Body.MsgSeq = rp.Header.MsgSeq
	rp.Body.StageId = rp.Header.StageId
	rp.Body.ErrorCode = rp.Header.ErrorCode

	return rp, nil
}
