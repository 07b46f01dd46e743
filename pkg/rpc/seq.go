// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package rpc provides the request/reply correlation machinery: the
// process-wide msgSeq counter and the request cache holding every in-flight
// request until its reply arrives, its deadline passes or its transport dies.
package rpc

import "sync/atomic"

var seqCounter uint32

// NextSeq returns the next request sequence number. Sequence numbers are
// process-wide, wrap at 65535 and never return 0, since 0 marks
// fire-and-forget messages.
func NextSeq() uint16 {
	for {
		seq := uint16(atomic.AddUint32(&seqCounter, 1))
		if seq != 0 {
			return seq
		}
	}
}
