// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package play

import (
	"sync"

	"github.com/playhouse/playhouse-go/pkg/mesh"
)

// message is one mailbox item. Exactly one of its fields is set.
type message struct {
	// route is an inbound packet addressed to this stage.
	route *mesh.RoutePacket

	// post is a deferred continuation: a reply completion, an async-block
	// result or a timer fire. It runs on the executor.
	post func(ctx *Sender)

	// resume hands a completion to a suspended handler.
	resume *resumption
}

// mailbox is the unbounded FIFO queue feeding a stage's executor. Unbounded
// logically, but measured: Len is exposed for operators.
type mailbox struct {
	mutex  sync.Mutex
	queue  []message
	signal chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{
		signal: make(chan struct{}, 1),
	}
}

// push enqueues a message, reporting false if the mailbox was closed.
func (mb *mailbox) push(msg message) bool {
	mb.mutex.Lock()
	if mb.closed {
		mb.mutex.Unlock()
		return false
	}
	mb.queue = append(mb.queue, msg)
	mb.mutex.Unlock()

	select {
	case mb.signal <- struct{}{}:
	default:
	}
	return true
}

// pop dequeues the next message without blocking.
func (mb *mailbox) pop() (message, bool) {
	mb.mutex.Lock()
	defer mb.mutex.Unlock()

	if len(mb.queue) == 0 {
		return message{}, false
	}

	msg := mb.queue[0]
	mb.queue[0] = message{}
	mb.queue = mb.queue[1:]
	return msg, true
}

// wait blocks until a push happened or the stop channel fires.
func (mb *mailbox) wait(stop <-chan struct{}) bool {
	select {
	case <-mb.signal:
		return true
	case <-stop:
		return false
	}
}

// close marks the mailbox closed and returns everything still queued.
func (mb *mailbox) close() []message {
	mb.mutex.Lock()
	defer mb.mutex.Unlock()

	mb.closed = true
	rest := mb.queue
	mb.queue = nil
	return rest
}

// Len is the number of queued messages.
func (mb *mailbox) Len() int {
	mb.mutex.Lock()
	defer mb.mutex.Unlock()

	return len(mb.queue)
}
