// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rpc

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/playhouse/playhouse-go/pkg/packet"
)

// DefaultTimeout is the request deadline when the caller passes none.
const DefaultTimeout = 30 * time.Second

// sweepInterval is the granularity of the deadline sweeper.
const sweepInterval = 250 * time.Millisecond

// Callback consumes the completion of a request: a reply packet on success,
// or a nil packet plus a nonzero error code on failure. The callback owns the
// packet. Completion callbacks run on the completer's goroutine; callers
// needing stage affinity wrap the callback so it posts into their mailbox.
type Callback func(errorCode uint16, p *packet.Packet)

type entry struct {
	seq      uint16
	nodeId   string
	owner    int64
	deadline time.Time
	callback Callback
}

// Cache is the process-wide table of in-flight requests keyed by msgSeq.
// Every entry is completed exactly once: by its reply, by its deadline or by
// transport loss.
type Cache struct {
	mutex   sync.Mutex
	entries map[uint16]*entry

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewCache creates a Cache and starts its deadline sweeper.
func NewCache() *Cache {
	cache := &Cache{
		entries: make(map[uint16]*entry),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	go cache.sweep()

	return cache
}

func (cache *Cache) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cache.stopSyn:
			close(cache.stopAck)
			return

		case now := <-ticker.C:
			cache.expire(now)
		}
	}
}

func (cache *Cache) expire(now time.Time) {
	var expired []*entry

	cache.mutex.Lock()
	for seq, e := range cache.entries {
		if e.deadline.Before(now) {
			delete(cache.entries, seq)
			expired = append(expired, e)
		}
	}
	cache.mutex.Unlock()

	for _, e := range expired {
		log.WithFields(log.Fields{
			"seq":  e.seq,
			"node": e.nodeId,
		}).Debug("Request cache entry timed out")

		e.callback(packet.RequestTimeout, nil)
	}
}

// Register adds an in-flight request. nodeId names the peer the request went
// to, owner the originating stage (0 for stateless callers). Duplicate
// sequence numbers are rejected; with 65535 usable sequence numbers this
// means the process exceeded its in-flight budget.
func (cache *Cache) Register(seq uint16, nodeId string, owner int64, timeout time.Duration, callback Callback) error {
	if seq == 0 {
		return fmt.Errorf("rpc: cannot register fire-and-forget seq 0")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if _, exists := cache.entries[seq]; exists {
		return fmt.Errorf("rpc: duplicate in-flight seq %d", seq)
	}

	cache.entries[seq] = &entry{
		seq:      seq,
		nodeId:   nodeId,
		owner:    owner,
		deadline: time.Now().Add(timeout),
		callback: callback,
	}
	return nil
}

// Complete fulfills the request with the given reply, transferring ownership
// of p into the entry's callback. Late or unknown replies are dropped and
// reported as false.
func (cache *Cache) Complete(seq uint16, errorCode uint16, p *packet.Packet) bool {
	if seq == 0 {
		if p != nil {
			p.Dispose()
		}
		return false
	}

	cache.mutex.Lock()
	e, exists := cache.entries[seq]
	if exists {
		delete(cache.entries, seq)
	}
	cache.mutex.Unlock()

	if !exists {
		if p != nil {
			p.Dispose()
		}
		return false
	}

	e.callback(errorCode, p)
	return true
}

// FailAll completes every outstanding entry with the given error code, used
// on process shutdown.
func (cache *Cache) FailAll(errorCode uint16) {
	cache.failWhere(errorCode, func(*entry) bool { return true })
}

// FailPeer fails every entry whose request was routed to the given node,
// used when the mesh connection to that peer drops.
func (cache *Cache) FailPeer(nodeId string, errorCode uint16) {
	cache.failWhere(errorCode, func(e *entry) bool { return e.nodeId == nodeId })
}

// FailOwner fails every entry originated by the given stage, used when a
// stage closes with requests still in flight.
func (cache *Cache) FailOwner(owner int64, errorCode uint16) {
	cache.failWhere(errorCode, func(e *entry) bool { return e.owner == owner })
}

func (cache *Cache) failWhere(errorCode uint16, match func(*entry) bool) {
	var failed []*entry

	cache.mutex.Lock()
	for seq, e := range cache.entries {
		if match(e) {
			delete(cache.entries, seq)
			failed = append(failed, e)
		}
	}
	cache.mutex.Unlock()

	for _, e := range failed {
		e.callback(errorCode, nil)
	}
}

// Outstanding returns the number of in-flight requests.
func (cache *Cache) Outstanding() int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return len(cache.entries)
}

// Close stops the sweeper and fails all remaining entries.
func (cache *Cache) Close() {
	close(cache.stopSyn)
	<-cache.stopAck

	cache.FailAll(packet.ConnectionClosed)
}
