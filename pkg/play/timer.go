// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package play

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimerFunc runs on the stage executor for every fire. tick counts from 1.
type TimerFunc func(ctx *Sender, tick int64)

// timerIdCounter generates process-unique timer ids.
var timerIdCounter int64

type stageTimer struct {
	id       int64
	stopSyn  chan struct{}
	stopOnce sync.Once
}

func (t *stageTimer) cancel() {
	t.stopOnce.Do(func() { close(t.stopSyn) })
}

// startTimer schedules a timer whose fires are enqueued into the stage's
// mailbox; the callback never runs off-executor. count <= 0 repeats forever.
func (s *Stage) startTimer(initialDelay, interval time.Duration, count int64, fn TimerFunc) int64 {
	t := &stageTimer{
		id:      atomic.AddInt64(&timerIdCounter, 1),
		stopSyn: make(chan struct{}),
	}

	s.timersMutex.Lock()
	s.timers[t.id] = t
	s.timersMutex.Unlock()

	go func() {
		defer s.dropTimer(t.id)

		clock := time.NewTimer(initialDelay)
		defer clock.Stop()

		for tick := int64(1); ; tick++ {
			select {
			case <-t.stopSyn:
				return

			case <-clock.C:
				n := tick
				if !s.post(func(ctx *Sender) { fn(ctx, n) }) {
					return
				}

				if count > 0 && tick >= count {
					return
				}
				clock.Reset(interval)
			}
		}
	}()

	return t.id
}

func (s *Stage) dropTimer(id int64) {
	s.timersMutex.Lock()
	delete(s.timers, id)
	s.timersMutex.Unlock()
}

func (s *Stage) cancelTimer(id int64) {
	s.timersMutex.Lock()
	t := s.timers[id]
	s.timersMutex.Unlock()

	if t != nil {
		t.cancel()
	}
}

func (s *Stage) cancelAllTimers() {
	s.timersMutex.Lock()
	timers := make([]*stageTimer, 0, len(s.timers))
	for _, t := range s.timers {
		timers = append(timers, t)
	}
	s.timersMutex.Unlock()

	for _, t := range timers {
		t.cancel()
	}
}
