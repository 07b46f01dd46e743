// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package play

import (
	"runtime"

	log "github.com/sirupsen/logrus"
)

// workerPool is the shared compute pool behind AsyncBlock: one pool per
// Service, sized to the CPU count. Stage executors stay untouched; only the
// work function of an AsyncBlock runs here.
type workerPool struct {
	tasks   chan func()
	stopSyn chan struct{}
	stopAck chan struct{}
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	pool := &workerPool{
		tasks:   make(chan func(), 4*workers),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	var acks = make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		go pool.work(acks)
	}
	go func() {
		for i := 0; i < workers; i++ {
			<-acks
		}
		close(pool.stopAck)
	}()

	return pool
}

func (pool *workerPool) work(ack chan<- struct{}) {
	defer func() { ack <- struct{}{} }()

	for {
		select {
		case <-pool.stopSyn:
			return

		case task := <-pool.tasks:
			pool.runTask(task)
		}
	}
}

func (pool *workerPool) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Async block work function panicked")
		}
	}()

	task()
}

// submit enqueues a task, blocking when all workers are busy and the backlog
// is full.
func (pool *workerPool) submit(task func()) {
	select {
	case pool.tasks <- task:
	case <-pool.stopSyn:
	}
}

func (pool *workerPool) close() {
	close(pool.stopSyn)
	<-pool.stopAck
}
