// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package play implements the stage-actor runtime: per-stage single-threaded
// mailbox dispatch, actor lifecycle, timers, async blocks and the dispatcher
// routing inbound packets to stages.
package play

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/playhouse/playhouse-go/pkg/mesh"
	"github.com/playhouse/playhouse-go/pkg/packet"
)

// State of a stage. Init until OnCreate succeeded, Dead after teardown.
type State uint8

const (
	StateInit State = iota
	StateLive
	StateClosing
	StateDead
)

func (state State) String() string {
	switch state {
	case StateInit:
		return "init"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// completion is the outcome of an awaited request.
type completion struct {
	errorCode uint16
	p         *packet.Packet
}

// handle couples one handler goroutine to its stage's executor. The executor
// waits on done or suspendCh; a parked handler reads its completion from
// replyChan.
type handle struct {
	done      chan struct{}
	suspendCh chan struct{}
	replyChan chan completion
}

// resumption carries a completion back to a suspended handler, in mailbox
// order.
type resumption struct {
	h *handle
	c completion
}

// Stage is one execution domain: a mailbox, a single executor and the actors
// living inside it. All fields below the mailbox are owned by the executor;
// handler goroutines may touch them because the executor is parked while a
// handler runs.
type Stage struct {
	stageId   int64
	stageType string
	service   *Service
	content   Content

	mb       *mailbox
	stopChan chan struct{}

	stateVal   uint32
	actorCount int32

	created        bool
	closeRequested bool
	actors         map[int64]*Actor
	actorsBySid    map[int64]*Actor
	suspended      map[*handle]struct{}

	reapTimer *time.Timer

	timersMutex sync.Mutex
	timers      map[int64]*stageTimer
}

func newStage(service *Service, stageId int64, stageType string, content Content) *Stage {
	return &Stage{
		stageId:   stageId,
		stageType: stageType,
		service:   service,
		content:   content,

		mb:       newMailbox(),
		stopChan: make(chan struct{}),

		actors:      make(map[int64]*Actor),
		actorsBySid: make(map[int64]*Actor),
		suspended:   make(map[*handle]struct{}),
		timers:      make(map[int64]*stageTimer),
	}
}

// StageId of this stage.
func (s *Stage) StageId() int64 { return s.stageId }

// StageType names the registered factory this stage was built from.
func (s *Stage) StageType() string { return s.stageType }

// State returns the stage's lifecycle state.
func (s *Stage) State() State { return State(atomic.LoadUint32(&s.stateVal)) }

func (s *Stage) setState(state State) { atomic.StoreUint32(&s.stateVal, uint32(state)) }

// ActorCount is the number of actors currently in the stage.
func (s *Stage) ActorCount() int { return int(atomic.LoadInt32(&s.actorCount)) }

// MailboxLen is the number of queued, not yet handled messages.
func (s *Stage) MailboxLen() int { return s.mb.Len() }

func (s *Stage) log() *log.Entry {
	return log.WithFields(log.Fields{
		"stage": s.stageId,
		"type":  s.stageType,
	})
}

// post enqueues a continuation to run on the executor.
func (s *Stage) post(fn func(ctx *Sender)) bool {
	return s.mb.push(message{post: fn})
}

// run is the executor loop. One goroutine per stage; exits when the stage is
// dead.
func (s *Stage) run() {
	for {
		msg, ok := s.mb.pop()
		if !ok {
			if !s.mb.wait(s.stopChan) {
				return
			}
			continue
		}

		s.handle(msg)

		if s.closeRequested && s.State() != StateDead {
			s.shutdown()
		}
		if s.State() == StateDead {
			return
		}
	}
}

func (s *Stage) handle(msg message) {
	switch {
	case msg.route != nil:
		s.handleRoute(msg.route)

	case msg.post != nil:
		s.runStep(nil, func(ctx *Sender) { msg.post(ctx) })

	case msg.resume != nil:
		delete(s.suspended, msg.resume.h)
		msg.resume.h.replyChan <- msg.resume.c
		s.await(msg.resume.h)
	}
}

// runStep executes one handler as a goroutine coupled to the executor. The
// executor blocks until the handler finishes or suspends, preserving the
// one-handler-per-stage invariant.
func (s *Stage) runStep(header *mesh.RouteHeader, fn func(ctx *Sender)) {
	h := &handle{
		done:      make(chan struct{}),
		suspendCh: make(chan struct{}),
		replyChan: make(chan completion),
	}
	ctx := &Sender{stage: s, header: header, handle: h}

	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				s.log().WithField("panic", r).Error("Stage handler panicked")

				if header != nil && header.MsgSeq > 0 && !header.IsReply && !ctx.replied {
					ctx.ReplyError(packet.HandlerError)
				}
			}
		}()

		fn(ctx)
	}()

	s.await(h)
}

func (s *Stage) await(h *handle) {
	select {
	case <-h.done:
	case <-h.suspendCh:
		s.suspended[h] = struct{}{}
	}
}

func (s *Stage) handleRoute(rp *mesh.RoutePacket) {
	header := rp.Header
	body := rp.Body

	if !s.created {
		s.handleCreate(&header, body)
		return
	}

	// A lost creation race lands its create request on the winner's stage.
	if header.MsgId == MsgIdCreateStage {
		s.runStep(&header, func(ctx *Sender) {
			defer body.Dispose()
			ctx.ReplyError(packet.Success)
		})
		return
	}

	s.dispatch(&header, body)
}

// handleCreate runs OnCreate with the stage's first packet. An explicit
// create request is answered directly; a create-on-demand trigger continues
// into normal dispatch afterwards.
func (s *Stage) handleCreate(header *mesh.RouteHeader, body *packet.Packet) {
	s.runStep(header, func(ctx *Sender) {
		defer body.Dispose()

		if code := s.content.OnCreate(ctx, body); code != packet.Success {
			s.log().WithField("errorCode", packet.ErrorName(code)).Warn(
				"Stage creation rejected by content")

			if !ctx.replied {
				ctx.ReplyError(code)
			}
			s.closeRequested = true
			return
		}

		s.created = true
		s.setState(StateLive)
		s.log().Info("Stage created")

		s.content.OnPostCreate(ctx)

		if header.MsgId == MsgIdCreateStage {
			if !ctx.replied {
				ctx.ReplyError(packet.Success)
			}
			return
		}

		code := s.step(ctx, header, body)
		if header.MsgSeq > 0 && !header.IsReply && !ctx.replied {
			ctx.ReplyError(code)
		}
	})
}

func (s *Stage) dispatch(header *mesh.RouteHeader, body *packet.Packet) {
	s.runStep(header, func(ctx *Sender) {
		defer body.Dispose()

		code := s.step(ctx, header, body)
		if header.MsgSeq > 0 && !header.IsReply && !ctx.replied {
			ctx.ReplyError(code)
		}
	})
}

// step resolves the target actor and invokes the content. Runs inside a
// handler goroutine.
func (s *Stage) step(ctx *Sender, header *mesh.RouteHeader, body *packet.Packet) uint16 {
	var actor *Actor

	if header.Sid != 0 {
		actor = s.actorsBySid[header.Sid]
		if actor == nil {
			if header.MsgId == s.service.authMsgId {
				return s.authenticate(ctx, header, body)
			}
			if header.AccountId != 0 {
				actor = s.actors[header.AccountId]
			}
		}
	} else if header.AccountId != 0 {
		actor = s.actors[header.AccountId]
	}

	return s.content.OnDispatch(ctx, actor, body)
}

func (s *Stage) authenticate(ctx *Sender, header *mesh.RouteHeader, body *packet.Packet) uint16 {
	actorContent := s.content.CreateActor(header.Sid)

	accountId, code := actorContent.OnAuthenticate(ctx, body)
	if code != packet.Success {
		return code
	}
	if accountId == 0 {
		return packet.AuthFailed
	}

	if existing, ok := s.actors[accountId]; ok {
		// The account is already here; this is a reconnect. The fresh actor
		// content is discarded, the session rebound.
		delete(s.actorsBySid, existing.Sid)
		existing.Sid = header.Sid
		existing.connected = true
		s.actorsBySid[header.Sid] = existing

		s.cancelReap()
		s.service.bindSession(header.Sid, s.stageId, accountId)
		s.content.OnConnectionChanged(ctx, existing, true)
		return packet.Success
	}

	actor := &Actor{
		AccountId: accountId,
		Sid:       header.Sid,
		Content:   actorContent,
		connected: true,
	}

	if !s.content.OnJoinStage(ctx, actor) {
		s.log().WithField("account", accountId).Info("Stage rejected joining actor")
		return packet.AuthFailed
	}

	s.actors[accountId] = actor
	s.actorsBySid[header.Sid] = actor
	atomic.AddInt32(&s.actorCount, 1)

	s.cancelReap()
	s.service.bindSession(header.Sid, s.stageId, accountId)

	s.content.OnPostJoinStage(ctx, actor)
	actorContent.OnPostAuthenticate(ctx)

	s.log().WithFields(log.Fields{
		"account": accountId,
		"sid":     header.Sid,
	}).Info("Actor joined stage")

	return packet.Success
}

// notifyDisconnect is called off-executor when the actor's session died.
func (s *Stage) notifyDisconnect(sid int64) {
	s.post(func(ctx *Sender) {
		actor := s.actorsBySid[sid]
		if actor == nil {
			return
		}

		actor.connected = false
		s.content.OnConnectionChanged(ctx, actor, false)
		s.scheduleReap()
	})
}

func (s *Stage) removeActor(ctx *Sender, accountId int64) {
	actor, ok := s.actors[accountId]
	if !ok {
		return
	}

	delete(s.actors, accountId)
	delete(s.actorsBySid, actor.Sid)
	atomic.AddInt32(&s.actorCount, -1)

	actor.Content.OnDestroy(ctx)
	s.scheduleReap()
}

func (s *Stage) anyConnected() bool {
	for _, actor := range s.actors {
		if actor.connected {
			return true
		}
	}
	return false
}

// scheduleReap arms the idle-stage grace timer once no connected actor
// remains. Runs on the executor.
func (s *Stage) scheduleReap() {
	grace := s.service.reapGrace
	if grace <= 0 || s.anyConnected() {
		return
	}

	s.cancelReap()
	s.reapTimer = time.AfterFunc(grace, func() {
		s.post(func(ctx *Sender) {
			if s.anyConnected() {
				return
			}

			s.log().Info("Stage idle past grace period, closing")
			s.closeRequested = true
		})
	})
}

func (s *Stage) cancelReap() {
	if s.reapTimer != nil {
		s.reapTimer.Stop()
		s.reapTimer = nil
	}
}

// close requests an orderly teardown from outside the executor.
func (s *Stage) close() {
	s.post(func(ctx *Sender) {
		s.closeRequested = true
	})
}

// shutdown tears the stage down on the executor: drain the mailbox, cancel
// timers, resolve suspended handlers, destroy actors and content.
func (s *Stage) shutdown() {
	s.setState(StateClosing)
	s.log().Info("Stage closing")

	for _, msg := range s.mb.close() {
		switch {
		case msg.route != nil:
			header := msg.route.Header
			if header.MsgSeq > 0 && !header.IsReply {
				s.service.replyRoute(&header, packet.StageClosed)
			}
			msg.route.Dispose()

		case msg.resume != nil:
			// The parked handler is resolved below with StageClosed.
			if msg.resume.c.p != nil {
				msg.resume.c.p.Dispose()
			}
		}
	}

	s.cancelReap()
	s.cancelAllTimers()
	s.resolveSuspended()

	s.service.cache.FailOwner(s.stageId, packet.StageClosed)

	for accountId, actor := range s.actors {
		a := actor
		s.runStep(nil, func(ctx *Sender) { a.Content.OnDestroy(ctx) })
		delete(s.actors, accountId)
		delete(s.actorsBySid, a.Sid)
		atomic.AddInt32(&s.actorCount, -1)
	}
	s.resolveSuspended()

	if s.created {
		s.runStep(nil, func(ctx *Sender) { s.content.OnDestroy(ctx) })
		s.resolveSuspended()
	}

	s.setState(StateDead)
	s.service.removeStage(s.stageId)
	close(s.stopChan)

	s.log().Info("Stage closed")
}

// resolveSuspended unparks every suspended handler with StageClosed and waits
// for it to finish.
func (s *Stage) resolveSuspended() {
	for len(s.suspended) > 0 {
		for h := range s.suspended {
			delete(s.suspended, h)
			h.replyChan <- completion{errorCode: packet.StageClosed}
			s.await(h)
			break
		}
	}
}
