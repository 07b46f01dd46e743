// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package api implements the stateless api-node side: a controller registry
// dispatching mesh packets to handlers on per-packet goroutines, plus the
// REST control surface.
package api

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/playhouse/playhouse-go/pkg/cluster"
	"github.com/playhouse/playhouse-go/pkg/mesh"
	"github.com/playhouse/playhouse-go/pkg/packet"
	"github.com/playhouse/playhouse-go/pkg/rpc"
)

// stageIdSeed leaves room below for reserved stage ids.
const stageIdSeed = 1_000_000

// MeshSender is the outbound mesh surface; implemented by mesh.Manager.
type MeshSender interface {
	Send(nodeId string, rp *mesh.RoutePacket) error
}

// Handler consumes one inbound packet on its own goroutine, borrowing p for
// the duration of the call. A nonzero error code is replied when the packet
// expects a reply and the handler did not reply itself.
type Handler func(ctx *Sender, p *packet.Packet) uint16

// Options configures an api Service.
type Options struct {
	NodeId         string
	ServiceId      uint16
	RequestTimeout time.Duration
}

// Service is the api dispatcher. Handlers are registered explicitly per
// MsgId; there is no reflection. Api nodes hold no stage state, so every
// packet is handled on a fresh goroutine.
type Service struct {
	nodeId         string
	serviceId      uint16
	requestTimeout time.Duration

	mesh   MeshSender
	cache  *rpc.Cache
	center *cluster.InfoCenter

	handlers map[string]Handler

	stageIdCounter int64

	started bool
	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewService creates an api Service. center may be nil when no
// service-addressed selection is used.
func NewService(opts Options, meshSender MeshSender, cache *rpc.Cache, center *cluster.InfoCenter) *Service {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = rpc.DefaultTimeout
	}

	return &Service{
		nodeId:         opts.NodeId,
		serviceId:      opts.ServiceId,
		requestTimeout: opts.RequestTimeout,

		mesh:   meshSender,
		cache:  cache,
		center: center,

		handlers: make(map[string]Handler),

		stageIdCounter: stageIdSeed,

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
}

// Register binds a MsgId to its Handler. Must be called before traffic
// arrives.
func (service *Service) Register(msgId string, handler Handler) {
	service.handlers[msgId] = handler
}

// NextStageId allocates a fresh stage id, monotonic and process-unique,
// seeded above the reserved range.
func (service *Service) NextStageId() int64 {
	return atomic.AddInt64(&service.stageIdCounter, 1)
}

// Start drains the given mesh receive channel until Close.
func (service *Service) Start(recv <-chan *mesh.RoutePacket) {
	service.started = true
	go func() {
		for {
			select {
			case <-service.stopSyn:
				close(service.stopAck)
				return

			case rp := <-recv:
				service.HandleRoutePacket(rp)
			}
		}
	}()
}

// HandleRoutePacket routes one inbound packet, taking ownership. Replies
// complete the request cache; everything else is dispatched to a handler
// goroutine.
func (service *Service) HandleRoutePacket(rp *mesh.RoutePacket) {
	header := rp.Header

	if header.IsReply {
		body := rp.Body
		rp.Body = nil
		if !service.cache.Complete(header.MsgSeq, header.ErrorCode, body) {
			log.WithFields(log.Fields{
				"seq":  header.MsgSeq,
				"from": header.From,
			}).Debug("Dropped reply without matching request")
		}
		return
	}

	handler, ok := service.handlers[header.MsgId]
	if !ok {
		log.WithFields(log.Fields{
			"msgId": header.MsgId,
			"from":  header.From,
		}).Warn("No handler registered for message")

		if header.MsgSeq > 0 {
			reply := mesh.NewReplyPacket(&header, service.nodeId, packet.NoHandler, nil)
			_ = service.mesh.Send(header.From, reply)
		}
		rp.Dispose()
		return
	}

	go service.invoke(handler, &header, rp.Body)
}

func (service *Service) invoke(handler Handler, header *mesh.RouteHeader, body *packet.Packet) {
	ctx := &Sender{service: service, header: header}

	defer body.Dispose()
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"msgId": header.MsgId,
				"panic": r,
			}).Error("Api handler panicked")

			if header.MsgSeq > 0 && !ctx.replied {
				ctx.ReplyError(packet.HandlerError)
			}
		}
	}()

	code := handler(ctx, body)
	if header.MsgSeq > 0 && !ctx.replied {
		ctx.ReplyError(code)
	}
}

// Close stops the drain loop.
func (service *Service) Close() {
	close(service.stopSyn)
	if service.started {
		<-service.stopAck
	}
}
