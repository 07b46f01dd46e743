// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package play

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/playhouse/playhouse-go/pkg/cluster"
	"github.com/playhouse/playhouse-go/pkg/mesh"
	"github.com/playhouse/playhouse-go/pkg/packet"
	"github.com/playhouse/playhouse-go/pkg/rpc"
	"github.com/playhouse/playhouse-go/pkg/transport"
)

// DefaultReapGrace closes a stage this long after its last connected actor
// left. Zero disables reaping.
const DefaultReapGrace = 60 * time.Second

// MeshSender is the outbound mesh surface the runtime needs; implemented by
// mesh.Manager.
type MeshSender interface {
	Send(nodeId string, rp *mesh.RoutePacket) error
}

// ClientGateway is the client-session surface the runtime needs; implemented
// by transport.Manager.
type ClientGateway interface {
	SendToClient(sid int64, serviceId uint16, p *packet.Packet) error
	BindSession(sid int64, stageId, accountId int64) bool
}

// SystemHandler consumes a system message (StageId 0), owning p.
type SystemHandler func(header *mesh.RouteHeader, p *packet.Packet)

// Options configures a play Service.
type Options struct {
	NodeId    string
	ServiceId uint16

	// AuthMsgId is the one application message an unauthenticated session
	// may send; it triggers actor authentication.
	AuthMsgId string

	// DefaultStageType is instantiated when the auth message addresses a
	// stage that does not exist yet. Empty disables create-on-demand.
	DefaultStageType string

	RequestTimeout time.Duration
	ReapGrace      time.Duration

	// Workers sizes the AsyncBlock compute pool; 0 means GOMAXPROCS.
	Workers int
}

// Service is the play dispatcher: it owns the stage table and routes every
// inbound RoutePacket to a stage mailbox, to stage creation, to the request
// cache or to a system handler.
type Service struct {
	nodeId           string
	serviceId        uint16
	authMsgId        string
	defaultStageType string
	requestTimeout   time.Duration
	reapGrace        time.Duration

	mesh    MeshSender
	clients ClientGateway
	cache   *rpc.Cache
	center  *cluster.InfoCenter

	factories map[string]Factory
	system    map[string]SystemHandler

	stagesMutex sync.Mutex
	stages      map[int64]*Stage

	pool *workerPool

	started bool
	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewService creates a play Service. center may be nil when no
// service-addressed sends are used.
func NewService(opts Options, meshSender MeshSender, clients ClientGateway, cache *rpc.Cache, center *cluster.InfoCenter) *Service {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = rpc.DefaultTimeout
	}

	return &Service{
		nodeId:           opts.NodeId,
		serviceId:        opts.ServiceId,
		authMsgId:        opts.AuthMsgId,
		defaultStageType: opts.DefaultStageType,
		requestTimeout:   opts.RequestTimeout,
		reapGrace:        opts.ReapGrace,

		mesh:    meshSender,
		clients: clients,
		cache:   cache,
		center:  center,

		factories: make(map[string]Factory),
		system:    make(map[string]SystemHandler),
		stages:    make(map[int64]*Stage),

		pool: newWorkerPool(opts.Workers),

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
}

// RegisterStageType binds a stage type name to its content factory. Must be
// called before traffic arrives.
func (service *Service) RegisterStageType(stageType string, factory Factory) {
	service.factories[stageType] = factory
}

// RegisterSystemHandler binds a system MsgId (StageId 0 traffic) to a
// handler. Must be called before traffic arrives.
func (service *Service) RegisterSystemHandler(msgId string, handler SystemHandler) {
	service.system[msgId] = handler
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

// HandleRoutePacket routes one inbound packet, taking ownership.
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

	if header.StageId == 0 {
		service.handleSystem(&header, rp)
		return
	}

	service.stagesMutex.Lock()
	stage := service.stages[header.StageId]
	service.stagesMutex.Unlock()

	if stage == nil {
		stage = service.createForPacket(&header, rp)
		if stage == nil {
			return
		}
	}

	if !stage.mb.push(message{route: rp}) {
		if header.MsgSeq > 0 {
			service.replyRoute(&header, packet.StageClosed)
		}
		rp.Dispose()
	}
}

func (service *Service) handleSystem(header *mesh.RouteHeader, rp *mesh.RoutePacket) {
	if handler, ok := service.system[header.MsgId]; ok {
		body := rp.Body
		rp.Body = nil
		handler(header, body)
		return
	}

	log.WithFields(log.Fields{
		"msgId": header.MsgId,
		"from":  header.From,
	}).Warn("No handler for system message")

	if header.MsgSeq > 0 {
		service.replyRoute(header, packet.NoHandler)
	}
	rp.Dispose()
}

// createForPacket instantiates a stage for a packet addressing a nonexistent
// stageId, if the packet is entitled to create one. Creation is serialized
// per stageId through the stage table lock; a racing loser enqueues into the
// winner's stage.
func (service *Service) createForPacket(header *mesh.RouteHeader, rp *mesh.RoutePacket) *Stage {
	var stageType string

	switch {
	case header.MsgId == MsgIdCreateStage:
		decodedType, init, err := decodeCreate(rp.Body)
		if err != nil {
			log.WithError(err).WithField("from", header.From).Warn(
				"Dropped malformed stage create request")

			if header.MsgSeq > 0 {
				service.replyRoute(header, packet.DecodeFailed)
			}
			rp.Dispose()
			return nil
		}

		rp.Body.Dispose()
		rp.Body = init
		stageType = decodedType
		if stageType == "" {
			stageType = service.defaultStageType
		}

	case header.MsgId == service.authMsgId && service.defaultStageType != "":
		stageType = service.defaultStageType

	default:
		if header.MsgSeq > 0 {
			service.replyRoute(header, packet.StageNotFound)
		}
		rp.Dispose()
		return nil
	}

	stage, errorCode := service.createStage(header.StageId, stageType)
	if stage == nil {
		if header.MsgSeq > 0 {
			service.replyRoute(header, errorCode)
		}
		rp.Dispose()
		return nil
	}
	return stage
}

// createStage inserts a new stage into the table, or returns the existing one
// when another creation won the race.
func (service *Service) createStage(stageId int64, stageType string) (*Stage, uint16) {
	factory, ok := service.factories[stageType]
	if !ok {
		log.WithField("type", stageType).Warn("No factory for stage type")
		return nil, packet.StageNotFound
	}

	service.stagesMutex.Lock()
	defer service.stagesMutex.Unlock()

	if existing, ok := service.stages[stageId]; ok {
		return existing, packet.Success
	}

	stage := newStage(service, stageId, stageType, factory())
	service.stages[stageId] = stage
	go stage.run()

	return stage, packet.Success
}

// GetStage returns a live stage by id.
func (service *Service) GetStage(stageId int64) (*Stage, bool) {
	service.stagesMutex.Lock()
	defer service.stagesMutex.Unlock()

	stage, ok := service.stages[stageId]
	return stage, ok
}

// Stages returns a snapshot of all live stages.
func (service *Service) Stages() []*Stage {
	service.stagesMutex.Lock()
	defer service.stagesMutex.Unlock()

	stages := make([]*Stage, 0, len(service.stages))
	for _, stage := range service.stages {
		stages = append(stages, stage)
	}
	return stages
}

// CloseStage requests an orderly teardown of a stage.
func (service *Service) CloseStage(stageId int64) error {
	stage, ok := service.GetStage(stageId)
	if !ok {
		return fmt.Errorf("play: no stage %d", stageId)
	}

	stage.close()
	return nil
}

func (service *Service) removeStage(stageId int64) {
	service.stagesMutex.Lock()
	delete(service.stages, stageId)
	service.stagesMutex.Unlock()
}

// replyRoute answers a request the runtime rejected itself, before any stage
// was involved.
func (service *Service) replyRoute(header *mesh.RouteHeader, errorCode uint16) {
	if header.From == service.nodeId && header.Sid != 0 {
		reply := packet.NewReply(header.MsgId, header.MsgSeq, errorCode)
		reply.StageId = header.StageId
		_ = service.clients.SendToClient(header.Sid, header.ServiceId, reply)
		return
	}

	rp := mesh.NewReplyPacket(header, service.nodeId, errorCode, nil)
	_ = service.mesh.Send(header.From, rp)
}

func (service *Service) bindSession(sid int64, stageId, accountId int64) {
	if !service.clients.BindSession(sid, stageId, accountId) {
		log.WithField("sid", sid).Debug("Session vanished before binding")
	}
}

func (service *Service) pickNode(nodeType cluster.NodeType, serviceId uint16, policy cluster.Policy, key string) (cluster.ServerInfo, bool) {
	if service.center == nil {
		return cluster.ServerInfo{}, false
	}
	return service.center.GetByService(nodeType, serviceId, policy, key)
}

// OnSessionPacket implements transport.Receiver: a client packet enters the
// dispatch pipeline with a locally built route header.
func (service *Service) OnSessionPacket(session *transport.Session, serviceId uint16, p *packet.Packet) {
	rp := &mesh.RoutePacket{
		Header: mesh.RouteHeader{
			From:      service.nodeId,
			MsgId:     p.MsgId,
			MsgSeq:    p.MsgSeq,
			ServiceId: serviceId,
			StageId:   p.StageId,
			AccountId: session.AccountId(),
			Sid:       session.Sid(),
			IsSystem:  packet.IsSystemMsgId(p.MsgId),
		},
		Body: p,
	}

	service.HandleRoutePacket(rp)
}

// OnSessionClosed implements transport.Receiver: the bound stage observes the
// disconnect; the actor persists until reaped.
func (service *Service) OnSessionClosed(session *transport.Session, reason uint16) {
	stageId := session.StageId()
	if stageId == 0 {
		return
	}

	if stage, ok := service.GetStage(stageId); ok {
		stage.notifyDisconnect(session.Sid())
	}
}

// Close tears down every stage and the compute pool. Pending requests of the
// closing stages fail with StageClosed.
func (service *Service) Close() {
	close(service.stopSyn)
	if service.started {
		<-service.stopAck
	}

	for _, stage := range service.Stages() {
		stage.close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(service.Stages()) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	service.pool.close()
}
