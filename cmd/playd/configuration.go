// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/playhouse/playhouse-go/pkg/api"
	"github.com/playhouse/playhouse-go/pkg/cluster"
	"github.com/playhouse/playhouse-go/pkg/journal"
	"github.com/playhouse/playhouse-go/pkg/mesh"
	"github.com/playhouse/playhouse-go/pkg/packet"
	"github.com/playhouse/playhouse-go/pkg/play"
	"github.com/playhouse/playhouse-go/pkg/rpc"
	"github.com/playhouse/playhouse-go/pkg/transport"
	"github.com/playhouse/playhouse-go/pkg/wire"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Node    nodeConf
	Logging logConf
	Listen  []listenConf
	Mesh    meshConf
	Peer    []peerConf
	Cluster clusterConf
	Rest    restConf
	Journal journalConf
}

// nodeConf describes the Node-configuration block.
type nodeConf struct {
	NodeId           string `toml:"node-id"`
	Type             string
	ServiceId        uint16 `toml:"service-id"`
	AuthMsgId        string `toml:"auth-msgid"`
	DefaultStageType string `toml:"default-stage-type"`
	RequestTimeout   uint   `toml:"request-timeout"`
	ReapGrace        uint   `toml:"reap-grace"`
	HeartbeatTimeout uint   `toml:"heartbeat-timeout"`
	Workers          int
	Weight           int
	Profiling        bool
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
	LiveReload   bool `toml:"live-reload"`
}

// listenConf describes one client listener, protocol tcp, tls, ws or wss.
type listenConf struct {
	Protocol string
	Endpoint string
	Cert     string
	Key      string
}

// meshConf describes the Mesh-configuration block.
type meshConf struct {
	Protocol  string
	Endpoint  string
	Advertise string
}

// peerConf describes a static mesh peer.
type peerConf struct {
	Endpoint string
}

// clusterConf describes the multicast discovery block.
type clusterConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
	TTL      uint
}

// restConf describes the REST control surface of an api node.
type restConf struct {
	Listen string
}

// journalConf describes the debug journal block.
type journalConf struct {
	Dir       string
	Retention uint64
	Enabled   bool
}

// daemon bundles every running component of a playd node for teardown.
type daemon struct {
	center    *cluster.InfoCenter
	cache     *rpc.Cache
	meshMgr   *mesh.Manager
	discovery *cluster.Discovery
	journal   *journal.Journal

	transportMgr *transport.Manager
	playService  *play.Service

	apiService *api.Service
	rest       *api.Rest

	watcher *fsnotify.Watcher

	selfStop chan struct{}
}

// Close tears the node down: stop taking traffic first, then the dispatchers,
// then the mesh.
func (d *daemon) Close() {
	if d.selfStop != nil {
		close(d.selfStop)
	}
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	if d.discovery != nil {
		d.discovery.Close()
	}
	if d.transportMgr != nil {
		if err := d.transportMgr.Close(); err != nil {
			log.WithError(err).Warn("Closing client transport erred")
		}
	}
	if d.rest != nil {
		if err := d.rest.Close(); err != nil {
			log.WithError(err).Warn("Closing REST surface erred")
		}
	}
	if d.playService != nil {
		d.playService.Close()
	}
	if d.apiService != nil {
		d.apiService.Close()
	}
	if err := d.meshMgr.Close(); err != nil {
		log.WithError(err).Warn("Closing mesh erred")
	}
	d.cache.Close()
	d.center.Close()
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			log.WithError(err).Warn("Closing journal erred")
		}
	}
}

// journalingMesh records outbound mesh traffic before forwarding.
type journalingMesh struct {
	manager *mesh.Manager
	journal *journal.Journal
}

func (jm *journalingMesh) Send(nodeId string, rp *mesh.RoutePacket) error {
	var size int
	if rp.Body != nil {
		size = len(rp.Body.Payload)
	}

	jm.journal.Record(journal.Entry{
		At:        time.Now(),
		Direction: journal.DirectionOut,
		NodeId:    nodeId,
		MsgId:     rp.Header.MsgId,
		MsgSeq:    rp.Header.MsgSeq,
		StageId:   rp.Header.StageId,
		ErrorCode: rp.Header.ErrorCode,
		Size:      size,
	})
	return jm.manager.Send(nodeId, rp)
}

// journalingReceiver records inbound client traffic before forwarding.
type journalingReceiver struct {
	next    transport.Receiver
	journal *journal.Journal
}

func (jr *journalingReceiver) OnSessionPacket(session *transport.Session, serviceId uint16, p *packet.Packet) {
	jr.journal.Record(journal.Entry{
		At:        time.Now(),
		Direction: journal.DirectionIn,
		NodeId:    fmt.Sprintf("sid:%d", session.Sid()),
		MsgId:     p.MsgId,
		MsgSeq:    p.MsgSeq,
		StageId:   p.StageId,
		Size:      len(p.Payload),
	})
	jr.next.OnSessionPacket(session, serviceId, p)
}

func (jr *journalingReceiver) OnSessionClosed(session *transport.Session, reason uint16) {
	jr.next.OnSessionClosed(session, reason)
}

func parseListenPort(endpoint string) (port uint, err error) {
	_, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return
	}

	portInt, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}

	port = uint(portInt)
	return
}

// parseLogging applies the Logging block to logrus.
func parseLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// watchLogging re-applies the Logging block whenever the configuration file
// changes, so an operator can raise the log level of a running node.
func watchLogging(filename string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filename); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				var conf tomlConfig
				if _, err := toml.DecodeFile(filename, &conf); err != nil {
					log.WithError(err).Warn("Failed to re-read configuration")
					continue
				}

				parseLogging(conf.Logging)
				log.WithField("level", log.GetLevel()).Info("Reloaded logging configuration")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Configuration watcher erred")
			}
		}
	}()

	return watcher, nil
}

// parseClientListener builds one client-facing transport Listener.
func parseClientListener(conf listenConf) (transport.Listener, error) {
	var tlsConfig *tls.Config
	switch conf.Protocol {
	case "tls", "wss":
		cert, err := tls.LoadX509KeyPair(conf.Cert, conf.Key)
		if err != nil {
			return nil, fmt.Errorf("loading key pair for %s listener: %w", conf.Protocol, err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	switch conf.Protocol {
	case "tcp":
		return transport.ListenTCP(conf.Endpoint), nil
	case "tls":
		return transport.ListenTLS(conf.Endpoint, tlsConfig), nil
	case "ws":
		return transport.ListenWebSocket(conf.Endpoint, nil), nil
	case "wss":
		return transport.ListenWebSocket(conf.Endpoint, tlsConfig), nil
	default:
		return nil, fmt.Errorf("unknown listen.protocol %q", conf.Protocol)
	}
}

// parseMeshListener builds the node's mesh listener.
func parseMeshListener(conf meshConf) (mesh.Listener, error) {
	switch conf.Protocol {
	case "", "tcp":
		return mesh.ListenTCP(conf.Endpoint), nil
	case "quic":
		return mesh.ListenQUIC(conf.Endpoint), nil
	default:
		return nil, fmt.Errorf("unknown mesh.protocol %q", conf.Protocol)
	}
}

// parseDaemon creates a running node from the given TOML configuration.
func parseDaemon(filename string) (d *daemon, profiling bool, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	parseLogging(conf.Logging)

	if conf.Node.NodeId == "" {
		err = fmt.Errorf("node.node-id is empty")
		return
	}

	nodeType, err := cluster.ParseNodeType(conf.Node.Type)
	if err != nil {
		return
	}

	if conf.Mesh.Endpoint == "" {
		err = fmt.Errorf("mesh.endpoint is empty")
		return
	}

	advertise := conf.Mesh.Advertise
	if advertise == "" {
		advertise = fmt.Sprintf("%s://%s", orTcp(conf.Mesh.Protocol), conf.Mesh.Endpoint)
	}

	d = &daemon{
		center:   cluster.NewInfoCenter(time.Duration(conf.Cluster.TTL) * time.Second),
		cache:    rpc.NewCache(),
		selfStop: make(chan struct{}),
	}
	defer func() {
		if err != nil && d != nil {
			d.Close()
			d = nil
		}
	}()

	profiling = conf.Node.Profiling

	if conf.Logging.LiveReload {
		if d.watcher, err = watchLogging(filename); err != nil {
			return
		}
	}

	if conf.Journal.Dir != "" {
		if d.journal, err = journal.Open(conf.Journal.Dir, conf.Journal.Retention); err != nil {
			return
		}
		d.journal.SetEnabled(conf.Journal.Enabled)
	}

	// Mesh
	d.meshMgr = mesh.NewManager(conf.Node.NodeId, conf.Node.ServiceId, advertise)
	d.meshMgr.Resolver = d.center.Resolve
	d.meshMgr.OnPeerUp = func(nodeId string, serviceId uint16, endpoint string) {
		d.center.Touch(nodeId)
	}
	d.meshMgr.OnPeerDown = func(nodeId string) {
		d.cache.FailPeer(nodeId, packet.ConnectionClosed)
	}

	meshListener, err := parseMeshListener(conf.Mesh)
	if err != nil {
		return
	}
	if err = d.meshMgr.AddListener(meshListener); err != nil {
		return
	}

	for _, peer := range conf.Peer {
		d.meshMgr.Dial(peer.Endpoint, true)
	}

	var meshSender interface {
		Send(nodeId string, rp *mesh.RoutePacket) error
	} = d.meshMgr
	if d.journal != nil {
		meshSender = &journalingMesh{manager: d.meshMgr, journal: d.journal}
	}

	// Node role
	switch nodeType {
	case cluster.NodeTypePlay:
		err = buildPlayNode(d, conf, meshSender)

	case cluster.NodeTypeApi:
		err = buildApiNode(d, conf, meshSender)
	}
	if err != nil {
		return
	}

	// Self-registration, refreshed below the info center's TTL.
	self := cluster.ServerInfo{
		NodeId:    conf.Node.NodeId,
		Type:      nodeType,
		ServiceId: conf.Node.ServiceId,
		Endpoint:  advertise,
		Weight:    conf.Node.Weight,
	}
	d.center.Update(self)
	go refreshSelf(d, self)

	// Discovery
	if conf.Cluster.IPv4 || conf.Cluster.IPv6 {
		if conf.Cluster.Interval == 0 {
			conf.Cluster.Interval = 10
		}

		port, portErr := parseListenPort(conf.Mesh.Endpoint)
		if portErr != nil {
			err = portErr
			return
		}

		announcement := cluster.Announcement{
			NodeId:    conf.Node.NodeId,
			Type:      nodeType,
			ServiceId: conf.Node.ServiceId,
			Port:      port,
			Weight:    conf.Node.Weight,
		}

		d.discovery, err = cluster.NewDiscovery(
			announcement, d.center,
			time.Duration(conf.Cluster.Interval)*time.Second,
			conf.Cluster.IPv4, conf.Cluster.IPv6)
		if err != nil {
			return
		}

		d.discovery.PeerFound = func(info cluster.ServerInfo) {
			d.meshMgr.Dial(info.Endpoint, false)
		}
	}

	log.WithFields(log.Fields{
		"node":    conf.Node.NodeId,
		"type":    nodeType,
		"service": conf.Node.ServiceId,
		"mesh":    advertise,
	}).Info("playd is up")

	return
}

func orTcp(protocol string) string {
	if protocol == "" {
		return "tcp"
	}
	return protocol
}

func refreshSelf(d *daemon, self cluster.ServerInfo) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.selfStop:
			return
		case <-ticker.C:
			d.center.Update(self)
		}
	}
}

// buildPlayNode wires the stage runtime and the client transport.
func buildPlayNode(d *daemon, conf tomlConfig, meshSender play.MeshSender) error {
	if conf.Node.AuthMsgId == "" {
		return fmt.Errorf("node.auth-msgid is empty for a play node")
	}
	if len(conf.Listen) == 0 {
		return fmt.Errorf("a play node needs at least one [[listen]] block")
	}

	heartbeatTimeout := transport.DefaultHeartbeatTimeout
	if conf.Node.HeartbeatTimeout > 0 {
		heartbeatTimeout = time.Duration(conf.Node.HeartbeatTimeout) * time.Second
	}

	// The transport manager needs the service as receiver and the service
	// needs the transport as client gateway; the manager is created first
	// with a forwarding receiver.
	var receiver transport.Receiver
	forward := receiverFunc{
		packet: func(session *transport.Session, serviceId uint16, p *packet.Packet) {
			receiver.OnSessionPacket(session, serviceId, p)
		},
		closed: func(session *transport.Session, reason uint16) {
			receiver.OnSessionClosed(session, reason)
		},
	}

	d.transportMgr = transport.NewManager(
		wire.NewCodec(), forward, []string{conf.Node.AuthMsgId}, heartbeatTimeout)

	d.playService = play.NewService(play.Options{
		NodeId:           conf.Node.NodeId,
		ServiceId:        conf.Node.ServiceId,
		AuthMsgId:        conf.Node.AuthMsgId,
		DefaultStageType: conf.Node.DefaultStageType,
		RequestTimeout:   time.Duration(conf.Node.RequestTimeout) * time.Second,
		ReapGrace:        time.Duration(conf.Node.ReapGrace) * time.Second,
		Workers:          conf.Node.Workers,
	}, meshSender, d.transportMgr, d.cache, d.center)

	receiver = d.playService
	if d.journal != nil {
		receiver = &journalingReceiver{next: d.playService, journal: d.journal}

		debugJournal := d.journal
		d.playService.RegisterSystemHandler(packet.MsgIdDebug, func(header *mesh.RouteHeader, p *packet.Packet) {
			defer p.Dispose()
			debugJournal.Toggle()
		})
	}

	for _, conv := range conf.Listen {
		listener, err := parseClientListener(conv)
		if err != nil {
			return err
		}
		if err := d.transportMgr.RegisterListener(listener); err != nil {
			return err
		}
	}

	d.playService.Start(d.meshMgr.Receive())
	return nil
}

// receiverFunc adapts two closures to transport.Receiver.
type receiverFunc struct {
	packet func(session *transport.Session, serviceId uint16, p *packet.Packet)
	closed func(session *transport.Session, reason uint16)
}

func (r receiverFunc) OnSessionPacket(session *transport.Session, serviceId uint16, p *packet.Packet) {
	r.packet(session, serviceId, p)
}

func (r receiverFunc) OnSessionClosed(session *transport.Session, reason uint16) {
	r.closed(session, reason)
}

// buildApiNode wires the api dispatcher and its REST surface.
func buildApiNode(d *daemon, conf tomlConfig, meshSender api.MeshSender) error {
	d.apiService = api.NewService(api.Options{
		NodeId:         conf.Node.NodeId,
		ServiceId:      conf.Node.ServiceId,
		RequestTimeout: time.Duration(conf.Node.RequestTimeout) * time.Second,
	}, meshSender, d.cache, d.center)

	if conf.Rest.Listen != "" {
		d.rest = api.NewRest(conf.Rest.Listen, d.apiService, d.center, d.journal)
		if err := d.rest.Start(); err != nil {
			return err
		}
	}

	d.apiService.Start(d.meshMgr.Receive())
	return nil
}
