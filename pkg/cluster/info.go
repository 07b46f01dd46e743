// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cluster tracks the live peer nodes of a PlayHouse deployment: the
// server info center with its selection policies, and the optional multicast
// discovery keeping it fresh in standalone setups.
package cluster

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// NodeType distinguishes stateful play nodes from stateless api nodes.
type NodeType uint8

const (
	NodeTypeInvalid NodeType = iota
	NodeTypePlay
	NodeTypeApi
)

func (t NodeType) String() string {
	switch t {
	case NodeTypePlay:
		return "play"
	case NodeTypeApi:
		return "api"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(t))
	}
}

// CheckValid returns an error for node types unknown to this build.
func (t NodeType) CheckValid() error {
	if t != NodeTypePlay && t != NodeTypeApi {
		return fmt.Errorf("invalid node type %d", uint8(t))
	}
	return nil
}

// ParseNodeType maps a configuration string to a NodeType.
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "play":
		return NodeTypePlay, nil
	case "api":
		return NodeTypeApi, nil
	default:
		return NodeTypeInvalid, fmt.Errorf("unknown node type %q", s)
	}
}

// ServerInfo describes one live peer node.
type ServerInfo struct {
	NodeId    string
	Type      NodeType
	ServiceId uint16
	Endpoint  string
	Weight    int
	LastSeen  time.Time
}

// Policy selects one node among the candidates of a service.
type Policy uint8

const (
	RoundRobin Policy = iota
	Random
	LeastLoaded
	ByKey
)

// DefaultTTL is the liveness horizon; entries not seen for longer are
// evicted.
const DefaultTTL = 30 * time.Second

type serviceKey struct {
	nodeType  NodeType
	serviceId uint16
}

// InfoCenter is the shared, read-mostly directory of live peer nodes.
type InfoCenter struct {
	mutex    sync.RWMutex
	nodes    map[string]*ServerInfo
	counters map[serviceKey]*uint64

	ttl time.Duration

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewInfoCenter creates an InfoCenter and starts its TTL sweeper. A ttl of
// zero selects DefaultTTL.
func NewInfoCenter(ttl time.Duration) *InfoCenter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	center := &InfoCenter{
		nodes:    make(map[string]*ServerInfo),
		counters: make(map[serviceKey]*uint64),
		ttl:      ttl,

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	go center.sweep()

	return center
}

func (center *InfoCenter) sweep() {
	ticker := time.NewTicker(center.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-center.stopSyn:
			close(center.stopAck)
			return

		case now := <-ticker.C:
			center.evict(now)
		}
	}
}

func (center *InfoCenter) evict(now time.Time) {
	center.mutex.Lock()
	defer center.mutex.Unlock()

	for nodeId, info := range center.nodes {
		if now.Sub(info.LastSeen) > center.ttl {
			log.WithFields(log.Fields{
				"node":     nodeId,
				"lastSeen": info.LastSeen,
			}).Info("Info center evicted stale node")

			delete(center.nodes, nodeId)
		}
	}
}

// Update inserts or refreshes a node entry and stamps its LastSeen.
func (center *InfoCenter) Update(info ServerInfo) {
	info.LastSeen = time.Now()

	center.mutex.Lock()
	center.nodes[info.NodeId] = &info
	center.mutex.Unlock()
}

// Touch refreshes the LastSeen of a known node, e.g. on mesh traffic.
func (center *InfoCenter) Touch(nodeId string) {
	center.mutex.Lock()
	if info, ok := center.nodes[nodeId]; ok {
		info.LastSeen = time.Now()
	}
	center.mutex.Unlock()
}

// Remove drops a node, e.g. when its mesh connection dies.
func (center *InfoCenter) Remove(nodeId string) {
	center.mutex.Lock()
	delete(center.nodes, nodeId)
	center.mutex.Unlock()
}

// GetById returns the entry for a node, or false.
func (center *InfoCenter) GetById(nodeId string) (ServerInfo, bool) {
	center.mutex.RLock()
	defer center.mutex.RUnlock()

	if info, ok := center.nodes[nodeId]; ok {
		return *info, true
	}
	return ServerInfo{}, false
}

// Resolve maps a nodeId to its mesh endpoint; shaped for mesh.Manager's
// Resolver hook.
func (center *InfoCenter) Resolve(nodeId string) (string, bool) {
	info, ok := center.GetById(nodeId)
	return info.Endpoint, ok
}

// All returns a snapshot of every known node, ordered by nodeId.
func (center *InfoCenter) All() []ServerInfo {
	center.mutex.RLock()
	defer center.mutex.RUnlock()

	infos := make([]ServerInfo, 0, len(center.nodes))
	for _, info := range center.nodes {
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].NodeId < infos[j].NodeId })
	return infos
}

// GetByService selects one node of the given type and serviceId according to
// the policy. The key argument only matters for ByKey. Candidates are
// ordered by nodeId, making every policy's tie-break deterministic.
func (center *InfoCenter) GetByService(nodeType NodeType, serviceId uint16, policy Policy, key string) (ServerInfo, bool) {
	candidates := center.candidates(nodeType, serviceId)
	if len(candidates) == 0 {
		return ServerInfo{}, false
	}

	switch policy {
	case RoundRobin:
		counter := center.counter(serviceKey{nodeType, serviceId})
		center.mutex.Lock()
		idx := int(*counter % uint64(len(candidates)))
		*counter++
		center.mutex.Unlock()
		return candidates[idx], true

	case Random:
		return candidates[rand.Intn(len(candidates))], true

	case LeastLoaded:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Weight < best.Weight {
				best = c
			}
		}
		return best, true

	case ByKey:
		h := fnv.New64a()
		_, _ = h.Write([]byte(key))
		return candidates[h.Sum64()%uint64(len(candidates))], true

	default:
		return candidates[0], true
	}
}

func (center *InfoCenter) candidates(nodeType NodeType, serviceId uint16) []ServerInfo {
	center.mutex.RLock()
	defer center.mutex.RUnlock()

	var candidates []ServerInfo
	for _, info := range center.nodes {
		if info.Type == nodeType && info.ServiceId == serviceId {
			candidates = append(candidates, *info)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].NodeId < candidates[j].NodeId })
	return candidates
}

func (center *InfoCenter) counter(key serviceKey) *uint64 {
	center.mutex.Lock()
	defer center.mutex.Unlock()

	if c, ok := center.counters[key]; ok {
		return c
	}
	c := new(uint64)
	center.counters[key] = c
	return c
}

// Close stops the TTL sweeper.
func (center *InfoCenter) Close() {
	close(center.stopSyn)
	<-center.stopAck
}
