// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cluster

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"
)

const (
	discoveryAddress4 = "239.23.23.23"
	discoveryAddress6 = "[ff02::2323]"
	discoveryPort     = 35353
)

// Discovery publishes this node's Announcement over multicast and feeds
// received peer Announcements into the InfoCenter. It is the standalone-mode
// substitute for a central controller.
type Discovery struct {
	nodeId string
	center *InfoCenter

	// PeerFound is called for every freshly discovered peer, after the
	// InfoCenter was updated. Used to establish mesh connections eagerly.
	PeerFound func(info ServerInfo)

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewDiscovery starts announcing and listening. The returned Discovery must
// be closed.
func NewDiscovery(
	announcement Announcement, center *InfoCenter,
	interval time.Duration, ipv4, ipv6 bool) (*Discovery, error) {

	discovery := &Discovery{
		nodeId: announcement.NodeId,
		center: center,
	}
	if ipv4 {
		discovery.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		discovery.stopChan6 = make(chan struct{})
	}

	log.WithFields(log.Fields{
		"interval":     interval,
		"IPv4":         ipv4,
		"IPv6":         ipv6,
		"announcement": announcement,
	}).Info("Starting cluster discovery")

	msg, err := MarshalAnnouncements([]Announcement{announcement})
	if err != nil {
		return nil, err
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, discoveryAddress4, discovery.stopChan4, peerdiscovery.IPv4, discovery.notify},
		{ipv6, discoveryAddress6, discovery.stopChan6, peerdiscovery.IPv6, discovery.notify6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", discoveryPort),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            interval,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		discoverErrChan := make(chan error)
		go func() {
			_, discoverErr := peerdiscovery.Discover(settings)
			discoverErrChan <- discoverErr
		}()

		select {
		case discoverErr := <-discoverErrChan:
			if discoverErr != nil {
				return nil, discoverErr
			}

		case <-time.After(time.Second):
		}
	}

	return discovery, nil
}

func (discovery *Discovery) notify6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)

	discovery.notify(discovered)
}

func (discovery *Discovery) notify(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithError(err).WithField("peer", discovered.Address).Warn(
			"Cluster discovery failed to parse incoming payload")

		return
	}

	for _, announcement := range announcements {
		discovery.handle(announcement, discovered.Address)
	}
}

func (discovery *Discovery) handle(announcement Announcement, addr string) {
	if announcement.NodeId == discovery.nodeId {
		return
	}

	info := ServerInfo{
		NodeId:    announcement.NodeId,
		Type:      announcement.Type,
		ServiceId: announcement.ServiceId,
		Endpoint:  fmt.Sprintf("tcp://%s:%d", addr, announcement.Port),
		Weight:    announcement.Weight,
	}

	_, known := discovery.center.GetById(info.NodeId)
	discovery.center.Update(info)

	if !known {
		log.WithFields(log.Fields{
			"node":     info.NodeId,
			"type":     info.Type,
			"endpoint": info.Endpoint,
		}).Info("Cluster discovery found a new node")

		if discovery.PeerFound != nil {
			discovery.PeerFound(info)
		}
	}
}

// Close this Discovery.
func (discovery *Discovery) Close() {
	for _, c := range []chan struct{}{discovery.stopChan4, discovery.stopChan6} {
		if c != nil {
			c <- struct{}{}
		}
	}
}
