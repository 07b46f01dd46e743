// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package mesh

import (
	"net"
	"time"
)

// This file implements the TCP dialer for operating systems next to Linux.
// The Linux variant additionally sets socket options for faster detection of
// dead peers.

// dialTCP opens a TCP link with a configured timeout and keepalive.
func dialTCP(address string) (link, error) {
	dialer := &net.Dialer{
		Timeout:   time.Second,
		KeepAlive: 5 * time.Second,
	}

	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}
