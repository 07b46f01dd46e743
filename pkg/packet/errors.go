// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package packet

// Error codes carried in reply headers. The bands are fixed: 1000 transport,
// 2000 protocol, 3000 auth, 4000 routing, 5000 application and timeouts.
const (
	Success uint16 = 0

	ConnectionClosed     uint16 = 1000
	SendFailed           uint16 = 1001
	BackpressureExceeded uint16 = 1002
	HeartbeatTimeout     uint16 = 1003

	DecodeFailed  uint16 = 2000
	FrameTooLarge uint16 = 2001
	BombRejected  uint16 = 2002

	NotAuthenticated uint16 = 3000
	AuthFailed       uint16 = 3001

	StageNotFound   uint16 = 4001
	NodeUnreachable uint16 = 4002
	NoHandler       uint16 = 4003

	RequestTimeout uint16 = 5000
	HandlerError   uint16 = 5001
	StageClosed    uint16 = 5002
)

var errorNames = map[uint16]string{
	Success:              "Success",
	ConnectionClosed:     "ConnectionClosed",
	SendFailed:           "SendFailed",
	BackpressureExceeded: "BackpressureExceeded",
	HeartbeatTimeout:     "HeartbeatTimeout",
	DecodeFailed:         "DecodeFailed",
	FrameTooLarge:        "FrameTooLarge",
	BombRejected:         "BombRejected",
	NotAuthenticated:     "NotAuthenticated",
	AuthFailed:           "AuthFailed",
	StageNotFound:        "StageNotFound",
	NodeUnreachable:      "NodeUnreachable",
	NoHandler:            "NoHandler",
	RequestTimeout:       "RequestTimeout",
	HandlerError:         "HandlerError",
	StageClosed:          "StageClosed",
}

// ErrorName returns a human readable name for an error code, mostly for logs.
func ErrorName(code uint16) string {
	if name, ok := errorNames[code]; ok {
		return name
	}
	return "Unknown"
}
