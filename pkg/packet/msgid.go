// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import "strings"

// Reserved system MsgIds. Control names begin and end with "@" and must not
// be used by applications.
const (
	MsgIdHeartbeat = "@Heart@Beat@"
	MsgIdDebug     = "@Debug@"
	MsgIdTimeout   = "@Timeout@"
)

// MaxMsgIdLen is the wire limit; MsgIdLen is an unsigned byte.
const MaxMsgIdLen = 255

// IsSystemMsgId reports whether msgId names a reserved control message.
func IsSystemMsgId(msgId string) bool {
	return len(msgId) >= 2 && strings.HasPrefix(msgId, "@") && strings.HasSuffix(msgId, "@")
}

// ValidMsgId reports whether msgId may be carried on the wire at all.
func ValidMsgId(msgId string) bool {
	return len(msgId) >= 1 && len(msgId) <= MaxMsgIdLen
}
