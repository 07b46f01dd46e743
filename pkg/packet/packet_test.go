// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"bytes"
	"testing"
)

func TestPacketDisposeTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("second Dispose did not panic")
		}
	}()

	p := New("Test", []byte("payload"))
	p.Dispose()
	p.Dispose()
}

func TestPacketMoveTransfersOwnership(t *testing.T) {
	p := NewPooled("Test", []byte("payload"))
	moved := p.Move()

	if !p.Disposed() {
		t.Error("original packet still owned after Move")
	}
	if p.Payload != nil {
		t.Error("original packet kept its payload")
	}
	if !bytes.Equal(moved.Payload, []byte("payload")) {
		t.Errorf("moved payload = %q", moved.Payload)
	}

	moved.Dispose()

	defer func() {
		if recover() == nil {
			t.Fatal("Move after Dispose did not panic")
		}
	}()
	_ = p.Move()
}

func TestPacketCloneIsIndependent(t *testing.T) {
	p := New("Test", []byte("payload"))
	clone := p.Clone()

	clone.Payload[0] = 'X'
	if p.Payload[0] != 'p' {
		t.Error("clone shares the original's buffer")
	}

	clone.Dispose()
	if p.Disposed() {
		t.Error("disposing the clone disposed the original")
	}
	p.Dispose()
}

func TestNewReplyCoordinates(t *testing.T) {
	reply := NewReply("MoveReq", 17, StageNotFound)
	if reply.MsgId != "MoveReq" || reply.MsgSeq != 17 || reply.ErrorCode != StageNotFound {
		t.Errorf("unexpected reply %v", reply)
	}
	if len(reply.Payload) != 0 {
		t.Errorf("reply has a payload: %q", reply.Payload)
	}
	reply.Dispose()
}

func TestIsSystemMsgId(t *testing.T) {
	tests := []struct {
		msgId  string
		system bool
	}{
		{MsgIdHeartbeat, true},
		{MsgIdDebug, true},
		{MsgIdTimeout, true},
		{"@Custom@", true},
		{"MoveReq", false},
		{"@HalfOpen", false},
		{"HalfOpen@", false},
		{"@", false},
		{"", false},
	}

	for _, test := range tests {
		if got := IsSystemMsgId(test.msgId); got != test.system {
			t.Errorf("IsSystemMsgId(%q) = %v, expected %v", test.msgId, got, test.system)
		}
	}
}

func TestValidMsgId(t *testing.T) {
	long := make([]byte, MaxMsgIdLen+1)
	for i := range long {
		long[i] = 'a'
	}

	if ValidMsgId("") {
		t.Error("empty MsgId accepted")
	}
	if ValidMsgId(string(long)) {
		t.Error("overlong MsgId accepted")
	}
	if !ValidMsgId("MoveReq") {
		t.Error("plain MsgId rejected")
	}
}

func TestErrorName(t *testing.T) {
	if name := ErrorName(StageNotFound); name != "StageNotFound" {
		t.Errorf("ErrorName(StageNotFound) = %q", name)
	}
	if name := ErrorName(64000); name != "Unknown" {
		t.Errorf("ErrorName(64000) = %q", name)
	}
}
