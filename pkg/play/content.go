// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package play

import (
	"github.com/playhouse/playhouse-go/pkg/packet"
)

// Content is the application side of a stage. Every callback runs on the
// stage's executor; no two callbacks of one stage ever overlap. A callback
// receiving a Packet borrows it for the duration of the call.
type Content interface {
	// OnCreate initializes the stage from its creation packet. A nonzero
	// error code aborts the creation; the create reply carries it.
	OnCreate(ctx *Sender, init *packet.Packet) uint16

	// OnPostCreate runs after a successful creation.
	OnPostCreate(ctx *Sender)

	// CreateActor builds the application state for a newly connected
	// session, before authentication.
	CreateActor(sid int64) ActorContent

	// OnJoinStage decides whether an authenticated actor may enter. A
	// rejected actor never reaches the actor table.
	OnJoinStage(ctx *Sender, actor *Actor) bool

	// OnPostJoinStage runs after an actor entered.
	OnPostJoinStage(ctx *Sender, actor *Actor)

	// OnDispatch handles every non-lifecycle message. actor is nil for
	// messages not bound to a session. A nonzero error code is replied when
	// the message expects a reply.
	OnDispatch(ctx *Sender, actor *Actor, p *packet.Packet) uint16

	// OnConnectionChanged observes an actor's session going up or down.
	OnConnectionChanged(ctx *Sender, actor *Actor, connected bool)

	// OnDestroy runs once at stage teardown, after all actors were
	// destroyed.
	OnDestroy(ctx *Sender)
}

// ActorContent is the application side of one actor.
type ActorContent interface {
	// OnAuthenticate validates the session's first message and returns the
	// accountId this actor will live under. A nonzero error code discards
	// the actor and is replied to the client.
	OnAuthenticate(ctx *Sender, p *packet.Packet) (accountId int64, errorCode uint16)

	// OnPostAuthenticate runs after authentication succeeded and the actor
	// joined the stage.
	OnPostAuthenticate(ctx *Sender)

	// OnDestroy runs when the actor is removed.
	OnDestroy(ctx *Sender)
}

// Factory creates the Content instance for one stage of its type.
type Factory func() Content

// Actor is one client's presence inside a stage. AccountId is immutable after
// authentication; Sid points back to the owning session.
type Actor struct {
	AccountId int64
	Sid       int64
	Content   ActorContent

	connected bool
}

// Connected reports whether the actor's session is currently up.
func (actor *Actor) Connected() bool {
	return actor.connected
}
