// Copyright 2025 The Parley Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

type typingEntry struct {
	username  string
	expiresAt time.Time
}

// TypingCoordinator tracks who is typing in which room. Typing state is
// purely ephemeral: entries live in memory with a TTL, replicated start/stop
// events keep the cluster roughly in sync, and a local sweep guarantees the
// indicator clears even when the explicit stop never arrives.
type TypingCoordinator struct {
	sync.Mutex
	logger *zap.Logger
	config *TypingConfig
	router *MessageRouter

	byRoom map[Room]map[uuid.UUID]*typingEntry

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

func StartTypingCoordinator(ctx context.Context, logger *zap.Logger, config *Config, router *MessageRouter) *TypingCoordinator {
	ctx, ctxCancelFn := context.WithCancel(ctx)

	c := &TypingCoordinator{
		logger: logger,
		config: config.Typing,
		router: router,

		byRoom: make(map[Room]map[uuid.UUID]*typingEntry),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	go c.sweepLoop()

	return c
}

// Start marks a user as typing in a room. Repeated starts refresh the TTL;
// only the first emits a user_typing notice.
func (c *TypingCoordinator) Start(ctx context.Context, userID uuid.UUID, username string, room Room) {
	notice := &TypingNotice{
		RoomID:   room.ID,
		RoomKind: room.Kind.String(),
		UserID:   userID.String(),
		Username: username,
	}

	if c.startLocal(room, userID, username) {
		c.router.SendToRoom(c.logger, room, &Envelope{Op: OpUserTyping, Typing: notice})
	}

	// Best effort: a lost typing event self-corrects through the TTL.
	_ = c.router.PublishRoomEvent(ctx, c.logger, room, &roomEvent{
		Kind:    roomEventTypingStart,
		EventID: uuid.Must(uuid.NewV4()).String(),
		Typing:  notice,
	})
}

// Stop clears a user's typing state in a room, usually because they sent the
// message or explicitly cancelled.
func (c *TypingCoordinator) Stop(ctx context.Context, userID uuid.UUID, username string, room Room) {
	if !c.stopLocal(room, userID) {
		return
	}

	notice := &TypingNotice{
		RoomID:   room.ID,
		RoomKind: room.Kind.String(),
		UserID:   userID.String(),
		Username: username,
	}
	c.router.SendToRoom(c.logger, room, &Envelope{Op: OpUserStoppedTyping, Typing: notice})

	_ = c.router.PublishRoomEvent(ctx, c.logger, room, &roomEvent{
		Kind:    roomEventTypingStop,
		EventID: uuid.Must(uuid.NewV4()).String(),
		Typing:  notice,
	})
}

// Typing lists the users currently typing in a room, for late joiners.
func (c *TypingCoordinator) Typing(room Room) []*TypingNotice {
	c.Lock()
	defer c.Unlock()
	entries := c.byRoom[room]
	out := make([]*TypingNotice, 0, len(entries))
	for userID, entry := range entries {
		out = append(out, &TypingNotice{
			RoomID:   room.ID,
			RoomKind: room.Kind.String(),
			UserID:   userID.String(),
			Username: entry.username,
		})
	}
	return out
}

// startLocal returns true when the user was not already marked as typing.
func (c *TypingCoordinator) startLocal(room Room, userID uuid.UUID, username string) bool {
	c.Lock()
	defer c.Unlock()
	entries, found := c.byRoom[room]
	if !found {
		entries = make(map[uuid.UUID]*typingEntry, 1)
		c.byRoom[room] = entries
	}
	_, already := entries[userID]
	entries[userID] = &typingEntry{username: username, expiresAt: time.Now().Add(c.config.TTL())}
	return !already
}

// stopLocal returns true when the user was marked as typing.
func (c *TypingCoordinator) stopLocal(room Room, userID uuid.UUID) bool {
	c.Lock()
	defer c.Unlock()
	entries, found := c.byRoom[room]
	if !found {
		return false
	}
	if _, typing := entries[userID]; !typing {
		return false
	}
	delete(entries, userID)
	if len(entries) == 0 {
		delete(c.byRoom, room)
	}
	return true
}

// applyRemoteStart handles a replicated typing start. Duplicates refresh the
// TTL without a second notice.
func (c *TypingCoordinator) applyRemoteStart(room Room, notice *TypingNotice) {
	userID, err := uuid.FromString(notice.UserID)
	if err != nil {
		return
	}
	if c.startLocal(room, userID, notice.Username) {
		c.router.SendToRoom(c.logger, room, &Envelope{Op: OpUserTyping, Typing: notice})
	}
}

// applyRemoteStop handles a replicated typing stop. Stops for users never
// seen typing are inert.
func (c *TypingCoordinator) applyRemoteStop(room Room, notice *TypingNotice) {
	userID, err := uuid.FromString(notice.UserID)
	if err != nil {
		return
	}
	if c.stopLocal(room, userID) {
		c.router.SendToRoom(c.logger, room, &Envelope{Op: OpUserStoppedTyping, Typing: notice})
	}
}

// DisconnectSession clears any typing state the user holds in the given
// rooms, emitting stop notices as if their TTL had expired.
func (c *TypingCoordinator) DisconnectSession(userID uuid.UUID, rooms []Room) {
	for _, room := range rooms {
		c.Lock()
		entries := c.byRoom[room]
		entry, typing := entries[userID]
		c.Unlock()
		if typing {
			c.Stop(c.ctx, userID, entry.username, room)
		}
	}
}

func (c *TypingCoordinator) sweepLoop() {
	ticker := time.NewTicker(c.config.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(time.Now())
		}
	}
}

// sweepOnce expires stale entries. Expiry is enforced independently on every
// node, so no stop event is published; each node clears its own view.
func (c *TypingCoordinator) sweepOnce(now time.Time) {
	type expired struct {
		room   Room
		notice *TypingNotice
	}

	c.Lock()
	lapsed := make([]expired, 0, 4)
	for room, entries := range c.byRoom {
		for userID, entry := range entries {
			if now.After(entry.expiresAt) {
				delete(entries, userID)
				lapsed = append(lapsed, expired{room: room, notice: &TypingNotice{
					RoomID:   room.ID,
					RoomKind: room.Kind.String(),
					UserID:   userID.String(),
					Username: entry.username,
				}})
			}
		}
		if len(entries) == 0 {
			delete(c.byRoom, room)
		}
	}
	c.Unlock()

	for _, e := range lapsed {
		c.router.SendToRoom(c.logger, e.room, &Envelope{Op: OpUserStoppedTyping, Typing: e.notice})
	}
}

func (c *TypingCoordinator) Shutdown() {
	c.ctxCancelFn()
}
