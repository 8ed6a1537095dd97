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
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// RoomRegistry tracks which local sessions are members of which rooms. It
// answers "who is live on this node, right now"; durable allowed-membership
// belongs to the RoomAuthorizer collaborator.
type RoomRegistry struct {
	sync.RWMutex
	logger *zap.Logger

	byRoom    map[Room]map[uuid.UUID]struct{}
	bySession map[uuid.UUID]map[Room]struct{}
}

func NewRoomRegistry(logger *zap.Logger) *RoomRegistry {
	return &RoomRegistry{
		logger: logger,

		byRoom:    make(map[Room]map[uuid.UUID]struct{}),
		bySession: make(map[uuid.UUID]map[Room]struct{}),
	}
}

// JoinLocal adds a session to a room's local member set. Idempotent: joining
// twice is a no-op. Returns true when this made the session the room's first
// local member, which drives the lazy backplane subscription.
func (r *RoomRegistry) JoinLocal(room Room, sessionID uuid.UUID) bool {
	r.Lock()
	defer r.Unlock()

	members, found := r.byRoom[room]
	if !found {
		members = make(map[uuid.UUID]struct{}, 1)
		r.byRoom[room] = members
	}
	if _, already := members[sessionID]; already {
		return false
	}
	members[sessionID] = struct{}{}

	rooms, found := r.bySession[sessionID]
	if !found {
		rooms = make(map[Room]struct{}, 1)
		r.bySession[sessionID] = rooms
	}
	rooms[room] = struct{}{}

	return len(members) == 1
}

// LeaveLocal removes a session from a room's local member set. Idempotent:
// leaving a non-member is a no-op. Returns true when the room's local member
// set became empty, which drives the backplane unsubscribe.
func (r *RoomRegistry) LeaveLocal(room Room, sessionID uuid.UUID) bool {
	r.Lock()
	defer r.Unlock()
	return r.leaveLocked(room, sessionID)
}

func (r *RoomRegistry) leaveLocked(room Room, sessionID uuid.UUID) bool {
	members, found := r.byRoom[room]
	if !found {
		return false
	}
	if _, member := members[sessionID]; !member {
		return false
	}
	delete(members, sessionID)
	if rooms, ok := r.bySession[sessionID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.bySession, sessionID)
		}
	}
	if len(members) == 0 {
		delete(r.byRoom, room)
		return true
	}
	return false
}

// LocalMembers lists the session IDs this node must deliver a room event to.
func (r *RoomRegistry) LocalMembers(room Room) []uuid.UUID {
	r.RLock()
	members := r.byRoom[room]
	ids := make([]uuid.UUID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	r.RUnlock()
	return ids
}

func (r *RoomRegistry) IsLocalMember(room Room, sessionID uuid.UUID) bool {
	r.RLock()
	_, ok := r.byRoom[room][sessionID]
	r.RUnlock()
	return ok
}

func (r *RoomRegistry) RoomsForSession(sessionID uuid.UUID) []Room {
	r.RLock()
	rooms := make([]Room, 0, len(r.bySession[sessionID]))
	for room := range r.bySession[sessionID] {
		rooms = append(rooms, room)
	}
	r.RUnlock()
	return rooms
}

// RemoveSession leaves every room the session was part of. Returns the rooms
// left and the subset whose local member set became empty.
func (r *RoomRegistry) RemoveSession(sessionID uuid.UUID) (left []Room, emptied []Room) {
	r.Lock()
	defer r.Unlock()

	for room := range r.bySession[sessionID] {
		left = append(left, room)
		if r.leaveLocked(room, sessionID) {
			emptied = append(emptied, room)
		}
	}
	return left, emptied
}

func (r *RoomRegistry) Count() int {
	r.RLock()
	n := len(r.byRoom)
	r.RUnlock()
	return n
}
