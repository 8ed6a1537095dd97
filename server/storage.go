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

	"github.com/gofrs/uuid/v5"
)

// MessageStore persists chat messages. Fan-out only begins after SaveMessage
// returns nil; a message that cannot be persisted is never broadcast.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *ChatMessage) error
	ListRecent(ctx context.Context, room Room, limit int) ([]*ChatMessage, error)
}

// RoomAuthorizer answers whether a user may join a room. Membership and
// permission data live outside this subsystem; this is the seam it is
// consulted through.
type RoomAuthorizer interface {
	IsMember(ctx context.Context, userID uuid.UUID, room Room) (bool, error)
}

const localStoreRoomLimit = 500

// LocalMessageStore is the in-memory message store used when no database is
// configured. Messages survive only as long as the process.
type LocalMessageStore struct {
	sync.Mutex
	byRoom map[Room][]*ChatMessage
}

func NewLocalMessageStore() *LocalMessageStore {
	return &LocalMessageStore{
		byRoom: make(map[Room][]*ChatMessage),
	}
}

func (s *LocalMessageStore) SaveMessage(ctx context.Context, msg *ChatMessage) error {
	room := Room{ID: msg.RoomID}
	kind, err := ParseRoomKind(msg.RoomKind)
	if err != nil {
		return err
	}
	room.Kind = kind

	stored := *msg

	s.Lock()
	messages := append(s.byRoom[room], &stored)
	if len(messages) > localStoreRoomLimit {
		messages = messages[len(messages)-localStoreRoomLimit:]
	}
	s.byRoom[room] = messages
	s.Unlock()
	return nil
}

func (s *LocalMessageStore) ListRecent(ctx context.Context, room Room, limit int) ([]*ChatMessage, error) {
	s.Lock()
	defer s.Unlock()
	messages := s.byRoom[room]
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]*ChatMessage, len(messages))
	copy(out, messages)
	return out, nil
}

// LocalRoomAuthorizer is the in-memory membership table used when no
// database is configured. With no explicit grants it admits everyone, which
// is only appropriate for development.
type LocalRoomAuthorizer struct {
	sync.RWMutex
	members map[Room]map[uuid.UUID]struct{}
}

func NewLocalRoomAuthorizer() *LocalRoomAuthorizer {
	return &LocalRoomAuthorizer{
		members: make(map[Room]map[uuid.UUID]struct{}),
	}
}

// Grant records an explicit membership. The first grant for a room switches
// that room from open to members-only.
func (a *LocalRoomAuthorizer) Grant(userID uuid.UUID, room Room) {
	a.Lock()
	defer a.Unlock()
	users, found := a.members[room]
	if !found {
		users = make(map[uuid.UUID]struct{}, 2)
		a.members[room] = users
	}
	users[userID] = struct{}{}
}

func (a *LocalRoomAuthorizer) Revoke(userID uuid.UUID, room Room) {
	a.Lock()
	defer a.Unlock()
	if users, found := a.members[room]; found {
		delete(users, userID)
	}
}

func (a *LocalRoomAuthorizer) IsMember(ctx context.Context, userID uuid.UUID, room Room) (bool, error) {
	a.RLock()
	defer a.RUnlock()
	users, found := a.members[room]
	if !found {
		return true, nil
	}
	_, member := users[userID]
	return member, nil
}
