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
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRoomRegistryJoinLeave(t *testing.T) {
	registry := NewRoomRegistry(zap.NewNop())
	room := ChannelRoom("general")
	s1 := uuid.Must(uuid.NewV4())
	s2 := uuid.Must(uuid.NewV4())

	assert.True(t, registry.JoinLocal(room, s1), "first member should report first")
	assert.False(t, registry.JoinLocal(room, s1), "duplicate join should be a no-op")
	assert.False(t, registry.JoinLocal(room, s2), "second member should not report first")

	assert.ElementsMatch(t, []uuid.UUID{s1, s2}, registry.LocalMembers(room))
	assert.True(t, registry.IsLocalMember(room, s1))

	assert.False(t, registry.LeaveLocal(room, s1), "room still has members")
	assert.False(t, registry.LeaveLocal(room, s1), "duplicate leave should be a no-op")
	assert.True(t, registry.LeaveLocal(room, s2), "last leave should report emptied")

	assert.Empty(t, registry.LocalMembers(room))
	assert.Equal(t, 0, registry.Count())
}

func TestRoomRegistryRemoveSession(t *testing.T) {
	registry := NewRoomRegistry(zap.NewNop())
	general := ChannelRoom("general")
	random := ChannelRoom("random")
	s1 := uuid.Must(uuid.NewV4())
	s2 := uuid.Must(uuid.NewV4())

	registry.JoinLocal(general, s1)
	registry.JoinLocal(general, s2)
	registry.JoinLocal(random, s1)

	left, emptied := registry.RemoveSession(s1)
	assert.ElementsMatch(t, []Room{general, random}, left)
	assert.ElementsMatch(t, []Room{random}, emptied, "only the room with no other members empties")

	assert.Empty(t, registry.RoomsForSession(s1))
	assert.True(t, registry.IsLocalMember(general, s2))
}

func TestRoomRegistryRoomsForSession(t *testing.T) {
	registry := NewRoomRegistry(zap.NewNop())
	sid := uuid.Must(uuid.NewV4())

	registry.JoinLocal(ChannelRoom("a"), sid)
	registry.JoinLocal(DMRoom("b"), sid)
	registry.JoinLocal(VoiceRoom("c"), sid)

	assert.ElementsMatch(t, []Room{ChannelRoom("a"), DMRoom("b"), VoiceRoom("c")}, registry.RoomsForSession(sid))
}
