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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoom(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		want    Room
		wantErr bool
	}{
		{"channel", "channel:general", ChannelRoom("general"), false},
		{"dm", "dm:abc123", DMRoom("abc123"), false},
		{"server", "server:s1", ServerRoom("s1"), false},
		{"voice", "voice:lounge", VoiceRoom("lounge"), false},
		{"id with colon", "channel:a:b", ChannelRoom("a:b"), false},
		{"unknown kind", "group:g1", Room{}, true},
		{"missing id", "channel:", Room{}, true},
		{"missing kind", ":general", Room{}, true},
		{"no separator", "general", Room{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRoom(tc.key)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRoomStringRoundTrip(t *testing.T) {
	for _, room := range []Room{ChannelRoom("general"), DMRoom("d1"), ServerRoom("s1"), VoiceRoom("v1")} {
		parsed, err := ParseRoom(room.String())
		require.NoError(t, err)
		assert.Equal(t, room, parsed)
	}
}

func TestRoomTargetValidation(t *testing.T) {
	var nilTarget *RoomTarget
	_, err := nilTarget.Room()
	assert.Error(t, err)

	_, err = (&RoomTarget{RoomID: "", RoomKind: "channel"}).Room()
	assert.Error(t, err)

	_, err = (&RoomTarget{RoomID: "general", RoomKind: "bogus"}).Room()
	assert.Error(t, err)

	room, err := (&RoomTarget{RoomID: "general", RoomKind: "channel"}).Room()
	require.NoError(t, err)
	assert.Equal(t, ChannelRoom("general"), room)
}
