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
	"fmt"
	"strings"
)

// RoomKind identifies the broadcast domain a room belongs to.
type RoomKind uint8

const (
	RoomKindUnknown RoomKind = iota
	RoomKindChannel
	RoomKindDM
	RoomKindServer
	RoomKindVoice
)

var roomKindNames = map[RoomKind]string{
	RoomKindChannel: "channel",
	RoomKindDM:      "dm",
	RoomKindServer:  "server",
	RoomKindVoice:   "voice",
}

func (k RoomKind) String() string {
	if name, ok := roomKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseRoomKind maps a wire room kind to its internal value.
func ParseRoomKind(s string) (RoomKind, error) {
	switch s {
	case "channel":
		return RoomKindChannel, nil
	case "dm":
		return RoomKindDM, nil
	case "server":
		return RoomKindServer, nil
	case "voice":
		return RoomKindVoice, nil
	default:
		return RoomKindUnknown, fmt.Errorf("unknown room kind: %q", s)
	}
}

// Room is a logical broadcast domain: a text channel, a DM conversation,
// a whole server, or a voice channel. Rooms are comparable and usable as
// map keys.
type Room struct {
	Kind RoomKind
	ID   string
}

func (r Room) String() string {
	return r.Kind.String() + ":" + r.ID
}

func (r Room) IsValid() bool {
	return r.Kind != RoomKindUnknown && r.ID != ""
}

// ChannelRoom, DMRoom, ServerRoom and VoiceRoom are shorthand constructors.
func ChannelRoom(id string) Room { return Room{Kind: RoomKindChannel, ID: id} }
func DMRoom(id string) Room      { return Room{Kind: RoomKindDM, ID: id} }
func ServerRoom(id string) Room  { return Room{Kind: RoomKindServer, ID: id} }
func VoiceRoom(id string) Room   { return Room{Kind: RoomKindVoice, ID: id} }

// ParseRoom reconstructs a Room from its string form, as carried in
// replicated events.
func ParseRoom(s string) (Room, error) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return Room{}, fmt.Errorf("malformed room key: %q", s)
	}
	kind, err := ParseRoomKind(s[:idx])
	if err != nil {
		return Room{}, err
	}
	return Room{Kind: kind, ID: s[idx+1:]}, nil
}
