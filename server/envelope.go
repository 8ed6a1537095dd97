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

import "time"

// Inbound operations.
const (
	OpAuthenticate      = "authenticate"
	OpJoinRoom          = "join_room"
	OpLeaveRoom         = "leave_room"
	OpSendMessage       = "send_message"
	OpTypingStart       = "typing_start"
	OpTypingStop        = "typing_stop"
	OpVoiceJoin         = "voice_join"
	OpVoiceLeave        = "voice_leave"
	OpVoiceStateUpdate  = "voice_state_update"
	OpPresenceHeartbeat = "presence_heartbeat"
)

// Outbound operations.
const (
	OpAck                = "ack"
	OpError              = "error"
	OpAuthError          = "auth_error"
	OpMessageReceived    = "message_received"
	OpMessageEdited      = "message_edited"
	OpMessageDeleted     = "message_deleted"
	OpUserTyping         = "user_typing"
	OpUserStoppedTyping  = "user_stopped_typing"
	OpPresenceChanged    = "presence_changed"
	OpVoiceRosterChanged = "voice_roster_changed"
	OpDeliveryDegraded   = "delivery_degraded"
)

// Envelope is the wire frame exchanged with clients, one JSON object per
// websocket message. Cid correlates a response with the request that caused
// it; server-initiated events carry no cid.
type Envelope struct {
	Cid string `json:"cid,omitempty"`
	Op  string `json:"op"`

	Authenticate *AuthenticateRequest `json:"authenticate,omitempty"`
	Room         *RoomTarget          `json:"room,omitempty"`
	Send         *SendMessageRequest  `json:"send,omitempty"`
	VoiceState   *VoiceStateUpdate    `json:"voiceState,omitempty"`
	Status       string               `json:"status,omitempty"`

	Error       *SocketError            `json:"error,omitempty"`
	Message     *ChatMessage            `json:"message,omitempty"`
	MessageRef  *MessageRef             `json:"messageRef,omitempty"`
	Typing      *TypingNotice           `json:"typing,omitempty"`
	Presence    *PresenceNotice         `json:"presence,omitempty"`
	VoiceRoster *VoiceRosterNotice      `json:"voiceRoster,omitempty"`
	Degraded    *DeliveryDegradedNotice `json:"degraded,omitempty"`
}

// AuthenticateRequest carries the session credential. Must be the first frame
// on a connection unless the token was supplied at upgrade time.
type AuthenticateRequest struct {
	Token string `json:"token"`
}

// RoomTarget addresses a room on the wire.
type RoomTarget struct {
	RoomID   string `json:"roomId"`
	RoomKind string `json:"roomKind"`
}

func (rt *RoomTarget) Room() (Room, error) {
	if rt == nil || rt.RoomID == "" {
		return Room{}, errBadRoomTarget
	}
	kind, err := ParseRoomKind(rt.RoomKind)
	if err != nil {
		return Room{}, err
	}
	return Room{Kind: kind, ID: rt.RoomID}, nil
}

// SendMessageRequest is the payload of a send_message frame. ClientTempID is
// the client's optimistic-UI key; the response echoes it so the client can
// reconcile or mark the entry failed.
type SendMessageRequest struct {
	Content      string `json:"content"`
	ClientTempID string `json:"clientTempId"`
}

// ChatMessage is the persisted, broadcast form of a message.
type ChatMessage struct {
	ID           string    `json:"id"`
	RoomID       string    `json:"roomId"`
	RoomKind     string    `json:"roomKind"`
	SenderID     string    `json:"senderId"`
	Username     string    `json:"username"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"createdAt"`
	ClientTempID string    `json:"clientTempId,omitempty"`
}

// MessageRef identifies an existing message for edit/delete fan-out.
type MessageRef struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	RoomKind  string `json:"roomKind"`
	Content   string `json:"content,omitempty"`
}

// SocketError is the wire form of a rejected request.
type SocketError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

// TypingNotice announces a typing state change in a room.
type TypingNotice struct {
	RoomID   string `json:"roomId"`
	RoomKind string `json:"roomKind"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PresenceNotice announces a user presence transition.
type PresenceNotice struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// VoiceStateUpdate is a partial voice state mutation. Nil fields are left
// untouched when the update is applied, locally and on every replica.
type VoiceStateUpdate struct {
	ChannelID string `json:"channelId"`
	Muted     *bool  `json:"muted,omitempty"`
	Deafened  *bool  `json:"deafened,omitempty"`
	Video     *bool  `json:"video,omitempty"`
	Streaming *bool  `json:"streaming,omitempty"`
}

// VoiceRosterNotice carries the full ordered roster of a voice channel.
type VoiceRosterNotice struct {
	ChannelID    string              `json:"channelId"`
	Participants []*VoiceParticipant `json:"participants"`
}

// DeliveryDegradedNotice tells a sender their message is saved and visible
// locally, but cross-instance fan-out could not be confirmed. This is a
// warning, not a failure.
type DeliveryDegradedNotice struct {
	MessageID    string `json:"messageId"`
	ClientTempID string `json:"clientTempId,omitempty"`
}
