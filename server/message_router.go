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
	"encoding/json"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Replicated room event kinds.
const (
	roomEventMessage     = "message"
	roomEventEnvelope    = "envelope"
	roomEventTypingStart = "typing_start"
	roomEventTypingStop  = "typing_stop"
	roomEventVoiceJoin   = "voice_join"
	roomEventVoiceLeave  = "voice_leave"
	roomEventVoiceState  = "voice_state"
	roomEventVoiceSync   = "voice_sync"
)

// roomEvent is the replication frame carried on a room's backplane channel.
// EventID is the idempotency key; Node lets receivers skip their own echo.
type roomEvent struct {
	Node    string `json:"node"`
	EventID string `json:"eventId"`
	Kind    string `json:"kind"`
	Room    string `json:"room"`
	Ts      int64  `json:"ts"`

	Message  *ChatMessage    `json:"message,omitempty"`
	Typing   *TypingNotice   `json:"typing,omitempty"`
	Voice    *voiceReplica   `json:"voice,omitempty"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
}

// voiceReplica carries voice roster mutations between nodes.
type voiceReplica struct {
	ChannelID   string            `json:"channelId"`
	UserID      string            `json:"userId"`
	Participant *VoiceParticipant `json:"participant,omitempty"`
	Update      *VoiceStateUpdate `json:"update,omitempty"`
}

// MessageRouter fans events out to the local members of a room and
// replicates them to every other node holding members of the same room. The
// local short-circuit delivers before the backplane round-trip and is
// deduplicated against the echo by event ID.
type MessageRouter struct {
	logger  *zap.Logger
	metrics *Metrics
	config  *BackplaneConfig
	node    string

	sessionRegistry *SessionRegistry
	roomRegistry    *RoomRegistry
	backplane       Backplane
	seen            *dedupeCache

	// Set during component assembly; consumers of remote room events.
	typing *TypingCoordinator
	voice  *VoiceRosterManager

	// subs tracks every room this node wants replicated. A nil entry is a
	// room whose subscription failed while the backplane was degraded; the
	// reconnect hook attaches it once connectivity returns.
	mu   sync.Mutex
	subs map[Room]Subscription
}

func NewMessageRouter(logger *zap.Logger, config *Config, metrics *Metrics, sessionRegistry *SessionRegistry, roomRegistry *RoomRegistry, backplane Backplane) *MessageRouter {
	r := &MessageRouter{
		logger:  logger,
		metrics: metrics,
		config:  config.Backplane,
		node:    config.Name,

		sessionRegistry: sessionRegistry,
		roomRegistry:    roomRegistry,
		backplane:       backplane,
		seen:            newDedupeCache(config.Backplane.DedupeCacheSize),

		subs: make(map[Room]Subscription),
	}
	backplane.OnReconnect(r.resubscribeRooms)
	return r
}

// SetTypingCoordinator wires the consumer of remote typing events. Called
// once during component assembly, before any subscription exists.
func (r *MessageRouter) SetTypingCoordinator(typing *TypingCoordinator) {
	r.typing = typing
}

// SetVoiceRosterManager wires the consumer of remote voice roster events.
func (r *MessageRouter) SetVoiceRosterManager(voice *VoiceRosterManager) {
	r.voice = voice
}

func (r *MessageRouter) roomChannel(room Room) string {
	return r.config.ChannelPrefix + ":room:" + room.String()
}

// SubscribeRoom attaches this node to a room's replication channel. Called
// when the room gains its first local member, keeping the subscription count
// bounded by the rooms this node actually serves.
func (r *MessageRouter) SubscribeRoom(room Room) error {
	r.mu.Lock()
	if sub, tracked := r.subs[room]; tracked && sub != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	sub, err := r.backplane.Subscribe(r.roomChannel(room), r.handleRoomPayload)
	if err != nil {
		// Keep the room on the books: local members still exist, and the
		// reconnect hook retries the attach once the backplane is back.
		r.mu.Lock()
		if _, tracked := r.subs[room]; !tracked {
			r.subs[room] = nil
		}
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	if existing, tracked := r.subs[room]; tracked && existing != nil {
		r.mu.Unlock()
		sub.Close()
		return nil
	}
	r.subs[room] = sub
	r.mu.Unlock()

	r.logger.Debug("Subscribed to room channel", zap.String("room", room.String()))
	return nil
}

// resubscribeRooms attaches every room whose subscription could not be
// established while the backplane was degraded. Runs as a reconnect hook.
func (r *MessageRouter) resubscribeRooms() {
	r.mu.Lock()
	missed := make([]Room, 0, len(r.subs))
	for room, sub := range r.subs {
		if sub == nil {
			missed = append(missed, room)
		}
	}
	r.mu.Unlock()

	for _, room := range missed {
		if err := r.SubscribeRoom(room); err != nil {
			r.logger.Warn("Failed to resubscribe room after reconnect", zap.String("room", room.String()), zap.Error(err))
		}
	}
}

// UnsubscribeRoom detaches from a room's channel once the last local member
// has left, so subscriptions do not grow without bound across rooms.
func (r *MessageRouter) UnsubscribeRoom(room Room) {
	r.mu.Lock()
	sub, subscribed := r.subs[room]
	if subscribed {
		delete(r.subs, room)
	}
	r.mu.Unlock()

	if subscribed && sub != nil {
		if err := sub.Close(); err != nil {
			r.logger.Warn("Failed to unsubscribe from room channel", zap.String("room", room.String()), zap.Error(err))
		}
	}
}

// SendToRoom delivers an envelope to the room's local members, excluding the
// given session IDs. Pure local fan-out; no replication.
func (r *MessageRouter) SendToRoom(logger *zap.Logger, room Room, envelope *Envelope, exclude ...uuid.UUID) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.Error(err))
		return
	}

	delivered := 0
	for _, sessionID := range r.roomRegistry.LocalMembers(room) {
		if containsID(exclude, sessionID) {
			continue
		}
		session := r.sessionRegistry.Get(sessionID)
		if session == nil {
			continue
		}
		if err := session.SendBytes(payload); err != nil {
			logger.Warn("Failed to route message", zap.String("sid", sessionID.String()), zap.Error(err))
			continue
		}
		delivered++
	}
	r.metrics.CountRoutedLocal(delivered)
}

// SendToAll delivers an envelope to every authenticated local session. Used
// for presence changes, which are not scoped to a single room.
func (r *MessageRouter) SendToAll(logger *zap.Logger, envelope *Envelope) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.Error(err))
		return
	}

	delivered := 0
	r.sessionRegistry.Range(func(session Session) bool {
		if err := session.SendBytes(payload); err != nil {
			logger.Warn("Failed to route message", zap.String("sid", session.ID().String()), zap.Error(err))
			return true
		}
		delivered++
		return true
	})
	r.metrics.CountRoutedLocal(delivered)
}

// RouteMessage fans a persisted chat message out to local room members
// (excluding the sender, who receives the correlated ack instead) and
// replicates it to other nodes. The message must already be persisted:
// a replication failure here degrades delivery, it never loses the message.
func (r *MessageRouter) RouteMessage(ctx context.Context, logger *zap.Logger, room Room, msg *ChatMessage, senderSession uuid.UUID) error {
	// Mark our own message as seen so broker redelivery of the echo is inert.
	r.seen.observe(msg.ID)

	out := *msg
	out.ClientTempID = ""
	r.SendToRoom(logger, room, &Envelope{Op: OpMessageReceived, Message: &out}, senderSession)

	return r.PublishRoomEvent(ctx, logger, room, &roomEvent{
		Kind:    roomEventMessage,
		EventID: msg.ID,
		Message: &out,
	})
}

// RouteEvent fans an arbitrary outbound envelope out to a room on every
// node. Used by the REST layer hook for message_edited / message_deleted.
func (r *MessageRouter) RouteEvent(ctx context.Context, logger *zap.Logger, room Room, envelope *Envelope) error {
	r.SendToRoom(logger, room, envelope)

	raw, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return r.PublishRoomEvent(ctx, logger, room, &roomEvent{
		Kind:     roomEventEnvelope,
		EventID:  uuid.Must(uuid.NewV4()).String(),
		Envelope: raw,
	})
}

// PublishRoomEvent replicates a room event with bounded retries. Exhausting
// the retry budget returns ErrDeliveryDegraded: the caller's local effects
// stand, and the caller decides how to surface the degradation.
func (r *MessageRouter) PublishRoomEvent(ctx context.Context, logger *zap.Logger, room Room, ev *roomEvent) error {
	ev.Node = r.node
	ev.Room = room.String()
	if ev.Ts == 0 {
		ev.Ts = time.Now().UnixMilli()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < r.config.PublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ErrDeliveryDegraded
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		if lastErr = r.backplane.Publish(ctx, r.roomChannel(room), payload); lastErr == nil {
			r.metrics.CountRoutedRemote()
			return nil
		}
	}

	r.metrics.CountPublishFailure()
	logger.Warn("Event replication degraded to local-only delivery",
		zap.String("room", room.String()),
		zap.String("kind", ev.Kind),
		zap.Error(lastErr))
	return ErrDeliveryDegraded
}

// handleRoomPayload applies a replicated room event from another node.
// At-least-once delivery makes idempotency mandatory: events are skipped by
// origin node and deduplicated by event ID before any client emission.
func (r *MessageRouter) handleRoomPayload(channel string, payload []byte) {
	var ev roomEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.logger.Warn("Failed to unmarshal room event", zap.Error(err))
		return
	}
	if ev.Node == r.node {
		return
	}
	room, err := ParseRoom(ev.Room)
	if err != nil {
		r.logger.Warn("Room event with malformed room key", zap.String("room", ev.Room))
		return
	}
	if ev.EventID == "" || !r.seen.observe(ev.EventID) {
		r.metrics.CountReplicaDeduped()
		return
	}

	switch ev.Kind {
	case roomEventMessage:
		if ev.Message == nil {
			return
		}
		r.SendToRoom(r.logger, room, &Envelope{Op: OpMessageReceived, Message: ev.Message})
	case roomEventEnvelope:
		if len(ev.Envelope) == 0 {
			return
		}
		r.sendRawToRoom(room, ev.Envelope)
	case roomEventTypingStart:
		if ev.Typing != nil && r.typing != nil {
			r.typing.applyRemoteStart(room, ev.Typing)
		}
	case roomEventTypingStop:
		if ev.Typing != nil && r.typing != nil {
			r.typing.applyRemoteStop(room, ev.Typing)
		}
	case roomEventVoiceJoin:
		if ev.Voice != nil && ev.Voice.Participant != nil && r.voice != nil {
			r.voice.applyRemoteJoin(ev.Voice.ChannelID, ev.Voice.Participant)
		}
	case roomEventVoiceLeave:
		if ev.Voice != nil && r.voice != nil {
			r.voice.applyRemoteLeave(ev.Voice.ChannelID, ev.Voice.UserID, ev.Node)
		}
	case roomEventVoiceState:
		if ev.Voice != nil && ev.Voice.Update != nil && r.voice != nil {
			r.voice.applyRemoteUpdate(ev.Voice.ChannelID, ev.Voice.UserID, ev.Voice.Update, ev.Ts)
		}
	case roomEventVoiceSync:
		if ev.Voice != nil && r.voice != nil {
			r.voice.handleSyncRequest(ev.Voice.ChannelID)
		}
	default:
		r.logger.Debug("Ignoring room event of unknown kind", zap.String("kind", ev.Kind))
	}
}

func (r *MessageRouter) sendRawToRoom(room Room, payload []byte) {
	delivered := 0
	for _, sessionID := range r.roomRegistry.LocalMembers(room) {
		session := r.sessionRegistry.Get(sessionID)
		if session == nil {
			continue
		}
		if err := session.SendBytes(payload); err != nil {
			continue
		}
		delivered++
	}
	r.metrics.CountRoutedLocal(delivered)
}

// Stop closes all room subscriptions.
func (r *MessageRouter) Stop() {
	r.mu.Lock()
	subs := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub != nil {
			subs = append(subs, sub)
		}
	}
	r.subs = make(map[Room]Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
