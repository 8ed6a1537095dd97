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
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// VoiceParticipant is one entry in a voice channel roster. Node names the
// instance owning the participant's session; only the owner publishes
// mutations for it.
type VoiceParticipant struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Muted     bool   `json:"muted"`
	Deafened  bool   `json:"deafened"`
	Video     bool   `json:"video"`
	Streaming bool   `json:"streaming"`
	JoinedAt  int64  `json:"joinedAt"`
	Node      string `json:"node"`

	updatedTs int64
}

// VoiceRosterManager keeps the authoritative roster of every voice channel
// this node serves. Joins and leaves are idempotent, state updates merge
// partial fields, and each mutation fans the full roster out so clients never
// reconstruct it from deltas.
type VoiceRosterManager struct {
	sync.Mutex
	logger *zap.Logger
	node   string
	router *MessageRouter

	// channel ID -> user ID -> participant
	rosters map[string]map[string]*VoiceParticipant
	// session ID -> channel ID, for the disconnect auto-leave
	bySession map[uuid.UUID]string
}

func NewVoiceRosterManager(logger *zap.Logger, config *Config, router *MessageRouter) *VoiceRosterManager {
	m := &VoiceRosterManager{
		logger: logger,
		node:   config.Name,
		router: router,

		rosters:   make(map[string]map[string]*VoiceParticipant),
		bySession: make(map[uuid.UUID]string),
	}

	return m
}

// Join places a user in a voice channel. A user is in at most one voice
// channel at a time; joining while elsewhere leaves the previous channel
// first. Rejoining the same channel from a new session transfers ownership
// to this node and resets state, which also resolves a crashed instance's
// ghost entry.
func (m *VoiceRosterManager) Join(ctx context.Context, session Session, channelID string) {
	userID := session.UserID().String()
	now := time.Now().UnixMilli()

	m.Lock()
	if previous, inChannel := m.bySession[session.ID()]; inChannel && previous != channelID {
		m.Unlock()
		m.Leave(ctx, session, previous)
		m.Lock()
	}

	participant := &VoiceParticipant{
		UserID:    userID,
		Username:  session.Username(),
		JoinedAt:  now,
		Node:      m.node,
		updatedTs: now,
	}
	if existing := m.rosters[channelID][userID]; existing != nil {
		// Rejoin keeps the original position in the roster ordering.
		participant.JoinedAt = existing.JoinedAt
	}
	m.putLocked(channelID, participant)
	m.bySession[session.ID()] = channelID
	m.Unlock()

	m.fanRoster(channelID)
	_ = m.router.PublishRoomEvent(ctx, m.logger, VoiceRoom(channelID), &roomEvent{
		Kind:    roomEventVoiceJoin,
		EventID: uuid.Must(uuid.NewV4()).String(),
		Ts:      now,
		Voice:   &voiceReplica{ChannelID: channelID, UserID: userID, Participant: participant},
	})
}

// Leave removes a user from a voice channel. Leaving a channel the user is
// not in is a no-op.
func (m *VoiceRosterManager) Leave(ctx context.Context, session Session, channelID string) {
	userID := session.UserID().String()

	m.Lock()
	removed := m.removeLocked(channelID, userID)
	if m.bySession[session.ID()] == channelID {
		delete(m.bySession, session.ID())
	}
	m.Unlock()

	if !removed {
		return
	}

	m.fanRoster(channelID)
	_ = m.router.PublishRoomEvent(ctx, m.logger, VoiceRoom(channelID), &roomEvent{
		Kind:    roomEventVoiceLeave,
		EventID: uuid.Must(uuid.NewV4()).String(),
		Voice:   &voiceReplica{ChannelID: channelID, UserID: userID},
	})
}

// UpdateState merges a partial state change (mute, deafen, video, streaming)
// into the user's roster entry.
func (m *VoiceRosterManager) UpdateState(ctx context.Context, session Session, update *VoiceStateUpdate) {
	userID := session.UserID().String()
	now := time.Now().UnixMilli()

	m.Lock()
	participant := m.rosters[update.ChannelID][userID]
	if participant == nil {
		m.Unlock()
		return
	}
	mergeVoiceState(participant, update, now)
	m.Unlock()

	m.fanRoster(update.ChannelID)
	_ = m.router.PublishRoomEvent(ctx, m.logger, VoiceRoom(update.ChannelID), &roomEvent{
		Kind:    roomEventVoiceState,
		EventID: uuid.Must(uuid.NewV4()).String(),
		Ts:      now,
		Voice:   &voiceReplica{ChannelID: update.ChannelID, UserID: userID, Update: update},
	})
}

// Roster returns the channel's participants ordered by join time, ties
// broken by user ID so every node renders the same order.
func (m *VoiceRosterManager) Roster(channelID string) []*VoiceParticipant {
	m.Lock()
	defer m.Unlock()
	return m.rosterLocked(channelID)
}

func (m *VoiceRosterManager) rosterLocked(channelID string) []*VoiceParticipant {
	entries := m.rosters[channelID]
	out := make([]*VoiceParticipant, 0, len(entries))
	for _, participant := range entries {
		out = append(out, participant)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// DisconnectSession removes the session's user from their voice channel, as
// if they had left. Ungraceful drops must not leave ghost participants.
func (m *VoiceRosterManager) DisconnectSession(session Session) {
	m.Lock()
	channelID, inChannel := m.bySession[session.ID()]
	m.Unlock()
	if !inChannel {
		return
	}
	m.Leave(context.Background(), session, channelID)
}

// applyRemoteJoin applies a replicated join. Receiving a join for a user
// already present replaces the entry, transferring ownership to the newer
// node.
func (m *VoiceRosterManager) applyRemoteJoin(channelID string, participant *VoiceParticipant) {
	m.Lock()
	participant.updatedTs = participant.JoinedAt
	m.putLocked(channelID, participant)
	m.Unlock()

	m.fanRoster(channelID)
}

// applyRemoteLeave applies a replicated leave. The origin node guard keeps a
// stale leave from a previous owner from removing a participant who rejoined
// through a different node.
func (m *VoiceRosterManager) applyRemoteLeave(channelID, userID, node string) {
	m.Lock()
	participant := m.rosters[channelID][userID]
	if participant == nil || participant.Node != node {
		m.Unlock()
		return
	}
	m.removeLocked(channelID, userID)
	m.Unlock()

	m.fanRoster(channelID)
}

// applyRemoteUpdate merges a replicated partial state change. Out-of-order
// duplicates older than the entry's last update are dropped.
func (m *VoiceRosterManager) applyRemoteUpdate(channelID, userID string, update *VoiceStateUpdate, ts int64) {
	m.Lock()
	participant := m.rosters[channelID][userID]
	if participant == nil || ts < participant.updatedTs {
		m.Unlock()
		return
	}
	mergeVoiceState(participant, update, ts)
	m.Unlock()

	m.fanRoster(channelID)
}

// handleSyncRequest answers a voice_sync from a node newly subscribed to the
// channel: republish every participant this node owns so the late subscriber
// converges on the full roster.
func (m *VoiceRosterManager) handleSyncRequest(channelID string) {
	m.Lock()
	owned := make([]*VoiceParticipant, 0, 4)
	for _, participant := range m.rosters[channelID] {
		if participant.Node == m.node {
			owned = append(owned, participant)
		}
	}
	m.Unlock()

	for _, participant := range owned {
		_ = m.router.PublishRoomEvent(context.Background(), m.logger, VoiceRoom(channelID), &roomEvent{
			Kind:    roomEventVoiceJoin,
			EventID: uuid.Must(uuid.NewV4()).String(),
			Ts:      participant.updatedTs,
			Voice:   &voiceReplica{ChannelID: channelID, UserID: participant.UserID, Participant: participant},
		})
	}
}

// RepublishOwned pushes every locally-owned participant to the cluster.
// Registered as a backplane reconnect hook so peers shed ghost entries left
// by the outage.
func (m *VoiceRosterManager) RepublishOwned() {
	m.Lock()
	channels := make([]string, 0, len(m.rosters))
	for channelID, entries := range m.rosters {
		for _, participant := range entries {
			if participant.Node == m.node {
				channels = append(channels, channelID)
				break
			}
		}
	}
	m.Unlock()

	for _, channelID := range channels {
		m.handleSyncRequest(channelID)
	}
}

// RequestSync broadcasts a roster request for a channel. Called when this
// node subscribes to a voice room it has no state for.
func (m *VoiceRosterManager) RequestSync(ctx context.Context, channelID string) {
	_ = m.router.PublishRoomEvent(ctx, m.logger, VoiceRoom(channelID), &roomEvent{
		Kind:    roomEventVoiceSync,
		EventID: uuid.Must(uuid.NewV4()).String(),
		Voice:   &voiceReplica{ChannelID: channelID},
	})
}

func (m *VoiceRosterManager) putLocked(channelID string, participant *VoiceParticipant) {
	entries, found := m.rosters[channelID]
	if !found {
		entries = make(map[string]*VoiceParticipant, 2)
		m.rosters[channelID] = entries
	}
	entries[participant.UserID] = participant
}

func (m *VoiceRosterManager) removeLocked(channelID, userID string) bool {
	entries, found := m.rosters[channelID]
	if !found {
		return false
	}
	if _, present := entries[userID]; !present {
		return false
	}
	delete(entries, userID)
	if len(entries) == 0 {
		delete(m.rosters, channelID)
	}
	return true
}

// fanRoster sends the full ordered roster to the local members of the voice
// room.
func (m *VoiceRosterManager) fanRoster(channelID string) {
	m.Lock()
	roster := m.rosterLocked(channelID)
	m.Unlock()

	m.router.SendToRoom(m.logger, VoiceRoom(channelID), &Envelope{
		Op:          OpVoiceRosterChanged,
		VoiceRoster: &VoiceRosterNotice{ChannelID: channelID, Participants: roster},
	})
}

func mergeVoiceState(participant *VoiceParticipant, update *VoiceStateUpdate, ts int64) {
	if update.Muted != nil {
		participant.Muted = *update.Muted
	}
	if update.Deafened != nil {
		participant.Deafened = *update.Deafened
	}
	if update.Video != nil {
		participant.Video = *update.Video
	}
	if update.Streaming != nil {
		participant.Streaming = *update.Streaming
	}
	participant.updatedTs = ts
}
