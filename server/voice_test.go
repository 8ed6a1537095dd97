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

func boolPtr(v bool) *bool { return &v }

func voiceJoin(t *testing.T, node *testNode, session *fakeSession, channelID string) {
	t.Helper()
	before := len(session.envelopesByOp(OpAck))
	node.pipeline.ProcessRequest(node.logger, session, &Envelope{
		Cid:  "vj-1",
		Op:   OpVoiceJoin,
		Room: &RoomTarget{RoomID: channelID, RoomKind: "voice"},
	})
	require.Greater(t, len(session.envelopesByOp(OpAck)), before, "voice join should be acknowledged")
}

func TestVoiceRosterAcrossNodes(t *testing.T) {
	backplane := NewLocalBackplane()
	nodeA := newTestNode(t, "nodeA", backplane)
	nodeB := newTestNode(t, "nodeB", backplane)
	const channelID = "lounge"

	aliceID, alice := testUser()
	bobID, bob := testUser()
	aliceSession := nodeA.connect(t, aliceID, alice)
	bobSession := nodeB.connect(t, bobID, bob)

	voiceJoin(t, nodeA, aliceSession, channelID)

	// Bob joins later through another node and must see the full roster,
	// including the participant who joined before his node subscribed.
	voiceJoin(t, nodeB, bobSession, channelID)

	rosterA := nodeA.voice.Roster(channelID)
	rosterB := nodeB.voice.Roster(channelID)
	require.Len(t, rosterA, 2)
	require.Len(t, rosterB, 2)

	// Ordered by join time on every node.
	assert.Equal(t, aliceID.String(), rosterA[0].UserID)
	assert.Equal(t, bobID.String(), rosterA[1].UserID)
	assert.Equal(t, aliceID.String(), rosterB[0].UserID)
	assert.Equal(t, bobID.String(), rosterB[1].UserID)

	// Roster changes are broadcast as full snapshots.
	notices := bobSession.envelopesByOp(OpVoiceRosterChanged)
	require.NotEmpty(t, notices)
	assert.Len(t, notices[len(notices)-1].VoiceRoster.Participants, 2)
}

func TestVoiceJoinIsIdempotent(t *testing.T) {
	node := newTestNode(t, "nodeA", NewLocalBackplane())
	const channelID = "lounge"

	userID, username := testUser()
	session := node.connect(t, userID, username)

	voiceJoin(t, node, session, channelID)
	voiceJoin(t, node, session, channelID)

	assert.Len(t, node.voice.Roster(channelID), 1, "rejoining must not duplicate the participant")
}

func TestVoiceStateUpdateMergesPartialFields(t *testing.T) {
	backplane := NewLocalBackplane()
	nodeA := newTestNode(t, "nodeA", backplane)
	nodeB := newTestNode(t, "nodeB", backplane)
	const channelID = "lounge"

	aliceID, alice := testUser()
	bobID, bob := testUser()
	aliceSession := nodeA.connect(t, aliceID, alice)
	bobSession := nodeB.connect(t, bobID, bob)
	voiceJoin(t, nodeA, aliceSession, channelID)
	voiceJoin(t, nodeB, bobSession, channelID)

	nodeA.pipeline.ProcessRequest(nodeA.logger, aliceSession, &Envelope{
		Op:         OpVoiceStateUpdate,
		VoiceState: &VoiceStateUpdate{ChannelID: channelID, Muted: boolPtr(true)},
	})
	nodeA.pipeline.ProcessRequest(nodeA.logger, aliceSession, &Envelope{
		Op:         OpVoiceStateUpdate,
		VoiceState: &VoiceStateUpdate{ChannelID: channelID, Video: boolPtr(true)},
	})

	for _, roster := range [][]*VoiceParticipant{nodeA.voice.Roster(channelID), nodeB.voice.Roster(channelID)} {
		require.Len(t, roster, 2)
		assert.True(t, roster[0].Muted, "first update applied")
		assert.True(t, roster[0].Video, "second update merged, not replaced")
		assert.False(t, roster[0].Deafened, "untouched fields keep their value")
	}
}

func TestVoiceLeaveRemovesEverywhere(t *testing.T) {
	backplane := NewLocalBackplane()
	nodeA := newTestNode(t, "nodeA", backplane)
	nodeB := newTestNode(t, "nodeB", backplane)
	const channelID = "lounge"

	aliceID, alice := testUser()
	bobID, bob := testUser()
	aliceSession := nodeA.connect(t, aliceID, alice)
	bobSession := nodeB.connect(t, bobID, bob)
	voiceJoin(t, nodeA, aliceSession, channelID)
	voiceJoin(t, nodeB, bobSession, channelID)

	nodeA.pipeline.ProcessRequest(nodeA.logger, aliceSession, &Envelope{
		Op:   OpVoiceLeave,
		Room: &RoomTarget{RoomID: channelID, RoomKind: "voice"},
	})

	require.Len(t, nodeA.voice.Roster(channelID), 1)
	require.Len(t, nodeB.voice.Roster(channelID), 1)
	assert.Equal(t, bobID.String(), nodeB.voice.Roster(channelID)[0].UserID)
}

func TestVoiceDisconnectRemovesGhost(t *testing.T) {
	backplane := NewLocalBackplane()
	nodeA := newTestNode(t, "nodeA", backplane)
	nodeB := newTestNode(t, "nodeB", backplane)
	const channelID = "lounge"

	aliceID, alice := testUser()
	bobID, bob := testUser()
	aliceSession := nodeA.connect(t, aliceID, alice)
	bobSession := nodeB.connect(t, bobID, bob)
	voiceJoin(t, nodeA, aliceSession, channelID)
	voiceJoin(t, nodeB, bobSession, channelID)

	// An ungraceful drop must not leave the participant in any roster.
	nodeA.pipeline.SessionClosed(aliceSession)

	assert.Len(t, nodeA.voice.Roster(channelID), 1)
	assert.Len(t, nodeB.voice.Roster(channelID), 1)
	for _, p := range nodeB.voice.Roster(channelID) {
		assert.NotEqual(t, aliceID.String(), p.UserID)
	}
}

func TestVoiceRejoinTransfersOwnership(t *testing.T) {
	backplane := NewLocalBackplane()
	nodeA := newTestNode(t, "nodeA", backplane)
	nodeB := newTestNode(t, "nodeB", backplane)
	const channelID = "lounge"

	userID, username := testUser()
	observerID, observer := testUser()
	sessionA := nodeA.connect(t, userID, username)
	observerSession := nodeB.connect(t, observerID, observer)
	voiceJoin(t, nodeA, sessionA, channelID)
	voiceJoin(t, nodeB, observerSession, channelID)

	// The user's instance crashes without a leave, then they rejoin through
	// another node. The rejoin replaces the stale entry.
	sessionB := nodeB.connect(t, userID, username)
	voiceJoin(t, nodeB, sessionB, channelID)

	roster := nodeB.voice.Roster(channelID)
	var entry *VoiceParticipant
	for _, p := range roster {
		if p.UserID == userID.String() {
			require.Nil(t, entry, "exactly one entry per user")
			entry = p
		}
	}
	require.NotNil(t, entry)
	assert.Equal(t, "nodeB", entry.Node, "ownership follows the new session's node")

	// A late leave replicated from the dead owner must not remove the entry.
	nodeB.voice.applyRemoteLeave(channelID, userID.String(), "nodeA")
	assert.Len(t, nodeB.voice.Roster(channelID), 2)
}

func TestVoiceUserMovesBetweenChannels(t *testing.T) {
	node := newTestNode(t, "nodeA", NewLocalBackplane())

	userID, username := testUser()
	session := node.connect(t, userID, username)

	voiceJoin(t, node, session, "lounge")
	voiceJoin(t, node, session, "gaming")

	assert.Empty(t, node.voice.Roster("lounge"), "a user is in at most one voice channel")
	assert.Len(t, node.voice.Roster("gaming"), 1)
}
