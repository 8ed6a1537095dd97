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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypingStartStop(t *testing.T) {
	backplane := NewLocalBackplane()
	nodeA := newTestNode(t, "nodeA", backplane)
	nodeB := newTestNode(t, "nodeB", backplane)
	room := ChannelRoom("general")

	aliceID, alice := testUser()
	bobID, bob := testUser()
	aliceSession := nodeA.connect(t, aliceID, alice)
	bobSession := nodeB.connect(t, bobID, bob)
	nodeA.join(t, aliceSession, room)
	nodeB.join(t, bobSession, room)
	bobSession.drain()

	nodeA.pipeline.ProcessRequest(nodeA.logger, aliceSession, &Envelope{
		Op:   OpTypingStart,
		Room: &RoomTarget{RoomID: room.ID, RoomKind: "channel"},
	})

	typing := bobSession.envelopesByOp(OpUserTyping)
	require.Len(t, typing, 1, "typing must reach members on other nodes")
	assert.Equal(t, aliceID.String(), typing[0].Typing.UserID)
	assert.Equal(t, alice, typing[0].Typing.Username)

	// A repeated start refreshes the indicator without a second notice.
	nodeA.pipeline.ProcessRequest(nodeA.logger, aliceSession, &Envelope{
		Op:   OpTypingStart,
		Room: &RoomTarget{RoomID: room.ID, RoomKind: "channel"},
	})
	assert.Len(t, bobSession.envelopesByOp(OpUserTyping), 1)

	nodeA.pipeline.ProcessRequest(nodeA.logger, aliceSession, &Envelope{
		Op:   OpTypingStop,
		Room: &RoomTarget{RoomID: room.ID, RoomKind: "channel"},
	})
	stopped := bobSession.envelopesByOp(OpUserStoppedTyping)
	require.Len(t, stopped, 1)
	assert.Equal(t, aliceID.String(), stopped[0].Typing.UserID)
	assert.Empty(t, nodeA.typing.Typing(room))
	assert.Empty(t, nodeB.typing.Typing(room))
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	backplane := NewLocalBackplane()
	nodeA := newTestNode(t, "nodeA", backplane)
	nodeB := newTestNode(t, "nodeB", backplane)
	room := ChannelRoom("general")

	aliceID, alice := testUser()
	bobID, bob := testUser()
	aliceSession := nodeA.connect(t, aliceID, alice)
	bobSession := nodeB.connect(t, bobID, bob)
	nodeA.join(t, aliceSession, room)
	nodeB.join(t, bobSession, room)
	bobSession.drain()

	nodeA.typing.Start(aliceSession.Context(), aliceID, alice, room)
	require.Len(t, nodeB.typing.Typing(room), 1)

	// No explicit stop ever arrives; each node expires its own view.
	cutoff := time.Now().Add(nodeA.config.Typing.TTL() + time.Second)
	nodeA.typing.sweepOnce(cutoff)
	nodeB.typing.sweepOnce(cutoff)

	assert.Empty(t, nodeA.typing.Typing(room))
	assert.Empty(t, nodeB.typing.Typing(room))
	stopped := bobSession.envelopesByOp(OpUserStoppedTyping)
	require.Len(t, stopped, 1, "expiry must clear the indicator for room members")
	assert.Equal(t, aliceID.String(), stopped[0].Typing.UserID)
}

func TestTypingClearedBySendMessage(t *testing.T) {
	node := newTestNode(t, "nodeA", NewLocalBackplane())
	room := ChannelRoom("general")

	aliceID, alice := testUser()
	bobID, bob := testUser()
	aliceSession := node.connect(t, aliceID, alice)
	bobSession := node.connect(t, bobID, bob)
	node.join(t, aliceSession, room)
	node.join(t, bobSession, room)

	node.pipeline.ProcessRequest(node.logger, aliceSession, &Envelope{
		Op:   OpTypingStart,
		Room: &RoomTarget{RoomID: room.ID, RoomKind: "channel"},
	})
	require.Len(t, node.typing.Typing(room), 1)

	node.send(t, aliceSession, room, "done typing", "")

	assert.Empty(t, node.typing.Typing(room), "sending a message implies typing stopped")
	assert.NotEmpty(t, bobSession.envelopesByOp(OpUserStoppedTyping))
}

func TestTypingClearedOnDisconnect(t *testing.T) {
	node := newTestNode(t, "nodeA", NewLocalBackplane())
	room := ChannelRoom("general")

	aliceID, alice := testUser()
	bobID, bob := testUser()
	aliceSession := node.connect(t, aliceID, alice)
	bobSession := node.connect(t, bobID, bob)
	node.join(t, aliceSession, room)
	node.join(t, bobSession, room)
	bobSession.drain()

	node.pipeline.ProcessRequest(node.logger, aliceSession, &Envelope{
		Op:   OpTypingStart,
		Room: &RoomTarget{RoomID: room.ID, RoomKind: "channel"},
	})
	require.Len(t, node.typing.Typing(room), 1)

	node.pipeline.SessionClosed(aliceSession)

	assert.Empty(t, node.typing.Typing(room))
	assert.NotEmpty(t, bobSession.envelopesByOp(OpUserStoppedTyping))
}
