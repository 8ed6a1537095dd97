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
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSession is an in-memory Session that records everything sent to it.
type fakeSession struct {
	sync.Mutex
	id            uuid.UUID
	userID        uuid.UUID
	username      string
	authenticated bool
	closed        bool
	closeMsg      string
	ctx           context.Context

	sent []*Envelope
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		id:  uuid.Must(uuid.NewV4()),
		ctx: context.Background(),
	}
}

func (s *fakeSession) ID() uuid.UUID            { return s.id }
func (s *fakeSession) ClientIP() string         { return "127.0.0.1" }
func (s *fakeSession) ClientPort() string       { return "0" }
func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) UserID() uuid.UUID {
	s.Lock()
	defer s.Unlock()
	return s.userID
}

func (s *fakeSession) Username() string {
	s.Lock()
	defer s.Unlock()
	return s.username
}

func (s *fakeSession) Authenticated() bool {
	s.Lock()
	defer s.Unlock()
	return s.authenticated
}

func (s *fakeSession) Authenticate(userID uuid.UUID, username string, expiry int64) {
	s.Lock()
	defer s.Unlock()
	s.userID = userID
	s.username = username
	s.authenticated = true
}

func (s *fakeSession) Consume() {}

func (s *fakeSession) Send(envelope *Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.SendBytes(payload)
}

func (s *fakeSession) SendBytes(payload []byte) error {
	envelope := &Envelope{}
	if err := json.Unmarshal(payload, envelope); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrSessionQueueFull
	}
	s.sent = append(s.sent, envelope)
	return nil
}

func (s *fakeSession) Close(msg string) {
	s.Lock()
	defer s.Unlock()
	s.closed = true
	s.closeMsg = msg
}

func (s *fakeSession) envelopes() []*Envelope {
	s.Lock()
	defer s.Unlock()
	out := make([]*Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSession) envelopesByOp(op string) []*Envelope {
	out := make([]*Envelope, 0, 4)
	for _, envelope := range s.envelopes() {
		if envelope.Op == op {
			out = append(out, envelope)
		}
	}
	return out
}

func (s *fakeSession) lastEnvelope() *Envelope {
	all := s.envelopes()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func (s *fakeSession) drain() {
	s.Lock()
	defer s.Unlock()
	s.sent = s.sent[:0]
}

const testEncryptionKey = "testencryptionkey"

// testNode is one fully-wired node sharing a backplane with its peers.
type testNode struct {
	logger     *zap.Logger
	config     *Config
	backplane  Backplane
	sessions   *SessionRegistry
	rooms      *RoomRegistry
	router     *MessageRouter
	presence   *PresenceTracker
	typing     *TypingCoordinator
	voice      *VoiceRosterManager
	store      *LocalMessageStore
	authorizer *LocalRoomAuthorizer
	pipeline   *Pipeline
}

func newTestNode(t *testing.T, name string, backplane Backplane) *testNode {
	t.Helper()

	logger := zap.NewNop()
	config := NewConfig()
	config.Name = name
	config.Session.EncryptionKey = testEncryptionKey
	// Keep retry backoff short so degraded-path tests stay fast.
	config.Backplane.PublishRetries = 1

	metrics := NewMetrics(logger, config)
	sessions := NewSessionRegistry(logger, metrics)
	rooms := NewRoomRegistry(logger)
	router := NewMessageRouter(logger, config, metrics, sessions, rooms, backplane)

	presence, err := StartPresenceTracker(context.Background(), logger, config, metrics, router, backplane)
	require.NoError(t, err)

	typing := StartTypingCoordinator(context.Background(), logger, config, router)
	voice := NewVoiceRosterManager(logger, config, router)
	router.SetTypingCoordinator(typing)
	router.SetVoiceRosterManager(voice)
	backplane.OnReconnect(voice.RepublishOwned)

	store := NewLocalMessageStore()
	authorizer := NewLocalRoomAuthorizer()
	pipeline := NewPipeline(logger, config, sessions, rooms, router, presence, typing, voice, store, authorizer)

	node := &testNode{
		logger:     logger,
		config:     config,
		backplane:  backplane,
		sessions:   sessions,
		rooms:      rooms,
		router:     router,
		presence:   presence,
		typing:     typing,
		voice:      voice,
		store:      store,
		authorizer: authorizer,
		pipeline:   pipeline,
	}
	t.Cleanup(func() {
		node.typing.Shutdown()
		node.presence.Stop()
		node.router.Stop()
	})
	return node
}

// connect authenticates a new fake session for the given user on this node.
func (n *testNode) connect(t *testing.T, userID uuid.UUID, username string) *fakeSession {
	t.Helper()

	token, err := generateToken([]byte(testEncryptionKey), userID, username, time.Now().Add(time.Hour).Unix())
	require.NoError(t, err)

	session := newFakeSession()
	ok := n.pipeline.ProcessRequest(n.logger, session, &Envelope{
		Cid:          "auth-1",
		Op:           OpAuthenticate,
		Authenticate: &AuthenticateRequest{Token: token},
	})
	require.True(t, ok, "authentication should succeed")
	require.True(t, session.Authenticated())
	return session
}

// join performs a join_room operation and requires its ack.
func (n *testNode) join(t *testing.T, session *fakeSession, room Room) {
	t.Helper()

	before := len(session.envelopesByOp(OpAck))
	n.pipeline.ProcessRequest(n.logger, session, &Envelope{
		Cid: "join-1",
		Op:  OpJoinRoom,
		Room: &RoomTarget{
			RoomID:   room.ID,
			RoomKind: room.Kind.String(),
		},
	})
	require.Greater(t, len(session.envelopesByOp(OpAck)), before, "join should be acknowledged")
}

// send performs a send_message operation and returns the acked message.
func (n *testNode) send(t *testing.T, session *fakeSession, room Room, content, tempID string) *ChatMessage {
	t.Helper()

	before := len(session.envelopesByOp(OpAck))
	n.pipeline.ProcessRequest(n.logger, session, &Envelope{
		Cid: "send-1",
		Op:  OpSendMessage,
		Room: &RoomTarget{
			RoomID:   room.ID,
			RoomKind: room.Kind.String(),
		},
		Send: &SendMessageRequest{Content: content, ClientTempID: tempID},
	})
	acks := session.envelopesByOp(OpAck)
	require.Greater(t, len(acks), before, "send should be acknowledged")
	ack := acks[len(acks)-1]
	require.NotNil(t, ack.Message)
	return ack.Message
}

// failingMessageStore refuses every write, for persistence failure paths.
type failingMessageStore struct{}

func (s *failingMessageStore) SaveMessage(ctx context.Context, msg *ChatMessage) error {
	return context.DeadlineExceeded
}

func (s *failingMessageStore) ListRecent(ctx context.Context, room Room, limit int) ([]*ChatMessage, error) {
	return nil, context.DeadlineExceeded
}

func testUser() (uuid.UUID, string) {
	id := uuid.Must(uuid.NewV4())
	return id, "user-" + id.String()[:8]
}
