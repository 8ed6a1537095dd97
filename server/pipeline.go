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
	"errors"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

const maxMessageContentLen = 4000

// minReadLimitBytes is the smallest socket frame limit that still admits a
// maximum-length message: JSON escaping expands a rune to up to six bytes,
// plus headroom for the rest of the envelope.
const minReadLimitBytes = 6*maxMessageContentLen + 1024

// Pipeline dispatches inbound envelopes to the subsystem handling each
// operation. One instance serves every session on the node.
type Pipeline struct {
	logger *zap.Logger
	config *Config

	sessionRegistry *SessionRegistry
	roomRegistry    *RoomRegistry
	router          *MessageRouter
	presence        *PresenceTracker
	typing          *TypingCoordinator
	voice           *VoiceRosterManager
	messageStore    MessageStore
	authorizer      RoomAuthorizer
}

func NewPipeline(logger *zap.Logger, config *Config, sessionRegistry *SessionRegistry, roomRegistry *RoomRegistry, router *MessageRouter, presence *PresenceTracker, typing *TypingCoordinator, voice *VoiceRosterManager, messageStore MessageStore, authorizer RoomAuthorizer) *Pipeline {
	return &Pipeline{
		logger: logger,
		config: config,

		sessionRegistry: sessionRegistry,
		roomRegistry:    roomRegistry,
		router:          router,
		presence:        presence,
		typing:          typing,
		voice:           voice,
		messageStore:    messageStore,
		authorizer:      authorizer,
	}
}

// ProcessRequest handles one inbound envelope. Returning false tells the
// session to close the connection.
func (p *Pipeline) ProcessRequest(logger *zap.Logger, session Session, in *Envelope) bool {
	if !session.Authenticated() {
		// The only operation an unauthenticated connection may perform is
		// authentication itself.
		if in.Op != OpAuthenticate {
			p.sendAuthError(session, in.Cid, "Connection not authenticated")
			return false
		}
		return p.processAuthenticate(logger, session, in)
	}

	switch in.Op {
	case OpAuthenticate:
		p.sendError(session, in.Cid, ErrorCodeBadRequest, "Connection already authenticated")
	case OpJoinRoom:
		p.processJoinRoom(logger, session, in)
	case OpLeaveRoom:
		p.processLeaveRoom(logger, session, in)
	case OpSendMessage:
		p.processSendMessage(logger, session, in)
	case OpTypingStart:
		p.processTyping(logger, session, in, true)
	case OpTypingStop:
		p.processTyping(logger, session, in, false)
	case OpVoiceJoin:
		p.processVoiceJoin(logger, session, in)
	case OpVoiceLeave:
		p.processVoiceLeave(logger, session, in)
	case OpVoiceStateUpdate:
		p.processVoiceStateUpdate(logger, session, in)
	case OpPresenceHeartbeat:
		p.presence.Heartbeat(session.UserID(), in.Status)
	default:
		p.sendError(session, in.Cid, ErrorCodeBadRequest, "Unrecognized operation")
	}
	return true
}

func (p *Pipeline) processAuthenticate(logger *zap.Logger, session Session, in *Envelope) bool {
	if in.Authenticate == nil || in.Authenticate.Token == "" {
		p.sendAuthError(session, in.Cid, "Missing session token")
		return false
	}

	userID, username, exp, ok := parseToken([]byte(p.config.Session.EncryptionKey), in.Authenticate.Token)
	if !ok {
		p.sendAuthError(session, in.Cid, "Session token invalid or expired")
		return false
	}

	session.Authenticate(userID, username, exp)
	if err := p.sessionRegistry.Add(session); err != nil {
		logger.Warn("Could not register session", zap.Error(err))
		p.sendAuthError(session, in.Cid, "Could not register session")
		return false
	}
	p.presence.Connected(userID, username)

	_ = session.Send(&Envelope{Cid: in.Cid, Op: OpAck})

	// Bring the fresh session up to date on who is currently around.
	for _, notice := range p.presence.Snapshot() {
		_ = session.Send(&Envelope{Op: OpPresenceChanged, Presence: notice})
	}

	logger.Info("Session authenticated", zap.String("uid", userID.String()), zap.String("username", username))
	return true
}

func (p *Pipeline) processJoinRoom(logger *zap.Logger, session Session, in *Envelope) {
	room, err := in.Room.Room()
	if err != nil {
		p.sendError(session, in.Cid, ErrorCodeBadRequest, "Invalid room target")
		return
	}

	member, err := p.authorizer.IsMember(session.Context(), session.UserID(), room)
	if err != nil {
		logger.Error("Room membership check failed", zap.String("room", room.String()), zap.Error(err))
		p.sendError(session, in.Cid, ErrorCodePersistenceFailed, "Could not verify room membership")
		return
	}
	if !member {
		// Recoverable: the connection stays up, only this join is refused.
		p.sendError(session, in.Cid, ErrorCodePermissionDenied, "Not permitted to join this room")
		return
	}

	if err := p.joinRoom(session, room); err != nil {
		logger.Warn("Could not subscribe to room channel", zap.String("room", room.String()), zap.Error(err))
	}
	_ = session.Send(&Envelope{Cid: in.Cid, Op: OpAck})
}

// joinRoom registers local membership and attaches the node to the room's
// replication channel when this is its first local member.
func (p *Pipeline) joinRoom(session Session, room Room) error {
	if first := p.roomRegistry.JoinLocal(room, session.ID()); !first {
		return nil
	}
	if err := p.router.SubscribeRoom(room); err != nil {
		return err
	}
	if room.Kind == RoomKindVoice {
		// Newly attached to a voice room: ask its current owners for the
		// roster so local members see participants who joined elsewhere.
		p.voice.RequestSync(session.Context(), room.ID)
	}
	return nil
}

func (p *Pipeline) processLeaveRoom(logger *zap.Logger, session Session, in *Envelope) {
	room, err := in.Room.Room()
	if err != nil {
		p.sendError(session, in.Cid, ErrorCodeBadRequest, "Invalid room target")
		return
	}

	if emptied := p.roomRegistry.LeaveLocal(room, session.ID()); emptied {
		p.router.UnsubscribeRoom(room)
	}
	_ = session.Send(&Envelope{Cid: in.Cid, Op: OpAck})
}

func (p *Pipeline) processSendMessage(logger *zap.Logger, session Session, in *Envelope) {
	if in.Send == nil {
		p.sendError(session, in.Cid, ErrorCodeBadRequest, "Missing message payload")
		return
	}
	room, err := in.Room.Room()
	if err != nil {
		p.sendError(session, in.Cid, ErrorCodeBadRequest, "Invalid room target")
		return
	}
	if !p.roomRegistry.IsLocalMember(room, session.ID()) {
		p.sendErrorTemp(session, in.Cid, ErrorCodeNotAMember, "Join the room before sending to it", in.Send.ClientTempID)
		return
	}
	if in.Send.Content == "" || utf8.RuneCountInString(in.Send.Content) > maxMessageContentLen {
		p.sendErrorTemp(session, in.Cid, ErrorCodeBadRequest, "Message content empty or too long", in.Send.ClientTempID)
		return
	}

	msg := &ChatMessage{
		ID:           uuid.Must(uuid.NewV7()).String(),
		RoomID:       room.ID,
		RoomKind:     room.Kind.String(),
		SenderID:     session.UserID().String(),
		Username:     session.Username(),
		Content:      in.Send.Content,
		CreatedAt:    time.Now().UTC(),
		ClientTempID: in.Send.ClientTempID,
	}

	// Persistence gates fan-out: a message that is not stored is not
	// broadcast, and the client keeps its optimistic entry in a failed state.
	if err := p.messageStore.SaveMessage(session.Context(), msg); err != nil {
		p.sendErrorTemp(session, in.Cid, ErrorCodePersistenceFailed, "Message could not be saved", in.Send.ClientTempID)
		return
	}

	// The sender's copy is the correlated ack, not the broadcast.
	_ = session.Send(&Envelope{Cid: in.Cid, Op: OpAck, Message: msg})

	// Sending implies no longer typing.
	p.typing.Stop(session.Context(), session.UserID(), session.Username(), room)

	if err := p.router.RouteMessage(session.Context(), logger, room, msg, session.ID()); err != nil {
		if errors.Is(err, ErrDeliveryDegraded) {
			_ = session.Send(&Envelope{Op: OpDeliveryDegraded, Degraded: &DeliveryDegradedNotice{
				MessageID:    msg.ID,
				ClientTempID: msg.ClientTempID,
			}})
		}
	}
}

func (p *Pipeline) processTyping(logger *zap.Logger, session Session, in *Envelope, start bool) {
	room, err := in.Room.Room()
	if err != nil {
		p.sendError(session, in.Cid, ErrorCodeBadRequest, "Invalid room target")
		return
	}
	if !p.roomRegistry.IsLocalMember(room, session.ID()) {
		return
	}
	if start {
		p.typing.Start(session.Context(), session.UserID(), session.Username(), room)
	} else {
		p.typing.Stop(session.Context(), session.UserID(), session.Username(), room)
	}
}

func (p *Pipeline) processVoiceJoin(logger *zap.Logger, session Session, in *Envelope) {
	room, err := in.Room.Room()
	if err != nil || room.Kind != RoomKindVoice {
		p.sendError(session, in.Cid, ErrorCodeBadRequest, "Invalid voice channel target")
		return
	}

	member, err := p.authorizer.IsMember(session.Context(), session.UserID(), room)
	if err != nil {
		logger.Error("Room membership check failed", zap.String("room", room.String()), zap.Error(err))
		p.sendError(session, in.Cid, ErrorCodePersistenceFailed, "Could not verify room membership")
		return
	}
	if !member {
		p.sendError(session, in.Cid, ErrorCodePermissionDenied, "Not permitted to join this voice channel")
		return
	}

	if err := p.joinRoom(session, room); err != nil {
		logger.Warn("Could not subscribe to room channel", zap.String("room", room.String()), zap.Error(err))
	}
	p.voice.Join(session.Context(), session, room.ID)
	_ = session.Send(&Envelope{Cid: in.Cid, Op: OpAck})
}

func (p *Pipeline) processVoiceLeave(logger *zap.Logger, session Session, in *Envelope) {
	room, err := in.Room.Room()
	if err != nil || room.Kind != RoomKindVoice {
		p.sendError(session, in.Cid, ErrorCodeBadRequest, "Invalid voice channel target")
		return
	}

	p.voice.Leave(session.Context(), session, room.ID)
	if emptied := p.roomRegistry.LeaveLocal(room, session.ID()); emptied {
		p.router.UnsubscribeRoom(room)
	}
	_ = session.Send(&Envelope{Cid: in.Cid, Op: OpAck})
}

func (p *Pipeline) processVoiceStateUpdate(logger *zap.Logger, session Session, in *Envelope) {
	if in.VoiceState == nil || in.VoiceState.ChannelID == "" {
		p.sendError(session, in.Cid, ErrorCodeBadRequest, "Missing voice state payload")
		return
	}
	p.voice.UpdateState(session.Context(), session, in.VoiceState)
}

// SessionClosed runs the disconnect side effects for a session, graceful or
// not: voice auto-leave, typing cleanup, room membership removal with channel
// detach, registry removal, and the presence disconnect that may start the
// offline grace timer.
func (p *Pipeline) SessionClosed(session Session) {
	if !session.Authenticated() {
		return
	}

	p.voice.DisconnectSession(session)
	p.typing.DisconnectSession(session.UserID(), p.roomRegistry.RoomsForSession(session.ID()))

	_, emptied := p.roomRegistry.RemoveSession(session.ID())
	for _, room := range emptied {
		p.router.UnsubscribeRoom(room)
	}

	p.sessionRegistry.Remove(session.ID())
	p.presence.Disconnected(session.UserID())
}

func (p *Pipeline) sendError(session Session, cid, code, message string) {
	_ = session.Send(&Envelope{Cid: cid, Op: OpError, Error: &SocketError{Code: code, Message: message}})
}

func (p *Pipeline) sendErrorTemp(session Session, cid, code, message, clientTempID string) {
	_ = session.Send(&Envelope{Cid: cid, Op: OpError, Error: &SocketError{Code: code, Message: message, ClientTempID: clientTempID}})
}

// sendAuthError reports a fatal credential failure; the caller closes the
// connection afterwards.
func (p *Pipeline) sendAuthError(session Session, cid, message string) {
	_ = session.Send(&Envelope{Cid: cid, Op: OpAuthError, Error: &SocketError{Code: ErrorCodeAuthFailed, Message: message}})
}
