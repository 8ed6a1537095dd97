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
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SessionRegistry is the node-local book of accepted connections. State lives
// only for the process lifetime: a restarting node holds zero sessions until
// clients reconnect.
type SessionRegistry struct {
	sync.RWMutex
	logger  *zap.Logger
	metrics *Metrics

	sessions map[uuid.UUID]Session
	byUser   map[uuid.UUID]map[uuid.UUID]Session
	count    *atomic.Int32
}

func NewSessionRegistry(logger *zap.Logger, metrics *Metrics) *SessionRegistry {
	return &SessionRegistry{
		logger:  logger,
		metrics: metrics,

		sessions: make(map[uuid.UUID]Session),
		byUser:   make(map[uuid.UUID]map[uuid.UUID]Session),
		count:    atomic.NewInt32(0),
	}
}

// Add registers an authenticated session. A duplicate session ID is a
// programmer error given transport guarantees, surfaced rather than ignored.
func (r *SessionRegistry) Add(session Session) error {
	sessionID := session.ID()
	userID := session.UserID()

	r.Lock()
	if _, found := r.sessions[sessionID]; found {
		r.Unlock()
		return ErrSessionAlreadyRegistered
	}
	r.sessions[sessionID] = session
	byUser, found := r.byUser[userID]
	if !found {
		byUser = make(map[uuid.UUID]Session, 1)
		r.byUser[userID] = byUser
	}
	byUser[sessionID] = session
	r.Unlock()

	count := r.count.Inc()
	r.metrics.GaugeSessions(float64(count))

	r.logger.Debug("Session registered",
		zap.String("sid", sessionID.String()),
		zap.String("uid", userID.String()))
	return nil
}

// Remove drops a session from all indices. Safe to call for sessions that
// were never added (connections closed before authenticating).
func (r *SessionRegistry) Remove(sessionID uuid.UUID) {
	r.Lock()
	session, found := r.sessions[sessionID]
	if !found {
		r.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	userID := session.UserID()
	if byUser, ok := r.byUser[userID]; ok {
		delete(byUser, sessionID)
		if len(byUser) == 0 {
			delete(r.byUser, userID)
		}
	}
	r.Unlock()

	count := r.count.Dec()
	r.metrics.GaugeSessions(float64(count))

	r.logger.Debug("Session removed", zap.String("sid", sessionID.String()))
}

func (r *SessionRegistry) Get(sessionID uuid.UUID) Session {
	r.RLock()
	session := r.sessions[sessionID]
	r.RUnlock()
	return session
}

// SessionsForUser lists this node's live sessions for a user. Used to decide
// whether a disconnect leaves the user with no local connection.
func (r *SessionRegistry) SessionsForUser(userID uuid.UUID) []Session {
	r.RLock()
	byUser := r.byUser[userID]
	sessions := make([]Session, 0, len(byUser))
	for _, s := range byUser {
		sessions = append(sessions, s)
	}
	r.RUnlock()
	return sessions
}

func (r *SessionRegistry) CountForUser(userID uuid.UUID) int {
	r.RLock()
	n := len(r.byUser[userID])
	r.RUnlock()
	return n
}

func (r *SessionRegistry) Count() int {
	return int(r.count.Load())
}

func (r *SessionRegistry) Range(fn func(session Session) bool) {
	r.RLock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.RUnlock()

	for _, s := range sessions {
		if !fn(s) {
			return
		}
	}
}

// Stop closes every remaining session, used during graceful shutdown.
func (r *SessionRegistry) Stop() {
	r.Range(func(session Session) bool {
		session.Close("server shutting down")
		return true
	})
}
