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

	"github.com/gofrs/uuid/v5"
)

// Session represents one live client connection held by this node. A session
// is owned exclusively by the node that accepted it; only derived facts about
// it (room membership, presence, voice state) are ever replicated.
type Session interface {
	ID() uuid.UUID
	UserID() uuid.UUID
	Username() string
	ClientIP() string
	ClientPort() string
	Context() context.Context

	// Authenticated reports whether the connection completed its one-time
	// unauthenticated -> authenticated transition.
	Authenticated() bool
	// Authenticate records the verified identity. Called exactly once.
	Authenticate(userID uuid.UUID, username string, expiry int64)

	// Consume runs the connection's read loop until close or error.
	Consume()

	Send(envelope *Envelope) error
	SendBytes(payload []byte) error

	// Close tears the connection down and runs disconnect side effects.
	Close(msg string)
}
