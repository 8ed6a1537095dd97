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
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Components holds every subsystem of one node, wired together.
type Components struct {
	Backplane       Backplane
	SessionRegistry *SessionRegistry
	RoomRegistry    *RoomRegistry
	Router          *MessageRouter
	Presence        *PresenceTracker
	Typing          *TypingCoordinator
	Voice           *VoiceRosterManager
	Pipeline        *Pipeline

	db *sql.DB
}

// NewComponents initializes the full fan-out stack. The backplane and the
// persistence collaborators are chosen by configuration: Redis plus
// PostgreSQL for a clustered deployment, in-process substitutes for a
// single-node development run.
func NewComponents(ctx context.Context, logger *zap.Logger, startupLogger *zap.Logger, config *Config, metrics *Metrics) (*Components, error) {
	var backplane Backplane
	if config.Backplane.Address != "" {
		startupLogger.Info("Initializing Redis backplane",
			zap.String("address", config.Backplane.Address),
			zap.String("node", config.Name))
		rb, err := NewRedisBackplane(ctx, logger, startupLogger, metrics, config.Backplane)
		if err != nil {
			return nil, fmt.Errorf("failed to connect backplane: %w", err)
		}
		backplane = rb
	} else {
		backplane = NewLocalBackplane()
	}

	var db *sql.DB
	var messageStore MessageStore
	var authorizer RoomAuthorizer
	if config.Database.Address != "" {
		var err error
		db, err = DbConnect(ctx, startupLogger, config)
		if err != nil {
			backplane.Stop()
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		messageStore = NewPostgresMessageStore(logger, db)
		authorizer = NewPostgresRoomAuthorizer(logger, db)
	} else {
		messageStore = NewLocalMessageStore()
		authorizer = NewLocalRoomAuthorizer()
	}

	sessionRegistry := NewSessionRegistry(logger, metrics)
	roomRegistry := NewRoomRegistry(logger)
	router := NewMessageRouter(logger, config, metrics, sessionRegistry, roomRegistry, backplane)

	presence, err := StartPresenceTracker(ctx, logger, config, metrics, router, backplane)
	if err != nil {
		backplane.Stop()
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to start presence tracker: %w", err)
	}

	typing := StartTypingCoordinator(ctx, logger, config, router)
	voice := NewVoiceRosterManager(logger, config, router)
	router.SetTypingCoordinator(typing)
	router.SetVoiceRosterManager(voice)
	backplane.OnReconnect(voice.RepublishOwned)

	pipeline := NewPipeline(logger, config, sessionRegistry, roomRegistry, router, presence, typing, voice, messageStore, authorizer)

	startupLogger.Info("Components initialized", zap.String("node", config.Name))

	return &Components{
		Backplane:       backplane,
		SessionRegistry: sessionRegistry,
		RoomRegistry:    roomRegistry,
		Router:          router,
		Presence:        presence,
		Typing:          typing,
		Voice:           voice,
		Pipeline:        pipeline,

		db: db,
	}, nil
}

// Stop shuts the subsystems down in reverse order of initialization.
func (c *Components) Stop() {
	if c == nil {
		return
	}

	c.Typing.Shutdown()
	c.Presence.Stop()
	c.Router.Stop()
	c.SessionRegistry.Stop()
	c.Backplane.Stop()

	if c.db != nil {
		c.db.Close()
	}
}
