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
	"time"

	"github.com/gofrs/uuid/v5"
	_ "github.com/jackc/pgx/v4/stdlib"
	"go.uber.org/zap"
)

// DbConnect opens the PostgreSQL pool backing message persistence and room
// membership lookups.
func DbConnect(ctx context.Context, logger *zap.Logger, config *Config) (*sql.DB, error) {
	logger.Info("Database connection", zap.String("dsn", config.Database.Address))

	db, err := sql.Open("pgx", config.Database.Address)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(config.Database.MaxOpenConns)
	db.SetConnMaxLifetime(time.Duration(config.Database.ConnMaxLifetime) * time.Millisecond)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// PostgresMessageStore persists messages to the messages table.
type PostgresMessageStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewPostgresMessageStore(logger *zap.Logger, db *sql.DB) *PostgresMessageStore {
	return &PostgresMessageStore{logger: logger, db: db}
}

func (s *PostgresMessageStore) SaveMessage(ctx context.Context, msg *ChatMessage) error {
	query := `
INSERT INTO messages (id, room_id, room_kind, sender_id, content, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, msg.ID, msg.RoomID, msg.RoomKind, msg.SenderID, msg.Content, msg.CreatedAt); err != nil {
		s.logger.Error("Could not insert message", zap.String("id", msg.ID), zap.Error(err))
		return err
	}
	return nil
}

func (s *PostgresMessageStore) ListRecent(ctx context.Context, room Room, limit int) ([]*ChatMessage, error) {
	query := `
SELECT m.id, m.room_id, m.room_kind, m.sender_id, COALESCE(u.username, ''), m.content, m.created_at
FROM messages m
LEFT JOIN users u ON u.id = m.sender_id
WHERE m.room_id = $1 AND m.room_kind = $2
ORDER BY m.id DESC
LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, room.ID, room.Kind.String(), limit)
	if err != nil {
		s.logger.Error("Could not list messages", zap.String("room", room.String()), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	messages := make([]*ChatMessage, 0, limit)
	for rows.Next() {
		msg := &ChatMessage{}
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.RoomKind, &msg.SenderID, &msg.Username, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Time-sortable IDs make reversing the DESC page the chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// PostgresRoomAuthorizer consults the membership tables maintained by the
// surrounding application.
type PostgresRoomAuthorizer struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewPostgresRoomAuthorizer(logger *zap.Logger, db *sql.DB) *PostgresRoomAuthorizer {
	return &PostgresRoomAuthorizer{logger: logger, db: db}
}

func (a *PostgresRoomAuthorizer) IsMember(ctx context.Context, userID uuid.UUID, room Room) (bool, error) {
	var query string
	switch room.Kind {
	case RoomKindChannel, RoomKindVoice:
		// Channel access follows membership of the server the channel
		// belongs to. Voice channels are channels.
		query = `
SELECT EXISTS (
	SELECT 1 FROM channels c
	JOIN server_members sm ON sm.server_id = c.server_id AND sm.user_id = $1
	WHERE c.id = $2)`
	case RoomKindDM:
		query = `SELECT EXISTS (SELECT 1 FROM dm_members WHERE user_id = $1 AND dm_id = $2)`
	case RoomKindServer:
		query = `SELECT EXISTS (SELECT 1 FROM server_members WHERE user_id = $1 AND server_id = $2)`
	default:
		return false, errBadRoomTarget
	}

	var member bool
	if err := a.db.QueryRowContext(ctx, query, userID, room.ID).Scan(&member); err != nil {
		a.logger.Error("Could not check room membership", zap.String("room", room.String()), zap.Error(err))
		return false, err
	}
	return member, nil
}
