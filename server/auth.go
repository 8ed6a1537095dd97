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
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v4"
)

// SessionTokenClaims is the credential issued by the account service and
// presented by clients when opening a realtime connection. Token issuance is
// not this subsystem's job, verification is.
type SessionTokenClaims struct {
	TokenID   string `json:"jti,omitempty"`
	UserID    string `json:"uid,omitempty"`
	Username  string `json:"usn,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

func (c *SessionTokenClaims) Valid() error {
	if c.ExpiresAt != 0 && c.ExpiresAt < jwt.TimeFunc().Unix() {
		return jwt.NewValidationError("token is expired", jwt.ValidationErrorExpired)
	}
	return nil
}

// parseToken verifies a session token against the configured HMAC key and
// extracts its identity claims. A false return is an authentication failure,
// fatal to the connection.
func parseToken(hmacSecret []byte, tokenString string) (userID uuid.UUID, username string, exp int64, ok bool) {
	if tokenString == "" {
		return uuid.Nil, "", 0, false
	}
	claims := &SessionTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return hmacSecret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, "", 0, false
	}
	userID, err = uuid.FromString(claims.UserID)
	if err != nil || userID == uuid.Nil {
		return uuid.Nil, "", 0, false
	}
	return userID, claims.Username, claims.ExpiresAt, true
}

// generateToken signs a session token. Exposed for the account service
// collaborator and for tests; the realtime layer itself only verifies.
func generateToken(hmacSecret []byte, userID uuid.UUID, username string, exp int64) (string, error) {
	claims := &SessionTokenClaims{
		TokenID:   uuid.Must(uuid.NewV4()).String(),
		UserID:    userID.String(),
		Username:  username,
		ExpiresAt: exp,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(hmacSecret)
}
