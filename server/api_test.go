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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExtractClientAddress(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name       string
		forwarded  string
		remoteAddr string
		wantIP     string
		wantPort   string
	}{
		{"direct connection", "", "10.0.0.7:52114", "10.0.0.7", "52114"},
		{"single proxy", "203.0.113.9", "10.0.0.7:52114", "203.0.113.9", ""},
		{"proxy chain keeps the client hop", "203.0.113.9, 198.51.100.2, 10.0.0.1", "10.0.0.7:52114", "203.0.113.9", ""},
		{"malformed remote addr", "", "nonsense", "nonsense", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tc.forwarded)
			}

			ip, port := extractClientAddress(logger, r)
			assert.Equal(t, tc.wantIP, ip)
			assert.Equal(t, tc.wantPort, port)
		})
	}
}

func TestServeWsAssignsRandomSessionIDs(t *testing.T) {
	node := newTestNode(t, "nodeA", NewLocalBackplane())
	api := &ApiServer{
		logger:          node.logger,
		config:          node.config,
		pipeline:        node.pipeline,
		metrics:         NewMetrics(node.logger, node.config),
		backplane:       node.backplane,
		sessionRegistry: node.sessions,
		upgrader:        &websocket.Upgrader{},
	}
	srv := httptest.NewServer(http.HandlerFunc(api.serveWs))
	defer srv.Close()

	userID, username := testUser()
	token, err := generateToken([]byte(testEncryptionKey), userID, username, time.Now().Add(time.Hour).Unix())
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return node.sessions.Count() == 1 },
		2*time.Second, 10*time.Millisecond, "upgrade with a valid token must register a session")

	var sessionID uuid.UUID
	node.sessions.Range(func(s Session) bool {
		sessionID = s.ID()
		return false
	})
	assert.Equal(t, uuid.V4, sessionID.Version(), "session IDs are random; time-ordered V7 is for message IDs")
}
