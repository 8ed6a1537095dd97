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
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ApiServer exposes the websocket endpoint plus health and metrics surfaces.
type ApiServer struct {
	logger   *zap.Logger
	config   *Config
	pipeline *Pipeline
	metrics  *Metrics

	backplane       Backplane
	sessionRegistry *SessionRegistry
	upgrader        *websocket.Upgrader
	router          *mux.Router
	server          *http.Server
}

func StartApiServer(logger *zap.Logger, startupLogger *zap.Logger, config *Config, pipeline *Pipeline, metrics *Metrics, backplane Backplane, sessionRegistry *SessionRegistry) *ApiServer {
	s := &ApiServer{
		logger:   logger,
		config:   config,
		pipeline: pipeline,
		metrics:  metrics,

		backplane:       backplane,
		sessionRegistry: sessionRegistry,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  config.Socket.ReadBufferSizeBytes,
			WriteBufferSize: config.Socket.WriteBufferSizeBytes,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", s.serveWs).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router = router

	handlerWithCORS := handlers.CORS(
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		handlers.AllowedMethods([]string{http.MethodGet}),
		handlers.AllowedOrigins([]string{"*"}))(router)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%v:%d", config.Socket.Address, config.Socket.Port),
		ReadTimeout:  0, // Websocket connections are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  0,
		Handler:      handlerWithCORS,
	}

	startupLogger.Info("Starting API server", zap.Int("port", config.Socket.Port))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupLogger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return s
}

func (s *ApiServer) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader writes the failure response itself.
		s.logger.Debug("Could not upgrade to WebSocket", zap.Error(err))
		return
	}

	clientIP, clientPort := extractClientAddress(s.logger, r)
	// Random IDs for sessions; time-ordered V7 is reserved for message IDs.
	sessionID := uuid.Must(uuid.NewV4())

	session := NewSessionWS(s.logger, s.config, sessionID, clientIP, clientPort, conn, s.pipeline, s.metrics)

	// A token supplied at upgrade time authenticates the connection without a
	// first-frame authenticate round trip.
	if token := r.URL.Query().Get("token"); token != "" {
		if !s.pipeline.ProcessRequest(s.logger, session, &Envelope{
			Op:           OpAuthenticate,
			Authenticate: &AuthenticateRequest{Token: token},
		}) {
			session.Close("authentication failed")
			return
		}
	}

	session.Consume()
}

func (s *ApiServer) serveHealth(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Name      string `json:"name"`
		Sessions  int    `json:"sessions"`
		Backplane string `json:"backplane"`
	}{
		Name:     s.config.Name,
		Sessions: s.sessionRegistry.Count(),
	}
	if s.backplane.Healthy() {
		status.Backplane = "connected"
	} else {
		// Still serving local traffic, but cross-instance delivery is out.
		status.Backplane = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(&status)
}

func (s *ApiServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("API server shutdown failed", zap.Error(err))
	}
}

func extractClientAddress(logger *zap.Logger, r *http.Request) (string, string) {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// The header accumulates one hop per proxy; the client is first.
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd), ""
	}
	clientIP, clientPort, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		logger.Debug("Could not extract client address", zap.Error(err))
		return r.RemoteAddr, ""
	}
	return clientIP, clientPort
}
