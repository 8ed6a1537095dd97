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

import "errors"

var (
	// ErrSessionQueueFull indicates the session outgoing queue was at capacity.
	ErrSessionQueueFull = errors.New("session outgoing queue full")
	// ErrSessionAlreadyRegistered indicates a duplicate session ID registration.
	ErrSessionAlreadyRegistered = errors.New("session already registered")
	// ErrBackplaneUnavailable indicates the backplane connection is down and the
	// instance is operating in local-only degraded mode.
	ErrBackplaneUnavailable = errors.New("backplane unavailable")
	// ErrDeliveryDegraded indicates a message was persisted and delivered locally
	// but cross-instance replication could not be confirmed.
	ErrDeliveryDegraded = errors.New("cross-instance delivery degraded")

	errBadRoomTarget = errors.New("missing or malformed room target")
)

// Wire error codes returned to clients. Connection-scoped: they are only ever
// sent to the client whose request triggered them, never broadcast.
const (
	ErrorCodeAuthFailed        = "AUTH_FAILED"
	ErrorCodePermissionDenied  = "PERMISSION_DENIED"
	ErrorCodePersistenceFailed = "PERSISTENCE_FAILED"
	ErrorCodeNotAMember        = "NOT_A_MEMBER"
	ErrorCodeBadRequest        = "BAD_REQUEST"
)
