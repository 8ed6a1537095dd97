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
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusDnd     = "dnd"
	StatusOffline = "offline"
)

// Presence replication event kinds.
const (
	presenceEventStatus = "status"
	presenceEventConns  = "conns"
	presenceEventSync   = "sync"
)

// presenceEvent is the replication frame on the shared presence channel.
// Status events are applied last-writer-wins by Ts; conns events report a
// node's connection count for a user, giving every node the global view
// needed for the offline decision.
type presenceEvent struct {
	Node        string `json:"node"`
	Kind        string `json:"kind"`
	UserID      string `json:"userId"`
	Username    string `json:"username,omitempty"`
	Status      string `json:"status,omitempty"`
	Connections int    `json:"connections"`
	Ts          int64  `json:"ts"`
}

type presenceRecord struct {
	username string
	status   string
	ts       int64 // unix millis of the last applied transition, LWW key
	lastSeen int64

	lastHeartbeat time.Time        // local sessions only
	connsByNode   map[string]int   // node name -> live connection count
	connsTsByNode map[string]int64 // node name -> Ts of the last applied conns event
	graceDeadline time.Time        // armed when the global count reaches zero
}

func (r *presenceRecord) totalConnections() int {
	total := 0
	for _, n := range r.connsByNode {
		total += n
	}
	return total
}

// PresenceTracker maintains each user's online/idle/dnd/offline status with
// a server-enforced idle timeout and a reconnect grace period before the
// offline transition. State is replicated over a single presence channel and
// applied idempotently everywhere.
type PresenceTracker struct {
	sync.Mutex
	logger  *zap.Logger
	metrics *Metrics
	config  *PresenceConfig
	node    string

	router    *MessageRouter
	backplane Backplane
	channel   string

	records map[uuid.UUID]*presenceRecord
	sub     Subscription

	// Strictly increasing Ts for this node's conns events, issued under the
	// tracker lock so wire order inversions are detectable by receivers.
	connsClock int64

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

func StartPresenceTracker(ctx context.Context, logger *zap.Logger, config *Config, metrics *Metrics, router *MessageRouter, backplane Backplane) (*PresenceTracker, error) {
	ctx, ctxCancelFn := context.WithCancel(ctx)

	t := &PresenceTracker{
		logger:  logger,
		metrics: metrics,
		config:  config.Presence,
		node:    config.Name,

		router:    router,
		backplane: backplane,
		channel:   config.Backplane.ChannelPrefix + ":presence",

		records: make(map[uuid.UUID]*presenceRecord),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	sub, err := backplane.Subscribe(t.channel, t.handlePayload)
	if err != nil {
		ctxCancelFn()
		return nil, err
	}
	t.sub = sub

	backplane.OnReconnect(t.republishOwnState)

	go t.sweepLoop()

	// Ask the cluster for current state so a fresh node converges without
	// waiting for organic transitions.
	t.publish(&presenceEvent{Kind: presenceEventSync, Ts: time.Now().UnixMilli()})

	logger.Info("Presence tracker initialized", zap.String("node", config.Name))
	return t, nil
}

// Connected records a new session for a user. The first connection anywhere
// flips the user online.
func (t *PresenceTracker) Connected(userID uuid.UUID, username string) {
	now := time.Now()

	t.Lock()
	rec := t.ensureRecordLocked(userID, username)
	rec.connsByNode[t.node]++
	rec.lastHeartbeat = now
	rec.graceDeadline = time.Time{}
	conns := rec.connsByNode[t.node]
	connsTs := t.connsTsLocked(now)

	var notice *PresenceNotice
	if rec.status == StatusOffline {
		notice = t.transitionLocked(userID, rec, StatusOnline, now.UnixMilli())
	}
	t.Unlock()

	t.publish(&presenceEvent{
		Kind:        presenceEventConns,
		UserID:      userID.String(),
		Username:    username,
		Connections: conns,
		Ts:          connsTs,
	})
	t.emit(notice)
}

// Disconnected records a closed session. When the node's last connection for
// the user is gone, the offline grace timer is armed; the sweep flips the
// user offline only if no node reports a connection before it expires.
func (t *PresenceTracker) Disconnected(userID uuid.UUID) {
	now := time.Now()

	t.Lock()
	rec, found := t.records[userID]
	if !found {
		t.Unlock()
		return
	}
	if rec.connsByNode[t.node] > 0 {
		rec.connsByNode[t.node]--
	}
	if rec.connsByNode[t.node] == 0 {
		delete(rec.connsByNode, t.node)
	}
	conns := rec.connsByNode[t.node]
	connsTs := t.connsTsLocked(now)
	if rec.totalConnections() == 0 {
		rec.graceDeadline = now.Add(t.config.OfflineGrace())
	}
	username := rec.username
	t.Unlock()

	t.publish(&presenceEvent{
		Kind:        presenceEventConns,
		UserID:      userID.String(),
		Username:    username,
		Connections: conns,
		Ts:          connsTs,
	})
}

// Heartbeat refreshes the idle clock for a user with a session on this node.
// An optional client-proposed status ("online", "idle", "dnd") is applied;
// the server-side idle timeout still runs regardless of client cooperation.
func (t *PresenceTracker) Heartbeat(userID uuid.UUID, proposed string) {
	now := time.Now()

	t.Lock()
	rec, found := t.records[userID]
	if !found {
		t.Unlock()
		return
	}
	rec.lastHeartbeat = now

	var notice *PresenceNotice
	switch proposed {
	case StatusOnline, StatusIdle, StatusDnd:
		if rec.status != proposed {
			notice = t.transitionLocked(userID, rec, proposed, now.UnixMilli())
		}
	case "":
		// A bare heartbeat from an idle user means they are back.
		if rec.status == StatusIdle {
			notice = t.transitionLocked(userID, rec, StatusOnline, now.UnixMilli())
		}
	}
	t.Unlock()

	t.emit(notice)
}

// Status returns the current view of a user's presence, for the REST layer.
func (t *PresenceTracker) Status(userID uuid.UUID) *PresenceNotice {
	t.Lock()
	defer t.Unlock()
	rec, found := t.records[userID]
	if !found {
		return &PresenceNotice{UserID: userID.String(), Status: StatusOffline}
	}
	return &PresenceNotice{UserID: userID.String(), Username: rec.username, Status: rec.status, LastSeen: rec.lastSeen}
}

// Snapshot lists every non-offline user currently known to this node.
func (t *PresenceTracker) Snapshot() []*PresenceNotice {
	t.Lock()
	defer t.Unlock()
	out := make([]*PresenceNotice, 0, len(t.records))
	for userID, rec := range t.records {
		if rec.status == StatusOffline {
			continue
		}
		out = append(out, &PresenceNotice{UserID: userID.String(), Username: rec.username, Status: rec.status, LastSeen: rec.lastSeen})
	}
	return out
}

// transitionLocked applies a status change, returning the notice to fan out
// and replicate. Caller holds the lock and emits after releasing it.
func (t *PresenceTracker) transitionLocked(userID uuid.UUID, rec *presenceRecord, status string, ts int64) *PresenceNotice {
	rec.status = status
	rec.ts = ts
	rec.lastSeen = ts
	return &PresenceNotice{UserID: userID.String(), Username: rec.username, Status: status, LastSeen: ts}
}

// emit fans a transition out to local sessions and replicates it.
func (t *PresenceTracker) emit(notice *PresenceNotice) {
	if notice == nil {
		return
	}
	t.router.SendToAll(t.logger, &Envelope{Op: OpPresenceChanged, Presence: notice})
	t.publish(&presenceEvent{
		Kind:     presenceEventStatus,
		UserID:   notice.UserID,
		Username: notice.Username,
		Status:   notice.Status,
		Ts:       notice.LastSeen,
	})
}

func (t *PresenceTracker) ensureRecordLocked(userID uuid.UUID, username string) *presenceRecord {
	rec, found := t.records[userID]
	if !found {
		rec = &presenceRecord{
			status:        StatusOffline,
			connsByNode:   make(map[string]int, 1),
			connsTsByNode: make(map[string]int64, 1),
		}
		t.records[userID] = rec
	}
	if username != "" {
		rec.username = username
	}
	return rec
}

// connsTsLocked issues the Ts for a conns event. Concurrent count changes
// can publish out of order; the Ts order always matches the count mutation
// order, so receivers keep the newest count.
func (t *PresenceTracker) connsTsLocked(now time.Time) int64 {
	ts := now.UnixMilli()
	if ts <= t.connsClock {
		ts = t.connsClock + 1
	}
	t.connsClock = ts
	return ts
}

func (t *PresenceTracker) publish(ev *presenceEvent) {
	ev.Node = t.node
	payload, err := json.Marshal(ev)
	if err != nil {
		t.logger.Error("Could not marshal presence event", zap.Error(err))
		return
	}
	if err := t.backplane.Publish(t.ctx, t.channel, payload); err != nil {
		// Degraded mode: local view stays correct, reconciliation on
		// reconnect republishes this node's state.
		t.logger.Debug("Presence replication skipped", zap.Error(err))
	}
}

// handlePayload applies a replicated presence event from another node.
func (t *PresenceTracker) handlePayload(channel string, payload []byte) {
	var ev presenceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.logger.Warn("Failed to unmarshal presence event", zap.Error(err))
		return
	}
	if ev.Node == t.node {
		return
	}

	switch ev.Kind {
	case presenceEventSync:
		t.republishOwnState()
		return
	case presenceEventConns, presenceEventStatus:
	default:
		return
	}

	userID, err := uuid.FromString(ev.UserID)
	if err != nil {
		return
	}

	t.Lock()
	rec := t.ensureRecordLocked(userID, ev.Username)

	var notice *PresenceNotice
	switch ev.Kind {
	case presenceEventConns:
		// Publish order can invert under concurrent count changes on the
		// origin node; its Ts order cannot. Drop anything already superseded.
		if ev.Ts <= rec.connsTsByNode[ev.Node] {
			break
		}
		rec.connsTsByNode[ev.Node] = ev.Ts
		if ev.Connections == 0 {
			delete(rec.connsByNode, ev.Node)
		} else {
			rec.connsByNode[ev.Node] = ev.Connections
			rec.graceDeadline = time.Time{}
		}
		if rec.totalConnections() == 0 && rec.graceDeadline.IsZero() {
			rec.graceDeadline = time.Now().Add(t.config.OfflineGrace())
		}
	case presenceEventStatus:
		// Last writer wins: replays and reordered duplicates are inert.
		if ev.Ts > rec.ts && ev.Status != rec.status {
			notice = t.transitionLocked(userID, rec, ev.Status, ev.Ts)
		} else if ev.Ts > rec.ts {
			rec.ts = ev.Ts
			rec.lastSeen = ev.Ts
		}
	}
	t.Unlock()

	if notice != nil {
		t.router.SendToAll(t.logger, &Envelope{Op: OpPresenceChanged, Presence: notice})
	}
}

// republishOwnState pushes this node's contribution (connection counts and
// the statuses of locally-connected users) so peers recover a consistent
// view after a backplane outage or a sync request.
func (t *PresenceTracker) republishOwnState() {
	t.Lock()
	events := make([]*presenceEvent, 0, len(t.records))
	for userID, rec := range t.records {
		conns := rec.connsByNode[t.node]
		if conns == 0 {
			continue
		}
		events = append(events,
			&presenceEvent{
				Kind:        presenceEventConns,
				UserID:      userID.String(),
				Username:    rec.username,
				Connections: conns,
				Ts:          t.connsTsLocked(time.Now()),
			},
			// Original transition timestamp: a refresh must never shadow a
			// newer transition applied elsewhere.
			&presenceEvent{
				Kind:     presenceEventStatus,
				UserID:   userID.String(),
				Username: rec.username,
				Status:   rec.status,
				Ts:       rec.ts,
			})
	}
	t.Unlock()

	for _, ev := range events {
		t.publish(ev)
	}
}

func (t *PresenceTracker) sweepLoop() {
	ticker := time.NewTicker(t.config.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.sweepOnce(time.Now())
		}
	}
}

// sweepOnce enforces the time-based transitions: server-side idle for
// unresponsive local users, and offline for users whose grace period expired
// with no connection anywhere.
func (t *PresenceTracker) sweepOnce(now time.Time) {
	t.Lock()
	notices := make([]*PresenceNotice, 0, 4)
	for userID, rec := range t.records {
		if rec.connsByNode[t.node] > 0 && rec.status == StatusOnline &&
			now.Sub(rec.lastHeartbeat) > t.config.IdleAfter() {
			notices = append(notices, t.transitionLocked(userID, rec, StatusIdle, now.UnixMilli()))
			continue
		}
		if rec.status != StatusOffline && rec.totalConnections() == 0 &&
			!rec.graceDeadline.IsZero() && now.After(rec.graceDeadline) {
			notices = append(notices, t.transitionLocked(userID, rec, StatusOffline, now.UnixMilli()))
			rec.graceDeadline = time.Time{}
		}
	}
	t.metrics.GaugePresences(float64(len(t.records)))
	t.Unlock()

	for _, notice := range notices {
		t.emit(notice)
	}
}

func (t *PresenceTracker) Stop() {
	t.ctxCancelFn()
	if t.sub != nil {
		t.sub.Close()
	}
}
