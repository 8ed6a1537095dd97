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
	"sync"
)

// BackplaneHandler consumes a message published on a subscribed channel.
// Delivery is at-least-once: handlers must apply idempotently.
type BackplaneHandler func(channel string, payload []byte)

// Subscription is a handle to an active backplane subscription.
type Subscription interface {
	Close() error
}

// Backplane is the shared pub/sub substrate replicating events between
// nodes. It guarantees FIFO ordering per publisher within one channel and
// nothing across channels. It is plain pub/sub with no distributed locks or
// transactions, so correctness rests on idempotent apply by consumers.
type Backplane interface {
	// Publish sends a payload to every subscriber of channel, with a bounded
	// timeout. Returns ErrBackplaneUnavailable while degraded.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers a handler for a channel. At-least-once delivery.
	Subscribe(channel string, handler BackplaneHandler) (Subscription, error)
	// Healthy reports whether the substrate is currently reachable.
	Healthy() bool
	// OnReconnect registers a hook invoked after connectivity is restored and
	// subscriptions are re-established, so owners can republish their state.
	OnReconnect(fn func())
	Stop()
}

// LocalBackplane is an in-process loopback used for single-node deployments
// and tests. Publishing dispatches synchronously on the caller's goroutine,
// which preserves FIFO-per-publisher ordering.
type LocalBackplane struct {
	sync.RWMutex
	handlers  map[string]map[int]BackplaneHandler
	nextID    int
	healthy   bool
	reconnect []func()
}

func NewLocalBackplane() *LocalBackplane {
	return &LocalBackplane{
		handlers: make(map[string]map[int]BackplaneHandler),
		healthy:  true,
	}
}

func (b *LocalBackplane) Publish(ctx context.Context, channel string, payload []byte) error {
	b.RLock()
	if !b.healthy {
		b.RUnlock()
		return ErrBackplaneUnavailable
	}
	handlers := make([]BackplaneHandler, 0, len(b.handlers[channel]))
	for _, h := range b.handlers[channel] {
		handlers = append(handlers, h)
	}
	b.RUnlock()

	for _, h := range handlers {
		h(channel, payload)
	}
	return nil
}

func (b *LocalBackplane) Subscribe(channel string, handler BackplaneHandler) (Subscription, error) {
	b.Lock()
	byID, found := b.handlers[channel]
	if !found {
		byID = make(map[int]BackplaneHandler, 1)
		b.handlers[channel] = byID
	}
	id := b.nextID
	b.nextID++
	byID[id] = handler
	b.Unlock()

	return &localSubscription{backplane: b, channel: channel, id: id}, nil
}

func (b *LocalBackplane) Healthy() bool {
	b.RLock()
	defer b.RUnlock()
	return b.healthy
}

// SetHealthy toggles simulated connectivity. Restoring health runs the
// reconnect hooks, mirroring the production reconciliation path.
func (b *LocalBackplane) SetHealthy(healthy bool) {
	b.Lock()
	wasHealthy := b.healthy
	b.healthy = healthy
	hooks := make([]func(), len(b.reconnect))
	copy(hooks, b.reconnect)
	b.Unlock()

	if healthy && !wasHealthy {
		for _, fn := range hooks {
			fn()
		}
	}
}

func (b *LocalBackplane) OnReconnect(fn func()) {
	b.Lock()
	b.reconnect = append(b.reconnect, fn)
	b.Unlock()
}

func (b *LocalBackplane) Stop() {}

type localSubscription struct {
	backplane *LocalBackplane
	channel   string
	id        int
}

func (s *localSubscription) Close() error {
	s.backplane.Lock()
	if byID, found := s.backplane.handlers[s.channel]; found {
		delete(byID, s.id)
		if len(byID) == 0 {
			delete(s.backplane.handlers, s.channel)
		}
	}
	s.backplane.Unlock()
	return nil
}
