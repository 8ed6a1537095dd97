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
	"crypto/tls"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// RedisBackplane replicates events between nodes over Redis pub/sub. Redis
// preserves FIFO ordering per publisher within a channel, which is the
// minimum guarantee consumers rely on.
//
// On connection loss the node degrades to local-only fan-out: Publish fails
// fast with ErrBackplaneUnavailable, the monitor loop reconnects with
// exponential backoff, and on recovery all subscriptions are re-established
// before the registered reconnect hooks run so owners can republish their
// presence and voice state.
type RedisBackplane struct {
	logger  *zap.Logger
	metrics *Metrics
	config  *BackplaneConfig

	client *redis.Client
	pubsub *redis.PubSub

	mu        sync.RWMutex
	handlers  map[string]map[int]BackplaneHandler
	nextID    int
	reconnect []func()

	healthy *atomic.Bool

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

func NewRedisBackplane(ctx context.Context, logger *zap.Logger, startupLogger *zap.Logger, metrics *Metrics, config *BackplaneConfig) (*RedisBackplane, error) {
	opts := &redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	}
	if config.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, config.PublishTimeout())
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to backplane: %w", err)
	}
	startupLogger.Info("Connected to backplane", zap.String("address", config.Address))

	ctx, ctxCancelFn := context.WithCancel(ctx)
	b := &RedisBackplane{
		logger:  logger,
		metrics: metrics,
		config:  config,

		client:   client,
		handlers: make(map[string]map[int]BackplaneHandler),
		healthy:  atomic.NewBool(true),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	// A single PubSub carries every channel subscription; messages are
	// dispatched to handlers by channel name.
	b.pubsub = client.Subscribe(ctx)

	go b.consume()
	go b.monitor()

	return b, nil
}

func (b *RedisBackplane) Publish(ctx context.Context, channel string, payload []byte) error {
	if !b.healthy.Load() {
		return ErrBackplaneUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.PublishTimeout())
	defer cancel()

	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		b.metrics.CountPublishFailure()
		return fmt.Errorf("backplane publish failed: %w", err)
	}
	return nil
}

func (b *RedisBackplane) Subscribe(channel string, handler BackplaneHandler) (Subscription, error) {
	b.mu.Lock()
	byID, found := b.handlers[channel]
	if !found {
		byID = make(map[int]BackplaneHandler, 1)
		b.handlers[channel] = byID
	}
	id := b.nextID
	b.nextID++
	byID[id] = handler
	b.mu.Unlock()

	if !found {
		ctx, cancel := context.WithTimeout(b.ctx, b.config.PublishTimeout())
		defer cancel()
		if err := b.pubsub.Subscribe(ctx, channel); err != nil {
			b.removeHandler(channel, id)
			return nil, fmt.Errorf("backplane subscribe failed: %w", err)
		}
	}

	return &redisSubscription{backplane: b, channel: channel, id: id}, nil
}

func (b *RedisBackplane) removeHandler(channel string, id int) (last bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if byID, found := b.handlers[channel]; found {
		delete(byID, id)
		if len(byID) == 0 {
			delete(b.handlers, channel)
			return true
		}
	}
	return false
}

func (b *RedisBackplane) Healthy() bool {
	return b.healthy.Load()
}

func (b *RedisBackplane) OnReconnect(fn func()) {
	b.mu.Lock()
	b.reconnect = append(b.reconnect, fn)
	b.mu.Unlock()
}

// consume dispatches subscribed messages to their handlers.
func (b *RedisBackplane) consume() {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.mu.RLock()
			handlers := make([]BackplaneHandler, 0, len(b.handlers[msg.Channel]))
			for _, h := range b.handlers[msg.Channel] {
				handlers = append(handlers, h)
			}
			b.mu.RUnlock()

			for _, h := range handlers {
				h(msg.Channel, []byte(msg.Payload))
			}
		}
	}
}

// monitor probes connectivity, flips degraded mode, and drives recovery.
func (b *RedisBackplane) monitor() {
	interval := b.config.ReconnectBase()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(b.ctx, b.config.PublishTimeout())
			err := b.client.Ping(pingCtx).Err()
			cancel()

			if err != nil {
				if b.healthy.CompareAndSwap(true, false) {
					b.metrics.SetDegraded(true)
					b.logger.Error("Backplane unreachable, degrading to local-only fan-out", zap.Error(err))
				}
				// Exponential backoff with jitter between probes.
				interval = interval * 2
				if max := b.config.ReconnectMax(); interval > max {
					interval = max
				}
				jitter := time.Duration(rand.Int63n(int64(interval) / 4))
				ticker.Reset(interval + jitter)
				continue
			}

			if b.healthy.CompareAndSwap(false, true) {
				b.metrics.SetDegraded(false)
				b.logger.Info("Backplane connection restored, resubscribing and reconciling state")
				b.resubscribe()
				b.runReconnectHooks()
			}
			if interval != b.config.ReconnectBase() {
				interval = b.config.ReconnectBase()
				ticker.Reset(interval)
			}
		}
	}
}

// resubscribe re-establishes the full subscription set atomically after a
// reconnect. The go-redis PubSub re-subscribes on its own for transient
// drops; this covers the window where channels were added while degraded.
func (b *RedisBackplane) resubscribe() {
	b.mu.RLock()
	channels := make([]string, 0, len(b.handlers))
	for channel := range b.handlers {
		channels = append(channels, channel)
	}
	b.mu.RUnlock()

	if len(channels) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.config.PublishTimeout())
	defer cancel()
	if err := b.pubsub.Subscribe(ctx, channels...); err != nil {
		b.logger.Warn("Failed to resubscribe after reconnect", zap.Error(err))
	}
}

func (b *RedisBackplane) runReconnectHooks() {
	b.mu.RLock()
	hooks := make([]func(), len(b.reconnect))
	copy(hooks, b.reconnect)
	b.mu.RUnlock()

	for _, fn := range hooks {
		fn()
	}
}

func (b *RedisBackplane) Stop() {
	b.ctxCancelFn()
	if err := b.pubsub.Close(); err != nil {
		b.logger.Debug("Error closing backplane subscription", zap.Error(err))
	}
	if err := b.client.Close(); err != nil {
		b.logger.Debug("Error closing backplane client", zap.Error(err))
	}
}

type redisSubscription struct {
	backplane *RedisBackplane
	channel   string
	id        int
}

func (s *redisSubscription) Close() error {
	if last := s.backplane.removeHandler(s.channel, s.id); last {
		ctx, cancel := context.WithTimeout(s.backplane.ctx, s.backplane.config.PublishTimeout())
		defer cancel()
		return s.backplane.pubsub.Unsubscribe(ctx, s.channel)
	}
	return nil
}
