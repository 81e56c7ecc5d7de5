/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue is the ephemeral coordination substrate: four named Redis
// FIFO queues plus a small JSON cache. Producers LPUSH and consumers RPOP,
// so each list behaves as a multi-producer single-consumer FIFO with atomic
// push/pop.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Queue names shared across services.
const (
	DataQueue        = "data_queue"
	StreamQueue      = "stream_queue"
	PredictionBuffer = "prediction_buffer"
	RetrainingQueue  = "retraining_queue"
)

// Cache keys shared across services.
const (
	ActiveModelKey   = "active_model"
	ModelUpdateKey   = "model_update"
	ReferenceDataKey = "reference_data"
)

// ErrQueueFull is returned by Push when a bounded queue is at capacity.
// Callers surface it as backpressure (HTTP 503).
var ErrQueueFull = errors.New("queue: queue is full")

// Options tunes the client. MaxLen bounds every queue; zero means
// unbounded.
type Options struct {
	Addr     string
	DB       int
	Password string
	MaxLen   int64
}

// Client wraps go-redis with JSON (de)serialization for queue messages and
// cache values.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
	maxLen int64
}

// NewClient builds a queue client. The connection is lazy; call Ping to
// verify reachability.
func NewClient(opts Options, logger *zap.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		Password: opts.Password,
	})
	return &Client{rdb: rdb, logger: logger, maxLen: opts.MaxLen}
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Push enqueues v onto the named queue. Returns ErrQueueFull when the
// queue is bounded and at capacity. The length check and push are two
// commands; a concurrent producer can overshoot the bound by a few
// entries, which is acceptable for best-effort backpressure.
func (c *Client) Push(ctx context.Context, queueName string, v any) error {
	if c.maxLen > 0 {
		length, err := c.rdb.LLen(ctx, queueName).Result()
		if err != nil {
			return fmt.Errorf("checking length of %s: %w", queueName, err)
		}
		if length >= c.maxLen {
			return fmt.Errorf("pushing to %s: %w", queueName, ErrQueueFull)
		}
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message for %s: %w", queueName, err)
	}
	if err := c.rdb.LPush(ctx, queueName, payload).Err(); err != nil {
		return fmt.Errorf("pushing to %s: %w", queueName, err)
	}
	return nil
}

// Pop dequeues the oldest message from the named queue into dst. Returns
// false when the queue is empty.
func (c *Client) Pop(ctx context.Context, queueName string, dst any) (bool, error) {
	raw, err := c.rdb.RPop(ctx, queueName).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("popping from %s: %w", queueName, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decoding message from %s: %w", queueName, err)
	}
	return true, nil
}

// Len reports the instantaneous queue length. Best effort.
func (c *Client) Len(ctx context.Context, queueName string) (int64, error) {
	length, err := c.rdb.LLen(ctx, queueName).Result()
	if err != nil {
		return 0, fmt.Errorf("measuring %s: %w", queueName, err)
	}
	return length, nil
}

// SetJSON stores v under key with an optional TTL (zero means no expiry).
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding cache value %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("setting cache key %s: %w", key, err)
	}
	return nil
}

// GetJSON loads the value under key into dst. Returns false on a miss.
func (c *Client) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("getting cache key %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decoding cache key %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a cache key. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting cache key %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
