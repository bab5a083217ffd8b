// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package languagebind

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RemoteCache is a cache tier shared between nodes.
type RemoteCache interface {
	Get(ctx context.Context, key string) ([][]float32, bool, error)
	Set(ctx context.Context, key string, embeds [][]float32, ttl time.Duration) error
	Close() error
}

// RedisKeyPrefix namespaces embedding keys.
const RedisKeyPrefix = "languagebind:embed:"

// RedisCache stores embeddings in Redis in the binary vector format of
// SerializeFloatArrays.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisCache connects to rawURL (redis://[:password@]host:port/db).
func NewRedisCache(ctx context.Context, rawURL string, logger *zap.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	logger.Info("Redis embedding cache connected", zap.String("redis_url", redactURL(rawURL)))
	return &RedisCache{client: client, logger: logger}, nil
}

// Get returns the cached embeddings for key, if present.
func (c *RedisCache) Get(ctx context.Context, key string) ([][]float32, bool, error) {
	data, err := c.client.Get(ctx, RedisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	embeds, err := DeserializeFloatArrays(bytes.NewReader(data))
	if err != nil {
		// Delete corrupted cache entry
		c.client.Del(ctx, RedisKeyPrefix+key)
		return nil, false, fmt.Errorf("decoding cached embeddings: %w", err)
	}
	return embeds, true, nil
}

// Set stores embeddings under key with a TTL.
func (c *RedisCache) Set(ctx context.Context, key string, embeds [][]float32, ttl time.Duration) error {
	var buf bytes.Buffer
	if err := SerializeFloatArrays(&buf, embeds); err != nil {
		return err
	}
	if err := c.client.Set(ctx, RedisKeyPrefix+key, buf.Bytes(), ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}
