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
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/antfly-go/libaf/embeddings"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// EmbeddingCacheTTL is the default TTL for cached embeddings
const EmbeddingCacheTTL = 2 * time.Minute

// CachedEmbedder wraps an embedder with an in-memory cache, an optional
// remote tier and singleflight deduplication.
type CachedEmbedder struct {
	embedder embeddings.Embedder
	scope    string
	cache    *ttlcache.Cache[string, [][]float32]
	remote   RemoteCache
	ttl      time.Duration
	sfGroup  *singleflight.Group
	logger   *zap.Logger

	// Metrics
	hits       atomic.Uint64
	remoteHits atomic.Uint64
	misses     atomic.Uint64
	sfHits     atomic.Uint64
}

// Capabilities returns the underlying embedder's capabilities
func (c *CachedEmbedder) Capabilities() embeddings.EmbedderCapabilities {
	return c.embedder.Capabilities()
}

// Embed generates embeddings with caching support
func (c *CachedEmbedder) Embed(ctx context.Context, contents [][]ai.ContentPart) ([][]float32, error) {
	key := c.cacheKey(contents)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("memory")
		return item.Value(), nil
	}

	// Use singleflight to deduplicate concurrent identical requests
	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		RecordCacheMiss("memory")
		if c.remote != nil {
			embeds, ok, err := c.remote.Get(ctx, key)
			switch {
			case err != nil:
				c.logger.Warn("Remote cache lookup failed", zap.Error(err))
			case ok:
				c.remoteHits.Add(1)
				RecordCacheHit("redis")
				c.cache.Set(key, embeds, ttlcache.DefaultTTL)
				return embeds, nil
			default:
				RecordCacheMiss("redis")
			}
		}

		c.misses.Add(1)
		start := time.Now()
		embeds, err := c.embedder.Embed(ctx, contents)
		if err != nil {
			return nil, err
		}
		RecordRequestDuration("embed", c.scope, "200", time.Since(start).Seconds())

		c.cache.Set(key, embeds, ttlcache.DefaultTTL)
		if c.remote != nil {
			if err := c.remote.Set(ctx, key, embeds, c.ttl); err != nil {
				c.logger.Warn("Remote cache store failed", zap.Error(err))
			}
		}

		c.logger.Debug("Embedding generated and cached",
			zap.Int("num_embeddings", len(embeds)),
			zap.Duration("duration", time.Since(start)))
		return embeds, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.sfHits.Add(1)
	}
	return result.([][]float32), nil
}

// cacheKey hashes scope + content. Every item, part and string is length
// prefixed so no two content lists share a byte stream. Binary parts
// contribute their SHA256.
func (c *CachedEmbedder) cacheKey(contents [][]ai.ContentPart) string {
	h := xxhash.New()
	var buf []byte
	frame := func(s string) {
		buf = binary.AppendUvarint(buf[:0], uint64(len(s)))
		_, _ = h.Write(buf)
		_, _ = h.WriteString(s)
	}

	frame(c.scope)
	buf = binary.AppendUvarint(buf[:0], uint64(len(contents)))
	_, _ = h.Write(buf)
	for _, parts := range contents {
		buf = binary.AppendUvarint(buf[:0], uint64(len(parts)))
		_, _ = h.Write(buf)
		for _, part := range parts {
			switch p := part.(type) {
			case ai.TextContent:
				_, _ = h.WriteString("t")
				frame(p.Text)
			case ai.BinaryContent:
				_, _ = h.WriteString("b")
				frame(p.MIMEType)
				binHash := sha256.Sum256(p.Data)
				_, _ = h.Write(binHash[:])
			default:
				c.logger.Warn("Cache key: unknown content type",
					zap.String("type", fmt.Sprintf("%T", part)))
				_, _ = h.WriteString("?")
			}
		}
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Stats returns cache statistics for this embedder
func (c *CachedEmbedder) Stats() EmbedderCacheStats {
	return EmbedderCacheStats{
		Scope:            c.scope,
		Hits:             c.hits.Load(),
		RemoteHits:       c.remoteHits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
	}
}

// EmbedderCacheStats holds cache statistics for an embedder
type EmbedderCacheStats struct {
	Scope            string `json:"scope"`
	Hits             uint64 `json:"hits"`
	RemoteHits       uint64 `json:"remote_hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
}

// EmbeddingCache is the cache shared by every binding.
type EmbeddingCache struct {
	cache   *ttlcache.Cache[string, [][]float32]
	remote  RemoteCache
	ttl     time.Duration
	sfGroup *singleflight.Group
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewEmbeddingCache creates an embedding cache. ttl <= 0 uses
// EmbeddingCacheTTL; remote may be nil.
func NewEmbeddingCache(ttl time.Duration, remote RemoteCache, logger *zap.Logger) *EmbeddingCache {
	if ttl <= 0 {
		ttl = EmbeddingCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, [][]float32](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	ec := &EmbeddingCache{
		cache:   cache,
		remote:  remote,
		ttl:     ttl,
		sfGroup: &singleflight.Group{},
		logger:  logger,
		cancel:  cancel,
	}

	// Log cache stats periodically
	go ec.logStats(ctx)

	return ec
}

// WrapEmbedder wraps an embedder with caching. scope separates keys of
// different bindings; it should change whenever the binding's checkpoints do.
func (ec *EmbeddingCache) WrapEmbedder(embedder embeddings.Embedder, scope string) *CachedEmbedder {
	return &CachedEmbedder{
		embedder: embedder,
		scope:    scope,
		cache:    ec.cache,
		remote:   ec.remote,
		ttl:      ec.ttl,
		sfGroup:  ec.sfGroup,
		logger:   ec.logger.Named(scope),
	}
}

// BindingScope is the cache scope of a binding config.
func BindingScope(cfg BindingConfig) string {
	h := xxhash.New()
	_, _ = h.WriteString(cfg.Name)
	for _, ct := range cfg.ClipTypes {
		_, _ = h.WriteString("|" + ct.Modality.String() + "=" + ct.Checkpoint)
	}
	_, _ = h.WriteString("|temp=" + strconv.FormatBool(cfg.Temperature()))
	return cfg.Name + "@" + strconv.FormatUint(h.Sum64(), 16)
}

// Close stops the cache and closes the remote tier
func (ec *EmbeddingCache) Close() {
	ec.cancel()
	ec.cache.Stop()
	if ec.remote != nil {
		if err := ec.remote.Close(); err != nil {
			ec.logger.Warn("Closing remote cache", zap.Error(err))
		}
	}
}

// logStats logs cache statistics periodically
func (ec *EmbeddingCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := ec.cache.Metrics()
			if metrics.Hits > 0 || metrics.Misses > 0 {
				total := metrics.Hits + metrics.Misses
				hitRate := float64(metrics.Hits) / float64(total) * 100
				ec.logger.Info("Embedding cache stats",
					zap.Uint64("hits", metrics.Hits),
					zap.Uint64("misses", metrics.Misses),
					zap.Float64("hit_rate_pct", hitRate),
					zap.Int("items", ec.cache.Len()))
			}
		}
	}
}

// Stats returns global cache statistics
func (ec *EmbeddingCache) Stats() map[string]any {
	metrics := ec.cache.Metrics()
	return map[string]any{
		"hits":   metrics.Hits,
		"misses": metrics.Misses,
		"items":  ec.cache.Len(),
		"ttl":    ec.ttl.String(),
		"remote": ec.remote != nil,
	}
}
