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
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/antflydb/languagebind/lib/embeddings"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Default keep-alive duration (matches Ollama's 5-minute default)
const DefaultKeepAlive = 5 * time.Minute

// ErrBindingNotFound is returned for names with no configuration.
var ErrBindingNotFound = errors.New("binding not found")

// BindingLoader builds the composite for a binding.
type BindingLoader func(ctx context.Context, cfg BindingConfig) (*embeddings.LanguageBind, error)

// Binding is a loaded composite and its content-routing embedder.
type Binding struct {
	Config   BindingConfig
	Model    *embeddings.LanguageBind
	Embedder *embeddings.Embedder
	LoadedAt time.Time
}

// Close releases the composite's sessions.
func (b *Binding) Close() error {
	return b.Model.Close()
}

// BindingRegistryConfig configures the binding registry
type BindingRegistryConfig struct {
	KeepAlive         time.Duration // How long to keep bindings loaded (0 = forever)
	MaxLoadedBindings uint64        // Max bindings in memory (0 = unlimited)
	PoolSize          int           // Concurrent forwards per binding (0 = CPU count)
	BatchSize         int           // Per-modality batch size (0 = default)
	Loader            BindingLoader
}

// BindingRegistry loads bindings on demand and unloads them after the
// keep-alive, LRU-evicting above MaxLoadedBindings. Pinned bindings are
// never evicted.
type BindingRegistry struct {
	loader    BindingLoader
	poolSize  int
	batchSize int
	logger    *zap.Logger

	configs map[string]BindingConfig
	mu      sync.RWMutex

	cache *ttlcache.Cache[string, *Binding]
	loads singleflight.Group

	// Reference counting to prevent eviction during active use. Retired
	// bindings were unloaded while in use and close on last release.
	refCounts   map[string]int
	retired     map[string][]*Binding
	refCountsMu sync.Mutex

	pinned   map[string]*Binding
	pinnedMu sync.RWMutex

	keepAlive         time.Duration
	maxLoadedBindings uint64
}

// NewBindingRegistry creates a registry over the given binding configs.
// Nothing is loaded until first use, Pin or Preload.
func NewBindingRegistry(config BindingRegistryConfig, bindings []BindingConfig, logger *zap.Logger) (*BindingRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Loader == nil {
		return nil, errors.New("binding loader is required")
	}

	keepAlive := config.KeepAlive
	if keepAlive == 0 {
		keepAlive = ttlcache.NoTTL
	}

	r := &BindingRegistry{
		loader:            config.Loader,
		poolSize:          config.PoolSize,
		batchSize:         config.BatchSize,
		logger:            logger,
		configs:           make(map[string]BindingConfig),
		refCounts:         make(map[string]int),
		retired:           make(map[string][]*Binding),
		pinned:            make(map[string]*Binding),
		keepAlive:         keepAlive,
		maxLoadedBindings: config.MaxLoadedBindings,
	}
	for _, b := range bindings {
		r.configs[b.Name] = b
	}

	cacheOpts := []ttlcache.Option[string, *Binding]{
		ttlcache.WithTTL[string, *Binding](keepAlive),
	}
	if config.MaxLoadedBindings > 0 {
		cacheOpts = append(cacheOpts, ttlcache.WithCapacity[string, *Binding](config.MaxLoadedBindings))
	}
	r.cache = ttlcache.New(cacheOpts...)

	// Manual deletes are handled by the caller (Unload, Reload, Close).
	// Don't log here on delete since ttlcache runs callbacks in goroutines.
	r.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Binding]) {
		if reason == ttlcache.EvictionReasonDeleted {
			return
		}
		name, binding := item.Key(), item.Value()

		reasonStr := "unknown"
		switch reason {
		case ttlcache.EvictionReasonExpired:
			reasonStr = "expired (keep-alive timeout)"
		case ttlcache.EvictionReasonCapacityReached:
			reasonStr = "capacity reached (LRU eviction)"
		}

		// Hold lock through check-and-action to prevent race with Release()
		r.refCountsMu.Lock()
		if refCount := r.refCounts[name]; refCount > 0 {
			r.cache.Set(name, binding, ttlcache.DefaultTTL)
			r.refCountsMu.Unlock()
			logger.Warn("Preventing eviction of binding with active references",
				zap.String("binding", name),
				zap.Int("refCount", refCount),
				zap.String("reason", reasonStr))
			return
		}
		r.refCountsMu.Unlock()

		logger.Info("Unloading binding", zap.String("binding", name), zap.String("reason", reasonStr))
		r.closeBinding(name, binding)
	})

	go r.cache.Start()

	logger.Info("Binding registry ready",
		zap.Int("bindings", len(r.configs)),
		zap.Duration("keep_alive", keepAlive),
		zap.Uint64("max_loaded_bindings", config.MaxLoadedBindings))
	return r, nil
}

// Get returns a binding, loading it if necessary. Prefer Acquire for
// long-running work; a binding from Get may be evicted while in use.
func (r *BindingRegistry) Get(ctx context.Context, name string) (*Binding, error) {
	r.pinnedMu.RLock()
	if b, ok := r.pinned[name]; ok {
		r.pinnedMu.RUnlock()
		return b, nil
	}
	r.pinnedMu.RUnlock()

	if item := r.cache.Get(name); item != nil {
		return item.Value(), nil
	}

	r.mu.RLock()
	cfg, known := r.configs[name]
	r.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrBindingNotFound, name)
	}

	// Loads outlive any single request that triggered them.
	v, err, _ := r.loads.Do(name, func() (any, error) {
		if item := r.cache.Get(name); item != nil {
			return item.Value(), nil
		}
		return r.load(context.WithoutCancel(ctx), cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Binding), nil
}

// Acquire returns a binding and increments its reference count.
// The caller MUST call Release when done.
func (r *BindingRegistry) Acquire(ctx context.Context, name string) (*Binding, error) {
	b, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	r.refCountsMu.Lock()
	r.refCounts[name]++
	r.refCountsMu.Unlock()
	return b, nil
}

// Release decrements the reference count taken by Acquire.
func (r *BindingRegistry) Release(name string) {
	r.refCountsMu.Lock()
	if r.refCounts[name] > 0 {
		r.refCounts[name]--
	}
	var toClose []*Binding
	if r.refCounts[name] == 0 {
		toClose = r.retired[name]
		delete(r.retired, name)
	}
	r.refCountsMu.Unlock()

	for _, b := range toClose {
		r.closeBinding(name, b)
	}
}

func (r *BindingRegistry) load(ctx context.Context, cfg BindingConfig) (*Binding, error) {
	r.logger.Info("Loading binding on demand",
		zap.String("binding", cfg.Name),
		zap.Any("clip_type", cfg.ClipTypes),
		zap.Bool("use_temp", cfg.Temperature()))

	start := time.Now()
	model, err := r.loader(ctx, cfg)
	if err != nil {
		r.logger.Error("Failed to load binding", zap.String("binding", cfg.Name), zap.Error(err))
		return nil, fmt.Errorf("loading binding %s: %w", cfg.Name, err)
	}
	RecordModelLoadDuration(cfg.Name, "binding", time.Since(start).Seconds())

	b := &Binding{
		Config: cfg,
		Model:  model,
		Embedder: embeddings.NewEmbedder(model, embeddings.EmbedderConfig{
			PoolSize:  r.poolSize,
			BatchSize: r.batchSize,
			Logger:    r.logger.Named(cfg.Name),
		}),
		LoadedAt: time.Now(),
	}
	r.cache.Set(cfg.Name, b, ttlcache.DefaultTTL)
	SetLoadedBindings(len(r.ListLoaded()))

	r.logger.Info("Successfully loaded binding",
		zap.String("binding", cfg.Name),
		zap.String("backend", string(model.BackendType())),
		zap.String("language", model.LanguageCheckpoint()),
		zap.Duration("took", time.Since(start)))
	return b, nil
}

func (r *BindingRegistry) closeBinding(name string, b *Binding) {
	if err := b.Close(); err != nil {
		r.logger.Warn("Error closing binding", zap.String("binding", name), zap.Error(err))
	}
	SetLoadedBindings(len(r.ListLoaded()))
}

// retire closes b now, or on last Release when it is in use.
func (r *BindingRegistry) retire(name string, b *Binding) {
	r.refCountsMu.Lock()
	if r.refCounts[name] > 0 {
		r.retired[name] = append(r.retired[name], b)
		r.refCountsMu.Unlock()
		return
	}
	r.refCountsMu.Unlock()
	r.closeBinding(name, b)
}

// Config returns the configuration of a binding.
func (r *BindingRegistry) Config(name string) (BindingConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[name]
	return cfg, ok
}

// List returns all configured bindings sorted by name
func (r *BindingRegistry) List() []BindingConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BindingConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	slices.SortFunc(out, func(a, b BindingConfig) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// ListLoaded returns loaded binding names (pinned first, then cached)
func (r *BindingRegistry) ListLoaded() []string {
	keys := r.cache.Keys()

	r.pinnedMu.RLock()
	names := make([]string, 0, len(keys)+len(r.pinned))
	for name := range r.pinned {
		names = append(names, name)
	}
	r.pinnedMu.RUnlock()
	slices.Sort(names)
	slices.Sort(keys)
	return append(names, keys...)
}

// IsLoaded checks if a binding is currently loaded (in cache or pinned)
func (r *BindingRegistry) IsLoaded(name string) bool {
	return r.IsPinned(name) || r.cache.Has(name)
}

// IsPinned returns true if a binding is pinned (never evicted)
func (r *BindingRegistry) IsPinned(name string) bool {
	r.pinnedMu.RLock()
	defer r.pinnedMu.RUnlock()
	return r.pinned[name] != nil
}

// Unload explicitly unloads a binding. Pinned bindings stay loaded.
func (r *BindingRegistry) Unload(name string) {
	if r.IsPinned(name) {
		r.logger.Debug("Cannot unload pinned binding", zap.String("binding", name))
		return
	}
	item := r.cache.Get(name)
	if item == nil {
		return
	}
	r.cache.Delete(name)
	r.retire(name, item.Value())
}

// Pin loads a binding if needed and keeps it loaded until Close or a
// reload drops it.
func (r *BindingRegistry) Pin(ctx context.Context, name string) error {
	if r.IsPinned(name) {
		return nil
	}
	b, err := r.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("pin binding %s: %w", name, err)
	}

	r.pinnedMu.Lock()
	r.pinned[name] = b
	r.pinnedMu.Unlock()

	// Deleted callbacks don't close, so the binding moves intact.
	r.cache.Delete(name)

	r.logger.Info("Pinned binding (will not be evicted)", zap.String("binding", name))
	return nil
}

// Preload loads bindings at startup to avoid first-request latency
func (r *BindingRegistry) Preload(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	r.logger.Info("Preloading bindings", zap.Strings("bindings", names))

	var loaded, failed int
	for _, name := range names {
		if _, err := r.Get(ctx, name); err != nil {
			r.logger.Warn("Failed to preload binding", zap.String("binding", name), zap.Error(err))
			failed++
			continue
		}
		loaded++
	}

	r.logger.Info("Preloading complete", zap.Int("loaded", loaded), zap.Int("failed", failed))
	if failed > 0 && loaded == 0 {
		return fmt.Errorf("all %d bindings failed to preload", failed)
	}
	return nil
}

// ReloadResult lists what Reload changed.
type ReloadResult struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// Reload replaces the binding configs. Removed and changed bindings are
// unloaded (pinned ones included); changed eager bindings are pinned
// again on next PinEager.
func (r *BindingRegistry) Reload(bindings []BindingConfig) ReloadResult {
	next := make(map[string]BindingConfig, len(bindings))
	for _, b := range bindings {
		next[b.Name] = b
	}

	var res ReloadResult
	r.mu.Lock()
	for name, old := range r.configs {
		cfg, ok := next[name]
		switch {
		case !ok:
			res.Removed = append(res.Removed, name)
		case !old.Equal(cfg):
			res.Changed = append(res.Changed, name)
		}
	}
	for name := range next {
		if _, ok := r.configs[name]; !ok {
			res.Added = append(res.Added, name)
		}
	}
	r.configs = next
	r.mu.Unlock()

	for _, name := range append(slices.Clone(res.Removed), res.Changed...) {
		r.drop(name)
	}
	slices.Sort(res.Added)
	slices.Sort(res.Removed)
	slices.Sort(res.Changed)

	r.logger.Info("Reloaded bindings",
		zap.Strings("added", res.Added),
		zap.Strings("removed", res.Removed),
		zap.Strings("changed", res.Changed))
	return res
}

// drop unloads a binding whether or not it is pinned.
func (r *BindingRegistry) drop(name string) {
	r.pinnedMu.Lock()
	b, pinned := r.pinned[name]
	delete(r.pinned, name)
	r.pinnedMu.Unlock()
	if pinned {
		r.retire(name, b)
		return
	}
	if item := r.cache.Get(name); item != nil {
		r.cache.Delete(name)
		r.retire(name, item.Value())
	}
}

// PinEager pins every binding with the eager strategy.
func (r *BindingRegistry) PinEager(ctx context.Context) {
	for _, cfg := range r.List() {
		if cfg.Strategy != BindingStrategyEager {
			continue
		}
		if err := r.Pin(ctx, cfg.Name); err != nil {
			r.logger.Warn("Failed to pin binding", zap.String("binding", cfg.Name), zap.Error(err))
		}
	}
}

// Close stops the cache and unloads all bindings (including pinned)
func (r *BindingRegistry) Close() error {
	r.logger.Info("Closing binding registry")
	r.cache.Stop()

	var errs []error
	for _, key := range r.cache.Keys() {
		if item := r.cache.Get(key); item != nil {
			errs = append(errs, item.Value().Close())
		}
	}
	r.cache.DeleteAll()

	r.pinnedMu.Lock()
	for _, b := range r.pinned {
		errs = append(errs, b.Close())
	}
	r.pinned = make(map[string]*Binding)
	r.pinnedMu.Unlock()

	r.refCountsMu.Lock()
	for _, bs := range r.retired {
		for _, b := range bs {
			errs = append(errs, b.Close())
		}
	}
	r.retired = make(map[string][]*Binding)
	r.refCountsMu.Unlock()

	SetLoadedBindings(0)
	return errors.Join(errs...)
}

// Stats returns cache statistics
func (r *BindingRegistry) Stats() map[string]any {
	metrics := r.cache.Metrics()
	r.mu.RLock()
	configured := len(r.configs)
	r.mu.RUnlock()
	r.pinnedMu.RLock()
	pinned := len(r.pinned)
	r.pinnedMu.RUnlock()

	return map[string]any{
		"configured":      configured,
		"loaded":          r.cache.Len() + pinned,
		"pinned":          pinned,
		"cached":          r.cache.Len(),
		"hits":            metrics.Hits,
		"misses":          metrics.Misses,
		"keep_alive":      r.keepAlive.String(),
		"max_loaded":      r.maxLoadedBindings,
		"loaded_bindings": r.ListLoaded(),
	}
}
