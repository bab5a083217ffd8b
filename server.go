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
	"net/http"
	"net/url"
	"time"

	"github.com/antflydb/languagebind/lib/backends"
	"github.com/antflydb/languagebind/lib/embeddings"
	"github.com/antflydb/languagebind/lib/modelregistry"
	"github.com/antflydb/languagebind/lib/tower"
	"go.uber.org/zap"
)

// DefaultShutdownTimeout is the default time to wait for graceful shutdown
const DefaultShutdownTimeout = 30 * time.Second

// Node serves bindings and towers over HTTP.
type Node struct {
	logger *zap.Logger
	config Config

	bindings       *BindingRegistry
	towers         *TowerRegistry
	embeddingCache *EmbeddingCache

	validator      *RequestValidator
	limiter        *RateLimiter
	requestTimeout time.Duration
	watcher        *FileWatcher
}

type nodeOptions struct {
	hub     *modelregistry.Hub
	factory backends.SessionFactory
	remote  RemoteCache
}

// NodeOption customizes NewNode.
type NodeOption func(*nodeOptions)

// WithNodeHub replaces the checkpoint hub built from the config.
func WithNodeHub(h *modelregistry.Hub) NodeOption {
	return func(o *nodeOptions) { o.hub = h }
}

// WithNodeSessionFactory runs every graph on f instead of the configured
// backends.
func WithNodeSessionFactory(f backends.SessionFactory) NodeOption {
	return func(o *nodeOptions) { o.factory = f }
}

// WithNodeRemoteCache replaces the Redis tier built from RedisUrl.
func WithNodeRemoteCache(r RemoteCache) NodeOption {
	return func(o *nodeOptions) { o.remote = r }
}

// NewNode builds registries and caches from config. Eager bindings are
// pinned and Preload bindings loaded before it returns.
func NewNode(ctx context.Context, zl *zap.Logger, config Config, opts ...NodeOption) (*Node, error) {
	var o nodeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if zl == nil {
		zl = zap.NewNop()
	}

	keepAlive, err := parseDuration("keep_alive", config.KeepAlive)
	if err != nil {
		return nil, err
	}
	if config.KeepAlive == "" {
		keepAlive = DefaultKeepAlive
	}
	requestTimeout, err := parseDuration("request_timeout", config.RequestTimeout)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := parseDuration("embedding_cache_ttl", config.EmbeddingCacheTtl)
	if err != nil {
		return nil, err
	}

	bindings, towers := config.Bindings, config.Towers
	if config.BindingsFile != "" {
		f, err := LoadBindingsFile(config.BindingsFile)
		if err != nil {
			return nil, err
		}
		bindings, towers = config.merge(f)
	}
	if err := (&BindingsFile{Bindings: bindings, Towers: towers}).Validate(); err != nil {
		return nil, err
	}

	// Configure GPU mode before any session is created
	gpuMode := backends.ParseGPUMode(config.Gpu)
	gpuInfo := backends.DetectGPU()
	zl.Info("GPU detection complete",
		zap.String("mode", string(gpuMode)),
		zap.Bool("available", gpuInfo.Available),
		zap.String("type", gpuInfo.Type),
		zap.String("device", gpuInfo.DeviceName))
	sessionOpts := []backends.SessionOption{backends.WithSessionGPUMode(gpuMode)}

	sm := backends.NewSessionManager()
	if len(config.BackendPriority) > 0 {
		specs, err := backends.ParseBackendPriority(config.BackendPriority)
		if err != nil {
			return nil, fmt.Errorf("invalid backend_priority: %w", err)
		}
		sm.SetPriority(specs)
	}

	hub := o.hub
	if hub == nil {
		hub = newHub(zl, config)
	}

	bindingLoader := func(ctx context.Context, cfg BindingConfig) (*embeddings.LanguageBind, error) {
		lbOpts := []embeddings.Option{
			embeddings.WithUseTemp(cfg.Temperature()),
			embeddings.WithHub(hub),
			embeddings.WithSessionManager(sm),
			embeddings.WithSessionOptions(sessionOpts...),
			embeddings.WithLogger(zl.Named("binding").Named(cfg.Name)),
		}
		if o.factory != nil {
			lbOpts = append(lbOpts, embeddings.WithSessionFactory(o.factory))
		}
		return embeddings.New(ctx, cfg.ClipTypes, lbOpts...)
	}
	towerLoader := func(ctx context.Context, cfg TowerConfig) (*tower.VideoTower, error) {
		towerOpts := []tower.Option{
			tower.WithDelayLoad(cfg.DelayLoad),
			tower.WithHub(hub),
			tower.WithSessionManager(sm),
			tower.WithSessionOptions(sessionOpts...),
			tower.WithLogger(zl.Named("tower").Named(cfg.Name)),
		}
		if o.factory != nil {
			towerOpts = append(towerOpts, tower.WithSessionFactory(o.factory))
		}
		return tower.New(ctx, cfg.Checkpoint, cfg.Args(), towerOpts...)
	}

	bindingRegistry, err := NewBindingRegistry(BindingRegistryConfig{
		KeepAlive:         keepAlive,
		MaxLoadedBindings: uint64(max(config.MaxLoadedBindings, 0)),
		PoolSize:          config.PoolSize,
		BatchSize:         config.BatchSize,
		Loader:            bindingLoader,
	}, bindings, zl.Named("bindings"))
	if err != nil {
		return nil, err
	}

	remote := o.remote
	if remote == nil && config.RedisUrl != "" {
		rc, err := NewRedisCache(ctx, config.RedisUrl, zl.Named("redis"))
		if err != nil {
			_ = bindingRegistry.Close()
			return nil, err
		}
		remote = rc
	}

	n := &Node{
		logger:         zl,
		config:         config,
		bindings:       bindingRegistry,
		towers:         NewTowerRegistry(ctx, towerLoader, towers, zl.Named("towers")),
		embeddingCache: NewEmbeddingCache(cacheTTL, remote, zl.Named("embedding-cache")),
		limiter:        NewRateLimiter(config.RateLimit, config.RateBurst),
		requestTimeout: requestTimeout,
	}
	if config.ValidateRequests {
		if n.validator, err = NewRequestValidator(ctx); err != nil {
			_ = n.Close()
			return nil, err
		}
	}

	// Eager bindings are pinned (never evicted)
	n.bindings.PinEager(ctx)
	// Preload specified bindings at startup (Ollama-compatible)
	if err := n.bindings.Preload(ctx, config.Preload); err != nil {
		zl.Warn("Some bindings failed to preload", zap.Error(err))
	}

	if config.WatchBindings && config.BindingsFile != "" {
		n.watcher = NewFileWatcher(config.BindingsFile, 0, func() {
			if err := n.ReloadBindings(context.WithoutCancel(ctx)); err != nil {
				zl.Warn("Keeping previous bindings", zap.Error(err))
			}
		}, zl.Named("watcher"))
		if err := n.watcher.Start(ctx); err != nil {
			zl.Warn("Bindings file will not be watched", zap.Error(err))
			n.watcher = nil
		}
	}
	return n, nil
}

// newHub resolves bare checkpoint names under the configured owner, trying
// the ONNX export registry before HuggingFace when one is configured.
func newHub(zl *zap.Logger, config Config) *modelregistry.Hub {
	hubOpts := []modelregistry.HubOption{
		modelregistry.WithCacheDir(cmp.Or(config.CacheDir, modelregistry.DefaultCacheDir)),
		modelregistry.WithOffline(config.Offline),
		modelregistry.WithHubLogger(zl.Named("hub")),
	}
	if config.Owner != "" {
		hubOpts = append(hubOpts, modelregistry.WithOwner(config.Owner))
	}
	if config.HfToken != "" {
		hubOpts = append(hubOpts, modelregistry.WithHFToken(config.HfToken))
	}
	if config.RegistryUrl != "" {
		hubOpts = append(hubOpts, modelregistry.WithRegistry(modelregistry.NewClient(
			modelregistry.WithBaseURL(config.RegistryUrl),
			modelregistry.WithLogger(zl.Named("registry")),
		)))
	}
	return modelregistry.NewHub(hubOpts...)
}

// ReloadBindings re-reads the bindings file and applies it. On a parse
// error the current bindings stay in place.
func (n *Node) ReloadBindings(ctx context.Context) error {
	if n.config.BindingsFile == "" {
		return errors.New("no bindings file configured")
	}
	f, err := LoadBindingsFile(n.config.BindingsFile)
	if err != nil {
		RecordBindingReload("error")
		return err
	}
	bindings, towers := n.config.merge(f)
	res := n.bindings.Reload(bindings)
	n.bindings.PinEager(ctx)
	n.towers.Reload(towers)
	RecordBindingReload("ok")
	n.logger.Info("Bindings file reloaded",
		zap.Int("added", len(res.Added)),
		zap.Int("removed", len(res.Removed)),
		zap.Int("changed", len(res.Changed)),
		zap.Int("towers", len(towers)))
	return nil
}

// Handler returns the root handler: health probes, /api and /openai/v1.
func (n *Node) Handler() http.Handler {
	rootMux := http.NewServeMux()

	// Health endpoints (outside /api prefix for k8s compatibility)
	rootMux.HandleFunc("GET /healthz", n.handleHealthz)
	rootMux.HandleFunc("GET /readyz", n.handleReadyz)

	api := timeoutMiddleware(n.requestTimeout, n.APIHandler())
	api = n.validator.Middleware(api)
	rootMux.Handle("/api/", n.limiter.Middleware(api))

	openai := http.NewServeMux()
	n.RegisterOpenAIRoutes(openai)
	rootMux.Handle("/openai/", n.limiter.Middleware(timeoutMiddleware(n.requestTimeout, openai)))

	return corsMiddleware(rootMux)
}

// Close stops the watcher and unloads everything.
func (n *Node) Close() error {
	if n.watcher != nil {
		n.watcher.Stop()
	}
	n.embeddingCache.Close()
	return errors.Join(n.towers.Close(), n.bindings.Close())
}

// RunAsServer serves the API until ctx is cancelled.
// If readyC is non-nil, it will be closed when the server is ready to accept requests.
func RunAsServer(ctx context.Context, zl *zap.Logger, config Config, readyC chan struct{}) {
	zl = zl.Named("languagebind")
	zl.Info("Starting languagebind node", zap.Any("config", config))

	u, err := url.Parse(config.ApiUrl)
	if err != nil {
		zl.Fatal("Invalid API URL", zap.String("url", config.ApiUrl), zap.Error(err))
	}

	node, err := NewNode(ctx, zl, config)
	if err != nil {
		zl.Fatal("Failed to initialize node", zap.Error(err))
	}
	defer func() {
		if err := node.Close(); err != nil {
			zl.Warn("Error closing node", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:        u.Host,
		Handler:     node.Handler(),
		ReadTimeout: 540 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		zl.Info("API server starting", zap.String("address", config.ApiUrl))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Signal readiness after server starts
	if readyC != nil {
		close(readyC)
	}

	// Wait for context cancellation or server error
	select {
	case err := <-serverErr:
		if err != nil {
			zl.Fatal("HTTP server error", zap.Error(err))
		}
	case <-ctx.Done():
		zl.Info("Shutdown signal received, starting graceful shutdown...")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections
	srv.SetKeepAlivesEnabled(false)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Graceful shutdown failed, forcing close",
			zap.Error(err),
			zap.Duration("timeout", DefaultShutdownTimeout))
		_ = srv.Close()
	} else {
		zl.Info("Graceful shutdown completed successfully")
	}

	zl.Info("HTTP server stopped")
}
