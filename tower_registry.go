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

	"github.com/antflydb/languagebind/lib/tower"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrTowerNotFound is returned for unconfigured tower names.
var ErrTowerNotFound = errors.New("tower not found")

// TowerLoader builds a tower. It honors cfg.DelayLoad.
type TowerLoader func(ctx context.Context, cfg TowerConfig) (*tower.VideoTower, error)

// TowerInfo describes a configured tower.
type TowerInfo struct {
	Name          string `json:"name"`
	Checkpoint    string `json:"checkpoint"`
	Loaded        bool   `json:"loaded"`
	SelectLayer   int    `json:"select_layer"`
	SelectFeature string `json:"select_feature"`
	HiddenSize    int    `json:"hidden_size,omitempty"`
	NumPatches    int    `json:"num_patches,omitempty"`
	DType         string `json:"dtype,omitempty"`
	Device        string `json:"device,omitempty"`
}

// TowerRegistry holds the configured video towers. Towers without
// delay_load are loaded when the registry starts; the rest read their
// config at start and load on first use.
type TowerRegistry struct {
	loader TowerLoader
	logger *zap.Logger

	mu      sync.RWMutex
	configs map[string]TowerConfig
	towers  map[string]*tower.VideoTower
	// In-flight users per tower. Towers dropped by Reload while in use
	// are retired and closed by the last Release.
	refs    map[*tower.VideoTower]int
	retired map[*tower.VideoTower]bool

	loads singleflight.Group
}

// NewTowerRegistry builds every configured tower. Failures are logged and
// retried on first use.
func NewTowerRegistry(ctx context.Context, loader TowerLoader, configs []TowerConfig, logger *zap.Logger) *TowerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &TowerRegistry{
		loader:  loader,
		logger:  logger,
		configs: make(map[string]TowerConfig, len(configs)),
		towers:  make(map[string]*tower.VideoTower, len(configs)),
		refs:    make(map[*tower.VideoTower]int),
		retired: make(map[*tower.VideoTower]bool),
	}
	for _, cfg := range configs {
		r.configs[cfg.Name] = cfg
	}
	for _, cfg := range configs {
		if _, err := r.build(ctx, cfg); err != nil {
			logger.Warn("Failed to build tower", zap.String("tower", cfg.Name), zap.Error(err))
		}
	}
	return r
}

func (r *TowerRegistry) build(ctx context.Context, cfg TowerConfig) (*tower.VideoTower, error) {
	v, err, _ := r.loads.Do(cfg.Name, func() (any, error) {
		r.mu.RLock()
		t, ok := r.towers[cfg.Name]
		r.mu.RUnlock()
		if ok {
			return t, nil
		}
		start := time.Now()
		t, err := r.loader(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("building tower %s: %w", cfg.Name, err)
		}
		if t.IsLoaded() {
			RecordModelLoadDuration(cfg.Name, "tower", time.Since(start).Seconds())
		}
		r.mu.Lock()
		r.towers[cfg.Name] = t
		r.mu.Unlock()
		r.logger.Info("Tower ready",
			zap.String("tower", cfg.Name),
			zap.String("checkpoint", cfg.Checkpoint),
			zap.Bool("loaded", t.IsLoaded()),
			zap.Int("select_layer", t.Args().SelectLayer))
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tower.VideoTower), nil
}

// Get returns a loaded tower, finishing a delayed load if needed. Prefer
// Acquire for request handling so Reload cannot close it mid-use.
func (r *TowerRegistry) Get(ctx context.Context, name string) (*tower.VideoTower, error) {
	r.mu.RLock()
	cfg, known := r.configs[name]
	t := r.towers[name]
	r.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrTowerNotFound, name)
	}
	if t == nil {
		var err error
		if t, err = r.build(ctx, cfg); err != nil {
			return nil, err
		}
	}
	if !t.IsLoaded() {
		start := time.Now()
		if err := t.Load(ctx); err != nil {
			return nil, err
		}
		RecordModelLoadDuration(name, "tower", time.Since(start).Seconds())
	}
	return t, nil
}

// Acquire returns a loaded tower and holds it open until Release.
func (r *TowerRegistry) Acquire(ctx context.Context, name string) (*tower.VideoTower, error) {
	for range 3 {
		r.mu.Lock()
		cfg, known := r.configs[name]
		t := r.towers[name]
		if known && t != nil {
			r.refs[t]++
		}
		r.mu.Unlock()
		if !known {
			return nil, fmt.Errorf("%w: %s", ErrTowerNotFound, name)
		}
		if t == nil {
			if _, err := r.build(ctx, cfg); err != nil {
				return nil, err
			}
			// take the reference on the next pass, unless a reload won
			continue
		}
		if !t.IsLoaded() {
			start := time.Now()
			if err := t.Load(ctx); err != nil {
				r.Release(t)
				return nil, err
			}
			RecordModelLoadDuration(name, "tower", time.Since(start).Seconds())
		}
		return t, nil
	}
	return nil, fmt.Errorf("tower %s is being reloaded", name)
}

// Release drops a reference taken by Acquire.
func (r *TowerRegistry) Release(t *tower.VideoTower) {
	r.mu.Lock()
	r.refs[t]--
	if r.refs[t] > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.refs, t)
	closeNow := r.retired[t]
	delete(r.retired, t)
	r.mu.Unlock()

	if closeNow {
		r.closeTower(t)
	}
}

func (r *TowerRegistry) closeTower(t *tower.VideoTower) {
	if err := t.Close(); err != nil {
		r.logger.Warn("Error closing tower", zap.String("tower", t.Name()), zap.Error(err))
	}
}

// List describes every configured tower, sorted by name.
func (r *TowerRegistry) List() []TowerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TowerInfo, 0, len(r.configs))
	for name, cfg := range r.configs {
		info := TowerInfo{
			Name:          name,
			Checkpoint:    cfg.Checkpoint,
			SelectLayer:   cfg.Args().SelectLayer,
			SelectFeature: cmp.Or(cfg.SelectFeature, tower.DefaultSelectFeature),
		}
		if t := r.towers[name]; t != nil {
			info.Loaded = t.IsLoaded()
			info.SelectFeature = t.Args().SelectFeature
			info.HiddenSize = t.HiddenSize()
			info.NumPatches = t.NumPatches()
			info.DType = string(t.DType())
			info.Device = t.Device()
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b TowerInfo) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Reload replaces tower configs. Removed and changed towers are closed,
// after their last Release when in use, and new ones are built lazily on
// first use.
func (r *TowerRegistry) Reload(configs []TowerConfig) {
	next := make(map[string]TowerConfig, len(configs))
	for _, cfg := range configs {
		next[cfg.Name] = cfg
	}
	r.mu.Lock()
	var stale []*tower.VideoTower
	for name, old := range r.configs {
		cfg, ok := next[name]
		if ok && towerConfigEqual(old, cfg) {
			continue
		}
		if t := r.towers[name]; t != nil {
			delete(r.towers, name)
			if r.refs[t] > 0 {
				r.retired[t] = true
				continue
			}
			stale = append(stale, t)
		}
	}
	r.configs = next
	r.mu.Unlock()

	for _, t := range stale {
		r.closeTower(t)
	}
}

func towerConfigEqual(a, b TowerConfig) bool {
	return a.Checkpoint == b.Checkpoint && a.Args() == b.Args() && a.DelayLoad == b.DelayLoad
}

// Close closes every tower.
func (r *TowerRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, t := range r.towers {
		errs = append(errs, t.Close())
	}
	for t := range r.retired {
		errs = append(errs, t.Close())
	}
	r.towers = make(map[string]*tower.VideoTower)
	r.retired = make(map[*tower.VideoTower]bool)
	return errors.Join(errs...)
}
