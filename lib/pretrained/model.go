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

package pretrained

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/antflydb/languagebind/lib/backends"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Graph file names inside a checkpoint directory.
const (
	VisionGraphFilename           = "vision_model.onnx"
	TextGraphFilename             = "text_model.onnx"
	VisualProjectionGraphFilename = "visual_projection.onnx"
	TextProjectionGraphFilename   = "text_projection.onnx"
)

// visionGraphAliases are accepted in place of VisionGraphFilename; CLIP
// exports commonly name the image tower visual_model.onnx.
var visionGraphAliases = []string{VisionGraphFilename, "visual_model.onnx"}

// findGraph returns the first candidate present in dir or its onnx/
// subdirectory, relative to dir. It falls back to the first candidate so
// the open error names the canonical file.
func findGraph(dir string, candidates ...string) string {
	for _, sub := range []string{"", "onnx"} {
		for _, name := range candidates {
			rel := filepath.Join(sub, name)
			if fileExists(filepath.Join(dir, rel)) {
				return rel
			}
		}
	}
	return candidates[0]
}

// Model is an opened LanguageBind checkpoint: a modality (vision side)
// encoder, a language encoder, their projection heads and the learned
// temperature.
type Model struct {
	Dir    string
	Config *Config

	Vision           backends.Session
	Text             backends.Session
	VisualProjection Projector
	TextProjection   Projector

	// LogitScale is the raw learned parameter; callers apply exp().
	LogitScale float32

	Backend backends.BackendType
	GPUMode backends.GPUMode

	closeOnce sync.Once
	closeErr  error
}

type loadConfig struct {
	sessionOpts     []backends.SessionOption
	withText        bool
	withVision      bool
	withProjections bool
	logger          *zap.Logger
}

// LoadOption configures LoadModel.
type LoadOption func(*loadConfig)

// WithSessionOptions passes options to every created session.
func WithSessionOptions(opts ...backends.SessionOption) LoadOption {
	return func(c *loadConfig) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// WithoutText skips the language encoder and text projection.
func WithoutText() LoadOption {
	return func(c *loadConfig) { c.withText = false }
}

// VisionOnly opens just the vision encoder: no language side, no
// projections and no weight file. Feature extractors use it.
func VisionOnly() LoadOption {
	return func(c *loadConfig) {
		c.withText = false
		c.withProjections = false
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) LoadOption {
	return func(c *loadConfig) { c.logger = logger }
}

// LoadConfigOnly reads the configuration without opening any graph.
func LoadConfigOnly(dir string) (*Config, error) {
	return LoadConfig(dir)
}

// LoadModel opens the checkpoint in dir through factory. The vision and
// text graphs are opened concurrently.
func LoadModel(ctx context.Context, dir string, factory backends.SessionFactory, opts ...LoadOption) (*Model, error) {
	cfg := loadConfig{withText: true, withVision: true, withProjections: true, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if factory == nil {
		return nil, errors.New("nil session factory")
	}

	conf, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	m := &Model{
		Dir:        dir,
		Config:     conf,
		LogitScale: float32(conf.LogitScaleInitValue),
		Backend:    factory.Backend(),
		GPUMode:    backends.ApplySessionOptions(cfg.sessionOpts...).GPUMode,
	}

	weights := &Weights{}
	if cfg.withProjections {
		w, err := LoadWeights(dir)
		switch {
		case errors.Is(err, ErrNoWeights):
			cfg.logger.Debug("No weight file in checkpoint, using projection graphs and init logit scale",
				zap.String("dir", dir))
		case err != nil:
			return nil, fmt.Errorf("loading weights: %w", err)
		default:
			weights = w
		}
	}
	if weights.HasLogitScale {
		m.LogitScale = weights.LogitScale
	}

	open := func(name string) (backends.Session, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := factory.CreateSession(filepath.Join(dir, name), cfg.sessionOpts...)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
		return s, nil
	}

	var g errgroup.Group
	var mu sync.Mutex
	if cfg.withVision {
		g.Go(func() error {
			s, err := open(findGraph(dir, visionGraphAliases...))
			if err != nil {
				return err
			}
			mu.Lock()
			m.Vision = s
			mu.Unlock()
			if !cfg.withProjections {
				return nil
			}
			p, err := projector(weights.VisualProjection, findGraph(dir, VisualProjectionGraphFilename), open)
			mu.Lock()
			m.VisualProjection = p
			mu.Unlock()
			return err
		})
	}
	if cfg.withText {
		g.Go(func() error {
			s, err := open(findGraph(dir, TextGraphFilename))
			if err != nil {
				return err
			}
			mu.Lock()
			m.Text = s
			mu.Unlock()
			p, err := projector(weights.TextProjection, findGraph(dir, TextProjectionGraphFilename), open)
			mu.Lock()
			m.TextProjection = p
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		_ = m.Close()
		return nil, err
	}

	cfg.logger.Info("Loaded checkpoint",
		zap.String("dir", dir),
		zap.String("backend", string(m.Backend)),
		zap.Int("visionHidden", conf.VisionConfig.HiddenSize),
		zap.Int("projectionDim", conf.ProjectionDim),
		zap.Float32("logitScale", m.LogitScale))
	return m, nil
}

// projector prefers the in-checkpoint weight and falls back to a graph.
func projector(w *Tensor, graph string, open func(string) (backends.Session, error)) (Projector, error) {
	if w != nil {
		lp, err := NewLinearProjector(w)
		if err != nil {
			return nil, err
		}
		return lp, nil
	}
	s, err := open(graph)
	if err != nil {
		return nil, fmt.Errorf("no projection weight and no projection graph: %w", err)
	}
	p, err := NewSessionProjector(s)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return p, nil
}

// VisionDType reports the element type the vision graph expects for its
// first input.
func (m *Model) VisionDType() backends.DataType {
	if m.Vision == nil {
		return backends.DataTypeFloat32
	}
	if in := m.Vision.InputInfo(); len(in) > 0 && in[0].DataType != "" {
		return in[0].DataType
	}
	return backends.DataTypeFloat32
}

// Close releases all sessions. Safe to call more than once.
func (m *Model) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		for _, c := range []interface{ Close() error }{m.Vision, m.Text, m.VisualProjection, m.TextProjection} {
			if c == nil {
				continue
			}
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}
