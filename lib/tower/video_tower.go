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

// Package tower exposes the hidden states of a LanguageBind video encoder
// as visual features for a downstream multimodal language model.
package tower

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"sync"

	"github.com/antflydb/languagebind/lib/backends"
	"github.com/antflydb/languagebind/lib/modality"
	"github.com/antflydb/languagebind/lib/modelregistry"
	"github.com/antflydb/languagebind/lib/pipelines"
	"github.com/antflydb/languagebind/lib/pretrained"
	"go.uber.org/zap"
)

// ErrTowerNotLoaded is returned by operations that need the encoder before
// Load was called on a delay-loaded tower.
var ErrTowerNotLoaded = errors.New("video tower is not loaded")

// DefaultSelectFeature is the feature selection used when Args leaves it
// empty.
const DefaultSelectFeature = "patch"

// OutputHiddenStates names the stacked hidden states output
// [layers+1, batch, ...]. Graphs may instead emit one output per layer
// named hidden_states.<i> or hidden_states_<i>.
const OutputHiddenStates = "hidden_states"

var hiddenStatePattern = regexp.MustCompile(`^hidden_states[._](\d+)$`)

// Args selects which features the tower returns.
type Args struct {
	// SelectLayer indexes the hidden states; negative values count from
	// the end, so -2 is the penultimate layer.
	SelectLayer int `json:"select_layer" yaml:"select_layer"`
	// SelectFeature is recorded for callers. All tokens, class token
	// included, are returned regardless.
	SelectFeature string `json:"select_feature,omitempty" yaml:"select_feature,omitempty"`
}

// VideoTower wraps the vision encoder of a video checkpoint.
type VideoTower struct {
	name string
	args Args

	entry       modality.Entry
	hub         *modelregistry.Hub
	factory     backends.SessionFactory
	sessionOpts []backends.SessionOption
	logger      *zap.Logger

	mu        sync.RWMutex
	cfgOnly   *pretrained.Config
	model     *pretrained.Model
	processor *pipelines.VideoProcessor
}

type options struct {
	delayLoad      bool
	cacheDir       string
	registry       *modality.Registry
	hub            *modelregistry.Hub
	factory        backends.SessionFactory
	sessionManager *backends.SessionManager
	modelBackends  []string
	sessionOpts    []backends.SessionOption
	logger         *zap.Logger
}

// Option configures New.
type Option func(*options)

// WithDelayLoad reads only the config until Load is called.
func WithDelayLoad(delay bool) Option {
	return func(o *options) { o.delayLoad = delay }
}

// WithCacheDir sets the checkpoint cache dir. Ignored when WithHub is given.
func WithCacheDir(dir string) Option {
	return func(o *options) { o.cacheDir = dir }
}

// WithRegistry replaces the default modality registry. The tower reads
// and opens its checkpoint through the video entry.
func WithRegistry(r *modality.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithHub sets the hub the checkpoint is resolved through.
func WithHub(h *modelregistry.Hub) Option {
	return func(o *options) { o.hub = h }
}

// WithSessionFactory opens the encoder through f.
func WithSessionFactory(f backends.SessionFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithSessionManager picks the backend through sm.
func WithSessionManager(sm *backends.SessionManager) Option {
	return func(o *options) { o.sessionManager = sm }
}

// WithModelBackends restricts the backends the encoder may run on.
func WithModelBackends(b []string) Option {
	return func(o *options) { o.modelBackends = b }
}

// WithSessionOptions passes options to the encoder session.
func WithSessionOptions(opts ...backends.SessionOption) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates a tower for the named video checkpoint, such as
// "LanguageBind_Video_merge". Unless delay-loaded, the encoder is opened
// before New returns.
func New(ctx context.Context, name string, args Args, opts ...Option) (*VideoTower, error) {
	o := options{cacheDir: modelregistry.DefaultCacheDir}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.registry == nil {
		o.registry = modality.DefaultRegistry()
	}
	entry, err := o.registry.Lookup(modality.Video)
	if err != nil {
		return nil, err
	}
	if o.hub == nil {
		o.hub = modelregistry.NewHub(
			modelregistry.WithCacheDir(o.cacheDir),
			modelregistry.WithHubLogger(o.logger.Named("hub")))
	}
	if o.factory == nil {
		sm := o.sessionManager
		if sm == nil {
			sm = backends.NewSessionManager()
		}
		f, _, err := sm.GetSessionFactoryForModel(o.modelBackends)
		if err != nil {
			return nil, fmt.Errorf("selecting backend: %w", err)
		}
		o.factory = f
	}
	if args.SelectFeature == "" {
		args.SelectFeature = DefaultSelectFeature
	}

	t := &VideoTower{
		name:        name,
		args:        args,
		entry:       entry,
		hub:         o.hub,
		factory:     o.factory,
		sessionOpts: o.sessionOpts,
		logger:      o.logger,
	}

	if !o.delayLoad {
		if err := t.Load(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}

	dir, err := t.resolve(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := t.entry.LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	t.cfgOnly = cfg
	return t, nil
}

func (t *VideoTower) resolve(ctx context.Context) (string, error) {
	ref, err := t.hub.Parse(t.name)
	if err != nil {
		return "", err
	}
	return t.hub.Resolve(ctx, ref)
}

// Load opens the vision encoder. Loading an already loaded tower is a
// no-op.
func (t *VideoTower) Load(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.model != nil {
		return nil
	}
	dir, err := t.resolve(ctx)
	if err != nil {
		return err
	}
	model, err := t.entry.LoadModel(ctx, dir, t.factory,
		pretrained.VisionOnly(),
		pretrained.WithSessionOptions(t.sessionOpts...),
		pretrained.WithLogger(t.logger))
	if err != nil {
		return fmt.Errorf("loading video tower %s: %w", t.name, err)
	}
	v := model.Config.VisionConfig
	t.model = model
	t.processor = pipelines.NewVideoProcessor(pipelines.DefaultImageConfig(v.ImageSize), v.NumFrames)
	t.logger.Info("Video tower loaded",
		zap.String("name", t.name),
		zap.Int("selectLayer", t.args.SelectLayer),
		zap.String("selectFeature", t.args.SelectFeature),
		zap.Int("hiddenSize", v.HiddenSize))
	return nil
}

// IsLoaded reports whether the encoder is open.
func (t *VideoTower) IsLoaded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.model != nil
}

// Name returns the checkpoint name.
func (t *VideoTower) Name() string { return t.name }

// Args returns the feature selection.
func (t *VideoTower) Args() Args { return t.args }

// Forward runs a batch of videos pixel_values [B,3,T,H,W] and returns the
// selected hidden state.
func (t *VideoTower) Forward(ctx context.Context, videos backends.NamedTensor) (backends.NamedTensor, error) {
	model, err := t.loaded()
	if err != nil {
		return backends.NamedTensor{}, err
	}
	if err := ctx.Err(); err != nil {
		return backends.NamedTensor{}, err
	}
	videos.Name = pipelines.InputPixelValues
	outputs, err := model.Vision.Run([]backends.NamedTensor{videos})
	if err != nil {
		return backends.NamedTensor{}, fmt.Errorf("running video tower: %w", err)
	}
	return t.featureSelect(outputs)
}

// ForwardEach runs every video [3,T,H,W] on its own with a batch of one,
// returning one feature tensor per video.
func (t *VideoTower) ForwardEach(ctx context.Context, videos []backends.NamedTensor) ([]backends.NamedTensor, error) {
	features := make([]backends.NamedTensor, 0, len(videos))
	for i, v := range videos {
		v.Shape = append([]int64{1}, v.Shape...)
		f, err := t.Forward(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("video %d: %w", i, err)
		}
		features = append(features, f)
	}
	return features, nil
}

// Features preprocesses decoded clips and runs them as one batch.
func (t *VideoTower) Features(ctx context.Context, videos []*pipelines.Video) (backends.NamedTensor, error) {
	if _, err := t.loaded(); err != nil {
		return backends.NamedTensor{}, err
	}
	batch, err := t.processor.Preprocess(ctx, videos)
	if err != nil {
		return backends.NamedTensor{}, err
	}
	pixels, ok := batch.Get(pipelines.InputPixelValues)
	if !ok {
		return backends.NamedTensor{}, fmt.Errorf("video processor produced no %s", pipelines.InputPixelValues)
	}
	return t.Forward(ctx, pixels)
}

func (t *VideoTower) loaded() (*pretrained.Model, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.model == nil {
		return nil, ErrTowerNotLoaded
	}
	return t.model, nil
}

// featureSelect returns hidden_states[select_layer]. Every token is kept.
func (t *VideoTower) featureSelect(outputs []backends.NamedTensor) (backends.NamedTensor, error) {
	states, err := HiddenStates(outputs)
	if err != nil {
		return backends.NamedTensor{}, err
	}
	idx := t.args.SelectLayer
	if idx < 0 {
		idx += len(states)
	}
	if idx < 0 || idx >= len(states) {
		return backends.NamedTensor{}, fmt.Errorf("select_layer %d out of range for %d hidden states",
			t.args.SelectLayer, len(states))
	}
	return states[idx], nil
}

// HiddenStates collects the per-layer hidden states from encoder outputs,
// either from a stacked hidden_states output or from numbered outputs.
func HiddenStates(outputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	if stacked, ok := backends.FindOutput(outputs, OutputHiddenStates); ok {
		return unstack(stacked)
	}

	type numbered struct {
		index int
		t     backends.NamedTensor
	}
	var found []numbered
	for _, o := range outputs {
		m := hiddenStatePattern.FindStringSubmatch(o.Name)
		if m == nil {
			continue
		}
		i, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = append(found, numbered{i, o})
	}
	if len(found) == 0 {
		return nil, errors.New("encoder graph does not expose hidden states")
	}
	slices.SortFunc(found, func(a, b numbered) int { return a.index - b.index })
	states := make([]backends.NamedTensor, len(found))
	for i, f := range found {
		states[i] = f.t
	}
	return states, nil
}

func unstack(t backends.NamedTensor) ([]backends.NamedTensor, error) {
	if len(t.Shape) < 2 || t.Shape[0] <= 0 {
		return nil, fmt.Errorf("stacked hidden states have shape %v", t.Shape)
	}
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	layers := int(t.Shape[0])
	per := len(data) / layers
	out := make([]backends.NamedTensor, layers)
	for i := range out {
		out[i] = backends.NamedTensor{
			Name:  fmt.Sprintf("%s.%d", OutputHiddenStates, i),
			Shape: slices.Clone(t.Shape[1:]),
			Data:  data[i*per : (i+1)*per : (i+1)*per],
		}
	}
	return out, nil
}

// DummyFeature returns zeros [1, hidden_size], the placeholder for samples
// without video.
func (t *VideoTower) DummyFeature() backends.NamedTensor {
	h := t.HiddenSize()
	return backends.NamedTensor{
		Name:  "dummy_feature",
		Shape: []int64{1, int64(h)},
		Data:  make([]float32, h),
	}
}

// DType is the element type of the encoder input, or the config's
// torch_dtype before loading.
func (t *VideoTower) DType() backends.DataType {
	if model, err := t.loaded(); err == nil {
		return model.VisionDType()
	}
	if t.Config().TorchDType == "float16" {
		return backends.DataTypeFloat16
	}
	return backends.DataTypeFloat32
}

// Device names where the encoder runs.
func (t *VideoTower) Device() string {
	model, err := t.loaded()
	if err != nil {
		return backends.DeviceName(t.factory.Backend(), backends.ApplySessionOptions(t.sessionOpts...).GPUMode)
	}
	return backends.DeviceName(model.Backend, model.GPUMode)
}

// Config returns the loaded model's config, or the config read at
// construction for a delay-loaded tower.
func (t *VideoTower) Config() *pretrained.Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.model != nil {
		return t.model.Config
	}
	return t.cfgOnly
}

// HiddenSize is the encoder width.
func (t *VideoTower) HiddenSize() int {
	return t.Config().VisionConfig.HiddenSize
}

// NumPatches is (image_size / patch_size)^2.
func (t *VideoTower) NumPatches() int {
	return t.Config().VisionConfig.NumPatches()
}

// Close releases the encoder. A closed tower can be loaded again.
func (t *VideoTower) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.model == nil {
		return nil
	}
	err := t.model.Close()
	t.cfgOnly = t.model.Config
	t.model = nil
	return err
}
