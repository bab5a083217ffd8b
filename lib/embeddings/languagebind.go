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

// Package embeddings binds several LanguageBind checkpoints into one model
// that embeds every loaded modality, plus language, into a shared space.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/antflydb/languagebind/lib/backends"
	"github.com/antflydb/languagebind/lib/modality"
	"github.com/antflydb/languagebind/lib/modelregistry"
	"github.com/antflydb/languagebind/lib/pipelines"
	"github.com/antflydb/languagebind/lib/pretrained"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OutputPoolerOutput is the pooled encoder output. Graphs that do not name
// their outputs carry it at index 1, after last_hidden_state.
const OutputPoolerOutput = "pooler_output"

// encoder is one modality's half of a checkpoint.
type encoder struct {
	modality   modality.Modality
	checkpoint string
	session    backends.Session
	projection pretrained.Projector
	logitScale float32
	config     *pretrained.Config
	processor  pipelines.Processor
}

// LanguageBind is the composite model. Vision-side encoders are keyed by
// modality; the language encoder comes from the last checkpoint loaded.
type LanguageBind struct {
	clipTypes []modality.ClipType
	encoders  map[modality.Modality]*encoder
	language  *encoder
	models    []*pretrained.Model
	useTemp   bool
	backend   backends.BackendType
	logger    *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	useTemp        bool
	cacheDir       string
	sessionManager *backends.SessionManager
	factory        backends.SessionFactory
	modelBackends  []string
	sessionOpts    []backends.SessionOption
	registry       *modality.Registry
	hub            *modelregistry.Hub
	logger         *zap.Logger
}

// Option configures New.
type Option func(*options)

// WithUseTemp controls whether non-language embeddings are scaled by
// exp(logit_scale). Defaults to true.
func WithUseTemp(useTemp bool) Option {
	return func(o *options) { o.useTemp = useTemp }
}

// WithCacheDir sets where checkpoints are cached. Ignored when WithHub is
// given.
func WithCacheDir(dir string) Option {
	return func(o *options) { o.cacheDir = dir }
}

// WithSessionManager sets the session manager that picks the backend.
func WithSessionManager(sm *backends.SessionManager) Option {
	return func(o *options) { o.sessionManager = sm }
}

// WithSessionFactory bypasses backend selection and opens every graph
// through factory.
func WithSessionFactory(f backends.SessionFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithModelBackends restricts the backends the checkpoints may run on.
func WithModelBackends(b []string) Option {
	return func(o *options) { o.modelBackends = b }
}

// WithSessionOptions passes options to every session.
func WithSessionOptions(opts ...backends.SessionOption) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// WithRegistry replaces the default modality registry.
func WithRegistry(r *modality.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithHub sets the hub checkpoints are resolved through.
func WithHub(h *modelregistry.Hub) Option {
	return func(o *options) { o.hub = h }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New loads one checkpoint per clip type, in order. Checkpoint names are
// resolved as LanguageBind/<name> under the cache dir and downloaded when
// missing.
func New(ctx context.Context, clipTypes []modality.ClipType, opts ...Option) (*LanguageBind, error) {
	o := options{useTemp: true, cacheDir: modelregistry.DefaultCacheDir}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if len(clipTypes) == 0 {
		return nil, errors.New("at least one clip type is required")
	}
	if o.registry == nil {
		o.registry = modality.DefaultRegistry()
	}
	if o.hub == nil {
		o.hub = modelregistry.NewHub(
			modelregistry.WithCacheDir(o.cacheDir),
			modelregistry.WithHubLogger(o.logger.Named("hub")))
	}

	factory := o.factory
	if factory == nil {
		sm := o.sessionManager
		if sm == nil {
			sm = backends.NewSessionManager()
		}
		f, _, err := sm.GetSessionFactoryForModel(o.modelBackends)
		if err != nil {
			return nil, fmt.Errorf("selecting backend: %w", err)
		}
		factory = f
	}

	lb := &LanguageBind{
		clipTypes: slices.Clone(clipTypes),
		encoders:  make(map[modality.Modality]*encoder, len(clipTypes)),
		useTemp:   o.useTemp,
		backend:   factory.Backend(),
		logger:    o.logger,
	}

	for i, ct := range clipTypes {
		if _, dup := lb.encoders[ct.Modality]; dup {
			_ = lb.Close()
			return nil, fmt.Errorf("modality %s listed twice", ct.Modality)
		}
		last := i == len(clipTypes)-1
		if err := lb.load(ctx, o, factory, ct, last); err != nil {
			_ = lb.Close()
			return nil, fmt.Errorf("loading %s (%s): %w", ct.Modality, ct.Checkpoint, err)
		}
	}

	lb.logger.Info("LanguageBind ready",
		zap.Stringers("modalities", lb.Modalities()),
		zap.String("language", lb.language.checkpoint),
		zap.Bool("useTemp", lb.useTemp),
		zap.String("backend", string(lb.backend)))
	return lb, nil
}

func (lb *LanguageBind) load(ctx context.Context, o options, factory backends.SessionFactory, ct modality.ClipType, last bool) error {
	entry, err := o.registry.Lookup(ct.Modality)
	if err != nil {
		return err
	}
	ref, err := o.hub.Parse(ct.Checkpoint)
	if err != nil {
		return err
	}
	dir, err := o.hub.Resolve(ctx, ref)
	if err != nil {
		return err
	}

	loadOpts := []pretrained.LoadOption{
		pretrained.WithSessionOptions(o.sessionOpts...),
		pretrained.WithLogger(lb.logger.Named(ct.Modality.String())),
	}
	if !last {
		loadOpts = append(loadOpts, pretrained.WithoutText())
	}
	model, err := entry.LoadModel(ctx, dir, factory, loadOpts...)
	if err != nil {
		return err
	}
	lb.models = append(lb.models, model)

	lb.encoders[ct.Modality] = &encoder{
		modality:   ct.Modality,
		checkpoint: ref.String(),
		session:    model.Vision,
		projection: model.VisualProjection,
		logitScale: model.LogitScale,
		config:     model.Config,
		processor:  entry.NewProcessor(model.Config),
	}

	if last {
		lang := &encoder{
			modality:   modality.Language,
			checkpoint: ref.String(),
			session:    model.Text,
			projection: model.TextProjection,
			logitScale: model.LogitScale,
			config:     model.Config,
		}
		tok, err := pipelines.LoadTokenizer(dir)
		if err != nil {
			lb.logger.Warn("No tokenizer in checkpoint, language input must be pre-tokenized",
				zap.String("checkpoint", ref.String()), zap.Error(err))
		} else {
			tc := model.Config.TextConfig
			lc := pipelines.DefaultLanguageConfig()
			lc.MaxLength = pipelines.FirstNonZero(tc.MaxPositionEmbeddings, lc.MaxLength)
			lc.BOS = pipelines.FirstNonZero(tc.BOSTokenID, lc.BOS)
			lc.EOS = pipelines.FirstNonZero(tc.EOSTokenID, lc.EOS)
			lc.Pad = pipelines.FirstNonZero(tc.PadTokenID, lc.Pad)
			lang.processor = pipelines.NewLanguageProcessor(tok, lc)
		}
		lb.language = lang
	}
	return nil
}

// Forward embeds each batch with the encoder of its modality. Every row is
// L2 normalized; with temperature enabled, non-language rows are then
// multiplied by exp(logit_scale).
func (lb *LanguageBind) Forward(ctx context.Context, inputs map[modality.Modality]pipelines.Batch) (map[modality.Modality][][]float32, error) {
	encoders := make(map[modality.Modality]*encoder, len(inputs))
	for m := range inputs {
		enc, err := lb.encoder(m)
		if err != nil {
			return nil, err
		}
		encoders[m] = enc
	}

	result := make(map[modality.Modality][][]float32, len(inputs))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for m, batch := range inputs {
		enc := encoders[m]
		g.Go(func() error {
			out, err := lb.run(ctx, enc, batch)
			if err != nil {
				return fmt.Errorf("%s: %w", m, err)
			}
			mu.Lock()
			result[m] = out
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// Embed preprocesses raw items of one modality and embeds them.
func (lb *LanguageBind) Embed(ctx context.Context, m modality.Modality, items []pipelines.Item) ([][]float32, error) {
	if len(items) == 0 {
		return [][]float32{}, nil
	}
	enc, err := lb.encoder(m)
	if err != nil {
		return nil, err
	}
	if enc.processor == nil {
		return nil, fmt.Errorf("no processor for %s", m)
	}
	batch, err := enc.processor.Process(ctx, items)
	if err != nil {
		return nil, fmt.Errorf("preprocessing %s: %w", m, err)
	}
	return lb.run(ctx, enc, batch)
}

func (lb *LanguageBind) encoder(m modality.Modality) (*encoder, error) {
	if m.IsLanguage() {
		return lb.language, nil
	}
	enc, ok := lb.encoders[m]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not loaded", modality.ErrUnknownModality, m)
	}
	return enc, nil
}

func (lb *LanguageBind) run(ctx context.Context, enc *encoder, batch pipelines.Batch) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lb.closed.Load() {
		return nil, backends.ErrSessionClosed
	}
	if enc.session == nil || enc.projection == nil {
		return nil, fmt.Errorf("%s encoder was not loaded", enc.modality)
	}
	n := batch.Size()
	if n == 0 {
		return [][]float32{}, nil
	}

	outputs, err := enc.session.Run(graphInputs(enc.session, batch))
	if err != nil {
		return nil, fmt.Errorf("running encoder: %w", err)
	}
	pooled, err := PooledOutput(outputs, n)
	if err != nil {
		return nil, err
	}
	embeds, err := enc.projection.Project(pooled)
	if err != nil {
		return nil, fmt.Errorf("projecting: %w", err)
	}
	Normalize(embeds)
	if lb.useTemp && !enc.modality.IsLanguage() {
		Scale(embeds, float32(math.Exp(float64(enc.logitScale))))
	}
	return embeds, nil
}

// graphInputs drops tensors the graph does not declare, so a tokenizer
// batch with attention_mask can feed a graph that only takes input_ids.
func graphInputs(s backends.Session, batch pipelines.Batch) []backends.NamedTensor {
	info := s.InputInfo()
	if len(info) == 0 {
		return batch
	}
	out := make([]backends.NamedTensor, 0, len(batch))
	for _, t := range batch {
		if backends.HasInput(s, t.Name) {
			out = append(out, t)
		}
	}
	return out
}

// PooledOutput extracts the pooled output [batch, hidden] from encoder
// outputs: by name, else at index 1, else the only rank 2 output.
func PooledOutput(outputs []backends.NamedTensor, batch int) ([][]float32, error) {
	t, ok := backends.FindOutput(outputs, OutputPoolerOutput)
	if !ok {
		switch {
		case len(outputs) > 1:
			t = outputs[1]
		case len(outputs) == 1 && len(outputs[0].Shape) == 2:
			t = outputs[0]
		default:
			return nil, fmt.Errorf("encoder returned no pooled output (%d outputs)", len(outputs))
		}
	}
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	if batch <= 0 || len(data)%batch != 0 {
		return nil, fmt.Errorf("pooled output has %d values, not divisible by batch %d", len(data), batch)
	}
	hidden := len(data) / batch
	rows := make([][]float32, batch)
	for i := range rows {
		rows[i] = data[i*hidden : (i+1)*hidden : (i+1)*hidden]
	}
	return rows, nil
}

// Modalities returns the loaded vision-side modalities in load order.
func (lb *LanguageBind) Modalities() []modality.Modality {
	out := make([]modality.Modality, len(lb.clipTypes))
	for i, ct := range lb.clipTypes {
		out[i] = ct.Modality
	}
	return out
}

// ClipTypes returns the clip types the model was built from.
func (lb *LanguageBind) ClipTypes() []modality.ClipType { return slices.Clone(lb.clipTypes) }

// HasModality reports whether m can be embedded.
func (lb *LanguageBind) HasModality(m modality.Modality) bool {
	_, err := lb.encoder(m)
	return err == nil
}

// LanguageCheckpoint names the checkpoint that supplied the language
// encoder.
func (lb *LanguageBind) LanguageCheckpoint() string { return lb.language.checkpoint }

// LogitScale returns the raw learned temperature of m's checkpoint.
func (lb *LanguageBind) LogitScale(m modality.Modality) (float32, error) {
	enc, err := lb.encoder(m)
	if err != nil {
		return 0, err
	}
	return enc.logitScale, nil
}

// Config returns the configuration of m's checkpoint.
func (lb *LanguageBind) Config(m modality.Modality) (*pretrained.Config, error) {
	enc, err := lb.encoder(m)
	if err != nil {
		return nil, err
	}
	return enc.config, nil
}

// EmbeddingDim is the projection dimension of the language encoder, which
// every modality shares.
func (lb *LanguageBind) EmbeddingDim() int {
	if p := lb.language.projection; p != nil {
		return p.OutputDim()
	}
	return lb.language.config.ProjectionDim
}

// UseTemp reports whether temperature scaling is enabled.
func (lb *LanguageBind) UseTemp() bool { return lb.useTemp }

// BackendType returns the backend the graphs run on.
func (lb *LanguageBind) BackendType() backends.BackendType { return lb.backend }

// Close releases every loaded checkpoint.
func (lb *LanguageBind) Close() error {
	lb.closeOnce.Do(func() {
		lb.closed.Store(true)
		var errs []error
		for _, m := range lb.models {
			if err := m.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		lb.closeErr = errors.Join(errs...)
	})
	return lb.closeErr
}
