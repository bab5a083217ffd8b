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

package embeddings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/gif"
	"mime"
	"runtime"
	"strings"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/antfly-go/libaf/embeddings"
	"github.com/antflydb/languagebind/lib/backends"
	"github.com/antflydb/languagebind/lib/modality"
	"github.com/antflydb/languagebind/lib/pipelines"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Ensure Embedder implements the Embedder interface
var _ embeddings.Embedder = (*Embedder)(nil)

// DefaultEmbeddingBatchSize is the default number of inputs of one modality
// sent through an encoder at once.
const DefaultEmbeddingBatchSize = 8

// ErrUnsupportedContent is returned for content no loaded encoder accepts.
var ErrUnsupportedContent = errors.New("unsupported content")

// ModalityParam is the MIME type parameter that overrides routing, as in
// "image/png; modality=depth".
const ModalityParam = "modality"

// Embedder adapts a LanguageBind composite to the libaf Embedder
// interface. Content is routed to modalities by MIME type.
type Embedder struct {
	model     *LanguageBind
	sem       *semaphore.Weighted
	logger    *zap.Logger
	poolSize  int
	batchSize int
	caps      embeddings.EmbedderCapabilities
}

// EmbedderConfig holds configuration for creating an Embedder.
type EmbedderConfig struct {
	// PoolSize bounds concurrent forwards (0 = CPU count)
	PoolSize int

	// BatchSize is the per-modality inference batch size (0 = use default)
	BatchSize int

	// Logger for logging (nil = no logging)
	Logger *zap.Logger
}

// NewEmbedder wraps model. The Embedder does not own the model.
func NewEmbedder(model *LanguageBind, cfg EmbedderConfig) *Embedder {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultEmbeddingBatchSize
	}
	return &Embedder{
		model:     model,
		sem:       semaphore.NewWeighted(int64(poolSize)),
		logger:    logger,
		poolSize:  poolSize,
		batchSize: batchSize,
		caps:      buildCapabilities(model),
	}
}

var modalityMIMETypes = map[modality.Modality][]string{
	modality.Image:   {"image/png", "image/jpeg", "image/webp", "image/bmp", "image/tiff", "image/*"},
	modality.Video:   {"video/*", "image/gif"},
	modality.Audio:   {"audio/wav", "audio/x-wav", "audio/*"},
	modality.Depth:   {"image/png; modality=depth"},
	modality.Thermal: {"image/*; modality=thermal"},
}

func buildCapabilities(model *LanguageBind) embeddings.EmbedderCapabilities {
	dim := model.EmbeddingDim()
	caps := embeddings.EmbedderCapabilities{
		SupportedMIMETypes: []embeddings.MIMETypeSupport{{MIMEType: "text/plain"}},
		Dimensions:         []int{dim},
		DefaultDimension:   dim,
		SupportsFusion:     false,
	}
	for _, m := range model.Modalities() {
		for _, mt := range modalityMIMETypes[m] {
			caps.SupportedMIMETypes = append(caps.SupportedMIMETypes, embeddings.MIMETypeSupport{MIMEType: mt})
		}
	}
	return caps
}

// Capabilities returns the capabilities of this embedder
func (e *Embedder) Capabilities() embeddings.EmbedderCapabilities {
	return e.caps
}

// BackendType returns the backend type used by this embedder
func (e *Embedder) BackendType() backends.BackendType {
	return e.model.BackendType()
}

// Model returns the wrapped composite.
func (e *Embedder) Model() *LanguageBind { return e.model }

// Embed generates one embedding per content. Contents of the same modality
// are batched together; results keep the input order.
func (e *Embedder) Embed(ctx context.Context, contents [][]ai.ContentPart) ([][]float32, error) {
	if len(contents) == 0 {
		return [][]float32{}, nil
	}

	type group struct {
		indices []int
		items   []pipelines.Item
	}
	groups := map[modality.Modality]*group{}
	var order []modality.Modality
	for i, parts := range contents {
		m, item, err := e.Route(parts)
		if err != nil {
			return nil, fmt.Errorf("routing content at index %d: %w", i, err)
		}
		g, ok := groups[m]
		if !ok {
			g = &group{}
			groups[m] = g
			order = append(order, m)
		}
		g.indices = append(g.indices, i)
		g.items = append(g.items, item)
	}

	// Acquire semaphore slot (blocks if all slots are busy)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring embed slot: %w", err)
	}
	defer e.sem.Release(1)

	results := make([][]float32, len(contents))
	for _, m := range order {
		g := groups[m]
		for start := 0; start < len(g.items); start += e.batchSize {
			// Check context cancellation between batches
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			end := min(start+e.batchSize, len(g.items))
			embeds, err := e.model.Embed(ctx, m, g.items[start:end])
			if err != nil {
				e.logger.Error("Inference failed",
					zap.Stringer("modality", m),
					zap.Int("batchStart", start),
					zap.Int("batchSize", end-start),
					zap.Error(err))
				return nil, fmt.Errorf("embedding %s (batch %d-%d): %w", m, start, end, err)
			}
			for i, emb := range embeds {
				if len(emb) == 0 {
					return nil, fmt.Errorf("empty embedding at index %d", g.indices[start+i])
				}
				results[g.indices[start+i]] = emb
			}
		}
	}

	e.logger.Debug("Embedding generation complete",
		zap.Int("numEmbeddings", len(results)),
		zap.Int("numModalities", len(order)))
	return results, nil
}

// Route picks the modality of one content and converts it to a processor
// item. Text goes to the language encoder. Binary content is routed by
// MIME type unless a modality parameter names the target.
func (e *Embedder) Route(parts []ai.ContentPart) (modality.Modality, pipelines.Item, error) {
	for _, part := range parts {
		switch c := part.(type) {
		case ai.TextContent:
			if c.Text != "" {
				return modality.Language, pipelines.Item{Text: c.Text}, nil
			}
		case ai.BinaryContent:
			m, err := e.routeBinary(c.MIMEType, c.Data)
			if err != nil {
				return "", pipelines.Item{}, err
			}
			if m.IsLanguage() {
				return m, pipelines.Item{Text: string(c.Data)}, nil
			}
			return m, pipelines.Item{Data: c.Data, MIMEType: c.MIMEType}, nil
		}
	}
	return "", pipelines.Item{}, fmt.Errorf("%w: no text or binary content found", ErrUnsupportedContent)
}

func (e *Embedder) routeBinary(mimeType string, data []byte) (modality.Modality, error) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", fmt.Errorf("%w: parsing MIME type %q: %v", ErrUnsupportedContent, mimeType, err)
	}
	if name, ok := params[ModalityParam]; ok {
		m, err := modality.Parse(name)
		if err != nil {
			return "", err
		}
		return e.require(m)
	}

	major, _, _ := strings.Cut(mediaType, "/")
	switch {
	case mediaType == "text/plain":
		return modality.Language, nil
	case mediaType == "image/gif" && e.model.HasModality(modality.Video) && isAnimatedGIF(data):
		return modality.Video, nil
	case major == "image":
		if e.model.HasModality(modality.Image) {
			return modality.Image, nil
		}
		// a checkpoint set with only one image-like modality takes any image
		for _, m := range []modality.Modality{modality.Thermal, modality.Depth, modality.Video} {
			if e.model.HasModality(m) {
				return m, nil
			}
		}
		return "", fmt.Errorf("%w: no image encoder loaded", modality.ErrUnknownModality)
	case major == "video":
		return e.require(modality.Video)
	case major == "audio":
		return e.require(modality.Audio)
	}
	return "", fmt.Errorf("%w: MIME type %q", ErrUnsupportedContent, mediaType)
}

func (e *Embedder) require(m modality.Modality) (modality.Modality, error) {
	if !e.model.HasModality(m) {
		return "", fmt.Errorf("%w: %s is not loaded", modality.ErrUnknownModality, m)
	}
	return m, nil
}

func isAnimatedGIF(data []byte) bool {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	return err == nil && len(g.Image) > 1
}

// Close is a no-op; the owner of the composite closes it.
func (e *Embedder) Close() error { return nil }
