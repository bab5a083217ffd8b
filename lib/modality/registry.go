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

package modality

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/antflydb/languagebind/lib/backends"
	"github.com/antflydb/languagebind/lib/pipelines"
	"github.com/antflydb/languagebind/lib/pretrained"
)

// Entry is how one modality's checkpoints are read.
type Entry struct {
	LoadConfig   func(dir string) (*pretrained.Config, error)
	LoadModel    func(ctx context.Context, dir string, factory backends.SessionFactory, opts ...pretrained.LoadOption) (*pretrained.Model, error)
	NewProcessor func(cfg *pretrained.Config) pipelines.Processor
}

// Registry maps modalities to entries. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[Modality]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Modality]Entry)}
}

// Register adds or replaces the entry for m. The language modality is
// served by every checkpoint and cannot be registered.
func (r *Registry) Register(m Modality, e Entry) error {
	if !known[m] || m.IsLanguage() {
		return fmt.Errorf("%w: %q", ErrUnknownModality, m)
	}
	if e.LoadConfig == nil || e.LoadModel == nil || e.NewProcessor == nil {
		return fmt.Errorf("entry for %s is incomplete", m)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[m] = e
	return nil
}

// Lookup returns the entry for m.
func (r *Registry) Lookup(m Modality) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[m]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownModality, m)
	}
	return e, nil
}

// Modalities returns the registered modalities in sorted order.
func (r *Registry) Modalities() []Modality {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Modality, 0, len(r.entries))
	for m := range r.entries {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns the shared registry of the five vision-side
// modalities.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		r := NewRegistry()
		for m, newProc := range map[Modality]func(*pretrained.Config) pipelines.Processor{
			Image:   imageProcessor,
			Thermal: imageProcessor,
			Video:   videoProcessor,
			Depth:   depthProcessor,
			Audio:   audioProcessor,
		} {
			if err := r.Register(m, Entry{
				LoadConfig:   pretrained.LoadConfig,
				LoadModel:    pretrained.LoadModel,
				NewProcessor: newProc,
			}); err != nil {
				panic(err)
			}
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

func imageProcessor(cfg *pretrained.Config) pipelines.Processor {
	return pipelines.NewImageProcessor(pipelines.DefaultImageConfig(cfg.VisionConfig.ImageSize))
}

func videoProcessor(cfg *pretrained.Config) pipelines.Processor {
	return pipelines.NewVideoProcessor(
		pipelines.DefaultImageConfig(cfg.VisionConfig.ImageSize),
		cfg.VisionConfig.NumFrames)
}

func depthProcessor(cfg *pretrained.Config) pipelines.Processor {
	return pipelines.NewDepthProcessor(
		pipelines.DefaultDepthConfig(cfg.VisionConfig.ImageSize, cfg.VisionConfig.MaxDepth))
}

func audioProcessor(cfg *pretrained.Config) pipelines.Processor {
	v := cfg.VisionConfig
	ac := pipelines.DefaultAudioConfig()
	ac.SampleRate = pipelines.FirstNonZero(v.AudioSampleRate, ac.SampleRate)
	ac.NumMelBins = pipelines.FirstNonZero(v.NumMelBins, ac.NumMelBins)
	ac.TargetLength = pipelines.FirstNonZero(v.TargetLength, ac.TargetLength)
	if v.AudioStd != 0 {
		ac.Mean, ac.Std = v.AudioMean, v.AudioStd
	}
	return pipelines.NewAudioProcessor(ac)
}
