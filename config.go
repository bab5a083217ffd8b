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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/antflydb/languagebind/lib/modality"
	"github.com/antflydb/languagebind/lib/tower"
	"gopkg.in/yaml.v3"
)

// Config configures a languagebind server node.
type Config struct {
	// ApiUrl is the listen address, e.g. http://localhost:11435
	ApiUrl string `json:"api_url,omitempty" yaml:"api_url,omitempty"`

	// CacheDir holds downloaded checkpoints as <owner>/<name>
	CacheDir string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`

	// Owner overrides the hub namespace for bare checkpoint names
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty"`

	// Offline disables checkpoint downloads
	Offline bool `json:"offline,omitempty" yaml:"offline,omitempty"`

	// HfToken authenticates HuggingFace downloads
	HfToken string `json:"-" yaml:"hf_token,omitempty"`

	// RegistryUrl is an optional ONNX export registry tried before HuggingFace
	RegistryUrl string `json:"registry_url,omitempty" yaml:"registry_url,omitempty"`

	// BindingsFile is a YAML file of bindings and towers, merged over the
	// inline Bindings and Towers
	BindingsFile string `json:"bindings_file,omitempty" yaml:"bindings_file,omitempty"`

	// WatchBindings reloads BindingsFile when it changes
	WatchBindings bool `json:"watch_bindings,omitempty" yaml:"watch_bindings,omitempty"`

	Bindings []BindingConfig `json:"bindings,omitempty" yaml:"bindings,omitempty"`
	Towers   []TowerConfig   `json:"towers,omitempty" yaml:"towers,omitempty"`

	// BackendPriority orders inference backends, e.g. ["onnx:cuda", "go"]
	BackendPriority []string `json:"backend_priority,omitempty" yaml:"backend_priority,omitempty"`

	// Gpu is one of auto, cuda, coreml, off
	Gpu string `json:"gpu,omitempty" yaml:"gpu,omitempty"`

	// KeepAlive unloads idle bindings after this duration ("0" keeps them forever)
	KeepAlive string `json:"keep_alive,omitempty" yaml:"keep_alive,omitempty"`

	// MaxLoadedBindings caps bindings in memory (0 = unlimited)
	MaxLoadedBindings int `json:"max_loaded_bindings,omitempty" yaml:"max_loaded_bindings,omitempty"`

	// Preload names bindings loaded at startup
	Preload []string `json:"preload,omitempty" yaml:"preload,omitempty"`

	// PoolSize bounds concurrent forwards per binding (0 = CPU count)
	PoolSize int `json:"pool_size,omitempty" yaml:"pool_size,omitempty"`

	// BatchSize is the per-modality inference batch size (0 = default)
	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`

	// EmbeddingCacheTtl is how long embeddings stay cached (default 2m)
	EmbeddingCacheTtl string `json:"embedding_cache_ttl,omitempty" yaml:"embedding_cache_ttl,omitempty"`

	// RedisUrl enables a shared second cache tier, e.g. redis://localhost:6379/0
	RedisUrl string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`

	// RateLimit is the sustained API request rate per second (0 = unlimited)
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	// RateBurst is the request burst allowed above RateLimit
	RateBurst int `json:"rate_burst,omitempty" yaml:"rate_burst,omitempty"`

	// RequestTimeout bounds a single API request ("0" = no limit)
	RequestTimeout string `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`

	// ValidateRequests checks API requests against the OpenAPI document
	ValidateRequests bool `json:"validate_requests,omitempty" yaml:"validate_requests,omitempty"`
}

// BindingStrategy controls when a binding is loaded.
type BindingStrategy string

const (
	// BindingStrategyLazy loads on first use and unloads after keep-alive
	BindingStrategyLazy BindingStrategy = "lazy"
	// BindingStrategyEager loads at startup and is never evicted
	BindingStrategyEager BindingStrategy = "eager"
)

// BindingConfig names one LanguageBind composite: an ordered set of
// modality checkpoints sharing the language encoder of the last one.
type BindingConfig struct {
	Name      string          `json:"name" yaml:"name"`
	ClipTypes ClipTypeList    `json:"clip_type" yaml:"clip_type"`
	UseTemp   *bool           `json:"use_temp,omitempty" yaml:"use_temp,omitempty"`
	Strategy  BindingStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// Temperature reports whether non-language outputs are scaled by
// exp(logit_scale). Unset means true.
func (b BindingConfig) Temperature() bool {
	return b.UseTemp == nil || *b.UseTemp
}

// Equal reports whether two configs load the same composite.
func (b BindingConfig) Equal(o BindingConfig) bool {
	if b.Name != o.Name || b.Temperature() != o.Temperature() || len(b.ClipTypes) != len(o.ClipTypes) {
		return false
	}
	for i := range b.ClipTypes {
		if b.ClipTypes[i] != o.ClipTypes[i] {
			return false
		}
	}
	return true
}

// ClipTypeList is an ordered modality -> checkpoint list. In YAML it is
// either a mapping, whose key order is kept, or a sequence of
// "modality=checkpoint" strings.
type ClipTypeList []modality.ClipType

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *ClipTypeList) UnmarshalYAML(value *yaml.Node) error {
	var pairs []string
	switch value.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			pairs = append(pairs, value.Content[i].Value+"="+value.Content[i+1].Value)
		}
	case yaml.SequenceNode:
		if err := value.Decode(&pairs); err != nil {
			return err
		}
	default:
		return fmt.Errorf("line %d: clip_type must be a mapping or a list", value.Line)
	}
	parsed, err := modality.ParseClipTypes(pairs)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*l = parsed
	return nil
}

// ParseBindingSpec parses a command-line binding of the form
// "name:modality=checkpoint,modality=checkpoint".
func ParseBindingSpec(spec string) (BindingConfig, error) {
	name, pairs, ok := strings.Cut(spec, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return BindingConfig{}, fmt.Errorf("invalid binding %q (expected name:modality=checkpoint,...)", spec)
	}
	clipTypes, err := modality.ParseClipTypes(strings.Split(pairs, ","))
	if err != nil {
		return BindingConfig{}, fmt.Errorf("binding %q: %w", name, err)
	}
	return BindingConfig{Name: name, ClipTypes: clipTypes}, nil
}

// DefaultSelectLayer is the penultimate layer, the usual visual feature
// layer for multi-modal language models.
const DefaultSelectLayer = -2

// TowerConfig names a video tower.
type TowerConfig struct {
	Name          string `json:"name" yaml:"name"`
	Checkpoint    string `json:"checkpoint" yaml:"checkpoint"`
	SelectLayer   *int   `json:"select_layer,omitempty" yaml:"select_layer,omitempty"`
	SelectFeature string `json:"select_feature,omitempty" yaml:"select_feature,omitempty"`
	DelayLoad     bool   `json:"delay_load,omitempty" yaml:"delay_load,omitempty"`
}

// Args returns the tower arguments with defaults applied.
func (t TowerConfig) Args() tower.Args {
	args := tower.Args{SelectLayer: DefaultSelectLayer, SelectFeature: t.SelectFeature}
	if t.SelectLayer != nil {
		args.SelectLayer = *t.SelectLayer
	}
	return args
}

// BindingsFile is the on-disk form of bindings and towers.
type BindingsFile struct {
	Bindings []BindingConfig `yaml:"bindings"`
	Towers   []TowerConfig   `yaml:"towers"`
}

// LoadBindingsFile reads and validates a bindings YAML file.
func LoadBindingsFile(path string) (*BindingsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bindings file: %w", err)
	}
	return ParseBindings(data)
}

// ParseBindings parses and validates bindings YAML.
func ParseBindings(data []byte) (*BindingsFile, error) {
	var f BindingsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing bindings: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks names are unique and every binding lists checkpoints.
func (f *BindingsFile) Validate() error {
	seen := map[string]bool{}
	for i, b := range f.Bindings {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			return fmt.Errorf("binding %d: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("binding %q defined twice", name)
		}
		seen[name] = true
		if len(b.ClipTypes) == 0 {
			return fmt.Errorf("binding %q: clip_type is empty", name)
		}
		switch b.Strategy {
		case "", BindingStrategyLazy, BindingStrategyEager:
		default:
			return fmt.Errorf("binding %q: unknown strategy %q", name, b.Strategy)
		}
	}
	towers := map[string]bool{}
	for i, t := range f.Towers {
		if t.Name == "" || t.Checkpoint == "" {
			return fmt.Errorf("tower %d: name and checkpoint are required", i)
		}
		if towers[t.Name] {
			return fmt.Errorf("tower %q defined twice", t.Name)
		}
		towers[t.Name] = true
	}
	return nil
}

// merge overlays file entries on inline ones; file entries win by name.
func (c Config) merge(f *BindingsFile) ([]BindingConfig, []TowerConfig) {
	bindings := mergeByName(c.Bindings, f.Bindings, func(b BindingConfig) string { return b.Name })
	towers := mergeByName(c.Towers, f.Towers, func(t TowerConfig) string { return t.Name })
	return bindings, towers
}

func mergeByName[T any](base, over []T, name func(T) string) []T {
	out := make([]T, 0, len(base)+len(over))
	index := map[string]int{}
	for _, v := range append(append([]T{}, base...), over...) {
		if i, ok := index[name(v)]; ok {
			out[i] = v
			continue
		}
		index[name(v)] = len(out)
		out = append(out, v)
	}
	return out
}

// parseDuration treats "" and "0" as zero.
func parseDuration(field, s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return d, nil
}
