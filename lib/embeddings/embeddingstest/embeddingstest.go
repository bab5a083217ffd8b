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

// Package embeddingstest writes fake LanguageBind checkpoints and serves
// scripted sessions for their graphs.
package embeddingstest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/antflydb/languagebind/lib/backends"
	"github.com/antflydb/languagebind/lib/backends/backendtest"
	"github.com/antflydb/languagebind/lib/modelregistry"
	"github.com/antflydb/languagebind/lib/pipelines"
	"github.com/antflydb/languagebind/lib/pretrained"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

// Dim is the projection size of every fake checkpoint.
const Dim = 4

// Pooled outputs of the fake encoders. Vision normalizes to [0.6 0.8 0 0],
// text to [0 0 0 1].
var (
	VisionPooled = []float32{3, 4, 0, 0}
	TextPooled   = []float32{0, 0, 0, 2}
)

// Identity is a projection graph that passes [batch, Dim] through.
func Identity() *backendtest.Session {
	return &backendtest.Session{
		Inputs:  []backends.TensorInfo{{Name: "input", Shape: []int64{-1, Dim}}},
		Outputs: []backends.TensorInfo{{Name: "output", Shape: []int64{-1, Dim}}},
		RunFunc: func(in []backends.NamedTensor) ([]backends.NamedTensor, error) {
			return []backends.NamedTensor{{Name: "output", Shape: in[0].Shape, Data: in[0].Data}}, nil
		},
	}
}

// EncoderSession emits a fixed pooled vector per row at output index 1.
func EncoderSession(inputs []string, pooled ...float32) *backendtest.Session {
	info := make([]backends.TensorInfo, len(inputs))
	for i, name := range inputs {
		info[i] = backends.TensorInfo{Name: name}
	}
	return &backendtest.Session{
		Inputs: info,
		RunFunc: backendtest.Constant(
			backends.NamedTensor{Name: "last_hidden_state", Shape: []int64{1, Dim}, Data: make([]float32, Dim)},
			backends.NamedTensor{Name: "pooler_output", Shape: []int64{Dim}, Data: pooled},
		),
	}
}

// WriteCheckpoint creates <cache>/LanguageBind/<name> with a config, empty
// graph files and a small CLIP vocabulary that tokenizes "hello".
func WriteCheckpoint(t testing.TB, cache, name string, logitScale float64) string {
	t.Helper()
	dir := filepath.Join(cache, modelregistry.DefaultOwner, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	cfg := fmt.Sprintf(`{"projection_dim": %d, "logit_scale_init_value": %g, "vision_config": {"hidden_size": %d}}`,
		Dim, logitScale, Dim)
	require.NoError(t, os.WriteFile(filepath.Join(dir, pretrained.ConfigFilename), []byte(cfg), 0o600))
	require.NoError(t, backendtest.Touch(dir,
		pretrained.VisionGraphFilename, pretrained.TextGraphFilename,
		pretrained.VisualProjectionGraphFilename, pretrained.TextProjectionGraphFilename))

	vocab := map[string]int{
		"h": 0, "e": 1, "l": 2, "o": 3, "he": 4, "ll": 5, "hell": 6, "hello</w>": 7, "o</w>": 10,
		"<|startoftext|>": 8, "<|endoftext|>": 9,
	}
	data, err := json.Marshal(vocab)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.json"), data, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "merges.txt"), []byte("h e\nl l\nhe ll\nhell o</w>\n"), 0o600))
	return dir
}

// NewFactory serves EncoderSession for encoder graphs and Identity for
// projection graphs.
func NewFactory() *backendtest.Factory {
	return &backendtest.Factory{New: func(path string) *backendtest.Session {
		switch filepath.Base(path) {
		case pretrained.VisionGraphFilename:
			return EncoderSession([]string{pipelines.InputPixelValues}, VisionPooled...)
		case pretrained.TextGraphFilename:
			return EncoderSession([]string{pipelines.InputIDs, pipelines.InputAttentionMask}, TextPooled...)
		default:
			return Identity()
		}
	}}
}

// OfflineHub resolves only what is already in cache.
func OfflineHub(cache string) *modelregistry.Hub {
	return modelregistry.NewHub(modelregistry.WithCacheDir(cache), modelregistry.WithOffline(true))
}
