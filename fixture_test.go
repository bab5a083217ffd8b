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
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/languagebind/lib/backends"
	"github.com/antflydb/languagebind/lib/backends/backendtest"
	"github.com/antflydb/languagebind/lib/embeddings"
	"github.com/antflydb/languagebind/lib/embeddings/embeddingstest"
	"github.com/antflydb/languagebind/lib/modality"
	"github.com/antflydb/languagebind/lib/modelregistry"
	"github.com/antflydb/languagebind/lib/pipelines"
	"github.com/antflydb/languagebind/lib/pretrained"
	"github.com/antflydb/languagebind/lib/tower"
	"github.com/stretchr/testify/require"
)

const (
	imageCheckpoint = "LanguageBind_Image"
	audioCheckpoint = "LanguageBind_Audio"
	videoCheckpoint = "LanguageBind_Video_merge"

	towerHidden = 8
	towerLayers = 4
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func gifBytes(t *testing.T, frames int) []byte {
	t.Helper()
	g := &gif.GIF{}
	for i := range frames {
		p := image.NewPaletted(image.Rect(0, 0, 4, 4), palette.Plan9)
		p.Set(0, 0, color.Gray{Y: uint8(i * 40)})
		g.Image = append(g.Image, p)
		g.Delay = append(g.Delay, 0)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, g))
	return buf.Bytes()
}

// checkpointCache writes fake image and audio checkpoints. Both have
// logit scale 0, so scaled vision vectors stay unit length.
func checkpointCache(t *testing.T) string {
	t.Helper()
	cache := t.TempDir()
	embeddingstest.WriteCheckpoint(t, cache, imageCheckpoint, 0)
	embeddingstest.WriteCheckpoint(t, cache, audioCheckpoint, 0)
	return cache
}

func imageBinding(name string) BindingConfig {
	return BindingConfig{
		Name:      name,
		ClipTypes: ClipTypeList{{Modality: modality.Image, Checkpoint: imageCheckpoint}},
	}
}

// countingLoader loads composites from cache and counts loads.
type countingLoader struct {
	hub     *modelregistry.Hub
	factory *backendtest.Factory
	loads   atomic.Int32
}

func newCountingLoader(t *testing.T) *countingLoader {
	return &countingLoader{
		hub:     embeddingstest.OfflineHub(checkpointCache(t)),
		factory: embeddingstest.NewFactory(),
	}
}

func (l *countingLoader) Load(ctx context.Context, cfg BindingConfig) (*embeddings.LanguageBind, error) {
	l.loads.Add(1)
	return embeddings.New(ctx, cfg.ClipTypes,
		embeddings.WithUseTemp(cfg.Temperature()),
		embeddings.WithHub(l.hub),
		embeddings.WithSessionFactory(l.factory))
}

const towerConfigJSON = `{
	"torch_dtype": "float16",
	"vision_config": {"hidden_size": 8, "image_size": 28, "patch_size": 14, "num_hidden_layers": 4, "num_frames": 2}
}`

// layerSession emits hidden_states.<i> filled with the value i.
func layerSession() *backendtest.Session {
	return &backendtest.Session{
		Inputs: []backends.TensorInfo{{Name: pipelines.InputPixelValues, DataType: backends.DataTypeFloat16}},
		RunFunc: func(in []backends.NamedTensor) ([]backends.NamedTensor, error) {
			batch := in[0].Shape[0]
			tokens := int64(5)
			out := []backends.NamedTensor{{Name: "last_hidden_state"}}
			for i := 0; i <= towerLayers; i++ {
				data := make([]float32, batch*tokens*towerHidden)
				for j := range data {
					data[j] = float32(i)
				}
				out = append(out, backends.NamedTensor{
					Name:  fmt.Sprintf("hidden_states.%d", i),
					Shape: []int64{batch, tokens, towerHidden},
					Data:  data,
				})
			}
			return out, nil
		},
	}
}

// towerLoader builds towers over a fake video checkpoint.
func towerLoader(t *testing.T) (TowerLoader, *backendtest.Factory) {
	t.Helper()
	cache := t.TempDir()
	dir := filepath.Join(cache, modelregistry.DefaultOwner, videoCheckpoint)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, pretrained.ConfigFilename), []byte(towerConfigJSON), 0o600))
	require.NoError(t, backendtest.Touch(dir, pretrained.VisionGraphFilename))
	hub := embeddingstest.OfflineHub(cache)
	factory := &backendtest.Factory{New: func(string) *backendtest.Session { return layerSession() }}
	return func(ctx context.Context, cfg TowerConfig) (*tower.VideoTower, error) {
		return tower.New(ctx, cfg.Checkpoint, cfg.Args(),
			tower.WithDelayLoad(cfg.DelayLoad),
			tower.WithHub(hub),
			tower.WithSessionFactory(factory))
	}, factory
}

func textContents(texts ...string) [][]ai.ContentPart {
	out := make([][]ai.ContentPart, len(texts))
	for i, text := range texts {
		out[i] = []ai.ContentPart{ai.TextContent{Text: text}}
	}
	return out
}

func intPtr(v int) *int { return &v }
