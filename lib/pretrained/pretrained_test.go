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
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/antflydb/languagebind/lib/backends"
	"github.com/antflydb/languagebind/lib/backends/backendtest"
)

const videoConfig = `{
  "model_type": "LanguageBindVideo",
  "projection_dim": 4,
  "logit_scale_init_value": 2.6592,
  "text_config": {"hidden_size": 3, "max_position_embeddings": 77, "vocab_size": 49408},
  "vision_config": {"hidden_size": 2, "image_size": 224, "patch_size": 14, "num_hidden_layers": 24, "num_frames": 8}
}`

// writeSafetensors writes F32 tensors, except names listed in f16 which are
// stored as F16.
func writeSafetensors(t *testing.T, path string, tensors map[string]Tensor, f16 map[string]bool) {
	t.Helper()
	header := map[string]any{}
	var data []byte
	for name, tensor := range tensors {
		start := len(data)
		dtype := "F32"
		for _, v := range tensor.Data {
			if f16[name] {
				dtype = "F16"
				data = binary.LittleEndian.AppendUint16(data, float16.Fromfloat32(v).Bits())
			} else {
				data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
			}
		}
		header[name] = map[string]any{
			"dtype":        dtype,
			"shape":        tensor.Shape,
			"data_offsets": []int{start, len(data)},
		}
	}
	header["__metadata__"] = map[string]string{"format": "pt"}
	h, err := json.Marshal(header)
	require.NoError(t, err)

	out := binary.LittleEndian.AppendUint64(nil, uint64(len(h)))
	out = append(out, h...)
	out = append(out, data...)
	require.NoError(t, os.WriteFile(path, out, 0o600))
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"vision_config": {"hidden_size": 1024}}`))
	require.NoError(t, err)

	assert.Equal(t, DefaultProjectionDim, cfg.ProjectionDim)
	assert.InDelta(t, DefaultLogitScaleInit, cfg.LogitScaleInitValue, 1e-9)
	assert.Equal(t, 224, cfg.VisionConfig.ImageSize)
	assert.Equal(t, 14, cfg.VisionConfig.PatchSize)
	assert.Equal(t, 8, cfg.VisionConfig.NumFrames)
	assert.Equal(t, 256, cfg.VisionConfig.NumPatches())
	assert.Equal(t, 77, cfg.TextConfig.MaxPositionEmbeddings)
	assert.Equal(t, 1024, cfg.VisionConfig.TargetLength)
	assert.InDelta(t, -4.2677393, cfg.VisionConfig.AudioMean, 1e-7)
}

func TestParseConfigSpecialTokens(t *testing.T) {
	for name, tc := range map[string]struct {
		json     string
		bos, eos int
	}{
		"unset":  {`{}`, DefaultTextVocabSize - 2, DefaultTextVocabSize - 1},
		"legacy": {`{"text_config": {"bos_token_id": 0, "eos_token_id": 2}}`, DefaultTextVocabSize - 2, DefaultTextVocabSize - 1},
		"real":   {`{"text_config": {"bos_token_id": 49406, "eos_token_id": 49407}}`, 49406, 49407},
		"custom": {`{"text_config": {"bos_token_id": 1, "eos_token_id": 2}}`, 1, 2},
	} {
		t.Run(name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tc.json))
			require.NoError(t, err)
			assert.Equal(t, tc.bos, cfg.TextConfig.BOSTokenID)
			assert.Equal(t, tc.eos, cfg.TextConfig.EOSTokenID)
		})
	}
}

func TestParseConfigRejectsBadGeometry(t *testing.T) {
	_, err := ParseConfig([]byte(`{"vision_config": {"image_size": 7, "patch_size": 14}}`))
	require.Error(t, err)

	_, err = ParseConfig([]byte(`{not json`))
	require.Error(t, err)
}

func TestLoadWeightsSafetensors(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, SafetensorsFilename), map[string]Tensor{
		LogitScaleName:       {Shape: []int64{}, Data: []float32{4.6052}},
		VisualProjectionName: {Shape: []int64{2, 3}, Data: []float32{1, 0, 0, 0, 1, 0}},
		TextProjectionName:   {Shape: []int64{2, 2}, Data: []float32{0.5, 0, 0, 0.25}},
		"unrelated.weight":   {Shape: []int64{1}, Data: []float32{9}},
	}, map[string]bool{TextProjectionName: true})

	w, err := LoadWeights(dir)
	require.NoError(t, err)
	assert.True(t, w.HasLogitScale)
	assert.InDelta(t, 4.6052, w.LogitScale, 1e-6)
	require.NotNil(t, w.VisualProjection)
	assert.Equal(t, []int64{2, 3}, w.VisualProjection.Shape)
	require.NotNil(t, w.TextProjection)
	assert.Equal(t, []float32{0.5, 0, 0, 0.25}, w.TextProjection.Data)
}

func TestLoadWeightsMissing(t *testing.T) {
	_, err := LoadWeights(t.TempDir())
	assert.ErrorIs(t, err, ErrNoWeights)
}

func TestDecodeFloatsBF16(t *testing.T) {
	// 1.0 in bfloat16 is 0x3f80
	got, err := decodeFloats("BF16", []byte{0x80, 0x3f, 0x00, 0xc0})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2}, got)

	_, err = decodeFloats("I8", []byte{1})
	require.Error(t, err)
}

func TestLinearProjector(t *testing.T) {
	p, err := NewLinearProjector(&Tensor{Shape: []int64{2, 3}, Data: []float32{
		1, 2, 3,
		0, 1, 0,
	}})
	require.NoError(t, err)
	assert.Equal(t, 3, p.InputDim())
	assert.Equal(t, 2, p.OutputDim())

	out, err := p.Project([][]float32{{1, 1, 1}, {0, 2, 0}})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{6, 1}, {4, 2}}, out)

	_, err = p.Project([][]float32{{1, 2}})
	require.Error(t, err)
}

func TestSessionProjector(t *testing.T) {
	s := &backendtest.Session{
		Inputs:  []backends.TensorInfo{{Name: "input", Shape: []int64{-1, 2}}},
		Outputs: []backends.TensorInfo{{Name: "output", Shape: []int64{-1, 1}}},
		RunFunc: func(in []backends.NamedTensor) ([]backends.NamedTensor, error) {
			x := in[0].Data.([]float32)
			out := make([]float32, 0, len(x)/2)
			for i := 0; i < len(x); i += 2 {
				out = append(out, x[i]+x[i+1])
			}
			return []backends.NamedTensor{{Name: "output", Shape: []int64{int64(len(out)), 1}, Data: out}}, nil
		},
	}
	p, err := NewSessionProjector(s)
	require.NoError(t, err)
	out, err := p.Project([][]float32{{1, 2}, {3, 4}})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{3}, {7}}, out)
	require.NoError(t, p.Close())
	assert.True(t, s.Closed())
}

func TestLoadModel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), []byte(videoConfig), 0o600))
	require.NoError(t, backendtest.Touch(dir, VisionGraphFilename, TextGraphFilename))
	writeSafetensors(t, filepath.Join(dir, SafetensorsFilename), map[string]Tensor{
		LogitScaleName:       {Shape: []int64{}, Data: []float32{1.5}},
		VisualProjectionName: {Shape: []int64{4, 2}, Data: make([]float32, 8)},
		TextProjectionName:   {Shape: []int64{4, 3}, Data: make([]float32, 12)},
	}, nil)

	var (
		mu       sync.Mutex
		sessions []*backendtest.Session
	)
	factory := &backendtest.Factory{New: func(string) *backendtest.Session {
		s := &backendtest.Session{}
		mu.Lock()
		sessions = append(sessions, s)
		mu.Unlock()
		return s
	}}

	m, err := LoadModel(context.Background(), dir, factory)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, m.LogitScale, 1e-6)
	assert.Equal(t, 8, m.Config.VisionConfig.NumFrames)
	assert.Equal(t, 2, m.VisualProjection.InputDim())
	assert.Equal(t, 3, m.TextProjection.InputDim())
	assert.Equal(t, backends.BackendGo, m.Backend)
	assert.Len(t, factory.Created(), 2)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	for _, s := range sessions {
		assert.True(t, s.Closed())
	}
}

func TestLoadModelFallsBackToProjectionGraphs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), []byte(videoConfig), 0o600))
	require.NoError(t, backendtest.Touch(dir, VisionGraphFilename, VisualProjectionGraphFilename))

	factory := &backendtest.Factory{New: func(path string) *backendtest.Session {
		if filepath.Base(path) == VisualProjectionGraphFilename {
			return &backendtest.Session{
				Inputs:  []backends.TensorInfo{{Name: "input", Shape: []int64{-1, 2}}},
				Outputs: []backends.TensorInfo{{Name: "output", Shape: []int64{-1, 4}}},
			}
		}
		return &backendtest.Session{}
	}}

	m, err := LoadModel(context.Background(), dir, factory, WithoutText())
	require.NoError(t, err)
	defer m.Close()

	assert.Nil(t, m.Text)
	assert.Equal(t, 4, m.VisualProjection.OutputDim())
	assert.InDelta(t, DefaultLogitScaleInit, m.LogitScale, 1e-6)
}

func TestLoadModelMissingGraph(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), []byte(videoConfig), 0o600))
	factory := &backendtest.Factory{New: func(string) *backendtest.Session { return &backendtest.Session{} }}

	_, err := LoadModel(context.Background(), dir, factory, WithoutText())
	require.Error(t, err)
	assert.Contains(t, err.Error(), VisionGraphFilename)
}
