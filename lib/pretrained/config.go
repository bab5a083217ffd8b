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

// Package pretrained opens LanguageBind checkpoints from a local directory:
// the config, the exported encoder graphs and the small tensors (logit
// scale and projection heads) that live outside the graphs.
package pretrained

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// ConfigFilename is the checkpoint configuration file.
const ConfigFilename = "config.json"

// Defaults of the LanguageBind CLIP configs.
const (
	DefaultProjectionDim        = 768
	DefaultLogitScaleInit       = 2.6592
	DefaultImageSize            = 224
	DefaultPatchSize            = 14
	DefaultNumFrames            = 8
	DefaultTextMaxPositions     = 77
	DefaultTextVocabSize        = 49408
	DefaultTextHiddenSize       = 768
	DefaultVisionHiddenSize     = 1024
	DefaultVisionHiddenLayers   = 24
	DefaultAudioTargetLength    = 1024
	DefaultAudioNumMelBins      = 128
	DefaultAudioSampleRate      = 16000
	DefaultDepthMaxDepthMeters  = 10.0
	DefaultDepthMinDepthMeters  = 0.01
	DefaultDepthMillimetreScale = 1000.0
)

// TextConfig describes the language encoder.
type TextConfig struct {
	HiddenSize            int `json:"hidden_size"`
	MaxPositionEmbeddings int `json:"max_position_embeddings"`
	VocabSize             int `json:"vocab_size"`
	NumHiddenLayers       int `json:"num_hidden_layers"`
	BOSTokenID            int `json:"bos_token_id"`
	EOSTokenID            int `json:"eos_token_id"`
	PadTokenID            int `json:"pad_token_id"`
}

// VisionConfig describes a modality encoder. The same shape is used for
// image, video, depth, audio and thermal checkpoints.
type VisionConfig struct {
	HiddenSize      int `json:"hidden_size"`
	ImageSize       int `json:"image_size"`
	PatchSize       int `json:"patch_size"`
	NumHiddenLayers int `json:"num_hidden_layers"`
	NumChannels     int `json:"num_channels"`

	// Video checkpoints.
	NumFrames   int  `json:"num_frames"`
	AddTimeAttn bool `json:"add_time_attn"`

	// Audio checkpoints.
	TargetLength    int     `json:"target_length"`
	NumMelBins      int     `json:"num_mel_bins"`
	AudioSampleRate int     `json:"audio_sample_rate"`
	AudioMean       float64 `json:"audio_mean"`
	AudioStd        float64 `json:"audio_std"`

	// Depth checkpoints.
	MaxDepth float64 `json:"max_depth"`
}

// NumPatches returns (image_size / patch_size)^2.
func (c VisionConfig) NumPatches() int {
	if c.PatchSize == 0 {
		return 0
	}
	n := c.ImageSize / c.PatchSize
	return n * n
}

// Config mirrors a LanguageBind config.json.
type Config struct {
	ModelType           string       `json:"model_type"`
	Architectures       []string     `json:"architectures"`
	ProjectionDim       int          `json:"projection_dim"`
	LogitScaleInitValue float64      `json:"logit_scale_init_value"`
	TorchDType          string       `json:"torch_dtype"`
	TextConfig          TextConfig   `json:"text_config"`
	VisionConfig        VisionConfig `json:"vision_config"`
}

// LoadConfig reads config.json from dir and fills missing fields with
// LanguageBind defaults.
func LoadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses config.json content.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns a config populated only with defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ProjectionDim == 0 {
		c.ProjectionDim = DefaultProjectionDim
	}
	if c.LogitScaleInitValue == 0 {
		c.LogitScaleInitValue = DefaultLogitScaleInit
	}

	t := &c.TextConfig
	if t.HiddenSize == 0 {
		t.HiddenSize = DefaultTextHiddenSize
	}
	if t.MaxPositionEmbeddings == 0 {
		t.MaxPositionEmbeddings = DefaultTextMaxPositions
	}
	if t.VocabSize == 0 {
		t.VocabSize = DefaultTextVocabSize
	}
	// CLIP text configs carry the legacy 0/2 pair, which names no real
	// BPE specials
	if t.BOSTokenID == 0 && (t.EOSTokenID == 0 || t.EOSTokenID == 2) {
		t.BOSTokenID = DefaultTextVocabSize - 2
		t.EOSTokenID = DefaultTextVocabSize - 1
	}

	v := &c.VisionConfig
	if v.HiddenSize == 0 {
		v.HiddenSize = DefaultVisionHiddenSize
	}
	if v.ImageSize == 0 {
		v.ImageSize = DefaultImageSize
	}
	if v.PatchSize == 0 {
		v.PatchSize = DefaultPatchSize
	}
	if v.NumHiddenLayers == 0 {
		v.NumHiddenLayers = DefaultVisionHiddenLayers
	}
	if v.NumChannels == 0 {
		v.NumChannels = 3
	}
	if v.NumFrames == 0 {
		v.NumFrames = DefaultNumFrames
	}
	if v.TargetLength == 0 {
		v.TargetLength = DefaultAudioTargetLength
	}
	if v.NumMelBins == 0 {
		v.NumMelBins = DefaultAudioNumMelBins
	}
	if v.AudioSampleRate == 0 {
		v.AudioSampleRate = DefaultAudioSampleRate
	}
	if v.AudioMean == 0 && v.AudioStd == 0 {
		v.AudioMean = -4.2677393
		v.AudioStd = 4.5689974
	}
	if v.MaxDepth == 0 {
		v.MaxDepth = DefaultDepthMaxDepthMeters
	}
}

// Validate rejects configs whose geometry cannot describe a ViT.
func (c *Config) Validate() error {
	v := c.VisionConfig
	if v.PatchSize <= 0 || v.ImageSize < v.PatchSize {
		return fmt.Errorf("invalid vision geometry: image_size=%d patch_size=%d", v.ImageSize, v.PatchSize)
	}
	if c.ProjectionDim < 0 || v.HiddenSize < 0 || c.TextConfig.HiddenSize < 0 {
		return fmt.Errorf("negative dimension in config")
	}
	return nil
}
