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
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Checkpoint tensor names kept outside the encoder graphs.
const (
	LogitScaleName       = "logit_scale"
	VisualProjectionName = "visual_projection.weight"
	TextProjectionName   = "text_projection.weight"
)

// Weight file names, in lookup order.
const (
	SafetensorsFilename = "model.safetensors"
	TorchFilename       = "pytorch_model.bin"
)

// ErrNoWeights is returned when a checkpoint has neither weight file.
var ErrNoWeights = errors.New("no model.safetensors or pytorch_model.bin")

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NumElements returns the product of the shape dimensions.
func (t Tensor) NumElements() int {
	return numElements(t.Shape)
}

func numElements(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// Weights are the non-graph tensors of a checkpoint. Projection matrices
// use the torch Linear layout [out_features, in_features]. A nil projection
// means the checkpoint ships it as a separate ONNX graph instead.
type Weights struct {
	LogitScale       float32
	HasLogitScale    bool
	VisualProjection *Tensor
	TextProjection   *Tensor
}

// LoadWeights reads logit_scale and both projection heads from the first
// weight file present in dir.
func LoadWeights(dir string) (*Weights, error) {
	names := []string{LogitScaleName, VisualProjectionName, TextProjectionName}

	var (
		tensors map[string]Tensor
		err     error
	)
	switch {
	case fileExists(filepath.Join(dir, SafetensorsFilename)):
		tensors, err = readSafetensors(filepath.Join(dir, SafetensorsFilename), names...)
	case fileExists(filepath.Join(dir, TorchFilename)):
		tensors, err = readTorchCheckpoint(filepath.Join(dir, TorchFilename), names...)
	default:
		return nil, ErrNoWeights
	}
	if err != nil {
		return nil, err
	}

	w := &Weights{}
	if t, ok := tensors[LogitScaleName]; ok {
		if len(t.Data) != 1 {
			return nil, fmt.Errorf("%s has %d elements, want 1", LogitScaleName, len(t.Data))
		}
		w.LogitScale = t.Data[0]
		w.HasLogitScale = true
	}
	for name, dst := range map[string]**Tensor{
		VisualProjectionName: &w.VisualProjection,
		TextProjectionName:   &w.TextProjection,
	} {
		t, ok := tensors[name]
		if !ok {
			continue
		}
		if len(t.Shape) != 2 {
			return nil, fmt.Errorf("%s has shape %v, want 2D", name, t.Shape)
		}
		*dst = &t
	}
	return w, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
