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

// Package pipelines turns raw media (text, images, depth maps, video
// frames, audio) into the named input tensors LanguageBind encoders
// expect. Each modality has a processor; all of them produce a Batch.
package pipelines

import (
	"context"
	"fmt"

	"github.com/antflydb/languagebind/lib/backends"
)

// Encoder input names.
const (
	InputPixelValues   = "pixel_values"
	InputIDs           = "input_ids"
	InputAttentionMask = "attention_mask"
)

// Batch is the set of named input tensors for one encoder call. The first
// dimension of every tensor is the batch size.
type Batch []backends.NamedTensor

// Size returns the batch size, taken from the first tensor.
func (b Batch) Size() int {
	if len(b) == 0 || len(b[0].Shape) == 0 {
		return 0
	}
	return int(b[0].Shape[0])
}

// Get returns the tensor with the given name.
func (b Batch) Get(name string) (backends.NamedTensor, bool) {
	for _, t := range b {
		if t.Name == name {
			return t, true
		}
	}
	return backends.NamedTensor{}, false
}

// Row returns batch row i as a Batch of size 1.
func (b Batch) Row(i int) (Batch, error) {
	n := b.Size()
	if i < 0 || i >= n {
		return nil, fmt.Errorf("row %d out of range [0,%d)", i, n)
	}
	out := make(Batch, len(b))
	for j, t := range b {
		per := t.NumElements() / n
		shape := append([]int64{1}, t.Shape[1:]...)
		var data interface{}
		switch d := t.Data.(type) {
		case []float32:
			data = d[i*per : (i+1)*per]
		case []int64:
			data = d[i*per : (i+1)*per]
		case []int32:
			data = d[i*per : (i+1)*per]
		case []bool:
			data = d[i*per : (i+1)*per]
		default:
			return nil, fmt.Errorf("tensor %s: unsupported data %T", t.Name, t.Data)
		}
		out[j] = backends.NamedTensor{Name: t.Name, Shape: shape, Data: data}
	}
	return out, nil
}

// Item is one raw input. Text inputs set Text; media inputs set Data and
// MIMEType.
type Item struct {
	Text     string
	Data     []byte
	MIMEType string
}

// Processor turns raw items of one modality into an encoder Batch.
type Processor interface {
	Process(ctx context.Context, items []Item) (Batch, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, items []Item) (Batch, error)

func (f ProcessorFunc) Process(ctx context.Context, items []Item) (Batch, error) {
	return f(ctx, items)
}
