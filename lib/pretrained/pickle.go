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
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// readTorchCheckpoint reads the named tensors from a pytorch_model.bin
// state dict. Names absent from the file are skipped.
func readTorchCheckpoint(path string, names ...string) (map[string]Tensor, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("unpickling %s: %w", path, err)
	}
	lookup, err := stateDictLookup(obj)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Tensor, len(names))
	for _, name := range names {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		pt, ok := v.(*pytorch.Tensor)
		if !ok {
			return nil, fmt.Errorf("entry %s is %T, not a tensor", name, v)
		}
		t, err := torchTensor(pt)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

// stateDictLookup accepts a bare state dict or one nested under
// "state_dict" / "model".
func stateDictLookup(obj interface{}) (func(string) (interface{}, bool), error) {
	var get func(string) (interface{}, bool)
	switch d := obj.(type) {
	case *types.OrderedDict:
		get = func(k string) (interface{}, bool) { return d.Get(k) }
	case *types.Dict:
		get = func(k string) (interface{}, bool) { return d.Get(k) }
	default:
		return nil, fmt.Errorf("unexpected checkpoint root %T", obj)
	}
	for _, wrapper := range []string{"state_dict", "model"} {
		if inner, ok := get(wrapper); ok {
			if _, isTensor := inner.(*pytorch.Tensor); !isTensor {
				return stateDictLookup(inner)
			}
		}
	}
	return get, nil
}

func torchTensor(pt *pytorch.Tensor) (Tensor, error) {
	var storage []float32
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		storage = s.Data
	case *pytorch.HalfStorage:
		storage = s.Data
	case *pytorch.BFloat16Storage:
		storage = s.Data
	case *pytorch.DoubleStorage:
		storage = make([]float32, len(s.Data))
		for i, v := range s.Data {
			storage[i] = float32(v)
		}
	default:
		return Tensor{}, fmt.Errorf("unsupported storage %T", pt.Source)
	}

	if len(pt.Stride) != len(pt.Size) {
		return Tensor{}, fmt.Errorf("stride %v does not match size %v", pt.Stride, pt.Size)
	}
	shape := make([]int64, len(pt.Size))
	for i, d := range pt.Size {
		shape[i] = int64(d)
	}
	t := Tensor{Shape: shape, Data: make([]float32, 0, numElements(shape))}

	// Walk the logical index space honoring strides.
	idx := make([]int, len(pt.Size))
	total := t.NumElements()
	for n := 0; n < total; n++ {
		off := pt.StorageOffset
		for d, i := range idx {
			off += i * pt.Stride[d]
		}
		if off < 0 || off >= len(storage) {
			return Tensor{}, fmt.Errorf("storage offset %d out of range %d", off, len(storage))
		}
		t.Data = append(t.Data, storage[off])
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < pt.Size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return t, nil
}
