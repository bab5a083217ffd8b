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
	"encoding/binary"
	"fmt"
	"io"
)

// SerializeFloatArrays writes vectors as little-endian
// uint64 count, uint64 dimension, then count*dimension float32 values.
// All vectors must share one dimension.
func SerializeFloatArrays(w io.Writer, data [][]float32) error {
	var dim uint64
	if len(data) > 0 {
		dim = uint64(len(data[0]))
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(data))); err != nil {
		return fmt.Errorf("writing number of vectors: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, dim); err != nil {
		return fmt.Errorf("writing dimension: %w", err)
	}
	for i, vec := range data {
		if uint64(len(vec)) != dim {
			return fmt.Errorf("vector %d has dimension %d, want %d", i, len(vec), dim)
		}
		if err := binary.Write(w, binary.LittleEndian, vec); err != nil {
			return fmt.Errorf("writing vector %d: %w", i, err)
		}
	}
	return nil
}

// DeserializeFloatArrays reads the format written by SerializeFloatArrays.
func DeserializeFloatArrays(r io.Reader) ([][]float32, error) {
	var header [2]uint64
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("reading number of vectors and dimension: %w", err)
	}
	n, dim := header[0], header[1]
	// 1<<24 floats per vector is far beyond any projection size
	if dim > 1<<24 {
		return nil, fmt.Errorf("dimension %d too large", dim)
	}
	out := make([][]float32, 0, min(n, 1<<16))
	for i := uint64(0); i < n; i++ {
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return nil, fmt.Errorf("reading vector %d: %w", i, err)
		}
		out = append(out, vec)
	}
	return out, nil
}
