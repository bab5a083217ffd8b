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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloatArraysRoundTrip(t *testing.T) {
	for name, data := range map[string][][]float32{
		"none":         {},
		"unit rows":    {{0.6, 0.8, 0, 0}, {0, 0, 0, 1}},
		"scaled rows":  {{60, 80, 0, 0}},
		"tiny values":  {{1e-10, -1e-10, 3.4e38}},
		"single value": {{-2.5}},
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, SerializeFloatArrays(&buf, data))
			assert.Equal(t, 16+4*len(data)*rowLen(data), buf.Len())

			got, err := DeserializeFloatArrays(&buf)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func rowLen(data [][]float32) int {
	if len(data) == 0 {
		return 0
	}
	return len(data[0])
}

func TestSerializeFloatArraysRaggedRows(t *testing.T) {
	var buf bytes.Buffer
	err := SerializeFloatArrays(&buf, [][]float32{{1, 2}, {3}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector 1 has dimension 1, want 2")
}

func TestSerializeFloatArraysWriterError(t *testing.T) {
	w := &shortWriter{budget: 2}
	require.Error(t, SerializeFloatArrays(w, [][]float32{{1, 2, 3}, {4, 5, 6}}))
}

func TestDeserializeFloatArraysTruncated(t *testing.T) {
	header := func(n, dim uint64) []byte {
		b := binary.LittleEndian.AppendUint64(nil, n)
		return binary.LittleEndian.AppendUint64(b, dim)
	}
	cases := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{"empty", nil, "reading number of vectors"},
		{"half header", header(1, 2)[:8], "reading number of vectors"},
		{"short vector", append(header(1, 2), 0, 0, 128, 63), "reading vector 0"},
		{"missing second vector", append(header(2, 1), 0, 0, 128, 63), "reading vector 1"},
		{"absurd dimension", header(1, 1<<30), "too large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DeserializeFloatArrays(bytes.NewReader(tc.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func BenchmarkSerializeFloatArrays(b *testing.B) {
	data := make([][]float32, 64)
	for i := range data {
		data[i] = make([]float32, 768)
	}
	for b.Loop() {
		var buf bytes.Buffer
		_ = SerializeFloatArrays(&buf, data)
	}
}

type shortWriter struct{ budget int }

func (w *shortWriter) Write(p []byte) (int, error) {
	if w.budget == 0 {
		return 0, assert.AnError
	}
	w.budget--
	return len(p), nil
}
