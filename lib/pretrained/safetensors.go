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
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	json "github.com/goccy/go-json"
	"github.com/x448/float16"
)

// maxSafetensorsHeader bounds the JSON header we are willing to parse.
const maxSafetensorsHeader = 100 << 20

type safetensorsEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// readSafetensors reads the named tensors from a .safetensors file as
// float32. Names absent from the file are skipped.
func readSafetensors(path string, names ...string) (map[string]Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var headerLen uint64
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen == 0 || headerLen > maxSafetensorsHeader {
		return nil, fmt.Errorf("invalid safetensors header length %d", headerLen)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	dataStart := int64(8 + headerLen)

	out := make(map[string]Tensor, len(names))
	for _, name := range names {
		msg, ok := raw[name]
		if !ok {
			continue
		}
		var entry safetensorsEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, fmt.Errorf("parsing entry %s: %w", name, err)
		}
		size := entry.DataOffsets[1] - entry.DataOffsets[0]
		if size < 0 {
			return nil, fmt.Errorf("tensor %s: invalid data offsets %v", name, entry.DataOffsets)
		}
		buf := make([]byte, size)
		if _, err := f.ReadAt(buf, dataStart+entry.DataOffsets[0]); err != nil {
			return nil, fmt.Errorf("reading tensor %s: %w", name, err)
		}
		data, err := decodeFloats(entry.DType, buf)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		t := Tensor{Shape: entry.Shape, Data: data}
		if t.NumElements() != len(data) {
			return nil, fmt.Errorf("tensor %s: shape %v does not match %d elements", name, entry.Shape, len(data))
		}
		out[name] = t
	}
	return out, nil
}

func decodeFloats(dtype string, buf []byte) ([]float32, error) {
	switch dtype {
	case "F32":
		if len(buf)%4 != 0 {
			return nil, fmt.Errorf("F32 buffer of %d bytes", len(buf))
		}
		out := make([]float32, len(buf)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return out, nil
	case "F16":
		if len(buf)%2 != 0 {
			return nil, fmt.Errorf("F16 buffer of %d bytes", len(buf))
		}
		out := make([]float32, len(buf)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
		}
		return out, nil
	case "BF16":
		if len(buf)%2 != 0 {
			return nil, fmt.Errorf("BF16 buffer of %d bytes", len(buf))
		}
		return bfloat16.DecodeFloat32(buf), nil
	case "F64":
		if len(buf)%8 != 0 {
			return nil, fmt.Errorf("F64 buffer of %d bytes", len(buf))
		}
		out := make([]float32, len(buf)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
}
