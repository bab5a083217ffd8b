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

// Package backends runs exported encoder graphs behind a small Session
// interface so the LanguageBind composite never depends on a specific
// inference runtime.
//
// Available backends:
//   - Go: GoMLX with the pure Go engine, always available.
//   - ONNX Runtime: fastest CPU/CUDA inference, requires -tags="onnx,ORT".
//
// Build example:
//
//	go build -tags="onnx,ORT" ./cmd
//
// Backend selection follows a configurable priority order (default: ONNX > Go).
package backends

// BackendType identifies the inference backend
type BackendType string

const (
	// BackendONNX is the ONNX Runtime backend
	BackendONNX BackendType = "onnx"

	// BackendGo is the GoMLX backend with the pure Go engine (no CGO)
	BackendGo BackendType = "go"
)

// DeviceType identifies the hardware device for inference
type DeviceType string

const (
	DeviceAuto   DeviceType = "auto"
	DeviceCUDA   DeviceType = "cuda"
	DeviceCoreML DeviceType = "coreml"
	DeviceCPU    DeviceType = "cpu"
)

// GPUMode controls how GPU acceleration is enabled.
type GPUMode string

const (
	GPUModeAuto   GPUMode = "auto"   // Auto-detect GPU availability
	GPUModeCuda   GPUMode = "cuda"   // Force CUDA
	GPUModeCoreML GPUMode = "coreml" // Force CoreML (macOS only)
	GPUModeOff    GPUMode = "off"    // CPU only
)

// ToGPUMode converts DeviceType to GPUMode.
func (d DeviceType) ToGPUMode() GPUMode {
	switch d {
	case DeviceCUDA:
		return GPUModeCuda
	case DeviceCoreML:
		return GPUModeCoreML
	case DeviceCPU:
		return GPUModeOff
	default:
		return GPUModeAuto
	}
}

// BackendSpec combines a backend type with a device specification.
type BackendSpec struct {
	Backend BackendType
	Device  DeviceType
}

// String returns the string representation (e.g., "onnx:cuda" or "go")
func (s BackendSpec) String() string {
	if s.Device == DeviceAuto || s.Device == "" {
		return string(s.Backend)
	}
	return string(s.Backend) + ":" + string(s.Device)
}

// GPUInfo contains information about the detected accelerator
type GPUInfo struct {
	Available   bool   `json:"available"`
	Type        string `json:"type"` // "cuda", "coreml", "none"
	DeviceName  string `json:"device_name,omitempty"`
	DriverVer   string `json:"driver_version,omitempty"`
	CUDAVersion string `json:"cuda_version,omitempty"`
}
