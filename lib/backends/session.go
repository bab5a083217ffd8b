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

package backends

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by Run after Close.
var ErrSessionClosed = errors.New("session is closed")

// Session is a low-level inference session over one exported graph.
// It handles tensor I/O without knowledge of what the graph computes;
// encoders, projections and towers are built on top of it.
type Session interface {
	// Run executes the session with the given named inputs.
	Run(inputs []NamedTensor) ([]NamedTensor, error)

	// InputInfo returns metadata about expected inputs.
	InputInfo() []TensorInfo

	// OutputInfo returns metadata about outputs, in graph order.
	OutputInfo() []TensorInfo

	// Close releases resources associated with the session.
	Close() error
}

// NamedTensor associates a name with tensor data.
type NamedTensor struct {
	Name  string
	Shape []int64
	Data  interface{} // []float32, []int64, []int32, []bool
}

// NumElements returns the product of the shape dimensions.
func (t NamedTensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Float32s returns the data as []float32 or an error for other element types.
func (t NamedTensor) Float32s() ([]float32, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor %q: expected float32 data, got %T", t.Name, t.Data)
	}
	return data, nil
}

// TensorInfo describes a tensor's metadata.
type TensorInfo struct {
	Name     string
	Shape    []int64  // -1 for dynamic dimensions
	DataType DataType // float32, int64, etc.
}

// DataType represents tensor element types.
type DataType string

const (
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat16 DataType = "float16"
	DataTypeInt64   DataType = "int64"
	DataTypeInt32   DataType = "int32"
	DataTypeBool    DataType = "bool"
)

// SessionFactory creates sessions from model files.
type SessionFactory interface {
	// CreateSession creates a session from an ONNX file.
	CreateSession(modelPath string, opts ...SessionOption) (Session, error)

	// Backend returns the backend type this factory uses.
	Backend() BackendType
}

// SessionFactoryProvider is implemented by backends that can hand out a
// SessionFactory.
type SessionFactoryProvider interface {
	SessionFactory() SessionFactory
}

// SessionOption configures session creation.
type SessionOption func(*SessionConfig)

// SessionConfig holds configuration for session creation.
type SessionConfig struct {
	// NumThreads for inference (0 = auto)
	NumThreads int

	// GPUMode controls GPU acceleration
	GPUMode GPUMode
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		GPUMode: GPUModeAuto,
	}
}

// WithSessionThreads sets the number of threads.
func WithSessionThreads(n int) SessionOption {
	return func(c *SessionConfig) {
		c.NumThreads = n
	}
}

// WithSessionGPUMode sets the GPU mode.
func WithSessionGPUMode(mode GPUMode) SessionOption {
	return func(c *SessionConfig) {
		c.GPUMode = mode
	}
}

// ApplySessionOptions applies options to a config.
func ApplySessionOptions(opts ...SessionOption) *SessionConfig {
	cfg := DefaultSessionConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// FindOutput returns the first output whose name matches one of names.
func FindOutput(outputs []NamedTensor, names ...string) (NamedTensor, bool) {
	for _, name := range names {
		for _, out := range outputs {
			if out.Name == name {
				return out, true
			}
		}
	}
	return NamedTensor{}, false
}

// HasInput reports whether the session declares an input with the given name.
func HasInput(s Session, name string) bool {
	for _, info := range s.InputInfo() {
		if info.Name == name {
			return true
		}
	}
	return false
}
