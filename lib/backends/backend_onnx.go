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

//go:build onnx && ORT

package backends

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	RegisterBackend(&onnxBackend{})
}

// onnxBackend implements Backend using ONNX Runtime.
//
// Runtime Requirements:
//   - Set LD_LIBRARY_PATH (or ONNXRUNTIME_ROOT) before running:
//     export LD_LIBRARY_PATH=/path/to/onnxruntime/lib
//   - For CUDA: export LD_LIBRARY_PATH=/path/to/onnxruntime/lib:/usr/local/cuda/lib64
type onnxBackend struct {
	initOnce sync.Once
	initErr  error
}

func (b *onnxBackend) Type() BackendType {
	return BackendONNX
}

func (b *onnxBackend) Name() string {
	if ShouldUseGPU(GPUModeAuto) {
		return "ONNX Runtime (" + DetectGPU().Type + ")"
	}
	return "ONNX Runtime (CPU)"
}

// Available is always true: the build tags only include this file when
// ONNX Runtime is linked.
func (b *onnxBackend) Available() bool {
	return true
}

func (b *onnxBackend) Priority() int {
	return 10
}

func (b *onnxBackend) SessionFactory() SessionFactory {
	return &onnxSessionFactory{backend: b}
}

func (b *onnxBackend) initONNX() error {
	b.initOnce.Do(func() {
		if libPath := onnxLibraryDir(); libPath != "" {
			ort.SetSharedLibraryPath(filepath.Join(libPath, onnxLibraryName()))
		}
		b.initErr = ort.InitializeEnvironment()
	})
	return b.initErr
}

// onnxLibraryDir returns the directory containing libonnxruntime.
// Checks ONNXRUNTIME_ROOT first, then LD_LIBRARY_PATH (or DYLD_LIBRARY_PATH on macOS).
func onnxLibraryDir() string {
	libName := onnxLibraryName()

	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		for _, dir := range []string{
			filepath.Join(root, runtime.GOOS+"-"+runtime.GOARCH, "lib"),
			filepath.Join(root, "lib"),
		} {
			if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
				return dir
			}
		}
	}

	ldPath := os.Getenv("LD_LIBRARY_PATH")
	if runtime.GOOS == "darwin" {
		if dyld := os.Getenv("DYLD_LIBRARY_PATH"); dyld != "" {
			ldPath = dyld
		}
	}
	for _, dir := range filepath.SplitList(ldPath) {
		if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
			return dir
		}
	}
	return ""
}

func onnxLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// onnxSessionFactory implements SessionFactory for ONNX Runtime.
type onnxSessionFactory struct {
	backend *onnxBackend
}

func (f *onnxSessionFactory) Backend() BackendType {
	return BackendONNX
}

func (f *onnxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	if err := f.backend.initONNX(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}
	cfg := ApplySessionOptions(opts...)

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("reading graph info of %s: %w", modelPath, err)
	}
	inputNames, inputInfo := ortTensorInfo(inputs)
	outputNames, outputInfo := ortTensorInfo(outputs)

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			_ = sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	if ShouldUseGPU(cfg.GPUMode) {
		appendAccelerator(sessionOpts, cfg.GPUMode)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		_ = sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session: %w", err)
	}
	return &onnxSession{
		session:     session,
		sessionOpts: sessionOpts,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
	}, nil
}

// appendAccelerator adds the CUDA or CoreML provider. Failures leave the
// session on CPU.
func appendAccelerator(opts *ort.SessionOptions, mode GPUMode) {
	if mode == GPUModeCoreML || (mode == GPUModeAuto && DetectGPU().Type == "coreml") {
		_ = opts.AppendExecutionProviderCoreML(0)
		return
	}
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return
	}
	defer func() { _ = cudaOpts.Destroy() }()
	_ = opts.AppendExecutionProviderCUDA(cudaOpts)
}

func ortTensorInfo(infos []ort.InputOutputInfo) ([]string, []TensorInfo) {
	names := make([]string, len(infos))
	out := make([]TensorInfo, len(infos))
	for i, info := range infos {
		names[i] = info.Name
		out[i] = TensorInfo{
			Name:     info.Name,
			Shape:    info.Dimensions,
			DataType: onnxDataType(info.DataType),
		}
	}
	return names, out
}

func onnxDataType(dt ort.TensorElementDataType) DataType {
	switch dt {
	case ort.TensorElementDataTypeFloat16:
		return DataTypeFloat16
	case ort.TensorElementDataTypeInt64:
		return DataTypeInt64
	case ort.TensorElementDataTypeInt32:
		return DataTypeInt32
	case ort.TensorElementDataTypeBool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// onnxSession implements Session for ONNX Runtime.
type onnxSession struct {
	mu          sync.Mutex
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
}

func (s *onnxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, ErrSessionClosed
	}

	byName := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		byName[input.Name] = input
	}

	ortInputs := make([]ort.Value, 0, len(s.inputInfo))
	defer func() {
		for _, t := range ortInputs {
			_ = t.Destroy()
		}
	}()
	for _, info := range s.inputInfo {
		input, ok := byName[info.Name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", info.Name)
		}
		t, err := createOrtTensor(input)
		if err != nil {
			return nil, fmt.Errorf("creating input tensor %s: %w", input.Name, err)
		}
		ortInputs = append(ortInputs, t)
	}

	// nil outputs are allocated by the runtime
	ortOutputs := make([]ort.Value, len(s.outputInfo))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("running ONNX session: %w", err)
	}
	defer func() {
		for _, t := range ortOutputs {
			if t != nil {
				_ = t.Destroy()
			}
		}
	}()

	outputs := make([]NamedTensor, len(ortOutputs))
	for i, v := range ortOutputs {
		if v == nil {
			continue
		}
		out, err := extractOrtTensor(v, s.outputInfo[i].Name)
		if err != nil {
			return nil, fmt.Errorf("extracting output tensor %s: %w", s.outputInfo[i].Name, err)
		}
		outputs[i] = out
	}
	return outputs, nil
}

func (s *onnxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *onnxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *onnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		_ = s.session.Destroy()
		s.session = nil
	}
	if s.sessionOpts != nil {
		_ = s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

func createOrtTensor(input NamedTensor) (ort.Value, error) {
	shape := ort.NewShape(input.Shape...)
	switch data := input.Data.(type) {
	case []float32:
		return ort.NewTensor(shape, data)
	case []int64:
		return ort.NewTensor(shape, data)
	case []int32:
		// token graphs are exported with int64 ids
		wide := make([]int64, len(data))
		for i, v := range data {
			wide[i] = int64(v)
		}
		return ort.NewTensor(shape, wide)
	case []bool:
		return ort.NewTensor(shape, data)
	default:
		return nil, fmt.Errorf("unsupported data type: %T", data)
	}
}

func extractOrtTensor(v ort.Value, name string) (NamedTensor, error) {
	out := NamedTensor{Name: name, Shape: v.GetShape()}
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		out.Data = append([]float32(nil), t.GetData()...)
	case *ort.Tensor[int64]:
		out.Data = append([]int64(nil), t.GetData()...)
	case *ort.Tensor[int32]:
		out.Data = append([]int32(nil), t.GetData()...)
	case *ort.Tensor[bool]:
		out.Data = append([]bool(nil), t.GetData()...)
	default:
		return NamedTensor{}, fmt.Errorf("unsupported tensor type %T", v)
	}
	return out, nil
}
