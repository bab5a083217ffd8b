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
	"fmt"
	"reflect"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"

	// Pure Go engine, no CGO
	_ "github.com/gomlx/gomlx/backends/simplego"
)

func init() {
	RegisterBackend(&gomlxBackend{engineType: "go"})
}

// gomlxBackend implements Backend by converting ONNX graphs with onnx-gomlx
// and executing them on the pure Go simplego engine. It is slower than ONNX
// Runtime but needs no shared libraries.
type gomlxBackend struct {
	engineType string

	engineOnce sync.Once
	engine     backends.Backend
	engineErr  error
}

func (b *gomlxBackend) Type() BackendType {
	return BackendGo
}

func (b *gomlxBackend) Name() string {
	return "GoMLX (Go)"
}

func (b *gomlxBackend) Available() bool {
	_, err := b.getEngine()
	return err == nil
}

// Priority puts the Go engine last: it is the fallback.
func (b *gomlxBackend) Priority() int {
	return 100
}

func (b *gomlxBackend) SessionFactory() SessionFactory {
	return &gomlxSessionFactory{backend: b}
}

func (b *gomlxBackend) getEngine() (backends.Backend, error) {
	b.engineOnce.Do(func() {
		b.engine, b.engineErr = safeNewBackend(b.engineType)
	})
	return b.engine, b.engineErr
}

// safeNewBackend creates a new engine, catching panics from libraries
// that don't handle missing dependencies gracefully.
func safeNewBackend(engineType string) (engine backends.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine = nil
			err = fmt.Errorf("engine %q panicked during initialization: %v", engineType, r)
		}
	}()
	return backends.NewWithConfig(engineType)
}

// gomlxSessionFactory creates sessions from ONNX files using GoMLX.
type gomlxSessionFactory struct {
	backend *gomlxBackend
}

func (f *gomlxSessionFactory) Backend() BackendType {
	return BackendGo
}

// CreateSession ignores GPU options: the Go engine is CPU only.
func (f *gomlxSessionFactory) CreateSession(modelPath string, _ ...SessionOption) (Session, error) {
	engine, err := f.backend.getEngine()
	if err != nil {
		return nil, fmt.Errorf("getting GoMLX engine: %w", err)
	}

	om, err := onnx.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading ONNX graph %s: %w", modelPath, err)
	}
	ctx := mlctx.New()
	if err := om.VariablesToContext(ctx); err != nil {
		return nil, fmt.Errorf("loading ONNX variables: %w", err)
	}

	inputNames, inputShapes := om.Inputs()
	outputNames, outputShapes := om.Outputs()

	inputInfo := make([]TensorInfo, len(inputNames))
	for i, name := range inputNames {
		inputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToInt64s(inputShapes[i].Dimensions),
			DataType: gomlxDataType(inputShapes[i].DType),
		}
	}
	outputInfo := make([]TensorInfo, len(outputNames))
	for i, name := range outputNames {
		outputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToInt64s(outputShapes[i].Dimensions),
			DataType: gomlxDataType(outputShapes[i].DType),
		}
	}

	return &gomlxSession{
		model:       om,
		ctx:         ctx,
		engine:      engine,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

// gomlxSession implements Session for raw tensor I/O using GoMLX.
type gomlxSession struct {
	mu          sync.Mutex
	model       *onnx.Model
	ctx         *mlctx.Context
	engine      backends.Backend
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
	inputNames  []string
	outputNames []string
}

func (s *gomlxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return nil, ErrSessionClosed
	}

	byName := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		byName[input.Name] = input
	}

	args := make([]any, len(s.inputNames))
	for i, name := range s.inputNames {
		input, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", name)
		}
		t, err := namedTensorToGoMLX(input)
		if err != nil {
			return nil, fmt.Errorf("converting input tensor %s: %w", name, err)
		}
		args[i] = t
	}

	graphFn := func(ctx *mlctx.Context, graphInputs []*graph.Node) []*graph.Node {
		nodes := make(map[string]*graph.Node, len(s.inputNames))
		for i, name := range s.inputNames {
			nodes[name] = graphInputs[i]
		}
		return s.model.CallGraph(ctx.Reuse(), graphInputs[0].Graph(), nodes)
	}

	results, err := mlctx.ExecOnceN(s.engine, s.ctx, graphFn, args...)
	if err != nil {
		return nil, fmt.Errorf("executing ONNX graph: %w", err)
	}

	outputs := make([]NamedTensor, len(results))
	for i, result := range results {
		name := ""
		if i < len(s.outputNames) {
			name = s.outputNames[i]
		}
		outputs[i] = gomlxToNamedTensor(result, name)
	}
	return outputs, nil
}

func (s *gomlxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *gomlxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *gomlxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = nil
	s.ctx = nil
	return nil
}

func intsToInt64s(dims []int) []int64 {
	result := make([]int64, len(dims))
	for i, d := range dims {
		result[i] = int64(d)
	}
	return result
}

func gomlxDataType(dt dtypes.DType) DataType {
	switch dt {
	case dtypes.Float16, dtypes.BFloat16:
		return DataTypeFloat16
	case dtypes.Int64:
		return DataTypeInt64
	case dtypes.Int32, dtypes.Int16, dtypes.Int8:
		return DataTypeInt32
	case dtypes.Bool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

func namedTensorToGoMLX(nt NamedTensor) (*tensors.Tensor, error) {
	dims := make([]int, len(nt.Shape))
	for i, d := range nt.Shape {
		dims[i] = int(d)
	}

	switch data := nt.Data.(type) {
	case []float32:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int64:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int32:
		wide := make([]int64, len(data))
		for i, v := range data {
			wide[i] = int64(v)
		}
		return tensors.FromFlatDataAndDimensions(wide, dims...), nil
	case []bool:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type: %T", data)
	}
}

// gomlxToNamedTensor copies a GoMLX tensor out as flat data. Float64
// results are narrowed to float32.
func gomlxToNamedTensor(t *tensors.Tensor, name string) NamedTensor {
	shape := t.Shape()
	dims := make([]int64, shape.Rank())
	for i := range shape.Rank() {
		dims[i] = int64(shape.Dimensions[i])
	}

	val := t.Value()
	var data interface{}
	switch shape.DType {
	case dtypes.Float64:
		wide := flatten[float64](val)
		narrow := make([]float32, len(wide))
		for i, v := range wide {
			narrow[i] = float32(v)
		}
		data = narrow
	case dtypes.Int64:
		data = flatten[int64](val)
	case dtypes.Int32:
		data = flatten[int32](val)
	case dtypes.Bool:
		data = flatten[bool](val)
	default:
		data = flatten[float32](val)
	}
	return NamedTensor{Name: name, Shape: dims, Data: data}
}

// flatten walks nested slices of any rank (video graphs return 5D
// activations) in row-major order.
func flatten[T any](val any) []T {
	if scalar, ok := val.(T); ok {
		return []T{scalar}
	}
	if flat, ok := val.([]T); ok {
		return flat
	}
	var out []T
	var walk func(v reflect.Value)
	walk = func(v reflect.Value) {
		if v.Kind() != reflect.Slice {
			if x, ok := v.Interface().(T); ok {
				out = append(out, x)
			}
			return
		}
		if flat, ok := v.Interface().([]T); ok {
			out = append(out, flat...)
			return
		}
		for i := 0; i < v.Len(); i++ {
			walk(v.Index(i))
		}
	}
	walk(reflect.ValueOf(val))
	return out
}
