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

	"github.com/antflydb/languagebind/lib/backends"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Projector maps pooled encoder outputs [batch, in] into the shared
// embedding space [batch, out].
type Projector interface {
	Project(x [][]float32) ([][]float32, error)
	InputDim() int
	OutputDim() int
	Close() error
}

// LinearProjector is a bias-free linear layer with a torch-layout weight
// [out, in].
type LinearProjector struct {
	weight blas32.General
}

// NewLinearProjector wraps a [out, in] weight tensor.
func NewLinearProjector(w *Tensor) (*LinearProjector, error) {
	if w == nil || len(w.Shape) != 2 {
		return nil, fmt.Errorf("projection weight must be 2D")
	}
	rows, cols := int(w.Shape[0]), int(w.Shape[1])
	if rows*cols != len(w.Data) {
		return nil, fmt.Errorf("projection weight shape %v does not match %d elements", w.Shape, len(w.Data))
	}
	return &LinearProjector{weight: blas32.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   w.Data,
	}}, nil
}

// Project computes x Wᵀ with a single GEMM over the batch.
func (p *LinearProjector) Project(x [][]float32) ([][]float32, error) {
	if len(x) == 0 {
		return [][]float32{}, nil
	}
	in := p.InputDim()
	a := blas32.General{Rows: len(x), Cols: in, Stride: in, Data: make([]float32, len(x)*in)}
	for i, row := range x {
		if len(row) != in {
			return nil, fmt.Errorf("row %d has dimension %d, projection expects %d", i, len(row), in)
		}
		copy(a.Data[i*in:], row)
	}
	out := p.OutputDim()
	c := blas32.General{Rows: len(x), Cols: out, Stride: out, Data: make([]float32, len(x)*out)}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, p.weight, 0, c)

	result := make([][]float32, len(x))
	for i := range result {
		result[i] = c.Data[i*out : (i+1)*out : (i+1)*out]
	}
	return result, nil
}

func (p *LinearProjector) InputDim() int  { return p.weight.Cols }
func (p *LinearProjector) OutputDim() int { return p.weight.Rows }
func (p *LinearProjector) Close() error   { return nil }

// SessionProjector runs a projection exported as its own graph with one
// [batch, in] input and one [batch, out] output.
type SessionProjector struct {
	session   backends.Session
	inputName string
	inputDim  int
	outputDim int
}

// NewSessionProjector validates the graph signature and wraps it.
func NewSessionProjector(session backends.Session) (*SessionProjector, error) {
	inputs, outputs := session.InputInfo(), session.OutputInfo()
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("projection graph should have 1 input and 1 output, got %d inputs and %d outputs",
			len(inputs), len(outputs))
	}
	if len(inputs[0].Shape) != 2 || len(outputs[0].Shape) != 2 {
		return nil, fmt.Errorf("projection graph shapes should be 2D, got input %v and output %v",
			inputs[0].Shape, outputs[0].Shape)
	}
	return &SessionProjector{
		session:   session,
		inputName: inputs[0].Name,
		inputDim:  int(inputs[0].Shape[1]),
		outputDim: int(outputs[0].Shape[1]),
	}, nil
}

func (p *SessionProjector) Project(x [][]float32) ([][]float32, error) {
	if len(x) == 0 {
		return [][]float32{}, nil
	}
	flat := make([]float32, 0, len(x)*p.inputDim)
	for i, row := range x {
		if len(row) != p.inputDim {
			return nil, fmt.Errorf("row %d has dimension %d, projection expects %d", i, len(row), p.inputDim)
		}
		flat = append(flat, row...)
	}
	outputs, err := p.session.Run([]backends.NamedTensor{{
		Name:  p.inputName,
		Shape: []int64{int64(len(x)), int64(p.inputDim)},
		Data:  flat,
	}})
	if err != nil {
		return nil, fmt.Errorf("running projection: %w", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("projection graph returned no outputs")
	}
	data, err := outputs[0].Float32s()
	if err != nil {
		return nil, err
	}
	if len(data) != len(x)*p.outputDim {
		return nil, fmt.Errorf("projection returned %d values, want %d", len(data), len(x)*p.outputDim)
	}
	result := make([][]float32, len(x))
	for i := range result {
		result[i] = data[i*p.outputDim : (i+1)*p.outputDim : (i+1)*p.outputDim]
	}
	return result, nil
}

func (p *SessionProjector) InputDim() int  { return p.inputDim }
func (p *SessionProjector) OutputDim() int { return p.outputDim }
func (p *SessionProjector) Close() error   { return p.session.Close() }
