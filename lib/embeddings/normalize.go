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

package embeddings

import (
	"fmt"

	"github.com/ajroetker/go-highway/hwy/contrib/nn"
	"github.com/ajroetker/go-highway/hwy/contrib/vec"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Normalize scales every row to unit L2 norm in place using SIMD
// acceleration. Zero rows are left as they are.
func Normalize(rows [][]float32) {
	for _, row := range rows {
		if blas32.Nrm2(blas32.Vector{N: len(row), Inc: 1, Data: row}) == 0 {
			continue
		}
		vec.Normalize(row)
	}
}

// Scale multiplies every row by s in place.
func Scale(rows [][]float32, s float32) {
	for _, row := range rows {
		blas32.Scal(s, blas32.Vector{N: len(row), Inc: 1, Data: row})
	}
}

// Similarity returns the dot product matrix a·bᵀ [len(a), len(b)]. For
// embeddings from Forward this is the cross-modal logit matrix.
func Similarity(a, b [][]float32) ([][]float32, error) {
	if len(a) == 0 || len(b) == 0 {
		return [][]float32{}, nil
	}
	dim := len(a[0])
	pack := func(rows [][]float32) (blas32.General, error) {
		g := blas32.General{Rows: len(rows), Cols: dim, Stride: dim, Data: make([]float32, len(rows)*dim)}
		for i, r := range rows {
			if len(r) != dim {
				return g, fmt.Errorf("row %d has dimension %d, expected %d", i, len(r), dim)
			}
			copy(g.Data[i*dim:], r)
		}
		return g, nil
	}
	ga, err := pack(a)
	if err != nil {
		return nil, err
	}
	gb, err := pack(b)
	if err != nil {
		return nil, err
	}
	c := blas32.General{Rows: len(a), Cols: len(b), Stride: len(b), Data: make([]float32, len(a)*len(b))}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, ga, gb, 0, c)

	out := make([][]float32, len(a))
	for i := range out {
		out[i] = c.Data[i*len(b) : (i+1)*len(b) : (i+1)*len(b)]
	}
	return out, nil
}

// Softmax applies softmax to each row in place using SIMD acceleration.
func Softmax(rows [][]float32) {
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		nn.SoftmaxInPlace(row)
	}
}
