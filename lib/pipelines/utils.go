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

package pipelines

import (
	"os"
	"path/filepath"
)

// FirstNonZero returns the first non-zero value from the arguments.
// Config resolution uses it when several fields may carry the same value.
func FirstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

// FindFile returns the first candidate that exists in dir or in its
// "tokenizer/" subdirectory, or "" when none does.
func FindFile(dir string, candidates ...string) string {
	for _, searchDir := range []string{dir, filepath.Join(dir, "tokenizer")} {
		for _, name := range candidates {
			path := filepath.Join(searchDir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// linspace returns n indices evenly spaced over [0, total-1], rounded
// down, the way frame samplers pick video frames.
func linspace(total, n int) []int {
	if n <= 0 || total <= 0 {
		return nil
	}
	out := make([]int, n)
	if n == 1 {
		return out
	}
	step := float64(total-1) / float64(n-1)
	for i := range out {
		out[i] = int(float64(i) * step)
	}
	// i*step can land just below the endpoint
	out[n-1] = total - 1
	return out
}
