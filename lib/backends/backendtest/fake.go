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

// Package backendtest provides in-memory sessions for tests that exercise
// encoders without model files.
package backendtest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/antflydb/languagebind/lib/backends"
)

// Session is a scripted backends.Session.
type Session struct {
	Inputs  []backends.TensorInfo
	Outputs []backends.TensorInfo
	RunFunc func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error)

	runs   atomic.Int64
	closed atomic.Bool
}

func (s *Session) Run(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	if s.closed.Load() {
		return nil, backends.ErrSessionClosed
	}
	s.runs.Add(1)
	if s.RunFunc == nil {
		return nil, fmt.Errorf("no RunFunc")
	}
	return s.RunFunc(inputs)
}

func (s *Session) InputInfo() []backends.TensorInfo  { return s.Inputs }
func (s *Session) OutputInfo() []backends.TensorInfo { return s.Outputs }

func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

// Runs returns how many times Run was called.
func (s *Session) Runs() int { return int(s.runs.Load()) }

// Closed reports whether Close was called.
func (s *Session) Closed() bool { return s.closed.Load() }

// Factory hands out sessions built by New for each requested graph. The
// graph file must exist on disk, mirroring real backends.
type Factory struct {
	Type backends.BackendType
	// New builds a session for a graph path. Returning nil means the graph
	// cannot be opened.
	New func(path string) *Session

	mu      sync.Mutex
	created []string
}

func (f *Factory) CreateSession(path string, _ ...backends.SessionOption) (backends.Session, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("graph not found: %w", err)
	}
	s := f.New(path)
	if s == nil {
		return nil, fmt.Errorf("cannot open %s", filepath.Base(path))
	}
	f.mu.Lock()
	f.created = append(f.created, path)
	f.mu.Unlock()
	return s, nil
}

func (f *Factory) Backend() backends.BackendType {
	if f.Type == "" {
		return backends.BackendGo
	}
	return f.Type
}

// Created returns the graph paths opened so far.
func (f *Factory) Created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

// Constant returns a RunFunc that emits the given outputs for every batch
// row: each output's per-row data is repeated batch times, where batch is
// the first dimension of the first input.
func Constant(outputs ...backends.NamedTensor) func([]backends.NamedTensor) ([]backends.NamedTensor, error) {
	return func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
		batch := int64(1)
		if len(inputs) > 0 && len(inputs[0].Shape) > 0 {
			batch = inputs[0].Shape[0]
		}
		result := make([]backends.NamedTensor, len(outputs))
		for i, out := range outputs {
			row, ok := out.Data.([]float32)
			if !ok {
				return nil, fmt.Errorf("constant outputs must be float32")
			}
			data := make([]float32, 0, int(batch)*len(row))
			for range batch {
				data = append(data, row...)
			}
			shape := append([]int64{batch}, out.Shape...)
			result[i] = backends.NamedTensor{Name: out.Name, Shape: shape, Data: data}
		}
		return result, nil
	}
}

// Touch creates empty files under dir, standing in for graph files.
func Touch(dir string, names ...string) error {
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			return err
		}
	}
	return nil
}
