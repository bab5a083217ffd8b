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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFactory struct {
	backend BackendType
	lastCfg *SessionConfig
}

func (f *stubFactory) CreateSession(string, ...SessionOption) (Session, error) {
	return nil, nil
}

func (f *stubFactory) Backend() BackendType { return f.backend }

type recordingFactory struct {
	stubFactory
}

func (f *recordingFactory) CreateSession(_ string, opts ...SessionOption) (Session, error) {
	f.lastCfg = ApplySessionOptions(opts...)
	return nil, nil
}

type stubBackend struct {
	typ       BackendType
	available bool
	factory   SessionFactory
}

func (b *stubBackend) Type() BackendType              { return b.typ }
func (b *stubBackend) Name() string                   { return "stub " + string(b.typ) }
func (b *stubBackend) Available() bool                { return b.available }
func (b *stubBackend) Priority() int                  { return 1 }
func (b *stubBackend) SessionFactory() SessionFactory { return b.factory }

// withStubBackend swaps in a stub for typ and restores the previous one.
func withStubBackend(t *testing.T, b *stubBackend) {
	t.Helper()
	prev, had := GetBackend(b.typ)
	RegisterBackend(b)
	t.Cleanup(func() {
		if had {
			RegisterBackend(prev)
		} else {
			unregisterBackend(b.typ)
		}
	})
}

func TestParseBackendSpec(t *testing.T) {
	tests := []struct {
		input   string
		want    BackendSpec
		wantErr bool
	}{
		{"onnx", BackendSpec{Backend: BackendONNX, Device: DeviceAuto}, false},
		{"onnx:cuda", BackendSpec{Backend: BackendONNX, Device: DeviceCUDA}, false},
		{"ONNX:gpu", BackendSpec{Backend: BackendONNX, Device: DeviceCUDA}, false},
		{"go:cpu", BackendSpec{Backend: BackendGo, Device: DeviceCPU}, false},
		{"xla", BackendSpec{}, true},
		{"onnx:tpu", BackendSpec{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseBackendSpec(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBackendSpecString(t *testing.T) {
	assert.Equal(t, "onnx", BackendSpec{Backend: BackendONNX}.String())
	assert.Equal(t, "onnx:cuda", BackendSpec{Backend: BackendONNX, Device: DeviceCUDA}.String())
}

func TestParseGPUMode(t *testing.T) {
	assert.Equal(t, GPUModeCuda, ParseGPUMode("CUDA"))
	assert.Equal(t, GPUModeOff, ParseGPUMode("cpu"))
	assert.Equal(t, GPUModeAuto, ParseGPUMode("whatever"))
}

func TestPriorityRoundTrip(t *testing.T) {
	t.Cleanup(func() { SetPriority(nil) })

	assert.Equal(t, []BackendType{BackendONNX, BackendGo}, GetPriority())
	SetPriority([]BackendType{BackendGo})
	assert.Equal(t, []BackendType{BackendGo}, GetPriority())
}

func TestSessionManagerRespectsModelBackends(t *testing.T) {
	onnxFactory := &stubFactory{backend: BackendONNX}
	goFactory := &stubFactory{backend: BackendGo}
	withStubBackend(t, &stubBackend{typ: BackendONNX, available: true, factory: onnxFactory})
	withStubBackend(t, &stubBackend{typ: BackendGo, available: true, factory: goFactory})

	sm := NewSessionManager()
	defer sm.Close()

	f, bt, err := sm.GetSessionFactoryForModel(nil)
	require.NoError(t, err)
	assert.Equal(t, BackendONNX, bt)
	assert.Same(t, onnxFactory, f)

	f, bt, err = sm.GetSessionFactoryForModel([]string{"go"})
	require.NoError(t, err)
	assert.Equal(t, BackendGo, bt)
	assert.Same(t, goFactory, f)
}

func TestSessionManagerSkipsUnavailable(t *testing.T) {
	withStubBackend(t, &stubBackend{typ: BackendONNX, available: false, factory: &stubFactory{backend: BackendONNX}})
	withStubBackend(t, &stubBackend{typ: BackendGo, available: true, factory: &stubFactory{backend: BackendGo}})

	sm := NewSessionManager()
	defer sm.Close()

	_, bt, err := sm.GetSessionFactoryForModel(nil)
	require.NoError(t, err)
	assert.Equal(t, BackendGo, bt)

	_, _, err = sm.GetSessionFactoryForModel([]string{"onnx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")
}

func TestSessionManagerDevicePinning(t *testing.T) {
	rec := &recordingFactory{stubFactory{backend: BackendONNX}}
	withStubBackend(t, &stubBackend{typ: BackendONNX, available: true, factory: rec})

	sm := NewSessionManager()
	defer sm.Close()
	sm.SetPriority([]BackendSpec{{Backend: BackendONNX, Device: DeviceCPU}})

	f, _, err := sm.GetSessionFactoryForModel(nil)
	require.NoError(t, err)
	_, err = f.CreateSession("graph.onnx", WithSessionThreads(2))
	require.NoError(t, err)
	require.NotNil(t, rec.lastCfg)
	assert.Equal(t, GPUModeOff, rec.lastCfg.GPUMode)
	assert.Equal(t, 2, rec.lastCfg.NumThreads)
	assert.Equal(t, BackendONNX, f.Backend())
}

func TestSessionManagerClosed(t *testing.T) {
	sm := NewSessionManager()
	require.NoError(t, sm.Close())
	_, _, err := sm.GetSessionFactoryForModel(nil)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestFlattenAnyRank(t *testing.T) {
	five := [][][][][]float32{{{{{1, 2}, {3, 4}}}}}
	assert.Equal(t, []float32{1, 2, 3, 4}, flatten[float32](five))
	assert.Equal(t, []int64{7}, flatten[int64](int64(7)))
	assert.Equal(t, []bool{true, false}, flatten[bool]([][]bool{{true}, {false}}))
}

func TestDeviceName(t *testing.T) {
	assert.Equal(t, "cpu", DeviceName(BackendGo, GPUModeCuda))
	assert.Equal(t, "cpu", DeviceName(BackendONNX, GPUModeOff))
	assert.Equal(t, "cuda", DeviceName(BackendONNX, GPUModeCuda))
}

func TestFindOutput(t *testing.T) {
	outs := []NamedTensor{{Name: "last_hidden_state"}, {Name: "pooler_output", Shape: []int64{1, 4}}}
	got, ok := FindOutput(outs, "image_embeds", "pooler_output")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 4}, got.Shape)
	assert.Equal(t, 4, got.NumElements())

	_, ok = FindOutput(outs, "missing")
	assert.False(t, ok)
}
