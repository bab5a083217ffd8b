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
	"slices"
	"sync"
)

// ErrManagerClosed is returned after SessionManager.Close.
var ErrManagerClosed = errors.New("session manager is closed")

// SessionManager hands out session factories across multiple backends.
// Factories are created lazily, at most one per backend spec.
//
// Usage:
//
//	manager := backends.NewSessionManager()
//	defer manager.Close()
//
//	manager.SetPriority([]BackendSpec{
//	    {Backend: BackendONNX, Device: DeviceCUDA},
//	    {Backend: BackendGo, Device: DeviceAuto},
//	})
//
//	factory, backend, err := manager.GetSessionFactoryForModel([]string{"onnx", "go"})
type SessionManager struct {
	factories map[BackendSpec]SessionFactory
	priority  []BackendSpec
	mu        sync.RWMutex
	closed    bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		factories: make(map[BackendSpec]SessionFactory),
	}
}

// SetPriority configures the backend priority order with device preferences.
func (sm *SessionManager) SetPriority(priority []BackendSpec) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.priority = slices.Clone(priority)
}

// getPriority returns the configured priority or the global default.
// Callers hold sm.mu.
func (sm *SessionManager) getPriority() []BackendSpec {
	if len(sm.priority) > 0 {
		return slices.Clone(sm.priority)
	}
	global := GetPriority()
	result := make([]BackendSpec, len(global))
	for i, bt := range global {
		result[i] = BackendSpec{Backend: bt, Device: DeviceAuto}
	}
	return result
}

// GetSessionFactory returns a SessionFactory for the specified backend using
// automatic device selection.
func (sm *SessionManager) GetSessionFactory(backend BackendType) (SessionFactory, error) {
	return sm.getFactory(BackendSpec{Backend: backend, Device: DeviceAuto})
}

func (sm *SessionManager) getFactory(spec BackendSpec) (SessionFactory, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil, ErrManagerClosed
	}
	if f, ok := sm.factories[spec]; ok {
		return f, nil
	}

	b, ok := GetBackend(spec.Backend)
	if !ok {
		return nil, fmt.Errorf("backend %q not registered", spec.Backend)
	}
	if !b.Available() {
		return nil, fmt.Errorf("backend %q not available", spec.Backend)
	}

	var f SessionFactory = b.SessionFactory()
	if spec.Device != DeviceAuto && spec.Device != "" {
		f = &deviceFactory{inner: f, mode: spec.Device.ToGPUMode()}
	}
	sm.factories[spec] = f
	return f, nil
}

// GetSessionFactoryForModel returns a SessionFactory for loading a model,
// respecting backend restrictions. Tries backends in priority order.
// If modelBackends is empty, every backend is acceptable.
func (sm *SessionManager) GetSessionFactoryForModel(modelBackends []string) (SessionFactory, BackendType, error) {
	sm.mu.RLock()
	priority := sm.getPriority()
	sm.mu.RUnlock()

	allowed := make(map[BackendType]bool)
	for _, b := range modelBackends {
		allowed[BackendType(b)] = true
	}

	var lastErr error
	for _, spec := range priority {
		if len(modelBackends) > 0 && !allowed[spec.Backend] {
			continue
		}
		factory, err := sm.getFactory(spec)
		if err == nil {
			return factory, spec.Backend, nil
		}
		if errors.Is(err, ErrManagerClosed) {
			return nil, "", err
		}
		lastErr = err
	}

	if lastErr != nil {
		if len(modelBackends) > 0 {
			return nil, "", fmt.Errorf("no session factory for backends %v: %w", modelBackends, lastErr)
		}
		return nil, "", fmt.Errorf("no session factory available: %w", lastErr)
	}
	if len(modelBackends) > 0 {
		return nil, "", fmt.Errorf("no session factory for backends %v", modelBackends)
	}
	return nil, "", errors.New("no session factory available")
}

// ActiveBackends returns the backend specs with created factories.
func (sm *SessionManager) ActiveBackends() []BackendSpec {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	specs := make([]BackendSpec, 0, len(sm.factories))
	for spec := range sm.factories {
		specs = append(specs, spec)
	}
	return specs
}

// Close releases all managed resources. The manager cannot be reused.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.factories = nil
	sm.closed = true
	return nil
}

// deviceFactory pins the GPU mode of every session it creates.
type deviceFactory struct {
	inner SessionFactory
	mode  GPUMode
}

func (f *deviceFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	all := make([]SessionOption, 0, len(opts)+1)
	all = append(all, WithSessionGPUMode(f.mode))
	all = append(all, opts...)
	return f.inner.CreateSession(modelPath, all...)
}

func (f *deviceFactory) Backend() BackendType {
	return f.inner.Backend()
}
