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
	"slices"
	"strings"
	"sync"
)

// Backend is an inference runtime that can open encoder graphs.
// Backends self-register via init() functions in their respective files.
type Backend interface {
	SessionFactoryProvider

	// Type returns the backend type identifier
	Type() BackendType

	// Name returns a human-readable name (e.g., "ONNX Runtime (CUDA)")
	Name() string

	// Available returns true if this backend can be used in the current environment.
	Available() bool

	// Priority returns the default priority (lower = higher priority).
	Priority() int
}

var (
	registry   = make(map[BackendType]Backend)
	registryMu sync.RWMutex

	// Configurable via SetPriority(). Default: ONNX > Go
	defaultPriority = []BackendType{BackendONNX, BackendGo}
	configPriority  []BackendType
	priorityMu      sync.RWMutex
)

// RegisterBackend registers a backend. Later registrations for the same
// type overwrite earlier ones.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Type()] = b
}

// unregisterBackend is used by tests to undo RegisterBackend.
func unregisterBackend(t BackendType) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, t)
}

// GetBackend returns the backend for the given type, if registered.
func GetBackend(t BackendType) (Backend, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[t]
	return b, ok
}

// ListRegistered returns all registered backends sorted by Priority().
func ListRegistered() []Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()

	backends := make([]Backend, 0, len(registry))
	for _, b := range registry {
		backends = append(backends, b)
	}
	slices.SortFunc(backends, func(a, b Backend) int {
		return a.Priority() - b.Priority()
	})
	return backends
}

// ListAvailable returns the usable backends in configured priority order,
// followed by any available backend missing from the priority list.
func ListAvailable() []Backend {
	priority := GetPriority()

	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]Backend, 0, len(registry))
	seen := make(map[BackendType]bool)
	for _, t := range priority {
		if b, ok := registry[t]; ok && b.Available() {
			result = append(result, b)
			seen[t] = true
		}
	}
	for t, b := range registry {
		if !seen[t] && b.Available() {
			result = append(result, b)
		}
	}
	return result
}

// SetPriority sets the backend selection priority order.
func SetPriority(order []BackendType) {
	priorityMu.Lock()
	defer priorityMu.Unlock()
	configPriority = slices.Clone(order)
}

// GetPriority returns the configured priority, or the default when unset.
func GetPriority() []BackendType {
	priorityMu.RLock()
	defer priorityMu.RUnlock()
	if len(configPriority) > 0 {
		return slices.Clone(configPriority)
	}
	return slices.Clone(defaultPriority)
}

// GetDefaultBackend returns the first available backend according to
// priority order, or nil.
func GetDefaultBackend() Backend {
	available := ListAvailable()
	if len(available) == 0 {
		return nil
	}
	return available[0]
}

// GetBackendWithFallback returns the preferred backend if available,
// otherwise the default one.
func GetBackendWithFallback(preferred BackendType) (Backend, BackendType, error) {
	if b, ok := GetBackend(preferred); ok && b.Available() {
		return b, preferred, nil
	}
	b := GetDefaultBackend()
	if b == nil {
		return nil, "", fmt.Errorf("no available backends (preferred: %s)", preferred)
	}
	return b, b.Type(), nil
}

// ParseBackendType parses a string into BackendType.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "onnx":
		return BackendONNX, nil
	case "go":
		return BackendGo, nil
	default:
		return "", fmt.Errorf("unknown backend type: %q (valid: onnx, go)", s)
	}
}

// BackendTypeStrings returns valid backend type strings for flag help.
func BackendTypeStrings() []string {
	return []string{"onnx", "go"}
}

// ParseDeviceType parses a string into DeviceType.
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return DeviceAuto, nil
	case "cuda", "gpu":
		return DeviceCUDA, nil
	case "coreml":
		return DeviceCoreML, nil
	case "cpu", "off":
		return DeviceCPU, nil
	default:
		return "", fmt.Errorf("unknown device type: %q (valid: auto, cuda, coreml, cpu)", s)
	}
}

// ParseBackendSpec parses a "backend" or "backend:device" string.
// Examples: "onnx", "onnx:cuda", "go"
func ParseBackendSpec(s string) (BackendSpec, error) {
	name, device, hasDevice := strings.Cut(s, ":")

	backend, err := ParseBackendType(name)
	if err != nil {
		return BackendSpec{}, err
	}
	spec := BackendSpec{Backend: backend, Device: DeviceAuto}
	if hasDevice {
		d, err := ParseDeviceType(device)
		if err != nil {
			return BackendSpec{}, err
		}
		spec.Device = d
	}
	return spec, nil
}

// ParseBackendPriority parses a list of backend:device strings.
func ParseBackendPriority(priority []string) ([]BackendSpec, error) {
	specs := make([]BackendSpec, 0, len(priority))
	for _, s := range priority {
		spec, err := ParseBackendSpec(s)
		if err != nil {
			return nil, fmt.Errorf("invalid backend priority %q: %w", s, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ParseGPUMode parses a string into GPUMode. Unknown values mean auto.
func ParseGPUMode(s string) GPUMode {
	switch strings.ToLower(s) {
	case "cuda":
		return GPUModeCuda
	case "coreml":
		return GPUModeCoreML
	case "off", "cpu":
		return GPUModeOff
	default:
		return GPUModeAuto
	}
}
