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
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

var (
	gpuInfoOnce sync.Once
	gpuInfo     GPUInfo
)

// DetectGPU checks if GPU acceleration is available.
// Results are cached after the first call.
func DetectGPU() GPUInfo {
	gpuInfoOnce.Do(func() {
		switch runtime.GOOS {
		case "darwin":
			gpuInfo = GPUInfo{Available: true, Type: "coreml"}
		case "linux", "windows":
			gpuInfo = detectCUDA()
		default:
			gpuInfo = GPUInfo{Type: "none"}
		}
	})
	return gpuInfo
}

// IsGPUAvailable returns true if GPU acceleration is available.
func IsGPUAvailable() bool {
	return DetectGPU().Available
}

// ShouldUseGPU determines if GPU should be used based on mode and availability.
// Forced modes return true and fail at session creation if unavailable.
func ShouldUseGPU(mode GPUMode) bool {
	switch mode {
	case GPUModeOff:
		return false
	case GPUModeCuda, GPUModeCoreML:
		return true
	default:
		return IsGPUAvailable()
	}
}

// DeviceName returns the device string reported for tensors produced
// under the given backend and mode: "cpu", "cuda" or "coreml".
func DeviceName(backend BackendType, mode GPUMode) string {
	if backend == BackendGo || !ShouldUseGPU(mode) {
		return "cpu"
	}
	switch mode {
	case GPUModeCuda:
		return "cuda"
	case GPUModeCoreML:
		return "coreml"
	}
	if t := DetectGPU().Type; t != "none" && t != "" {
		return t
	}
	return "cpu"
}

func detectCUDA() GPUInfo {
	if info := tryNvidiaSMI(); info.Available {
		return info
	}
	if cudaLibsExist() {
		return GPUInfo{Available: true, Type: "cuda", DeviceName: "CUDA (libraries detected)"}
	}
	return GPUInfo{Type: "none"}
}

func tryNvidiaSMI() GPUInfo {
	info := GPUInfo{Type: "none"}
	nvidiaSMI, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return info
	}

	// format: "GPU Name, Driver Version"
	cmd := exec.Command(nvidiaSMI, "--query-gpu=name,driver_version", "--format=csv,noheader,nounits") //nolint:gosec // G204: path comes from LookPath
	output, err := cmd.Output()
	if err != nil {
		return info
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(output)), "\n")
	name, driver, _ := strings.Cut(line, ", ")
	info.Available = true
	info.Type = "cuda"
	info.DeviceName = strings.TrimSpace(name)
	info.DriverVer = strings.TrimSpace(driver)

	cmd = exec.Command(nvidiaSMI, "--query-gpu=compute_cap", "--format=csv,noheader,nounits") //nolint:gosec // G204: path comes from LookPath
	if output, err := cmd.Output(); err == nil {
		info.CUDAVersion = strings.TrimSpace(string(output))
	}
	return info
}

func cudaLibsExist() bool {
	dirs := []string{
		"/usr/local/cuda/lib64",
		"/usr/lib/x86_64-linux-gnu",
		"/usr/lib64",
	}
	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		dirs = append(filepath.SplitList(ldPath), dirs...)
	}
	for _, dir := range dirs {
		if matches, _ := filepath.Glob(filepath.Join(dir, "libcudart.so*")); len(matches) > 0 {
			return true
		}
	}
	return false
}
