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

package languagebind

import (
	"net/http"

	"github.com/bytedance/sonic/encoder"
)

// Version information - set at build time via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// HealthResponse is the response for /healthz endpoint
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response for /readyz endpoint
type ReadyResponse struct {
	Status   string         `json:"status"`
	Models   ReadyModels    `json:"models"`
	Detailed map[string]any `json:"detailed,omitempty"`
}

// ReadyModels shows model availability
type ReadyModels struct {
	Bindings       int `json:"bindings"`
	LoadedBindings int `json:"loaded_bindings"`
	Towers         int `json:"towers"`
}

// handleHealthz returns 200 if the service is running (liveness check)
func (n *Node) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = encoder.NewStreamEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// handleReadyz returns 200 once at least one binding or tower is
// configured (readiness check). Bindings load lazily, so configured is
// enough.
func (n *Node) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Status: "ready"}
	if n.bindings != nil {
		resp.Models.Bindings = len(n.bindings.List())
		resp.Models.LoadedBindings = len(n.bindings.ListLoaded())
	}
	if n.towers != nil {
		resp.Models.Towers = len(n.towers.List())
	}
	if n.embeddingCache != nil {
		resp.Detailed = map[string]any{"embedding_cache": n.embeddingCache.Stats()}
	}

	status := http.StatusOK
	if resp.Models.Bindings+resp.Models.Towers == 0 {
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = encoder.NewStreamEncoder(w).Encode(resp)
}
