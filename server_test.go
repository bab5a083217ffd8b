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
	"context"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const eagerBindingsYAML = `
bindings:
  - name: img
    clip_type:
      image: LanguageBind_Image
    strategy: eager
`

const twoBindingsYAML = `
bindings:
  - name: img
    clip_type:
      image: LanguageBind_Image
    strategy: eager
  - name: av
    clip_type: ["image=LanguageBind_Image", "audio=LanguageBind_Audio"]
    use_temp: false
`

func writeBindingsFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func bindingNames(n *Node) []string {
	var names []string
	for _, b := range n.bindings.List() {
		names = append(names, b.Name)
	}
	slices.Sort(names)
	return names
}

func TestNewNodeRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"keep alive", Config{KeepAlive: "forever"}},
		{"request timeout", Config{RequestTimeout: "soon"}},
		{"cache ttl", Config{EmbeddingCacheTtl: "2 minutes"}},
		{"missing bindings file", Config{BindingsFile: filepath.Join(t.TempDir(), "missing.yaml")}},
		{"duplicate binding", Config{Bindings: []BindingConfig{imageBinding("a"), imageBinding("a")}}},
		{"backend priority", Config{BackendPriority: []string{"quantum"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNode(context.Background(), zaptest.NewLogger(t), tt.config)
			require.Error(t, err)
		})
	}
}

func TestNewNodePinsEagerBindings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.yaml")
	writeBindingsFile(t, path, eagerBindingsYAML)

	n := newTestNode(t, Config{BindingsFile: path, KeepAlive: "0"})
	assert.Equal(t, []string{"img"}, bindingNames(n))
	assert.True(t, n.bindings.IsPinned("img"))
	assert.True(t, n.bindings.IsLoaded("img"))
}

func TestNewNodeMergesInlineBindings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.yaml")
	writeBindingsFile(t, path, eagerBindingsYAML)

	inline := imageBinding("inline")
	override := imageBinding("img")
	override.Strategy = BindingStrategyLazy
	n := newTestNode(t, Config{BindingsFile: path, Bindings: []BindingConfig{inline, override}})

	assert.Equal(t, []string{"img", "inline"}, bindingNames(n))
	assert.True(t, n.bindings.IsPinned("img"), "file entry wins")
	assert.False(t, n.bindings.IsLoaded("inline"))
}

func TestReloadBindings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.yaml")
	writeBindingsFile(t, path, eagerBindingsYAML)
	n := newTestNode(t, Config{BindingsFile: path})

	writeBindingsFile(t, path, twoBindingsYAML)
	require.NoError(t, n.ReloadBindings(context.Background()))
	assert.Equal(t, []string{"av", "img"}, bindingNames(n))
	cfg, ok := n.bindings.Config("av")
	require.True(t, ok)
	assert.False(t, cfg.Temperature())

	writeBindingsFile(t, path, "bindings: [")
	require.Error(t, n.ReloadBindings(context.Background()))
	assert.Equal(t, []string{"av", "img"}, bindingNames(n), "a broken file keeps the previous bindings")
}

func TestReloadBindingsWithoutFile(t *testing.T) {
	n := newTestNode(t, Config{})
	require.Error(t, n.ReloadBindings(context.Background()))
}

func TestNodeWatchesBindingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.yaml")
	writeBindingsFile(t, path, eagerBindingsYAML)
	n := newTestNode(t, Config{BindingsFile: path, WatchBindings: true})
	require.NotNil(t, n.watcher)

	writeBindingsFile(t, path, twoBindingsYAML)
	assert.Eventually(t, func() bool {
		return len(n.bindings.List()) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHealthEndpoints(t *testing.T) {
	n := newTestNode(t, Config{})

	w := doJSON(t, n.Handler(), "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody[HealthResponse](t, w).Status)

	w = doJSON(t, n.Handler(), "GET", "/readyz", "")
	require.Equal(t, http.StatusOK, w.Code)
	ready := decodeBody[ReadyResponse](t, w)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, 2, ready.Models.Bindings)
	assert.Zero(t, ready.Models.LoadedBindings)
	assert.Contains(t, ready.Detailed, "embedding_cache")
}

func TestReadyzWithoutBindings(t *testing.T) {
	n, err := NewNode(context.Background(), zaptest.NewLogger(t), Config{Bindings: []BindingConfig{}})
	require.NoError(t, err)
	defer n.Close()

	w := doJSON(t, n.Handler(), "GET", "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not_ready", decodeBody[ReadyResponse](t, w).Status)
}

func TestHandlerRateLimitsAPI(t *testing.T) {
	n := newTestNode(t, Config{RateLimit: 0.001, RateBurst: 1})

	w := doJSON(t, n.Handler(), "GET", "/api/version", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, n.Handler(), "GET", "/api/version", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// health checks are never limited
	w = doJSON(t, n.Handler(), "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
