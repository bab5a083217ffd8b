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

package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCached(t *testing.T, cache, owner, name string) {
	t.Helper()
	dir := filepath.Join(cache, owner, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vision_model.onnx"), make([]byte, 2048), 0o600))
}

func TestListLocalCheckpoints(t *testing.T) {
	cache := t.TempDir()
	writeCached(t, cache, "LanguageBind", "LanguageBind_Image")
	writeCached(t, cache, "mirror", "LanguageBind_Audio")
	require.NoError(t, os.MkdirAll(filepath.Join(cache, "LanguageBind", "partial"), 0o755))

	var out bytes.Buffer
	require.NoError(t, ListLocalCheckpoints(ListOptions{CacheDir: cache, Out: &out}))
	assert.Contains(t, out.String(), "LanguageBind/LanguageBind_Image")
	assert.Contains(t, out.String(), "mirror/LanguageBind_Audio")
	assert.NotContains(t, out.String(), "partial")
	assert.Contains(t, out.String(), "2.0 KB")
}

func TestListLocalCheckpointsEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, ListLocalCheckpoints(ListOptions{
		CacheDir:   filepath.Join(t.TempDir(), "missing"),
		BinaryName: "lb",
		Out:        &out,
	}))
	assert.Contains(t, out.String(), "No checkpoints found locally.")
	assert.Contains(t, out.String(), "'lb pull <checkpoint>'")
}

func TestPullCheckpointAlreadyCached(t *testing.T) {
	cache := t.TempDir()
	writeCached(t, cache, "LanguageBind", "LanguageBind_Image")
	require.NoError(t, PullCheckpoint(context.Background(), "LanguageBind_Image", PullOptions{CacheDir: cache}))

	err := PullCheckpoint(context.Background(), "../escape", PullOptions{CacheDir: cache})
	require.Error(t, err)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "2.0 MB", FormatBytes(2*1024*1024))
	assert.Equal(t, "1.0 GB", FormatBytes(1024*1024*1024))
}
