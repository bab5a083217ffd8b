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

package modelregistry

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"
)

func digestOf(t *testing.T, content string) string {
	t.Helper()
	return fmt.Sprintf("sha256:%x", sha256.Sum256([]byte(content)))
}

// fakeRepo serves an in-memory file tree.
type fakeRepo struct {
	t         *testing.T
	files     map[string]string
	downloads *atomic.Int32
}

func (r fakeRepo) IterFileNames() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		names := make([]string, 0, len(r.files))
		for name := range r.files {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			if !yield(name, nil) {
				return
			}
		}
	}
}

func (r fakeRepo) DownloadFile(name string) (string, error) {
	content, ok := r.files[name]
	if !ok {
		return "", fmt.Errorf("no such file: %s", name)
	}
	r.downloads.Add(1)
	path := filepath.Join(r.t.TempDir(), filepath.Base(name))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", err
	}
	return path, nil
}

func fakeOpener(t *testing.T, files map[string]string, downloads *atomic.Int32, opened *[]string) RepoOpener {
	return func(repoID, _ string) Repo {
		if opened != nil {
			*opened = append(*opened, repoID)
		}
		return fakeRepo{t: t, files: files, downloads: downloads}
	}
}

var onnxExport = map[string]string{
	"config.json":            `{"projection_dim": 768}`,
	"onnx/vision_model.onnx": "vision",
	"onnx/text_model.onnx":   "text",
	"pytorch_model.bin":      "weights",
	"README.md":              "readme",
	".gitattributes":         "",
}

func TestHubResolveDownloadsFromHuggingFace(t *testing.T) {
	var downloads atomic.Int32
	var opened []string
	cache := t.TempDir()
	h := NewHub(WithCacheDir(cache), WithRepoOpener(fakeOpener(t, onnxExport, &downloads, &opened)))

	ref, err := h.Parse("LanguageBind_Thermal")
	if err != nil {
		t.Fatal(err)
	}
	dir, err := h.Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if dir != filepath.Join(cache, "LanguageBind", "LanguageBind_Thermal") {
		t.Errorf("dir = %v", dir)
	}
	if !slices.Equal(opened, []string{"LanguageBind/LanguageBind_Thermal"}) {
		t.Errorf("opened = %v", opened)
	}
	for _, name := range []string{"config.json", "vision_model.onnx", "text_model.onnx", "pytorch_model.bin", ManifestFilename} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s missing: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "README.md")); err == nil {
		t.Error("README.md should not be downloaded")
	}

	manifest, err := LoadManifestFromDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.Provenance.DownloadedFrom != "huggingface" {
		t.Errorf("DownloadedFrom = %v", manifest.Provenance.DownloadedFrom)
	}

	// second resolve hits the cache
	before := downloads.Load()
	if _, err := h.Resolve(context.Background(), ref); err != nil {
		t.Fatal(err)
	}
	if downloads.Load() != before {
		t.Errorf("cached checkpoint downloaded again")
	}
}

func TestHubOffline(t *testing.T) {
	h := NewHub(WithCacheDir(t.TempDir()), WithOffline(true),
		WithRepoOpener(func(string, string) Repo {
			t.Fatal("offline hub opened a repository")
			return nil
		}))
	ref, _ := h.Parse("LanguageBind_Image")
	_, err := h.Resolve(context.Background(), ref)
	if !errors.Is(err, ErrNotCached) {
		t.Errorf("Resolve() error = %v, want ErrNotCached", err)
	}
}

func TestHubPrefersRegistry(t *testing.T) {
	files := map[string]string{"config.json": "{}", "vision_model.onnx": "graph"}
	manifest := &ModelManifest{SchemaVersion: 1, Name: "LanguageBind_Depth", Owner: "LanguageBind"}
	for name, content := range files {
		manifest.Files = append(manifest.Files, ModelFile{
			Name:   name,
			Digest: digestOf(t, content),
			Size:   int64(len(content)),
		})
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manifests/LanguageBind/LanguageBind_Depth.json":
			_, _ = w.Write(data)
		case "/manifests/LanguageBind/LanguageBind_Audio.json":
			http.NotFound(w, r)
		default:
			for _, content := range files {
				if filepath.Base(r.URL.Path) == digestOf(t, content) {
					_, _ = w.Write([]byte(content))
					return
				}
			}
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	var downloads atomic.Int32
	var opened []string
	h := NewHub(
		WithCacheDir(t.TempDir()),
		WithRegistry(NewClient(WithBaseURL(server.URL))),
		WithRepoOpener(fakeOpener(t, onnxExport, &downloads, &opened)),
	)

	depth, _ := h.Parse("LanguageBind_Depth")
	if _, err := h.Resolve(context.Background(), depth); err != nil {
		t.Fatalf("Resolve(depth) error = %v", err)
	}
	if len(opened) != 0 {
		t.Errorf("registry checkpoint fell through to HuggingFace: %v", opened)
	}

	audio, _ := h.Parse("LanguageBind_Audio")
	if _, err := h.Resolve(context.Background(), audio); err != nil {
		t.Fatalf("Resolve(audio) error = %v", err)
	}
	if !slices.Equal(opened, []string{"LanguageBind/LanguageBind_Audio"}) {
		t.Errorf("opened = %v", opened)
	}
}

func TestSelectCheckpointFiles(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  []string
	}{
		{
			name:  "safetensors preferred",
			files: []string{"pytorch_model.bin", "model.safetensors", "config.json"},
			want:  []string{"model.safetensors", "config.json"},
		},
		{
			name:  "root wins over onnx dir",
			files: []string{"onnx/config.json", "onnx/vision_model.onnx", "config.json"},
			want:  []string{"config.json", "onnx/vision_model.onnx"},
		},
		{
			name:  "external data kept",
			files: []string{"vision_model.onnx", "vision_model.onnx_data", "merges.txt", "vocab.json", "notes.txt"},
			want:  []string{"vision_model.onnx", "vision_model.onnx_data", "merges.txt", "vocab.json"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectCheckpointFiles(tt.files)
			slices.Sort(got)
			want := slices.Clone(tt.want)
			slices.Sort(want)
			if !slices.Equal(got, want) {
				t.Errorf("SelectCheckpointFiles() = %v, want %v", got, want)
			}
		})
	}
}

func TestListCached(t *testing.T) {
	cache := t.TempDir()
	if got, err := ListCached(filepath.Join(cache, "missing")); err != nil || got != nil {
		t.Fatalf("ListCached(missing) = %v, %v", got, err)
	}

	write := func(rel, content string) {
		path := filepath.Join(cache, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("LanguageBind/LanguageBind_Video/config.json", "{}")
	write("LanguageBind/LanguageBind_Video/vision_model.onnx", "graph")
	write("LanguageBind/LanguageBind_Audio/config.json", "{}")
	write("LanguageBind/LanguageBind_Audio/onnx/visual_model.onnx", "graph")
	write("LanguageBind/Incomplete/config.json", "{}")

	got, err := ListCached(cache)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, c := range got {
		ids = append(ids, c.Ref.RepoID())
	}
	want := []string{"LanguageBind/LanguageBind_Audio", "LanguageBind/LanguageBind_Video"}
	if !slices.Equal(ids, want) {
		t.Errorf("ListCached() = %v, want %v", ids, want)
	}
	if got[1].Size != int64(len("{}")+len("graph")) {
		t.Errorf("Size = %d", got[1].Size)
	}
}
