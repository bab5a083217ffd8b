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
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheDir matches the cache_dir LanguageBind checkpoints are
// usually loaded from.
const DefaultCacheDir = "./cache_dir"

// ErrNotCached is returned in offline mode for checkpoints missing from
// the cache.
var ErrNotCached = errors.New("checkpoint not in cache")

// Repo is the part of a HuggingFace repository the hub downloads through.
type Repo interface {
	IterFileNames() iter.Seq2[string, error]
	DownloadFile(fileName string) (string, error)
}

// RepoOpener opens the repository of a checkpoint.
type RepoOpener func(repoID, token string) Repo

// hfRepo adapts hub.Repo to Repo.
type hfRepo struct {
	*hub.Repo
}

func (r hfRepo) IterFileNames() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for name, err := range r.Repo.IterFileNames() {
			if !yield(name, err) {
				return
			}
		}
	}
}

func openHFRepo(repoID, token string) Repo {
	repo := hub.New(repoID)
	if token != "" {
		repo = repo.WithAuth(token)
	}
	return hfRepo{Repo: repo}
}

// Hub resolves checkpoint references to local directories under a cache
// root, laid out as <cacheDir>/<owner>/<name>.
type Hub struct {
	cacheDir        string
	owner           string
	token           string
	offline         bool
	registry        *Client
	openRepo        RepoOpener
	progressHandler ProgressHandler
	logger          *zap.Logger

	pulls singleflight.Group
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithCacheDir sets the cache root
func WithCacheDir(dir string) HubOption {
	return func(h *Hub) {
		if dir != "" {
			h.cacheDir = dir
		}
	}
}

// WithOwner replaces DefaultOwner for bare checkpoint names, for mirrors
// that publish ONNX exports under another namespace.
func WithOwner(owner string) HubOption {
	return func(h *Hub) { h.owner = owner }
}

// WithHFToken sets the HuggingFace API token for gated repositories
func WithHFToken(token string) HubOption {
	return func(h *Hub) { h.token = token }
}

// WithOffline disables downloads
func WithOffline(offline bool) HubOption {
	return func(h *Hub) { h.offline = offline }
}

// WithRegistry makes the hub try an ONNX export registry before
// HuggingFace.
func WithRegistry(c *Client) HubOption {
	return func(h *Hub) { h.registry = c }
}

// WithRepoOpener replaces the HuggingFace repository implementation.
func WithRepoOpener(open RepoOpener) HubOption {
	return func(h *Hub) { h.openRepo = open }
}

// WithHubProgressHandler sets the progress handler for downloads
func WithHubProgressHandler(p ProgressHandler) HubOption {
	return func(h *Hub) { h.progressHandler = p }
}

// WithHubLogger sets the logger
func WithHubLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// NewHub creates a Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		cacheDir: DefaultCacheDir,
		openRepo: openHFRepo,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CacheDir returns the cache root.
func (h *Hub) CacheDir() string { return h.cacheDir }

// Parse parses ref with the hub's default owner.
func (h *Hub) Parse(ref string) (CheckpointRef, error) {
	return ParseCheckpointRef(ref, h.owner)
}

// Dir returns where ref is cached, whether or not it exists.
func (h *Hub) Dir(ref CheckpointRef) string {
	return filepath.Join(h.cacheDir, ref.DirPath())
}

// Resolve returns the local directory of ref, downloading it when it is
// not cached. Concurrent calls for the same checkpoint share a download.
func (h *Hub) Resolve(ctx context.Context, ref CheckpointRef) (string, error) {
	dir := h.Dir(ref)
	if IsCached(dir) {
		return dir, nil
	}
	if h.offline {
		return "", fmt.Errorf("%w: %s (looked in %s)", ErrNotCached, ref, dir)
	}
	_, err, _ := h.pulls.Do(ref.RepoID(), func() (any, error) {
		if IsCached(dir) {
			return nil, nil
		}
		return nil, h.Pull(ctx, ref)
	})
	if err != nil {
		return "", err
	}
	return dir, nil
}

// Pull downloads ref into the cache, from the registry when one is
// configured and carries it, else from HuggingFace.
func (h *Hub) Pull(ctx context.Context, ref CheckpointRef) error {
	dir := h.Dir(ref)
	if h.registry != nil {
		manifest, err := h.registry.FetchManifest(ctx, ref)
		switch {
		case err == nil:
			return h.registry.PullCheckpoint(ctx, manifest, dir)
		case errors.Is(err, ErrNotFound):
			h.logger.Debug("Checkpoint not in registry, trying HuggingFace", zap.Stringer("checkpoint", ref))
		default:
			return fmt.Errorf("fetching manifest: %w", err)
		}
	}
	return h.pullFromHuggingFace(ctx, ref, dir)
}

func (h *Hub) pullFromHuggingFace(ctx context.Context, ref CheckpointRef, dir string) error {
	repo := h.openRepo(ref.RepoID(), h.token)

	var files []string
	for name, err := range repo.IterFileNames() {
		if err != nil {
			return fmt.Errorf("listing files of %s: %w", ref, err)
		}
		files = append(files, name)
	}
	toDownload := SelectCheckpointFiles(files)
	if len(toDownload) == 0 {
		return fmt.Errorf("no checkpoint files found in %s", ref)
	}
	h.logger.Info("Pulling checkpoint from HuggingFace",
		zap.Stringer("checkpoint", ref),
		zap.Strings("files", toDownload),
		zap.String("destination", dir))

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	for _, name := range toDownload {
		if err := ctx.Err(); err != nil {
			return err
		}
		localPath, err := repo.DownloadFile(name)
		if err != nil {
			return fmt.Errorf("downloading %s: %w", name, err)
		}
		// onnx/vision_model.onnx -> vision_model.onnx
		destName := filepath.Base(name)
		if h.progressHandler != nil {
			h.progressHandler(0, 0, destName)
		}
		if err := copyFile(localPath, filepath.Join(dir, destName)); err != nil {
			return fmt.Errorf("copying %s: %w", name, err)
		}
		if h.progressHandler != nil {
			if info, err := os.Stat(filepath.Join(dir, destName)); err == nil {
				h.progressHandler(info.Size(), info.Size(), destName)
			}
		}
	}

	manifest, err := GenerateManifestFromDir(dir, ref, "huggingface")
	if err != nil {
		return fmt.Errorf("generating manifest: %w", err)
	}
	if err := manifest.SaveTo(filepath.Join(dir, ManifestFilename)); err != nil {
		h.logger.Warn("Failed to save manifest", zap.Error(err))
	}
	return nil
}

var (
	checkpointExact = []string{
		"config.json",
		"tokenizer.json", "tokenizer_config.json", "tokenizer.model",
		"special_tokens_map.json", "vocab.json", "merges.txt",
		"preprocessor_config.json",
	}
	checkpointSuffixes = []string{".onnx", ".onnx_data", ".onnx.data"}
)

// SelectCheckpointFiles picks the files a checkpoint needs: configs,
// tokenizer files, ONNX graphs with their external data, and the weight
// file (safetensors preferred over the torch pickle). Files from the root
// win over same-named files in subdirectories.
func SelectCheckpointFiles(files []string) []string {
	var result []string
	taken := map[string]bool{}
	add := func(f string) {
		base := filepath.Base(f)
		if !taken[base] {
			taken[base] = true
			result = append(result, f)
		}
	}

	// root first
	ordered := slices.Clone(files)
	slices.SortStableFunc(ordered, func(a, b string) int {
		return strings.Count(a, "/") - strings.Count(b, "/")
	})

	hasSafetensors := slices.Contains(files, "model.safetensors")
	for _, f := range ordered {
		base := filepath.Base(f)
		switch {
		case slices.Contains(checkpointExact, base):
			add(f)
		case slices.ContainsFunc(checkpointSuffixes, func(s string) bool { return strings.HasSuffix(base, s) }):
			add(f)
		case f == "model.safetensors":
			add(f)
		case f == "pytorch_model.bin" && !hasSafetensors:
			add(f)
		}
	}
	return result
}

// IsCached reports whether dir holds a usable checkpoint: a config and a
// vision graph, either at the root or under onnx/.
func IsCached(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		return false
	}
	for _, sub := range []string{"", "onnx"} {
		for _, g := range visionGraphs {
			if _, err := os.Stat(filepath.Join(dir, sub, g)); err == nil {
				return true
			}
		}
	}
	return false
}

// CachedCheckpoint is one checkpoint found in a cache root.
type CachedCheckpoint struct {
	Ref      CheckpointRef
	Dir      string
	Size     int64
	Manifest *ModelManifest
}

// ListCached enumerates the checkpoints under cacheDir, sorted by repo ID.
// A missing cache root yields an empty list.
func ListCached(cacheDir string) ([]CachedCheckpoint, error) {
	owners, err := os.ReadDir(cacheDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache dir: %w", err)
	}

	var out []CachedCheckpoint
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		names, err := os.ReadDir(filepath.Join(cacheDir, owner.Name()))
		if err != nil {
			continue
		}
		for _, name := range names {
			dir := filepath.Join(cacheDir, owner.Name(), name.Name())
			if !name.IsDir() || !IsCached(dir) {
				continue
			}
			c := CachedCheckpoint{
				Ref: CheckpointRef{Owner: owner.Name(), Name: name.Name()},
				Dir: dir,
			}
			if m, err := LoadManifestFromDir(dir); err == nil {
				c.Manifest = m
				c.Size = m.TotalSize()
			} else {
				c.Size = dirSize(dir)
			}
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b CachedCheckpoint) int {
		return strings.Compare(a.Ref.RepoID(), b.Ref.RepoID())
	})
	return out, nil
}

func dirSize(dir string) int64 {
	var n int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			if info, err := d.Info(); err == nil {
				n += info.Size()
			}
		}
		return nil
	})
	return n
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copying: %w", err)
	}
	return dstFile.Close()
}
