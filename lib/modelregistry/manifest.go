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

// Package modelregistry resolves LanguageBind checkpoints into a local
// cache directory, downloading them from the HuggingFace hub or from an
// Ollama-style registry of ONNX exports.
package modelregistry

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ModelFile represents a single file in the manifest
type ModelFile struct {
	// Name is the filename (e.g., "vision_model.onnx", "config.json")
	Name string `json:"name"`
	// Digest is the SHA256 hash of the file (e.g., "sha256:abc123...")
	Digest string `json:"digest"`
	// Size is the file size in bytes
	Size int64 `json:"size"`
}

// ModelProvenance tracks checkpoint origin and download metadata
type ModelProvenance struct {
	// DownloadedFrom is the source: "registry", "huggingface", "local"
	DownloadedFrom string    `json:"downloadedFrom"`
	DownloadedAt   time.Time `json:"downloadedAt"`
	// RegistryDigest is the manifest digest if from registry
	RegistryDigest string `json:"registryDigest,omitempty"`
}

// CurrentSchemaVersion is the current manifest schema version
const CurrentSchemaVersion = 1

// CurrentIndexSchemaVersion is the current registry index schema version
const CurrentIndexSchemaVersion = 1

// ManifestFilename is the standard filename for checkpoint manifests
const ManifestFilename = "model_manifest.json"

// Graph names a checkpoint manifest may list for its modality encoder.
var visionGraphs = []string{"vision_model.onnx", "visual_model.onnx"}

// ModelManifest describes a cached checkpoint and its files
type ModelManifest struct {
	SchemaVersion int `json:"schemaVersion"`
	// Name is the checkpoint name (e.g., "LanguageBind_Video_FT")
	Name string `json:"name"`
	// Owner is the hub namespace (e.g., "LanguageBind")
	Owner string `json:"owner"`
	// Source is the repo the files came from, when different from
	// owner/name (e.g., an ONNX export mirror)
	Source string `json:"source,omitempty"`
	// Modality is the vision-side modality the checkpoint encodes, if known
	Modality    string      `json:"modality,omitempty"`
	Description string      `json:"description,omitempty"`
	Files       []ModelFile `json:"files"`
	// Backends lists supported inference backends ("onnx", "go").
	// If empty, all backends are supported.
	Backends   []string         `json:"backends,omitempty"`
	Provenance *ModelProvenance `json:"provenance,omitempty"`
}

// Ref returns the checkpoint reference of the manifest.
func (m *ModelManifest) Ref() CheckpointRef {
	return CheckpointRef{Owner: m.Owner, Name: m.Name}
}

// SupportsBackend returns true if the checkpoint supports the given backend.
func (m *ModelManifest) SupportsBackend(backend string) bool {
	if len(m.Backends) == 0 {
		return true
	}
	return slices.Contains(m.Backends, backend)
}

// File returns the entry for name.
func (m *ModelManifest) File(name string) (ModelFile, bool) {
	for _, f := range m.Files {
		if f.Name == name {
			return f, true
		}
	}
	return ModelFile{}, false
}

// TotalSize sums the sizes of all files.
func (m *ModelManifest) TotalSize() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// Validate checks that the manifest is well-formed
func (m *ModelManifest) Validate() error {
	if m.SchemaVersion < 1 || m.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %d (expected 1-%d)", m.SchemaVersion, CurrentSchemaVersion)
	}
	if m.Name == "" {
		return fmt.Errorf("manifest missing required field: name")
	}
	if m.Owner == "" {
		return fmt.Errorf("manifest missing required field: owner")
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("manifest must have at least one file")
	}

	hasConfig, hasVision := false, false
	for _, f := range m.Files {
		if f.Name == "" {
			return fmt.Errorf("file entry missing name")
		}
		if f.Name != filepath.Base(f.Name) {
			return fmt.Errorf("file %s must not contain a path", f.Name)
		}
		if !strings.HasPrefix(f.Digest, "sha256:") {
			return fmt.Errorf("file %s has invalid digest format (expected sha256:...)", f.Name)
		}
		hasConfig = hasConfig || f.Name == "config.json"
		hasVision = hasVision || slices.Contains(visionGraphs, f.Name)
	}
	if !hasConfig {
		return fmt.Errorf("manifest must include config.json")
	}
	if !hasVision {
		return fmt.Errorf("manifest must include one of %v", visionGraphs)
	}
	return nil
}

// ParseManifest parses and validates a JSON manifest
func ParseManifest(data []byte) (*ModelManifest, error) {
	var manifest ModelManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// RegistryIndex lists all checkpoints a registry serves
type RegistryIndex struct {
	SchemaVersion int               `json:"schemaVersion"`
	Models        []ModelIndexEntry `json:"models"`
}

// ModelIndexEntry is a summary of a checkpoint in the registry index
type ModelIndexEntry struct {
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	Modality    string `json:"modality,omitempty"`
	Description string `json:"description,omitempty"`
	// Size is the total size of all files in bytes
	Size     int64    `json:"size,omitempty"`
	Backends []string `json:"backends,omitempty"`
}

// ParseRegistryIndex parses a JSON registry index
func ParseRegistryIndex(data []byte) (*RegistryIndex, error) {
	var index RegistryIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parsing registry index: %w", err)
	}
	if index.SchemaVersion < 1 || index.SchemaVersion > CurrentIndexSchemaVersion {
		return nil, fmt.Errorf("unsupported index schema version: %d (expected 1-%d)", index.SchemaVersion, CurrentIndexSchemaVersion)
	}
	return &index, nil
}

// SaveTo writes the manifest to a file as JSON
func (m *ModelManifest) SaveTo(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// LoadManifestFromFile loads and validates a manifest from a file
func LoadManifestFromFile(path string) (*ModelManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(data)
}

// LoadManifestFromDir loads the manifest of a checkpoint directory
func LoadManifestFromDir(modelDir string) (*ModelManifest, error) {
	return LoadManifestFromFile(filepath.Join(modelDir, ManifestFilename))
}

// Verify recomputes the digest of every listed file in dir.
func (m *ModelManifest) Verify(dir string) error {
	for _, f := range m.Files {
		digest, err := ComputeFileDigest(filepath.Join(dir, f.Name))
		if err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
		if digest != f.Digest {
			return fmt.Errorf("%s: digest mismatch: expected %s, got %s", f.Name, f.Digest, digest)
		}
	}
	return nil
}

// ComputeFileDigest computes the SHA256 digest of a file in "sha256:..." format
func ComputeFileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

// ScanModelFiles returns ModelFile entries for all regular files in a
// directory, skipping the manifest and partial downloads.
func ScanModelFiles(modelDir string) ([]ModelFile, error) {
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var files []ModelFile
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ManifestFilename || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		digest, err := ComputeFileDigest(filepath.Join(modelDir, entry.Name()))
		if err != nil {
			continue
		}
		files = append(files, ModelFile{
			Name:   entry.Name(),
			Digest: digest,
			Size:   info.Size(),
		})
	}
	return files, nil
}

// GenerateManifestFromDir creates a manifest by scanning a checkpoint
// directory. origin is recorded as the provenance ("huggingface",
// "registry" or "local").
func GenerateManifestFromDir(modelDir string, ref CheckpointRef, origin string) (*ModelManifest, error) {
	files, err := ScanModelFiles(modelDir)
	if err != nil {
		return nil, fmt.Errorf("scanning files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no checkpoint files found in directory")
	}
	return &ModelManifest{
		SchemaVersion: CurrentSchemaVersion,
		Name:          ref.Name,
		Owner:         ref.Owner,
		Files:         files,
		Provenance: &ModelProvenance{
			DownloadedFrom: origin,
			DownloadedAt:   time.Now(),
		},
	}, nil
}
