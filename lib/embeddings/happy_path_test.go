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

package embeddings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/languagebind/lib/modality"
	"github.com/antflydb/languagebind/lib/modelregistry"
	"go.uber.org/zap"
)

// findCacheDir returns a cache dir holding an exported LanguageBind_Image
// checkpoint, or "".
func findCacheDir(t *testing.T) string {
	t.Helper()

	paths := []string{
		os.Getenv("LANGUAGEBIND_CACHE_DIR"),
		modelregistry.DefaultCacheDir,
		filepath.Join(os.Getenv("HOME"), ".cache/languagebind"),
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if modelregistry.IsCached(filepath.Join(p, modelregistry.DefaultOwner, "LanguageBind_Image")) {
			t.Logf("Found checkpoints at: %s", p)
			return p
		}
	}
	return ""
}

// TestHappyPath_RealCheckpoint embeds text and an image with a real
// exported checkpoint.
func TestHappyPath_RealCheckpoint(t *testing.T) {
	cacheDir := findCacheDir(t)
	if cacheDir == "" {
		t.Skip("Checkpoint not found")
	}

	lb, err := New(context.Background(),
		[]modality.ClipType{{Modality: modality.Image, Checkpoint: "LanguageBind_Image"}},
		WithHub(modelregistry.NewHub(modelregistry.WithCacheDir(cacheDir), modelregistry.WithOffline(true))),
		WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	defer lb.Close()

	embedder := NewEmbedder(lb, EmbedderConfig{PoolSize: 2})
	result, err := embedder.Embed(context.Background(), [][]ai.ContentPart{
		{ai.TextContent{Text: "a photo of a dog"}},
		{ai.BinaryContent{MIMEType: "image/png", Data: pngBytes(t)}},
	})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	for i, emb := range result {
		if len(emb) != lb.EmbeddingDim() {
			t.Errorf("Embedding %d: dim=%d, want %d", i, len(emb), lb.EmbeddingDim())
		}
	}
}

// TestHappyPath_ConcurrentEmbeds tests concurrent usage beyond the pool
// size.
func TestHappyPath_ConcurrentEmbeds(t *testing.T) {
	f := newFixture(t, map[string]float64{"LanguageBind_Image": 1})
	lb := f.open(t, []modality.ClipType{{Modality: modality.Image, Checkpoint: "LanguageBind_Image"}})
	embedder := NewEmbedder(lb, EmbedderConfig{PoolSize: 2})

	ctx := context.Background()
	numWorkers := 10
	embedsPerWorker := 5

	var wg sync.WaitGroup
	errors := make(chan error, numWorkers*embedsPerWorker)

	start := time.Now()
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := 0; i < embedsPerWorker; i++ {
				contents := [][]ai.ContentPart{
					{ai.TextContent{Text: "hello hello"}},
				}
				if _, err := embedder.Embed(ctx, contents); err != nil {
					errors <- fmt.Errorf("worker %d embed %d: %w", workerID, i, err)
				}
			}
		}(w)
	}
	wg.Wait()
	close(errors)

	var errs []error
	for err := range errors {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		for _, err := range errs {
			t.Errorf("Error: %v", err)
		}
		t.Fatalf("%d errors occurred", len(errs))
	}
	t.Logf("%d concurrent embeds completed in %v", numWorkers*embedsPerWorker, time.Since(start))
}

// TestHappyPath_ContextCancellation tests that context cancellation is handled.
func TestHappyPath_ContextCancellation(t *testing.T) {
	f := newFixture(t, map[string]float64{"LanguageBind_Image": 1})
	lb := f.open(t, []modality.ClipType{{Modality: modality.Image, Checkpoint: "LanguageBind_Image"}})
	embedder := NewEmbedder(lb, EmbedderConfig{PoolSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := embedder.Embed(ctx, [][]ai.ContentPart{
		{ai.TextContent{Text: "This should fail due to cancelled context"}},
	})
	if err == nil {
		t.Error("Expected error with cancelled context, got nil")
	}
}
