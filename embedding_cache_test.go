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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/antfly-go/libaf/embeddings"
	"github.com/antflydb/languagebind/lib/modality"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockEmbedder implements the embeddings.Embedder interface for testing
type MockEmbedder struct {
	embedFunc func(ctx context.Context, values []string) ([][]float32, error)
	callCount atomic.Int32
}

func (m *MockEmbedder) Capabilities() embeddings.EmbedderCapabilities {
	return embeddings.TextOnlyCapabilities()
}

func (m *MockEmbedder) Embed(ctx context.Context, contents [][]ai.ContentPart) ([][]float32, error) {
	m.callCount.Add(1)
	values := embeddings.ExtractText(contents)
	if m.embedFunc != nil {
		return m.embedFunc(ctx, values)
	}
	result := make([][]float32, len(values))
	for i, v := range values {
		result[i] = []float32{float32(i), float32(len(v))}
	}
	return result, nil
}

func (m *MockEmbedder) GetCallCount() int32 {
	return m.callCount.Load()
}

// memoryRemote is an in-process RemoteCache.
type memoryRemote struct {
	mu     sync.Mutex
	data   map[string][][]float32
	getErr error
	sets   int
	closed bool
}

func newMemoryRemote() *memoryRemote {
	return &memoryRemote{data: map[string][][]float32{}}
}

func (m *memoryRemote) Get(_ context.Context, key string) ([][]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryRemote) Set(_ context.Context, key string, embeds [][]float32, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = embeds
	m.sets++
	return nil
}

func (m *memoryRemote) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestCachedEmbedderMemoryHit(t *testing.T) {
	ec := NewEmbeddingCache(time.Minute, nil, zaptest.NewLogger(t))
	defer ec.Close()

	mock := &MockEmbedder{}
	cached := ec.WrapEmbedder(mock, "scope")

	first, err := cached.Embed(context.Background(), textContents("a", "bb"))
	require.NoError(t, err)
	second, err := cached.Embed(context.Background(), textContents("a", "bb"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, mock.GetCallCount())
	stats := cached.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)

	// different content misses
	_, err = cached.Embed(context.Background(), textContents("a"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, mock.GetCallCount())
}

func TestCachedEmbedderScopesKeys(t *testing.T) {
	ec := NewEmbeddingCache(time.Minute, nil, zaptest.NewLogger(t))
	defer ec.Close()

	mock := &MockEmbedder{}
	_, err := ec.WrapEmbedder(mock, "one").Embed(context.Background(), textContents("x"))
	require.NoError(t, err)
	_, err = ec.WrapEmbedder(mock, "two").Embed(context.Background(), textContents("x"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, mock.GetCallCount())
}

func TestCachedEmbedderBinaryContentKey(t *testing.T) {
	ec := NewEmbeddingCache(time.Minute, nil, zaptest.NewLogger(t))
	defer ec.Close()
	cached := ec.WrapEmbedder(&MockEmbedder{}, "scope")

	a := [][]ai.ContentPart{{ai.BinaryContent{MIMEType: "image/png", Data: []byte{1, 2}}}}
	b := [][]ai.ContentPart{{ai.BinaryContent{MIMEType: "image/png", Data: []byte{1, 3}}}}
	c := [][]ai.ContentPart{{ai.BinaryContent{MIMEType: "image/png; modality=depth", Data: []byte{1, 2}}}}
	assert.NotEqual(t, cached.cacheKey(a), cached.cacheKey(b))
	assert.NotEqual(t, cached.cacheKey(a), cached.cacheKey(c))
	assert.Equal(t, cached.cacheKey(a), cached.cacheKey(a))
}

func TestCachedEmbedderKeyFramesItems(t *testing.T) {
	ec := NewEmbeddingCache(time.Minute, nil, zaptest.NewLogger(t))
	defer ec.Close()
	mock := &MockEmbedder{}
	cached := ec.WrapEmbedder(mock, "b@1")

	one := textContents("a|||t:b")
	two := textContents("a", "b")
	joined := [][]ai.ContentPart{{ai.TextContent{Text: "a"}, ai.TextContent{Text: "b"}}}
	assert.NotEqual(t, cached.cacheKey(one), cached.cacheKey(two))
	assert.NotEqual(t, cached.cacheKey(two), cached.cacheKey(joined))
	assert.NotEqual(t, cached.cacheKey(textContents("ab")), cached.cacheKey(joined))

	got, err := cached.Embed(context.Background(), two)
	require.NoError(t, err)
	require.Len(t, got, 2)
	got, err = cached.Embed(context.Background(), one)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 2, mock.GetCallCount())
}

func TestCachedEmbedderRemoteTier(t *testing.T) {
	remote := newMemoryRemote()
	mock := &MockEmbedder{}

	ec := NewEmbeddingCache(time.Minute, remote, zaptest.NewLogger(t))
	_, err := ec.WrapEmbedder(mock, "scope").Embed(context.Background(), textContents("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, remote.sets)
	ec.Close()
	assert.True(t, remote.closed)

	// a fresh node with an empty memory tier reads from the remote
	remote.closed = false
	ec2 := NewEmbeddingCache(time.Minute, remote, zaptest.NewLogger(t))
	defer ec2.Close()
	cached := ec2.WrapEmbedder(mock, "scope")
	out, err := cached.Embed(context.Background(), textContents("x"))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1}}, out)
	assert.EqualValues(t, 1, mock.GetCallCount())
	assert.EqualValues(t, 1, cached.Stats().RemoteHits)
}

func TestCachedEmbedderRemoteErrorFallsBack(t *testing.T) {
	remote := newMemoryRemote()
	remote.getErr = errors.New("connection refused")
	ec := NewEmbeddingCache(time.Minute, remote, zaptest.NewLogger(t))
	defer ec.Close()

	mock := &MockEmbedder{}
	out, err := ec.WrapEmbedder(mock, "scope").Embed(context.Background(), textContents("x"))
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.EqualValues(t, 1, mock.GetCallCount())
}

func TestCachedEmbedderErrorNotCached(t *testing.T) {
	ec := NewEmbeddingCache(time.Minute, nil, zaptest.NewLogger(t))
	defer ec.Close()

	fail := true
	mock := &MockEmbedder{embedFunc: func(_ context.Context, values []string) ([][]float32, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return [][]float32{{1}}, nil
	}}
	cached := ec.WrapEmbedder(mock, "scope")
	_, err := cached.Embed(context.Background(), textContents("x"))
	require.Error(t, err)

	fail = false
	out, err := cached.Embed(context.Background(), textContents("x"))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}}, out)
}

func TestCachedEmbedderSingleflight(t *testing.T) {
	ec := NewEmbeddingCache(time.Minute, nil, zaptest.NewLogger(t))
	defer ec.Close()

	release := make(chan struct{})
	mock := &MockEmbedder{embedFunc: func(_ context.Context, values []string) ([][]float32, error) {
		<-release
		return [][]float32{{1}}, nil
	}}
	cached := ec.WrapEmbedder(mock, "scope")

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cached.Embed(context.Background(), textContents("same"))
			assert.NoError(t, err)
		}()
	}
	// let the callers pile up on the in-flight call
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, mock.GetCallCount())
}

func TestBindingScope(t *testing.T) {
	a := imageBinding("img")
	assert.Equal(t, BindingScope(a), BindingScope(imageBinding("img")))
	assert.Contains(t, BindingScope(a), "img@")

	off := false
	b := imageBinding("img")
	b.UseTemp = &off
	assert.NotEqual(t, BindingScope(a), BindingScope(b))

	c := imageBinding("img")
	c.ClipTypes = ClipTypeList{{Modality: modality.Image, Checkpoint: "LanguageBind_Image_v2"}}
	assert.NotEqual(t, BindingScope(a), BindingScope(c))
}
