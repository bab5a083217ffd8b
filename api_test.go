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
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/antflydb/languagebind/lib/backends"
	"github.com/antflydb/languagebind/lib/embeddings"
	"github.com/antflydb/languagebind/lib/embeddings/embeddingstest"
	"github.com/antflydb/languagebind/lib/modality"
	"github.com/antflydb/languagebind/lib/tower"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestNode(t *testing.T, config Config) *Node {
	t.Helper()
	if config.Bindings == nil && config.BindingsFile == "" {
		config.Bindings = []BindingConfig{
			imageBinding("img"),
			{
				Name: "av",
				ClipTypes: ClipTypeList{
					{Modality: modality.Image, Checkpoint: imageCheckpoint},
					{Modality: modality.Audio, Checkpoint: audioCheckpoint},
				},
			},
		}
	}
	n, err := NewNode(context.Background(), zaptest.NewLogger(t), config,
		WithNodeHub(embeddingstest.OfflineHub(checkpointCache(t))),
		WithNodeSessionFactory(embeddingstest.NewFactory()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestApiEmbedInputs(t *testing.T) {
	n := newTestNode(t, Config{})
	img := base64.StdEncoding.EncodeToString(pngBytes(t))

	w := doJSON(t, n.Handler(), "POST", "/api/embed",
		`{"binding":"img","inputs":{"language":["hello"],"image":["`+img+`","data:image/png;base64,`+img+`"]}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeBody[EmbedResponse](t, w)
	assert.Equal(t, "img", resp.Binding)
	assert.Equal(t, embeddingstest.Dim, resp.Dimension)
	assert.True(t, resp.UseTemp)
	require.Len(t, resp.Embeddings["language"], 1)
	assert.InDeltaSlice(t, []float32{0, 0, 0, 1}, resp.Embeddings["language"][0], 1e-5)
	require.Len(t, resp.Embeddings["image"], 2)
	for _, v := range resp.Embeddings["image"] {
		assert.InDeltaSlice(t, []float32{0.6, 0.8, 0, 0}, v, 1e-5)
	}
	assert.Empty(t, resp.Vectors)
	assert.True(t, n.bindings.IsLoaded("img"))
}

func TestApiEmbedContentsBinary(t *testing.T) {
	n := newTestNode(t, Config{})
	body, err := sonic.Marshal(EmbedRequest{
		Binding: "img",
		Contents: []EmbedContent{
			{Text: "hello"},
			{Data: pngBytes(t), MimeType: "image/png"},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/embed", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/octet-stream")
	w := httptest.NewRecorder()
	n.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))

	vecs, err := DeserializeFloatArrays(w.Body)
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.InDeltaSlice(t, []float32{0, 0, 0, 1}, vecs[0], 1e-5)
	assert.InDeltaSlice(t, []float32{0.6, 0.8, 0, 0}, vecs[1], 1e-5)
}

func TestApiEmbedInputsBinary(t *testing.T) {
	n := newTestNode(t, Config{})
	img := base64.StdEncoding.EncodeToString(pngBytes(t))
	body := `{"binding":"img","inputs":{"language":["hello"],"image":["` + img + `","` + img + `"]},` +
		`"contents":[{"text":"hello"}]}`

	req := httptest.NewRequest("POST", "/api/embed", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json;q=0.5, application/octet-stream")
	w := httptest.NewRecorder()
	n.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "image,language,contents", w.Header().Get(EmbeddingGroupsHeader))

	images, err := DeserializeFloatArrays(w.Body)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.InDeltaSlice(t, []float32{0.6, 0.8, 0, 0}, images[1], 1e-5)

	texts, err := DeserializeFloatArrays(w.Body)
	require.NoError(t, err)
	require.Len(t, texts, 1)
	assert.InDeltaSlice(t, []float32{0, 0, 0, 1}, texts[0], 1e-5)

	contents, err := DeserializeFloatArrays(w.Body)
	require.NoError(t, err)
	assert.Equal(t, texts, contents)
	assert.Zero(t, w.Body.Len())
}

func TestAcceptsOctetStream(t *testing.T) {
	assert.True(t, acceptsOctetStream("application/octet-stream"))
	assert.True(t, acceptsOctetStream("application/json;q=0.9, Application/Octet-Stream"))
	assert.False(t, acceptsOctetStream("application/octet-stream;q=0"))
	assert.False(t, acceptsOctetStream("application/json"))
	assert.False(t, acceptsOctetStream(""))
}

func TestApiEmbedErrors(t *testing.T) {
	n := newTestNode(t, Config{})
	img := base64.StdEncoding.EncodeToString(pngBytes(t))

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed", `{"binding":`, http.StatusBadRequest},
		{"no binding", `{"inputs":{"language":["hello"]}}`, http.StatusBadRequest},
		{"nothing to embed", `{"binding":"img"}`, http.StatusBadRequest},
		{"unknown modality", `{"binding":"img","inputs":{"smell":["x"]}}`, http.StatusBadRequest},
		{"bad base64", `{"binding":"img","inputs":{"image":["!!!"]}}`, http.StatusBadRequest},
		{"empty content", `{"binding":"img","contents":[{}]}`, http.StatusBadRequest},
		{"missing encoder", `{"binding":"img","inputs":{"audio":["` + img + `"]}}`, http.StatusBadRequest},
		{"unknown binding", `{"binding":"nope","inputs":{"language":["hello"]}}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, n.Handler(), "POST", "/api/embed", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, w).Error)
		})
	}
}

func TestApiSimilarity(t *testing.T) {
	n := newTestNode(t, Config{})
	img := base64.StdEncoding.EncodeToString(pngBytes(t))
	body := `{"binding":"img","query":{"modality":"language","items":["hello","hello"]},` +
		`"candidates":{"modality":"image","items":["` + img + `","` + img + `","` + img + `"]}}`

	w := doJSON(t, n.Handler(), "POST", "/api/similarity", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[SimilarityResponse](t, w)
	assert.False(t, resp.Softmax)
	require.Len(t, resp.Scores, 2)
	for _, row := range resp.Scores {
		assert.InDeltaSlice(t, []float32{0, 0, 0}, row, 1e-5)
	}

	w = doJSON(t, n.Handler(), "POST", "/api/similarity?softmax=true", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decodeBody[SimilarityResponse](t, w)
	assert.True(t, resp.Softmax)
	for _, row := range resp.Scores {
		var sum float32
		for _, s := range row {
			sum += s
		}
		assert.InDelta(t, 1, sum, 1e-5)
	}

	w = doJSON(t, n.Handler(), "POST", "/api/similarity?softmax=maybe", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, n.Handler(), "POST", "/api/similarity",
		`{"binding":"img","query":{"modality":"language","items":[]},"candidates":{"modality":"language","items":["hello"]}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApiRequestValidation(t *testing.T) {
	n := newTestNode(t, Config{ValidateRequests: true})
	require.NotNil(t, n.validator)

	w := doJSON(t, n.Handler(), "POST", "/api/embed", `{"inputs":{"language":["hello"]}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, w).Error, "request body has an error")

	w = doJSON(t, n.Handler(), "POST", "/api/similarity",
		`{"binding":"img","query":{"modality":"smell","items":["x"]},"candidates":{"modality":"language","items":["hello"]}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, w).Error, "request body has an error")

	w = doJSON(t, n.Handler(), "POST", "/api/embed", `{"binding":"img","inputs":{"language":["hello"]}}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestApiBindings(t *testing.T) {
	n := newTestNode(t, Config{})
	w := doJSON(t, n.Handler(), "GET", "/api/bindings", "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeBody[BindingsResponse](t, w)
	require.Len(t, resp.Bindings, 2)
	names := []string{resp.Bindings[0].Name, resp.Bindings[1].Name}
	assert.ElementsMatch(t, []string{"img", "av"}, names)
	for _, b := range resp.Bindings {
		assert.True(t, b.UseTemp)
		assert.False(t, b.Loaded)
		assert.NotEmpty(t, b.ClipTypes)
	}
}

func TestApiVersionAndDocument(t *testing.T) {
	n := newTestNode(t, Config{})

	w := doJSON(t, n.Handler(), "GET", "/api/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[VersionResponse](t, w)
	assert.Equal(t, Version, resp.Version)
	assert.NotEmpty(t, resp.GoVersion)

	w = doJSON(t, n.Handler(), "GET", "/api/openapi.yaml", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "/api/embed")
}

func newTowerNode(t *testing.T) *Node {
	t.Helper()
	loader, _ := towerLoader(t)
	towers := NewTowerRegistry(context.Background(), loader, []TowerConfig{
		{Name: "video", Checkpoint: videoCheckpoint},
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = towers.Close() })
	return &Node{logger: zaptest.NewLogger(t), towers: towers}
}

func TestApiTowerFeatures(t *testing.T) {
	n := newTowerNode(t)
	clip := base64.StdEncoding.EncodeToString(gifBytes(t, 2))
	frame := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
	body := `{"tower":"video","videos":[{"data":"` + clip + `"},{"frames":["` + frame + `","` + frame + `"]}]}`

	w := doJSON(t, n.APIHandler(), "POST", "/api/tower/features", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[TowerFeaturesResponse](t, w)
	assert.Equal(t, videoCheckpoint, resp.Tower)
	assert.Equal(t, DefaultSelectLayer, resp.SelectLayer)
	assert.Equal(t, "patch", resp.SelectFeature)
	assert.Equal(t, towerHidden, resp.HiddenSize)
	assert.Equal(t, 4, resp.NumPatches)
	assert.Equal(t, "float16", resp.DType)
	assert.False(t, resp.Batched)
	require.Len(t, resp.Features, 2)
	for _, f := range resp.Features {
		assert.Equal(t, []int64{1, 5, towerHidden}, f.Shape)
		// penultimate of hidden states 0..4
		assert.Equal(t, float32(towerLayers-1), f.Data[0])
	}

	w = doJSON(t, n.APIHandler(), "POST", "/api/tower/features?batch=true", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decodeBody[TowerFeaturesResponse](t, w)
	assert.True(t, resp.Batched)
	require.Len(t, resp.Features, 1)
	assert.Equal(t, []int64{2, 5, towerHidden}, resp.Features[0].Shape)
}

func TestApiTowerFeaturesErrors(t *testing.T) {
	n := newTowerNode(t)
	clip := base64.StdEncoding.EncodeToString(gifBytes(t, 2))

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"no videos", `{"tower":"video","videos":[]}`, http.StatusBadRequest},
		{"no frames", `{"tower":"video","videos":[{}]}`, http.StatusBadRequest},
		{"unknown tower", `{"tower":"nope","videos":[{"data":"` + clip + `"}]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, n.APIHandler(), "POST", "/api/tower/features", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	w := doJSON(t, n.APIHandler(), "GET", "/api/towers", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[TowersResponse](t, w)
	require.Len(t, resp.Towers, 1)
	assert.Equal(t, "video", resp.Towers[0].Name)
	assert.True(t, resp.Towers[0].Loaded)
}

func TestApiRequestTimeout(t *testing.T) {
	n := newTestNode(t, Config{RequestTimeout: "1ns"})
	require.Equal(t, time.Nanosecond, n.requestTimeout)

	img := base64.StdEncoding.EncodeToString(pngBytes(t))
	w := doJSON(t, n.Handler(), "POST", "/api/embed", `{"binding":"img","inputs":{"image":["`+img+`"]}}`)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code, w.Body.String())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(ErrBindingNotFound))
	assert.Equal(t, http.StatusNotFound, statusFor(ErrTowerNotFound))
	assert.Equal(t, http.StatusBadRequest, statusFor(modality.ErrUnknownModality))
	assert.Equal(t, http.StatusBadRequest, statusFor(embeddings.ErrUnsupportedContent))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("running: %w", backends.ErrSessionClosed)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(tower.ErrTowerNotLoaded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

func TestDecodeMedia(t *testing.T) {
	data := pngBytes(t)
	b64 := base64.StdEncoding.EncodeToString(data)

	mimeType, got, err := decodeMedia(b64)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mimeType)
	assert.Equal(t, data, got)

	mimeType, got, err = decodeMedia("data:image/x-custom;base64," + b64)
	require.NoError(t, err)
	assert.Equal(t, "image/x-custom", mimeType)
	assert.Equal(t, data, got)

	_, _, err = decodeMedia("data:image/png,rawbytes")
	assert.Error(t, err)
	_, _, err = decodeMedia("data:image/png;base64")
	assert.Error(t, err)
}

func TestMimeWithModality(t *testing.T) {
	assert.Equal(t, "image/png; modality=depth", mimeWithModality("image/png", modality.Depth))
	assert.Equal(t, "text/plain; charset=utf-8; modality=thermal",
		mimeWithModality("text/plain; charset=utf-8", modality.Thermal))
	assert.Equal(t, "application/octet-stream; modality=audio", mimeWithModality("", modality.Audio))
}
