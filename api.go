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
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/languagebind/lib/backends"
	"github.com/antflydb/languagebind/lib/embeddings"
	"github.com/antflydb/languagebind/lib/modality"
	"github.com/antflydb/languagebind/lib/modelregistry"
	"github.com/antflydb/languagebind/lib/pipelines"
	"github.com/antflydb/languagebind/lib/tower"
	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	oapiruntime "github.com/oapi-codegen/runtime"
	"go.uber.org/zap"
)

// EmbedRequest embeds items with one binding. Inputs are keyed by
// modality; Contents are routed by MIME type.
type EmbedRequest struct {
	Binding  string              `json:"binding"`
	Inputs   map[string][]string `json:"inputs,omitempty"`
	Contents []EmbedContent      `json:"contents,omitempty"`
}

// EmbedContent is one text or media item. Data is base64 in JSON.
type EmbedContent struct {
	Text     string `json:"text,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// EmbedResponse holds per-modality embeddings for Inputs and one vector
// per item of Contents.
type EmbedResponse struct {
	Binding    string                 `json:"binding"`
	Dimension  int                    `json:"dimension"`
	UseTemp    bool                   `json:"use_temp"`
	Embeddings map[string][][]float32 `json:"embeddings,omitempty"`
	Vectors    [][]float32            `json:"vectors,omitempty"`
}

// SimilarityGroup is a list of items of one modality.
type SimilarityGroup struct {
	Modality string   `json:"modality"`
	Items    []string `json:"items"`
}

// SimilarityRequest scores every query item against every candidate.
type SimilarityRequest struct {
	Binding    string          `json:"binding"`
	Query      SimilarityGroup `json:"query"`
	Candidates SimilarityGroup `json:"candidates"`
}

// SimilarityResponse is a queries x candidates score matrix.
type SimilarityResponse struct {
	Binding string      `json:"binding"`
	Softmax bool        `json:"softmax"`
	Scores  [][]float32 `json:"scores"`
}

// BindingInfo describes a configured binding.
type BindingInfo struct {
	Name      string              `json:"name"`
	ClipTypes []modality.ClipType `json:"clip_type"`
	UseTemp   bool                `json:"use_temp"`
	Strategy  BindingStrategy     `json:"strategy,omitempty"`
	Loaded    bool                `json:"loaded"`
	Pinned    bool                `json:"pinned"`
}

// BindingsResponse lists bindings.
type BindingsResponse struct {
	Bindings []BindingInfo  `json:"bindings"`
	Stats    map[string]any `json:"stats,omitempty"`
}

// TowersResponse lists towers.
type TowersResponse struct {
	Towers []TowerInfo `json:"towers"`
}

// TowerVideo is an animated GIF or still image in Data, or explicit frames.
// Both hold base64 or data URIs.
type TowerVideo struct {
	Data   string   `json:"data,omitempty"`
	Frames []string `json:"frames,omitempty"`
}

// TowerFeaturesRequest runs videos through a tower.
type TowerFeaturesRequest struct {
	Tower  string       `json:"tower"`
	Videos []TowerVideo `json:"videos"`
}

// TowerFeature is one feature tensor, flattened row-major.
type TowerFeature struct {
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data"`
}

// TowerFeaturesResponse holds one feature per video, or a single batched
// feature when batch=true.
type TowerFeaturesResponse struct {
	Tower         string         `json:"tower"`
	SelectLayer   int            `json:"select_layer"`
	SelectFeature string         `json:"select_feature"`
	HiddenSize    int            `json:"hidden_size"`
	NumPatches    int            `json:"num_patches"`
	DType         string         `json:"dtype"`
	Device        string         `json:"device"`
	Batched       bool           `json:"batched"`
	Features      []TowerFeature `json:"features"`
}

// VersionResponse is build information.
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// ErrorResponse is the body of every API error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIHandler serves /api/*.
func (n *Node) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/embed", n.handleApiEmbed)
	mux.HandleFunc("POST /api/similarity", n.handleApiSimilarity)
	mux.HandleFunc("POST /api/tower/features", n.handleApiTowerFeatures)
	mux.HandleFunc("GET /api/bindings", n.handleApiBindings)
	mux.HandleFunc("GET /api/towers", n.handleApiTowers)
	mux.HandleFunc("GET /api/version", n.handleApiVersion)
	mux.HandleFunc("GET /api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(openapiSpec)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return encoder.NewStreamEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	_ = writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps an inference or lookup error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBindingNotFound), errors.Is(err, ErrTowerNotFound):
		return http.StatusNotFound
	case errors.Is(err, modality.ErrUnknownModality), errors.Is(err, embeddings.ErrUnsupportedContent),
		errors.Is(err, pipelines.ErrNoFrames):
		return http.StatusBadRequest
	case errors.Is(err, modelregistry.ErrNotCached), errors.Is(err, backends.ErrSessionClosed),
		errors.Is(err, tower.ErrTowerNotLoaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type contentEmbedder interface {
	Embed(ctx context.Context, contents [][]ai.ContentPart) ([][]float32, error)
}

// embedder returns the binding's embedder behind the shared cache.
func (n *Node) embedder(b *Binding) contentEmbedder {
	if n.embeddingCache == nil {
		return b.Embedder
	}
	return n.embeddingCache.WrapEmbedder(b.Embedder, BindingScope(b.Config))
}

// handleApiEmbed embeds modality-keyed inputs and MIME-routed contents.
func (n *Node) handleApiEmbed(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	start := time.Now()

	var req EmbedRequest
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}
	if req.Binding == "" {
		writeError(w, http.StatusBadRequest, "binding is required")
		return
	}
	if len(req.Inputs) == 0 && len(req.Contents) == 0 {
		writeError(w, http.StatusBadRequest, "inputs or contents is required")
		return
	}

	order, inputs, err := parseInputs(req.Inputs)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid inputs: %v", err))
		return
	}
	contents := make([][]ai.ContentPart, 0, len(req.Contents))
	for i, c := range req.Contents {
		part, err := contentPart(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid content at index %d: %v", i, err))
			return
		}
		contents = append(contents, []ai.ContentPart{part})
	}

	b, err := n.bindings.Acquire(r.Context(), req.Binding)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	defer n.bindings.Release(req.Binding)
	RecordEmbeddingRequest(req.Binding)

	emb := n.embedder(b)
	resp := EmbedResponse{
		Binding:   req.Binding,
		Dimension: b.Model.EmbeddingDim(),
		UseTemp:   b.Model.UseTemp(),
	}
	if len(order) > 0 {
		resp.Embeddings = make(map[string][][]float32, len(order))
		for _, m := range order {
			if !b.Model.HasModality(m) {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("binding %s has no %s encoder", req.Binding, m))
				return
			}
			vecs, err := emb.Embed(r.Context(), inputs[m])
			if err != nil {
				n.fail(w, "embed", req.Binding, start, err)
				return
			}
			resp.Embeddings[m.String()] = vecs
			RecordEmbeddingCreation(req.Binding, m.String(), len(vecs))
		}
	}
	if len(contents) > 0 {
		vecs, err := emb.Embed(r.Context(), contents)
		if err != nil {
			n.fail(w, "embed", req.Binding, start, err)
			return
		}
		resp.Vectors = vecs
		RecordEmbeddingCreation(req.Binding, "content", len(vecs))
	}
	RecordRequestDuration("embed", req.Binding, "200", time.Since(start).Seconds())

	if acceptsOctetStream(r.Header.Get("Accept")) {
		// one frame per modality in name order, then one for contents
		groups := make([]string, 0, len(order)+1)
		for _, m := range order {
			groups = append(groups, m.String())
		}
		if len(contents) > 0 {
			groups = append(groups, EmbeddingGroupContents)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set(EmbeddingGroupsHeader, strings.Join(groups, ","))
		for _, g := range groups {
			vecs := resp.Vectors
			if g != EmbeddingGroupContents {
				vecs = resp.Embeddings[g]
			}
			if err := SerializeFloatArrays(w, vecs); err != nil {
				n.logger.Error("serializing embeddings", zap.String("group", g), zap.Error(err))
				return
			}
		}
		return
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		n.logger.Error("encoding JSON response", zap.Error(err))
	}
}

// EmbeddingGroupsHeader lists, in order, the groups of a binary embed
// response. Each group is one SerializeFloatArrays frame.
const EmbeddingGroupsHeader = "X-Embedding-Groups"

// EmbeddingGroupContents names the frame holding the vectors of Contents.
const EmbeddingGroupContents = "contents"

// acceptsOctetStream reports whether an Accept header asks for the binary
// vector format.
func acceptsOctetStream(accept string) bool {
	for _, r := range strings.Split(accept, ",") {
		mt, params, err := mime.ParseMediaType(strings.TrimSpace(r))
		if err != nil || mt != "application/octet-stream" {
			continue
		}
		return params["q"] != "0"
	}
	return false
}

func (n *Node) fail(w http.ResponseWriter, endpoint, model string, start time.Time, err error) {
	status := statusFor(err)
	RecordRequestDuration(endpoint, model, fmt.Sprint(status), time.Since(start).Seconds())
	if status == http.StatusInternalServerError {
		n.logger.Error("request failed",
			zap.String("endpoint", endpoint),
			zap.String("model", model),
			zap.Error(err))
	}
	writeError(w, status, err.Error())
}

// parseInputs converts modality-keyed items to content parts, returning
// the modalities sorted by name.
func parseInputs(in map[string][]string) ([]modality.Modality, map[modality.Modality][][]ai.ContentPart, error) {
	out := make(map[modality.Modality][][]ai.ContentPart, len(in))
	order := make([]modality.Modality, 0, len(in))
	for key, items := range in {
		m, err := modality.Parse(key)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := out[m]; dup {
			return nil, nil, fmt.Errorf("modality %s given twice", m)
		}
		parts, err := modalityParts(m, items)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", m, err)
		}
		out[m] = parts
		order = append(order, m)
	}
	slices.Sort(order)
	return order, out, nil
}

// modalityParts builds one content per item, pinning media to m through
// the MIME modality parameter.
func modalityParts(m modality.Modality, items []string) ([][]ai.ContentPart, error) {
	parts := make([][]ai.ContentPart, 0, len(items))
	for i, item := range items {
		if m.IsLanguage() {
			parts = append(parts, []ai.ContentPart{ai.TextContent{Text: item}})
			continue
		}
		mimeType, data, err := decodeMedia(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		parts = append(parts, []ai.ContentPart{ai.BinaryContent{
			MIMEType: mimeWithModality(mimeType, m),
			Data:     data,
		}})
	}
	return parts, nil
}

func contentPart(c EmbedContent) (ai.ContentPart, error) {
	switch {
	case len(c.Data) > 0:
		mimeType := c.MimeType
		if mimeType == "" {
			mimeType = http.DetectContentType(c.Data)
		}
		return ai.BinaryContent{MIMEType: mimeType, Data: c.Data}, nil
	case c.Text != "":
		return ai.TextContent{Text: c.Text}, nil
	}
	return nil, errors.New("text or data is required")
}

// decodeMedia accepts a data URI ("data:image/png;base64,...") or bare
// base64. The MIME type of bare base64 is sniffed.
func decodeMedia(s string) (string, []byte, error) {
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		meta, payload, ok := strings.Cut(rest, ",")
		if !ok {
			return "", nil, errors.New("malformed data URI")
		}
		mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
		if !isBase64 {
			return "", nil, errors.New("data URI must be base64 encoded")
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, fmt.Errorf("decoding data URI: %w", err)
		}
		if mediaType == "" {
			mediaType = http.DetectContentType(data)
		}
		return mediaType, data, nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return "", nil, fmt.Errorf("decoding base64: %w", err)
		}
	}
	return http.DetectContentType(data), data, nil
}

// mimeWithModality adds the modality routing parameter to mimeType.
func mimeWithModality(mimeType string, m modality.Modality) string {
	base, params, err := mime.ParseMediaType(mimeType)
	if err != nil || base == "" {
		base, params = "application/octet-stream", nil
	}
	if params == nil {
		params = map[string]string{}
	}
	params[embeddings.ModalityParam] = m.String()
	return mime.FormatMediaType(base, params)
}

// handleApiSimilarity embeds both groups and returns their score matrix,
// optionally softmaxed per query row.
func (n *Node) handleApiSimilarity(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	start := time.Now()

	var softmax bool
	if err := oapiruntime.BindQueryParameter("form", true, false, "softmax", r.URL.Query(), &softmax); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid softmax: %v", err))
		return
	}
	var req SimilarityRequest
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}
	if req.Binding == "" {
		writeError(w, http.StatusBadRequest, "binding is required")
		return
	}

	groups := [2]SimilarityGroup{req.Query, req.Candidates}
	var parts [2][][]ai.ContentPart
	for i, g := range groups {
		if len(g.Items) == 0 {
			writeError(w, http.StatusBadRequest, "query and candidates need at least one item")
			return
		}
		m, err := modality.Parse(g.Modality)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if parts[i], err = modalityParts(m, g.Items); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s items: %v", m, err))
			return
		}
	}

	b, err := n.bindings.Acquire(r.Context(), req.Binding)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	defer n.bindings.Release(req.Binding)
	RecordSimilarityRequest(req.Binding)

	emb := n.embedder(b)
	var vecs [2][][]float32
	for i := range parts {
		if vecs[i], err = emb.Embed(r.Context(), parts[i]); err != nil {
			n.fail(w, "similarity", req.Binding, start, err)
			return
		}
	}
	scores, err := embeddings.Similarity(vecs[0], vecs[1])
	if err != nil {
		n.fail(w, "similarity", req.Binding, start, err)
		return
	}
	if softmax {
		embeddings.Softmax(scores)
	}
	RecordRequestDuration("similarity", req.Binding, "200", time.Since(start).Seconds())

	if err := writeJSON(w, http.StatusOK, SimilarityResponse{
		Binding: req.Binding,
		Softmax: softmax,
		Scores:  scores,
	}); err != nil {
		n.logger.Error("encoding JSON response", zap.Error(err))
	}
}

// handleApiTowerFeatures runs videos through a tower, one at a time unless
// batch=true.
func (n *Node) handleApiTowerFeatures(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	start := time.Now()

	var batch bool
	if err := oapiruntime.BindQueryParameter("form", true, false, "batch", r.URL.Query(), &batch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid batch: %v", err))
		return
	}
	var req TowerFeaturesRequest
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}
	if req.Tower == "" || len(req.Videos) == 0 {
		writeError(w, http.StatusBadRequest, "tower and videos are required")
		return
	}
	videos := make([]*pipelines.Video, 0, len(req.Videos))
	for i, v := range req.Videos {
		video, err := decodeTowerVideo(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("video %d: %v", i, err))
			return
		}
		videos = append(videos, video)
	}

	if n.towers == nil {
		writeError(w, http.StatusNotFound, ErrTowerNotFound.Error())
		return
	}
	t, err := n.towers.Acquire(r.Context(), req.Tower)
	if err != nil {
		n.fail(w, "tower", req.Tower, start, err)
		return
	}
	defer n.towers.Release(t)
	RecordTowerRequest(req.Tower)

	var features []backends.NamedTensor
	if batch {
		f, err := t.Features(r.Context(), videos)
		if err != nil {
			n.fail(w, "tower", req.Tower, start, err)
			return
		}
		features = append(features, f)
	} else {
		for i, v := range videos {
			f, err := t.Features(r.Context(), []*pipelines.Video{v})
			if err != nil {
				n.fail(w, "tower", req.Tower, start, fmt.Errorf("video %d: %w", i, err))
				return
			}
			features = append(features, f)
		}
	}

	resp := towerResponse(t, batch)
	for _, f := range features {
		data, err := f.Float32s()
		if err != nil {
			n.fail(w, "tower", req.Tower, start, err)
			return
		}
		resp.Features = append(resp.Features, TowerFeature{Shape: f.Shape, Data: data})
	}
	RecordRequestDuration("tower", req.Tower, "200", time.Since(start).Seconds())
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		n.logger.Error("encoding JSON response", zap.Error(err))
	}
}

func towerResponse(t *tower.VideoTower, batch bool) TowerFeaturesResponse {
	args := t.Args()
	return TowerFeaturesResponse{
		Tower:         t.Name(),
		SelectLayer:   args.SelectLayer,
		SelectFeature: args.SelectFeature,
		HiddenSize:    t.HiddenSize(),
		NumPatches:    t.NumPatches(),
		DType:         string(t.DType()),
		Device:        t.Device(),
		Batched:       batch,
	}
}

func decodeTowerVideo(v TowerVideo) (*pipelines.Video, error) {
	if v.Data != "" {
		mimeType, data, err := decodeMedia(v.Data)
		if err != nil {
			return nil, err
		}
		return pipelines.DecodeVideo(data, mimeType)
	}
	if len(v.Frames) == 0 {
		return nil, pipelines.ErrNoFrames
	}
	video := &pipelines.Video{}
	for i, frame := range v.Frames {
		_, data, err := decodeMedia(frame)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		img, err := pipelines.DecodeImage(data)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		video.Frames = append(video.Frames, img)
	}
	return video, nil
}

func (n *Node) handleApiBindings(w http.ResponseWriter, r *http.Request) {
	resp := BindingsResponse{Bindings: []BindingInfo{}, Stats: n.bindings.Stats()}
	for _, cfg := range n.bindings.List() {
		resp.Bindings = append(resp.Bindings, BindingInfo{
			Name:      cfg.Name,
			ClipTypes: cfg.ClipTypes,
			UseTemp:   cfg.Temperature(),
			Strategy:  cfg.Strategy,
			Loaded:    n.bindings.IsLoaded(cfg.Name),
			Pinned:    n.bindings.IsPinned(cfg.Name),
		})
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		n.logger.Error("encoding response", zap.Error(err))
	}
}

func (n *Node) handleApiTowers(w http.ResponseWriter, r *http.Request) {
	resp := TowersResponse{Towers: []TowerInfo{}}
	if n.towers != nil {
		resp.Towers = append(resp.Towers, n.towers.List()...)
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		n.logger.Error("encoding response", zap.Error(err))
	}
}

func (n *Node) handleApiVersion(w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, http.StatusOK, VersionResponse{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}); err != nil {
		n.logger.Error("encoding response", zap.Error(err))
	}
}
