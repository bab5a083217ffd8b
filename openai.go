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
	"fmt"
	"net/http"
	"time"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	"go.uber.org/zap"
)

// OpenAI-compatible API at /openai/v1/*
//
// Bindings are exposed as OpenAI models, so standard SDKs can embed text
// into a binding's shared space:
//
//   - POST /openai/v1/embeddings - Text embeddings through a binding's language encoder
//   - GET  /openai/v1/models     - List configured bindings
//
// Usage with OpenAI SDK:
//
//	client := openai.NewClient(
//	    option.WithBaseURL("http://localhost:11435/openai/v1"),
//	    option.WithAPIKey("unused"), // no auth
//	)

// OpenAI API response types
type openAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type openAIModelList struct {
	Object string        `json:"object"`
	Data   []openAIModel `json:"data"`
}

// openAIEmbeddingRequest accepts input as a string or a list of strings.
type openAIEmbeddingRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type openAIEmbedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type openAIEmbeddingList struct {
	Object string            `json:"object"`
	Data   []openAIEmbedding `json:"data"`
	Model  string            `json:"model"`
}

// RegisterOpenAIRoutes adds OpenAI-compatible endpoints to the given mux.
func (n *Node) RegisterOpenAIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /openai/v1/embeddings", n.handleOpenAIEmbeddings)
	mux.HandleFunc("GET /openai/v1/models", n.handleOpenAIModels)
}

func openAIInputs(input any) ([]string, error) {
	switch v := input.(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("input %d is not a string", i)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("input must be a string or an array of strings")
}

// handleOpenAIEmbeddings embeds text with the binding named by model.
func (n *Node) handleOpenAIEmbeddings(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	start := time.Now()

	var req openAIEmbeddingRequest
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}
	texts, err := openAIInputs(req.Input)
	if err != nil || len(texts) == 0 || req.Model == "" {
		writeError(w, http.StatusBadRequest, "model and input are required")
		return
	}

	b, err := n.bindings.Acquire(r.Context(), req.Model)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	defer n.bindings.Release(req.Model)
	RecordEmbeddingRequest(req.Model)

	contents := make([][]ai.ContentPart, len(texts))
	for i, t := range texts {
		contents[i] = []ai.ContentPart{ai.TextContent{Text: t}}
	}
	vecs, err := n.embedder(b).Embed(r.Context(), contents)
	if err != nil {
		n.fail(w, "openai_embeddings", req.Model, start, err)
		return
	}
	RecordEmbeddingCreation(req.Model, "language", len(vecs))
	RecordRequestDuration("openai_embeddings", req.Model, "200", time.Since(start).Seconds())

	resp := openAIEmbeddingList{Object: "list", Model: req.Model, Data: make([]openAIEmbedding, len(vecs))}
	for i, v := range vecs {
		resp.Data[i] = openAIEmbedding{Object: "embedding", Index: i, Embedding: v}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		n.logger.Error("encoding openai embeddings response", zap.Error(err))
	}
}

// handleOpenAIModels returns bindings in OpenAI-compatible format.
func (n *Node) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	resp := openAIModelList{
		Object: "list",
		Data:   []openAIModel{},
	}

	now := time.Now().Unix()
	for _, cfg := range n.bindings.List() {
		resp.Data = append(resp.Data, openAIModel{
			ID:      cfg.Name,
			Object:  "model",
			Created: now,
			OwnedBy: "languagebind",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		n.logger.Error("encoding openai models response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
