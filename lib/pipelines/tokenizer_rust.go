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

//go:build onnx && ORT

package pipelines

import (
	"fmt"
	"os"

	"github.com/daulet/tokenizers"
	goTokenizers "github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
)

// rustTokenizer wraps the Rust HuggingFace tokenizers library.
type rustTokenizer struct {
	tk     *tokenizers.Tokenizer
	config *api.Config
}

var _ goTokenizers.Tokenizer = (*rustTokenizer)(nil)

// loadRustTokenizer loads tokenizer.json at path with the Rust library.
func loadRustTokenizer(path string, config *api.Config) (goTokenizers.Tokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading Rust tokenizer: %w", err)
	}
	return &rustTokenizer{tk: tk, config: config}, nil
}

// Encode includes the special tokens the tokenizer's post-processor adds.
func (t *rustTokenizer) Encode(text string) []int {
	output := t.tk.EncodeWithOptions(text, true)
	result := make([]int, len(output.IDs))
	for i, id := range output.IDs {
		result[i] = int(id)
	}
	return result
}

func (t *rustTokenizer) Decode(ids []int) string {
	uids := make([]uint32, len(ids))
	for i, id := range ids {
		uids[i] = uint32(id)
	}
	return t.tk.Decode(uids, true)
}

// SpecialTokenID looks the configured special token up in the vocabulary.
// CLIP configs name <|startoftext|> and <|endoftext|>.
func (t *rustTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	if t.config == nil {
		return 0, fmt.Errorf("no tokenizer config available")
	}
	var tokenStr string
	switch token {
	case api.TokUnknown:
		tokenStr = t.config.UnkToken
	case api.TokPad:
		tokenStr = t.config.PadToken
	case api.TokBeginningOfSentence:
		tokenStr = t.config.BosToken
	case api.TokEndOfSentence:
		tokenStr = t.config.EosToken
	default:
		return 0, fmt.Errorf("unknown special token: %s (%d)", token, int(token))
	}
	if tokenStr == "" {
		return 0, fmt.Errorf("special token %s not defined in config", token)
	}
	output := t.tk.EncodeWithOptions(tokenStr, false)
	if len(output.IDs) != 1 {
		return 0, fmt.Errorf("special token %s not found in vocabulary", tokenStr)
	}
	return int(output.IDs[0]), nil
}

func (t *rustTokenizer) Close() error {
	if t.tk != nil {
		return t.tk.Close()
	}
	return nil
}

// rustTokenizerAvailable reports whether the Rust tokenizer should be used.
// TOKENIZER_BACKEND=go forces the pure Go tokenizers.
func rustTokenizerAvailable() bool {
	return os.Getenv("TOKENIZER_BACKEND") != "go"
}
