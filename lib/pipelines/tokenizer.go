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

package pipelines

import (
	"context"
	"fmt"
	"os"

	esentencepiece "github.com/eliben/go-sentencepiece"
	json "github.com/goccy/go-json"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"

	"github.com/antflydb/languagebind/lib/tokenizer"
)

// LoadTokenizer loads a tokenizer from a local checkpoint directory, trying
// tokenizer.json, then a SentencePiece tokenizer.model, then a CLIP
// vocab.json and merges.txt pair. Files may sit in dir or dir/tokenizer.
// When built with ONNX/ORT tags, tokenizer.json goes through the Rust
// tokenizer first.
func LoadTokenizer(dir string) (tokenizers.Tokenizer, error) {
	var config *api.Config
	if configPath := FindFile(dir, "tokenizer_config.json"); configPath != "" {
		normalized, err := normalizeTokenizerConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("normalizing tokenizer config: %w", err)
		}
		config, err = api.ParseConfigContent(normalized)
		if err != nil {
			return nil, fmt.Errorf("parsing tokenizer config: %w", err)
		}
		config.ConfigFile = configPath
	}

	if path := FindFile(dir, "tokenizer.json"); path != "" {
		if rustTokenizerAvailable() {
			if tok, err := loadRustTokenizer(path, config); err == nil && tok != nil {
				return tok, nil
			}
		}
		tok, err := hftokenizer.NewFromFile(config, path)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer.json: %w", err)
		}
		return tok, nil
	}

	if path := FindFile(dir, "tokenizer.model"); path != "" {
		proc, err := esentencepiece.NewProcessorFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer.model: %w", err)
		}
		return &sentencepieceTokenizer{Processor: proc, Info: proc.ModelInfo()}, nil
	}

	vocab, merges := FindFile(dir, "vocab.json"), FindFile(dir, "merges.txt")
	if vocab != "" && merges != "" {
		tok, err := tokenizer.NewCLIP(vocab, merges)
		if err != nil {
			return nil, fmt.Errorf("loading CLIP BPE: %w", err)
		}
		return tok, nil
	}

	return nil, fmt.Errorf("no tokenizer found in %s (expected tokenizer.json, tokenizer.model or vocab.json+merges.txt)", dir)
}

// sentencepieceTokenizer wraps esentencepiece.Processor to implement tokenizers.Tokenizer.
type sentencepieceTokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo
}

var _ tokenizers.Tokenizer = (*sentencepieceTokenizer)(nil)

func (t *sentencepieceTokenizer) Encode(text string) []int {
	tokens := t.Processor.Encode(text)
	result := make([]int, len(tokens))
	for i, tok := range tokens {
		result[i] = tok.ID
	}
	return result
}

func (t *sentencepieceTokenizer) Decode(ids []int) string {
	return t.Processor.Decode(ids)
}

func (t *sentencepieceTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		return t.Info.UnknownID, nil
	case api.TokPad:
		return t.Info.PadID, nil
	case api.TokBeginningOfSentence:
		return t.Info.BeginningOfSentenceID, nil
	case api.TokEndOfSentence:
		return t.Info.EndOfSentenceID, nil
	default:
		return 0, fmt.Errorf("unknown special token: %s (%d)", token, int(token))
	}
}

// normalizeTokenizerConfig reads a tokenizer_config.json file and flattens
// HuggingFace AddedToken objects ({"__type": "AddedToken", "content": ...})
// to plain strings.
func normalizeTokenizerConfig(configPath string) ([]byte, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("parsing config JSON: %w", err)
	}
	for _, field := range []string{
		"bos_token", "eos_token", "pad_token", "unk_token",
		"cls_token", "sep_token", "mask_token",
	} {
		if val, ok := raw[field]; ok {
			raw[field] = extractTokenContent(val)
		}
	}
	return json.Marshal(raw)
}

func extractTokenContent(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if content, ok := val["content"].(string); ok {
			return content
		}
	}
	return ""
}

// LanguageConfig controls text batching for the language encoder.
type LanguageConfig struct {
	MaxLength int
	// BOS, EOS and Pad are used when the tokenizer does not define them.
	BOS, EOS, Pad int
}

// DefaultLanguageConfig returns CLIP's 77-token context with its special ids.
func DefaultLanguageConfig() *LanguageConfig {
	return &LanguageConfig{MaxLength: 77, BOS: 49406, EOS: 49407, Pad: 49407}
}

// LanguageProcessor tokenizes text into input_ids and attention_mask
// [B,MaxLength]. Sequences always start with BOS and end with EOS; longer
// ones are truncated before the EOS.
type LanguageProcessor struct {
	Tokenizer tokenizers.Tokenizer
	Config    *LanguageConfig

	bos, eos, pad int
}

// NewLanguageProcessor creates a LanguageProcessor, resolving special ids
// from the tokenizer where it knows them.
func NewLanguageProcessor(tok tokenizers.Tokenizer, config *LanguageConfig) *LanguageProcessor {
	if config == nil {
		config = DefaultLanguageConfig()
	}
	if config.MaxLength < 2 {
		config.MaxLength = 77
	}
	p := &LanguageProcessor{Tokenizer: tok, Config: config, bos: config.BOS, eos: config.EOS, pad: config.Pad}
	if id, err := tok.SpecialTokenID(api.TokBeginningOfSentence); err == nil {
		p.bos = id
	}
	if id, err := tok.SpecialTokenID(api.TokEndOfSentence); err == nil {
		p.eos = id
	}
	if id, err := tok.SpecialTokenID(api.TokPad); err == nil {
		p.pad = id
	} else if p.pad == 0 {
		p.pad = p.eos
	}
	return p
}

func (p *LanguageProcessor) Process(ctx context.Context, items []Item) (Batch, error) {
	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.Text
	}
	return p.Tokenize(ctx, texts)
}

// Tokenize encodes texts into a padded batch.
func (p *LanguageProcessor) Tokenize(ctx context.Context, texts []string) (Batch, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts")
	}
	n := p.Config.MaxLength
	ids := make([]int64, len(texts)*n)
	mask := make([]int64, len(texts)*n)
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seq := p.Encode(text)
		row := ids[i*n : (i+1)*n]
		for j := range row {
			if j < len(seq) {
				row[j] = int64(seq[j])
				mask[i*n+j] = 1
			} else {
				row[j] = int64(p.pad)
			}
		}
	}
	shape := []int64{int64(len(texts)), int64(n)}
	return Batch{
		{Name: InputIDs, Shape: shape, Data: ids},
		{Name: InputAttentionMask, Shape: append([]int64(nil), shape...), Data: mask},
	}, nil
}

// Encode returns the token ids of text framed by BOS and EOS and cut to
// MaxLength.
func (p *LanguageProcessor) Encode(text string) []int {
	raw := p.Tokenizer.Encode(text)
	if len(raw) > 0 && raw[0] == p.bos {
		raw = raw[1:]
	}
	if len(raw) > 0 && raw[len(raw)-1] == p.eos {
		raw = raw[:len(raw)-1]
	}
	limit := p.Config.MaxLength - 2
	if len(raw) > limit {
		raw = raw[:limit]
	}
	seq := make([]int, 0, len(raw)+2)
	seq = append(seq, p.bos)
	seq = append(seq, raw...)
	return append(seq, p.eos)
}
