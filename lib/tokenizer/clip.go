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

// Package tokenizer implements the CLIP byte-level BPE tokenizer used by
// LanguageBind's language encoder, for checkpoints that ship vocab.json and
// merges.txt instead of a tokenizer.json.
package tokenizer

import (
	"fmt"
	"html"
	"os"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/sugarme/tokenizer/model/bpe"
)

// CLIP special tokens.
const (
	StartOfText  = "<|startoftext|>"
	EndOfText    = "<|endoftext|>"
	EndOfWord    = "</w>"
	maxCacheSize = 1 << 16
)

var (
	clipPattern = regexp.MustCompile(`<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// CLIP is a byte-level BPE tokenizer with CLIP's text cleaning and word
// splitting.
type CLIP struct {
	model       *bpe.BPE
	vocab       map[string]int
	inverse     map[int]string
	byteEncoder [256]rune
	byteDecoder map[rune]byte

	bos, eos int

	mu    sync.Mutex
	cache map[string][]int
}

var _ tokenizers.Tokenizer = (*CLIP)(nil)

// NewCLIP builds the tokenizer from a vocab.json and merges.txt pair.
func NewCLIP(vocabPath, mergesPath string) (*CLIP, error) {
	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("reading vocab: %w", err)
	}
	var vocab map[string]int
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("parsing vocab: %w", err)
	}

	builder := bpe.NewBpeBuilder()
	builder.Files(vocabPath, mergesPath)
	builder.EndOfWordSuffix(EndOfWord)
	model, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("building bpe model: %w", err)
	}

	t := &CLIP{
		model:   model,
		vocab:   vocab,
		inverse: make(map[int]string, len(vocab)),
		cache:   make(map[string][]int),
	}
	for tok, id := range vocab {
		t.inverse[id] = tok
	}
	t.byteEncoder, t.byteDecoder = bytesToUnicode()

	var ok bool
	if t.bos, ok = vocab[StartOfText]; !ok {
		return nil, fmt.Errorf("vocab has no %s", StartOfText)
	}
	if t.eos, ok = vocab[EndOfText]; !ok {
		return nil, fmt.Errorf("vocab has no %s", EndOfText)
	}
	return t, nil
}

// Encode cleans and tokenizes text, wrapping it in start and end tokens.
func (t *CLIP) Encode(text string) []int {
	ids := []int{t.bos}
	for _, word := range clipPattern.FindAllString(Clean(text), -1) {
		ids = append(ids, t.encodeWord(word)...)
	}
	return append(ids, t.eos)
}

func (t *CLIP) encodeWord(word string) []int {
	if id, ok := t.vocab[word]; ok && (word == StartOfText || word == EndOfText) {
		return []int{id}
	}

	t.mu.Lock()
	cached, ok := t.cache[word]
	t.mu.Unlock()
	if ok {
		return cached
	}

	var sb strings.Builder
	for _, b := range []byte(word) {
		sb.WriteRune(t.byteEncoder[b])
	}
	tokens, err := t.model.Tokenize(sb.String())
	if err != nil {
		return nil
	}
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = tok.Id
	}

	t.mu.Lock()
	if len(t.cache) >= maxCacheSize {
		clear(t.cache)
	}
	t.cache[word] = ids
	t.mu.Unlock()
	return ids
}

// Decode maps ids back to text. Special tokens are dropped.
func (t *CLIP) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == t.bos || id == t.eos {
			continue
		}
		sb.WriteString(t.inverse[id])
	}
	var raw []byte
	for _, r := range sb.String() {
		if b, ok := t.byteDecoder[r]; ok {
			raw = append(raw, b)
		} else {
			raw = utf8.AppendRune(raw, r)
		}
	}
	text := strings.ReplaceAll(strings.ToValidUTF8(string(raw), "�"), EndOfWord, " ")
	return strings.TrimSpace(text)
}

// SpecialTokenID resolves CLIP's special tokens. Padding and unknown both
// map to the end-of-text token.
func (t *CLIP) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokBeginningOfSentence, api.TokClassification:
		return t.bos, nil
	case api.TokEndOfSentence, api.TokPad, api.TokUnknown:
		return t.eos, nil
	default:
		return 0, fmt.Errorf("unknown special token: %s (%d)", token, int(token))
	}
}

// VocabSize returns the number of entries in the vocabulary.
func (t *CLIP) VocabSize() int { return len(t.vocab) }

// Clean applies CLIP's text normalization: HTML unescaping, whitespace
// collapsing and lowercasing.
func Clean(text string) string {
	text = html.UnescapeString(html.UnescapeString(text))
	text = whitespace.ReplaceAllString(strings.TrimSpace(text), " ")
	return strings.ToLower(text)
}

// bytesToUnicode is the GPT-2 reversible byte to printable rune table.
func bytesToUnicode() ([256]rune, map[rune]byte) {
	var enc [256]rune
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := 0; b < 256; b++ {
		if printable(b) {
			enc[b] = rune(b)
		} else {
			enc[b] = rune(256 + n)
			n++
		}
	}
	dec := make(map[rune]byte, 256)
	for b, r := range enc {
		dec[r] = byte(b)
	}
	return enc, dec
}
