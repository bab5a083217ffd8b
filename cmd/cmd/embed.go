// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/languagebind/lib/backends"
	"github.com/antflydb/languagebind/lib/cli"
	"github.com/antflydb/languagebind/lib/embeddings"
	"github.com/antflydb/languagebind/lib/modality"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var embedCmd = &cobra.Command{
	Use:   "embed [file...]",
	Short: "Embed files and text with a set of checkpoints",
	Long: `Load LanguageBind checkpoints once, embed the given files and --text
values, and print the embeddings as JSON.

The language encoder comes from the last --clip-type. Files are routed by
their content type; --modality pins every file to one modality, which is
needed for depth and thermal images.

Examples:
  languagebind embed --clip-type video=LanguageBind_Video_FT clip.gif --text "a dog barking"
  languagebind embed --clip-type depth=LanguageBind_Depth --modality depth depth.png`,
	RunE: runEmbed,
}

func init() {
	rootCmd.AddCommand(embedCmd)

	f := embedCmd.Flags()
	f.StringArray("clip-type", nil, "modality=checkpoint to load, in order (repeatable)")
	f.StringArray("text", nil, "text to embed with the language encoder (repeatable)")
	f.String("modality", "", "modality of every file (default: detected from content)")
	f.Bool("no-temp", false, "do not scale non-language embeddings by exp(logit_scale)")
	_ = embedCmd.MarkFlagRequired("clip-type")
}

type embedOutput struct {
	ClipTypes  []modality.ClipType `json:"clip_type"`
	Language   string              `json:"language_checkpoint"`
	UseTemp    bool                `json:"use_temp"`
	Embeddings []embeddedItem      `json:"embeddings"`
}

type embeddedItem struct {
	Input     string    `json:"input"`
	Modality  string    `json:"modality"`
	Embedding []float32 `json:"embedding"`
}

func runEmbed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	pairs, _ := cmd.Flags().GetStringArray("clip-type")
	texts, _ := cmd.Flags().GetStringArray("text")
	forced, _ := cmd.Flags().GetString("modality")
	noTemp, _ := cmd.Flags().GetBool("no-temp")

	clipTypes, err := modality.ParseClipTypes(pairs)
	if err != nil {
		return err
	}
	if len(args) == 0 && len(texts) == 0 {
		return errors.New("nothing to embed: pass files or --text")
	}

	var pinned modality.Modality
	if forced != "" {
		if pinned, err = modality.Parse(forced); err != nil {
			return err
		}
	}

	var inputs []string
	var contents [][]ai.ContentPart
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		mimeType := http.DetectContentType(data)
		if pinned != "" {
			base, params, _ := mime.ParseMediaType(mimeType)
			if params == nil {
				params = map[string]string{}
			}
			params[embeddings.ModalityParam] = pinned.String()
			mimeType = mime.FormatMediaType(base, params)
		}
		inputs = append(inputs, filepath.Base(path))
		contents = append(contents, []ai.ContentPart{ai.BinaryContent{MIMEType: mimeType, Data: data}})
	}
	for _, t := range texts {
		inputs = append(inputs, t)
		contents = append(contents, []ai.ContentPart{ai.TextContent{Text: t}})
	}

	lb, err := embeddings.New(ctx, clipTypes,
		embeddings.WithUseTemp(!noTemp),
		embeddings.WithHub(cli.NewHub(cli.PullOptions{
			CacheDir:    cacheDir,
			Owner:       viper.GetString("owner"),
			RegistryURL: registryURL,
			HFToken:     hfToken(),
			Offline:     viper.GetBool("offline"),
		}, cli.PrintProgress)),
		embeddings.WithSessionOptions(backends.WithSessionGPUMode(backends.ParseGPUMode(viper.GetString("gpu")))),
		embeddings.WithLogger(logger.Named("languagebind")))
	if err != nil {
		return fmt.Errorf("loading checkpoints: %w", err)
	}
	defer func() { _ = lb.Close() }()

	embedder := embeddings.NewEmbedder(lb, embeddings.EmbedderConfig{Logger: logger.Named("embedder")})
	vecs, err := embedder.Embed(ctx, contents)
	if err != nil {
		return err
	}

	out := embedOutput{
		ClipTypes: lb.ClipTypes(),
		Language:  lb.LanguageCheckpoint(),
		UseTemp:   lb.UseTemp(),
	}
	for i, v := range vecs {
		m, _, err := embedder.Route(contents[i])
		if err != nil {
			return err
		}
		out.Embeddings = append(out.Embeddings, embeddedItem{Input: inputs[i], Modality: m.String(), Embedding: v})
	}
	logger.Debug("Embedded inputs", zap.Int("count", len(vecs)), zap.Int("dim", lb.EmbeddingDim()))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
