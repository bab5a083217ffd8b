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
	"fmt"
	"net/http"
	"os"

	"github.com/antflydb/languagebind"
	"github.com/antflydb/languagebind/lib/backends"
	"github.com/antflydb/languagebind/lib/cli"
	"github.com/antflydb/languagebind/lib/pipelines"
	"github.com/antflydb/languagebind/lib/tower"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var towerCmd = &cobra.Command{
	Use:   "tower <checkpoint> [video...]",
	Short: "Inspect a video tower and run videos through it",
	Long: `Open a LanguageBind video checkpoint as a feature tower and print its
shape information. Videos given as arguments (animated GIFs or still
images) are run one at a time and their feature shapes printed.

With --delay-load only the config is read, unless videos are given.

Examples:
  languagebind tower LanguageBind_Video_merge --delay-load
  languagebind tower LanguageBind_Video_merge --select-layer -1 clip.gif`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTower,
}

func init() {
	rootCmd.AddCommand(towerCmd)

	f := towerCmd.Flags()
	f.Int("select-layer", languagebind.DefaultSelectLayer, "hidden state layer to return (negative counts from the end)")
	f.String("select-feature", tower.DefaultSelectFeature, "feature selection (patch, cls_patch)")
	f.Bool("delay-load", false, "read the config without opening the encoder")
}

type towerOutput struct {
	Checkpoint    string       `json:"checkpoint"`
	Loaded        bool         `json:"loaded"`
	SelectLayer   int          `json:"select_layer"`
	SelectFeature string       `json:"select_feature"`
	HiddenSize    int          `json:"hidden_size"`
	NumPatches    int          `json:"num_patches"`
	DType         string       `json:"dtype"`
	Device        string       `json:"device"`
	DummyShape    []int64      `json:"dummy_feature_shape"`
	Features      []towerShape `json:"features,omitempty"`
}

type towerShape struct {
	Input string  `json:"input"`
	Shape []int64 `json:"shape"`
}

func runTower(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	selectLayer, _ := cmd.Flags().GetInt("select-layer")
	selectFeature, _ := cmd.Flags().GetString("select-feature")
	delayLoad, _ := cmd.Flags().GetBool("delay-load")
	checkpoint, videos := args[0], args[1:]

	t, err := tower.New(ctx, checkpoint,
		tower.Args{SelectLayer: selectLayer, SelectFeature: selectFeature},
		tower.WithDelayLoad(delayLoad && len(videos) == 0),
		tower.WithHub(cli.NewHub(cli.PullOptions{
			CacheDir:    cacheDir,
			Owner:       viper.GetString("owner"),
			RegistryURL: registryURL,
			HFToken:     hfToken(),
			Offline:     viper.GetBool("offline"),
		}, cli.PrintProgress)),
		tower.WithSessionOptions(backends.WithSessionGPUMode(backends.ParseGPUMode(viper.GetString("gpu")))),
		tower.WithLogger(logger.Named("tower")))
	if err != nil {
		return fmt.Errorf("opening tower: %w", err)
	}
	defer func() { _ = t.Close() }()

	out := towerOutput{
		Checkpoint:    t.Name(),
		Loaded:        t.IsLoaded(),
		SelectLayer:   t.Args().SelectLayer,
		SelectFeature: t.Args().SelectFeature,
		HiddenSize:    t.HiddenSize(),
		NumPatches:    t.NumPatches(),
		DType:         string(t.DType()),
		Device:        t.Device(),
		DummyShape:    t.DummyFeature().Shape,
	}
	for _, path := range videos {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		video, err := pipelines.DecodeVideo(data, http.DetectContentType(data))
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		f, err := t.Features(ctx, []*pipelines.Video{video})
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		out.Features = append(out.Features, towerShape{Input: path, Shape: f.Shape})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
