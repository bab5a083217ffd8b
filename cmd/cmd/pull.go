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
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/antflydb/languagebind/lib/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var pullCmd = &cobra.Command{
	Use:   "pull <checkpoint> [checkpoint...]",
	Short: "Pull LanguageBind checkpoint(s) into the cache",
	Long: `Download one or more LanguageBind checkpoints into the cache directory.

Checkpoints are stored as <cache-dir>/<owner>/<name>/. Bare names resolve
under the LanguageBind namespace; use owner/name or hf:owner/name for
exports published elsewhere. With --registry-url the registry is tried
before HuggingFace.

Examples:
  # Pull the video and audio encoders
  languagebind pull LanguageBind_Video_FT LanguageBind_Audio_FT

  # Pull an ONNX export from a mirror
  languagebind pull hf:someone/LanguageBind_Image

  # Pull to a custom directory
  languagebind pull --cache-dir /opt/antfly/cache_dir LanguageBind_Depth`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().Bool("force", false, "Re-download checkpoints that are already cached")
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	force, _ := cmd.Flags().GetBool("force")
	opts := cli.PullOptions{
		CacheDir:    cacheDir,
		Owner:       viper.GetString("owner"),
		RegistryURL: registryURL,
		HFToken:     hfToken(),
		Force:       force,
	}
	for _, checkpoint := range args {
		fmt.Printf("\n=== Pulling %s ===\n", checkpoint)
		if err := cli.PullCheckpoint(ctx, checkpoint, opts); err != nil {
			return fmt.Errorf("failed to pull %s: %w", checkpoint, err)
		}
	}
	return nil
}
