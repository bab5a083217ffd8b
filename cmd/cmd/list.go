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

	"github.com/antflydb/languagebind/lib/cli"
	"github.com/antflydb/languagebind/lib/modality"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List LanguageBind checkpoints",
	Long: `List checkpoints in the cache directory, or with --remote those the
registry serves.

Examples:
  # List cached checkpoints
  languagebind list

  # List registry checkpoints for one modality
  languagebind list --remote --registry-url https://registry.example.com/v1 --modality video`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().Bool("remote", false, "List checkpoints from the registry")
	listCmd.Flags().String("modality", "", "Filter by modality (video, audio, thermal, image, depth)")
}

func runList(cmd *cobra.Command, args []string) error {
	remote, _ := cmd.Flags().GetBool("remote")
	filter, _ := cmd.Flags().GetString("modality")
	if filter != "" {
		m, err := modality.Parse(filter)
		if err != nil {
			return err
		}
		filter = m.String()
	}

	opts := cli.ListOptions{
		RegistryURL: registryURL,
		CacheDir:    cacheDir,
		Modality:    filter,
		BinaryName:  "languagebind",
	}
	if remote {
		if registryURL == "" {
			return errors.New("--remote needs --registry-url")
		}
		return cli.ListRemoteCheckpoints(cmd.Context(), opts)
	}
	return cli.ListLocalCheckpoints(opts)
}
