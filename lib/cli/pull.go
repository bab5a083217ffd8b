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

// Package cli provides shared CLI functions for checkpoint management.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/antflydb/languagebind/lib/modelregistry"
)

// PullOptions contains options for pulling checkpoints
type PullOptions struct {
	CacheDir    string
	Owner       string
	RegistryURL string // empty pulls from HuggingFace only
	HFToken     string
	Offline     bool
	Force       bool // re-download even when cached
}

// ListOptions contains options for listing checkpoints
type ListOptions struct {
	RegistryURL string
	CacheDir    string
	Modality    string // empty lists every modality
	BinaryName  string // Used for help messages
	Out         io.Writer
}

func (o ListOptions) out() io.Writer {
	if o.Out == nil {
		return os.Stdout
	}
	return o.Out
}

// NewHub builds the hub the pull and run commands share.
func NewHub(opts PullOptions, progress modelregistry.ProgressHandler) *modelregistry.Hub {
	hubOpts := []modelregistry.HubOption{
		modelregistry.WithCacheDir(opts.CacheDir),
		modelregistry.WithHFToken(opts.HFToken),
		modelregistry.WithOffline(opts.Offline),
		modelregistry.WithHubProgressHandler(progress),
	}
	if opts.Owner != "" {
		hubOpts = append(hubOpts, modelregistry.WithOwner(opts.Owner))
	}
	if opts.RegistryURL != "" {
		hubOpts = append(hubOpts, modelregistry.WithRegistry(modelregistry.NewClient(
			modelregistry.WithBaseURL(opts.RegistryURL),
			modelregistry.WithProgressHandler(progress),
		)))
	}
	return modelregistry.NewHub(hubOpts...)
}

// PullCheckpoint downloads one checkpoint, such as "LanguageBind_Video_FT"
// or "hf:someone/LanguageBind_Depth", into the cache.
func PullCheckpoint(ctx context.Context, checkpoint string, opts PullOptions) error {
	hub := NewHub(opts, PrintProgress)
	ref, err := hub.Parse(checkpoint)
	if err != nil {
		return err
	}
	dir := hub.Dir(ref)
	if modelregistry.IsCached(dir) && !opts.Force {
		fmt.Printf("%s is already cached in %s\n", ref, dir)
		return nil
	}

	fmt.Printf("Pulling %s...\n", ref)
	if err := hub.Pull(ctx, ref); err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	fmt.Printf("\n✓ Checkpoint pulled successfully to %s\n", dir)
	return nil
}

// ListRemoteCheckpoints lists checkpoints available in the registry
func ListRemoteCheckpoints(ctx context.Context, opts ListOptions) error {
	client := modelregistry.NewClient(modelregistry.WithBaseURL(opts.RegistryURL))

	fmt.Fprintf(opts.out(), "Fetching checkpoint list from %s...\n\n", opts.RegistryURL)
	index, err := client.FetchIndex(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch registry index: %w", err)
	}
	if len(index.Models) == 0 {
		fmt.Fprintln(opts.out(), "No checkpoints available in registry")
		return nil
	}

	w := tabwriter.NewWriter(opts.out(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHECKPOINT\tMODALITY\tSIZE\tBACKENDS\tDESCRIPTION")
	for _, m := range index.Models {
		if opts.Modality != "" && m.Modality != opts.Modality {
			continue
		}
		desc := m.Description
		if len(desc) > 50 {
			desc = desc[:47] + "..."
		}
		ref := modelregistry.CheckpointRef{Owner: m.Owner, Name: m.Name}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			ref, m.Modality, FormatBytes(m.Size), strings.Join(m.Backends, ","), desc)
	}
	return w.Flush()
}

// ListLocalCheckpoints lists checkpoints in the cache
func ListLocalCheckpoints(opts ListOptions) error {
	cached, err := modelregistry.ListCached(opts.CacheDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.out(), "Cached checkpoints in %s:\n\n", opts.CacheDir)

	w := tabwriter.NewWriter(opts.out(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHECKPOINT\tMODALITY\tSIZE\tSOURCE")
	shown := 0
	for _, c := range cached {
		modality, source := "", ""
		if c.Manifest != nil {
			modality = c.Manifest.Modality
			if c.Manifest.Provenance != nil {
				source = c.Manifest.Provenance.DownloadedFrom
			}
		}
		if opts.Modality != "" && modality != opts.Modality {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Ref, modality, FormatBytes(c.Size), source)
		shown++
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if shown == 0 {
		binaryName := opts.BinaryName
		if binaryName == "" {
			binaryName = "languagebind"
		}
		fmt.Fprintln(opts.out(), "No checkpoints found locally.")
		fmt.Fprintf(opts.out(), "\nUse '%s pull <checkpoint>' to download checkpoints.\n", binaryName)
	}
	return nil
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// PrintProgress prints download progress to stdout
func PrintProgress(downloaded, total int64, filename string) {
	if total <= 0 {
		fmt.Printf("\r  %s: %s", filename, FormatBytes(downloaded))
		return
	}

	percent := float64(downloaded) / float64(total) * 100
	barWidth := 30
	filled := min(barWidth, int(float64(barWidth)*float64(downloaded)/float64(total)))

	bar := strings.Repeat("=", filled) + strings.Repeat("-", barWidth-filled)
	fmt.Printf("\r  %s: [%s] %.1f%% (%s/%s)",
		filename, bar, percent, FormatBytes(downloaded), FormatBytes(total))

	if downloaded >= total {
		fmt.Println()
	}
}
