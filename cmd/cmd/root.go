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
	"os"
	"strings"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/languagebind"
	"github.com/antflydb/languagebind/lib/modelregistry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is set by main from the release ldflags.
var Version = "dev"

var (
	cfgFile     string
	cacheDir    string
	registryURL string
)

var rootCmd = &cobra.Command{
	Use:   "languagebind",
	Short: "LanguageBind multimodal embeddings",
	Long: `languagebind embeds video, audio, thermal, depth and image inputs into a
shared language space using LanguageBind checkpoints.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		languagebind.Version = Version
		return initConfig()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./languagebind.yaml or ~/.languagebind/languagebind.yaml)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-style", "terminal", "log style (terminal, json, logfmt, noop)")
	pf.StringVar(&cacheDir, "cache-dir", modelregistry.DefaultCacheDir, "checkpoint cache directory")
	pf.StringVar(&registryURL, "registry-url", "", "ONNX export registry tried before HuggingFace")
	pf.String("owner", "", "hub namespace for bare checkpoint names (default LanguageBind)")
	pf.Bool("offline", false, "never download checkpoints")
	pf.String("hf-token", "", "HuggingFace API token for gated checkpoints (or HF_TOKEN)")
	pf.String("gpu", "auto", "GPU mode (auto, cuda, coreml, off)")

	mustBindPFlag("log.level", pf.Lookup("log-level"))
	mustBindPFlag("log.style", pf.Lookup("log-style"))
	mustBindPFlag("cache_dir", pf.Lookup("cache-dir"))
	mustBindPFlag("registry_url", pf.Lookup("registry-url"))
	mustBindPFlag("owner", pf.Lookup("owner"))
	mustBindPFlag("offline", pf.Lookup("offline"))
	mustBindPFlag("hf_token", pf.Lookup("hf-token"))
	mustBindPFlag("gpu", pf.Lookup("gpu"))
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

// flagKey maps a flag name to its viper key, e.g. keep-alive -> keep_alive.
func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// initConfig reads the config file and LANGUAGEBIND_* environment.
func initConfig() error {
	viper.SetEnvPrefix("LANGUAGEBIND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("languagebind")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.languagebind")
		}
	}
	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - flags and env suffice
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	cacheDir = viper.GetString("cache_dir")
	registryURL = viper.GetString("registry_url")
	return nil
}

func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}

func hfToken() string {
	if t := viper.GetString("hf_token"); t != "" {
		return t
	}
	return os.Getenv("HF_TOKEN")
}
