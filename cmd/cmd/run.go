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
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/languagebind"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var healthPort int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the languagebind server",
	Long: `Start the languagebind server: multimodal embeddings, similarity and video
tower features over HTTP.

Bindings come from --bindings-file, --binding flags or both; file entries
win by name.

Examples:
  languagebind run --bindings-file bindings.yaml --watch-bindings
  languagebind run --binding "av:image=LanguageBind_Image,audio=LanguageBind_Audio"`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.IntVar(&healthPort, "health-port", 4200, "health/metrics server port")
	f.String("api-url", "http://localhost:11435", "API listen URL")
	f.String("bindings-file", "", "YAML file of bindings and towers")
	f.Bool("watch-bindings", false, "reload the bindings file when it changes")
	f.StringArray("binding", nil, "binding as name:modality=checkpoint,... (repeatable)")
	f.StringSlice("backend-priority", nil, "inference backends in order, e.g. onnx:cuda,go")
	f.String("keep-alive", "", "unload idle bindings after this duration (0 keeps them)")
	f.Int("max-loaded-bindings", 0, "bindings kept in memory (0 = unlimited)")
	f.StringSlice("preload", nil, "bindings loaded at startup")
	f.Int("pool-size", 0, "concurrent forwards per binding (0 = CPU count)")
	f.Int("batch-size", 0, "per-modality inference batch size")
	f.String("embedding-cache-ttl", "", "embedding cache TTL (default 2m)")
	f.String("redis-url", "", "shared embedding cache, e.g. redis://localhost:6379/0")
	f.Float64("rate-limit", 0, "API requests per second (0 = unlimited)")
	f.Int("rate-burst", 0, "API request burst above the rate limit")
	f.String("request-timeout", "", "per-request timeout (0 = none)")
	f.Bool("validate-requests", false, "validate API requests against the OpenAPI document")

	mustBindPFlag("health_port", f.Lookup("health-port"))
	for _, name := range []string{
		"api-url", "bindings-file", "watch-bindings", "binding", "backend-priority",
		"keep-alive", "max-loaded-bindings", "preload", "pool-size", "batch-size",
		"embedding-cache-ttl", "redis-url", "rate-limit", "rate-burst",
		"request-timeout", "validate-requests",
	} {
		mustBindPFlag(flagKey(name), f.Lookup(name))
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Create logger from config
	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	cfg, err := serverConfig()
	if err != nil {
		return err
	}

	// Track readiness state
	ready := &atomic.Bool{}
	ready.Store(false)
	readyC := make(chan struct{})

	// Start health server with readiness checker
	healthserver.Start(logger, viper.GetInt("health_port"), ready.Load)

	// Wait for ready signal in background
	go func() {
		<-readyC
		ready.Store(true)
		logger.Info("languagebind is ready")
	}()

	languagebind.RunAsServer(ctx, logger, cfg, readyC)
	return nil
}

// serverConfig builds the node config from viper (flags, env, file).
func serverConfig() (languagebind.Config, error) {
	cfg := languagebind.Config{
		ApiUrl:            viper.GetString("api_url"),
		CacheDir:          cacheDir,
		Owner:             viper.GetString("owner"),
		Offline:           viper.GetBool("offline"),
		HfToken:           hfToken(),
		RegistryUrl:       registryURL,
		BindingsFile:      viper.GetString("bindings_file"),
		WatchBindings:     viper.GetBool("watch_bindings"),
		BackendPriority:   viper.GetStringSlice("backend_priority"),
		Gpu:               viper.GetString("gpu"),
		KeepAlive:         viper.GetString("keep_alive"),
		MaxLoadedBindings: viper.GetInt("max_loaded_bindings"),
		Preload:           viper.GetStringSlice("preload"),
		PoolSize:          viper.GetInt("pool_size"),
		BatchSize:         viper.GetInt("batch_size"),
		EmbeddingCacheTtl: viper.GetString("embedding_cache_ttl"),
		RedisUrl:          viper.GetString("redis_url"),
		RateLimit:         viper.GetFloat64("rate_limit"),
		RateBurst:         viper.GetInt("rate_burst"),
		RequestTimeout:    viper.GetString("request_timeout"),
		ValidateRequests:  viper.GetBool("validate_requests"),
	}
	for _, spec := range viper.GetStringSlice("binding") {
		b, err := languagebind.ParseBindingSpec(spec)
		if err != nil {
			return cfg, err
		}
		cfg.Bindings = append(cfg.Bindings, b)
	}
	return cfg, nil
}
