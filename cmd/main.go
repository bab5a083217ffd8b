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

// Command languagebind serves LanguageBind multimodal embeddings.
//
// Video, audio, thermal, depth and image inputs are embedded into the
// language space of a set of LanguageBind checkpoints.
//
// Usage:
//
//	languagebind run                             # Start the server
//	languagebind pull LanguageBind_Video_FT      # Download a checkpoint
//	languagebind list                            # List cached checkpoints
//	languagebind embed --clip-type image=LanguageBind_Image cat.png
//	languagebind tower LanguageBind_Video_merge  # Inspect a video tower
//
// Every flag can also be set as LANGUAGEBIND_<FLAG> in the environment or
// in the config file.
package main

import (
	"io"
	"runtime"

	json "github.com/antflydb/antfly-go/libaf/json"
	"github.com/antflydb/languagebind/cmd/cmd"
	gojson "github.com/goccy/go-json"
)

func init() {
	// Configure the JSON wrapper to use goccy/go-json for performance
	json.SetConfig(json.Config{
		Marshal:   gojson.Marshal,
		Unmarshal: gojson.Unmarshal,
		MarshalString: func(v any) (string, error) {
			data, err := gojson.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
		UnmarshalString: func(s string, v any) error {
			return gojson.Unmarshal([]byte(s), v)
		},
		NewEncoder: func(w io.Writer) json.Encoder {
			return gojson.NewEncoder(w)
		},
		NewDecoder: func(r io.Reader) json.Decoder {
			return gojson.NewDecoder(r)
		},
	})
}

// https://goreleaser.com/cookbooks/using-main.version/
//
// main.version: Current Git tag (the v prefix is stripped) or the name of the snapshot
var version = "dev"

func main() {
	runtime.SetMutexProfileFraction(1) // Enable mutex profiling
	runtime.SetBlockProfileRate(1)     // Sample every blocking event
	cmd.Version = version
	cmd.Execute()
}
