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

// Package modality names the LanguageBind modalities and maps each
// vision-side modality to how its checkpoint config, model and input
// processor are built.
package modality

import (
	"errors"
	"fmt"
	"strings"
)

// Modality identifies an input kind.
type Modality string

const (
	Image    Modality = "image"
	Video    Modality = "video"
	Depth    Modality = "depth"
	Audio    Modality = "audio"
	Thermal  Modality = "thermal"
	Language Modality = "language"
)

// ErrUnknownModality is returned for keys outside the known set.
var ErrUnknownModality = errors.New("unknown modality")

var known = map[Modality]bool{
	Image: true, Video: true, Depth: true, Audio: true, Thermal: true, Language: true,
}

// Parse accepts a modality name case-insensitively.
func Parse(s string) (Modality, error) {
	m := Modality(strings.ToLower(strings.TrimSpace(s)))
	if !known[m] {
		return "", fmt.Errorf("%w: %q", ErrUnknownModality, s)
	}
	return m, nil
}

func (m Modality) String() string { return string(m) }

// IsLanguage reports whether m is the shared language modality.
func (m Modality) IsLanguage() bool { return m == Language }

// ClipType pairs a modality with the checkpoint that encodes it, for
// example {Video, "LanguageBind_Video_FT"}.
type ClipType struct {
	Modality   Modality `json:"modality" yaml:"modality"`
	Checkpoint string   `json:"checkpoint" yaml:"checkpoint"`
}

// ParseClipTypes parses "modality=checkpoint" pairs, keeping their order.
func ParseClipTypes(pairs []string) ([]ClipType, error) {
	out := make([]ClipType, 0, len(pairs))
	seen := map[Modality]bool{}
	for _, p := range pairs {
		key, name, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid clip type %q (expected modality=checkpoint)", p)
		}
		m, err := Parse(key)
		if err != nil {
			return nil, err
		}
		if m.IsLanguage() {
			return nil, fmt.Errorf("language encoder comes with every checkpoint and cannot be listed")
		}
		if seen[m] {
			return nil, fmt.Errorf("modality %s listed twice", m)
		}
		seen[m] = true
		out = append(out, ClipType{Modality: m, Checkpoint: strings.TrimSpace(name)})
	}
	return out, nil
}
