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

package modelregistry

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultOwner is the hub namespace of the published checkpoints.
const DefaultOwner = "LanguageBind"

// CheckpointRef names a checkpoint on the hub.
type CheckpointRef struct {
	// Owner is the namespace (e.g., "LanguageBind")
	Owner string
	// Name is the checkpoint name (e.g., "LanguageBind_Video_FT")
	Name string
}

// RepoID returns "owner/name".
func (r CheckpointRef) RepoID() string {
	return r.Owner + "/" + r.Name
}

// DirPath returns the cache directory of the checkpoint relative to the
// cache root.
func (r CheckpointRef) DirPath() string {
	return filepath.Join(r.Owner, r.Name)
}

func (r CheckpointRef) String() string { return r.RepoID() }

// ParseCheckpointRef parses a checkpoint reference:
//
//	"LanguageBind_Image"              -> LanguageBind/LanguageBind_Image
//	"LanguageBind/LanguageBind_Audio" -> same owner, explicit
//	"hf:someone/LanguageBind_Depth"   -> someone/LanguageBind_Depth
//
// owner replaces DefaultOwner for bare names; pass "" for the default.
func ParseCheckpointRef(ref, owner string) (CheckpointRef, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "hf:")
	if ref == "" {
		return CheckpointRef{}, fmt.Errorf("empty checkpoint reference")
	}
	if owner == "" {
		owner = DefaultOwner
	}
	result := CheckpointRef{Owner: owner, Name: ref}
	if o, n, ok := strings.Cut(ref, "/"); ok {
		result = CheckpointRef{Owner: o, Name: n}
	}
	if err := result.Validate(); err != nil {
		return CheckpointRef{}, fmt.Errorf("invalid checkpoint reference %q: %w", ref, err)
	}
	return result, nil
}

// Validate rejects empty parts and path traversal.
func (r CheckpointRef) Validate() error {
	for _, part := range []string{r.Owner, r.Name} {
		if part == "" {
			return fmt.Errorf("owner and name are required")
		}
		if part == "." || part == ".." || strings.ContainsAny(part, `/\:`) {
			return fmt.Errorf("invalid path element %q", part)
		}
	}
	return nil
}
