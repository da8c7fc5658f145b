// Copyright 2025 Tom Barlow
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

package storageop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// shardSuffixLength caps per-directory fanout by sharding on the last N
// characters of the artifact key.
const shardSuffixLength = 2

// FSOperator stores artifact blobs under a local directory tree, sharded
// by the last two characters of each key.
type FSOperator struct {
	storePath string
}

// NewFSOperator returns an FSOperator rooted at storePath, creating it if
// it does not already exist.
func NewFSOperator(storePath string) (*FSOperator, error) {
	abs, err := filepath.Abs(storePath)
	if err != nil {
		return nil, fmt.Errorf("storageop: resolve path %s: %w", storePath, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storageop: create store dir %s: %w", abs, err)
	}
	return &FSOperator{storePath: abs}, nil
}

func (o *FSOperator) shardDir(key string) string {
	suffix := key
	if len(key) > shardSuffixLength {
		suffix = key[len(key)-shardSuffixLength:]
	}
	return filepath.Join(o.storePath, suffix)
}

func (o *FSOperator) path(key string) string {
	return filepath.Join(o.shardDir(key), key)
}

func (o *FSOperator) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(o.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ingesterrors.NotFoundError{Resource: "artifact", ID: key}
		}
		return nil, err
	}
	return data, nil
}

func (o *FSOperator) Write(ctx context.Context, key string, data []byte) error {
	if err := os.MkdirAll(o.shardDir(key), 0o755); err != nil {
		return err
	}
	return os.WriteFile(o.path(key), data, 0o644)
}

func (o *FSOperator) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(o.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (o *FSOperator) Delete(ctx context.Context, key string) error {
	err := os.Remove(o.path(key))
	if os.IsNotExist(err) {
		return &ingesterrors.NotFoundError{Resource: "artifact", ID: key}
	}
	return err
}

func (o *FSOperator) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(o.storePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if prefix == "" || strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (o *FSOperator) URI(key string) string {
	return "file://" + o.path(key)
}
