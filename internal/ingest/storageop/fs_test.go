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
	"os"
	"path/filepath"
	"testing"

	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

func TestFSOperatorRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	op, err := NewFSOperator(dir)
	if err != nil {
		t.Fatalf("NewFSOperator: %v", err)
	}

	key := "sha256-deadbeef"
	if err := op.Write(ctx, key, []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}

	shard := key[len(key)-shardSuffixLength:]
	if _, err := os.Stat(filepath.Join(dir, shard, key)); err != nil {
		t.Fatalf("expected sharded file on disk: %v", err)
	}

	got, err := op.Read(ctx, key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("expected %q, got %q", "payload", got)
	}

	if exists, err := op.Exists(ctx, key); err != nil || !exists {
		t.Fatalf("expected exists, got %v %v", exists, err)
	}

	keys, err := op.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Errorf("expected [%s], got %v", key, keys)
	}

	if err := op.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if exists, _ := op.Exists(ctx, key); exists {
		t.Errorf("expected key gone after delete")
	}
}

func TestFSOperatorReadMissingIsNotFound(t *testing.T) {
	op, err := NewFSOperator(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSOperator: %v", err)
	}
	_, err = op.Read(context.Background(), "nope")
	if _, ok := err.(*ingesterrors.NotFoundError); !ok {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
