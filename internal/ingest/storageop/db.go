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

	"github.com/soliplex/ingesterd/internal/ingest/model"
)

// DBOperator stores artifact blobs in the relational DocumentBytes table,
// keyed by (hash, artifact_type, storage_root). Used when the process-wide
// FileStoreTarget setting is "db".
type DBOperator struct {
	backend      DocumentBytesBackend
	artifactType model.ArtifactType
	storageRoot  string
}

// NewDBOperator returns a DBOperator bound to one (artifact_type,
// storage_root) pair.
func NewDBOperator(backend DocumentBytesBackend, artifactType model.ArtifactType, storageRoot string) *DBOperator {
	return &DBOperator{backend: backend, artifactType: artifactType, storageRoot: storageRoot}
}

func (o *DBOperator) Read(ctx context.Context, key string) ([]byte, error) {
	row, err := o.backend.GetDocumentBytes(ctx, key, o.artifactType, o.storageRoot)
	if err != nil {
		return nil, err
	}
	return row.Bytes, nil
}

func (o *DBOperator) Write(ctx context.Context, key string, data []byte) error {
	return o.backend.PutDocumentBytes(ctx, &model.DocumentBytes{
		Hash:         key,
		ArtifactType: o.artifactType,
		StorageRoot:  o.storageRoot,
		Bytes:        data,
	})
}

func (o *DBOperator) Exists(ctx context.Context, key string) (bool, error) {
	return o.backend.DocumentBytesExists(ctx, key, o.artifactType, o.storageRoot)
}

func (o *DBOperator) Delete(ctx context.Context, key string) error {
	return o.backend.DeleteDocumentBytes(ctx, key, o.artifactType, o.storageRoot)
}

func (o *DBOperator) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := o.backend.ListDocumentBytes(ctx, o.artifactType, o.storageRoot)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return keys, nil
	}
	var out []string
	for _, k := range keys {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (o *DBOperator) URI(key string) string {
	return "bytes://" + key
}
