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

// Package storageop implements the Storage Operator (§4.1): a single
// polymorphic contract for reading, writing, and enumerating artifact
// blobs, backed interchangeably by the relational DocumentBytes table, a
// hash-sharded local filesystem tree, or an S3-compatible object store.
// Callers address artifacts through the (artifact_type, storage_root, key)
// triple; which concrete Operator they get is resolved once by GetOperator
// from the process-wide settings object.
package storageop

import (
	"context"
	"fmt"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// Operator is the capability set every storage backend variant implements.
type Operator interface {
	// Read fails with *ingesterrors.NotFoundError when key is absent.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write is create-or-overwrite; callers guarantee idempotency by using
	// content hashes as keys.
	Write(ctx context.Context, key string, data []byte) error

	Exists(ctx context.Context, key string) (bool, error)

	// Delete fails with *ingesterrors.NotFoundError when key is absent.
	Delete(ctx context.Context, key string) error

	// List returns keys under prefix in unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)

	// URI returns a human-readable locator for key; not guaranteed
	// resolvable externally for every variant.
	URI(key string) string
}

// DocumentBytesBackend is the persistence surface the relational variant
// needs; satisfied by store.Backend (and store.DocumentBytesStore alone).
type DocumentBytesBackend interface {
	PutDocumentBytes(ctx context.Context, row *model.DocumentBytes) error
	GetDocumentBytes(ctx context.Context, hash string, artifactType model.ArtifactType, storageRoot string) (*model.DocumentBytes, error)
	DocumentBytesExists(ctx context.Context, hash string, artifactType model.ArtifactType, storageRoot string) (bool, error)
	DeleteDocumentBytes(ctx context.Context, hash string, artifactType model.ArtifactType, storageRoot string) error
	ListDocumentBytes(ctx context.Context, artifactType model.ArtifactType, storageRoot string) ([]string, error)
}

// storageRoot computes the §3 invariant-5 addressing root: empty for DOC
// artifacts, the step-config id otherwise.
func storageRoot(artifactType model.ArtifactType, stepConfig *model.StepConfig) string {
	if artifactType == model.ArtifactDoc {
		return ""
	}
	return fmt.Sprintf("%d", stepConfig.ID)
}

// GetOperator resolves the Operator appropriate for artifactType, per the
// selection rule in §4.1: a DOC artifact needs no step config and roots at
// "", every other artifact type requires a step config whose step type
// permits it (model.ArtifactsFromSteps), rooted at the step-config id. The
// concrete backend is picked by settings.FileStoreTarget.
func GetOperator(artifactType model.ArtifactType, stepConfig *model.StepConfig, cfg *settings.Settings, bytesBackend DocumentBytesBackend, s3Client S3Client) (Operator, error) {
	if stepConfig != nil {
		allowed := model.ArtifactsFromSteps[stepConfig.StepType]
		ok := false
		for _, a := range allowed {
			if a == artifactType {
				ok = true
				break
			}
		}
		if !ok {
			return nil, &ingesterrors.InvalidInputError{
				Field:   "artifact_type",
				Message: fmt.Sprintf("artifact type %s is not expected for step type %s", artifactType, stepConfig.StepType),
			}
		}
	} else if artifactType != model.ArtifactDoc {
		return nil, &ingesterrors.InvalidInputError{
			Field:   "step_config",
			Message: "step_config is required for non-document artifacts",
		}
	}

	root := storageRoot(artifactType, stepConfig)

	switch cfg.FileStoreTarget {
	case settings.FileStoreS3:
		return NewS3Operator(s3Client, cfg.ArtifactS3.Bucket, root), nil
	case settings.FileStoreFS:
		subdir := cfg.ArtifactSubdir(string(artifactType))
		dir := fmt.Sprintf("%s/%s/%s", cfg.FileStoreDir, subdir, root)
		return NewFSOperator(dir)
	case settings.FileStoreDB:
		return NewDBOperator(bytesBackend, artifactType, root), nil
	default:
		return nil, &ingesterrors.InvalidInputError{
			Field:   "file_store_target",
			Message: fmt.Sprintf("unknown storage target %q", cfg.FileStoreTarget),
		}
	}
}
