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
	"testing"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/ingest/store/memory"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

func TestGetOperatorDocNeedsNoStepConfig(t *testing.T) {
	cfg := settings.Default()
	cfg.FileStoreTarget = settings.FileStoreDB
	backend := memory.New()

	op, err := GetOperator(model.ArtifactDoc, nil, cfg, backend, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dbOp, ok := op.(*DBOperator)
	if !ok {
		t.Fatalf("expected *DBOperator, got %T", op)
	}
	if dbOp.storageRoot != "" {
		t.Errorf("expected empty storage root for DOC artifact, got %q", dbOp.storageRoot)
	}
}

func TestGetOperatorNonDocRequiresStepConfig(t *testing.T) {
	cfg := settings.Default()
	backend := memory.New()

	_, err := GetOperator(model.ArtifactChunks, nil, cfg, backend, nil)
	if _, ok := err.(*ingesterrors.InvalidInputError); !ok {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}
}

func TestGetOperatorRejectsMismatchedArtifactType(t *testing.T) {
	cfg := settings.Default()
	backend := memory.New()
	stepConfig := &model.StepConfig{ID: 7, StepType: model.StepChunk}

	_, err := GetOperator(model.ArtifactEmbeddings, stepConfig, cfg, backend, nil)
	if _, ok := err.(*ingesterrors.InvalidInputError); !ok {
		t.Fatalf("expected InvalidInputError for mismatched artifact type, got %v", err)
	}
}

func TestGetOperatorRootsOnStepConfigID(t *testing.T) {
	cfg := settings.Default()
	cfg.FileStoreTarget = settings.FileStoreDB
	backend := memory.New()
	stepConfig := &model.StepConfig{ID: 99, StepType: model.StepChunk}

	op, err := GetOperator(model.ArtifactChunks, stepConfig, cfg, backend, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dbOp := op.(*DBOperator)
	if dbOp.storageRoot != "99" {
		t.Errorf("expected storage root '99', got %q", dbOp.storageRoot)
	}
}

func TestGetOperatorFSTarget(t *testing.T) {
	cfg := settings.Default()
	cfg.FileStoreTarget = settings.FileStoreFS
	cfg.FileStoreDir = t.TempDir()
	backend := memory.New()
	stepConfig := &model.StepConfig{ID: 5, StepType: model.StepEmbed}

	op, err := GetOperator(model.ArtifactEmbeddings, stepConfig, cfg, backend, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := op.(*FSOperator); !ok {
		t.Fatalf("expected *FSOperator, got %T", op)
	}
}

func TestGetOperatorS3Target(t *testing.T) {
	cfg := settings.Default()
	cfg.FileStoreTarget = settings.FileStoreS3
	cfg.ArtifactS3.Bucket = "artifacts"
	backend := memory.New()

	op, err := GetOperator(model.ArtifactDoc, nil, cfg, backend, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s3Op, ok := op.(*S3Operator)
	if !ok {
		t.Fatalf("expected *S3Operator, got %T", op)
	}
	if s3Op.bucket != "artifacts" {
		t.Errorf("expected bucket 'artifacts', got %q", s3Op.bucket)
	}
}

func TestGetOperatorUnknownTarget(t *testing.T) {
	cfg := settings.Default()
	cfg.FileStoreTarget = "nfs"
	backend := memory.New()

	_, err := GetOperator(model.ArtifactDoc, nil, cfg, backend, nil)
	if _, ok := err.(*ingesterrors.InvalidInputError); !ok {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}
}
