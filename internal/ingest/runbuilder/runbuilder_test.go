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

package runbuilder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/soliplex/ingesterd/internal/ingest/configset"
	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/registry"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/ingest/store/memory"
)

const testWorkflowYAML = `
id: ingest-basic
name: Basic Ingest
item_steps:
  - step_type: VALIDATE
    name: validate
    retries: 1
    method: ingesterd.handlers.Validate
  - step_type: PARSE
    name: parse
    retries: 2
    method: ingesterd.handlers.Parse
  - step_type: CHUNK
    name: chunk
    retries: 1
    method: ingesterd.handlers.Chunk
`

const testParamYAML = `
id: default
config:
  VALIDATE:
    max_size_mb: 50
`

func newTestBuilder(t *testing.T) (*Builder, *memory.Backend) {
	t.Helper()
	workflowDir := t.TempDir()
	paramDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workflowDir, "basic.yaml"), []byte(testWorkflowYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(paramDir, "default.yaml"), []byte(testParamYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	backend := memory.New()
	reg := registry.New(workflowDir, paramDir, nil)
	resolver := configset.NewResolver(backend)
	cfg := settings.Default()
	cfg.DefaultWorkflowID = "ingest-basic"
	cfg.DefaultParamID = "default"

	return New(backend, backend, backend, backend, reg, resolver, cfg), backend
}

func TestCreateRunGroupResolvesDefaults(t *testing.T) {
	b, backend := newTestBuilder(t)
	ctx := context.Background()

	batch := &model.DocumentBatch{Name: "batch-1", Source: "test"}
	if err := backend.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	rg, err := b.CreateRunGroup(ctx, "", "", batch.ID, "run group 1")
	if err != nil {
		t.Fatalf("CreateRunGroup: %v", err)
	}
	if rg.WorkflowDefinitionID != "ingest-basic" || rg.ParamDefinitionID != "default" {
		t.Errorf("expected defaults resolved, got %+v", rg)
	}
	if rg.Status != model.RunPending {
		t.Errorf("expected PENDING status, got %s", rg.Status)
	}
}

func TestCreateRunGroupMissingBatch(t *testing.T) {
	b, _ := newTestBuilder(t)
	_, err := b.CreateRunGroup(context.Background(), "ingest-basic", "default", 999, "")
	if err == nil {
		t.Fatal("expected error for missing batch")
	}
}

func TestCreateWorkflowRunOrdersSteps(t *testing.T) {
	b, backend := newTestBuilder(t)
	ctx := context.Background()

	batch := &model.DocumentBatch{Name: "batch-1", Source: "test"}
	if err := backend.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	rg, err := b.CreateRunGroup(ctx, "ingest-basic", "default", batch.ID, "")
	if err != nil {
		t.Fatalf("CreateRunGroup: %v", err)
	}

	wr, err := b.CreateWorkflowRun(ctx, rg, "doc-hash-1", 5)
	if err != nil {
		t.Fatalf("CreateWorkflowRun: %v", err)
	}

	steps, err := backend.ListRunStepsByRun(ctx, wr.ID)
	if err != nil {
		t.Fatalf("ListRunStepsByRun: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for i, s := range steps {
		if s.WorkflowStepNumber != i+1 {
			t.Errorf("expected step number %d, got %d", i+1, s.WorkflowStepNumber)
		}
	}
	if steps[0].StepType != model.StepValidate || steps[2].StepType != model.StepChunk {
		t.Errorf("expected ordered [VALIDATE,PARSE,CHUNK], got %v", []model.StepType{steps[0].StepType, steps[1].StepType, steps[2].StepType})
	}
	if !steps[2].IsLastStep {
		t.Error("expected last step flagged IsLastStep")
	}
	for _, s := range steps[:2] {
		if s.IsLastStep {
			t.Errorf("expected only the last step to be flagged, got %+v", s)
		}
	}
	if steps[1].Retries != 2 {
		t.Errorf("expected retries copied from handler (2), got %d", steps[1].Retries)
	}
}

func TestCreateWorkflowRunsForBatch(t *testing.T) {
	b, backend := newTestBuilder(t)
	ctx := context.Background()

	batch := &model.DocumentBatch{Name: "batch-1", Source: "test"}
	if err := backend.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	for _, hash := range []string{"hash-a", "hash-b"} {
		du := &model.DocumentURI{URI: "file://" + hash, Source: "test", DocHash: hash, BatchID: &batch.ID}
		if err := backend.CreateDocumentURI(ctx, du); err != nil {
			t.Fatalf("CreateDocumentURI: %v", err)
		}
	}

	rg, runs, err := b.CreateWorkflowRunsForBatch(ctx, "ingest-basic", "default", batch.ID, "batch run", 0)
	if err != nil {
		t.Fatalf("CreateWorkflowRunsForBatch: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 workflow runs, got %d", len(runs))
	}
	for _, wr := range runs {
		if wr.RunGroupID != rg.ID {
			t.Errorf("expected run group id %d, got %d", rg.ID, wr.RunGroupID)
		}
	}
}
