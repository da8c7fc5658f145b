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

package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

const sampleWorkflow = `
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
`

const sampleParamSet = `
id: default
name: Default Params
config:
  VALIDATE:
    max_size_mb: 50
`

func TestRegistryLazyLoadAndOrdering(t *testing.T) {
	workflowDir := t.TempDir()
	paramDir := t.TempDir()
	writeFile(t, workflowDir, "basic.yaml", sampleWorkflow)
	writeFile(t, paramDir, "default.yaml", sampleParamSet)

	r := New(workflowDir, paramDir, nil)

	wf, err := r.GetWorkflowDefinition("ingest-basic")
	if err != nil {
		t.Fatalf("GetWorkflowDefinition: %v", err)
	}
	if len(wf.ItemSteps) != 2 {
		t.Fatalf("expected 2 item steps, got %d", len(wf.ItemSteps))
	}
	if wf.ItemSteps[0].StepType != "VALIDATE" || wf.ItemSteps[1].StepType != "PARSE" {
		t.Errorf("expected ordered [VALIDATE, PARSE], got %v", wf.ItemSteps)
	}

	ps, err := r.GetParamSet("default")
	if err != nil {
		t.Fatalf("GetParamSet: %v", err)
	}
	if ps.Source != "app" {
		t.Errorf("expected default source 'app', got %q", ps.Source)
	}
}

func TestRegistryMissingIDNotFound(t *testing.T) {
	workflowDir := t.TempDir()
	paramDir := t.TempDir()
	writeFile(t, workflowDir, "basic.yaml", sampleWorkflow)

	r := New(workflowDir, paramDir, nil)
	_, err := r.GetWorkflowDefinition("nonexistent")
	if _, ok := err.(*ingesterrors.NotFoundError); !ok {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestRegistryDuplicateIDFailsLoad(t *testing.T) {
	workflowDir := t.TempDir()
	paramDir := t.TempDir()
	writeFile(t, workflowDir, "a.yaml", sampleWorkflow)
	writeFile(t, workflowDir, "b.yaml", sampleWorkflow)

	r := New(workflowDir, paramDir, nil)
	_, err := r.GetWorkflowDefinition("ingest-basic")
	if err == nil {
		t.Fatal("expected error for duplicate workflow id")
	}
}

func TestRegistryForceReloadPicksUpNewFile(t *testing.T) {
	workflowDir := t.TempDir()
	paramDir := t.TempDir()

	r := New(workflowDir, paramDir, nil)
	_, err := r.GetWorkflowDefinition("ingest-basic")
	if _, ok := err.(*ingesterrors.NotFoundError); !ok {
		t.Fatalf("expected NotFoundError before file exists, got %v", err)
	}

	writeFile(t, workflowDir, "basic.yaml", sampleWorkflow)

	wf, err := r.GetWorkflowDefinition("ingest-basic")
	if err != nil {
		t.Fatalf("expected force-reload to find new file, got %v", err)
	}
	if wf.ID != "ingest-basic" {
		t.Errorf("expected id 'ingest-basic', got %q", wf.ID)
	}
}

func TestRegistryWatchPicksUpNewFile(t *testing.T) {
	workflowDir := t.TempDir()
	paramDir := t.TempDir()
	writeFile(t, workflowDir, "basic.yaml", sampleWorkflow)

	r := New(workflowDir, paramDir, nil)
	if _, err := r.GetWorkflowDefinition("ingest-basic"); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer r.Close()

	const second = `
id: ingest-second
name: Second
item_steps:
  - step_type: CHUNK
    name: chunk
    retries: 1
    method: ingesterd.handlers.Chunk
`
	writeFile(t, workflowDir, "second.yaml", second)

	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		if _, err := r.GetWorkflowDefinition("ingest-second"); err == nil {
			return
		} else {
			lastErr = err
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected watcher to pick up new workflow file, last error: %v", lastErr)
}
