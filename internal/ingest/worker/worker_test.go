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

package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soliplex/ingesterd/internal/ingest/lifecycle"
	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/registry"
	"github.com/soliplex/ingesterd/internal/ingest/scheduler"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/ingest/store/memory"
)

const testWorkflowYAML = `
id: wf-1
name: test workflow
item_steps:
  - step_type: VALIDATE
    name: validate
    retries: 3
    method: validate
`

func newTestPool(t *testing.T, invoke HandlerInvoker) (*Pool, *memory.Backend, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	workflowDir := filepath.Join(dir, "workflows")
	paramDir := filepath.Join(dir, "params")
	if err := os.MkdirAll(workflowDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(paramDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workflowDir, "wf.yaml"), []byte(testWorkflowYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	backend := memory.New()
	reg := registry.New(workflowDir, paramDir, nil)
	lc := lifecycle.New(backend, backend, nil, func(ctx context.Context, h registry.StepHandler, s *model.RunStep, r *model.WorkflowRun, g *model.RunGroup) (map[string]any, error) {
		return nil, nil
	})
	cfg := settings.Default()
	cfg.WorkerTaskCount = 1
	cfg.WorkerCheckinInterval = time.Hour
	cfg.WorkerCheckinTimeout = time.Hour

	p := New(cfg, scheduler.New(backend), backend, backend, backend, backend, backend, reg, lc, invoke, nil, nil)
	return p, backend, reg
}

func seedStep(t *testing.T, backend *memory.Backend) *model.RunStep {
	t.Helper()
	ctx := context.Background()
	rg := &model.RunGroup{WorkflowDefinitionID: "wf-1", ParamDefinitionID: "params", BatchID: 1, Status: model.RunRunning}
	if err := backend.CreateRunGroup(ctx, rg); err != nil {
		t.Fatal(err)
	}
	wr := &model.WorkflowRun{RunGroupID: rg.ID, WorkflowDefinitionID: "wf-1", BatchID: 1, DocID: "doc-1", Status: model.RunRunning}
	if err := backend.CreateWorkflowRun(ctx, wr); err != nil {
		t.Fatal(err)
	}
	cfg, err := backend.GetOrCreateStepConfig(ctx, model.StepValidate, "{}", "{}")
	if err != nil {
		t.Fatal(err)
	}
	step := &model.RunStep{
		WorkflowRunID:      wr.ID,
		WorkflowStepNumber: 1,
		StepType:           model.StepValidate,
		StepConfigID:       cfg.ID,
		IsLastStep:         true,
		Status:             model.StepRunning,
		Retries:            3,
	}
	if err := backend.CreateRunStep(ctx, step); err != nil {
		t.Fatal(err)
	}
	if _, err := backend.ClaimStep(ctx, step.ID, "claimer"); err != nil {
		t.Fatal(err)
	}
	return step
}

type invokerFunc func(ctx context.Context, req HandlerRequest) (map[string]any, error)

func (f invokerFunc) Invoke(ctx context.Context, req HandlerRequest) (map[string]any, error) {
	return f(ctx, req)
}

func TestRunStepCompletesSuccessfully(t *testing.T) {
	var calls int32
	p, backend, _ := newTestPool(t, invokerFunc(func(ctx context.Context, req HandlerRequest) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]any{"ok": true}, nil
	}))
	step := seedStep(t, backend)
	step.WorkerID = &p.id

	ctx := context.Background()
	ok := p.runStep(ctx, step)
	if !ok {
		t.Fatal("expected runStep to report success")
	}
	if calls != 1 {
		t.Fatalf("expected handler invoked once, got %d", calls)
	}

	got, err := backend.GetRunStep(ctx, step.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StepCompleted {
		t.Errorf("expected step COMPLETED, got %s", got.Status)
	}

	gotRun, err := backend.GetWorkflowRun(ctx, step.WorkflowRunID)
	if err != nil {
		t.Fatal(err)
	}
	if gotRun.Status != model.RunCompleted {
		t.Errorf("expected run COMPLETED (last step), got %s", gotRun.Status)
	}
}

func TestRunStepHandlerErrorMarksStepError(t *testing.T) {
	p, backend, _ := newTestPool(t, invokerFunc(func(ctx context.Context, req HandlerRequest) (map[string]any, error) {
		return nil, errors.New("boom")
	}))
	step := seedStep(t, backend)
	step.WorkerID = &p.id

	ctx := context.Background()
	ok := p.runStep(ctx, step)
	if ok {
		t.Fatal("expected runStep to report failure")
	}

	got, err := backend.GetRunStep(ctx, step.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StepPending {
		t.Errorf("expected step back to PENDING with retry capacity left, got %s", got.Status)
	}
	if got.Retry != 1 {
		t.Errorf("expected retry incremented to 1, got %d", got.Retry)
	}
}
