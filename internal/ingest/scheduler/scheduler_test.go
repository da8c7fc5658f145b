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

package scheduler

import (
	"context"
	"testing"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/store/memory"
)

func seedRunnableStep(t *testing.T, backend *memory.Backend, priority int) *model.RunStep {
	t.Helper()
	ctx := context.Background()
	rg := &model.RunGroup{WorkflowDefinitionID: "wf", ParamDefinitionID: "params", BatchID: 1, Status: model.RunPending}
	if err := backend.CreateRunGroup(ctx, rg); err != nil {
		t.Fatal(err)
	}
	wr := &model.WorkflowRun{RunGroupID: rg.ID, WorkflowDefinitionID: "wf", BatchID: 1, DocID: "doc", Priority: priority, Status: model.RunPending}
	if err := backend.CreateWorkflowRun(ctx, wr); err != nil {
		t.Fatal(err)
	}
	step := &model.RunStep{WorkflowRunID: wr.ID, WorkflowStepNumber: 1, StepType: model.StepValidate, Status: model.StepPending, Retries: 1}
	if err := backend.CreateRunStep(ctx, step); err != nil {
		t.Fatal(err)
	}
	return step
}

func TestSchedulerNextRunnableStepsOrdersByPriority(t *testing.T) {
	backend := memory.New()
	seedRunnableStep(t, backend, 1)
	high := seedRunnableStep(t, backend, 10)

	s := New(backend)
	steps, err := s.NextRunnableSteps(context.Background(), 10, nil)
	if err != nil {
		t.Fatalf("NextRunnableSteps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].ID != high.ID {
		t.Errorf("expected highest priority step first, got %+v", steps[0])
	}
}

func TestSchedulerLeaseClaimsStep(t *testing.T) {
	backend := memory.New()
	step := seedRunnableStep(t, backend, 0)

	s := New(backend)
	claimed, err := s.Lease(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if claimed == nil || claimed.ID != step.ID {
		t.Fatalf("expected to lease step %d, got %+v", step.ID, claimed)
	}
	if claimed.Status != model.StepRunning {
		t.Errorf("expected RUNNING after lease, got %s", claimed.Status)
	}

	again, err := s.Lease(context.Background(), "worker-2")
	if err != nil {
		t.Fatalf("Lease (empty): %v", err)
	}
	if again != nil {
		t.Errorf("expected no runnable step left, got %+v", again)
	}
}
