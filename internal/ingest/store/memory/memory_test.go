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

package memory

import (
	"context"
	"testing"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/store"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

func TestBackend_DocumentRoundTrip(t *testing.T) {
	be := New()
	defer be.Close()

	ctx := context.Background()
	doc := &model.Document{Hash: "abc123", MimeType: "application/pdf", FileSize: 1024}

	if err := be.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	exists, err := be.DocumentExists(ctx, "abc123")
	if err != nil {
		t.Fatalf("DocumentExists: %v", err)
	}
	if !exists {
		t.Fatal("expected document to exist")
	}

	got, err := be.GetDocument(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.MimeType != doc.MimeType {
		t.Errorf("expected mime type %s, got %s", doc.MimeType, got.MimeType)
	}

	if _, err := be.GetDocument(ctx, "missing"); err == nil {
		t.Fatal("expected not found error for missing document")
	} else if _, ok := err.(*ingesterrors.NotFoundError); !ok {
		t.Errorf("expected NotFoundError, got %T", err)
	}
}

func TestBackend_ClaimStepExclusivity(t *testing.T) {
	be := New()
	defer be.Close()

	ctx := context.Background()
	rg := &model.RunGroup{WorkflowDefinitionID: "wf", ParamDefinitionID: "params", BatchID: 1, Status: model.RunRunning}
	if err := be.CreateRunGroup(ctx, rg); err != nil {
		t.Fatalf("CreateRunGroup: %v", err)
	}
	wr := &model.WorkflowRun{RunGroupID: rg.ID, WorkflowDefinitionID: "wf", BatchID: 1, DocID: "doc1", Status: model.RunRunning}
	if err := be.CreateWorkflowRun(ctx, wr); err != nil {
		t.Fatalf("CreateWorkflowRun: %v", err)
	}
	step := &model.RunStep{
		WorkflowRunID:      wr.ID,
		WorkflowStepNumber: 1,
		WorkflowStepName:   "validate",
		StepConfigID:       1,
		StepType:           model.StepValidate,
		Retries:            2,
		Status:             model.StepPending,
	}
	if err := be.CreateRunStep(ctx, step); err != nil {
		t.Fatalf("CreateRunStep: %v", err)
	}

	claimed, err := be.ClaimStep(ctx, step.ID, "worker-1")
	if err != nil {
		t.Fatalf("ClaimStep: %v", err)
	}
	if claimed.Status != model.StepRunning {
		t.Errorf("expected status RUNNING, got %s", claimed.Status)
	}

	if _, err := be.ClaimStep(ctx, step.ID, "worker-2"); err == nil {
		t.Fatal("expected second claim to fail")
	} else if _, ok := err.(*ingesterrors.InvalidStateError); !ok {
		t.Errorf("expected InvalidStateError, got %T", err)
	}

	if _, err := be.CompleteStep(ctx, step.ID, "worker-2", model.StepCompleted, nil); err == nil {
		t.Fatal("expected completion by non-owner to fail")
	}

	done, err := be.CompleteStep(ctx, step.ID, "worker-1", model.StepCompleted, map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}
	if done.Status != model.StepCompleted {
		t.Errorf("expected status COMPLETED, got %s", done.Status)
	}
}

func TestBackend_CompleteStepRetryThenFail(t *testing.T) {
	be := New()
	defer be.Close()

	ctx := context.Background()
	rg := &model.RunGroup{WorkflowDefinitionID: "wf", ParamDefinitionID: "params", BatchID: 1, Status: model.RunRunning}
	_ = be.CreateRunGroup(ctx, rg)
	wr := &model.WorkflowRun{RunGroupID: rg.ID, WorkflowDefinitionID: "wf", BatchID: 1, DocID: "doc1", Status: model.RunRunning}
	_ = be.CreateWorkflowRun(ctx, wr)
	step := &model.RunStep{
		WorkflowRunID:      wr.ID,
		WorkflowStepNumber: 1,
		WorkflowStepName:   "embed",
		StepConfigID:       1,
		StepType:           model.StepEmbed,
		Retries:            1,
		Status:             model.StepPending,
	}
	_ = be.CreateRunStep(ctx, step)

	if _, err := be.ClaimStep(ctx, step.ID, "worker-1"); err != nil {
		t.Fatalf("ClaimStep: %v", err)
	}
	afterFirstError, err := be.CompleteStep(ctx, step.ID, "worker-1", model.StepError, nil)
	if err != nil {
		t.Fatalf("CompleteStep (first error): %v", err)
	}
	if afterFirstError.Status != model.StepPending {
		t.Fatalf("expected PENDING after first error with retries remaining, got %s", afterFirstError.Status)
	}
	if afterFirstError.WorkerID != nil {
		t.Error("expected worker_id cleared after retry reset")
	}

	if _, err := be.ClaimStep(ctx, step.ID, "worker-2"); err != nil {
		t.Fatalf("re-claiming after retry reset: %v", err)
	}
	afterSecondError, err := be.CompleteStep(ctx, step.ID, "worker-2", model.StepError, nil)
	if err != nil {
		t.Fatalf("CompleteStep (second error): %v", err)
	}
	if afterSecondError.Status != model.StepFailed {
		t.Fatalf("expected FAILED once retries exhausted, got %s", afterSecondError.Status)
	}
}

func TestBackend_ListRunnableSteps(t *testing.T) {
	be := New()
	defer be.Close()

	ctx := context.Background()
	rg := &model.RunGroup{WorkflowDefinitionID: "wf", ParamDefinitionID: "params", BatchID: 1, Status: model.RunRunning}
	_ = be.CreateRunGroup(ctx, rg)
	wr := &model.WorkflowRun{RunGroupID: rg.ID, WorkflowDefinitionID: "wf", BatchID: 1, DocID: "doc1", Status: model.RunRunning}
	_ = be.CreateWorkflowRun(ctx, wr)

	step1 := &model.RunStep{WorkflowRunID: wr.ID, WorkflowStepNumber: 1, StepType: model.StepValidate, Status: model.StepPending, Retries: 1}
	step2 := &model.RunStep{WorkflowRunID: wr.ID, WorkflowStepNumber: 2, StepType: model.StepParse, Status: model.StepPending, Retries: 1}
	_ = be.CreateRunStep(ctx, step1)
	_ = be.CreateRunStep(ctx, step2)

	runnable, err := be.ListRunnableSteps(ctx, store.RunnableStepFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListRunnableSteps: %v", err)
	}
	if len(runnable) != 1 || runnable[0].ID != step1.ID {
		t.Fatalf("expected only the lowest-numbered pending step to be runnable, got %+v", runnable)
	}
}

func TestBackend_DeleteRunGroupCascades(t *testing.T) {
	be := New()
	defer be.Close()

	ctx := context.Background()
	rg := &model.RunGroup{WorkflowDefinitionID: "wf", ParamDefinitionID: "params", BatchID: 1, Status: model.RunRunning}
	_ = be.CreateRunGroup(ctx, rg)
	wr := &model.WorkflowRun{RunGroupID: rg.ID, WorkflowDefinitionID: "wf", BatchID: 1, DocID: "doc1", Status: model.RunRunning}
	_ = be.CreateWorkflowRun(ctx, wr)
	step := &model.RunStep{WorkflowRunID: wr.ID, WorkflowStepNumber: 1, StepType: model.StepValidate, Status: model.StepPending}
	_ = be.CreateRunStep(ctx, step)

	if err := be.DeleteRunGroup(ctx, rg.ID); err != nil {
		t.Fatalf("DeleteRunGroup: %v", err)
	}
	if _, err := be.GetRunGroup(ctx, rg.ID); err == nil {
		t.Fatal("expected run group to be deleted")
	}
	if _, err := be.GetWorkflowRun(ctx, wr.ID); err == nil {
		t.Fatal("expected workflow run to be deleted")
	}
	if _, err := be.GetRunStep(ctx, step.ID); err == nil {
		t.Fatal("expected run step to be deleted")
	}
}
