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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/store"
)

// createTestBackend creates a SQLite backend for testing in a temporary directory.
func createTestBackend(t *testing.T) *Backend {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	be, err := New(context.Background(), Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	return be
}

func TestBackend_DocumentAndBatch(t *testing.T) {
	be := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	doc := &model.Document{Hash: "hash1", MimeType: "text/plain", FileSize: 42}
	if err := be.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	got, err := be.GetDocument(ctx, "hash1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.FileSize != 42 {
		t.Errorf("expected file size 42, got %d", got.FileSize)
	}

	batch := &model.DocumentBatch{Name: "nightly", Source: "s3://bucket"}
	if err := be.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if batch.ID == 0 {
		t.Fatal("expected batch ID to be assigned")
	}
	if err := be.CompleteBatch(ctx, batch.ID); err != nil {
		t.Fatalf("CompleteBatch: %v", err)
	}
	completed, err := be.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if completed.CompletedDate == nil {
		t.Error("expected completed_date to be set")
	}
}

func TestBackend_RunGroupWorkflowRunStepLifecycle(t *testing.T) {
	be := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	batch := &model.DocumentBatch{Name: "b", Source: "local"}
	if err := be.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	rg := &model.RunGroup{WorkflowDefinitionID: "wf-1", ParamDefinitionID: "params-1", BatchID: batch.ID, Status: model.RunRunning}
	if err := be.CreateRunGroup(ctx, rg); err != nil {
		t.Fatalf("CreateRunGroup: %v", err)
	}

	wr := &model.WorkflowRun{
		RunGroupID:           rg.ID,
		WorkflowDefinitionID: "wf-1",
		BatchID:              batch.ID,
		DocID:                "doc-1",
		Status:               model.RunRunning,
	}
	if err := be.CreateWorkflowRun(ctx, wr); err != nil {
		t.Fatalf("CreateWorkflowRun: %v", err)
	}

	sc, err := be.GetOrCreateStepConfig(ctx, model.StepValidate, `{}`, `{}`)
	if err != nil {
		t.Fatalf("GetOrCreateStepConfig: %v", err)
	}

	step := &model.RunStep{
		WorkflowRunID:      wr.ID,
		WorkflowStepNumber: 1,
		WorkflowStepName:   "validate",
		StepConfigID:       sc.ID,
		StepType:           model.StepValidate,
		Retries:            2,
		Status:             model.StepPending,
	}
	if err := be.CreateRunStep(ctx, step); err != nil {
		t.Fatalf("CreateRunStep: %v", err)
	}

	runnable, err := be.ListRunnableSteps(ctx, store.RunnableStepFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListRunnableSteps: %v", err)
	}
	if len(runnable) != 1 || runnable[0].ID != step.ID {
		t.Fatalf("expected step %d to be runnable, got %+v", step.ID, runnable)
	}

	claimed, err := be.ClaimStep(ctx, step.ID, "worker-a")
	if err != nil {
		t.Fatalf("ClaimStep: %v", err)
	}
	if claimed.Status != model.StepRunning {
		t.Errorf("expected RUNNING, got %s", claimed.Status)
	}

	if _, err := be.ClaimStep(ctx, step.ID, "worker-b"); err == nil {
		t.Fatal("expected concurrent claim to fail")
	}

	done, err := be.CompleteStep(ctx, step.ID, "worker-a", model.StepCompleted, map[string]any{"pages": 3})
	if err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}
	if done.Status != model.StepCompleted {
		t.Errorf("expected COMPLETED, got %s", done.Status)
	}
	if done.Meta["pages"].(float64) != 3 {
		t.Errorf("expected meta round-trip, got %v", done.Meta)
	}

	if err := be.UpdateWorkflowRunStatus(ctx, wr.ID, model.RunCompleted, nil, nil); err != nil {
		t.Fatalf("UpdateWorkflowRunStatus: %v", err)
	}
	counts, err := be.CountWorkflowRunsByStatus(ctx, rg.ID)
	if err != nil {
		t.Fatalf("CountWorkflowRunsByStatus: %v", err)
	}
	if counts[model.RunCompleted] != 1 {
		t.Errorf("expected 1 completed run, got %d", counts[model.RunCompleted])
	}
}

func TestBackend_LifecycleAndWorkerCheckin(t *testing.T) {
	be := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	h := &model.LifecycleHistory{RunGroupID: 1, WorkflowRunID: 1, Event: model.EventGroupStart, Status: "PENDING"}
	if err := be.AppendLifecycleHistory(ctx, h); err != nil {
		t.Fatalf("AppendLifecycleHistory: %v", err)
	}
	history, err := be.ListLifecycleHistory(ctx, 1)
	if err != nil {
		t.Fatalf("ListLifecycleHistory: %v", err)
	}
	if len(history) != 1 || history[0].Event != model.EventGroupStart {
		t.Fatalf("expected one GROUP_START event, got %+v", history)
	}

	if err := be.CheckinWorker(ctx, "worker-1"); err != nil {
		t.Fatalf("CheckinWorker: %v", err)
	}
	stale, err := be.ListStaleWorkers(ctx, 0)
	if err != nil {
		t.Fatalf("ListStaleWorkers: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected the just-checked-in worker to show as stale for a zero threshold, got %d", len(stale))
	}
}

func TestBackend_DocumentDBAndSyncState(t *testing.T) {
	be := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	row := &model.DocumentDB{DocHash: "h1", Source: "confluence", DBName: "db1", LanceDBDir: "/tmp/db1", RAGID: "rag-1", ChunkCount: 10}
	if err := be.UpsertDocumentDB(ctx, row); err != nil {
		t.Fatalf("UpsertDocumentDB: %v", err)
	}
	got, err := be.GetDocumentDB(ctx, "h1", "confluence")
	if err != nil {
		t.Fatalf("GetDocumentDB: %v", err)
	}
	if got.ChunkCount != 10 {
		t.Errorf("expected chunk count 10, got %d", got.ChunkCount)
	}

	sync := &model.SyncState{SourceID: "confluence-space-1", StateJSON: `{"cursor":"abc"}`}
	if err := be.SaveSyncState(ctx, sync); err != nil {
		t.Fatalf("SaveSyncState: %v", err)
	}
	gotSync, err := be.GetSyncState(ctx, "confluence-space-1")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if gotSync.StateJSON != `{"cursor":"abc"}` {
		t.Errorf("expected state json round-trip, got %s", gotSync.StateJSON)
	}
}
