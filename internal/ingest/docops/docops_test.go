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

package docops

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/ingest/storageop"
	"github.com/soliplex/ingesterd/internal/ingest/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	cfg := settings.Default()
	cfg.FileStoreDir = t.TempDir()
	cfg.LanceDBDir = filepath.Join(t.TempDir(), "lancedb")
	return New(backend, cfg, backend, nil, nil), backend
}

func TestCreateDocumentFromURICreatesDocumentAndURI(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	res, err := s.CreateDocumentFromURI(ctx, CreateDocumentFromURIRequest{
		SourceURI: "s3://bucket/a.txt",
		Source:    "sourceA",
		FileBytes: []byte("hello world"),
	})
	if err != nil {
		t.Fatalf("CreateDocumentFromURI: %v", err)
	}
	if !res.DocumentCreated || !res.URICreated {
		t.Fatalf("expected both created, got %+v", res)
	}
	if res.Document.DocMeta["md5"] == "" || res.Document.DocMeta["md5"] == nil {
		t.Fatalf("expected md5 recorded in doc_meta, got %+v", res.Document.DocMeta)
	}

	op, err := s.docOperator()
	if err != nil {
		t.Fatal(err)
	}
	exists, err := op.Exists(ctx, res.Document.Hash)
	if err != nil || !exists {
		t.Fatalf("expected doc artifact written, exists=%v err=%v", exists, err)
	}

	// Re-creating the same (uri, source) with different bytes should bump
	// the DocumentURI's version and leave the original document untouched.
	res2, err := s.CreateDocumentFromURI(ctx, CreateDocumentFromURIRequest{
		SourceURI: "s3://bucket/a.txt",
		Source:    "sourceA",
		FileBytes: []byte("goodbye world"),
	})
	if err != nil {
		t.Fatalf("second CreateDocumentFromURI: %v", err)
	}
	if res2.DocumentCreated == false && res2.URICreated {
		t.Fatalf("expected uri reused not recreated, got %+v", res2)
	}
	if !res2.URIUpdated {
		t.Fatalf("expected uri updated on hash drift, got %+v", res2)
	}
	if res2.DocumentURI.Version != 2 {
		t.Fatalf("expected version bumped to 2, got %d", res2.DocumentURI.Version)
	}
}

func TestCreateDocumentFromURIRejectsCompletedBatch(t *testing.T) {
	s, backend := newTestService(t)
	ctx := context.Background()

	batch := &model.DocumentBatch{Name: "b1", Source: "sourceA"}
	if err := backend.CreateBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if err := backend.CompleteBatch(ctx, batch.ID); err != nil {
		t.Fatal(err)
	}

	_, err := s.CreateDocumentFromURI(ctx, CreateDocumentFromURIRequest{
		SourceURI: "file:///tmp/a.txt",
		Source:    "sourceA",
		FileBytes: []byte("data"),
		BatchID:   &batch.ID,
	})
	if err == nil {
		t.Fatal("expected batch-completed error")
	}
}

func TestDeleteDocumentURIByURIPreservesSharedHash(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if _, err := s.CreateDocumentFromURI(ctx, CreateDocumentFromURIRequest{
		SourceURI: "file:///a.txt", Source: "src", FileBytes: []byte("same"),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateDocumentFromURI(ctx, CreateDocumentFromURIRequest{
		SourceURI: "file:///b.txt", Source: "src", FileBytes: []byte("same"),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := s.DeleteDocumentURIByURI(ctx, "file:///a.txt", "src")
	if err != nil {
		t.Fatalf("DeleteDocumentURIByURI: %v", err)
	}
	if res.DocumentDeleted {
		t.Fatalf("expected document preserved while b.txt still references it, got %+v", res)
	}
	if res.RemainingURICount != 1 {
		t.Fatalf("expected 1 remaining uri, got %d", res.RemainingURICount)
	}
}

func TestDeleteDocumentURIByURICascadesWhenLastReference(t *testing.T) {
	s, backend := newTestService(t)
	ctx := context.Background()

	res, err := s.CreateDocumentFromURI(ctx, CreateDocumentFromURIRequest{
		SourceURI: "file:///only.txt", Source: "src", FileBytes: []byte("solo"),
	})
	if err != nil {
		t.Fatal(err)
	}
	hash := res.Document.Hash

	rg := &model.RunGroup{WorkflowDefinitionID: "wf", ParamDefinitionID: "params", Status: model.RunPending}
	if err := backend.CreateRunGroup(ctx, rg); err != nil {
		t.Fatal(err)
	}
	wr := &model.WorkflowRun{RunGroupID: rg.ID, WorkflowDefinitionID: "wf", DocID: hash, Status: model.RunPending}
	if err := backend.CreateWorkflowRun(ctx, wr); err != nil {
		t.Fatal(err)
	}
	sc, err := backend.GetOrCreateStepConfig(ctx, model.StepChunk, "{}", "{}")
	if err != nil {
		t.Fatal(err)
	}
	rs := &model.RunStep{WorkflowRunID: wr.ID, StepType: model.StepChunk, StepConfigID: sc.ID}
	if err := backend.CreateRunStep(ctx, rs); err != nil {
		t.Fatal(err)
	}

	op, err := storageop.GetOperator(model.ArtifactChunks, sc, s.cfg, backend, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := op.Write(ctx, hash, []byte("chunked")); err != nil {
		t.Fatal(err)
	}

	delRes, err := s.DeleteDocumentURIByURI(ctx, "file:///only.txt", "src")
	if err != nil {
		t.Fatalf("DeleteDocumentURIByURI: %v", err)
	}
	if !delRes.DocumentDeleted {
		t.Fatalf("expected cascade delete, got %+v", delRes)
	}
	if delRes.WorkflowRunsDeleted != 1 {
		t.Fatalf("expected 1 workflow run deleted, got %d", delRes.WorkflowRunsDeleted)
	}

	if _, err := backend.GetDocument(ctx, hash); !isNotFound(err) {
		t.Fatalf("expected document gone, err=%v", err)
	}
	exists, err := op.Exists(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("expected chunk artifact removed")
	}
}

func TestGetDocStatusClassifiesMatchedMismatchNewAndDeleted(t *testing.T) {
	s, backend := newTestService(t)
	ctx := context.Background()

	doc := &model.Document{Hash: "sha256-abc123", MimeType: "text/plain", FileSize: 4}
	if err := backend.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := backend.CreateDocumentURI(ctx, &model.DocumentURI{URI: "u1", Source: "src", DocHash: "sha256-abc123", Version: 1}); err != nil {
		t.Fatal(err)
	}
	if err := backend.CreateDocumentURI(ctx, &model.DocumentURI{URI: "u2", Source: "src", DocHash: "sha256-deadbeef", Version: 1}); err != nil {
		t.Fatal(err)
	}
	if err := backend.CreateDocumentURI(ctx, &model.DocumentURI{URI: "gone", Source: "src", DocHash: "sha256-removed", Version: 1}); err != nil {
		t.Fatal(err)
	}

	res, err := s.GetDocStatus(ctx, "src", map[string]string{
		"u1": "md5-abc123",
		"u2": "etag:ffffffff",
		"u3": "newhash",
	}, "")
	if err != nil {
		t.Fatalf("GetDocStatus: %v", err)
	}

	if res.Matched["u1"].Status != "matched" {
		t.Fatalf("expected u1 matched, got %+v", res.Matched["u1"])
	}
	if res.Matched["u2"].Status != "mismatch" {
		t.Fatalf("expected u2 mismatch, got %+v", res.Matched["u2"])
	}
	if res.Matched["u3"].Status != "new" {
		t.Fatalf("expected u3 new, got %+v", res.Matched["u3"])
	}
	if len(res.ToRemove) != 1 || res.ToRemove[0].URI != "gone" {
		t.Fatalf("expected 'gone' reported for removal, got %+v", res.ToRemove)
	}
}

func TestDeleteOrphanedDocumentsRemovesUnboundDocuments(t *testing.T) {
	s, backend := newTestService(t)
	ctx := context.Background()

	bound := &model.Document{Hash: "sha256-bound", MimeType: "text/plain", FileSize: 1}
	orphan := &model.Document{Hash: "sha256-orphan", MimeType: "text/plain", FileSize: 1}
	if err := backend.CreateDocument(ctx, bound); err != nil {
		t.Fatal(err)
	}
	if err := backend.CreateDocument(ctx, orphan); err != nil {
		t.Fatal(err)
	}
	if err := backend.CreateDocumentURI(ctx, &model.DocumentURI{URI: "u", Source: "src", DocHash: bound.Hash, Version: 1}); err != nil {
		t.Fatal(err)
	}

	res, err := s.DeleteOrphanedDocuments(ctx)
	if err != nil {
		t.Fatalf("DeleteOrphanedDocuments: %v", err)
	}
	if res.DocumentsDeleted != 1 {
		t.Fatalf("expected 1 orphan deleted, got %d", res.DocumentsDeleted)
	}
	if _, err := backend.GetDocument(ctx, orphan.Hash); !isNotFound(err) {
		t.Fatalf("expected orphan gone, err=%v", err)
	}
	if _, err := backend.GetDocument(ctx, bound.Hash); err != nil {
		t.Fatalf("expected bound document to survive: %v", err)
	}
}

func TestDeleteRunGroupReportsCounts(t *testing.T) {
	s, backend := newTestService(t)
	ctx := context.Background()

	rg := &model.RunGroup{WorkflowDefinitionID: "wf", ParamDefinitionID: "params", Status: model.RunPending}
	if err := backend.CreateRunGroup(ctx, rg); err != nil {
		t.Fatal(err)
	}
	wr := &model.WorkflowRun{RunGroupID: rg.ID, WorkflowDefinitionID: "wf", DocID: "sha256-x", Status: model.RunPending}
	if err := backend.CreateWorkflowRun(ctx, wr); err != nil {
		t.Fatal(err)
	}
	sc, err := backend.GetOrCreateStepConfig(ctx, model.StepValidate, "{}", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if err := backend.CreateRunStep(ctx, &model.RunStep{WorkflowRunID: wr.ID, StepType: model.StepValidate, StepConfigID: sc.ID}); err != nil {
		t.Fatal(err)
	}
	if err := backend.AppendLifecycleHistory(ctx, &model.LifecycleHistory{RunGroupID: rg.ID, WorkflowRunID: wr.ID, Event: model.EventGroupStart, Status: "PENDING"}); err != nil {
		t.Fatal(err)
	}

	res, err := s.DeleteRunGroup(ctx, rg.ID)
	if err != nil {
		t.Fatalf("DeleteRunGroup: %v", err)
	}
	if res.WorkflowRunsDeleted != 1 || res.RunStepsDeleted != 1 || res.HistoryRowsDeleted != 1 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	if _, err := backend.GetRunGroup(ctx, rg.ID); !isNotFound(err) {
		t.Fatalf("expected run group gone, err=%v", err)
	}
}

func TestFetchInputBytesRejectsUnknownScheme(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.fetchInputBytes(context.Background(), "ftp://example.com/a.txt")
	if err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestFetchInputBytesReadsLocalFile(t *testing.T) {
	s, _ := newTestService(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	data, err := s.fetchInputBytes(context.Background(), "file://"+path)
	if err != nil {
		t.Fatalf("fetchInputBytes: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("expected payload, got %q", data)
	}
}

func TestGuessMimeTypePrefersOOXMLOverride(t *testing.T) {
	if got := guessMimeType("report.docx"); got != "application/vnd.openxmlformats-officedocument.wordprocessingml.document" {
		t.Fatalf("unexpected mime type: %q", got)
	}
}
