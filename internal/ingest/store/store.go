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

// Package store defines the persistence interface for the ingestion engine
// and the filters/results its operations exchange. Concrete backends live in
// the postgres, sqlite, and memory subpackages; callers depend only on the
// interfaces declared here, segregated the way a caller actually uses them.
package store

import (
	"context"
	"io"
	"time"

	"github.com/soliplex/ingesterd/internal/ingest/model"
)

// DocumentStore persists Document rows, keyed by content hash.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, hash string) (*model.Document, error)
	DocumentExists(ctx context.Context, hash string) (bool, error)

	// UpdateDocumentMeta replaces the DocMeta blob of an existing Document,
	// the path handlers like validate use to enrich a row after creation
	// (§4.7). It returns a NotFoundError if hash has no Document.
	UpdateDocumentMeta(ctx context.Context, hash string, docMeta map[string]any) error

	// DeleteDocument removes a Document row outright. Callers are
	// responsible for first confirming no DocumentURI still references
	// hash (§4.9 delete_document_uri_by_uri's cascade rule).
	DeleteDocument(ctx context.Context, hash string) error

	// DeleteOrphanedDocuments removes every Document no DocumentURI
	// references, a periodic sweep rather than a per-request operation
	// (§4.9 delete_orphaned_documents), along with any DocumentURIHistory
	// rows still keyed to those hashes. It returns the count of deleted
	// documents and history rows respectively.
	DeleteOrphanedDocuments(ctx context.Context) (documentsDeleted, historyDeleted int, err error)
}

// DocumentURIStore persists DocumentURI bindings and their audit history.
type DocumentURIStore interface {
	CreateDocumentURI(ctx context.Context, du *model.DocumentURI) error
	GetDocumentURIByURI(ctx context.Context, uri, source string) (*model.DocumentURI, error)
	UpdateDocumentURI(ctx context.Context, du *model.DocumentURI) error
	DeleteDocumentURI(ctx context.Context, id int64) error
	ListDocumentURIsByBatch(ctx context.Context, batchID int64) ([]*model.DocumentURI, error)

	// ListDocumentURIsBySource returns every DocumentURI bound under
	// source, the snapshot get_doc_status classifies against (§4.9).
	ListDocumentURIsBySource(ctx context.Context, source string) ([]*model.DocumentURI, error)
	CountDocumentURIsByHash(ctx context.Context, hash string) (int, error)
	AppendDocumentURIHistory(ctx context.Context, h *model.DocumentURIHistory) error
	ListDocumentURIHistory(ctx context.Context, documentURIID int64) ([]*model.DocumentURIHistory, error)
}

// BatchStore persists DocumentBatch rows.
type BatchStore interface {
	CreateBatch(ctx context.Context, b *model.DocumentBatch) error
	GetBatch(ctx context.Context, id int64) (*model.DocumentBatch, error)
	CompleteBatch(ctx context.Context, id int64) error
	ListBatches(ctx context.Context, source string, limit, offset int) ([]*model.DocumentBatch, error)
}

// ConfigStore persists the deduplicated StepConfig/ConfigSet tables that
// back the config-sharing design (§4.2). GetOrCreate* calls are expected to
// be idempotent under the content-addressed key the caller supplies.
type ConfigStore interface {
	GetOrCreateStepConfig(ctx context.Context, stepType model.StepType, configJSON, cumlConfigJSON string) (*model.StepConfig, error)
	GetStepConfig(ctx context.Context, id int64) (*model.StepConfig, error)
	GetOrCreateConfigSet(ctx context.Context, yamlID, yamlContents string, stepConfigIDs []int64) (*model.ConfigSet, error)
	GetConfigSetItems(ctx context.Context, configSetID int64) ([]*model.ConfigSetItem, error)
}

// RunGroupFilter narrows ListRunGroups results.
type RunGroupFilter struct {
	BatchID              *int64
	WorkflowDefinitionID string
	Status               model.RunStatus
	Limit, Offset        int
}

// RunStore persists RunGroup and WorkflowRun rows.
type RunStore interface {
	CreateRunGroup(ctx context.Context, rg *model.RunGroup) error
	GetRunGroup(ctx context.Context, id int64) (*model.RunGroup, error)
	UpdateRunGroupStatus(ctx context.Context, id int64, status model.RunStatus, completed *time.Time) error
	ListRunGroups(ctx context.Context, filter RunGroupFilter) ([]*model.RunGroup, error)
	DeleteRunGroup(ctx context.Context, id int64) error

	CreateWorkflowRun(ctx context.Context, wr *model.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id int64) (*model.WorkflowRun, error)
	UpdateWorkflowRunStatus(ctx context.Context, id int64, status model.RunStatus, started, completed *time.Time) error
	ListWorkflowRunsByGroup(ctx context.Context, runGroupID int64) ([]*model.WorkflowRun, error)
	CountWorkflowRunsByStatus(ctx context.Context, runGroupID int64) (map[model.RunStatus]int, error)

	// ListWorkflowRunsByDocHash finds every WorkflowRun across every
	// RunGroup whose doc_id matches docHash, the enumeration
	// delete_document_uri_by_uri's cascade needs to walk each run's steps
	// for artifact cleanup before the runs themselves are deleted (§4.9).
	ListWorkflowRunsByDocHash(ctx context.Context, docHash string) ([]*model.WorkflowRun, error)

	// DeleteWorkflowRunsByDocHash removes every WorkflowRun (and its
	// RunSteps and LifecycleHistory) whose doc_id matches docHash,
	// regardless of which RunGroup it belongs to, mirroring delete_file's
	// raw-SQL join across stepconfig/runstep/workflowrun (§4.9). It
	// returns the number of WorkflowRuns removed.
	DeleteWorkflowRunsByDocHash(ctx context.Context, docHash string) (int, error)

	// ResetFailedSteps re-arms every FAILED WorkflowRun in runGroupID: its
	// FAILED RunSteps go back to PENDING with retry reset to zero, and the
	// WorkflowRun itself goes back to RUNNING so the scheduler picks it up
	// again (§6 POST /workflow/retry). It returns the number of WorkflowRuns
	// reset.
	ResetFailedSteps(ctx context.Context, runGroupID int64) (int, error)
}

// RunnableStepFilter bounds the pool of steps the scheduler is willing to
// consider dispatching in a single poll.
type RunnableStepFilter struct {
	StepTypes []model.StepType
	BatchID   *int64
	Limit     int
}

// StepStore persists RunStep rows and implements the exclusivity-preserving
// claim operation the scheduler and worker pool rely on.
type StepStore interface {
	CreateRunStep(ctx context.Context, s *model.RunStep) error
	GetRunStep(ctx context.Context, id int64) (*model.RunStep, error)
	ListRunStepsByRun(ctx context.Context, workflowRunID int64) ([]*model.RunStep, error)

	// ListRunnableSteps returns PENDING steps whose WorkflowRun is RUNNING
	// and whose WorkflowStepNumber is the lowest PENDING/incomplete number
	// for that run, ordered by priority then age (§4.4).
	ListRunnableSteps(ctx context.Context, filter RunnableStepFilter) ([]*model.RunStep, error)

	// ClaimStep atomically transitions a PENDING step to RUNNING and
	// records the claiming worker, failing if another worker already holds
	// it (§4.6 exclusivity invariant).
	ClaimStep(ctx context.Context, stepID int64, workerID string) (*model.RunStep, error)

	// CompleteStep transitions a RUNNING step owned by workerID to
	// COMPLETED or ERROR, and on ERROR applies the retry/backoff rule,
	// coercing to FAILED once retries are exhausted.
	CompleteStep(ctx context.Context, stepID int64, workerID string, status model.StepStatus, meta map[string]any) (*model.RunStep, error)

	// ReapStaleSteps transitions RUNNING steps whose worker has not checked
	// in within staleAfter back to PENDING (or FAILED if retries are
	// exhausted), returning the affected step IDs.
	ReapStaleSteps(ctx context.Context, staleAfter time.Duration) ([]int64, error)
}

// LifecycleStore persists LifecycleHistory rows.
type LifecycleStore interface {
	AppendLifecycleHistory(ctx context.Context, h *model.LifecycleHistory) error
	ListLifecycleHistory(ctx context.Context, runGroupID int64) ([]*model.LifecycleHistory, error)
}

// WorkerStore tracks worker heartbeats.
type WorkerStore interface {
	CheckinWorker(ctx context.Context, workerID string) error
	ListStaleWorkers(ctx context.Context, staleAfter time.Duration) ([]*model.WorkerCheckin, error)
}

// RunGroupDuration is one row of the §9.5 duration-stats query.
type RunGroupDuration struct {
	RunGroupID int64
	Seconds    float64
}

// StepStat is one row of the §9.5 per-step-type aggregate query.
type StepStat struct {
	StepType   model.StepType
	Count      int
	ErrorCount int
	AvgSeconds float64
}

// StatsStore answers the supplemented housekeeping/stats queries (§9.5),
// both scoped to a single run group (§6 GET /stats/durations,
// GET /stats/step-stats).
type StatsStore interface {
	GetRunGroupDurations(ctx context.Context, runGroupID int64) ([]RunGroupDuration, error)
	GetStepStats(ctx context.Context, runGroupID int64) ([]StepStat, error)
}

// DocumentDBStore persists the DocumentDB cross-reference rows (§9.7).
type DocumentDBStore interface {
	UpsertDocumentDB(ctx context.Context, row *model.DocumentDB) error
	GetDocumentDB(ctx context.Context, docHash, source string) (*model.DocumentDB, error)
	DeleteDocumentDB(ctx context.Context, docHash, source string) error

	// ListDocumentDBByHash returns every source's DocumentDB row for
	// docHash, the enumeration delete_document_uri_by_uri's cascade needs
	// to best-effort clean up each RAG import before the Document row
	// itself is removed (§4.9).
	ListDocumentDBByHash(ctx context.Context, docHash string) ([]*model.DocumentDB, error)

	// ListDocumentDBByName returns every DocumentDB row recorded against
	// dbName, backing the `check-db` CLI command's cross-reference against
	// a LanceDB directory's actual contents (§6).
	ListDocumentDBByName(ctx context.Context, dbName string) ([]*model.DocumentDB, error)
}

// SyncStateStore persists the opaque per-source SyncState blob (§9.7).
type SyncStateStore interface {
	SaveSyncState(ctx context.Context, s *model.SyncState) error
	GetSyncState(ctx context.Context, sourceID string) (*model.SyncState, error)

	// DeleteSyncState removes sourceID's SyncState row, if any (§6 DELETE
	// /sync-state/{source_id}). It is not an error if no row exists.
	DeleteSyncState(ctx context.Context, sourceID string) error
}

// DocumentBytesStore persists artifact blobs for the relational variant of
// the storage operator (§4.1), keyed by (hash, artifact_type, storage_root).
type DocumentBytesStore interface {
	PutDocumentBytes(ctx context.Context, row *model.DocumentBytes) error
	GetDocumentBytes(ctx context.Context, hash string, artifactType model.ArtifactType, storageRoot string) (*model.DocumentBytes, error)
	DocumentBytesExists(ctx context.Context, hash string, artifactType model.ArtifactType, storageRoot string) (bool, error)
	DeleteDocumentBytes(ctx context.Context, hash string, artifactType model.ArtifactType, storageRoot string) error
	ListDocumentBytes(ctx context.Context, artifactType model.ArtifactType, storageRoot string) ([]string, error)
}

// Backend is the full persistence surface the ingestion engine depends on.
// Implementations also satisfy io.Closer to release pooled connections.
type Backend interface {
	DocumentStore
	DocumentURIStore
	BatchStore
	ConfigStore
	RunStore
	StepStore
	LifecycleStore
	WorkerStore
	StatsStore
	DocumentDBStore
	SyncStateStore
	DocumentBytesStore
	io.Closer
}
