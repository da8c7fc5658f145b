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

// Package model defines the persistent entities of the document-ingestion
// workflow engine: documents and their URIs, batches, the config-sharing
// tables, run groups/runs/steps, lifecycle history, and worker checkins.
package model

import "time"

// StepType identifies the kind of processing a RunStep performs.
type StepType string

const (
	StepValidate StepType = "VALIDATE"
	StepParse    StepType = "PARSE"
	StepChunk    StepType = "CHUNK"
	StepEmbed    StepType = "EMBED"
	StepStore    StepType = "STORE"
	StepEnrich   StepType = "ENRICH"
	StepRoute    StepType = "ROUTE"
	StepIngest   StepType = "INGEST"
)

// ArtifactType identifies the kind of blob an artifact holds.
type ArtifactType string

const (
	ArtifactDoc        ArtifactType = "DOC"
	ArtifactParsedJSON ArtifactType = "PARSED_JSON"
	ArtifactParsedMD   ArtifactType = "PARSED_MD"
	ArtifactChunks     ArtifactType = "CHUNKS"
	ArtifactEmbeddings ArtifactType = "EMBEDDINGS"
)

// ArtifactsFromSteps maps a step type to the artifact types its handler is
// permitted to address. Used by the storage operator's selection rule (§4.1).
var ArtifactsFromSteps = map[StepType][]ArtifactType{
	StepValidate: {},
	StepParse:    {ArtifactParsedJSON, ArtifactParsedMD},
	StepChunk:    {ArtifactChunks},
	StepEmbed:    {ArtifactEmbeddings},
	StepStore:    {},
}

// RunStatus is the aggregate status of a RunGroup or WorkflowRun.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunError     RunStatus = "ERROR"
	RunFailed    RunStatus = "FAILED"
)

// StepStatus is the lifecycle status of a single RunStep.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepError     StepStatus = "ERROR"
	StepFailed    StepStatus = "FAILED"
)

// LifecycleEvent is one of the six {GROUP,ITEM,STEP}x{START,END} moments, plus
// the two FAILED variants fired when a lifecycle handler itself errors.
type LifecycleEvent string

const (
	EventGroupStart  LifecycleEvent = "GROUP_START"
	EventGroupEnd    LifecycleEvent = "GROUP_END"
	EventItemStart   LifecycleEvent = "ITEM_START"
	EventItemEnd     LifecycleEvent = "ITEM_END"
	EventItemFailed  LifecycleEvent = "ITEM_FAILED"
	EventStepStart   LifecycleEvent = "STEP_START"
	EventStepEnd     LifecycleEvent = "STEP_END"
	EventStepFailed  LifecycleEvent = "STEP_FAILED"
)

// Document is created once per unique byte content, keyed by its hash.
type Document struct {
	Hash     string         `json:"hash"`
	MimeType string         `json:"mime_type"`
	FileSize int64          `json:"file_size"`
	DocMeta  map[string]any `json:"doc_meta"`
}

// DocumentURI binds an external (uri, source) pair to a Document, versioned
// on content change.
type DocumentURI struct {
	ID      int64  `json:"id"`
	URI     string `json:"uri"`
	Source  string `json:"source"`
	DocHash string `json:"doc_hash"`
	Version int    `json:"version"`
	BatchID *int64 `json:"batch_id,omitempty"`
}

// DocumentURIHistory is an append-only audit trail of actions taken against
// a DocumentURI.
type DocumentURIHistory struct {
	ID            int64          `json:"id"`
	DocumentURIID int64          `json:"document_uri_id"`
	Action        string         `json:"action"`
	DocHash       string         `json:"doc_hash"`
	BatchID       *int64         `json:"batch_id,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	CreatedDate   time.Time      `json:"created_date"`
}

// DocumentBatch groups DocumentURIs ingested together from one source.
type DocumentBatch struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Source        string     `json:"source"`
	StartDate     time.Time  `json:"start_date"`
	CompletedDate *time.Time `json:"completed_date,omitempty"`
}

// DocumentBytes holds an artifact blob in the relational storage-operator
// variant, keyed by (hash, artifact_type, storage_root).
type DocumentBytes struct {
	Hash         string       `json:"hash"`
	ArtifactType ArtifactType `json:"artifact_type"`
	StorageRoot  string       `json:"storage_root"`
	Bytes        []byte       `json:"-"`
	Size         int64        `json:"size"`
}

// StepConfig is a shared, content-addressed record of one step's
// parameters plus the canonical cumulative configuration of every step
// before it in workflow order.
type StepConfig struct {
	ID             int64    `json:"id"`
	StepType       StepType `json:"step_type"`
	ConfigJSON     string   `json:"config_json"`
	CumlConfigJSON string   `json:"cuml_config_json"`
}

// ConfigSet is one persisted, canonicalised parameter-set serialisation.
type ConfigSet struct {
	ID            int64  `json:"id"`
	YAMLID        string `json:"yaml_id"`
	YAMLContents  string `json:"yaml_contents"`
}

// ConfigSetItem links a ConfigSet to the StepConfig rows it resolves to, one
// per step type in the owning workflow.
type ConfigSetItem struct {
	ConfigSetID int64 `json:"config_set_id"`
	ConfigID    int64 `json:"config_id"`
}

// RunGroup is one activation of (batch, workflow, parameter-set); it fans out
// into one WorkflowRun per document.
type RunGroup struct {
	ID                   int64      `json:"id"`
	WorkflowDefinitionID string     `json:"workflow_definition_id"`
	ParamDefinitionID    string     `json:"param_definition_id"`
	BatchID              int64      `json:"batch_id"`
	Name                 string     `json:"name,omitempty"`
	CreatedDate          time.Time  `json:"created_date"`
	StartDate            time.Time  `json:"start_date"`
	CompletedDate        *time.Time `json:"completed_date,omitempty"`
	Status               RunStatus  `json:"status"`
}

// WorkflowRun is the end-to-end journey of one Document through one
// workflow, composed of ordered RunSteps.
type WorkflowRun struct {
	ID                   int64          `json:"id"`
	RunGroupID           int64          `json:"run_group_id"`
	WorkflowDefinitionID string         `json:"workflow_definition_id"`
	BatchID              int64          `json:"batch_id"`
	DocID                string         `json:"doc_id"`
	Priority             int            `json:"priority"`
	CreatedDate          time.Time      `json:"created_date"`
	StartDate            *time.Time     `json:"start_date,omitempty"`
	CompletedDate        *time.Time     `json:"completed_date,omitempty"`
	Status               RunStatus      `json:"status"`
	RunParams            map[string]any `json:"run_params,omitempty"`
}

// RunStep is one typed processing step within a WorkflowRun, bound to
// exactly one StepConfig.
type RunStep struct {
	ID                 int64          `json:"id"`
	WorkflowRunID       int64          `json:"workflow_run_id"`
	WorkflowStepNumber  int            `json:"workflow_step_number"`
	WorkflowStepName    string         `json:"workflow_step_name"`
	StepConfigID        int64          `json:"step_config_id"`
	StepType            StepType       `json:"step_type"`
	IsLastStep          bool           `json:"is_last_step"`
	Retry               int            `json:"retry"`
	Retries             int            `json:"retries"`
	Status              StepStatus     `json:"status"`
	WorkerID            *string        `json:"worker_id,omitempty"`
	CreatedDate         time.Time      `json:"created_date"`
	StartDate           *time.Time     `json:"start_date,omitempty"`
	CompletedDate       *time.Time     `json:"completed_date,omitempty"`
	Meta                map[string]any `json:"meta,omitempty"`
}

// LifecycleHistory records one fired lifecycle event.
type LifecycleHistory struct {
	ID          int64          `json:"id"`
	RunGroupID  int64          `json:"run_group_id"`
	WorkflowRunID int64        `json:"workflow_run_id"`
	StepID      *int64         `json:"step_id,omitempty"`
	Event       LifecycleEvent `json:"event"`
	Status      string         `json:"status"`
	StatusDate  time.Time      `json:"status_date"`
	StatusMeta  map[string]any `json:"status_meta,omitempty"`
}

// WorkerCheckin is a periodic worker heartbeat row.
type WorkerCheckin struct {
	WorkerID     string    `json:"worker_id"`
	FirstCheckin time.Time `json:"first_checkin"`
	LastCheckin  time.Time `json:"last_checkin"`
}

// DocumentDB is the durable cross-reference between a document and its
// representation inside the external RAG system (supplemented, §9.7).
type DocumentDB struct {
	DocHash     string    `json:"doc_hash"`
	Source      string    `json:"source"`
	DBName      string    `json:"db_name"`
	LanceDBDir  string    `json:"lancedb_dir"`
	RAGID       string    `json:"rag_id"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedDate time.Time `json:"created_date"`
}

// SyncState is an opaque per-source persisted blob (supplemented, §9.7).
type SyncState struct {
	SourceID    string    `json:"source_id"`
	StateJSON   string    `json:"state_json"`
	UpdatedDate time.Time `json:"updated_date"`
}
