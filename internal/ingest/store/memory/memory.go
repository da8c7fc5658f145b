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

// Package memory provides an in-memory store.Backend for tests and
// single-process evaluation. It holds every table as a mutex-guarded map.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/store"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

var _ store.Backend = (*Backend)(nil)

// Backend is an in-memory implementation of store.Backend.
type Backend struct {
	mu sync.RWMutex

	nextID int64

	documents    map[string]*model.Document
	documentURIs map[int64]*model.DocumentURI
	uriHistory   map[int64][]*model.DocumentURIHistory
	batches      map[int64]*model.DocumentBatch
	stepConfigs  map[int64]*model.StepConfig
	configSets   map[int64]*model.ConfigSet
	configItems  map[int64][]*model.ConfigSetItem
	runGroups    map[int64]*model.RunGroup
	workflowRuns map[int64]*model.WorkflowRun
	runSteps     map[int64]*model.RunStep
	lifecycle    map[int64][]*model.LifecycleHistory
	workers      map[string]*model.WorkerCheckin
	documentDBs  map[string]*model.DocumentDB
	syncStates   map[string]*model.SyncState
	docBytes     map[string]*model.DocumentBytes
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		documents:    make(map[string]*model.Document),
		documentURIs: make(map[int64]*model.DocumentURI),
		uriHistory:   make(map[int64][]*model.DocumentURIHistory),
		batches:      make(map[int64]*model.DocumentBatch),
		stepConfigs:  make(map[int64]*model.StepConfig),
		configSets:   make(map[int64]*model.ConfigSet),
		configItems:  make(map[int64][]*model.ConfigSetItem),
		runGroups:    make(map[int64]*model.RunGroup),
		workflowRuns: make(map[int64]*model.WorkflowRun),
		runSteps:     make(map[int64]*model.RunStep),
		lifecycle:    make(map[int64][]*model.LifecycleHistory),
		workers:      make(map[string]*model.WorkerCheckin),
		documentDBs:  make(map[string]*model.DocumentDB),
		syncStates:   make(map[string]*model.SyncState),
		docBytes:     make(map[string]*model.DocumentBytes),
	}
}

func (b *Backend) newID() int64 {
	b.nextID++
	return b.nextID
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error { return nil }

// --- Documents ---

func (b *Backend) CreateDocument(ctx context.Context, doc *model.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.documents[doc.Hash]; exists {
		return &ingesterrors.DuplicateError{Resource: "document", ID: doc.Hash}
	}
	b.documents[doc.Hash] = doc
	return nil
}

func (b *Backend) GetDocument(ctx context.Context, hash string) (*model.Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, exists := b.documents[hash]
	if !exists {
		return nil, &ingesterrors.NotFoundError{Resource: "document", ID: hash}
	}
	return doc, nil
}

func (b *Backend) DocumentExists(ctx context.Context, hash string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.documents[hash]
	return exists, nil
}

func (b *Backend) UpdateDocumentMeta(ctx context.Context, hash string, docMeta map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, exists := b.documents[hash]
	if !exists {
		return &ingesterrors.NotFoundError{Resource: "document", ID: hash}
	}
	doc.DocMeta = docMeta
	return nil
}

func (b *Backend) DeleteDocument(ctx context.Context, hash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.documents, hash)
	return nil
}

func (b *Backend) DeleteOrphanedDocuments(ctx context.Context) (int, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	referenced := make(map[string]bool, len(b.documentURIs))
	for _, du := range b.documentURIs {
		referenced[du.DocHash] = true
	}

	docsDeleted, historyDeleted := 0, 0
	for hash := range b.documents {
		if referenced[hash] {
			continue
		}
		delete(b.documents, hash)
		docsDeleted++
		for uriID, hist := range b.uriHistory {
			var kept []*model.DocumentURIHistory
			for _, h := range hist {
				if h.DocHash == hash {
					historyDeleted++
					continue
				}
				kept = append(kept, h)
			}
			if len(kept) == 0 {
				delete(b.uriHistory, uriID)
			} else {
				b.uriHistory[uriID] = kept
			}
		}
	}
	return docsDeleted, historyDeleted, nil
}

// --- DocumentURIs ---

func (b *Backend) CreateDocumentURI(ctx context.Context, du *model.DocumentURI) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	du.ID = b.newID()
	b.documentURIs[du.ID] = du
	return nil
}

func (b *Backend) GetDocumentURIByURI(ctx context.Context, uri, source string) (*model.DocumentURI, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, du := range b.documentURIs {
		if du.URI == uri && du.Source == source {
			return du, nil
		}
	}
	return nil, &ingesterrors.NotFoundError{Resource: "document_uri", ID: uri}
}

func (b *Backend) UpdateDocumentURI(ctx context.Context, du *model.DocumentURI) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.documentURIs[du.ID]; !exists {
		return &ingesterrors.NotFoundError{Resource: "document_uri", ID: idStr(du.ID)}
	}
	b.documentURIs[du.ID] = du
	return nil
}

// DeleteDocumentURI removes the binding but leaves its DocumentURIHistory
// rows in place: history is an append-only audit trail keyed by doc_hash,
// not cleaned up by URI lifecycle, only by DeleteOrphanedDocuments once the
// Document itself goes orphaned.
func (b *Backend) DeleteDocumentURI(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.documentURIs, id)
	return nil
}

func (b *Backend) ListDocumentURIsByBatch(ctx context.Context, batchID int64) ([]*model.DocumentURI, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*model.DocumentURI
	for _, du := range b.documentURIs {
		if du.BatchID != nil && *du.BatchID == batchID {
			out = append(out, du)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) ListDocumentURIsBySource(ctx context.Context, source string) ([]*model.DocumentURI, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*model.DocumentURI
	for _, du := range b.documentURIs {
		if du.Source == source {
			out = append(out, du)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) CountDocumentURIsByHash(ctx context.Context, hash string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, du := range b.documentURIs {
		if du.DocHash == hash {
			n++
		}
	}
	return n, nil
}

func (b *Backend) AppendDocumentURIHistory(ctx context.Context, h *model.DocumentURIHistory) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h.ID = b.newID()
	h.CreatedDate = time.Now().UTC()
	b.uriHistory[h.DocumentURIID] = append(b.uriHistory[h.DocumentURIID], h)
	return nil
}

func (b *Backend) ListDocumentURIHistory(ctx context.Context, documentURIID int64) ([]*model.DocumentURIHistory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*model.DocumentURIHistory(nil), b.uriHistory[documentURIID]...), nil
}

// --- Batches ---

func (b *Backend) CreateBatch(ctx context.Context, batch *model.DocumentBatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch.ID = b.newID()
	if batch.StartDate.IsZero() {
		batch.StartDate = time.Now().UTC()
	}
	b.batches[batch.ID] = batch
	return nil
}

func (b *Backend) GetBatch(ctx context.Context, id int64) (*model.DocumentBatch, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	batch, exists := b.batches[id]
	if !exists {
		return nil, &ingesterrors.NotFoundError{Resource: "batch", ID: idStr(id)}
	}
	return batch, nil
}

func (b *Backend) CompleteBatch(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, exists := b.batches[id]
	if !exists {
		return &ingesterrors.NotFoundError{Resource: "batch", ID: idStr(id)}
	}
	now := time.Now().UTC()
	batch.CompletedDate = &now
	return nil
}

func (b *Backend) ListBatches(ctx context.Context, source string, limit, offset int) ([]*model.DocumentBatch, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*model.DocumentBatch
	for _, batch := range b.batches {
		if source != "" && batch.Source != source {
			continue
		}
		out = append(out, batch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, limit, offset), nil
}

// --- Config ---

func (b *Backend) GetOrCreateStepConfig(ctx context.Context, stepType model.StepType, configJSON, cumlConfigJSON string) (*model.StepConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sc := range b.stepConfigs {
		if sc.StepType == stepType && sc.ConfigJSON == configJSON && sc.CumlConfigJSON == cumlConfigJSON {
			return sc, nil
		}
	}
	sc := &model.StepConfig{ID: b.newID(), StepType: stepType, ConfigJSON: configJSON, CumlConfigJSON: cumlConfigJSON}
	b.stepConfigs[sc.ID] = sc
	return sc, nil
}

func (b *Backend) GetStepConfig(ctx context.Context, id int64) (*model.StepConfig, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sc, exists := b.stepConfigs[id]
	if !exists {
		return nil, &ingesterrors.NotFoundError{Resource: "step_config", ID: idStr(id)}
	}
	return sc, nil
}

func (b *Backend) GetOrCreateConfigSet(ctx context.Context, yamlID, yamlContents string, stepConfigIDs []int64) (*model.ConfigSet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cs := range b.configSets {
		if cs.YAMLID == yamlID && cs.YAMLContents == yamlContents {
			return cs, nil
		}
	}
	cs := &model.ConfigSet{ID: b.newID(), YAMLID: yamlID, YAMLContents: yamlContents}
	b.configSets[cs.ID] = cs
	for _, configID := range stepConfigIDs {
		b.configItems[cs.ID] = append(b.configItems[cs.ID], &model.ConfigSetItem{ConfigSetID: cs.ID, ConfigID: configID})
	}
	return cs, nil
}

func (b *Backend) GetConfigSetItems(ctx context.Context, configSetID int64) ([]*model.ConfigSetItem, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*model.ConfigSetItem(nil), b.configItems[configSetID]...), nil
}

// --- Run groups / workflow runs ---

func (b *Backend) CreateRunGroup(ctx context.Context, rg *model.RunGroup) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rg.ID = b.newID()
	if rg.CreatedDate.IsZero() {
		rg.CreatedDate = time.Now().UTC()
	}
	if rg.Status == "" {
		rg.Status = model.RunPending
	}
	b.runGroups[rg.ID] = rg
	return nil
}

func (b *Backend) GetRunGroup(ctx context.Context, id int64) (*model.RunGroup, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rg, exists := b.runGroups[id]
	if !exists {
		return nil, &ingesterrors.NotFoundError{Resource: "run_group", ID: idStr(id)}
	}
	return rg, nil
}

func (b *Backend) UpdateRunGroupStatus(ctx context.Context, id int64, status model.RunStatus, completed *time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rg, exists := b.runGroups[id]
	if !exists {
		return &ingesterrors.NotFoundError{Resource: "run_group", ID: idStr(id)}
	}
	rg.Status = status
	if completed != nil {
		rg.CompletedDate = completed
	}
	return nil
}

func (b *Backend) ListRunGroups(ctx context.Context, filter store.RunGroupFilter) ([]*model.RunGroup, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*model.RunGroup
	for _, rg := range b.runGroups {
		if filter.BatchID != nil && rg.BatchID != *filter.BatchID {
			continue
		}
		if filter.WorkflowDefinitionID != "" && rg.WorkflowDefinitionID != filter.WorkflowDefinitionID {
			continue
		}
		if filter.Status != "" && rg.Status != filter.Status {
			continue
		}
		out = append(out, rg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (b *Backend) DeleteRunGroup(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runGroups, id)
	for wrID, wr := range b.workflowRuns {
		if wr.RunGroupID == id {
			delete(b.workflowRuns, wrID)
			for sID, s := range b.runSteps {
				if s.WorkflowRunID == wrID {
					delete(b.runSteps, sID)
				}
			}
		}
	}
	delete(b.lifecycle, id)
	return nil
}

func (b *Backend) ListWorkflowRunsByDocHash(ctx context.Context, docHash string) ([]*model.WorkflowRun, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*model.WorkflowRun
	for _, wr := range b.workflowRuns {
		if wr.DocID == docHash {
			out = append(out, wr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) DeleteWorkflowRunsByDocHash(ctx context.Context, docHash string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for wrID, wr := range b.workflowRuns {
		if wr.DocID != docHash {
			continue
		}
		for sID, s := range b.runSteps {
			if s.WorkflowRunID == wrID {
				delete(b.runSteps, sID)
			}
		}
		if hist, ok := b.lifecycle[wr.RunGroupID]; ok {
			var kept []*model.LifecycleHistory
			for _, h := range hist {
				if h.WorkflowRunID != wrID {
					kept = append(kept, h)
				}
			}
			b.lifecycle[wr.RunGroupID] = kept
		}
		delete(b.workflowRuns, wrID)
		n++
	}
	return n, nil
}

func (b *Backend) ResetFailedSteps(ctx context.Context, runGroupID int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for wrID, wr := range b.workflowRuns {
		if wr.RunGroupID != runGroupID || wr.Status != model.RunFailed {
			continue
		}
		for _, s := range b.runSteps {
			if s.WorkflowRunID == wrID && s.Status == model.StepFailed {
				s.Status = model.StepPending
				s.Retry = 0
				s.WorkerID = nil
			}
		}
		wr.Status = model.RunRunning
		n++
	}
	return n, nil
}

func (b *Backend) CreateWorkflowRun(ctx context.Context, wr *model.WorkflowRun) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	wr.ID = b.newID()
	if wr.CreatedDate.IsZero() {
		wr.CreatedDate = time.Now().UTC()
	}
	if wr.Status == "" {
		wr.Status = model.RunPending
	}
	b.workflowRuns[wr.ID] = wr
	return nil
}

func (b *Backend) GetWorkflowRun(ctx context.Context, id int64) (*model.WorkflowRun, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	wr, exists := b.workflowRuns[id]
	if !exists {
		return nil, &ingesterrors.NotFoundError{Resource: "workflow_run", ID: idStr(id)}
	}
	return wr, nil
}

func (b *Backend) UpdateWorkflowRunStatus(ctx context.Context, id int64, status model.RunStatus, started, completed *time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	wr, exists := b.workflowRuns[id]
	if !exists {
		return &ingesterrors.NotFoundError{Resource: "workflow_run", ID: idStr(id)}
	}
	wr.Status = status
	if started != nil {
		wr.StartDate = started
	}
	if completed != nil {
		wr.CompletedDate = completed
	}
	return nil
}

func (b *Backend) ListWorkflowRunsByGroup(ctx context.Context, runGroupID int64) ([]*model.WorkflowRun, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*model.WorkflowRun
	for _, wr := range b.workflowRuns {
		if wr.RunGroupID == runGroupID {
			out = append(out, wr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) CountWorkflowRunsByStatus(ctx context.Context, runGroupID int64) (map[model.RunStatus]int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := make(map[model.RunStatus]int)
	for _, wr := range b.workflowRuns {
		if wr.RunGroupID == runGroupID {
			counts[wr.Status]++
		}
	}
	return counts, nil
}

// --- Run steps ---

func (b *Backend) CreateRunStep(ctx context.Context, s *model.RunStep) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.ID = b.newID()
	if s.CreatedDate.IsZero() {
		s.CreatedDate = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = model.StepPending
	}
	b.runSteps[s.ID] = s
	return nil
}

func (b *Backend) GetRunStep(ctx context.Context, id int64) (*model.RunStep, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, exists := b.runSteps[id]
	if !exists {
		return nil, &ingesterrors.NotFoundError{Resource: "run_step", ID: idStr(id)}
	}
	return s, nil
}

func (b *Backend) ListRunStepsByRun(ctx context.Context, workflowRunID int64) ([]*model.RunStep, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*model.RunStep
	for _, s := range b.runSteps {
		if s.WorkflowRunID == workflowRunID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowStepNumber < out[j].WorkflowStepNumber })
	return out, nil
}

// ListRunnableSteps returns steps that satisfy all six clauses of the
// runnable-step selection rule (§4.4): retry capacity remaining, status
// not {RUNNING,COMPLETED,FAILED}, the minimum workflow_step_number among
// the run's own not-{COMPLETED,FAILED,RUNNING} steps, owning run not
// {COMPLETED,FAILED}, no sibling step currently RUNNING, and an optional
// batch filter. Results are ordered by priority desc, retry asc, created
// date asc, step number asc.
func (b *Backend) ListRunnableSteps(ctx context.Context, filter store.RunnableStepFilter) ([]*model.RunStep, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	wanted := make(map[model.StepType]bool, len(filter.StepTypes))
	for _, t := range filter.StepTypes {
		wanted[t] = true
	}

	runHasRunningStep := make(map[int64]bool)
	minIncompleteStepNumber := make(map[int64]int)
	for _, s := range b.runSteps {
		if s.Status == model.StepRunning {
			runHasRunningStep[s.WorkflowRunID] = true
		}
		if s.Status == model.StepCompleted || s.Status == model.StepFailed {
			continue
		}
		cur, ok := minIncompleteStepNumber[s.WorkflowRunID]
		if !ok || s.WorkflowStepNumber < cur {
			minIncompleteStepNumber[s.WorkflowRunID] = s.WorkflowStepNumber
		}
	}

	var out []*model.RunStep
	for _, s := range b.runSteps {
		if s.Retry >= s.Retries {
			continue
		}
		if s.Status == model.StepRunning || s.Status == model.StepCompleted || s.Status == model.StepFailed {
			continue
		}
		if s.WorkflowStepNumber != minIncompleteStepNumber[s.WorkflowRunID] {
			continue
		}
		wr, exists := b.workflowRuns[s.WorkflowRunID]
		if !exists || wr.Status == model.RunCompleted || wr.Status == model.RunFailed {
			continue
		}
		if runHasRunningStep[s.WorkflowRunID] {
			continue
		}
		if filter.BatchID != nil && wr.BatchID != *filter.BatchID {
			continue
		}
		if len(wanted) > 0 && !wanted[s.StepType] {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, c := out[i], out[j]
		wi, wj := b.workflowRuns[a.WorkflowRunID], b.workflowRuns[c.WorkflowRunID]
		if wi.Priority != wj.Priority {
			return wi.Priority > wj.Priority
		}
		if a.Retry != c.Retry {
			return a.Retry < c.Retry
		}
		if !a.CreatedDate.Equal(c.CreatedDate) {
			return a.CreatedDate.Before(c.CreatedDate)
		}
		return a.WorkflowStepNumber < c.WorkflowStepNumber
	})
	return paginate(out, filter.Limit, 0), nil
}

func (b *Backend) ClaimStep(ctx context.Context, stepID int64, workerID string) (*model.RunStep, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, exists := b.runSteps[stepID]
	if !exists {
		return nil, &ingesterrors.NotFoundError{Resource: "run_step", ID: idStr(stepID)}
	}
	if s.Status != model.StepPending {
		return nil, &ingesterrors.InvalidStateError{Entity: "run_step", From: string(s.Status), Reason: "step is not pending"}
	}
	now := time.Now().UTC()
	s.Status = model.StepRunning
	s.WorkerID = &workerID
	s.StartDate = &now
	return s, nil
}

func (b *Backend) CompleteStep(ctx context.Context, stepID int64, workerID string, status model.StepStatus, meta map[string]any) (*model.RunStep, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, exists := b.runSteps[stepID]
	if !exists {
		return nil, &ingesterrors.NotFoundError{Resource: "run_step", ID: idStr(stepID)}
	}
	if s.Status != model.StepRunning || s.WorkerID == nil || *s.WorkerID != workerID {
		return nil, &ingesterrors.InvalidStateError{Entity: "run_step", From: string(s.Status), Reason: "owned by another worker"}
	}
	now := time.Now().UTC()
	s.Meta = meta
	switch status {
	case model.StepCompleted:
		s.Status = model.StepCompleted
		s.CompletedDate = &now
	case model.StepError:
		s.Retry++
		if s.Retry >= s.Retries {
			s.Status = model.StepFailed
			s.CompletedDate = &now
		} else {
			s.Status = model.StepPending
			s.WorkerID = nil
			s.StartDate = nil
		}
	default:
		return nil, &ingesterrors.InvalidInputError{Field: "status", Message: "completion status must be COMPLETED or ERROR"}
	}
	return s, nil
}

func (b *Backend) ReapStaleSteps(ctx context.Context, staleAfter time.Duration) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().UTC().Add(-staleAfter)
	var reaped []int64
	for _, s := range b.runSteps {
		if s.Status != model.StepRunning || s.StartDate == nil || s.StartDate.After(cutoff) {
			continue
		}
		s.Retry++
		if s.Retry >= s.Retries {
			s.Status = model.StepFailed
		} else {
			s.Status = model.StepPending
		}
		s.WorkerID = nil
		s.StartDate = nil
		reaped = append(reaped, s.ID)
	}
	return reaped, nil
}

// --- Lifecycle ---

func (b *Backend) AppendLifecycleHistory(ctx context.Context, h *model.LifecycleHistory) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h.ID = b.newID()
	if h.StatusDate.IsZero() {
		h.StatusDate = time.Now().UTC()
	}
	b.lifecycle[h.RunGroupID] = append(b.lifecycle[h.RunGroupID], h)
	return nil
}

func (b *Backend) ListLifecycleHistory(ctx context.Context, runGroupID int64) ([]*model.LifecycleHistory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*model.LifecycleHistory(nil), b.lifecycle[runGroupID]...), nil
}

// --- Workers ---

func (b *Backend) CheckinWorker(ctx context.Context, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	w, exists := b.workers[workerID]
	if !exists {
		b.workers[workerID] = &model.WorkerCheckin{WorkerID: workerID, FirstCheckin: now, LastCheckin: now}
		return nil
	}
	w.LastCheckin = now
	return nil
}

func (b *Backend) ListStaleWorkers(ctx context.Context, staleAfter time.Duration) ([]*model.WorkerCheckin, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cutoff := time.Now().UTC().Add(-staleAfter)
	var out []*model.WorkerCheckin
	for _, w := range b.workers {
		if w.LastCheckin.Before(cutoff) {
			out = append(out, w)
		}
	}
	return out, nil
}

// --- Stats (§9.5) ---

func (b *Backend) GetRunGroupDurations(ctx context.Context, runGroupID int64) ([]store.RunGroupDuration, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []store.RunGroupDuration
	for _, s := range b.runSteps {
		if s.Status != model.StepCompleted || s.StartDate == nil || s.CompletedDate == nil {
			continue
		}
		wr, ok := b.workflowRuns[s.WorkflowRunID]
		if !ok || wr.RunGroupID != runGroupID {
			continue
		}
		out = append(out, store.RunGroupDuration{
			RunGroupID: runGroupID,
			Seconds:    s.CompletedDate.Sub(*s.StartDate).Seconds(),
		})
	}
	return out, nil
}

func (b *Backend) GetStepStats(ctx context.Context, runGroupID int64) ([]store.StepStat, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	agg := make(map[model.StepType]*store.StepStat)
	durSum := make(map[model.StepType]float64)
	for _, s := range b.runSteps {
		wr, ok := b.workflowRuns[s.WorkflowRunID]
		if !ok || wr.RunGroupID != runGroupID {
			continue
		}
		st, exists := agg[s.StepType]
		if !exists {
			st = &store.StepStat{StepType: s.StepType}
			agg[s.StepType] = st
		}
		st.Count++
		if s.Status == model.StepFailed || s.Status == model.StepError {
			st.ErrorCount++
		}
		if s.StartDate != nil && s.CompletedDate != nil {
			durSum[s.StepType] += s.CompletedDate.Sub(*s.StartDate).Seconds()
		}
	}
	var out []store.StepStat
	for stepType, st := range agg {
		if st.Count > 0 {
			st.AvgSeconds = durSum[stepType] / float64(st.Count)
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepType < out[j].StepType })
	return out, nil
}

// --- DocumentDB / SyncState (§9.7) ---

func documentDBKey(docHash, source string) string { return docHash + "\x00" + source }

func (b *Backend) UpsertDocumentDB(ctx context.Context, row *model.DocumentDB) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row.CreatedDate.IsZero() {
		row.CreatedDate = time.Now().UTC()
	}
	b.documentDBs[documentDBKey(row.DocHash, row.Source)] = row
	return nil
}

func (b *Backend) GetDocumentDB(ctx context.Context, docHash, source string) (*model.DocumentDB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	row, exists := b.documentDBs[documentDBKey(docHash, source)]
	if !exists {
		return nil, &ingesterrors.NotFoundError{Resource: "document_db", ID: docHash}
	}
	return row, nil
}

func (b *Backend) DeleteDocumentDB(ctx context.Context, docHash, source string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.documentDBs, documentDBKey(docHash, source))
	return nil
}

func (b *Backend) ListDocumentDBByHash(ctx context.Context, docHash string) ([]*model.DocumentDB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*model.DocumentDB
	for _, row := range b.documentDBs {
		if row.DocHash == docHash {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func (b *Backend) ListDocumentDBByName(ctx context.Context, dbName string) ([]*model.DocumentDB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*model.DocumentDB
	for _, row := range b.documentDBs {
		if row.DBName == dbName {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocHash < out[j].DocHash })
	return out, nil
}

func (b *Backend) SaveSyncState(ctx context.Context, s *model.SyncState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.UpdatedDate = time.Now().UTC()
	b.syncStates[s.SourceID] = s
	return nil
}

func (b *Backend) GetSyncState(ctx context.Context, sourceID string) (*model.SyncState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, exists := b.syncStates[sourceID]
	if !exists {
		return nil, &ingesterrors.NotFoundError{Resource: "sync_state", ID: sourceID}
	}
	return s, nil
}

func (b *Backend) DeleteSyncState(ctx context.Context, sourceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.syncStates, sourceID)
	return nil
}

// --- DocumentBytes (§4.1 relational storage-operator variant) ---

func docBytesKey(hash string, artifactType model.ArtifactType, storageRoot string) string {
	return hash + "\x00" + string(artifactType) + "\x00" + storageRoot
}

func (b *Backend) PutDocumentBytes(ctx context.Context, row *model.DocumentBytes) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	row.Size = int64(len(row.Bytes))
	b.docBytes[docBytesKey(row.Hash, row.ArtifactType, row.StorageRoot)] = row
	return nil
}

func (b *Backend) GetDocumentBytes(ctx context.Context, hash string, artifactType model.ArtifactType, storageRoot string) (*model.DocumentBytes, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	row, exists := b.docBytes[docBytesKey(hash, artifactType, storageRoot)]
	if !exists {
		return nil, &ingesterrors.NotFoundError{Resource: "document_bytes", ID: hash}
	}
	return row, nil
}

func (b *Backend) DocumentBytesExists(ctx context.Context, hash string, artifactType model.ArtifactType, storageRoot string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.docBytes[docBytesKey(hash, artifactType, storageRoot)]
	return exists, nil
}

func (b *Backend) DeleteDocumentBytes(ctx context.Context, hash string, artifactType model.ArtifactType, storageRoot string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := docBytesKey(hash, artifactType, storageRoot)
	if _, exists := b.docBytes[key]; !exists {
		return &ingesterrors.NotFoundError{Resource: "document_bytes", ID: hash}
	}
	delete(b.docBytes, key)
	return nil
}

func (b *Backend) ListDocumentBytes(ctx context.Context, artifactType model.ArtifactType, storageRoot string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for _, row := range b.docBytes {
		if row.ArtifactType == artifactType && row.StorageRoot == storageRoot {
			out = append(out, row.Hash)
		}
	}
	sort.Strings(out)
	return out, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func idStr(id int64) string {
	return strconv.FormatInt(id, 10)
}
