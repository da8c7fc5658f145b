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

// Package runbuilder materialises RunGroups and their WorkflowRuns/RunSteps
// from a workflow definition, parameter set, and batch (§4.3).
package runbuilder

import (
	"context"
	"fmt"
	"time"

	"github.com/soliplex/ingesterd/internal/ingest/configset"
	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/registry"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/ingest/store"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// Builder creates RunGroups and their WorkflowRuns/RunSteps.
type Builder struct {
	runs    store.RunStore
	steps   store.StepStore
	batches store.BatchStore
	docs    store.DocumentURIStore

	registry *registry.Registry
	configs  *configset.Resolver
	settings *settings.Settings
}

// New returns a Builder. settings is threaded in explicitly (never read
// back from a global) to resolve the default workflow/param ids.
func New(runs store.RunStore, steps store.StepStore, batches store.BatchStore, docs store.DocumentURIStore, reg *registry.Registry, configs *configset.Resolver, cfg *settings.Settings) *Builder {
	return &Builder{
		runs:     runs,
		steps:    steps,
		batches:  batches,
		docs:     docs,
		registry: reg,
		configs:  configs,
		settings: cfg,
	}
}

// CreateRunGroup resolves wfID/paramID to their settings-configured
// defaults when empty, validates the batch exists, and inserts a PENDING
// RunGroup.
func (b *Builder) CreateRunGroup(ctx context.Context, wfID, paramID string, batchID int64, name string) (*model.RunGroup, error) {
	if wfID == "" {
		wfID = b.settings.DefaultWorkflowID
	}
	if paramID == "" {
		paramID = b.settings.DefaultParamID
	}

	if _, err := b.batches.GetBatch(ctx, batchID); err != nil {
		return nil, fmt.Errorf("runbuilder: resolve batch %d: %w", batchID, err)
	}
	if _, err := b.registry.GetWorkflowDefinition(wfID); err != nil {
		return nil, fmt.Errorf("runbuilder: resolve workflow %s: %w", wfID, err)
	}
	if _, err := b.registry.GetParamSet(paramID); err != nil {
		return nil, fmt.Errorf("runbuilder: resolve param set %s: %w", paramID, err)
	}

	rg := &model.RunGroup{
		WorkflowDefinitionID: wfID,
		ParamDefinitionID:    paramID,
		BatchID:              batchID,
		Name:                 name,
		CreatedDate:          now(),
		StartDate:            now(),
		Status:               model.RunPending,
	}
	if err := b.runs.CreateRunGroup(ctx, rg); err != nil {
		return nil, fmt.Errorf("runbuilder: create run group: %w", err)
	}
	return rg, nil
}

// CreateWorkflowRun materialises one WorkflowRun plus its ordered RunSteps
// for docID within rg, one RunStep per entry of the workflow's item_steps
// in declaration order. Exactly one step (the last in declaration order)
// has IsLastStep set.
func (b *Builder) CreateWorkflowRun(ctx context.Context, rg *model.RunGroup, docID string, priority int) (*model.WorkflowRun, error) {
	wf, err := b.registry.GetWorkflowDefinition(rg.WorkflowDefinitionID)
	if err != nil {
		return nil, fmt.Errorf("runbuilder: resolve workflow %s: %w", rg.WorkflowDefinitionID, err)
	}
	ps, err := b.registry.GetParamSet(rg.ParamDefinitionID)
	if err != nil {
		return nil, fmt.Errorf("runbuilder: resolve param set %s: %w", rg.ParamDefinitionID, err)
	}
	if len(wf.ItemSteps) == 0 {
		return nil, &ingesterrors.InvalidInputError{Field: "item_steps", Message: fmt.Sprintf("workflow %s has no steps", wf.ID)}
	}

	stepConfigIDs, err := b.configs.StepConfigIDs(ctx, wf, ps)
	if err != nil {
		return nil, fmt.Errorf("runbuilder: resolve step configs: %w", err)
	}

	wr := &model.WorkflowRun{
		RunGroupID:           rg.ID,
		WorkflowDefinitionID: wf.ID,
		BatchID:              rg.BatchID,
		DocID:                docID,
		Priority:             priority,
		CreatedDate:          now(),
		Status:               model.RunPending,
	}
	if err := b.runs.CreateWorkflowRun(ctx, wr); err != nil {
		return nil, fmt.Errorf("runbuilder: create workflow run: %w", err)
	}

	lastIdx := len(wf.ItemSteps) - 1
	for i, step := range wf.ItemSteps {
		rs := &model.RunStep{
			WorkflowRunID:      wr.ID,
			WorkflowStepNumber: i + 1,
			WorkflowStepName:   step.Name,
			StepConfigID:       stepConfigIDs[i],
			StepType:           step.StepType,
			IsLastStep:         i == lastIdx,
			Retry:              0,
			Retries:            step.Retries,
			Status:             model.StepPending,
			CreatedDate:        now(),
		}
		if err := b.steps.CreateRunStep(ctx, rs); err != nil {
			return nil, fmt.Errorf("runbuilder: create run step %d (%s): %w", rs.WorkflowStepNumber, rs.StepType, err)
		}
	}
	return wr, nil
}

// CreateWorkflowRunsForBatch creates the RunGroup and one WorkflowRun per
// DocumentURI currently bound to batchID.
func (b *Builder) CreateWorkflowRunsForBatch(ctx context.Context, wfID, paramID string, batchID int64, name string, priority int) (*model.RunGroup, []*model.WorkflowRun, error) {
	rg, err := b.CreateRunGroup(ctx, wfID, paramID, batchID, name)
	if err != nil {
		return nil, nil, err
	}

	uris, err := b.docs.ListDocumentURIsByBatch(ctx, batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("runbuilder: list batch %d documents: %w", batchID, err)
	}

	runs := make([]*model.WorkflowRun, 0, len(uris))
	for _, du := range uris {
		wr, err := b.CreateWorkflowRun(ctx, rg, du.DocHash, priority)
		if err != nil {
			return rg, runs, fmt.Errorf("runbuilder: create run for document %s: %w", du.DocHash, err)
		}
		runs = append(runs, wr)
	}
	return rg, runs, nil
}

// now is a seam so tests can observe timestamp fields deterministically
// without the package reaching for time.Now() directly in more than one
// place.
var now = time.Now
