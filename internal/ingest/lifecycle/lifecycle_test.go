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

package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/registry"
	"github.com/soliplex/ingesterd/internal/ingest/store/memory"
)

func seedGroup(t *testing.T, backend *memory.Backend, stepNumber int, isLast bool) (*model.RunGroup, *model.WorkflowRun, *model.RunStep) {
	t.Helper()
	ctx := context.Background()
	rg := &model.RunGroup{WorkflowDefinitionID: "wf", ParamDefinitionID: "params", BatchID: 1, Status: model.RunRunning}
	if err := backend.CreateRunGroup(ctx, rg); err != nil {
		t.Fatal(err)
	}
	wr := &model.WorkflowRun{RunGroupID: rg.ID, WorkflowDefinitionID: "wf", BatchID: 1, DocID: "doc", Status: model.RunRunning}
	if err := backend.CreateWorkflowRun(ctx, wr); err != nil {
		t.Fatal(err)
	}
	step := &model.RunStep{WorkflowRunID: wr.ID, WorkflowStepNumber: stepNumber, IsLastStep: isLast, StepType: model.StepValidate, Status: model.StepRunning, Retries: 1}
	if err := backend.CreateRunStep(ctx, step); err != nil {
		t.Fatal(err)
	}
	return rg, wr, step
}

func TestOnStepRunningFiresStepAndItemAndGroupStart(t *testing.T) {
	backend := memory.New()
	rg, wr, step := seedGroup(t, backend, 1, false)

	wf := &registry.WorkflowDefinition{
		LifecycleEvents: map[model.LifecycleEvent][]registry.StepHandler{
			model.EventStepStart:  {{Name: "log-step"}},
			model.EventItemStart:  {{Name: "log-item"}},
			model.EventGroupStart: {{Name: "log-group"}},
		},
	}

	var fired []model.LifecycleEvent
	d := New(backend, backend, nil, func(ctx context.Context, h registry.StepHandler, s *model.RunStep, r *model.WorkflowRun, g *model.RunGroup) (map[string]any, error) {
		return map[string]any{"handler": h.Name}, nil
	})
	d.OnStepRunning(context.Background(), wf, step, wr, rg)

	history, err := backend.ListLifecycleHistory(context.Background(), rg.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range history {
		fired = append(fired, h.Event)
	}
	wantEvents := map[model.LifecycleEvent]bool{model.EventStepStart: false, model.EventItemStart: false, model.EventGroupStart: false}
	for _, e := range fired {
		if _, ok := wantEvents[e]; ok {
			wantEvents[e] = true
		}
	}
	for e, seen := range wantEvents {
		if !seen {
			t.Errorf("expected event %s to fire, history: %+v", e, fired)
		}
	}
}

func TestOnStepRunningSkipsGroupStartWhenNotFirstRunning(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()
	rg := &model.RunGroup{WorkflowDefinitionID: "wf", ParamDefinitionID: "params", BatchID: 1, Status: model.RunRunning}
	if err := backend.CreateRunGroup(ctx, rg); err != nil {
		t.Fatal(err)
	}
	wr1 := &model.WorkflowRun{RunGroupID: rg.ID, WorkflowDefinitionID: "wf", BatchID: 1, DocID: "doc-1", Status: model.RunRunning}
	if err := backend.CreateWorkflowRun(ctx, wr1); err != nil {
		t.Fatal(err)
	}
	wr2 := &model.WorkflowRun{RunGroupID: rg.ID, WorkflowDefinitionID: "wf", BatchID: 1, DocID: "doc-2", Status: model.RunRunning}
	if err := backend.CreateWorkflowRun(ctx, wr2); err != nil {
		t.Fatal(err)
	}
	step2 := &model.RunStep{WorkflowRunID: wr2.ID, WorkflowStepNumber: 1, StepType: model.StepValidate, Status: model.StepRunning, Retries: 1}
	if err := backend.CreateRunStep(ctx, step2); err != nil {
		t.Fatal(err)
	}

	wf := &registry.WorkflowDefinition{
		LifecycleEvents: map[model.LifecycleEvent][]registry.StepHandler{
			model.EventGroupStart: {{Name: "log-group"}},
		},
	}
	d := New(backend, backend, nil, func(ctx context.Context, h registry.StepHandler, s *model.RunStep, r *model.WorkflowRun, g *model.RunGroup) (map[string]any, error) {
		return nil, nil
	})
	d.OnStepRunning(ctx, wf, step2, wr2, rg)

	history, err := backend.ListLifecycleHistory(ctx, rg.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range history {
		if h.Event == model.EventGroupStart {
			t.Fatalf("did not expect GROUP_START with two running runs in group, got %+v", history)
		}
	}
}

func TestOnStepCompletedFiresEndEventsOnLastStep(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()
	rg, wr, step := seedGroup(t, backend, 3, true)
	if err := backend.UpdateWorkflowRunStatus(ctx, wr.ID, model.RunCompleted, nil, nil); err != nil {
		t.Fatal(err)
	}

	wf := &registry.WorkflowDefinition{
		LifecycleEvents: map[model.LifecycleEvent][]registry.StepHandler{
			model.EventStepEnd:  {{Name: "log-step"}},
			model.EventItemEnd:  {{Name: "log-item"}},
			model.EventGroupEnd: {{Name: "log-group"}},
		},
	}
	d := New(backend, backend, nil, func(ctx context.Context, h registry.StepHandler, s *model.RunStep, r *model.WorkflowRun, g *model.RunGroup) (map[string]any, error) {
		return nil, nil
	})
	d.OnStepCompleted(ctx, wf, step, wr, rg)

	history, err := backend.ListLifecycleHistory(ctx, rg.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantEvents := map[model.LifecycleEvent]bool{model.EventStepEnd: false, model.EventItemEnd: false, model.EventGroupEnd: false}
	for _, h := range history {
		if _, ok := wantEvents[h.Event]; ok {
			wantEvents[h.Event] = true
		}
	}
	for e, seen := range wantEvents {
		if !seen {
			t.Errorf("expected event %s to fire, history: %+v", e, history)
		}
	}
}

func TestFireRecordsFailedHistoryOnHandlerErrorWithoutAffectingSiblings(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()
	rg, wr, step := seedGroup(t, backend, 1, false)

	wf := &registry.WorkflowDefinition{
		LifecycleEvents: map[model.LifecycleEvent][]registry.StepHandler{
			model.EventStepStart: {{Name: "bad"}, {Name: "good"}},
		},
	}
	var invoked []string
	d := New(backend, backend, nil, func(ctx context.Context, h registry.StepHandler, s *model.RunStep, r *model.WorkflowRun, g *model.RunGroup) (map[string]any, error) {
		invoked = append(invoked, h.Name)
		if h.Name == "bad" {
			return nil, errors.New("boom")
		}
		return map[string]any{"ok": true}, nil
	})
	d.OnStepRunning(ctx, wf, step, wr, rg)

	if len(invoked) != 2 {
		t.Fatalf("expected both handlers invoked independently, got %v", invoked)
	}

	history, err := backend.ListLifecycleHistory(ctx, rg.ID)
	if err != nil {
		t.Fatal(err)
	}
	var sawFailed, sawCompleted bool
	for _, h := range history {
		if h.Event != model.EventStepStart {
			continue
		}
		switch h.Status {
		case string(model.StepFailed):
			sawFailed = true
		case string(model.StepCompleted):
			sawCompleted = true
		}
	}
	if !sawFailed {
		t.Error("expected a FAILED history row for the erroring handler")
	}
	if !sawCompleted {
		t.Error("expected a COMPLETED history row for the succeeding handler")
	}
}
