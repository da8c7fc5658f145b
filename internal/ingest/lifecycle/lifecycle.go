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

// Package lifecycle computes the six {GROUP,ITEM,STEP}x{START,END}
// firing conditions around step execution and dispatches the workflow
// definition's handler lists for whichever conditions hold (§4.8). It is
// distinct from internal/lifecycle, which manages the OS process.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/registry"
	"github.com/soliplex/ingesterd/internal/ingest/store"
)

// HandlerFunc runs one lifecycle handler. ctx carries the step/run/group
// identifiers a real handler needs to look up further detail; res is
// folded into the LifecycleHistory row's status_meta on success.
type HandlerFunc func(ctx context.Context, h registry.StepHandler, step *model.RunStep, run *model.WorkflowRun, group *model.RunGroup) (map[string]any, error)

// Dispatcher fires lifecycle handlers around step transitions.
type Dispatcher struct {
	lifecycle store.LifecycleStore
	runs      store.RunStore
	logger    *slog.Logger
	invoke    HandlerFunc
}

// New returns a Dispatcher that invokes handlers via invoke.
func New(lifecycleStore store.LifecycleStore, runs store.RunStore, logger *slog.Logger, invoke HandlerFunc) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{lifecycle: lifecycleStore, runs: runs, logger: logger.With(slog.String("component", "lifecycle")), invoke: invoke}
}

// OnStepRunning fires STEP_START and, when applicable, ITEM_START and
// GROUP_START, after a step has successfully transitioned into RUNNING.
func (d *Dispatcher) OnStepRunning(ctx context.Context, wf *registry.WorkflowDefinition, step *model.RunStep, run *model.WorkflowRun, group *model.RunGroup) {
	d.fire(ctx, wf, model.EventStepStart, step, run, group)
	if step.WorkflowStepNumber != 1 {
		return
	}
	d.fire(ctx, wf, model.EventItemStart, step, run, group)

	counts, err := d.runs.CountWorkflowRunsByStatus(ctx, group.ID)
	if err != nil {
		d.logger.Error("count workflow runs by status", slog.Any("error", err))
		return
	}
	if counts[model.RunRunning] == 1 && counts[model.RunCompleted] == 0 && counts[model.RunFailed] == 0 && counts[model.RunError] == 0 {
		d.fire(ctx, wf, model.EventGroupStart, step, run, group)
	}
}

// OnStepCompleted fires STEP_END and, when applicable, ITEM_END and
// GROUP_END, after a step has successfully transitioned into COMPLETED.
func (d *Dispatcher) OnStepCompleted(ctx context.Context, wf *registry.WorkflowDefinition, step *model.RunStep, run *model.WorkflowRun, group *model.RunGroup) {
	d.fire(ctx, wf, model.EventStepEnd, step, run, group)
	if !step.IsLastStep {
		return
	}
	d.fire(ctx, wf, model.EventItemEnd, step, run, group)

	counts, err := d.runs.CountWorkflowRunsByStatus(ctx, group.ID)
	if err != nil {
		d.logger.Error("count workflow runs by status", slog.Any("error", err))
		return
	}
	if counts[model.RunRunning] == 0 && counts[model.RunPending] == 0 && counts[model.RunError] == 0 {
		d.fire(ctx, wf, model.EventGroupEnd, step, run, group)
	}
}

// fire runs every handler bound to event in declaration order. Each
// handler's outcome is evaluated independently: a failure is recorded as
// its own FAILED LifecycleHistory row and does not affect any sibling
// handler or the step's own outcome (§9.6).
func (d *Dispatcher) fire(ctx context.Context, wf *registry.WorkflowDefinition, event model.LifecycleEvent, step *model.RunStep, run *model.WorkflowRun, group *model.RunGroup) {
	handlers := wf.LifecycleEvents[event]
	if len(handlers) == 0 {
		return
	}
	for _, h := range handlers {
		d.runOne(ctx, event, h, step, run, group)
	}
}

func (d *Dispatcher) runOne(ctx context.Context, event model.LifecycleEvent, h registry.StepHandler, step *model.RunStep, run *model.WorkflowRun, group *model.RunGroup) {
	if err := d.lifecycle.AppendLifecycleHistory(ctx, &model.LifecycleHistory{
		RunGroupID:    group.ID,
		WorkflowRunID: run.ID,
		StepID:        &step.ID,
		Event:         event,
		Status:        string(model.StepRunning),
		StatusDate:    time.Now().UTC(),
	}); err != nil {
		d.logger.Error("append lifecycle history start", slog.Any("error", err))
	}

	res, err := d.invoke(ctx, h, step, run, group)
	status := string(model.StepCompleted)
	if err != nil {
		status = string(model.StepFailed)
		d.logger.Error("lifecycle handler failed",
			slog.String("event", string(event)),
			slog.String("handler", h.Name),
			slog.Any("error", err))
		res = map[string]any{"error": err.Error()}
	}

	if err := d.lifecycle.AppendLifecycleHistory(ctx, &model.LifecycleHistory{
		RunGroupID:    group.ID,
		WorkflowRunID: run.ID,
		StepID:        &step.ID,
		Event:         event,
		Status:        status,
		StatusDate:    time.Now().UTC(),
		StatusMeta:    res,
	}); err != nil {
		d.logger.Error("append lifecycle history end", slog.Any("error", err))
	}
}
