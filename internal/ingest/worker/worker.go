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

// Package worker runs the leasing/execution loop that pulls runnable steps
// off the scheduler, executes their handler, and drives the state machine
// and lifecycle dispatcher around each attempt (§4.5).
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soliplex/ingesterd/internal/ingest/lifecycle"
	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/registry"
	"github.com/soliplex/ingesterd/internal/ingest/scheduler"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/ingest/statemachine"
	"github.com/soliplex/ingesterd/internal/ingest/store"
)

// HandlerRequest is the well-known parameter namespace (§4.7) a handler is
// invoked against.
type HandlerRequest struct {
	RunStep     *model.RunStep
	WorkflowRun *model.WorkflowRun
	RunGroup    *model.RunGroup
	StepConfig  *model.StepConfig
	Batch       *model.DocumentBatch
	Handler     registry.StepHandler
}

// HandlerInvoker executes one workflow step's declared handler and returns
// whatever result is folded into the step's completion metadata. A handler
// returning an error is treated as a step ERROR (§4.7).
type HandlerInvoker interface {
	Invoke(ctx context.Context, req HandlerRequest) (map[string]any, error)
}

// MetricsRecorder is the subset of internal/tracing's MetricsCollector the
// worker pool exercises; satisfied by *tracing.MetricsCollector.
type MetricsRecorder interface {
	RecordStepComplete(ctx context.Context, workflowID, stepName, status string, duration time.Duration)
	RecordStepLeased(ctx context.Context, stepType string)
	RecordStepRetried(ctx context.Context, stepType string)
	RecordWorkerReap(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) RecordStepComplete(context.Context, string, string, string, time.Duration) {}
func (noopMetrics) RecordStepLeased(context.Context, string)                                  {}
func (noopMetrics) RecordStepRetried(context.Context, string)                                 {}
func (noopMetrics) RecordWorkerReap(context.Context)                                           {}

// Pool is one worker process: a bounded task queue feeding worker_task_count
// consumer goroutines, plus checkin and reaper goroutines (§4.5).
type Pool struct {
	id       string
	cfg      *settings.Settings
	sched    *scheduler.Scheduler
	runs     store.RunStore
	steps    store.StepStore
	configs  store.ConfigStore
	batches  store.BatchStore
	workers  store.WorkerStore
	registry *registry.Registry
	lc       *lifecycle.Dispatcher
	invoker  HandlerInvoker
	metrics  MetricsRecorder
	logger   *slog.Logger

	queue chan int
	mu    sync.Mutex // guards the poll-then-claim leasing window
	wg    sync.WaitGroup
}

// New builds a worker Pool. metrics may be nil, in which case step metrics
// are simply not recorded.
func New(
	cfg *settings.Settings,
	sched *scheduler.Scheduler,
	runs store.RunStore,
	steps store.StepStore,
	configs store.ConfigStore,
	batches store.BatchStore,
	workers store.WorkerStore,
	reg *registry.Registry,
	lc *lifecycle.Dispatcher,
	invoker HandlerInvoker,
	metrics MetricsRecorder,
	logger *slog.Logger,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	id := uuid.NewString()
	return &Pool{
		id:       id,
		cfg:      cfg,
		sched:    sched,
		runs:     runs,
		steps:    steps,
		configs:  configs,
		batches:  batches,
		workers:  workers,
		registry: reg,
		lc:       lc,
		invoker:  invoker,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "worker"), slog.String("worker_id", id)),
		queue:    make(chan int, cfg.WorkerTaskCount),
	}
}

// ID returns this pool's generated worker identity.
func (p *Pool) ID() string { return p.id }

// Run launches the checkin, producer, consumer, and reaper goroutines and
// blocks until ctx is cancelled. On cancellation, goroutines stop taking new
// work but any step already leased is allowed to run to completion.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("starting worker", slog.String("worker_id", p.id), slog.Int("tasks", p.cfg.WorkerTaskCount))

	p.wg.Add(3)
	go p.checkinLoop(ctx)
	go p.producerLoop(ctx)
	go p.reaperLoop(ctx)

	for i := 0; i < p.cfg.WorkerTaskCount; i++ {
		p.wg.Add(1)
		go p.consumerLoop(ctx, i)
	}

	<-ctx.Done()
	p.logger.Info("worker shutting down", slog.String("worker_id", p.id))
	p.wg.Wait()
}

func (p *Pool) checkinLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.WorkerCheckinInterval)
	defer ticker.Stop()
	p.checkin(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkin(ctx)
		}
	}
}

func (p *Pool) checkin(ctx context.Context) {
	if err := p.workers.CheckinWorker(ctx, p.id); err != nil {
		p.logger.Error("worker checkin failed", slog.Any("error", err))
	}
}

// producerLoop keeps the bounded queue topped up with tokens, mirroring the
// original's queue_tasks producer; the token's value carries no meaning, it
// is only a permit for one consumer to attempt a lease.
func (p *Pool) producerLoop(ctx context.Context) {
	defer p.wg.Done()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case p.queue <- n:
			n++
		}
	}
}

func (p *Pool) consumerLoop(ctx context.Context, coroID int) {
	defer p.wg.Done()
	logger := p.logger.With(slog.Int("coro_id", coroID))
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.queue:
		}

		step, err := p.lease(ctx)
		if err != nil {
			logger.Error("lease failed", slog.Any("error", err))
			continue
		}
		if step == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		logger.Info("leased step",
			slog.Int64("run_step_id", step.ID),
			slog.Int64("workflow_run_id", step.WorkflowRunID),
			slog.Int("workflow_step_number", step.WorkflowStepNumber),
			slog.Int("attempt", step.Retry),
			slog.Int("retries", step.Retries))
		p.metrics.RecordStepLeased(ctx, string(step.StepType))

		if !p.runStep(ctx, step) {
			time.Sleep(2 * time.Second)
		}
	}
}

// lease is the consumer's leasing protocol (§4.5 step 1-2): under a
// process-local mutex, poll the top-1 runnable step and claim it.
func (p *Pool) lease(ctx context.Context) (*model.RunStep, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sched.Lease(ctx, p.id)
}

// runStep executes one leased (already RUNNING) step end to end, firing
// STEP_START/ITEM_START/GROUP_START beforehand and the corresponding *_END
// events, or an ERROR transition, afterward. It returns false when the step
// settled into FAILED, as a hint to the caller to briefly back off.
func (p *Pool) runStep(ctx context.Context, step *model.RunStep) bool {
	start := time.Now()

	wr, err := p.runs.GetWorkflowRun(ctx, step.WorkflowRunID)
	if err != nil {
		p.logger.Error("load workflow run", slog.Any("error", err))
		return p.fail(ctx, step, err)
	}
	group, err := p.runs.GetRunGroup(ctx, wr.RunGroupID)
	if err != nil {
		p.logger.Error("load run group", slog.Any("error", err))
		return p.fail(ctx, step, err)
	}
	wf, err := p.registry.GetWorkflowDefinition(wr.WorkflowDefinitionID)
	if err != nil {
		p.logger.Error("load workflow definition", slog.Any("error", err))
		return p.fail(ctx, step, err)
	}
	stepConfig, err := p.configs.GetStepConfig(ctx, step.StepConfigID)
	if err != nil {
		p.logger.Error("load step config", slog.Any("error", err))
		return p.fail(ctx, step, err)
	}
	var batch *model.DocumentBatch
	if b, err := p.batches.GetBatch(ctx, wr.BatchID); err == nil {
		batch = b
	}

	p.lc.OnStepRunning(ctx, wf, step, wr, group)

	if step.WorkflowStepNumber < 1 || step.WorkflowStepNumber > len(wf.ItemSteps) {
		return p.fail(ctx, step, fmt.Errorf("workflow step number %d out of range for workflow %s", step.WorkflowStepNumber, wf.ID))
	}
	handler := wf.ItemSteps[step.WorkflowStepNumber-1].StepHandler

	_, err = p.invoker.Invoke(ctx, HandlerRequest{
		RunStep:     step,
		WorkflowRun: wr,
		RunGroup:    group,
		StepConfig:  stepConfig,
		Batch:       batch,
		Handler:     handler,
	})
	duration := time.Since(start)

	if err != nil {
		p.logger.Warn("step handler failed",
			slog.Int64("run_step_id", step.ID), slog.Any("error", err))
		return p.fail(ctx, step, err)
	}

	completed, cerr := p.steps.CompleteStep(ctx, step.ID, p.id, model.StepCompleted, map[string]any{"worker_id": p.id})
	if cerr != nil {
		p.logger.Error("complete step", slog.Any("error", cerr))
		return false
	}
	p.metrics.RecordStepComplete(ctx, wr.WorkflowDefinitionID, string(handler.Name), string(completed.Status), duration)
	p.rollup(ctx, completed, wr)
	p.lc.OnStepCompleted(ctx, wf, completed, wr, group)
	return true
}

// fail transitions a step to ERROR (possibly coerced to FAILED by the
// backend's retry accounting) and rolls up the owning run's status. It
// deliberately does not fire STEP_END (§4.5 step 6).
func (p *Pool) fail(ctx context.Context, step *model.RunStep, cause error) bool {
	meta := map[string]any{"worker_id": p.id, "error": cause.Error()}
	updated, err := p.steps.CompleteStep(ctx, step.ID, p.id, model.StepError, meta)
	if err != nil {
		p.logger.Error("mark step error", slog.Any("error", err))
		return false
	}
	if updated.Status == model.StepPending {
		p.metrics.RecordStepRetried(ctx, string(updated.StepType))
	}
	if wr, werr := p.runs.GetWorkflowRun(ctx, updated.WorkflowRunID); werr == nil {
		p.rollup(ctx, updated, wr)
	}
	return updated.Status != model.StepFailed
}

func (p *Pool) rollup(ctx context.Context, step *model.RunStep, wr *model.WorkflowRun) {
	status, ok := statemachine.Rollup(step.Status, step.IsLastStep)
	if !ok {
		return
	}
	var completed *time.Time
	if status == model.RunCompleted || status == model.RunFailed {
		now := time.Now().UTC()
		completed = &now
	}
	if err := p.runs.UpdateWorkflowRunStatus(ctx, wr.ID, status, nil, completed); err != nil {
		p.logger.Error("update workflow run status", slog.Any("error", err))
	}
}

// reaperLoop periodically reclaims steps orphaned by workers that stopped
// checking in, per §4.5's reaper goroutine.
func (p *Pool) reaperLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.WorkerCheckinTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reap(ctx)
		}
	}
}

func (p *Pool) reap(ctx context.Context) {
	reaped, err := p.steps.ReapStaleSteps(ctx, p.cfg.WorkerCheckinTimeout)
	if err != nil {
		p.logger.Error("reap stale steps", slog.Any("error", err))
		return
	}
	for range reaped {
		p.metrics.RecordWorkerReap(ctx)
	}
	if len(reaped) > 0 {
		p.logger.Info("reaped stale steps", slog.Int("count", len(reaped)))
	}

	stale, err := p.workers.ListStaleWorkers(ctx, p.cfg.WorkerCheckinTimeout)
	if err != nil {
		p.logger.Error("list stale workers", slog.Any("error", err))
		return
	}
	for _, w := range stale {
		p.logger.Info("worker appears dead", slog.String("worker_id", w.WorkerID), slog.Time("last_checkin", w.LastCheckin))
	}
}
