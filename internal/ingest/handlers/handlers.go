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

// Package handlers implements the built-in step handlers (§4.7): validate,
// parse, chunk, embed, and store, plus expression-driven dispatch for the
// ENRICH and ROUTE step types that carry no fixed contract. A Dispatcher
// satisfies worker.HandlerInvoker, binding the worker's HandlerRequest into
// a flat parameter namespace handlers read from by name.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/ingest/storageop"
	"github.com/soliplex/ingesterd/internal/ingest/store"
	"github.com/soliplex/ingesterd/internal/ingest/worker"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// Namespace is the flat parameter-binding surface a handler reads from by
// name (§4.7): run_step, workflow_run, workflow_def, step_config,
// run_group, batch_id, source, doc_hash, the run's run_params, and the
// handler's own declared default parameters. A handler that ignores a key
// is unaffected by it; one that requires a key absent here returns an
// error, which the worker surfaces as a step ERROR.
type Namespace map[string]any

func buildNamespace(req worker.HandlerRequest) Namespace {
	ns := Namespace{
		"run_step":     req.RunStep,
		"workflow_run": req.WorkflowRun,
		"run_group":    req.RunGroup,
		"step_config":  req.StepConfig,
		"batch_id":     req.WorkflowRun.BatchID,
		"doc_hash":     req.WorkflowRun.DocID,
	}
	if req.Batch != nil {
		ns["source"] = req.Batch.Source
	}
	for k, v := range req.WorkflowRun.RunParams {
		ns[k] = v
	}
	for k, v := range req.Handler.Parameters {
		if _, exists := ns[k]; !exists {
			ns[k] = v
		}
	}
	return ns
}

func (ns Namespace) str(key string) (string, error) {
	v, ok := ns[key]
	if !ok {
		return "", &ingesterrors.InvalidInputError{Field: key, Message: "required parameter missing"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &ingesterrors.InvalidInputError{Field: key, Message: "expected a string"}
	}
	return s, nil
}

func (ns Namespace) boolOr(key string, def bool) bool {
	v, ok := ns[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func (ns Namespace) stepConfig() (*model.StepConfig, error) {
	v, ok := ns["step_config"].(*model.StepConfig)
	if !ok || v == nil {
		return nil, &ingesterrors.InvalidInputError{Field: "step_config", Message: "required parameter missing"}
	}
	return v, nil
}

func (ns Namespace) workflowRun() (*model.WorkflowRun, error) {
	v, ok := ns["workflow_run"].(*model.WorkflowRun)
	if !ok || v == nil {
		return nil, &ingesterrors.InvalidInputError{Field: "workflow_run", Message: "required parameter missing"}
	}
	return v, nil
}

// configJSON decodes a StepConfig's own (non-cumulative) configuration.
func configJSON(cfg *model.StepConfig) (map[string]any, error) {
	if cfg == nil || cfg.ConfigJSON == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(cfg.ConfigJSON), &m); err != nil {
		return nil, fmt.Errorf("decoding step config: %w", err)
	}
	return m, nil
}

// Dispatcher resolves a StepHandler's declared method to one of the
// built-in handlers, falling back to expr-lang evaluation for ENRICH/ROUTE
// steps that declare no built-in method (§4.7).
type Dispatcher struct {
	documents store.DocumentStore
	docDB     store.DocumentDBStore
	steps     store.StepStore
	configs   store.ConfigStore
	cfg       *settings.Settings
	bytes     storageop.DocumentBytesBackend
	s3Client  storageop.S3Client
	docling   *doclingClient
	embedder  *embedClient
	rag       *ragClient
	logger    *slog.Logger

	parseGate *rate.Limiter
	embedGate *rate.Limiter
	ragGate   *rate.Limiter

	builtins map[string]func(ctx context.Context, ns Namespace) (map[string]any, error)
}

var _ worker.HandlerInvoker = (*Dispatcher)(nil)

// New builds a Dispatcher. s3Client may be nil when cfg.FileStoreTarget is
// not "s3". logger defaults to slog.Default() when nil.
func New(documents store.DocumentStore, docDB store.DocumentDBStore, steps store.StepStore, configs store.ConfigStore, cfg *settings.Settings, bytesBackend storageop.DocumentBytesBackend, s3Client storageop.S3Client, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		documents: documents,
		docDB:     docDB,
		steps:     steps,
		configs:   configs,
		cfg:       cfg,
		bytes:     bytesBackend,
		s3Client:  s3Client,
		docling:   newDoclingClient(cfg),
		embedder:  newEmbedClient(cfg),
		rag:       newRAGClient(cfg),
		logger:    logger.With(slog.String("component", "handlers")),

		// Each external-service boundary gets its own bounded-concurrency
		// gate, independent of the worker pool's own task-queue bound
		// (§4.7/§9.4): a burst-sized rate.Limiter approximates the
		// original's per-boundary asyncio.Semaphore.
		parseGate: rate.NewLimiter(rate.Limit(cfg.DoclingConcurrency), cfg.DoclingConcurrency),
		embedGate: rate.NewLimiter(rate.Limit(cfg.EmbedConcurrency), cfg.EmbedConcurrency),
		ragGate:   rate.NewLimiter(rate.Limit(cfg.RAGConcurrency), cfg.RAGConcurrency),
	}
	d.builtins = map[string]func(ctx context.Context, ns Namespace) (map[string]any, error){
		"validate": d.handleValidate,
		"parse":    d.handleParse,
		"chunk":    d.handleChunk,
		"embed":    d.handleEmbed,
		"store":    d.handleStore,
	}
	return d
}

// Invoke implements worker.HandlerInvoker.
func (d *Dispatcher) Invoke(ctx context.Context, req worker.HandlerRequest) (map[string]any, error) {
	ns := buildNamespace(req)
	if fn, ok := d.builtins[req.Handler.Method]; ok {
		return fn(ctx, ns)
	}
	return d.invokeExpr(ctx, req, ns)
}

func (d *Dispatcher) operatorFor(stepConfig *model.StepConfig, artifactType model.ArtifactType) (storageop.Operator, error) {
	return storageop.GetOperator(artifactType, stepConfig, d.cfg, d.bytes, d.s3Client)
}

// docArtifactOperator resolves the DOC operator, which roots at "" and
// needs no step config (§4.1).
func (d *Dispatcher) docArtifactOperator() (storageop.Operator, error) {
	return storageop.GetOperator(model.ArtifactDoc, nil, d.cfg, d.bytes, d.s3Client)
}

// stepConfigForType finds the StepConfig belonging to the named step type
// within workflowRunID, the Go-native restatement of
// get_step_config_for_workflow_run: artifacts written by one step are
// rooted at *that step's own* StepConfig id (§4.1 invariant-5), so a later
// step reading an earlier step's output must resolve the earlier step's
// config, not its own.
func (d *Dispatcher) stepConfigForType(ctx context.Context, workflowRunID int64, stepType model.StepType) (*model.StepConfig, error) {
	runSteps, err := d.steps.ListRunStepsByRun(ctx, workflowRunID)
	if err != nil {
		return nil, fmt.Errorf("listing run steps: %w", err)
	}
	for _, s := range runSteps {
		if s.StepType == stepType {
			return d.configs.GetStepConfig(ctx, s.StepConfigID)
		}
	}
	return nil, &ingesterrors.NotFoundError{Resource: "run_step", ID: fmt.Sprintf("workflow_run=%d step_type=%s", workflowRunID, stepType)}
}
