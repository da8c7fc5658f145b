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

// Package configset implements the config-deduplication algorithm (§4.2):
// a parameter-set is canonicalised to stable-key-order JSON, matched
// against any previously persisted ConfigSet by exact text, and otherwise
// decomposed into one StepConfig row per workflow step, each carrying the
// cumulative configuration of every step before it.
package configset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/registry"
	"github.com/soliplex/ingesterd/internal/ingest/store"
)

// cacheCap bounds the in-process memoisation of resolved StepConfig ids per
// (param set id, content fingerprint) pair.
const cacheCap = 256

// Resolver resolves a WorkflowDefinition/ParamSet pair into the ordered
// list of StepConfig ids its RunSteps should bind to, deduplicating
// against previously persisted ConfigSets.
type Resolver struct {
	configs store.ConfigStore

	mu    sync.Mutex
	cache map[string][]int64
	order []string
}

// NewResolver returns a Resolver backed by the given ConfigStore.
func NewResolver(configs store.ConfigStore) *Resolver {
	return &Resolver{
		configs: configs,
		cache:   make(map[string][]int64),
	}
}

// canonicalJSON marshals v with stable (sorted) key order and no
// indentation. encoding/json already sorts map keys during Marshal, so
// this is just json.Marshal restricted to that guarantee; it is kept as a
// named step because it is the one place the no-indentation, stable-order
// contract is load-bearing.
func canonicalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// StepConfigIDs returns, in workflow step order, the StepConfig id each
// RunStep of a WorkflowRun built from wf/ps should bind to. It memoizes by
// (ps.ID, fingerprint(ps canonical contents)) so repeated resolution for
// the same batch does not re-walk the step chain or round-trip the store.
func (r *Resolver) StepConfigIDs(ctx context.Context, wf *registry.WorkflowDefinition, ps *registry.ParamSet) ([]int64, error) {
	yamlContents, err := canonicalJSON(ps)
	if err != nil {
		return nil, fmt.Errorf("configset: canonicalize param set %s: %w", ps.ID, err)
	}
	cacheKey := ps.ID + ":" + fingerprint(yamlContents)

	r.mu.Lock()
	if ids, ok := r.cache[cacheKey]; ok {
		r.mu.Unlock()
		return ids, nil
	}
	r.mu.Unlock()

	// buildStepConfigs is idempotent on its own (GetOrCreateStepConfig is
	// content-addressed), so it is safe to recompute even when the
	// ConfigSet itself already exists under yamlContents.
	ids, err := r.buildStepConfigs(ctx, wf, ps)
	if err != nil {
		return nil, err
	}
	if _, err := r.configs.GetOrCreateConfigSet(ctx, ps.ID, yamlContents, ids); err != nil {
		return nil, fmt.Errorf("configset: persist config set %s: %w", ps.ID, err)
	}
	r.remember(cacheKey, ids)
	return ids, nil
}

// buildStepConfigs walks wf.ItemSteps in order, accumulating a cumulative
// per-step-type config map and finding-or-creating a StepConfig row for
// each step's own config plus the cumulative snapshot up to and including
// it.
func (r *Resolver) buildStepConfigs(ctx context.Context, wf *registry.WorkflowDefinition, ps *registry.ParamSet) ([]int64, error) {
	ids := make([]int64, 0, len(wf.ItemSteps))
	cumulative := make(map[model.StepType]map[string]any, len(wf.ItemSteps))

	for _, step := range wf.ItemSteps {
		stepCfg := ps.Config[step.StepType]
		cumulative[step.StepType] = stepCfg

		configJSON, err := canonicalJSON(stepCfg)
		if err != nil {
			return nil, fmt.Errorf("configset: canonicalize %s config: %w", step.StepType, err)
		}
		cumlJSON, err := canonicalJSON(cumulative)
		if err != nil {
			return nil, fmt.Errorf("configset: canonicalize cumulative config at %s: %w", step.StepType, err)
		}

		sc, err := r.configs.GetOrCreateStepConfig(ctx, step.StepType, configJSON, cumlJSON)
		if err != nil {
			return nil, fmt.Errorf("configset: get-or-create step config %s: %w", step.StepType, err)
		}
		ids = append(ids, sc.ID)
	}
	return ids, nil
}

func (r *Resolver) remember(key string, ids []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[key]; ok {
		return
	}
	if len(r.order) >= cacheCap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.cache, oldest)
	}
	r.cache[key] = ids
	r.order = append(r.order, key)
}
