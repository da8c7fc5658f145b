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

// Package scheduler selects the next runnable steps system-wide (§4.4).
// The six-clause selection rule and its priority/retry/age/step-number
// tie-break are implemented as a single parameterised query per store
// backend; this package is the one caller of that query, so every
// scheduling decision in the system funnels through one place.
package scheduler

import (
	"context"
	"fmt"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/store"
)

// defaultTop mirrors the Python original's implicit default when no
// explicit limit is supplied.
const defaultTop = 100

// Scheduler selects runnable RunSteps and claims them for a worker.
type Scheduler struct {
	steps store.StepStore
}

// New returns a Scheduler backed by the given StepStore.
func New(steps store.StepStore) *Scheduler {
	return &Scheduler{steps: steps}
}

// NextRunnableSteps returns up to top runnable steps, optionally restricted
// to a single batch, ordered by priority desc, retry asc, created_date asc,
// workflow_step_number asc (§4.4). top <= 0 selects defaultTop.
func (s *Scheduler) NextRunnableSteps(ctx context.Context, top int, batchID *int64) ([]*model.RunStep, error) {
	if top <= 0 {
		top = defaultTop
	}
	steps, err := s.steps.ListRunnableSteps(ctx, store.RunnableStepFilter{
		BatchID: batchID,
		Limit:   top,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: list runnable steps: %w", err)
	}
	return steps, nil
}

// Lease selects the single highest-priority runnable step and atomically
// claims it for workerID, transitioning it PENDING→RUNNING. It returns
// (nil, nil) when no step is currently runnable — callers should treat
// that as "nothing to do right now", not an error.
func (s *Scheduler) Lease(ctx context.Context, workerID string) (*model.RunStep, error) {
	steps, err := s.NextRunnableSteps(ctx, 1, nil)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, nil
	}
	claimed, err := s.steps.ClaimStep(ctx, steps[0].ID, workerID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: claim step %d: %w", steps[0].ID, err)
	}
	return claimed, nil
}
