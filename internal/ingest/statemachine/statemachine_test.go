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

package statemachine

import (
	"testing"

	"github.com/soliplex/ingesterd/internal/ingest/model"
)

func TestTransitionAllowed(t *testing.T) {
	tt := []struct {
		name string
		from model.StepStatus
		to   model.StepStatus
	}{
		{"pending to running", model.StepPending, model.StepRunning},
		{"running to completed", model.StepRunning, model.StepCompleted},
		{"running to error", model.StepRunning, model.StepError},
		{"error to running", model.StepError, model.StepRunning},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Transition(1, tc.from, tc.to, 0, 3, "", "worker-1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.to {
				t.Errorf("expected %s, got %s", tc.to, got)
			}
		})
	}
}

func TestTransitionIllegal(t *testing.T) {
	_, err := Transition(1, model.StepPending, model.StepCompleted, 0, 3, "", "worker-1")
	if _, ok := err.(*TransitionError); !ok {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestTransitionExclusivity(t *testing.T) {
	_, err := Transition(1, model.StepRunning, model.StepCompleted, 0, 3, "worker-1", "worker-2")
	if _, ok := err.(*ExclusivityError); !ok {
		t.Fatalf("expected ExclusivityError, got %v", err)
	}
}

func TestTransitionRetryExhaustedCoercesToFailed(t *testing.T) {
	got, err := Transition(1, model.StepRunning, model.StepError, 3, 3, "worker-1", "worker-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != model.StepFailed {
		t.Errorf("expected coercion to FAILED, got %s", got)
	}
}

func TestTransitionRetryRemainingStaysError(t *testing.T) {
	got, err := Transition(1, model.StepRunning, model.StepError, 1, 3, "worker-1", "worker-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != model.StepError {
		t.Errorf("expected ERROR, got %s", got)
	}
}

func TestRollup(t *testing.T) {
	tt := []struct {
		name       string
		status     model.StepStatus
		isLastStep bool
		wantStatus model.RunStatus
		wantOK     bool
	}{
		{"last step completed", model.StepCompleted, true, model.RunCompleted, true},
		{"non-last step completed", model.StepCompleted, false, model.RunRunning, true},
		{"failed step always fails run", model.StepFailed, false, model.RunFailed, true},
		{"running step", model.StepRunning, false, model.RunRunning, true},
		{"error step", model.StepError, false, model.RunRunning, true},
		{"pending step has no rollup", model.StepPending, false, "", false},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Rollup(tc.status, tc.isLastStep)
			if ok != tc.wantOK {
				t.Fatalf("expected ok=%v, got %v", tc.wantOK, ok)
			}
			if got != tc.wantStatus {
				t.Errorf("expected %s, got %s", tc.wantStatus, got)
			}
		})
	}
}
