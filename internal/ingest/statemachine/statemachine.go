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

// Package statemachine implements the RunStep status transition rule and
// the WorkflowRun aggregate rollup it drives (§4.6), independent of any
// storage backend so both the in-memory and SQL stores can be checked
// against the same rule.
package statemachine

import (
	"fmt"

	"github.com/soliplex/ingesterd/internal/ingest/model"
)

// ExclusivityError reports that a RUNNING step is already owned by a
// different worker than the one attempting the transition.
type ExclusivityError struct {
	StepID   int64
	OwnerID  string
	CallerID string
}

func (e *ExclusivityError) Error() string {
	return fmt.Sprintf("run step %d already assigned to worker %s", e.StepID, e.OwnerID)
}

// TransitionError reports an illegal status transition.
type TransitionError struct {
	From, To model.StepStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("can't change from %s to %s", e.From, e.To)
}

var allowedTransitions = map[[2]model.StepStatus]bool{
	{model.StepPending, model.StepRunning}:   true,
	{model.StepRunning, model.StepCompleted}: true,
	{model.StepRunning, model.StepError}:     true,
	{model.StepError, model.StepRunning}:     true,
}

// Transition validates moving a RunStep from `from` to `to`. stepID/
// currentWorkerID/callerWorkerID enforce exclusivity: an owned RUNNING
// step can only transition out under its own owner. retry/retries drive
// the ERROR→FAILED coercion once retry capacity is exhausted. It returns
// the actual resulting status (which may differ from `to` only in the
// ERROR→FAILED coercion case) or an error if the transition is not legal.
func Transition(stepID int64, from, to model.StepStatus, retry, retries int, currentWorkerID, callerWorkerID string) (model.StepStatus, error) {
	if from == to {
		return from, nil
	}
	if from == model.StepRunning && currentWorkerID != "" && currentWorkerID != callerWorkerID {
		return "", &ExclusivityError{StepID: stepID, OwnerID: currentWorkerID, CallerID: callerWorkerID}
	}
	if !allowedTransitions[[2]model.StepStatus{from, to}] {
		return "", &TransitionError{From: from, To: to}
	}
	if to == model.StepError && retry >= retries {
		return model.StepFailed, nil
	}
	return to, nil
}

// Rollup computes the new aggregate RunStatus for a WorkflowRun given the
// status its just-transitioned step settled into and whether that step is
// the run's last step, per §4.6's aggregate rollup rule. ok is false when
// the step status does not drive any rollup (e.g. PENDING).
func Rollup(stepStatus model.StepStatus, isLastStep bool) (status model.RunStatus, ok bool) {
	switch {
	case stepStatus == model.StepCompleted && isLastStep:
		return model.RunCompleted, true
	case stepStatus == model.StepFailed:
		return model.RunFailed, true
	case stepStatus == model.StepCompleted || stepStatus == model.StepRunning || stepStatus == model.StepError:
		return model.RunRunning, true
	default:
		return "", false
	}
}
