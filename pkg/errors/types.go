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

package errors

import "fmt"

// NotFoundError represents a missing resource: document, URI, batch, run,
// run-group, step, step-config, workflow definition, parameter set, or
// artifact key.
type NotFoundError struct {
	// Resource is the kind of thing that was not found (e.g. "document", "run_group").
	Resource string

	// ID is the identifier that was looked up.
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) ErrorType() string { return "not_found" }
func (e *NotFoundError) IsRetryable() bool { return false }

// DuplicateError represents an attempt to create a resource that already
// exists under a unique key: a duplicate workflow-definition id discovered
// while loading the registry, or a duplicate parameter-set id on upload.
type DuplicateError struct {
	Resource string
	ID       string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ID)
}

func (e *DuplicateError) ErrorType() string { return "duplicate" }
func (e *DuplicateError) IsRetryable() bool { return false }

// InvalidStateError represents an illegal step-status transition or an
// at-most-one-owner violation (the worker-exclusivity error).
type InvalidStateError struct {
	// Entity names what the invalid transition was attempted on (e.g. "run_step").
	Entity string

	// From and To are the attempted transition; To may be empty for a pure
	// exclusivity violation.
	From, To string

	// Reason gives the specific cause ("illegal transition", "owned by another worker", ...).
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("%s: invalid state (%s): %s", e.Entity, e.From, e.Reason)
	}
	return fmt.Sprintf("%s: invalid transition %s->%s: %s", e.Entity, e.From, e.To, e.Reason)
}

func (e *InvalidStateError) ErrorType() string { return "invalid_state" }
func (e *InvalidStateError) IsRetryable() bool { return false }

// InvalidInputError represents malformed caller input: bad YAML, bad JSON
// metadata, a non-object metadata value, an unrecognised URI scheme, an
// unknown storage target, an artifact/step-type mismatch, or invalid
// pagination parameters.
type InvalidInputError struct {
	Field   string
	Message string
}

func (e *InvalidInputError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid input on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid input: %s", e.Message)
}

func (e *InvalidInputError) ErrorType() string { return "invalid_input" }
func (e *InvalidInputError) IsRetryable() bool { return false }

// ExternalFailureError represents a failure from a collaborating system: the
// storage backend, the embedding service, the RAG client, or the parsing
// backend.
type ExternalFailureError struct {
	// System names the external collaborator ("storage", "embed", "rag", "parse").
	System  string
	Message string
	Cause   error
}

func (e *ExternalFailureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failure: %s: %v", e.System, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s failure: %s", e.System, e.Message)
}

func (e *ExternalFailureError) Unwrap() error { return e.Cause }
func (e *ExternalFailureError) ErrorType() string { return "external_failure" }
func (e *ExternalFailureError) IsRetryable() bool { return true }

// BatchCompletedError is raised when ingestion is attempted into a batch
// that already has a completed_date set.
type BatchCompletedError struct {
	BatchID string
}

func (e *BatchCompletedError) Error() string {
	return fmt.Sprintf("batch %s is already completed", e.BatchID)
}

func (e *BatchCompletedError) ErrorType() string { return "batch_completed" }
func (e *BatchCompletedError) IsRetryable() bool { return false }

// ForbiddenError represents a permission or invalid-source rejection: an
// operation that is well-formed and targets a resource that exists, but is
// not allowed against it (e.g. deleting a built-in parameter set).
type ForbiddenError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Resource, e.ID, e.Reason)
}

func (e *ForbiddenError) ErrorType() string { return "forbidden" }
func (e *ForbiddenError) IsRetryable() bool { return false }

// DocumentInvalidError is raised by the validate handler when a document
// fails content validation.
type DocumentInvalidError struct {
	DocHash string
	Reason  string
}

func (e *DocumentInvalidError) Error() string {
	return fmt.Sprintf("document %s failed validation: %s", e.DocHash, e.Reason)
}

func (e *DocumentInvalidError) ErrorType() string { return "document_invalid" }
func (e *DocumentInvalidError) IsRetryable() bool { return false }
