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

package docops

import (
	"context"
	"fmt"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/storageop"
)

// DeleteDocumentURIByURIResult reports what DeleteDocumentURIByURI removed.
type DeleteDocumentURIByURIResult struct {
	// DocumentDeleted is true when hash had no other DocumentURI left
	// pointing to it and the full cascade ran.
	DocumentDeleted     bool
	RemainingURICount   int
	WorkflowRunsDeleted int
	DocumentDBsDeleted  int
}

// DeleteDocumentURIByURI removes the (uri, source) binding. If no other
// DocumentURI still references the underlying document hash, it cascades:
// every WorkflowRun addressed to that hash is removed along with its
// artifacts, the document's RAG cross-references are best-effort cleaned
// up, and the Document row itself is deleted. This mirrors
// delete_document_uri composed with delete_document(raise_on_error=False)
// (§4.9) in a single pass rather than two round-trips, since the Go surface
// has no ORM session to defer the re-check through.
func (s *Service) DeleteDocumentURIByURI(ctx context.Context, uri, source string) (*DeleteDocumentURIByURIResult, error) {
	docuri, err := s.store.GetDocumentURIByURI(ctx, uri, source)
	if err != nil {
		return nil, err
	}
	hash := docuri.DocHash

	if err := s.store.DeleteDocumentURI(ctx, docuri.ID); err != nil {
		return nil, err
	}

	remaining, err := s.store.CountDocumentURIsByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	result := &DeleteDocumentURIByURIResult{RemainingURICount: remaining}
	if remaining > 0 {
		return result, nil
	}

	runsDeleted, dbsDeleted, err := s.deleteDocumentCascade(ctx, hash)
	if err != nil {
		return nil, err
	}
	result.DocumentDeleted = true
	result.WorkflowRunsDeleted = runsDeleted
	result.DocumentDBsDeleted = dbsDeleted
	return result, nil
}

// deleteDocumentCascade removes every WorkflowRun addressed to hash along
// with the artifacts their steps wrote, the RAG cross-references, and
// finally the Document row, the Go-native restatement of delete_file
// composed with delete_document's unconditional branch (§4.9).
func (s *Service) deleteDocumentCascade(ctx context.Context, hash string) (runsDeleted, dbsDeleted int, err error) {
	runs, err := s.store.ListWorkflowRunsByDocHash(ctx, hash)
	if err != nil {
		return 0, 0, err
	}

	seenStepConfigs := map[int64]struct{}{}
	for _, run := range runs {
		steps, err := s.store.ListRunStepsByRun(ctx, run.ID)
		if err != nil {
			return 0, 0, err
		}
		for _, step := range steps {
			if _, done := seenStepConfigs[step.StepConfigID]; done {
				continue
			}
			seenStepConfigs[step.StepConfigID] = struct{}{}

			stepConfig, err := s.store.GetStepConfig(ctx, step.StepConfigID)
			if err != nil {
				return 0, 0, err
			}
			for _, artifactType := range model.ArtifactsFromSteps[stepConfig.StepType] {
				op, err := storageop.GetOperator(artifactType, stepConfig, s.cfg, s.bytesBackend, s.s3Client)
				if err != nil {
					return 0, 0, err
				}
				if err := deleteArtifactIgnoreNotFound(ctx, op, hash); err != nil {
					return 0, 0, fmt.Errorf("deleting %s artifact for step_config %d: %w", artifactType, stepConfig.ID, err)
				}
			}
		}
	}

	docOp, err := s.docOperator()
	if err != nil {
		return 0, 0, err
	}
	if err := deleteArtifactIgnoreNotFound(ctx, docOp, hash); err != nil {
		return 0, 0, fmt.Errorf("deleting doc artifact: %w", err)
	}

	runsDeleted, err = s.store.DeleteWorkflowRunsByDocHash(ctx, hash)
	if err != nil {
		return 0, 0, err
	}

	dbRows, err := s.store.ListDocumentDBByHash(ctx, hash)
	if err != nil {
		return 0, 0, err
	}
	for _, row := range dbRows {
		if s.rag != nil {
			if err := s.rag.Delete(ctx, row.RAGID); err != nil {
				s.logger.Warn("best-effort rag delete failed", "rag_id", row.RAGID, "doc_hash", hash, "err", err)
			}
		}
		if err := s.store.DeleteDocumentDB(ctx, row.DocHash, row.Source); err != nil {
			return 0, 0, err
		}
	}
	dbsDeleted = len(dbRows)

	if err := s.store.DeleteDocument(ctx, hash); err != nil {
		return 0, 0, err
	}

	return runsDeleted, dbsDeleted, nil
}

// DeleteRunGroupResult reports the volume of a RunGroup cascade delete.
type DeleteRunGroupResult struct {
	WorkflowRunsDeleted int
	RunStepsDeleted     int
	HistoryRowsDeleted  int
}

// DeleteRunGroup removes a RunGroup and every WorkflowRun, RunStep, and
// LifecycleHistory row beneath it, counting what the store's cascade is
// about to remove before delegating to it (§4.9).
func (s *Service) DeleteRunGroup(ctx context.Context, runGroupID int64) (*DeleteRunGroupResult, error) {
	if _, err := s.store.GetRunGroup(ctx, runGroupID); err != nil {
		return nil, err
	}

	runs, err := s.store.ListWorkflowRunsByGroup(ctx, runGroupID)
	if err != nil {
		return nil, err
	}
	stepCount := 0
	for _, run := range runs {
		steps, err := s.store.ListRunStepsByRun(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		stepCount += len(steps)
	}

	history, err := s.store.ListLifecycleHistory(ctx, runGroupID)
	if err != nil {
		return nil, err
	}

	if err := s.store.DeleteRunGroup(ctx, runGroupID); err != nil {
		return nil, err
	}

	return &DeleteRunGroupResult{
		WorkflowRunsDeleted: len(runs),
		RunStepsDeleted:     stepCount,
		HistoryRowsDeleted:  len(history),
	}, nil
}

// DeleteOrphanedDocumentsResult reports the volume of the orphan sweep.
type DeleteOrphanedDocumentsResult struct {
	DocumentsDeleted int
	HistoryDeleted   int
}

// DeleteOrphanedDocuments removes every Document no DocumentURI references
// (§9.7, supplementing delete_orphaned_documents with the history cleanup
// the original leaves to a separate, never-run maintenance script).
func (s *Service) DeleteOrphanedDocuments(ctx context.Context) (*DeleteOrphanedDocumentsResult, error) {
	docs, history, err := s.store.DeleteOrphanedDocuments(ctx)
	if err != nil {
		return nil, err
	}
	return &DeleteOrphanedDocumentsResult{DocumentsDeleted: docs, HistoryDeleted: history}, nil
}
