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

// Package docops implements the document and artifact lifecycle operations
// (§4.9): creating a Document/DocumentURI pair from an external reference,
// cascading deletes that remove a document and everything it touched, the
// RunGroup cascade delete, source-status classification, and the orphaned
// document sweep.
package docops

import (
	"context"
	"log/slog"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/ingest/storageop"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// Store is the persistence surface document operations depend on, a subset
// of store.Backend segregated the way this package actually uses it.
type Store interface {
	CreateDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, hash string) (*model.Document, error)
	DocumentExists(ctx context.Context, hash string) (bool, error)
	DeleteDocument(ctx context.Context, hash string) error
	DeleteOrphanedDocuments(ctx context.Context) (documentsDeleted, historyDeleted int, err error)

	CreateDocumentURI(ctx context.Context, du *model.DocumentURI) error
	GetDocumentURIByURI(ctx context.Context, uri, source string) (*model.DocumentURI, error)
	UpdateDocumentURI(ctx context.Context, du *model.DocumentURI) error
	DeleteDocumentURI(ctx context.Context, id int64) error
	ListDocumentURIsBySource(ctx context.Context, source string) ([]*model.DocumentURI, error)
	CountDocumentURIsByHash(ctx context.Context, hash string) (int, error)
	AppendDocumentURIHistory(ctx context.Context, h *model.DocumentURIHistory) error

	GetBatch(ctx context.Context, id int64) (*model.DocumentBatch, error)

	GetStepConfig(ctx context.Context, id int64) (*model.StepConfig, error)

	GetRunGroup(ctx context.Context, id int64) (*model.RunGroup, error)
	DeleteRunGroup(ctx context.Context, id int64) error
	ListWorkflowRunsByGroup(ctx context.Context, runGroupID int64) ([]*model.WorkflowRun, error)
	ListWorkflowRunsByDocHash(ctx context.Context, docHash string) ([]*model.WorkflowRun, error)
	DeleteWorkflowRunsByDocHash(ctx context.Context, docHash string) (int, error)

	ListRunStepsByRun(ctx context.Context, workflowRunID int64) ([]*model.RunStep, error)

	ListLifecycleHistory(ctx context.Context, runGroupID int64) ([]*model.LifecycleHistory, error)

	ListDocumentDBByHash(ctx context.Context, docHash string) ([]*model.DocumentDB, error)
	DeleteDocumentDB(ctx context.Context, docHash, source string) error
}

// RAGDeleter is the narrow best-effort cleanup surface a RAG client
// exposes; errors are logged but never block a cascade delete (§4.9).
type RAGDeleter interface {
	Delete(ctx context.Context, ragID string) error
}

// Service implements the §4.9 document and artifact operations over a
// Store and the storage operator (§4.1).
type Service struct {
	store        Store
	cfg          *settings.Settings
	bytesBackend storageop.DocumentBytesBackend
	s3Client     storageop.S3Client
	rag          RAGDeleter
	logger       *slog.Logger
}

// New builds a Service, constructing its own RAG cleanup client from cfg
// the same way handlers.New builds its ragClient.
func New(store Store, cfg *settings.Settings, bytesBackend storageop.DocumentBytesBackend, s3Client storageop.S3Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        store,
		cfg:          cfg,
		bytesBackend: bytesBackend,
		s3Client:     s3Client,
		rag:          newRAGCleaner(cfg),
		logger:       logger.With(slog.String("component", "docops")),
	}
}

func (s *Service) docOperator() (storageop.Operator, error) {
	return storageop.GetOperator(model.ArtifactDoc, nil, s.cfg, s.bytesBackend, s.s3Client)
}

// deleteArtifactIgnoreNotFound attempts op.Delete, swallowing NotFoundError
// the same way delete_file ignores FileNotFoundError: best-effort cleanup
// that must not fail the caller over an artifact already gone.
func deleteArtifactIgnoreNotFound(ctx context.Context, op storageop.Operator, key string) error {
	err := op.Delete(ctx, key)
	if err == nil {
		return nil
	}
	var nf *ingesterrors.NotFoundError
	if ingesterrors.As(err, &nf) {
		return nil
	}
	return err
}
