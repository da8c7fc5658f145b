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
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// docHash computes the content-addressed hash a Document is keyed by.
func docHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256-" + hex.EncodeToString(sum[:])
}

// isNotFound reports whether err is a *ingesterrors.NotFoundError, the
// signal a Get lookup uses in place of a (nil, nil) absent result.
func isNotFound(err error) bool {
	var nf *ingesterrors.NotFoundError
	return ingesterrors.As(err, &nf)
}

// CreateDocumentFromURIRequest is the input to CreateDocumentFromURI.
// Exactly one of FileBytes or InputURI must be set.
type CreateDocumentFromURIRequest struct {
	SourceURI string
	Source    string
	MimeType  string
	FileBytes []byte
	InputURI  string
	DocMeta   map[string]any
	BatchID   *int64
}

// CreateDocumentFromURIResult reports what CreateDocumentFromURI did, the
// Go-native restatement of create_document_from_uri's (DocumentURI,
// Document) return plus whether either row was freshly created (§4.9).
type CreateDocumentFromURIResult struct {
	Document        *model.Document
	DocumentURI     *model.DocumentURI
	DocumentCreated bool
	URICreated      bool
	URIUpdated      bool
}

// CreateDocumentFromURI resolves or fetches the bytes behind req, writes the
// DOC artifact if new, and creates or updates the Document/DocumentURI pair,
// versioning the URI binding and appending history on a hash change (§4.9).
func (s *Service) CreateDocumentFromURI(ctx context.Context, req CreateDocumentFromURIRequest) (*CreateDocumentFromURIResult, error) {
	if len(req.FileBytes) == 0 && req.InputURI == "" {
		return nil, &ingesterrors.InvalidInputError{Field: "input_uri", Message: "either file_bytes or input_uri must be provided"}
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(req.SourceURI)
	}

	if req.BatchID != nil {
		batch, err := s.store.GetBatch(ctx, *req.BatchID)
		if err != nil {
			return nil, err
		}
		if batch.CompletedDate != nil {
			return nil, &ingesterrors.BatchCompletedError{BatchID: strconv.FormatInt(*req.BatchID, 10)}
		}
	}

	fileBytes := req.FileBytes
	if len(fileBytes) == 0 {
		data, err := s.fetchInputBytes(ctx, req.InputURI)
		if err != nil {
			return nil, err
		}
		fileBytes = data
	}

	hash := docHash(fileBytes)
	md5Sum := md5.Sum(fileBytes)
	md5Hash := hex.EncodeToString(md5Sum[:])

	op, err := s.docOperator()
	if err != nil {
		return nil, err
	}
	exists, err := op.Exists(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := op.Write(ctx, hash, fileBytes); err != nil {
			return nil, err
		}
	}

	docMeta := req.DocMeta
	if docMeta == nil {
		docMeta = map[string]any{}
	}
	docMeta["md5"] = md5Hash

	result := &CreateDocumentFromURIResult{}

	existing, err := s.store.GetDocument(ctx, hash)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if existing != nil {
		result.Document = existing
	} else {
		doc := &model.Document{
			Hash:     hash,
			MimeType: mimeType,
			FileSize: int64(len(fileBytes)),
			DocMeta:  docMeta,
		}
		if err := s.store.CreateDocument(ctx, doc); err != nil {
			return nil, err
		}
		result.Document = doc
		result.DocumentCreated = true
	}

	existingURI, err := s.store.GetDocumentURIByURI(ctx, req.SourceURI, req.Source)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if existingURI != nil {
		result.DocumentURI = existingURI
		if existingURI.DocHash != hash {
			existingURI.DocHash = hash
			existingURI.Version++
			if err := s.store.UpdateDocumentURI(ctx, existingURI); err != nil {
				return nil, err
			}
			if err := s.store.AppendDocumentURIHistory(ctx, &model.DocumentURIHistory{
				DocumentURIID: existingURI.ID,
				Action:        "update",
				DocHash:       hash,
				BatchID:       req.BatchID,
				Meta:          docMeta,
			}); err != nil {
				return nil, err
			}
			result.URIUpdated = true
		}
	} else {
		docuri := &model.DocumentURI{
			URI:     req.SourceURI,
			Source:  req.Source,
			DocHash: hash,
			Version: 1,
			BatchID: req.BatchID,
		}
		if err := s.store.CreateDocumentURI(ctx, docuri); err != nil {
			return nil, err
		}
		if err := s.store.AppendDocumentURIHistory(ctx, &model.DocumentURIHistory{
			DocumentURIID: docuri.ID,
			Action:        "create",
			DocHash:       hash,
			BatchID:       req.BatchID,
			Meta:          docMeta,
		}); err != nil {
			return nil, err
		}
		result.DocumentURI = docuri
		result.URICreated = true
	}

	s.logger.Info("document created from uri",
		"doc_hash", hash,
		"uri", req.SourceURI,
		"source", req.Source,
		"document_created", result.DocumentCreated,
		"uri_created", result.URICreated,
		"uri_updated", result.URIUpdated,
	)

	return result, nil
}
