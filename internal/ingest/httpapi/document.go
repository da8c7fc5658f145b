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

package httpapi

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/soliplex/ingesterd/internal/ingest/docops"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// handleListDocuments serves GET /document/?source=…|batch_id=…, returning
// the DocumentURI rows bound to the requested scope (§4.9).
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("batch_id") != "":
		batchID, err := parseInt64(q.Get("batch_id"), "batch_id")
		if err != nil {
			s.writeErrFromErr(w, err)
			return
		}
		uris, err := s.store.ListDocumentURIsByBatch(r.Context(), batchID)
		if err != nil {
			s.writeErrFromErr(w, err)
			return
		}
		writeJSON(s.logger, w, http.StatusOK, uris)
	case q.Get("source") != "":
		uris, err := s.store.ListDocumentURIsBySource(r.Context(), q.Get("source"))
		if err != nil {
			s.writeErrFromErr(w, err)
			return
		}
		writeJSON(s.logger, w, http.StatusOK, uris)
	default:
		s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Message: "source or batch_id is required"})
	}
}

// handleIngestDocument serves POST /document/ingest-document (multipart:
// file or input_uri, source_uri, source, batch_id, optional doc_meta JSON;
// §4.9 create_document_from_uri).
func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Message: err.Error()})
		return
	}

	req := docops.CreateDocumentFromURIRequest{
		SourceURI: r.FormValue("source_uri"),
		Source:    r.FormValue("source"),
		InputURI:  r.FormValue("input_uri"),
	}
	if req.SourceURI == "" {
		s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Field: "source_uri", Message: "required"})
		return
	}
	if req.Source == "" {
		s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Field: "source", Message: "required"})
		return
	}

	if batchIDStr := r.FormValue("batch_id"); batchIDStr != "" {
		batchID, err := parseInt64(batchIDStr, "batch_id")
		if err != nil {
			s.writeErrFromErr(w, err)
			return
		}
		req.BatchID = &batchID
	}

	if metaStr := r.FormValue("doc_meta"); metaStr != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaStr), &meta); err != nil {
			s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Field: "doc_meta", Message: err.Error()})
			return
		}
		req.DocMeta = meta
	}

	if req.InputURI == "" {
		data, err := readUploadedFile(r)
		if err != nil {
			s.writeErrFromErr(w, err)
			return
		}
		req.FileBytes = data
	}

	result, err := s.docs.CreateDocumentFromURI(r.Context(), req)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, result)
}

// readUploadedFile extracts the "file" multipart part, erroring if neither
// it nor input_uri was supplied.
func readUploadedFile(r *http.Request) ([]byte, error) {
	f, _, err := r.FormFile("file")
	if err != nil {
		if err == http.ErrMissingFile {
			return nil, &ingesterrors.InvalidInputError{Field: "file", Message: "either file or input_uri must be provided"}
		}
		return nil, &ingesterrors.InvalidInputError{Field: "file", Message: err.Error()}
	}
	defer f.Close()
	return readAllLimited(f, 256<<20)
}

func readAllLimited(f multipart.File, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, &ingesterrors.InvalidInputError{Field: "file", Message: err.Error()}
	}
	return data, nil
}

// handleCleanupOrphans serves POST /document/cleanup-orphans (§9.7).
func (s *Server) handleCleanupOrphans(w http.ResponseWriter, r *http.Request) {
	result, err := s.docs.DeleteOrphanedDocuments(r.Context())
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, result)
}

// handleDeleteDocumentByURI serves DELETE /document/by-uri?uri=…&source=…
// (§4.9 cascade delete).
func (s *Server) handleDeleteDocumentByURI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uri, source := q.Get("uri"), q.Get("source")
	if uri == "" || source == "" {
		s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Message: "uri and source are required"})
		return
	}
	result, err := s.docs.DeleteDocumentURIByURI(r.Context(), uri, source)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, result)
}
