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
	"io"
	"net/http"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// handleGetSyncState serves GET /sync-state/{source_id}: the opaque
// per-source blob a connector persists between sync runs (§9.7).
func (s *Server) handleGetSyncState(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.GetSyncState(r.Context(), r.PathValue("source_id"))
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, state)
}

// handlePutSyncState serves PUT /sync-state/{source_id}: the request body is
// stored verbatim as the opaque state_json blob.
func (s *Server) handlePutSyncState(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Field: "body", Message: err.Error()})
		return
	}
	state := &model.SyncState{SourceID: r.PathValue("source_id"), StateJSON: string(body)}
	if err := s.store.SaveSyncState(r.Context(), state); err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, state)
}

// handleDeleteSyncState serves DELETE /sync-state/{source_id}.
func (s *Server) handleDeleteSyncState(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSyncState(r.Context(), r.PathValue("source_id")); err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
