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
	"net/http"

	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// handleSourceStatus serves POST /source-status (form: source,
// hashes=JSON map[uri]hash, optional meta_filter), classifying each
// caller-supplied (uri, hash) pair against stored DocumentURI rows (§4.9
// get_doc_status).
func (s *Server) handleSourceStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Message: err.Error()})
		return
	}
	source := r.FormValue("source")
	if source == "" {
		s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Field: "source", Message: "required"})
		return
	}
	var hashes map[string]string
	if raw := r.FormValue("hashes"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &hashes); err != nil {
			s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Field: "hashes", Message: err.Error()})
			return
		}
	}
	result, err := s.docs.GetDocStatus(r.Context(), source, hashes, r.FormValue("meta_filter"))
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, result)
}
