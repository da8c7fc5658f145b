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
	"net/http"

	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

func parseRunGroupIDQuery(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("run_group_id")
	if v == "" {
		return 0, &ingesterrors.InvalidInputError{Field: "run_group_id", Message: "required"}
	}
	return parseInt64(v, "run_group_id")
}

// handleStatsDurations serves GET /stats/durations?run_group_id=…: the
// per-completed-step wall-clock durations within one run group (§9.5).
func (s *Server) handleStatsDurations(w http.ResponseWriter, r *http.Request) {
	runGroupID, err := parseRunGroupIDQuery(r)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	durations, err := s.store.GetRunGroupDurations(r.Context(), runGroupID)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, durations)
}

// handleStatsStepStats serves GET /stats/step-stats?run_group_id=…: a
// per-step-type aggregate (count, error count, average duration) within
// one run group (§9.5).
func (s *Server) handleStatsStepStats(w http.ResponseWriter, r *http.Request) {
	runGroupID, err := parseRunGroupIDQuery(r)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	stats, err := s.store.GetStepStats(r.Context(), runGroupID)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, stats)
}
