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
	"sort"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/store"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// workflowRunDetails is the WorkflowRunWithDetails shape: a WorkflowRun plus
// its RunSteps (include_steps) and/or its Document's metadata
// (include_doc_info).
type workflowRunDetails struct {
	*model.WorkflowRun
	Steps   []*model.RunStep `json:"steps,omitempty"`
	DocMeta map[string]any   `json:"doc_meta,omitempty"`
}

func (s *Server) enrichRun(r *http.Request, wr *model.WorkflowRun, includeSteps, includeDocInfo bool) (any, error) {
	if !includeSteps && !includeDocInfo {
		return wr, nil
	}
	d := &workflowRunDetails{WorkflowRun: wr}
	if includeSteps {
		steps, err := s.store.ListRunStepsByRun(r.Context(), wr.ID)
		if err != nil {
			return nil, err
		}
		d.Steps = steps
	}
	if includeDocInfo {
		doc, err := s.store.GetDocument(r.Context(), wr.DocID)
		if err == nil {
			d.DocMeta = doc.DocMeta
		} else if !isNotFoundErr(err) {
			return nil, err
		}
	}
	return d, nil
}

func isNotFoundErr(err error) bool {
	var nf *ingesterrors.NotFoundError
	return ingesterrors.As(err, &nf)
}

// runsForBatch gathers every WorkflowRun across every RunGroup addressed at
// batchID (or every RunGroup, if batchID is nil), newest first: no store
// method returns WorkflowRuns directly by batch, so this composes
// ListRunGroups with ListWorkflowRunsByGroup per group.
func (s *Server) runsForBatch(r *http.Request, batchID *int64) ([]*model.WorkflowRun, error) {
	filter := store.RunGroupFilter{}
	if batchID != nil {
		filter.BatchID = batchID
	}
	groups, err := s.store.ListRunGroups(r.Context(), filter)
	if err != nil {
		return nil, err
	}
	var runs []*model.WorkflowRun
	for _, rg := range groups {
		grp, err := s.store.ListWorkflowRunsByGroup(r.Context(), rg.ID)
		if err != nil {
			return nil, err
		}
		runs = append(runs, grp...)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedDate.After(runs[j].CreatedDate) })
	return runs, nil
}

// handleListWorkflowRuns serves GET /workflow/?batch_id=…&include_steps=
// &include_doc_info=&page=&rows_per_page=.
func (s *Server) handleListWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var batchID *int64
	if v := q.Get("batch_id"); v != "" {
		id, err := parseInt64(v, "batch_id")
		if err != nil {
			s.writeErrFromErr(w, err)
			return
		}
		batchID = &id
	}
	includeSteps := q.Get("include_steps") == "true"
	includeDocInfo := q.Get("include_doc_info") == "true"

	runs, err := s.runsForBatch(r, batchID)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	items := make([]any, 0, len(runs))
	for _, wr := range runs {
		item, err := s.enrichRun(r, wr, includeSteps, includeDocInfo)
		if err != nil {
			s.writeErrFromErr(w, err)
			return
		}
		items = append(items, item)
	}

	page, rowsPerPage, ok, err := paginationParams(r)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	if !ok {
		writeJSON(s.logger, w, http.StatusOK, items)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, paginateSlice(items, len(items), page, rowsPerPage))
}

// handleWorkflowRunsByStatus serves GET /workflow/by-status?status=…
// &batch_id=…&include_doc_info=&page=&rows_per_page=.
func (s *Server) handleWorkflowRunsByStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.RunStatus(q.Get("status"))
	if status == "" {
		s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Field: "status", Message: "required"})
		return
	}
	var batchID *int64
	if v := q.Get("batch_id"); v != "" {
		id, err := parseInt64(v, "batch_id")
		if err != nil {
			s.writeErrFromErr(w, err)
			return
		}
		batchID = &id
	}
	includeDocInfo := q.Get("include_doc_info") == "true"

	runs, err := s.runsForBatch(r, batchID)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	items := make([]any, 0, len(runs))
	for _, wr := range runs {
		if wr.Status != status {
			continue
		}
		item, err := s.enrichRun(r, wr, false, includeDocInfo)
		if err != nil {
			s.writeErrFromErr(w, err)
			return
		}
		items = append(items, item)
	}

	page, rowsPerPage, ok, err := paginationParams(r)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	if !ok {
		writeJSON(s.logger, w, http.StatusOK, items)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, paginateSlice(items, len(items), page, rowsPerPage))
}

// handleListWorkflowRunsByBatch serves GET /workflow/runs?batch_id=….
func (s *Server) handleListWorkflowRunsByBatch(w http.ResponseWriter, r *http.Request) {
	var batchID *int64
	if v := r.URL.Query().Get("batch_id"); v != "" {
		id, err := parseInt64(v, "batch_id")
		if err != nil {
			s.writeErrFromErr(w, err)
			return
		}
		batchID = &id
	}
	runs, err := s.runsForBatch(r, batchID)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, runs)
}

// handleGetWorkflowRun serves GET /workflow/runs/{id}.
func (s *Server) handleGetWorkflowRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64(r.PathValue("id"), "id")
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	wr, err := s.store.GetWorkflowRun(r.Context(), id)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, wr)
}

// handleWorkflowRunLifecycle serves GET /workflow/runs/{id}/lifecycle: the
// LifecycleHistory rows for the run's RunGroup, filtered down to this run.
func (s *Server) handleWorkflowRunLifecycle(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64(r.PathValue("id"), "id")
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	wr, err := s.store.GetWorkflowRun(r.Context(), id)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	all, err := s.store.ListLifecycleHistory(r.Context(), wr.RunGroupID)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	var out []*model.LifecycleHistory
	for _, h := range all {
		if h.WorkflowRunID == wr.ID {
			out = append(out, h)
		}
	}
	writeJSON(s.logger, w, http.StatusOK, out)
}

// --- workflow/param-set definitions ---

func (s *Server) handleListWorkflowDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.registry.ListWorkflowDefinitions()
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, defs)
}

func (s *Server) handleGetWorkflowDefinition(w http.ResponseWriter, r *http.Request) {
	wf, err := s.registry.GetWorkflowDefinition(r.PathValue("id"))
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, wf)
}

func (s *Server) handleListParamSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.registry.ListParamSets()
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, sets)
}

func (s *Server) handleGetParamSet(w http.ResponseWriter, r *http.Request) {
	ps, err := s.registry.GetParamSet(r.PathValue("id"))
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, ps)
}

// handleCreateParamSet serves POST /workflow/param-sets (form: yaml_content).
func (s *Server) handleCreateParamSet(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Message: err.Error()})
		return
	}
	yamlContent := r.FormValue("yaml_content")
	if yamlContent == "" {
		s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Field: "yaml_content", Message: "required"})
		return
	}
	ps, err := s.registry.CreateParamSet(yamlContent)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusCreated, ps)
}

// handleDeleteParamSet serves DELETE /workflow/param-sets/{id}.
func (s *Server) handleDeleteParamSet(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteParamSet(r.PathValue("id")); err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- run groups ---

func (s *Server) handleListRunGroups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunGroupFilter{Status: model.RunStatus(q.Get("status"))}
	if v := q.Get("batch_id"); v != "" {
		id, err := parseInt64(v, "batch_id")
		if err != nil {
			s.writeErrFromErr(w, err)
			return
		}
		filter.BatchID = &id
	}
	groups, err := s.store.ListRunGroups(r.Context(), filter)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, groups)
}

func (s *Server) handleGetRunGroup(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64(r.PathValue("id"), "id")
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	rg, err := s.store.GetRunGroup(r.Context(), id)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, rg)
}

// handleRunGroupStats serves GET /workflow/run_groups/{id}/stats: the
// aggregate status counts across the group's WorkflowRuns.
func (s *Server) handleRunGroupStats(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64(r.PathValue("id"), "id")
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	if _, err := s.store.GetRunGroup(r.Context(), id); err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	counts, err := s.store.CountWorkflowRunsByStatus(r.Context(), id)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, counts)
}

func (s *Server) handleDeleteRunGroup(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64(r.PathValue("id"), "id")
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	result, err := s.docs.DeleteRunGroup(r.Context(), id)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, result)
}

// --- starting and retrying workflows ---

// handleBatchStartWorkflows serves POST /batch/start-workflows (form:
// batch_id, workflow_definition_id, param_id, name, priority): one RunGroup
// plus one WorkflowRun per document currently bound to the batch (§4.3
// create_workflow_runs_for_batch).
func (s *Server) handleBatchStartWorkflows(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Message: err.Error()})
		return
	}
	batchID, err := parseInt64(r.FormValue("batch_id"), "batch_id")
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	priority := 0
	if v := r.FormValue("priority"); v != "" {
		p, err := parseInt64(v, "priority")
		if err != nil {
			s.writeErrFromErr(w, err)
			return
		}
		priority = int(p)
	}

	rg, runs, err := s.runs.CreateWorkflowRunsForBatch(
		r.Context(),
		r.FormValue("workflow_definition_id"),
		r.FormValue("param_id"),
		batchID,
		r.FormValue("name"),
		priority,
	)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusCreated, map[string]any{"run_group": rg, "runs": runs})
}

// handleStartWorkflow serves POST /workflow/ (form: batch_id, doc_id,
// workflow_definition_id, param_id, priority): a single-document RunGroup
// plus its one WorkflowRun (§4.3 create_single_workflow_run).
func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Message: err.Error()})
		return
	}
	docID := r.FormValue("doc_id")
	if docID == "" {
		s.writeErrFromErr(w, &ingesterrors.InvalidInputError{Field: "doc_id", Message: "required"})
		return
	}
	batchID, err := parseInt64(r.FormValue("batch_id"), "batch_id")
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	priority := 0
	if v := r.FormValue("priority"); v != "" {
		p, err := parseInt64(v, "priority")
		if err != nil {
			s.writeErrFromErr(w, err)
			return
		}
		priority = int(p)
	}

	rg, err := s.runs.CreateRunGroup(r.Context(), r.FormValue("workflow_definition_id"), r.FormValue("param_id"), batchID, r.FormValue("name"))
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	wr, err := s.runs.CreateWorkflowRun(r.Context(), rg, docID, priority)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusCreated, wr)
}

// handleRetryWorkflow serves POST /workflow/retry?run_group_id=…: every
// FAILED WorkflowRun in the group is re-armed (§6).
func (s *Server) handleRetryWorkflow(w http.ResponseWriter, r *http.Request) {
	runGroupID, err := parseInt64(r.URL.Query().Get("run_group_id"), "run_group_id")
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	n, err := s.store.ResetFailedSteps(r.Context(), runGroupID)
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusCreated, map[string]int{"runs_reset": n})
}
