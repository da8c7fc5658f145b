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
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/soliplex/ingesterd/internal/ingest/configset"
	"github.com/soliplex/ingesterd/internal/ingest/docops"
	"github.com/soliplex/ingesterd/internal/ingest/registry"
	"github.com/soliplex/ingesterd/internal/ingest/runbuilder"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/ingest/store/memory"
)

const testWorkflow = `
id: ingest-basic
name: Basic Ingest
item_steps:
  - step_type: VALIDATE
    name: validate
    retries: 1
    method: ingesterd.handlers.Validate
`

const testParamSet = `
id: default
name: Default Params
config:
  VALIDATE:
    max_size_mb: 50
`

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func newTestServer(t *testing.T) (*Server, *docops.Service) {
	t.Helper()
	backend := memory.New()
	cfg := settings.Default()
	cfg.FileStoreDir = t.TempDir()
	cfg.LanceDBDir = filepath.Join(t.TempDir(), "lancedb")

	workflowDir, paramDir := t.TempDir(), t.TempDir()
	writeFixture(t, workflowDir, "basic.yaml", testWorkflow)
	writeFixture(t, paramDir, "default.yaml", testParamSet)
	reg := registry.New(workflowDir, paramDir, nil)

	resolver := configset.NewResolver(backend)
	builder := runbuilder.New(backend, backend, backend, backend, reg, resolver, cfg)
	docsSvc := docops.New(backend, cfg, backend, nil, nil)

	srv := NewServer(Config{
		Store:    backend,
		Docs:     docsSvc,
		Runs:     builder,
		Registry: reg,
		Settings: cfg,
	})
	return srv, docsSvc
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestIngestDocumentThenListByBatch(t *testing.T) {
	srv, _ := newTestServer(t)

	batchForm := url.Values{"name": {"b1"}, "source": {"sourceA"}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/", strings.NewReader(batchForm.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create batch: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var batch struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, rec, &batch)
	batchID := strconv.FormatInt(batch.ID, 10)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mustWriteField(t, mw, "source_uri", "file:///tmp/a.txt")
	mustWriteField(t, mw, "source", "sourceA")
	mustWriteField(t, mw, "batch_id", batchID)
	fw, err := mw.CreateFormFile("file", "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("hello world")); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/document/ingest-document", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest document: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/document/?batch_id="+batchID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list documents: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var uris []map[string]any
	decodeJSON(t, rec, &uris)
	if len(uris) != 1 {
		t.Fatalf("expected 1 document uri, got %d", len(uris))
	}
}

func mustWriteField(t *testing.T, mw *multipart.Writer, name, value string) {
	t.Helper()
	if err := mw.WriteField(name, value); err != nil {
		t.Fatal(err)
	}
}

func TestStartWorkflowAndRetry(t *testing.T) {
	srv, docsSvc := newTestServer(t)

	batchForm := url.Values{"name": {"b1"}, "source": {"sourceA"}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/", strings.NewReader(batchForm.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create batch: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var batch struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, rec, &batch)

	res, err := docsSvc.CreateDocumentFromURI(context.Background(), docops.CreateDocumentFromURIRequest{
		SourceURI: "file:///tmp/a.txt",
		Source:    "sourceA",
		FileBytes: []byte("hello"),
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}

	form := url.Values{
		"doc_id":                 {res.Document.Hash},
		"batch_id":               {strconv.FormatInt(batch.ID, 10)},
		"workflow_definition_id": {"ingest-basic"},
		"param_id":               {"default"},
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/workflow/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start workflow: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var wr struct {
		ID         int64 `json:"id"`
		RunGroupID int64 `json:"run_group_id"`
	}
	decodeJSON(t, rec, &wr)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflow/runs/"+strconv.FormatInt(wr.ID, 10), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get workflow run: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/workflow/retry?run_group_id="+strconv.FormatInt(wr.RunGroupID, 10), nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("retry workflow: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthenticatorRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := &Authenticator{Secret: "top-secret"}
	srv.auth = auth

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/batch/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, err := auth.IssueToken("test-user", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/batch/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health should be exempt from auth, got %d", rec.Code)
	}
}
