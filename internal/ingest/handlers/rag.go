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

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/soliplex/ingesterd/internal/ingest/settings"
)

// ragClient imports chunk rows into the external RAG system that save_to_rag
// (workflow.py) hands off to haiku.rag/LanceDB for. No pure-Go LanceDB
// client exists in this stack, so ragClient is a local-file-backed stand-in
// keyed under settings.LanceDBDir: one JSON document per doc_hash, named so
// a real LanceDB-backed client could be substituted behind the same Import
// signature without touching handleStore.
type ragClient struct {
	dir string
}

func newRAGClient(cfg *settings.Settings) *ragClient {
	return &ragClient{dir: cfg.LanceDBDir}
}

type ragDocument struct {
	RAGID    string           `json:"rag_id"`
	DocHash  string           `json:"doc_hash"`
	Source   string           `json:"source"`
	Markdown string           `json:"markdown"`
	Rows     []map[string]any `json:"rows"`
}

// Import writes rows (CHUNKS or EMBEDDINGS entries) and markdown under a
// stable rag_id derived from docHash, returning that id for the DocumentDB
// cross-reference row (§9.7).
func (c *ragClient) Import(ctx context.Context, docHash, source string, rows []map[string]any, markdown string) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating rag store dir: %w", err)
	}
	ragID := ragDocumentID(docHash)
	doc := ragDocument{RAGID: ragID, DocHash: docHash, Source: source, Markdown: markdown, Rows: rows}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling rag document: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, ragID+".json"), payload, 0o644); err != nil {
		return "", fmt.Errorf("writing rag document: %w", err)
	}
	return ragID, nil
}

// ragDocumentID derives a deterministic id from docHash so re-importing the
// same document updates rather than duplicates its RAG record.
func ragDocumentID(docHash string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(docHash)).String()
}
