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
	"os"
	"path/filepath"

	"github.com/soliplex/ingesterd/internal/ingest/settings"
)

// ragCleaner removes the local-file-backed RAG stand-in document written by
// the handlers package's ragClient (§9.7's same {LanceDBDir}/{rag_id}.json
// layout). It is a separate, package-local twin rather than a shared type
// because ragClient is unexported across the handlers/docops boundary; both
// sides agree only on the file layout, grounded on handlers/rag.go.
type ragCleaner struct {
	dir string
}

func newRAGCleaner(cfg *settings.Settings) *ragCleaner {
	return &ragCleaner{dir: cfg.LanceDBDir}
}

// Delete removes the RAG document for ragID, ignoring a missing file: the
// caller treats this as best-effort cleanup (§4.9 delete_document_uri_by_uri).
func (c *ragCleaner) Delete(ctx context.Context, ragID string) error {
	err := os.Remove(filepath.Join(c.dir, ragID+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
