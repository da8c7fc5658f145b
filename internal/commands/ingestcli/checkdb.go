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

package ingestcli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soliplex/ingesterd/internal/commands/shared"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
)

// ragFileDocument mirrors handlers.ragClient's on-disk ragDocument shape
// (unexported there, so re-declared here for read-only inspection).
type ragFileDocument struct {
	RAGID   string `json:"rag_id"`
	DocHash string `json:"doc_hash"`
	Source  string `json:"source"`
}

// newCheckDBCommand builds `ingesterd check-db <db-name> [--lancedb-dir]`,
// grounded on `_check_db`/`check_rag_db_consistency`: it cross-references
// DocumentDB rows recorded against db-name with the RAG stand-in's actual
// files, reporting records present on only one side.
func newCheckDBCommand() *cobra.Command {
	var lancedbDir string

	cmd := &cobra.Command{
		Use:   "check-db <db-name>",
		Short: "Check DocumentDB/LanceDB consistency for a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbName := args[0]
			cfg, err := settings.LoadSettingsFromEnv()
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "invalid settings", Cause: err}
			}
			dir := lancedbDir
			if dir == "" {
				dir = cfg.LanceDBDir
			}

			ctx := cmd.Context()
			b, err := openBackend(ctx, cfg)
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "opening backend failed", Cause: err}
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, shared.Header.Render("Database Consistency Check"))
			fmt.Fprintf(out, "  db_name:     %s\n", dbName)
			fmt.Fprintf(out, "  lancedb_dir: %s\n", dir)

			dbRows, err := b.ListDocumentDBByName(ctx, dbName)
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "listing document_dbs failed", Cause: err}
			}
			ragDocs, err := readRAGFiles(dir)
			if err != nil {
				fmt.Fprintf(out, "\n%s\n", shared.RenderError(fmt.Sprintf("reading lancedb dir: %v", err)))
				return nil
			}

			byRAGID := make(map[string]ragFileDocument, len(ragDocs))
			for _, doc := range ragDocs {
				byRAGID[doc.RAGID] = doc
			}

			var matched int
			var dbOnly []string
			for _, row := range dbRows {
				if _, ok := byRAGID[row.RAGID]; ok {
					matched++
				} else {
					dbOnly = append(dbOnly, fmt.Sprintf("rag_id: %s  uri: %s  hash: %s", row.RAGID, row.Source, row.DocHash))
				}
			}
			seenDBRAGIDs := make(map[string]bool, len(dbRows))
			for _, row := range dbRows {
				seenDBRAGIDs[row.RAGID] = true
			}
			var ragOnly []string
			for _, doc := range ragDocs {
				if !seenDBRAGIDs[doc.RAGID] {
					ragOnly = append(ragOnly, fmt.Sprintf("rag_id: %s  uri: %s  title: %s", doc.RAGID, doc.Source, doc.Source))
				}
			}

			fmt.Fprintln(out, "\n"+shared.Bold.Render("Summary:"))
			fmt.Fprintf(out, "  DocumentDB records: %d\n", len(dbRows))
			fmt.Fprintf(out, "  LanceDB documents:  %d\n", len(ragDocs))
			fmt.Fprintf(out, "  Matched:            %d\n", matched)

			if len(dbOnly) > 0 {
				fmt.Fprintf(out, "\n%s\n", shared.RenderWarn(fmt.Sprintf("In DocumentDB but NOT in LanceDB (%d):", len(dbOnly))))
				for _, line := range dbOnly {
					fmt.Fprintln(out, "  - "+line)
				}
			} else {
				fmt.Fprintln(out, "\n"+shared.RenderOK("No documents in DocumentDB missing from LanceDB"))
			}

			if len(ragOnly) > 0 {
				fmt.Fprintf(out, "\n%s\n", shared.RenderWarn(fmt.Sprintf("In LanceDB but NOT in DocumentDB (%d):", len(ragOnly))))
				for _, line := range ragOnly {
					fmt.Fprintln(out, "  - "+line)
				}
			} else {
				fmt.Fprintln(out, "\n"+shared.RenderOK("No documents in LanceDB missing from DocumentDB"))
			}

			if len(dbOnly) == 0 && len(ragOnly) == 0 {
				fmt.Fprintln(out, "\n"+shared.RenderOK("Database is consistent"))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&lancedbDir, "lancedb-dir", "l", "", "LanceDB directory (uses the configured default if not specified)")
	return cmd
}

func readRAGFiles(dir string) ([]ragFileDocument, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var docs []ragFileDocument
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var doc ragFileDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
