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
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// lancedbBrowser exposes the RAG import directory that docops.ragCleaner and
// handlers.ragClient already write to (one JSON file per rag_id under
// root/<db>) as a read-only browse surface (§6 LanceDB browse). No pure-Go
// LanceDB driver exists in this stack; this is the same file-backed
// stand-in those packages use, not a real LanceDB client.
type lancedbBrowser struct {
	root string
}

func newLanceDBBrowser(root string) *lancedbBrowser {
	return &lancedbBrowser{root: root}
}

func (b *lancedbBrowser) dbDir(db string) (string, error) {
	if db == "" || strings.ContainsAny(db, "/\\") {
		return "", &ingesterrors.InvalidInputError{Field: "db", Message: "must be a single path segment"}
	}
	return filepath.Join(b.root, db), nil
}

// list returns the names of every subdirectory of root, each one a "db" in
// the sense check-db and the /lancedb routes address.
func (b *lancedbBrowser) list() ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, &ingesterrors.ExternalFailureError{System: "lancedb", Message: "listing dbs", Cause: err}
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

type lancedbInfo struct {
	DB            string `json:"db"`
	DocumentCount int    `json:"document_count"`
	TotalBytes    int64  `json:"total_bytes"`
}

func (b *lancedbBrowser) info(db string) (*lancedbInfo, error) {
	dir, err := b.dbDir(db)
	if err != nil {
		return nil, err
	}
	files, err := b.jsonFiles(dir)
	if err != nil {
		return nil, err
	}
	info := &lancedbInfo{DB: db}
	for _, f := range files {
		stat, err := f.Info()
		if err != nil {
			continue
		}
		info.DocumentCount++
		info.TotalBytes += stat.Size()
	}
	return info, nil
}

func (b *lancedbBrowser) jsonFiles(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ingesterrors.NotFoundError{Resource: "lancedb_db", ID: filepath.Base(dir)}
		}
		return nil, &ingesterrors.ExternalFailureError{System: "lancedb", Message: "reading db dir", Cause: err}
	}
	var files []os.DirEntry
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, e)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })
	return files, nil
}

// documents lists the document filenames (rag ids) in db, windowed by
// limit/offset and optionally filtered by a case-insensitive filename
// substring match.
func (b *lancedbBrowser) documents(db string, limit, offset int, filter string) ([]string, int, error) {
	dir, err := b.dbDir(db)
	if err != nil {
		return nil, 0, err
	}
	files, err := b.jsonFiles(dir)
	if err != nil {
		return nil, 0, err
	}
	var names []string
	for _, f := range files {
		name := strings.TrimSuffix(f.Name(), ".json")
		if filter != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(filter)) {
			continue
		}
		names = append(names, name)
	}
	total := len(names)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return names[offset:end], total, nil
}

// vacuum reports the db's current document count; the file-backed stand-in
// has no fragmentation to compact, so this is a read-only status check
// rather than a real compaction.
func (b *lancedbBrowser) vacuum(db string) (*lancedbInfo, error) {
	return b.info(db)
}

func (s *Server) handleLanceDBList(w http.ResponseWriter, r *http.Request) {
	names, err := s.lancedb.list()
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"dbs": names})
}

func (s *Server) handleLanceDBInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.lancedb.info(r.URL.Query().Get("db"))
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, info)
}

func (s *Server) handleLanceDBDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := 100, 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	names, total, err := s.lancedb.documents(q.Get("db"), limit, offset, q.Get("filter"))
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"documents": names, "total": total})
}

func (s *Server) handleLanceDBVacuum(w http.ResponseWriter, r *http.Request) {
	info, err := s.lancedb.vacuum(r.URL.Query().Get("db"))
	if err != nil {
		s.writeErrFromErr(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, info)
}
