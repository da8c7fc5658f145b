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
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// DocStatus is the classification get_doc_status assigns one source_uri
// (§4.9): matched, mismatch, new, or (in ToRemove) deleted.
type DocStatus struct {
	URI        string `json:"uri"`
	Status     string `json:"status"`
	Hash       string `json:"hash,omitempty"`
	SourceHash string `json:"source_hash,omitempty"`
	StoredHash string `json:"stored_hash,omitempty"`
}

// GetDocStatusResult is the (res, to_remove) pair get_doc_status returns.
type GetDocStatusResult struct {
	Matched  map[string]DocStatus
	ToRemove []DocStatus
}

// stripHashQualifier strips a leading scheme qualifier from a caller-supplied
// hash the way get_doc_status does: any "-" splits on its first occurrence,
// then any ":" splits again, matching the original's unconditional
// string.split behavior rather than a strict prefix check.
func stripHashQualifier(h string) string {
	if idx := strings.Index(h, "-"); idx >= 0 {
		h = h[idx+1:]
	}
	if idx := strings.Index(h, ":"); idx >= 0 {
		h = h[idx+1:]
	}
	return h
}

// GetDocStatus compares sourceHashes (uri -> caller-supplied content hash,
// optionally qualified like "md5-..." or "etag:...") against the DocumentURI
// rows bound under source, classifying each as matched, mismatch, or new,
// and returning any stored uri absent from sourceHashes as a removal
// candidate (§4.9). If metaFilter is non-empty, it is evaluated as a gojq
// expression against each candidate Document's DocMeta and only matches
// where the expression yields a truthy result are kept in Matched.
func (s *Service) GetDocStatus(ctx context.Context, source string, sourceHashes map[string]string, metaFilter string) (*GetDocStatusResult, error) {
	storedURIs, err := s.store.ListDocumentURIsBySource(ctx, source)
	if err != nil {
		return nil, err
	}

	stored := make(map[string]string, len(storedURIs))
	for _, du := range storedURIs {
		stored[du.URI] = du.DocHash
	}

	var code *gojq.Code
	if metaFilter != "" {
		query, err := gojq.Parse(metaFilter)
		if err != nil {
			return nil, &ingesterrors.InvalidInputError{Field: "meta_filter", Message: fmt.Sprintf("parse error: %v", err)}
		}
		code, err = gojq.Compile(query)
		if err != nil {
			return nil, &ingesterrors.InvalidInputError{Field: "meta_filter", Message: fmt.Sprintf("compile error: %v", err)}
		}
	}

	result := &GetDocStatusResult{Matched: make(map[string]DocStatus, len(sourceHashes))}

	for uri, rawHash := range sourceHashes {
		storedHashFull, ok := stored[uri]
		if !ok {
			result.Matched[uri] = DocStatus{URI: uri, Status: "new", Hash: rawHash}
			continue
		}

		sourceHash := stripHashQualifier(rawHash)
		storedHash := stripHashQualifier(storedHashFull)

		if code != nil {
			keep, err := s.matchesMetaFilter(ctx, code, storedHashFull)
			if err != nil {
				return nil, err
			}
			if !keep {
				delete(stored, uri)
				continue
			}
		}

		if sourceHash == storedHash {
			result.Matched[uri] = DocStatus{URI: uri, Status: "matched", Hash: sourceHash}
		} else {
			result.Matched[uri] = DocStatus{URI: uri, Status: "mismatch", SourceHash: sourceHash, StoredHash: storedHash}
		}
		delete(stored, uri)
	}

	for uri, hash := range stored {
		if _, ok := sourceHashes[uri]; ok {
			continue
		}
		result.ToRemove = append(result.ToRemove, DocStatus{URI: uri, Status: "deleted", Hash: hash})
	}

	return result, nil
}

// matchesMetaFilter runs code against the Document's DocMeta for docHash,
// treating a missing document or a false/null result as no match rather
// than an error: a filter narrows results, it does not fail the whole
// status query over one stale document. Grounded on internal/jq/executor.go's
// Execute, which runs a compiled gojq.Code and folds its result stream down
// to a single value the same way.
func (s *Service) matchesMetaFilter(ctx context.Context, code *gojq.Code, docHash string) (bool, error) {
	doc, err := s.store.GetDocument(ctx, docHash)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}

	iter := code.Run(doc.DocMeta)
	for {
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, ok := v.(error); ok {
			return false, fmt.Errorf("evaluating meta_filter: %w", err)
		}
		switch val := v.(type) {
		case bool:
			if val {
				return true, nil
			}
		case nil:
		default:
			return true, nil
		}
	}
}
