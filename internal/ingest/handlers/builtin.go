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
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/storageop"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// handleValidate mirrors workflow.py's validate_document: populate
// doc_meta once per document, then fail with DocumentInvalidError whenever
// meta["is_valid"] is false, whether just computed or previously recorded.
func (d *Dispatcher) handleValidate(ctx context.Context, ns Namespace) (map[string]any, error) {
	docHash, err := ns.str("doc_hash")
	if err != nil {
		return nil, err
	}
	doc, err := d.documents.GetDocument(ctx, docHash)
	if err != nil {
		return nil, err
	}
	meta := doc.DocMeta
	if meta == nil {
		meta = map[string]any{}
	}
	if _, done := meta["is_valid"]; !done {
		if doc.MimeType == "application/pdf" {
			d.validatePDF(ctx, docHash, meta)
		} else {
			meta["is_valid"] = true
		}
		if err := d.documents.UpdateDocumentMeta(ctx, docHash, meta); err != nil {
			return nil, err
		}
	}
	if valid, _ := meta["is_valid"].(bool); !valid {
		reason, _ := meta["invalid_reason"].(string)
		return nil, &ingesterrors.DocumentInvalidError{DocHash: docHash, Reason: reason}
	}
	return map[string]any{"is_valid": true}, nil
}

// validatePDF reads the DOC artifact and enriches meta in place with
// reader-level PDF fields, matching workflow.py's pypdf-based enrichment
// (§9.7): page_count plus pdf_author/pdf_subject/pdf_title/pdf_keywords
// when present. An unreadable page stream is itself the invalidity reason.
func (d *Dispatcher) validatePDF(ctx context.Context, docHash string, meta map[string]any) {
	op, err := d.docArtifactOperator()
	if err != nil {
		meta["is_valid"] = false
		meta["invalid_reason"] = err.Error()
		return
	}
	data, err := op.Read(ctx, docHash)
	if err != nil {
		meta["is_valid"] = false
		meta["invalid_reason"] = err.Error()
		return
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		meta["is_valid"] = false
		meta["invalid_reason"] = err.Error()
		return
	}
	meta["is_valid"] = true
	meta["invalid_reason"] = nil
	meta["page_count"] = reader.NumPage()

	info := reader.Trailer().Key("Info")
	for pdfKey, metaKey := range map[string]string{
		"Author":   "pdf_author",
		"Subject":  "pdf_subject",
		"Title":    "pdf_title",
		"Keywords": "pdf_keywords",
	} {
		if v := info.Key(pdfKey); v.Kind() == pdf.String {
			if text := v.Text(); text != "" {
				meta[metaKey] = text
			}
		}
	}
}

// handleParse mirrors workflow.py's parse_document: shortcuts if
// PARSED_JSON already exists and force is false, otherwise sends the DOC
// bytes through the parsing backend and writes both outputs.
func (d *Dispatcher) handleParse(ctx context.Context, ns Namespace) (map[string]any, error) {
	docHash, err := ns.str("doc_hash")
	if err != nil {
		return nil, err
	}
	stepConfig, err := ns.stepConfig()
	if err != nil {
		return nil, err
	}
	force := ns.boolOr("force", false)

	jsonOp, err := d.operatorFor(stepConfig, model.ArtifactParsedJSON)
	if err != nil {
		return nil, err
	}
	mdOp, err := d.operatorFor(stepConfig, model.ArtifactParsedMD)
	if err != nil {
		return nil, err
	}
	exists, err := jsonOp.Exists(ctx, docHash)
	if err != nil {
		return nil, err
	}
	if exists && !force {
		return map[string]any{"skipped": true}, nil
	}

	docOp, err := d.docArtifactOperator()
	if err != nil {
		return nil, err
	}
	fileBytes, err := docOp.Read(ctx, docHash)
	if err != nil {
		return nil, err
	}
	doc, err := d.documents.GetDocument(ctx, docHash)
	if err != nil {
		return nil, err
	}
	cfg, err := configJSON(stepConfig)
	if err != nil {
		return nil, err
	}

	if err := d.parseGate.Wait(ctx); err != nil {
		return nil, err
	}
	parsedJSON, parsedMD, err := d.docling.Convert(ctx, fileBytes, doc.MimeType, cfg)
	if err != nil {
		return nil, &ingesterrors.ExternalFailureError{System: "parse", Message: "docling convert failed", Cause: err}
	}

	if force {
		_ = jsonOp.Delete(ctx, docHash)
		_ = mdOp.Delete(ctx, docHash)
	}
	if err := jsonOp.Write(ctx, docHash, parsedJSON); err != nil {
		return nil, err
	}
	if err := mdOp.Write(ctx, docHash, parsedMD); err != nil {
		return nil, err
	}
	return map[string]any{"parsed": true}, nil
}

// chunkRecord is one entry of the CHUNKS artifact: a flat JSON array, the
// Go-native stand-in for haiku.rag's Chunk model (no typed parser-library
// counterpart exists in this stack, so chunks are carried as plain maps).
type chunkRecord struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// handleChunk mirrors workflow.py's chunk_document: splits the parsed
// markdown into fixed-size passages. chunk_size (config key) defaults to
// 2000 characters.
func (d *Dispatcher) handleChunk(ctx context.Context, ns Namespace) (map[string]any, error) {
	docHash, err := ns.str("doc_hash")
	if err != nil {
		return nil, err
	}
	stepConfig, err := ns.stepConfig()
	if err != nil {
		return nil, err
	}
	force := ns.boolOr("force", false)

	chunkOp, err := d.operatorFor(stepConfig, model.ArtifactChunks)
	if err != nil {
		return nil, err
	}
	exists, err := chunkOp.Exists(ctx, docHash)
	if err != nil {
		return nil, err
	}
	if exists && !force {
		return map[string]any{"skipped": true}, nil
	}

	workflowRun, err := ns.workflowRun()
	if err != nil {
		return nil, err
	}
	parseConfig, err := d.stepConfigForType(ctx, workflowRun.ID, model.StepParse)
	if err != nil {
		return nil, err
	}
	mdOp, err := d.operatorFor(parseConfig, model.ArtifactParsedMD)
	if err != nil {
		return nil, err
	}
	mdBytes, err := mdOp.Read(ctx, docHash)
	if err != nil {
		return nil, err
	}

	cfg, err := configJSON(stepConfig)
	if err != nil {
		return nil, err
	}
	chunkSize := 2000
	if v, ok := cfg["chunk_size"].(float64); ok && v > 0 {
		chunkSize = int(v)
	}
	chunks := splitIntoChunks(string(mdBytes), chunkSize)

	chunkJSON, err := json.Marshal(chunks)
	if err != nil {
		return nil, fmt.Errorf("marshaling chunks: %w", err)
	}
	if force {
		_ = chunkOp.Delete(ctx, docHash)
	}
	if err := chunkOp.Write(ctx, docHash, chunkJSON); err != nil {
		return nil, err
	}
	return map[string]any{"chunk_count": len(chunks)}, nil
}

func splitIntoChunks(text string, size int) []chunkRecord {
	if size <= 0 {
		size = 2000
	}
	var chunks []chunkRecord
	runes := []rune(text)
	for i, id := 0, 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, chunkRecord{ID: id, Text: string(runes[i:end])})
		id++
	}
	return chunks
}

// embedRecord is one CHUNKS entry plus its embedding vector.
type embedRecord struct {
	ID        int       `json:"id"`
	Text      string    `json:"text"`
	Embedding []float64 `json:"embedding"`
}

// handleEmbed mirrors workflow.py's embed_document: reads CHUNKS, calls the
// embedding backend per chunk under the embed concurrency gate, writes
// EMBEDDINGS.
func (d *Dispatcher) handleEmbed(ctx context.Context, ns Namespace) (map[string]any, error) {
	docHash, err := ns.str("doc_hash")
	if err != nil {
		return nil, err
	}
	stepConfig, err := ns.stepConfig()
	if err != nil {
		return nil, err
	}

	workflowRun, err := ns.workflowRun()
	if err != nil {
		return nil, err
	}
	chunkConfig, err := d.stepConfigForType(ctx, workflowRun.ID, model.StepChunk)
	if err != nil {
		return nil, err
	}
	chunkOp, err := d.operatorFor(chunkConfig, model.ArtifactChunks)
	if err != nil {
		return nil, err
	}
	chunkBytes, err := chunkOp.Read(ctx, docHash)
	if err != nil {
		return nil, err
	}
	var chunks []chunkRecord
	if err := json.Unmarshal(chunkBytes, &chunks); err != nil {
		return nil, fmt.Errorf("decoding chunks: %w", err)
	}

	cfg, err := configJSON(stepConfig)
	if err != nil {
		return nil, err
	}
	embedModel, _ := cfg["model"].(string)

	embeds := make([]embedRecord, 0, len(chunks))
	for _, c := range chunks {
		if err := d.embedGate.Wait(ctx); err != nil {
			return nil, err
		}
		vec, err := d.embedder.Embed(ctx, embedModel, c.Text)
		if err != nil {
			return nil, &ingesterrors.ExternalFailureError{System: "embed", Message: "embedding request failed", Cause: err}
		}
		embeds = append(embeds, embedRecord{ID: c.ID, Text: c.Text, Embedding: vec})
	}

	embedJSON, err := json.Marshal(embeds)
	if err != nil {
		return nil, fmt.Errorf("marshaling embeddings: %w", err)
	}
	embedOp, err := d.operatorFor(stepConfig, model.ArtifactEmbeddings)
	if err != nil {
		return nil, err
	}
	if err := embedOp.Write(ctx, docHash, embedJSON); err != nil {
		return nil, err
	}
	return map[string]any{"embedded": len(embeds)}, nil
}

// handleStore mirrors workflow.py's save_to_rag: imports chunks (preferring
// embeddings when present) into the external RAG system under the RAG
// concurrency gate, then records the DocumentDB cross-reference row
// (§9.7). Honors settings.DoRAG unless force is set.
func (d *Dispatcher) handleStore(ctx context.Context, ns Namespace) (map[string]any, error) {
	docHash, err := ns.str("doc_hash")
	if err != nil {
		return nil, err
	}
	source, _ := ns["source"].(string)
	force := ns.boolOr("force", false)
	if !d.cfg.DoRAG && !force {
		return map[string]any{"skipped": true}, nil
	}

	workflowRun, err := ns.workflowRun()
	if err != nil {
		return nil, err
	}
	chunkConfig, err := d.stepConfigForType(ctx, workflowRun.ID, model.StepChunk)
	if err != nil {
		return nil, err
	}
	chunkOp, err := d.operatorFor(chunkConfig, model.ArtifactChunks)
	if err != nil {
		return nil, err
	}

	// EMBEDDINGS is optional: a workflow definition may omit the embed step
	// entirely, in which case save_to_rag falls back to CHUNKS.
	var embedOp storageop.Operator
	if embedConfig, embedErr := d.stepConfigForType(ctx, workflowRun.ID, model.StepEmbed); embedErr == nil {
		embedOp, err = d.operatorFor(embedConfig, model.ArtifactEmbeddings)
		if err != nil {
			return nil, err
		}
	}

	var payload []byte
	if embedOp != nil {
		if ok, _ := embedOp.Exists(ctx, docHash); ok {
			payload, err = embedOp.Read(ctx, docHash)
		} else {
			payload, err = chunkOp.Read(ctx, docHash)
		}
	} else {
		payload, err = chunkOp.Read(ctx, docHash)
	}
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("decoding chunks/embeddings: %w", err)
	}

	parseConfig, err := d.stepConfigForType(ctx, workflowRun.ID, model.StepParse)
	if err != nil {
		return nil, err
	}
	mdOp, err := d.operatorFor(parseConfig, model.ArtifactParsedMD)
	if err != nil {
		return nil, err
	}
	mdBytes, err := mdOp.Read(ctx, docHash)
	if err != nil {
		return nil, err
	}

	if err := d.ragGate.Wait(ctx); err != nil {
		return nil, err
	}
	ragID, err := d.rag.Import(ctx, docHash, source, rows, string(mdBytes))
	if err != nil {
		return nil, &ingesterrors.ExternalFailureError{System: "rag", Message: "rag import failed", Cause: err}
	}

	if err := d.docDB.UpsertDocumentDB(ctx, &model.DocumentDB{
		DocHash:    docHash,
		Source:     source,
		DBName:     d.cfg.LanceDBDir,
		LanceDBDir: d.cfg.LanceDBDir,
		RAGID:      ragID,
		ChunkCount: len(rows),
	}); err != nil {
		return nil, err
	}
	return map[string]any{"rag_id": ragID, "chunk_count": len(rows)}, nil
}
