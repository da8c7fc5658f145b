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

// Package postgres implements store.Backend on top of a Postgres database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/store"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

var _ store.Backend = (*Backend)(nil)

// Config holds Postgres connection settings.
type Config struct {
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// Backend is a Postgres-backed store.Backend.
type Backend struct {
	db *sql.DB
}

// New opens a connection pool, verifies connectivity, and runs migrations.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	b := &Backend{db: db}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating postgres schema: %w", err)
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			hash TEXT PRIMARY KEY,
			mime_type TEXT NOT NULL,
			file_size BIGINT NOT NULL,
			doc_meta JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS document_batches (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			source TEXT NOT NULL,
			start_date TIMESTAMPTZ NOT NULL,
			completed_date TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_document_batches_source ON document_batches(source)`,
		`CREATE TABLE IF NOT EXISTS document_uris (
			id BIGSERIAL PRIMARY KEY,
			uri TEXT NOT NULL,
			source TEXT NOT NULL,
			doc_hash TEXT NOT NULL REFERENCES documents(hash),
			version INTEGER NOT NULL DEFAULT 1,
			batch_id BIGINT REFERENCES document_batches(id),
			UNIQUE(uri, source)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_document_uris_hash ON document_uris(doc_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_document_uris_batch ON document_uris(batch_id)`,
		`CREATE TABLE IF NOT EXISTS document_uri_history (
			id BIGSERIAL PRIMARY KEY,
			document_uri_id BIGINT NOT NULL REFERENCES document_uris(id),
			action TEXT NOT NULL,
			doc_hash TEXT NOT NULL,
			batch_id BIGINT,
			meta JSONB,
			created_date TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS step_configs (
			id BIGSERIAL PRIMARY KEY,
			step_type TEXT NOT NULL,
			config_json TEXT NOT NULL,
			cuml_config_json TEXT NOT NULL,
			UNIQUE(step_type, config_json, cuml_config_json)
		)`,
		`CREATE TABLE IF NOT EXISTS config_sets (
			id BIGSERIAL PRIMARY KEY,
			yaml_id TEXT NOT NULL,
			yaml_contents TEXT NOT NULL,
			UNIQUE(yaml_id, yaml_contents)
		)`,
		`CREATE TABLE IF NOT EXISTS config_set_items (
			config_set_id BIGINT NOT NULL REFERENCES config_sets(id),
			config_id BIGINT NOT NULL REFERENCES step_configs(id),
			PRIMARY KEY(config_set_id, config_id)
		)`,
		`CREATE TABLE IF NOT EXISTS run_groups (
			id BIGSERIAL PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL,
			param_definition_id TEXT NOT NULL,
			batch_id BIGINT NOT NULL REFERENCES document_batches(id),
			name TEXT,
			created_date TIMESTAMPTZ NOT NULL,
			start_date TIMESTAMPTZ NOT NULL,
			completed_date TIMESTAMPTZ,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_groups_batch ON run_groups(batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_groups_status ON run_groups(status)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id BIGSERIAL PRIMARY KEY,
			run_group_id BIGINT NOT NULL REFERENCES run_groups(id),
			workflow_definition_id TEXT NOT NULL,
			batch_id BIGINT NOT NULL,
			doc_id TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			created_date TIMESTAMPTZ NOT NULL,
			start_date TIMESTAMPTZ,
			completed_date TIMESTAMPTZ,
			status TEXT NOT NULL,
			run_params JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_group ON workflow_runs(run_group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status)`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			id BIGSERIAL PRIMARY KEY,
			workflow_run_id BIGINT NOT NULL REFERENCES workflow_runs(id),
			workflow_step_number INTEGER NOT NULL,
			workflow_step_name TEXT NOT NULL,
			step_config_id BIGINT NOT NULL REFERENCES step_configs(id),
			step_type TEXT NOT NULL,
			is_last_step BOOLEAN NOT NULL DEFAULT FALSE,
			retry INTEGER NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			worker_id TEXT,
			created_date TIMESTAMPTZ NOT NULL,
			start_date TIMESTAMPTZ,
			completed_date TIMESTAMPTZ,
			meta JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_run ON run_steps(workflow_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_status ON run_steps(status)`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_worker ON run_steps(worker_id)`,
		`CREATE TABLE IF NOT EXISTS lifecycle_history (
			id BIGSERIAL PRIMARY KEY,
			run_group_id BIGINT NOT NULL,
			workflow_run_id BIGINT NOT NULL DEFAULT 0,
			step_id BIGINT,
			event TEXT NOT NULL,
			status TEXT NOT NULL,
			status_date TIMESTAMPTZ NOT NULL,
			status_meta JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_history_group ON lifecycle_history(run_group_id)`,
		`CREATE TABLE IF NOT EXISTS worker_checkins (
			worker_id TEXT PRIMARY KEY,
			first_checkin TIMESTAMPTZ NOT NULL,
			last_checkin TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS document_dbs (
			doc_hash TEXT NOT NULL,
			source TEXT NOT NULL,
			db_name TEXT NOT NULL,
			lancedb_dir TEXT NOT NULL,
			rag_id TEXT NOT NULL,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			created_date TIMESTAMPTZ NOT NULL,
			PRIMARY KEY(doc_hash, source)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_states (
			source_id TEXT PRIMARY KEY,
			state_json TEXT NOT NULL,
			updated_date TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS document_bytes (
			hash TEXT NOT NULL,
			artifact_type TEXT NOT NULL,
			storage_root TEXT NOT NULL DEFAULT '',
			bytes BYTEA NOT NULL,
			size BIGINT NOT NULL,
			PRIMARY KEY(hash, artifact_type, storage_root)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_document_bytes_root ON document_bytes(artifact_type, storage_root)`,
	}

	for _, stmt := range migrations {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	return nil
}

// Close closes the database connection pool.
func (b *Backend) Close() error { return b.db.Close() }

// DB returns the underlying connection, for callers (e.g. a CLI "migrate"
// command) that need to issue ad-hoc statements outside this package's
// interface surface.
func (b *Backend) DB() *sql.DB { return b.db }

func marshalMeta(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	return json.Marshal(meta)
}

func unmarshalMeta(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// --- Documents ---

func (b *Backend) CreateDocument(ctx context.Context, doc *model.Document) error {
	metaJSON, err := marshalMeta(doc.DocMeta)
	if err != nil {
		return fmt.Errorf("marshaling doc_meta: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO documents (hash, mime_type, file_size, doc_meta) VALUES ($1, $2, $3, $4)`,
		doc.Hash, doc.MimeType, doc.FileSize, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("creating document: %w", err)
	}
	return nil
}

func (b *Backend) GetDocument(ctx context.Context, hash string) (*model.Document, error) {
	var doc model.Document
	var metaJSON []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT hash, mime_type, file_size, doc_meta FROM documents WHERE hash = $1`, hash,
	).Scan(&doc.Hash, &doc.MimeType, &doc.FileSize, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, &ingesterrors.NotFoundError{Resource: "document", ID: hash}
	}
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}
	if doc.DocMeta, err = unmarshalMeta(metaJSON); err != nil {
		return nil, fmt.Errorf("unmarshaling doc_meta: %w", err)
	}
	return &doc, nil
}

func (b *Backend) DocumentExists(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := b.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE hash = $1)`, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking document existence: %w", err)
	}
	return exists, nil
}

func (b *Backend) UpdateDocumentMeta(ctx context.Context, hash string, docMeta map[string]any) error {
	metaJSON, err := marshalMeta(docMeta)
	if err != nil {
		return fmt.Errorf("marshaling doc_meta: %w", err)
	}
	result, err := b.db.ExecContext(ctx, `UPDATE documents SET doc_meta = $1 WHERE hash = $2`, metaJSON, hash)
	if err != nil {
		return fmt.Errorf("updating document meta: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating document meta: %w", err)
	}
	if n == 0 {
		return &ingesterrors.NotFoundError{Resource: "document", ID: hash}
	}
	return nil
}

func (b *Backend) DeleteDocument(ctx context.Context, hash string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM documents WHERE hash = $1`, hash); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	return nil
}

func (b *Backend) DeleteOrphanedDocuments(ctx context.Context) (int, int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	histRes, err := tx.ExecContext(ctx,
		`DELETE FROM document_uri_history WHERE doc_hash IN (
		   SELECT hash FROM documents WHERE hash NOT IN (SELECT doc_hash FROM document_uris)
		 )`,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("deleting orphaned document_uri_history: %w", err)
	}
	historyDeleted, err := histRes.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("counting deleted history rows: %w", err)
	}

	docRes, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE hash NOT IN (SELECT doc_hash FROM document_uris)`)
	if err != nil {
		return 0, 0, fmt.Errorf("deleting orphaned documents: %w", err)
	}
	docsDeleted, err := docRes.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("counting deleted documents: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("committing transaction: %w", err)
	}
	return int(docsDeleted), int(historyDeleted), nil
}

// --- Document URIs ---

func (b *Backend) CreateDocumentURI(ctx context.Context, du *model.DocumentURI) error {
	err := b.db.QueryRowContext(ctx,
		`INSERT INTO document_uris (uri, source, doc_hash, version, batch_id) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		du.URI, du.Source, du.DocHash, du.Version, du.BatchID,
	).Scan(&du.ID)
	if err != nil {
		return fmt.Errorf("creating document_uri: %w", err)
	}
	return nil
}

func (b *Backend) GetDocumentURIByURI(ctx context.Context, uri, source string) (*model.DocumentURI, error) {
	var du model.DocumentURI
	err := b.db.QueryRowContext(ctx,
		`SELECT id, uri, source, doc_hash, version, batch_id FROM document_uris WHERE uri = $1 AND source = $2`,
		uri, source,
	).Scan(&du.ID, &du.URI, &du.Source, &du.DocHash, &du.Version, &du.BatchID)
	if err == sql.ErrNoRows {
		return nil, &ingesterrors.NotFoundError{Resource: "document_uri", ID: uri}
	}
	if err != nil {
		return nil, fmt.Errorf("getting document_uri: %w", err)
	}
	return &du, nil
}

func (b *Backend) UpdateDocumentURI(ctx context.Context, du *model.DocumentURI) error {
	result, err := b.db.ExecContext(ctx,
		`UPDATE document_uris SET doc_hash = $1, version = $2, batch_id = $3 WHERE id = $4`,
		du.DocHash, du.Version, du.BatchID, du.ID,
	)
	if err != nil {
		return fmt.Errorf("updating document_uri: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return &ingesterrors.NotFoundError{Resource: "document_uri", ID: fmt.Sprint(du.ID)}
	}
	return nil
}

func (b *Backend) DeleteDocumentURI(ctx context.Context, id int64) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM document_uris WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting document_uri: %w", err)
	}
	return nil
}

func (b *Backend) ListDocumentURIsByBatch(ctx context.Context, batchID int64) ([]*model.DocumentURI, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, uri, source, doc_hash, version, batch_id FROM document_uris WHERE batch_id = $1 ORDER BY id`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing document_uris: %w", err)
	}
	defer rows.Close()

	var out []*model.DocumentURI
	for rows.Next() {
		var du model.DocumentURI
		if err := rows.Scan(&du.ID, &du.URI, &du.Source, &du.DocHash, &du.Version, &du.BatchID); err != nil {
			return nil, fmt.Errorf("scanning document_uri: %w", err)
		}
		out = append(out, &du)
	}
	return out, nil
}

func (b *Backend) ListDocumentURIsBySource(ctx context.Context, source string) ([]*model.DocumentURI, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, uri, source, doc_hash, version, batch_id FROM document_uris WHERE source = $1 ORDER BY id`,
		source,
	)
	if err != nil {
		return nil, fmt.Errorf("listing document_uris by source: %w", err)
	}
	defer rows.Close()

	var out []*model.DocumentURI
	for rows.Next() {
		var du model.DocumentURI
		if err := rows.Scan(&du.ID, &du.URI, &du.Source, &du.DocHash, &du.Version, &du.BatchID); err != nil {
			return nil, fmt.Errorf("scanning document_uri: %w", err)
		}
		out = append(out, &du)
	}
	return out, nil
}

func (b *Backend) CountDocumentURIsByHash(ctx context.Context, hash string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_uris WHERE doc_hash = $1`, hash).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting document_uris: %w", err)
	}
	return n, nil
}

func (b *Backend) AppendDocumentURIHistory(ctx context.Context, h *model.DocumentURIHistory) error {
	metaJSON, err := marshalMeta(h.Meta)
	if err != nil {
		return fmt.Errorf("marshaling history meta: %w", err)
	}
	now := time.Now().UTC()
	err = b.db.QueryRowContext(ctx,
		`INSERT INTO document_uri_history (document_uri_id, action, doc_hash, batch_id, meta, created_date)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		h.DocumentURIID, h.Action, h.DocHash, h.BatchID, metaJSON, now,
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("appending document_uri_history: %w", err)
	}
	h.CreatedDate = now
	return nil
}

func (b *Backend) ListDocumentURIHistory(ctx context.Context, documentURIID int64) ([]*model.DocumentURIHistory, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, document_uri_id, action, doc_hash, batch_id, meta, created_date
		 FROM document_uri_history WHERE document_uri_id = $1 ORDER BY created_date ASC`,
		documentURIID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing document_uri_history: %w", err)
	}
	defer rows.Close()

	var out []*model.DocumentURIHistory
	for rows.Next() {
		var h model.DocumentURIHistory
		var metaJSON []byte
		if err := rows.Scan(&h.ID, &h.DocumentURIID, &h.Action, &h.DocHash, &h.BatchID, &metaJSON, &h.CreatedDate); err != nil {
			return nil, fmt.Errorf("scanning document_uri_history: %w", err)
		}
		if h.Meta, err = unmarshalMeta(metaJSON); err != nil {
			return nil, fmt.Errorf("unmarshaling history meta: %w", err)
		}
		out = append(out, &h)
	}
	return out, nil
}

// --- Batches ---

func (b *Backend) CreateBatch(ctx context.Context, batch *model.DocumentBatch) error {
	if batch.StartDate.IsZero() {
		batch.StartDate = time.Now().UTC()
	}
	err := b.db.QueryRowContext(ctx,
		`INSERT INTO document_batches (name, source, start_date, completed_date) VALUES ($1, $2, $3, $4) RETURNING id`,
		batch.Name, batch.Source, batch.StartDate, batch.CompletedDate,
	).Scan(&batch.ID)
	if err != nil {
		return fmt.Errorf("creating batch: %w", err)
	}
	return nil
}

func (b *Backend) GetBatch(ctx context.Context, id int64) (*model.DocumentBatch, error) {
	var batch model.DocumentBatch
	err := b.db.QueryRowContext(ctx,
		`SELECT id, name, source, start_date, completed_date FROM document_batches WHERE id = $1`, id,
	).Scan(&batch.ID, &batch.Name, &batch.Source, &batch.StartDate, &batch.CompletedDate)
	if err == sql.ErrNoRows {
		return nil, &ingesterrors.NotFoundError{Resource: "batch", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("getting batch: %w", err)
	}
	return &batch, nil
}

func (b *Backend) CompleteBatch(ctx context.Context, id int64) error {
	result, err := b.db.ExecContext(ctx, `UPDATE document_batches SET completed_date = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("completing batch: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return &ingesterrors.NotFoundError{Resource: "batch", ID: fmt.Sprint(id)}
	}
	return nil
}

func (b *Backend) ListBatches(ctx context.Context, source string, limit, offset int) ([]*model.DocumentBatch, error) {
	query := `SELECT id, name, source, start_date, completed_date FROM document_batches WHERE 1=1`
	var args []any
	argIdx := 1
	if source != "" {
		query += fmt.Sprintf(" AND source = $%d", argIdx)
		args = append(args, source)
		argIdx++
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
		argIdx++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	var out []*model.DocumentBatch
	for rows.Next() {
		var batch model.DocumentBatch
		if err := rows.Scan(&batch.ID, &batch.Name, &batch.Source, &batch.StartDate, &batch.CompletedDate); err != nil {
			return nil, fmt.Errorf("scanning batch: %w", err)
		}
		out = append(out, &batch)
	}
	return out, nil
}

// --- Config ---

func (b *Backend) GetOrCreateStepConfig(ctx context.Context, stepType model.StepType, configJSON, cumlConfigJSON string) (*model.StepConfig, error) {
	sc := &model.StepConfig{StepType: stepType, ConfigJSON: configJSON, CumlConfigJSON: cumlConfigJSON}
	err := b.db.QueryRowContext(ctx,
		`INSERT INTO step_configs (step_type, config_json, cuml_config_json) VALUES ($1, $2, $3)
		 ON CONFLICT (step_type, config_json, cuml_config_json) DO UPDATE SET step_type = EXCLUDED.step_type
		 RETURNING id`,
		stepType, configJSON, cumlConfigJSON,
	).Scan(&sc.ID)
	if err != nil {
		return nil, fmt.Errorf("getting or creating step_config: %w", err)
	}
	return sc, nil
}

func (b *Backend) GetStepConfig(ctx context.Context, id int64) (*model.StepConfig, error) {
	var sc model.StepConfig
	err := b.db.QueryRowContext(ctx,
		`SELECT id, step_type, config_json, cuml_config_json FROM step_configs WHERE id = $1`, id,
	).Scan(&sc.ID, &sc.StepType, &sc.ConfigJSON, &sc.CumlConfigJSON)
	if err == sql.ErrNoRows {
		return nil, &ingesterrors.NotFoundError{Resource: "step_config", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("getting step_config: %w", err)
	}
	return &sc, nil
}

func (b *Backend) GetOrCreateConfigSet(ctx context.Context, yamlID, yamlContents string, stepConfigIDs []int64) (*model.ConfigSet, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	cs := &model.ConfigSet{YAMLID: yamlID, YAMLContents: yamlContents}
	var created bool
	err = tx.QueryRowContext(ctx,
		`WITH ins AS (
			INSERT INTO config_sets (yaml_id, yaml_contents) VALUES ($1, $2)
			ON CONFLICT (yaml_id, yaml_contents) DO NOTHING
			RETURNING id, true
		 )
		 SELECT id, true FROM ins
		 UNION ALL
		 SELECT id, false FROM config_sets WHERE yaml_id = $1 AND yaml_contents = $2 AND NOT EXISTS (SELECT 1 FROM ins)`,
		yamlID, yamlContents,
	).Scan(&cs.ID, &created)
	if err != nil {
		return nil, fmt.Errorf("getting or creating config_set: %w", err)
	}

	if created {
		for _, configID := range stepConfigIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO config_set_items (config_set_id, config_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				cs.ID, configID,
			); err != nil {
				return nil, fmt.Errorf("inserting config_set_item: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return cs, nil
}

func (b *Backend) GetConfigSetItems(ctx context.Context, configSetID int64) ([]*model.ConfigSetItem, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT config_set_id, config_id FROM config_set_items WHERE config_set_id = $1`, configSetID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing config_set_items: %w", err)
	}
	defer rows.Close()

	var out []*model.ConfigSetItem
	for rows.Next() {
		var item model.ConfigSetItem
		if err := rows.Scan(&item.ConfigSetID, &item.ConfigID); err != nil {
			return nil, fmt.Errorf("scanning config_set_item: %w", err)
		}
		out = append(out, &item)
	}
	return out, nil
}

// --- Run groups ---

func (b *Backend) CreateRunGroup(ctx context.Context, rg *model.RunGroup) error {
	if rg.CreatedDate.IsZero() {
		rg.CreatedDate = time.Now().UTC()
	}
	if rg.Status == "" {
		rg.Status = model.RunPending
	}
	err := b.db.QueryRowContext(ctx,
		`INSERT INTO run_groups (workflow_definition_id, param_definition_id, batch_id, name, created_date, start_date, completed_date, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		rg.WorkflowDefinitionID, rg.ParamDefinitionID, rg.BatchID, rg.Name, rg.CreatedDate, rg.StartDate, rg.CompletedDate, rg.Status,
	).Scan(&rg.ID)
	if err != nil {
		return fmt.Errorf("creating run_group: %w", err)
	}
	return nil
}

func (b *Backend) GetRunGroup(ctx context.Context, id int64) (*model.RunGroup, error) {
	var rg model.RunGroup
	err := b.db.QueryRowContext(ctx,
		`SELECT id, workflow_definition_id, param_definition_id, batch_id, name, created_date, start_date, completed_date, status
		 FROM run_groups WHERE id = $1`, id,
	).Scan(&rg.ID, &rg.WorkflowDefinitionID, &rg.ParamDefinitionID, &rg.BatchID, &rg.Name, &rg.CreatedDate, &rg.StartDate, &rg.CompletedDate, &rg.Status)
	if err == sql.ErrNoRows {
		return nil, &ingesterrors.NotFoundError{Resource: "run_group", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("getting run_group: %w", err)
	}
	return &rg, nil
}

func (b *Backend) UpdateRunGroupStatus(ctx context.Context, id int64, status model.RunStatus, completed *time.Time) error {
	result, err := b.db.ExecContext(ctx,
		`UPDATE run_groups SET status = $1, completed_date = COALESCE($2, completed_date) WHERE id = $3`,
		status, completed, id,
	)
	if err != nil {
		return fmt.Errorf("updating run_group status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return &ingesterrors.NotFoundError{Resource: "run_group", ID: fmt.Sprint(id)}
	}
	return nil
}

func (b *Backend) ListRunGroups(ctx context.Context, filter store.RunGroupFilter) ([]*model.RunGroup, error) {
	query := `SELECT id, workflow_definition_id, param_definition_id, batch_id, name, created_date, start_date, completed_date, status
	          FROM run_groups WHERE 1=1`
	var args []any
	argIdx := 1
	if filter.BatchID != nil {
		query += fmt.Sprintf(" AND batch_id = $%d", argIdx)
		args = append(args, *filter.BatchID)
		argIdx++
	}
	if filter.WorkflowDefinitionID != "" {
		query += fmt.Sprintf(" AND workflow_definition_id = $%d", argIdx)
		args = append(args, filter.WorkflowDefinitionID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing run_groups: %w", err)
	}
	defer rows.Close()

	var out []*model.RunGroup
	for rows.Next() {
		var rg model.RunGroup
		if err := rows.Scan(&rg.ID, &rg.WorkflowDefinitionID, &rg.ParamDefinitionID, &rg.BatchID, &rg.Name, &rg.CreatedDate, &rg.StartDate, &rg.CompletedDate, &rg.Status); err != nil {
			return nil, fmt.Errorf("scanning run_group: %w", err)
		}
		out = append(out, &rg)
	}
	return out, nil
}

func (b *Backend) DeleteRunGroup(ctx context.Context, id int64) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_steps WHERE workflow_run_id IN (SELECT id FROM workflow_runs WHERE run_group_id = $1)`, id,
	); err != nil {
		return fmt.Errorf("deleting run_steps: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_runs WHERE run_group_id = $1`, id); err != nil {
		return fmt.Errorf("deleting workflow_runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM lifecycle_history WHERE run_group_id = $1`, id); err != nil {
		return fmt.Errorf("deleting lifecycle_history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_groups WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting run_group: %w", err)
	}
	return tx.Commit()
}

func (b *Backend) DeleteWorkflowRunsByDocHash(ctx context.Context, docHash string) (int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_steps WHERE workflow_run_id IN (SELECT id FROM workflow_runs WHERE doc_id = $1)`, docHash,
	); err != nil {
		return 0, fmt.Errorf("deleting run_steps: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM lifecycle_history WHERE workflow_run_id IN (SELECT id FROM workflow_runs WHERE doc_id = $1)`, docHash,
	); err != nil {
		return 0, fmt.Errorf("deleting lifecycle_history: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflow_runs WHERE doc_id = $1`, docHash)
	if err != nil {
		return 0, fmt.Errorf("deleting workflow_runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted workflow_runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return int(n), nil
}

func (b *Backend) ResetFailedSteps(ctx context.Context, runGroupID int64) (int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE run_steps SET status = 'PENDING', retry = 0, worker_id = NULL
		 WHERE status = 'FAILED' AND workflow_run_id IN (
			SELECT id FROM workflow_runs WHERE run_group_id = $1 AND status = 'FAILED'
		 )`, runGroupID,
	); err != nil {
		return 0, fmt.Errorf("resetting run_steps: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_runs SET status = 'RUNNING' WHERE run_group_id = $1 AND status = 'FAILED'`, runGroupID,
	)
	if err != nil {
		return 0, fmt.Errorf("resetting workflow_runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting reset workflow_runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return int(n), nil
}

func (b *Backend) CreateWorkflowRun(ctx context.Context, wr *model.WorkflowRun) error {
	if wr.CreatedDate.IsZero() {
		wr.CreatedDate = time.Now().UTC()
	}
	if wr.Status == "" {
		wr.Status = model.RunPending
	}
	paramsJSON, err := marshalMeta(wr.RunParams)
	if err != nil {
		return fmt.Errorf("marshaling run_params: %w", err)
	}
	err = b.db.QueryRowContext(ctx,
		`INSERT INTO workflow_runs (run_group_id, workflow_definition_id, batch_id, doc_id, priority, created_date, start_date, completed_date, status, run_params)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		wr.RunGroupID, wr.WorkflowDefinitionID, wr.BatchID, wr.DocID, wr.Priority, wr.CreatedDate, wr.StartDate, wr.CompletedDate, wr.Status, paramsJSON,
	).Scan(&wr.ID)
	if err != nil {
		return fmt.Errorf("creating workflow_run: %w", err)
	}
	return nil
}

func (b *Backend) GetWorkflowRun(ctx context.Context, id int64) (*model.WorkflowRun, error) {
	var wr model.WorkflowRun
	var paramsJSON []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT id, run_group_id, workflow_definition_id, batch_id, doc_id, priority, created_date, start_date, completed_date, status, run_params
		 FROM workflow_runs WHERE id = $1`, id,
	).Scan(&wr.ID, &wr.RunGroupID, &wr.WorkflowDefinitionID, &wr.BatchID, &wr.DocID, &wr.Priority, &wr.CreatedDate, &wr.StartDate, &wr.CompletedDate, &wr.Status, &paramsJSON)
	if err == sql.ErrNoRows {
		return nil, &ingesterrors.NotFoundError{Resource: "workflow_run", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("getting workflow_run: %w", err)
	}
	if wr.RunParams, err = unmarshalMeta(paramsJSON); err != nil {
		return nil, fmt.Errorf("unmarshaling run_params: %w", err)
	}
	return &wr, nil
}

func (b *Backend) UpdateWorkflowRunStatus(ctx context.Context, id int64, status model.RunStatus, started, completed *time.Time) error {
	result, err := b.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = $1, start_date = COALESCE($2, start_date), completed_date = COALESCE($3, completed_date) WHERE id = $4`,
		status, started, completed, id,
	)
	if err != nil {
		return fmt.Errorf("updating workflow_run status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return &ingesterrors.NotFoundError{Resource: "workflow_run", ID: fmt.Sprint(id)}
	}
	return nil
}

func (b *Backend) ListWorkflowRunsByGroup(ctx context.Context, runGroupID int64) ([]*model.WorkflowRun, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, run_group_id, workflow_definition_id, batch_id, doc_id, priority, created_date, start_date, completed_date, status, run_params
		 FROM workflow_runs WHERE run_group_id = $1 ORDER BY id`, runGroupID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing workflow_runs: %w", err)
	}
	defer rows.Close()

	var out []*model.WorkflowRun
	for rows.Next() {
		var wr model.WorkflowRun
		var paramsJSON []byte
		if err := rows.Scan(&wr.ID, &wr.RunGroupID, &wr.WorkflowDefinitionID, &wr.BatchID, &wr.DocID, &wr.Priority, &wr.CreatedDate, &wr.StartDate, &wr.CompletedDate, &wr.Status, &paramsJSON); err != nil {
			return nil, fmt.Errorf("scanning workflow_run: %w", err)
		}
		if wr.RunParams, err = unmarshalMeta(paramsJSON); err != nil {
			return nil, fmt.Errorf("unmarshaling run_params: %w", err)
		}
		out = append(out, &wr)
	}
	return out, nil
}

func (b *Backend) ListWorkflowRunsByDocHash(ctx context.Context, docHash string) ([]*model.WorkflowRun, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, run_group_id, workflow_definition_id, batch_id, doc_id, priority, created_date, start_date, completed_date, status, run_params
		 FROM workflow_runs WHERE doc_id = $1 ORDER BY id`, docHash,
	)
	if err != nil {
		return nil, fmt.Errorf("listing workflow_runs by doc hash: %w", err)
	}
	defer rows.Close()

	var out []*model.WorkflowRun
	for rows.Next() {
		var wr model.WorkflowRun
		var paramsJSON []byte
		if err := rows.Scan(&wr.ID, &wr.RunGroupID, &wr.WorkflowDefinitionID, &wr.BatchID, &wr.DocID, &wr.Priority, &wr.CreatedDate, &wr.StartDate, &wr.CompletedDate, &wr.Status, &paramsJSON); err != nil {
			return nil, fmt.Errorf("scanning workflow_run: %w", err)
		}
		if wr.RunParams, err = unmarshalMeta(paramsJSON); err != nil {
			return nil, fmt.Errorf("unmarshaling run_params: %w", err)
		}
		out = append(out, &wr)
	}
	return out, nil
}

func (b *Backend) CountWorkflowRunsByStatus(ctx context.Context, runGroupID int64) (map[model.RunStatus]int, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM workflow_runs WHERE run_group_id = $1 GROUP BY status`, runGroupID,
	)
	if err != nil {
		return nil, fmt.Errorf("counting workflow_runs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.RunStatus]int)
	for rows.Next() {
		var status model.RunStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = n
	}
	return counts, nil
}

// --- Run steps ---

func (b *Backend) CreateRunStep(ctx context.Context, s *model.RunStep) error {
	if s.CreatedDate.IsZero() {
		s.CreatedDate = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = model.StepPending
	}
	metaJSON, err := marshalMeta(s.Meta)
	if err != nil {
		return fmt.Errorf("marshaling step meta: %w", err)
	}
	err = b.db.QueryRowContext(ctx,
		`INSERT INTO run_steps (workflow_run_id, workflow_step_number, workflow_step_name, step_config_id, step_type,
		                        is_last_step, retry, retries, status, worker_id, created_date, start_date, completed_date, meta)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id`,
		s.WorkflowRunID, s.WorkflowStepNumber, s.WorkflowStepName, s.StepConfigID, s.StepType,
		s.IsLastStep, s.Retry, s.Retries, s.Status, s.WorkerID, s.CreatedDate, s.StartDate, s.CompletedDate, metaJSON,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("creating run_step: %w", err)
	}
	return nil
}

func scanRunStep(row interface{ Scan(...any) error }) (*model.RunStep, error) {
	var s model.RunStep
	var metaJSON []byte
	err := row.Scan(
		&s.ID, &s.WorkflowRunID, &s.WorkflowStepNumber, &s.WorkflowStepName, &s.StepConfigID, &s.StepType,
		&s.IsLastStep, &s.Retry, &s.Retries, &s.Status, &s.WorkerID, &s.CreatedDate, &s.StartDate, &s.CompletedDate, &metaJSON,
	)
	if err != nil {
		return nil, err
	}
	meta, err := unmarshalMeta(metaJSON)
	if err != nil {
		return nil, err
	}
	s.Meta = meta
	return &s, nil
}

const runStepColumns = `id, workflow_run_id, workflow_step_number, workflow_step_name, step_config_id, step_type,
	is_last_step, retry, retries, status, worker_id, created_date, start_date, completed_date, meta`

func (b *Backend) GetRunStep(ctx context.Context, id int64) (*model.RunStep, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runStepColumns+` FROM run_steps WHERE id = $1`, id)
	s, err := scanRunStep(row)
	if err == sql.ErrNoRows {
		return nil, &ingesterrors.NotFoundError{Resource: "run_step", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("getting run_step: %w", err)
	}
	return s, nil
}

func (b *Backend) ListRunStepsByRun(ctx context.Context, workflowRunID int64) ([]*model.RunStep, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+runStepColumns+` FROM run_steps WHERE workflow_run_id = $1 ORDER BY workflow_step_number`, workflowRunID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing run_steps: %w", err)
	}
	defer rows.Close()

	var out []*model.RunStep
	for rows.Next() {
		s, err := scanRunStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run_step: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ListRunnableSteps implements the six-clause runnable-step selection rule
// (§4.4): retry capacity remaining, status not {RUNNING,COMPLETED,FAILED},
// lowest incomplete workflow_step_number in the run, owning run not
// {COMPLETED,FAILED}, no sibling step currently RUNNING, and an optional
// batch filter — ordered by priority desc, retry asc, created date asc,
// step number asc.
func (b *Backend) ListRunnableSteps(ctx context.Context, filter store.RunnableStepFilter) ([]*model.RunStep, error) {
	query := `
		SELECT ` + runStepColumns + `
		FROM run_steps s
		JOIN workflow_runs wr ON wr.id = s.workflow_run_id
		WHERE s.retry < s.retries
		  AND s.status NOT IN ('RUNNING', 'COMPLETED', 'FAILED')
		  AND s.workflow_step_number = (
			SELECT MIN(s2.workflow_step_number) FROM run_steps s2
			WHERE s2.workflow_run_id = s.workflow_run_id
			  AND s2.status NOT IN ('COMPLETED', 'FAILED')
		  )
		  AND wr.status NOT IN ('COMPLETED', 'FAILED')
		  AND wr.id NOT IN (
			SELECT DISTINCT workflow_run_id FROM run_steps WHERE status = 'RUNNING'
		  )`
	var args []any
	argIdx := 1
	if filter.BatchID != nil {
		query += fmt.Sprintf(" AND wr.batch_id = $%d", argIdx)
		args = append(args, *filter.BatchID)
		argIdx++
	}
	if len(filter.StepTypes) > 0 {
		placeholders := ""
		for i, t := range filter.StepTypes {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += fmt.Sprintf("$%d", argIdx)
			args = append(args, t)
			argIdx++
		}
		query += fmt.Sprintf(" AND s.step_type IN (%s)", placeholders)
	}
	query += " ORDER BY wr.priority DESC, s.retry ASC, s.created_date ASC, s.workflow_step_number ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runnable steps: %w", err)
	}
	defer rows.Close()

	var out []*model.RunStep
	for rows.Next() {
		s, err := scanRunStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run_step: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ClaimStep uses "UPDATE ... WHERE status = 'PENDING' RETURNING" as an
// atomic compare-and-swap, the same single-statement claim pattern the
// teacher's DequeueJob uses a row lock for — here a conditional UPDATE
// suffices since exactly one column (status) gates the claim.
func (b *Backend) ClaimStep(ctx context.Context, stepID int64, workerID string) (*model.RunStep, error) {
	row := b.db.QueryRowContext(ctx,
		`UPDATE run_steps SET status = 'RUNNING', worker_id = $1, start_date = $2
		 WHERE id = $3 AND status = 'PENDING'
		 RETURNING `+runStepColumns,
		workerID, time.Now().UTC(), stepID,
	)
	s, err := scanRunStep(row)
	if err == sql.ErrNoRows {
		current, getErr := b.GetRunStep(ctx, stepID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &ingesterrors.InvalidStateError{Entity: "run_step", From: string(current.Status), Reason: "step is not pending"}
	}
	if err != nil {
		return nil, fmt.Errorf("claiming run_step: %w", err)
	}
	return s, nil
}

func (b *Backend) CompleteStep(ctx context.Context, stepID int64, workerID string, status model.StepStatus, meta map[string]any) (*model.RunStep, error) {
	metaJSON, err := marshalMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling completion meta: %w", err)
	}

	switch status {
	case model.StepCompleted:
		row := b.db.QueryRowContext(ctx,
			`UPDATE run_steps SET status = 'COMPLETED', completed_date = $1, meta = $2
			 WHERE id = $3 AND status = 'RUNNING' AND worker_id = $4
			 RETURNING `+runStepColumns,
			time.Now().UTC(), metaJSON, stepID, workerID,
		)
		return b.finishCompleteStep(ctx, row, stepID)
	case model.StepError:
		row := b.db.QueryRowContext(ctx,
			`UPDATE run_steps SET
			   retry = retry + 1,
			   status = CASE WHEN retry + 1 >= retries THEN 'FAILED' ELSE 'PENDING' END,
			   worker_id = CASE WHEN retry + 1 >= retries THEN worker_id ELSE NULL END,
			   start_date = CASE WHEN retry + 1 >= retries THEN start_date ELSE NULL END,
			   completed_date = CASE WHEN retry + 1 >= retries THEN $1 ELSE completed_date END,
			   meta = $2
			 WHERE id = $3 AND status = 'RUNNING' AND worker_id = $4
			 RETURNING `+runStepColumns,
			time.Now().UTC(), metaJSON, stepID, workerID,
		)
		return b.finishCompleteStep(ctx, row, stepID)
	default:
		return nil, &ingesterrors.InvalidInputError{Field: "status", Message: "completion status must be COMPLETED or ERROR"}
	}
}

func (b *Backend) finishCompleteStep(ctx context.Context, row *sql.Row, stepID int64) (*model.RunStep, error) {
	s, err := scanRunStep(row)
	if err == sql.ErrNoRows {
		current, getErr := b.GetRunStep(ctx, stepID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &ingesterrors.InvalidStateError{Entity: "run_step", From: string(current.Status), Reason: "owned by another worker"}
	}
	if err != nil {
		return nil, fmt.Errorf("completing run_step: %w", err)
	}
	return s, nil
}

func (b *Backend) ReapStaleSteps(ctx context.Context, staleAfter time.Duration) ([]int64, error) {
	rows, err := b.db.QueryContext(ctx,
		`UPDATE run_steps SET
		   retry = retry + 1,
		   status = CASE WHEN retry + 1 >= retries THEN 'FAILED' ELSE 'PENDING' END,
		   worker_id = NULL,
		   start_date = NULL
		 WHERE status = 'RUNNING' AND start_date < $1
		 RETURNING id`,
		time.Now().UTC().Add(-staleAfter),
	)
	if err != nil {
		return nil, fmt.Errorf("reaping stale steps: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning reaped step id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// --- Lifecycle ---

func (b *Backend) AppendLifecycleHistory(ctx context.Context, h *model.LifecycleHistory) error {
	if h.StatusDate.IsZero() {
		h.StatusDate = time.Now().UTC()
	}
	metaJSON, err := marshalMeta(h.StatusMeta)
	if err != nil {
		return fmt.Errorf("marshaling status_meta: %w", err)
	}
	err = b.db.QueryRowContext(ctx,
		`INSERT INTO lifecycle_history (run_group_id, workflow_run_id, step_id, event, status, status_date, status_meta)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		h.RunGroupID, h.WorkflowRunID, h.StepID, h.Event, h.Status, h.StatusDate, metaJSON,
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("appending lifecycle_history: %w", err)
	}
	return nil
}

func (b *Backend) ListLifecycleHistory(ctx context.Context, runGroupID int64) ([]*model.LifecycleHistory, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, run_group_id, workflow_run_id, step_id, event, status, status_date, status_meta
		 FROM lifecycle_history WHERE run_group_id = $1 ORDER BY status_date ASC`, runGroupID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing lifecycle_history: %w", err)
	}
	defer rows.Close()

	var out []*model.LifecycleHistory
	for rows.Next() {
		var h model.LifecycleHistory
		var metaJSON []byte
		if err := rows.Scan(&h.ID, &h.RunGroupID, &h.WorkflowRunID, &h.StepID, &h.Event, &h.Status, &h.StatusDate, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning lifecycle_history: %w", err)
		}
		if h.StatusMeta, err = unmarshalMeta(metaJSON); err != nil {
			return nil, fmt.Errorf("unmarshaling status_meta: %w", err)
		}
		out = append(out, &h)
	}
	return out, nil
}

// --- Workers ---

func (b *Backend) CheckinWorker(ctx context.Context, workerID string) error {
	now := time.Now().UTC()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO worker_checkins (worker_id, first_checkin, last_checkin) VALUES ($1, $2, $2)
		 ON CONFLICT (worker_id) DO UPDATE SET last_checkin = EXCLUDED.last_checkin`,
		workerID, now,
	)
	if err != nil {
		return fmt.Errorf("checking in worker: %w", err)
	}
	return nil
}

func (b *Backend) ListStaleWorkers(ctx context.Context, staleAfter time.Duration) ([]*model.WorkerCheckin, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT worker_id, first_checkin, last_checkin FROM worker_checkins WHERE last_checkin < $1`,
		time.Now().UTC().Add(-staleAfter),
	)
	if err != nil {
		return nil, fmt.Errorf("listing stale workers: %w", err)
	}
	defer rows.Close()

	var out []*model.WorkerCheckin
	for rows.Next() {
		var w model.WorkerCheckin
		if err := rows.Scan(&w.WorkerID, &w.FirstCheckin, &w.LastCheckin); err != nil {
			return nil, fmt.Errorf("scanning worker_checkin: %w", err)
		}
		out = append(out, &w)
	}
	return out, nil
}

// --- Stats (§9.5) ---

func (b *Backend) GetRunGroupDurations(ctx context.Context, runGroupID int64) ([]store.RunGroupDuration, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT EXTRACT(EPOCH FROM (completed_date - start_date))
		 FROM run_steps
		 WHERE status = 'COMPLETED' AND start_date IS NOT NULL AND completed_date IS NOT NULL
		 AND workflow_run_id IN (SELECT id FROM workflow_runs WHERE run_group_id = $1)`, runGroupID,
	)
	if err != nil {
		return nil, fmt.Errorf("getting run_group durations: %w", err)
	}
	defer rows.Close()

	var out []store.RunGroupDuration
	for rows.Next() {
		d := store.RunGroupDuration{RunGroupID: runGroupID}
		if err := rows.Scan(&d.Seconds); err != nil {
			return nil, fmt.Errorf("scanning run_group duration: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (b *Backend) GetStepStats(ctx context.Context, runGroupID int64) ([]store.StepStat, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT step_type,
		        COUNT(*),
		        COUNT(*) FILTER (WHERE status IN ('ERROR', 'FAILED')),
		        COALESCE(AVG(EXTRACT(EPOCH FROM (completed_date - start_date))) FILTER (WHERE start_date IS NOT NULL AND completed_date IS NOT NULL), 0)
		 FROM run_steps
		 WHERE workflow_run_id IN (SELECT id FROM workflow_runs WHERE run_group_id = $1)
		 GROUP BY step_type`, runGroupID,
	)
	if err != nil {
		return nil, fmt.Errorf("getting step stats: %w", err)
	}
	defer rows.Close()

	var out []store.StepStat
	for rows.Next() {
		var s store.StepStat
		if err := rows.Scan(&s.StepType, &s.Count, &s.ErrorCount, &s.AvgSeconds); err != nil {
			return nil, fmt.Errorf("scanning step stat: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// --- DocumentDB / SyncState (§9.7) ---

func (b *Backend) UpsertDocumentDB(ctx context.Context, row *model.DocumentDB) error {
	if row.CreatedDate.IsZero() {
		row.CreatedDate = time.Now().UTC()
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO document_dbs (doc_hash, source, db_name, lancedb_dir, rag_id, chunk_count, created_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (doc_hash, source) DO UPDATE SET
		   db_name = EXCLUDED.db_name, lancedb_dir = EXCLUDED.lancedb_dir,
		   rag_id = EXCLUDED.rag_id, chunk_count = EXCLUDED.chunk_count`,
		row.DocHash, row.Source, row.DBName, row.LanceDBDir, row.RAGID, row.ChunkCount, row.CreatedDate,
	)
	if err != nil {
		return fmt.Errorf("upserting document_db: %w", err)
	}
	return nil
}

func (b *Backend) GetDocumentDB(ctx context.Context, docHash, source string) (*model.DocumentDB, error) {
	var row model.DocumentDB
	err := b.db.QueryRowContext(ctx,
		`SELECT doc_hash, source, db_name, lancedb_dir, rag_id, chunk_count, created_date
		 FROM document_dbs WHERE doc_hash = $1 AND source = $2`, docHash, source,
	).Scan(&row.DocHash, &row.Source, &row.DBName, &row.LanceDBDir, &row.RAGID, &row.ChunkCount, &row.CreatedDate)
	if err == sql.ErrNoRows {
		return nil, &ingesterrors.NotFoundError{Resource: "document_db", ID: docHash}
	}
	if err != nil {
		return nil, fmt.Errorf("getting document_db: %w", err)
	}
	return &row, nil
}

func (b *Backend) DeleteDocumentDB(ctx context.Context, docHash, source string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM document_dbs WHERE doc_hash = $1 AND source = $2`, docHash, source); err != nil {
		return fmt.Errorf("deleting document_db: %w", err)
	}
	return nil
}

func (b *Backend) ListDocumentDBByHash(ctx context.Context, docHash string) ([]*model.DocumentDB, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT doc_hash, source, db_name, lancedb_dir, rag_id, chunk_count, created_date
		 FROM document_dbs WHERE doc_hash = $1 ORDER BY source`, docHash,
	)
	if err != nil {
		return nil, fmt.Errorf("listing document_dbs: %w", err)
	}
	defer rows.Close()

	var out []*model.DocumentDB
	for rows.Next() {
		var row model.DocumentDB
		if err := rows.Scan(&row.DocHash, &row.Source, &row.DBName, &row.LanceDBDir, &row.RAGID, &row.ChunkCount, &row.CreatedDate); err != nil {
			return nil, fmt.Errorf("scanning document_db: %w", err)
		}
		out = append(out, &row)
	}
	return out, nil
}

func (b *Backend) ListDocumentDBByName(ctx context.Context, dbName string) ([]*model.DocumentDB, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT doc_hash, source, db_name, lancedb_dir, rag_id, chunk_count, created_date
		 FROM document_dbs WHERE db_name = $1 ORDER BY doc_hash`, dbName,
	)
	if err != nil {
		return nil, fmt.Errorf("listing document_dbs: %w", err)
	}
	defer rows.Close()

	var out []*model.DocumentDB
	for rows.Next() {
		var row model.DocumentDB
		if err := rows.Scan(&row.DocHash, &row.Source, &row.DBName, &row.LanceDBDir, &row.RAGID, &row.ChunkCount, &row.CreatedDate); err != nil {
			return nil, fmt.Errorf("scanning document_db: %w", err)
		}
		out = append(out, &row)
	}
	return out, nil
}

func (b *Backend) SaveSyncState(ctx context.Context, s *model.SyncState) error {
	s.UpdatedDate = time.Now().UTC()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO sync_states (source_id, state_json, updated_date) VALUES ($1, $2, $3)
		 ON CONFLICT (source_id) DO UPDATE SET state_json = EXCLUDED.state_json, updated_date = EXCLUDED.updated_date`,
		s.SourceID, s.StateJSON, s.UpdatedDate,
	)
	if err != nil {
		return fmt.Errorf("saving sync_state: %w", err)
	}
	return nil
}

func (b *Backend) GetSyncState(ctx context.Context, sourceID string) (*model.SyncState, error) {
	var s model.SyncState
	err := b.db.QueryRowContext(ctx,
		`SELECT source_id, state_json, updated_date FROM sync_states WHERE source_id = $1`, sourceID,
	).Scan(&s.SourceID, &s.StateJSON, &s.UpdatedDate)
	if err == sql.ErrNoRows {
		return nil, &ingesterrors.NotFoundError{Resource: "sync_state", ID: sourceID}
	}
	if err != nil {
		return nil, fmt.Errorf("getting sync_state: %w", err)
	}
	return &s, nil
}

func (b *Backend) DeleteSyncState(ctx context.Context, sourceID string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM sync_states WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("deleting sync_state: %w", err)
	}
	return nil
}

// --- DocumentBytes (§4.1 relational storage-operator variant) ---

func (b *Backend) PutDocumentBytes(ctx context.Context, row *model.DocumentBytes) error {
	row.Size = int64(len(row.Bytes))
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO document_bytes (hash, artifact_type, storage_root, bytes, size) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (hash, artifact_type, storage_root) DO UPDATE SET bytes = EXCLUDED.bytes, size = EXCLUDED.size`,
		row.Hash, row.ArtifactType, row.StorageRoot, row.Bytes, row.Size,
	)
	if err != nil {
		return fmt.Errorf("putting document_bytes: %w", err)
	}
	return nil
}

func (b *Backend) GetDocumentBytes(ctx context.Context, hash string, artifactType model.ArtifactType, storageRoot string) (*model.DocumentBytes, error) {
	var row model.DocumentBytes
	err := b.db.QueryRowContext(ctx,
		`SELECT hash, artifact_type, storage_root, bytes, size FROM document_bytes WHERE hash = $1 AND artifact_type = $2 AND storage_root = $3`,
		hash, artifactType, storageRoot,
	).Scan(&row.Hash, &row.ArtifactType, &row.StorageRoot, &row.Bytes, &row.Size)
	if err == sql.ErrNoRows {
		return nil, &ingesterrors.NotFoundError{Resource: "document_bytes", ID: hash}
	}
	if err != nil {
		return nil, fmt.Errorf("getting document_bytes: %w", err)
	}
	return &row, nil
}

func (b *Backend) DocumentBytesExists(ctx context.Context, hash string, artifactType model.ArtifactType, storageRoot string) (bool, error) {
	var exists bool
	err := b.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM document_bytes WHERE hash = $1 AND artifact_type = $2 AND storage_root = $3)`,
		hash, artifactType, storageRoot,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking document_bytes existence: %w", err)
	}
	return exists, nil
}

func (b *Backend) DeleteDocumentBytes(ctx context.Context, hash string, artifactType model.ArtifactType, storageRoot string) error {
	result, err := b.db.ExecContext(ctx,
		`DELETE FROM document_bytes WHERE hash = $1 AND artifact_type = $2 AND storage_root = $3`,
		hash, artifactType, storageRoot,
	)
	if err != nil {
		return fmt.Errorf("deleting document_bytes: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return &ingesterrors.NotFoundError{Resource: "document_bytes", ID: hash}
	}
	return nil
}

func (b *Backend) ListDocumentBytes(ctx context.Context, artifactType model.ArtifactType, storageRoot string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT hash FROM document_bytes WHERE artifact_type = $1 AND storage_root = $2 ORDER BY hash`,
		artifactType, storageRoot,
	)
	if err != nil {
		return nil, fmt.Errorf("listing document_bytes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scanning document_bytes hash: %w", err)
		}
		out = append(out, hash)
	}
	return out, nil
}
