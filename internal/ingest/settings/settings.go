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

// Package settings loads the single, process-wide configuration object the
// ingestion engine is assembled from: one flat environment-variable key
// space, read once at process start and threaded explicitly through every
// constructor that needs it (registry, storage operator, worker pool, HTTP
// server) rather than read back out of a global.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/soliplex/ingesterd/internal/log"
)

// FileStoreTarget selects which Storage Operator backend artifacts are
// addressed through (§4.1).
type FileStoreTarget string

const (
	FileStoreDB FileStoreTarget = "db"
	FileStoreFS FileStoreTarget = "fs"
	FileStoreS3 FileStoreTarget = "s3"
)

// S3Settings configures one S3-compatible bucket. Two independent instances
// are loaded: one for fetching input documents, one for artifact storage.
type S3Settings struct {
	Bucket        string `json:"bucket"`
	EndpointURL   string `json:"endpoint_url,omitempty"`
	AccessKeyID   string `json:"access_key_id"`
	AccessSecret  string `json:"access_secret"`
	Region        string `json:"region"`
}

// Settings is the root configuration object. Every field has a documented
// default applied by Default before environment overrides are read.
type Settings struct {
	DocDBURL string `json:"doc_db_url"`

	DoclingServerURL     string        `json:"docling_server_url,omitempty"`
	DoclingHTTPTimeout   time.Duration `json:"docling_http_timeout"`
	DoclingConcurrency   int           `json:"docling_concurrency"`

	LogLevel string `json:"log_level"`

	FileStoreTarget FileStoreTarget `json:"file_store_target"`
	FileStoreDir    string          `json:"file_store_dir"`
	LanceDBDir      string          `json:"lancedb_dir,omitempty"`

	DocumentStoreDir       string `json:"document_store_dir"`
	ParsedMarkdownStoreDir string `json:"parsed_markdown_store_dir"`
	ParsedJSONStoreDir     string `json:"parsed_json_store_dir"`
	ChunksStoreDir         string `json:"chunks_store_dir"`
	EmbeddingsStoreDir     string `json:"embeddings_store_dir"`

	IngestQueueConcurrency int `json:"ingest_queue_concurrency"`
	IngestWorkerConcurrency int `json:"ingest_worker_concurrency"`

	InputS3    S3Settings `json:"input_s3,omitempty"`
	ArtifactS3 S3Settings `json:"artifact_s3,omitempty"`

	WorkflowDir       string `json:"workflow_dir"`
	DefaultWorkflowID string `json:"default_workflow_id"`
	ParamDir          string `json:"param_dir"`
	DefaultParamID    string `json:"default_param_id"`

	WorkerCheckinInterval time.Duration `json:"worker_checkin_interval"`
	WorkerCheckinTimeout  time.Duration `json:"worker_checkin_timeout"`
	WorkerTaskCount       int           `json:"worker_task_count"`

	EmbedBatchSize   int `json:"embed_batch_size"`
	EmbedConcurrency int `json:"embed_concurrency"`
	RAGConcurrency   int `json:"rag_concurrency"`

	OllamaBaseURL string `json:"ollama_base_url,omitempty"`
	DoRAG         bool   `json:"do_rag"`
}

// ArtifactSubdir returns the configured subdirectory name for one artifact
// type, used by the filesystem storage operator to lay artifacts out under
// FileStoreDir. Returns "" for model.ArtifactDoc, which is stored directly
// under FileStoreDir/DocumentStoreDir.
func (s *Settings) ArtifactSubdir(artifactType string) string {
	switch artifactType {
	case "DOC":
		return s.DocumentStoreDir
	case "PARSED_MD":
		return s.ParsedMarkdownStoreDir
	case "PARSED_JSON":
		return s.ParsedJSONStoreDir
	case "CHUNKS":
		return s.ChunksStoreDir
	case "EMBEDDINGS":
		return s.EmbeddingsStoreDir
	default:
		return ""
	}
}

// Default returns a Settings with every documented default populated.
func Default() *Settings {
	return &Settings{
		DoclingHTTPTimeout: 60 * time.Second,
		DoclingConcurrency: 3,

		LogLevel: "info",

		FileStoreTarget: FileStoreFS,
		FileStoreDir:    "file_store",
		LanceDBDir:      "lancedb",

		DocumentStoreDir:       "raw",
		ParsedMarkdownStoreDir: "markdown",
		ParsedJSONStoreDir:     "json",
		ChunksStoreDir:         "chunks",
		EmbeddingsStoreDir:     "embeddings",

		IngestQueueConcurrency:  20,
		IngestWorkerConcurrency: 10,

		WorkflowDir:       "config/workflows",
		DefaultWorkflowID: "batch_split",
		ParamDir:          "config/params",
		DefaultParamID:    "default",

		WorkerCheckinInterval: 120 * time.Second,
		WorkerCheckinTimeout:  600 * time.Second,
		WorkerTaskCount:       5,

		EmbedBatchSize:   1000,
		EmbedConcurrency: 5,
		RAGConcurrency:   3,

		DoRAG: true,
	}
}

// LoadSettingsFromEnv assembles Settings from the process environment,
// starting from Default and overriding every recognised key. It does not
// fail on the first invalid value: all violations are collected and
// returned together from Validate.
func LoadSettingsFromEnv() (*Settings, error) {
	s := Default()
	s.loadFromEnv()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) loadFromEnv() {
	str(&s.DocDBURL, "DOC_DB_URL")
	str(&s.DoclingServerURL, "DOCLING_SERVER_URL")
	duration(&s.DoclingHTTPTimeout, "DOCLING_HTTP_TIMEOUT")
	integer(&s.DoclingConcurrency, "DOCLING_CONCURRENCY")

	str(&s.LogLevel, "LOG_LEVEL")

	if val := os.Getenv("FILE_STORE_TARGET"); val != "" {
		s.FileStoreTarget = FileStoreTarget(strings.ToLower(val))
	}
	str(&s.FileStoreDir, "FILE_STORE_DIR")
	str(&s.LanceDBDir, "LANCEDB_DIR")

	str(&s.DocumentStoreDir, "DOCUMENT_STORE_DIR")
	str(&s.ParsedMarkdownStoreDir, "PARSED_MARKDOWN_STORE_DIR")
	str(&s.ParsedJSONStoreDir, "PARSED_JSON_STORE_DIR")
	str(&s.ChunksStoreDir, "CHUNKS_STORE_DIR")
	str(&s.EmbeddingsStoreDir, "EMBEDDINGS_STORE_DIR")

	integer(&s.IngestQueueConcurrency, "INGEST_QUEUE_CONCURRENCY")
	integer(&s.IngestWorkerConcurrency, "INGEST_WORKER_CONCURRENCY")

	s.InputS3.loadFromEnv("INPUT_S3")
	s.ArtifactS3.loadFromEnv("ARTIFACT_S3")

	str(&s.WorkflowDir, "WORKFLOW_DIR")
	str(&s.DefaultWorkflowID, "DEFAULT_WORKFLOW_ID")
	str(&s.ParamDir, "PARAM_DIR")
	str(&s.DefaultParamID, "DEFAULT_PARAM_ID")

	duration(&s.WorkerCheckinInterval, "WORKER_CHECKIN_INTERVAL")
	duration(&s.WorkerCheckinTimeout, "WORKER_CHECKIN_TIMEOUT")
	integer(&s.WorkerTaskCount, "WORKER_TASK_COUNT")

	integer(&s.EmbedBatchSize, "EMBED_BATCH_SIZE")
	integer(&s.EmbedConcurrency, "EMBED_CONCURRENCY")
	integer(&s.RAGConcurrency, "RAG_CONCURRENCY")

	str(&s.OllamaBaseURL, "OLLAMA_BASE_URL")
	boolean(&s.DoRAG, "DO_RAG")
}

// loadFromEnv reads the nested `<prefix>__*` keys documented for S3Settings.
func (s *S3Settings) loadFromEnv(prefix string) {
	str(&s.Bucket, prefix+"__BUCKET")
	str(&s.EndpointURL, prefix+"__ENDPOINT_URL")
	str(&s.AccessKeyID, prefix+"__ACCESS_KEY_ID")
	str(&s.AccessSecret, prefix+"__ACCESS_SECRET")
	str(&s.Region, prefix+"__REGION")
}

func str(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func integer(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func boolean(dst *bool, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val == "1" || strings.EqualFold(val, "true")
	}
}

func duration(dst *time.Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			*dst = time.Duration(secs) * time.Second
			return
		}
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

// Validate checks that the settings are internally consistent, collecting
// every violation rather than stopping at the first.
func (s *Settings) Validate() error {
	var errs []string

	if s.DocDBURL == "" {
		errs = append(errs, "doc_db_url is required")
	}

	switch s.FileStoreTarget {
	case FileStoreDB, FileStoreFS, FileStoreS3:
	default:
		errs = append(errs, fmt.Sprintf("file_store_target must be one of [db, fs, s3], got %q", s.FileStoreTarget))
	}

	if s.FileStoreTarget == FileStoreS3 {
		if s.ArtifactS3.Bucket == "" {
			errs = append(errs, "artifact_s3.bucket is required when file_store_target is 's3'")
		}
	}

	if s.WorkerTaskCount <= 0 {
		errs = append(errs, "worker_task_count must be positive")
	}
	if s.WorkerCheckinInterval <= 0 {
		errs = append(errs, "worker_checkin_interval must be positive")
	}
	if s.WorkerCheckinTimeout <= s.WorkerCheckinInterval {
		errs = append(errs, "worker_checkin_timeout must exceed worker_checkin_interval")
	}
	if s.EmbedBatchSize <= 0 {
		errs = append(errs, "embed_batch_size must be positive")
	}
	if s.EmbedConcurrency <= 0 {
		errs = append(errs, "embed_concurrency must be positive")
	}
	if s.RAGConcurrency <= 0 {
		errs = append(errs, "rag_concurrency must be positive")
	}
	if s.IngestWorkerConcurrency <= 0 {
		errs = append(errs, "ingest_worker_concurrency must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("settings: invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// DumpJSON renders the settings as indented JSON with credentials redacted,
// backing the `validate-settings --dump` CLI surface (§6).
func (s *Settings) DumpJSON() ([]byte, error) {
	redacted := *s
	if redacted.InputS3.AccessSecret != "" {
		redacted.InputS3.AccessSecret = log.SanitizeSecret(redacted.InputS3.AccessSecret)
	}
	if redacted.InputS3.AccessKeyID != "" {
		redacted.InputS3.AccessKeyID = log.SanitizeSecret(redacted.InputS3.AccessKeyID)
	}
	if redacted.ArtifactS3.AccessSecret != "" {
		redacted.ArtifactS3.AccessSecret = log.SanitizeSecret(redacted.ArtifactS3.AccessSecret)
	}
	if redacted.ArtifactS3.AccessKeyID != "" {
		redacted.ArtifactS3.AccessKeyID = log.SanitizeSecret(redacted.ArtifactS3.AccessKeyID)
	}
	if redacted.DocDBURL != "" {
		redacted.DocDBURL = log.SanitizeSecret(redacted.DocDBURL)
	}
	return json.MarshalIndent(&redacted, "", "  ")
}
