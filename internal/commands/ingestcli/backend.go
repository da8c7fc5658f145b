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

// Package ingestcli wires the ingestion engine's settings, persistence
// backend, registry, and worker/HTTP subsystems into the `ingesterd`
// command tree (§6).
package ingestcli

import (
	"context"
	"fmt"
	"strings"

	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/ingest/store"
	"github.com/soliplex/ingesterd/internal/ingest/store/memory"
	"github.com/soliplex/ingesterd/internal/ingest/store/postgres"
	"github.com/soliplex/ingesterd/internal/ingest/store/sqlite"
)

// backend is the open store.Backend every subcommand drives; store.Backend
// already embeds io.Closer, so one value covers both use and teardown
// regardless of which concrete driver DocDBURL selected.
type backend = store.Backend

// openBackend dispatches cfg.DocDBURL's scheme to the matching store
// driver: "memory://" (or empty) for the in-process backend, a
// "sqlite"-prefixed scheme for the embedded SQLite backend, anything else
// for Postgres.
func openBackend(ctx context.Context, cfg *settings.Settings) (backend, error) {
	url := cfg.DocDBURL
	switch {
	case url == "" || strings.HasPrefix(url, "memory://"):
		return memory.New(), nil

	case strings.HasPrefix(url, "sqlite"):
		path := sqlitePath(url)
		b, err := sqlite.New(ctx, sqlite.Config{Path: path, WAL: true})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite backend: %w", err)
		}
		return b, nil

	default:
		b, err := postgres.New(ctx, postgres.Config{ConnectionString: url})
		if err != nil {
			return nil, fmt.Errorf("opening postgres backend: %w", err)
		}
		return b, nil
	}
}

// sqlitePath strips a SQLAlchemy-style "sqlite[+driver]://" or
// "sqlite[+driver]:///" prefix down to the bare file path (or ":memory:").
func sqlitePath(url string) string {
	if idx := strings.Index(url, "://"); idx >= 0 {
		url = url[idx+3:]
	}
	url = strings.TrimPrefix(url, "/")
	if url == "" {
		url = ":memory:"
	}
	return url
}
