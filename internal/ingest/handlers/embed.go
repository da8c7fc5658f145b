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
	"net/http"

	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/tracing"
)

// embedClient talks to an Ollama-compatible embeddings endpoint. The
// underlying embedding backend (haiku.rag) has no Go counterpart in this
// stack, so this client is an original design against Ollama's own wire
// format rather than a port; it is sized and gated the same way the parse
// boundary is (§4.7).
type embedClient struct {
	baseURL string
	http    *http.Client
}

func newEmbedClient(cfg *settings.Settings) *embedClient {
	return &embedClient{
		baseURL: cfg.OllamaBaseURL,
		http:    tracing.WrapHTTPClient(&http.Client{}),
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding vector for text under the named model.
func (c *embedClient) Embed(ctx context.Context, model, text string) ([]float64, error) {
	payload, err := json.Marshal(embedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	var res embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	return res.Embedding, nil
}
