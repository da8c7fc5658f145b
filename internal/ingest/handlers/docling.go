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
	"mime/multipart"
	"net/http"
	"time"

	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/tracing"
)

// doclingClient submits a document to a docling-server instance for
// conversion and polls for the result, the Go-native restatement of
// docling.py's docling_convert (minus its websocket progress feed, which
// carries no information the polling loop itself doesn't already need).
type doclingClient struct {
	baseURL string
	http    *http.Client
}

func newDoclingClient(cfg *settings.Settings) *doclingClient {
	return &doclingClient{
		baseURL: cfg.DoclingServerURL,
		http:    tracing.WrapHTTPClient(&http.Client{Timeout: cfg.DoclingHTTPTimeout}),
	}
}

var doclingFromFormats = []string{"docx", "pptx", "html", "image", "pdf", "asciidoc", "md", "xlsx"}

// Convert submits fileBytes for conversion and returns its PARSED_JSON and
// PARSED_MD representations. configDict overrides the default from/to
// format parameters, mirroring docling_convert's config_dict merge; an
// "ocr_lang" string value is coerced to a single-element list, the one
// quirk docling-server's multipart form actually requires.
func (c *doclingClient) Convert(ctx context.Context, fileBytes []byte, mimeType string, configDict map[string]any) (parsedJSON, parsedMD []byte, err error) {
	parameters := map[string]any{
		"from_formats":   doclingFromFormats,
		"to_formats":     []string{"json", "md"},
		"abort_on_error": true,
	}
	for k, v := range configDict {
		if k == "ocr_lang" {
			if s, ok := v.(string); ok {
				parameters[k] = []string{s}
				continue
			}
		}
		parameters[k] = v
	}

	taskID, err := c.submit(ctx, fileBytes, mimeType, parameters)
	if err != nil {
		return nil, nil, fmt.Errorf("submitting conversion: %w", err)
	}
	return c.poll(ctx, taskID)
}

func (c *doclingClient) submit(ctx context.Context, fileBytes []byte, mimeType string, parameters map[string]any) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for k, v := range parameters {
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encoding parameter %q: %w", k, err)
		}
		if err := writer.WriteField(k, string(encoded)); err != nil {
			return "", err
		}
	}
	part, err := writer.CreateFormFile("files", "document")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(fileBytes); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/convert/file/async", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("docling server returned status %d", resp.StatusCode)
	}
	var submitRes struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitRes); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	if submitRes.TaskID == "" {
		return "", fmt.Errorf("no task_id in docling server response")
	}
	return submitRes.TaskID, nil
}

// poll repeatedly fetches the task result until docling-server reports
// success or failure, standing in for docling_convert's websocket-fed
// status loop with a plain HTTP backoff.
func (c *doclingClient) poll(ctx context.Context, taskID string) (parsedJSON, parsedMD []byte, err error) {
	resultURL := fmt.Sprintf("%s/result/%s", c.baseURL, taskID)
	delay := 500 * time.Millisecond
	const maxDelay = 5 * time.Second

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
		if err != nil {
			return nil, nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, nil, err
		}
		var res struct {
			Status   string `json:"status"`
			Document struct {
				JSONContent json.RawMessage `json:"json_content"`
				MDContent   string          `json:"md_content"`
			} `json:"document"`
			Errors json.RawMessage `json:"errors"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&res)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, nil, fmt.Errorf("decoding result response: %w", decodeErr)
		}
		switch res.Status {
		case "success":
			return res.Document.JSONContent, []byte(res.Document.MDContent), nil
		case "failure":
			return nil, nil, fmt.Errorf("docling conversion failed: %s", string(res.Errors))
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < maxDelay {
			delay *= 2
		}
	}
}
