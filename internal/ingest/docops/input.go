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
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// mimeOverrides covers OOXML extensions the stdlib mime package resolves
// inconsistently across platforms.
var mimeOverrides = map[string]string{
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// guessMimeType infers a mime type from a uri's extension, preferring the
// OOXML overrides over the stdlib table before falling back to it.
func guessMimeType(uri string) string {
	ext := strings.ToLower(filepath.Ext(uri))
	if ext == "" {
		return ""
	}
	if override, ok := mimeOverrides[ext]; ok {
		return override
	}
	return mime.TypeByExtension(ext)
}

// fetchInputBytes reads the bytes behind inputURI, dispatching on its URL
// scheme: file:// reads the local filesystem directly, s3:// reads through
// the configured input bucket. Any other scheme is rejected as invalid
// input, the Go-native restatement of read_input_url's ValueError.
func (s *Service) fetchInputBytes(ctx context.Context, inputURI string) ([]byte, error) {
	u, err := url.Parse(inputURI)
	if err != nil {
		return nil, &ingesterrors.InvalidInputError{Field: "input_uri", Message: fmt.Sprintf("parsing uri: %v", err)}
	}

	switch u.Scheme {
	case "file":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ingesterrors.ExternalFailureError{System: "storage", Message: fmt.Sprintf("reading %s", path), Cause: err}
		}
		return data, nil

	case "s3":
		if s.s3Client == nil {
			return nil, &ingesterrors.InvalidInputError{Field: "input_uri", Message: "s3 input requested but no s3 client is configured"}
		}
		bucket := u.Host
		key := strings.TrimPrefix(u.Path, "/")
		out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, &ingesterrors.ExternalFailureError{System: "storage", Message: fmt.Sprintf("reading s3://%s/%s", bucket, key), Cause: err}
		}
		defer out.Body.Close()
		data, err := io.ReadAll(out.Body)
		if err != nil {
			return nil, &ingesterrors.ExternalFailureError{System: "storage", Message: fmt.Sprintf("reading s3://%s/%s body", bucket, key), Cause: err}
		}
		return data, nil

	default:
		return nil, &ingesterrors.InvalidInputError{Field: "input_uri", Message: fmt.Sprintf("unsupported uri scheme %q, expected file:// or s3://", u.Scheme)}
	}
}
