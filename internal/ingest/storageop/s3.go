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

package storageop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/soliplex/ingesterd/internal/ingest/settings"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// S3Client is the subset of *s3.Client the object-store variant depends
// on; satisfied directly by *s3.Client, narrowed here for testability.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// NewS3ClientFromSettings builds an S3-compatible client from S3Settings,
// supporting custom endpoints (MinIO, Ceph, …) via path-style addressing.
func NewS3ClientFromSettings(ctx context.Context, s3cfg settings.S3Settings) (*s3.Client, error) {
	if s3cfg.Bucket == "" {
		return nil, fmt.Errorf("storageop: s3 bucket is required")
	}
	if s3cfg.AccessKeyID == "" || s3cfg.AccessSecret == "" {
		return nil, fmt.Errorf("storageop: s3 access key id and secret are required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(s3cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.AccessSecret, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("storageop: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.EndpointURL != "" {
			o.BaseEndpoint = &s3cfg.EndpointURL
			o.UsePathStyle = true
		}
	})
	return client, nil
}

// S3Operator stores artifact blobs in an S3-compatible bucket, rooted
// under a key prefix that namespaces one step-config's artifacts from
// another's.
type S3Operator struct {
	client S3Client
	bucket string
	root   string
}

// NewS3Operator returns an S3Operator bound to one bucket and key prefix.
func NewS3Operator(client S3Client, bucket, root string) *S3Operator {
	return &S3Operator{client: client, bucket: bucket, root: root}
}

func (o *S3Operator) fullKey(key string) string {
	if o.root == "" {
		return key
	}
	return path.Join(o.root, key)
}

func (o *S3Operator) Read(ctx context.Context, key string) ([]byte, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &o.bucket,
		Key:    strPtr(o.fullKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, &ingesterrors.NotFoundError{Resource: "artifact", ID: key}
		}
		return nil, fmt.Errorf("storageop: get object %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (o *S3Operator) Write(ctx context.Context, key string, data []byte) error {
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &o.bucket,
		Key:    strPtr(o.fullKey(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("storageop: put object %s: %w", key, err)
	}
	return nil
}

func (o *S3Operator) Exists(ctx context.Context, key string) (bool, error) {
	_, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &o.bucket,
		Key:    strPtr(o.fullKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("storageop: head object %s: %w", key, err)
	}
	return true, nil
}

func (o *S3Operator) Delete(ctx context.Context, key string) error {
	exists, err := o.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return &ingesterrors.NotFoundError{Resource: "artifact", ID: key}
	}
	_, err = o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &o.bucket,
		Key:    strPtr(o.fullKey(key)),
	})
	if err != nil {
		return fmt.Errorf("storageop: delete object %s: %w", key, err)
	}
	return nil
}

func (o *S3Operator) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := o.fullKey(prefix)
	paginator := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket: &o.bucket,
		Prefix: &fullPrefix,
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storageop: list objects prefix %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, trimRoot(*obj.Key, o.root))
			}
		}
	}
	return keys, nil
}

func (o *S3Operator) URI(key string) string {
	if o.root != "" {
		return fmt.Sprintf("s3://%s/%s", o.bucket, o.fullKey(key))
	}
	return fmt.Sprintf("s3://%s/%s", o.bucket, key)
}

func trimRoot(key, root string) string {
	if root == "" {
		return key
	}
	prefix := root + "/"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.Response.StatusCode == 404 {
		return true
	}
	return false
}

func strPtr(s string) *string { return &s }
