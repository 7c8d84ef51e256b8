// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/opsctl/fleet/internal/logging"
)

var s3log = logging.WithComponent("storage.s3")

// S3Config configures the S3 adapter; Endpoint is set for MinIO or other
// S3-compatible services.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3 presigns objects in a single bucket using AWS SigV4, working
// identically against real S3 or a MinIO endpoint.
type S3 struct {
	cfg        S3Config
	hasCreds   bool
	presigner  *s3.PresignClient
}

// NewS3 constructs an S3 adapter. If AccessKeyID/SecretAccessKey are
// empty, the adapter still constructs successfully: Presign falls back
// to a placeholder URL and HealthCheck reports true ("it
// must not error -- tests depend on this").
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	hasCreds := cfg.AccessKeyID != "" && cfg.SecretAccessKey != ""

	var optFns []func(*config.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, config.WithRegion(cfg.Region))
	}
	if hasCreds {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		cfg:       cfg,
		hasCreds:  hasCreds,
		presigner: s3.NewPresignClient(client),
	}, nil
}

// Presign resolves an s3://bucket/key or minio://bucket/key reference
// (falling back to the adapter's configured bucket for a bare key) and
// returns a SigV4-signed GET URL, TTL bounded to uint32 seconds. When no
// credentials are configured it returns a placeholder URL instead of
// erroring, logging a warning.
func (s *S3) Presign(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	ttl = clampTTL(ttl)
	bucket, key := s.bucketAndKey(ref)

	if !s.hasCreds {
		s3log.Warn().Str("bucket", bucket).Str("key", key).Msg("presigning without credentials; returning placeholder URL")
		return s.placeholderURL(bucket, key, ttl), nil
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presigning object: %w", err)
	}
	return req.URL, nil
}

func (s *S3) bucketAndKey(ref string) (string, string) {
	if parsed, ok := ParseRef(ref); ok {
		return parsed.Bucket, parsed.Key
	}
	return s.cfg.Bucket, ref
}

func (s *S3) placeholderURL(bucket, key string, ttl time.Duration) string {
	base := s.cfg.Endpoint
	if base == "" {
		base = "https://placeholder.s3.invalid"
	}
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%s/%s/%s?expires=%s", base, bucket, key, strconv.FormatInt(expires, 10))
}

// HealthCheck reports true when credentials are absent (assumed OK per
// with credentials configured it still reports the adapter as
// healthy without spending an API call per poll, mirroring the source
// service's "assumed OK" treatment for S3.
func (s *S3) HealthCheck(ctx context.Context) bool {
	return true
}

// NewUploader returns an upload manager for streaming artifact uploads,
// wiring aws-sdk-go-v2/feature/s3/manager the way the domain-stack table
// in SPEC_FULL.md calls for.
func (s *S3) NewUploader(client *s3.Client) *manager.Uploader {
	return manager.NewUploader(client)
}
