// Package logstore archives large execution output blobs (handler stdout,
// oversized results) outside the ExecutionLog row itself. Most
// ExecutionLog content fits comfortably in the JSONB Result/Metadata
// columns; this package exists for the minority of handlers that produce
// output too large to want inline, mirroring the donor codebase's
// S3/local log store split.
package logstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store saves and retrieves archived execution output, returning an
// opaque reference (stored in ExecutionLog.Metadata["blobRef"]).
type Store interface {
	Store(ctx context.Context, executionLogID string, blob []byte) (string, error)
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}

// S3Store archives blobs to S3-compatible object storage.
type S3Store struct {
	client     *s3.Client
	bucket     string
	prefix     string
	localCache string
}

// S3Config holds S3 configuration.
type S3Config struct {
	Bucket          string
	Prefix          string // e.g. "logs/executions/"
	Region          string
	Endpoint        string // for MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
	LocalCacheDir   string // local cache for frequently accessed logs
}

// NewS3Store creates a new S3-backed archive.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)

	if cfg.LocalCacheDir != "" {
		if err := os.MkdirAll(cfg.LocalCacheDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	return &S3Store{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		localCache: cfg.LocalCacheDir,
	}, nil
}

// Store uploads a blob to S3, tagged by execution log id.
func (s *S3Store) Store(ctx context.Context, executionLogID string, blob []byte) (string, error) {
	key := s.buildKey(executionLogID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(blob),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload log blob to S3: %w", err)
	}

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, executionLogID+".log")
		_ = os.WriteFile(cachePath, blob, 0644)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve fetches a blob from S3, preferring the local cache.
func (s *S3Store) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	key := s.extractKey(reference)

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, filepath.Base(key))
		if data, err := os.ReadFile(cachePath); err == nil {
			return data, nil
		}
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get log blob from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read log blob: %w", err)
	}

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, filepath.Base(key))
		_ = os.WriteFile(cachePath, data, 0644)
	}

	return data, nil
}

func (s *S3Store) buildKey(executionLogID string) string {
	timestamp := time.Now().Format("2006/01/02")
	return fmt.Sprintf("%s%s/%s.log", s.prefix, timestamp, executionLogID)
}

func (s *S3Store) extractKey(reference string) string {
	if len(reference) > 5 && reference[:5] == "s3://" {
		parts := reference[5:]
		for i, c := range parts {
			if c == '/' {
				return parts[i+1:]
			}
		}
	}
	return reference
}

// LocalStore archives blobs on the local filesystem, for development or
// single-node deployments.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a local filesystem archive.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

func (l *LocalStore) Store(ctx context.Context, executionLogID string, blob []byte) (string, error) {
	path := filepath.Join(l.basePath, executionLogID+".log")
	if err := os.WriteFile(path, blob, 0644); err != nil {
		return "", fmt.Errorf("failed to write log blob: %w", err)
	}
	return path, nil
}

func (l *LocalStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	return os.ReadFile(reference)
}
