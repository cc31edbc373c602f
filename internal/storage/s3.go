package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds S3/MinIO client configuration.
type Config struct {
	Endpoint        string // "localhost:9000" for MinIO
	Bucket          string // "gigsync-raw"
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// Archive stores raw provider pages in S3/MinIO so jobs can be replayed or
// audited. Objects live under raw/{source}/{job_id}/page-NNNN.json.
type Archive struct {
	minioClient *minio.Client
	bucket      string
}

// PageMetadata describes one archived page.
type PageMetadata struct {
	Source  string    `json:"source"`
	JobID   string    `json:"job_id"`
	Page    int       `json:"page"`
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	Written time.Time `json:"written"`
}

// New creates a new page archive.
func New(config Config) (*Archive, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Archive{
		minioClient: minioClient,
		bucket:      config.Bucket,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.minioClient.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}

	err = a.minioClient.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{})
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// PutPage writes one raw page of a job.
func (a *Archive) PutPage(ctx context.Context, source, jobID string, page int, raw []byte) error {
	if !json.Valid(raw) {
		return fmt.Errorf("page %d of job %s is not valid JSON", page, jobID)
	}
	objectName := PageKey(source, jobID, page)

	_, err := a.minioClient.PutObject(ctx, a.bucket, objectName, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"source": source,
			"job-id": jobID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to put page: %w", err)
	}
	return nil
}

// GetPage reads one raw page of a job.
func (a *Archive) GetPage(ctx context.Context, source, jobID string, page int) (json.RawMessage, error) {
	object, err := a.minioClient.GetObject(ctx, a.bucket, PageKey(source, jobID, page), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}
	return data, nil
}

// ListPages returns the archived pages of a job ordered by page number.
func (a *Archive) ListPages(ctx context.Context, source, jobID string) ([]PageMetadata, error) {
	prefix := path.Join("raw", source, jobID) + "/"
	var pages []PageMetadata

	objectCh := a.minioClient.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		n, ok := pageNumber(object.Key)
		if !ok {
			continue
		}
		pages = append(pages, PageMetadata{
			Source:  source,
			JobID:   jobID,
			Page:    n,
			Key:     object.Key,
			Size:    object.Size,
			Written: object.LastModified,
		})
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].Page < pages[j].Page })
	return pages, nil
}

// Bucket returns the bucket name.
func (a *Archive) Bucket() string {
	return a.bucket
}

// PageKey builds the object name of an archived page.
func PageKey(source, jobID string, page int) string {
	return path.Join("raw", source, jobID, fmt.Sprintf("page-%04d.json", page))
}

func pageNumber(key string) (int, bool) {
	name := path.Base(key)
	if !strings.HasPrefix(name, "page-") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, "page-"), ".json"), "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}
