// Package upload stores tag pictures in S3-compatible object storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"taxon/api/internal/util"
)

var (
	// ErrTooLarge is returned when an upload exceeds the configured size cap.
	ErrTooLarge = errors.New("upload too large")
	// ErrNotImage is returned for content types outside image/*.
	ErrNotImage = errors.New("upload is not an image")
)

// Config holds object storage configuration.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	MaxBytes  int64
}

// Service uploads pictures to a single bucket.
type Service struct {
	client *minio.Client
	config Config
}

// NewService creates the object storage client and ensures the bucket exists.
func NewService(ctx context.Context, config Config) (*Service, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object storage client: %w", err)
	}

	svc := &Service{client: client, config: config}
	if err := svc.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.config.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.config.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.config.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.config.Bucket, err)
	}
	return nil
}

// SavePicture validates and stores a picture, returning the object name.
func (s *Service) SavePicture(ctx context.Context, r io.Reader, size int64, contentType string) (string, error) {
	if err := ValidatePicture(size, contentType, s.config.MaxBytes); err != nil {
		return "", err
	}

	objectName := util.NewID("pic") + extensionFor(contentType)
	_, err := s.client.PutObject(ctx, s.config.Bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", objectName, err)
	}
	return objectName, nil
}

// ValidatePicture checks size and content type ahead of storage.
func ValidatePicture(size int64, contentType string, maxBytes int64) error {
	if size <= 0 || size > maxBytes {
		return ErrTooLarge
	}
	if !strings.HasPrefix(contentType, "image/") {
		return ErrNotImage
	}
	return nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
