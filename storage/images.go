// Package storage uploads result images to an S3-compatible bucket and
// rewrites markdown links to point at them. It is an optional sink: when no
// endpoint is configured the API serves markdown with local image paths
// untouched.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

var imagePattern = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)

// ImageUploader pushes images referenced by a result markdown into object
// storage.
type ImageUploader struct {
	client   *minio.Client
	bucket   string
	endpoint string
	secure   bool
	logger   *logrus.Logger
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// NewImageUploader returns nil (disabled) when no endpoint is configured.
func NewImageUploader(cfg MinioConfig, logger *logrus.Logger) (*ImageUploader, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &ImageUploader{
		client:   client,
		bucket:   cfg.Bucket,
		endpoint: cfg.Endpoint,
		secure:   cfg.Secure,
		logger:   logger,
	}, nil
}

// RewriteMarkdown uploads every local image referenced by content (resolved
// against imageDir) and replaces the reference with an <img> tag pointing
// at the bucket. Upload failures leave the original reference in place.
func (u *ImageUploader) RewriteMarkdown(ctx context.Context, content, imageDir string) string {
	return rewriteImages(content, imageDir, func(localPath string) (string, error) {
		objectName := fmt.Sprintf("images/%s%s", uuid.NewString(), filepath.Ext(localPath))
		_, err := u.client.FPutObject(ctx, u.bucket, objectName, localPath, minio.PutObjectOptions{})
		if err != nil {
			u.logger.WithField("image", localPath).WithError(err).
				Warn("image upload failed, keeping local reference")
			return "", err
		}
		scheme := "http"
		if u.secure {
			scheme = "https"
		}
		return fmt.Sprintf("%s://%s/%s/%s", scheme, u.endpoint, u.bucket, objectName), nil
	})
}

// rewriteImages is the pure rewriting core, separated from the minio client
// so the substitution logic is testable without a bucket.
func rewriteImages(content, imageDir string, upload func(localPath string) (string, error)) string {
	return imagePattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := imagePattern.FindStringSubmatch(match)
		alt, ref := groups[1], groups[2]

		localPath := filepath.Join(imageDir, filepath.Base(ref))
		if _, err := os.Stat(localPath); err != nil {
			return match
		}
		url, err := upload(localPath)
		if err != nil {
			return match
		}
		return fmt.Sprintf(`<img src="%s" alt="%s">`, url, alt)
	})
}
