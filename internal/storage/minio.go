package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Client implements Client on top of minio-go. It works against both AWS
// S3 and S3-compatible endpoints.
type S3Client struct {
	client *minio.Client
}

// NewS3Client creates a client for the given endpoint
func NewS3Client(cfg Config) (*S3Client, error) {
	endpoint, err := hostPort(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &S3Client{client: client}, nil
}

// hostPort strips an optional scheme from the endpoint. minio-go wants a
// bare host:port.
func hostPort(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.Contains(endpoint, "://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint %q must be host:port", endpoint)
		}
		return endpoint, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Path != "" && u.Path != "/" {
		return "", fmt.Errorf("endpoint %q must not carry a path", endpoint)
	}
	return u.Host, nil
}

func (c *S3Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return c.client.BucketExists(ctx, bucket)
}

func (c *S3Client) ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, <-chan error) {
	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)

	go func() {
		defer close(objCh)
		defer close(errCh)

		for obj := range c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if obj.Err != nil {
				errCh <- obj.Err
				return
			}

			select {
			case objCh <- ObjectInfo{
				Key:          obj.Key,
				Size:         obj.Size,
				ETag:         strings.Trim(obj.ETag, `"`),
				ContentType:  obj.ContentType,
				LastModified: obj.LastModified,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return objCh, errCh
}

func (c *S3Client) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, err
	}

	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         strings.Trim(info.ETag, `"`),
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
		Metadata:     info.UserMetadata,
	}, nil
}

func (c *S3Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
}

func (c *S3Client) GetObjectRange(ctx context.Context, bucket, key string, start, end int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return nil, fmt.Errorf("invalid range [%d, %d]: %w", start, end, err)
	}
	return c.client.GetObject(ctx, bucket, key, opts)
}

func (c *S3Client) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error {
	_, err := c.client.PutObject(ctx, bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	return err
}

func (c *S3Client) NewMultipartUpload(ctx context.Context, bucket, key string, opts PutOptions) (string, error) {
	core := &minio.Core{Client: c.client}
	return core.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
}

func (c *S3Client) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	core := &minio.Core{Client: c.client}
	part, err := core.PutObjectPart(ctx, bucket, key, uploadID, partNumber, reader, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", err
	}
	return part.ETag, nil
}

func (c *S3Client) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error {
	completed := make([]minio.CompletePart, len(parts))
	for i, part := range parts {
		completed[i] = minio.CompletePart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		}
	}

	core := &minio.Core{Client: c.client}
	_, err := core.CompleteMultipartUpload(ctx, bucket, key, uploadID, completed, minio.PutObjectOptions{})
	return err
}

func (c *S3Client) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	core := &minio.Core{Client: c.client}
	return core.AbortMultipartUpload(ctx, bucket, key, uploadID)
}
