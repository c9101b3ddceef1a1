package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryClient is an in-memory Client implementation used by tests. Hooks
// let tests inject failures at individual operations.
type MemoryClient struct {
	mu      sync.Mutex
	buckets map[string]map[string]memObject
	uploads map[string]*memUpload
	nextID  int

	ListHook     func(bucket, prefix string) error
	HeadHook     func(bucket, key string) error
	GetHook      func(bucket, key string) error
	PutHook      func(bucket, key string) error
	PartHook     func(key string, partNumber int) error
	CompleteHook func(key string) error

	ListCalls     int
	HeadCalls     int
	GetCalls      int
	PutCalls      int
	PartCalls     int
	CompleteCalls int
	AbortCalls    int
}

type memObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

type memUpload struct {
	bucket string
	key    string
	opts   PutOptions
	parts  map[int][]byte
}

// NewMemoryClient creates an empty in-memory store
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		buckets: make(map[string]map[string]memObject),
		uploads: make(map[string]*memUpload),
	}
}

// AddObject seeds an object into a bucket, creating the bucket on demand.
func (c *MemoryClient) AddObject(bucket, key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buckets[bucket] == nil {
		c.buckets[bucket] = make(map[string]memObject)
	}
	c.buckets[bucket][key] = memObject{data: data, modified: time.Now()}
}

// AddBucket creates an empty bucket.
func (c *MemoryClient) AddBucket(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buckets[bucket] == nil {
		c.buckets[bucket] = make(map[string]memObject)
	}
}

// ObjectData returns a stored object's payload.
func (c *MemoryClient) ObjectData(bucket, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.buckets[bucket][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// ObjectMetadata returns a stored object's user metadata.
func (c *MemoryClient) ObjectMetadata(bucket, key string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buckets[bucket][key].metadata
}

// OpenUploads returns the number of multipart uploads neither completed nor
// aborted.
func (c *MemoryClient) OpenUploads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.uploads)
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (c *MemoryClient) BucketExists(_ context.Context, bucket string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.buckets[bucket]
	return ok, nil
}

func (c *MemoryClient) ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, <-chan error) {
	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)

	c.mu.Lock()
	c.ListCalls++
	hook := c.ListHook
	var keys []string
	for k := range c.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	infos := make([]ObjectInfo, 0, len(keys))
	for _, k := range keys {
		obj := c.buckets[bucket][k]
		infos = append(infos, ObjectInfo{
			Key:          k,
			Size:         int64(len(obj.data)),
			ETag:         etagOf(obj.data),
			ContentType:  obj.contentType,
			LastModified: obj.modified,
		})
	}
	c.mu.Unlock()

	go func() {
		defer close(objCh)
		defer close(errCh)

		if hook != nil {
			if err := hook(bucket, prefix); err != nil {
				errCh <- err
				return
			}
		}

		for _, info := range infos {
			select {
			case objCh <- info:
			case <-ctx.Done():
				return
			}
		}
	}()

	return objCh, errCh
}

func (c *MemoryClient) HeadObject(_ context.Context, bucket, key string) (ObjectInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HeadCalls++
	if c.HeadHook != nil {
		if err := c.HeadHook(bucket, key); err != nil {
			return ObjectInfo{}, err
		}
	}
	obj, ok := c.buckets[bucket][key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("NoSuchKey: %s/%s does not exist", bucket, key)
	}
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         etagOf(obj.data),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
		Metadata:     obj.metadata,
	}, nil
}

func (c *MemoryClient) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GetCalls++
	if c.GetHook != nil {
		if err := c.GetHook(bucket, key); err != nil {
			return nil, err
		}
	}
	obj, ok := c.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey: %s/%s does not exist", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (c *MemoryClient) GetObjectRange(_ context.Context, bucket, key string, start, end int64) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GetCalls++
	if c.GetHook != nil {
		if err := c.GetHook(bucket, key); err != nil {
			return nil, err
		}
	}
	obj, ok := c.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey: %s/%s does not exist", bucket, key)
	}
	if start < 0 || end >= int64(len(obj.data)) || start > end {
		return nil, fmt.Errorf("invalid range [%d, %d] for %d bytes", start, end, len(obj.data))
	}
	return io.NopCloser(bytes.NewReader(obj.data[start : end+1])), nil
}

func (c *MemoryClient) PutObject(_ context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("short write: got %d bytes, want %d", len(data), size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.PutCalls++
	if c.PutHook != nil {
		if err := c.PutHook(bucket, key); err != nil {
			return err
		}
	}
	if c.buckets[bucket] == nil {
		c.buckets[bucket] = make(map[string]memObject)
	}
	c.buckets[bucket][key] = memObject{
		data:        data,
		contentType: opts.ContentType,
		metadata:    opts.Metadata,
		modified:    time.Now(),
	}
	return nil
}

func (c *MemoryClient) NewMultipartUpload(_ context.Context, bucket, key string, opts PutOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("upload-%d", c.nextID)
	c.uploads[id] = &memUpload{bucket: bucket, key: key, opts: opts, parts: make(map[int][]byte)}
	return id, nil
}

func (c *MemoryClient) UploadPart(_ context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	if size >= 0 && int64(len(data)) != size {
		return "", fmt.Errorf("short part: got %d bytes, want %d", len(data), size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.PartCalls++
	if c.PartHook != nil {
		if err := c.PartHook(key, partNumber); err != nil {
			return "", err
		}
	}
	up, ok := c.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("NoSuchUpload: %s", uploadID)
	}
	up.parts[partNumber] = data
	return etagOf(data), nil
}

func (c *MemoryClient) CompleteMultipartUpload(_ context.Context, bucket, key, uploadID string, parts []CompletedPart) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CompleteCalls++
	if c.CompleteHook != nil {
		if err := c.CompleteHook(key); err != nil {
			return err
		}
	}
	up, ok := c.uploads[uploadID]
	if !ok {
		return fmt.Errorf("NoSuchUpload: %s", uploadID)
	}

	var buf bytes.Buffer
	for _, part := range parts {
		data, ok := up.parts[part.PartNumber]
		if !ok {
			return fmt.Errorf("InvalidPart: part %d missing", part.PartNumber)
		}
		buf.Write(data)
	}

	if c.buckets[up.bucket] == nil {
		c.buckets[up.bucket] = make(map[string]memObject)
	}
	c.buckets[up.bucket][up.key] = memObject{
		data:        buf.Bytes(),
		contentType: up.opts.ContentType,
		metadata:    up.opts.Metadata,
		modified:    time.Now(),
	}
	delete(c.uploads, uploadID)
	return nil
}

func (c *MemoryClient) AbortMultipartUpload(_ context.Context, bucket, key, uploadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AbortCalls++
	delete(c.uploads, uploadID)
	return nil
}
