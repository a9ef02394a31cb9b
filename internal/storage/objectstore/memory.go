package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data []byte
	info ObjectInfo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

func (s *MemoryStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey(bucket, key)] = memObject{
		data: data,
		info: ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ETag:         fmt.Sprintf("%x", md5.Sum(data)),
			ContentType:  contentType,
			LastModified: time.Now().UTC(),
		},
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[objectKey(bucket, key)]
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.info, nil
}

func (s *MemoryStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[objectKey(bucket, key)]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	return obj.info, nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectKey(bucket, key))
	return nil
}
