package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore is an in-process ObjectStore for tests and local runs.
// Presigned URLs point at BaseURL and are not served by anything.
type MemoryStore struct {
	BaseURL string

	mu      sync.RWMutex
	objects map[string]memoryObject
}

func NewMemoryStore(baseURL string) *MemoryStore {
	if baseURL == "" {
		baseURL = "http://objects.local"
	}
	return &MemoryStore{BaseURL: baseURL, objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: buf.Bytes(), contentType: contentType}
	return nil
}

func (m *MemoryStore) Stat(_ context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (m *MemoryStore) PresignGet(_ context.Context, key string, expiry time.Duration, filename string) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("presign get: %w", ErrObjectNotFound)
	}
	params := url.Values{}
	params.Set("expires", fmt.Sprintf("%d", int64(expiry.Seconds())))
	if disposition := AttachmentDisposition(filename); disposition != "" {
		params.Set("response-content-disposition", disposition)
	}
	return m.BaseURL + "/" + key + "?" + params.Encode(), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}
