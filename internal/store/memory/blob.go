package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"photo-restore-backend/internal/models"
)

type blob struct {
	data        []byte
	contentType string
}

// BlobStore keeps objects in memory and serves public URLs under baseURL.
type BlobStore struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]blob
}

func NewBlobStore(baseURL string) *BlobStore {
	return &BlobStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		objects: make(map[string]blob),
	}
}

// Upload stores data at path, replacing any existing object.
func (b *BlobStore) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[path] = blob{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (b *BlobStore) Move(ctx context.Context, from, to string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[from]
	if !ok {
		if _, done := b.objects[to]; done {
			return nil
		}
		return fmt.Errorf("object %s: %w", from, models.ErrNotFound)
	}
	b.objects[to] = obj
	delete(b.objects, from)
	return nil
}

func (b *BlobStore) PublicURL(path string) string {
	return b.baseURL + "/" + strings.TrimPrefix(path, "/")
}

func (b *BlobStore) Exists(path string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.objects[path]
	return ok
}

func (b *BlobStore) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.objects)
}
