package viewer

import (
	"sync"

	"github.com/google/uuid"
)

// URLRegistry gives temporary urls to in-memory blobs, so they can be passed to a renderer.
// Every url must be revoked after use.
type URLRegistry struct {
	prefix string

	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewURLRegistry(prefix string) *URLRegistry {
	return &URLRegistry{
		prefix: prefix,
		blobs:  make(map[string][]byte),
	}
}

// Register returns a url for the blob and a function that revokes it. The revoke function
// can be called multiple times.
func (r *URLRegistry) Register(blob []byte) (url string, revoke func()) {
	id := uuid.NewString()

	r.mu.Lock()
	r.blobs[id] = blob
	r.mu.Unlock()

	var once sync.Once
	return r.prefix + id, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.blobs, id)
			r.mu.Unlock()
		})
	}
}

// Get returns a blob by its id. It returns false for unknown and revoked ids.
func (r *URLRegistry) Get(id string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	blob, ok := r.blobs[id]
	return blob, ok
}

// Len returns the number of active urls.
func (r *URLRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.blobs)
}
