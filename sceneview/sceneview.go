package sceneview

import (
	"context"
)

// AssetRecord is a single cache entry.
type AssetRecord struct {
	Key     string
	Payload []byte
}

// CacheStore is a persistent key-value store for asset payloads. Get returns false
// on a cache miss.
type CacheStore interface {
	Open(ctx context.Context) error
	Get(ctx context.Context, key string) (rec AssetRecord, ok bool, err error)
	Put(ctx context.Context, key string, payload []byte) error
	Shutdown(ctx context.Context) error
}

type Fetcher interface {
	Fetch(ctx context.Context, assetPath string) ([]byte, error)
}

type AssetLoader interface {
	Resolve(ctx context.Context, assetPath string) (Resolved, error)
}

// SceneHandle identifies a scene loaded by a [Renderer].
type SceneHandle struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Renderer displays assets. Load blocks until the asset is rendered or has failed. Clear
// releases the previously loaded scene.
type Renderer interface {
	Load(ctx context.Context, url, rootPath string, fileMap FileMap) (SceneHandle, error)
	Clear()
}

type Validator interface {
	Validate(ctx context.Context, url, rootPath string, fileMap FileMap, scene SceneHandle) error
}
