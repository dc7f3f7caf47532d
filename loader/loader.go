// Package loader resolves asset paths to their content.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShoshinNikita/sceneview/pkg/metrics"
	"github.com/ShoshinNikita/sceneview/pkg/rlog"
	"github.com/ShoshinNikita/sceneview/sceneview"
)

// Loader looks up assets in the cache and falls back to the network. Assets loaded from
// the network are saved to the cache in the background.
type Loader struct {
	store   sceneview.CacheStore
	fetcher sceneview.Fetcher
	writer  *writeThroughQueue
}

var _ sceneview.AssetLoader = (*Loader)(nil)

func NewLoader(store sceneview.CacheStore, fetcher sceneview.Fetcher, writeWorkersCount int) *Loader {
	return &Loader{
		store:   store,
		fetcher: fetcher,
		writer:  newWriteThroughQueue(store, writeWorkersCount),
	}
}

// Resolve returns the content of an asset. Cache errors are never returned: the cache is
// only an optimization. Network errors are [*sceneview.NetworkError].
func (l *Loader) Resolve(ctx context.Context, rawPath string) (sceneview.Resolved, error) {
	assetPath, err := sceneview.CleanAssetPath(rawPath)
	if err != nil {
		return sceneview.Resolved{}, fmt.Errorf("couldn't resolve %q: %w", rawPath, err)
	}

	now := time.Now()

	rec, ok, err := l.store.Get(ctx, assetPath)
	switch {
	case err != nil:
		if errors.Is(err, sceneview.ErrStoreUnavailable) {
			rlog.Debugf("cache is unavailable, load %q from network: %s", assetPath, err)
		} else {
			rlog.Warnf("couldn't get %q from cache, load it from network: %s", assetPath, err)
		}

	case ok:
		metrics.ResolvedAssets.WithLabelValues(string(sceneview.SourceCache)).Inc()
		rlog.Debugf("%q was loaded from cache in %s", assetPath, time.Since(now))

		return sceneview.Resolved{
			Path:    assetPath,
			Payload: rec.Payload,
			Source:  sceneview.SourceCache,
		}, nil
	}

	payload, err := l.fetcher.Fetch(ctx, assetPath)
	if err != nil {
		return sceneview.Resolved{}, err
	}

	l.writer.enqueue(assetPath, payload)

	metrics.ResolvedAssets.WithLabelValues(string(sceneview.SourceNetwork)).Inc()
	rlog.Debugf("%q was loaded from network in %s", assetPath, time.Since(now))

	return sceneview.Resolved{
		Path:    assetPath,
		Payload: payload,
		Source:  sceneview.SourceNetwork,
	}, nil
}

// Flush waits until all fetched assets are saved to the cache.
func (l *Loader) Flush(ctx context.Context) error {
	return l.writer.flush(ctx)
}

// Shutdown waits for pending cache writes. Resolve can still be called after Shutdown,
// but fetched assets won't be cached.
func (l *Loader) Shutdown(ctx context.Context) error {
	return l.writer.shutdown(ctx)
}
