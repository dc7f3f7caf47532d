package cmd

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/ShoshinNikita/sceneview/loader"
	"github.com/ShoshinNikita/sceneview/pkg/rlog"
	"github.com/ShoshinNikita/sceneview/pkg/store"
	"github.com/ShoshinNikita/sceneview/remote"
	"github.com/ShoshinNikita/sceneview/sceneview"
	"github.com/ShoshinNikita/sceneview/web"
)

type App struct {
	cfg sceneview.Config

	cache   cacheStore
	cleaner *store.Cleaner

	loader *loader.Loader

	server *web.Server
}

type cacheStore interface {
	sceneview.CacheStore
	web.CacheStats
}

func NewApp(cfg sceneview.Config) *App {
	return &App{
		cfg: cfg,
	}
}

// PrepareLoader prepares the cache and the asset loader.
func (a *App) PrepareLoader() error {
	// Cache
	switch a.cfg.Cache.Mode {
	case sceneview.CacheModeSQLite:
		cache := store.NewSQLiteStore(a.cfg.Dir)
		a.cache = cache
		a.cleaner = store.NewCleaner(cache, a.cfg.Cache.CleanupInterval, a.cfg.Cache.MaxAge, a.cfg.Cache.MaxSize.Bytes())

	case sceneview.CacheModeMemory:
		cache := store.NewMemoryStore()
		a.cache = cache
		a.cleaner = store.NewCleaner(cache, a.cfg.Cache.CleanupInterval, a.cfg.Cache.MaxAge, a.cfg.Cache.MaxSize.Bytes())

	case sceneview.CacheModeNone:
		rlog.Debug("cache is disabled")

		a.cache = store.NewNoopStore()

	default:
		return fmt.Errorf("unknown cache mode %q", a.cfg.Cache.Mode)
	}

	// Fetcher
	fetcher, err := remote.NewFetcher(a.cfg.AssetsOrigin, a.cfg.FetchTimeout, a.cfg.MaxAssetSize.Bytes())
	if err != nil {
		return fmt.Errorf("couldn't prepare fetcher: %w", err)
	}

	// Loader
	a.loader = loader.NewLoader(a.cache, fetcher, a.cfg.WriteWorkersCount)

	return nil
}

func (a *App) Prepare() error {
	if err := a.PrepareLoader(); err != nil {
		return err
	}

	// Open the cache in the background, loads wait for it only if they start earlier.
	go func() {
		if err := a.cache.Open(context.Background()); err != nil {
			rlog.Debugf("couldn't open cache: %s", err)
		}
	}()

	// Web Server
	a.server = web.NewServer(a.cfg, a.loader, a.cache)

	return nil
}

func (a *App) Start(onError func()) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		var wg sync.WaitGroup
		for name, s := range map[string]interface{ Start() error }{
			"web server": a.server,
		} {
			wg.Add(1)
			go func() {
				defer wg.Done()

				if err := s.Start(); err != nil {
					rlog.Errorf("%s error: %s", name, err)
					onError()
				}
			}()
		}
		wg.Wait()

		close(done)
	}()

	return done
}

// Shutdown shutdowns all components. It is safe to call this method even if Prepare has failed.
func (a *App) Shutdown(ctx context.Context) error {
	var failed int
	for _, v := range []struct {
		name string
		s    shutdowner
	}{
		{"web server", a.server},
		{"asset loader", a.loader},
		{"cache cleaner", a.cleaner},
		{"cache", a.cache},
	} {
		err := safeShutdown(ctx, v.s)
		if err != nil {
			failed++
			rlog.Errorf("couldn't gracefully shutdown %s: %s", v.name, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("couldn't gracefully shutdown %d component(s), see logs for more info", failed)
	}
	return nil
}

type shutdowner interface {
	Shutdown(context.Context) error
}

// safeShutdown calls Shutdown method only on initialized components.
func safeShutdown(ctx context.Context, s shutdowner) error {
	v := reflect.ValueOf(s)
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return nil
		}
	}
	return s.Shutdown(ctx)
}
