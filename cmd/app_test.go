package cmd

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/sceneview/pkg/store"
	"github.com/ShoshinNikita/sceneview/sceneview"
)

func TestSafeShutdown(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	err := safeShutdown(ctx, nil)
	r.NoError(err)

	err = safeShutdown(ctx, (*testShutdowner)(nil))
	r.NoError(err)

	err = safeShutdown(ctx, new(testShutdowner))
	r.EqualError(err, "test")

	// Value types are always called.
	err = safeShutdown(ctx, store.NewNoopStore())
	r.NoError(err)
}

type testShutdowner struct{}

func (*testShutdowner) Shutdown(context.Context) error { return errors.New("test") }

func TestApp_Shutdown(t *testing.T) {
	r := require.New(t)

	// Shutdown must work even if Prepare wasn't called.
	app := NewApp(sceneview.NewConfig())
	r.NoError(app.Shutdown(context.Background()))
}

func TestApp_PrepareLoader(t *testing.T) {
	for _, tt := range []struct {
		mode        sceneview.CacheMode
		wantCleaner bool
	}{
		{mode: sceneview.CacheModeSQLite, wantCleaner: true},
		{mode: sceneview.CacheModeMemory, wantCleaner: true},
		{mode: sceneview.CacheModeNone, wantCleaner: false},
	} {
		t.Run(string(tt.mode), func(t *testing.T) {
			r := require.New(t)

			cfg := newTestConfig(t, "http://localhost:1")
			cfg.Cache.Mode = tt.mode

			app := NewApp(cfg)
			r.NoError(app.PrepareLoader())
			r.NotNil(app.loader)
			r.NotNil(app.cache)
			r.Equal(tt.wantCleaner, app.cleaner != nil)

			r.NoError(app.Shutdown(context.Background()))
		})
	}

	t.Run("invalid origin", func(t *testing.T) {
		r := require.New(t)

		app := NewApp(newTestConfig(t, "ftp://localhost"))
		r.Error(app.PrepareLoader())
		r.NoError(app.Shutdown(context.Background()))
	})
}

func TestPrefetch(t *testing.T) {
	r := require.New(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/a.glb", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("glTF a"))
	})
	mux.HandleFunc("/b.glb", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("glTF b"))
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()

	dir := t.TempDir()

	rootCmd, err := NewRootCommand()
	r.NoError(err)
	rootCmd.SetArgs([]string{
		"prefetch",
		"--assets-origin", origin.URL,
		"--dir", dir,
		"/a.glb", "b.glb",
	})
	r.NoError(rootCmd.Execute())

	cache := store.NewSQLiteStore(dir)
	defer cache.Shutdown(context.Background())

	for path, want := range map[string]string{
		"/a.glb": "glTF a",
		"/b.glb": "glTF b",
	} {
		rec, ok, err := cache.Get(context.Background(), path)
		r.NoError(err)
		r.True(ok, path)
		r.Equal(want, string(rec.Payload))
	}

	// Missing assets fail the command.
	rootCmd, err = NewRootCommand()
	r.NoError(err)
	rootCmd.SetArgs([]string{
		"prefetch",
		"--assets-origin", origin.URL,
		"--dir", dir,
		"/missing.glb",
	})
	r.Error(rootCmd.Execute())
}

func TestRootCommand_InvalidConfig(t *testing.T) {
	r := require.New(t)

	rootCmd, err := NewRootCommand()
	r.NoError(err)
	rootCmd.SetArgs([]string{"prefetch", "/a.glb"})

	err = rootCmd.Execute()
	r.ErrorContains(err, "assets origin can't be empty")

	// The cleaner must not be started with a zero interval.
	rootCmd, err = NewRootCommand()
	r.NoError(err)
	rootCmd.SetArgs([]string{
		"prefetch",
		"--assets-origin", "http://localhost:1",
		"--cache-mode", "memory",
		"--cache-cleanup-interval", "0s",
		"/a.glb",
	})

	err = rootCmd.Execute()
	r.ErrorContains(err, "cache cleanup interval must be > 0")
}

func newTestConfig(t *testing.T, origin string) sceneview.Config {
	cfg := sceneview.NewConfig()
	cfg.ServerPort = 8080
	cfg.Dir = t.TempDir()
	cfg.AssetsOrigin = origin
	cfg.Cache.Mode = sceneview.CacheModeSQLite
	cfg.Cache.MaxSize = 10
	cfg.Cache.MaxAge = 1 << 40
	cfg.Cache.CleanupInterval = 1 << 40
	cfg.WriteWorkersCount = 1
	cfg.FetchTimeout = 1 << 30
	cfg.MaxAssetSize = 1
	return cfg
}
