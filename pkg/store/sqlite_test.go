package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/sceneview/sceneview"
)

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	s := NewSQLiteStore(t.TempDir())
	defer s.Shutdown(ctx)

	r.Equal(StateClosed, s.State())

	_, ok, err := s.Get(ctx, "/helmet.glb")
	r.NoError(err)
	r.False(ok)
	r.Equal(StateReady, s.State())

	r.NoError(s.Put(ctx, "/helmet.glb", []byte("glTF v1")))
	r.NoError(s.Put(ctx, "/empty.glb", nil))

	rec, ok, err := s.Get(ctx, "/helmet.glb")
	r.NoError(err)
	r.True(ok)
	r.Equal("/helmet.glb", rec.Key)
	r.Equal([]byte("glTF v1"), rec.Payload)

	// Overwrite
	r.NoError(s.Put(ctx, "/helmet.glb", []byte("glTF v2")))

	rec, ok, err = s.Get(ctx, "/helmet.glb")
	r.NoError(err)
	r.True(ok)
	r.Equal([]byte("glTF v2"), rec.Payload)

	rec, ok, err = s.Get(ctx, "/empty.glb")
	r.NoError(err)
	r.True(ok)
	r.Empty(rec.Payload)

	stats, err := s.Stats(ctx)
	r.NoError(err)
	r.Equal(Stats{Count: 2, TotalSize: 7, State: StateReady}, stats)

	r.NoError(s.Delete(ctx, "/helmet.glb"))
	r.NoError(s.Delete(ctx, "/missing.glb"))

	_, ok, err = s.Get(ctx, "/helmet.glb")
	r.NoError(err)
	r.False(ok)
}

func TestSQLiteStore_Persistence(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	s := NewSQLiteStore(dir)
	r.NoError(s.Put(ctx, "/box.gltf", []byte("{}")))
	r.NoError(s.Shutdown(ctx))

	s = NewSQLiteStore(dir)
	defer s.Shutdown(ctx)

	rec, ok, err := s.Get(ctx, "/box.gltf")
	r.NoError(err)
	r.True(ok)
	r.Equal([]byte("{}"), rec.Payload)

	// The schema is up to date, so there must be no upgrades.
	r.EqualValues(0, s.upgrades.Load())
}

func TestSQLiteStore_ConcurrentOpen(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	s := NewSQLiteStore(t.TempDir())
	defer s.Shutdown(ctx)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 20)
	)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if i%2 == 0 {
				errs[i] = s.Open(ctx)
			} else {
				_, _, errs[i] = s.Get(ctx, "/model.glb")
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		r.NoError(err)
	}
	r.EqualValues(1, s.upgrades.Load())
	r.Equal(StateReady, s.State())
}

func TestSQLiteStore_Unavailable(t *testing.T) {
	t.Parallel()

	t.Run("newer schema", func(t *testing.T) {
		r := require.New(t)
		ctx := context.Background()
		dir := t.TempDir()

		db, err := sql.Open("sqlite", filepath.Join(dir, dbFilename))
		r.NoError(err)
		_, err = db.Exec("PRAGMA user_version = 100")
		r.NoError(err)
		r.NoError(db.Close())

		s := NewSQLiteStore(dir)
		defer s.Shutdown(ctx)

		err = s.Open(ctx)
		r.ErrorIs(err, sceneview.ErrStoreUnavailable)
		r.Equal(StateUnavailable, s.State())

		_, _, err = s.Get(ctx, "/model.glb")
		r.ErrorIs(err, sceneview.ErrStoreUnavailable)

		err = s.Put(ctx, "/model.glb", []byte("data"))
		r.ErrorIs(err, sceneview.ErrStoreUnavailable)

		var storeErr *sceneview.StoreError
		r.ErrorAs(err, &storeErr)
		r.Equal("open", storeErr.Op)

		stats, err := s.Stats(ctx)
		r.NoError(err)
		r.Equal(Stats{State: StateUnavailable}, stats)
	})

	t.Run("dir is a file", func(t *testing.T) {
		r := require.New(t)
		ctx := context.Background()

		dir := filepath.Join(t.TempDir(), "file")
		r.NoError(os.WriteFile(dir, []byte("not a dir"), 0o600))

		s := NewSQLiteStore(dir)
		defer s.Shutdown(ctx)

		_, _, err := s.Get(ctx, "/model.glb")
		r.ErrorIs(err, sceneview.ErrStoreUnavailable)
		r.Equal(StateUnavailable, s.State())
	})
}

func TestSQLiteStore_Shutdown(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	s := NewSQLiteStore(t.TempDir())
	r.NoError(s.Open(ctx))
	r.NoError(s.Shutdown(ctx))
	r.Equal(StateClosed, s.State())

	err := s.Open(ctx)
	r.ErrorIs(err, sceneview.ErrStoreUnavailable)

	_, err = s.listRecords(ctx)
	r.ErrorIs(err, errNotReady)

	// Shutdown of a never opened store.
	r.NoError(NewSQLiteStore(t.TempDir()).Shutdown(ctx))
}
