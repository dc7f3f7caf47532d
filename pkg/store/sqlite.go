package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ShoshinNikita/sceneview/pkg/metrics"
	"github.com/ShoshinNikita/sceneview/pkg/rlog"
	"github.com/ShoshinNikita/sceneview/sceneview"
)

const (
	dbFilename    = "models.db"
	schemaVersion = 1
	openTimeout   = 30 * time.Second
)

// migrations[i] upgrades the schema from version i to version i+1.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS models (
		name      TEXT PRIMARY KEY,
		data      BLOB NOT NULL,
		stored_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_models_stored_at ON models(stored_at);`,
}

// SQLiteStore is a persistent [sceneview.CacheStore]. The database is opened lazily on the
// first call, all callers share the same open operation.
type SQLiteStore struct {
	path string

	mu     sync.Mutex
	state  State
	openOp *openOp
	db     *sql.DB
	closed bool

	// upgrades is the number of applied schema upgrades, only for tests.
	upgrades atomic.Int32
}

type openOp struct {
	done chan struct{}
	err  error
}

var _ sceneview.CacheStore = (*SQLiteStore)(nil)

func NewSQLiteStore(dir string) *SQLiteStore {
	return &SQLiteStore{
		path:  filepath.Join(dir, dbFilename),
		state: StateClosed,
	}
}

// Open opens the database and upgrades its schema if needed. It is safe to call Open multiple
// times: all calls wait for the same open operation. If the database can't be opened, Open
// and all other methods return an error with [sceneview.ErrStoreUnavailable].
func (s *SQLiteStore) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &sceneview.StoreError{Op: "open", Kind: sceneview.ErrStoreUnavailable, Err: errors.New("store is closed")}
	}
	op := s.openOp
	if op == nil {
		op = &openOp{done: make(chan struct{})}
		s.openOp = op
		s.state = StateOpening

		// Don't use the caller's context: other callers wait for the same operation.
		go s.open(op)
	}
	s.mu.Unlock()

	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteStore) open(op *openOp) {
	defer close(op.done)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	now := time.Now()
	db, err := s.openDB(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		metrics.CacheErrors.Inc()
		rlog.Warnf("cache store %q is unavailable, caching is disabled: %s", s.path, err)

		s.state = StateUnavailable
		op.err = &sceneview.StoreError{Op: "open", Kind: sceneview.ErrStoreUnavailable, Err: err}
		return
	}

	rlog.Debugf("cache store %q was opened in %s", s.path, time.Since(now))

	s.db = db
	s.state = StateReady
}

func (s *SQLiteStore) openDB(ctx context.Context) (*sql.DB, error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("couldn't create dir %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite", s.path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("couldn't open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("couldn't ping database: %w", err)
	}
	if err := s.migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("couldn't upgrade schema: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) migrate(ctx context.Context, db *sql.DB) error {
	var version int
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("couldn't get schema version: %w", err)
	}
	switch {
	case version == schemaVersion:
		return nil
	case version > schemaVersion:
		return fmt.Errorf("schema version %d is newer than the supported version %d", version, schemaVersion)
	}

	s.setState(StateUpgrading)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("couldn't begin transaction: %w", err)
	}
	defer tx.Rollback()

	for v := version; v < schemaVersion; v++ {
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", v+1, err)
		}
	}
	// PRAGMA doesn't support placeholders.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("couldn't set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("couldn't commit transaction: %w", err)
	}

	s.upgrades.Add(1)
	rlog.Infof("cache store schema was upgraded from version %d to %d", version, schemaVersion)

	return nil
}

func (s *SQLiteStore) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *SQLiteStore) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *SQLiteStore) getDB(ctx context.Context) (*sql.DB, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, &sceneview.StoreError{Op: "open", Kind: sceneview.ErrStoreUnavailable, Err: errors.New("store is closed")}
	}
	return s.db, nil
}

// Get returns a cached record. It returns false if the record doesn't exist.
func (s *SQLiteStore) Get(ctx context.Context, key string) (sceneview.AssetRecord, bool, error) {
	db, err := s.getDB(ctx)
	if err != nil {
		return sceneview.AssetRecord{}, false, err
	}

	var data []byte
	err = db.QueryRowContext(ctx, "SELECT data FROM models WHERE name = ?", key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			metrics.CacheMisses.Inc()
			return sceneview.AssetRecord{}, false, nil
		}

		metrics.CacheErrors.Inc()
		return sceneview.AssetRecord{}, false, &sceneview.StoreError{Op: "get", Kind: sceneview.ErrStoreRead, Err: err}
	}

	metrics.CacheHits.Inc()
	return sceneview.AssetRecord{Key: key, Payload: data}, true, nil
}

// Put saves the payload. An existing record with the same key is replaced.
func (s *SQLiteStore) Put(ctx context.Context, key string, payload []byte) error {
	return s.putAt(ctx, key, payload, time.Now())
}

func (s *SQLiteStore) putAt(ctx context.Context, key string, payload []byte, storedAt time.Time) error {
	db, err := s.getDB(ctx)
	if err != nil {
		return err
	}

	if payload == nil {
		payload = []byte{}
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO models (name, data, stored_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, stored_at = excluded.stored_at`,
		key, payload, storedAt.Unix(),
	)
	if err != nil {
		metrics.CacheErrors.Inc()
		return &sceneview.StoreError{Op: "put", Kind: sceneview.ErrStoreWrite, Err: err}
	}

	metrics.CacheWrites.Inc()
	return nil
}

// Delete removes the record. Missing records are ignored.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	db, err := s.getDB(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, "DELETE FROM models WHERE name = ?", key)
	if err != nil {
		return &sceneview.StoreError{Op: "delete", Kind: sceneview.ErrStoreWrite, Err: err}
	}
	return nil
}

// Stats returns the number of records and their total size. It doesn't open the store.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	db, state := s.db, s.state
	s.mu.Unlock()

	stats := Stats{State: state}
	if state != StateReady {
		return stats, nil
	}

	err := db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(length(data)), 0) FROM models").
		Scan(&stats.Count, &stats.TotalSize)
	if err != nil {
		return Stats{}, &sceneview.StoreError{Op: "stats", Kind: sceneview.ErrStoreRead, Err: err}
	}
	return stats, nil
}

// listRecords returns info about all records. Unlike other methods, it doesn't open the store
// and returns [errNotReady] instead.
func (s *SQLiteStore) listRecords(ctx context.Context) ([]recordInfo, error) {
	s.mu.Lock()
	db, state := s.db, s.state
	s.mu.Unlock()

	if state != StateReady {
		return nil, errNotReady
	}

	rows, err := db.QueryContext(ctx, "SELECT name, stored_at, length(data) FROM models")
	if err != nil {
		return nil, fmt.Errorf("couldn't query records: %w", err)
	}
	defer rows.Close()

	var res []recordInfo
	for rows.Next() {
		var (
			info     recordInfo
			storedAt int64
		)
		if err := rows.Scan(&info.key, &storedAt, &info.size); err != nil {
			return nil, fmt.Errorf("couldn't scan record: %w", err)
		}
		info.storedAt = time.Unix(storedAt, 0)

		res = append(res, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("couldn't read records: %w", err)
	}
	return res, nil
}

// Shutdown closes the database. The store can't be reopened.
func (s *SQLiteStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	op := s.openOp
	s.mu.Unlock()

	if op != nil {
		select {
		case <-op.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateClosed
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
