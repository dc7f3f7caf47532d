package store

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/ShoshinNikita/sceneview/pkg/metrics"
	"github.com/ShoshinNikita/sceneview/sceneview"
)

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	data     []byte
	storedAt time.Time
}

var _ sceneview.CacheStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
	}
}

func (*MemoryStore) Open(context.Context) error {
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (sceneview.AssetRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		metrics.CacheMisses.Inc()
		return sceneview.AssetRecord{}, false, nil
	}

	metrics.CacheHits.Inc()
	return sceneview.AssetRecord{Key: key, Payload: bytes.Clone(rec.data)}, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, payload []byte) error {
	return s.putAt(ctx, key, payload, time.Now())
}

func (s *MemoryStore) putAt(_ context.Context, key string, payload []byte, storedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = memoryRecord{
		data:     bytes.Clone(payload),
		storedAt: storedAt,
	}

	metrics.CacheWrites.Inc()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Stats(context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Count: int64(len(s.records)),
		State: StateReady,
	}
	for _, rec := range s.records {
		stats.TotalSize += int64(len(rec.data))
	}
	return stats, nil
}

func (s *MemoryStore) listRecords(context.Context) ([]recordInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]recordInfo, 0, len(s.records))
	for key, rec := range s.records {
		res = append(res, recordInfo{
			key:      key,
			storedAt: rec.storedAt,
			size:     int64(len(rec.data)),
		})
	}
	return res, nil
}

func (*MemoryStore) Shutdown(context.Context) error {
	return nil
}

// NoopStore never caches anything.
type NoopStore struct{}

var _ sceneview.CacheStore = NoopStore{}

func NewNoopStore() NoopStore { return NoopStore{} }

func (NoopStore) Open(context.Context) error { return nil }
func (NoopStore) Get(context.Context, string) (sceneview.AssetRecord, bool, error) {
	return sceneview.AssetRecord{}, false, nil
}
func (NoopStore) Put(context.Context, string, []byte) error { return nil }
func (NoopStore) Stats(context.Context) (Stats, error)      { return Stats{State: StateClosed}, nil }
func (NoopStore) Shutdown(context.Context) error            { return nil }
