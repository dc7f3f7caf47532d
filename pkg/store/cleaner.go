package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ShoshinNikita/sceneview/pkg/metrics"
	"github.com/ShoshinNikita/sceneview/pkg/misc"
	"github.com/ShoshinNikita/sceneview/pkg/rlog"
)

// Cleaner removes old records and controls the total size of a store.
type Cleaner struct {
	store           cleanableStore
	cleanupInterval time.Duration
	maxAge          time.Duration
	maxTotalSize    int64 // in bytes

	stopCh                 chan struct{}
	cleanupProcessFinished chan struct{}
}

func NewCleaner(store cleanableStore, cleanupInterval, maxAge time.Duration, maxTotalSize int64) *Cleaner {
	c := &Cleaner{
		store:           store,
		cleanupInterval: cleanupInterval,
		maxAge:          maxAge,
		maxTotalSize:    maxTotalSize,
		//
		stopCh:                 make(chan struct{}),
		cleanupProcessFinished: make(chan struct{}),
	}

	go c.startCleanupProcess()

	return c
}

func (c *Cleaner) startCleanupProcess() {
	defer close(c.cleanupProcessFinished)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		// Run immediately.
		c.cleanup(time.Now())

		select {
		case <-ticker.C:
			continue
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cleaner) cleanup(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	allRecords, err := c.store.listRecords(ctx)
	if err != nil {
		if errors.Is(err, errNotReady) {
			rlog.Debug("skip cache cleanup: store is not ready")
			return
		}
		rlog.Errorf("couldn't load records to clean: %s", err)
		return
	}

	recordsToRemove := c.getRecordsToRemove(allRecords, now)
	if len(recordsToRemove) == 0 {
		rlog.Debug("no records to remove from cache")
		return
	}

	removedRecords, cleanedSpace, errs := c.removeRecords(ctx, recordsToRemove)
	for _, err := range errs {
		rlog.Error(err)
	}
	if removedRecords > 0 {
		metrics.CacheCleanedRecords.Add(float64(removedRecords))
		rlog.Infof(
			"%d records have been removed from cache for a total of %s freed, got %d errors",
			removedRecords, misc.FormatFileSize(cleanedSpace), len(errs),
		)
	}
}

func (c *Cleaner) getRecordsToRemove(records []recordInfo, now time.Time) []recordInfo {
	minStoredAt := now.Add(-c.maxAge)

	var (
		oldRecords             []recordInfo
		activeRecords          []recordInfo
		activeRecordsTotalSize int64
	)
	for _, rec := range records {
		if rec.storedAt.Before(minStoredAt) {
			oldRecords = append(oldRecords, rec)
		} else {
			activeRecords = append(activeRecords, rec)
			activeRecordsTotalSize += rec.size
		}
	}
	if activeRecordsTotalSize < c.maxTotalSize {
		// Should remove only old records.
		return oldRecords
	}

	// Remove old records first.
	slices.SortFunc(activeRecords, func(a, b recordInfo) int {
		return a.storedAt.Compare(b.storedAt)
	})

	var index int
	for i, rec := range activeRecords {
		activeRecordsTotalSize -= rec.size
		if activeRecordsTotalSize < c.maxTotalSize {
			// Other records satisfy the size limit.
			index = i + 1
			break
		}
	}
	if index == 0 {
		// Impossible, just in case, remove all records.
		index = len(activeRecords)
	}

	return append(oldRecords, activeRecords[:index]...)
}

func (c *Cleaner) removeRecords(ctx context.Context, records []recordInfo) (removedRecords int, cleanedSpace int64, errs []error) {
	for _, rec := range records {
		err := c.store.Delete(ctx, rec.key)
		if err != nil {
			errs = append(errs, fmt.Errorf("couldn't remove record %q from cache: %w", rec.key, err))
			continue
		}
		removedRecords++
		cleanedSpace += rec.size
	}
	return removedRecords, cleanedSpace, errs
}

func (c *Cleaner) Shutdown(ctx context.Context) error {
	close(c.stopCh)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.cleanupProcessFinished:
		return nil
	}
}
