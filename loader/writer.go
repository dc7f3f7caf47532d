package loader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShoshinNikita/sceneview/pkg/metrics"
	"github.com/ShoshinNikita/sceneview/pkg/misc"
	"github.com/ShoshinNikita/sceneview/pkg/rlog"
	"github.com/ShoshinNikita/sceneview/sceneview"
)

const (
	writeQueueSize = 1000
	writeTimeout   = 30 * time.Second
)

// writeThroughQueue saves fetched assets to the cache in the background. Write errors
// are only logged.
type writeThroughQueue struct {
	store        sceneview.CacheStore
	workersCount int

	tasksCh    chan putTask
	tasksMu    sync.RWMutex
	stopped    bool
	inProgress atomic.Int64

	workersDoneCh chan struct{}
}

type putTask struct {
	key     string
	payload []byte
}

func newWriteThroughQueue(store sceneview.CacheStore, workersCount int) *writeThroughQueue {
	q := &writeThroughQueue{
		store:        store,
		workersCount: max(workersCount, 1),
		//
		tasksCh: make(chan putTask, writeQueueSize),
		//
		workersDoneCh: make(chan struct{}),
	}

	go q.startWorkers()

	return q
}

func (q *writeThroughQueue) startWorkers() {
	var wg sync.WaitGroup
	for range q.workersCount {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for task := range q.tasksCh {
				q.processTask(task)
				q.inProgress.Add(-1)
			}
		}()
	}
	wg.Wait()

	close(q.workersDoneCh)
}

func (q *writeThroughQueue) processTask(task putTask) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	now := time.Now()
	err := q.store.Put(ctx, task.key, task.payload)
	if err != nil {
		rlog.Debugf("couldn't save %q to cache: %s", task.key, err)
		return
	}
	rlog.Debugf("%q (%s) was saved to cache in %s", task.key, misc.FormatFileSize(int64(len(task.payload))), time.Since(now))
}

// enqueue sends a task to the queue. The task is dropped if the queue is full or stopped.
func (q *writeThroughQueue) enqueue(key string, payload []byte) {
	q.tasksMu.RLock()
	defer q.tasksMu.RUnlock()

	if q.stopped {
		rlog.Debugf("skip saving %q to cache: queue is stopped", key)
		return
	}

	q.inProgress.Add(1)
	select {
	case q.tasksCh <- putTask{key: key, payload: payload}:
	default:
		q.inProgress.Add(-1)
		metrics.WriteThroughDropped.Inc()
		rlog.Warnf("write queue is full, %q won't be saved to cache", key)
	}
}

// flush waits for all enqueued tasks to be processed.
func (q *writeThroughQueue) flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		// Check immediately
		if q.inProgress.Load() == 0 {
			return nil
		}

		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// shutdown stops accepting new tasks and waits for the queued ones with respect of the
// passed context.
func (q *writeThroughQueue) shutdown(ctx context.Context) error {
	q.tasksMu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.tasksCh)
	}
	q.tasksMu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.workersDoneCh:
		return nil
	}
}
