// Package store provides implementations of [sceneview.CacheStore].
package store

import (
	"context"
	"errors"
	"time"
)

type State string

const (
	StateClosed      State = "closed"
	StateOpening     State = "opening"
	StateUpgrading   State = "upgrading"
	StateReady       State = "ready"
	StateUnavailable State = "unavailable"
)

var errNotReady = errors.New("store is not ready")

type Stats struct {
	Count     int64 `json:"count"`
	TotalSize int64 `json:"total_size"`
	State     State `json:"state"`
}

type recordInfo struct {
	key      string
	storedAt time.Time
	size     int64
}

// cleanableStore is implemented by stores that can be used with [Cleaner].
type cleanableStore interface {
	listRecords(ctx context.Context) ([]recordInfo, error)
	Delete(ctx context.Context, key string) error
}
