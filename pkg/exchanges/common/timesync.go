package common

import (
	"context"
	"log"
	"sync"
	"time"
)

// TimeSync keeps the offset between local time and an exchange server clock
// so signed requests carry timestamps the venue accepts.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	offset        int64 // milliseconds offset (server - local)
	lastSync      time.Time
	syncInterval  time.Duration
	now           func() time.Time
	mu            sync.RWMutex
}

// NewTimeSync creates a new time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
		now:           time.Now,
	}
}

// Sync synchronizes with server time.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := ts.now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := ts.now().UnixMilli()

	// Assume network latency is symmetric
	localTime := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.lastSync = ts.now()
	ts.mu.Unlock()

	log.Printf("time sync: offset=%dms", serverTime-localTime)
	return nil
}

// EnsureFresh resyncs when the last sync is older than the sync interval.
// A failed sync keeps the previous offset.
func (ts *TimeSync) EnsureFresh(ctx context.Context) {
	ts.mu.RLock()
	stale := ts.lastSync.IsZero() || ts.now().Sub(ts.lastSync) >= ts.syncInterval
	ts.mu.RUnlock()
	if !stale {
		return
	}
	if err := ts.Sync(ctx); err != nil {
		log.Printf("time sync failed: %v", err)
		// avoid hammering the endpoint on every request
		ts.mu.Lock()
		ts.lastSync = ts.now()
		ts.mu.Unlock()
	}
}

// Now returns current time in ms adjusted for server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.now().UnixMilli() + ts.offset
}

// Offset returns the current time offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
