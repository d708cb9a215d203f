package persistence

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"adx-trader/pkg/db"
)

// SnapshotStore persists a batch of performance samples atomically.
type SnapshotStore interface {
	SavePerformanceSnapshots(ctx context.Context, snaps []db.PerformanceSnapshot) error
}

// BatchWriter buffers performance samples so the trading loop never waits on
// the database. Samples are flushed when the buffer fills, on a timer, and
// on Close.
type BatchWriter struct {
	store       SnapshotStore
	buffer      []db.PerformanceSnapshot
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	flushIntval time.Duration
	timeout     time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	totalWrites   atomic.Uint64
	totalBatches  atomic.Uint64
	totalErrors   atomic.Uint64
	lastBatchSize atomic.Int64
	lastFlushNano atomic.Int64
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
	Pending       int       `json:"pending"`
}

// NewBatchWriter creates a batch writer with specified parameters.
// maxSize: max samples before an immediate flush
// interval: time-based flush interval
func NewBatchWriter(store SnapshotStore, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	bw := &BatchWriter{
		store:       store,
		buffer:      make([]db.PerformanceSnapshot, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		timeout:     10 * time.Second,
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Add queues one sample. A full buffer is flushed on a separate goroutine so
// the caller does not block.
func (bw *BatchWriter) Add(s db.PerformanceSnapshot) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, s)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		bw.wg.Add(1)
		go func() {
			defer bw.wg.Done()
			if err := bw.Flush(); err != nil {
				log.Printf("⚠️ BatchWriter: flush error: %v", err)
			}
		}()
	}
}

// Flush immediately writes all buffered samples. Failed batches are put back
// in front of the buffer and retried on the next flush.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	batch := bw.buffer
	bw.buffer = make([]db.PerformanceSnapshot, 0, bw.maxSize)
	bw.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), bw.timeout)
	defer cancel()

	bw.totalBatches.Add(1)
	if err := bw.store.SavePerformanceSnapshots(ctx, batch); err != nil {
		bw.totalErrors.Add(1)
		bw.mu.Lock()
		bw.buffer = append(batch, bw.buffer...)
		bw.mu.Unlock()
		return err
	}
	bw.totalWrites.Add(uint64(len(batch)))
	bw.lastBatchSize.Store(int64(len(batch)))
	bw.lastFlushNano.Store(time.Now().UnixNano())
	log.Printf("💾 BatchWriter: flushed %d performance samples", len(batch))
	return nil
}

// backgroundFlush periodically flushes the buffer.
func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				log.Printf("⚠️ BatchWriter: background flush error: %v", err)
			}
		case <-bw.done:
			if err := bw.Flush(); err != nil {
				log.Printf("⚠️ BatchWriter: final flush error: %v", err)
			}
			return
		}
	}
}

// Pending returns the number of buffered samples.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	m := BatchWriterMetrics{
		TotalWrites:   bw.totalWrites.Load(),
		TotalBatches:  bw.totalBatches.Load(),
		TotalErrors:   bw.totalErrors.Load(),
		LastBatchSize: int(bw.lastBatchSize.Load()),
		Pending:       bw.Pending(),
	}
	if ns := bw.lastFlushNano.Load(); ns > 0 {
		m.LastFlushTime = time.Unix(0, ns).UTC()
	}
	return m
}

// Close flushes what is left and stops the background goroutine.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
