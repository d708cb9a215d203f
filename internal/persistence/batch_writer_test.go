package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"adx-trader/pkg/db"
)

type flakyStore struct {
	mu      sync.Mutex
	fail    bool
	batches [][]db.PerformanceSnapshot
}

func (s *flakyStore) SavePerformanceSnapshots(_ context.Context, snaps []db.PerformanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("database is locked")
	}
	s.batches = append(s.batches, append([]db.PerformanceSnapshot(nil), snaps...))
	return nil
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *flakyStore) rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func sample(i int) db.PerformanceSnapshot {
	return db.PerformanceSnapshot{
		TakenAt:     time.Date(2024, 5, 1, 0, i, 0, 0, time.UTC),
		TradingMode: "simulated",
		Equity:      100 + float64(i),
		RiskState:   "NORMAL",
	}
}

func TestBatchWriterFlushOnClose(t *testing.T) {
	store := &flakyStore{}
	bw := NewBatchWriter(store, 10, time.Hour)
	bw.Add(sample(1))
	bw.Add(sample(2))
	if bw.Pending() != 2 {
		t.Fatalf("Pending=%d, expected 2", bw.Pending())
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if store.rows() != 2 {
		t.Fatalf("rows=%d, expected 2 after close", store.rows())
	}
	m := bw.GetMetrics()
	if m.TotalWrites != 2 || m.TotalBatches != 1 || m.LastBatchSize != 2 {
		t.Fatalf("metrics=%+v, expected 2 writes in 1 batch", m)
	}
}

func TestBatchWriterRequeuesFailedBatch(t *testing.T) {
	store := &flakyStore{fail: true}
	bw := NewBatchWriter(store, 10, time.Hour)
	defer bw.Close()

	bw.Add(sample(1))
	if err := bw.Flush(); err == nil {
		t.Fatalf("expected flush error")
	}
	bw.Add(sample(2))
	if bw.Pending() != 2 {
		t.Fatalf("Pending=%d, expected failed sample kept plus new one", bw.Pending())
	}

	store.setFail(false)
	if err := bw.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if store.rows() != 2 {
		t.Fatalf("rows=%d, expected 2", store.rows())
	}
	if store.batches[0][0].Equity != 101 {
		t.Fatalf("first row equity=%v, expected the older sample first", store.batches[0][0].Equity)
	}
	if bw.GetMetrics().TotalErrors != 1 {
		t.Fatalf("TotalErrors=%d, expected 1", bw.GetMetrics().TotalErrors)
	}
}

func TestBatchWriterSizeTriggeredFlush(t *testing.T) {
	store := &flakyStore{}
	bw := NewBatchWriter(store, 2, time.Hour)
	bw.Add(sample(1))
	bw.Add(sample(2))

	deadline := time.Now().Add(2 * time.Second)
	for store.rows() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.rows() != 2 {
		t.Fatalf("rows=%d, expected size-triggered flush", store.rows())
	}
	bw.Close()
}

func TestBatchWriterWithSQLite(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	bw := NewBatchWriter(database, 10, time.Hour)
	for i := 0; i < 3; i++ {
		bw.Add(sample(i))
	}
	bw.Close()

	got, err := database.ListPerformanceSnapshots(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPerformanceSnapshots: %v", err)
	}
	if len(got) != 3 || got[0].Equity != 102 {
		t.Fatalf("snapshots=%+v, expected 3 rows newest first", got)
	}
}
