package server

import (
	"testing"
	"time"
)

func TestBroadcastLedgerEvictsByCount(t *testing.T) {
	ledger := newBroadcastLedger(2, time.Minute)

	ledger.Record(broadcastRecord{Sequence: 1, Tick: 10})
	ledger.Record(broadcastRecord{Sequence: 2, Tick: 20})
	result := ledger.Record(broadcastRecord{Sequence: 3, Tick: 30})

	if result.Size != 2 {
		t.Fatalf("expected window size 2, got %d", result.Size)
	}
	if result.OldestSequence != 2 || result.NewestSequence != 3 {
		t.Fatalf("unexpected window [%d, %d]", result.OldestSequence, result.NewestSequence)
	}
	if len(result.Evicted) != 1 || result.Evicted[0].Sequence != 1 || result.Evicted[0].Reason != "count" {
		t.Fatalf("unexpected evictions: %+v", result.Evicted)
	}
	if _, ok := ledger.BySequence(1); ok {
		t.Fatalf("expected sequence 1 to be evicted")
	}
}

func TestBroadcastLedgerEvictsByAge(t *testing.T) {
	ledger := newBroadcastLedger(8, 30*time.Millisecond)

	ledger.Record(broadcastRecord{Sequence: 1, Tick: 10})
	time.Sleep(50 * time.Millisecond)
	result := ledger.Record(broadcastRecord{Sequence: 2, Tick: 20})

	if result.Size != 1 {
		t.Fatalf("expected window size 1, got %d", result.Size)
	}
	if len(result.Evicted) != 1 || result.Evicted[0].Reason != "expired" {
		t.Fatalf("unexpected evictions: %+v", result.Evicted)
	}
}

func TestBroadcastLedgerResolvesEntityTicks(t *testing.T) {
	ledger := newBroadcastLedger(4, time.Minute)
	ledger.Record(broadcastRecord{
		Sequence:    7,
		Tick:        70,
		EntityTicks: map[string]uint64{"avatar-1": 69, "avatar-2": 70},
	})

	record, ok := ledger.BySequence(7)
	if !ok {
		t.Fatalf("expected record for sequence 7")
	}
	if record.EntityTicks["avatar-1"] != 69 || record.EntityTicks["avatar-2"] != 70 {
		t.Fatalf("unexpected entity ticks: %+v", record.EntityTicks)
	}
	if _, ok := ledger.BySequence(0); ok {
		t.Fatalf("sequence 0 must never resolve")
	}
}

func TestBroadcastLedgerZeroCapacityRetainsNothing(t *testing.T) {
	ledger := newBroadcastLedger(0, time.Minute)
	result := ledger.Record(broadcastRecord{Sequence: 1, Tick: 10})
	if result.Size != 0 {
		t.Fatalf("expected empty window, got %d", result.Size)
	}
	size, _, _ := ledger.Window()
	if size != 0 {
		t.Fatalf("expected empty ledger, got %d", size)
	}
}
