package server

import (
	"sync"
	"time"
)

// broadcastRecord remembers which entity ticks a numbered broadcast carried so
// a later acknowledgement can be resolved into per-entity delta baselines.
type broadcastRecord struct {
	Sequence    uint64
	Tick        uint64
	EntityTicks map[string]uint64
	RecordedAt  time.Time
}

type ledgerEviction struct {
	Sequence uint64
	Tick     uint64
	Reason   string
}

type ledgerRecordResult struct {
	Size           int
	OldestSequence uint64
	NewestSequence uint64
	Evicted        []ledgerEviction
}

// broadcastLedger is a bounded buffer of recent broadcast records. Retention
// mirrors the snapshot history: oldest records are dropped once the buffer
// exceeds its capacity or a record outlives the maximum age. An ack that
// points past the retained window falls back to a full resync.
type broadcastLedger struct {
	mu        sync.RWMutex
	records   []broadcastRecord
	maxFrames int
	maxAge    time.Duration
}

func newBroadcastLedger(capacity int, maxAge time.Duration) *broadcastLedger {
	if capacity < 0 {
		capacity = 0
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return &broadcastLedger{
		records:   make([]broadcastRecord, 0, capacity),
		maxFrames: capacity,
		maxAge:    maxAge,
	}
}

// Record stores a broadcast record enforcing retention limits and reports the
// resulting window plus any evictions.
func (l *broadcastLedger) Record(record broadcastRecord) ledgerRecordResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxFrames == 0 {
		l.records = l.records[:0]
		return ledgerRecordResult{}
	}

	record.RecordedAt = time.Now()
	l.records = append(l.records, record)

	evicted := make([]ledgerEviction, 0)
	if l.maxAge > 0 {
		cutoff := record.RecordedAt.Add(-l.maxAge)
		idx := 0
		for idx < len(l.records) {
			if !l.records[idx].RecordedAt.Before(cutoff) {
				break
			}
			evicted = append(evicted, ledgerEviction{
				Sequence: l.records[idx].Sequence,
				Tick:     l.records[idx].Tick,
				Reason:   "expired",
			})
			idx++
		}
		if idx > 0 {
			copy(l.records, l.records[idx:])
			l.records = l.records[:len(l.records)-idx]
		}
	}

	if len(l.records) > l.maxFrames {
		overflow := len(l.records) - l.maxFrames
		for i := 0; i < overflow; i++ {
			evicted = append(evicted, ledgerEviction{
				Sequence: l.records[i].Sequence,
				Tick:     l.records[i].Tick,
				Reason:   "count",
			})
		}
		copy(l.records, l.records[overflow:])
		l.records = l.records[:len(l.records)-overflow]
	}

	size := len(l.records)
	result := ledgerRecordResult{Size: size, Evicted: evicted}
	if size > 0 {
		result.OldestSequence = l.records[0].Sequence
		result.NewestSequence = l.records[size-1].Sequence
	}
	return result
}

// BySequence returns the record matching the provided broadcast sequence.
func (l *broadcastLedger) BySequence(sequence uint64) (broadcastRecord, bool) {
	if sequence == 0 {
		return broadcastRecord{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, record := range l.records {
		if record.Sequence == sequence {
			return record, true
		}
	}
	return broadcastRecord{}, false
}

// Window reports the current retention window.
func (l *broadcastLedger) Window() (size int, oldest, newest uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	size = len(l.records)
	if size > 0 {
		oldest = l.records[0].Sequence
		newest = l.records[size-1].Sequence
	}
	return size, oldest, newest
}
