package telemetry

import (
	"sync/atomic"
	"time"
)

// Counters aggregates the replicator's operational metrics. All fields are
// atomics so the tick loop, websocket sessions, and the store can record
// concurrently without coordination.
type Counters struct {
	bytesSent             atomic.Uint64
	entitiesSent          atomic.Uint64
	lastBroadcastBytes    atomic.Uint64
	lastBroadcastEntities atomic.Uint64
	tickDurationMillis    atomic.Int64
	historySize           atomic.Uint64
	historyOldestTick     atomic.Uint64
	historyNewestTick     atomic.Uint64
	rejectedWrites        atomic.Uint64
	resyncs               atomic.Uint64
	poseSamples           atomic.Uint64
	staleAcks             atomic.Uint64
}

// Snapshot is the JSON view served by the diagnostics endpoint.
type Snapshot struct {
	BytesSent         uint64 `json:"bytesSent"`
	EntitiesSent      uint64 `json:"entitiesSent"`
	TickDuration      int64  `json:"tickDurationMillis"`
	HistorySize       uint64 `json:"historySize"`
	HistoryOldestTick uint64 `json:"historyOldestTick"`
	HistoryNewestTick uint64 `json:"historyNewestTick"`
	RejectedWrites    uint64 `json:"rejectedWrites"`
	Resyncs           uint64 `json:"resyncs"`
	PoseSamples       uint64 `json:"poseSamples"`
	StaleAcks         uint64 `json:"staleAcks"`
}

// NewCounters constructs an empty counter set.
func NewCounters() *Counters {
	return &Counters{}
}

// RecordBroadcast accumulates the payload size and entity count of one
// outbound state broadcast.
func (c *Counters) RecordBroadcast(bytes, entities int) {
	if bytes < 0 {
		bytes = 0
	}
	if entities < 0 {
		entities = 0
	}
	c.bytesSent.Add(uint64(bytes))
	c.entitiesSent.Add(uint64(entities))
	c.lastBroadcastBytes.Store(uint64(bytes))
	c.lastBroadcastEntities.Store(uint64(entities))
}

// RecordTickDuration stores the wall-clock duration of the last tick.
func (c *Counters) RecordTickDuration(duration time.Duration) {
	millis := duration.Milliseconds()
	if millis < 0 {
		millis = 0
	}
	c.tickDurationMillis.Store(millis)
}

// RecordHistoryWindow stores the most recently observed snapshot-history
// retention window.
func (c *Counters) RecordHistoryWindow(size int, oldest, newest uint64) {
	if size < 0 {
		size = 0
	}
	c.historySize.Store(uint64(size))
	c.historyOldestTick.Store(oldest)
	c.historyNewestTick.Store(newest)
}

// RecordRejectedWrite counts a write turned away by the authority resolver.
func (c *Counters) RecordRejectedWrite() {
	c.rejectedWrites.Add(1)
}

// RecordResync counts a delta request that degraded to a full resync.
func (c *Counters) RecordResync() {
	c.resyncs.Add(1)
}

// RecordPoseSample counts an inbound pose frame accepted into the jitter
// buffer.
func (c *Counters) RecordPoseSample() {
	c.poseSamples.Add(1)
}

// RecordStaleAck counts an ack referencing a broadcast no longer in the
// ledger.
func (c *Counters) RecordStaleAck() {
	c.staleAcks.Add(1)
}

// Snapshot returns a point-in-time copy of every counter.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		BytesSent:         c.bytesSent.Load(),
		EntitiesSent:      c.entitiesSent.Load(),
		TickDuration:      c.tickDurationMillis.Load(),
		HistorySize:       c.historySize.Load(),
		HistoryOldestTick: c.historyOldestTick.Load(),
		HistoryNewestTick: c.historyNewestTick.Load(),
		RejectedWrites:    c.rejectedWrites.Load(),
		Resyncs:           c.resyncs.Load(),
		PoseSamples:       c.poseSamples.Load(),
		StaleAcks:         c.staleAcks.Load(),
	}
}
