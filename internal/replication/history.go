package replication

import "time"

// history keeps a bounded, time-ordered run of past entity snapshots.
// Frames are appended in tick order and evicted oldest-first, either when
// the count cap is exceeded or when a frame ages past the retention window.
type history struct {
	entries   []EntitySnapshot
	maxFrames int
	maxAge    time.Duration
}

// Eviction describes one frame dropped while recording.
type Eviction struct {
	Tick   uint64
	Reason string
}

// RecordResult reports the retention window after a record call.
type RecordResult struct {
	Size       int
	OldestTick uint64
	NewestTick uint64
	Evicted    []Eviction
}

func newHistory(maxFrames int, maxAge time.Duration) history {
	if maxFrames < 0 {
		maxFrames = 0
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return history{
		entries:   make([]EntitySnapshot, 0, maxFrames),
		maxFrames: maxFrames,
		maxAge:    maxAge,
	}
}

// record appends a frame and enforces the retention limits by age first,
// then by count.
func (h *history) record(frame EntitySnapshot) RecordResult {
	if h.maxFrames == 0 {
		h.entries = h.entries[:0]
		return RecordResult{}
	}

	h.entries = append(h.entries, frame)

	evicted := make([]Eviction, 0)
	if h.maxAge > 0 {
		cutoff := frame.Timestamp.Add(-h.maxAge)
		idx := 0
		for idx < len(h.entries) {
			if !h.entries[idx].Timestamp.Before(cutoff) {
				break
			}
			evicted = append(evicted, Eviction{Tick: h.entries[idx].Tick, Reason: "expired"})
			idx++
		}
		if idx > 0 {
			copy(h.entries, h.entries[idx:])
			h.entries = h.entries[:len(h.entries)-idx]
		}
	}

	if len(h.entries) > h.maxFrames {
		overflow := len(h.entries) - h.maxFrames
		for i := 0; i < overflow; i++ {
			evicted = append(evicted, Eviction{Tick: h.entries[i].Tick, Reason: "count"})
		}
		copy(h.entries, h.entries[overflow:])
		h.entries = h.entries[:len(h.entries)-overflow]
	}

	size := len(h.entries)
	result := RecordResult{Size: size, Evicted: evicted}
	if size > 0 {
		result.OldestTick = h.entries[0].Tick
		result.NewestTick = h.entries[size-1].Tick
	}
	return result
}

// at returns the frame recorded at exactly the given tick.
func (h *history) at(tick uint64) (EntitySnapshot, bool) {
	if tick == 0 {
		return EntitySnapshot{}, false
	}
	for _, frame := range h.entries {
		if frame.Tick == tick {
			return frame, true
		}
	}
	return EntitySnapshot{}, false
}

// frames returns a chronological copy of the retained snapshots.
func (h *history) frames() []EntitySnapshot {
	if len(h.entries) == 0 {
		return nil
	}
	copied := make([]EntitySnapshot, len(h.entries))
	copy(copied, h.entries)
	return copied
}

// window reports the current retention window.
func (h *history) window() (size int, oldest, newest uint64) {
	size = len(h.entries)
	if size == 0 {
		return size, 0, 0
	}
	return size, h.entries[0].Tick, h.entries[size-1].Tick
}
