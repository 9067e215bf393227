package interp

import (
	"sort"
	"sync"
	"time"

	"holosync/server/internal/geom"
)

const (
	defaultBufferSize       = 32
	defaultBufferDelay      = 100 * time.Millisecond
	defaultMaxExtrapolation = 250 * time.Millisecond
	defaultSnapThreshold    = 10.0
	defaultLerpSpeed        = 12.0
)

// Snapshot is one timestamped pose sample for an entity. Samples are pushed
// by inbound pose updates and never mutated afterwards. Velocity and
// AngularVelocity are optional; nil means the sender did not report them.
type Snapshot struct {
	EntityID        string
	Timestamp       int64 // unix milliseconds
	Position        geom.Vec3
	Rotation        geom.Quat
	Velocity        *geom.Vec3
	AngularVelocity *geom.Vec3
}

// Pose is the smoothed output for one entity at a requested render time.
// Extrapolating reports that the pose is projected (or frozen) past the
// newest sample, so callers can fade or mark the entity as network-lost.
type Pose struct {
	Position      geom.Vec3
	Rotation      geom.Quat
	Extrapolating bool
}

// Config tunes the jitter buffer and the smoothing-correction law.
type Config struct {
	// BufferSize caps the per-entity sample buffer; oldest samples drop
	// first.
	BufferSize int
	// BufferDelay is subtracted from the caller's clock to form the render
	// time. It trades input latency for smoothness and must be large enough
	// to almost always have two bracketing samples under expected jitter.
	BufferDelay time.Duration
	// MaxExtrapolation bounds dead reckoning past the newest sample; beyond
	// it the pose freezes.
	MaxExtrapolation time.Duration
	// SnapThreshold is the correction distance above which SmoothCorrection
	// teleports instead of blending.
	SnapThreshold float64
	// LerpSpeed is the exponential blend rate, per second, used by
	// SmoothCorrection below the snap threshold.
	LerpSpeed float64
	// ExtrapolateRotation enables angular dead reckoning from the sample's
	// angular velocity. Off by default: the baseline holds rotation constant
	// while extrapolating.
	ExtrapolateRotation bool
}

// DefaultConfig returns the tuning used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		BufferSize:       defaultBufferSize,
		BufferDelay:      defaultBufferDelay,
		MaxExtrapolation: defaultMaxExtrapolation,
		SnapThreshold:    defaultSnapThreshold,
		LerpSpeed:        defaultLerpSpeed,
	}
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.BufferDelay < 0 {
		c.BufferDelay = 0
	}
	if c.MaxExtrapolation < 0 {
		c.MaxExtrapolation = 0
	}
	if c.SnapThreshold <= 0 {
		c.SnapThreshold = defaultSnapThreshold
	}
	if c.LerpSpeed <= 0 {
		c.LerpSpeed = defaultLerpSpeed
	}
	return c
}

// Interpolator converts discrete, jittery pose samples into a continuously
// smooth pose signal per entity. It is independent of the replication store:
// poses change every render frame while discrete properties change rarely,
// so the two paths stay decoupled.
type Interpolator struct {
	mu       sync.RWMutex
	cfg      Config
	entities map[string]*sampleBuffer
}

// sampleBuffer holds one entity's retained samples sorted by timestamp
// ascending. Order is maintained at insert time so reads never re-sort.
type sampleBuffer struct {
	samples []Snapshot
}

// New constructs an interpolator with the provided tuning.
func New(cfg Config) *Interpolator {
	return &Interpolator{
		cfg:      cfg.withDefaults(),
		entities: make(map[string]*sampleBuffer),
	}
}

// Config reports the effective tuning.
func (it *Interpolator) Config() Config {
	return it.cfg
}

// PushSnapshot buffers a pose sample for its entity, evicting the oldest
// sample when the buffer is full. Samples may arrive out of order; ordered
// insertion keeps the buffer time-sorted without a full re-sort.
func (it *Interpolator) PushSnapshot(sample Snapshot) {
	if sample.EntityID == "" {
		return
	}
	it.mu.Lock()
	defer it.mu.Unlock()

	buffer, ok := it.entities[sample.EntityID]
	if !ok {
		buffer = &sampleBuffer{samples: make([]Snapshot, 0, it.cfg.BufferSize)}
		it.entities[sample.EntityID] = buffer
	}

	idx := sort.Search(len(buffer.samples), func(i int) bool {
		return buffer.samples[i].Timestamp > sample.Timestamp
	})
	buffer.samples = append(buffer.samples, Snapshot{})
	copy(buffer.samples[idx+1:], buffer.samples[idx:])
	buffer.samples[idx] = sample

	if overflow := len(buffer.samples) - it.cfg.BufferSize; overflow > 0 {
		copy(buffer.samples, buffer.samples[overflow:])
		buffer.samples = buffer.samples[:len(buffer.samples)-overflow]
	}
}

// State produces the smoothed pose for the entity at the caller's clock.
// The render time is nowMs minus the configured buffer delay. Returns false
// when no samples are buffered for the entity.
func (it *Interpolator) State(entityID string, nowMs int64) (Pose, bool) {
	it.mu.RLock()
	defer it.mu.RUnlock()

	buffer, ok := it.entities[entityID]
	if !ok || len(buffer.samples) == 0 {
		return Pose{}, false
	}

	renderTime := nowMs - it.cfg.BufferDelay.Milliseconds()
	samples := buffer.samples

	idx := sort.Search(len(samples), func(i int) bool {
		return samples[i].Timestamp >= renderTime
	})

	switch {
	case idx == 0:
		// Only future samples exist (clock skew at connect): snap to the
		// earliest known sample.
		earliest := samples[0]
		return Pose{Position: earliest.Position, Rotation: earliest.Rotation}, true
	case idx == len(samples):
		return it.extrapolate(samples[len(samples)-1], renderTime), true
	default:
		return interpolate(samples[idx-1], samples[idx], renderTime), true
	}
}

// extrapolate projects forward from the newest sample. Within the
// extrapolation window position advances along the last known velocity;
// beyond it the pose freezes. Rotation is held constant unless angular
// extrapolation is enabled.
func (it *Interpolator) extrapolate(newest Snapshot, renderTime int64) Pose {
	pose := Pose{
		Position:      newest.Position,
		Rotation:      newest.Rotation,
		Extrapolating: true,
	}
	elapsed := renderTime - newest.Timestamp
	if elapsed <= 0 {
		pose.Extrapolating = false
		return pose
	}
	if elapsed > it.cfg.MaxExtrapolation.Milliseconds() {
		return pose
	}
	seconds := float64(elapsed) / 1000
	if newest.Velocity != nil {
		pose.Position = newest.Position.Add(newest.Velocity.Scale(seconds))
	}
	if it.cfg.ExtrapolateRotation && newest.AngularVelocity != nil {
		pose.Rotation = integrateRotation(newest.Rotation, *newest.AngularVelocity, seconds)
	}
	return pose
}

// interpolate blends between the samples bracketing the render time:
// positions linearly, rotations by shortest-arc normalized lerp.
func interpolate(before, after Snapshot, renderTime int64) Pose {
	span := after.Timestamp - before.Timestamp
	ratio := 0.0
	if span > 0 {
		ratio = float64(renderTime-before.Timestamp) / float64(span)
	}
	return Pose{
		Position: geom.Lerp(before.Position, after.Position, ratio),
		Rotation: geom.Nlerp(before.Rotation, after.Rotation, ratio),
	}
}

// integrateRotation applies a constant angular velocity (radians per second
// around each axis) to the rotation for the given duration, via the
// first-order quaternion derivative, then renormalizes.
func integrateRotation(rotation geom.Quat, angular geom.Vec3, seconds float64) geom.Quat {
	half := 0.5 * seconds
	derived := geom.Quat{
		X: half * (angular.X*rotation.W + angular.Y*rotation.Z - angular.Z*rotation.Y),
		Y: half * (angular.Y*rotation.W + angular.Z*rotation.X - angular.X*rotation.Z),
		Z: half * (angular.Z*rotation.W + angular.X*rotation.Y - angular.Y*rotation.X),
		W: half * (-angular.X*rotation.X - angular.Y*rotation.Y - angular.Z*rotation.Z),
	}
	return geom.Quat{
		X: rotation.X + derived.X,
		Y: rotation.Y + derived.Y,
		Z: rotation.Z + derived.Z,
		W: rotation.W + derived.W,
	}.Normalize()
}

// SmoothCorrection reconciles a locally simulated position with a later
// authoritative one. Corrections past the snap threshold teleport outright
// (respawns, large desyncs); smaller ones blend exponentially toward the
// server position at LerpSpeed per second, with the blend factor clamped so
// a long frame never overshoots.
func (it *Interpolator) SmoothCorrection(current, server geom.Vec3, dt float64) geom.Vec3 {
	if current.DistanceTo(server) > it.cfg.SnapThreshold {
		return server
	}
	factor := it.cfg.LerpSpeed * dt
	if factor > 1 {
		factor = 1
	}
	if factor < 0 {
		factor = 0
	}
	return current.Add(server.Sub(current).Scale(factor))
}

// Clear drops every buffered sample for the entity, e.g. when it
// disconnects.
func (it *Interpolator) Clear(entityID string) {
	it.mu.Lock()
	delete(it.entities, entityID)
	it.mu.Unlock()
}

// SampleCount reports how many samples are buffered for the entity.
func (it *Interpolator) SampleCount(entityID string) int {
	it.mu.RLock()
	defer it.mu.RUnlock()
	if buffer, ok := it.entities[entityID]; ok {
		return len(buffer.samples)
	}
	return 0
}

// Samples returns a chronological copy of the entity's buffered samples.
// Diagnostics and tests only.
func (it *Interpolator) Samples(entityID string) []Snapshot {
	it.mu.RLock()
	defer it.mu.RUnlock()
	buffer, ok := it.entities[entityID]
	if !ok || len(buffer.samples) == 0 {
		return nil
	}
	copied := make([]Snapshot, len(buffer.samples))
	copy(copied, buffer.samples)
	return copied
}
