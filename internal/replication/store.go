package replication

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iancoleman/orderedmap"

	"holosync/server/internal/authority"
)

const (
	defaultHistoryCapacity = 8
	defaultHistoryMaxAge   = 5 * time.Second
)

// Property is one replicated key/value pair together with the version
// bookkeeping used for delta reconciliation. Values are treated as opaque
// immutable scalars or vectors; the store never mutates a stored value in
// place.
type Property struct {
	Key         string    `json:"key"`
	Value       any       `json:"value"`
	Version     uint64    `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
	OwnerID     string    `json:"ownerId,omitempty"`
}

// EntitySnapshot is a point-in-time copy of an entity's property state.
// Snapshots handed out by the store are deep copies and are never mutated
// after creation.
type EntitySnapshot struct {
	EntityID   string                 `json:"entityId"`
	Tick       uint64                 `json:"tick"`
	Timestamp  time.Time              `json:"timestamp"`
	Properties *orderedmap.OrderedMap `json:"properties"`
}

// Telemetry captures the metrics hooks the store reports into.
type Telemetry interface {
	RecordRejectedWrite()
	RecordHistoryWindow(size int, oldest, newest uint64)
}

// Config collects the store's construction inputs.
type Config struct {
	Resolver        *authority.Resolver
	HistoryCapacity int
	HistoryMaxAge   time.Duration
	Clock           func() time.Time
	Telemetry       Telemetry
}

// Store owns the canonical mutable property state for every registered
// entity, the global tick counter, and a bounded history of past snapshots
// per entity. Writes are delegated to the authority resolver; rejected
// writes are routine boolean outcomes, never errors.
type Store struct {
	mu       sync.RWMutex
	entities map[string]*entityState

	resolver        *authority.Resolver
	clock           func() time.Time
	tick            atomic.Uint64
	historyCapacity int
	historyMaxAge   time.Duration
	telemetry       Telemetry
}

// entityState is the single mutable aggregate for one entity. All reads and
// writes of the property mapping and history go through its lock so
// contention stays entity-local.
type entityState struct {
	mu         sync.RWMutex
	id         string
	ownerID    string
	tick       uint64
	properties *orderedmap.OrderedMap
	history    history
}

// NewStore constructs a store with the provided configuration, falling back
// to defaults for any zero field.
func NewStore(cfg Config) *Store {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = authority.NewResolver(authority.ModeShared, "")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	capacity := cfg.HistoryCapacity
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	maxAge := cfg.HistoryMaxAge
	if maxAge <= 0 {
		maxAge = defaultHistoryMaxAge
	}
	return &Store{
		entities:        make(map[string]*entityState),
		resolver:        resolver,
		clock:           clock,
		historyCapacity: capacity,
		historyMaxAge:   maxAge,
		telemetry:       cfg.Telemetry,
	}
}

// Resolver exposes the authority resolver backing this store.
func (s *Store) Resolver() *authority.Resolver {
	return s.resolver
}

// CurrentTick reports the global tick counter. Only TakeSnapshot advances it.
func (s *Store) CurrentTick() uint64 {
	return s.tick.Load()
}

// RegisterEntity creates a live snapshot for the entity with every initial
// property at version 0 and the registering peer recorded as owner.
// Registering an id that already exists overwrites the previous state and
// history outright; it is not a merge.
func (s *Store) RegisterEntity(id string, initial map[string]any, ownerID string) {
	if id == "" {
		return
	}
	now := s.clock()
	properties := orderedmap.New()
	for _, key := range sortedKeys(initial) {
		properties.Set(key, Property{
			Key:         key,
			Value:       initial[key],
			Version:     0,
			LastUpdated: now,
			OwnerID:     ownerID,
		})
	}
	entity := &entityState{
		id:         id,
		ownerID:    ownerID,
		tick:       s.tick.Load(),
		properties: properties,
		history:    newHistory(s.historyCapacity, s.historyMaxAge),
	}

	s.mu.Lock()
	s.entities[id] = entity
	s.mu.Unlock()
}

// UnregisterEntity removes the live snapshot and its entire history. Any
// in-flight read against the entity completes against the pre-removal state;
// after this call returns no new lookup of the id succeeds.
func (s *Store) UnregisterEntity(id string) bool {
	s.mu.Lock()
	_, ok := s.entities[id]
	if ok {
		delete(s.entities, id)
	}
	s.mu.Unlock()
	return ok
}

// SetProperty applies a local authorized write. The accept/reject decision
// is delegated to the authority resolver; on accept the version increments
// and the writer is recorded as owner only when the property did not
// previously exist. A rejected write returns false and leaves value and
// version untouched.
func (s *Store) SetProperty(id, key string, value any, writerID string) bool {
	entity, ok := s.lookup(id)
	if !ok || key == "" {
		return false
	}

	entity.mu.Lock()
	defer entity.mu.Unlock()

	existing, exists := entity.propertyLocked(key)
	ownerID := ""
	if exists {
		ownerID = existing.OwnerID
	}
	if !s.resolver.Allow(ownerID, writerID) {
		s.recordRejectedWrite()
		return false
	}

	next := Property{
		Key:         key,
		Value:       value,
		Version:     existing.Version + 1,
		LastUpdated: s.clock(),
		OwnerID:     existing.OwnerID,
	}
	if !exists {
		next.OwnerID = writerID
	}
	entity.properties.Set(key, next)
	return true
}

// ApplyRemote applies an inbound property message carrying its own version.
// The write passes through the authority resolver, then the version gate:
// versions at or below the local one are discarded, except under shared
// authority where an equal version resolves last-write-wins by arrival
// order.
func (s *Store) ApplyRemote(id, key string, value any, version uint64, writerID string) bool {
	entity, ok := s.lookup(id)
	if !ok || key == "" {
		return false
	}

	entity.mu.Lock()
	defer entity.mu.Unlock()

	existing, exists := entity.propertyLocked(key)
	ownerID := ""
	if exists {
		ownerID = existing.OwnerID
	}
	if !s.resolver.Allow(ownerID, writerID) {
		s.recordRejectedWrite()
		return false
	}

	if exists {
		if version < existing.Version {
			return false
		}
		if version == existing.Version && s.resolver.Mode() != authority.ModeShared {
			return false
		}
	}

	next := Property{
		Key:         key,
		Value:       value,
		Version:     version,
		LastUpdated: s.clock(),
		OwnerID:     existing.OwnerID,
	}
	if !exists {
		next.OwnerID = writerID
	}
	entity.properties.Set(key, next)
	return true
}

// MergeChange applies one change from an already-authorized delta. The
// accept rule is a strict monotonic merge: absent properties are created,
// existing ones only advance when the incoming version is strictly greater.
// known reports whether the entity is registered at all; callers should
// treat a false there as a signal to register and resync, not as fatal.
func (s *Store) MergeChange(id, key string, value any, version uint64) (accepted, known bool) {
	entity, ok := s.lookup(id)
	if !ok {
		return false, false
	}
	if key == "" {
		return false, true
	}

	entity.mu.Lock()
	defer entity.mu.Unlock()

	existing, exists := entity.propertyLocked(key)
	if exists && version <= existing.Version {
		return false, true
	}
	entity.properties.Set(key, Property{
		Key:         key,
		Value:       value,
		Version:     version,
		LastUpdated: s.clock(),
		OwnerID:     existing.OwnerID,
	})
	return true, true
}

// GetProperty returns the current value for the key, or false when the
// entity or key is unknown. Pure read, no side effects.
func (s *Store) GetProperty(id, key string) (any, bool) {
	entity, ok := s.lookup(id)
	if !ok {
		return nil, false
	}
	entity.mu.RLock()
	defer entity.mu.RUnlock()
	prop, exists := entity.propertyLocked(key)
	if !exists {
		return nil, false
	}
	return prop.Value, true
}

// PropertyVersion reports the stored version for the key. Diagnostics and
// test helper.
func (s *Store) PropertyVersion(id, key string) (uint64, bool) {
	entity, ok := s.lookup(id)
	if !ok {
		return 0, false
	}
	entity.mu.RLock()
	defer entity.mu.RUnlock()
	prop, exists := entity.propertyLocked(key)
	if !exists {
		return 0, false
	}
	return prop.Version, true
}

// ReleaseOwnership clears the owner of a property so the next writer can
// claim it under owner authority. Only the current owner may release.
func (s *Store) ReleaseOwnership(id, key, writerID string) bool {
	entity, ok := s.lookup(id)
	if !ok {
		return false
	}
	entity.mu.Lock()
	defer entity.mu.Unlock()
	prop, exists := entity.propertyLocked(key)
	if !exists || prop.OwnerID == "" || prop.OwnerID != writerID {
		return false
	}
	prop.OwnerID = ""
	entity.properties.Set(key, prop)
	return true
}

// TakeSnapshot advances the global tick counter, deep-copies the entity's
// current property mapping into a new snapshot, and appends it to the
// bounded history. It is the only mutator of tick state and must run exactly
// once per outbound sync cycle per entity. The copy is taken under the
// entity lock so concurrent writes never produce a torn snapshot.
func (s *Store) TakeSnapshot(id string) (EntitySnapshot, bool) {
	entity, ok := s.lookup(id)
	if !ok {
		return EntitySnapshot{}, false
	}

	tick := s.tick.Add(1)
	now := s.clock()

	entity.mu.Lock()
	entity.tick = tick
	frame := cloneSnapshotLocked(entity, tick, now)
	result := entity.history.record(frame)
	entity.mu.Unlock()

	if s.telemetry != nil {
		s.telemetry.RecordHistoryWindow(result.Size, result.OldestTick, result.NewestTick)
	}
	return frame, true
}

// Current returns a deep copy of the entity's live state stamped with the
// tick of its most recent snapshot, without recording anything.
func (s *Store) Current(id string) (EntitySnapshot, bool) {
	entity, ok := s.lookup(id)
	if !ok {
		return EntitySnapshot{}, false
	}
	entity.mu.RLock()
	defer entity.mu.RUnlock()
	return cloneSnapshotLocked(entity, entity.tick, s.clock()), true
}

// SnapshotAt locates the historical snapshot recorded at exactly the given
// tick. A false return means the base was evicted or never existed and the
// caller should fall back to a full resync.
func (s *Store) SnapshotAt(id string, tick uint64) (EntitySnapshot, bool) {
	entity, ok := s.lookup(id)
	if !ok {
		return EntitySnapshot{}, false
	}
	entity.mu.RLock()
	defer entity.mu.RUnlock()
	return entity.history.at(tick)
}

// History exposes the entity's retained snapshots in chronological order.
// Callers receive copies; diagnostics and tests only.
func (s *Store) History(id string) []EntitySnapshot {
	entity, ok := s.lookup(id)
	if !ok {
		return nil
	}
	entity.mu.RLock()
	defer entity.mu.RUnlock()
	return entity.history.frames()
}

// HistoryWindow reports the entity's current retention window.
func (s *Store) HistoryWindow(id string) (size int, oldest, newest uint64) {
	entity, ok := s.lookup(id)
	if !ok {
		return 0, 0, 0
	}
	entity.mu.RLock()
	defer entity.mu.RUnlock()
	return entity.history.window()
}

// EntityIDs lists the registered entity ids in sorted order so broadcast
// iteration stays deterministic.
func (s *Store) EntityIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// EntityOwner reports the peer that registered the entity.
func (s *Store) EntityOwner(id string) (string, bool) {
	entity, ok := s.lookup(id)
	if !ok {
		return "", false
	}
	return entity.ownerID, true
}

// OwnedBy lists the entities registered by the given peer, sorted. Used to
// translate a peer disconnect into unregister calls.
func (s *Store) OwnedBy(ownerID string) []string {
	s.mu.RLock()
	ids := make([]string, 0)
	for id, entity := range s.entities {
		if entity.ownerID == ownerID {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *Store) lookup(id string) (*entityState, bool) {
	s.mu.RLock()
	entity, ok := s.entities[id]
	s.mu.RUnlock()
	return entity, ok
}

func (s *Store) recordRejectedWrite() {
	if s.telemetry != nil {
		s.telemetry.RecordRejectedWrite()
	}
}

func (e *entityState) propertyLocked(key string) (Property, bool) {
	raw, ok := e.properties.Get(key)
	if !ok {
		return Property{}, false
	}
	prop, ok := raw.(Property)
	return prop, ok
}

func cloneSnapshotLocked(e *entityState, tick uint64, now time.Time) EntitySnapshot {
	properties := orderedmap.New()
	for _, key := range e.properties.Keys() {
		if raw, ok := e.properties.Get(key); ok {
			properties.Set(key, raw)
		}
	}
	return EntitySnapshot{
		EntityID:   e.id,
		Tick:       tick,
		Timestamp:  now,
		Properties: properties,
	}
}

// SnapshotProperty reads a property out of a snapshot's ordered mapping.
func SnapshotProperty(snapshot EntitySnapshot, key string) (Property, bool) {
	if snapshot.Properties == nil {
		return Property{}, false
	}
	raw, ok := snapshot.Properties.Get(key)
	if !ok {
		return Property{}, false
	}
	prop, ok := raw.(Property)
	return prop, ok
}

func sortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
