package delta

import (
	"holosync/server/internal/replication"
)

// Change is one property mutation carried by a delta.
type Change struct {
	Key     string `json:"key"`
	Value   any    `json:"value"`
	Version uint64 `json:"version"`
}

// StateDelta is the minimal set of property changes between a historical
// tick and the entity's current tick. It is ephemeral: constructed,
// transmitted, applied, discarded. Resync marks deltas whose base snapshot
// was unavailable, meaning Changes carries every current property.
type StateDelta struct {
	EntityID string   `json:"entityId"`
	FromTick uint64   `json:"fromTick"`
	ToTick   uint64   `json:"toTick"`
	Changes  []Change `json:"changes"`
	Resync   bool     `json:"resync,omitempty"`
}

// Codec computes outbound deltas against the store's snapshot history and
// applies inbound deltas with a version-gated monotonic merge.
type Codec struct {
	store *replication.Store
}

// NewCodec binds a codec to the store it reconciles against.
func NewCodec(store *replication.Store) *Codec {
	return &Codec{store: store}
}

// ComputeDelta diffs the entity's current state against the historical
// snapshot recorded at fromTick. A base that was evicted or never recorded
// silently degrades to a full resync: every current property is included.
// Change order follows the property mapping's insertion order. The second
// return is false when the entity is not registered.
func (c *Codec) ComputeDelta(entityID string, fromTick uint64) (StateDelta, bool) {
	current, ok := c.store.Current(entityID)
	if !ok {
		return StateDelta{}, false
	}

	delta := StateDelta{
		EntityID: entityID,
		FromTick: fromTick,
		ToTick:   current.Tick,
		Changes:  make([]Change, 0),
	}

	base, haveBase := c.store.SnapshotAt(entityID, fromTick)
	if !haveBase {
		delta.FromTick = 0
		delta.Resync = true
	}

	for _, key := range current.Properties.Keys() {
		prop, ok := replication.SnapshotProperty(current, key)
		if !ok {
			continue
		}
		if haveBase {
			if previous, exists := replication.SnapshotProperty(base, key); exists && previous.Version == prop.Version {
				continue
			}
		}
		delta.Changes = append(delta.Changes, Change{
			Key:     prop.Key,
			Value:   prop.Value,
			Version: prop.Version,
		})
	}
	return delta, true
}

// ApplyDelta merges an inbound delta into the local store. Deltas are
// assumed to originate from an already-authorized source, so each change
// passes only the monotonic version gate: absent properties are created,
// existing ones advance only on a strictly greater version. Returns false
// when the target entity is unknown locally; the caller should register the
// entity and request a resync rather than treat that as fatal.
func (c *Codec) ApplyDelta(delta StateDelta) bool {
	known := true
	for _, change := range delta.Changes {
		if _, entityKnown := c.store.MergeChange(delta.EntityID, change.Key, change.Value, change.Version); !entityKnown {
			known = false
			break
		}
	}
	if len(delta.Changes) == 0 {
		// An empty delta still reports whether the entity exists locally.
		_, known = c.store.Current(delta.EntityID)
	}
	return known
}
