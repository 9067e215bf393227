package replication

import (
	"testing"
	"time"

	"holosync/server/internal/authority"
)

func newTestStore(mode authority.Mode) *Store {
	return NewStore(Config{
		Resolver:        authority.NewResolver(mode, "host"),
		HistoryCapacity: 4,
		HistoryMaxAge:   time.Minute,
	})
}

func TestRegisterEntitySeedsVersionZero(t *testing.T) {
	store := newTestStore(authority.ModeShared)
	store.RegisterEntity("orb-1", map[string]any{"health": 100.0, "color": "blue"}, "peer-1")

	value, ok := store.GetProperty("orb-1", "health")
	if !ok || value != 100.0 {
		t.Fatalf("expected seeded health, got %v ok=%v", value, ok)
	}
	version, ok := store.PropertyVersion("orb-1", "color")
	if !ok || version != 0 {
		t.Fatalf("expected initial version 0, got %d ok=%v", version, ok)
	}
}

func TestRegisterEntityOverwrites(t *testing.T) {
	store := newTestStore(authority.ModeShared)
	store.RegisterEntity("orb-1", map[string]any{"health": 100.0}, "peer-1")
	store.SetProperty("orb-1", "health", 50.0, "peer-1")
	store.TakeSnapshot("orb-1")

	store.RegisterEntity("orb-1", map[string]any{"mana": 10.0}, "peer-2")

	if _, ok := store.GetProperty("orb-1", "health"); ok {
		t.Fatalf("re-registration must replace properties, not merge them")
	}
	if history := store.History("orb-1"); len(history) != 0 {
		t.Fatalf("re-registration must drop prior history, kept %d frames", len(history))
	}
	owner, _ := store.EntityOwner("orb-1")
	if owner != "peer-2" {
		t.Fatalf("expected new registrant as owner, got %q", owner)
	}
}

func TestSetPropertyIncrementsVersion(t *testing.T) {
	store := newTestStore(authority.ModeShared)
	store.RegisterEntity("orb-1", map[string]any{"health": 100.0}, "peer-1")

	if !store.SetProperty("orb-1", "health", 90.0, "peer-1") {
		t.Fatalf("expected shared-mode write to be accepted")
	}
	if version, _ := store.PropertyVersion("orb-1", "health"); version != 1 {
		t.Fatalf("expected version 1 after first write, got %d", version)
	}
	store.SetProperty("orb-1", "health", 80.0, "peer-2")
	if version, _ := store.PropertyVersion("orb-1", "health"); version != 2 {
		t.Fatalf("expected version 2 after second write, got %d", version)
	}
}

func TestSetPropertyClaimsOwnershipOnce(t *testing.T) {
	store := newTestStore(authority.ModeOwner)
	store.RegisterEntity("orb-1", nil, "host")

	if !store.SetProperty("orb-1", "spin", 1.0, "peer-1") {
		t.Fatalf("first writer should claim the property")
	}
	if store.SetProperty("orb-1", "spin", 2.0, "peer-2") {
		t.Fatalf("non-owner write must be rejected under owner mode")
	}
	value, _ := store.GetProperty("orb-1", "spin")
	if value != 1.0 {
		t.Fatalf("rejected write must not change the value, got %v", value)
	}
	version, _ := store.PropertyVersion("orb-1", "spin")
	if version != 1 {
		t.Fatalf("rejected write must not change the version, got %d", version)
	}
	if !store.SetProperty("orb-1", "spin", 3.0, "peer-1") {
		t.Fatalf("owner should keep write access")
	}
}

func TestServerModeOnlyAcceptsServerIdentity(t *testing.T) {
	store := newTestStore(authority.ModeServer)
	store.RegisterEntity("orb-1", nil, "host")

	if store.SetProperty("orb-1", "health", 5.0, "peer-1") {
		t.Fatalf("server mode must reject peer writes")
	}
	if !store.SetProperty("orb-1", "health", 5.0, "host") {
		t.Fatalf("server mode must accept the server identity")
	}
}

func TestApplyRemoteVersionGate(t *testing.T) {
	store := newTestStore(authority.ModeShared)
	store.RegisterEntity("orb-1", nil, "host")

	if !store.ApplyRemote("orb-1", "health", 90.0, 3, "peer-1") {
		t.Fatalf("expected create of absent property")
	}
	if store.ApplyRemote("orb-1", "health", 10.0, 2, "peer-2") {
		t.Fatalf("stale version must be discarded")
	}
	if value, _ := store.GetProperty("orb-1", "health"); value != 90.0 {
		t.Fatalf("stale write leaked through: %v", value)
	}

	// Equal versions under shared authority resolve last-write-wins.
	if !store.ApplyRemote("orb-1", "health", 42.0, 3, "peer-2") {
		t.Fatalf("shared mode should accept the equal-version write")
	}
	if value, _ := store.GetProperty("orb-1", "health"); value != 42.0 {
		t.Fatalf("expected last write to win, got %v", value)
	}

	store.Resolver().SetMode(authority.ModeOwner)
	if store.ApplyRemote("orb-1", "health", 7.0, 3, "peer-1") {
		t.Fatalf("equal versions outside shared mode must be discarded")
	}
}

func TestMergeChangeStrictlyMonotonic(t *testing.T) {
	store := newTestStore(authority.ModeShared)
	store.RegisterEntity("orb-1", nil, "host")

	accepted, known := store.MergeChange("orb-1", "health", 50.0, 4)
	if !accepted || !known {
		t.Fatalf("expected create accept, got accepted=%v known=%v", accepted, known)
	}
	accepted, known = store.MergeChange("orb-1", "health", 60.0, 4)
	if accepted || !known {
		t.Fatalf("equal version must not merge, got accepted=%v known=%v", accepted, known)
	}
	accepted, known = store.MergeChange("orb-1", "health", 60.0, 5)
	if !accepted || !known {
		t.Fatalf("greater version must merge, got accepted=%v known=%v", accepted, known)
	}
	if _, known = store.MergeChange("ghost", "health", 1.0, 1); known {
		t.Fatalf("unknown entity must report known=false")
	}
}

func TestTakeSnapshotAdvancesTickAndIsolatesCopy(t *testing.T) {
	store := newTestStore(authority.ModeShared)
	store.RegisterEntity("orb-1", map[string]any{"health": 100.0}, "peer-1")

	frame, ok := store.TakeSnapshot("orb-1")
	if !ok {
		t.Fatalf("expected snapshot of registered entity")
	}
	if frame.Tick != 1 || store.CurrentTick() != 1 {
		t.Fatalf("expected tick to advance to 1, frame=%d global=%d", frame.Tick, store.CurrentTick())
	}

	store.SetProperty("orb-1", "health", 10.0, "peer-1")

	prop, ok := SnapshotProperty(frame, "health")
	if !ok || prop.Value != 100.0 {
		t.Fatalf("snapshot must be immune to later writes, got %+v ok=%v", prop, ok)
	}

	second, _ := store.TakeSnapshot("orb-1")
	if second.Tick != 2 {
		t.Fatalf("expected second snapshot at tick 2, got %d", second.Tick)
	}
	if got := len(store.History("orb-1")); got != 2 {
		t.Fatalf("expected two retained frames, got %d", got)
	}
}

func TestSnapshotPropertyOrderIsStable(t *testing.T) {
	store := newTestStore(authority.ModeShared)
	store.RegisterEntity("orb-1", nil, "peer-1")
	store.SetProperty("orb-1", "zeta", 1.0, "peer-1")
	store.SetProperty("orb-1", "alpha", 2.0, "peer-1")
	store.SetProperty("orb-1", "mid", 3.0, "peer-1")

	frame, _ := store.TakeSnapshot("orb-1")
	keys := frame.Properties.Keys()
	want := []string{"zeta", "alpha", "mid"}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(keys))
	}
	for i, key := range want {
		if keys[i] != key {
			t.Fatalf("expected insertion order %v, got %v", want, keys)
		}
	}
}

func TestUnregisterEntityRemovesEverything(t *testing.T) {
	store := newTestStore(authority.ModeShared)
	store.RegisterEntity("orb-1", map[string]any{"health": 100.0}, "peer-1")
	store.TakeSnapshot("orb-1")

	if !store.UnregisterEntity("orb-1") {
		t.Fatalf("expected unregister of known entity to succeed")
	}
	if _, ok := store.GetProperty("orb-1", "health"); ok {
		t.Fatalf("reads after unregister must fail")
	}
	if _, ok := store.TakeSnapshot("orb-1"); ok {
		t.Fatalf("snapshots after unregister must fail")
	}
	if store.UnregisterEntity("orb-1") {
		t.Fatalf("second unregister should report unknown entity")
	}
}

func TestReleaseOwnership(t *testing.T) {
	store := newTestStore(authority.ModeOwner)
	store.RegisterEntity("orb-1", nil, "host")
	store.SetProperty("orb-1", "spin", 1.0, "peer-1")

	if store.ReleaseOwnership("orb-1", "spin", "peer-2") {
		t.Fatalf("only the owner may release a property")
	}
	if !store.ReleaseOwnership("orb-1", "spin", "peer-1") {
		t.Fatalf("owner release should succeed")
	}
	if !store.SetProperty("orb-1", "spin", 2.0, "peer-2") {
		t.Fatalf("released property should accept its next writer")
	}
}

func TestOwnedByListsRegistrations(t *testing.T) {
	store := newTestStore(authority.ModeShared)
	store.RegisterEntity("orb-2", nil, "peer-1")
	store.RegisterEntity("orb-1", nil, "peer-1")
	store.RegisterEntity("orb-3", nil, "peer-2")

	owned := store.OwnedBy("peer-1")
	if len(owned) != 2 || owned[0] != "orb-1" || owned[1] != "orb-2" {
		t.Fatalf("unexpected owned set: %v", owned)
	}
}
