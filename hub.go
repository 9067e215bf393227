package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"holosync/server/internal/authority"
	"holosync/server/internal/delta"
	"holosync/server/internal/interp"
	"holosync/server/internal/net/proto"
	"holosync/server/internal/replication"
	"holosync/server/internal/telemetry"
	"holosync/server/logging"
	lifecyclelog "holosync/server/logging/lifecycle"
	networklog "holosync/server/logging/network"
	replicationlog "holosync/server/logging/replication"
)

// Command reject reasons reported to peers.
const (
	CommandRejectUnknownEntity = "unknownEntity"
	CommandRejectUnauthorized  = "unauthorized"
	CommandRejectNotOwner      = "notOwner"
	CommandRejectStaleVersion  = "staleVersion"
	CommandRejectUnknownPeer   = "unknownPeer"
	CommandRejectInvalid       = "invalidCommand"
)

// Hub owns the replication store, connected peers, and the broadcast loop.
type Hub struct {
	mu          sync.Mutex
	cfg         HubConfig
	store       *replication.Store
	codec       *delta.Codec
	poses       *interp.Interpolator
	counters    *telemetry.Counters
	publisher   logging.Publisher
	peers       map[string]*peerState
	subscribers map[string]*subscriber
	ledger      *broadcastLedger
	resync      *resyncPolicy
	removed     []string
	sequence    atomic.Uint64
}

type peerState struct {
	ID            string
	lastHeartbeat time.Time
	lastRTT       time.Duration
	lastAck       uint64
	ackedTicks    map[string]uint64
}

type subscriber struct {
	conn wsConn
	mu   sync.Mutex
}

// WriteMessage serialises writes to the underlying connection so the
// broadcast loop and the session reader never interleave frames.
func (s *subscriber) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

// wsConn is the subset of *websocket.Conn the hub writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// NewHub creates a hub with default settings and no structured logging.
func NewHub() *Hub {
	return NewHubWithConfig(DefaultHubConfig(), logging.NopPublisher())
}

// NewHubWithConfig creates a hub from explicit settings.
func NewHubWithConfig(cfg HubConfig, publisher logging.Publisher) *Hub {
	cfg = cfg.normalized()
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	counters := telemetry.NewCounters()
	store := replication.NewStore(replication.Config{
		Resolver:        authority.NewResolver(cfg.AuthorityMode, serverWriterID),
		HistoryCapacity: cfg.HistoryCapacity,
		HistoryMaxAge:   cfg.HistoryMaxAge,
		Telemetry:       counters,
	})
	return &Hub{
		cfg:         cfg,
		store:       store,
		codec:       delta.NewCodec(store),
		poses:       interp.New(cfg.interpConfig()),
		counters:    counters,
		publisher:   publisher,
		peers:       make(map[string]*peerState),
		subscribers: make(map[string]*subscriber),
		ledger:      newBroadcastLedger(cfg.HistoryCapacity, cfg.HistoryMaxAge),
		resync:      newResyncPolicy(),
	}
}

// Store exposes the replication store for handlers and tools.
func (h *Hub) Store() *replication.Store {
	return h.store
}

// Counters exposes the telemetry counters for the diagnostics endpoint.
func (h *Hub) Counters() *telemetry.Counters {
	return h.counters
}

// Config returns the settings the hub was built with.
func (h *Hub) Config() HubConfig {
	return h.cfg
}

// Poses exposes the pose interpolator for handlers and tools.
func (h *Hub) Poses() *interp.Interpolator {
	return h.poses
}

// Join admits a new peer and returns the join payload carrying the full
// replicated state.
func (h *Hub) Join(remoteAddr string) proto.JoinResponseV1 {
	peerID := fmt.Sprintf("peer-%s", uuid.NewString())
	now := time.Now()

	h.mu.Lock()
	h.peers[peerID] = &peerState{ID: peerID, lastHeartbeat: now}
	h.mu.Unlock()

	tick := h.store.CurrentTick()
	entities := h.keyframeEntities(nil)

	lifecyclelog.PeerJoined(context.Background(), h.publisher, tick,
		logging.EntityRef{ID: peerID, Kind: logging.EntityKindPeer},
		lifecyclelog.PeerJoinedPayload{RemoteAddr: remoteAddr}, nil)

	return proto.JoinResponseV1{
		ID:       peerID,
		Tick:     tick,
		Entities: entities,
		Config: proto.SessionConfigV1{
			AuthorityMode:      h.store.Resolver().Mode(),
			TickRate:           h.cfg.TickRate,
			PoseBufferDelayMs:  h.cfg.PoseBufferDelay.Milliseconds(),
			MaxExtrapolationMs: h.cfg.MaxExtrapolation.Milliseconds(),
			HeartbeatMillis:    heartbeatInterval.Milliseconds(),
		},
	}
}

// Subscribe associates a websocket connection with an admitted peer.
func (h *Hub) Subscribe(peerID string, conn wsConn) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.peers[peerID]
	if !ok {
		return nil, false
	}
	state.lastHeartbeat = time.Now()

	if existing, ok := h.subscribers[peerID]; ok {
		existing.conn.Close()
	}

	sub := &subscriber{conn: conn}
	h.subscribers[peerID] = sub
	return sub, true
}

// Disconnect removes a peer, closes its connection, and unregisters every
// entity it owned.
func (h *Hub) Disconnect(peerID string, reason string) bool {
	h.mu.Lock()
	sub, subOK := h.subscribers[peerID]
	if subOK {
		delete(h.subscribers, peerID)
	}
	_, peerOK := h.peers[peerID]
	if peerOK {
		delete(h.peers, peerID)
	}
	h.mu.Unlock()

	if subOK {
		sub.conn.Close()
	}
	if !peerOK {
		return false
	}

	owned := h.store.OwnedBy(peerID)
	for _, entityID := range owned {
		if h.store.UnregisterEntity(entityID) {
			h.poses.Clear(entityID)
			h.noteRemoved(entityID)
		}
	}

	lifecyclelog.PeerDisconnected(context.Background(), h.publisher, h.store.CurrentTick(),
		logging.EntityRef{ID: peerID, Kind: logging.EntityKindPeer},
		lifecyclelog.PeerDisconnectedPayload{Reason: reason}, nil)
	return true
}

func (h *Hub) noteRemoved(entityID string) {
	h.mu.Lock()
	h.removed = append(h.removed, entityID)
	h.mu.Unlock()
}

// KnownPeer reports whether the peer has joined and not yet disconnected.
func (h *Hub) KnownPeer(peerID string) bool {
	h.mu.Lock()
	_, ok := h.peers[peerID]
	h.mu.Unlock()
	return ok
}

// RegisterEntity admits an entity into replication on behalf of a peer.
func (h *Hub) RegisterEntity(peerID, entityID string, initial map[string]any) bool {
	if !h.KnownPeer(peerID) {
		return false
	}
	h.store.RegisterEntity(entityID, initial, peerID)

	lifecyclelog.EntityRegistered(context.Background(), h.publisher, h.store.CurrentTick(),
		logging.EntityRef{ID: entityID, Kind: logging.EntityKindEntity},
		lifecyclelog.EntityRegisteredPayload{Owner: peerID, Properties: len(initial)}, nil)
	return true
}

// UnregisterEntity removes an entity on behalf of a peer. Only the owning
// peer may remove an owned entity.
func (h *Hub) UnregisterEntity(peerID, entityID string) (bool, string) {
	owner, ok := h.store.EntityOwner(entityID)
	if !ok {
		return false, CommandRejectUnknownEntity
	}
	if owner != "" && owner != peerID {
		return false, CommandRejectNotOwner
	}
	if !h.store.UnregisterEntity(entityID) {
		return false, CommandRejectUnknownEntity
	}
	h.poses.Clear(entityID)
	h.noteRemoved(entityID)

	lifecyclelog.EntityUnregistered(context.Background(), h.publisher, h.store.CurrentTick(),
		logging.EntityRef{ID: entityID, Kind: logging.EntityKindEntity}, nil)
	return true, ""
}

// SetEntityProperty applies a local write from a peer and returns the new
// property version.
func (h *Hub) SetEntityProperty(peerID, entityID, key string, value any) (uint64, bool, string) {
	if _, ok := h.store.EntityOwner(entityID); !ok {
		return 0, false, CommandRejectUnknownEntity
	}
	if !h.store.SetProperty(entityID, key, value, peerID) {
		version, _ := h.store.PropertyVersion(entityID, key)
		replicationlog.WriteRejected(context.Background(), h.publisher, h.store.CurrentTick(),
			logging.EntityRef{ID: entityID, Kind: logging.EntityKindEntity},
			replicationlog.WriteRejectedPayload{Key: key, Reason: CommandRejectUnauthorized, LocalVersion: version},
			map[string]any{"writer": peerID})
		return 0, false, CommandRejectUnauthorized
	}
	version, _ := h.store.PropertyVersion(entityID, key)
	return version, true, ""
}

// ApplyRemoteProperty applies a version-carrying write from a peer.
func (h *Hub) ApplyRemoteProperty(peerID, entityID, key string, value any, version uint64) (bool, string) {
	if _, ok := h.store.EntityOwner(entityID); !ok {
		return false, CommandRejectUnknownEntity
	}
	if !h.store.ApplyRemote(entityID, key, value, version, peerID) {
		local, _ := h.store.PropertyVersion(entityID, key)
		reason := CommandRejectUnauthorized
		if version <= local {
			reason = CommandRejectStaleVersion
		}
		replicationlog.WriteRejected(context.Background(), h.publisher, h.store.CurrentTick(),
			logging.EntityRef{ID: entityID, Kind: logging.EntityKindEntity},
			replicationlog.WriteRejectedPayload{Key: key, Reason: reason, CarriedVersion: version, LocalVersion: local},
			map[string]any{"writer": peerID})
		return false, reason
	}
	return true, ""
}

// ReleaseEntityProperty clears per-property ownership so another peer may
// claim the key with its next write.
func (h *Hub) ReleaseEntityProperty(peerID, entityID, key string) (bool, string) {
	if _, ok := h.store.EntityOwner(entityID); !ok {
		return false, CommandRejectUnknownEntity
	}
	if !h.store.ReleaseOwnership(entityID, key, peerID) {
		return false, CommandRejectNotOwner
	}
	replicationlog.OwnershipTransferred(context.Background(), h.publisher, h.store.CurrentTick(),
		logging.EntityRef{ID: entityID, Kind: logging.EntityKindEntity},
		replicationlog.OwnershipPayload{Previous: peerID}, map[string]any{"key": key})
	return true, ""
}

// UpdateHeartbeat records the most recent heartbeat time and RTT for a peer.
func (h *Hub) UpdateHeartbeat(peerID string, receivedAt time.Time, clientSent int64) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.peers[peerID]
	if !ok {
		return 0, false
	}
	state.lastHeartbeat = receivedAt

	if clientSent > 0 {
		rtt := receivedAt.Sub(time.UnixMilli(clientSent))
		if rtt < 0 {
			rtt = 0
		}
		// Timestamps from skewed or garbage client clocks would record a
		// multi-year RTT; keep the previous measurement instead.
		if rtt <= maxHeartbeatRTT {
			state.lastRTT = rtt
		}
	}
	return state.lastRTT, true
}

// RecordAck resolves a broadcast acknowledgement into per-entity delta
// baselines for the peer.
func (h *Hub) RecordAck(peerID string, ack uint64) {
	h.mu.Lock()
	state, ok := h.peers[peerID]
	if !ok {
		h.mu.Unlock()
		return
	}
	previous := state.lastAck
	h.mu.Unlock()

	if ack <= previous {
		if ack < previous {
			networklog.AckRegression(context.Background(), h.publisher, h.store.CurrentTick(),
				logging.EntityRef{ID: peerID, Kind: logging.EntityKindPeer},
				networklog.AckPayload{Previous: previous, Ack: ack}, nil)
		}
		return
	}

	h.resync.noteAck()
	record, found := h.ledger.BySequence(ack)

	h.mu.Lock()
	state, ok = h.peers[peerID]
	if ok && ack > state.lastAck {
		state.lastAck = ack
		if found {
			state.ackedTicks = record.EntityTicks
		} else {
			state.ackedTicks = nil
		}
	}
	h.mu.Unlock()

	if !found {
		h.counters.RecordStaleAck()
		h.resync.noteStaleAck("evicted", peerID)
		return
	}
	networklog.AckAdvanced(context.Background(), h.publisher, record.Tick,
		logging.EntityRef{ID: peerID, Kind: logging.EntityKindPeer},
		networklog.AckPayload{Previous: previous, Ack: ack}, nil)
}

// HandlePoseFrame ingests a binary pose sample from a peer.
func (h *Hub) HandlePoseFrame(peerID string, frame proto.PoseFrame) bool {
	owner, ok := h.store.EntityOwner(frame.EntityID)
	if !ok {
		return false
	}
	if !h.store.Resolver().Allow(owner, peerID) {
		h.counters.RecordRejectedWrite()
		return false
	}
	timestamp := frame.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}
	h.poses.PushSnapshot(interp.Snapshot{
		EntityID:        frame.EntityID,
		Timestamp:       timestamp,
		Position:        frame.Position,
		Rotation:        frame.Rotation,
		Velocity:        frame.Velocity,
		AngularVelocity: frame.AngularVelocity,
	})
	h.counters.RecordPoseSample()
	return true
}

// PoseState resolves the smoothed pose of an entity at the given time.
func (h *Hub) PoseState(entityID string, nowMs int64) (interp.Pose, bool) {
	return h.poses.State(entityID, nowMs)
}

// HandleKeyframeRequest serves a full snapshot for an acknowledged broadcast,
// or a nack when the ledger no longer retains it.
func (h *Hub) HandleKeyframeRequest(peerID string, sequence uint64) (proto.KeyframeSnapshotV1, *proto.KeyframeNack, bool) {
	if !h.KnownPeer(peerID) {
		return proto.KeyframeSnapshotV1{}, nil, false
	}
	record, ok := h.ledger.BySequence(sequence)
	if !ok {
		h.counters.RecordStaleAck()
		h.resync.noteStaleAck("keyframeRequest", peerID)
		return proto.KeyframeSnapshotV1{}, &proto.KeyframeNack{Sequence: sequence, Reason: "expired"}, true
	}
	return proto.KeyframeSnapshotV1{
		Sequence: record.Sequence,
		Tick:     record.Tick,
		Entities: h.keyframeEntities(record.EntityTicks),
	}, nil, true
}

// KeyframeSnapshot renders the full current state for session bootstrap.
func (h *Hub) KeyframeSnapshot() proto.KeyframeSnapshotV1 {
	return proto.KeyframeSnapshotV1{
		Sequence: h.sequence.Load(),
		Tick:     h.store.CurrentTick(),
		Entities: h.keyframeEntities(nil),
	}
}

// keyframeEntities renders every replicated entity at the requested ticks,
// falling back to current state when a historical snapshot was evicted.
func (h *Hub) keyframeEntities(ticks map[string]uint64) []proto.EntityKeyframeV1 {
	ids := h.store.EntityIDs()
	entities := make([]proto.EntityKeyframeV1, 0, len(ids))
	for _, id := range ids {
		var snapshot replication.EntitySnapshot
		var ok bool
		if tick, found := ticks[id]; found {
			snapshot, ok = h.store.SnapshotAt(id, tick)
		}
		if !ok {
			snapshot, ok = h.store.Current(id)
		}
		if !ok {
			continue
		}
		owner, _ := h.store.EntityOwner(id)
		entities = append(entities, proto.EntityKeyframeFromSnapshot(snapshot, owner))
	}
	return entities
}

// RunSimulation drives the fixed-rate broadcast loop until the stop channel
// closes.
func (h *Hub) RunSimulation(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second / time.Duration(h.cfg.TickRate))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			started := time.Now()
			stale := h.pruneStalePeers(now)
			for _, peerID := range stale {
				h.Disconnect(peerID, "heartbeatTimeout")
			}
			h.BroadcastState()
			h.counters.RecordTickDuration(time.Since(started))
		}
	}
}

func (h *Hub) pruneStalePeers(now time.Time) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var stale []string
	for id, state := range h.peers {
		silence := now.Sub(state.lastHeartbeat)
		if silence > disconnectAfter {
			stale = append(stale, id)
			networklog.PeerStale(context.Background(), h.publisher, h.store.CurrentTick(),
				logging.EntityRef{ID: id, Kind: logging.EntityKindPeer},
				networklog.StalePayload{SilenceMillis: silence.Milliseconds()}, nil)
		}
	}
	return stale
}

// BroadcastState snapshots every entity and sends each subscriber a payload
// tailored to its last acknowledged baseline.
func (h *Hub) BroadcastState() {
	sequence := h.sequence.Add(1)

	ids := h.store.EntityIDs()
	entityTicks := make(map[string]uint64, len(ids))
	for _, id := range ids {
		if snapshot, ok := h.store.TakeSnapshot(id); ok {
			entityTicks[id] = snapshot.Tick
		}
	}
	tick := h.store.CurrentTick()
	h.ledger.Record(broadcastRecord{Sequence: sequence, Tick: tick, EntityTicks: entityTicks})

	forced := false
	if signal, ok := h.resync.consume(); ok {
		forced = true
		h.counters.RecordResync()
		replicationlog.ResyncTriggered(context.Background(), h.publisher, tick,
			logging.EntityRef{ID: serverWriterID, Kind: logging.EntityKindWorld},
			replicationlog.ResyncPayload{Reason: "staleAcks"},
			map[string]any{"staleAcks": signal.StaleAcks, "totalAcks": signal.TotalAcks})
	}

	h.mu.Lock()
	removed := h.removed
	h.removed = nil
	subs := make(map[string]*subscriber, len(h.subscribers))
	baselines := make(map[string]map[string]uint64, len(h.subscribers))
	for id, sub := range h.subscribers {
		subs[id] = sub
		if state, ok := h.peers[id]; ok {
			baselines[id] = state.ackedTicks
		}
	}
	h.mu.Unlock()

	var poseData []byte
	if batch, ok := h.poseBatch(ids, tick); ok {
		if data, err := proto.EncodePoseBatch(batch); err != nil {
			log.Printf("failed to marshal pose batch: %v", err)
		} else {
			poseData = data
		}
	}

	serverTime := time.Now().UnixMilli()
	for peerID, sub := range subs {
		payload := h.buildStatePayload(ids, baselines[peerID], forced, removed, sequence, tick, serverTime)
		data, err := proto.EncodeStateDelta(payload)
		if err != nil {
			log.Printf("failed to marshal state message for %s: %v", peerID, err)
			continue
		}
		if writeErr := sub.WriteMessage(websocket.TextMessage, data); writeErr != nil {
			log.Printf("failed to send update to %s: %v", peerID, writeErr)
			h.Disconnect(peerID, "writeFailed")
			continue
		}
		h.counters.RecordBroadcast(len(data), len(payload.Entities)+len(payload.Keyframes))
		if poseData == nil {
			continue
		}
		if writeErr := sub.WriteMessage(websocket.BinaryMessage, poseData); writeErr != nil {
			log.Printf("failed to send pose batch to %s: %v", peerID, writeErr)
			h.Disconnect(peerID, "writeFailed")
		}
	}
}

// poseBatch collects the newest buffered pose sample of every entity so
// subscribers can feed their interpolators without waiting on the JSON
// channel.
func (h *Hub) poseBatch(ids []string, tick uint64) (proto.PoseBatch, bool) {
	batch := proto.PoseBatch{Tick: tick}
	for _, id := range ids {
		samples := h.poses.Samples(id)
		if len(samples) == 0 {
			continue
		}
		newest := samples[len(samples)-1]
		batch.Frames = append(batch.Frames, proto.PoseFrame{
			EntityID:        id,
			Timestamp:       newest.Timestamp,
			Position:        newest.Position,
			Rotation:        newest.Rotation,
			Velocity:        newest.Velocity,
			AngularVelocity: newest.AngularVelocity,
		})
	}
	return batch, len(batch.Frames) > 0
}

// buildStatePayload assembles one peer's broadcast. Entities without an acked
// baseline, and every entity when a resync is forced, travel as keyframes.
func (h *Hub) buildStatePayload(ids []string, baseline map[string]uint64, forced bool, removed []string, sequence, tick uint64, serverTime int64) proto.StateDeltaV1 {
	payload := proto.StateDeltaV1{
		Tick:       tick,
		Sequence:   sequence,
		Removed:    removed,
		ServerTime: serverTime,
		Resync:     forced,
	}
	for _, id := range ids {
		baseTick, hasBase := uint64(0), false
		if !forced && baseline != nil {
			baseTick, hasBase = baseline[id]
		}
		if hasBase {
			if d, ok := h.codec.ComputeDelta(id, baseTick); ok {
				if d.Resync {
					payload.Keyframes = append(payload.Keyframes, h.entityKeyframe(id))
				} else if len(d.Changes) > 0 {
					payload.Entities = append(payload.Entities, d)
				}
				continue
			}
		}
		payload.Keyframes = append(payload.Keyframes, h.entityKeyframe(id))
	}
	return payload
}

func (h *Hub) entityKeyframe(id string) proto.EntityKeyframeV1 {
	snapshot, ok := h.store.Current(id)
	if !ok {
		return proto.EntityKeyframeV1{ID: id}
	}
	owner, _ := h.store.EntityOwner(id)
	return proto.EntityKeyframeFromSnapshot(snapshot, owner)
}

// diagnosticsPeer exposes heartbeat data for the diagnostics endpoint.
type diagnosticsPeer struct {
	ID            string `json:"id"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	RTTMillis     int64  `json:"rtt"`
	LastAck       uint64 `json:"lastAck"`
}

// DiagnosticsSnapshot exposes per-peer session data for the diagnostics
// endpoint.
func (h *Hub) DiagnosticsSnapshot() []diagnosticsPeer {
	h.mu.Lock()
	defer h.mu.Unlock()

	peers := make([]diagnosticsPeer, 0, len(h.peers))
	for _, state := range h.peers {
		peers = append(peers, diagnosticsPeer{
			ID:            state.ID,
			LastHeartbeat: state.lastHeartbeat.UnixMilli(),
			RTTMillis:     state.lastRTT.Milliseconds(),
			LastAck:       state.lastAck,
		})
	}
	return peers
}
