package lifecycle

import (
	"context"

	"holosync/server/logging"
)

const (
	// EventPeerJoined is emitted when a peer joins the session.
	EventPeerJoined logging.EventType = "lifecycle.peer_joined"
	// EventPeerDisconnected is emitted when a peer leaves the session.
	EventPeerDisconnected logging.EventType = "lifecycle.peer_disconnected"
	// EventEntityRegistered is emitted when an entity enters replication.
	EventEntityRegistered logging.EventType = "lifecycle.entity_registered"
	// EventEntityUnregistered is emitted when an entity leaves replication.
	EventEntityUnregistered logging.EventType = "lifecycle.entity_unregistered"
)

// PeerJoinedPayload captures session metadata for a new peer.
type PeerJoinedPayload struct {
	RemoteAddr string `json:"remoteAddr,omitempty"`
	Resumed    bool   `json:"resumed,omitempty"`
}

// PeerDisconnectedPayload captures the reason a peer left.
type PeerDisconnectedPayload struct {
	Reason string `json:"reason"`
}

// EntityRegisteredPayload captures the initial replication state of an entity.
type EntityRegisteredPayload struct {
	Owner      string `json:"owner,omitempty"`
	Properties int    `json:"properties"`
}

// PeerJoined publishes a peer join event.
func PeerJoined(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PeerJoinedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPeerJoined,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "lifecycle",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PeerDisconnected publishes a peer disconnect event.
func PeerDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PeerDisconnectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPeerDisconnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "lifecycle",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// EntityRegistered publishes an entity registration event.
func EntityRegistered(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload EntityRegisteredPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventEntityRegistered,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "lifecycle",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// EntityUnregistered publishes an entity removal event.
func EntityUnregistered(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventEntityUnregistered,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "lifecycle",
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
