package replication

import (
	"context"

	"holosync/server/logging"
)

const (
	// EventWriteRejected is emitted when the authority resolver or version gate refuses a write.
	EventWriteRejected logging.EventType = "replication.write_rejected"
	// EventResyncTriggered is emitted when a peer falls back to a full keyframe.
	EventResyncTriggered logging.EventType = "replication.resync_triggered"
	// EventOwnershipTransferred is emitted when an entity changes owner.
	EventOwnershipTransferred logging.EventType = "replication.ownership_transferred"
)

// WriteRejectedPayload captures why a remote write was refused.
type WriteRejectedPayload struct {
	Key            string `json:"key"`
	Reason         string `json:"reason"`
	CarriedVersion uint64 `json:"carriedVersion,omitempty"`
	LocalVersion   uint64 `json:"localVersion,omitempty"`
}

// ResyncPayload captures the trigger behind a full keyframe fallback.
type ResyncPayload struct {
	Reason   string `json:"reason"`
	BaseTick uint64 `json:"baseTick,omitempty"`
}

// OwnershipPayload captures an ownership change on an entity.
type OwnershipPayload struct {
	Previous string `json:"previous,omitempty"`
	Owner    string `json:"owner,omitempty"`
}

// WriteRejected publishes a debug event for a refused write.
func WriteRejected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload WriteRejectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventWriteRejected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: "replication",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// ResyncTriggered publishes an info event when a peer receives a full keyframe.
func ResyncTriggered(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ResyncPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventResyncTriggered,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "replication",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// OwnershipTransferred publishes an info event when entity ownership changes.
func OwnershipTransferred(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload OwnershipPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventOwnershipTransferred,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "replication",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
