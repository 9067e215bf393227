package proto

import (
	"encoding/json"
	"fmt"

	"holosync/server/internal/authority"
	"holosync/server/internal/delta"
	"holosync/server/internal/replication"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1

	// Type identifiers for websocket payloads.
	typeCommandAck    = "commandAck"
	typeCommandReject = "commandReject"
	typeHeartbeat     = "heartbeat"
	typeState         = "state"
	typeKeyframe      = "keyframe"
	typeKeyframeNack  = "keyframeNack"
)

// Client message type identifiers.
const (
	TypeRegister    = "register"
	TypeUnregister  = "unregister"
	TypeSet         = "set"
	TypeRelease     = "release"
	TypeAck         = "ack"
	TypeHeartbeat   = "heartbeat"
	TypeKeyframeReq = "keyframeRequest"
)

// Exported aliases for outbound message type identifiers.
const (
	TypeState        = typeState
	TypeKeyframe     = typeKeyframe
	TypeKeyframeNack = typeKeyframeNack
)

// ClientMessage captures an inbound websocket message from a peer.
type ClientMessage struct {
	Ver         int            `json:"ver,omitempty"`
	Type        string         `json:"type"`
	EntityID    string         `json:"entityId,omitempty"`
	Key         string         `json:"key,omitempty"`
	Value       any            `json:"value,omitempty"`
	Version     *uint64        `json:"version,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	Ack         *uint64        `json:"ack,omitempty"`
	KeyframeSeq *uint64        `json:"keyframeSeq,omitempty"`
	SentAt      int64          `json:"sentAt,omitempty"`
}

// DecodeClientMessage converts raw websocket payloads into a structured message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported client protocol version %d", msg.Ver)
	}
	return msg, nil
}

// Command identifies a structured replication command decoded from a client
// message. Origin metadata is populated by the hub when the command is
// accepted for processing.
type Command struct {
	Type       string
	EntityID   string
	Key        string
	Value      any
	Version    uint64
	Properties map[string]any
}

// Command kinds produced by ClientCommand.
const (
	CommandRegister   = "register"
	CommandUnregister = "unregister"
	CommandSet        = "set"
	CommandRelease    = "release"
)

// ClientCommand converts a websocket message into a replication command.
func ClientCommand(msg ClientMessage) (Command, bool) {
	switch msg.Type {
	case TypeRegister:
		if msg.EntityID == "" {
			return Command{}, false
		}
		return Command{
			Type:       CommandRegister,
			EntityID:   msg.EntityID,
			Properties: msg.Properties,
		}, true
	case TypeUnregister:
		if msg.EntityID == "" {
			return Command{}, false
		}
		return Command{Type: CommandUnregister, EntityID: msg.EntityID}, true
	case TypeSet:
		if msg.EntityID == "" || msg.Key == "" {
			return Command{}, false
		}
		cmd := Command{
			Type:     CommandSet,
			EntityID: msg.EntityID,
			Key:      msg.Key,
			Value:    msg.Value,
		}
		if msg.Version != nil {
			cmd.Version = *msg.Version
		}
		return cmd, true
	case TypeRelease:
		if msg.EntityID == "" || msg.Key == "" {
			return Command{}, false
		}
		return Command{Type: CommandRelease, EntityID: msg.EntityID, Key: msg.Key}, true
	default:
		return Command{}, false
	}
}

// PropertyV1 carries a single replicated property on the wire.
type PropertyV1 struct {
	Key     string `json:"key"`
	Value   any    `json:"value"`
	Version uint64 `json:"version"`
}

// EntityKeyframeV1 carries the full replicated state of one entity.
type EntityKeyframeV1 struct {
	ID         string       `json:"id"`
	Owner      string       `json:"owner,omitempty"`
	Tick       uint64       `json:"t"`
	Properties []PropertyV1 `json:"properties"`
}

// EntityKeyframeFromSnapshot flattens a store snapshot into its wire layout,
// preserving property insertion order.
func EntityKeyframeFromSnapshot(snapshot replication.EntitySnapshot, owner string) EntityKeyframeV1 {
	keys := snapshot.Properties.Keys()
	frame := EntityKeyframeV1{
		ID:         snapshot.EntityID,
		Owner:      owner,
		Tick:       snapshot.Tick,
		Properties: make([]PropertyV1, 0, len(keys)),
	}
	for _, key := range keys {
		raw, ok := snapshot.Properties.Get(key)
		if !ok {
			continue
		}
		prop, ok := raw.(replication.Property)
		if !ok {
			continue
		}
		frame.Properties = append(frame.Properties, PropertyV1{
			Key:     prop.Key,
			Value:   prop.Value,
			Version: prop.Version,
		})
	}
	return frame
}

type stateDelta interface {
	ProtoStateDelta()
}

// EncodeStateDelta renders a delta broadcast payload.
func EncodeStateDelta(msg stateDelta) ([]byte, error) {
	switch payload := msg.(type) {
	case StateDeltaV1:
		return EncodeStateDeltaV1(payload)
	case *StateDeltaV1:
		if payload == nil {
			return json.Marshal(payload)
		}
		return EncodeStateDeltaV1(*payload)
	default:
		return json.Marshal(msg)
	}
}

// StateDeltaV1 captures the version 1 delta broadcast layout.
type StateDeltaV1 struct {
	Ver        int                `json:"ver"`
	Type       string             `json:"type"`
	Tick       uint64             `json:"t"`
	Sequence   uint64             `json:"sequence"`
	Entities   []delta.StateDelta `json:"entities,omitempty"`
	Keyframes  []EntityKeyframeV1 `json:"keyframes,omitempty"`
	Removed    []string           `json:"removed,omitempty"`
	ServerTime int64              `json:"serverTime"`
	Resync     bool               `json:"resync,omitempty"`
}

// ProtoStateDelta tags the struct as a websocket delta payload.
func (StateDeltaV1) ProtoStateDelta() {}

// EncodeStateDeltaV1 renders a versioned delta payload.
func EncodeStateDeltaV1(msg StateDeltaV1) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = TypeState
	}
	msg.Ver = Version
	return json.Marshal(msg)
}

type joinResponse interface {
	ProtoJoinResponse()
}

// EncodeJoinResponse renders a join response payload.
func EncodeJoinResponse(msg joinResponse) ([]byte, error) {
	switch payload := msg.(type) {
	case JoinResponseV1:
		return EncodeJoinResponseV1(payload)
	case *JoinResponseV1:
		if payload == nil {
			return json.Marshal(payload)
		}
		return EncodeJoinResponseV1(*payload)
	default:
		return json.Marshal(msg)
	}
}

// SessionConfigV1 advertises replication settings to a joining peer.
type SessionConfigV1 struct {
	AuthorityMode      authority.Mode `json:"authorityMode"`
	TickRate           int            `json:"tickRate"`
	PoseBufferDelayMs  int64          `json:"poseBufferDelayMs"`
	MaxExtrapolationMs int64          `json:"maxExtrapolationMs"`
	HeartbeatMillis    int64          `json:"heartbeatMillis"`
}

// JoinResponseV1 captures the version 1 join response layout.
type JoinResponseV1 struct {
	Ver      int                `json:"ver"`
	ID       string             `json:"id"`
	Tick     uint64             `json:"t"`
	Entities []EntityKeyframeV1 `json:"entities"`
	Config   SessionConfigV1    `json:"config"`
	Resumed  bool               `json:"resumed,omitempty"`
}

// ProtoJoinResponse tags the struct as a websocket join response payload.
func (JoinResponseV1) ProtoJoinResponse() {}

// EncodeJoinResponseV1 renders a versioned join response payload.
func EncodeJoinResponseV1(msg JoinResponseV1) ([]byte, error) {
	msg.Ver = Version
	return json.Marshal(msg)
}

type keyframeSnapshot interface {
	ProtoKeyframeSnapshot()
}

// EncodeKeyframeSnapshot renders a keyframe payload.
func EncodeKeyframeSnapshot(msg keyframeSnapshot) ([]byte, error) {
	switch payload := msg.(type) {
	case KeyframeSnapshotV1:
		return EncodeKeyframeSnapshotV1(payload)
	case *KeyframeSnapshotV1:
		if payload == nil {
			return json.Marshal(payload)
		}
		return EncodeKeyframeSnapshotV1(*payload)
	default:
		return json.Marshal(msg)
	}
}

// KeyframeSnapshotV1 captures the version 1 keyframe payload layout.
type KeyframeSnapshotV1 struct {
	Ver      int                `json:"ver"`
	Type     string             `json:"type"`
	Sequence uint64             `json:"sequence"`
	Tick     uint64             `json:"t"`
	Entities []EntityKeyframeV1 `json:"entities"`
}

// ProtoKeyframeSnapshot tags the struct as a websocket keyframe payload.
func (KeyframeSnapshotV1) ProtoKeyframeSnapshot() {}

// EncodeKeyframeSnapshotV1 renders a versioned keyframe payload.
func EncodeKeyframeSnapshotV1(msg KeyframeSnapshotV1) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = TypeKeyframe
	}
	msg.Ver = Version
	return json.Marshal(msg)
}

// KeyframeNack notifies a peer that a requested keyframe is unavailable.
type KeyframeNack struct {
	Sequence uint64
	Reason   string
}

// EncodeKeyframeNack renders a keyframe nack payload.
func EncodeKeyframeNack(msg KeyframeNack) ([]byte, error) {
	frame := struct {
		Ver      int    `json:"ver"`
		Type     string `json:"type"`
		Sequence uint64 `json:"sequence"`
		Reason   string `json:"reason,omitempty"`
	}{
		Ver:      Version,
		Type:     typeKeyframeNack,
		Sequence: msg.Sequence,
		Reason:   msg.Reason,
	}
	return json.Marshal(frame)
}

// CommandAck describes an acknowledgement of a processed command.
type CommandAck struct {
	Type     string
	EntityID string
	Key      string
	Version  uint64
	Tick     uint64
}

// EncodeCommandAck renders a command acknowledgement response.
func EncodeCommandAck(msg CommandAck) ([]byte, error) {
	frame := struct {
		Ver      int    `json:"ver"`
		Type     string `json:"type"`
		Cmd      string `json:"cmd"`
		EntityID string `json:"entityId,omitempty"`
		Key      string `json:"key,omitempty"`
		Version  uint64 `json:"version,omitempty"`
		Tick     uint64 `json:"tick,omitempty"`
	}{
		Ver:      Version,
		Type:     typeCommandAck,
		Cmd:      msg.Type,
		EntityID: msg.EntityID,
		Key:      msg.Key,
	}
	if msg.Version > 0 {
		frame.Version = msg.Version
	}
	if msg.Tick > 0 {
		frame.Tick = msg.Tick
	}
	return json.Marshal(frame)
}

// CommandReject notifies a peer that a command was refused.
type CommandReject struct {
	Type     string
	EntityID string
	Key      string
	Reason   string
}

// EncodeCommandReject renders a command rejection response.
func EncodeCommandReject(msg CommandReject) ([]byte, error) {
	frame := struct {
		Ver      int    `json:"ver"`
		Type     string `json:"type"`
		Cmd      string `json:"cmd"`
		EntityID string `json:"entityId,omitempty"`
		Key      string `json:"key,omitempty"`
		Reason   string `json:"reason"`
	}{
		Ver:      Version,
		Type:     typeCommandReject,
		Cmd:      msg.Type,
		EntityID: msg.EntityID,
		Key:      msg.Key,
		Reason:   msg.Reason,
	}
	return json.Marshal(frame)
}

// Heartbeat echoes timing metadata back to the peer.
type Heartbeat struct {
	ServerTime int64
	ClientTime int64
	RTTMillis  int64
}

// EncodeHeartbeat renders a heartbeat acknowledgement payload.
func EncodeHeartbeat(msg Heartbeat) ([]byte, error) {
	frame := struct {
		Ver        int    `json:"ver"`
		Type       string `json:"type"`
		ServerTime int64  `json:"serverTime"`
		ClientTime int64  `json:"clientTime"`
		RTTMillis  int64  `json:"rtt"`
	}{
		Ver:        Version,
		Type:       typeHeartbeat,
		ServerTime: msg.ServerTime,
		ClientTime: msg.ClientTime,
		RTTMillis:  msg.RTTMillis,
	}
	return json.Marshal(frame)
}
