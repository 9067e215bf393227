package ws

import (
	"log"
	"time"

	"github.com/gorilla/websocket"

	"holosync/server"
	"holosync/server/internal/net/intake"
	"holosync/server/internal/net/proto"
)

// Handler coordinates a websocket session for a peer.
type Handler struct {
	hub    *server.Hub
	logger *log.Logger
}

// NewHandler constructs a websocket session handler for the given hub.
func NewHandler(hub *server.Hub, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{hub: hub, logger: logger}
}

// Serve orchestrates a websocket session for the provided peer connection.
// Text frames carry JSON commands, binary frames carry msgpack pose samples.
func (h *Handler) Serve(peerID string, conn *websocket.Conn) {
	if h == nil || h.hub == nil || conn == nil {
		return
	}

	sub, ok := h.hub.Subscribe(peerID, conn)
	if !ok {
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown peer")
		conn.WriteMessage(websocket.CloseMessage, message)
		conn.Close()
		return
	}

	data, err := proto.EncodeKeyframeSnapshot(h.hub.KeyframeSnapshot())
	if err != nil {
		h.logger.Printf("failed to marshal initial keyframe for %s: %v", peerID, err)
		h.hub.Disconnect(peerID, "bootstrapFailed")
		return
	}
	if err := sub.WriteMessage(websocket.TextMessage, data); err != nil {
		h.hub.Disconnect(peerID, "writeFailed")
		return
	}

	ctx := intake.CommandContext{
		HasPeer: h.hub.KnownPeer,
		HasEntity: func(id string) bool {
			_, ok := h.hub.Store().EntityOwner(id)
			return ok
		},
	}

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			h.hub.Disconnect(peerID, "readFailed")
			return
		}

		if messageType == websocket.BinaryMessage {
			frame, err := proto.DecodePoseFrame(payload)
			if err != nil {
				h.logger.Printf("discarding malformed pose frame from %s: %v", peerID, err)
				continue
			}
			h.hub.HandlePoseFrame(peerID, frame)
			continue
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.logger.Printf("discarding malformed message from %s: %v", peerID, err)
			continue
		}

		if msg.Ack != nil {
			h.hub.RecordAck(peerID, *msg.Ack)
		}

		switch msg.Type {
		case proto.TypeAck:
			// Carried ack already recorded above.
		case proto.TypeHeartbeat:
			if !h.handleHeartbeat(peerID, sub, msg) {
				return
			}
		case proto.TypeKeyframeReq:
			if !h.handleKeyframeRequest(peerID, sub, msg) {
				return
			}
		default:
			if !h.handleCommand(ctx, peerID, sub, msg) {
				return
			}
		}
	}
}

func (h *Handler) handleHeartbeat(peerID string, sub writer, msg proto.ClientMessage) bool {
	now := time.Now()
	rtt, ok := h.hub.UpdateHeartbeat(peerID, now, msg.SentAt)
	if !ok {
		return true
	}
	data, err := proto.EncodeHeartbeat(proto.Heartbeat{
		ServerTime: now.UnixMilli(),
		ClientTime: msg.SentAt,
		RTTMillis:  rtt.Milliseconds(),
	})
	if err != nil {
		h.logger.Printf("failed to marshal heartbeat ack for %s: %v", peerID, err)
		return true
	}
	return h.write(peerID, sub, data)
}

func (h *Handler) handleKeyframeRequest(peerID string, sub writer, msg proto.ClientMessage) bool {
	if msg.KeyframeSeq == nil {
		return true
	}
	snapshot, nack, ok := h.hub.HandleKeyframeRequest(peerID, *msg.KeyframeSeq)
	if !ok {
		return true
	}
	var data []byte
	var err error
	if nack != nil {
		data, err = proto.EncodeKeyframeNack(*nack)
	} else {
		data, err = proto.EncodeKeyframeSnapshot(snapshot)
	}
	if err != nil {
		h.logger.Printf("failed to marshal keyframe for %s: %v", peerID, err)
		return true
	}
	return h.write(peerID, sub, data)
}

func (h *Handler) handleCommand(ctx intake.CommandContext, peerID string, sub writer, msg proto.ClientMessage) bool {
	cmd, ok, reason := intake.StageClientCommand(ctx, peerID, msg)
	if !ok {
		if reason == server.CommandRejectInvalid {
			h.logger.Printf("unknown message type %q from %s", msg.Type, peerID)
			return true
		}
		return h.reject(peerID, sub, msg.Type, msg.EntityID, msg.Key, reason)
	}

	switch cmd.Type {
	case proto.CommandRegister:
		if !h.hub.RegisterEntity(peerID, cmd.EntityID, cmd.Properties) {
			return h.reject(peerID, sub, cmd.Type, cmd.EntityID, "", server.CommandRejectUnknownPeer)
		}
		return h.ack(peerID, sub, proto.CommandAck{Type: cmd.Type, EntityID: cmd.EntityID, Tick: h.hub.Store().CurrentTick()})
	case proto.CommandUnregister:
		if ok, reason := h.hub.UnregisterEntity(peerID, cmd.EntityID); !ok {
			return h.reject(peerID, sub, cmd.Type, cmd.EntityID, "", reason)
		}
		return h.ack(peerID, sub, proto.CommandAck{Type: cmd.Type, EntityID: cmd.EntityID})
	case proto.CommandSet:
		if cmd.Version > 0 {
			if ok, reason := h.hub.ApplyRemoteProperty(peerID, cmd.EntityID, cmd.Key, cmd.Value, cmd.Version); !ok {
				return h.reject(peerID, sub, cmd.Type, cmd.EntityID, cmd.Key, reason)
			}
			return h.ack(peerID, sub, proto.CommandAck{Type: cmd.Type, EntityID: cmd.EntityID, Key: cmd.Key, Version: cmd.Version})
		}
		version, ok, reason := h.hub.SetEntityProperty(peerID, cmd.EntityID, cmd.Key, cmd.Value)
		if !ok {
			return h.reject(peerID, sub, cmd.Type, cmd.EntityID, cmd.Key, reason)
		}
		return h.ack(peerID, sub, proto.CommandAck{Type: cmd.Type, EntityID: cmd.EntityID, Key: cmd.Key, Version: version})
	case proto.CommandRelease:
		if ok, reason := h.hub.ReleaseEntityProperty(peerID, cmd.EntityID, cmd.Key); !ok {
			return h.reject(peerID, sub, cmd.Type, cmd.EntityID, cmd.Key, reason)
		}
		return h.ack(peerID, sub, proto.CommandAck{Type: cmd.Type, EntityID: cmd.EntityID, Key: cmd.Key})
	default:
		return true
	}
}

type writer interface {
	WriteMessage(messageType int, data []byte) error
}

func (h *Handler) ack(peerID string, sub writer, ack proto.CommandAck) bool {
	data, err := proto.EncodeCommandAck(ack)
	if err != nil {
		h.logger.Printf("failed to marshal ack for %s: %v", peerID, err)
		return true
	}
	return h.write(peerID, sub, data)
}

func (h *Handler) reject(peerID string, sub writer, cmdType, entityID, key, reason string) bool {
	data, err := proto.EncodeCommandReject(proto.CommandReject{
		Type:     cmdType,
		EntityID: entityID,
		Key:      key,
		Reason:   reason,
	})
	if err != nil {
		h.logger.Printf("failed to marshal reject for %s: %v", peerID, err)
		return true
	}
	return h.write(peerID, sub, data)
}

func (h *Handler) write(peerID string, sub writer, data []byte) bool {
	if err := sub.WriteMessage(websocket.TextMessage, data); err != nil {
		h.hub.Disconnect(peerID, "writeFailed")
		return false
	}
	return true
}
