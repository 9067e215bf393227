package intake

import (
	"testing"

	"holosync/server"
	"holosync/server/internal/net/proto"
)

func testContext(peers, entities map[string]bool) CommandContext {
	return CommandContext{
		HasPeer:   func(id string) bool { return peers[id] },
		HasEntity: func(id string) bool { return entities[id] },
	}
}

func TestStageClientCommand(t *testing.T) {
	ctx := testContext(
		map[string]bool{"peer-1": true},
		map[string]bool{"avatar-1": true},
	)

	t.Run("set command for known entity", func(t *testing.T) {
		cmd, ok, reason := StageClientCommand(ctx, "peer-1", proto.ClientMessage{
			Type:     proto.TypeSet,
			EntityID: "avatar-1",
			Key:      "score",
			Value:    7,
		})
		if !ok {
			t.Fatalf("expected command to stage, rejected with %q", reason)
		}
		if cmd.Type != proto.CommandSet || cmd.Key != "score" {
			t.Fatalf("unexpected command: %+v", cmd)
		}
	})

	t.Run("register skips entity lookup", func(t *testing.T) {
		_, ok, reason := StageClientCommand(ctx, "peer-1", proto.ClientMessage{
			Type:     proto.TypeRegister,
			EntityID: "avatar-2",
		})
		if !ok {
			t.Fatalf("expected register to stage, rejected with %q", reason)
		}
	})

	t.Run("unknown peer", func(t *testing.T) {
		_, ok, reason := StageClientCommand(ctx, "peer-9", proto.ClientMessage{
			Type:     proto.TypeSet,
			EntityID: "avatar-1",
			Key:      "score",
		})
		if ok || reason != server.CommandRejectUnknownPeer {
			t.Fatalf("expected unknownPeer rejection, got ok=%v reason=%q", ok, reason)
		}
	})

	t.Run("unknown entity", func(t *testing.T) {
		_, ok, reason := StageClientCommand(ctx, "peer-1", proto.ClientMessage{
			Type:     proto.TypeSet,
			EntityID: "avatar-9",
			Key:      "score",
		})
		if ok || reason != server.CommandRejectUnknownEntity {
			t.Fatalf("expected unknownEntity rejection, got ok=%v reason=%q", ok, reason)
		}
	})

	t.Run("malformed message", func(t *testing.T) {
		_, ok, reason := StageClientCommand(ctx, "peer-1", proto.ClientMessage{Type: "warp"})
		if ok || reason != server.CommandRejectInvalid {
			t.Fatalf("expected invalid rejection, got ok=%v reason=%q", ok, reason)
		}
	})
}
