package intake

import (
	"holosync/server"
	"holosync/server/internal/net/proto"
)

// CommandContext carries the lookups a staged command is validated against.
type CommandContext struct {
	HasPeer   func(string) bool
	HasEntity func(string) bool
}

// StageClientCommand validates an inbound message and converts it into a
// replication command ready for the hub. The returned reason uses the hub's
// reject vocabulary so sessions can relay it to the peer unchanged.
func StageClientCommand(ctx CommandContext, peerID string, msg proto.ClientMessage) (proto.Command, bool, string) {
	var zero proto.Command

	command, ok := proto.ClientCommand(msg)
	if !ok {
		return zero, false, server.CommandRejectInvalid
	}

	if ctx.HasPeer != nil && !ctx.HasPeer(peerID) {
		return zero, false, server.CommandRejectUnknownPeer
	}

	switch command.Type {
	case proto.CommandRegister:
		// Registration creates the entity, nothing further to check.
	case proto.CommandUnregister, proto.CommandSet, proto.CommandRelease:
		if ctx.HasEntity != nil && !ctx.HasEntity(command.EntityID) {
			return zero, false, server.CommandRejectUnknownEntity
		}
	default:
		return zero, false, server.CommandRejectInvalid
	}

	return command, true, ""
}
