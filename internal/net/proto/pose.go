package proto

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"holosync/server/internal/geom"
)

// PoseFrame carries a high-rate transform sample. Pose frames travel as
// binary websocket messages encoded with msgpack; everything else on the
// socket is JSON.
type PoseFrame struct {
	EntityID        string     `msgpack:"e"`
	Timestamp       int64      `msgpack:"ts"`
	Position        geom.Vec3  `msgpack:"p"`
	Rotation        geom.Quat  `msgpack:"r"`
	Velocity        *geom.Vec3 `msgpack:"v,omitempty"`
	AngularVelocity *geom.Vec3 `msgpack:"av,omitempty"`
}

// EncodePoseFrame renders a pose sample as a binary frame.
func EncodePoseFrame(frame PoseFrame) ([]byte, error) {
	if frame.EntityID == "" {
		return nil, fmt.Errorf("pose frame requires an entity id")
	}
	return msgpack.Marshal(frame)
}

// DecodePoseFrame parses a binary pose frame.
func DecodePoseFrame(payload []byte) (PoseFrame, error) {
	var frame PoseFrame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return frame, err
	}
	if frame.EntityID == "" {
		return frame, fmt.Errorf("pose frame missing entity id")
	}
	return frame, nil
}

// PoseBatch groups pose samples for a single broadcast, keyed by the tick
// they were captured on.
type PoseBatch struct {
	Tick   uint64      `msgpack:"t"`
	Frames []PoseFrame `msgpack:"f"`
}

// EncodePoseBatch renders a pose broadcast as a binary frame.
func EncodePoseBatch(batch PoseBatch) ([]byte, error) {
	return msgpack.Marshal(batch)
}

// DecodePoseBatch parses a binary pose broadcast.
func DecodePoseBatch(payload []byte) (PoseBatch, error) {
	var batch PoseBatch
	err := msgpack.Unmarshal(payload, &batch)
	return batch, err
}
