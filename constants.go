package server

import "time"

const (
	writeWait         = 10 * time.Second
	defaultTickRate   = 15 // broadcasts per second (10-20 Hz)
	heartbeatInterval = 2 * time.Second
	disconnectAfter   = 3 * heartbeatInterval
	maxHeartbeatRTT   = 10 * time.Second

	defaultHistoryCapacity  = 8
	defaultHistoryMaxAge    = 5 * time.Second
	defaultPoseBufferSize   = 32
	defaultPoseBufferDelay  = 100 * time.Millisecond
	defaultMaxExtrapolation = 250 * time.Millisecond

	// serverWriterID is the writer identity used for writes originating in
	// the simulation itself rather than a connected peer.
	serverWriterID = "server"
)

// HeartbeatInterval reports how often peers are expected to send heartbeats.
func HeartbeatInterval() time.Duration {
	return heartbeatInterval
}
