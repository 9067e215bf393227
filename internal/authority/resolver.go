package authority

import (
	"fmt"
	"sync"
)

// Mode selects the write-authority policy applied to every replicated
// property mutation.
type Mode string

const (
	// ModeServer accepts writes only from the designated server identity.
	ModeServer Mode = "server"
	// ModeOwner accepts writes from the first writer to claim a property and
	// rejects everyone else afterwards.
	ModeOwner Mode = "owner"
	// ModeShared accepts every write; conflicts resolve by version at read
	// time instead of being rejected up front.
	ModeShared Mode = "shared"
)

// ParseMode validates a raw mode string from configuration.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeServer, ModeOwner, ModeShared:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("unknown authority mode %q", raw)
	}
}

// Resolver decides whether a writer may mutate a replicated property. It
// carries no per-entity state so the store's write path stays a single
// branch on the configured mode.
type Resolver struct {
	mu       sync.RWMutex
	mode     Mode
	serverID string
}

// NewResolver constructs a resolver for the given mode. serverID names the
// peer treated as authoritative under ModeServer.
func NewResolver(mode Mode, serverID string) *Resolver {
	return &Resolver{mode: mode, serverID: serverID}
}

// Mode reports the currently configured authority mode.
func (r *Resolver) Mode() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// SetMode swaps the authority policy. Intended for administrative tooling
// and tests; a running replicator normally keeps the mode it was built with.
func (r *Resolver) SetMode(mode Mode) {
	r.mu.Lock()
	r.mode = mode
	r.mu.Unlock()
}

// Allow reports whether writerID may mutate a property currently owned by
// ownerID. An empty ownerID means the property is unclaimed.
func (r *Resolver) Allow(ownerID, writerID string) bool {
	r.mu.RLock()
	mode := r.mode
	serverID := r.serverID
	r.mu.RUnlock()

	switch mode {
	case ModeServer:
		return writerID == serverID
	case ModeOwner:
		return ownerID == "" || ownerID == writerID
	case ModeShared:
		return true
	default:
		return false
	}
}
