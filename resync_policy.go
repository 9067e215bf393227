package server

import "sync"

type resyncReason struct {
	Kind   string
	PeerID string
}

type resyncSignal struct {
	StaleAcks uint64
	TotalAcks uint64
	Reasons   []resyncReason
}

// resyncPolicy decides when acknowledgement churn warrants forcing full
// keyframes instead of deltas. Stale acks are acks pointing at broadcasts
// the ledger no longer retains. Session goroutines record acks while the
// tick loop consumes, so every counter read and write holds mu.
type resyncPolicy struct {
	mu        sync.Mutex
	totalAcks uint64
	staleAcks uint64
	pending   bool
	reasons   []resyncReason
}

const staleAckThresholdPerTenThousand = 1
const resyncReasonLimit = 8

func newResyncPolicy() *resyncPolicy {
	return &resyncPolicy{reasons: make([]resyncReason, 0, resyncReasonLimit)}
}

func (p *resyncPolicy) noteAck() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.totalAcks == ^uint64(0) {
		p.totalAcks = p.totalAcks / 2
		p.staleAcks = p.staleAcks / 2
	}
	p.totalAcks++
}

func (p *resyncPolicy) noteStaleAck(kind, peerID string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.staleAcks++
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, resyncReason{Kind: kind, PeerID: peerID})
	}
	p.evaluateLocked()
}

func (p *resyncPolicy) evaluateLocked() {
	if p.pending || p.staleAcks == 0 {
		return
	}
	total := p.totalAcks
	if total == 0 {
		total = 1
	}
	if p.staleAcks*10000 >= total*staleAckThresholdPerTenThousand {
		p.pending = true
	}
}

func (p *resyncPolicy) consume() (resyncSignal, bool) {
	if p == nil {
		return resyncSignal{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending {
		return resyncSignal{}, false
	}
	signal := resyncSignal{
		StaleAcks: p.staleAcks,
		TotalAcks: p.totalAcks,
		Reasons:   append([]resyncReason(nil), p.reasons...),
	}
	p.pending = false
	p.totalAcks = 0
	p.staleAcks = 0
	if len(p.reasons) > 0 {
		p.reasons = p.reasons[:0]
	}
	return signal, true
}
