package registry

// Per-peer verification substate. The original tracked these as
// string-tagged fulfillment records ("MNVERIFY-request" etc); here
// each peer carries an explicit substate record with per-phase
// cooldown deadlines.

type peerFulfillment struct {
	requestUntil int64 // we sent this peer a verify request
	replyUntil   int64 // we served this peer a verify reply
	doneUntil    int64 // we completed verification of this peer
}

type verifyPhase uint8

const (
	verifyRequested verifyPhase = iota
	verifyReplied
	verifyDone
)

// markFulfilled opens the phase's cooldown window for the peer.
// Caller holds mu.
func (m *Manager) markFulfilled(addrKey string, phase verifyPhase) {
	f := m.fulfilled[addrKey]
	if f == nil {
		f = &peerFulfillment{}
		m.fulfilled[addrKey] = f
	}
	until := m.now() + verifyFulfilledSeconds
	switch phase {
	case verifyRequested:
		f.requestUntil = until
	case verifyReplied:
		f.replyUntil = until
	case verifyDone:
		f.doneUntil = until
	}
}

// hasFulfilled reports whether the phase's window is still open.
// Caller holds mu.
func (m *Manager) hasFulfilled(addrKey string, phase verifyPhase) bool {
	f := m.fulfilled[addrKey]
	if f == nil {
		return false
	}
	now := m.now()
	switch phase {
	case verifyRequested:
		return now < f.requestUntil
	case verifyReplied:
		return now < f.replyUntil
	case verifyDone:
		return now < f.doneUntil
	}
	return false
}

// expireFulfilled drops peers whose windows have all closed.
// Caller holds mu.
func (m *Manager) expireFulfilled() {
	now := m.now()
	for key, f := range m.fulfilled {
		if now >= f.requestUntil && now >= f.replyUntil && now >= f.doneUntil {
			delete(m.fulfilled, key)
		}
	}
}
