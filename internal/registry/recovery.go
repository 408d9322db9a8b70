package registry

import (
	"log"
	"sort"

	msg "code.dogecoin.org/registry/internal/core"
	"code.dogecoin.org/registry/internal/spec"
)

// IsRecoveryRequested reports whether a recovery round is already
// running for the broadcast hash.
func (m *Manager) IsRecoveryRequested(hash [32]byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recoveryRequests[hash]
	return ok
}

// popScheduledEntryRequest takes the next batch of scheduled recovery
// connections: all hashes sharing the first peer address coalesce
// into a single request.
func (m *Manager) popScheduledEntryRequest() (addr spec.Address, hashes map[[32]byte]struct{}, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.scheduledEntryRequests) == 0 {
		return spec.Address{}, nil, false
	}
	sort.Slice(m.scheduledEntryRequests, func(i, j int) bool {
		return m.scheduledEntryRequests[i].addrKey < m.scheduledEntryRequests[j].addrKey
	})
	front := m.scheduledEntryRequests[0]
	hashes = make(map[[32]byte]struct{})
	rest := m.scheduledEntryRequests[:0]
	for _, req := range m.scheduledEntryRequests {
		if req.addrKey == front.addrKey {
			hashes[req.hash] = struct{}{}
		} else {
			rest = append(rest, req)
		}
	}
	m.scheduledEntryRequests = rest
	return front.addr, hashes, true
}

// ProcessPendingMnbRequests drains at most one scheduled recovery
// batch per tick and pushes GETDATA to peers as they connect. Batches
// that neither connect nor complete within the timeout are dropped.
func (m *Manager) ProcessPendingMnbRequests() {
	if addr, hashes, ok := m.popScheduledEntryRequest(); ok && len(hashes) > 0 {
		if !m.net.IsConnectedOrPending(addr) {
			m.net.AddPendingPeer(addr)
		}
		m.mu.Lock()
		m.pendingEntryRequests[m.fullAddrKey(addr)] = &pendingEntryReq{
			enqueued: m.now(),
			addr:     addr,
			hashes:   hashes,
		}
		m.mu.Unlock()
	}

	type action struct {
		peer spec.Peer
		invs []msg.InvVector
	}
	var sends []action
	var drop []string

	m.mu.Lock()
	for key, req := range m.pendingEntryRequests {
		done := false
		if peer := m.net.FindPeer(req.addr); peer != nil {
			var invs []msg.InvVector
			for hash := range req.hashes {
				h := hash
				invs = append(invs, msg.InvVector{Type: msg.InvEntryAnnounce, Hash: h[:]})
				log.Printf("[registry] recovery: asking for mnb %x from addr=%v", h[:8], req.addr)
			}
			sends = append(sends, action{peer: peer, invs: invs})
			done = true
		}
		if done || m.now()-req.enqueued > pendingTimeoutSeconds {
			if !done {
				log.Printf("[registry] recovery: failed to connect to %v", req.addr)
			}
			drop = append(drop, key)
		}
	}
	for _, key := range drop {
		delete(m.pendingEntryRequests, key)
	}
	pending := len(m.pendingEntryRequests)
	m.mu.Unlock()

	for _, a := range sends {
		a.peer.Send(msg.CmdGetData, msg.EncodeGetData(a.invs))
	}
	if pending > 0 {
		log.Printf("[registry] recovery: pending entry requests: %d", pending)
	}
}
