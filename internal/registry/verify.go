package registry

import (
	"log"

	msg "code.dogecoin.org/registry/internal/core"
	"code.dogecoin.org/registry/internal/signer"
	"code.dogecoin.org/registry/internal/spec"
)

func (m *Manager) handleVerify(from spec.Peer, v msg.Verification) {
	if !m.sync.IsListSynced() {
		return
	}
	switch {
	case len(v.Sig1) == 0:
		// someone asks us to prove we operate the IP we are using
		m.SendVerifyReply(from, v)
	case len(v.Sig2) == 0:
		// probably the verification we requested from some entry
		m.ProcessVerifyReply(from, v)
	default:
		// a relayed attestation signed by some entry which verified another
		m.ProcessVerifyBroadcast(from, v)
	}
}

// verifySig1 checks the challenged node's signature under the scheme.
func (m *Manager) verifySig1(v *msg.Verification, blockHash [32]byte, pubKeyService []byte) bool {
	if m.scheme() == signer.HashScheme {
		return signer.VerifyHash(pubKeyService, v.SignatureHash1(blockHash), v.Sig1)
	}
	return signer.VerifyMessage(pubKeyService, m.cfg.MessageMagic, v.SignatureMessage1(blockHash), v.Sig1)
}

func (m *Manager) verifySig2(v *msg.Verification, blockHash [32]byte, pubKeyService []byte) bool {
	if m.scheme() == signer.HashScheme {
		return signer.VerifyHash(pubKeyService, v.SignatureHash2(blockHash), v.Sig2)
	}
	return signer.VerifyMessage(pubKeyService, m.cfg.MessageMagic, v.SignatureMessage2(blockHash), v.Sig2)
}

// DoFullVerificationStep initiates pairwise verification of a slice
// of the ranked list. Only active operators ranked inside MaxPoSeRank
// verify others; each round challenges up to MaxPoSeConnections
// entries picked by stepping through the ranking, plus any survivors
// of the duplicate-address sweep queued for verification.
func (m *Manager) DoFullVerificationStep() {
	if !m.self.IsActive() || !m.sync.IsSynced() {
		return
	}

	height := m.TipHeight() - 1
	ranks, err := m.RanksAt(height, m.cfg.MinProtocolVersion)
	if err != nil {
		return
	}

	type challenge struct {
		addr  spec.Address
		nonce uint32
	}
	var challenges []challenge

	m.mu.Lock()

	myRank := -1
	for _, r := range ranks {
		if r.Entry.Outpoint == m.self.Outpoint {
			myRank = r.Rank
			log.Printf("[registry] verification: found self at rank %d/%d, verifying up to %d entries",
				myRank, len(ranks), m.cfg.MaxPoSeConnections)
			break
		}
	}
	// edge case: list too short or our entry is not enabled
	if myRank == -1 {
		m.mu.Unlock()
		log.Printf("[registry] verification: list too short or this entry is not enabled")
		return
	}
	if myRank > m.cfg.MaxPoSeRank {
		m.mu.Unlock()
		log.Printf("[registry] verification: must be in top %d to send verify requests", m.cfg.MaxPoSeRank)
		return
	}

	// challenge entries starting at MaxPoSeRank + our rank, stepping
	// by MaxPoSeConnections
	count := 0
	offset := m.cfg.MaxPoSeRank + myRank - 1
	for offset < len(ranks) && count < m.cfg.MaxPoSeConnections {
		candidate := ranks[offset].Entry
		if candidate.PoSeVerified || candidate.State == StatePoSeBanned {
			offset += m.cfg.MaxPoSeConnections
			continue
		}
		if !m.net.IsConnectedOrPending(candidate.Addr) {
			challenges = append(challenges, challenge{addr: candidate.Addr, nonce: uint32(m.rng.Intn(999999))})
			delete(m.shouldAskForVerification, candidate.Outpoint) // avoid a double ask
			log.Printf("[registry] verification: challenging entry %v rank %d/%d addr %v",
				candidate.Outpoint, ranks[offset].Rank, len(ranks), candidate.Addr)
			count++
		}
		offset += m.cfg.MaxPoSeConnections
	}

	// also challenge whatever the duplicate-address sweep queued,
	// regardless of the rank-offset selection above
	for out, since := range m.shouldAskForVerification {
		if e := m.entries[out]; e != nil {
			challenges = append(challenges, challenge{addr: e.Addr, nonce: uint32(m.rng.Intn(999999))})
			log.Printf("[registry] verification: challenging entry %v after %d secs, addr %v",
				out, m.now()-since, e.Addr)
		}
		delete(m.shouldAskForVerification, out)
	}
	m.mu.Unlock()

	// network work happens outside the registry lock
	for _, c := range challenges {
		m.net.AddPendingPeer(c.addr)
		mnv := msg.Verification{Addr: c.addr, Nonce: c.nonce, BlockHeight: int32(height)}
		m.pendingMnvMu.Lock()
		m.pendingMnv[c.addr.String()] = &pendingVerifyReq{enqueued: m.now(), addr: c.addr, mnv: mnv}
		m.pendingMnvMu.Unlock()
		log.Printf("[registry] verification: using nonce %d for addr=%v", c.nonce, c.addr)
	}
	log.Printf("[registry] verification: sent requests to %d entries", len(challenges))
}

// ProcessPendingMnvRequests drains the pending verification queue:
// once the target connects, send the challenge; a target that cannot
// be reached (or never answers) within the timeout earns a PoSe point
// and a peer misbehavior report.
func (m *Manager) ProcessPendingMnvRequests() {
	type item struct {
		key string
		req pendingVerifyReq
	}
	m.pendingMnvMu.Lock()
	items := make([]item, 0, len(m.pendingMnv))
	for key, req := range m.pendingMnv {
		items = append(items, item{key: key, req: *req})
	}
	m.pendingMnvMu.Unlock()

	var remove []string
	for _, it := range items {
		sent := false
		if peer := m.net.FindPeer(it.req.addr); peer != nil {
			fullKey := m.fullAddrKey(peer.Addr())
			m.mu.Lock()
			m.markFulfilled(fullKey, verifyRequested)
			m.weAskedForVerification[fullKey] = it.req.mnv
			m.mu.Unlock()
			log.Printf("[registry] verification: challenging with nonce %d addr=%v", it.req.mnv.Nonce, peer.Addr())
			peer.Send(msg.CmdVerify, msg.EncodeVerification(it.req.mnv))
			sent = true
		}

		elapsed := m.now() - it.req.enqueued
		expired := elapsed > pendingTimeoutSeconds
		if sent {
			fullKey := m.fullAddrKey(it.req.addr)
			m.mu.Lock()
			done := m.hasFulfilled(fullKey, verifyRequested) && m.hasFulfilled(fullKey, verifyDone)
			m.mu.Unlock()
			if done {
				log.Printf("[registry] verification: done for %v in %d sec", it.req.addr, elapsed)
				remove = append(remove, it.key)
			} else if expired {
				log.Printf("[registry] verification: still pending from %v after %d sec, giving up", it.req.addr, elapsed)
				m.IncreasePoSeBanScoreByAddr(it.req.addr)
				m.punishNode(it.req.addr)
				remove = append(remove, it.key)
			}
		} else if expired {
			log.Printf("[registry] verification: failed to connect to %v after %d sec", it.req.addr, elapsed)
			m.IncreasePoSeBanScoreByAddr(it.req.addr)
			m.punishNode(it.req.addr)
			remove = append(remove, it.key)
		}
	}

	if len(remove) > 0 {
		m.pendingMnvMu.Lock()
		for _, key := range remove {
			delete(m.pendingMnv, key)
		}
		m.pendingMnvMu.Unlock()
	}
}

// punishNode reports the connected peer at addr for misbehavior.
func (m *Manager) punishNode(addr spec.Address) {
	if !m.sync.IsSynced() {
		return
	}
	if m.self.IsAddr(addr) {
		return // do not auto-punish
	}
	if peer := m.net.FindPeer(addr); peer != nil {
		log.Printf("[registry] punishing misbehaving peer=%d at addr=%v", peer.ID(), addr)
		m.net.Misbehaving(peer.ID(), 20, "unreachable or unresponsive entry")
	}
}

// SendVerifyReply answers a verification challenge by signing the
// challenge preimage with our service key. Only operators reply, and
// at most once per peer per cooldown.
func (m *Manager) SendVerifyReply(from spec.Peer, v msg.Verification) {
	if !m.self.IsActive() || m.self.ServiceKey == nil {
		// do not ban: a malicious node might be using our IP and
		// trying to confuse the node that verifies it
		return
	}
	fullKey := m.fullAddrKey(from.Addr())

	m.mu.Lock()
	replied := m.hasFulfilled(fullKey, verifyReplied)
	m.mu.Unlock()
	if replied {
		log.Printf("[registry] verify reply: peer=%d already asked recently", from.ID())
		m.net.Misbehaving(from.ID(), 2, "repeated verify challenge")
		return
	}

	blockHash, ok := m.chain.BlockHashAt(int(v.BlockHeight))
	if !ok {
		log.Printf("[registry] verify reply: no block hash at height %d, peer=%d", v.BlockHeight, from.ID())
		return
	}

	if m.scheme() == signer.HashScheme {
		v.Sig1 = m.self.ServiceKey.SignHash(v.SignatureHash1(blockHash))
		if !signer.VerifyHash(m.self.ServicePubKey(), v.SignatureHash1(blockHash), v.Sig1) {
			log.Printf("[registry] verify reply: self-check of signature failed")
			return
		}
	} else {
		v.Sig1 = m.self.ServiceKey.SignMessage(m.cfg.MessageMagic, v.SignatureMessage1(blockHash))
		if !signer.VerifyMessage(m.self.ServicePubKey(), m.cfg.MessageMagic, v.SignatureMessage1(blockHash), v.Sig1) {
			log.Printf("[registry] verify reply: self-check of signature failed")
			return
		}
	}

	from.Send(msg.CmdVerify, msg.EncodeVerification(v))
	m.mu.Lock()
	m.markFulfilled(fullKey, verifyReplied)
	m.mu.Unlock()
}

// ProcessVerifyReply handles the challenged node's signed answer: the
// first local entry at the peer's address whose service key verifies
// the signature is the real one; every other entry sharing the
// address is a fake and earns a PoSe point. If we are an operator
// ourselves we co-sign the result and relay it as an attestation.
func (m *Manager) ProcessVerifyReply(from spec.Peer, v msg.Verification) {
	fullKey := m.fullAddrKey(from.Addr())

	m.mu.Lock()
	requested := m.hasFulfilled(fullKey, verifyRequested)
	asked, haveAsked := m.weAskedForVerification[fullKey]
	alreadyDone := m.hasFulfilled(fullKey, verifyDone)
	m.mu.Unlock()

	// did we even ask for it?
	if !requested || !haveAsked {
		log.Printf("[registry] verify reply: we didn't ask %v for verification, peer=%d", from.Addr(), from.ID())
		m.net.Misbehaving(from.ID(), 2, "unsolicited verify reply")
		return
	}
	if asked.Nonce != v.Nonce {
		log.Printf("[registry] verify reply: wrong nonce: requested=%d received=%d peer=%d", asked.Nonce, v.Nonce, from.ID())
		m.IncreasePoSeBanScoreByAddr(from.Addr())
		m.net.Misbehaving(from.ID(), 20, "verify reply nonce mismatch")
		return
	}
	if asked.BlockHeight != v.BlockHeight {
		log.Printf("[registry] verify reply: wrong height: requested=%d received=%d peer=%d", asked.BlockHeight, v.BlockHeight, from.ID())
		m.IncreasePoSeBanScoreByAddr(from.Addr())
		m.net.Misbehaving(from.ID(), 20, "verify reply height mismatch")
		return
	}

	blockHash, ok := m.chain.BlockHashAt(int(v.BlockHeight))
	if !ok {
		// this shouldn't happen
		log.Printf("[registry] verify reply: no block hash at height %d, peer=%d", v.BlockHeight, from.ID())
		return
	}

	if alreadyDone {
		log.Printf("[registry] verify reply: already verified %v recently", from.Addr())
		m.net.Misbehaving(from.ID(), 2, "duplicate verify reply")
		// process the reply anyway
	}

	var relay *msg.Verification
	var realOutpoint spec.Outpoint
	foundReal := false

	m.mu.Lock()
	var fakes []*Entry
	for _, e := range m.entries {
		if !sameAddr(e.Addr, from.Addr()) {
			continue
		}
		if m.verifySig1(&v, blockHash, e.PubKeyService) {
			// found it
			foundReal = true
			realOutpoint = e.Outpoint
			if !e.IsPoSeVerified() {
				e.decreasePoSeBanScore()
				e.markPoSeVerified()
			}
			m.markFulfilled(fullKey, verifyDone)

			// we can only attest if we are an active operator
			if !m.self.IsActive() || m.self.ServiceKey == nil {
				continue
			}
			v.Addr = e.Addr
			v.Outpoint1 = e.Outpoint
			v.Outpoint2 = m.self.Outpoint
			if m.scheme() == signer.HashScheme {
				v.Sig2 = m.self.ServiceKey.SignHash(v.SignatureHash2(blockHash))
			} else {
				v.Sig2 = m.self.ServiceKey.SignMessage(m.cfg.MessageMagic, v.SignatureMessage2(blockHash))
			}
			m.weAskedForVerification[fullKey] = v
			m.seenVerification[v.Hash()] = v
			attestation := v
			relay = &attestation
		} else {
			fakes = append(fakes, e)
		}
	}
	for _, e := range fakes {
		e.increasePoSeBanScore(m.cfg.PoSeBanMaxScore)
		log.Printf("[registry] verify reply: increased PoSe ban score for %v addr %v, new score %d",
			e.Outpoint, e.Addr, e.PoSeBanScore)
	}
	m.mu.Unlock()

	if foundReal {
		log.Printf("[registry] verify reply: verified real entry %v for addr %v", realOutpoint, from.Addr())
	} else {
		// this should never happen normally: someone is trying to game
		// the system, or we have stale data
		log.Printf("[registry] verify reply: no real entry found for addr %v", from.Addr())
		m.net.Misbehaving(from.ID(), 40, "verify reply matched no entry")
	}
	if relay != nil {
		m.relayVerification(*relay)
	}
}

// ProcessVerifyBroadcast validates a relayed attestation: the
// verifier (outpoint2) must have been ranked inside MaxPoSeRank at
// the challenge height, both signatures must verify, and the
// attested address must match our view of outpoint1. On success the
// attested entry is credited and every other entry sharing its
// address is penalised.
func (m *Manager) ProcessVerifyBroadcast(from spec.Peer, v msg.Verification) {
	hash := v.Hash()

	m.mu.Lock()
	if _, seen := m.seenVerification[hash]; seen {
		m.mu.Unlock()
		return
	}
	m.seenVerification[hash] = v
	tip := m.cachedTipHeight
	m.mu.Unlock()

	// we don't care about history
	if int(v.BlockHeight) < tip-m.cfg.MaxPoSeBlocks {
		log.Printf("[registry] verify broadcast: outdated: tip %d, verification block %d, peer=%d", tip, v.BlockHeight, from.ID())
		return
	}

	if v.Outpoint1 == v.Outpoint2 {
		log.Printf("[registry] verify broadcast: same outpoints %v, peer=%d", v.Outpoint1, from.ID())
		// it was NOT a good idea to cheat and verify itself; ban the
		// relaying peer (outpoint1 can be a third-party DoS victim)
		m.net.Misbehaving(from.ID(), 100, "self-verify attestation")
		return
	}

	blockHash, ok := m.chain.BlockHashAt(int(v.BlockHeight))
	if !ok {
		// this shouldn't happen
		log.Printf("[registry] verify broadcast: no block hash at height %d, peer=%d", v.BlockHeight, from.ID())
		return
	}

	rank, err := m.RankOf(v.Outpoint2, int(v.BlockHeight), m.cfg.MinProtocolVersion)
	if err != nil {
		log.Printf("[registry] verify broadcast: can't calculate rank for entry %v: %v", v.Outpoint2, err)
		return
	}
	if rank > m.cfg.MaxPoSeRank {
		log.Printf("[registry] verify broadcast: entry %v is not in top %d, current rank %d, peer=%d",
			v.Outpoint2, m.cfg.MaxPoSeRank, rank, from.ID())
		return
	}

	doRelay := false
	m.mu.Lock()
	e1 := m.entries[v.Outpoint1]
	if e1 == nil {
		m.mu.Unlock()
		log.Printf("[registry] verify broadcast: can't find entry1 %v", v.Outpoint1)
		return
	}
	e2 := m.entries[v.Outpoint2]
	if e2 == nil {
		m.mu.Unlock()
		log.Printf("[registry] verify broadcast: can't find entry2 %v", v.Outpoint2)
		return
	}
	if !sameAddr(e1.Addr, v.Addr) {
		m.mu.Unlock()
		log.Printf("[registry] verify broadcast: addr %v does not match our %v for entry1 %v", v.Addr, e1.Addr, v.Outpoint1)
		// the relaying peer is helping spread wrong information
		m.net.Misbehaving(from.ID(), 20, "verify broadcast addr mismatch")
		return
	}
	if !m.verifySig1(&v, blockHash, e1.PubKeyService) {
		m.mu.Unlock()
		log.Printf("[registry] verify broadcast: bad signature from entry1 %v", v.Outpoint1)
		return
	}
	if !m.verifySig2(&v, blockHash, e2.PubKeyService) {
		m.mu.Unlock()
		log.Printf("[registry] verify broadcast: bad signature from entry2 %v", v.Outpoint2)
		return
	}

	if !e1.IsPoSeVerified() {
		e1.decreasePoSeBanScore()
		e1.markPoSeVerified()
	}
	doRelay = true
	log.Printf("[registry] verify broadcast: verified entry %v for addr %v", e1.Outpoint, e1.Addr)

	// increase ban score for everyone else with the same addr
	banned := 0
	for out, e := range m.entries {
		if !sameAddr(e.Addr, v.Addr) || out == v.Outpoint1 {
			continue
		}
		e.increasePoSeBanScore(m.cfg.PoSeBanMaxScore)
		banned++
		log.Printf("[registry] verify broadcast: increased PoSe ban score for %v addr %v, new score %d",
			out, e.Addr, e.PoSeBanScore)
	}
	m.mu.Unlock()

	if banned > 0 {
		log.Printf("[registry] verify broadcast: PoSe score increased for %d fake entries at addr %v", banned, v.Addr)
	}
	if doRelay {
		m.relayVerification(v)
	}
}
