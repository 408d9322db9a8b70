package registry

import (
	"log"

	msg "code.dogecoin.org/registry/internal/core"
	"code.dogecoin.org/registry/internal/signer"
	"code.dogecoin.org/registry/internal/spec"
)

// how far in the future a signed timestamp may claim to be
const maxTimeDriftSeconds = 60 * 60

// entryFromBroadcast builds the registry entry a broadcast announces.
func entryFromBroadcast(b msg.Broadcast) *Entry {
	return &Entry{
		Outpoint:         b.Outpoint,
		Addr:             b.Addr,
		PubKeyCollateral: b.PubKeyCollateral,
		PubKeyService:    b.PubKeyService,
		Sig:              b.Sig,
		SigTime:          b.SigTime,
		ProtocolVersion:  b.ProtocolVersion,
		LastPing:         b.LastPing,
		State:            StatePreEnabled,
	}
}

// verifyBroadcastSig checks the collateral-holder signature under the
// active scheme.
func (m *Manager) verifyBroadcastSig(b *msg.Broadcast) bool {
	if m.scheme() == signer.HashScheme {
		return signer.VerifyHash(b.PubKeyCollateral, b.SignatureHash(), b.Sig)
	}
	return signer.VerifyMessage(b.PubKeyCollateral, m.cfg.MessageMagic, b.SignatureMessage(), b.Sig)
}

// simpleCheck validates everything about a broadcast that needs no
// chain lookups: timestamps, protocol floor, key shape, port rules
// and the collateral signature.
func (m *Manager) simpleCheck(b *msg.Broadcast) error {
	if b.SigTime > m.chain.AdjustedTime()+maxTimeDriftSeconds {
		return spec.DoSErr(spec.InvalidSignature, 1, "announcement signed too far in the future: %v", b.Outpoint)
	}
	if b.LastPing.SigTime > m.chain.AdjustedTime()+maxTimeDriftSeconds {
		return spec.DoSErr(spec.InvalidSignature, 1, "ping signed too far in the future: %v", b.Outpoint)
	}
	if len(b.PubKeyCollateral) != 33 || len(b.PubKeyService) != 33 {
		return spec.DoSErr(spec.InvalidSignature, 100, "malformed keys in announcement: %v", b.Outpoint)
	}
	if b.ProtocolVersion < uint32(m.sched.MinProtocolVersion()) {
		return spec.NewErr(spec.UnknownOutpoint, "outdated entry: %v, protocol %d", b.Outpoint, b.ProtocolVersion)
	}
	if m.cfg.Name == "main" && b.Addr.Port != m.cfg.DefaultPort {
		return spec.NewErr(spec.DuplicateAddr, "wrong port %d in announcement: %v", b.Addr.Port, b.Outpoint)
	}
	if !m.verifyBroadcastSig(b) {
		return spec.DoSErr(spec.InvalidSignature, 100, "bad announcement signature: %v", b.Outpoint)
	}
	if b.LastPing.SigTime != 0 {
		if b.LastPing.Outpoint != b.Outpoint {
			return spec.DoSErr(spec.InvalidSignature, 33, "announcement ping for foreign outpoint: %v", b.Outpoint)
		}
		if !m.verifyPingSig(&b.LastPing, b.PubKeyService) {
			return spec.DoSErr(spec.InvalidSignature, 33, "bad ping signature in announcement: %v", b.Outpoint)
		}
	}
	return nil
}

// updateEntry applies a fresh broadcast to a known entry.
// Caller holds mu.
func (m *Manager) updateEntry(e *Entry, b *msg.Broadcast) error {
	if e.SigTime > b.SigTime {
		return spec.NewErr(spec.InvalidSignature, "stale announcement sigTime for %v", b.Outpoint)
	}
	if !bytesEqual(e.PubKeyCollateral, b.PubKeyCollateral) {
		return spec.DoSErr(spec.InvalidSignature, 33, "collateral key changed in announcement for %v", b.Outpoint)
	}
	// throttle repeated refreshes unless this is a recovery reply
	if !b.Recovery && m.now()-e.SigTime < m.cfg.MinBroadcastSeconds {
		return nil
	}
	e.PubKeyService = b.PubKeyService
	e.Sig = b.Sig
	e.SigTime = b.SigTime
	e.ProtocolVersion = b.ProtocolVersion
	e.Addr = b.Addr
	e.poSeVerified = false
	e.LastPing = b.LastPing
	if b.LastPing.SentinelIsCurrent {
		m.lastSentinelPing = m.now()
	}
	e.State = StatePreEnabled
	m.checkEntryLocked(e, true, false)
	return nil
}

// checkOutpoint confirms the collateral is unspent and deep enough.
// Chain lookups only; call without holding mu.
func (m *Manager) checkOutpoint(b *msg.Broadcast) error {
	conf, ok := m.chain.UTXOConfirmations(b.Outpoint)
	if !ok {
		return spec.NewErr(spec.UnknownOutpoint, "collateral missing or spent: %v", b.Outpoint)
	}
	if conf < m.cfg.CollateralMinConfirmations {
		return spec.NewErr(spec.UnknownOutpoint, "collateral for %v has %d of %d confirmations",
			b.Outpoint, conf, m.cfg.CollateralMinConfirmations)
	}
	return nil
}

// checkAddrRules rejects unusable service addresses.
func (m *Manager) checkAddrRules(b *msg.Broadcast) error {
	if b.Addr.Host == nil || b.Addr.Host.IsUnspecified() || b.Addr.Port == 0 {
		return spec.NewErr(spec.DuplicateAddr, "unusable address %v in announcement %v", b.Addr, b.Outpoint)
	}
	v4 := b.Addr.Host.To4() != nil
	if m.cfg.Name == "main" && !m.cfg.OkDual {
		if v4 && !m.cfg.OkIPv4 || !v4 && !m.cfg.OkIPv6 {
			return spec.NewErr(spec.DuplicateAddr, "address family not accepted: %v", b.Addr)
		}
	}
	return nil
}

// checkEntryLocked re-derives the state of one entry. spent is the
// collateral status the caller fetched beforehand (the chain is never
// consulted under mu).
func (m *Manager) checkEntryLocked(e *Entry, force bool, spent bool) {
	e.check(checkEnv{
		now:            m.now(),
		minProtocol:    uint32(m.sched.MinProtocolVersion()),
		maxPoSeScore:   m.cfg.PoSeBanMaxScore,
		expiration:     m.cfg.ExpirationSeconds,
		newStartReq:    m.cfg.NewStartRequiredSeconds,
		minPing:        m.cfg.MinPingSeconds,
		outpointSpent:  spent,
		sentinelActive: m.sync.IsSynced() && m.sentinelActiveLocked(),
		checkThrottle:  checkSeconds,
		force:          force,
	})
}

// projectedState simulates what state an entry announced by b would
// settle into, without touching the registry.
func (m *Manager) projectedState(b msg.Broadcast) State {
	temp := entryFromBroadcast(b)
	temp.check(checkEnv{
		now:            m.now(),
		minProtocol:    uint32(m.sched.MinProtocolVersion()),
		maxPoSeScore:   m.cfg.PoSeBanMaxScore,
		expiration:     m.cfg.ExpirationSeconds,
		newStartReq:    m.cfg.NewStartRequiredSeconds,
		minPing:        m.cfg.MinPingSeconds,
		checkThrottle:  0,
		force:          true,
	})
	return temp.State
}

// CheckAndUpdate is the announcement write path: dedupe against the
// seen-cache (with recovery-reply accounting), validate, then either
// refresh the known entry or admit a new one. The returned error
// carries a DoS score when the peer deserves punishment; accepted is
// true when the broadcast was new-or-useful (including "seen").
func (m *Manager) CheckAndUpdate(from spec.Peer, b msg.Broadcast) (accepted bool, err error) {
	hash := b.Hash()

	m.mu.Lock()
	log.Printf("[registry] announcement: entry=%v", b.Outpoint)

	if sb, seen := m.seenBroadcast[hash]; seen && !b.Recovery {
		// less than two pings left before the entry becomes
		// non-recoverable: bump the sync watchdog
		if m.now()-sb.firstSeen > m.cfg.NewStartRequiredSeconds-m.cfg.MinPingSeconds*2 {
			sb.firstSeen = m.now()
			m.sync.BumpAssetLastTime("registry.CheckAndUpdate - seen")
		}
		// recovery accounting: did we ask this peer for it?
		if from != nil {
			if req, ok := m.recoveryRequests[hash]; ok && m.now() < req.deadline {
				peerKey := m.addrKey(from.Addr())
				if _, asked := req.asked[peerKey]; asked {
					// one reply per asked peer
					delete(req.asked, peerKey)
					if b.LastPing.SigTime > sb.bcast.LastPing.SigTime {
						if IsValidStateForAutoStart(m.projectedState(b)) {
							log.Printf("[registry] recovery: good reply for entry=%v from %v", b.Outpoint, from.Addr())
							m.recoveryGoodReplies[hash] = append(m.recoveryGoodReplies[hash], b)
						}
					}
				}
			}
		}
		m.mu.Unlock()
		return true, nil
	}
	m.seenBroadcast[hash] = &seenBroadcast{firstSeen: m.now(), bcast: b}

	if err := m.simpleCheck(&b); err != nil {
		m.mu.Unlock()
		log.Printf("[registry] announcement rejected: %v", err)
		return false, err
	}

	if e := m.findLocked(b.Outpoint); e != nil {
		bOf := m.broadcastOf(e)
		oldHash := bOf.Hash()
		if err := m.updateEntry(e, &b); err != nil {
			m.mu.Unlock()
			log.Printf("[registry] announcement update failed: %v", err)
			return false, err
		}
		if hash != oldHash {
			delete(m.seenBroadcast, oldHash)
		}
		m.mu.Unlock()
		m.relayBroadcast(b)
		return true, nil
	}
	m.mu.Unlock()

	// new entry: collateral and address checks hit the chain, so they
	// run outside the registry lock (Add re-takes it)
	if err := m.checkOutpoint(&b); err != nil {
		log.Printf("[registry] announcement rejected: %v", err)
		return false, err
	}
	if err := m.checkAddrRules(&b); err != nil {
		log.Printf("[registry] announcement rejected: %v", err)
		return false, err
	}

	e := entryFromBroadcast(b)
	if b.LastPing.SentinelIsCurrent {
		m.UpdateLastSentinelPingTime()
	}
	if !m.Add(e) {
		log.Printf("[registry] rejected announcement for %v addr=%v", b.Outpoint, b.Addr)
		return false, spec.NewErr(spec.DuplicateAddr, "duplicate entry %v addr=%v", b.Outpoint, b.Addr)
	}
	m.sync.BumpAssetLastTime("registry.CheckAndUpdate - new")

	// our own announcement arriving from the network
	if m.self.IsActive() && bytesEqual(b.PubKeyService, m.self.ServicePubKey()) {
		m.mu.Lock()
		if own := m.findLocked(b.Outpoint); own != nil {
			own.PoSeBanScore = -m.cfg.PoSeBanMaxScore
			own.poSeVerified = true
		}
		m.mu.Unlock()
		if b.ProtocolVersion == uint32(m.cfg.ProtocolVersion) {
			log.Printf("[registry] got own entry announcement: entry=%v sigTime=%d addr=%v", b.Outpoint, b.SigTime, b.Addr)
			if m.self.OnActivated != nil {
				m.self.OnActivated()
			}
		} else {
			// wrong protocol: needs a manual re-activation, don't relay
			log.Printf("[registry] own announcement with protocol %d, ours is %d: re-activate this node",
				b.ProtocolVersion, m.cfg.ProtocolVersion)
			return false, nil
		}
	}
	m.relayBroadcast(b)
	return true, nil
}
