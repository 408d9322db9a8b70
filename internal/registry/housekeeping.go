package registry

import (
	"log"

	msg "code.dogecoin.org/registry/internal/core"
	"code.dogecoin.org/registry/internal/spec"
)

// Check re-derives every entry's state. Collateral status is fetched
// from the chain before the registry lock is taken.
func (m *Manager) Check() {
	spent := m.collectSpent()

	m.mu.Lock()
	defer m.mu.Unlock()
	log.Printf("[registry] check: lastSentinelPing=%d active=%v", m.lastSentinelPing, m.sentinelActiveLocked())
	for _, e := range m.entries {
		// throttled internally, so expect some entries to skip this
		m.checkEntryLocked(e, false, spent[e.Outpoint])
	}
}

// CheckEntryByPubKey forces a state re-check of the entry operating
// with the given service key.
func (m *Manager) CheckEntryByPubKey(pubKeyService []byte) {
	spent := m.collectSpent()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if bytesEqual(e.PubKeyService, pubKeyService) {
			m.checkEntryLocked(e, true, spent[e.Outpoint])
			return
		}
	}
}

// collectSpent snapshots the collateral status of all entries.
func (m *Manager) collectSpent() map[spec.Outpoint]bool {
	m.mu.Lock()
	outs := make([]spec.Outpoint, 0, len(m.entries))
	for out := range m.entries {
		outs = append(outs, out)
	}
	m.mu.Unlock()

	spent := make(map[spec.Outpoint]bool, len(outs))
	for _, out := range outs {
		if _, ok := m.chain.UTXOConfirmations(out); !ok {
			spent[out] = true
		}
	}
	return spent
}

// CheckAndRemove is the housekeeping pass: evict dead entries, start
// recovery rounds for entries stuck in NEW_START_REQUIRED, settle
// finished recovery rounds, and sweep every expiring table. Within
// one pass, removals precede recovery scheduling which precedes the
// expiry sweeps.
func (m *Manager) CheckAndRemove() {
	if !m.sync.IsListSynced() {
		return
	}
	log.Printf("[registry] check and remove")

	m.Check()

	// ranks at a random height for recovery peer selection; computed
	// before the lock (lazily: only if some entry may need recovery)
	var recoveryRanks []RankPair
	if m.sync.IsSynced() {
		m.mu.Lock()
		needRecovery := false
		for _, e := range m.entries {
			if e.IsNewStartRequired() {
				needRecovery = true
				break
			}
		}
		randomHeight := 0
		if m.cachedTipHeight > 0 {
			randomHeight = m.rng.Intn(m.cachedTipHeight)
		}
		m.mu.Unlock()
		if needRecovery {
			recoveryRanks, _ = m.RanksAt(randomHeight, 0)
		}
	}

	removed := false
	var reprocess []msg.Broadcast

	m.mu.Lock()

	// remove spent, obsolete and banned entries; schedule recovery
	// requests for the non-recoverable ones
	asksLeft := m.cfg.RecoveryMaxAskEntries
	for out, e := range m.entries {
		b := m.broadcastOf(e)
		hash := b.Hash()
		if e.IsOutpointSpent() || e.IsUpdateRequired() || e.IsPoSeBanned() {
			log.Printf("[registry] removing entry: %s addr=%v, %d now", e.State, e.Addr, len(m.entries)-1)
			// erase all broadcasts we've seen from this collateral
			delete(m.seenBroadcast, hash)
			delete(m.weAskedForEntry, out)
			for voteHash := range e.governanceVotes {
				m.dirtyGovernance = append(m.dirtyGovernance, voteHash)
			}
			delete(m.entries, out)
			m.entriesRemoved = true
			removed = true
			continue
		}

		if asksLeft > 0 && m.sync.IsSynced() && e.IsNewStartRequired() {
			if _, running := m.recoveryRequests[hash]; !running && len(recoveryRanks) > 0 {
				// this entry is in a non-recoverable state and we
				// haven't asked other nodes yet
				asked := make(map[string]struct{})
				for _, r := range recoveryRanks {
					if len(asked) >= m.cfg.RecoveryQuorumTotal {
						break
					}
					// avoid banning: skip peers we asked recently
					if peers, ok := m.weAskedForEntry[out]; ok {
						if _, recently := peers[m.addrKey(r.Entry.Addr)]; recently {
							continue
						}
					}
					key := m.addrKey(r.Entry.Addr)
					if _, dup := asked[key]; dup {
						continue
					}
					asked[key] = struct{}{}
					m.scheduledEntryRequests = append(m.scheduledEntryRequests, scheduledRequest{
						addrKey: key,
						addr:    r.Entry.Addr,
						hash:    hash,
					})
				}
				if len(asked) > 0 {
					log.Printf("[registry] recovery initiated: entry=%v peers=%d", out, len(asked))
					asksLeft--
					m.recoveryRequests[hash] = &recoveryRequest{
						deadline: m.now() + m.cfg.RecoveryWaitSeconds,
						created:  m.now(),
						asked:    asked,
					}
				}
			}
		}
	}

	// settle recovery rounds whose deadline passed
	log.Printf("[registry] recovery: good reply sets: %d", len(m.recoveryGoodReplies))
	for hash, replies := range m.recoveryGoodReplies {
		req := m.recoveryRequests[hash]
		if req != nil && m.now() < req.deadline {
			continue // all asked nodes should have replied by the deadline
		}
		if len(replies) >= m.cfg.RecoveryQuorumRequired {
			// a quorum agrees this entry needs no new announcement:
			// reprocess the newest good reply
			best := replies[0]
			for _, r := range replies[1:] {
				if r.LastPing.SigTime > best.LastPing.SigTime {
					best = r
				}
			}
			best.Recovery = true
			reprocess = append(reprocess, best)
			log.Printf("[registry] recovery: reprocessing mnb, entry=%v replies=%d", best.Outpoint, len(replies))
		}
		log.Printf("[registry] recovery: removing reply set, size=%d", len(replies))
		delete(m.recoveryGoodReplies, hash)
	}

	// let a recovery round be retried once the retry window passes
	for hash, req := range m.recoveryRequests {
		if m.now()-req.created > m.cfg.RecoveryRetrySeconds {
			delete(m.recoveryRequests, hash)
		}
	}

	// expire the list ask-tables
	for key, expiry := range m.askedUsForList {
		if expiry < m.now() {
			delete(m.askedUsForList, key)
		}
	}
	for key, expiry := range m.weAskedForList {
		if expiry < m.now() {
			delete(m.weAskedForList, key)
		}
	}
	for out, peers := range m.weAskedForEntry {
		for key, expiry := range peers {
			if expiry < m.now() {
				delete(peers, key)
			}
		}
		if len(peers) == 0 {
			delete(m.weAskedForEntry, out)
		}
	}

	// expire old verification requests and seen verifications
	for key, v := range m.weAskedForVerification {
		if int(v.BlockHeight) < m.cachedTipHeight-m.cfg.MaxPoSeBlocks {
			delete(m.weAskedForVerification, key)
		}
	}
	for hash, v := range m.seenVerification {
		if int(v.BlockHeight) < m.cachedTipHeight-m.cfg.MaxPoSeBlocks {
			log.Printf("[registry] removing expired verification: hash=%x", hash[:8])
			delete(m.seenVerification, hash)
		}
	}

	// NOTE: seen broadcasts are not expired here, they are cleaned on
	// announcement updates

	// remove expired seen pings
	adjTime := m.now()
	for hash, p := range m.seenPing {
		if adjTime-p.SigTime > m.cfg.NewStartRequiredSeconds {
			log.Printf("[registry] removing expired ping: hash=%x", hash[:8])
			delete(m.seenPing, hash)
		}
	}

	m.expireFulfilled()
	m.mu.Unlock()

	// reprocess recovered announcements outside the lock
	for _, b := range reprocess {
		m.CheckAndUpdate(nil, b)
	}

	log.Printf("[registry] %s", m.String())

	if removed {
		m.NotifyUpdates()
	}
}
