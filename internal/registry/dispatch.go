package registry

import (
	"log"

	msg "code.dogecoin.org/registry/internal/core"
	"code.dogecoin.org/registry/internal/spec"
)

// Lite disables all registry functionality (SPV-style operation).
func (m *Manager) SetLite(lite bool) { m.lite = lite }

// ProcessMessage dispatches one inbound registry message from a peer.
// Runs on network worker goroutines. A payload that fails to decode
// earns the peer an immediate ban score.
func (m *Manager) ProcessMessage(from spec.Peer, cmd string, payload []byte) {
	if m.lite {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[registry] malformed %s payload from peer=%d: %v", cmd, from.ID(), r)
			m.net.Misbehaving(from.ID(), 100, "malformed payload")
		}
	}()

	switch cmd {
	case msg.CmdAnnounce:
		m.handleAnnounce(from, msg.DecodeBroadcast(payload))
	case msg.CmdPing:
		m.handlePing(from, msg.DecodePingPayload(payload))
	case msg.CmdQuery:
		m.handleQuery(from, msg.DecodeQuery(payload))
	case msg.CmdVerify:
		m.handleVerify(from, msg.DecodeVerification(payload))
	case msg.CmdInv:
		m.handleInv(from, msg.DecodeInvMsg(payload).InvList)
	case msg.CmdGetData:
		m.handleGetData(from, msg.DecodeGetData(payload))
	}
}

func (m *Manager) handleAnnounce(from spec.Peer, b msg.Broadcast) {
	if !m.sync.IsBlockchainSynced() {
		return
	}
	log.Printf("[registry] mnb: entry=%v peer=%d", b.Outpoint, from.ID())

	accepted, err := m.CheckAndUpdate(from, b)
	if accepted {
		// use the announced entry as a peer
		m.net.AddAddress(b.Addr, from.Addr())
	} else if dos := spec.DoSScore(err); dos > 0 {
		m.net.Misbehaving(from.ID(), dos, err.Error())
	}
	m.NotifyUpdates()
}

func (m *Manager) handlePing(from spec.Peer, p msg.Ping) {
	if !m.sync.IsBlockchainSynced() {
		return
	}
	log.Printf("[registry] mnp: entry=%v peer=%d", p.Outpoint, from.ID())

	hash := p.Hash()
	m.mu.Lock()
	if _, seen := m.seenPing[hash]; seen {
		m.mu.Unlock()
		return
	}
	m.seenPing[hash] = p
	e := m.entries[p.Outpoint]
	known := e != nil
	if known && p.SentinelIsCurrent {
		m.lastSentinelPing = m.now()
	}
	// too late, a fresh announcement is required
	newStartRequired := known && e.IsNewStartRequired()
	m.mu.Unlock()
	if newStartRequired {
		return
	}

	err := m.pingCheckAndUpdate(p, false)
	if err == nil {
		return
	}
	if dos := spec.DoSScore(err); dos > 0 {
		// something significant failed, mark that peer
		m.net.Misbehaving(from.ID(), dos, err.Error())
	} else if known {
		// nothing significant failed and the entry is a known one
		return
	}
	// something is broken or the entry is unknown: ask for it once
	m.AskForEntry(from, p.Outpoint)
}

func (m *Manager) handleQuery(from spec.Peer, out spec.Outpoint) {
	// ignore until fully synced: serving the list is heavy
	if !m.sync.IsSynced() {
		return
	}
	log.Printf("[registry] dseg: entry=%v peer=%d", out, from.ID())
	if out.IsNull() {
		m.SyncAll(from)
	} else {
		m.SyncSingle(from, out)
	}
}

// AskForEntry requests a single entry from a peer, with a per-peer
// cooldown so we don't get banned for nagging.
func (m *Manager) AskForEntry(from spec.Peer, out spec.Outpoint) {
	if from == nil {
		return
	}
	peerKey := m.addrKey(from.Addr())

	m.mu.Lock()
	if peers, ok := m.weAskedForEntry[out]; ok {
		if expiry, asked := peers[peerKey]; asked {
			if m.now() < expiry {
				// we've asked recently, should not repeat too often
				m.mu.Unlock()
				return
			}
			log.Printf("[registry] asking same peer %s for missing entry again: %v", peerKey, out)
		} else {
			log.Printf("[registry] asking new peer %s for missing entry: %v", peerKey, out)
		}
	} else {
		log.Printf("[registry] asking peer %s for missing entry for the first time: %v", peerKey, out)
	}
	if m.weAskedForEntry[out] == nil {
		m.weAskedForEntry[out] = make(map[string]int64)
	}
	m.weAskedForEntry[out][peerKey] = m.now() + m.cfg.DsegUpdateSeconds
	m.mu.Unlock()

	from.Send(msg.CmdQuery, msg.EncodeQuery(out))
}

// DsegUpdate asks a peer for the whole list, under the list cooldown.
func (m *Manager) DsegUpdate(peer spec.Peer) {
	peerKey := m.addrKey(peer.Addr())

	m.mu.Lock()
	if m.cfg.Name == "main" && !isLocalAddr(peer.Addr()) {
		if expiry, ok := m.weAskedForList[peerKey]; ok && m.now() < expiry {
			m.mu.Unlock()
			log.Printf("[registry] we already asked %s for the list; skipping...", peerKey)
			return
		}
	}
	m.weAskedForList[peerKey] = m.now() + m.cfg.DsegUpdateSeconds
	m.mu.Unlock()

	peer.Send(msg.CmdQuery, msg.EncodeQuery(spec.Outpoint{}))
	log.Printf("[registry] asked %v for the entry list", peer.Addr())
}

// SyncSingle serves one entry to a peer via inventory push.
func (m *Manager) SyncSingle(from spec.Peer, out spec.Outpoint) {
	m.mu.Lock()
	e := m.entries[out]
	if e == nil || isLocalAddr(e.Addr) {
		m.mu.Unlock()
		return
	}
	// send regardless of current state; the peer needs it to verify old votes
	invs := m.pushDsegInvsLocked(e)
	m.mu.Unlock()

	from.Send(msg.CmdInv, msg.EncodeInvMsg(msg.InvMsg{InvList: invs}))
	log.Printf("[registry] sent 1 entry inv to peer=%d", from.ID())
}

// SyncAll serves the whole registry, once per cooldown per peer.
func (m *Manager) SyncAll(from spec.Peer) {
	isLocal := isLocalAddr(from.Addr())
	peerKey := m.addrKey(from.Addr())

	m.mu.Lock()
	if !isLocal && m.cfg.Name == "main" {
		if expiry, ok := m.askedUsForList[peerKey]; ok && expiry > m.now() {
			m.mu.Unlock()
			log.Printf("[registry] peer=%d already asked for the list", from.ID())
			m.net.Misbehaving(from.ID(), 34, "repeated list request inside cooldown")
			return
		}
		m.askedUsForList[peerKey] = m.now() + m.cfg.DsegUpdateSeconds
	}

	var invs []msg.InvVector
	count := 0
	for _, e := range m.entries {
		if isLocalAddr(e.Addr) {
			continue // do not advertise local network entries
		}
		invs = append(invs, m.pushDsegInvsLocked(e)...)
		count++
	}
	m.mu.Unlock()

	if len(invs) > 0 {
		from.Send(msg.CmdInv, msg.EncodeInvMsg(msg.InvMsg{InvList: invs}))
	}
	from.Send(msg.CmdSyncCount, msg.EncodeSyncCount(msg.SyncCountMsg{Asset: msg.SyncAssetList, Count: int32(count)}))
	log.Printf("[registry] sent %d entry invs to peer=%d", count, from.ID())
}

// pushDsegInvsLocked caches the entry's broadcast and ping and returns
// their inventory vectors. Caller holds mu.
func (m *Manager) pushDsegInvsLocked(e *Entry) []msg.InvVector {
	b := m.broadcastOf(e)
	p := e.LastPing
	bHash := b.Hash()
	pHash := p.Hash()
	if _, ok := m.seenBroadcast[bHash]; !ok {
		m.seenBroadcast[bHash] = &seenBroadcast{firstSeen: m.now(), bcast: b}
	}
	m.seenPing[pHash] = p
	return []msg.InvVector{
		{Type: msg.InvEntryAnnounce, Hash: bHash[:]},
		{Type: msg.InvEntryPing, Hash: pHash[:]},
	}
}

// handleInv requests registry items we have not seen yet.
func (m *Manager) handleInv(from spec.Peer, invs []msg.InvVector) {
	if !m.sync.IsBlockchainSynced() {
		return
	}
	var want []msg.InvVector
	m.mu.Lock()
	for _, inv := range invs {
		if len(inv.Hash) != 32 {
			continue
		}
		var hash [32]byte
		copy(hash[:], inv.Hash)
		switch inv.Type {
		case msg.InvEntryAnnounce:
			if _, ok := m.seenBroadcast[hash]; !ok {
				want = append(want, inv)
			}
		case msg.InvEntryPing:
			if _, ok := m.seenPing[hash]; !ok {
				want = append(want, inv)
			}
		case msg.InvEntryVerify:
			if _, ok := m.seenVerification[hash]; !ok {
				want = append(want, inv)
			}
		}
	}
	m.mu.Unlock()
	if len(want) > 0 {
		from.Send(msg.CmdGetData, msg.EncodeGetData(want))
	}
}

// handleGetData serves previously cached registry items.
func (m *Manager) handleGetData(from spec.Peer, invs []msg.InvVector) {
	type reply struct {
		cmd     string
		payload []byte
	}
	var replies []reply

	m.mu.Lock()
	for _, inv := range invs {
		if len(inv.Hash) != 32 {
			continue
		}
		var hash [32]byte
		copy(hash[:], inv.Hash)
		switch inv.Type {
		case msg.InvEntryAnnounce:
			if sb, ok := m.seenBroadcast[hash]; ok {
				replies = append(replies, reply{msg.CmdAnnounce, msg.EncodeBroadcast(sb.bcast)})
			}
		case msg.InvEntryPing:
			if p, ok := m.seenPing[hash]; ok {
				replies = append(replies, reply{msg.CmdPing, msg.EncodePingMsg(p)})
			}
		case msg.InvEntryVerify:
			if v, ok := m.seenVerification[hash]; ok {
				replies = append(replies, reply{msg.CmdVerify, msg.EncodeVerification(v)})
			}
		}
	}
	m.mu.Unlock()

	for _, r := range replies {
		from.Send(r.cmd, r.payload)
	}
}

// relayBroadcast announces a fresh broadcast (and its ping) to every peer.
func (m *Manager) relayBroadcast(b msg.Broadcast) {
	bHash := b.Hash()
	pHash := b.LastPing.Hash()
	payload := msg.EncodeInvMsg(msg.InvMsg{InvList: []msg.InvVector{
		{Type: msg.InvEntryAnnounce, Hash: bHash[:]},
		{Type: msg.InvEntryPing, Hash: pHash[:]},
	}})
	m.net.ForEachPeer(func(p spec.Peer) {
		p.Send(msg.CmdInv, payload)
	})
}

func (m *Manager) relayPing(p msg.Ping) {
	hash := p.Hash()
	payload := msg.EncodeInvMsg(msg.InvMsg{InvList: []msg.InvVector{
		{Type: msg.InvEntryPing, Hash: hash[:]},
	}})
	m.net.ForEachPeer(func(peer spec.Peer) {
		peer.Send(msg.CmdInv, payload)
	})
}

func (m *Manager) relayVerification(v msg.Verification) {
	hash := v.Hash()
	payload := msg.EncodeInvMsg(msg.InvMsg{InvList: []msg.InvVector{
		{Type: msg.InvEntryVerify, Hash: hash[:]},
	}})
	m.net.ForEachPeer(func(peer spec.Peer) {
		peer.Send(msg.CmdInv, payload)
	})
}

// isLocalAddr reports loopback and private-range addresses we never
// advertise or serve.
func isLocalAddr(addr spec.Address) bool {
	ip := addr.Host
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		if v4[0] == 10 || (v4[0] == 172 && v4[1]&0xf0 == 16) || (v4[0] == 192 && v4[1] == 168) {
			return true
		}
	}
	return false
}
