package registry

import (
	"log"
	"sort"

	"code.dogecoin.org/registry/internal/spec"
)

// CheckSameAddr finds entries sharing one host address, keeps the one
// with the lowest PoSe ban score, bans the rest, and queues the
// survivor for a verification challenge. Runs on every tip update.
func (m *Manager) CheckSameAddr() {
	if !m.sync.IsSynced() {
		return
	}

	type survivor struct {
		out  spec.Outpoint
		addr spec.Address
	}
	var survivors []survivor
	banned := 0
	valid := 0
	total := 0

	m.mu.Lock()
	if len(m.entries) == 0 {
		m.mu.Unlock()
		return
	}

	var byAddr []*Entry
	for _, e := range m.entries {
		// do not auto-ban ourselves
		if m.self.Is(e.Outpoint) {
			continue
		}
		// someone else is using our address
		if m.self.IsAddr(e.Addr) {
			log.Printf("[registry] same-addr sweep: banning entry %v at our addr %v", e.Outpoint, e.Addr)
			e.poSeBan(m.cfg.PoSeBanMaxScore)
			continue
		}
		byAddr = append(byAddr, e)
	}
	total = len(byAddr)

	sort.Slice(byAddr, func(i, j int) bool {
		a, b := byAddr[i], byAddr[j]
		if !a.Addr.Host.Equal(b.Addr.Host) {
			return a.Addr.String() < b.Addr.String()
		}
		if a.Addr.Port != b.Addr.Port {
			return a.Addr.Port < b.Addr.Port
		}
		return a.Outpoint.Less(b.Outpoint)
	})

	// position in the score-sorted order decides who survives a run
	byScore := append([]*Entry(nil), byAddr...)
	sort.SliceStable(byScore, func(i, j int) bool {
		return byScore[i].PoSeBanScore < byScore[j].PoSeBanScore
	})
	scorePos := make(map[*Entry]int, len(byScore))
	for i, e := range byScore {
		scorePos[e] = i
	}

	var toBan []*Entry
	askFor := make(map[string]*Entry) // host -> run survivor
	var prev *Entry
	keeper := prev
	for _, e := range byAddr {
		if e.IsOutpointSpent() || e.IsUpdateRequired() || e.IsPoSeBanned() {
			continue
		}
		valid++
		if prev == nil {
			prev, keeper = e, e
			continue
		}
		if sameHost(e.Addr, prev.Addr) {
			if scorePos[e] > scorePos[keeper] {
				// the earlier entry has the lower ban score, ban this one
				toBan = append(toBan, e)
			} else {
				// this entry has the lower ban score, ban the earlier one
				toBan = append(toBan, keeper)
				keeper = e
			}
			askFor[e.Addr.Host.String()] = keeper
		} else {
			keeper = e
		}
		prev = e
	}

	banned = len(toBan)
	for _, e := range toBan {
		log.Printf("[registry] same-addr sweep: PoSe ban for entry %v", e.Outpoint)
		e.poSeBan(m.cfg.PoSeBanMaxScore)
	}
	for _, e := range askFor {
		survivors = append(survivors, survivor{out: e.Outpoint, addr: e.Addr})
	}
	m.mu.Unlock()

	log.Printf("[registry] same-addr sweep: banned %d of %d valid entries (total %d)", banned, valid, total)

	// probe the run winners so they can prove themselves; the probes
	// block on dials, so they stay outside the registry lock
	for _, s := range survivors {
		if m.checkConnect(s.addr) {
			log.Printf("[registry] same-addr sweep: will ask entry %v addr %v to verify", s.out, s.addr)
			m.mu.Lock()
			if _, ok := m.shouldAskForVerification[s.out]; !ok {
				m.shouldAskForVerification[s.out] = m.now()
			}
			m.mu.Unlock()
		} else {
			log.Printf("[registry] same-addr sweep: could not probe entry %v addr %v, raising PoSe score", s.out, s.addr)
			m.IncreasePoSeBanScore(s.out)
		}
	}
}

// checkConnect probes TCP reachability, gated by the address families
// this node can reach.
func (m *Manager) checkConnect(addr spec.Address) bool {
	v4 := addr.Host.To4() != nil
	docheck := m.cfg.OkDual || (m.cfg.OkIPv4 && v4) || (m.cfg.OkIPv6 && !v4)
	if !docheck {
		log.Printf("[registry] cannot check connection to %v", addr)
		return false
	}
	log.Printf("[registry] checking connection to %v", addr)
	connected := m.net.CheckConnect(addr)
	if !connected {
		log.Printf("[registry] could not connect to %v", addr)
	}
	return connected
}

// CheckMissingEntries penalises entries whose address shows up in the
// caller-supplied unreachable table with a hard connection failure.
func (m *Manager) CheckMissingEntries() {
	if !m.sync.IsSynced() {
		return
	}

	m.mu.Lock()
	if len(m.entries) == 0 {
		m.mu.Unlock()
		return
	}

	valid := 0
	var toBan []*Entry
	for _, e := range m.entries {
		if m.self.Is(e.Outpoint) {
			continue
		}
		if m.self.IsAddr(e.Addr) {
			log.Printf("[registry] missing sweep: banning entry %v at our addr %v", e.Outpoint, e.Addr)
			e.poSeBan(m.cfg.PoSeBanMaxScore)
			continue
		}
		if e.IsOutpointSpent() || e.IsUpdateRequired() || e.IsPoSeBanned() {
			continue
		}
		valid++
		key := m.fullAddrKey(e.Addr)
		code, ok := m.missing[key]
		if !ok {
			continue
		}
		// hard failures only: connection refused (111), permission
		// denied (13), no route to host (113)
		if code != 111 && code != 13 && code != 113 {
			continue
		}
		if isLocalAddr(e.Addr) {
			continue
		}
		v4 := e.Addr.Host.To4() != nil
		if (m.cfg.OkIPv4 && v4) || (m.cfg.OkIPv6 && !v4) {
			toBan = append(toBan, e)
			delete(m.missing, key)
		}
	}

	for _, e := range toBan {
		log.Printf("[registry] missing sweep: raising PoSe score for entry %v", e.Outpoint)
		e.increasePoSeBanScore(m.cfg.PoSeBanMaxScore)
	}
	m.mu.Unlock()

	log.Printf("[registry] missing sweep: penalised %d of %d valid entries", len(toBan), valid)
}
