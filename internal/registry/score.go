package registry

import (
	"log"
	"sort"

	"github.com/holiman/uint256"

	"code.dogecoin.org/registry/internal/spec"
)

// blocks between the payment height and the hash that seeds the
// winner score; fixed by the network's double-payment probability
const payScoreHashOffset = 101

type scorePair struct {
	score *uint256.Int
	entry *Entry
}

// RankPair is one row of the score-ordered ranking.
type RankPair struct {
	Rank  int
	Entry Snapshot
}

// scoresLocked computes the descending score order of all entries at
// the protocol floor. Ties break by outpoint. Caller holds mu.
func (m *Manager) scoresLocked(blockHash [32]byte, minProtocol int) []scorePair {
	if len(m.entries) == 0 {
		return nil
	}
	if minProtocol <= 0 {
		minProtocol = m.sched.MinProtocolVersion()
	}
	pairs := make([]scorePair, 0, len(m.entries))
	for _, e := range m.entries {
		if e.ProtocolVersion >= uint32(minProtocol) {
			pairs = append(pairs, scorePair{score: e.CalculateScore(blockHash), entry: e})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		c := pairs[i].score.Cmp(pairs[j].score)
		if c != 0 {
			return c > 0
		}
		return pairs[i].entry.Outpoint.Less(pairs[j].entry.Outpoint)
	})
	return pairs
}

// RankOf returns the 1-based position of the entry in the descending
// score order at the given height.
func (m *Manager) RankOf(out spec.Outpoint, height int, minProtocol int) (int, error) {
	if !m.sync.IsListSynced() {
		return 0, spec.NewErr(spec.NotSynced, "entry list not synced")
	}
	blockHash, ok := m.chain.BlockHashAt(height)
	if !ok {
		log.Printf("[registry] rank: no block hash at height %d", height)
		return 0, spec.NewErr(spec.BlockHashUnavailable, "no block hash at height %d", height)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.scoresLocked(blockHash, minProtocol) {
		if p.entry.Outpoint == out {
			return i + 1, nil
		}
	}
	return 0, spec.NewErr(spec.UnknownOutpoint, "entry %v has no rank at height %d", out, height)
}

// RanksAt returns the full 1-based ranking at the given height.
func (m *Manager) RanksAt(height int, minProtocol int) ([]RankPair, error) {
	if !m.sync.IsListSynced() {
		return nil, spec.NewErr(spec.NotSynced, "entry list not synced")
	}
	blockHash, ok := m.chain.BlockHashAt(height)
	if !ok {
		log.Printf("[registry] ranks: no block hash at height %d", height)
		return nil, spec.NewErr(spec.BlockHashUnavailable, "no block hash at height %d", height)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pairs := m.scoresLocked(blockHash, minProtocol)
	ranks := make([]RankPair, 0, len(pairs))
	for i, p := range pairs {
		ranks = append(ranks, RankPair{Rank: i + 1, Entry: p.entry.snapshot()})
	}
	return ranks, nil
}

// NextForPayment deterministically selects the next entry to be paid
// at the given height: among valid candidates not already scheduled,
// take the tenth of the network longest unpaid and pick the one with
// the highest score seeded by the block hash 101 blocks back.
func (m *Manager) NextForPayment(height int, filterSigTime bool) (count int, winner *Snapshot) {
	if !m.sync.IsWinnersSynced() {
		// without the winners list we can't reliably find the next winner anyway
		return 0, nil
	}

	// chain data first, registry lock second
	blockHash, hashOK := m.chain.BlockHashAt(height - payScoreHashOffset)
	adjTime := m.chain.AdjustedTime()

	type candidate struct {
		out          spec.Outpoint
		sigTime      int64
		lastPaid     int
		pubKey       []byte
		snap         Snapshot
	}
	var candidates []candidate
	var total int
	minProto := m.sched.MinProtocolVersion()

	m.mu.Lock()
	total = m.countLocked(minProto)
	for _, e := range m.entries {
		if !e.IsValidForPayment() {
			continue
		}
		if e.ProtocolVersion < uint32(minProto) {
			continue
		}
		candidates = append(candidates, candidate{
			out:      e.Outpoint,
			sigTime:  e.SigTime,
			lastPaid: e.LastPaidBlock,
			pubKey:   append([]byte(nil), e.PubKeyCollateral...),
			snap:     e.snapshot(),
		})
	}
	m.mu.Unlock()

	// remaining filters consult external services outside the lock
	filtered := candidates[:0]
	for _, c := range candidates {
		// already selected for one of the next ~8 blocks, skip
		if m.sched.IsScheduled(c.out, height) {
			continue
		}
		// too new, wait for a cycle
		if filterSigTime && c.sigTime+int64(total)*156 > adjTime {
			continue
		}
		// must have at least as many confirmations as there are entries
		conf, ok := m.chain.UTXOConfirmations(c.out)
		if !ok || conf < total {
			continue
		}
		filtered = append(filtered, c)
	}
	count = len(filtered)

	// while the network upgrades, don't penalize recently restarted entries
	if filterSigTime && count < total/3 {
		return m.NextForPayment(height, false)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].lastPaid != filtered[j].lastPaid {
			return filtered[i].lastPaid < filtered[j].lastPaid
		}
		return filtered[i].out.Less(filtered[j].out)
	})

	if !hashOK {
		log.Printf("[registry] payment selection: no block hash at height %d", height-payScoreHashOffset)
		return count, nil
	}

	// look at the tenth of the network longest unpaid, pay the best score
	tenth := total / 10
	highest := uint256.NewInt(0)
	seen := 0
	for i := range filtered {
		score := ScoreOf(filtered[i].out, filtered[i].pubKey, blockHash)
		if score.Cmp(highest) > 0 {
			highest = score
			winner = &filtered[i].snap
		}
		seen++
		if seen >= tenth {
			break
		}
	}
	return count, winner
}

// FindRandomNotInVec picks a random enabled entry whose outpoint is
// not in the exclusion list (mixing queue candidate selection).
func (m *Manager) FindRandomNotInVec(exclude []spec.Outpoint, minProtocol int) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if minProtocol <= 0 {
		minProtocol = m.sched.MinProtocolVersion()
	}
	enabled := m.countEnabledLocked(minProtocol)
	if enabled-len(exclude) < 1 {
		return Snapshot{}, false
	}
	log.Printf("[registry] random pick: %d enabled entries, %d to choose from", enabled, enabled-len(exclude))

	shuffled := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		shuffled = append(shuffled, e)
	}
	m.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	for _, e := range shuffled {
		if e.ProtocolVersion < uint32(minProtocol) || !e.IsEnabled() {
			continue
		}
		excluded := false
		for _, out := range exclude {
			if e.Outpoint == out {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		return e.snapshot(), true
	}
	return Snapshot{}, false
}
