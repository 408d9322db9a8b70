// Package registry maintains the authoritative local view of all
// known service-node entries: who exists, whether they are alive,
// their proof-of-service reputation, and who gets paid next.
//
// Locking: the Manager owns one mutex (mu) guarding the entry map and
// every gossip cache and ask-table. Chain state is consulted through
// the spec.Chain interface; any method that needs chain data gathers
// it BEFORE taking mu, so the chain service's own locking always
// nests outside ours. A second small mutex (pendingMnvMu) guards only
// the pending-verification queue and is a leaf: it is never held
// while taking mu. Network I/O is never performed under either lock;
// address lists are prepared inside the lock and consumed outside it.
package registry

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/philpearl/intern"

	"code.dogecoin.org/registry/internal/chaincfg"
	msg "code.dogecoin.org/registry/internal/core"
	"code.dogecoin.org/registry/internal/signer"
	"code.dogecoin.org/registry/internal/spec"
)

// throttle for per-entry state re-derivation
const checkSeconds = 5

// wall-clock timeout for pending connect-and-send queues
const pendingTimeoutSeconds = 15

// cooldown for verification fulfillment substates
const verifyFulfilledSeconds = 60 * 60

type seenBroadcast struct {
	firstSeen int64
	bcast     msg.Broadcast
}

type recoveryRequest struct {
	deadline int64
	created  int64
	asked    map[string]struct{} // squashed peer addrs
}

type scheduledRequest struct {
	addrKey string // squashed peer addr
	addr    spec.Address
	hash    [32]byte
}

type pendingEntryReq struct {
	enqueued int64
	addr     spec.Address
	hashes   map[[32]byte]struct{}
}

type pendingVerifyReq struct {
	enqueued int64
	addr     spec.Address
	mnv      msg.Verification
}

type Manager struct {
	cfg   *chaincfg.Params
	chain spec.Chain
	net   spec.Net
	sync  spec.SyncState
	sched spec.Scheduler
	self  *Identity // nil when not operating an entry
	lite  bool      // disables all registry functions

	mu      sync.Mutex // the registry lock
	entries map[spec.Outpoint]*Entry

	askedUsForList  map[string]int64
	weAskedForList  map[string]int64
	weAskedForEntry map[spec.Outpoint]map[string]int64

	weAskedForVerification   map[string]msg.Verification
	shouldAskForVerification map[spec.Outpoint]int64

	seenBroadcast    map[[32]byte]*seenBroadcast
	seenPing         map[[32]byte]msg.Ping
	seenVerification map[[32]byte]msg.Verification

	recoveryRequests       map[[32]byte]*recoveryRequest
	recoveryGoodReplies    map[[32]byte][]msg.Broadcast
	scheduledEntryRequests []scheduledRequest
	pendingEntryRequests   map[string]*pendingEntryReq

	pendingMnvMu sync.Mutex // leaf lock: never taken before mu is released
	pendingMnv   map[string]*pendingVerifyReq

	fulfilled map[string]*peerFulfillment
	missing   map[string]int // addr key -> unreachable code fed by the caller

	dsqCount         uint64
	lastSentinelPing int64
	lastWarning      string
	cachedTipHeight  int
	lastPaidRun      int
	warnedUpdates    bool
	daemonVersion    uint32

	entriesAdded    bool
	entriesRemoved  bool
	dirtyGovernance [][32]byte

	addrKeys *intern.Intern
	rng      *rand.Rand
	now      func() int64

	// OnUpdates is invoked after entries were added or removed
	// (governance cache maintenance hook). May be nil.
	OnUpdates func(added bool, removed bool)
	// Warn surfaces operator-visible warnings. May be nil.
	Warn func(text string)
}

func New(cfg *chaincfg.Params, chain spec.Chain, net spec.Net, syncState spec.SyncState,
	sched spec.Scheduler, self *Identity, daemonVersion uint32) *Manager {
	return &Manager{
		cfg:                      cfg,
		chain:                    chain,
		net:                      net,
		sync:                     syncState,
		sched:                    sched,
		self:                     self,
		entries:                  make(map[spec.Outpoint]*Entry),
		askedUsForList:           make(map[string]int64),
		weAskedForList:           make(map[string]int64),
		weAskedForEntry:          make(map[spec.Outpoint]map[string]int64),
		weAskedForVerification:   make(map[string]msg.Verification),
		shouldAskForVerification: make(map[spec.Outpoint]int64),
		seenBroadcast:            make(map[[32]byte]*seenBroadcast),
		seenPing:                 make(map[[32]byte]msg.Ping),
		seenVerification:         make(map[[32]byte]msg.Verification),
		recoveryRequests:         make(map[[32]byte]*recoveryRequest),
		recoveryGoodReplies:      make(map[[32]byte][]msg.Broadcast),
		pendingEntryRequests:     make(map[string]*pendingEntryReq),
		pendingMnv:               make(map[string]*pendingVerifyReq),
		fulfilled:                make(map[string]*peerFulfillment),
		missing:                  make(map[string]int),
		addrKeys:                 intern.New(1024),
		rng:                      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:                      func() int64 { return time.Now().Unix() },
		daemonVersion:            daemonVersion,
	}
}

// scheme is the signature scheme selected by the chain-level switch.
func (m *Manager) scheme() signer.Scheme {
	if m.cfg.NewSigs {
		return signer.HashScheme
	}
	return signer.MessageScheme
}

// addrKey collapses the port to zero unless the chain allows multiple
// entries per IP; interned since the same peers recur across tables.
func (m *Manager) addrKey(addr spec.Address) string {
	if !m.cfg.AllowMultiplePorts {
		addr = spec.Address{Host: addr.Host, Port: 0}
	}
	return m.addrKeys.Deduplicate(addr.String())
}

// fullAddrKey keeps the port (verification is per endpoint).
func (m *Manager) fullAddrKey(addr spec.Address) string {
	return m.addrKeys.Deduplicate(addr.String())
}

// Add inserts a new entry. Fails if the outpoint or (at insertion
// time) the address is already present.
func (m *Manager) Add(e *Entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(e)
}

func (m *Manager) addLocked(e *Entry) bool {
	if _, ok := m.entries[e.Outpoint]; ok {
		return false
	}
	if m.hasAddrLocked(e.Addr) {
		return false
	}
	log.Printf("[registry] adding new entry: addr=%v, %d now", e.Addr, len(m.entries)+1)
	m.entries[e.Outpoint] = e
	m.entriesAdded = true
	return true
}

func (m *Manager) findLocked(out spec.Outpoint) *Entry {
	return m.entries[out]
}

// Get returns a snapshot of the entry, if known.
func (m *Manager) Get(out spec.Outpoint) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[out]
	if e == nil {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// GetByServicePubKey finds the entry operating with the given service key.
func (m *Manager) GetByServicePubKey(pubKey []byte) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if bytesEqual(e.PubKeyService, pubKey) {
			return e.snapshot(), true
		}
	}
	return Snapshot{}, false
}

func (m *Manager) Has(out spec.Outpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[out]
	return ok
}

func (m *Manager) HasAddr(addr spec.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasAddrLocked(addr)
}

func (m *Manager) hasAddrLocked(addr spec.Address) bool {
	for _, e := range m.entries {
		if sameAddr(e.Addr, addr) {
			return true
		}
	}
	return false
}

// Count returns how many entries satisfy the protocol floor
// (minProtocol <= 0 selects the payment scheduler's floor).
func (m *Manager) Count(minProtocol int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(minProtocol)
}

func (m *Manager) countLocked(minProtocol int) int {
	if minProtocol <= 0 {
		minProtocol = m.sched.MinProtocolVersion()
	}
	n := 0
	for _, e := range m.entries {
		if e.ProtocolVersion >= uint32(minProtocol) {
			n++
		}
	}
	return n
}

func (m *Manager) CountEnabled(minProtocol int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countEnabledLocked(minProtocol)
}

func (m *Manager) countEnabledLocked(minProtocol int) int {
	if minProtocol <= 0 {
		minProtocol = m.sched.MinProtocolVersion()
	}
	n := 0
	for _, e := range m.entries {
		if e.ProtocolVersion >= uint32(minProtocol) && e.IsEnabled() {
			n++
		}
	}
	return n
}

// CountByIP counts entries by address family ("ipv4" or "ipv6").
func (m *Manager) CountByIP(network string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		v4 := e.Addr.Host.To4() != nil
		if (network == "ipv4" && v4) || (network == "ipv6" && !v4) {
			n++
		}
	}
	return n
}

// Entries returns snapshots of every entry, for display.
func (m *Manager) Entries() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Snapshot, 0, len(m.entries))
	for _, e := range m.entries {
		res = append(res, e.snapshot())
	}
	return res
}

// AllowMixing marks the entry as accepting mixing transactions and
// stamps it with the next queue sequence number.
func (m *Manager) AllowMixing(out spec.Outpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[out]
	if e == nil {
		return false
	}
	m.dsqCount++
	e.LastDsq = m.dsqCount
	e.AllowMixingTx = true
	return true
}

func (m *Manager) DisallowMixing(out spec.Outpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[out]
	if e == nil {
		return false
	}
	e.AllowMixingTx = false
	return true
}

// PoSe score mutation, by outpoint. None of these apply to our own entry.

func (m *Manager) IncreasePoSeBanScore(out spec.Outpoint) bool {
	if m.self.Is(out) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.increasePoSeLocked(out)
}

func (m *Manager) increasePoSeLocked(out spec.Outpoint) bool {
	e := m.entries[out]
	if e == nil {
		return false
	}
	e.increasePoSeBanScore(m.cfg.PoSeBanMaxScore)
	return true
}

func (m *Manager) DecreasePoSeBanScore(out spec.Outpoint) bool {
	if m.self.Is(out) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[out]
	if e == nil {
		return false
	}
	e.decreasePoSeBanScore()
	return true
}

func (m *Manager) PoSeBan(out spec.Outpoint) bool {
	if m.self.Is(out) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[out]
	if e == nil {
		return false
	}
	e.poSeBan(m.cfg.PoSeBanMaxScore)
	return true
}

// ...and by service address.

func (m *Manager) IncreasePoSeBanScoreByAddr(addr spec.Address) bool {
	if m.self.IsAddr(addr) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if sameAddr(e.Addr, addr) && !m.self.Is(e.Outpoint) {
			e.increasePoSeBanScore(m.cfg.PoSeBanMaxScore)
			return true
		}
	}
	return false
}

// Clear drops the entries, the list ask-tables, the seen announcement
// and ping caches, and the dsq and sentinel counters (used when a
// persisted snapshot is rejected). Verification, recovery and pending
// request tables are kept.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[spec.Outpoint]*Entry)
	m.askedUsForList = make(map[string]int64)
	m.weAskedForList = make(map[string]int64)
	m.weAskedForEntry = make(map[spec.Outpoint]map[string]int64)
	m.seenBroadcast = make(map[[32]byte]*seenBroadcast)
	m.seenPing = make(map[[32]byte]msg.Ping)
	m.dsqCount = 0
	m.lastSentinelPing = 0
}

func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("entries: %d, peers who asked us for the list: %d, peers we asked for the list: %d, entries we asked for: %d, dsq count: %d",
		len(m.entries), len(m.askedUsForList), len(m.weAskedForList), len(m.weAskedForEntry), m.dsqCount)
}

// Sentinel ping: any entry's recent ping with a current sentinel
// flips the aggregate liveness signal.

func (m *Manager) UpdateLastSentinelPingTime() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSentinelPing = m.now()
}

func (m *Manager) IsSentinelPingActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentinelActiveLocked()
}

func (m *Manager) sentinelActiveLocked() bool {
	return m.now()-m.lastSentinelPing <= m.cfg.SentinelPingMaxSeconds
}

// Governance hooks.

func (m *Manager) AddGovernanceVote(out spec.Outpoint, governanceHash [32]byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[out]
	if e == nil {
		return false
	}
	e.addGovernanceVote(governanceHash)
	return true
}

func (m *Manager) RemoveGovernanceObject(governanceHash [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		e.removeGovernanceObject(governanceHash)
	}
}

// DrainDirtyGovernanceHashes hands the accumulated dirty vote hashes
// to the governance layer and resets the list.
func (m *Manager) DrainDirtyGovernanceHashes() [][32]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := m.dirtyGovernance
	m.dirtyGovernance = nil
	return res
}

func (m *Manager) IsPingedWithin(out spec.Outpoint, seconds int64, at int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[out]
	if e == nil {
		return false
	}
	if at == 0 {
		at = m.now()
	}
	return e.IsPingedWithin(seconds, at)
}

// SetEntryLastPing installs a ping on an entry (used by the local
// active-identity manager) and patches the seen-broadcast copy so
// relayed announcements carry the fresh ping.
func (m *Manager) SetEntryLastPing(out spec.Outpoint, p msg.Ping) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[out]
	if e == nil {
		return
	}
	e.LastPing = p
	if p.SentinelIsCurrent {
		m.lastSentinelPing = m.now()
	}
	m.seenPing[p.Hash()] = p

	b := m.broadcastOf(e)
	if sb, ok := m.seenBroadcast[b.Hash()]; ok {
		sb.bcast.LastPing = p
	}
}

// broadcastOf reconstructs the announcement a stored entry came from.
func (m *Manager) broadcastOf(e *Entry) msg.Broadcast {
	return msg.Broadcast{
		Outpoint:         e.Outpoint,
		Addr:             e.Addr,
		PubKeyCollateral: e.PubKeyCollateral,
		PubKeyService:    e.PubKeyService,
		Sig:              e.Sig,
		SigTime:          e.SigTime,
		ProtocolVersion:  e.ProtocolVersion,
		LastPing:         e.LastPing,
	}
}

// UpdatedBlockTip is invoked by the chain layer on every new tip.
func (m *Manager) UpdatedBlockTip(height int) {
	m.mu.Lock()
	m.cachedTipHeight = height
	m.mu.Unlock()
	log.Printf("[registry] updated block tip: height=%d", height)

	m.CheckSameAddr()

	if m.self.IsActive() {
		// only operators refresh last-paid, on every block; nothing
		// else in the registry runs this scan
		m.UpdateLastPaid()
	}
}

func (m *Manager) TipHeight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cachedTipHeight
}

// UpdateLastPaid re-scans recent blocks for payments to known
// entries. Scans at least LastPaidScanBlocks, at most the payment
// scheduler's storage limit.
func (m *Manager) UpdateLastPaid() {
	if !m.sync.IsWinnersSynced() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return
	}
	scanBack := m.cfg.LastPaidScanBlocks
	if behind := m.cachedTipHeight - m.lastPaidRun; behind > scanBack {
		scanBack = behind
	}
	if limit := m.sched.StorageLimit(); scanBack > limit {
		scanBack = limit
	}
	for h := m.cachedTipHeight - scanBack + 1; h <= m.cachedTipHeight; h++ {
		for _, e := range m.entries {
			if m.sched.IsScheduled(e.Outpoint, h) && h > e.LastPaidBlock {
				e.LastPaidBlock = h
				e.LastPaidTime = m.now()
			}
		}
	}
	m.lastPaidRun = m.cachedTipHeight
}

// WarnDaemonUpdates raises a one-shot operator warning once at least
// half of the known entries ping with a newer daemon version.
func (m *Manager) WarnDaemonUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.warnedUpdates || len(m.entries) == 0 || !m.sync.IsListSynced() {
		return
	}
	updated := 0
	for _, e := range m.entries {
		if e.LastPing.DaemonVersion > m.daemonVersion {
			updated++
		}
	}
	if updated*2 < len(m.entries) {
		return
	}
	var warning string
	if updated != len(m.entries) {
		warning = fmt.Sprintf("Warning: at least %d of %d service nodes are running a newer software version. Please check latest releases, you might need to update too.",
			updated, len(m.entries))
	} else {
		warning = fmt.Sprintf("Warning: every service node (out of %d known ones) is running a newer software version. Please check latest releases, it's very likely that you missed a major/critical update.",
			len(m.entries))
	}
	m.lastWarning = warning
	if m.Warn != nil {
		m.Warn(warning)
	}
	log.Printf("[registry] %s", warning)
	m.warnedUpdates = true
}

// NotifyUpdates informs the governance layer about membership churn.
func (m *Manager) NotifyUpdates() {
	m.mu.Lock()
	added, removed := m.entriesAdded, m.entriesRemoved
	m.entriesAdded, m.entriesRemoved = false, false
	m.mu.Unlock()

	if (added || removed) && m.OnUpdates != nil {
		m.OnUpdates(added, removed)
	}
}

// SetMissing feeds the unreachable-address table consumed by
// CheckMissingEntries (codes from the operator's connectivity probe).
func (m *Manager) SetMissing(addr spec.Address, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing[m.fullAddrKey(addr)] = code
}

// Status summarises the registry for the operator surface.
func (m *Manager) Status() spec.StatusRes {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := spec.StatusRes{
		Entries:        len(m.entries),
		DsqCount:       m.dsqCount,
		SentinelActive: m.sentinelActiveLocked(),
		Warning:        m.lastWarning,
	}
	minProto := uint32(m.sched.MinProtocolVersion())
	for _, e := range m.entries {
		if e.ProtocolVersion >= minProto && e.IsEnabled() {
			res.Enabled++
		}
		if e.Addr.Host.To4() != nil {
			res.IPv4++
		} else {
			res.IPv6++
		}
	}
	return res
}

func sameAddr(a, b spec.Address) bool {
	return a.Host.Equal(b.Host) && a.Port == b.Port
}

// sameHost compares addresses ignoring ports.
func sameHost(a, b spec.Address) bool {
	return a.Host.Equal(b.Host)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
