package registry

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"code.dogecoin.org/registry/internal/chaincfg"
	msg "code.dogecoin.org/registry/internal/core"
	"code.dogecoin.org/registry/internal/signer"
	"code.dogecoin.org/registry/internal/spec"
)

// fakeChain is an in-test chain view.
type fakeChain struct {
	hashes  map[int][32]byte
	heights map[[32]byte]int
	tip     int
	conf    map[spec.Outpoint]int // absent = spent/unknown
	adjTime int64
}

func newFakeChain(tip int) *fakeChain {
	c := &fakeChain{
		hashes:  make(map[int][32]byte),
		heights: make(map[[32]byte]int),
		conf:    make(map[spec.Outpoint]int),
		tip:     tip,
		adjTime: 1700000000,
	}
	for h := 0; h <= tip; h++ {
		var hash [32]byte
		binary.BigEndian.PutUint64(hash[24:], uint64(h)+1)
		c.hashes[h] = hash
		c.heights[hash] = h
	}
	return c
}

func (c *fakeChain) BlockHashAt(height int) ([32]byte, bool) {
	hash, ok := c.hashes[height]
	return hash, ok
}

func (c *fakeChain) BlockHeightOf(hash [32]byte) (int, bool) {
	height, ok := c.heights[hash]
	return height, ok
}

func (c *fakeChain) TipHeight() int { return c.tip }

func (c *fakeChain) UTXOConfirmations(out spec.Outpoint) (int, bool) {
	conf, ok := c.conf[out]
	return conf, ok
}

func (c *fakeChain) AdjustedTime() int64 { return c.adjTime }

// fakeSync reports full sync unless a test flips a flag.
type fakeSync struct {
	blockchain, list, winners, synced bool
	bumps                             []string
}

func newFakeSync() *fakeSync {
	return &fakeSync{blockchain: true, list: true, winners: true, synced: true}
}

func (s *fakeSync) IsBlockchainSynced() bool      { return s.blockchain }
func (s *fakeSync) IsListSynced() bool            { return s.list }
func (s *fakeSync) IsWinnersSynced() bool         { return s.winners }
func (s *fakeSync) IsSynced() bool                { return s.synced }
func (s *fakeSync) BumpAssetLastTime(tag string)  { s.bumps = append(s.bumps, tag) }

// fakeSched has no winners scheduled unless a test adds them.
type fakeSched struct {
	minProto  int
	scheduled map[spec.Outpoint]bool
	storage   int
}

func newFakeSched() *fakeSched {
	return &fakeSched{minProto: 70013, scheduled: make(map[spec.Outpoint]bool), storage: 5000}
}

func (s *fakeSched) IsScheduled(out spec.Outpoint, height int) bool { return s.scheduled[out] }
func (s *fakeSched) MinProtocolVersion() int                        { return s.minProto }
func (s *fakeSched) StorageLimit() int                              { return s.storage }

type sentMsg struct {
	cmd     string
	payload []byte
}

type fakePeer struct {
	id   int64
	addr spec.Address
	sent []sentMsg
}

func (p *fakePeer) ID() int64          { return p.id }
func (p *fakePeer) Addr() spec.Address { return p.addr }
func (p *fakePeer) Send(cmd string, payload []byte) error {
	p.sent = append(p.sent, sentMsg{cmd: cmd, payload: payload})
	return nil
}

type fakeNet struct {
	peers     []*fakePeer
	misbehave map[int64]int
	pending   []spec.Address
	added     []spec.Address
	connectOK bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{misbehave: make(map[int64]int), connectOK: true}
}

func (n *fakeNet) ForEachPeer(f func(spec.Peer)) {
	for _, p := range n.peers {
		f(p)
	}
}

func (n *fakeNet) FindPeer(addr spec.Address) spec.Peer {
	for _, p := range n.peers {
		if p.addr.String() == addr.String() {
			return p
		}
	}
	return nil
}

func (n *fakeNet) AddPendingPeer(addr spec.Address) { n.pending = append(n.pending, addr) }

func (n *fakeNet) IsConnectedOrPending(addr spec.Address) bool { return false }

func (n *fakeNet) Misbehaving(id int64, score int, reason string) { n.misbehave[id] += score }

func (n *fakeNet) AddAddress(addr spec.Address, from spec.Address) { n.added = append(n.added, addr) }

func (n *fakeNet) CheckConnect(addr spec.Address) bool { return n.connectOK }

// test fixture bundling a manager with its collaborators
type fixture struct {
	mgr   *Manager
	cfg   *chaincfg.Params
	chain *fakeChain
	net   *fakeNet
	sync  *fakeSync
	sched *fakeSched
	now   int64
}

func newFixture(t *testing.T, self *Identity) *fixture {
	t.Helper()
	cfg := chaincfg.MainNet()
	f := &fixture{
		cfg:   cfg,
		chain: newFakeChain(2000),
		net:   newFakeNet(),
		sync:  newFakeSync(),
		sched: newFakeSched(),
		now:   1700000000,
	}
	f.chain.adjTime = f.now
	f.mgr = New(cfg, f.chain, f.net, f.sync, f.sched, self, DaemonTestVersion)
	f.mgr.now = func() int64 { return f.now }
	f.mgr.cachedTipHeight = f.chain.tip
	return f
}

const DaemonTestVersion = 1070015

// advance moves both wall clock and adjusted time.
func (f *fixture) advance(seconds int64) {
	f.now += seconds
	f.chain.adjTime = f.now
}

// testKey derives a deterministic signing key from a seed byte.
func testKey(t *testing.T, seed byte) *signer.Key {
	t.Helper()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = seed
	}
	raw[31] = 1 // keep the scalar in range
	key, err := signer.KeyFromBytes(raw)
	require.NoError(t, err)
	return key
}

func testOutpoint(b byte) spec.Outpoint {
	var out spec.Outpoint
	for i := range out.TxID {
		out.TxID[i] = b
	}
	out.Index = 0
	return out
}

func testAddr(last byte, port uint16) spec.Address {
	return spec.Address{Host: net.IPv4(51, 82, 14, last).To16(), Port: port}
}

func makeTestVerification(height int32) msg.Verification {
	return msg.Verification{
		Addr:        testAddr(66, 22556),
		Nonce:       1,
		BlockHeight: height,
	}
}

// testBroadcast builds a fully signed announcement for an entry whose
// collateral and service keys derive from the seed.
func (f *fixture) testBroadcast(t *testing.T, seed byte, addrLast byte) (msg.Broadcast, *signer.Key, *signer.Key) {
	t.Helper()
	collateral := testKey(t, seed)
	service := testKey(t, seed+100)
	out := testOutpoint(seed)
	f.chain.conf[out] = 100

	blockHash, _ := f.chain.BlockHashAt(f.chain.tip - 12)
	ping := msg.Ping{
		Outpoint:          out,
		BlockHash:         blockHash,
		SigTime:           f.now - 10,
		SentinelIsCurrent: true,
		DaemonVersion:     DaemonTestVersion,
	}
	ping.Sig = service.SignHash(ping.SignatureHash())

	b := msg.Broadcast{
		Outpoint:         out,
		Addr:             testAddr(addrLast, f.cfg.DefaultPort),
		PubKeyCollateral: collateral.PubKey(),
		PubKeyService:    service.PubKey(),
		SigTime:          f.now - 3600,
		ProtocolVersion:  uint32(f.cfg.ProtocolVersion),
		LastPing:         ping,
	}
	b.Sig = collateral.SignHash(b.SignatureHash())
	return b, collateral, service
}

// insertEntry admits a broadcast through the normal write path.
func (f *fixture) insertEntry(t *testing.T, seed byte, addrLast byte) (*Entry, *signer.Key) {
	t.Helper()
	b, _, service := f.testBroadcast(t, seed, addrLast)
	accepted, err := f.mgr.CheckAndUpdate(nil, b)
	require.NoError(t, err)
	require.True(t, accepted)
	f.mgr.mu.Lock()
	e := f.mgr.entries[b.Outpoint]
	f.mgr.mu.Unlock()
	require.NotNil(t, e)
	return e, service
}
