package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAskTablesExpire(t *testing.T) {
	f := newFixture(t, nil)
	f.insertEntry(t, 1, 10)

	peer := &fakePeer{id: 4, addr: testAddr(99, 22556)}
	f.mgr.SyncAll(peer)
	f.mgr.AskForEntry(peer, testOutpoint(7))
	f.mgr.DsegUpdate(peer)

	f.mgr.mu.Lock()
	require.Len(t, f.mgr.askedUsForList, 1)
	require.Len(t, f.mgr.weAskedForList, 1)
	require.Len(t, f.mgr.weAskedForEntry, 1)
	f.mgr.mu.Unlock()

	f.advance(f.cfg.DsegUpdateSeconds + 1)
	f.mgr.CheckAndRemove()

	f.mgr.mu.Lock()
	require.Empty(t, f.mgr.askedUsForList)
	require.Empty(t, f.mgr.weAskedForList)
	require.Empty(t, f.mgr.weAskedForEntry)
	f.mgr.mu.Unlock()
}

func TestSeenVerificationExpiresByHeight(t *testing.T) {
	f := newFixture(t, nil)
	f.insertEntry(t, 1, 10)

	var staleHash, freshHash [32]byte
	staleHash[0], freshHash[0] = 1, 2
	f.mgr.mu.Lock()
	stale := f.mgr.seenVerification
	stale[staleHash] = makeTestVerification(int32(f.chain.tip - f.cfg.MaxPoSeBlocks - 1))
	stale[freshHash] = makeTestVerification(int32(f.chain.tip - 1))
	f.mgr.mu.Unlock()

	f.mgr.CheckAndRemove()

	f.mgr.mu.Lock()
	_, hasStale := f.mgr.seenVerification[staleHash]
	_, hasFresh := f.mgr.seenVerification[freshHash]
	f.mgr.mu.Unlock()
	require.False(t, hasStale)
	require.True(t, hasFresh)
}

func TestDoFullVerificationStepGating(t *testing.T) {
	f := newFixture(t, nil)
	f.insertEntry(t, 1, 10)

	// not an operator: nothing happens
	f.mgr.DoFullVerificationStep()
	f.mgr.pendingMnvMu.Lock()
	require.Empty(t, f.mgr.pendingMnv)
	f.mgr.pendingMnvMu.Unlock()
}

func TestDoFullVerificationStepDrainsAskQueue(t *testing.T) {
	f := newFixture(t, nil)
	// our own entry must appear in the ranking
	own, _ := f.insertEntry(t, 5, 15)
	f.mgr.self = &Identity{
		Outpoint:   own.Outpoint,
		Service:    own.Addr,
		ServiceKey: testKey(t, 105),
	}
	target, _ := f.insertEntry(t, 1, 10)
	f.mgr.Check()

	// the duplicate-address sweep queued the target for verification
	f.mgr.mu.Lock()
	f.mgr.shouldAskForVerification[target.Outpoint] = f.now - 30
	f.mgr.mu.Unlock()

	f.mgr.DoFullVerificationStep()

	// the queued challenge is pending and the queue is drained
	f.mgr.pendingMnvMu.Lock()
	_, pending := f.mgr.pendingMnv[target.Addr.String()]
	f.mgr.pendingMnvMu.Unlock()
	require.True(t, pending)
	f.mgr.mu.Lock()
	require.Empty(t, f.mgr.shouldAskForVerification)
	f.mgr.mu.Unlock()
	require.Contains(t, f.net.pending, target.Addr)
}
