package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckSameAddrBansDuplicates(t *testing.T) {
	f := newFixture(t, nil)
	keeper, _ := f.insertEntry(t, 1, 10)
	f.mgr.Check()

	// squatter on the same address with a worse score
	squatter := &Entry{
		Outpoint:        testOutpoint(2),
		Addr:            keeper.Addr,
		PubKeyService:   testKey(t, 60).PubKey(),
		ProtocolVersion: keeper.ProtocolVersion,
		SigTime:         keeper.SigTime,
		LastPing:        keeper.LastPing,
		PoSeBanScore:    2,
		State:           StateEnabled,
	}
	f.mgr.mu.Lock()
	f.mgr.entries[squatter.Outpoint] = squatter
	f.mgr.mu.Unlock()

	f.mgr.CheckSameAddr()

	// exactly one remains non-banned, and the survivor's ban score is
	// not above the loser's
	require.True(t, squatter.IsPoSeBanned() != keeper.IsPoSeBanned())
	var survivor, loser *Entry
	if squatter.IsPoSeBanned() {
		survivor, loser = keeper, squatter
	} else {
		survivor, loser = squatter, keeper
	}
	require.LessOrEqual(t, survivor.PoSeBanScore, loser.PoSeBanScore)
	require.Equal(t, keeper, survivor)

	// the reachable survivor is queued for a verification challenge
	f.mgr.mu.Lock()
	_, queued := f.mgr.shouldAskForVerification[survivor.Outpoint]
	f.mgr.mu.Unlock()
	require.True(t, queued)
}

func TestCheckSameAddrUnreachableSurvivorPenalised(t *testing.T) {
	f := newFixture(t, nil)
	keeper, _ := f.insertEntry(t, 1, 10)
	f.mgr.Check()

	squatter := &Entry{
		Outpoint:        testOutpoint(2),
		Addr:            keeper.Addr,
		PubKeyService:   testKey(t, 60).PubKey(),
		ProtocolVersion: keeper.ProtocolVersion,
		LastPing:        keeper.LastPing,
		SigTime:         keeper.SigTime,
		PoSeBanScore:    2,
		State:           StateEnabled,
	}
	f.mgr.mu.Lock()
	f.mgr.entries[squatter.Outpoint] = squatter
	f.mgr.mu.Unlock()

	f.net.connectOK = false
	f.mgr.CheckSameAddr()

	require.Equal(t, 1, keeper.PoSeBanScore)
	f.mgr.mu.Lock()
	require.Empty(t, f.mgr.shouldAskForVerification)
	f.mgr.mu.Unlock()
}

func TestCheckSameAddrBansOurAddrSquatters(t *testing.T) {
	f := newFixture(t, nil)
	id := testIdentity(t, f, 40, 40)
	f.mgr.self = id

	squatter, _ := f.insertEntry(t, 1, 40) // same addr as our service
	f.mgr.Check()

	f.mgr.CheckSameAddr()
	require.True(t, squatter.IsPoSeBanned())
}

func TestCheckMissingEntries(t *testing.T) {
	f := newFixture(t, nil)
	e1, _ := f.insertEntry(t, 1, 10)
	e2, _ := f.insertEntry(t, 2, 11)
	f.mgr.Check()

	f.mgr.SetMissing(e1.Addr, 111) // connection refused class
	f.mgr.SetMissing(e2.Addr, 99)  // not a hard failure

	f.mgr.CheckMissingEntries()

	require.Equal(t, 1, e1.PoSeBanScore)
	require.Equal(t, 0, e2.PoSeBanScore)

	// consumed: a second sweep does not penalise again
	f.mgr.CheckMissingEntries()
	require.Equal(t, 1, e1.PoSeBanScore)
}
