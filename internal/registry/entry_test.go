package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntryStateMachine(t *testing.T) {
	f := newFixture(t, nil)
	e, _ := f.insertEntry(t, 1, 10)

	require.Equal(t, StatePreEnabled, e.State)

	// a ping inside the window enables the entry
	f.mgr.Check()
	require.Equal(t, StateEnabled, e.State)

	// no ping for ExpirationSeconds expires it
	f.advance(f.cfg.ExpirationSeconds + 60)
	f.mgr.mu.Lock()
	f.mgr.checkEntryLocked(e, true, false)
	f.mgr.mu.Unlock()
	require.Equal(t, StateExpired, e.State)

	// silence beyond NewStartRequiredSeconds needs a fresh announcement
	f.advance(f.cfg.NewStartRequiredSeconds)
	f.mgr.mu.Lock()
	f.mgr.checkEntryLocked(e, true, false)
	f.mgr.mu.Unlock()
	require.Equal(t, StateNewStartRequired, e.State)
}

func TestEntryUpdateRequired(t *testing.T) {
	f := newFixture(t, nil)
	e, _ := f.insertEntry(t, 1, 10)

	e.ProtocolVersion = uint32(f.sched.minProto - 1)
	f.mgr.mu.Lock()
	f.mgr.checkEntryLocked(e, true, false)
	f.mgr.mu.Unlock()
	require.Equal(t, StateUpdateRequired, e.State)
}

func TestEntryOutpointSpent(t *testing.T) {
	f := newFixture(t, nil)
	e, _ := f.insertEntry(t, 1, 10)

	delete(f.chain.conf, e.Outpoint)
	f.mgr.Check()
	require.Equal(t, StateOutpointSpent, e.State)
}

func TestPoSeBanScoreClamped(t *testing.T) {
	f := newFixture(t, nil)
	e, _ := f.insertEntry(t, 1, 10)

	// decrement at zero stays at zero
	e.decreasePoSeBanScore()
	require.Equal(t, 0, e.PoSeBanScore)

	// increments clamp at the maximum
	for i := 0; i < f.cfg.PoSeBanMaxScore*2; i++ {
		e.increasePoSeBanScore(f.cfg.PoSeBanMaxScore)
	}
	require.Equal(t, f.cfg.PoSeBanMaxScore, e.PoSeBanScore)

	// reaching the maximum transitions to POSE_BANNED
	f.mgr.mu.Lock()
	f.mgr.checkEntryLocked(e, true, false)
	f.mgr.mu.Unlock()
	require.Equal(t, StatePoSeBanned, e.State)

	// no operation on a banned entry decreases the score
	e.decreasePoSeBanScore()
	require.Equal(t, f.cfg.PoSeBanMaxScore, e.PoSeBanScore)
}

func TestFreshBroadcastResetsState(t *testing.T) {
	f := newFixture(t, nil)
	e, _ := f.insertEntry(t, 1, 10)

	f.advance(f.cfg.ExpirationSeconds + 60)
	f.mgr.mu.Lock()
	f.mgr.checkEntryLocked(e, true, false)
	f.mgr.mu.Unlock()
	require.Equal(t, StateExpired, e.State)

	// a fresh valid broadcast brings the entry back
	b, _, _ := f.testBroadcast(t, 1, 10)
	accepted, err := f.mgr.CheckAndUpdate(nil, b)
	require.NoError(t, err)
	require.True(t, accepted)
	f.mgr.mu.Lock()
	state := f.mgr.entries[e.Outpoint].State
	f.mgr.mu.Unlock()
	require.Contains(t, []State{StatePreEnabled, StateEnabled}, state)
}
