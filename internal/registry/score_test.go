package registry

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	msg "code.dogecoin.org/registry/internal/core"
	"code.dogecoin.org/registry/internal/spec"
)

func TestScoreOrderMatchesPreimageHashOrder(t *testing.T) {
	// identical collateral keys, different outpoints
	key := testKey(t, 7)
	a := spec.Outpoint{Index: 0}
	b := spec.Outpoint{Index: 0}
	for i := range a.TxID {
		a.TxID[i] = 0x11
		b.TxID[i] = 0x22
	}
	var blockHash [32]byte
	for i := 0; i < 32; i += 2 {
		blockHash[i] = 0xDE
		blockHash[i+1] = 0xAD
	}
	blockHash[30] = 0xBE
	blockHash[31] = 0xEF

	scoreA := ScoreOf(a, key.PubKey(), blockHash)
	scoreB := ScoreOf(b, key.PubKey(), blockHash)

	hashA := msg.DoubleSHA256(ScorePreimage(a, key.PubKey(), blockHash))
	hashB := msg.DoubleSHA256(ScorePreimage(b, key.PubKey(), blockHash))

	// scores order exactly as the preimage hashes compare as
	// 256-bit big-endian integers
	require.Equal(t, bytes.Compare(hashA[:], hashB[:]), scoreA.Cmp(scoreB))
	require.NotEqual(t, 0, scoreA.Cmp(scoreB))

	// and the score is stable for identical inputs
	require.Equal(t, 0, scoreA.Cmp(ScoreOf(a, key.PubKey(), blockHash)))
}

func TestRankMatchesScoreOrder(t *testing.T) {
	f := newFixture(t, nil)
	for seed := byte(1); seed <= 5; seed++ {
		f.insertEntry(t, seed, 10+seed)
	}
	height := f.chain.tip - 1
	blockHash, ok := f.chain.BlockHashAt(height)
	require.True(t, ok)

	ranks, err := f.mgr.RanksAt(height, -1)
	require.NoError(t, err)
	require.Len(t, ranks, 5)

	f.mgr.mu.Lock()
	pairs := f.mgr.scoresLocked(blockHash, -1)
	f.mgr.mu.Unlock()

	for i, rp := range ranks {
		require.Equal(t, i+1, rp.Rank)
		require.Equal(t, pairs[i].entry.Outpoint, rp.Entry.Outpoint)
		rank, err := f.mgr.RankOf(rp.Entry.Outpoint, height, -1)
		require.NoError(t, err)
		require.Equal(t, rp.Rank, rank)
	}

	// descending scores
	for i := 1; i < len(pairs); i++ {
		require.True(t, pairs[i-1].score.Cmp(pairs[i].score) >= 0)
	}
}

func TestRankUnavailableWithoutBlockHash(t *testing.T) {
	f := newFixture(t, nil)
	f.insertEntry(t, 1, 10)

	_, err := f.mgr.RankOf(testOutpoint(1), f.chain.tip+100, -1)
	require.Error(t, err)

	f.sync.list = false
	_, err = f.mgr.RanksAt(f.chain.tip-1, -1)
	require.Error(t, err)
}

func TestNextForPaymentOldestWins(t *testing.T) {
	f := newFixture(t, nil)
	// nine candidates: floor(total/10) = 0 with 9 entries, so the
	// selection loop stops after the first candidate in last-paid
	// order, which is the longest unpaid one.
	var oldest spec.Outpoint
	for seed := byte(1); seed <= 9; seed++ {
		e, _ := f.insertEntry(t, seed, 10+seed)
		e.LastPaidBlock = 1000 + int(seed)
		if seed == 1 {
			e.LastPaidBlock = 10 // clearly the longest unpaid
			oldest = e.Outpoint
		}
	}
	f.mgr.Check()

	count, winner := f.mgr.NextForPayment(f.chain.tip, true)
	require.Equal(t, 9, count)
	require.NotNil(t, winner)
	// with fewer candidates than the tenth-of-network window, the
	// longest-unpaid entry wins
	require.Equal(t, oldest, winner.Outpoint)
}

func TestNextForPaymentDeterministic(t *testing.T) {
	f := newFixture(t, nil)
	for seed := byte(1); seed <= 6; seed++ {
		e, _ := f.insertEntry(t, seed, 10+seed)
		e.LastPaidBlock = 500 // all tied: outpoint order breaks the tie
	}
	f.mgr.Check()

	count1, w1 := f.mgr.NextForPayment(f.chain.tip, true)
	count2, w2 := f.mgr.NextForPayment(f.chain.tip, true)
	require.Equal(t, count1, count2)
	require.NotNil(t, w1)
	require.NotNil(t, w2)
	require.Equal(t, w1.Outpoint, w2.Outpoint)
}

func TestNextForPaymentSkipsScheduled(t *testing.T) {
	f := newFixture(t, nil)
	e1, _ := f.insertEntry(t, 1, 10)
	e2, _ := f.insertEntry(t, 2, 11)
	e1.LastPaidBlock = 10
	e2.LastPaidBlock = 20
	f.mgr.Check()

	f.sched.scheduled[e1.Outpoint] = true
	count, winner := f.mgr.NextForPayment(f.chain.tip, false)
	require.Equal(t, 1, count)
	require.NotNil(t, winner)
	require.Equal(t, e2.Outpoint, winner.Outpoint)
}

func TestNextForPaymentNoBlockHash(t *testing.T) {
	f := newFixture(t, nil)
	f.insertEntry(t, 1, 10)
	f.mgr.Check()

	// selection height whose seed block (height-101) is unknown
	_, winner := f.mgr.NextForPayment(f.chain.tip+200, false)
	require.Nil(t, winner)
}

func TestFindRandomNotInVec(t *testing.T) {
	f := newFixture(t, nil)
	e1, _ := f.insertEntry(t, 1, 10)
	e2, _ := f.insertEntry(t, 2, 11)
	f.mgr.Check()

	snap, ok := f.mgr.FindRandomNotInVec([]spec.Outpoint{e1.Outpoint}, -1)
	require.True(t, ok)
	require.Equal(t, e2.Outpoint, snap.Outpoint)

	_, ok = f.mgr.FindRandomNotInVec([]spec.Outpoint{e1.Outpoint, e2.Outpoint}, -1)
	require.False(t, ok)
}
