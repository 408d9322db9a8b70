package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	msg "code.dogecoin.org/registry/internal/core"
	"code.dogecoin.org/registry/internal/signer"
)

func testIdentity(t *testing.T, f *fixture, seed byte, addrLast byte) *Identity {
	t.Helper()
	return &Identity{
		Outpoint:   testOutpoint(seed),
		Service:    testAddr(addrLast, 22556),
		ServiceKey: testKey(t, seed+100),
	}
}

// arm a verification request as if DoFullVerificationStep and
// ProcessPendingMnvRequests already ran against the peer
func armRequest(f *fixture, peer *fakePeer, nonce uint32, height int32) {
	fullKey := f.mgr.fullAddrKey(peer.addr)
	f.mgr.mu.Lock()
	f.mgr.markFulfilled(fullKey, verifyRequested)
	f.mgr.weAskedForVerification[fullKey] = msg.Verification{
		Addr:        peer.addr,
		Nonce:       nonce,
		BlockHeight: height,
	}
	f.mgr.mu.Unlock()
}

func TestVerifyReplyDecreasesScoreByOne(t *testing.T) {
	f := newFixture(t, nil)
	target, service := f.insertEntry(t, 1, 10)
	target.PoSeBanScore = 2

	peer := &fakePeer{id: 5, addr: target.Addr}
	height := int32(f.chain.tip - 1)
	armRequest(f, peer, 777, height)

	blockHash, _ := f.chain.BlockHashAt(int(height))
	v := msg.Verification{Addr: target.Addr, Nonce: 777, BlockHeight: height}
	v.Sig1 = service.SignHash(v.SignatureHash1(blockHash))

	f.mgr.handleVerify(peer, v)

	require.Equal(t, 1, target.PoSeBanScore)
	require.True(t, target.IsPoSeVerified())
	require.Zero(t, f.net.misbehave[peer.id])

	// a second identical reply must not decrease the score again
	armRequest(f, peer, 777, height)
	f.mgr.handleVerify(peer, v)
	require.Equal(t, 1, target.PoSeBanScore)
}

func TestVerifyReplyNonceMismatch(t *testing.T) {
	f := newFixture(t, nil)
	target, service := f.insertEntry(t, 1, 10)

	peer := &fakePeer{id: 5, addr: target.Addr}
	height := int32(f.chain.tip - 1)
	armRequest(f, peer, 777, height)

	blockHash, _ := f.chain.BlockHashAt(int(height))
	v := msg.Verification{Addr: target.Addr, Nonce: 778, BlockHeight: height}
	v.Sig1 = service.SignHash(v.SignatureHash1(blockHash))

	f.mgr.handleVerify(peer, v)

	require.Equal(t, 20, f.net.misbehave[peer.id])
	require.Equal(t, 1, target.PoSeBanScore)
	require.False(t, target.IsPoSeVerified())
}

func TestVerifyReplyHeightMismatch(t *testing.T) {
	f := newFixture(t, nil)
	target, service := f.insertEntry(t, 1, 10)

	peer := &fakePeer{id: 5, addr: target.Addr}
	height := int32(f.chain.tip - 1)
	armRequest(f, peer, 777, height)

	blockHash, _ := f.chain.BlockHashAt(int(height) - 1)
	v := msg.Verification{Addr: target.Addr, Nonce: 777, BlockHeight: height - 1}
	v.Sig1 = service.SignHash(v.SignatureHash1(blockHash))

	f.mgr.handleVerify(peer, v)

	require.Equal(t, 20, f.net.misbehave[peer.id])
	require.Equal(t, 1, target.PoSeBanScore)
}

func TestVerifyReplyUnsolicited(t *testing.T) {
	f := newFixture(t, nil)
	target, service := f.insertEntry(t, 1, 10)

	peer := &fakePeer{id: 5, addr: target.Addr}
	height := int32(f.chain.tip - 1)
	blockHash, _ := f.chain.BlockHashAt(int(height))
	v := msg.Verification{Addr: target.Addr, Nonce: 777, BlockHeight: height}
	v.Sig1 = service.SignHash(v.SignatureHash1(blockHash))

	f.mgr.handleVerify(peer, v)

	require.Equal(t, 2, f.net.misbehave[peer.id])
	require.Equal(t, 0, target.PoSeBanScore)
}

func TestSelfVerifyBroadcastPunished(t *testing.T) {
	f := newFixture(t, nil)
	target, _ := f.insertEntry(t, 1, 10)

	peer := &fakePeer{id: 5, addr: testAddr(99, 22556)}
	v := msg.Verification{
		Addr:        target.Addr,
		Nonce:       1,
		BlockHeight: int32(f.chain.tip - 1),
		Sig1:        []byte{1},
		Sig2:        []byte{2},
		Outpoint1:   target.Outpoint,
		Outpoint2:   target.Outpoint,
	}
	f.mgr.handleVerify(peer, v)

	require.Equal(t, 100, f.net.misbehave[peer.id])
	require.Equal(t, 0, target.PoSeBanScore)
	require.False(t, target.IsPoSeVerified())
}

func TestVerifyBroadcastCreditsRealAndBansFakes(t *testing.T) {
	f := newFixture(t, nil)
	real, realService := f.insertEntry(t, 1, 10)
	real.PoSeBanScore = 1
	verifier, verifierService := f.insertEntry(t, 2, 11)

	// a fake entry squatting on the real entry's address (inserted
	// directly: the write path would reject the duplicate addr)
	fake := &Entry{
		Outpoint:        testOutpoint(3),
		Addr:            real.Addr,
		PubKeyService:   testKey(t, 50).PubKey(),
		ProtocolVersion: real.ProtocolVersion,
	}
	f.mgr.mu.Lock()
	f.mgr.entries[fake.Outpoint] = fake
	f.mgr.mu.Unlock()

	height := int32(f.chain.tip - 1)
	blockHash, _ := f.chain.BlockHashAt(int(height))
	v := msg.Verification{
		Addr:        real.Addr,
		Nonce:       42,
		BlockHeight: height,
		Outpoint1:   real.Outpoint,
		Outpoint2:   verifier.Outpoint,
	}
	v.Sig1 = realService.SignHash(v.SignatureHash1(blockHash))
	v.Sig2 = verifierService.SignHash(v.SignatureHash2(blockHash))

	peer := &fakePeer{id: 9, addr: testAddr(99, 22556)}
	f.mgr.handleVerify(peer, v)

	require.Equal(t, 0, real.PoSeBanScore)
	require.True(t, real.IsPoSeVerified())
	require.Equal(t, 1, fake.PoSeBanScore)
	require.Equal(t, 0, verifier.PoSeBanScore)
	require.Zero(t, f.net.misbehave[peer.id])

	// the attestation was cached for relay
	f.mgr.mu.Lock()
	_, seen := f.mgr.seenVerification[v.Hash()]
	f.mgr.mu.Unlock()
	require.True(t, seen)
}

func TestVerifyBroadcastAddrMismatch(t *testing.T) {
	f := newFixture(t, nil)
	real, realService := f.insertEntry(t, 1, 10)
	verifier, verifierService := f.insertEntry(t, 2, 11)

	height := int32(f.chain.tip - 1)
	blockHash, _ := f.chain.BlockHashAt(int(height))
	v := msg.Verification{
		Addr:        testAddr(77, 22556), // not the real entry's addr
		Nonce:       42,
		BlockHeight: height,
		Outpoint1:   real.Outpoint,
		Outpoint2:   verifier.Outpoint,
	}
	v.Sig1 = realService.SignHash(v.SignatureHash1(blockHash))
	v.Sig2 = verifierService.SignHash(v.SignatureHash2(blockHash))

	peer := &fakePeer{id: 9, addr: testAddr(99, 22556)}
	f.mgr.handleVerify(peer, v)

	require.Equal(t, 20, f.net.misbehave[peer.id])
	require.Equal(t, 0, real.PoSeBanScore)
}

func TestSendVerifyReply(t *testing.T) {
	f := newFixture(t, nil)
	// become an operator with a known service key
	id := testIdentity(t, f, 40, 40)
	f.mgr.self = id

	peer := &fakePeer{id: 3, addr: testAddr(50, 22556)}
	height := int32(f.chain.tip - 1)
	blockHash, _ := f.chain.BlockHashAt(int(height))
	challenge := msg.Verification{Addr: id.Service, Nonce: 123, BlockHeight: height}

	f.mgr.handleVerify(peer, challenge)

	require.Len(t, peer.sent, 1)
	require.Equal(t, msg.CmdVerify, peer.sent[0].cmd)
	reply := msg.DecodeVerification(peer.sent[0].payload)
	require.NotEmpty(t, reply.Sig1)
	require.True(t, signer.VerifyHash(id.ServicePubKey(), reply.SignatureHash1(blockHash), reply.Sig1))

	// repeated challenge inside the cooldown is minor abuse
	f.mgr.handleVerify(peer, challenge)
	require.Len(t, peer.sent, 1)
	require.Equal(t, 2, f.net.misbehave[peer.id])
}

func TestPendingVerifyTimeoutPunishes(t *testing.T) {
	f := newFixture(t, nil)
	target, _ := f.insertEntry(t, 1, 10)

	f.mgr.pendingMnvMu.Lock()
	f.mgr.pendingMnv[target.Addr.String()] = &pendingVerifyReq{
		enqueued: f.now - pendingTimeoutSeconds - 1,
		addr:     target.Addr,
		mnv:      msg.Verification{Addr: target.Addr, Nonce: 1, BlockHeight: int32(f.chain.tip - 1)},
	}
	f.mgr.pendingMnvMu.Unlock()

	f.mgr.ProcessPendingMnvRequests()

	require.Equal(t, 1, target.PoSeBanScore)
	f.mgr.pendingMnvMu.Lock()
	require.Empty(t, f.mgr.pendingMnv)
	f.mgr.pendingMnvMu.Unlock()
}
