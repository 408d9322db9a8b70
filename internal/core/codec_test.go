package msg

import (
	"bufio"
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"code.dogecoin.org/registry/internal/spec"
)

const testMagic = 0xc0c0c0c0

func testOutpoint(b byte) spec.Outpoint {
	var out spec.Outpoint
	for i := range out.TxID {
		out.TxID[i] = b
	}
	out.Index = uint32(b) % 4
	return out
}

func testAddr() spec.Address {
	return spec.Address{Host: net.IPv4(203, 0, 113, 7).To16(), Port: 22556}
}

func testPing(b byte) Ping {
	p := Ping{
		Outpoint:          testOutpoint(b),
		SigTime:           1700000000 + int64(b),
		Sig:               []byte{1, 2, 3, 4},
		SentinelIsCurrent: true,
		DaemonVersion:     1070015,
	}
	for i := range p.BlockHash {
		p.BlockHash[i] = b ^ 0x55
	}
	return p
}

func TestMessageFraming(t *testing.T) {
	payload := []byte("such payload")
	framed := EncodeMessage(testMagic, "mnb", payload)

	cmd, got, err := ReadMessage(bufio.NewReader(bytes.NewReader(framed)), testMagic)
	require.NoError(t, err)
	require.Equal(t, "mnb", cmd)
	require.Equal(t, payload, got)

	// wrong network magic is rejected
	_, _, err = ReadMessage(bufio.NewReader(bytes.NewReader(framed)), 0xdeadbeef)
	require.Error(t, err)

	// corrupted payload fails the checksum
	framed[len(framed)-1] ^= 0xff
	_, _, err = ReadMessage(bufio.NewReader(bytes.NewReader(framed)), testMagic)
	require.Error(t, err)
}

func TestBroadcastRoundTrip(t *testing.T) {
	b := Broadcast{
		Outpoint:         testOutpoint(9),
		Addr:             testAddr(),
		PubKeyCollateral: bytes.Repeat([]byte{2}, 33),
		PubKeyService:    bytes.Repeat([]byte{3}, 33),
		Sig:              []byte{9, 8, 7},
		SigTime:          1700000123,
		ProtocolVersion:  70015,
		LastPing:         testPing(9),
	}
	got := DecodeBroadcast(EncodeBroadcast(b))
	require.Equal(t, b.Outpoint, got.Outpoint)
	require.Equal(t, b.Addr.String(), got.Addr.String())
	require.Equal(t, b.PubKeyCollateral, got.PubKeyCollateral)
	require.Equal(t, b.SigTime, got.SigTime)
	require.Equal(t, b.LastPing.BlockHash, got.LastPing.BlockHash)
	require.Equal(t, b.Hash(), got.Hash())
}

func TestBroadcastHashIgnoresPing(t *testing.T) {
	b := Broadcast{
		Outpoint:         testOutpoint(9),
		Addr:             testAddr(),
		PubKeyCollateral: bytes.Repeat([]byte{2}, 33),
		PubKeyService:    bytes.Repeat([]byte{3}, 33),
		SigTime:          1700000123,
		ProtocolVersion:  70015,
		LastPing:         testPing(9),
	}
	refreshed := b
	refreshed.LastPing = testPing(10)
	refreshed.LastPing.Outpoint = b.Outpoint

	// re-announce with a fresher ping keeps its identity
	require.Equal(t, b.Hash(), refreshed.Hash())

	// a different signing time is a different announcement
	refreshed.SigTime++
	require.NotEqual(t, b.Hash(), refreshed.Hash())
}

func TestPingRoundTrip(t *testing.T) {
	p := testPing(4)
	got := DecodePingPayload(EncodePingMsg(p))
	require.Equal(t, p, got)
	require.Equal(t, p.Hash(), got.Hash())
}

func TestVerificationRoundTrip(t *testing.T) {
	v := Verification{
		Addr:        testAddr(),
		Nonce:       424242,
		BlockHeight: 1999,
		Sig1:        []byte{1, 1, 1},
		Sig2:        []byte{2, 2, 2},
		Outpoint1:   testOutpoint(1),
		Outpoint2:   testOutpoint(2),
	}
	got := DecodeVerification(EncodeVerification(v))
	require.Equal(t, v.Nonce, got.Nonce)
	require.Equal(t, v.BlockHeight, got.BlockHeight)
	require.Equal(t, v.Outpoint1, got.Outpoint1)
	require.Equal(t, v.Hash(), got.Hash())

	// the hash identifies the challenge across phases: adding
	// signatures must not change it
	unsigned := v
	unsigned.Sig1, unsigned.Sig2 = nil, nil
	require.Equal(t, v.Hash(), unsigned.Hash())
}

func TestVerificationSignatureHashes(t *testing.T) {
	v := Verification{
		Addr:        testAddr(),
		Nonce:       7,
		BlockHeight: 1500,
		Outpoint1:   testOutpoint(1),
		Outpoint2:   testOutpoint(2),
	}
	var blockHash [32]byte
	blockHash[0] = 0xab

	h1 := v.SignatureHash1(blockHash)
	h2 := v.SignatureHash2(blockHash)
	require.NotEqual(t, h1, h2)

	// hash2 binds both outpoints
	swapped := v
	swapped.Outpoint1, swapped.Outpoint2 = v.Outpoint2, v.Outpoint1
	require.Equal(t, h1, swapped.SignatureHash1(blockHash))
	require.NotEqual(t, h2, swapped.SignatureHash2(blockHash))
}

func TestQueryRoundTrip(t *testing.T) {
	out := testOutpoint(3)
	require.Equal(t, out, DecodeQuery(EncodeQuery(out)))

	var null spec.Outpoint
	require.True(t, DecodeQuery(EncodeQuery(null)).IsNull())
}

func TestInvRoundTrip(t *testing.T) {
	var hash [32]byte
	hash[0] = 0x44
	m := InvMsg{InvList: []InvVector{
		{Type: InvEntryAnnounce, Hash: hash[:]},
		{Type: InvEntryPing, Hash: hash[:]},
	}}
	got := DecodeInvMsg(EncodeInvMsg(m))
	require.Len(t, got.InvList, 2)
	require.Equal(t, InvEntryAnnounce, got.InvList[0].Type)
	require.Equal(t, hash[:], got.InvList[0].Hash)
}

func TestSyncCountRoundTrip(t *testing.T) {
	m := SyncCountMsg{Asset: SyncAssetList, Count: 321}
	require.Equal(t, m, DecodeSyncCount(EncodeSyncCount(m)))
}
